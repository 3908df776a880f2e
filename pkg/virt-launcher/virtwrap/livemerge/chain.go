/*
 * This file is part of the KubeVirt project
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 * Copyright The KubeVirt Authors.
 *
 */

package livemerge

import (
	"libvirt.org/go/libvirtxml"

	"kubevirt.io/kubevirt/pkg/virt-launcher/virtwrap/livemerge/merrors"
)

// VolumeFormat is the on-disk format of a volume in a chain.
type VolumeFormat string

const (
	FormatRaw VolumeFormat = "RAW"
	FormatCow VolumeFormat = "COW"
)

// Volume is one link of an overlay chain: identity, format, capacity and
// the parent it is chained onto.
type Volume struct {
	StorageDomainID string
	ImageID         string
	VolumeID        string

	Format       VolumeFormat
	Capacity     int64 // virtual size, bytes
	ApparentSize int64 // allocated bytes

	Parent     string // volume id of the parent, "" for the base
	Path       string
	LeasePath  string
	LeaseOffset int64
}

// Chain is an ordered sequence of volumes, base first, active layer last.
type Chain []Volume

// locate returns the indices of base and top within the chain, with i < j.
// It fails with BadChain if either id is absent or the order is wrong.
func locate(chain Chain, drive, baseID, topID string) (i, j int, err error) {
	i, j = -1, -1
	for idx, v := range chain {
		if v.VolumeID == baseID {
			i = idx
		}
		if v.VolumeID == topID {
			j = idx
		}
	}
	if i == -1 || j == -1 || i >= j {
		return 0, 0, &merrors.BadChain{Drive: drive, Base: baseID, Top: topID}
	}
	return i, j, nil
}

// requiredBaseCapacity returns the minimum virtual size the base volume
// must have after the merge: the maximum capacity across chain[i..j]. It
// fails with DestinationTooSmall if the base is raw and already smaller
// than that requirement (a raw volume cannot be grown virtually by the
// merge itself; the caller must have expanded it beforehand).
func requiredBaseCapacity(chain Chain, i, j int) (int64, error) {
	var required int64
	for idx := i; idx <= j; idx++ {
		if chain[idx].Capacity > required {
			required = chain[idx].Capacity
		}
	}

	base := chain[i]
	if base.Format == FormatRaw && base.Capacity < required {
		return required, &merrors.DestinationTooSmall{
			Base:        base.VolumeID,
			Capacity:    base.Capacity,
			RequiredCap: required,
		}
	}
	return required, nil
}

// postMergeChain returns the chain that results from committing
// chain[i+1..j] down into chain[i]: base (chain[i]) absorbs their content
// and survives unchanged in identity; everything from i+1 through j is
// removed; whatever sat directly above j keeps its place but has its
// parent pointer rewritten to chain[i].
//
// i == 0 means the base was already the root; nothing above it needs
// rewriting beyond the splice. j == len(chain)-1 means the active layer
// itself was merged away (an active commit with pivot): the result is just
// chain[0..i], since there is nothing left above it.
func postMergeChain(chain Chain, i, j int) Chain {
	merged := make(Chain, 0, i+1+len(chain)-(j+1))
	merged = append(merged, chain[:i+1]...)

	if j+1 < len(chain) {
		rest := append(Chain{}, chain[j+1:]...)
		rest[0].Parent = chain[i].VolumeID
		merged = append(merged, rest...)
	}
	return merged
}

// removedVolumes returns the volume ids of chain[i+1..j], the volumes
// fully absorbed by the commit whose storage must be torn down once
// cleanup completes. This implementation tears down all of them
// immediately rather than deferring any to a later pass.
func removedVolumes(chain Chain, i, j int) []string {
	var ids []string
	for idx := i + 1; idx <= j; idx++ {
		ids = append(ids, chain[idx].VolumeID)
	}
	return ids
}

// chainFromDomainDisk walks a libvirtxml domain disk's backing-store chain
// (the live, hypervisor-side view of the volume chain) from the active
// layer down to the base and returns it base-first, matching the
// metadata-side Chain ordering.
func chainFromDomainDisk(disk *libvirtxml.DomainDisk) Chain {
	var reversed Chain

	reversed = append(reversed, volumeFromDiskSource(disk.Source))

	bs := disk.BackingStore
	for bs != nil {
		reversed = append(reversed, volumeFromDiskSource(bs.Source))
		bs = bs.BackingStore
	}

	chain := make(Chain, len(reversed))
	for idx, v := range reversed {
		chain[len(reversed)-1-idx] = v
	}
	for idx := range chain {
		if idx > 0 {
			chain[idx].Parent = chain[idx-1].VolumeID
		}
	}
	return chain
}

func volumeFromDiskSource(src *libvirtxml.DomainDiskSource) Volume {
	if src == nil {
		return Volume{}
	}
	v := Volume{Format: FormatCow}
	switch {
	case src.File != nil:
		v.Path = src.File.File
		v.VolumeID = src.File.File
	case src.Block != nil:
		v.Path = src.Block.Dev
		v.VolumeID = src.Block.Dev
	}
	return v
}

// domainDiskByTarget returns the disk device matching the given drive
// target name (e.g. "sda") out of a parsed domain description.
func domainDiskByTarget(dom *libvirtxml.Domain, drive string) *libvirtxml.DomainDisk {
	if dom.Devices == nil {
		return nil
	}
	for idx := range dom.Devices.Disks {
		d := &dom.Devices.Disks[idx]
		if d.Target != nil && d.Target.Dev == drive {
			return d
		}
	}
	return nil
}
