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

// Package fake provides in-memory Hypervisor and VolumeService doubles for
// the livemerge package's tests: a small stateful double per collaborator,
// driven explicitly by the test rather than a generic mock that records
// and replays calls.
package fake

import (
	"sync"

	"libvirt.org/go/libvirtxml"

	"kubevirt.io/kubevirt/pkg/virt-launcher/virtwrap/livemerge"
	"kubevirt.io/kubevirt/pkg/virt-launcher/virtwrap/livemerge/merrors"
)

// Hypervisor is an in-memory double for livemerge.Hypervisor. It keeps one
// drive's volume chain and at most one in-flight block job.
type Hypervisor struct {
	mu sync.Mutex

	Drive string
	JobID string
	chain livemerge.Chain

	metadataPayload string

	job        *blockJob
	mirrorMode mirrorMode

	// AbortErr, when set, is returned verbatim by the next BlockJobAbort
	// call instead of the normal pivot path. Tests use this to simulate an
	// external abort or an unrecoverable hypervisor error; it overrides the
	// automatic JobNotReadyError a not-yet-ready mirror would otherwise
	// produce.
	AbortErr error

	// XMLDescErr, when set, is returned by XMLDesc instead of a rendered
	// document.
	XMLDescErr error
}

type blockJob struct {
	flags     livemerge.BlockCommitFlags
	bandwidth uint64
	cur       uint64
	end       uint64
	i, j      int
}

type mirrorMode int

const (
	mirrorNone mirrorMode = iota
	mirrorPending
	mirrorReady
)

// NewHypervisor builds a fake hypervisor seeded with chain as the live
// volume chain for drive.
func NewHypervisor(drive string, chain livemerge.Chain) *Hypervisor {
	cp := make(livemerge.Chain, len(chain))
	copy(cp, chain)
	return &Hypervisor{Drive: drive, chain: cp}
}

// Chain returns a copy of the hypervisor's current view of the volume
// chain, for assertions.
func (h *Hypervisor) Chain() livemerge.Chain {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := make(livemerge.Chain, len(h.chain))
	copy(cp, h.chain)
	return cp
}

func (h *Hypervisor) BlockCommit(drive, basePath, topPath string, bandwidth uint64, flags livemerge.BlockCommitFlags) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	i, j := -1, -1
	for idx, v := range h.chain {
		if v.Path == basePath {
			i = idx
		}
		if v.Path == topPath {
			j = idx
		}
	}
	h.job = &blockJob{flags: flags, bandwidth: bandwidth, cur: 0, end: 1024 * 1024 * 1024, i: i, j: j}
	if flags&livemerge.BlockCommitActive != 0 {
		h.mirrorMode = mirrorPending
	}
	return nil
}

// SeedCommit marks a commit as already in flight, for tests that drive the
// Cleanup worker directly against a Hypervisor double without first routing
// through Merger.Merge/BlockCommit.
func (h *Hypervisor) SeedCommit(active bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var flags livemerge.BlockCommitFlags
	if active {
		flags = livemerge.BlockCommitActive
		h.mirrorMode = mirrorPending
	}
	h.job = &blockJob{flags: flags, end: 1024 * 1024 * 1024, i: 0, j: len(h.chain) - 1}
}

// JobRunning reports whether a block job is currently tracked for the
// drive, letting a test wait for an asynchronous extend callback to have
// actually issued blockCommit before driving the job further.
func (h *Hypervisor) JobRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.job != nil
}

// AdvanceBlockJob moves the running block job's progress to cur/end,
// simulating libvirt's own progress reporting between QueryJobs ticks.
func (h *Hypervisor) AdvanceBlockJob(cur, end uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.job == nil {
		return
	}
	h.job.cur, h.job.end = cur, end
}

// SetMirrorReady flips the active-commit mirror to "ready", the condition
// commitReadyLocked polls for before pivoting.
func (h *Hypervisor) SetMirrorReady() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mirrorMode = mirrorReady
}

// CompleteInternalCommit simulates an internal (non-pivot) commit finishing:
// libvirt retires the block job and the chain collapses as if the commit
// had already spliced the intermediate volumes away.
func (h *Hypervisor) CompleteInternalCommit() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.job == nil {
		return
	}
	h.spliceLocked(h.job.i, h.job.j)
	h.job = nil
}

func (h *Hypervisor) BlockJobInfo(drive string) (livemerge.BlockJobInfo, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.job == nil {
		return livemerge.BlockJobInfo{}, false, nil
	}
	jobType := livemerge.BlockJobTypeCommit
	if h.job.flags&livemerge.BlockCommitActive != 0 {
		jobType = livemerge.BlockJobTypeActiveCommit
	}
	return livemerge.BlockJobInfo{
		Type:      jobType,
		Bandwidth: h.job.bandwidth,
		Cur:       h.job.cur,
		End:       h.job.end,
	}, true, nil
}

func (h *Hypervisor) BlockJobAbort(drive string, flags livemerge.BlockJobAbortFlags) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.AbortErr != nil {
		err := h.AbortErr
		h.AbortErr = nil
		return err
	}
	if h.job == nil {
		return nil
	}

	if flags&livemerge.BlockJobAbortPivot != 0 {
		if h.mirrorMode != mirrorReady {
			return &merrors.JobNotReadyError{JobID: h.JobID}
		}
		h.spliceLocked(h.job.i, h.job.j)
		h.mirrorMode = mirrorNone
	}
	h.job = nil
	return nil
}

// spliceLocked applies the same splice postMergeChain computes, so the
// fake's XMLDesc reflects the post-commit chain the way a real hypervisor
// would once blockCommit/blockJobAbort(PIVOT) completes. Caller must hold
// h.mu.
func (h *Hypervisor) spliceLocked(i, j int) {
	if i < 0 || j < 0 {
		return
	}
	merged := make(livemerge.Chain, 0, len(h.chain))
	merged = append(merged, h.chain[:i+1]...)
	if j+1 < len(h.chain) {
		rest := append(livemerge.Chain{}, h.chain[j+1:]...)
		rest[0].Parent = h.chain[i].VolumeID
		merged = append(merged, rest...)
	}
	h.chain = merged
}

func (h *Hypervisor) BlockInfo(drive string) (livemerge.BlockInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.chain) == 0 {
		return livemerge.BlockInfo{}, nil
	}
	top := h.chain[len(h.chain)-1]
	return livemerge.BlockInfo{
		Capacity:   uint64(top.Capacity),
		Allocation: uint64(top.ApparentSize),
		Physical:   uint64(top.ApparentSize),
	}, nil
}

func (h *Hypervisor) XMLDesc() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.XMLDescErr != nil {
		return "", h.XMLDescErr
	}

	dom := libvirtxml.Domain{
		Devices: &libvirtxml.DomainDeviceList{
			Disks: []libvirtxml.DomainDisk{*diskFromChain(h.chain, h.Drive, h.mirrorMode)},
		},
	}
	if h.metadataPayload != "" {
		dom.Metadata = &libvirtxml.DomainMetadata{XML: h.metadataPayload}
	}
	return dom.Marshal()
}

func (h *Hypervisor) SetMetadata(payload string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.metadataPayload = payload
	return nil
}

func diskFromChain(chain livemerge.Chain, drive string, mirror mirrorMode) *libvirtxml.DomainDisk {
	disk := &libvirtxml.DomainDisk{
		Target: &libvirtxml.DomainDiskTarget{Dev: drive},
	}
	if len(chain) == 0 {
		return disk
	}
	top := len(chain) - 1
	disk.Source = diskSourceFromVolume(chain[top])
	disk.BackingStore = backingStoreChain(chain, top-1)

	switch mirror {
	case mirrorPending:
		disk.Mirror = &libvirtxml.DomainDiskMirror{Ready: "no"}
	case mirrorReady:
		disk.Mirror = &libvirtxml.DomainDiskMirror{Ready: "yes"}
	}
	return disk
}

func backingStoreChain(chain livemerge.Chain, idx int) *libvirtxml.DomainDiskBackingStore {
	if idx < 0 {
		return nil
	}
	return &libvirtxml.DomainDiskBackingStore{
		Source:       diskSourceFromVolume(chain[idx]),
		BackingStore: backingStoreChain(chain, idx-1),
	}
}

func diskSourceFromVolume(v livemerge.Volume) *libvirtxml.DomainDiskSource {
	return &libvirtxml.DomainDiskSource{
		File: &libvirtxml.DomainDiskSourceFile{File: v.Path},
	}
}
