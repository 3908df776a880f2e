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

package fake

import (
	"sync"

	"kubevirt.io/kubevirt/pkg/virt-launcher/virtwrap/livemerge"
)

// VolumeService is an in-memory double for livemerge.VolumeService. Extend
// fires its callback on its own goroutine immediately by default, the way
// a real storage backend would (never on the caller's stack, which may
// still be holding the Merger's job-table lock); tests that need to
// exercise the async gap explicitly set Synchronous to false and drive
// ExtendRequests themselves, the way test_active_merge drives
// vm.cif.irs.extend_requests in the original test suite.
type VolumeService struct {
	mu sync.Mutex

	volumes map[string]livemerge.VolumeInfo

	Synchronous    bool
	ExtendRequests []ExtendRequest

	// TeardownErr, when set, is returned by Teardown for every volume id.
	TeardownErr error
}

// ExtendRequest records one call to Extend, for tests driving the
// asynchronous gap between an extend request and its callback explicitly.
type ExtendRequest struct {
	Volume   livemerge.VolumeInfo
	NewSize  int64
	Callback livemerge.ExtendCallback
}

// NewVolumeService builds a fake volume service seeded with volumes, keyed
// by VolumeID.
func NewVolumeService(volumes ...livemerge.VolumeInfo) *VolumeService {
	s := &VolumeService{volumes: map[string]livemerge.VolumeInfo{}, Synchronous: true}
	for _, v := range volumes {
		s.volumes[v.VolumeID] = v
	}
	return s
}

func (s *VolumeService) Extend(volume livemerge.VolumeInfo, newSize int64, callback livemerge.ExtendCallback) error {
	s.mu.Lock()
	v := s.volumes[volume.VolumeID]
	v.Capacity = newSize
	v.ApparentSize = newSize
	s.volumes[volume.VolumeID] = v
	synchronous := s.Synchronous
	s.ExtendRequests = append(s.ExtendRequests, ExtendRequest{Volume: volume, NewSize: newSize, Callback: callback})
	s.mu.Unlock()

	if synchronous {
		go callback(v)
	}
	return nil
}

func (s *VolumeService) Prepare(volumeID string) error {
	return nil
}

func (s *VolumeService) Teardown(volumeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.TeardownErr != nil {
		return s.TeardownErr
	}
	if _, ok := s.volumes[volumeID]; !ok {
		return livemerge.ErrVolumeNotFound
	}
	delete(s.volumes, volumeID)
	return nil
}

func (s *VolumeService) Info(volumeID string) (livemerge.VolumeInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.volumes[volumeID]
	if !ok {
		return livemerge.VolumeInfo{}, livemerge.ErrVolumeNotFound
	}
	return v, nil
}

func (s *VolumeService) UpdateSize(volumeID string, allocatedBytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.volumes[volumeID]
	if !ok {
		return livemerge.ErrVolumeNotFound
	}
	v.ApparentSize = allocatedBytes
	s.volumes[volumeID] = v
	return nil
}

// TornDown reports whether volumeID was removed by a Teardown call.
func (s *VolumeService) TornDown(volumeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.volumes[volumeID]
	return !ok
}
