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

// VMHooks is an in-memory double for livemerge.VMHooks: a running flag, a
// drive-monitor enabled bit, and a recorded history of synced chains.
type VMHooks struct {
	mu sync.Mutex

	Running              bool
	DriveMonitorsEnabled map[string]bool
	SyncedChains         []SyncedChain
}

// SyncedChain records one SyncVolumeChain call.
type SyncedChain struct {
	Drive string
	Chain livemerge.Chain
}

// NewVMHooks builds a fake VM in the running state, the precondition every
// merge scenario assumes.
func NewVMHooks() *VMHooks {
	return &VMHooks{Running: true, DriveMonitorsEnabled: map[string]bool{}}
}

func (h *VMHooks) IsRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Running
}

func (h *VMHooks) DisableDriveMonitor(drive string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.DriveMonitorsEnabled[drive] = false
}

func (h *VMHooks) EnableDriveMonitor(drive string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.DriveMonitorsEnabled[drive] = true
}

func (h *VMHooks) DriveMonitorEnabled(drive string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.DriveMonitorsEnabled[drive]
}

func (h *VMHooks) SyncVolumeChain(drive string, chain livemerge.Chain) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.SyncedChains = append(h.SyncedChains, SyncedChain{Drive: drive, Chain: chain})
}

// LastSyncedChain returns the most recently synced chain, for assertions.
func (h *VMHooks) LastSyncedChain() (livemerge.Chain, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.SyncedChains) == 0 {
		return nil, false
	}
	return h.SyncedChains[len(h.SyncedChains)-1].Chain, true
}
