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

// VMHooks is the narrow slice of the surrounding VM object this package
// needs: whether the VM is currently running, the drive monitor (I/O
// watchdog) it must pause while mutating a chain, and a way to push the
// reconciled chain back into the VM's in-memory drive device once cleanup
// finishes. kubevirt's domain manager supplies a concrete implementation;
// tests supply an in-memory fake.
type VMHooks interface {
	IsRunning() bool
	DisableDriveMonitor(drive string)
	EnableDriveMonitor(drive string)
	SyncVolumeChain(drive string, chain Chain)
}
