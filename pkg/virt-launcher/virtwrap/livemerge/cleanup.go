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
	"errors"
	"sync/atomic"
	"time"

	"libvirt.org/go/libvirtxml"

	"kubevirt.io/client-go/log"

	"kubevirt.io/kubevirt/pkg/virt-launcher/virtwrap/livemerge/merrors"
	"kubevirt.io/kubevirt/pkg/virt-launcher/virtwrap/livemerge/metrics"
)

// cleanupState is the Cleanup worker's own small state machine, sampled by
// the Merger's QueryJobs tick via State().
type cleanupState int32

const (
	cleanupTrying cleanupState = iota
	cleanupRetry
	cleanupAbort
	cleanupDone
)

func (s cleanupState) String() string {
	switch s {
	case cleanupTrying:
		return "TRYING"
	case cleanupRetry:
		return "RETRY"
	case cleanupAbort:
		return "ABORT"
	case cleanupDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// pivotReadyPollTimeout bounds how long the worker waits for the domain
// XML to reflect the post-pivot chain once blockJobAbort(PIVOT) succeeds.
const pivotReadyPollTimeout = 30 * time.Second
const pivotReadyPollInterval = 100 * time.Millisecond

type cleanupDeps struct {
	hv    Hypervisor
	vol   VolumeService
	hooks VMHooks
	job   Job

	waitInterval time.Duration
	retryCap     int

	metrics *metrics.Collector

	// reconcile computes the post-merge chain, hands it to the VM, and
	// returns the ids of the volumes that must now be torn down.
	reconcile func(job Job, pivoted bool) ([]string, error)
}

// cleanupWorker finalises one completed commit: it pivots the live disk if
// needed, reconciles the chain into metadata, and tears down the obsolete
// volumes. It holds only a borrowed copy of the Job and a
// small set of capability handles — never a reference to the Merger.
type cleanupWorker struct {
	deps  cleanupDeps
	state int32 // cleanupState, accessed atomically
}

func newCleanupWorker(deps cleanupDeps) *cleanupWorker {
	if deps.waitInterval <= 0 {
		deps.waitInterval = DefaultCleanupWaitInterval
	}
	if deps.retryCap <= 0 {
		deps.retryCap = DefaultCleanupRetryCap
	}
	return &cleanupWorker{deps: deps, state: int32(cleanupTrying)}
}

// State returns the worker's current state; safe to call concurrently with
// Start's goroutine.
func (w *cleanupWorker) State() cleanupState {
	return cleanupState(atomic.LoadInt32(&w.state))
}

func (w *cleanupWorker) setState(s cleanupState) {
	atomic.StoreInt32(&w.state, int32(s))
}

// Start launches the worker's goroutine. It returns immediately.
func (w *cleanupWorker) Start() {
	go w.run()
}

func (w *cleanupWorker) run() {
	job := w.deps.job

	w.deps.hooks.DisableDriveMonitor(job.Drive)
	defer w.deps.hooks.EnableDriveMonitor(job.Drive)

	w.updateBaseSize(job)

	pivoted := false
	if job.Pivot {
		ok := w.tryPivotUntilDone(job)
		if w.State() == cleanupAbort {
			return
		}
		pivoted = ok
		if pivoted {
			w.waitForPostPivotXML(job)
		}
	}

	toRemove, err := w.deps.reconcile(job, pivoted)
	if err != nil {
		log.Log.Reason(err).Errorf("livemerge: job %s failed to reconcile volume chain metadata", job.ID)
		// The chain state is unknown; leave the job for operator
		// intervention rather than silently dropping it.
		w.setState(cleanupAbort)
		w.deps.metrics.ObserveCleanupOutcome(metrics.OutcomeAbort)
		return
	}

	for _, volID := range toRemove {
		w.teardownVolume(job, volID)
	}

	w.setState(cleanupDone)
	w.deps.metrics.ObserveCleanupOutcome(metrics.OutcomeDone)
}

func (w *cleanupWorker) updateBaseSize(job Job) {
	info, err := w.deps.hv.BlockInfo(job.Drive)
	if err != nil {
		log.Log.Reason(err).Warningf("livemerge: job %s failed to read base volume size from hypervisor", job.ID)
		return
	}
	if err := w.deps.vol.UpdateSize(job.Base, int64(info.Allocation)); err != nil {
		// Re-recording the already-achieved allocation is best-effort
		// bookkeeping; the merge itself already succeeded at this point.
		log.Log.Reason(err).Warningf("livemerge: job %s failed to update base volume size in storage metadata", job.ID)
	}
}

// tryPivotUntilDone calls blockJobAbort(PIVOT) until it succeeds, the
// retry cap is hit (worker promotes to ABORT), or the hypervisor reports a
// terminal error (also ABORT). Returns true once the pivot has succeeded.
func (w *cleanupWorker) tryPivotUntilDone(job Job) bool {
	for attempt := 0; ; attempt++ {
		err := w.deps.hv.BlockJobAbort(job.Drive, BlockJobAbortPivot)
		if err == nil {
			w.setState(cleanupTrying)
			return true
		}

		var notReady *merrors.JobNotReadyError
		var unrecoverable *merrors.JobUnrecoverableError
		switch {
		case errors.As(err, &unrecoverable):
			log.Log.Reason(err).Errorf("livemerge: job %s hit an unrecoverable error while pivoting", job.ID)
			w.setState(cleanupAbort)
			w.deps.metrics.ObserveCleanupOutcome(metrics.OutcomeAbort)
			return false
		case errors.As(err, &notReady):
			w.setState(cleanupRetry)
			w.deps.metrics.ObserveCleanupOutcome(metrics.OutcomeRetry)
			if attempt+1 >= w.deps.retryCap {
				log.Log.Errorf("livemerge: job %s exceeded %d pivot retry attempts, aborting", job.ID, w.deps.retryCap)
				w.setState(cleanupAbort)
				w.deps.metrics.ObserveCleanupOutcome(metrics.OutcomeAbort)
				return false
			}
			time.Sleep(w.deps.waitInterval)
		default:
			log.Log.Reason(err).Errorf("livemerge: job %s pivot failed with an unexpected error", job.ID)
			w.setState(cleanupAbort)
			w.deps.metrics.ObserveCleanupOutcome(metrics.OutcomeAbort)
			return false
		}
	}
}

func (w *cleanupWorker) waitForPostPivotXML(job Job) {
	deadline := time.Now().Add(pivotReadyPollTimeout)
	for time.Now().Before(deadline) {
		xmlDoc, err := w.deps.hv.XMLDesc()
		if err == nil {
			var dom libvirtxml.Domain
			if err := domainFromXML(xmlDoc, &dom); err == nil {
				disk := domainDiskByTarget(&dom, job.Drive)
				if disk != nil && disk.Mirror == nil {
					return
				}
			}
		}
		time.Sleep(pivotReadyPollInterval)
	}
	log.Log.Warningf("livemerge: job %s timed out waiting for post-pivot domain XML, reconciling anyway", job.ID)
}

func (w *cleanupWorker) teardownVolume(job Job, volID string) {
	if err := w.deps.vol.Teardown(volID); err != nil {
		if errors.Is(err, ErrVolumeNotFound) {
			return
		}
		log.Log.Reason(err).Warningf("livemerge: job %s failed to tear down volume %s", job.ID, volID)
	}
}
