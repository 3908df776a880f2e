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
	"fmt"
	"strconv"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/tools/record"
	"libvirt.org/go/libvirtxml"

	"kubevirt.io/client-go/log"

	"kubevirt.io/kubevirt/pkg/virt-launcher/virtwrap/livemerge/merrors"
	"kubevirt.io/kubevirt/pkg/virt-launcher/virtwrap/livemerge/metrics"
)

const (
	// DefaultExtendTimeout bounds how long a job may sit in EXTEND waiting
	// for the volume service's callback before the Merger gives up on it.
	DefaultExtendTimeout = 5 * time.Minute

	// DefaultCleanupWaitInterval is how long the Cleanup worker sleeps
	// between pivot retry attempts.
	DefaultCleanupWaitInterval = 2 * time.Second

	// DefaultCleanupRetryCap bounds the number of RETRY attempts a
	// Cleanup worker makes before it is promoted to ABORT.
	DefaultCleanupRetryCap = 30
)

// MergeRequest is the caller-supplied description of one merge.
type MergeRequest struct {
	JobID     string
	Drive     string
	Disk      DiskSpec
	Base      string
	Top       string
	Bandwidth uint64
}

// JobStatus is the status-query shape returned from QueryJobs.
type JobStatus struct {
	ID           string `json:"id"`
	Drive        string `json:"drive"`
	ImgUUID      string `json:"imgUUID"`
	JobType      string `json:"jobType"`
	BlockJobType string `json:"blockJobType"`
	Bandwidth    uint64 `json:"bandwidth"`
	Cur          string `json:"cur"`
	End          string `json:"end"`
}

// Merger is the top-level controller of a VMI's live disk merges: it owns
// the job table, drives every state transition, answers status queries and
// recovers the table on startup. All table reads and mutations take mu;
// Cleanup workers never touch the table directly, they publish completion
// via their own atomic state field which QueryJobs samples.
type Merger struct {
	mu sync.Mutex

	jobs      map[string]*Job
	driveJobs map[string]string // drive -> job id
	workers   map[string]*cleanupWorker
	lastInfo  map[string]JobStatus // cached status while a worker owns the job

	hv    Hypervisor
	vol   VolumeService
	hooks VMHooks
	store *MetadataStore

	clock func() time.Time

	ExtendTimeout       time.Duration
	CleanupWaitInterval time.Duration
	CleanupRetryCap     int

	recorder record.EventRecorder
	object   runtime.Object
	metrics  *metrics.Collector

	loaded bool
}

// MergerOption configures optional collaborators on a Merger.
type MergerOption func(*Merger)

func WithClock(clock func() time.Time) MergerOption {
	return func(m *Merger) { m.clock = clock }
}

// WithEventRecorder wires an event recorder so state transitions surface
// as Kubernetes events against the owning VMI object, via the same
// record.EventRecorder.Eventf pattern kubevirt.io/kubevirt's other
// controllers use.
func WithEventRecorder(recorder record.EventRecorder, object runtime.Object) MergerOption {
	return func(m *Merger) {
		m.recorder = recorder
		m.object = object
	}
}

func WithMetrics(collector *metrics.Collector) MergerOption {
	return func(m *Merger) { m.metrics = collector }
}

// NewMerger constructs a Merger ready to accept Merge requests.
func NewMerger(hv Hypervisor, vol VolumeService, hooks VMHooks, opts ...MergerOption) *Merger {
	m := &Merger{
		jobs:                map[string]*Job{},
		driveJobs:           map[string]string{},
		workers:             map[string]*cleanupWorker{},
		lastInfo:            map[string]JobStatus{},
		hv:                  hv,
		vol:                 vol,
		hooks:               hooks,
		clock:               time.Now,
		ExtendTimeout:       DefaultExtendTimeout,
		CleanupWaitInterval: DefaultCleanupWaitInterval,
		CleanupRetryCap:     DefaultCleanupRetryCap,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.store = NewMetadataStore(hv)
	return m
}

// Merge validates and starts a new merge job.
func (m *Merger) Merge(req MergeRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.hooks.IsRunning() {
		return &merrors.MergeFailed{JobID: req.JobID, Reason: "VM is not running"}
	}
	if _, exists := m.jobs[req.JobID]; exists {
		return &merrors.MergeFailed{JobID: req.JobID, Reason: "a job with this id already exists"}
	}
	if existing, busy := m.driveJobs[req.Drive]; busy {
		return &merrors.MergeFailed{JobID: req.JobID, Reason: fmt.Sprintf("drive %s already has an active merge job %s", req.Drive, existing)}
	}

	chain, err := m.liveChain(req.Drive)
	if err != nil {
		return err
	}

	i, j, err := locate(chain, req.Drive, req.Base, req.Top)
	if err != nil {
		return err
	}

	required, err := requiredBaseCapacity(chain, i, j)
	if err != nil {
		return err
	}

	started := nowMonotonic(m.clock)
	job := &Job{
		ID:            req.JobID,
		Drive:         req.Drive,
		Disk:          req.Disk,
		Base:          req.Base,
		Top:           req.Top,
		Bandwidth:     req.Bandwidth,
		State:         JobStateExtend,
		ExtendStarted: &started,
		Pivot:         j == len(chain)-1,
	}
	if err := job.Validate(); err != nil {
		return &merrors.MergeFailed{JobID: req.JobID, Reason: err.Error()}
	}

	m.jobs[job.ID] = job
	m.driveJobs[job.Drive] = job.ID

	if err := m.persistLocked(); err != nil {
		delete(m.jobs, job.ID)
		delete(m.driveJobs, job.Drive)
		return &merrors.MergeFailed{JobID: job.ID, Reason: "failed to persist job metadata", Cause: err}
	}

	base := chain[i]
	volInfo := VolumeInfo{
		StorageDomainID: base.StorageDomainID,
		ImageID:         base.ImageID,
		VolumeID:        base.VolumeID,
		Capacity:        base.Capacity,
	}

	if err := m.vol.Extend(volInfo, required, m.extendCallback(job.ID)); err != nil {
		delete(m.jobs, job.ID)
		delete(m.driveJobs, job.Drive)
		_ = m.persistLocked()
		return &merrors.MergeFailed{JobID: job.ID, Reason: "volume service rejected extend request", Cause: err}
	}

	m.emitEvent("MergeStarted", "Started live merge %s on drive %s (%s..%s)", job.ID, job.Drive, job.Base, job.Top)
	m.observeMetrics()
	return nil
}

// extendCallback returns the callback the volume service invokes once the
// base volume has been grown. It is safe to call more than once: if the
// job is gone or has left EXTEND, the second call is a no-op.
func (m *Merger) extendCallback(jobID string) ExtendCallback {
	return func(vol VolumeInfo) {
		m.mu.Lock()
		defer m.mu.Unlock()

		job, exists := m.jobs[jobID]
		if !exists || job.State != JobStateExtend {
			return
		}

		chain, err := m.liveChain(job.Drive)
		if err != nil {
			m.abortLocked(job, "failed to re-read volume chain after extend", err)
			return
		}
		i, j, err := locate(chain, job.Drive, job.Base, job.Top)
		if err != nil {
			m.abortLocked(job, "base/top no longer present in chain after extend", err)
			return
		}
		required, err := requiredBaseCapacity(chain, i, j)
		if err != nil {
			m.abortLocked(job, "base became undersized again after extend", err)
			return
		}

		info, err := m.vol.Info(vol.VolumeID)
		if err != nil {
			m.abortLocked(job, "failed to read base volume size after extend", err)
			return
		}
		if info.ApparentSize < required {
			m.abortLocked(job, fmt.Sprintf("base apparent size %d still below required %d after extend", info.ApparentSize, required), nil)
			return
		}

		base := chain[i]
		var flags BlockCommitFlags
		if job.Pivot {
			flags = BlockCommitActive
		}
		if err := m.hv.BlockCommit(job.Drive, base.Path, chain[j].Path, job.Bandwidth, flags); err != nil {
			m.abortLocked(job, "blockCommit rejected by hypervisor", err)
			return
		}

		job.State = JobStateCommit
		job.ExtendStarted = nil
		if err := m.persistLocked(); err != nil {
			log.Log.Reason(err).Errorf("livemerge: failed to persist job %s after commit start", job.ID)
		}
		m.observeMetrics()
	}
}

// abortLocked removes a job and logs+records a MergeFailed outcome. Caller
// must hold mu. Used from the extend callback, where errors cannot
// propagate to any caller.
func (m *Merger) abortLocked(job *Job, reason string, cause error) {
	delete(m.jobs, job.ID)
	delete(m.driveJobs, job.Drive)
	_ = m.persistLocked()
	err := &merrors.MergeFailed{JobID: job.ID, Reason: reason, Cause: cause}
	log.Log.Reason(err).Errorf("livemerge: aborting job %s", job.ID)
	m.emitWarningEvent("MergeAborted", "Live merge %s aborted: %s", job.ID, reason)
	m.observeMetrics()
}

// QueryJobs is the sole advancing tick: it samples hypervisor state for
// every COMMIT job, handles EXTEND timeouts, reaps DONE Cleanup workers
// (a job whose worker reached ABORT stays in the table) and returns the
// current live-status map. It must never raise for
// a per-job failure; it logs and keeps the state machine consistent.
func (m *Merger) QueryJobs() map[string]JobStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reapExtendTimeoutsLocked()
	m.reapCleanupWorkersLocked()
	m.advanceCommitJobsLocked()

	out := make(map[string]JobStatus, len(m.jobs))
	for id, job := range m.jobs {
		out[id] = m.statusForLocked(job)
	}
	return out
}

func (m *Merger) reapExtendTimeoutsLocked() {
	now := nowMonotonic(m.clock)
	for id, job := range m.jobs {
		if job.State != JobStateExtend || job.ExtendStarted == nil {
			continue
		}
		if now-*job.ExtendStarted > m.ExtendTimeout.Seconds() {
			log.Log.Warningf("livemerge: job %s timed out waiting for volume extend, removing", id)
			delete(m.jobs, id)
			delete(m.driveJobs, job.Drive)
			_ = m.persistLocked()
			m.emitWarningEvent("MergeAborted", "Live merge %s timed out waiting for volume extend", id)
		}
	}
}

func (m *Merger) reapCleanupWorkersLocked() {
	for id, worker := range m.workers {
		switch worker.State() {
		case cleanupDone:
			job := m.jobs[id]
			delete(m.jobs, id)
			if job != nil {
				delete(m.driveJobs, job.Drive)
			}
			delete(m.workers, id)
			delete(m.lastInfo, id)
			_ = m.persistLocked()
			log.Log.Infof("livemerge: job %s cleanup finished, untracked", id)
			m.emitEvent("MergeCompleted", "Live merge %s completed", id)
			m.observeMetrics()
		case cleanupAbort:
			// Stays in the table; operator intervention required. Keep
			// reporting the last known live info.
		}
	}
}

func (m *Merger) advanceCommitJobsLocked() {
	for id, job := range m.jobs {
		if job.State != JobStateCommit {
			continue
		}
		if _, busy := m.workers[id]; busy {
			// Cleanup already owns this job; report cached info, do not
			// re-query the hypervisor for it.
			continue
		}

		info, present, err := m.hv.BlockJobInfo(job.Drive)
		if err != nil {
			log.Log.Reason(err).Warningf("livemerge: blockJobInfo failed for drive %s, retrying next tick", job.Drive)
			m.lastInfo[id] = m.zeroStatus(job)
			continue
		}

		if !present {
			// The hypervisor has no record of this block job. For an
			// internal merge this is normal completion. For an active
			// merge it means the job vanished without a pivot: the user
			// aborted it directly via the hypervisor. job.Pivot here
			// reflects the last live blockJobInfo type we observed (it is
			// not persisted and is re-derived below whenever the
			// hypervisor still reports the job).
			if job.Pivot {
				log.Log.Warningf("livemerge: active commit for job %s vanished without pivot, treating as user abort", id)
				job.Pivot = false
			}
			m.startCleanupLocked(job)
			continue
		}

		// The live job type is authoritative and self-heals job.Pivot
		// across a virt-launcher restart, where it is not recovered from
		// persisted state.
		job.Pivot = info.Type == BlockJobTypeActiveCommit

		m.lastInfo[id] = m.statusFromInfo(job, info)

		if info.Cur < info.End {
			continue
		}

		ready, err := m.commitReadyLocked(job)
		if err != nil {
			log.Log.Reason(err).Warningf("livemerge: failed to read domain XML for job %s, retrying next tick", id)
			continue
		}
		if job.Pivot && !ready {
			// Mirror has caught up but libvirt has not yet flipped the
			// disk to "ready"; wait for the next tick.
			continue
		}

		m.startCleanupLocked(job)
	}
}

// commitReadyLocked checks whether the hypervisor's domain XML reports the
// active-commit mirror as ready to pivot. Internal (non-active) commits
// have no mirror to wait on and are always "ready" once cur==end.
func (m *Merger) commitReadyLocked(job *Job) (bool, error) {
	if !job.Pivot {
		return true, nil
	}
	xmlDoc, err := m.hv.XMLDesc()
	if err != nil {
		return false, err
	}
	var dom libvirtxml.Domain
	if err := domainFromXML(xmlDoc, &dom); err != nil {
		return false, err
	}
	disk := domainDiskByTarget(&dom, job.Drive)
	if disk == nil || disk.Mirror == nil {
		return false, nil
	}
	return disk.Mirror.Ready == "yes" || disk.Mirror.Ready == "abort", nil
}

func (m *Merger) startCleanupLocked(job *Job) {
	job.State = JobStateCleanup
	_ = m.persistLocked()

	worker := newCleanupWorker(cleanupDeps{
		hv:           m.hv,
		vol:          m.vol,
		hooks:        m.hooks,
		job:          *job,
		waitInterval: m.CleanupWaitInterval,
		retryCap:     m.CleanupRetryCap,
		metrics:      m.metrics,
		reconcile:    m.reconcileAfterCleanup,
	})
	m.workers[job.ID] = worker
	worker.Start()
}

// reconcileAfterCleanup computes the post-merge chain, pushes it into the
// VM's in-memory drive device through VMHooks.SyncVolumeChain, and returns
// the ids of the volumes the Cleanup worker must now tear down. It does not
// write the chain into the domain metadata itself. It
// is invoked by the Cleanup worker, which holds no reference to the Merger
// itself — only to this callback and the Job it owns.
func (m *Merger) reconcileAfterCleanup(job Job, pivoted bool) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain, err := m.liveChain(job.Drive)
	if err != nil {
		return nil, err
	}

	if job.Pivot && !pivoted {
		// The hypervisor aborted the active commit without a pivot: the
		// chain is unchanged, the merge did not complete, nothing to tear
		// down.
		m.hooks.SyncVolumeChain(job.Drive, chain)
		return nil, nil
	}

	i, j, err := locate(chain, job.Drive, job.Base, job.Top)
	if err != nil {
		// Chain already reflects the merge (e.g. recovered from a
		// partially-applied prior run); nothing left to reconcile.
		m.hooks.SyncVolumeChain(job.Drive, chain)
		return nil, nil
	}

	merged := postMergeChain(chain, i, j)
	toRemove := removedVolumes(chain, i, j)

	m.hooks.SyncVolumeChain(job.Drive, merged)
	return toRemove, nil
}

func (m *Merger) zeroStatus(job *Job) JobStatus {
	return JobStatus{
		ID:           job.ID,
		Drive:        job.Drive,
		ImgUUID:      job.Disk.ImageID,
		JobType:      "block",
		BlockJobType: "commit",
		Bandwidth:    0,
		Cur:          "0",
		End:          "0",
	}
}

func (m *Merger) statusFromInfo(job *Job, info BlockJobInfo) JobStatus {
	return JobStatus{
		ID:           job.ID,
		Drive:        job.Drive,
		ImgUUID:      job.Disk.ImageID,
		JobType:      "block",
		BlockJobType: "commit",
		Bandwidth:    info.Bandwidth,
		Cur:          strconv.FormatUint(info.Cur, 10),
		End:          strconv.FormatUint(info.End, 10),
	}
}

func (m *Merger) statusForLocked(job *Job) JobStatus {
	if job.State != JobStateCommit && job.State != JobStateCleanup {
		return m.zeroStatus(job)
	}
	if cached, ok := m.lastInfo[job.ID]; ok {
		return cached
	}
	return m.zeroStatus(job)
}

// DumpJobs serialises the job table for persistence or inspection.
func (m *Merger) DumpJobs() map[string]Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Job, len(m.jobs))
	for id, job := range m.jobs {
		out[id] = *job
	}
	return out
}

// LoadJobs restores the job table from a persisted map. It is only legal
// before any Merge call on this instance.
func (m *Merger) LoadJobs(jobs map[string]Job) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loaded {
		panic("livemerge: LoadJobs called more than once on the same Merger")
	}
	m.loaded = true

	for id, job := range jobs {
		j := job
		m.jobs[id] = &j
		m.driveJobs[j.Drive] = id

		switch j.State {
		case JobStateCleanup:
			j.Pivot = m.derivePivotLocked(&j)
			worker := newCleanupWorker(cleanupDeps{
				hv:           m.hv,
				vol:          m.vol,
				hooks:        m.hooks,
				job:          j,
				waitInterval: m.CleanupWaitInterval,
				retryCap:     m.CleanupRetryCap,
				metrics:      m.metrics,
				reconcile:    m.reconcileAfterCleanup,
			})
			m.workers[id] = worker
			worker.Start()
		case JobStateExtend, JobStateCommit:
			// EXTEND jobs are driven to removal by the next extend-timeout
			// check; COMMIT jobs re-attach to the live hypervisor block
			// job by drive name on the next QueryJobs tick.
		}
	}
}

// derivePivotLocked reconstructs whether job's commit is an active (pivot)
// commit from live state, the way advanceCommitJobsLocked and Merge do.
// Job.Pivot is deliberately not persisted, so LoadJobs must rebuild it
// before resuming a job recovered mid-CLEANUP: trusting the zero value
// would make an in-flight active commit look like an internal one and
// skip the pivot entirely.
func (m *Merger) derivePivotLocked(job *Job) bool {
	info, present, err := m.hv.BlockJobInfo(job.Drive)
	if err == nil && present {
		return info.Type == BlockJobTypeActiveCommit
	}
	if err != nil {
		log.Log.Reason(err).Warningf("livemerge: failed to query block job info for job %s during recovery, falling back to chain position", job.ID)
	}

	// No live block job to ask. Either it finished and was reaped before
	// we had a chance to observe it, or it's an internal commit libvirt
	// already retired. In both cases the chain is the only remaining
	// signal: an active commit only ever splices the chain once its
	// pivot has landed, so if base..top are still both present the top
	// layer hasn't been folded in yet and a pivot is still owed.
	chain, err := m.liveChain(job.Drive)
	if err != nil {
		log.Log.Reason(err).Warningf("livemerge: failed to read live chain for job %s during recovery, assuming no pivot pending", job.ID)
		return false
	}
	_, j, err := locate(chain, job.Drive, job.Base, job.Top)
	if err != nil {
		return false
	}
	return j == len(chain)-1
}

func (m *Merger) persistLocked() error {
	snapshot := make(map[string]Job, len(m.jobs))
	for id, job := range m.jobs {
		snapshot[id] = *job
	}
	return m.store.Store(snapshot)
}

// liveChain reads the domain XML for the volume identities and ordering of
// drive's chain, then enriches each link with its virtual size and format
// from the volume service: libvirt's backing-store chain tells us which
// volumes are chained together, never their capacity.
func (m *Merger) liveChain(drive string) (Chain, error) {
	xmlDoc, err := m.hv.XMLDesc()
	if err != nil {
		return nil, &merrors.MergeFailed{Reason: "failed to read domain XML", Cause: err}
	}
	var dom libvirtxml.Domain
	if err := domainFromXML(xmlDoc, &dom); err != nil {
		return nil, &merrors.MergeFailed{Reason: "failed to parse domain XML", Cause: err}
	}
	disk := domainDiskByTarget(&dom, drive)
	if disk == nil {
		return nil, &merrors.BadChain{Drive: drive}
	}

	chain := chainFromDomainDisk(disk)
	for idx := range chain {
		info, err := m.vol.Info(chain[idx].VolumeID)
		if err != nil {
			return nil, &merrors.MergeFailed{Reason: fmt.Sprintf("failed to read volume info for %s", chain[idx].VolumeID), Cause: err}
		}
		chain[idx].StorageDomainID = info.StorageDomainID
		chain[idx].ImageID = info.ImageID
		chain[idx].Capacity = info.Capacity
		chain[idx].ApparentSize = info.ApparentSize
		chain[idx].Format = info.Format
	}
	return chain, nil
}

func (m *Merger) emitEvent(reason, messageFmt string, args ...interface{}) {
	m.emitEventOfType(corev1.EventTypeNormal, reason, messageFmt, args...)
}

func (m *Merger) emitWarningEvent(reason, messageFmt string, args ...interface{}) {
	m.emitEventOfType(corev1.EventTypeWarning, reason, messageFmt, args...)
}

func (m *Merger) emitEventOfType(eventType, reason, messageFmt string, args ...interface{}) {
	if m.recorder == nil || m.object == nil {
		return
	}
	m.recorder.Eventf(m.object, eventType, reason, messageFmt, args...)
}

func (m *Merger) observeMetrics() {
	if m.metrics == nil {
		return
	}
	counts := map[JobState]int{}
	for _, job := range m.jobs {
		counts[job.State]++
	}
	m.metrics.SetInFlight(metrics.StateExtend, counts[JobStateExtend])
	m.metrics.SetInFlight(metrics.StateCommit, counts[JobStateCommit])
	m.metrics.SetInFlight(metrics.StateCleanup, counts[JobStateCleanup])
}
