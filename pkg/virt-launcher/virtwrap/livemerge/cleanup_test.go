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
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"kubevirt.io/kubevirt/pkg/virt-launcher/virtwrap/livemerge/fake"
	"kubevirt.io/kubevirt/pkg/virt-launcher/virtwrap/livemerge/merrors"
	"kubevirt.io/kubevirt/pkg/virt-launcher/virtwrap/livemerge/metrics"
)

// cleanupRig is the minimum fixture test_cleanup_initial/done/retry/abort
// build in the original suite: a single drive, a job naming it, and a
// deps bundle pointed at in-memory doubles.
func cleanupRig(pivot bool) (*fake.Hypervisor, *fake.VolumeService, *fake.VMHooks, Job) {
	chain := Chain{
		{VolumeID: "base", Path: "/base.img"},
		{VolumeID: "top", Path: "/top.img", Parent: "base"},
	}
	hv := fake.NewHypervisor("sda", chain)
	vol := fake.NewVolumeService(
		VolumeInfo{VolumeID: "base", Capacity: 10 << 30, ApparentSize: 10 << 30},
		VolumeInfo{VolumeID: "top", Capacity: 10 << 30, ApparentSize: 10 << 30},
	)
	hooks := fake.NewVMHooks()
	job := Job{ID: "fake-job-id", Drive: "sda", Base: "base", Top: "top", Pivot: pivot}
	return hv, vol, hooks, job
}

func noopReconcile(job Job, pivoted bool) ([]string, error) {
	if pivoted {
		return []string{"top"}, nil
	}
	return nil, nil
}

var _ = Describe("cleanupWorker", func() {
	It("starts in TRYING and leaves the drive monitor untouched until started", func() {
		hv, vol, hooks, job := cleanupRig(true)
		hooks.DisableDriveMonitor("sda")
		w := newCleanupWorker(cleanupDeps{hv: hv, vol: vol, hooks: hooks, job: job, reconcile: noopReconcile})
		Expect(w.State()).To(Equal(cleanupTrying))
		Expect(hooks.DriveMonitorEnabled("sda")).To(BeFalse())
	})

	It("reaches DONE and re-enables the drive monitor on a successful pivot", func() {
		hv, vol, hooks, job := cleanupRig(true)
		hv.SeedCommit(true)
		hv.SetMirrorReady()

		w := newCleanupWorker(cleanupDeps{hv: hv, vol: vol, hooks: hooks, job: job, reconcile: noopReconcile, metrics: metrics.NewCollector()})
		w.Start()

		Eventually(w.State, "1s", "5ms").Should(Equal(cleanupDone))
		Expect(hooks.DriveMonitorEnabled("sda")).To(BeTrue())
		Expect(vol.TornDown("top")).To(BeTrue())
	})

	It("retries while the job is not ready to pivot and aborts at the retry cap", func() {
		hv, vol, hooks, job := cleanupRig(true) // mirror never set ready
		hv.SeedCommit(true)

		w := newCleanupWorker(cleanupDeps{
			hv: hv, vol: vol, hooks: hooks, job: job,
			waitInterval: time.Millisecond, retryCap: 3,
			reconcile: noopReconcile,
		})
		w.Start()

		Eventually(w.State, "1s", "5ms").Should(Equal(cleanupAbort))
		Expect(hooks.DriveMonitorEnabled("sda")).To(BeTrue())
	})

	It("aborts immediately on an unrecoverable pivot error", func() {
		hv, vol, hooks, job := cleanupRig(true)
		hv.SeedCommit(true)
		hv.AbortErr = &merrors.JobUnrecoverableError{JobID: job.ID, Cause: nil}

		w := newCleanupWorker(cleanupDeps{hv: hv, vol: vol, hooks: hooks, job: job, reconcile: noopReconcile})
		w.Start()

		Eventually(w.State, "1s", "5ms").Should(Equal(cleanupAbort))
	})

	It("aborts when reconcile fails, without tearing anything down", func() {
		hv, vol, hooks, job := cleanupRig(false)

		failingReconcile := func(job Job, pivoted bool) ([]string, error) {
			return nil, errBoom
		}
		w := newCleanupWorker(cleanupDeps{hv: hv, vol: vol, hooks: hooks, job: job, reconcile: failingReconcile})
		w.Start()

		Eventually(w.State, "1s", "5ms").Should(Equal(cleanupAbort))
		Expect(vol.TornDown("top")).To(BeFalse())
	})

	It("completes an internal (non-pivot) cleanup without waiting on a mirror", func() {
		hv, vol, hooks, job := cleanupRig(false)

		w := newCleanupWorker(cleanupDeps{hv: hv, vol: vol, hooks: hooks, job: job, reconcile: noopReconcile})
		w.Start()

		Eventually(w.State, "1s", "5ms").Should(Equal(cleanupDone))
		Expect(vol.TornDown("top")).To(BeFalse())
	})
})

type boomError struct{}

func (boomError) Error() string { return "boom" }

var errBoom = boomError{}
