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

// Package merrors defines the error taxonomy for the live disk-merge
// coordinator: which failures abort a merge before a job exists, and which
// ones drive the Cleanup worker's RETRY/ABORT branches.
package merrors

import "fmt"

// BadChain is returned when the requested base/top pair cannot be located
// in the drive's volume chain, or is present but misordered.
type BadChain struct {
	Drive string
	Base  string
	Top   string
}

func (e *BadChain) Error() string {
	return fmt.Sprintf("cannot locate base %q / top %q in volume chain of drive %q", e.Base, e.Top, e.Drive)
}

// DestinationTooSmall is returned when the base volume is raw and smaller
// than the capacity required to hold the merged content; a raw volume
// cannot be grown virtually by the merge itself.
type DestinationTooSmall struct {
	Base        string
	Capacity    int64
	RequiredCap int64
}

func (e *DestinationTooSmall) Error() string {
	return fmt.Sprintf("base volume %q has capacity %d, need %d", e.Base, e.Capacity, e.RequiredCap)
}

// MergeFailed is the generic precondition/start-up failure: duplicate job
// id, drive already merging, blockCommit rejection, or a post-extend base
// that is still undersized.
type MergeFailed struct {
	JobID  string
	Reason string
	Cause  error
}

func (e *MergeFailed) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("merge %s failed: %s: %v", e.JobID, e.Reason, e.Cause)
	}
	return fmt.Sprintf("merge %s failed: %s", e.JobID, e.Reason)
}

func (e *MergeFailed) Unwrap() error {
	return e.Cause
}

// JobNotReadyError is raised when the hypervisor reports that an active
// commit is not yet ready to be finalised by a pivot. Recoverable: the
// Cleanup worker retries after WAIT_INTERVAL.
type JobNotReadyError struct {
	JobID string
}

func (e *JobNotReadyError) Error() string {
	return fmt.Sprintf("job %s: block job is not ready to be pivoted yet", e.JobID)
}

// JobUnrecoverableError is raised when the hypervisor reports a terminal
// error while finalising the pivot. The Cleanup worker transitions to
// ABORT and the job is left in the table for operator intervention.
type JobUnrecoverableError struct {
	JobID string
	Cause error
}

func (e *JobUnrecoverableError) Error() string {
	return fmt.Sprintf("job %s: unrecoverable error finalising block job: %v", e.JobID, e.Cause)
}

func (e *JobUnrecoverableError) Unwrap() error {
	return e.Cause
}
