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
	"time"

	"github.com/google/uuid"
)

// JobState is one of the three persisted states a merge job passes
// through, in order: EXTEND -> COMMIT -> CLEANUP.
type JobState string

const (
	JobStateExtend  JobState = "extend"
	JobStateCommit  JobState = "commit"
	JobStateCleanup JobState = "cleanup"
)

// DiskSpec is an opaque, caller-supplied locator for the drive being
// merged. The coordinator never interprets it; it is round-tripped into
// persisted state and handed back to the volume service.
type DiskSpec struct {
	StorageDomainID string `json:"domainID"`
	ImageID         string `json:"imageID"`
	VolumeID        string `json:"volumeID,omitempty"`
}

// Job is the immutable-except-for-state descriptor of one in-flight merge.
// It is owned exclusively by the Merger: only the Merger's methods touch
// it, and only while the job table lock is held. A Cleanup worker works on
// its own copy and reports back through its own state field.
type Job struct {
	ID        string   `json:"id"`
	Drive     string   `json:"drive"`
	Disk      DiskSpec `json:"disk"`
	Base      string   `json:"base"`
	Top       string   `json:"top"`
	Bandwidth uint64   `json:"bandwidth"`

	State JobState `json:"state"`

	// ExtendStarted is the monotonic timestamp (seconds) at which the
	// volume extend request was issued; nil once the extend callback has
	// fired and the job has moved to COMMIT.
	ExtendStarted *float64 `json:"extend_started"`

	// Pivot is first set at Merge time: true iff Top is the active layer of
	// the chain at the moment the merge was requested. QueryJobs re-derives
	// it from the live block job type (and clears it when an active commit
	// vanishes without a pivot); LoadJobs re-derives it for CLEANUP jobs.
	Pivot bool `json:"-"`
}

// Validate checks the structural preconditions on a Job before it is
// admitted into the job table: the id must be a UUID, the drive must be
// named, and both base and top volume ids must be set.
func (j *Job) Validate() error {
	if _, err := uuid.Parse(j.ID); err != nil {
		return fmt.Errorf("job id %q is not a valid UUID: %w", j.ID, err)
	}
	if j.Drive == "" {
		return fmt.Errorf("job %s: drive must not be empty", j.ID)
	}
	if j.Base == "" || j.Top == "" {
		return fmt.Errorf("job %s: base and top volume ids are required", j.ID)
	}
	return nil
}

func nowMonotonic(clock func() time.Time) float64 {
	return float64(clock().UnixNano()) / float64(time.Second)
}
