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
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/google/uuid"
)

var _ = Describe("Job", func() {
	It("requires a UUID job id", func() {
		j := &Job{ID: "not-a-uuid", Drive: "sda", Base: "b", Top: "t"}
		Expect(j.Validate()).To(HaveOccurred())
	})

	It("requires drive, base and top", func() {
		j := &Job{ID: uuid.NewString(), Base: "b", Top: "t"}
		Expect(j.Validate()).To(HaveOccurred())

		j = &Job{ID: uuid.NewString(), Drive: "sda", Top: "t"}
		Expect(j.Validate()).To(HaveOccurred())

		j = &Job{ID: uuid.NewString(), Drive: "sda", Base: "b"}
		Expect(j.Validate()).To(HaveOccurred())
	})

	It("validates a well-formed job", func() {
		j := &Job{ID: uuid.NewString(), Drive: "sda", Base: "b", Top: "t"}
		Expect(j.Validate()).NotTo(HaveOccurred())
	})

	It("never serialises the Pivot field", func() {
		j := Job{ID: uuid.NewString(), Drive: "sda", Base: "b", Top: "t", Pivot: true}
		out, err := json.Marshal(j)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(out)).NotTo(ContainSubstring("pivot"))
		Expect(string(out)).NotTo(ContainSubstring("Pivot"))
	})

	It("round-trips state and extend_started through JSON", func() {
		started := 12.5
		j := Job{ID: uuid.NewString(), Drive: "sda", Base: "b", Top: "t", State: JobStateExtend, ExtendStarted: &started}
		out, err := json.Marshal(j)
		Expect(err).NotTo(HaveOccurred())

		var round Job
		Expect(json.Unmarshal(out, &round)).To(Succeed())
		Expect(round.State).To(Equal(JobStateExtend))
		Expect(*round.ExtendStarted).To(Equal(started))
		Expect(round.Pivot).To(BeFalse(), "Pivot is not persisted and must come back zero-valued")
	})
})

var _ = Describe("nowMonotonic", func() {
	It("converts a fixed clock to seconds", func() {
		fixed := time.Unix(100, 500000000)
		Expect(nowMonotonic(func() time.Time { return fixed })).To(BeNumerically("~", 100.5, 0.001))
	})
})
