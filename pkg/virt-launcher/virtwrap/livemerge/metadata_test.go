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

package livemerge_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"kubevirt.io/kubevirt/pkg/virt-launcher/virtwrap/livemerge"
	"kubevirt.io/kubevirt/pkg/virt-launcher/virtwrap/livemerge/fake"
)

var _ = Describe("MetadataStore", func() {
	var hv *fake.Hypervisor

	BeforeEach(func() {
		hv = fake.NewHypervisor("sda", livemerge.Chain{{VolumeID: "base", Path: "/base.img"}})
	})

	It("returns an empty map when nothing was ever stored", func() {
		store := livemerge.NewMetadataStore(hv)
		Expect(store.Load()).To(BeEmpty())
	})

	It("round-trips a job table through Store and Load", func() {
		store := livemerge.NewMetadataStore(hv)
		started := 42.0
		jobs := map[string]livemerge.Job{
			"11111111-1111-1111-1111-111111111111": {
				ID:            "11111111-1111-1111-1111-111111111111",
				Drive:         "sda",
				Base:          "base",
				Top:           "top",
				State:         livemerge.JobStateExtend,
				ExtendStarted: &started,
			},
		}

		Expect(store.Store(jobs)).To(Succeed())

		loaded := store.Load()
		Expect(loaded).To(HaveLen(1))
		got := loaded["11111111-1111-1111-1111-111111111111"]
		Expect(got.Drive).To(Equal("sda"))
		Expect(got.State).To(Equal(livemerge.JobStateExtend))
		Expect(*got.ExtendStarted).To(Equal(started))
	})

	It("preserves a field Job does not model across a Store/Load round trip", func() {
		store := livemerge.NewMetadataStore(hv)
		id := "22222222-2222-2222-2222-222222222222"

		// Seed a persisted blob carrying a field this build of Job doesn't
		// know about, as if written by a different virt-launcher version
		// sharing the same domain metadata.
		seed := `<jobs>{"` + id + `":{"id":"` + id + `","drive":"sda","base":"base","top":"top","state":"extend","extend_started":null,"futureField":"keepme"}}</jobs>`
		Expect(hv.SetMetadata(seed)).To(Succeed())

		loaded := store.Load()
		Expect(loaded).To(HaveKey(id))

		job := loaded[id]
		job.State = livemerge.JobStateCommit
		Expect(store.Store(map[string]livemerge.Job{id: job})).To(Succeed())

		xmlDoc, err := hv.XMLDesc()
		Expect(err).NotTo(HaveOccurred())
		Expect(xmlDoc).To(ContainSubstring("futureField"))
		Expect(xmlDoc).To(ContainSubstring("keepme"))

		reloaded := store.Load()
		Expect(reloaded[id].State).To(Equal(livemerge.JobStateCommit))
	})

	It("treats a malformed persisted blob as empty rather than failing", func() {
		Expect(hv.SetMetadata("not json")).To(Succeed())
		store := livemerge.NewMetadataStore(hv)
		Expect(store.Load()).To(BeEmpty())
	})

	It("treats an XMLDesc failure as empty rather than failing", func() {
		hv.XMLDescErr = assertionError{"boom"}
		store := livemerge.NewMetadataStore(hv)
		Expect(store.Load()).To(BeEmpty())
	})
})

type assertionError struct{ msg string }

func (e assertionError) Error() string { return e.msg }
