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
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"kubevirt.io/kubevirt/pkg/virt-launcher/virtwrap/livemerge/merrors"
)

func fourLinkChain() Chain {
	return Chain{
		{VolumeID: "base", Format: FormatCow, Capacity: 10 << 30},
		{VolumeID: "A", Parent: "base", Format: FormatCow, Capacity: 10 << 30},
		{VolumeID: "top", Parent: "A", Format: FormatCow, Capacity: 10 << 30},
		{VolumeID: "active", Parent: "top", Format: FormatCow, Capacity: 10 << 30},
	}
}

var _ = Describe("locate", func() {
	It("finds base and top indices in order", func() {
		i, j, err := locate(fourLinkChain(), "sda", "base", "top")
		Expect(err).NotTo(HaveOccurred())
		Expect(i).To(Equal(0))
		Expect(j).To(Equal(2))
	})

	It("fails with BadChain when base is absent", func() {
		_, _, err := locate(fourLinkChain(), "sda", "missing", "top")
		var badChain *merrors.BadChain
		Expect(err).To(BeAssignableToTypeOf(badChain))
	})

	It("fails with BadChain when base and top are reversed", func() {
		_, _, err := locate(fourLinkChain(), "sda", "top", "base")
		var badChain *merrors.BadChain
		Expect(err).To(BeAssignableToTypeOf(badChain))
	})

	It("fails with BadChain when base equals top", func() {
		_, _, err := locate(fourLinkChain(), "sda", "base", "base")
		var badChain *merrors.BadChain
		Expect(err).To(BeAssignableToTypeOf(badChain))
	})
})

var _ = Describe("requiredBaseCapacity", func() {
	It("returns the max capacity across the requested span", func() {
		chain := fourLinkChain()
		chain[2].Capacity = 20 << 30
		required, err := requiredBaseCapacity(chain, 0, 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(required).To(Equal(int64(20 << 30)))
	})

	It("fails with DestinationTooSmall when base is raw and undersized", func() {
		chain := fourLinkChain()
		chain[0].Format = FormatRaw
		chain[0].Capacity = 5 << 30
		chain[2].Capacity = 20 << 30

		_, err := requiredBaseCapacity(chain, 0, 2)
		var tooSmall *merrors.DestinationTooSmall
		Expect(err).To(BeAssignableToTypeOf(tooSmall))
	})

	It("does not fail when a COW base is smaller than the requirement", func() {
		chain := fourLinkChain()
		chain[0].Capacity = 5 << 30
		chain[2].Capacity = 20 << 30

		_, err := requiredBaseCapacity(chain, 0, 2)
		Expect(err).NotTo(HaveOccurred())
	})
})

var _ = Describe("postMergeChain", func() {
	It("collapses base..active into just the base for an active merge", func() {
		chain := fourLinkChain()
		merged := postMergeChain(chain, 0, 3)
		Expect(merged).To(HaveLen(1))
		Expect(merged[0].VolumeID).To(Equal("base"))
	})

	It("keeps the base identity and reparents the survivor for an internal merge", func() {
		chain := fourLinkChain()
		merged := postMergeChain(chain, 0, 1)
		Expect(merged).To(HaveLen(3))
		Expect(merged[0].VolumeID).To(Equal("base"))
		Expect(merged[1].VolumeID).To(Equal("top"))
		Expect(merged[1].Parent).To(Equal("base"))
		Expect(merged[2].VolumeID).To(Equal("active"))
	})

	It("leaves everything below i untouched when i > 0", func() {
		chain := fourLinkChain()
		merged := postMergeChain(chain, 1, 2)
		Expect(merged).To(HaveLen(3))
		Expect(merged[0].VolumeID).To(Equal("base"))
		Expect(merged[1].VolumeID).To(Equal("A"))
		Expect(merged[2].VolumeID).To(Equal("active"))
		Expect(merged[2].Parent).To(Equal("A"))
	})
})

var _ = Describe("removedVolumes", func() {
	It("includes the requested top for an active merge", func() {
		ids := removedVolumes(fourLinkChain(), 0, 3)
		Expect(ids).To(Equal([]string{"A", "top", "active"}))
	})

	It("includes only the span between base and top for an internal merge", func() {
		ids := removedVolumes(fourLinkChain(), 0, 1)
		Expect(ids).To(Equal([]string{"A"}))
	})
})
