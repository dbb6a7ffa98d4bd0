// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package model_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/docsync/pkg/model"
)

var _ = Describe("Paths and keys", func() {
	Context("DocumentKey", func() {
		It("should require an even number of segments", func() {
			_, err := model.ParseDocumentKey("rooms")
			Expect(err).To(MatchError(model.ErrInvalidPath))

			k, err := model.ParseDocumentKey("/rooms/r1/messages/m1/")
			Expect(err).ToNot(HaveOccurred())
			Expect(k.String()).To(Equal("rooms/r1/messages/m1"))
			Expect(k.ID()).To(Equal("m1"))
			Expect(k.CollectionGroup()).To(Equal("messages"))
			Expect(k.CollectionPath().String()).To(Equal("rooms/r1/messages"))
		})

		It("should sort numeric id segments numerically and first", func() {
			k2 := model.MustDocumentKey("c/__id2__")
			k10 := model.MustDocumentKey("c/__id10__")
			kA := model.MustDocumentKey("c/A")

			Expect(k2.Compare(k10)).To(Equal(-1))
			Expect(k10.Compare(kA)).To(Equal(-1))
			Expect(kA.Compare(k2)).To(Equal(1))
		})

		It("should order shorter prefixes first", func() {
			Expect(model.MustDocumentKey("a/b").Compare(model.MustDocumentKey("a/b/c/d"))).To(Equal(-1))
		})

		It("should return sorted keys from a key set", func() {
			set := model.NewDocumentKeySet(
				model.MustDocumentKey("c/z"),
				model.MustDocumentKey("c/a"),
				model.MustDocumentKey("c/__id1__"),
			)

			sorted := set.Sorted()
			Expect(sorted).To(HaveLen(3))
			Expect(sorted[0].ID()).To(Equal("__id1__"))
			Expect(sorted[2].ID()).To(Equal("z"))
		})
	})

	Context("ResourcePath", func() {
		It("should reject empty segments", func() {
			_, err := model.ParseResourcePath("a//b")
			Expect(err).To(HaveOccurred())
		})

		It("should detect immediate parents", func() {
			parent := model.MustParseResourcePath("rooms")
			Expect(parent.IsImmediateParentOf(model.MustParseResourcePath("rooms/r1"))).To(BeTrue())
			Expect(parent.IsImmediateParentOf(model.MustParseResourcePath("rooms/r1/m"))).To(BeFalse())
		})
	})

	Context("FieldPath", func() {
		It("should parse backtick quoted segments", func() {
			p, err := model.ParseFieldPath("a.`b.c`.d")
			Expect(err).ToNot(HaveOccurred())
			Expect(p.Len()).To(Equal(3))
			Expect(p.Segment(1)).To(Equal("b.c"))
			Expect(p.CanonicalString()).To(Equal("a.`b.c`.d"))
		})

		It("should reject empty segments and open quotes", func() {
			_, err := model.ParseFieldPath("a..b")
			Expect(err).To(HaveOccurred())

			_, err = model.ParseFieldPath("`a")
			Expect(err).To(HaveOccurred())
		})

		It("should recognise the key field", func() {
			Expect(model.MustParseFieldPath("__name__").IsKeyField()).To(BeTrue())
			Expect(model.KeyFieldPath.IsKeyField()).To(BeTrue())
		})
	})
})
