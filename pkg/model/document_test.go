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

func version(seconds int64) model.SnapshotVersion {
	return model.NewSnapshotVersion(model.Timestamp{Seconds: seconds})
}

var _ = Describe("Document", func() {
	var key model.DocumentKey

	BeforeEach(func() {
		key = model.MustDocumentKey("rooms/r1")
	})

	It("should reset the version when local mutations are applied", func() {
		doc := model.NewFoundDocument(key, version(5), model.EmptyObject())
		Expect(doc.Version()).To(Equal(version(5)))

		doc.SetHasLocalMutations()
		Expect(doc.Version().IsMin()).To(BeTrue())
		Expect(doc.HasPendingWrites()).To(BeTrue())
	})

	It("should record the create time on the first found version", func() {
		doc := model.NewNoDocument(key, version(1))
		doc.ConvertToFoundDocument(version(3), model.EmptyObject())
		doc.ConvertToFoundDocument(version(4), model.EmptyObject())
		Expect(doc.CreateTime()).To(Equal(version(3)))
	})

	It("should mark unknown documents as committed", func() {
		doc := model.NewUnknownDocument(key, version(2))
		Expect(doc.HasCommittedMutations()).To(BeTrue())
		Expect(doc.IsValidDocument()).To(BeTrue())
	})

	It("should clone independently", func() {
		doc := model.NewFoundDocument(key, version(1), model.NewObjectValue(map[string]model.Value{"x": model.IntegerValue(1)}))
		clone := doc.Clone()
		clone.Data().Set(model.MustParseFieldPath("x"), model.IntegerValue(2))

		v, _ := doc.Field(model.MustParseFieldPath("x"))
		Expect(v.AsInteger()).To(Equal(int64(1)))
		Expect(doc.Equal(clone)).To(BeFalse())
	})
})

var _ = Describe("ObjectValue", func() {
	It("should set nested fields without touching earlier values", func() {
		obj := model.EmptyObject()
		obj.Set(model.MustParseFieldPath("a.b"), model.IntegerValue(1))
		before := obj.Value()

		obj.Set(model.MustParseFieldPath("a.c"), model.IntegerValue(2))
		obj.Delete(model.MustParseFieldPath("a.b"))

		Expect(before.MapFields()["a"].MapFields()).To(HaveKey("b"))
		Expect(before.MapFields()["a"].MapFields()).ToNot(HaveKey("c"))

		_, ok := obj.Field(model.MustParseFieldPath("a.b"))
		Expect(ok).To(BeFalse())

		v, ok := obj.Field(model.MustParseFieldPath("a.c"))
		Expect(ok).To(BeTrue())
		Expect(v.AsInteger()).To(Equal(int64(2)))
	})

	It("should overwrite non-map intermediate values", func() {
		obj := model.NewObjectValue(map[string]model.Value{"a": model.StringValue("leaf")})
		obj.Set(model.MustParseFieldPath("a.b"), model.BooleanValue(true))

		v, ok := obj.Field(model.MustParseFieldPath("a.b"))
		Expect(ok).To(BeTrue())
		Expect(v.AsBool()).To(BeTrue())
	})

	It("should extract leaf paths as a field mask", func() {
		obj := model.EmptyObject()
		obj.Set(model.MustParseFieldPath("a.b"), model.IntegerValue(1))
		obj.Set(model.MustParseFieldPath("c"), model.IntegerValue(1))

		mask := obj.FieldMask()
		Expect(mask.String()).To(Equal("{a.b,c}"))
		Expect(mask.Covers(model.MustParseFieldPath("a.b.z"))).To(BeTrue())
		Expect(mask.Covers(model.MustParseFieldPath("a"))).To(BeFalse())
	})
})

var _ = Describe("DocumentSet", func() {
	byField := func(a, b *model.Document) int {
		av, _ := a.Field(model.MustParseFieldPath("n"))
		bv, _ := b.Field(model.MustParseFieldPath("n"))

		if c := av.Compare(bv); c != 0 {
			return c
		}

		return a.Key().Compare(b.Key())
	}

	doc := func(path string, n int64) *model.Document {
		return model.NewFoundDocument(model.MustDocumentKey(path), version(1),
			model.NewObjectValue(map[string]model.Value{"n": model.IntegerValue(n)}))
	}

	It("should keep documents ordered by the comparator", func() {
		set := model.NewDocumentSet(byField).
			Add(doc("c/a", 3)).
			Add(doc("c/b", 1)).
			Add(doc("c/c", 2))

		Expect(set.Len()).To(Equal(3))
		Expect(set.First().Key().ID()).To(Equal("b"))
		Expect(set.Last().Key().ID()).To(Equal("a"))
		Expect(set.IndexOf(model.MustDocumentKey("c/c"))).To(Equal(1))
	})

	It("should replace documents with the same key", func() {
		set := model.NewDocumentSet(byField).Add(doc("c/a", 3)).Add(doc("c/b", 1))
		updated := set.Add(doc("c/a", 0))

		Expect(updated.Len()).To(Equal(2))
		Expect(updated.First().Key().ID()).To(Equal("a"))
		Expect(set.First().Key().ID()).To(Equal("b"))
	})

	It("should delete documents", func() {
		set := model.NewDocumentSet(nil).Add(doc("c/a", 1))
		Expect(set.Delete(model.MustDocumentKey("c/a")).IsEmpty()).To(BeTrue())
		Expect(set.Has(model.MustDocumentKey("c/a"))).To(BeTrue())
	})
})
