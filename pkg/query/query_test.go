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

package query_test

import (
	"math"

	"github.com/goccy/go-json"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/docsync/pkg/model"
	"github.com/united-manufacturing-hub/docsync/pkg/query"
)

func doc(path string, fields map[string]interface{}) *model.Document {
	data, err := model.ObjectFromMap(fields)
	Expect(err).ToNot(HaveOccurred())

	return model.NewFoundDocument(model.MustDocumentKey(path), model.NewSnapshotVersion(model.Timestamp{Seconds: 1}), data)
}

func fp(s string) model.FieldPath { return model.MustParseFieldPath(s) }

var _ = Describe("Filter", func() {
	It("should only compare values of the same type order", func() {
		f := query.NewFieldFilter(fp("n"), query.OpGreaterThan, model.IntegerValue(1))
		Expect(f.Matches(doc("c/a", map[string]interface{}{"n": 2.5}))).To(BeTrue())
		Expect(f.Matches(doc("c/a", map[string]interface{}{"n": "zzz"}))).To(BeFalse())
		Expect(f.Matches(doc("c/a", map[string]interface{}{}))).To(BeFalse())
	})

	It("should match not-equal across types but never on null or missing fields", func() {
		f := query.NewFieldFilter(fp("n"), query.OpNotEqual, model.IntegerValue(1))
		Expect(f.Matches(doc("c/a", map[string]interface{}{"n": "x"}))).To(BeTrue())
		Expect(f.Matches(doc("c/a", map[string]interface{}{"n": nil}))).To(BeFalse())
		Expect(f.Matches(doc("c/a", map[string]interface{}{}))).To(BeFalse())
	})

	It("should evaluate unary checks", func() {
		isNaN := query.NewUnaryFilter(fp("n"), query.OpIsNaN)
		isNull := query.NewUnaryFilter(fp("n"), query.OpIsNull)
		notNull := query.NewUnaryFilter(fp("n"), query.OpIsNotNull)

		Expect(isNaN.Matches(doc("c/a", map[string]interface{}{"n": math.NaN()}))).To(BeTrue())
		Expect(isNaN.Matches(doc("c/a", map[string]interface{}{"n": 1}))).To(BeFalse())
		Expect(isNull.Matches(doc("c/a", map[string]interface{}{"n": nil}))).To(BeTrue())
		Expect(notNull.Matches(doc("c/a", map[string]interface{}{"n": nil}))).To(BeFalse())
		Expect(notNull.Matches(doc("c/a", map[string]interface{}{"n": false}))).To(BeTrue())
	})

	It("should evaluate array operators", func() {
		d := doc("c/a", map[string]interface{}{"tags": []interface{}{"a", "b"}, "s": "x"})

		Expect(query.NewFieldFilter(fp("tags"), query.OpArrayContains, model.StringValue("b")).Matches(d)).To(BeTrue())
		Expect(query.NewFieldFilter(fp("tags"), query.OpArrayContainsAny,
			model.ArrayValue(model.StringValue("z"), model.StringValue("a"))).Matches(d)).To(BeTrue())
		Expect(query.NewFieldFilter(fp("s"), query.OpIn,
			model.ArrayValue(model.StringValue("x"))).Matches(d)).To(BeTrue())
		Expect(query.NewFieldFilter(fp("s"), query.OpNotIn,
			model.ArrayValue(model.StringValue("x"))).Matches(d)).To(BeFalse())
		Expect(query.NewFieldFilter(fp("s"), query.OpNotIn,
			model.ArrayValue(model.StringValue("y"), model.NullValue())).Matches(d)).To(BeFalse())
	})

	It("should evaluate composite filters", func() {
		f := query.Or(
			query.NewFieldFilter(fp("a"), query.OpEqual, model.IntegerValue(1)),
			query.And(
				query.NewFieldFilter(fp("b"), query.OpEqual, model.IntegerValue(2)),
				query.NewFieldFilter(fp("c"), query.OpEqual, model.IntegerValue(3)),
			),
		)

		Expect(f.Matches(doc("c/a", map[string]interface{}{"a": 1}))).To(BeTrue())
		Expect(f.Matches(doc("c/a", map[string]interface{}{"b": 2, "c": 3}))).To(BeTrue())
		Expect(f.Matches(doc("c/a", map[string]interface{}{"b": 2}))).To(BeFalse())
		Expect(f.IsConjunctionOnly()).To(BeFalse())
		Expect(f.FlattenedFilters()).To(HaveLen(3))
	})

	It("should compare the document key for key filters", func() {
		f := query.NewFieldFilter(model.KeyFieldPath, query.OpGreaterThan, model.ReferenceValue(model.MustDocumentKey("c/b")))
		Expect(f.Matches(doc("c/c", nil))).To(BeTrue())
		Expect(f.Matches(doc("c/a", nil))).To(BeFalse())
	})

	It("should validate operand shapes", func() {
		Expect(query.NewFieldFilter(fp("s"), query.OpIn, model.StringValue("x")).Validate()).ToNot(Succeed())
		Expect(query.NewFieldFilter(model.KeyFieldPath, query.OpEqual, model.StringValue("x")).Validate()).ToNot(Succeed())
		Expect(query.And().Validate()).ToNot(Succeed())
		Expect(query.NewFieldFilter(fp("s"), query.OpEqual, model.StringValue("x")).Validate()).To(Succeed())
	})
})

var _ = Describe("Query", func() {
	rooms := model.MustParseResourcePath("rooms")

	It("should match only immediate children of a collection", func() {
		q := query.NewQuery(rooms)
		Expect(q.Matches(doc("rooms/a", nil))).To(BeTrue())
		Expect(q.Matches(doc("rooms/a/messages/m", nil))).To(BeFalse())
		Expect(q.Matches(doc("other/a", nil))).To(BeFalse())
		Expect(q.Matches(model.NewNoDocument(model.MustDocumentKey("rooms/b"), model.MinVersion))).To(BeFalse())
	})

	It("should match collection groups below the parent path", func() {
		q := query.NewCollectionGroupQuery(model.EmptyPath, "messages")
		Expect(q.Matches(doc("rooms/a/messages/m", nil))).To(BeTrue())
		Expect(q.Matches(doc("messages/m", nil))).To(BeTrue())
		Expect(q.Matches(doc("rooms/a", nil))).To(BeFalse())
	})

	It("should match a single document", func() {
		q := query.NewQuery(model.MustParseResourcePath("rooms/a"))
		Expect(q.IsDocumentQuery()).To(BeTrue())
		Expect(q.Matches(doc("rooms/a", nil))).To(BeTrue())
		Expect(q.Matches(doc("rooms/b", nil))).To(BeFalse())
	})

	It("should normalize ordering with inequality fields and the key", func() {
		q := query.NewQuery(rooms).
			OrderBy(fp("a"), query.Descending).
			Where(query.NewFieldFilter(fp("z"), query.OpGreaterThan, model.IntegerValue(1))).
			Where(query.NewFieldFilter(fp("b"), query.OpLessThan, model.IntegerValue(1)))

		ob := q.NormalizedOrderBy()
		Expect(ob).To(HaveLen(4))
		Expect(ob[0].Field.CanonicalString()).To(Equal("a"))
		Expect(ob[1].Field.CanonicalString()).To(Equal("b"))
		Expect(ob[2].Field.CanonicalString()).To(Equal("z"))
		Expect(ob[3].Field.IsKeyField()).To(BeTrue())

		for _, o := range ob {
			Expect(o.Direction).To(Equal(query.Descending))
		}
	})

	It("should exclude documents missing an ordered field", func() {
		q := query.NewQuery(rooms).OrderBy(fp("n"), query.Ascending)
		Expect(q.Matches(doc("rooms/a", map[string]interface{}{"n": 1}))).To(BeTrue())
		Expect(q.Matches(doc("rooms/b", map[string]interface{}{}))).To(BeFalse())
	})

	It("should order documents with the comparator", func() {
		q := query.NewQuery(rooms).OrderBy(fp("n"), query.Descending)
		cmp := q.Comparator()

		a := doc("rooms/a", map[string]interface{}{"n": 1})
		b := doc("rooms/b", map[string]interface{}{"n": 2})
		c := doc("rooms/c", map[string]interface{}{"n": 2})

		Expect(cmp(a, b)).To(BeNumerically(">", 0))
		Expect(cmp(b, c)).To(BeNumerically(">", 0))
	})

	It("should apply start and end bounds", func() {
		q := query.NewQuery(rooms).OrderBy(fp("n"), query.Ascending).
			StartAt(query.Bound{Position: []model.Value{model.IntegerValue(2)}, Inclusive: true}).
			EndAt(query.Bound{Position: []model.Value{model.IntegerValue(4)}, Inclusive: false})

		Expect(q.Matches(doc("rooms/a", map[string]interface{}{"n": 1}))).To(BeFalse())
		Expect(q.Matches(doc("rooms/b", map[string]interface{}{"n": 2}))).To(BeTrue())
		Expect(q.Matches(doc("rooms/c", map[string]interface{}{"n": 3}))).To(BeTrue())
		Expect(q.Matches(doc("rooms/d", map[string]interface{}{"n": 4}))).To(BeFalse())
	})

	It("should flip limit-to-last queries into targets", func() {
		start := query.Bound{Position: []model.Value{model.IntegerValue(1)}, Inclusive: true}
		q := query.NewQuery(rooms).OrderBy(fp("n"), query.Ascending).LimitToLast(2).StartAt(start)

		t := q.ToTarget()
		Expect(t.Limit).To(Equal(2))
		Expect(t.OrderBy[0].Direction).To(Equal(query.Descending))
		Expect(t.StartAt).To(BeNil())
		Expect(t.EndAt).ToNot(BeNil())
		Expect(t.EndAt.Inclusive).To(BeTrue())

		first := query.NewQuery(rooms).OrderBy(fp("n"), query.Ascending).LimitToFirst(2).StartAt(start)
		Expect(first.CanonicalID()).ToNot(Equal(q.CanonicalID()))
	})

	It("should rebuild an equivalent query from a target", func() {
		q := query.NewQuery(rooms).
			Where(query.NewFieldFilter(fp("n"), query.OpGreaterThan, model.IntegerValue(1))).
			LimitToFirst(3)

		back := q.ToTarget().ToQuery()
		Expect(back.ToTarget().CanonicalID()).To(Equal(q.ToTarget().CanonicalID()))
		Expect(back.Limit()).To(Equal(3))
		Expect(back.Matches(doc("rooms/a", map[string]interface{}{"n": 2}))).To(BeTrue())
		Expect(back.Matches(doc("rooms/b", map[string]interface{}{"n": 1}))).To(BeFalse())
	})

	It("should give equal queries equal canonical ids", func() {
		build := func() *query.Query {
			return query.NewQuery(rooms).
				Where(query.NewFieldFilter(fp("a"), query.OpEqual, model.StringValue("x"))).
				OrderBy(fp("b"), query.Ascending).
				LimitToFirst(10)
		}

		Expect(build().CanonicalID()).To(Equal(build().CanonicalID()))
		Expect(build().CanonicalID()).To(Equal("rooms|f:a==x|ob:basc,__name__asc|l:10|lt:F"))
	})

	It("should detect queries matching every document", func() {
		Expect(query.NewQuery(rooms).MatchesAllDocuments()).To(BeTrue())
		Expect(query.NewQuery(rooms).OrderBy(model.KeyFieldPath, query.Descending).MatchesAllDocuments()).To(BeTrue())
		Expect(query.NewQuery(rooms).LimitToFirst(1).MatchesAllDocuments()).To(BeFalse())
	})
})

var _ = Describe("Target", func() {
	It("should report the fields it filters and orders on", func() {
		t := query.NewQuery(model.MustParseResourcePath("rooms")).
			Where(query.NewFieldFilter(fp("b"), query.OpEqual, model.IntegerValue(1))).
			OrderBy(fp("a"), query.Ascending).ToTarget()

		fields := t.Fields()
		Expect(fields).To(HaveLen(2))
		Expect(fields[0].CanonicalString()).To(Equal("a"))
		Expect(fields[1].CanonicalString()).To(Equal("b"))
		Expect(t.IndexCollectionGroup()).To(Equal("rooms"))
	})

	It("should survive a JSON round trip through target data", func() {
		t := query.NewQuery(model.MustParseResourcePath("rooms")).
			Where(query.Or(
				query.NewFieldFilter(fp("a"), query.OpIn, model.ArrayValue(model.IntegerValue(1))),
				query.NewUnaryFilter(fp("b"), query.OpIsNull),
			)).
			OrderBy(fp("a"), query.Descending).
			StartAt(query.Bound{Position: []model.Value{model.IntegerValue(3)}}).
			LimitToFirst(5).ToTarget()

		td := query.NewTargetData(t, 4, query.PurposeListen, 9).
			WithResumeToken([]byte("token"), model.NewSnapshotVersion(model.Timestamp{Seconds: 8})).
			WithExpectedCount(3)

		data, err := json.Marshal(td)
		Expect(err).ToNot(HaveOccurred())

		var decoded query.TargetData
		Expect(json.Unmarshal(data, &decoded)).To(Succeed())
		Expect(decoded.TargetID).To(Equal(4))
		Expect(decoded.SequenceNumber).To(Equal(int64(9)))
		Expect(decoded.ResumeToken).To(Equal([]byte("token")))
		Expect(decoded.ExpectedCount).To(BeNil())
		Expect(decoded.Target.CanonicalID()).To(Equal(t.CanonicalID()))
	})

	It("should clear the expected count when the resume token changes", func() {
		td := query.NewTargetData(query.NewDocumentTarget(model.MustDocumentKey("a/b")), 2, query.PurposeLimboResolution, 1).WithExpectedCount(1)
		Expect(td.ExpectedCount).ToNot(BeNil())
		Expect(td.WithResumeToken(nil, model.MinVersion).ExpectedCount).To(BeNil())
		Expect(td.Target.IsDocumentTarget()).To(BeTrue())
	})
})
