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

// Package query describes queries over the document cache, the targets they
// are registered as with the server, and the per-target bookkeeping kept by
// the local store.
package query

import (
	"sort"

	"github.com/united-manufacturing-hub/docsync/pkg/model"
)

// Direction is the sort direction of an OrderBy.
type Direction int

const (
	Ascending Direction = iota
	Descending
)

func (d Direction) String() string {
	if d == Descending {
		return "desc"
	}

	return "asc"
}

// OrderBy sorts on one field.
type OrderBy struct {
	Field     model.FieldPath
	Direction Direction
}

func (o OrderBy) CanonicalID() string { return o.Field.CanonicalString() + o.Direction.String() }

// Bound is a cursor position. Position holds one value per ordering field,
// references for the key field.
type Bound struct {
	Position  []model.Value
	Inclusive bool
}

func (b *Bound) compareToDocument(orderBy []OrderBy, doc *model.Document) int {
	c := 0

	for i, component := range b.Position {
		if i >= len(orderBy) {
			break
		}

		ob := orderBy[i]
		if ob.Field.IsKeyField() {
			c = component.AsReference().Compare(doc.Key())
		} else {
			v, _ := doc.Field(ob.Field)
			c = component.Compare(v)
		}

		if ob.Direction == Descending {
			c = -c
		}

		if c != 0 {
			break
		}
	}

	return c
}

// SortsBeforeDocument reports whether doc is on or after a start bound.
func (b *Bound) SortsBeforeDocument(orderBy []OrderBy, doc *model.Document) bool {
	c := b.compareToDocument(orderBy, doc)
	if b.Inclusive {
		return c <= 0
	}

	return c < 0
}

// SortsAfterDocument reports whether doc is on or before an end bound.
func (b *Bound) SortsAfterDocument(orderBy []OrderBy, doc *model.Document) bool {
	c := b.compareToDocument(orderBy, doc)
	if b.Inclusive {
		return c >= 0
	}

	return c > 0
}

func (b *Bound) canonical(prefix string, inclusiveTag, exclusiveTag string) string {
	s := prefix
	if b.Inclusive {
		s += inclusiveTag
	} else {
		s += exclusiveTag
	}

	for i, p := range b.Position {
		if i > 0 {
			s += ","
		}

		s += p.CanonicalID()
	}

	return s
}

// LimitType selects which end of the ordered results a limit keeps.
type LimitType int

const (
	LimitToFirst LimitType = iota
	LimitToLast
)

func (l LimitType) String() string {
	if l == LimitToLast {
		return "L"
	}

	return "F"
}

// Query is an immutable description of a result set. Builder methods return
// modified copies.
type Query struct {
	path            model.ResourcePath
	collectionGroup string
	explicitOrderBy []OrderBy
	filters         []Filter
	limit           int
	limitType       LimitType
	startAt         *Bound
	endAt           *Bound
}

// NewQuery returns a query for the collection or single document at path.
func NewQuery(path model.ResourcePath) *Query {
	return &Query{path: path}
}

// NewCollectionGroupQuery matches every collection named collectionID below
// parent.
func NewCollectionGroupQuery(parent model.ResourcePath, collectionID string) *Query {
	return &Query{path: parent, collectionGroup: collectionID}
}

func (q *Query) clone() *Query {
	c := *q
	c.explicitOrderBy = append([]OrderBy(nil), q.explicitOrderBy...)
	c.filters = append([]Filter(nil), q.filters...)

	return &c
}

// Where adds a filter. Top level filters are joined with AND.
func (q *Query) Where(f Filter) *Query {
	c := q.clone()
	c.filters = append(c.filters, f)

	return c
}

func (q *Query) OrderBy(field model.FieldPath, dir Direction) *Query {
	c := q.clone()
	c.explicitOrderBy = append(c.explicitOrderBy, OrderBy{Field: field, Direction: dir})

	return c
}

func (q *Query) LimitToFirst(n int) *Query {
	c := q.clone()
	c.limit = n
	c.limitType = LimitToFirst

	return c
}

func (q *Query) LimitToLast(n int) *Query {
	c := q.clone()
	c.limit = n
	c.limitType = LimitToLast

	return c
}

func (q *Query) StartAt(b Bound) *Query {
	c := q.clone()
	c.startAt = &b

	return c
}

func (q *Query) EndAt(b Bound) *Query {
	c := q.clone()
	c.endAt = &b

	return c
}

// AsCollectionQueryAtPath turns a collection group query into a collection
// query for one concrete collection.
func (q *Query) AsCollectionQueryAtPath(path model.ResourcePath) *Query {
	c := q.clone()
	c.path = path
	c.collectionGroup = ""

	return c
}

func (q *Query) Path() model.ResourcePath { return q.path }

func (q *Query) CollectionGroup() string { return q.collectionGroup }

func (q *Query) IsCollectionGroupQuery() bool { return q.collectionGroup != "" }

func (q *Query) Filters() []Filter { return q.filters }

func (q *Query) ExplicitOrderBy() []OrderBy { return q.explicitOrderBy }

func (q *Query) Limit() int { return q.limit }

func (q *Query) HasLimit() bool { return q.limit > 0 }

func (q *Query) LimitType() LimitType { return q.limitType }

func (q *Query) StartBound() *Bound { return q.startAt }

func (q *Query) EndBound() *Bound { return q.endAt }

// IsDocumentQuery reports whether q addresses exactly one document.
func (q *Query) IsDocumentQuery() bool {
	return q.path.Len() > 0 && q.path.Len()%2 == 0 && q.collectionGroup == "" && len(q.filters) == 0
}

// MatchesAllDocuments reports whether q returns the whole collection.
func (q *Query) MatchesAllDocuments() bool {
	if len(q.filters) > 0 || q.HasLimit() || q.startAt != nil || q.endAt != nil {
		return false
	}

	return len(q.explicitOrderBy) == 0 || (len(q.explicitOrderBy) == 1 && q.explicitOrderBy[0].Field.IsKeyField())
}

func (q *Query) inequalityFields() []model.FieldPath {
	seen := map[string]model.FieldPath{}

	for _, f := range q.filters {
		for _, ff := range f.FlattenedFilters() {
			if ff.op.IsInequality() {
				seen[ff.field.CanonicalString()] = ff.field
			}
		}
	}

	out := make([]model.FieldPath, 0, len(seen))
	for _, p := range seen {
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })

	return out
}

// NormalizedOrderBy is the explicit ordering followed by the inequality
// fields and finally the document key, all in the direction of the last
// explicit ordering.
func (q *Query) NormalizedOrderBy() []OrderBy {
	out := make([]OrderBy, 0, len(q.explicitOrderBy)+2)
	seen := map[string]bool{}

	for _, ob := range q.explicitOrderBy {
		out = append(out, ob)
		seen[ob.Field.CanonicalString()] = true
	}

	dir := Ascending
	if len(q.explicitOrderBy) > 0 {
		dir = q.explicitOrderBy[len(q.explicitOrderBy)-1].Direction
	}

	for _, field := range q.inequalityFields() {
		if !seen[field.CanonicalString()] && !field.IsKeyField() {
			out = append(out, OrderBy{Field: field, Direction: dir})
			seen[field.CanonicalString()] = true
		}
	}

	if !seen[model.KeyFieldPath.CanonicalString()] {
		out = append(out, OrderBy{Field: model.KeyFieldPath, Direction: dir})
	}

	return out
}

// Matches reports whether doc is part of the result set, ignoring limits.
func (q *Query) Matches(doc *model.Document) bool {
	return doc.IsFoundDocument() &&
		q.matchesPath(doc) &&
		q.matchesOrderBy(doc) &&
		q.matchesFilters(doc) &&
		q.matchesBounds(doc)
}

func (q *Query) matchesPath(doc *model.Document) bool {
	docPath := doc.Key().Path()

	if q.collectionGroup != "" {
		return doc.Key().HasCollectionID(q.collectionGroup) && q.path.IsPrefixOf(docPath)
	}

	if q.path.Len() > 0 && q.path.Len()%2 == 0 {
		return q.path.Equal(docPath)
	}

	return q.path.IsImmediateParentOf(docPath)
}

// Documents without a value for an ordered field are excluded.
func (q *Query) matchesOrderBy(doc *model.Document) bool {
	for _, ob := range q.NormalizedOrderBy() {
		if ob.Field.IsKeyField() {
			continue
		}

		if _, ok := doc.Field(ob.Field); !ok {
			return false
		}
	}

	return true
}

func (q *Query) matchesFilters(doc *model.Document) bool {
	for _, f := range q.filters {
		if !f.Matches(doc) {
			return false
		}
	}

	return true
}

func (q *Query) matchesBounds(doc *model.Document) bool {
	orderBy := q.NormalizedOrderBy()

	if q.startAt != nil && !q.startAt.SortsBeforeDocument(orderBy, doc) {
		return false
	}

	if q.endAt != nil && !q.endAt.SortsAfterDocument(orderBy, doc) {
		return false
	}

	return true
}

// Comparator orders documents by the normalized ordering.
func (q *Query) Comparator() model.DocumentComparator {
	orderBy := q.NormalizedOrderBy()

	return func(a, b *model.Document) int {
		for _, ob := range orderBy {
			var c int

			if ob.Field.IsKeyField() {
				c = a.Key().Compare(b.Key())
			} else {
				av, _ := a.Field(ob.Field)
				bv, _ := b.Field(ob.Field)
				c = av.Compare(bv)
			}

			if ob.Direction == Descending {
				c = -c
			}

			if c != 0 {
				return c
			}
		}

		return a.Key().Compare(b.Key())
	}
}

// ToTarget converts q into the server facing target. Limit-to-last queries
// become limit-to-first targets with flipped ordering and swapped bounds.
func (q *Query) ToTarget() *Target {
	orderBy := q.NormalizedOrderBy()

	t := &Target{
		Path:            q.path,
		CollectionGroup: q.collectionGroup,
		Filters:         q.filters,
		Limit:           q.limit,
		OrderBy:         orderBy,
		StartAt:         q.startAt,
		EndAt:           q.endAt,
	}

	if q.limitType == LimitToLast {
		flipped := make([]OrderBy, len(orderBy))
		for i, ob := range orderBy {
			dir := Descending
			if ob.Direction == Descending {
				dir = Ascending
			}

			flipped[i] = OrderBy{Field: ob.Field, Direction: dir}
		}

		t.OrderBy = flipped
		t.StartAt = copyBound(q.endAt)
		t.EndAt = copyBound(q.startAt)
	}

	return t
}

func copyBound(b *Bound) *Bound {
	if b == nil {
		return nil
	}

	return &Bound{Position: b.Position, Inclusive: b.Inclusive}
}

// CanonicalID identifies equal queries.
func (q *Query) CanonicalID() string {
	return q.ToTarget().CanonicalID() + "|lt:" + q.limitType.String()
}

func (q *Query) String() string { return "Query(" + q.CanonicalID() + ")" }
