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

package query

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/united-manufacturing-hub/docsync/pkg/model"
)

// Target is the server facing form of a query. Its ordering is always
// normalized and limits always keep the first results.
type Target struct {
	Path            model.ResourcePath
	CollectionGroup string
	OrderBy         []OrderBy
	Filters         []Filter
	Limit           int
	StartAt         *Bound
	EndAt           *Bound
}

// NewDocumentTarget listens to a single document.
func NewDocumentTarget(key model.DocumentKey) *Target {
	return NewQuery(key.Path()).ToTarget()
}

// IsDocumentTarget reports whether t addresses exactly one document.
func (t *Target) IsDocumentTarget() bool {
	return t.Path.Len() > 0 && t.Path.Len()%2 == 0 && t.CollectionGroup == "" && len(t.Filters) == 0
}

// DocumentKey returns the addressed key of a document target.
func (t *Target) DocumentKey() (model.DocumentKey, error) {
	if !t.IsDocumentTarget() {
		return model.DocumentKey{}, fmt.Errorf("target %s is not a document target", t.CanonicalID())
	}

	return model.NewDocumentKey(t.Path)
}

// CanonicalID identifies equal targets.
func (t *Target) CanonicalID() string {
	var b strings.Builder

	b.WriteString(t.Path.CanonicalString())

	if t.CollectionGroup != "" {
		b.WriteString("|cg:")
		b.WriteString(t.CollectionGroup)
	}

	b.WriteString("|f:")

	for i, f := range t.Filters {
		if i > 0 {
			b.WriteByte(',')
		}

		b.WriteString(f.CanonicalID())
	}

	b.WriteString("|ob:")

	for i, ob := range t.OrderBy {
		if i > 0 {
			b.WriteByte(',')
		}

		b.WriteString(ob.CanonicalID())
	}

	if t.Limit > 0 {
		b.WriteString("|l:")
		b.WriteString(strconv.Itoa(t.Limit))
	}

	if t.StartAt != nil {
		b.WriteString(t.StartAt.canonical("|lb:", "b:", "a:"))
	}

	if t.EndAt != nil {
		b.WriteString(t.EndAt.canonical("|ub:", "a:", "b:"))
	}

	return b.String()
}

// FieldFilters returns every field filter of the target.
func (t *Target) FieldFilters() []Filter {
	var out []Filter
	for _, f := range t.Filters {
		out = append(out, f.FlattenedFilters()...)
	}

	return out
}

// IsConjunctionOnly reports whether the target's filters contain no OR.
func (t *Target) IsConjunctionOnly() bool {
	for _, f := range t.Filters {
		if !f.IsConjunctionOnly() {
			return false
		}
	}

	return true
}

// Fields returns the distinct non-key fields the target filters or orders on,
// in canonical order.
func (t *Target) Fields() []model.FieldPath {
	seen := map[string]model.FieldPath{}

	for _, f := range t.FieldFilters() {
		if !f.Field().IsKeyField() {
			seen[f.Field().CanonicalString()] = f.Field()
		}
	}

	for _, ob := range t.OrderBy {
		if !ob.Field.IsKeyField() {
			seen[ob.Field.CanonicalString()] = ob.Field
		}
	}

	names := make([]string, 0, len(seen))
	for k := range seen {
		names = append(names, k)
	}

	sort.Strings(names)

	out := make([]model.FieldPath, len(names))
	for i, n := range names {
		out[i] = seen[n]
	}

	return out
}

// IndexCollectionGroup is the collection id an index for t is keyed by.
func (t *Target) IndexCollectionGroup() string {
	if t.CollectionGroup != "" {
		return t.CollectionGroup
	}

	if t.Path.Len()%2 == 1 {
		return t.Path.LastSegment()
	}

	return t.Path.Parent().LastSegment()
}

// ToQuery rebuilds a limit-to-first query with the same results as t, for
// evaluating targets received over the wire.
func (t *Target) ToQuery() *Query {
	return &Query{
		path:            t.Path,
		collectionGroup: t.CollectionGroup,
		explicitOrderBy: append([]OrderBy(nil), t.OrderBy...),
		filters:         append([]Filter(nil), t.Filters...),
		limit:           t.Limit,
		limitType:       LimitToFirst,
		startAt:         copyBound(t.StartAt),
		endAt:           copyBound(t.EndAt),
	}
}
