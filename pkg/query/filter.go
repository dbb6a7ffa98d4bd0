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
	"strings"

	"github.com/united-manufacturing-hub/docsync/pkg/model"
)

// Operator is a field filter comparison.
type Operator int

const (
	OpLessThan Operator = iota
	OpLessThanOrEqual
	OpEqual
	OpNotEqual
	OpGreaterThanOrEqual
	OpGreaterThan
	OpArrayContains
	OpIn
	OpArrayContainsAny
	OpNotIn
	// Unary checks carry no operand.
	OpIsNull
	OpIsNaN
	OpIsNotNull
	OpIsNotNaN
)

var operatorNames = map[Operator]string{
	OpLessThan:           "<",
	OpLessThanOrEqual:    "<=",
	OpEqual:              "==",
	OpNotEqual:           "!=",
	OpGreaterThanOrEqual: ">=",
	OpGreaterThan:        ">",
	OpArrayContains:      "array-contains",
	OpIn:                 "in",
	OpArrayContainsAny:   "array-contains-any",
	OpNotIn:              "not-in",
	OpIsNull:             "is-null",
	OpIsNaN:              "is-nan",
	OpIsNotNull:          "is-not-null",
	OpIsNotNaN:           "is-not-nan",
}

func (o Operator) String() string {
	if s, ok := operatorNames[o]; ok {
		return s
	}

	return fmt.Sprintf("Operator(%d)", int(o))
}

// ParseOperator maps the textual operator back to its constant.
func ParseOperator(s string) (Operator, error) {
	for op, name := range operatorNames {
		if name == s {
			return op, nil
		}
	}

	return 0, fmt.Errorf("unknown operator %q", s)
}

// IsInequality reports whether o constrains the field to a range.
func (o Operator) IsInequality() bool {
	switch o {
	case OpLessThan, OpLessThanOrEqual, OpGreaterThan, OpGreaterThanOrEqual, OpNotEqual, OpNotIn, OpIsNotNull, OpIsNotNaN:
		return true
	default:
		return false
	}
}

// IsUnary reports whether o takes no operand.
func (o Operator) IsUnary() bool {
	return o == OpIsNull || o == OpIsNaN || o == OpIsNotNull || o == OpIsNotNaN
}

// CompositeOp joins the members of a composite filter.
type CompositeOp int

const (
	CompositeAnd CompositeOp = iota
	CompositeOr
)

func (c CompositeOp) String() string {
	if c == CompositeOr {
		return "or"
	}

	return "and"
}

// Filter is either a field filter or a composite of filters.
type Filter struct {
	composite bool

	field model.FieldPath
	op    Operator
	value model.Value

	compositeOp CompositeOp
	filters     []Filter
}

// NewFieldFilter compares field with value.
func NewFieldFilter(field model.FieldPath, op Operator, value model.Value) Filter {
	return Filter{field: field, op: op, value: value}
}

// NewUnaryFilter checks field for null or NaN.
func NewUnaryFilter(field model.FieldPath, op Operator) Filter {
	return Filter{field: field, op: op}
}

func And(filters ...Filter) Filter {
	return Filter{composite: true, compositeOp: CompositeAnd, filters: filters}
}

func Or(filters ...Filter) Filter {
	return Filter{composite: true, compositeOp: CompositeOr, filters: filters}
}

func (f Filter) IsComposite() bool { return f.composite }

func (f Filter) Field() model.FieldPath { return f.field }

func (f Filter) Op() Operator { return f.op }

func (f Filter) Value() model.Value { return f.value }

func (f Filter) CompositeOp() CompositeOp { return f.compositeOp }

func (f Filter) Filters() []Filter { return f.filters }

// Validate checks operand shapes.
func (f Filter) Validate() error {
	if f.composite {
		if len(f.filters) == 0 {
			return fmt.Errorf("composite %s filter needs at least one member", f.compositeOp)
		}

		for _, sub := range f.filters {
			if err := sub.Validate(); err != nil {
				return err
			}
		}

		return nil
	}

	switch f.op {
	case OpIn, OpNotIn, OpArrayContainsAny:
		if !f.value.IsArray() || len(f.value.ArrayValues()) == 0 {
			return fmt.Errorf("operator %s on %s requires a non-empty array", f.op, f.field)
		}
	}

	if f.field.IsKeyField() && !f.op.IsUnary() {
		switch f.op {
		case OpIn, OpNotIn:
			for _, v := range f.value.ArrayValues() {
				if !v.IsReference() {
					return fmt.Errorf("key filters require document references, got %s", v)
				}
			}
		case OpArrayContains, OpArrayContainsAny:
			return fmt.Errorf("operator %s is not supported on the document key", f.op)
		default:
			if !f.value.IsReference() {
				return fmt.Errorf("key filters require a document reference, got %s", f.value)
			}
		}
	}

	return nil
}

// Matches evaluates the filter against doc.
func (f Filter) Matches(doc *model.Document) bool {
	if f.composite {
		if f.compositeOp == CompositeOr {
			for _, sub := range f.filters {
				if sub.Matches(doc) {
					return true
				}
			}

			return false
		}

		for _, sub := range f.filters {
			if !sub.Matches(doc) {
				return false
			}
		}

		return true
	}

	if f.field.IsKeyField() {
		return f.matchesKey(doc.Key())
	}

	other, ok := doc.Field(f.field)

	switch f.op {
	case OpIsNull:
		return ok && other.IsNull()
	case OpIsNaN:
		return ok && other.IsNaN()
	case OpIsNotNull:
		return ok && !other.IsNull()
	case OpIsNotNaN:
		return ok && !other.IsNull() && !other.IsNaN()
	case OpArrayContains:
		return ok && other.IsArray() && other.ArrayContains(f.value)
	case OpArrayContainsAny:
		if !ok || !other.IsArray() {
			return false
		}

		for _, v := range other.ArrayValues() {
			if f.value.ArrayContains(v) {
				return true
			}
		}

		return false
	case OpIn:
		return ok && f.value.ArrayContains(other)
	case OpNotIn:
		if f.value.ArrayContains(model.NullValue()) {
			return false
		}

		return ok && !other.IsNull() && !f.value.ArrayContains(other)
	case OpNotEqual:
		return ok && !other.IsNull() && matchesComparison(f.op, other.Compare(f.value))
	default:
		// Only values with the same type order compare.
		return ok && other.TypeOrder() == f.value.TypeOrder() && matchesComparison(f.op, other.Compare(f.value))
	}
}

func (f Filter) matchesKey(key model.DocumentKey) bool {
	switch f.op {
	case OpIn:
		return f.value.ArrayContains(model.ReferenceValue(key))
	case OpNotIn:
		return !f.value.ArrayContains(model.ReferenceValue(key))
	case OpIsNotNull, OpIsNotNaN:
		return true
	case OpIsNull, OpIsNaN, OpArrayContains, OpArrayContainsAny:
		return false
	default:
		return matchesComparison(f.op, key.Compare(f.value.AsReference()))
	}
}

func matchesComparison(op Operator, c int) bool {
	switch op {
	case OpLessThan:
		return c < 0
	case OpLessThanOrEqual:
		return c <= 0
	case OpEqual:
		return c == 0
	case OpNotEqual:
		return c != 0
	case OpGreaterThan:
		return c > 0
	case OpGreaterThanOrEqual:
		return c >= 0
	default:
		panic(fmt.Sprintf("operator %s is not a comparison", op))
	}
}

// FlattenedFilters returns every field filter in the tree.
func (f Filter) FlattenedFilters() []Filter {
	if !f.composite {
		return []Filter{f}
	}

	var out []Filter
	for _, sub := range f.filters {
		out = append(out, sub.FlattenedFilters()...)
	}

	return out
}

// IsConjunctionOnly reports whether the tree contains no OR.
func (f Filter) IsConjunctionOnly() bool {
	if !f.composite {
		return true
	}

	if f.compositeOp == CompositeOr && len(f.filters) > 1 {
		return false
	}

	for _, sub := range f.filters {
		if !sub.IsConjunctionOnly() {
			return false
		}
	}

	return true
}

// CanonicalID renders the filter for target canonical ids.
func (f Filter) CanonicalID() string {
	if !f.composite {
		if f.op.IsUnary() {
			return f.field.CanonicalString() + f.op.String()
		}

		return f.field.CanonicalString() + f.op.String() + f.value.CanonicalID()
	}

	parts := make([]string, len(f.filters))
	for i, sub := range f.filters {
		parts[i] = sub.CanonicalID()
	}

	if f.compositeOp == CompositeAnd && f.allFieldFilters() {
		return strings.Join(parts, ",")
	}

	return f.compositeOp.String() + "(" + strings.Join(parts, ",") + ")"
}

func (f Filter) allFieldFilters() bool {
	for _, sub := range f.filters {
		if sub.composite {
			return false
		}
	}

	return true
}

func (f Filter) String() string { return f.CanonicalID() }
