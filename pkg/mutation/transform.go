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

package mutation

import (
	"fmt"
	"math"

	"github.com/united-manufacturing-hub/docsync/pkg/model"
)

// TransformKind is the closed set of field transforms.
type TransformKind int

const (
	TransformServerTimestamp TransformKind = iota
	TransformArrayUnion
	TransformArrayRemove
	TransformIncrement
)

func (k TransformKind) String() string {
	switch k {
	case TransformServerTimestamp:
		return "server_timestamp"
	case TransformArrayUnion:
		return "array_union"
	case TransformArrayRemove:
		return "array_remove"
	case TransformIncrement:
		return "increment"
	default:
		return fmt.Sprintf("TransformKind(%d)", int(k))
	}
}

// FieldTransform is a server evaluated change to one field.
type FieldTransform struct {
	Field model.FieldPath
	Kind  TransformKind
	// Elements are the array members for union and remove.
	Elements []model.Value
	// Operand is the numeric increment.
	Operand model.Value
}

func ServerTimestamp(field model.FieldPath) FieldTransform {
	return FieldTransform{Field: field, Kind: TransformServerTimestamp}
}

func ArrayUnion(field model.FieldPath, elements ...model.Value) FieldTransform {
	return FieldTransform{Field: field, Kind: TransformArrayUnion, Elements: elements}
}

func ArrayRemove(field model.FieldPath, elements ...model.Value) FieldTransform {
	return FieldTransform{Field: field, Kind: TransformArrayRemove, Elements: elements}
}

// Increment adds operand, which must be a number, to the field.
func Increment(field model.FieldPath, operand model.Value) FieldTransform {
	return FieldTransform{Field: field, Kind: TransformIncrement, Operand: operand}
}

func (t FieldTransform) Equal(other FieldTransform) bool {
	if t.Kind != other.Kind || !t.Field.Equal(other.Field) || !t.Operand.Equal(other.Operand) {
		return false
	}

	if len(t.Elements) != len(other.Elements) {
		return false
	}

	for i := range t.Elements {
		if !t.Elements[i].Equal(other.Elements[i]) {
			return false
		}
	}

	return true
}

func (t FieldTransform) applyToLocalView(previous *model.Value, localWriteTime model.Timestamp) model.Value {
	switch t.Kind {
	case TransformServerTimestamp:
		return model.ServerTimestampValue(localWriteTime, previous)
	case TransformArrayUnion:
		return t.arrayUnion(previous)
	case TransformArrayRemove:
		return t.arrayRemove(previous)
	case TransformIncrement:
		return t.increment(previous)
	default:
		panic(fmt.Sprintf("unknown transform %s", t.Kind))
	}
}

// applyToRemoteDocument uses the server result where the server computes
// one. Array transforms are reported as null and are evaluated locally.
func (t FieldTransform) applyToRemoteDocument(previous *model.Value, result model.Value) model.Value {
	switch t.Kind {
	case TransformArrayUnion:
		return t.arrayUnion(previous)
	case TransformArrayRemove:
		return t.arrayRemove(previous)
	default:
		return result
	}
}

func coercedArray(previous *model.Value) []model.Value {
	if previous == nil || !previous.IsArray() {
		return nil
	}

	return previous.ArrayValues()
}

func (t FieldTransform) arrayUnion(previous *model.Value) model.Value {
	existing := coercedArray(previous)
	out := make([]model.Value, len(existing), len(existing)+len(t.Elements))
	copy(out, existing)

	for _, e := range t.Elements {
		found := false

		for _, v := range out {
			if v.Equal(e) {
				found = true

				break
			}
		}

		if !found {
			out = append(out, e)
		}
	}

	return model.ArrayValue(out...)
}

func (t FieldTransform) arrayRemove(previous *model.Value) model.Value {
	existing := coercedArray(previous)
	out := make([]model.Value, 0, len(existing))

	for _, v := range existing {
		remove := false

		for _, e := range t.Elements {
			if v.Equal(e) {
				remove = true

				break
			}
		}

		if !remove {
			out = append(out, v)
		}
	}

	return model.ArrayValue(out...)
}

// increment treats a missing or non numeric field as integer zero. Integer
// sums saturate at the int64 range.
func (t FieldTransform) increment(previous *model.Value) model.Value {
	base := model.IntegerValue(0)
	if previous != nil && previous.IsNumber() {
		base = *previous
	}

	if base.IsInteger() && t.Operand.IsInteger() {
		return model.IntegerValue(saturatingAdd(base.AsInteger(), t.Operand.AsInteger()))
	}

	return model.DoubleValue(base.AsDouble() + t.Operand.AsDouble())
}

func saturatingAdd(a, b int64) int64 {
	sum := a + b

	switch {
	case a > 0 && b > 0 && sum < 0:
		return math.MaxInt64
	case a < 0 && b < 0 && sum >= 0:
		return math.MinInt64
	default:
		return sum
	}
}
