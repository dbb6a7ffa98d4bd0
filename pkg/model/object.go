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

package model

import (
	"sort"
	"strings"
)

// ObjectValue is the mutable root of a document's fields. Set and Delete copy
// every map on the modified path, so Values handed out earlier stay intact.
type ObjectValue struct {
	fields map[string]Value
}

// EmptyObject returns an object with no fields.
func EmptyObject() *ObjectValue {
	return &ObjectValue{fields: map[string]Value{}}
}

// NewObjectValue wraps the given fields. The map is copied.
func NewObjectValue(fields map[string]Value) *ObjectValue {
	out := make(map[string]Value, len(fields))
	for k, v := range fields {
		out[k] = v
	}

	return &ObjectValue{fields: out}
}

// ObjectFromMap converts plain Go values into an object.
func ObjectFromMap(data map[string]interface{}) (*ObjectValue, error) {
	v, err := ValueOf(data)
	if err != nil {
		return nil, err
	}

	return &ObjectValue{fields: v.fields}, nil
}

// Fields returns the top level fields. Callers must not modify the map.
func (o *ObjectValue) Fields() map[string]Value { return o.fields }

// Value returns the object as a map value.
func (o *ObjectValue) Value() Value { return Value{kind: KindMap, fields: o.fields} }

// Field returns the value at path.
func (o *ObjectValue) Field(path FieldPath) (Value, bool) {
	if path.IsEmpty() {
		return o.Value(), true
	}

	current := o.fields

	for i := 0; i < path.Len()-1; i++ {
		next, ok := current[path.Segment(i)]
		if !ok || next.kind != KindMap {
			return Value{}, false
		}

		current = next.fields
	}

	v, ok := current[path.LastSegment()]

	return v, ok
}

// Set writes value at path, creating intermediate maps.
func (o *ObjectValue) Set(path FieldPath, value Value) {
	if path.IsEmpty() {
		if value.kind == KindMap {
			o.fields = value.fields
		}

		return
	}

	o.fields = setIn(o.fields, path, 0, value)
}

func setIn(fields map[string]Value, path FieldPath, depth int, value Value) map[string]Value {
	out := make(map[string]Value, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}

	seg := path.Segment(depth)
	if depth == path.Len()-1 {
		out[seg] = value

		return out
	}

	var child map[string]Value
	if existing, ok := fields[seg]; ok && existing.kind == KindMap {
		child = existing.fields
	}

	out[seg] = Value{kind: KindMap, fields: setIn(child, path, depth+1, value)}

	return out
}

// Delete removes the value at path. Missing paths are ignored.
func (o *ObjectValue) Delete(path FieldPath) {
	if path.IsEmpty() {
		return
	}

	if _, ok := o.Field(path); !ok {
		return
	}

	o.fields = deleteIn(o.fields, path, 0)
}

func deleteIn(fields map[string]Value, path FieldPath, depth int) map[string]Value {
	out := make(map[string]Value, len(fields))
	for k, v := range fields {
		out[k] = v
	}

	seg := path.Segment(depth)
	if depth == path.Len()-1 {
		delete(out, seg)

		return out
	}

	out[seg] = Value{kind: KindMap, fields: deleteIn(fields[seg].fields, path, depth+1)}

	return out
}

// Clone returns an object that can be modified independently.
func (o *ObjectValue) Clone() *ObjectValue {
	return NewObjectValue(o.fields)
}

func (o *ObjectValue) Equal(other *ObjectValue) bool {
	if o == nil || other == nil {
		return o == other
	}

	return o.Value().Equal(other.Value())
}

// FieldMask returns the leaf field paths of the object. Maps are descended
// into; empty maps are leaves.
func (o *ObjectValue) FieldMask() *FieldMask {
	mask := NewFieldMask()
	collectLeaves(o.fields, FieldPath{}, mask)

	return mask
}

func collectLeaves(fields map[string]Value, prefix FieldPath, mask *FieldMask) {
	for k, v := range fields {
		p := prefix.Child(k)
		if v.kind == KindMap && !v.IsServerTimestamp() && len(v.fields) > 0 {
			collectLeaves(v.fields, p, mask)

			continue
		}

		mask.Add(p)
	}
}

// FieldMask is a set of field paths.
type FieldMask struct {
	paths map[string]FieldPath
}

func NewFieldMask(paths ...FieldPath) *FieldMask {
	m := &FieldMask{paths: make(map[string]FieldPath, len(paths))}
	for _, p := range paths {
		m.Add(p)
	}

	return m
}

func (m *FieldMask) Add(p FieldPath) { m.paths[p.CanonicalString()] = p }

// AddAll unions other into m.
func (m *FieldMask) AddAll(other *FieldMask) {
	if other == nil {
		return
	}

	for k, p := range other.paths {
		m.paths[k] = p
	}
}

func (m *FieldMask) Len() int { return len(m.paths) }

// Covers reports whether p or one of its ancestors is in the mask.
func (m *FieldMask) Covers(p FieldPath) bool {
	for _, mp := range m.paths {
		if mp.IsPrefixOf(p) {
			return true
		}
	}

	return false
}

// Paths returns the paths in canonical order.
func (m *FieldMask) Paths() []FieldPath {
	keys := make([]string, 0, len(m.paths))
	for k := range m.paths {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	out := make([]FieldPath, len(keys))
	for i, k := range keys {
		out[i] = m.paths[k]
	}

	return out
}

func (m *FieldMask) Clone() *FieldMask {
	out := NewFieldMask()
	out.AddAll(m)

	return out
}

func (m *FieldMask) String() string {
	parts := make([]string, 0, len(m.paths))
	for _, p := range m.Paths() {
		parts = append(parts, p.CanonicalString())
	}

	return "{" + strings.Join(parts, ",") + "}"
}
