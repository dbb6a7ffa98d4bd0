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

// Package mutation holds local writes and the rules for applying them to
// cached documents.
//
// A Mutation is a value object. Applying it to a *model.Document is a
// deterministic in-place transformation; the same mutation applied to equal
// documents yields equal results. Two application modes exist:
//
//   - ApplyToLocalView is used while the write is pending. Transforms are
//     evaluated against the current local value and the result is flagged as
//     having local mutations.
//   - ApplyToRemoteDocument is used once the server acknowledged the write.
//     Transform results reported by the server replace the local estimates.
package mutation

import (
	"fmt"

	"github.com/united-manufacturing-hub/docsync/pkg/model"
)

// Kind is the closed set of mutation variants.
type Kind int

const (
	KindSet Kind = iota
	KindPatch
	KindDelete
	KindVerify
)

func (k Kind) String() string {
	switch k {
	case KindSet:
		return "set"
	case KindPatch:
		return "patch"
	case KindDelete:
		return "delete"
	case KindVerify:
		return "verify"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Mutation is a single write to a single document.
type Mutation struct {
	Kind Kind
	Key  model.DocumentKey
	// Value holds the new contents for set, or the patched fields for patch.
	Value *model.ObjectValue
	// Mask lists the fields a patch touches. Fields in the mask that are
	// missing from Value are deleted.
	Mask         *model.FieldMask
	Precondition Precondition
	Transforms   []FieldTransform
}

// NewSetMutation overwrites the document.
func NewSetMutation(key model.DocumentKey, value *model.ObjectValue, precondition Precondition, transforms ...FieldTransform) *Mutation {
	return &Mutation{Kind: KindSet, Key: key, Value: value, Precondition: precondition, Transforms: transforms}
}

// NewPatchMutation updates the fields in mask.
func NewPatchMutation(key model.DocumentKey, value *model.ObjectValue, mask *model.FieldMask,
	precondition Precondition, transforms ...FieldTransform,
) *Mutation {
	return &Mutation{Kind: KindPatch, Key: key, Value: value, Mask: mask, Precondition: precondition, Transforms: transforms}
}

func NewDeleteMutation(key model.DocumentKey, precondition Precondition) *Mutation {
	return &Mutation{Kind: KindDelete, Key: key, Precondition: precondition}
}

// NewVerifyMutation only checks its precondition on the server.
func NewVerifyMutation(key model.DocumentKey, precondition Precondition) *Mutation {
	return &Mutation{Kind: KindVerify, Key: key, Precondition: precondition}
}

// Result is the server's answer for one mutation of a committed batch.
type Result struct {
	// Version is the commit version of the document, or the commit time of
	// the batch for deletes.
	Version          model.SnapshotVersion
	TransformResults []model.Value
}

func (m *Mutation) verifyKey(doc *model.Document) {
	if doc.Key() != m.Key {
		panic(fmt.Sprintf("mutation for %s applied to document %s", m.Key, doc.Key()))
	}
}

// ApplyToRemoteDocument applies an acknowledged mutation to doc.
func (m *Mutation) ApplyToRemoteDocument(doc *model.Document, result Result) {
	m.verifyKey(doc)

	switch m.Kind {
	case KindSet:
		data := m.Value.Clone()
		for _, f := range m.serverTransformResults(doc, result.TransformResults) {
			data.Set(f.path, f.value)
		}

		doc.ConvertToFoundDocument(result.Version, data).SetHasCommittedMutations()
	case KindPatch:
		if !m.Precondition.IsValidFor(doc) {
			// Content stays unknown until the watch stream reports it.
			doc.ConvertToUnknownDocument(result.Version)

			return
		}

		transformed := m.serverTransformResults(doc, result.TransformResults)
		data := doc.Data().Clone()
		m.applyPatch(data)

		for _, f := range transformed {
			data.Set(f.path, f.value)
		}

		doc.ConvertToFoundDocument(result.Version, data).SetHasCommittedMutations()
	case KindDelete:
		doc.ConvertToNoDocument(result.Version).SetHasCommittedMutations()
	case KindVerify:
	}
}

// ApplyToLocalView applies a pending mutation to doc and returns the fields
// it changed, merged with previousMask. A nil mask means the whole document
// changed. When the precondition does not hold, doc is left untouched and
// previousMask is returned.
func (m *Mutation) ApplyToLocalView(doc *model.Document, previousMask *model.FieldMask, localWriteTime model.Timestamp) *model.FieldMask {
	m.verifyKey(doc)

	if !m.Precondition.IsValidFor(doc) {
		return previousMask
	}

	switch m.Kind {
	case KindSet:
		transformed := m.localTransformResults(doc, localWriteTime)
		data := m.Value.Clone()

		for _, f := range transformed {
			data.Set(f.path, f.value)
		}

		doc.ConvertToFoundDocument(doc.Version(), data).SetHasLocalMutations()

		return nil
	case KindPatch:
		transformed := m.localTransformResults(doc, localWriteTime)
		data := doc.Data().Clone()
		m.applyPatch(data)

		for _, f := range transformed {
			data.Set(f.path, f.value)
		}

		doc.ConvertToFoundDocument(doc.Version(), data).SetHasLocalMutations()

		if previousMask == nil {
			return nil
		}

		out := previousMask.Clone()
		out.AddAll(m.Mask)

		for _, t := range m.Transforms {
			out.Add(t.Field)
		}

		return out
	case KindDelete:
		doc.ConvertToNoDocument(doc.Version()).SetHasLocalMutations()

		return nil
	default:
		return previousMask
	}
}

func (m *Mutation) applyPatch(data *model.ObjectValue) {
	if m.Mask == nil {
		return
	}

	for _, path := range m.Mask.Paths() {
		if path.IsEmpty() {
			continue
		}

		if v, ok := m.Value.Field(path); ok {
			data.Set(path, v)
		} else {
			data.Delete(path)
		}
	}
}

type transformedField struct {
	path  model.FieldPath
	value model.Value
}

// localTransformResults evaluates every transform against the current value
// of its field in doc, in transform order.
func (m *Mutation) localTransformResults(doc *model.Document, localWriteTime model.Timestamp) []transformedField {
	out := make([]transformedField, 0, len(m.Transforms))

	for i := range m.Transforms {
		t := &m.Transforms[i]

		var previous *model.Value
		if v, ok := doc.Field(t.Field); ok {
			previous = &v
		}

		out = append(out, transformedField{path: t.Field, value: t.applyToLocalView(previous, localWriteTime)})
	}

	return out
}

func (m *Mutation) serverTransformResults(doc *model.Document, results []model.Value) []transformedField {
	if len(results) != len(m.Transforms) {
		panic(fmt.Sprintf("server returned %d transform results for %d transforms on %s", len(results), len(m.Transforms), m.Key))
	}

	out := make([]transformedField, 0, len(m.Transforms))

	for i := range m.Transforms {
		t := &m.Transforms[i]

		var previous *model.Value
		if v, ok := doc.Field(t.Field); ok {
			previous = &v
		}

		out = append(out, transformedField{path: t.Field, value: t.applyToRemoteDocument(previous, results[i])})
	}

	return out
}

// CalculateOverlayMutation returns the mutation that turns the remote version
// of doc into its current local view, given the fields changed by pending
// writes. It returns nil when doc carries no local mutations.
func CalculateOverlayMutation(doc *model.Document, mask *model.FieldMask) *Mutation {
	if !doc.HasLocalMutations() || (mask != nil && mask.Len() == 0) {
		return nil
	}

	if mask == nil {
		if doc.IsNoDocument() {
			return NewDeleteMutation(doc.Key(), NoPrecondition())
		}

		return NewSetMutation(doc.Key(), doc.Data().Clone(), NoPrecondition())
	}

	patch := model.EmptyObject()
	patchMask := model.NewFieldMask()

	for _, path := range mask.Paths() {
		v, ok := doc.Field(path)
		// A deleted nested field is expressed through its parent.
		if !ok && path.Len() > 1 {
			path = path.PopLast()
			v, ok = doc.Field(path)
		}

		if patchMask.Covers(path) {
			continue
		}

		if ok {
			patch.Set(path, v)
		} else {
			patch.Delete(path)
		}

		patchMask.Add(path)
	}

	return NewPatchMutation(doc.Key(), patch, patchMask, NoPrecondition())
}

// Equal compares two mutations field by field.
func (m *Mutation) Equal(other *Mutation) bool {
	if m == nil || other == nil {
		return m == other
	}

	if m.Kind != other.Kind || m.Key != other.Key || m.Precondition != other.Precondition {
		return false
	}

	if (m.Value == nil) != (other.Value == nil) || (m.Value != nil && !m.Value.Equal(other.Value)) {
		return false
	}

	if (m.Mask == nil) != (other.Mask == nil) || (m.Mask != nil && m.Mask.String() != other.Mask.String()) {
		return false
	}

	if len(m.Transforms) != len(other.Transforms) {
		return false
	}

	for i := range m.Transforms {
		if !m.Transforms[i].Equal(other.Transforms[i]) {
			return false
		}
	}

	return true
}
