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
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/united-manufacturing-hub/docsync/pkg/model"
)

type preconditionRecord struct {
	Exists     *bool                  `json:"exists,omitempty"`
	UpdateTime *model.SnapshotVersion `json:"updateTime,omitempty"`
}

type transformRecord struct {
	Field    string        `json:"field"`
	Kind     string        `json:"kind"`
	Elements []model.Value `json:"elements,omitempty"`
	Operand  *model.Value  `json:"operand,omitempty"`
}

type mutationRecord struct {
	Kind         string                 `json:"kind"`
	Key          string                 `json:"key"`
	Fields       map[string]model.Value `json:"fields,omitempty"`
	Mask         []string               `json:"mask,omitempty"`
	Precondition *preconditionRecord    `json:"precondition,omitempty"`
	Transforms   []transformRecord      `json:"transforms,omitempty"`
}

var kindNames = map[Kind]string{KindSet: "set", KindPatch: "patch", KindDelete: "delete", KindVerify: "verify"}

var transformNames = map[TransformKind]string{
	TransformServerTimestamp: "server_timestamp",
	TransformArrayUnion:      "array_union",
	TransformArrayRemove:     "array_remove",
	TransformIncrement:       "increment",
}

func (m *Mutation) MarshalJSON() ([]byte, error) {
	rec := mutationRecord{Kind: kindNames[m.Kind], Key: m.Key.String()}

	if m.Value != nil {
		rec.Fields = m.Value.Fields()
	}

	if m.Mask != nil {
		for _, p := range m.Mask.Paths() {
			rec.Mask = append(rec.Mask, p.CanonicalString())
		}
	}

	if exists, ok := m.Precondition.Exists(); ok {
		rec.Precondition = &preconditionRecord{Exists: &exists}
	} else if v, ok := m.Precondition.UpdateTime(); ok {
		rec.Precondition = &preconditionRecord{UpdateTime: &v}
	}

	for _, t := range m.Transforms {
		tr := transformRecord{Field: t.Field.CanonicalString(), Kind: transformNames[t.Kind], Elements: t.Elements}
		if t.Kind == TransformIncrement {
			operand := t.Operand
			tr.Operand = &operand
		}

		rec.Transforms = append(rec.Transforms, tr)
	}

	return json.Marshal(rec)
}

func (m *Mutation) UnmarshalJSON(data []byte) error {
	var rec mutationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("failed to decode mutation: %w", err)
	}

	key, err := model.ParseDocumentKey(rec.Key)
	if err != nil {
		return fmt.Errorf("failed to decode mutation key: %w", err)
	}

	out := Mutation{Key: key}

	found := false

	for k, name := range kindNames {
		if name == rec.Kind {
			out.Kind = k
			found = true
		}
	}

	if !found {
		return fmt.Errorf("unknown mutation kind %q", rec.Kind)
	}

	if out.Kind == KindSet || out.Kind == KindPatch {
		out.Value = model.NewObjectValue(rec.Fields)
	}

	if out.Kind == KindPatch {
		out.Mask = model.NewFieldMask()

		for _, s := range rec.Mask {
			p, err := model.ParseFieldPath(s)
			if err != nil {
				return fmt.Errorf("failed to decode mutation mask: %w", err)
			}

			out.Mask.Add(p)
		}
	}

	if rec.Precondition != nil {
		switch {
		case rec.Precondition.Exists != nil:
			out.Precondition = ExistsPrecondition(*rec.Precondition.Exists)
		case rec.Precondition.UpdateTime != nil:
			out.Precondition = UpdateTimePrecondition(*rec.Precondition.UpdateTime)
		}
	}

	for _, tr := range rec.Transforms {
		field, err := model.ParseFieldPath(tr.Field)
		if err != nil {
			return fmt.Errorf("failed to decode transform field: %w", err)
		}

		t := FieldTransform{Field: field, Elements: tr.Elements}

		found = false

		for k, name := range transformNames {
			if name == tr.Kind {
				t.Kind = k
				found = true
			}
		}

		if !found {
			return fmt.Errorf("unknown transform kind %q", tr.Kind)
		}

		if tr.Operand != nil {
			t.Operand = *tr.Operand
		}

		out.Transforms = append(out.Transforms, t)
	}

	*m = out

	return nil
}

type batchRecord struct {
	BatchID        int             `json:"batchId"`
	LocalWriteTime model.Timestamp `json:"localWriteTime"`
	Mutations      []*Mutation     `json:"mutations"`
}

func (b *Batch) MarshalJSON() ([]byte, error) {
	return json.Marshal(batchRecord{BatchID: b.BatchID, LocalWriteTime: b.LocalWriteTime, Mutations: b.Mutations})
}

func (b *Batch) UnmarshalJSON(data []byte) error {
	var rec batchRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("failed to decode batch: %w", err)
	}

	*b = Batch{BatchID: rec.BatchID, LocalWriteTime: rec.LocalWriteTime, Mutations: rec.Mutations}

	return nil
}

type overlayRecord struct {
	LargestBatchID int       `json:"largestBatchId"`
	Mutation       *Mutation `json:"mutation"`
}

func (o *Overlay) MarshalJSON() ([]byte, error) {
	return json.Marshal(overlayRecord{LargestBatchID: o.LargestBatchID, Mutation: o.Mutation})
}

func (o *Overlay) UnmarshalJSON(data []byte) error {
	var rec overlayRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("failed to decode overlay: %w", err)
	}

	if rec.Mutation == nil {
		return errors.New("overlay has no mutation")
	}

	*o = Overlay{LargestBatchID: rec.LargestBatchID, Mutation: rec.Mutation}

	return nil
}
