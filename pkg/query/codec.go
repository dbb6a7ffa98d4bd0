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

	"github.com/goccy/go-json"

	"github.com/united-manufacturing-hub/docsync/pkg/model"
)

type filterRecord struct {
	Field     string         `json:"field,omitempty"`
	Op        string         `json:"op,omitempty"`
	Value     *model.Value   `json:"value,omitempty"`
	Composite string         `json:"composite,omitempty"`
	Filters   []filterRecord `json:"filters,omitempty"`
}

type orderByRecord struct {
	Field     string `json:"field"`
	Direction string `json:"direction"`
}

type boundRecord struct {
	Position  []model.Value `json:"position"`
	Inclusive bool          `json:"inclusive"`
}

type targetRecord struct {
	Path            string          `json:"path"`
	CollectionGroup string          `json:"collectionGroup,omitempty"`
	OrderBy         []orderByRecord `json:"orderBy,omitempty"`
	Filters         []filterRecord  `json:"filters,omitempty"`
	Limit           int             `json:"limit,omitempty"`
	StartAt         *boundRecord    `json:"startAt,omitempty"`
	EndAt           *boundRecord    `json:"endAt,omitempty"`
}

func encodeFilter(f Filter) filterRecord {
	if f.composite {
		rec := filterRecord{Composite: f.compositeOp.String()}
		for _, sub := range f.filters {
			rec.Filters = append(rec.Filters, encodeFilter(sub))
		}

		return rec
	}

	rec := filterRecord{Field: f.field.CanonicalString(), Op: f.op.String()}
	if !f.op.IsUnary() {
		v := f.value
		rec.Value = &v
	}

	return rec
}

func decodeFilter(rec filterRecord) (Filter, error) {
	if rec.Composite != "" {
		subs := make([]Filter, 0, len(rec.Filters))

		for _, s := range rec.Filters {
			f, err := decodeFilter(s)
			if err != nil {
				return Filter{}, err
			}

			subs = append(subs, f)
		}

		if rec.Composite == CompositeOr.String() {
			return Or(subs...), nil
		}

		return And(subs...), nil
	}

	field, err := model.ParseFieldPath(rec.Field)
	if err != nil {
		return Filter{}, err
	}

	op, err := ParseOperator(rec.Op)
	if err != nil {
		return Filter{}, err
	}

	if op.IsUnary() {
		return NewUnaryFilter(field, op), nil
	}

	if rec.Value == nil {
		return Filter{}, fmt.Errorf("filter on %s has no value", rec.Field)
	}

	return NewFieldFilter(field, op, *rec.Value), nil
}

func encodeBound(b *Bound) *boundRecord {
	if b == nil {
		return nil
	}

	return &boundRecord{Position: b.Position, Inclusive: b.Inclusive}
}

func decodeBound(b *boundRecord) *Bound {
	if b == nil {
		return nil
	}

	return &Bound{Position: b.Position, Inclusive: b.Inclusive}
}

func (t *Target) MarshalJSON() ([]byte, error) {
	rec := targetRecord{
		Path:            t.Path.CanonicalString(),
		CollectionGroup: t.CollectionGroup,
		Limit:           t.Limit,
		StartAt:         encodeBound(t.StartAt),
		EndAt:           encodeBound(t.EndAt),
	}

	for _, ob := range t.OrderBy {
		rec.OrderBy = append(rec.OrderBy, orderByRecord{Field: ob.Field.CanonicalString(), Direction: ob.Direction.String()})
	}

	for _, f := range t.Filters {
		rec.Filters = append(rec.Filters, encodeFilter(f))
	}

	return json.Marshal(rec)
}

func (t *Target) UnmarshalJSON(data []byte) error {
	var rec targetRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("failed to decode target: %w", err)
	}

	path, err := model.ParseResourcePath(rec.Path)
	if err != nil {
		return fmt.Errorf("failed to decode target path: %w", err)
	}

	out := Target{
		Path:            path,
		CollectionGroup: rec.CollectionGroup,
		Limit:           rec.Limit,
		StartAt:         decodeBound(rec.StartAt),
		EndAt:           decodeBound(rec.EndAt),
	}

	for _, ob := range rec.OrderBy {
		field, err := model.ParseFieldPath(ob.Field)
		if err != nil {
			return fmt.Errorf("failed to decode order by: %w", err)
		}

		dir := Ascending
		if ob.Direction == Descending.String() {
			dir = Descending
		}

		out.OrderBy = append(out.OrderBy, OrderBy{Field: field, Direction: dir})
	}

	for _, fr := range rec.Filters {
		f, err := decodeFilter(fr)
		if err != nil {
			return fmt.Errorf("failed to decode filter: %w", err)
		}

		out.Filters = append(out.Filters, f)
	}

	*t = out

	return nil
}

type targetDataRecord struct {
	Target                       *Target               `json:"target"`
	TargetID                     int                   `json:"targetId"`
	Purpose                      Purpose               `json:"purpose"`
	SequenceNumber               int64                 `json:"sequenceNumber"`
	SnapshotVersion              model.SnapshotVersion `json:"snapshotVersion"`
	LastLimboFreeSnapshotVersion model.SnapshotVersion `json:"lastLimboFreeSnapshotVersion"`
	ResumeToken                  []byte                `json:"resumeToken,omitempty"`
}

// MarshalJSON omits the expected count, which is only valid for the next
// listen request.
func (t *TargetData) MarshalJSON() ([]byte, error) {
	return json.Marshal(targetDataRecord{
		Target:                       t.Target,
		TargetID:                     t.TargetID,
		Purpose:                      t.Purpose,
		SequenceNumber:               t.SequenceNumber,
		SnapshotVersion:              t.SnapshotVersion,
		LastLimboFreeSnapshotVersion: t.LastLimboFreeSnapshotVersion,
		ResumeToken:                  t.ResumeToken,
	})
}

func (t *TargetData) UnmarshalJSON(data []byte) error {
	var rec targetDataRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("failed to decode target data: %w", err)
	}

	if rec.Target == nil {
		return fmt.Errorf("target data %d has no target", rec.TargetID)
	}

	*t = TargetData{
		Target:                       rec.Target,
		TargetID:                     rec.TargetID,
		Purpose:                      rec.Purpose,
		SequenceNumber:               rec.SequenceNumber,
		SnapshotVersion:              rec.SnapshotVersion,
		LastLimboFreeSnapshotVersion: rec.LastLimboFreeSnapshotVersion,
		ResumeToken:                  rec.ResumeToken,
	}

	return nil
}
