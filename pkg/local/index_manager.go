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

package local

import (
	"fmt"
	"sort"
	"sync"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/docsync/pkg/model"
	"github.com/united-manufacturing-hub/docsync/pkg/persistence"
	"github.com/united-manufacturing-hub/docsync/pkg/query"
)

// IndexType is how well an index serves a target.
type IndexType int

const (
	// IndexTypeNone means no index covers the target.
	IndexTypeNone IndexType = iota
	// IndexTypePartial covers some of the target's fields. Results are a
	// superset and need full matching.
	IndexTypePartial
	// IndexTypeFull covers every field the target filters or orders on.
	IndexTypeFull
)

func (i IndexType) String() string {
	switch i {
	case IndexTypePartial:
		return "partial"
	case IndexTypeFull:
		return "full"
	default:
		return "none"
	}
}

// IndexSegment is one indexed field.
type IndexSegment struct {
	Field     model.FieldPath
	Direction query.Direction
}

// FieldIndex indexes the documents of a collection group by a list of
// fields. Documents that lack any of the fields are not indexed.
type FieldIndex struct {
	ID              int
	CollectionGroup string
	Segments        []IndexSegment
}

func (f FieldIndex) fieldSet() map[string]bool {
	out := make(map[string]bool, len(f.Segments))
	for _, s := range f.Segments {
		out[s.Field.CanonicalString()] = true
	}

	return out
}

type indexSegmentRecord struct {
	Field     string `json:"field"`
	Direction string `json:"direction"`
}

type fieldIndexRecord struct {
	ID              int                  `json:"id"`
	CollectionGroup string               `json:"collectionGroup"`
	Segments        []indexSegmentRecord `json:"segments"`
}

func encodeFieldIndex(f FieldIndex) fieldIndexRecord {
	rec := fieldIndexRecord{ID: f.ID, CollectionGroup: f.CollectionGroup}
	for _, s := range f.Segments {
		rec.Segments = append(rec.Segments, indexSegmentRecord{Field: s.Field.CanonicalString(), Direction: s.Direction.String()})
	}

	return rec
}

func decodeFieldIndex(rec fieldIndexRecord) (FieldIndex, error) {
	out := FieldIndex{ID: rec.ID, CollectionGroup: rec.CollectionGroup}

	for _, s := range rec.Segments {
		field, err := model.ParseFieldPath(s.Field)
		if err != nil {
			return FieldIndex{}, fmt.Errorf("index %d: %w", rec.ID, err)
		}

		dir := query.Ascending
		if s.Direction == query.Descending.String() {
			dir = query.Descending
		}

		out.Segments = append(out.Segments, IndexSegment{Field: field, Direction: dir})
	}

	return out, nil
}

// indexState is the in-memory content of one index: the indexed field
// values of each document.
type indexState struct {
	config  FieldIndex
	entries map[model.DocumentKey]*model.ObjectValue
}

func (s *indexState) update(doc *model.Document) {
	if doc.Key().CollectionGroup() != s.config.CollectionGroup {
		return
	}

	if !doc.IsFoundDocument() {
		delete(s.entries, doc.Key())

		return
	}

	values := model.EmptyObject()

	for _, seg := range s.config.Segments {
		v, ok := doc.Field(seg.Field)
		if !ok {
			delete(s.entries, doc.Key())

			return
		}

		values.Set(seg.Field, v)
	}

	s.entries[doc.Key()] = values
}

// IndexManager keeps client side field indexes over the remote document
// cache. Index definitions are persisted; entries are rebuilt from the cache
// on start and maintained as remote documents change.
type IndexManager struct {
	mu      sync.RWMutex
	indexes map[int]*indexState
	nextID  int
	remote  *remoteDocumentCache
	log     *zap.SugaredLogger
}

func newIndexManager(remote *remoteDocumentCache, log *zap.SugaredLogger) *IndexManager {
	return &IndexManager{indexes: map[int]*indexState{}, nextID: 1, remote: remote, log: log}
}

// start loads the persisted index definitions and backfills them.
func (m *IndexManager) start(t *txn) error {
	var configs []FieldIndex

	err := t.scan(tableIndexConfigs, persistence.All, func(_ string, raw []byte) (bool, error) {
		var rec fieldIndexRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return false, err
		}

		f, err := decodeFieldIndex(rec)
		if err != nil {
			return false, err
		}

		configs = append(configs, f)

		return true, nil
	})
	if err != nil {
		return fmt.Errorf("failed to load field indexes: %w", err)
	}

	states := make(map[int]*indexState, len(configs))
	for _, c := range configs {
		states[c.ID] = &indexState{config: c, entries: map[model.DocumentKey]*model.ObjectValue{}}
	}

	if err := m.backfill(t, states); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.indexes = states
	for id := range states {
		if id >= m.nextID {
			m.nextID = id + 1
		}
	}

	return nil
}

func (m *IndexManager) backfill(t *txn, states map[int]*indexState) error {
	if len(states) == 0 {
		return nil
	}

	return m.remote.forEach(t, func(doc *model.Document) bool {
		for _, s := range states {
			s.update(doc)
		}

		return true
	})
}

func (m *IndexManager) updateIndexEntries(docs []*model.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, doc := range docs {
		for _, s := range m.indexes {
			s.update(doc)
		}
	}
}

// FieldIndexes returns the configured indexes in id order.
func (m *IndexManager) FieldIndexes() []FieldIndex {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]FieldIndex, 0, len(m.indexes))
	for _, s := range m.indexes {
		out = append(out, s.config)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// addFieldIndex persists and backfills a new index. Indexes equal to an
// existing one are ignored.
func (m *IndexManager) addFieldIndex(t *txn, index FieldIndex) (FieldIndex, error) {
	for _, existing := range m.FieldIndexes() {
		if sameIndex(existing, index) {
			return existing, nil
		}
	}

	m.mu.Lock()
	index.ID = m.nextID
	m.nextID++
	m.mu.Unlock()

	if err := t.putJSON(tableIndexConfigs, padInt(index.ID), encodeFieldIndex(index)); err != nil {
		return FieldIndex{}, err
	}

	state := &indexState{config: index, entries: map[model.DocumentKey]*model.ObjectValue{}}
	if err := m.backfill(t, map[int]*indexState{index.ID: state}); err != nil {
		return FieldIndex{}, err
	}

	t.afterCommit(func() {
		m.mu.Lock()
		m.indexes[index.ID] = state
		m.mu.Unlock()
		m.log.Debugf("Created field index %d on %s", index.ID, index.CollectionGroup)
	})

	return index, nil
}

func (m *IndexManager) deleteFieldIndex(t *txn, id int) error {
	if err := t.del(tableIndexConfigs, padInt(id)); err != nil {
		return err
	}

	t.afterCommit(func() {
		m.mu.Lock()
		delete(m.indexes, id)
		m.mu.Unlock()
	})

	return nil
}

func sameIndex(a, b FieldIndex) bool {
	if a.CollectionGroup != b.CollectionGroup || len(a.Segments) != len(b.Segments) {
		return false
	}

	for i := range a.Segments {
		if !a.Segments[i].Field.Equal(b.Segments[i].Field) || a.Segments[i].Direction != b.Segments[i].Direction {
			return false
		}
	}

	return true
}

// bestIndex returns the index with the most segments whose fields are all
// used by target, and how well it covers the target.
func (m *IndexManager) bestIndex(target *query.Target) (*indexState, IndexType) {
	if target.IsDocumentTarget() || !target.IsConjunctionOnly() {
		return nil, IndexTypeNone
	}

	fields := target.Fields()
	if len(fields) == 0 {
		return nil, IndexTypeNone
	}

	used := make(map[string]bool, len(fields))
	for _, f := range fields {
		used[f.CanonicalString()] = true
	}

	group := target.IndexCollectionGroup()

	var best *indexState

	for _, s := range m.indexes {
		if s.config.CollectionGroup != group || len(s.config.Segments) == 0 {
			continue
		}

		covered := true

		for name := range s.config.fieldSet() {
			if !used[name] {
				covered = false

				break
			}
		}

		if covered && (best == nil || len(s.config.Segments) > len(best.config.Segments) ||
			(len(s.config.Segments) == len(best.config.Segments) && s.config.ID < best.config.ID)) {
			best = s
		}
	}

	if best == nil {
		return nil, IndexTypeNone
	}

	if len(best.config.fieldSet()) == len(used) {
		return best, IndexTypeFull
	}

	return best, IndexTypePartial
}

// IndexType reports how well the configured indexes serve target.
func (m *IndexManager) IndexType(target *query.Target) IndexType {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, typ := m.bestIndex(target)

	return typ
}

// documentsMatchingTarget returns the keys of indexed documents whose
// indexed fields satisfy target's filters. ok is false when no index
// applies.
func (m *IndexManager) documentsMatchingTarget(target *query.Target) (model.DocumentKeySet, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	index, typ := m.bestIndex(target)
	if typ == IndexTypeNone {
		return nil, false
	}

	indexed := index.config.fieldSet()

	var filters []query.Filter

	for _, f := range target.FieldFilters() {
		if indexed[f.Field().CanonicalString()] {
			filters = append(filters, f)
		}
	}

	keys := model.NewDocumentKeySet()

	for key, values := range index.entries {
		doc := model.NewFoundDocument(key, model.MinVersion, values)

		matches := true

		for _, f := range filters {
			if !f.Matches(doc) {
				matches = false

				break
			}
		}

		if matches {
			keys.Add(key)
		}
	}

	return keys, true
}

// createTargetIndexes adds an ascending index over every field target uses,
// unless one already serves it in full.
func (m *IndexManager) createTargetIndexes(t *txn, target *query.Target) error {
	if m.IndexType(target) == IndexTypeFull || target.IsDocumentTarget() || !target.IsConjunctionOnly() {
		return nil
	}

	fields := target.Fields()
	if len(fields) == 0 {
		return nil
	}

	index := FieldIndex{CollectionGroup: target.IndexCollectionGroup()}
	for _, f := range fields {
		index.Segments = append(index.Segments, IndexSegment{Field: f, Direction: query.Ascending})
	}

	_, err := m.addFieldIndex(t, index)

	return err
}
