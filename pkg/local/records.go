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
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/united-manufacturing-hub/docsync/pkg/model"
	"github.com/united-manufacturing-hub/docsync/pkg/persistence"
)

// txn is one local store transaction together with the sequence number
// references made in it are stamped with.
type txn struct {
	ctx context.Context
	tx  persistence.Tx
	seq int64
	// onCommit runs in order once the transaction committed.
	onCommit []func()
	// docsRead counts documents read by query scans.
	docsRead int
}

func (t *txn) afterCommit(fn func()) { t.onCommit = append(t.onCommit, fn) }

func (t *txn) getJSON(table, key string, out any) (bool, error) {
	raw, err := t.tx.Get(t.ctx, table, key)
	if errors.Is(err, persistence.ErrNotFound) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("failed to decode %s/%q: %w", table, key, err)
	}

	return true, nil
}

func (t *txn) putJSON(table, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%q: %w", table, key, err)
	}

	return t.tx.Put(t.ctx, table, key, raw)
}

func (t *txn) putRaw(table, key string, v []byte) error { return t.tx.Put(t.ctx, table, key, v) }

func (t *txn) del(table, key string) error { return t.tx.Delete(t.ctx, table, key) }

func (t *txn) has(table, key string) (bool, error) {
	_, err := t.tx.Get(t.ctx, table, key)
	if errors.Is(err, persistence.ErrNotFound) {
		return false, nil
	}

	return err == nil, err
}

func (t *txn) scan(table string, r persistence.KeyRange, fn persistence.ScanFunc) error {
	return t.tx.Scan(t.ctx, table, r, fn)
}

// scanKeys collects the keys of a range.
func (t *txn) scanKeys(table string, r persistence.KeyRange) ([]string, error) {
	var keys []string

	err := t.scan(table, r, func(k string, _ []byte) (bool, error) {
		keys = append(keys, k)

		return true, nil
	})

	return keys, err
}

// documentRecord is the persisted form of a remote document.
type documentRecord struct {
	Key                   string                `json:"key"`
	Type                  model.DocumentType    `json:"type"`
	Version               model.SnapshotVersion `json:"version"`
	ReadTime              model.SnapshotVersion `json:"readTime"`
	CreateTime            model.SnapshotVersion `json:"createTime"`
	Data                  *model.Value          `json:"data,omitempty"`
	HasCommittedMutations bool                  `json:"hasCommittedMutations,omitempty"`
}

func encodeDocument(doc *model.Document) ([]byte, error) {
	rec := documentRecord{
		Key:                   doc.Key().String(),
		Type:                  doc.Type(),
		Version:               doc.Version(),
		ReadTime:              doc.ReadTime(),
		CreateTime:            doc.CreateTime(),
		HasCommittedMutations: doc.HasCommittedMutations(),
	}

	if doc.IsFoundDocument() {
		v := doc.Data().Value()
		rec.Data = &v
	}

	return json.Marshal(rec)
}

func decodeDocument(raw []byte) (*model.Document, error) {
	var rec documentRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}

	key, err := model.ParseDocumentKey(rec.Key)
	if err != nil {
		return nil, err
	}

	data := model.EmptyObject()
	if rec.Data != nil {
		data = model.NewObjectValue(rec.Data.MapFields())
	}

	state := model.StateSynced
	if rec.HasCommittedMutations {
		state = model.StateHasCommittedMutations
	}

	return model.RestoreDocument(key, rec.Type, rec.Version, rec.ReadTime, rec.CreateTime, data, state), nil
}

// targetGlobals is the singleton row of target cache metadata.
type targetGlobals struct {
	HighestTargetID             int                   `json:"highestTargetId"`
	HighestListenSequenceNumber int64                 `json:"highestListenSequenceNumber"`
	LastRemoteSnapshotVersion   model.SnapshotVersion `json:"lastRemoteSnapshotVersion"`
	TargetCount                 int                   `json:"targetCount"`
}

// mutationMeta is the per-user row of mutation queue metadata.
type mutationMeta struct {
	LastAcknowledgedBatchID int    `json:"lastAcknowledgedBatchId"`
	LastStreamToken         []byte `json:"lastStreamToken,omitempty"`
}

type sequenceRecord struct {
	SequenceNumber int64 `json:"sequenceNumber"`
}

func isNotFound(err error) bool { return errors.Is(err, persistence.ErrNotFound) }
