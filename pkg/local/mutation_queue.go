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

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/docsync/pkg/logger"
	"github.com/united-manufacturing-hub/docsync/pkg/model"
	"github.com/united-manufacturing-hub/docsync/pkg/mutation"
	"github.com/united-manufacturing-hub/docsync/pkg/persistence"
	"github.com/united-manufacturing-hub/docsync/pkg/query"
	"github.com/united-manufacturing-hub/docsync/pkg/sentry"
)

// MutationQueue is the per-user FIFO of local write batches that the server
// has not acknowledged yet. Batch ids are unique across users and never
// reused; only the oldest batch can be removed.
type MutationQueue struct {
	uid         string
	nextBatchID int
	log         *zap.SugaredLogger
}

func newMutationQueue(uid string, log *zap.SugaredLogger) *MutationQueue {
	return &MutationQueue{uid: uid, nextBatchID: 1, log: log}
}

// start loads the next batch id. It scans every user's batches so ids stay
// unique after a user switch.
func (q *MutationQueue) start(t *txn) error {
	highest := 0

	err := t.scan(tableMutations, persistence.All, func(k string, _ []byte) (bool, error) {
		id, err := parseLastInt(k)
		if err != nil {
			return false, err
		}

		if id > highest {
			highest = id
		}

		return true, nil
	})
	if err != nil {
		return fmt.Errorf("failed to load mutation queue: %w", err)
	}

	var meta mutationMeta
	if _, err := t.getJSON(tableMutationMeta, q.uid, &meta); err != nil {
		return err
	}

	if meta.LastAcknowledgedBatchID > highest {
		highest = meta.LastAcknowledgedBatchID
	}

	q.nextBatchID = highest + 1

	return nil
}

func (q *MutationQueue) meta(t *txn) (mutationMeta, error) {
	var meta mutationMeta
	_, err := t.getJSON(tableMutationMeta, q.uid, &meta)

	return meta, err
}

// AddBatch appends a batch and indexes it by document.
func (q *MutationQueue) AddBatch(t *txn, localWriteTime model.Timestamp, mutations []*mutation.Mutation) (*mutation.Batch, error) {
	batch := mutation.NewBatch(q.nextBatchID, localWriteTime, mutations)
	q.nextBatchID++

	if err := t.putJSON(tableMutations, mutationKey(q.uid, batch.BatchID), batch); err != nil {
		return nil, err
	}

	for _, key := range batch.Keys().Sorted() {
		if err := t.putRaw(tableDocumentMutations, documentMutationKey(q.uid, key, batch.BatchID), presence); err != nil {
			return nil, err
		}
	}

	return batch, nil
}

// LookupBatch returns nil when the batch does not exist.
func (q *MutationQueue) LookupBatch(t *txn, batchID int) (*mutation.Batch, error) {
	var batch mutation.Batch

	ok, err := t.getJSON(tableMutations, mutationKey(q.uid, batchID), &batch)
	if err != nil || !ok {
		return nil, err
	}

	return &batch, nil
}

func (q *MutationQueue) scanBatches(t *txn, r persistence.KeyRange, limit int) ([]*mutation.Batch, error) {
	var out []*mutation.Batch

	err := t.scan(tableMutations, r, func(_ string, raw []byte) (bool, error) {
		var batch mutation.Batch
		if err := batch.UnmarshalJSON(raw); err != nil {
			return false, err
		}

		out = append(out, &batch)

		return limit <= 0 || len(out) < limit, nil
	})

	return out, err
}

// NextBatchAfter returns the first batch with an id greater than batchID,
// or nil.
func (q *MutationQueue) NextBatchAfter(t *txn, batchID int) (*mutation.Batch, error) {
	r := persistence.PrefixRange(userPrefix(q.uid))
	r.Start = mutationKey(q.uid, batchID+1)

	batches, err := q.scanBatches(t, r, 1)
	if err != nil || len(batches) == 0 {
		return nil, err
	}

	return batches[0], nil
}

// AllBatches returns the queue in batch id order.
func (q *MutationQueue) AllBatches(t *txn) ([]*mutation.Batch, error) {
	return q.scanBatches(t, persistence.PrefixRange(userPrefix(q.uid)), 0)
}

func (q *MutationQueue) IsEmpty(t *txn) (bool, error) {
	batches, err := q.scanBatches(t, persistence.PrefixRange(userPrefix(q.uid)), 1)

	return len(batches) == 0, err
}

// HighestUnacknowledgedBatchID returns mutation.BatchIDUnknown for an empty
// queue.
func (q *MutationQueue) HighestUnacknowledgedBatchID(t *txn) (int, error) {
	keys, err := t.scanKeys(tableMutations, persistence.PrefixRange(userPrefix(q.uid)))
	if err != nil {
		return 0, err
	}

	if len(keys) == 0 {
		return mutation.BatchIDUnknown, nil
	}

	return parseLastInt(keys[len(keys)-1])
}

func (q *MutationQueue) lookupAll(t *txn, ids map[int]struct{}) ([]*mutation.Batch, error) {
	sorted := make([]int, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}

	sort.Ints(sorted)

	out := make([]*mutation.Batch, 0, len(sorted))

	for _, id := range sorted {
		batch, err := q.LookupBatch(t, id)
		if err != nil {
			return nil, err
		}

		if batch == nil {
			sentry.ReportInvariantViolation(q.log, logger.ComponentLocalStore, "lookup-batch",
				"document index references missing batch %d", id)

			return nil, fmt.Errorf("document index references missing batch %d", id)
		}

		out = append(out, batch)
	}

	return out, nil
}

// BatchesAffectingKeys returns, in batch id order, every batch that writes
// one of keys.
func (q *MutationQueue) BatchesAffectingKeys(t *txn, keys model.DocumentKeySet) ([]*mutation.Batch, error) {
	ids := map[int]struct{}{}

	for key := range keys {
		err := t.scan(tableDocumentMutations, persistence.PrefixRange(documentMutationPrefix(q.uid, key)),
			func(k string, _ []byte) (bool, error) {
				id, err := parseLastInt(k)
				if err != nil {
					return false, err
				}

				ids[id] = struct{}{}

				return true, nil
			})
		if err != nil {
			return nil, err
		}
	}

	return q.lookupAll(t, ids)
}

// BatchesAffectingQuery returns the batches that write a document the query
// could match by path. Filters are not evaluated.
func (q *MutationQueue) BatchesAffectingQuery(t *txn, qu *query.Query) ([]*mutation.Batch, error) {
	if qu.IsDocumentQuery() {
		key, err := model.NewDocumentKey(qu.Path())
		if err != nil {
			return nil, err
		}

		return q.BatchesAffectingKeys(t, model.NewDocumentKeySet(key))
	}

	r := persistence.All
	if !qu.Path().IsEmpty() {
		r = persistence.PrefixRange(qu.Path().CanonicalString() + "/")
	}

	ids := map[int]struct{}{}

	err := t.scan(tableDocumentMutations, r, func(k string, _ []byte) (bool, error) {
		path, uid, id, err := splitDocumentMutationKey(k)
		if err != nil {
			return false, err
		}

		if uid != q.uid {
			return true, nil
		}

		key, err := model.ParseDocumentKey(path)
		if err != nil {
			return false, err
		}

		matches := qu.Path().IsImmediateParentOf(key.Path())
		if qu.IsCollectionGroupQuery() {
			matches = key.HasCollectionID(qu.CollectionGroup()) && qu.Path().IsPrefixOf(key.Path())
		}

		if matches {
			ids[id] = struct{}{}
		}

		return true, nil
	})
	if err != nil {
		return nil, err
	}

	return q.lookupAll(t, ids)
}

// RemoveBatch drops the oldest batch. Removing any other batch breaks the
// queue order and is fatal.
func (q *MutationQueue) RemoveBatch(t *txn, batch *mutation.Batch) error {
	first, err := q.scanBatches(t, persistence.PrefixRange(userPrefix(q.uid)), 1)
	if err != nil {
		return err
	}

	if len(first) == 0 || first[0].BatchID != batch.BatchID {
		sentry.ReportInvariantViolation(q.log, logger.ComponentLocalStore, "remove-batch",
			"can only remove the first batch of the mutation queue, tried to remove %d", batch.BatchID)
	}

	if err := t.del(tableMutations, mutationKey(q.uid, batch.BatchID)); err != nil {
		return err
	}

	for key := range batch.Keys() {
		if err := t.del(tableDocumentMutations, documentMutationKey(q.uid, key, batch.BatchID)); err != nil {
			return err
		}
	}

	return nil
}

// ContainsKey reports whether any user has a pending write for key.
func (q *MutationQueue) ContainsKey(t *txn, key model.DocumentKey) (bool, error) {
	found := false

	err := t.scan(tableDocumentMutations, persistence.PrefixRange(key.String()+sep), func(string, []byte) (bool, error) {
		found = true

		return false, nil
	})

	return found, err
}

// AcknowledgeBatch records the stream token that came with an
// acknowledgement.
func (q *MutationQueue) AcknowledgeBatch(t *txn, batch *mutation.Batch, streamToken []byte) error {
	meta, err := q.meta(t)
	if err != nil {
		return err
	}

	if batch.BatchID > meta.LastAcknowledgedBatchID {
		meta.LastAcknowledgedBatchID = batch.BatchID
	}

	meta.LastStreamToken = streamToken

	return t.putJSON(tableMutationMeta, q.uid, meta)
}

func (q *MutationQueue) LastStreamToken(t *txn) ([]byte, error) {
	meta, err := q.meta(t)

	return meta.LastStreamToken, err
}

func (q *MutationQueue) SetLastStreamToken(t *txn, token []byte) error {
	meta, err := q.meta(t)
	if err != nil {
		return err
	}

	meta.LastStreamToken = token

	return t.putJSON(tableMutationMeta, q.uid, meta)
}

// performConsistencyCheck verifies that an empty queue left no document
// index rows behind.
func (q *MutationQueue) performConsistencyCheck(t *txn) error {
	empty, err := q.IsEmpty(t)
	if err != nil || !empty {
		return err
	}

	var dangling []string

	err = t.scan(tableDocumentMutations, persistence.All, func(k string, _ []byte) (bool, error) {
		path, uid, _, err := splitDocumentMutationKey(k)
		if err != nil {
			return false, err
		}

		if uid == q.uid {
			dangling = append(dangling, path)
		}

		return true, nil
	})
	if err != nil {
		return err
	}

	if len(dangling) > 0 {
		sentry.ReportInvariantViolation(q.log, logger.ComponentLocalStore, "consistency-check",
			"document leak: empty mutation queue still indexes %v", dangling)
	}

	return nil
}
