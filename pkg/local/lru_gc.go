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
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/docsync/pkg/asyncqueue"
	"github.com/united-manufacturing-hub/docsync/pkg/constants"
	"github.com/united-manufacturing-hub/docsync/pkg/metrics"
	"github.com/united-manufacturing-hub/docsync/pkg/model"
	"github.com/united-manufacturing-hub/docsync/pkg/persistence"
	"github.com/united-manufacturing-hub/docsync/pkg/query"
)

// LruParams configures garbage collection.
type LruParams struct {
	// CacheSizeBytes is the cache size below which nothing is collected.
	// constants.GCDisabled turns collection off.
	CacheSizeBytes int64
	// Percentile of sequence numbers collected per run.
	Percentile int
	// MaxSequenceNumbersToCollect caps a single run.
	MaxSequenceNumbersToCollect int
}

func DefaultLruParams() LruParams {
	return LruParams{
		CacheSizeBytes:              constants.DefaultCacheSizeBytes,
		Percentile:                  constants.GCPercentile,
		MaxSequenceNumbersToCollect: constants.GCMaxSequenceNumbers,
	}
}

// LruResults describes one collection run.
type LruResults struct {
	DidRun                   bool
	SequenceNumbersCollected int
	TargetsRemoved           int
	DocumentsRemoved         int
}

// lruDelegate implements sequence number based collection of targets and
// documents. A document's sequence number is the transaction that last
// touched its references; it is stored in document_sequence.
type lruDelegate struct {
	params  LruParams
	targets *targetCache
	remote  *remoteDocumentCache
	// queue answers pending write checks for every user.
	queue *MutationQueue
	// pinned reports documents held by active views.
	pinned func(model.DocumentKey) bool
	log    *zap.SugaredLogger
}

// recordReference stamps key with the transaction's sequence number.
func (d *lruDelegate) recordReference(t *txn, key model.DocumentKey) error {
	return d.recordReferenceAt(t, key, t.seq)
}

func (d *lruDelegate) recordReferenceAt(t *txn, key model.DocumentKey, seq int64) error {
	return t.putJSON(tableDocumentSequence, key.String(), sequenceRecord{SequenceNumber: seq})
}

// updateTargetSequenceNumber marks a target as used by this transaction.
func (d *lruDelegate) updateTargetSequenceNumber(t *txn, data *query.TargetData) (*query.TargetData, error) {
	updated := data.WithSequenceNumber(t.seq)

	return updated, d.targets.updateTargetData(t, updated)
}

// isPinned reports whether key is still referenced by a target, a pending
// write or an active view.
func (d *lruDelegate) isPinned(t *txn, key model.DocumentKey) (bool, error) {
	if d.pinned != nil && d.pinned(key) {
		return true, nil
	}

	if ok, err := d.targets.containsKey(t, key); err != nil || ok {
		return ok, err
	}

	return d.queue.ContainsKey(t, key)
}

// forEachOrphanedDocument visits the sequence rows of documents no target
// matches.
func (d *lruDelegate) forEachOrphanedDocument(t *txn, fn func(key model.DocumentKey, seq int64)) error {
	return t.scan(tableDocumentSequence, persistence.All, func(k string, raw []byte) (bool, error) {
		key, err := model.ParseDocumentKey(k)
		if err != nil {
			return false, err
		}

		inTarget, err := d.targets.containsKey(t, key)
		if err != nil {
			return false, err
		}

		if !inTarget {
			var rec sequenceRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return false, err
			}

			fn(key, rec.SequenceNumber)
		}

		return true, nil
	})
}

func (d *lruDelegate) sequenceNumbers(t *txn) ([]int64, error) {
	var out []int64

	err := d.targets.forEachTarget(t, func(data *query.TargetData) bool {
		out = append(out, data.SequenceNumber)

		return true
	})
	if err != nil {
		return nil, err
	}

	err = d.forEachOrphanedDocument(t, func(_ model.DocumentKey, seq int64) {
		out = append(out, seq)
	})

	return out, err
}

// removeTargets drops inactive targets at or below upperBound. Their
// documents are stamped with upperBound so the same run can collect them.
func (d *lruDelegate) removeTargets(t *txn, upperBound int64, active map[int]struct{}) (int, error) {
	var doomed []*query.TargetData

	err := d.targets.forEachTarget(t, func(data *query.TargetData) bool {
		if _, ok := active[data.TargetID]; !ok && data.SequenceNumber <= upperBound {
			doomed = append(doomed, data)
		}

		return true
	})
	if err != nil {
		return 0, err
	}

	for _, data := range doomed {
		keys, err := d.targets.getMatchingKeysForTargetID(t, data.TargetID)
		if err != nil {
			return 0, err
		}

		if err := d.targets.removeTargetData(t, data); err != nil {
			return 0, err
		}

		for key := range keys {
			if err := d.recordReferenceAt(t, key, upperBound); err != nil {
				return 0, err
			}
		}
	}

	return len(doomed), nil
}

// removeOrphanedDocuments drops unpinned documents at or below upperBound.
func (d *lruDelegate) removeOrphanedDocuments(t *txn, upperBound int64) (int, error) {
	var candidates []model.DocumentKey

	err := d.forEachOrphanedDocument(t, func(key model.DocumentKey, seq int64) {
		if seq <= upperBound {
			candidates = append(candidates, key)
		}
	})
	if err != nil {
		return 0, err
	}

	removed := 0

	for _, key := range candidates {
		pinned, err := d.isPinned(t, key)
		if err != nil {
			return 0, err
		}

		if pinned {
			continue
		}

		if err := d.remote.remove(t, key); err != nil {
			return 0, err
		}

		if err := t.del(tableDocumentSequence, key.String()); err != nil {
			return 0, err
		}

		removed++
	}

	return removed, nil
}

// collect runs one pass. The caller has already checked the cache size.
func (d *lruDelegate) collect(t *txn, active map[int]struct{}) (LruResults, error) {
	seqs, err := d.sequenceNumbers(t)
	if err != nil {
		return LruResults{}, err
	}

	n := len(seqs) * d.params.Percentile / 100
	if n > d.params.MaxSequenceNumbersToCollect {
		n = d.params.MaxSequenceNumbersToCollect
	}

	res := LruResults{DidRun: true, SequenceNumbersCollected: n}
	if n == 0 {
		return res, nil
	}

	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	upperBound := seqs[n-1]

	if res.TargetsRemoved, err = d.removeTargets(t, upperBound, active); err != nil {
		return LruResults{}, err
	}

	if res.DocumentsRemoved, err = d.removeOrphanedDocuments(t, upperBound); err != nil {
		return LruResults{}, err
	}

	metrics.RecordGarbageCollection(res.TargetsRemoved, res.DocumentsRemoved)
	d.log.Infof("Garbage collection removed %d targets and %d documents up to sequence number %d",
		res.TargetsRemoved, res.DocumentsRemoved, upperBound)

	return res, nil
}

// cacheSize returns the byte size of the remote document cache.
func cacheSize(ctx context.Context, store persistence.Store) (int64, error) {
	if sizer, ok := store.(persistence.Sizer); ok {
		return sizer.TableSize(ctx, tableRemoteDocuments)
	}

	var size int64

	err := persistence.WithTransaction(ctx, store, "cache-size", func(tx persistence.Tx) error {
		return tx.Scan(ctx, tableRemoteDocuments, persistence.All, func(k string, v []byte) (bool, error) {
			size += int64(len(k) + len(v))

			return true, nil
		})
	})

	return size, err
}

type garbageCollector interface {
	CollectGarbage(ctx context.Context) (LruResults, error)
}

// GCScheduler runs garbage collection on the async queue, first after
// constants.GCInitialDelay and then every constants.GCRegularDelay.
type GCScheduler struct {
	mu      sync.Mutex
	queue   *asyncqueue.Queue
	gc      garbageCollector
	op      *asyncqueue.DelayedOperation
	ctx     context.Context
	running bool
	log     *zap.SugaredLogger
}

func NewGCScheduler(queue *asyncqueue.Queue, gc garbageCollector, log *zap.SugaredLogger) *GCScheduler {
	return &GCScheduler{queue: queue, gc: gc, log: log}
}

func (s *GCScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	s.ctx = ctx
	s.running = true
	s.scheduleLocked(constants.GCInitialDelay)
}

func (s *GCScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.running = false

	if s.op != nil {
		s.op.Cancel()
		s.op = nil
	}
}

func (s *GCScheduler) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.running
}

func (s *GCScheduler) scheduleLocked(delay time.Duration) {
	s.op = s.queue.EnqueueAfterDelay(asyncqueue.TimerGarbageCollection, delay, func() error {
		res, err := s.gc.CollectGarbage(s.ctx)
		if err != nil {
			s.log.Warnf("Garbage collection failed: %v", err)
		} else if !res.DidRun {
			s.log.Debugf("Garbage collection skipped")
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		if s.running {
			s.scheduleLocked(constants.GCRegularDelay)
		}

		return nil
	})
}
