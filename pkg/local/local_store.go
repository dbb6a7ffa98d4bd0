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

// Package local is the client side cache: a transactional store of remote
// documents, pending write batches with their overlays, targets and the
// bookkeeping that query execution and garbage collection rely on.
//
// Every public LocalStore operation runs as one transaction against a
// persistence.Store. Operations are serialized; callers normally run them
// from the async queue.
package local

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/docsync/pkg/constants"
	"github.com/united-manufacturing-hub/docsync/pkg/ctxutil"
	"github.com/united-manufacturing-hub/docsync/pkg/logger"
	"github.com/united-manufacturing-hub/docsync/pkg/model"
	"github.com/united-manufacturing-hub/docsync/pkg/mutation"
	"github.com/united-manufacturing-hub/docsync/pkg/persistence"
	"github.com/united-manufacturing-hub/docsync/pkg/query"
	"github.com/united-manufacturing-hub/docsync/pkg/sentry"
)

// ErrNotStarted is returned by operations on a store before Start.
var ErrNotStarted = errors.New("local store not started")

// conflictRetries is how often a transaction is re-run after a write
// conflict in the backend.
const conflictRetries = 3

// Options configures a LocalStore.
type Options struct {
	Store             persistence.Store
	Lru               LruParams
	IndexAutoCreation bool
	Logger            *zap.SugaredLogger
}

// LocalWriteResult is the outcome of LocalWrite.
type LocalWriteResult struct {
	BatchID int
	// Changes holds the new local view of every written document.
	Changes map[model.DocumentKey]*model.Document
}

// QueryResult is the outcome of ExecuteQuery.
type QueryResult struct {
	Documents map[model.DocumentKey]*model.Document
	// RemoteKeys are the documents the server last reported for the
	// query's target.
	RemoteKeys model.DocumentKeySet
	Path       QueryPath
}

// UserChangeResult is the outcome of HandleUserChange.
type UserChangeResult struct {
	RemovedBatchIDs []int
	AddedBatchIDs   []int
	Changes         map[model.DocumentKey]*model.Document
}

// LocalViewChanges is what a view started or stopped showing for a target.
type LocalViewChanges struct {
	TargetID    int
	FromCache   bool
	AddedKeys   model.DocumentKeySet
	RemovedKeys model.DocumentKeySet
}

// LocalStore is the single entry point to the local cache.
type LocalStore struct {
	mu    *ctxutil.Mutex
	store persistence.Store
	log   *zap.SugaredLogger

	uid      string
	queue    *MutationQueue
	overlays *overlayCache
	targets  *targetCache
	remote   *remoteDocumentCache
	view     *localDocumentsView
	indexes  *IndexManager
	engine   *QueryEngine
	lru      *lruDelegate

	// localViewRefs holds documents shown by active views.
	localViewRefs *referenceSet
	// targetDataByID holds the active targets.
	targetDataByID map[int]*query.TargetData
	listenSeq      int64
	started        bool
}

// NewLocalStore creates a store for user uid. Start must be called before
// any other method.
func NewLocalStore(opts Options, uid string) *LocalStore {
	log := logger.Or(opts.Logger, logger.ComponentLocalStore)

	if opts.Lru.Percentile == 0 && opts.Lru.MaxSequenceNumbersToCollect == 0 && opts.Lru.CacheSizeBytes == 0 {
		opts.Lru = DefaultLruParams()
	}

	l := &LocalStore{
		mu:             ctxutil.NewMutex(),
		store:          opts.Store,
		log:            log,
		targets:        &targetCache{},
		remote:         &remoteDocumentCache{},
		localViewRefs:  newReferenceSet(),
		targetDataByID: map[int]*query.TargetData{},
	}

	l.indexes = newIndexManager(l.remote, log.Named(logger.ComponentIndexManager))
	l.remote.indexer = l.indexes
	l.setUser(uid, newMutationQueue(uid, log))
	l.engine = &QueryEngine{
		view:      l.view,
		indexes:   l.indexes,
		autoIndex: opts.IndexAutoCreation,
		log:       log.Named(logger.ComponentQueryEngine),
	}
	l.lru = &lruDelegate{
		params:  opts.Lru,
		targets: l.targets,
		remote:  l.remote,
		queue:   l.queue,
		pinned:  l.localViewRefs.containsKey,
		log:     log.Named(logger.ComponentGarbageCollector),
	}

	return l
}

func (l *LocalStore) setUser(uid string, queue *MutationQueue) {
	l.uid = uid
	l.queue = queue
	l.overlays = &overlayCache{uid: uid}
	l.view = &localDocumentsView{remote: l.remote, queue: queue, overlays: l.overlays}

	if l.engine != nil {
		l.engine.view = l.view
	}

	if l.lru != nil {
		l.lru.queue = queue
	}
}

// run executes fn in a transaction with a fresh sequence number. Hooks
// registered with afterCommit run once the commit succeeded.
func (l *LocalStore) run(ctx context.Context, name string, fn func(t *txn) error) error {
	if err := l.mu.Lock(ctx); err != nil {
		return fmt.Errorf("failed to start %s: %w", name, err)
	}
	defer l.mu.Unlock()

	if !l.started {
		return fmt.Errorf("%s: %w", name, ErrNotStarted)
	}

	return l.runLocked(ctx, name, fn)
}

func (l *LocalStore) runLocked(ctx context.Context, name string, fn func(t *txn) error) error {

	seq := l.listenSeq + 1

	var last *txn

	err := persistence.WithRetry(ctx, l.store, name, conflictRetries, func(tx persistence.Tx) error {
		last = &txn{ctx: ctx, tx: tx, seq: seq}

		return fn(last)
	})
	if err != nil {
		return err
	}

	l.listenSeq = seq

	for _, hook := range last.onCommit {
		hook()
	}

	return nil
}

// Start creates the tables and loads persisted state.
func (l *LocalStore) Start(ctx context.Context) error {
	if err := l.mu.Lock(ctx); err != nil {
		return err
	}
	defer l.mu.Unlock()

	for _, table := range allTables {
		if err := l.store.EnsureTable(ctx, table); err != nil {
			return fmt.Errorf("failed to create table %s: %w", table, err)
		}
	}

	err := l.runLocked(ctx, "start", func(t *txn) error {
		if err := l.queue.start(t); err != nil {
			return err
		}

		if err := l.queue.performConsistencyCheck(t); err != nil {
			return err
		}

		if err := l.indexes.start(t); err != nil {
			return err
		}

		highest, err := l.targets.highestSequenceNumber(t)
		if err != nil {
			return err
		}

		err = t.scan(tableDocumentSequence, persistence.All, func(_ string, raw []byte) (bool, error) {
			var rec sequenceRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return false, err
			}

			if rec.SequenceNumber > highest {
				highest = rec.SequenceNumber
			}

			return true, nil
		})
		if err != nil {
			return err
		}

		t.afterCommit(func() { l.listenSeq = highest })

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to start local store: %w", err)
	}

	l.started = true
	l.log.Infof("Local store started for user %q at sequence number %d", l.uid, l.listenSeq)

	return nil
}

// HandleUserChange switches to uid's mutation queue and overlays and
// returns the documents whose local view may have changed.
func (l *LocalStore) HandleUserChange(ctx context.Context, uid string) (*UserChangeResult, error) {
	res := &UserChangeResult{}

	err := l.run(ctx, "handle-user-change", func(t *txn) error {
		oldBatches, err := l.queue.AllBatches(t)
		if err != nil {
			return err
		}

		queue := newMutationQueue(uid, l.log)
		if err := queue.start(t); err != nil {
			return err
		}

		newBatches, err := queue.AllBatches(t)
		if err != nil {
			return err
		}

		keys := model.NewDocumentKeySet()

		for _, b := range oldBatches {
			res.RemovedBatchIDs = append(res.RemovedBatchIDs, b.BatchID)
			keys.AddAll(b.Keys())
		}

		for _, b := range newBatches {
			res.AddedBatchIDs = append(res.AddedBatchIDs, b.BatchID)
			keys.AddAll(b.Keys())
		}

		view := &localDocumentsView{remote: l.remote, queue: queue, overlays: &overlayCache{uid: uid}}

		if res.Changes, err = view.getDocuments(t, keys); err != nil {
			return err
		}

		t.afterCommit(func() { l.setUser(uid, queue) })

		return nil
	})
	if err != nil {
		return nil, err
	}

	l.log.Infof("Switched to user %q: %d batches removed, %d added", uid, len(res.RemovedBatchIDs), len(res.AddedBatchIDs))

	return res, nil
}

// LocalWrite enqueues mutations as one batch and returns the resulting
// local views. Transforms are evaluated against the current local view.
func (l *LocalStore) LocalWrite(ctx context.Context, mutations []*mutation.Mutation) (*LocalWriteResult, error) {
	if len(mutations) == 0 {
		return nil, fmt.Errorf("local write without mutations")
	}

	localWriteTime := model.Now()
	keys := model.NewDocumentKeySet()

	for _, m := range mutations {
		keys.Add(m.Key)
	}

	var res *LocalWriteResult

	err := l.run(ctx, "local-write", func(t *txn) error {
		remoteDocs, err := l.remote.getAll(t, keys)
		if err != nil {
			return err
		}

		withoutRemoteVersion := model.NewDocumentKeySet()

		for key, doc := range remoteDocs {
			if !doc.IsValidDocument() {
				withoutRemoteVersion.Add(key)
			}
		}

		overlayed, err := l.view.getOverlayedDocuments(t, remoteDocs)
		if err != nil {
			return err
		}

		batch, err := l.queue.AddBatch(t, localWriteTime, mutations)
		if err != nil {
			return err
		}

		overlays := batch.ApplyToLocalDocumentSet(overlayed, withoutRemoteVersion)
		if err := l.overlays.save(t, batch.BatchID, overlays); err != nil {
			return err
		}

		res = &LocalWriteResult{BatchID: batch.BatchID, Changes: make(map[model.DocumentKey]*model.Document, len(overlayed))}
		for key, o := range overlayed {
			res.Changes[key] = o.Document
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

// AcknowledgeBatch applies a server acknowledged batch to the remote
// documents and drops it from the queue.
func (l *LocalStore) AcknowledgeBatch(ctx context.Context, result *mutation.BatchResult) (map[model.DocumentKey]*model.Document, error) {
	var changes map[model.DocumentKey]*model.Document

	err := l.run(ctx, "acknowledge-batch", func(t *txn) error {
		batch := result.Batch
		keys := batch.Keys()

		for _, key := range keys.Sorted() {
			doc, err := l.remote.get(t, key)
			if err != nil {
				return err
			}

			ackVersion, ok := result.DocVersions[key]
			if !ok {
				sentry.ReportInvariantViolation(l.log, logger.ComponentLocalStore, "acknowledge-batch",
					"batch %d acknowledged without a version for %s", batch.BatchID, key)

				return fmt.Errorf("batch %d acknowledged without a version for %s", batch.BatchID, key)
			}

			if doc.Version().Compare(ackVersion) < 0 {
				batch.ApplyToRemoteDocument(doc, result)

				if doc.IsValidDocument() {
					if err := l.remote.add(t, doc, result.CommitVersion); err != nil {
						return err
					}
				}
			}
		}

		if err := l.queue.RemoveBatch(t, batch); err != nil {
			return err
		}

		if err := l.queue.AcknowledgeBatch(t, batch, result.StreamToken); err != nil {
			return err
		}

		for key := range keys {
			if err := l.lru.recordReference(t, key); err != nil {
				return err
			}
		}

		if err := l.overlays.removeOverlaysForBatchID(t, keys, batch.BatchID); err != nil {
			return err
		}

		transformed := model.NewDocumentKeySet()

		for i, r := range result.MutationResults {
			if len(r.TransformResults) > 0 {
				transformed.Add(batch.Mutations[i].Key)
			}
		}

		if err := l.view.recalculateAndSaveOverlaysForDocumentKeys(t, transformed); err != nil {
			return err
		}

		var err error
		changes, err = l.view.getDocuments(t, keys)

		return err
	})

	return changes, err
}

// RejectBatch drops a batch the server refused and returns the local views
// without it.
func (l *LocalStore) RejectBatch(ctx context.Context, batchID int) (map[model.DocumentKey]*model.Document, error) {
	var changes map[model.DocumentKey]*model.Document

	err := l.run(ctx, "reject-batch", func(t *txn) error {
		batch, err := l.queue.LookupBatch(t, batchID)
		if err != nil {
			return err
		}

		if batch == nil {
			return fmt.Errorf("cannot reject unknown batch %d", batchID)
		}

		if err := l.queue.RemoveBatch(t, batch); err != nil {
			return err
		}

		keys := batch.Keys()

		for key := range keys {
			if err := l.lru.recordReference(t, key); err != nil {
				return err
			}
		}

		if err := l.overlays.removeOverlaysForBatchID(t, keys, batchID); err != nil {
			return err
		}

		if err := l.view.recalculateAndSaveOverlaysForDocumentKeys(t, keys); err != nil {
			return err
		}

		changes, err = l.view.getDocuments(t, keys)

		return err
	})

	return changes, err
}

// ApplyRemoteEvent writes a consistent server snapshot and returns the new
// local views of the changed documents.
func (l *LocalStore) ApplyRemoteEvent(ctx context.Context, ev *RemoteEvent) (map[model.DocumentKey]*model.Document, error) {
	var changes map[model.DocumentKey]*model.Document

	err := l.run(ctx, "apply-remote-event", func(t *txn) error {
		updatedTargets := make(map[int]*query.TargetData, len(ev.TargetChanges))

		for targetID, change := range ev.TargetChanges {
			old, ok := l.targetDataByID[targetID]
			if !ok {
				// Released while the event was in flight.
				continue
			}

			if err := l.targets.removeMatchingKeys(t, change.RemovedDocuments, targetID); err != nil {
				return err
			}

			if err := l.targets.addMatchingKeys(t, change.AddedDocuments, targetID); err != nil {
				return err
			}

			for key := range change.RemovedDocuments {
				if err := l.lru.recordReference(t, key); err != nil {
					return err
				}
			}

			for key := range change.AddedDocuments {
				if err := l.lru.recordReference(t, key); err != nil {
					return err
				}
			}

			updated := old.WithSequenceNumber(t.seq)

			_, mismatch := ev.TargetMismatches[targetID]
			if mismatch {
				updated = updated.WithResumeToken(nil, model.MinVersion).WithLastLimboFreeSnapshotVersion(model.MinVersion)
			} else if len(change.ResumeToken) > 0 {
				updated = updated.WithResumeToken(change.ResumeToken, ev.SnapshotVersion)
			}

			updatedTargets[targetID] = updated

			if mismatch || shouldPersistTargetData(old, updated, change) {
				if err := l.targets.updateTargetData(t, updated); err != nil {
					return err
				}
			}
		}

		docs, existenceChanged, err := l.populateDocumentChanges(t, ev)
		if err != nil {
			return err
		}

		for key := range ev.ResolvedLimboDocuments {
			if err := l.lru.recordReference(t, key); err != nil {
				return err
			}
		}

		if !ev.SnapshotVersion.IsMin() {
			last, err := l.targets.lastRemoteSnapshotVersion(t)
			if err != nil {
				return err
			}

			if ev.SnapshotVersion.Compare(last) < 0 {
				sentry.ReportInvariantViolation(l.log, logger.ComponentLocalStore, "apply-remote-event",
					"watch stream reverted to snapshot %s from %s", ev.SnapshotVersion, last)
			}

			version := ev.SnapshotVersion
			if err := l.targets.setTargetsMetadata(t, t.seq, &version); err != nil {
				return err
			}
		}

		if changes, err = l.view.getLocalViewOfRemoteChanges(t, docs, existenceChanged); err != nil {
			return err
		}

		t.afterCommit(func() {
			for id, td := range updatedTargets {
				if _, ok := l.targetDataByID[id]; ok {
					l.targetDataByID[id] = td
				}
			}
		})

		return nil
	})

	return changes, err
}

// populateDocumentChanges writes the accepted document updates of ev and
// returns them together with the keys whose existence changed.
func (l *LocalStore) populateDocumentChanges(t *txn, ev *RemoteEvent) (map[model.DocumentKey]*model.Document, model.DocumentKeySet, error) {
	changed := map[model.DocumentKey]*model.Document{}
	existenceChanged := model.NewDocumentKeySet()

	for key, update := range ev.DocumentUpdates {
		existing, err := l.remote.get(t, key)
		if err != nil {
			return nil, nil, err
		}

		doc := update.Clone()

		if doc.IsFoundDocument() != existing.IsFoundDocument() {
			existenceChanged.Add(key)
		}

		switch {
		case doc.IsNoDocument() && doc.Version().IsMin():
			// A synthesized delete for a document the server never had.
			if err := l.remote.remove(t, key); err != nil {
				return nil, nil, err
			}

			changed[key] = doc
		case !existing.IsValidDocument() || doc.Version().Compare(existing.Version()) > 0 ||
			(doc.Version().Compare(existing.Version()) == 0 && existing.HasPendingWrites()):
			readTime := ev.SnapshotVersion
			if readTime.IsMin() {
				readTime = doc.Version()
			}

			if err := l.remote.add(t, doc, readTime); err != nil {
				return nil, nil, err
			}

			if err := l.lru.recordReference(t, key); err != nil {
				return nil, nil, err
			}

			changed[key] = doc.SetReadTime(readTime)
		default:
			l.log.Debugf("Ignoring outdated watch update for %s: cached %s, update %s",
				key, existing.Version(), doc.Version())
		}
	}

	return changed, existenceChanged, nil
}

// shouldPersistTargetData reports whether an in-memory target update is
// worth writing out.
func shouldPersistTargetData(old, updated *query.TargetData, change *TargetChange) bool {
	if len(updated.ResumeToken) == 0 {
		return false
	}

	if len(old.ResumeToken) == 0 {
		return true
	}

	delta := updated.SnapshotVersion.Micros() - old.SnapshotVersion.Micros()
	if delta >= constants.ResumeTokenMaxAge.Microseconds() {
		return true
	}

	return change != nil && change.HasDocumentChanges()
}

// AllocateTarget returns the target data for target, creating it on first
// use.
func (l *LocalStore) AllocateTarget(ctx context.Context, target *query.Target) (*query.TargetData, error) {
	var data *query.TargetData

	err := l.run(ctx, "allocate-target", func(t *txn) error {
		cached, err := l.targets.getTargetData(t, target)
		if err != nil {
			return err
		}

		if cached != nil {
			data = cached
		} else {
			id, err := l.targets.allocateTargetID(t)
			if err != nil {
				return err
			}

			data = query.NewTargetData(target, id, query.PurposeListen, t.seq)
			if err := l.targets.addTargetData(t, data); err != nil {
				return err
			}
		}

		t.afterCommit(func() {
			if _, ok := l.targetDataByID[data.TargetID]; !ok {
				l.targetDataByID[data.TargetID] = data
			}
		})

		return nil
	})
	if err != nil {
		return nil, err
	}

	return data, nil
}

// ReleaseTarget deactivates a target. Its data stays cached until garbage
// collection removes it.
func (l *LocalStore) ReleaseTarget(ctx context.Context, targetID int) error {
	return l.run(ctx, "release-target", func(t *txn) error {
		data, ok := l.targetDataByID[targetID]
		if !ok {
			return fmt.Errorf("cannot release inactive target %d", targetID)
		}

		for key := range l.localViewRefs.referencesForID(targetID) {
			if err := l.lru.recordReference(t, key); err != nil {
				return err
			}
		}

		if _, err := l.lru.updateTargetSequenceNumber(t, data); err != nil {
			return err
		}

		t.afterCommit(func() {
			l.localViewRefs.removeReferencesForID(targetID)
			delete(l.targetDataByID, targetID)
		})

		return nil
	})
}

// TargetData returns the active or cached data for target, or nil.
func (l *LocalStore) TargetData(ctx context.Context, target *query.Target) (*query.TargetData, error) {
	var data *query.TargetData

	err := l.run(ctx, "get-target-data", func(t *txn) error {
		var err error
		data, err = l.targetData(t, target)

		return err
	})

	return data, err
}

func (l *LocalStore) targetData(t *txn, target *query.Target) (*query.TargetData, error) {
	canonical := target.CanonicalID()
	for _, td := range l.targetDataByID {
		if td.Target.CanonicalID() == canonical {
			return td, nil
		}
	}

	return l.targets.getTargetData(t, target)
}

// ExecuteQuery runs q against the cache. With usePreviousResults the
// target's last limbo free result is used to avoid a full scan.
func (l *LocalStore) ExecuteQuery(ctx context.Context, q *query.Query, usePreviousResults bool) (*QueryResult, error) {
	res := &QueryResult{RemoteKeys: model.NewDocumentKeySet()}

	err := l.run(ctx, "execute-query", func(t *txn) error {
		data, err := l.targetData(t, q.ToTarget())
		if err != nil {
			return err
		}

		lastLimboFree := model.MinVersion

		if data != nil {
			lastLimboFree = data.LastLimboFreeSnapshotVersion

			if res.RemoteKeys, err = l.targets.getMatchingKeysForTargetID(t, data.TargetID); err != nil {
				return err
			}
		}

		remoteKeys := res.RemoteKeys
		if !usePreviousResults {
			lastLimboFree = model.MinVersion
			remoteKeys = model.NewDocumentKeySet()
		}

		res.Documents, res.Path, err = l.engine.getDocumentsMatchingQuery(t, q, lastLimboFree, remoteKeys)

		return err
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

// NotifyLocalViewChanges records which documents active views show. Views
// that are no longer from cache advance their last limbo free snapshot.
func (l *LocalStore) NotifyLocalViewChanges(ctx context.Context, changes []LocalViewChanges) error {
	return l.run(ctx, "notify-local-view-changes", func(t *txn) error {
		updated := map[int]*query.TargetData{}

		for _, vc := range changes {
			for key := range vc.RemovedKeys {
				if err := l.lru.recordReference(t, key); err != nil {
					return err
				}
			}

			if vc.FromCache {
				continue
			}

			data, ok := l.targetDataByID[vc.TargetID]
			if !ok {
				sentry.ReportInvariantViolation(l.log, logger.ComponentLocalStore, "notify-local-view-changes",
					"local view changes for inactive target %d", vc.TargetID)

				return fmt.Errorf("local view changes for inactive target %d", vc.TargetID)
			}

			next := data.WithLastLimboFreeSnapshotVersion(data.SnapshotVersion)
			if !next.LastLimboFreeSnapshotVersion.Equal(data.LastLimboFreeSnapshotVersion) {
				if err := l.targets.updateTargetData(t, next); err != nil {
					return err
				}
			}

			updated[vc.TargetID] = next
		}

		t.afterCommit(func() {
			for _, vc := range changes {
				for key := range vc.AddedKeys {
					l.localViewRefs.addReference(key, vc.TargetID)
				}

				for key := range vc.RemovedKeys {
					l.localViewRefs.removeReference(key, vc.TargetID)
				}
			}

			for id, td := range updated {
				if _, ok := l.targetDataByID[id]; ok {
					l.targetDataByID[id] = td
				}
			}
		})

		return nil
	})
}

// NextMutationBatch returns the first batch after afterBatchID, or nil.
func (l *LocalStore) NextMutationBatch(ctx context.Context, afterBatchID int) (*mutation.Batch, error) {
	var batch *mutation.Batch

	err := l.run(ctx, "next-mutation-batch", func(t *txn) error {
		var err error
		batch, err = l.queue.NextBatchAfter(t, afterBatchID)

		return err
	})

	return batch, err
}

func (l *LocalStore) HighestUnacknowledgedBatchID(ctx context.Context) (int, error) {
	id := mutation.BatchIDUnknown

	err := l.run(ctx, "highest-unacknowledged-batch-id", func(t *txn) error {
		var err error
		id, err = l.queue.HighestUnacknowledgedBatchID(t)

		return err
	})

	return id, err
}

func (l *LocalStore) LastStreamToken(ctx context.Context) ([]byte, error) {
	var token []byte

	err := l.run(ctx, "last-stream-token", func(t *txn) error {
		var err error
		token, err = l.queue.LastStreamToken(t)

		return err
	})

	return token, err
}

func (l *LocalStore) SetLastStreamToken(ctx context.Context, token []byte) error {
	return l.run(ctx, "set-last-stream-token", func(t *txn) error {
		return l.queue.SetLastStreamToken(t, token)
	})
}

func (l *LocalStore) LastRemoteSnapshotVersion(ctx context.Context) (model.SnapshotVersion, error) {
	var version model.SnapshotVersion

	err := l.run(ctx, "last-remote-snapshot-version", func(t *txn) error {
		var err error
		version, err = l.targets.lastRemoteSnapshotVersion(t)

		return err
	})

	return version, err
}

// RemoteDocumentKeys returns the documents the server last reported for
// targetID.
func (l *LocalStore) RemoteDocumentKeys(ctx context.Context, targetID int) (model.DocumentKeySet, error) {
	var keys model.DocumentKeySet

	err := l.run(ctx, "remote-document-keys", func(t *txn) error {
		var err error
		keys, err = l.targets.getMatchingKeysForTargetID(t, targetID)

		return err
	})

	return keys, err
}

// ReadDocument returns the local view of key. Unknown keys yield an invalid
// document.
func (l *LocalStore) ReadDocument(ctx context.Context, key model.DocumentKey) (*model.Document, error) {
	var doc *model.Document

	err := l.run(ctx, "read-document", func(t *txn) error {
		var err error
		doc, err = l.view.getDocument(t, key)

		return err
	})

	return doc, err
}

// ConfigureFieldIndexes replaces the configured field indexes.
func (l *LocalStore) ConfigureFieldIndexes(ctx context.Context, indexes []FieldIndex) error {
	return l.run(ctx, "configure-field-indexes", func(t *txn) error {
		wanted := make([]FieldIndex, len(indexes))
		copy(wanted, indexes)

		for _, existing := range l.indexes.FieldIndexes() {
			keep := false

			for _, w := range wanted {
				if sameIndex(existing, w) {
					keep = true

					break
				}
			}

			if !keep {
				if err := l.indexes.deleteFieldIndex(t, existing.ID); err != nil {
					return err
				}
			}
		}

		for _, w := range wanted {
			if _, err := l.indexes.addFieldIndex(t, w); err != nil {
				return err
			}
		}

		return nil
	})
}

// FieldIndexes returns the configured field indexes.
func (l *LocalStore) FieldIndexes() []FieldIndex { return l.indexes.FieldIndexes() }

// SetIndexAutoCreationEnabled toggles automatic index creation.
func (l *LocalStore) SetIndexAutoCreationEnabled(ctx context.Context, enabled bool) error {
	if err := l.mu.Lock(ctx); err != nil {
		return err
	}
	defer l.mu.Unlock()

	l.engine.autoIndex = enabled

	return nil
}

// CollectGarbage removes unreferenced targets and documents once the cache
// outgrew its configured size.
func (l *LocalStore) CollectGarbage(ctx context.Context) (LruResults, error) {
	if l.lru.params.CacheSizeBytes == constants.GCDisabled {
		return LruResults{}, nil
	}

	if err := l.mu.Lock(ctx); err != nil {
		return LruResults{}, err
	}
	defer l.mu.Unlock()

	if !l.started {
		return LruResults{}, ErrNotStarted
	}

	start := time.Now()

	size, err := cacheSize(ctx, l.store)
	if err != nil {
		return LruResults{}, fmt.Errorf("failed to determine cache size: %w", err)
	}

	if size < l.lru.params.CacheSizeBytes {
		l.log.Debugf("Cache size %d is below the threshold of %d, skipping garbage collection", size, l.lru.params.CacheSizeBytes)

		return LruResults{}, nil
	}

	active := make(map[int]struct{}, len(l.targetDataByID))
	for id := range l.targetDataByID {
		active[id] = struct{}{}
	}

	var res LruResults

	err = l.runLocked(ctx, "collect-garbage", func(t *txn) error {
		var err error
		res, err = l.lru.collect(t, active)

		return err
	})
	if err != nil {
		return LruResults{}, err
	}

	l.log.Debugf("Garbage collection took %s", time.Since(start))

	return res, nil
}
