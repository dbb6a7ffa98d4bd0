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
package core

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/docsync/pkg/asyncqueue"
	"github.com/united-manufacturing-hub/docsync/pkg/constants"
	"github.com/united-manufacturing-hub/docsync/pkg/credentials"
	"github.com/united-manufacturing-hub/docsync/pkg/local"
	"github.com/united-manufacturing-hub/docsync/pkg/logger"
	"github.com/united-manufacturing-hub/docsync/pkg/metrics"
	"github.com/united-manufacturing-hub/docsync/pkg/model"
	"github.com/united-manufacturing-hub/docsync/pkg/mutation"
	"github.com/united-manufacturing-hub/docsync/pkg/query"
	"github.com/united-manufacturing-hub/docsync/pkg/remote"
	"github.com/united-manufacturing-hub/docsync/pkg/sentry"
	"github.com/united-manufacturing-hub/docsync/pkg/status"
)

// SyncEngineListener receives what the sync engine produced. EventManager
// implements it.
type SyncEngineListener interface {
	OnWatchChange(snaps []*ViewSnapshot)
	OnWatchError(q *query.Query, err error)
	OnOnlineStateChange(state remote.OnlineState)
}

// Options configures a SyncEngine.
type Options struct {
	LocalStore  *local.LocalStore
	RemoteStore *remote.RemoteStore
	User        credentials.User
	// MaxConcurrentLimboResolutions defaults to
	// constants.MaxConcurrentLimboResolutions.
	MaxConcurrentLimboResolutions int
	Logger                        *zap.SugaredLogger
}

// queryView binds a query to its view and target.
type queryView struct {
	query    *query.Query
	targetID int
	view     *View
}

// SyncEngine is the single owner of listener visible state. It implements
// remote.RemoteSyncer. All methods must run on the async queue.
type SyncEngine struct {
	localStore  *local.LocalStore
	remoteStore *remote.RemoteStore
	listener    SyncEngineListener
	log         *zap.SugaredLogger
	ctx         context.Context

	queryViews      map[string]*queryView
	queriesByTarget map[int][]*query.Query

	limbo *limboTracker

	currentUser credentials.User
	// mutationCallbacks resolve the futures of writes, per user and batch.
	mutationCallbacks      map[string]map[int]*asyncqueue.Future
	pendingWritesCallbacks map[int][]*asyncqueue.Future
	onlineState            remote.OnlineState
}

func NewSyncEngine(opts Options) *SyncEngine {
	log := logger.Or(opts.Logger, logger.ComponentSyncEngine)

	maxLimbo := opts.MaxConcurrentLimboResolutions
	if maxLimbo <= 0 {
		maxLimbo = constants.MaxConcurrentLimboResolutions
	}

	return &SyncEngine{
		localStore:             opts.LocalStore,
		remoteStore:            opts.RemoteStore,
		log:                    log,
		ctx:                    context.Background(),
		queryViews:             map[string]*queryView{},
		queriesByTarget:        map[int][]*query.Query{},
		limbo:                  newLimboTracker(maxLimbo),
		currentUser:            opts.User,
		mutationCallbacks:      map[string]map[int]*asyncqueue.Future{},
		pendingWritesCallbacks: map[int][]*asyncqueue.Future{},
		onlineState:            remote.OnlineStateUnknown,
	}
}

// SetListener wires the event manager after construction.
func (e *SyncEngine) SetListener(l SyncEngineListener) { e.listener = l }

// SetRemoteStore wires the remote store, which itself needs the engine as
// its syncer.
func (e *SyncEngine) SetRemoteStore(rs *remote.RemoteStore) { e.remoteStore = rs }

// Listen starts the view of q and returns its first snapshot. A query whose
// target already has a view shares that target.
func (e *SyncEngine) Listen(q *query.Query, shouldListenToRemote bool) (*ViewSnapshot, error) {
	if qv, ok := e.queryViews[q.CanonicalID()]; ok {
		return qv.view.ComputeInitialSnapshot(), nil
	}

	data, err := e.localStore.AllocateTarget(e.ctx, q.ToTarget())
	if err != nil {
		return nil, fmt.Errorf("failed to allocate target for %s: %w", q, err)
	}

	snap, err := e.initializeView(q, data.TargetID, data.ResumeToken)
	if err != nil {
		return nil, err
	}

	if shouldListenToRemote {
		e.remoteStore.Listen(data)
	}

	return snap, nil
}

func (e *SyncEngine) initializeView(q *query.Query, targetID int, resumeToken []byte) (*ViewSnapshot, error) {
	res, err := e.localStore.ExecuteQuery(e.ctx, q, true)
	if err != nil {
		return nil, fmt.Errorf("failed to execute %s: %w", q, err)
	}

	view := NewView(q, res.RemoteKeys, e.log)
	changes := view.ComputeDocChanges(res.Documents, nil)

	// A freshly started view is never current until the server says so.
	synthesized := local.NewTargetChange(resumeToken, false)
	viewChange := view.ApplyChanges(changes, true, synthesized, false)
	e.updateTrackedLimbos(targetID, viewChange.LimboChanges)

	e.queryViews[q.CanonicalID()] = &queryView{query: q, targetID: targetID, view: view}
	e.queriesByTarget[targetID] = append(e.queriesByTarget[targetID], q)

	return viewChange.Snapshot, nil
}

// Unlisten stops the view of q and releases its target once no other query
// uses it.
func (e *SyncEngine) Unlisten(q *query.Query, shouldUnlistenRemote bool) error {
	id := q.CanonicalID()

	qv, ok := e.queryViews[id]
	if !ok {
		return fmt.Errorf("unlisten of %s which is not listened to", q)
	}

	delete(e.queryViews, id)

	queries := e.queriesByTarget[qv.targetID]
	for i, other := range queries {
		if other.CanonicalID() == id {
			queries = append(queries[:i], queries[i+1:]...)

			break
		}
	}

	if len(queries) > 0 {
		e.queriesByTarget[qv.targetID] = queries

		return nil
	}

	if err := e.localStore.ReleaseTarget(e.ctx, qv.targetID); err != nil {
		return fmt.Errorf("failed to release target %d: %w", qv.targetID, err)
	}

	if shouldUnlistenRemote {
		e.remoteStore.Unlisten(qv.targetID)
	}

	e.removeAndCleanupTarget(qv.targetID, nil)

	return nil
}

// Write applies mutations locally and queues them for the server. The
// returned future resolves once the server accepted or rejected the batch.
func (e *SyncEngine) Write(mutations []*mutation.Mutation) *asyncqueue.Future {
	done := asyncqueue.NewFuture()

	result, err := e.localStore.LocalWrite(e.ctx, mutations)
	if err != nil {
		e.log.Warnf("Failed to persist write: %v", err)
		done.Resolve(status.Errorf(status.Unavailable, "failed to persist write: %v", err))

		return done
	}

	metrics.RecordBatch("written")
	e.addMutationCallback(result.BatchID, done)

	if err := e.emitNewSnapshots(result.Changes, nil); err != nil {
		e.log.Warnf("Failed to raise snapshots for batch %d: %v", result.BatchID, err)
	}

	e.remoteStore.FillWritePipeline()

	return done
}

func (e *SyncEngine) addMutationCallback(batchID int, f *asyncqueue.Future) {
	callbacks, ok := e.mutationCallbacks[e.currentUser.UID]
	if !ok {
		callbacks = map[int]*asyncqueue.Future{}
		e.mutationCallbacks[e.currentUser.UID] = callbacks
	}

	callbacks[batchID] = f
}

func (e *SyncEngine) processUserCallback(batchID int, err error) {
	callbacks := e.mutationCallbacks[e.currentUser.UID]
	if f, ok := callbacks[batchID]; ok {
		f.Resolve(err)
		delete(callbacks, batchID)
	}
}

// WaitForPendingWrites resolves once every batch written so far has been
// accepted or rejected by the server.
func (e *SyncEngine) WaitForPendingWrites() *asyncqueue.Future {
	f := asyncqueue.NewFuture()

	highest, err := e.localStore.HighestUnacknowledgedBatchID(e.ctx)
	if err != nil {
		f.Resolve(err)

		return f
	}

	if highest == mutation.BatchIDUnknown {
		f.Resolve(nil)

		return f
	}

	e.pendingWritesCallbacks[highest] = append(e.pendingWritesCallbacks[highest], f)

	return f
}

func (e *SyncEngine) triggerPendingWritesCallbacks(batchID int) {
	for highest, futures := range e.pendingWritesCallbacks {
		if highest <= batchID {
			for _, f := range futures {
				f.Resolve(nil)
			}

			delete(e.pendingWritesCallbacks, highest)
		}
	}
}

func (e *SyncEngine) rejectPendingWritesCallbacks(msg string) {
	for highest, futures := range e.pendingWritesCallbacks {
		for _, f := range futures {
			f.Resolve(status.New(status.Cancelled, msg))
		}

		delete(e.pendingWritesCallbacks, highest)
	}
}

// ApplyRemoteEvent implements remote.RemoteSyncer.
func (e *SyncEngine) ApplyRemoteEvent(ev *local.RemoteEvent) error {
	metrics.RecordRemoteEvent()

	changes, err := e.localStore.ApplyRemoteEvent(e.ctx, ev)
	if err != nil {
		return fmt.Errorf("failed to apply remote event at %s: %w", ev.SnapshotVersion, err)
	}

	for targetID, change := range ev.TargetChanges {
		e.limbo.observeTargetChange(e.log, targetID, change)
	}

	return e.emitNewSnapshots(changes, ev)
}

// ApplyOnlineStateChange marks views of an offline client as from cache.
func (e *SyncEngine) ApplyOnlineStateChange(state remote.OnlineState) {
	e.onlineState = state

	var snaps []*ViewSnapshot

	for _, qv := range e.queryViews {
		change := qv.view.ApplyOnlineStateChange(state)
		if len(change.LimboChanges) > 0 {
			sentry.ReportInvariantViolation(e.log, logger.ComponentSyncEngine, "ApplyOnlineStateChange",
				"online state change produced limbo changes for %s", qv.query)
		}

		if change.Snapshot != nil {
			snaps = append(snaps, change.Snapshot)
		}
	}

	if e.listener != nil {
		e.listener.OnOnlineStateChange(state)
		e.listener.OnWatchChange(snaps)
	}
}

// RejectListen implements remote.RemoteSyncer. A failed limbo resolution
// is turned into a delete of the document.
func (e *SyncEngine) RejectListen(targetID int, err error) error {
	if key, ok := e.limbo.keyForTarget(targetID); ok {
		ev := local.NewRemoteEvent(model.MinVersion)
		ev.DocumentUpdates[key] = model.NewNoDocument(key, model.MinVersion)
		ev.ResolvedLimboDocuments.Add(key)

		if applyErr := e.ApplyRemoteEvent(ev); applyErr != nil {
			return applyErr
		}

		// Only forget the target after the delete was applied, so a second
		// rejection for it finds it again.
		e.limbo.forget(key, targetID)
		e.pumpLimboResolutions()

		return nil
	}

	if releaseErr := e.localStore.ReleaseTarget(e.ctx, targetID); releaseErr != nil {
		e.log.Warnf("Failed to release rejected target %d: %v", targetID, releaseErr)
	}

	e.removeAndCleanupTarget(targetID, err)

	return nil
}

// ApplySuccessfulWrite implements remote.RemoteSyncer.
func (e *SyncEngine) ApplySuccessfulWrite(result *mutation.BatchResult) error {
	batchID := result.Batch.BatchID

	changes, err := e.localStore.AcknowledgeBatch(e.ctx, result)
	if err != nil {
		return fmt.Errorf("failed to acknowledge batch %d: %w", batchID, err)
	}

	metrics.RecordBatch("acknowledged")
	e.processUserCallback(batchID, nil)
	e.triggerPendingWritesCallbacks(batchID)

	return e.emitNewSnapshots(changes, nil)
}

// RejectFailedWrite implements remote.RemoteSyncer.
func (e *SyncEngine) RejectFailedWrite(batchID int, err error) error {
	changes, rejectErr := e.localStore.RejectBatch(e.ctx, batchID)
	if rejectErr != nil {
		return fmt.Errorf("failed to reject batch %d: %w", batchID, rejectErr)
	}

	metrics.RecordBatch("rejected")
	e.processUserCallback(batchID, err)
	e.triggerPendingWritesCallbacks(batchID)

	return e.emitNewSnapshots(changes, nil)
}

// RemoteKeysForTarget implements remote.RemoteSyncer.
func (e *SyncEngine) RemoteKeysForTarget(targetID int) model.DocumentKeySet {
	if keys, ok := e.limbo.remoteKeys(targetID); ok {
		return keys
	}

	keys := model.NewDocumentKeySet()

	for _, q := range e.queriesByTarget[targetID] {
		if qv, ok := e.queryViews[q.CanonicalID()]; ok {
			keys.AddAll(qv.view.SyncedDocuments())
		}
	}

	return keys
}

// HandleCredentialChange implements remote.RemoteSyncer.
func (e *SyncEngine) HandleCredentialChange(user credentials.User) error {
	if user == e.currentUser {
		return nil
	}

	e.log.Infof("User changed from %s to %s", e.currentUser, user)

	result, err := e.localStore.HandleUserChange(e.ctx, user.UID)
	if err != nil {
		return fmt.Errorf("failed to switch to user %s: %w", user, err)
	}

	e.currentUser = user
	e.rejectPendingWritesCallbacks("waiting for pending writes was cancelled by a user change")

	return e.emitNewSnapshots(result.Changes, nil)
}

// ActiveLimboDocuments returns the limbo documents being resolved, by
// target id.
func (e *SyncEngine) ActiveLimboDocuments() map[int]model.DocumentKey {
	return e.limbo.active()
}

// EnqueuedLimboDocuments returns the limbo documents waiting for a free
// resolution slot, in order.
func (e *SyncEngine) EnqueuedLimboDocuments() []model.DocumentKey {
	return append([]model.DocumentKey(nil), e.limbo.enqueued...)
}

// ViewCount returns the number of active views.
func (e *SyncEngine) ViewCount() int { return len(e.queryViews) }

func (e *SyncEngine) removeAndCleanupTarget(targetID int, err error) {
	for _, q := range e.queriesByTarget[targetID] {
		delete(e.queryViews, q.CanonicalID())

		if err != nil && e.listener != nil {
			e.listener.OnWatchError(q, err)
		}
	}

	delete(e.queriesByTarget, targetID)

	for _, key := range e.limbo.removeReferencesForTarget(targetID).Sorted() {
		if !e.limbo.isReferenced(key) {
			e.removeLimboTarget(key)
		}
	}
}

// emitNewSnapshots recomputes every view for changes and hands the
// resulting snapshots to the listener. ev is the remote event that caused
// the changes, if any.
func (e *SyncEngine) emitNewSnapshots(changes map[model.DocumentKey]*model.Document, ev *local.RemoteEvent) error {
	if len(e.queryViews) == 0 {
		return nil
	}

	var (
		snaps       []*ViewSnapshot
		viewChanges []local.LocalViewChanges
	)

	for _, qv := range e.queryViews {
		snap, err := e.applyDocChanges(qv, changes, ev)
		if err != nil {
			return err
		}

		if snap != nil {
			snaps = append(snaps, snap)
			viewChanges = append(viewChanges, localViewChanges(qv.targetID, snap))
		}
	}

	if e.listener != nil {
		e.listener.OnWatchChange(snaps)
	}

	if err := e.localStore.NotifyLocalViewChanges(e.ctx, viewChanges); err != nil {
		return fmt.Errorf("failed to record local view changes: %w", err)
	}

	return nil
}

func (e *SyncEngine) applyDocChanges(qv *queryView, changes map[model.DocumentKey]*model.Document,
	ev *local.RemoteEvent) (*ViewSnapshot, error) {
	docChanges := qv.view.ComputeDocChanges(changes, nil)

	if docChanges.NeedsRefill {
		res, err := e.localStore.ExecuteQuery(e.ctx, qv.query, false)
		if err != nil {
			return nil, fmt.Errorf("failed to refill %s: %w", qv.query, err)
		}

		docChanges = qv.view.ComputeDocChanges(res.Documents, docChanges)
	}

	var (
		targetChange *local.TargetChange
		pendingReset bool
	)

	if ev != nil {
		targetChange = ev.TargetChanges[qv.targetID]
		_, pendingReset = ev.TargetMismatches[qv.targetID]
	}

	viewChange := qv.view.ApplyChanges(docChanges, true, targetChange, pendingReset)
	e.updateTrackedLimbos(qv.targetID, viewChange.LimboChanges)

	return viewChange.Snapshot, nil
}
