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
package remote

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/docsync/pkg/asyncqueue"
	"github.com/united-manufacturing-hub/docsync/pkg/backoff"
	"github.com/united-manufacturing-hub/docsync/pkg/constants"
	"github.com/united-manufacturing-hub/docsync/pkg/credentials"
	"github.com/united-manufacturing-hub/docsync/pkg/local"
	"github.com/united-manufacturing-hub/docsync/pkg/logger"
	"github.com/united-manufacturing-hub/docsync/pkg/metrics"
	"github.com/united-manufacturing-hub/docsync/pkg/model"
	"github.com/united-manufacturing-hub/docsync/pkg/mutation"
	"github.com/united-manufacturing-hub/docsync/pkg/query"
	"github.com/united-manufacturing-hub/docsync/pkg/status"
)

// RemoteSyncer is the sync engine as seen by the remote store. Every method
// is called on the queue goroutine.
type RemoteSyncer interface {
	ApplyRemoteEvent(ev *local.RemoteEvent) error
	// RejectListen is called when the server removed a target with an
	// error.
	RejectListen(targetID int, err error) error
	ApplySuccessfulWrite(result *mutation.BatchResult) error
	RejectFailedWrite(batchID int, err error) error
	// RemoteKeysForTarget returns the keys the server reported for the
	// target, including limbo targets that are not in the target cache.
	RemoteKeysForTarget(targetID int) model.DocumentKeySet
	HandleCredentialChange(user credentials.User) error
}

// OfflineCause is a reason for keeping the network disabled. The network is
// used only while there is none.
type OfflineCause int

const (
	OfflineCauseUserDisabled OfflineCause = iota
	OfflineCauseConnectivityChange
	OfflineCauseCredentialChange
	OfflineCauseStorageFailure
	OfflineCauseShutdown
)

func (c OfflineCause) String() string {
	switch c {
	case OfflineCauseUserDisabled:
		return "user_disabled"
	case OfflineCauseConnectivityChange:
		return "connectivity_change"
	case OfflineCauseCredentialChange:
		return "credential_change"
	case OfflineCauseStorageFailure:
		return "storage_failure"
	case OfflineCauseShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("OfflineCause(%d)", int(c))
	}
}

// RemoteStoreOptions configures a RemoteStore.
type RemoteStoreOptions struct {
	LocalStore *local.LocalStore
	Datastore  *Datastore
	Queue      *asyncqueue.Queue
	Syncer     RemoteSyncer
	// OnlineStateHandler is told about every online state change.
	OnlineStateHandler func(OnlineState)
	Logger             *zap.SugaredLogger
}

// RemoteStore keeps the watch and write streams in step with the local
// store. It re-sends active listens whenever the watch stream reconnects
// and keeps up to MaxPendingWrites batches in flight on the write stream.
// Every method must be called on the queue goroutine.
type RemoteStore struct {
	localStore *local.LocalStore
	datastore  *Datastore
	queue      *asyncqueue.Queue
	syncer     RemoteSyncer
	log        *zap.SugaredLogger
	ctx        context.Context

	listenTargets map[int]*query.TargetData
	writePipeline []*mutation.Batch
	offlineCauses map[OfflineCause]struct{}

	watchStream *WatchStream
	writeStream *WriteStream
	aggregator  *WatchChangeAggregator
	onlineState *OnlineStateTracker
}

func NewRemoteStore(opts RemoteStoreOptions) *RemoteStore {
	r := &RemoteStore{
		localStore:    opts.LocalStore,
		datastore:     opts.Datastore,
		queue:         opts.Queue,
		syncer:        opts.Syncer,
		log:           logger.Or(opts.Logger, logger.ComponentRemoteStore),
		ctx:           context.Background(),
		listenTargets: map[int]*query.TargetData{},
		offlineCauses: map[OfflineCause]struct{}{},
	}

	r.onlineState = NewOnlineStateTracker(opts.Queue, opts.OnlineStateHandler, r.log)
	r.watchStream = opts.Datastore.NewWatchStream(watchListener{r})
	r.writeStream = opts.Datastore.NewWriteStream(writeListener{r})

	// The network stays off until Start.
	r.offlineCauses[OfflineCauseUserDisabled] = struct{}{}

	return r
}

// SetSyncer wires the sync engine after construction.
func (r *RemoteStore) SetSyncer(s RemoteSyncer) { r.syncer = s }

func (r *RemoteStore) OnlineState() OnlineState { return r.onlineState.State() }

// WatchStream exposes the watch stream for inspection in tests.
func (r *RemoteStore) WatchStream() *WatchStream { return r.watchStream }

// WriteStream exposes the write stream for inspection in tests.
func (r *RemoteStore) WriteStream() *WriteStream { return r.writeStream }

// Start enables the network.
func (r *RemoteStore) Start() error { return r.EnableNetwork() }

func (r *RemoteStore) canUseNetwork() bool { return len(r.offlineCauses) == 0 }

// EnableNetwork lifts a user requested disable. Other offline causes still
// apply.
func (r *RemoteStore) EnableNetwork() error {
	delete(r.offlineCauses, OfflineCauseUserDisabled)

	return r.enableNetworkInternal()
}

func (r *RemoteStore) enableNetworkInternal() error {
	if !r.canUseNetwork() {
		return nil
	}

	if r.shouldStartWatchStream() {
		r.startWatchStream()
	} else {
		r.onlineState.Set(OnlineStateUnknown)
	}

	r.FillWritePipeline()

	return nil
}

// DisableNetwork stops both streams and reports offline until EnableNetwork.
func (r *RemoteStore) DisableNetwork() {
	r.offlineCauses[OfflineCauseUserDisabled] = struct{}{}
	r.disableNetworkInternal()
	r.onlineState.Set(OnlineStateOffline)
}

func (r *RemoteStore) disableNetworkInternal() {
	r.writeStream.Stop()
	r.watchStream.Stop()

	if len(r.writePipeline) > 0 {
		r.log.Debugf("Stopping write stream with %d pending writes", len(r.writePipeline))
		r.writePipeline = nil
		metrics.SetWritePipelineDepth(0)
	}

	r.cleanUpWatchStreamState()
}

// Shutdown stops the streams for good and closes the transport.
func (r *RemoteStore) Shutdown() {
	r.log.Debugf("Shutting down remote store")
	r.offlineCauses[OfflineCauseShutdown] = struct{}{}
	r.disableNetworkInternal()
	r.watchStream.Shutdown()
	r.writeStream.Shutdown()
	// Unknown rather than offline keeps listeners from raising cached
	// snapshots while the client goes away.
	r.onlineState.Set(OnlineStateUnknown)
	r.datastore.Terminate()
}

// HandleConnectivityChange restarts the streams when the network came back,
// skipping any pending backoff.
func (r *RemoteStore) HandleConnectivityChange(available bool) error {
	if !available || !r.canUseNetwork() {
		return nil
	}

	r.log.Debugf("Restarting streams for network reachability change")
	r.offlineCauses[OfflineCauseConnectivityChange] = struct{}{}
	r.disableNetworkInternal()
	r.onlineState.Set(OnlineStateUnknown)
	delete(r.offlineCauses, OfflineCauseConnectivityChange)

	return r.enableNetworkInternal()
}

// HandleCredentialChange tears down the streams so they reconnect with the
// new user's token and refills the write pipeline from that user's queue.
func (r *RemoteStore) HandleCredentialChange(user credentials.User) error {
	r.log.Debugf("Remote store received new credentials for %s", user)

	usedNetwork := r.canUseNetwork()

	r.offlineCauses[OfflineCauseCredentialChange] = struct{}{}
	r.disableNetworkInternal()

	if usedNetwork {
		r.onlineState.Set(OnlineStateUnknown)
	}

	if err := r.syncer.HandleCredentialChange(user); err != nil {
		return err
	}

	delete(r.offlineCauses, OfflineCauseCredentialChange)

	return r.enableNetworkInternal()
}

// Listen starts listening to a target. Listening twice to the same target
// id is a no-op.
func (r *RemoteStore) Listen(data *query.TargetData) {
	if _, ok := r.listenTargets[data.TargetID]; ok {
		return
	}

	r.listenTargets[data.TargetID] = data

	if r.shouldStartWatchStream() {
		r.startWatchStream()
	} else if r.watchStream.IsOpen() {
		r.sendWatchRequest(data)
	}
}

// Unlisten stops listening to a target.
func (r *RemoteStore) Unlisten(targetID int) {
	if _, ok := r.listenTargets[targetID]; !ok {
		r.log.Debugf("Unlisten of target %d that is not listened to", targetID)

		return
	}

	delete(r.listenTargets, targetID)

	if r.watchStream.IsOpen() {
		r.sendUnwatchRequest(targetID)
	}

	if len(r.listenTargets) == 0 {
		if r.watchStream.IsOpen() {
			r.watchStream.MarkIdle()
		} else if r.canUseNetwork() {
			// The stream is still connecting. Without listens there is no
			// reason to report offline once that fails.
			r.onlineState.Set(OnlineStateUnknown)
		}
	}
}

// ListenTargetIDs returns the listened target ids in ascending order.
func (r *RemoteStore) ListenTargetIDs() []int {
	ids := make([]int, 0, len(r.listenTargets))
	for id := range r.listenTargets {
		ids = append(ids, id)
	}

	sort.Ints(ids)

	return ids
}

func (r *RemoteStore) sendWatchRequest(data *query.TargetData) {
	r.aggregator.RecordPendingTargetRequest(data.TargetID)

	if len(data.ResumeToken) > 0 || !data.SnapshotVersion.IsMin() {
		count := len(r.syncer.RemoteKeysForTarget(data.TargetID))
		data = data.WithExpectedCount(count)
	}

	if err := r.watchStream.Watch(data); err != nil {
		r.log.Errorf("Failed to encode listen request for target %d: %v", data.TargetID, err)
	}
}

func (r *RemoteStore) sendUnwatchRequest(targetID int) {
	r.aggregator.RecordPendingTargetRequest(targetID)

	if err := r.watchStream.Unwatch(targetID); err != nil {
		r.log.Errorf("Failed to encode unlisten request for target %d: %v", targetID, err)
	}
}

func (r *RemoteStore) shouldStartWatchStream() bool {
	return r.canUseNetwork() && !r.watchStream.IsStarted() && len(r.listenTargets) > 0
}

func (r *RemoteStore) startWatchStream() {
	r.aggregator = NewWatchChangeAggregator(r, r.datastore.Serializer(), r.log)
	r.watchStream.Start()
	r.onlineState.HandleWatchStreamStart()
}

func (r *RemoteStore) cleanUpWatchStreamState() {
	r.aggregator = nil
}

// RemoteKeysForTarget implements TargetMetadataProvider.
func (r *RemoteStore) RemoteKeysForTarget(targetID int) model.DocumentKeySet {
	return r.syncer.RemoteKeysForTarget(targetID)
}

// TargetDataForActiveTarget implements TargetMetadataProvider.
func (r *RemoteStore) TargetDataForActiveTarget(targetID int) *query.TargetData {
	return r.listenTargets[targetID]
}

func (r *RemoteStore) onWatchStreamOpen() {
	for _, id := range r.ListenTargetIDs() {
		r.sendWatchRequest(r.listenTargets[id])
	}
}

func (r *RemoteStore) onWatchStreamClose(err error) {
	r.cleanUpWatchStreamState()

	if r.shouldStartWatchStream() {
		r.onlineState.HandleWatchStreamFailure(err)
		r.startWatchStream()
	} else {
		r.onlineState.Set(OnlineStateUnknown)
	}
}

func (r *RemoteStore) onWatchStreamChange(change WatchChange, version model.SnapshotVersion) {
	r.onlineState.Set(OnlineStateOnline)

	if tc, ok := change.(*WatchTargetChange); ok && tc.State == TargetRemoved && tc.Cause != nil {
		r.handleTargetError(tc)

		return
	}

	switch c := change.(type) {
	case *DocumentChange:
		r.aggregator.HandleDocumentChange(c)
	case *ExistenceFilterChange:
		r.aggregator.HandleExistenceFilter(c)
	case *WatchTargetChange:
		r.aggregator.HandleTargetChange(c)
	}

	if version.IsMin() {
		return
	}

	last, err := r.localStore.LastRemoteSnapshotVersion(r.ctx)
	if err != nil {
		r.disableNetworkUntilRecovery(err)

		return
	}

	if version.Compare(last) >= 0 {
		if err := r.raiseWatchSnapshot(version); err != nil {
			r.disableNetworkUntilRecovery(err)
		}
	}
}

// raiseWatchSnapshot turns the aggregated changes into a remote event,
// records resume tokens and re-listens targets whose existence filter
// mismatched.
func (r *RemoteStore) raiseWatchSnapshot(version model.SnapshotVersion) error {
	ev := r.aggregator.CreateRemoteEvent(version)

	for id, change := range ev.TargetChanges {
		if len(change.ResumeToken) == 0 {
			continue
		}

		if data, ok := r.listenTargets[id]; ok {
			r.listenTargets[id] = data.WithResumeToken(change.ResumeToken, version)
		}
	}

	for id, purpose := range ev.TargetMismatches {
		data, ok := r.listenTargets[id]
		if !ok {
			continue
		}

		// Drop the resume token so the next listen returns the full
		// result set.
		r.listenTargets[id] = data.WithResumeToken(nil, data.SnapshotVersion)

		r.sendUnwatchRequest(id)
		r.sendWatchRequest(query.NewTargetData(data.Target, id, purpose, data.SequenceNumber))
	}

	return r.syncer.ApplyRemoteEvent(ev)
}

func (r *RemoteStore) handleTargetError(change *WatchTargetChange) {
	for _, id := range change.TargetIDs {
		if _, ok := r.listenTargets[id]; !ok {
			continue
		}

		delete(r.listenTargets, id)
		r.aggregator.RemoveTarget(id)

		if err := r.syncer.RejectListen(id, change.Cause); err != nil {
			r.disableNetworkUntilRecovery(err)

			return
		}
	}
}

// disableNetworkUntilRecovery takes the network down after a local store
// failure and probes the store with backoff until it works again.
func (r *RemoteStore) disableNetworkUntilRecovery(err error) {
	r.log.Warnf("Disabling network until the local store recovers: %v", err)
	metrics.IncErrorCount(metrics.ComponentRemoteStore)

	r.offlineCauses[OfflineCauseStorageFailure] = struct{}{}
	r.disableNetworkInternal()
	r.onlineState.Set(OnlineStateOffline)

	r.queue.EnqueueRetryable(func() error {
		if _, err := r.localStore.LastRemoteSnapshotVersion(r.ctx); err != nil {
			return backoff.NewTransientError(err)
		}

		r.log.Debugf("Local store recovered, enabling network")
		delete(r.offlineCauses, OfflineCauseStorageFailure)

		return r.enableNetworkInternal()
	})
}

func (r *RemoteStore) canAddToWritePipeline() bool {
	return r.canUseNetwork() && len(r.writePipeline) < constants.MaxPendingWrites
}

// FillWritePipeline reads pending batches from the local store until the
// pipeline is full. A local store failure takes the network down until the
// store recovers.
func (r *RemoteStore) FillWritePipeline() {
	lastBatchID := mutation.BatchIDUnknown
	if n := len(r.writePipeline); n > 0 {
		lastBatchID = r.writePipeline[n-1].BatchID
	}

	for r.canAddToWritePipeline() {
		batch, err := r.localStore.NextMutationBatch(r.ctx, lastBatchID)
		if err != nil {
			r.disableNetworkUntilRecovery(err)

			return
		}

		if batch == nil {
			if len(r.writePipeline) == 0 {
				r.writeStream.MarkIdle()
			}

			break
		}

		r.addToWritePipeline(batch)
		lastBatchID = batch.BatchID
	}

	if r.shouldStartWriteStream() {
		r.writeStream.Start()
	}
}

// PendingWrites returns how many batches are in flight.
func (r *RemoteStore) PendingWrites() int { return len(r.writePipeline) }

func (r *RemoteStore) addToWritePipeline(batch *mutation.Batch) {
	r.writePipeline = append(r.writePipeline, batch)
	metrics.SetWritePipelineDepth(len(r.writePipeline))

	if r.writeStream.IsOpen() && r.writeStream.HandshakeComplete() {
		if err := r.writeStream.WriteMutations(batch.Mutations); err != nil {
			r.log.Errorf("Failed to encode batch %d: %v", batch.BatchID, err)
		}
	}
}

func (r *RemoteStore) shouldStartWriteStream() bool {
	return r.canUseNetwork() && !r.writeStream.IsStarted() && len(r.writePipeline) > 0
}

func (r *RemoteStore) onWriteStreamOpen() {
	if err := r.writeStream.WriteHandshake(); err != nil {
		r.log.Errorf("Failed to encode write handshake: %v", err)
	}
}

func (r *RemoteStore) onWriteHandshakeComplete() {
	if err := r.localStore.SetLastStreamToken(r.ctx, r.writeStream.LastStreamToken()); err != nil {
		r.disableNetworkUntilRecovery(err)

		return
	}

	for _, batch := range r.writePipeline {
		if err := r.writeStream.WriteMutations(batch.Mutations); err != nil {
			r.log.Errorf("Failed to encode batch %d: %v", batch.BatchID, err)
		}
	}
}

func (r *RemoteStore) onMutationResult(commitVersion model.SnapshotVersion, results []mutation.Result) {
	if len(r.writePipeline) == 0 {
		r.log.Errorf("Got a write result with an empty write pipeline")

		return
	}

	batch := r.writePipeline[0]
	r.writePipeline = r.writePipeline[1:]
	metrics.SetWritePipelineDepth(len(r.writePipeline))

	result, err := mutation.NewBatchResult(batch, commitVersion, results, r.writeStream.LastStreamToken())
	if err != nil {
		r.log.Errorf("Invalid write result: %v", err)
		r.writeStream.handleStreamClose(status.Errorf(status.Internal, "%v", err))

		return
	}

	if err := r.syncer.ApplySuccessfulWrite(result); err != nil {
		r.disableNetworkUntilRecovery(err)

		return
	}

	r.FillWritePipeline()
}

func (r *RemoteStore) onWriteStreamClose(err error) {
	if err != nil && len(r.writePipeline) > 0 {
		if r.writeStream.HandshakeComplete() {
			r.handleWriteError(err)
		} else {
			r.handleHandshakeError(err)
		}
	}

	// The pipeline may have been refilled by rejecting a write.
	if r.shouldStartWriteStream() {
		r.writeStream.Start()
	}
}

// handleWriteError rejects the first batch on a permanent error. Transient
// errors are left to the stream's reconnect, which resends the pipeline.
func (r *RemoteStore) handleWriteError(err error) {
	code := status.CodeOf(err)
	if !status.IsPermanentWriteError(code) {
		return
	}

	batch := r.writePipeline[0]
	r.writePipeline = r.writePipeline[1:]
	metrics.SetWritePipelineDepth(len(r.writePipeline))

	// The request was bad, the backend is fine.
	r.writeStream.InhibitBackoff()

	if err := r.syncer.RejectFailedWrite(batch.BatchID, err); err != nil {
		r.disableNetworkUntilRecovery(err)

		return
	}

	r.FillWritePipeline()
}

// handleHandshakeError drops a stream token the server refused.
func (r *RemoteStore) handleHandshakeError(err error) {
	if !status.IsPermanentError(status.CodeOf(err)) {
		return
	}

	r.log.Debugf("Write stream handshake failed permanently, resetting stream token: %v", err)
	r.writeStream.SetLastStreamToken(nil)

	if err := r.localStore.SetLastStreamToken(r.ctx, nil); err != nil {
		r.disableNetworkUntilRecovery(err)
	}
}

type watchListener struct{ r *RemoteStore }

func (l watchListener) OnOpen()           { l.r.onWatchStreamOpen() }
func (l watchListener) OnClose(err error) { l.r.onWatchStreamClose(err) }
func (l watchListener) OnWatchChange(change WatchChange, version model.SnapshotVersion) {
	l.r.onWatchStreamChange(change, version)
}

type writeListener struct{ r *RemoteStore }

func (l writeListener) OnOpen()              { l.r.onWriteStreamOpen() }
func (l writeListener) OnClose(err error)    { l.r.onWriteStreamClose(err) }
func (l writeListener) OnHandshakeComplete() { l.r.onWriteHandshakeComplete() }
func (l writeListener) OnMutationResult(commitVersion model.SnapshotVersion, results []mutation.Result) {
	l.r.onMutationResult(commitVersion, results)
}
