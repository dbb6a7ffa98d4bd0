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
	"errors"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/docsync/pkg/local"
	"github.com/united-manufacturing-hub/docsync/pkg/metrics"
	"github.com/united-manufacturing-hub/docsync/pkg/model"
	"github.com/united-manufacturing-hub/docsync/pkg/query"
	"github.com/united-manufacturing-hub/docsync/pkg/sentry"
)

// TargetMetadataProvider gives the aggregator what it needs to know about
// targets outside of the current watch session.
type TargetMetadataProvider interface {
	// RemoteKeysForTarget returns the keys the server last reported for
	// the target as of the previous remote event.
	RemoteKeysForTarget(targetID int) model.DocumentKeySet
	// TargetDataForActiveTarget returns nil if the target is no longer
	// listened to.
	TargetDataForActiveTarget(targetID int) *query.TargetData
}

type changeType int

const (
	changeAdded changeType = iota
	changeModified
	changeRemoved
)

// bloomFilterResult tells how applying a bloom filter went.
type bloomFilterResult int

const (
	bloomSkipped bloomFilterResult = iota
	bloomSuccess
	bloomFalsePositive
)

func (r bloomFilterResult) String() string {
	switch r {
	case bloomSuccess:
		return "success"
	case bloomFalsePositive:
		return "false_positive"
	default:
		return "skipped"
	}
}

// targetState tracks one target between two remote events.
type targetState struct {
	// pendingResponses counts listen and unlisten requests without a
	// matching server response. Document changes collected before the last
	// of them is confirmed are dropped.
	pendingResponses  int
	documentChanges   map[model.DocumentKey]changeType
	resumeToken       []byte
	current           bool
	hasPendingChanges bool
}

func newTargetState() *targetState {
	return &targetState{documentChanges: map[model.DocumentKey]changeType{}, hasPendingChanges: true}
}

func (t *targetState) isPending() bool { return t.pendingResponses != 0 }

func (t *targetState) updateResumeToken(token []byte) {
	if len(token) > 0 {
		t.hasPendingChanges = true
		t.resumeToken = token
	}
}

func (t *targetState) toTargetChange() *local.TargetChange {
	change := local.NewTargetChange(t.resumeToken, t.current)

	for key, ct := range t.documentChanges {
		switch ct {
		case changeAdded:
			change.AddedDocuments.Add(key)
		case changeModified:
			change.ModifiedDocuments.Add(key)
		case changeRemoved:
			change.RemovedDocuments.Add(key)
		}
	}

	return change
}

func (t *targetState) clearPendingChanges() {
	t.hasPendingChanges = false
	t.documentChanges = map[model.DocumentKey]changeType{}
}

func (t *targetState) addDocumentChange(key model.DocumentKey, ct changeType) {
	t.hasPendingChanges = true
	t.documentChanges[key] = ct
}

func (t *targetState) removeDocumentChange(key model.DocumentKey) {
	t.hasPendingChanges = true
	delete(t.documentChanges, key)
}

func (t *targetState) markCurrent() {
	t.hasPendingChanges = true
	t.current = true
}

// WatchChangeAggregator accumulates watch changes until the server reports
// a consistent snapshot, then emits them as one RemoteEvent.
type WatchChangeAggregator struct {
	provider   TargetMetadataProvider
	serializer *Serializer
	log        *zap.SugaredLogger

	targetStates map[int]*targetState
	// Keys of documents that changed since the last remote event, with the
	// targets they were reported for.
	pendingDocumentUpdates       map[model.DocumentKey]*model.Document
	pendingDocumentTargetMapping map[model.DocumentKey]map[int]struct{}
	pendingTargetResets          map[int]query.Purpose
}

func NewWatchChangeAggregator(provider TargetMetadataProvider, serializer *Serializer, log *zap.SugaredLogger) *WatchChangeAggregator {
	return &WatchChangeAggregator{
		provider:                     provider,
		serializer:                   serializer,
		log:                          log,
		targetStates:                 map[int]*targetState{},
		pendingDocumentUpdates:       map[model.DocumentKey]*model.Document{},
		pendingDocumentTargetMapping: map[model.DocumentKey]map[int]struct{}{},
		pendingTargetResets:          map[int]query.Purpose{},
	}
}

// HandleDocumentChange routes a document to the targets it was added to or
// removed from.
func (a *WatchChangeAggregator) HandleDocumentChange(change *DocumentChange) {
	for _, targetID := range change.UpdatedTargetIDs {
		if change.NewDoc != nil && change.NewDoc.IsFoundDocument() {
			a.addDocumentToTarget(targetID, change.NewDoc)
		} else {
			a.removeDocumentFromTarget(targetID, change.Key, change.NewDoc)
		}
	}

	for _, targetID := range change.RemovedTargetIDs {
		a.removeDocumentFromTarget(targetID, change.Key, change.NewDoc)
	}
}

// HandleTargetChange applies a state change. Removals with a cause must be
// handled by the caller first.
func (a *WatchChangeAggregator) HandleTargetChange(change *WatchTargetChange) {
	for _, targetID := range a.targetIDsFor(change) {
		state := a.ensureTargetState(targetID)

		switch change.State {
		case TargetNoChange:
			if a.isActiveTarget(targetID) {
				state.updateResumeToken(change.ResumeToken)
			}
		case TargetAdded:
			state.pendingResponses--
			if !state.isPending() {
				// A new listen was confirmed. Anything accumulated under
				// an earlier registration is stale.
				state.clearPendingChanges()
			}

			state.updateResumeToken(change.ResumeToken)
		case TargetRemoved:
			state.pendingResponses--
			if !state.isPending() {
				delete(a.targetStates, targetID)
			}

			if change.Cause != nil {
				sentry.ReportInvariantViolation(a.log, "WatchChangeAggregator", "HandleTargetChange",
					"target %d removed with cause %v must be handled by the remote store", targetID, change.Cause)
			}
		case TargetCurrent:
			if a.isActiveTarget(targetID) {
				state.markCurrent()
				state.updateResumeToken(change.ResumeToken)
			}
		case TargetReset:
			if a.isActiveTarget(targetID) {
				a.resetTarget(targetID)
				state = a.ensureTargetState(targetID)
				state.updateResumeToken(change.ResumeToken)
			}
		}
	}
}

// targetIDsFor returns the targets a change applies to. An empty list means
// every known target.
func (a *WatchChangeAggregator) targetIDsFor(change *WatchTargetChange) []int {
	if len(change.TargetIDs) > 0 {
		return change.TargetIDs
	}

	ids := make([]int, 0, len(a.targetStates))
	for id := range a.targetStates {
		if a.isActiveTarget(id) {
			ids = append(ids, id)
		}
	}

	return ids
}

// HandleExistenceFilter compares the server's count with the local one. A
// mismatch is first narrowed down with the bloom filter; if that cannot
// account for every missing document the target is reset and re-listened.
func (a *WatchChangeAggregator) HandleExistenceFilter(change *ExistenceFilterChange) {
	targetID := change.TargetID
	expected := change.Filter.Count

	data := a.provider.TargetDataForActiveTarget(targetID)
	if data == nil {
		return
	}

	if data.Target.IsDocumentTarget() {
		if expected == 0 {
			// The document does not exist. Synthesize a delete so the
			// target result is cleared instead of waiting for the watch.
			key, err := data.Target.DocumentKey()
			if err == nil {
				a.removeDocumentFromTarget(targetID, key, model.NewNoDocument(key, model.MinVersion))
			}
		} else if expected != 1 {
			sentry.ReportInvariantViolation(a.log, "WatchChangeAggregator", "HandleExistenceFilter",
				"single document target %d reported count %d", targetID, expected)
		}

		return
	}

	current := a.currentDocumentCountForTarget(targetID)
	if current == expected {
		return
	}

	result := a.applyBloomFilter(change, current)
	a.log.Debugf("Existence filter mismatch on target %d: expected %d, have %d, bloom filter %s",
		targetID, expected, current, result)

	if result != bloomSuccess {
		a.resetTarget(targetID)

		purpose := query.PurposeExistenceFilterMismatch
		if result == bloomFalsePositive {
			purpose = query.PurposeExistenceFilterMismatchBloom
		}

		a.pendingTargetResets[targetID] = purpose
	}

	metrics.RecordExistenceFilterMismatch(result.String())
}

func (a *WatchChangeAggregator) applyBloomFilter(change *ExistenceFilterChange, current int) bloomFilterResult {
	if change.Filter.Bloom == nil {
		return bloomSkipped
	}

	filter, err := BloomFilterFromWire(change.Filter.Bloom)
	if err != nil {
		if errors.Is(err, ErrInvalidBloomFilter) {
			a.log.Warnf("Ignoring bloom filter for target %d: %v", change.TargetID, err)
		}

		return bloomSkipped
	}

	if filter.BitCount() == 0 {
		return bloomSkipped
	}

	removed := a.filterRemovedDocuments(filter, change.TargetID)
	if change.Filter.Count != current-removed {
		return bloomFalsePositive
	}

	return bloomSuccess
}

// filterRemovedDocuments drops every document of the target the filter
// does not contain and returns how many were dropped.
func (a *WatchChangeAggregator) filterRemovedDocuments(filter *BloomFilter, targetID int) int {
	removed := 0

	for _, key := range a.provider.RemoteKeysForTarget(targetID).Sorted() {
		if !filter.MightContain(a.serializer.ResourceName(key)) {
			a.removeDocumentFromTarget(targetID, key, nil)
			removed++
		}
	}

	return removed
}

// CreateRemoteEvent emits everything accumulated so far at version and
// starts a new accumulation.
func (a *WatchChangeAggregator) CreateRemoteEvent(version model.SnapshotVersion) *local.RemoteEvent {
	ev := local.NewRemoteEvent(version)

	for targetID, state := range a.targetStates {
		data := a.provider.TargetDataForActiveTarget(targetID)
		if data == nil {
			continue
		}

		if state.current && data.Target.IsDocumentTarget() {
			// A current document target without the document means the
			// document does not exist.
			key, err := data.Target.DocumentKey()
			if err == nil {
				if _, pending := a.pendingDocumentUpdates[key]; !pending && !a.targetContainsDocument(targetID, key) {
					a.removeDocumentFromTarget(targetID, key, model.NewNoDocument(key, version))
				}
			}
		}

		if state.hasPendingChanges {
			ev.TargetChanges[targetID] = state.toTargetChange()
			state.clearPendingChanges()
		}
	}

	for key, targets := range a.pendingDocumentTargetMapping {
		onlyLimbo := true

		for targetID := range targets {
			data := a.provider.TargetDataForActiveTarget(targetID)
			if data != nil && data.Purpose != query.PurposeLimboResolution {
				onlyLimbo = false

				break
			}
		}

		if onlyLimbo {
			ev.ResolvedLimboDocuments.Add(key)
		}
	}

	for key, doc := range a.pendingDocumentUpdates {
		ev.DocumentUpdates[key] = doc.SetReadTime(version)
	}

	for targetID, purpose := range a.pendingTargetResets {
		ev.TargetMismatches[targetID] = purpose
	}

	a.pendingDocumentUpdates = map[model.DocumentKey]*model.Document{}
	a.pendingDocumentTargetMapping = map[model.DocumentKey]map[int]struct{}{}
	a.pendingTargetResets = map[int]query.Purpose{}

	return ev
}

func (a *WatchChangeAggregator) addDocumentToTarget(targetID int, doc *model.Document) {
	if !a.isActiveTarget(targetID) {
		return
	}

	ct := changeAdded
	if a.targetContainsDocument(targetID, doc.Key()) {
		ct = changeModified
	}

	a.ensureTargetState(targetID).addDocumentChange(doc.Key(), ct)
	a.pendingDocumentUpdates[doc.Key()] = doc
	a.ensureDocumentTargetMapping(doc.Key())[targetID] = struct{}{}
}

// removeDocumentFromTarget removes key from the target. updated is the new
// state of the document if it is known, for example after a delete.
func (a *WatchChangeAggregator) removeDocumentFromTarget(targetID int, key model.DocumentKey, updated *model.Document) {
	if !a.isActiveTarget(targetID) {
		return
	}

	state := a.ensureTargetState(targetID)
	if a.targetContainsDocument(targetID, key) {
		state.addDocumentChange(key, changeRemoved)
	} else {
		// The document was added in this session but never made it into
		// a remote event.
		state.removeDocumentChange(key)
	}

	delete(a.ensureDocumentTargetMapping(key), targetID)

	if updated != nil {
		a.pendingDocumentUpdates[key] = updated
	}
}

// RecordPendingTargetRequest notes that a listen or unlisten for the target
// was sent and its response has yet to arrive.
func (a *WatchChangeAggregator) RecordPendingTargetRequest(targetID int) {
	a.ensureTargetState(targetID).pendingResponses++
}

// RemoveTarget forgets the target entirely.
func (a *WatchChangeAggregator) RemoveTarget(targetID int) {
	delete(a.targetStates, targetID)
}

func (a *WatchChangeAggregator) currentDocumentCountForTarget(targetID int) int {
	change := a.ensureTargetState(targetID).toTargetChange()

	return a.provider.RemoteKeysForTarget(targetID).Len() + change.AddedDocuments.Len() - change.RemovedDocuments.Len()
}

func (a *WatchChangeAggregator) ensureTargetState(targetID int) *targetState {
	state, ok := a.targetStates[targetID]
	if !ok {
		state = newTargetState()
		a.targetStates[targetID] = state
	}

	return state
}

func (a *WatchChangeAggregator) ensureDocumentTargetMapping(key model.DocumentKey) map[int]struct{} {
	targets, ok := a.pendingDocumentTargetMapping[key]
	if !ok {
		targets = map[int]struct{}{}
		a.pendingDocumentTargetMapping[key] = targets
	}

	return targets
}

func (a *WatchChangeAggregator) isActiveTarget(targetID int) bool {
	return a.provider.TargetDataForActiveTarget(targetID) != nil
}

// resetTarget drops all accumulated changes of the target and removes every
// document the server reported for it before.
func (a *WatchChangeAggregator) resetTarget(targetID int) {
	if state, ok := a.targetStates[targetID]; ok && state.isPending() {
		sentry.ReportInvariantViolation(a.log, "WatchChangeAggregator", "resetTarget",
			"reset of target %d with pending requests", targetID)
	}

	a.targetStates[targetID] = newTargetState()

	for _, key := range a.provider.RemoteKeysForTarget(targetID).Sorted() {
		a.removeDocumentFromTarget(targetID, key, nil)
	}
}

func (a *WatchChangeAggregator) targetContainsDocument(targetID int, key model.DocumentKey) bool {
	return a.provider.RemoteKeysForTarget(targetID).Has(key)
}
