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
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/docsync/pkg/local"
	"github.com/united-manufacturing-hub/docsync/pkg/logger"
	"github.com/united-manufacturing-hub/docsync/pkg/metrics"
	"github.com/united-manufacturing-hub/docsync/pkg/model"
	"github.com/united-manufacturing-hub/docsync/pkg/query"
	"github.com/united-manufacturing-hub/docsync/pkg/sentry"
)

type limboResolution struct {
	key model.DocumentKey
	// receivedDocument is set once the server sent the document, so its
	// absence from a later current snapshot means it was deleted.
	receivedDocument bool
}

// limboTracker keeps the limbo documents of all views: which views refer
// to them, which are being resolved by a limbo target, and which wait for
// a free slot.
type limboTracker struct {
	maxActive int

	// refs maps a limbo document to the targets whose views hold it.
	refs     map[model.DocumentKey]map[int]struct{}
	enqueued []model.DocumentKey

	targetsByKey        map[model.DocumentKey]int
	resolutionsByTarget map[int]*limboResolution

	// Limbo target ids are odd so they never collide with the even ids
	// the local store allocates.
	nextTargetID int
}

func newLimboTracker(maxActive int) *limboTracker {
	return &limboTracker{
		maxActive:           maxActive,
		refs:                map[model.DocumentKey]map[int]struct{}{},
		targetsByKey:        map[model.DocumentKey]int{},
		resolutionsByTarget: map[int]*limboResolution{},
		nextTargetID:        1,
	}
}

func (t *limboTracker) addReference(key model.DocumentKey, targetID int) {
	targets, ok := t.refs[key]
	if !ok {
		targets = map[int]struct{}{}
		t.refs[key] = targets
	}

	targets[targetID] = struct{}{}
}

func (t *limboTracker) removeReference(key model.DocumentKey, targetID int) {
	targets := t.refs[key]
	delete(targets, targetID)

	if len(targets) == 0 {
		delete(t.refs, key)
	}
}

// removeReferencesForTarget drops every reference of targetID and returns
// the keys it referenced.
func (t *limboTracker) removeReferencesForTarget(targetID int) model.DocumentKeySet {
	keys := model.NewDocumentKeySet()

	for key, targets := range t.refs {
		if _, ok := targets[targetID]; ok {
			keys.Add(key)
			t.removeReference(key, targetID)
		}
	}

	return keys
}

func (t *limboTracker) isReferenced(key model.DocumentKey) bool {
	return len(t.refs[key]) > 0
}

func (t *limboTracker) isTracked(key model.DocumentKey) bool {
	if _, ok := t.targetsByKey[key]; ok {
		return true
	}

	for _, k := range t.enqueued {
		if k == key {
			return true
		}
	}

	return false
}

func (t *limboTracker) dequeue(key model.DocumentKey) {
	for i, k := range t.enqueued {
		if k == key {
			t.enqueued = append(t.enqueued[:i], t.enqueued[i+1:]...)

			return
		}
	}
}

func (t *limboTracker) keyForTarget(targetID int) (model.DocumentKey, bool) {
	res, ok := t.resolutionsByTarget[targetID]
	if !ok {
		return model.DocumentKey{}, false
	}

	return res.key, true
}

func (t *limboTracker) forget(key model.DocumentKey, targetID int) {
	delete(t.targetsByKey, key)
	delete(t.resolutionsByTarget, targetID)
}

func (t *limboTracker) remoteKeys(targetID int) (model.DocumentKeySet, bool) {
	res, ok := t.resolutionsByTarget[targetID]
	if !ok {
		return nil, false
	}

	if res.receivedDocument {
		return model.NewDocumentKeySet(res.key), true
	}

	return model.NewDocumentKeySet(), true
}

func (t *limboTracker) active() map[int]model.DocumentKey {
	out := make(map[int]model.DocumentKey, len(t.resolutionsByTarget))
	for id, res := range t.resolutionsByTarget {
		out[id] = res.key
	}

	return out
}

// observeTargetChange records whether the server sent the document of a
// limbo target. A limbo target carries at most one document.
func (t *limboTracker) observeTargetChange(log *zap.SugaredLogger, targetID int, change *local.TargetChange) {
	res, ok := t.resolutionsByTarget[targetID]
	if !ok {
		return
	}

	total := change.AddedDocuments.Len() + change.ModifiedDocuments.Len() + change.RemovedDocuments.Len()
	if total > 1 {
		sentry.ReportInvariantViolation(log, logger.ComponentSyncEngine, "ApplyRemoteEvent",
			"limbo target %d received %d documents", targetID, total)
	}

	switch {
	case change.AddedDocuments.Len() > 0:
		res.receivedDocument = true
	case change.ModifiedDocuments.Len() > 0:
		if !res.receivedDocument {
			sentry.ReportInvariantViolation(log, logger.ComponentSyncEngine, "ApplyRemoteEvent",
				"limbo target %d modified %s before adding it", targetID, res.key)
		}
	case change.RemovedDocuments.Len() > 0:
		if !res.receivedDocument {
			sentry.ReportInvariantViolation(log, logger.ComponentSyncEngine, "ApplyRemoteEvent",
				"limbo target %d removed %s before adding it", targetID, res.key)
		}

		res.receivedDocument = false
	}
}

// updateTrackedLimbos applies the limbo changes of the view of targetID and
// starts resolutions for new limbo documents.
func (e *SyncEngine) updateTrackedLimbos(targetID int, changes []LimboChange) {
	for _, change := range changes {
		switch change.Type {
		case LimboAdded:
			e.limbo.addReference(change.Key, targetID)
			e.trackLimboChange(change.Key)
		case LimboRemoved:
			e.log.Debugf("Document %s left limbo of target %d", change.Key, targetID)
			e.limbo.removeReference(change.Key, targetID)

			if !e.limbo.isReferenced(change.Key) {
				e.removeLimboTarget(change.Key)
			}
		}
	}
}

func (e *SyncEngine) trackLimboChange(key model.DocumentKey) {
	if e.limbo.isTracked(key) {
		return
	}

	e.log.Debugf("New document in limbo: %s", key)
	e.limbo.enqueued = append(e.limbo.enqueued, key)
	e.pumpLimboResolutions()
}

// pumpLimboResolutions starts limbo targets for enqueued documents while
// fewer than the maximum are active.
func (e *SyncEngine) pumpLimboResolutions() {
	for len(e.limbo.enqueued) > 0 && len(e.limbo.targetsByKey) < e.limbo.maxActive {
		key := e.limbo.enqueued[0]
		e.limbo.enqueued = e.limbo.enqueued[1:]

		targetID := e.limbo.nextTargetID
		e.limbo.nextTargetID += 2

		e.limbo.targetsByKey[key] = targetID
		e.limbo.resolutionsByTarget[targetID] = &limboResolution{key: key}

		metrics.RecordLimboResolution()
		e.remoteStore.Listen(query.NewTargetData(query.NewDocumentTarget(key), targetID, query.PurposeLimboResolution, 0))
	}
}

// removeLimboTarget stops resolving key, whether it is active or still
// enqueued.
func (e *SyncEngine) removeLimboTarget(key model.DocumentKey) {
	e.limbo.dequeue(key)

	targetID, ok := e.limbo.targetsByKey[key]
	if !ok {
		return
	}

	e.remoteStore.Unlisten(targetID)
	e.limbo.forget(key, targetID)
	e.pumpLimboResolutions()
}
