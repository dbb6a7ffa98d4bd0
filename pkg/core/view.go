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
	"github.com/united-manufacturing-hub/docsync/pkg/model"
	"github.com/united-manufacturing-hub/docsync/pkg/query"
	"github.com/united-manufacturing-hub/docsync/pkg/remote"
	"github.com/united-manufacturing-hub/docsync/pkg/sentry"
)

type syncState int

const (
	syncStateNone syncState = iota
	syncStateLocal
	syncStateSynced
)

// LimboChangeType tells whether a document entered or left limbo.
type LimboChangeType int

const (
	LimboAdded LimboChangeType = iota
	LimboRemoved
)

type LimboChange struct {
	Type LimboChangeType
	Key  model.DocumentKey
}

// ViewDocumentChanges is the result of ComputeDocChanges, not yet applied
// to the view.
type ViewDocumentChanges struct {
	documentSet *model.DocumentSet
	changeSet   *documentChangeSet
	mutatedKeys model.DocumentKeySet
	// NeedsRefill is set when a limit query lost a document at its edge and
	// must be recomputed against the whole cache.
	NeedsRefill bool
}

// ViewChange is the outcome of applying changes to a view. Snapshot is nil
// when nothing observable changed.
type ViewChange struct {
	Snapshot     *ViewSnapshot
	LimboChanges []LimboChange
}

// View is the result set of one query, combined from the server's view of
// its target and local writes.
type View struct {
	query *query.Query
	cmp   model.DocumentComparator
	log   *zap.SugaredLogger

	syncState   syncState
	current     bool
	documentSet *model.DocumentSet
	// syncedDocuments are the documents the server reported for the target.
	syncedDocuments model.DocumentKeySet
	limboDocuments  model.DocumentKeySet
	mutatedKeys     model.DocumentKeySet
}

// NewView creates an empty view. remoteKeys are the documents the server
// last reported for the query's target.
func NewView(q *query.Query, remoteKeys model.DocumentKeySet, log *zap.SugaredLogger) *View {
	cmp := q.Comparator()

	return &View{
		query:           q,
		cmp:             cmp,
		log:             logger.Or(log, logger.ComponentSyncEngine),
		documentSet:     model.NewDocumentSet(cmp),
		syncedDocuments: remoteKeys.Clone(),
		limboDocuments:  model.NewDocumentKeySet(),
		mutatedKeys:     model.NewDocumentKeySet(),
	}
}

func (v *View) Query() *query.Query { return v.query }

// SyncedDocuments returns the keys the server reported for the view.
func (v *View) SyncedDocuments() model.DocumentKeySet { return v.syncedDocuments }

// LimboDocuments returns the documents the view shows without the server
// accounting for them.
func (v *View) LimboDocuments() model.DocumentKeySet { return v.limboDocuments }

// ComputeDocChanges diffs changed documents against the view. previous
// continues an earlier computation, used to refill a limit query.
func (v *View) ComputeDocChanges(docChanges map[model.DocumentKey]*model.Document, previous *ViewDocumentChanges) *ViewDocumentChanges {
	changeSet := newDocumentChangeSet(v.log)
	oldDocs := v.documentSet
	mutated := v.mutatedKeys

	if previous != nil {
		changeSet = previous.changeSet
		oldDocs = previous.documentSet
		mutated = previous.mutatedKeys
	}

	newDocs := oldDocs
	newMutated := mutated.Clone()
	needsRefill := false

	// The last document still inside the limit. A change that moves a
	// document past it means a document from outside may now belong in.
	var lastInLimit, firstInLimit *model.Document
	if v.query.HasLimit() && oldDocs.Len() == v.query.Limit() {
		if v.query.LimitType() == query.LimitToFirst {
			lastInLimit = oldDocs.Last()
		} else {
			firstInLimit = oldDocs.First()
		}
	}

	keys := make([]model.DocumentKey, 0, len(docChanges))
	for k := range docChanges {
		keys = append(keys, k)
	}

	model.SortKeys(keys)

	for _, key := range keys {
		entry := docChanges[key]
		oldDoc := oldDocs.Get(key)

		var newDoc *model.Document
		if entry != nil && v.query.Matches(entry) {
			newDoc = entry
		}

		oldHadPending := oldDoc != nil && v.mutatedKeys.Has(key)
		newHasPending := newDoc != nil &&
			(newDoc.HasLocalMutations() || (v.mutatedKeys.Has(key) && newDoc.HasCommittedMutations()))

		applied := false

		switch {
		case oldDoc != nil && newDoc != nil:
			if !oldDoc.Data().Equal(newDoc.Data()) {
				if !shouldWaitForSyncedDocument(oldDoc, newDoc) {
					changeSet.track(DocumentViewChange{Type: ChangeModified, Doc: newDoc})
					applied = true

					if (lastInLimit != nil && v.cmp(newDoc, lastInLimit) > 0) ||
						(firstInLimit != nil && v.cmp(newDoc, firstInLimit) < 0) {
						needsRefill = true
					}
				}
			} else if oldHadPending != newHasPending {
				changeSet.track(DocumentViewChange{Type: ChangeMetadata, Doc: newDoc})
				applied = true
			}
		case oldDoc == nil && newDoc != nil:
			changeSet.track(DocumentViewChange{Type: ChangeAdded, Doc: newDoc})
			applied = true
		case oldDoc != nil && newDoc == nil:
			changeSet.track(DocumentViewChange{Type: ChangeRemoved, Doc: oldDoc})
			applied = true

			if lastInLimit != nil || firstInLimit != nil {
				needsRefill = true
			}
		}

		if !applied {
			continue
		}

		if newDoc != nil {
			newDocs = newDocs.Add(newDoc)

			if newHasPending {
				newMutated.Add(key)
			} else {
				newMutated.Delete(key)
			}
		} else {
			newDocs = newDocs.Delete(key)
			newMutated.Delete(key)
		}
	}

	if v.query.HasLimit() {
		for newDocs.Len() > v.query.Limit() {
			var drop *model.Document
			if v.query.LimitType() == query.LimitToFirst {
				drop = newDocs.Last()
			} else {
				drop = newDocs.First()
			}

			newDocs = newDocs.Delete(drop.Key())
			newMutated.Delete(drop.Key())
			changeSet.track(DocumentViewChange{Type: ChangeRemoved, Doc: drop})
		}
	}

	if needsRefill && previous != nil {
		sentry.ReportInvariantViolation(v.log, logger.ComponentSyncEngine, "ComputeDocChanges",
			"view for %s needs a refill after a refill", v.query)
	}

	return &ViewDocumentChanges{
		documentSet: newDocs,
		changeSet:   changeSet,
		mutatedKeys: newMutated,
		NeedsRefill: needsRefill,
	}
}

// A locally modified document that was just acknowledged keeps its local
// content until the server sends the committed version.
func shouldWaitForSyncedDocument(oldDoc, newDoc *model.Document) bool {
	return oldDoc.HasLocalMutations() && newDoc.HasCommittedMutations() && !newDoc.HasLocalMutations()
}

// ApplyChanges commits docChanges to the view. targetChange is the server's
// change of the view's target, if any.
func (v *View) ApplyChanges(docChanges *ViewDocumentChanges, limboResolutionEnabled bool,
	targetChange *local.TargetChange, targetIsPendingReset bool) ViewChange {
	oldDocs := v.documentSet
	v.documentSet = docChanges.documentSet
	v.mutatedKeys = docChanges.mutatedKeys

	changes := docChanges.changeSet.sorted(v.cmp)

	v.applyTargetChange(targetChange)

	var limboChanges []LimboChange
	if limboResolutionEnabled && !targetIsPendingReset {
		limboChanges = v.updateLimboDocuments()
	}

	synced := len(v.limboDocuments) == 0 && v.current && !targetIsPendingReset

	newState := syncStateLocal
	if synced {
		newState = syncStateSynced
	}

	stateChanged := newState != v.syncState
	v.syncState = newState

	if len(changes) == 0 && !stateChanged {
		return ViewChange{LimboChanges: limboChanges}
	}

	return ViewChange{
		Snapshot: &ViewSnapshot{
			Query:            v.query,
			Docs:             docChanges.documentSet,
			OldDocs:          oldDocs,
			DocChanges:       changes,
			MutatedKeys:      docChanges.mutatedKeys,
			FromCache:        newState == syncStateLocal,
			SyncStateChanged: stateChanged,
			HasCachedResults: targetChange != nil && len(targetChange.ResumeToken) > 0,
		},
		LimboChanges: limboChanges,
	}
}

// ApplyOnlineStateChange marks an offline view as no longer current so its
// next snapshot is flagged as from cache.
func (v *View) ApplyOnlineStateChange(state remote.OnlineState) ViewChange {
	if v.current && state == remote.OnlineStateOffline {
		v.current = false

		return v.ApplyChanges(&ViewDocumentChanges{
			documentSet: v.documentSet,
			changeSet:   newDocumentChangeSet(v.log),
			mutatedKeys: v.mutatedKeys,
		}, false, nil, false)
	}

	return ViewChange{}
}

// ComputeInitialSnapshot returns the current result as an all-added
// snapshot for a new listener.
func (v *View) ComputeInitialSnapshot() *ViewSnapshot {
	return NewInitialSnapshot(v.query, v.documentSet, v.mutatedKeys, v.syncState == syncStateLocal, false)
}

func (v *View) applyTargetChange(change *local.TargetChange) {
	if change == nil {
		return
	}

	for key := range change.AddedDocuments {
		v.syncedDocuments.Add(key)
	}

	for key := range change.ModifiedDocuments {
		if !v.syncedDocuments.Has(key) {
			sentry.ReportInvariantViolation(v.log, logger.ComponentSyncEngine, "applyTargetChange",
				"modified document %s is not in the synced set of %s", key, v.query)
		}
	}

	for key := range change.RemovedDocuments {
		v.syncedDocuments.Delete(key)
	}

	v.current = change.Current
}

func (v *View) updateLimboDocuments() []LimboChange {
	if !v.current {
		return nil
	}

	old := v.limboDocuments
	v.limboDocuments = model.NewDocumentKeySet()

	for _, doc := range v.documentSet.Documents() {
		if v.shouldBeInLimbo(doc.Key()) {
			v.limboDocuments.Add(doc.Key())
		}
	}

	var changes []LimboChange

	for _, key := range old.Sorted() {
		if !v.limboDocuments.Has(key) {
			changes = append(changes, LimboChange{Type: LimboRemoved, Key: key})
		}
	}

	for _, key := range v.limboDocuments.Sorted() {
		if !old.Has(key) {
			changes = append(changes, LimboChange{Type: LimboAdded, Key: key})
		}
	}

	return changes
}

// A document is in limbo when the view shows it without local writes but
// the server does not report it for the target.
func (v *View) shouldBeInLimbo(key model.DocumentKey) bool {
	if v.syncedDocuments.Has(key) {
		return false
	}

	doc := v.documentSet.Get(key)
	if doc == nil {
		return false
	}

	return !doc.HasLocalMutations()
}

// localViewChanges summarizes what a snapshot added to or removed from the
// view for the local store's garbage collector.
func localViewChanges(targetID int, snap *ViewSnapshot) local.LocalViewChanges {
	added := model.NewDocumentKeySet()
	removed := model.NewDocumentKeySet()

	for _, c := range snap.DocChanges {
		switch c.Type {
		case ChangeAdded:
			added.Add(c.Doc.Key())
		case ChangeRemoved:
			removed.Add(c.Doc.Key())
		}
	}

	return local.LocalViewChanges{TargetID: targetID, FromCache: snap.FromCache, AddedKeys: added, RemovedKeys: removed}
}
