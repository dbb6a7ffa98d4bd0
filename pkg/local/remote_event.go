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
	"github.com/united-manufacturing-hub/docsync/pkg/model"
	"github.com/united-manufacturing-hub/docsync/pkg/query"
)

// TargetChange is what a remote event changed for one target.
type TargetChange struct {
	// ResumeToken is empty when the server sent none.
	ResumeToken []byte
	// Current means the target's results are in sync with the snapshot.
	Current           bool
	AddedDocuments    model.DocumentKeySet
	ModifiedDocuments model.DocumentKeySet
	RemovedDocuments  model.DocumentKeySet
}

// NewTargetChange returns an empty change.
func NewTargetChange(resumeToken []byte, current bool) *TargetChange {
	return &TargetChange{
		ResumeToken:       resumeToken,
		Current:           current,
		AddedDocuments:    model.NewDocumentKeySet(),
		ModifiedDocuments: model.NewDocumentKeySet(),
		RemovedDocuments:  model.NewDocumentKeySet(),
	}
}

// HasDocumentChanges reports whether the change adds, modifies or removes
// any document.
func (c *TargetChange) HasDocumentChanges() bool {
	return c.AddedDocuments.Len()+c.ModifiedDocuments.Len()+c.RemovedDocuments.Len() > 0
}

// RemoteEvent is one consistent snapshot of server changes, built by the
// watch change aggregator and applied atomically by the local store.
type RemoteEvent struct {
	SnapshotVersion model.SnapshotVersion
	TargetChanges   map[int]*TargetChange
	// TargetMismatches lists targets whose existence filter did not match,
	// with the purpose to re-listen them under.
	TargetMismatches map[int]query.Purpose
	// DocumentUpdates holds the new state of every changed document.
	// Deleted documents are no-documents.
	DocumentUpdates map[model.DocumentKey]*model.Document
	// ResolvedLimboDocuments are keys whose only target is a limbo target.
	ResolvedLimboDocuments model.DocumentKeySet
}

// NewRemoteEvent returns an empty event at version.
func NewRemoteEvent(version model.SnapshotVersion) *RemoteEvent {
	return &RemoteEvent{
		SnapshotVersion:        version,
		TargetChanges:          map[int]*TargetChange{},
		TargetMismatches:       map[int]query.Purpose{},
		DocumentUpdates:        map[model.DocumentKey]*model.Document{},
		ResolvedLimboDocuments: model.NewDocumentKeySet(),
	}
}

// SynthesizedCurrentEvent marks targetID current without any document
// changes. It is used when a listen is served from a cache that the server
// already confirmed.
func SynthesizedCurrentEvent(targetID int, current bool) *RemoteEvent {
	ev := NewRemoteEvent(model.MinVersion)
	ev.TargetChanges[targetID] = NewTargetChange(nil, current)

	return ev
}
