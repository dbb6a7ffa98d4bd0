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
	"sort"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/docsync/pkg/logger"
	"github.com/united-manufacturing-hub/docsync/pkg/model"
	"github.com/united-manufacturing-hub/docsync/pkg/query"
	"github.com/united-manufacturing-hub/docsync/pkg/sentry"
)

// ChangeType is the kind of a DocumentViewChange.
type ChangeType int

const (
	ChangeAdded ChangeType = iota
	ChangeRemoved
	ChangeModified
	// ChangeMetadata means only the pending write state changed.
	ChangeMetadata
)

func (c ChangeType) String() string {
	switch c {
	case ChangeAdded:
		return "added"
	case ChangeRemoved:
		return "removed"
	case ChangeModified:
		return "modified"
	default:
		return "metadata"
	}
}

// order sorts removals first so positions of later changes stay valid.
func (c ChangeType) order() int {
	switch c {
	case ChangeRemoved:
		return 0
	case ChangeAdded:
		return 1
	default:
		return 2
	}
}

// DocumentViewChange is one change of a view's result set. Doc is the old
// document for removals and the new one otherwise.
type DocumentViewChange struct {
	Type ChangeType
	Doc  *model.Document
}

// documentChangeSet folds successive changes of a key into one.
type documentChangeSet struct {
	changes map[model.DocumentKey]DocumentViewChange
	log     *zap.SugaredLogger
}

func newDocumentChangeSet(log *zap.SugaredLogger) *documentChangeSet {
	return &documentChangeSet{changes: map[model.DocumentKey]DocumentViewChange{}, log: log}
}

func (s *documentChangeSet) track(change DocumentViewChange) {
	key := change.Doc.Key()

	old, ok := s.changes[key]
	if !ok {
		s.changes[key] = change

		return
	}

	switch {
	case change.Type != ChangeAdded && old.Type == ChangeMetadata:
		s.changes[key] = change
	case change.Type == ChangeMetadata && old.Type != ChangeRemoved:
		s.changes[key] = DocumentViewChange{Type: old.Type, Doc: change.Doc}
	case change.Type == ChangeModified && old.Type == ChangeModified:
		s.changes[key] = change
	case change.Type == ChangeModified && old.Type == ChangeAdded:
		s.changes[key] = DocumentViewChange{Type: ChangeAdded, Doc: change.Doc}
	case change.Type == ChangeRemoved && old.Type == ChangeAdded:
		delete(s.changes, key)
	case change.Type == ChangeRemoved && old.Type == ChangeModified:
		s.changes[key] = DocumentViewChange{Type: ChangeRemoved, Doc: old.Doc}
	case change.Type == ChangeAdded && old.Type == ChangeRemoved:
		s.changes[key] = DocumentViewChange{Type: ChangeModified, Doc: change.Doc}
	default:
		sentry.ReportInvariantViolation(s.log, logger.ComponentSyncEngine, "track",
			"unsupported change %s after %s for %s", change.Type, old.Type, key)
	}
}

// sorted returns the changes ordered by type, then by cmp.
func (s *documentChangeSet) sorted(cmp model.DocumentComparator) []DocumentViewChange {
	out := make([]DocumentViewChange, 0, len(s.changes))
	for _, c := range s.changes {
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool {
		if d := out[i].Type.order() - out[j].Type.order(); d != 0 {
			return d < 0
		}

		return cmp(out[i].Doc, out[j].Doc) < 0
	})

	return out
}

// ViewSnapshot is an immutable result of a query at one point in time.
type ViewSnapshot struct {
	Query      *query.Query
	Docs       *model.DocumentSet
	OldDocs    *model.DocumentSet
	DocChanges []DocumentViewChange
	// MutatedKeys are the documents with writes the server has not
	// confirmed yet.
	MutatedKeys model.DocumentKeySet
	// FromCache is set while the result may differ from the server's.
	FromCache        bool
	SyncStateChanged bool
	// ExcludesMetadataChanges is set when metadata only changes were
	// filtered out for the receiving listener.
	ExcludesMetadataChanges bool
	// HasCachedResults means the target was synced with the server before,
	// so an empty cached result is meaningful.
	HasCachedResults bool
}

// NewInitialSnapshot returns a snapshot in which every document is added.
func NewInitialSnapshot(q *query.Query, docs *model.DocumentSet, mutatedKeys model.DocumentKeySet,
	fromCache, hasCachedResults bool) *ViewSnapshot {
	changes := make([]DocumentViewChange, 0, docs.Len())
	for _, d := range docs.Documents() {
		changes = append(changes, DocumentViewChange{Type: ChangeAdded, Doc: d})
	}

	return &ViewSnapshot{
		Query:            q,
		Docs:             docs,
		OldDocs:          model.NewDocumentSet(q.Comparator()),
		DocChanges:       changes,
		MutatedKeys:      mutatedKeys,
		FromCache:        fromCache,
		SyncStateChanged: true,
		HasCachedResults: hasCachedResults,
	}
}

func (s *ViewSnapshot) HasPendingWrites() bool { return s.MutatedKeys.Len() > 0 }

// withoutMetadataChanges drops metadata only changes.
func (s *ViewSnapshot) withoutMetadataChanges() *ViewSnapshot {
	c := *s
	c.DocChanges = make([]DocumentViewChange, 0, len(s.DocChanges))

	for _, ch := range s.DocChanges {
		if ch.Type != ChangeMetadata {
			c.DocChanges = append(c.DocChanges, ch)
		}
	}

	c.ExcludesMetadataChanges = true

	return &c
}

// Equal compares everything except the query's identity.
func (s *ViewSnapshot) Equal(other *ViewSnapshot) bool {
	if other == nil {
		return false
	}

	if s.FromCache != other.FromCache ||
		s.HasCachedResults != other.HasCachedResults ||
		s.SyncStateChanged != other.SyncStateChanged ||
		s.ExcludesMetadataChanges != other.ExcludesMetadataChanges ||
		!s.MutatedKeys.Equal(other.MutatedKeys) ||
		s.Query.CanonicalID() != other.Query.CanonicalID() ||
		!s.Docs.Equal(other.Docs) ||
		!s.OldDocs.Equal(other.OldDocs) ||
		len(s.DocChanges) != len(other.DocChanges) {
		return false
	}

	for i, c := range s.DocChanges {
		if c.Type != other.DocChanges[i].Type || !c.Doc.Equal(other.DocChanges[i].Doc) {
			return false
		}
	}

	return true
}
