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
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/docsync/pkg/constants"
	"github.com/united-manufacturing-hub/docsync/pkg/metrics"
	"github.com/united-manufacturing-hub/docsync/pkg/model"
	"github.com/united-manufacturing-hub/docsync/pkg/mutation"
	"github.com/united-manufacturing-hub/docsync/pkg/query"
)

// QueryPath names the strategy a query execution used.
type QueryPath string

const (
	QueryPathIndex           QueryPath = "index"
	QueryPathPreviousResults QueryPath = "previous_results"
	QueryPathFullScan        QueryPath = "full_scan"
)

// QueryEngine picks the cheapest way to answer a query from the cache: a
// field index, the target's previous results, or a scan of the collection.
type QueryEngine struct {
	view      *localDocumentsView
	indexes   *IndexManager
	autoIndex bool
	log       *zap.SugaredLogger
}

// getDocumentsMatchingQuery returns every document currently matching q,
// without applying its limit. lastLimboFree and remoteKeys describe the
// previous result of q's target; pass MinVersion to skip that path.
func (e *QueryEngine) getDocumentsMatchingQuery(t *txn, q *query.Query, lastLimboFree model.SnapshotVersion,
	remoteKeys model.DocumentKeySet,
) (map[model.DocumentKey]*model.Document, QueryPath, error) {
	t.docsRead = 0

	docs, err := e.performQueryUsingIndex(t, q)
	if err != nil {
		return nil, "", err
	}

	if docs != nil {
		return e.done(q, QueryPathIndex, docs, t.docsRead), QueryPathIndex, nil
	}

	docs, err = e.performQueryUsingRemoteKeys(t, q, lastLimboFree, remoteKeys)
	if err != nil {
		return nil, "", err
	}

	if docs != nil {
		return e.done(q, QueryPathPreviousResults, docs, t.docsRead), QueryPathPreviousResults, nil
	}

	docs, err = e.view.getDocumentsMatchingQuery(t, q, model.MinVersion)
	if err != nil {
		return nil, "", err
	}

	if e.autoIndex && t.docsRead >= constants.IndexMinCollectionSize &&
		float64(t.docsRead) > constants.IndexRelativeReadCost*float64(len(docs)) {
		if err := e.indexes.createTargetIndexes(t, q.ToTarget()); err != nil {
			// Index creation is an optimization only.
			e.log.Warnf("Failed to create index for %s: %v", q, err)
		}
	}

	return e.done(q, QueryPathFullScan, docs, t.docsRead), QueryPathFullScan, nil
}

func (e *QueryEngine) done(q *query.Query, path QueryPath, docs map[model.DocumentKey]*model.Document, docsRead int) map[model.DocumentKey]*model.Document {
	metrics.RecordQueryExecution(string(path), docsRead)
	e.log.Debugf("Executed %s using %s: %d results, %d documents read", q, path, len(docs), docsRead)

	return docs
}

// performQueryUsingIndex returns nil when no index serves q.
func (e *QueryEngine) performQueryUsingIndex(t *txn, q *query.Query) (map[model.DocumentKey]*model.Document, error) {
	if q.MatchesAllDocuments() || q.IsDocumentQuery() {
		return nil, nil
	}

	candidates, ok := e.indexes.documentsMatchingTarget(q.ToTarget())
	if !ok {
		return nil, nil
	}

	mutated, err := e.overlayKeys(t, q)
	if err != nil {
		return nil, err
	}

	keys := candidates.Clone()
	keys.AddAll(mutated)

	t.docsRead += len(keys)

	views, err := e.view.getDocuments(t, keys)
	if err != nil {
		return nil, err
	}

	out := make(map[model.DocumentKey]*model.Document, len(views))

	for k, doc := range views {
		if q.Matches(doc) {
			out[k] = doc
		}
	}

	return out, nil
}

// overlayKeys returns the keys under q's path that have a pending write.
func (e *QueryEngine) overlayKeys(t *txn, q *query.Query) (model.DocumentKeySet, error) {
	var (
		overlays map[model.DocumentKey]*mutation.Overlay
		err      error
	)

	if q.IsCollectionGroupQuery() {
		overlays, err = e.view.overlays.getOverlaysForCollectionGroup(t, q.Path(), q.CollectionGroup(), mutation.BatchIDUnknown)
	} else {
		overlays, err = e.view.overlays.getOverlaysForCollection(t, q.Path(), mutation.BatchIDUnknown)
	}

	if err != nil {
		return nil, err
	}

	keys := model.NewDocumentKeySet()
	for k := range overlays {
		keys.Add(k)
	}

	return keys, nil
}

// performQueryUsingRemoteKeys refreshes the previous result of q's target
// with every document that changed after the last limbo free snapshot. It
// returns nil when the previous result cannot be trusted.
func (e *QueryEngine) performQueryUsingRemoteKeys(t *txn, q *query.Query, lastLimboFree model.SnapshotVersion,
	remoteKeys model.DocumentKeySet,
) (map[model.DocumentKey]*model.Document, error) {
	if q.MatchesAllDocuments() || lastLimboFree.IsMin() {
		return nil, nil
	}

	t.docsRead += remoteKeys.Len()

	previous, err := e.view.getDocuments(t, remoteKeys)
	if err != nil {
		return nil, err
	}

	matching := model.NewDocumentSet(q.Comparator())

	for _, doc := range previous {
		if q.Matches(doc) {
			matching = matching.Add(doc)
		}
	}

	if q.HasLimit() {
		matching = applyLimit(q, matching)
	}

	if needsRefill(q, matching, remoteKeys, lastLimboFree) {
		return nil, nil
	}

	updated, err := e.view.getDocumentsMatchingQuery(t, q, lastLimboFree)
	if err != nil {
		return nil, err
	}

	out := make(map[model.DocumentKey]*model.Document, matching.Len()+len(updated))
	for _, doc := range matching.Documents() {
		out[doc.Key()] = doc
	}

	for k, doc := range updated {
		out[k] = doc
	}

	return out, nil
}

func applyLimit(q *query.Query, docs *model.DocumentSet) *model.DocumentSet {
	for docs.Len() > q.Limit() {
		if q.LimitType() == query.LimitToFirst {
			docs = docs.Delete(docs.Last().Key())
		} else {
			docs = docs.Delete(docs.First().Key())
		}
	}

	return docs
}

// needsRefill reports whether the previous result of a limit query may be
// missing documents. That is the case when an earlier match was removed or
// the document at the limit edge changed after the snapshot, since a
// document outside the old result could now sort inside the limit.
func needsRefill(q *query.Query, matching *model.DocumentSet, remoteKeys model.DocumentKeySet, lastLimboFree model.SnapshotVersion) bool {
	if !q.HasLimit() {
		return false
	}

	if matching.Len() != remoteKeys.Len() {
		return true
	}

	edge := matching.Last()
	if q.LimitType() == query.LimitToLast {
		edge = matching.First()
	}

	if edge == nil {
		return false
	}

	return edge.HasPendingWrites() || edge.Version().Compare(lastLimboFree) > 0
}
