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
	"sort"

	"github.com/united-manufacturing-hub/docsync/pkg/model"
	"github.com/united-manufacturing-hub/docsync/pkg/mutation"
	"github.com/united-manufacturing-hub/docsync/pkg/query"
)

// localDocumentsView combines remote documents with the user's overlays
// into the documents the application sees.
type localDocumentsView struct {
	remote   *remoteDocumentCache
	queue    *MutationQueue
	overlays *overlayCache
}

func applyOverlay(doc *model.Document, o *mutation.Overlay) *model.FieldMask {
	mask := model.NewFieldMask()
	if o == nil {
		return mask
	}

	o.Mutation.ApplyToLocalView(doc, mask, model.Timestamp{})

	if o.Mutation.Kind == mutation.KindPatch {
		return o.Mutation.Mask.Clone()
	}

	return nil
}

func (v *localDocumentsView) getDocument(t *txn, key model.DocumentKey) (*model.Document, error) {
	o, err := v.overlays.get(t, key)
	if err != nil {
		return nil, err
	}

	doc, err := v.remote.get(t, key)
	if err != nil {
		return nil, err
	}

	applyOverlay(doc, o)

	return doc, nil
}

// getDocuments returns the local view of every key. Keys without a cached
// or pending version map to invalid documents.
func (v *localDocumentsView) getDocuments(t *txn, keys model.DocumentKeySet) (map[model.DocumentKey]*model.Document, error) {
	docs, err := v.remote.getAll(t, keys)
	if err != nil {
		return nil, err
	}

	return v.getLocalViewOfDocuments(t, docs)
}

// getLocalViewOfDocuments applies overlays to docs in place.
func (v *localDocumentsView) getLocalViewOfDocuments(t *txn, docs map[model.DocumentKey]*model.Document) (map[model.DocumentKey]*model.Document, error) {
	return v.toDocuments(v.computeViews(t, docs, func(model.DocumentKey, bool) bool { return false }))
}

// getLocalViewOfRemoteChanges applies overlays to documents the server just
// changed. Their pending batches are replayed from the mutation queue first,
// so transforms are recomputed against the new server value and a set
// overlay written before the first remote copy picks up the server's fields.
func (v *localDocumentsView) getLocalViewOfRemoteChanges(t *txn, docs map[model.DocumentKey]*model.Document,
	existenceChangedKeys model.DocumentKeySet,
) (map[model.DocumentKey]*model.Document, error) {
	return v.toDocuments(v.computeViews(t, docs, func(key model.DocumentKey, hasOverlay bool) bool {
		return hasOverlay || existenceChangedKeys.Has(key)
	}))
}

func (v *localDocumentsView) toDocuments(overlayed map[model.DocumentKey]*mutation.OverlayedDocument, err error) (map[model.DocumentKey]*model.Document, error) {
	if err != nil {
		return nil, err
	}

	out := make(map[model.DocumentKey]*model.Document, len(overlayed))
	for k, o := range overlayed {
		out[k] = o.Document
	}

	return out, nil
}

func (v *localDocumentsView) getOverlayedDocuments(t *txn, docs map[model.DocumentKey]*model.Document) (map[model.DocumentKey]*mutation.OverlayedDocument, error) {
	return v.computeViews(t, docs, func(model.DocumentKey, bool) bool { return false })
}

// computeViews overlays docs. Keys for which replay returns true get their
// overlays recalculated from the mutation queue before being applied.
func (v *localDocumentsView) computeViews(t *txn, docs map[model.DocumentKey]*model.Document,
	replay func(key model.DocumentKey, hasOverlay bool) bool,
) (map[model.DocumentKey]*mutation.OverlayedDocument, error) {
	keys := model.NewDocumentKeySet()
	for k := range docs {
		keys.Add(k)
	}

	overlays, err := v.overlays.getAll(t, keys)
	if err != nil {
		return nil, err
	}

	recalculate := map[model.DocumentKey]*model.Document{}

	for key, doc := range docs {
		_, hasOverlay := overlays[key]
		if replay(key, hasOverlay) {
			recalculate[key] = doc.Clone()
		}
	}

	if len(recalculate) > 0 {
		if err := v.recalculateAndSaveOverlays(t, recalculate); err != nil {
			return nil, err
		}

		if overlays, err = v.overlays.getAll(t, keys); err != nil {
			return nil, err
		}
	}

	out := make(map[model.DocumentKey]*mutation.OverlayedDocument, len(docs))

	for key, doc := range docs {
		mask := applyOverlay(doc, overlays[key])
		out[key] = &mutation.OverlayedDocument{Document: doc, MutatedFields: mask}
	}

	return out, nil
}

// recalculateAndSaveOverlays replays every pending batch onto docs and
// stores the resulting overlays under the newest batch touching each key.
// docs are modified.
func (v *localDocumentsView) recalculateAndSaveOverlays(t *txn, docs map[model.DocumentKey]*model.Document) error {
	keys := model.NewDocumentKeySet()
	for k := range docs {
		keys.Add(k)
	}

	batches, err := v.queue.BatchesAffectingKeys(t, keys)
	if err != nil {
		return err
	}

	masks := map[model.DocumentKey]*model.FieldMask{}
	keysByBatch := map[int]model.DocumentKeySet{}
	started := model.NewDocumentKeySet()

	for _, batch := range batches {
		for key := range batch.Keys() {
			doc, ok := docs[key]
			if !ok {
				continue
			}

			mask := masks[key]
			if !started.Has(key) {
				mask = model.NewFieldMask()
				started.Add(key)
			}

			masks[key] = batch.ApplyToLocalView(doc, mask)

			if keysByBatch[batch.BatchID] == nil {
				keysByBatch[batch.BatchID] = model.NewDocumentKeySet()
			}

			keysByBatch[batch.BatchID].Add(key)
		}
	}

	ids := make([]int, 0, len(keysByBatch))
	for id := range keysByBatch {
		ids = append(ids, id)
	}

	sort.Sort(sort.Reverse(sort.IntSlice(ids)))

	processed := model.NewDocumentKeySet()
	saved := model.NewDocumentKeySet()

	for _, id := range ids {
		overlays := map[model.DocumentKey]*mutation.Mutation{}

		for key := range keysByBatch[id] {
			if processed.Has(key) {
				continue
			}

			processed.Add(key)

			if m := mutation.CalculateOverlayMutation(docs[key], masks[key]); m != nil {
				overlays[key] = m
				saved.Add(key)
			}
		}

		if err := v.overlays.save(t, id, overlays); err != nil {
			return err
		}
	}

	for key := range docs {
		if !saved.Has(key) {
			if err := v.overlays.remove(t, key); err != nil {
				return err
			}
		}
	}

	return nil
}

func (v *localDocumentsView) recalculateAndSaveOverlaysForDocumentKeys(t *txn, keys model.DocumentKeySet) error {
	docs, err := v.remote.getAll(t, keys)
	if err != nil {
		return err
	}

	return v.recalculateAndSaveOverlays(t, docs)
}

// getDocumentsMatchingQuery runs q against the local views of documents
// read after sinceReadTime and of every document with a pending write.
func (v *localDocumentsView) getDocumentsMatchingQuery(t *txn, q *query.Query, sinceReadTime model.SnapshotVersion) (map[model.DocumentKey]*model.Document, error) {
	if q.IsDocumentQuery() {
		key, err := model.NewDocumentKey(q.Path())
		if err != nil {
			return nil, err
		}

		doc, err := v.getDocument(t, key)
		if err != nil {
			return nil, err
		}

		out := map[model.DocumentKey]*model.Document{}
		if doc.IsFoundDocument() {
			out[key] = doc
		}

		return out, nil
	}

	var (
		overlays map[model.DocumentKey]*mutation.Overlay
		err      error
	)

	if q.IsCollectionGroupQuery() {
		overlays, err = v.overlays.getOverlaysForCollectionGroup(t, q.Path(), q.CollectionGroup(), mutation.BatchIDUnknown)
	} else {
		overlays, err = v.overlays.getOverlaysForCollection(t, q.Path(), mutation.BatchIDUnknown)
	}

	if err != nil {
		return nil, err
	}

	mutated := model.NewDocumentKeySet()
	for k := range overlays {
		mutated.Add(k)
	}

	docs, err := v.remote.getDocumentsMatchingQuery(t, q, sinceReadTime, mutated)
	if err != nil {
		return nil, err
	}

	for key := range overlays {
		if _, ok := docs[key]; ok {
			continue
		}

		if docs[key], err = v.remote.get(t, key); err != nil {
			return nil, err
		}
	}

	return v.applyOverlaysAndMatch(q, docs, overlays), nil
}

// applyOverlaysAndMatch applies the given overlays to docs and keeps the
// documents matching q.
func (v *localDocumentsView) applyOverlaysAndMatch(q *query.Query, docs map[model.DocumentKey]*model.Document,
	overlays map[model.DocumentKey]*mutation.Overlay,
) map[model.DocumentKey]*model.Document {
	out := make(map[model.DocumentKey]*model.Document, len(docs))

	for key, doc := range docs {
		applyOverlay(doc, overlays[key])

		if q.Matches(doc) {
			out[key] = doc
		}
	}

	return out
}
