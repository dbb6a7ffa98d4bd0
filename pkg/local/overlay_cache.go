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
	"github.com/united-manufacturing-hub/docsync/pkg/mutation"
	"github.com/united-manufacturing-hub/docsync/pkg/persistence"
)

// overlayCache stores, per user, the net pending mutation of each document
// with local writes. At most one overlay exists per key.
type overlayCache struct {
	uid string
}

func (c *overlayCache) get(t *txn, key model.DocumentKey) (*mutation.Overlay, error) {
	var o mutation.Overlay

	ok, err := t.getJSON(tableDocumentOverlays, overlayKey(c.uid, key), &o)
	if err != nil || !ok {
		return nil, err
	}

	return &o, nil
}

func (c *overlayCache) getAll(t *txn, keys model.DocumentKeySet) (map[model.DocumentKey]*mutation.Overlay, error) {
	out := make(map[model.DocumentKey]*mutation.Overlay, len(keys))

	for key := range keys {
		o, err := c.get(t, key)
		if err != nil {
			return nil, err
		}

		if o != nil {
			out[key] = o
		}
	}

	return out, nil
}

// save stores overlays written by largestBatchID.
func (c *overlayCache) save(t *txn, largestBatchID int, overlays map[model.DocumentKey]*mutation.Mutation) error {
	for key, m := range overlays {
		if m == nil {
			continue
		}

		o := &mutation.Overlay{LargestBatchID: largestBatchID, Mutation: m}
		if err := t.putJSON(tableDocumentOverlays, overlayKey(c.uid, key), o); err != nil {
			return err
		}
	}

	return nil
}

func (c *overlayCache) remove(t *txn, key model.DocumentKey) error {
	return t.del(tableDocumentOverlays, overlayKey(c.uid, key))
}

// removeOverlaysForBatchID drops the overlays of keys that were last written
// by batchID. Overlays owned by later batches stay.
func (c *overlayCache) removeOverlaysForBatchID(t *txn, keys model.DocumentKeySet, batchID int) error {
	for key := range keys {
		o, err := c.get(t, key)
		if err != nil {
			return err
		}

		if o != nil && o.LargestBatchID == batchID {
			if err := c.remove(t, key); err != nil {
				return err
			}
		}
	}

	return nil
}

func (c *overlayCache) scanOverlays(t *txn, prefix string, keep func(*mutation.Overlay) bool) (map[model.DocumentKey]*mutation.Overlay, error) {
	out := map[model.DocumentKey]*mutation.Overlay{}

	err := t.scan(tableDocumentOverlays, persistence.PrefixRange(prefix), func(_ string, raw []byte) (bool, error) {
		var o mutation.Overlay
		if err := o.UnmarshalJSON(raw); err != nil {
			return false, err
		}

		if keep(&o) {
			out[o.Key()] = &o
		}

		return true, nil
	})

	return out, err
}

// getOverlaysForCollection returns overlays of the collection's direct
// children written after sinceBatchID.
func (c *overlayCache) getOverlaysForCollection(t *txn, collection model.ResourcePath, sinceBatchID int) (map[model.DocumentKey]*mutation.Overlay, error) {
	prefix := userPrefix(c.uid)
	if !collection.IsEmpty() {
		prefix += collection.CanonicalString() + "/"
	}

	return c.scanOverlays(t, prefix, func(o *mutation.Overlay) bool {
		return o.LargestBatchID > sinceBatchID && collection.IsImmediateParentOf(o.Key().Path())
	})
}

func (c *overlayCache) getOverlaysForCollectionGroup(t *txn, parent model.ResourcePath, collectionGroup string, sinceBatchID int) (map[model.DocumentKey]*mutation.Overlay, error) {
	prefix := userPrefix(c.uid)
	if !parent.IsEmpty() {
		prefix += parent.CanonicalString() + "/"
	}

	return c.scanOverlays(t, prefix, func(o *mutation.Overlay) bool {
		return o.LargestBatchID > sinceBatchID && o.Key().HasCollectionID(collectionGroup) &&
			parent.IsPrefixOf(o.Key().Path())
	})
}

// keys returns every key with an overlay for the user.
func (c *overlayCache) keys(t *txn) (model.DocumentKeySet, error) {
	all, err := c.scanOverlays(t, userPrefix(c.uid), func(*mutation.Overlay) bool { return true })
	if err != nil {
		return nil, err
	}

	out := model.NewDocumentKeySet()
	for k := range all {
		out.Add(k)
	}

	return out, nil
}
