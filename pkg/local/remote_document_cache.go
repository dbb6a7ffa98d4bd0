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
	"github.com/united-manufacturing-hub/docsync/pkg/persistence"
	"github.com/united-manufacturing-hub/docsync/pkg/query"
)

// documentIndexer is told about committed remote document changes.
type documentIndexer interface {
	updateIndexEntries(docs []*model.Document)
}

// remoteDocumentCache holds the last known server state of each document.
// A secondary index orders the documents of a collection by read time so
// incremental queries only visit what changed.
type remoteDocumentCache struct {
	indexer documentIndexer
}

func (c *remoteDocumentCache) get(t *txn, key model.DocumentKey) (*model.Document, error) {
	raw, err := t.tx.Get(t.ctx, tableRemoteDocuments, key.String())
	if err != nil {
		if isNotFound(err) {
			return model.NewInvalidDocument(key), nil
		}

		return nil, err
	}

	return decodeDocument(raw)
}

// getAll returns an entry for every key; missing keys map to invalid
// documents.
func (c *remoteDocumentCache) getAll(t *txn, keys model.DocumentKeySet) (map[model.DocumentKey]*model.Document, error) {
	out := make(map[model.DocumentKey]*model.Document, len(keys))

	for key := range keys {
		doc, err := c.get(t, key)
		if err != nil {
			return nil, err
		}

		out[key] = doc
	}

	return out, nil
}

// add stores doc as read at readTime.
func (c *remoteDocumentCache) add(t *txn, doc *model.Document, readTime model.SnapshotVersion) error {
	previous, err := c.get(t, doc.Key())
	if err != nil {
		return err
	}

	if previous.IsValidDocument() {
		if err := t.del(tableDocumentReadTimes, readTimeKey(previous.Key(), previous.ReadTime())); err != nil {
			return err
		}
	}

	stored := doc.Clone().SetReadTime(readTime)

	raw, err := encodeDocument(stored)
	if err != nil {
		return err
	}

	if err := t.putRaw(tableRemoteDocuments, doc.Key().String(), raw); err != nil {
		return err
	}

	if err := t.putRaw(tableDocumentReadTimes, readTimeKey(doc.Key(), readTime), presence); err != nil {
		return err
	}

	c.notify(t, stored)

	return nil
}

func (c *remoteDocumentCache) remove(t *txn, key model.DocumentKey) error {
	previous, err := c.get(t, key)
	if err != nil || !previous.IsValidDocument() {
		return err
	}

	if err := t.del(tableDocumentReadTimes, readTimeKey(key, previous.ReadTime())); err != nil {
		return err
	}

	if err := t.del(tableRemoteDocuments, key.String()); err != nil {
		return err
	}

	c.notify(t, model.NewInvalidDocument(key))

	return nil
}

func (c *remoteDocumentCache) notify(t *txn, doc *model.Document) {
	if c.indexer == nil {
		return
	}

	t.afterCommit(func() { c.indexer.updateIndexEntries([]*model.Document{doc}) })
}

// getDocumentsMatchingQuery returns cached documents that match q and were
// read after sinceReadTime, plus every document in mutatedKeys that lies in
// the queried collection, so pending writes can turn it into a match.
func (c *remoteDocumentCache) getDocumentsMatchingQuery(t *txn, q *query.Query, sinceReadTime model.SnapshotVersion,
	mutatedKeys model.DocumentKeySet,
) (map[model.DocumentKey]*model.Document, error) {
	out := map[model.DocumentKey]*model.Document{}

	keep := func(doc *model.Document) {
		t.docsRead++

		if q.Matches(doc) || mutatedKeys.Has(doc.Key()) {
			out[doc.Key()] = doc
		}
	}

	if q.IsCollectionGroupQuery() || sinceReadTime.IsMin() {
		prefix := ""
		if !q.Path().IsEmpty() {
			prefix = q.Path().CanonicalString() + "/"
		}

		err := t.scan(tableRemoteDocuments, persistence.PrefixRange(prefix), func(_ string, raw []byte) (bool, error) {
			doc, err := decodeDocument(raw)
			if err != nil {
				return false, err
			}

			if doc.ReadTime().Compare(sinceReadTime) > 0 || sinceReadTime.IsMin() {
				keep(doc)
			}

			return true, nil
		})

		return out, err
	}

	r := persistence.PrefixRange(readTimePrefix(q.Path()))
	r.Start = readTimePrefix(q.Path()) + padInt64(sinceReadTime.Micros()+1)

	keys, err := t.scanKeys(tableDocumentReadTimes, r)
	if err != nil {
		return nil, err
	}

	for _, k := range keys {
		key, err := model.ParseDocumentKey(lastComponent(k))
		if err != nil {
			return nil, err
		}

		doc, err := c.get(t, key)
		if err != nil {
			return nil, err
		}

		keep(doc)
	}

	return out, nil
}

// forEach visits every cached document until fn returns false.
func (c *remoteDocumentCache) forEach(t *txn, fn func(*model.Document) bool) error {
	return t.scan(tableRemoteDocuments, persistence.All, func(_ string, raw []byte) (bool, error) {
		doc, err := decodeDocument(raw)
		if err != nil {
			return false, err
		}

		return fn(doc), nil
	})
}
