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

package model

import "sort"

// DocumentComparator orders documents. It must order by key when the
// documents otherwise compare equal.
type DocumentComparator func(a, b *Document) int

// KeyComparator orders documents by key only.
func KeyComparator(a, b *Document) int { return a.Key().Compare(b.Key()) }

// DocumentSet is an immutable ordered set of documents with key lookup. Add
// and Delete return modified copies.
type DocumentSet struct {
	cmp    DocumentComparator
	sorted []*Document
	byKey  map[DocumentKey]*Document
}

// NewDocumentSet returns an empty set ordered by cmp. A nil comparator orders
// by key.
func NewDocumentSet(cmp DocumentComparator) *DocumentSet {
	if cmp == nil {
		cmp = KeyComparator
	}

	return &DocumentSet{cmp: cmp, byKey: map[DocumentKey]*Document{}}
}

func (s *DocumentSet) Len() int { return len(s.sorted) }

func (s *DocumentSet) IsEmpty() bool { return len(s.sorted) == 0 }

func (s *DocumentSet) Has(key DocumentKey) bool {
	_, ok := s.byKey[key]

	return ok
}

// Get returns the document for key or nil.
func (s *DocumentSet) Get(key DocumentKey) *Document { return s.byKey[key] }

// First returns the first document in order or nil.
func (s *DocumentSet) First() *Document {
	if len(s.sorted) == 0 {
		return nil
	}

	return s.sorted[0]
}

// Last returns the last document in order or nil.
func (s *DocumentSet) Last() *Document {
	if len(s.sorted) == 0 {
		return nil
	}

	return s.sorted[len(s.sorted)-1]
}

// IndexOf returns the position of key or -1.
func (s *DocumentSet) IndexOf(key DocumentKey) int {
	doc, ok := s.byKey[key]
	if !ok {
		return -1
	}

	return s.search(doc)
}

func (s *DocumentSet) search(doc *Document) int {
	return sort.Search(len(s.sorted), func(i int) bool { return s.cmp(s.sorted[i], doc) >= 0 })
}

// Documents returns the documents in order. Callers must not modify the
// slice.
func (s *DocumentSet) Documents() []*Document { return s.sorted }

// Keys returns the keys of all documents.
func (s *DocumentSet) Keys() DocumentKeySet {
	keys := make(DocumentKeySet, len(s.byKey))
	for k := range s.byKey {
		keys.Add(k)
	}

	return keys
}

// Add returns a set containing doc, replacing any document with the same key.
func (s *DocumentSet) Add(doc *Document) *DocumentSet {
	out := s.Delete(doc.Key())

	i := out.search(doc)
	out.sorted = append(out.sorted, nil)
	copy(out.sorted[i+1:], out.sorted[i:])
	out.sorted[i] = doc
	out.byKey[doc.Key()] = doc

	return out
}

// Delete returns a set without key.
func (s *DocumentSet) Delete(key DocumentKey) *DocumentSet {
	out := &DocumentSet{
		cmp:    s.cmp,
		sorted: make([]*Document, 0, len(s.sorted)+1),
		byKey:  make(map[DocumentKey]*Document, len(s.byKey)+1),
	}

	for _, d := range s.sorted {
		if d.Key() == key {
			continue
		}

		out.sorted = append(out.sorted, d)
		out.byKey[d.Key()] = d
	}

	return out
}

// Equal reports whether both sets hold equal documents in the same order.
func (s *DocumentSet) Equal(other *DocumentSet) bool {
	if other == nil || len(s.sorted) != len(other.sorted) {
		return false
	}

	for i := range s.sorted {
		if !s.sorted[i].Equal(other.sorted[i]) {
			return false
		}
	}

	return true
}
