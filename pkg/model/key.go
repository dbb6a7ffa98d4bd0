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

import (
	"fmt"
	"sort"
	"strings"
)

// DocumentKey identifies a document by its full path. The zero value is not a
// valid key. DocumentKey is comparable and may be used as a map key.
type DocumentKey struct {
	path string
}

// NewDocumentKey builds a key from a resource path, which must have an even
// number of segments.
func NewDocumentKey(path ResourcePath) (DocumentKey, error) {
	if path.Len() == 0 || path.Len()%2 != 0 {
		return DocumentKey{}, fmt.Errorf("%w: document keys need an even number of segments, got %q", ErrInvalidPath, path.CanonicalString())
	}

	return DocumentKey{path: path.CanonicalString()}, nil
}

// ParseDocumentKey parses a slash separated document path.
func ParseDocumentKey(path string) (DocumentKey, error) {
	p, err := ParseResourcePath(path)
	if err != nil {
		return DocumentKey{}, err
	}

	return NewDocumentKey(p)
}

// MustDocumentKey parses path and panics if it is not a document path.
func MustDocumentKey(path string) DocumentKey {
	k, err := ParseDocumentKey(path)
	if err != nil {
		panic(err)
	}

	return k
}

// IsValid reports whether k was built from a document path.
func (k DocumentKey) IsValid() bool { return k.path != "" }

// Path returns the key as a resource path.
func (k DocumentKey) Path() ResourcePath {
	if k.path == "" {
		return EmptyPath
	}

	return ResourcePath{segments: strings.Split(k.path, "/")}
}

// ID is the last path segment.
func (k DocumentKey) ID() string {
	return k.path[strings.LastIndexByte(k.path, '/')+1:]
}

// CollectionPath is the path of the collection that contains the document.
func (k DocumentKey) CollectionPath() ResourcePath {
	return k.Path().Parent()
}

// CollectionGroup is the id of the collection that contains the document.
func (k DocumentKey) CollectionGroup() string {
	return k.CollectionPath().LastSegment()
}

// HasCollectionID reports whether the immediate parent collection is id.
func (k DocumentKey) HasCollectionID(id string) bool {
	return k.CollectionGroup() == id
}

// Compare orders keys segment by segment.
func (k DocumentKey) Compare(other DocumentKey) int {
	if k.path == other.path {
		return 0
	}

	return compareSegmentLists(strings.Split(k.path, "/"), strings.Split(other.path, "/"))
}

func (k DocumentKey) String() string { return k.path }

// DocumentKeySet is an unordered set of keys with a sorted view.
type DocumentKeySet map[DocumentKey]struct{}

// NewDocumentKeySet builds a set from keys.
func NewDocumentKeySet(keys ...DocumentKey) DocumentKeySet {
	s := make(DocumentKeySet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}

	return s
}

func (s DocumentKeySet) Add(k DocumentKey) { s[k] = struct{}{} }

func (s DocumentKeySet) Delete(k DocumentKey) { delete(s, k) }

func (s DocumentKeySet) Has(k DocumentKey) bool {
	_, ok := s[k]

	return ok
}

func (s DocumentKeySet) Len() int { return len(s) }

// Clone returns an independent copy.
func (s DocumentKeySet) Clone() DocumentKeySet {
	out := make(DocumentKeySet, len(s))
	for k := range s {
		out[k] = struct{}{}
	}

	return out
}

// AddAll inserts every key of other.
func (s DocumentKeySet) AddAll(other DocumentKeySet) {
	for k := range other {
		s[k] = struct{}{}
	}
}

// Equal reports whether both sets hold the same keys.
func (s DocumentKeySet) Equal(other DocumentKeySet) bool {
	if len(s) != len(other) {
		return false
	}

	for k := range s {
		if !other.Has(k) {
			return false
		}
	}

	return true
}

// Sorted returns the keys in key order.
func (s DocumentKeySet) Sorted() []DocumentKey {
	out := make([]DocumentKey, 0, len(s))
	for k := range s {
		out = append(out, k)
	}

	SortKeys(out)

	return out
}

// SortKeys sorts keys in place in key order.
func SortKeys(keys []DocumentKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })
}
