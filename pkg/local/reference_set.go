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

import "github.com/united-manufacturing-hub/docsync/pkg/model"

// referenceSet tracks which documents are referenced by which target ids.
// The local store uses it for documents shown by active views that the
// server has not confirmed yet.
type referenceSet struct {
	byKey map[model.DocumentKey]map[int]struct{}
	byID  map[int]model.DocumentKeySet
}

func newReferenceSet() *referenceSet {
	return &referenceSet{
		byKey: map[model.DocumentKey]map[int]struct{}{},
		byID:  map[int]model.DocumentKeySet{},
	}
}

func (r *referenceSet) addReference(key model.DocumentKey, id int) {
	if r.byKey[key] == nil {
		r.byKey[key] = map[int]struct{}{}
	}

	r.byKey[key][id] = struct{}{}

	if r.byID[id] == nil {
		r.byID[id] = model.NewDocumentKeySet()
	}

	r.byID[id].Add(key)
}

func (r *referenceSet) removeReference(key model.DocumentKey, id int) {
	if ids, ok := r.byKey[key]; ok {
		delete(ids, id)

		if len(ids) == 0 {
			delete(r.byKey, key)
		}
	}

	if keys, ok := r.byID[id]; ok {
		keys.Delete(key)

		if keys.Len() == 0 {
			delete(r.byID, id)
		}
	}
}

// removeReferencesForID drops every reference of id and returns the keys
// that were referenced.
func (r *referenceSet) removeReferencesForID(id int) model.DocumentKeySet {
	keys := r.byID[id]
	if keys == nil {
		return model.NewDocumentKeySet()
	}

	keys = keys.Clone()
	for key := range keys {
		r.removeReference(key, id)
	}

	return keys
}

func (r *referenceSet) containsKey(key model.DocumentKey) bool {
	_, ok := r.byKey[key]

	return ok
}

func (r *referenceSet) referencesForID(id int) model.DocumentKeySet {
	if keys := r.byID[id]; keys != nil {
		return keys.Clone()
	}

	return model.NewDocumentKeySet()
}

func (r *referenceSet) isEmpty() bool { return len(r.byKey) == 0 }
