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

package mutation

import (
	"fmt"

	"github.com/united-manufacturing-hub/docsync/pkg/model"
)

// BatchIDUnknown is the batch id used before any batch exists.
const BatchIDUnknown = -1

// Batch is a group of mutations that the server applies atomically.
type Batch struct {
	BatchID        int
	LocalWriteTime model.Timestamp
	Mutations      []*Mutation
}

// NewBatch creates a batch.
func NewBatch(batchID int, localWriteTime model.Timestamp, mutations []*Mutation) *Batch {
	return &Batch{BatchID: batchID, LocalWriteTime: localWriteTime, Mutations: mutations}
}

// Keys returns every document key written by the batch.
func (b *Batch) Keys() model.DocumentKeySet {
	keys := model.NewDocumentKeySet()
	for _, m := range b.Mutations {
		keys.Add(m.Key)
	}

	return keys
}

// ApplyToRemoteDocument applies the acknowledged mutations that target doc.
func (b *Batch) ApplyToRemoteDocument(doc *model.Document, result *BatchResult) {
	if len(result.MutationResults) != len(b.Mutations) {
		panic(fmt.Sprintf("batch %d has %d mutations but %d results", b.BatchID, len(b.Mutations), len(result.MutationResults)))
	}

	for i, m := range b.Mutations {
		if m.Key == doc.Key() {
			m.ApplyToRemoteDocument(doc, result.MutationResults[i])
		}
	}
}

// ApplyToLocalView applies the batch's mutations for doc in order and returns
// the accumulated field mask.
func (b *Batch) ApplyToLocalView(doc *model.Document, mask *model.FieldMask) *model.FieldMask {
	for _, m := range b.Mutations {
		if m.Key == doc.Key() {
			mask = m.ApplyToLocalView(doc, mask, b.LocalWriteTime)
		}
	}

	return mask
}

// OverlayedDocument is a local view together with the fields pending writes
// changed in it. A nil MutatedFields means the whole document.
type OverlayedDocument struct {
	Document      *model.Document
	MutatedFields *model.FieldMask
}

// ApplyToLocalDocumentSet applies the batch to every affected entry of docs,
// updating them in place, and returns the overlay for each key.
// Keys in withoutRemoteVersion get full document overlays.
func (b *Batch) ApplyToLocalDocumentSet(docs map[model.DocumentKey]*OverlayedDocument,
	withoutRemoteVersion model.DocumentKeySet,
) map[model.DocumentKey]*Mutation {
	overlays := make(map[model.DocumentKey]*Mutation)

	for _, key := range b.Keys().Sorted() {
		entry, ok := docs[key]
		if !ok {
			continue
		}

		entry.MutatedFields = b.ApplyToLocalView(entry.Document, entry.MutatedFields)

		mask := entry.MutatedFields
		if withoutRemoteVersion.Has(key) {
			mask = nil
		}

		if overlay := CalculateOverlayMutation(entry.Document, mask); overlay != nil {
			overlays[key] = overlay
		}

		if !entry.Document.IsValidDocument() {
			entry.Document.ConvertToNoDocument(model.MinVersion)
		}
	}

	return overlays
}

// BatchResult is the server acknowledgement of a batch.
type BatchResult struct {
	Batch           *Batch
	CommitVersion   model.SnapshotVersion
	MutationResults []Result
	StreamToken     []byte
	// DocVersions maps each written key to the version the server committed.
	DocVersions map[model.DocumentKey]model.SnapshotVersion
}

// NewBatchResult pairs results with the batch's mutations.
func NewBatchResult(batch *Batch, commitVersion model.SnapshotVersion, results []Result, streamToken []byte) (*BatchResult, error) {
	if len(results) != len(batch.Mutations) {
		return nil, fmt.Errorf("batch %d: got %d mutation results for %d mutations", batch.BatchID, len(results), len(batch.Mutations))
	}

	versions := make(map[model.DocumentKey]model.SnapshotVersion, len(results))
	for i, m := range batch.Mutations {
		versions[m.Key] = results[i].Version
	}

	return &BatchResult{
		Batch:           batch,
		CommitVersion:   commitVersion,
		MutationResults: results,
		StreamToken:     streamToken,
		DocVersions:     versions,
	}, nil
}

// Overlay is the net pending mutation for one document.
type Overlay struct {
	LargestBatchID int
	Mutation       *Mutation
}

func (o *Overlay) Key() model.DocumentKey { return o.Mutation.Key }
