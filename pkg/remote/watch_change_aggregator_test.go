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
package remote_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/docsync/pkg/model"
	"github.com/united-manufacturing-hub/docsync/pkg/query"
	"github.com/united-manufacturing-hub/docsync/pkg/remote"
)

type fakeMetadata struct {
	keys    map[int]model.DocumentKeySet
	targets map[int]*query.TargetData
}

func (f *fakeMetadata) RemoteKeysForTarget(targetID int) model.DocumentKeySet {
	if keys, ok := f.keys[targetID]; ok {
		return keys
	}

	return model.NewDocumentKeySet()
}

func (f *fakeMetadata) TargetDataForActiveTarget(targetID int) *query.TargetData {
	return f.targets[targetID]
}

func roomDoc(id string, v int64) *model.Document {
	return model.NewFoundDocument(model.MustDocumentKey("rooms/"+id), version(v), model.EmptyObject())
}

var _ = Describe("WatchChangeAggregator", func() {
	var (
		s        *remote.Serializer
		meta     *fakeMetadata
		agg      *remote.WatchChangeAggregator
		roomsKey = func(id string) model.DocumentKey { return model.MustDocumentKey("rooms/" + id) }
	)

	BeforeEach(func() {
		s = remote.NewSerializer("p", "d")
		rooms := query.NewQuery(model.MustParseResourcePath("rooms")).ToTarget()
		meta = &fakeMetadata{
			keys: map[int]model.DocumentKeySet{
				1: model.NewDocumentKeySet(roomsKey("a"), roomsKey("b"), roomsKey("c")),
			},
			targets: map[int]*query.TargetData{
				1: query.NewTargetData(rooms, 1, query.PurposeListen, 1),
			},
		}
		agg = remote.NewWatchChangeAggregator(meta, s, zap.NewNop().Sugar())
	})

	It("should collect added and modified documents per target", func() {
		agg.HandleDocumentChange(&remote.DocumentChange{UpdatedTargetIDs: []int{1}, Key: roomsKey("a"), NewDoc: roomDoc("a", 2)})
		agg.HandleDocumentChange(&remote.DocumentChange{UpdatedTargetIDs: []int{1}, Key: roomsKey("d"), NewDoc: roomDoc("d", 2)})
		agg.HandleTargetChange(&remote.WatchTargetChange{State: remote.TargetCurrent, TargetIDs: []int{1}, ResumeToken: []byte("r1")})

		ev := agg.CreateRemoteEvent(version(2))
		Expect(ev.TargetChanges).To(HaveKey(1))

		change := ev.TargetChanges[1]
		Expect(change.Current).To(BeTrue())
		Expect(change.ResumeToken).To(Equal([]byte("r1")))
		Expect(change.ModifiedDocuments.Has(roomsKey("a"))).To(BeTrue())
		Expect(change.AddedDocuments.Has(roomsKey("d"))).To(BeTrue())
		Expect(ev.DocumentUpdates[roomsKey("d")].ReadTime()).To(Equal(version(2)))

		Expect(agg.CreateRemoteEvent(version(3)).TargetChanges).To(BeEmpty())
	})

	It("should ignore changes for inactive targets", func() {
		agg.HandleDocumentChange(&remote.DocumentChange{UpdatedTargetIDs: []int{9}, Key: roomsKey("a"), NewDoc: roomDoc("a", 2)})

		ev := agg.CreateRemoteEvent(version(2))
		Expect(ev.TargetChanges).To(BeEmpty())
		Expect(ev.DocumentUpdates).To(BeEmpty())
	})

	It("should drop changes accumulated before a re-listen was confirmed", func() {
		agg.RecordPendingTargetRequest(1)
		agg.RecordPendingTargetRequest(1)
		agg.HandleDocumentChange(&remote.DocumentChange{UpdatedTargetIDs: []int{1}, Key: roomsKey("d"), NewDoc: roomDoc("d", 2)})
		agg.HandleTargetChange(&remote.WatchTargetChange{State: remote.TargetRemoved, TargetIDs: []int{1}})
		agg.HandleTargetChange(&remote.WatchTargetChange{State: remote.TargetAdded, TargetIDs: []int{1}})

		Expect(agg.CreateRemoteEvent(version(2)).TargetChanges).To(BeEmpty())
	})

	It("should keep resume tokens sent while a listen is unconfirmed", func() {
		agg.RecordPendingTargetRequest(1)
		agg.HandleTargetChange(&remote.WatchTargetChange{State: remote.TargetNoChange, TargetIDs: []int{1}, ResumeToken: []byte("r2")})

		ev := agg.CreateRemoteEvent(version(2))
		Expect(ev.TargetChanges).To(HaveKey(1))
		Expect(ev.TargetChanges[1].ResumeToken).To(Equal([]byte("r2")))
	})

	Context("existence filters", func() {
		names := func(ids ...string) []string {
			out := make([]string, 0, len(ids))
			for _, id := range ids {
				out = append(out, s.ResourceName(roomsKey(id)))
			}

			return out
		}

		It("should remove documents missing from the bloom filter", func() {
			agg.HandleExistenceFilter(&remote.ExistenceFilterChange{TargetID: 1, Filter: remote.ExistenceFilter{
				Count: 2,
				Bloom: remote.BuildBloomFilter(names("a", "b"), 1000, 7),
			}})

			ev := agg.CreateRemoteEvent(version(2))
			Expect(ev.TargetMismatches).To(BeEmpty())
			Expect(ev.TargetChanges[1].RemovedDocuments.Sorted()).To(Equal([]model.DocumentKey{roomsKey("c")}))
		})

		It("should reset the target without a bloom filter", func() {
			agg.HandleExistenceFilter(&remote.ExistenceFilterChange{TargetID: 1, Filter: remote.ExistenceFilter{Count: 2}})

			ev := agg.CreateRemoteEvent(version(2))
			Expect(ev.TargetMismatches).To(HaveKeyWithValue(1, query.PurposeExistenceFilterMismatch))
			Expect(ev.TargetChanges[1].RemovedDocuments.Len()).To(Equal(3))
			Expect(ev.TargetChanges[1].Current).To(BeFalse())
		})

		It("should reset the target when the bloom filter cannot explain the count", func() {
			agg.HandleExistenceFilter(&remote.ExistenceFilterChange{TargetID: 1, Filter: remote.ExistenceFilter{
				Count: 1,
				Bloom: remote.BuildBloomFilter(names("a", "b", "c"), 1000, 7),
			}})

			ev := agg.CreateRemoteEvent(version(2))
			Expect(ev.TargetMismatches).To(HaveKeyWithValue(1, query.PurposeExistenceFilterMismatchBloom))
		})

		It("should do nothing when the count matches", func() {
			agg.HandleExistenceFilter(&remote.ExistenceFilterChange{TargetID: 1, Filter: remote.ExistenceFilter{Count: 3}})

			ev := agg.CreateRemoteEvent(version(2))
			Expect(ev.TargetMismatches).To(BeEmpty())
			for _, change := range ev.TargetChanges {
				Expect(change.HasDocumentChanges()).To(BeFalse())
			}
		})

		It("should delete the document of a document target with count 0", func() {
			key := roomsKey("z")
			meta.targets[2] = query.NewTargetData(query.NewDocumentTarget(key), 2, query.PurposeListen, 1)
			meta.keys[2] = model.NewDocumentKeySet(key)

			agg.HandleExistenceFilter(&remote.ExistenceFilterChange{TargetID: 2, Filter: remote.ExistenceFilter{Count: 0}})

			ev := agg.CreateRemoteEvent(version(2))
			Expect(ev.DocumentUpdates).To(HaveKey(key))
			Expect(ev.DocumentUpdates[key].IsNoDocument()).To(BeTrue())
			Expect(ev.TargetChanges[2].RemovedDocuments.Has(key)).To(BeTrue())
		})
	})

	It("should synthesize a delete for a current document target without its document", func() {
		key := roomsKey("z")
		meta.targets[2] = query.NewTargetData(query.NewDocumentTarget(key), 2, query.PurposeListen, 1)

		agg.HandleTargetChange(&remote.WatchTargetChange{State: remote.TargetCurrent, TargetIDs: []int{2}})

		ev := agg.CreateRemoteEvent(version(4))
		Expect(ev.DocumentUpdates[key].IsNoDocument()).To(BeTrue())
		Expect(ev.DocumentUpdates[key].Version()).To(Equal(version(4)))
	})

	It("should mark documents seen only by limbo targets as resolved", func() {
		key := roomsKey("limbo")
		meta.targets[3] = query.NewTargetData(query.NewDocumentTarget(key), 3, query.PurposeLimboResolution, 1)

		agg.HandleDocumentChange(&remote.DocumentChange{UpdatedTargetIDs: []int{3}, Key: key, NewDoc: roomDoc("limbo", 2)})
		agg.HandleDocumentChange(&remote.DocumentChange{UpdatedTargetIDs: []int{1, 3}, Key: roomsKey("a"), NewDoc: roomDoc("a", 2)})

		ev := agg.CreateRemoteEvent(version(2))
		Expect(ev.ResolvedLimboDocuments.Has(key)).To(BeTrue())
		Expect(ev.ResolvedLimboDocuments.Has(roomsKey("a"))).To(BeFalse())
	})

	It("should apply global target changes to every active target", func() {
		agg.HandleTargetChange(&remote.WatchTargetChange{State: remote.TargetCurrent, TargetIDs: []int{1}})
		agg.CreateRemoteEvent(version(2))

		agg.HandleTargetChange(&remote.WatchTargetChange{State: remote.TargetNoChange, ResumeToken: []byte("r2")})

		ev := agg.CreateRemoteEvent(version(3))
		Expect(ev.TargetChanges[1].ResumeToken).To(Equal([]byte("r2")))
	})
})
