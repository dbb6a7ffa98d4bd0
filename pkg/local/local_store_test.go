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

package local_test

import (
	"context"
	"fmt"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/docsync/pkg/constants"
	"github.com/united-manufacturing-hub/docsync/pkg/local"
	"github.com/united-manufacturing-hub/docsync/pkg/model"
	"github.com/united-manufacturing-hub/docsync/pkg/mutation"
	"github.com/united-manufacturing-hub/docsync/pkg/persistence/memory"
	"github.com/united-manufacturing-hub/docsync/pkg/persistence/sqlite"
	"github.com/united-manufacturing-hub/docsync/pkg/query"
)

var (
	rooms = model.MustParseResourcePath("rooms")
	size  = model.MustParseFieldPath("size")
)

func sizeAbove(n int64) *query.Query {
	return query.NewQuery(rooms).Where(query.NewFieldFilter(size, query.OpGreaterThan, model.IntegerValue(n)))
}

func keysOf(docs map[model.DocumentKey]*model.Document) []string {
	out := make([]string, 0, len(docs))
	for k := range docs {
		out = append(out, k.String())
	}

	return out
}

var _ = Describe("LocalStore", func() {
	var (
		ctx context.Context
		ls  *local.LocalStore
	)

	BeforeEach(func() {
		ctx = context.Background()
		ls = newStore()
	})

	It("should refuse work before start", func() {
		fresh := local.NewLocalStore(local.Options{Store: memory.NewStore(), Logger: zap.NewNop().Sugar()}, "user-a")

		_, err := fresh.LocalWrite(ctx, []*mutation.Mutation{setMutation("rooms/a", map[string]interface{}{"x": 1})})
		Expect(err).To(MatchError(local.ErrNotStarted))
	})

	Describe("local writes", func() {
		It("should show a pending write right away", func() {
			res := write(ls, setMutation("rooms/a", map[string]interface{}{"x": 1}))

			doc := res.Changes[model.MustDocumentKey("rooms/a")]
			Expect(doc.IsFoundDocument()).To(BeTrue())
			Expect(doc.HasPendingWrites()).To(BeTrue())
			Expect(doc.Version().IsMin()).To(BeTrue())
			Expect(field(doc, "x").AsInteger()).To(Equal(int64(1)))

			Expect(read(ls, "rooms/a").Equal(doc)).To(BeTrue())
		})

		It("should hand out increasing batch ids", func() {
			first := write(ls, setMutation("rooms/a", map[string]interface{}{"x": 1}))
			second := write(ls, setMutation("rooms/b", map[string]interface{}{"x": 2}))
			Expect(second.BatchID).To(BeNumerically(">", first.BatchID))

			id, err := ls.HighestUnacknowledgedBatchID(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(id).To(Equal(second.BatchID))

			next, err := ls.NextMutationBatch(ctx, first.BatchID)
			Expect(err).ToNot(HaveOccurred())
			Expect(next.BatchID).To(Equal(second.BatchID))

			none, err := ls.NextMutationBatch(ctx, second.BatchID)
			Expect(err).ToNot(HaveOccurred())
			Expect(none).To(BeNil())
		})

		It("should chain increments written back to back", func() {
			target := listen(ls, query.NewQuery(rooms))
			apply(ls, snapshot(version(1), target.TargetID, []byte("t1"), found("rooms/a", version(1), map[string]interface{}{"x": 1})))

			key := model.MustDocumentKey("rooms/a")
			Expect(field(write(ls, incrementMutation("rooms/a", "x", 1)).Changes[key], "x").AsInteger()).To(Equal(int64(2)))
			second := write(ls, incrementMutation("rooms/a", "x", 1))
			Expect(field(second.Changes[key], "x").AsInteger()).To(Equal(int64(3)))
			Expect(field(read(ls, "rooms/a"), "x").AsInteger()).To(Equal(int64(3)))

			By("acknowledging the first increment with the server result")
			changes := ack(ls, second.BatchID-1, version(2), mutation.Result{
				Version:          version(2),
				TransformResults: []model.Value{model.IntegerValue(2)},
			})
			Expect(field(changes[key], "x").AsInteger()).To(Equal(int64(3)))
			Expect(changes[key].HasLocalMutations()).To(BeTrue())

			By("acknowledging the second increment")
			changes = ack(ls, second.BatchID, version(3), mutation.Result{
				Version:          version(3),
				TransformResults: []model.Value{model.IntegerValue(3)},
			})
			Expect(field(changes[key], "x").AsInteger()).To(Equal(int64(3)))
			Expect(changes[key].HasLocalMutations()).To(BeFalse())
			Expect(changes[key].HasCommittedMutations()).To(BeTrue())
		})

		It("should apply acknowledged writes to the remote document", func() {
			res := write(ls, setMutation("rooms/b", map[string]interface{}{"v": 1}))
			ack(ls, res.BatchID, version(5))

			doc := read(ls, "rooms/b")
			Expect(doc.IsFoundDocument()).To(BeTrue())
			Expect(doc.HasCommittedMutations()).To(BeTrue())
			Expect(doc.Version().Equal(version(5))).To(BeTrue())

			id, err := ls.HighestUnacknowledgedBatchID(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(id).To(Equal(mutation.BatchIDUnknown))

			token, err := ls.LastStreamToken(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(token).To(Equal([]byte("stream-token")))
		})

		It("should restore the remote version when a batch is rejected", func() {
			ev := local.NewRemoteEvent(version(1))
			ev.DocumentUpdates[model.MustDocumentKey("rooms/c")] = found("rooms/c", version(1), map[string]interface{}{"v": 1})
			apply(ls, ev)

			res := write(ls, setMutation("rooms/c", map[string]interface{}{"v": 2}))
			Expect(field(read(ls, "rooms/c"), "v").AsInteger()).To(Equal(int64(2)))

			changes, err := ls.RejectBatch(ctx, res.BatchID)
			Expect(err).ToNot(HaveOccurred())

			doc := changes[model.MustDocumentKey("rooms/c")]
			Expect(field(doc, "v").AsInteger()).To(Equal(int64(1)))
			Expect(doc.HasPendingWrites()).To(BeFalse())
			Expect(read(ls, "rooms/c").Equal(doc)).To(BeTrue())
		})

		It("should keep the overlay of a later batch when an earlier one is rejected", func() {
			first := write(ls, setMutation("rooms/d", map[string]interface{}{"v": 1}))
			write(ls, mutation.NewPatchMutation(model.MustDocumentKey("rooms/d"), obj(map[string]interface{}{"w": 2}),
				model.NewFieldMask(model.MustParseFieldPath("w")), mutation.NoPrecondition()))

			_, err := ls.RejectBatch(ctx, first.BatchID)
			Expect(err).ToNot(HaveOccurred())

			doc := read(ls, "rooms/d")
			Expect(doc.HasLocalMutations()).To(BeTrue())
			Expect(field(doc, "w").AsInteger()).To(Equal(int64(2)))
			_, ok := doc.Field(model.MustParseFieldPath("v"))
			Expect(ok).To(BeFalse())
		})

		It("should treat removing a batch out of order as fatal", func() {
			write(ls, setMutation("rooms/a", map[string]interface{}{"x": 1}))
			second := write(ls, setMutation("rooms/b", map[string]interface{}{"x": 2}))

			batch, err := ls.NextMutationBatch(ctx, second.BatchID-1)
			Expect(err).ToNot(HaveOccurred())

			res, err := mutation.NewBatchResult(batch, version(1), []mutation.Result{{Version: version(1)}}, nil)
			Expect(err).ToNot(HaveOccurred())

			Expect(func() { _, _ = ls.AcknowledgeBatch(ctx, res) }).To(Panic())
		})
	})

	Describe("remote events", func() {
		var key model.DocumentKey

		BeforeEach(func() {
			key = model.MustDocumentKey("rooms/a")
		})

		update := func(v model.SnapshotVersion, doc *model.Document) *local.RemoteEvent {
			ev := local.NewRemoteEvent(v)
			ev.DocumentUpdates[doc.Key()] = doc

			return ev
		}

		It("should be idempotent", func() {
			ev := update(version(2), found("rooms/a", version(2), map[string]interface{}{"n": 2}))

			Expect(apply(ls, ev)).To(HaveKey(key))
			before := read(ls, "rooms/a")

			Expect(apply(ls, ev)).To(BeEmpty())
			Expect(read(ls, "rooms/a").Equal(before)).To(BeTrue())
		})

		It("should ignore updates older than the cached document", func() {
			apply(ls, update(version(2), found("rooms/a", version(2), map[string]interface{}{"n": 2})))
			apply(ls, update(version(3), found("rooms/a", version(1), map[string]interface{}{"n": 1})))

			Expect(field(read(ls, "rooms/a"), "n").AsInteger()).To(Equal(int64(2)))
		})

		It("should store deletes and forget synthesized ones", func() {
			apply(ls, update(version(2), found("rooms/a", version(2), map[string]interface{}{"n": 2})))
			apply(ls, update(version(3), model.NewNoDocument(key, version(3))))
			Expect(read(ls, "rooms/a").IsNoDocument()).To(BeTrue())

			apply(ls, update(version(4), model.NewNoDocument(key, model.MinVersion)))
			Expect(read(ls, "rooms/a").IsValidDocument()).To(BeFalse())
		})

		It("should layer pending writes over remote updates", func() {
			write(ls, mutation.NewPatchMutation(key, obj(map[string]interface{}{"local": true}),
				model.NewFieldMask(model.MustParseFieldPath("local")), mutation.NoPrecondition()))

			changes := apply(ls, update(version(2), found("rooms/a", version(2), map[string]interface{}{"n": 2})))
			doc := changes[key]
			Expect(doc.HasLocalMutations()).To(BeTrue())
			Expect(field(doc, "n").AsInteger()).To(Equal(int64(2)))
			Expect(field(doc, "local").AsBool()).To(BeTrue())
		})

		It("should apply an update written before the document existed once it arrives", func() {
			write(ls, mutation.NewPatchMutation(key, obj(map[string]interface{}{"local": true}),
				model.NewFieldMask(model.MustParseFieldPath("local")), mutation.ExistsPrecondition(true)))
			Expect(read(ls, "rooms/a").IsValidDocument()).To(BeFalse())

			changes := apply(ls, update(version(2), found("rooms/a", version(2), map[string]interface{}{"n": 2})))
			doc := changes[key]
			Expect(doc.HasLocalMutations()).To(BeTrue())
			Expect(field(doc, "n").AsInteger()).To(Equal(int64(2)))
			Expect(field(doc, "local").AsBool()).To(BeTrue())
		})

		It("should replay every pending batch in order over the first remote copy", func() {
			write(ls, mutation.NewPatchMutation(key, obj(map[string]interface{}{"local": true}),
				model.NewFieldMask(model.MustParseFieldPath("local")), mutation.NoPrecondition()))
			pending := write(ls, incrementMutation("rooms/a", "n", 1))
			Expect(field(pending.Changes[key], "n").AsInteger()).To(Equal(int64(1)))

			apply(ls, update(version(2), found("rooms/a", version(2), map[string]interface{}{"n": 2, "remote": "kept"})))

			doc := read(ls, "rooms/a")
			Expect(doc.HasLocalMutations()).To(BeTrue())
			Expect(field(doc, "n").AsInteger()).To(Equal(int64(3)))
			Expect(field(doc, "local").AsBool()).To(BeTrue())
			Expect(field(doc, "remote").AsString()).To(Equal("kept"))

			By("picking up later remote changes under the same pending writes")
			apply(ls, update(version(3), found("rooms/a", version(3), map[string]interface{}{"n": 5})))

			doc = read(ls, "rooms/a")
			Expect(field(doc, "n").AsInteger()).To(Equal(int64(6)))
			Expect(field(doc, "local").AsBool()).To(BeTrue())
			_, ok := doc.Field(model.MustParseFieldPath("remote"))
			Expect(ok).To(BeFalse())
		})

		It("should track resume tokens and matching keys of active targets", func() {
			target := listen(ls, query.NewQuery(rooms))
			apply(ls, snapshot(version(2), target.TargetID, []byte("resume"), found("rooms/a", version(2), map[string]interface{}{"n": 2})))

			data, err := ls.TargetData(ctx, target.Target)
			Expect(err).ToNot(HaveOccurred())
			Expect(data.ResumeToken).To(Equal([]byte("resume")))
			Expect(data.SnapshotVersion.Equal(version(2))).To(BeTrue())

			keys, err := ls.RemoteDocumentKeys(ctx, target.TargetID)
			Expect(err).ToNot(HaveOccurred())
			Expect(keys.Has(key)).To(BeTrue())

			last, err := ls.LastRemoteSnapshotVersion(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(last.Equal(version(2))).To(BeTrue())
		})

		It("should clear the resume token of a mismatched target", func() {
			target := listen(ls, query.NewQuery(rooms))
			apply(ls, snapshot(version(2), target.TargetID, []byte("resume")))

			ev := local.NewRemoteEvent(version(3))
			ev.TargetChanges[target.TargetID] = local.NewTargetChange(nil, false)
			ev.TargetMismatches[target.TargetID] = query.PurposeExistenceFilterMismatch
			apply(ls, ev)

			data, err := ls.TargetData(ctx, target.Target)
			Expect(err).ToNot(HaveOccurred())
			Expect(data.ResumeToken).To(BeEmpty())
			Expect(data.SnapshotVersion.IsMin()).To(BeTrue())
		})

		It("should treat a snapshot going backwards as fatal", func() {
			apply(ls, local.NewRemoteEvent(version(10)))
			Expect(func() { _, _ = ls.ApplyRemoteEvent(ctx, local.NewRemoteEvent(version(5))) }).To(Panic())
		})
	})

	Describe("targets", func() {
		It("should reuse targets of equal queries and allocate even ids", func() {
			first := listen(ls, query.NewQuery(rooms))
			again := listen(ls, query.NewQuery(rooms))
			other := listen(ls, sizeAbove(1))

			Expect(first.TargetID).To(Equal(2))
			Expect(again.TargetID).To(Equal(first.TargetID))
			Expect(other.TargetID).To(Equal(4))

			Expect(ls.ReleaseTarget(ctx, first.TargetID)).To(Succeed())
			Expect(listen(ls, query.NewQuery(rooms)).TargetID).To(Equal(first.TargetID))
		})

		It("should treat view changes for an inactive target as fatal", func() {
			Expect(func() {
				_ = ls.NotifyLocalViewChanges(ctx, []local.LocalViewChanges{{
					TargetID:    42,
					AddedKeys:   model.NewDocumentKeySet(),
					RemovedKeys: model.NewDocumentKeySet(),
				}})
			}).To(Panic())
		})

		It("should refuse to release inactive targets", func() {
			Expect(ls.ReleaseTarget(ctx, 42)).To(MatchError(ContainSubstring("inactive target 42")))
		})
	})

	Describe("query execution", func() {
		var target *query.TargetData

		BeforeEach(func() {
			target = listen(ls, sizeAbove(1))
			apply(ls, snapshot(version(1), target.TargetID, []byte("t1"),
				found("rooms/a", version(1), map[string]interface{}{"size": 2}),
				found("rooms/b", version(1), map[string]interface{}{"size": 3})))

			ev := local.NewRemoteEvent(version(1))
			ev.DocumentUpdates[model.MustDocumentKey("rooms/small")] = found("rooms/small", version(1), map[string]interface{}{"size": 0})
			apply(ls, ev)
		})

		It("should scan the collection without previous results", func() {
			res, err := ls.ExecuteQuery(ctx, sizeAbove(1), false)
			Expect(err).ToNot(HaveOccurred())
			Expect(res.Path).To(Equal(local.QueryPathFullScan))
			Expect(keysOf(res.Documents)).To(ConsistOf("rooms/a", "rooms/b"))
			Expect(res.RemoteKeys.Len()).To(Equal(2))
		})

		It("should refresh previous results once the view was limbo free", func() {
			Expect(ls.NotifyLocalViewChanges(ctx, []local.LocalViewChanges{{
				TargetID:    target.TargetID,
				AddedKeys:   model.NewDocumentKeySet(model.MustDocumentKey("rooms/a"), model.MustDocumentKey("rooms/b")),
				RemovedKeys: model.NewDocumentKeySet(),
			}})).To(Succeed())

			data, err := ls.TargetData(ctx, target.Target)
			Expect(err).ToNot(HaveOccurred())
			Expect(data.LastLimboFreeSnapshotVersion.Equal(version(1))).To(BeTrue())

			ev := local.NewRemoteEvent(version(2))
			ev.DocumentUpdates[model.MustDocumentKey("rooms/c")] = found("rooms/c", version(2), map[string]interface{}{"size": 5})
			apply(ls, ev)
			write(ls, setMutation("rooms/d", map[string]interface{}{"size": 9}))

			res, err := ls.ExecuteQuery(ctx, sizeAbove(1), true)
			Expect(err).ToNot(HaveOccurred())
			Expect(res.Path).To(Equal(local.QueryPathPreviousResults))
			Expect(keysOf(res.Documents)).To(ConsistOf("rooms/a", "rooms/b", "rooms/c", "rooms/d"))
		})

		It("should fall back to a scan when a limit query lost a result", func() {
			limited := sizeAbove(1).LimitToFirst(2)
			data := listen(ls, limited)
			apply(ls, snapshot(version(2), data.TargetID, []byte("t2"),
				found("rooms/a", version(1), map[string]interface{}{"size": 2}),
				found("rooms/b", version(1), map[string]interface{}{"size": 3})))

			ev := local.NewRemoteEvent(version(2))
			ev.DocumentUpdates[model.MustDocumentKey("rooms/e")] = found("rooms/e", version(2), map[string]interface{}{"size": 4})
			apply(ls, ev)

			Expect(ls.NotifyLocalViewChanges(ctx, []local.LocalViewChanges{{
				TargetID:    data.TargetID,
				AddedKeys:   model.NewDocumentKeySet(model.MustDocumentKey("rooms/a"), model.MustDocumentKey("rooms/b")),
				RemovedKeys: model.NewDocumentKeySet(),
			}})).To(Succeed())

			res, err := ls.ExecuteQuery(ctx, limited, true)
			Expect(err).ToNot(HaveOccurred())
			Expect(res.Path).To(Equal(local.QueryPathPreviousResults))
			Expect(keysOf(res.Documents)).To(ConsistOf("rooms/a", "rooms/b"))

			write(ls, mutation.NewDeleteMutation(model.MustDocumentKey("rooms/a"), mutation.NoPrecondition()))

			res, err = ls.ExecuteQuery(ctx, limited, true)
			Expect(err).ToNot(HaveOccurred())
			Expect(res.Path).To(Equal(local.QueryPathFullScan))
			Expect(keysOf(res.Documents)).To(ConsistOf("rooms/b", "rooms/e"))
		})

		It("should answer from a configured field index", func() {
			Expect(ls.ConfigureFieldIndexes(ctx, []local.FieldIndex{{
				CollectionGroup: "rooms",
				Segments:        []local.IndexSegment{{Field: size, Direction: query.Ascending}},
			}})).To(Succeed())
			Expect(ls.FieldIndexes()).To(HaveLen(1))

			write(ls, setMutation("rooms/d", map[string]interface{}{"size": 9}))

			res, err := ls.ExecuteQuery(ctx, sizeAbove(1), false)
			Expect(err).ToNot(HaveOccurred())
			Expect(res.Path).To(Equal(local.QueryPathIndex))
			Expect(keysOf(res.Documents)).To(ConsistOf("rooms/a", "rooms/b", "rooms/d"))

			By("keeping the index current as documents change")
			ev := local.NewRemoteEvent(version(3))
			ev.DocumentUpdates[model.MustDocumentKey("rooms/b")] = found("rooms/b", version(3), map[string]interface{}{"size": 1})
			apply(ls, ev)

			res, err = ls.ExecuteQuery(ctx, sizeAbove(1), false)
			Expect(err).ToNot(HaveOccurred())
			Expect(keysOf(res.Documents)).To(ConsistOf("rooms/a", "rooms/d"))

			Expect(ls.ConfigureFieldIndexes(ctx, nil)).To(Succeed())
			Expect(ls.FieldIndexes()).To(BeEmpty())

			res, err = ls.ExecuteQuery(ctx, sizeAbove(1), false)
			Expect(err).ToNot(HaveOccurred())
			Expect(res.Path).To(Equal(local.QueryPathFullScan))
		})

		It("should create an index after an expensive scan when enabled", func() {
			ev := local.NewRemoteEvent(version(2))
			for i := 0; i < 120; i++ {
				path := fmt.Sprintf("rooms/r%03d", i)
				ev.DocumentUpdates[model.MustDocumentKey(path)] = found(path, version(2), map[string]interface{}{"size": -i})
			}
			apply(ls, ev)

			Expect(ls.SetIndexAutoCreationEnabled(ctx, true)).To(Succeed())

			res, err := ls.ExecuteQuery(ctx, sizeAbove(2), false)
			Expect(err).ToNot(HaveOccurred())
			Expect(res.Path).To(Equal(local.QueryPathFullScan))
			Expect(keysOf(res.Documents)).To(ConsistOf("rooms/b"))
			Expect(ls.FieldIndexes()).To(HaveLen(1))

			res, err = ls.ExecuteQuery(ctx, sizeAbove(2), false)
			Expect(err).ToNot(HaveOccurred())
			Expect(res.Path).To(Equal(local.QueryPathIndex))
			Expect(keysOf(res.Documents)).To(ConsistOf("rooms/b"))
		})
	})

	Describe("garbage collection", func() {
		BeforeEach(func() {
			ls = startStore(memory.NewStore(), local.Options{Lru: local.LruParams{
				CacheSizeBytes:              1,
				Percentile:                  100,
				MaxSequenceNumbersToCollect: 1000,
			}})
		})

		It("should only collect documents nothing references", func() {
			released := listen(ls, query.NewQuery(rooms))
			apply(ls, snapshot(version(1), released.TargetID, []byte("t1"), found("rooms/a", version(1), map[string]interface{}{"n": 1})))

			active := listen(ls, query.NewQuery(model.MustParseResourcePath("halls")))
			apply(ls, snapshot(version(2), active.TargetID, []byte("t2"), found("halls/x", version(2), map[string]interface{}{"n": 1})))

			ev := local.NewRemoteEvent(version(3))
			ev.DocumentUpdates[model.MustDocumentKey("rooms/p")] = found("rooms/p", version(3), map[string]interface{}{"n": 1})
			apply(ls, ev)
			write(ls, setMutation("rooms/p", map[string]interface{}{"n": 2}))

			Expect(ls.ReleaseTarget(ctx, released.TargetID)).To(Succeed())

			res, err := ls.CollectGarbage(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(res.DidRun).To(BeTrue())
			Expect(res.TargetsRemoved).To(Equal(1))
			Expect(res.DocumentsRemoved).To(Equal(1))

			Expect(read(ls, "rooms/a").IsValidDocument()).To(BeFalse())
			Expect(read(ls, "halls/x").IsFoundDocument()).To(BeTrue())
			Expect(read(ls, "rooms/p").HasLocalMutations()).To(BeTrue())

			data, err := ls.TargetData(ctx, released.Target)
			Expect(err).ToNot(HaveOccurred())
			Expect(data).To(BeNil())

			By("running again without anything left to collect")
			res, err = ls.CollectGarbage(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(res.TargetsRemoved).To(BeZero())
			Expect(res.DocumentsRemoved).To(BeZero())
			Expect(read(ls, "halls/x").IsFoundDocument()).To(BeTrue())
		})

		It("should skip collection below the cache size and when disabled", func() {
			small := newStore()
			res, err := small.CollectGarbage(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(res.DidRun).To(BeFalse())

			disabled := startStore(memory.NewStore(), local.Options{Lru: local.LruParams{CacheSizeBytes: constants.GCDisabled}})
			res, err = disabled.CollectGarbage(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(res.DidRun).To(BeFalse())
		})
	})

	Describe("user changes", func() {
		It("should swap the pending writes of the previous user", func() {
			first := write(ls, setMutation("rooms/u", map[string]interface{}{"owner": "a"}))

			res, err := ls.HandleUserChange(ctx, "user-b")
			Expect(err).ToNot(HaveOccurred())
			Expect(res.RemovedBatchIDs).To(ConsistOf(first.BatchID))
			Expect(res.AddedBatchIDs).To(BeEmpty())
			Expect(res.Changes[model.MustDocumentKey("rooms/u")].IsValidDocument()).To(BeFalse())

			second := write(ls, setMutation("rooms/v", map[string]interface{}{"owner": "b"}))
			Expect(second.BatchID).To(BeNumerically(">", first.BatchID))

			res, err = ls.HandleUserChange(ctx, "user-a")
			Expect(err).ToNot(HaveOccurred())
			Expect(res.RemovedBatchIDs).To(ConsistOf(second.BatchID))
			Expect(res.AddedBatchIDs).To(ConsistOf(first.BatchID))
			Expect(read(ls, "rooms/u").HasLocalMutations()).To(BeTrue())
			Expect(read(ls, "rooms/v").IsValidDocument()).To(BeFalse())
		})
	})

	Describe("durable persistence", func() {
		It("should keep pending writes across restarts", func() {
			path := filepath.Join(GinkgoT().TempDir(), "cache.db")
			open := func() *sqlite.Store {
				store, err := sqlite.Open(ctx, sqlite.Options{Path: path, Logger: zap.NewNop().Sugar()})
				Expect(err).ToNot(HaveOccurred())

				return store
			}

			store := open()
			first := startStore(store, local.Options{})
			res := write(first, setMutation("rooms/a", map[string]interface{}{"x": 1}))
			Expect(store.Close(ctx)).To(Succeed())

			store = open()
			defer func() { _ = store.Close(ctx) }()
			second := startStore(store, local.Options{})

			batch, err := second.NextMutationBatch(ctx, mutation.BatchIDUnknown)
			Expect(err).ToNot(HaveOccurred())
			Expect(batch.BatchID).To(Equal(res.BatchID))

			doc := read(second, "rooms/a")
			Expect(doc.HasLocalMutations()).To(BeTrue())
			Expect(field(doc, "x").AsInteger()).To(Equal(int64(1)))

			next := write(second, setMutation("rooms/b", map[string]interface{}{"x": 2}))
			Expect(next.BatchID).To(BeNumerically(">", res.BatchID))
		})
	})
})
