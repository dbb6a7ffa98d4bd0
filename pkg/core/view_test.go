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
package core_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/docsync/pkg/core"
	"github.com/united-manufacturing-hub/docsync/pkg/local"
	"github.com/united-manufacturing-hub/docsync/pkg/model"
	"github.com/united-manufacturing-hub/docsync/pkg/query"
	"github.com/united-manufacturing-hub/docsync/pkg/remote"
)

var _ = Describe("View", func() {
	var (
		log   *zap.SugaredLogger
		rooms *query.Query
	)

	current := func(added ...string) *local.TargetChange {
		tc := local.NewTargetChange([]byte("token"), true)
		for _, p := range added {
			tc.AddedDocuments.Add(model.MustDocumentKey(p))
		}

		return tc
	}

	BeforeEach(func() {
		log = zap.NewNop().Sugar()
		rooms = collection("rooms")
	})

	It("should add matching documents only", func() {
		view := core.NewView(rooms, model.NewDocumentKeySet(), log)

		changes := view.ComputeDocChanges(docMap(
			doc("rooms/a", 1, map[string]interface{}{"n": 1}),
			doc("rooms/b", 1, map[string]interface{}{"n": 2}),
			doc("users/x", 1, map[string]interface{}{"n": 3}),
		), nil)
		change := view.ApplyChanges(changes, true, nil, false)

		Expect(change.Snapshot).ToNot(BeNil())
		Expect(keysOf(change.Snapshot.Docs)).To(Equal([]string{"rooms/a", "rooms/b"}))
		Expect(change.Snapshot.DocChanges).To(HaveLen(2))

		for _, c := range change.Snapshot.DocChanges {
			Expect(c.Type).To(Equal(core.ChangeAdded))
		}

		Expect(change.Snapshot.FromCache).To(BeTrue())
		Expect(change.Snapshot.SyncStateChanged).To(BeTrue())
	})

	It("should be synced once the target is current and nothing is in limbo", func() {
		view := core.NewView(rooms, model.NewDocumentKeySet(), log)

		changes := view.ComputeDocChanges(docMap(doc("rooms/a", 1, map[string]interface{}{"n": 1})), nil)
		change := view.ApplyChanges(changes, true, current("rooms/a"), false)

		Expect(change.Snapshot.FromCache).To(BeFalse())
		Expect(change.LimboChanges).To(BeEmpty())
		Expect(view.SyncedDocuments().Has(model.MustDocumentKey("rooms/a"))).To(BeTrue())
	})

	It("should not raise a snapshot when nothing changed", func() {
		view := core.NewView(rooms, model.NewDocumentKeySet(), log)
		a := doc("rooms/a", 1, map[string]interface{}{"n": 1})

		view.ApplyChanges(view.ComputeDocChanges(docMap(a), nil), true, nil, false)
		change := view.ApplyChanges(view.ComputeDocChanges(docMap(a), nil), true, nil, false)

		Expect(change.Snapshot).To(BeNil())
	})

	It("should report modified documents", func() {
		view := core.NewView(rooms, model.NewDocumentKeySet(), log)

		view.ApplyChanges(view.ComputeDocChanges(docMap(doc("rooms/a", 1, map[string]interface{}{"n": 1})), nil), true, nil, false)
		change := view.ApplyChanges(view.ComputeDocChanges(docMap(doc("rooms/a", 2, map[string]interface{}{"n": 5})), nil), true, nil, false)

		Expect(change.Snapshot.DocChanges).To(HaveLen(1))
		Expect(change.Snapshot.DocChanges[0].Type).To(Equal(core.ChangeModified))
		Expect(change.Snapshot.OldDocs.Len()).To(Equal(1))
	})

	Describe("limbo documents", func() {
		It("should put cached documents the server does not report into limbo", func() {
			view := core.NewView(rooms, model.NewDocumentKeySet(), log)

			changes := view.ComputeDocChanges(docMap(
				doc("rooms/a", 1, map[string]interface{}{"n": 1}),
				doc("rooms/b", 1, map[string]interface{}{"n": 2}),
			), nil)
			change := view.ApplyChanges(changes, true, current("rooms/a"), false)

			Expect(change.LimboChanges).To(ConsistOf(core.LimboChange{Type: core.LimboAdded, Key: model.MustDocumentKey("rooms/b")}))
			Expect(change.Snapshot.FromCache).To(BeTrue())
			Expect(view.LimboDocuments().Has(model.MustDocumentKey("rooms/b"))).To(BeTrue())

			By("resolving the limbo document as deleted")
			deleted := model.NewNoDocument(model.MustDocumentKey("rooms/b"), version(2))
			change = view.ApplyChanges(view.ComputeDocChanges(docMap(deleted), nil), true, current(), false)

			Expect(change.LimboChanges).To(ConsistOf(core.LimboChange{Type: core.LimboRemoved, Key: model.MustDocumentKey("rooms/b")}))
			Expect(change.Snapshot.FromCache).To(BeFalse())
			Expect(keysOf(change.Snapshot.Docs)).To(Equal([]string{"rooms/a"}))
		})

		It("should not put locally written documents into limbo", func() {
			view := core.NewView(rooms, model.NewDocumentKeySet(), log)
			pending := doc("rooms/b", 0, map[string]interface{}{"n": 2}).SetHasLocalMutations()

			change := view.ApplyChanges(view.ComputeDocChanges(docMap(pending), nil), true, current(), false)

			Expect(change.LimboChanges).To(BeEmpty())
			Expect(change.Snapshot.HasPendingWrites()).To(BeTrue())
			Expect(change.Snapshot.FromCache).To(BeFalse())
		})

		It("should not compute limbo documents while the target is pending a reset", func() {
			view := core.NewView(rooms, model.NewDocumentKeySet(), log)

			changes := view.ComputeDocChanges(docMap(doc("rooms/b", 1, map[string]interface{}{"n": 2})), nil)
			change := view.ApplyChanges(changes, true, current(), true)

			Expect(change.LimboChanges).To(BeEmpty())
			Expect(change.Snapshot.FromCache).To(BeTrue())
		})
	})

	Describe("limit queries", func() {
		var top2 *query.Query

		BeforeEach(func() {
			top2 = rooms.OrderBy(model.MustParseFieldPath("n"), query.Ascending).LimitToFirst(2)
		})

		It("should only keep documents within the limit", func() {
			view := core.NewView(top2, model.NewDocumentKeySet(), log)

			changes := view.ComputeDocChanges(docMap(
				doc("rooms/c", 1, map[string]interface{}{"n": 3}),
				doc("rooms/a", 1, map[string]interface{}{"n": 1}),
				doc("rooms/b", 1, map[string]interface{}{"n": 2}),
			), nil)
			change := view.ApplyChanges(changes, true, nil, false)

			Expect(keysOf(change.Snapshot.Docs)).To(Equal([]string{"rooms/a", "rooms/b"}))
			Expect(change.Snapshot.DocChanges).To(HaveLen(2))
		})

		It("should ask for a refill after losing a document at the limit", func() {
			view := core.NewView(top2, model.NewDocumentKeySet(), log)

			view.ApplyChanges(view.ComputeDocChanges(docMap(
				doc("rooms/a", 1, map[string]interface{}{"n": 1}),
				doc("rooms/b", 1, map[string]interface{}{"n": 2}),
			), nil), true, nil, false)

			changes := view.ComputeDocChanges(docMap(model.NewNoDocument(model.MustDocumentKey("rooms/a"), version(2))), nil)
			Expect(changes.NeedsRefill).To(BeTrue())

			By("refilling from the full result")
			refilled := view.ComputeDocChanges(docMap(
				doc("rooms/b", 1, map[string]interface{}{"n": 2}),
				doc("rooms/c", 1, map[string]interface{}{"n": 3}),
			), changes)
			Expect(refilled.NeedsRefill).To(BeFalse())

			change := view.ApplyChanges(refilled, true, nil, false)
			Expect(keysOf(change.Snapshot.Docs)).To(Equal([]string{"rooms/b", "rooms/c"}))
		})
	})

	Describe("online state", func() {
		It("should fall back to cache when a current view goes offline", func() {
			view := core.NewView(rooms, model.NewDocumentKeySet(), log)
			view.ApplyChanges(view.ComputeDocChanges(docMap(doc("rooms/a", 1, map[string]interface{}{"n": 1})), nil),
				true, current("rooms/a"), false)

			change := view.ApplyOnlineStateChange(remote.OnlineStateOffline)

			Expect(change.Snapshot).ToNot(BeNil())
			Expect(change.Snapshot.FromCache).To(BeTrue())
			Expect(change.Snapshot.DocChanges).To(BeEmpty())
		})

		It("should not raise anything for a view that was never current", func() {
			view := core.NewView(rooms, model.NewDocumentKeySet(), log)
			view.ApplyChanges(view.ComputeDocChanges(docMap(doc("rooms/a", 1, map[string]interface{}{"n": 1})), nil), true, nil, false)

			Expect(view.ApplyOnlineStateChange(remote.OnlineStateOffline).Snapshot).To(BeNil())
		})
	})

	It("should compute an initial snapshot of the current result", func() {
		view := core.NewView(rooms, model.NewDocumentKeySet(), log)
		view.ApplyChanges(view.ComputeDocChanges(docMap(doc("rooms/a", 1, map[string]interface{}{"n": 1})), nil), true, nil, false)

		snap := view.ComputeInitialSnapshot()

		Expect(snap.DocChanges).To(HaveLen(1))
		Expect(snap.DocChanges[0].Type).To(Equal(core.ChangeAdded))
		Expect(snap.OldDocs.IsEmpty()).To(BeTrue())
		Expect(snap.FromCache).To(BeTrue())
	})
})
