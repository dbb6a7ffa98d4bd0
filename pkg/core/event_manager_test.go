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
	"github.com/united-manufacturing-hub/docsync/pkg/query"
	"github.com/united-manufacturing-hub/docsync/pkg/remote"
	"github.com/united-manufacturing-hub/docsync/pkg/status"
)

type fakeRegistry struct {
	listens   []string
	unlistens []string
	snap      func(q *query.Query) *core.ViewSnapshot
	err       error
}

func (f *fakeRegistry) Listen(q *query.Query, _ bool) (*core.ViewSnapshot, error) {
	if f.err != nil {
		return nil, f.err
	}

	f.listens = append(f.listens, q.CanonicalID())

	return f.snap(q), nil
}

func (f *fakeRegistry) Unlisten(q *query.Query, _ bool) error {
	f.unlistens = append(f.unlistens, q.CanonicalID())

	return nil
}

var _ = Describe("EventManager", func() {
	var (
		registry *fakeRegistry
		manager  *core.EventManager
		rooms    *query.Query
	)

	BeforeEach(func() {
		rooms = collection("rooms")
		registry = &fakeRegistry{snap: func(q *query.Query) *core.ViewSnapshot {
			return snapshotOf(q, true, doc(q.Path().CanonicalString()+"/a", 1, map[string]interface{}{"n": 1}))
		}}
		manager = core.NewEventManager(registry, zap.NewNop().Sugar())
	})

	It("should share one view between listeners of the same query", func() {
		first, second := &recorder{}, &recorder{}
		l1 := core.NewQueryListener(rooms, first, core.ListenOptions{})
		l2 := core.NewQueryListener(collection("rooms"), second, core.ListenOptions{})

		Expect(manager.Listen(l1)).To(Succeed())
		Expect(manager.Listen(l2)).To(Succeed())

		Expect(registry.listens).To(HaveLen(1))
		Expect(manager.ListenerCount()).To(Equal(2))
		Eventually(first.Snapshots).Should(HaveLen(1))
		Eventually(second.Snapshots).Should(HaveLen(1))

		Expect(manager.Unlisten(l1)).To(Succeed())
		Expect(registry.unlistens).To(BeEmpty())

		Expect(manager.Unlisten(l2)).To(Succeed())
		Expect(registry.unlistens).To(Equal([]string{rooms.CanonicalID()}))
		Expect(manager.ListenerCount()).To(BeZero())
	})

	It("should route snapshots to the listeners of their query", func() {
		roomsObs, usersObs := &recorder{}, &recorder{}
		users := collection("users")

		lr := core.NewQueryListener(rooms, roomsObs, core.ListenOptions{})
		lu := core.NewQueryListener(users, usersObs, core.ListenOptions{})
		DeferCleanup(lr.Mute)
		DeferCleanup(lu.Mute)

		Expect(manager.Listen(lr)).To(Succeed())
		Expect(manager.Listen(lu)).To(Succeed())

		manager.OnWatchChange([]*core.ViewSnapshot{
			snapshotOf(rooms, false, doc("rooms/b", 2, map[string]interface{}{"n": 2})),
		})

		Eventually(roomsObs.Snapshots).Should(HaveLen(2))
		Consistently(usersObs.Snapshots, "50ms").Should(HaveLen(1))
	})

	It("should end every listener of a query on a watch error", func() {
		obs := &recorder{}
		l := core.NewQueryListener(rooms, obs, core.ListenOptions{})
		Expect(manager.Listen(l)).To(Succeed())

		manager.OnWatchError(rooms, status.New(status.PermissionDenied, "missing permissions"))

		Eventually(obs.Errors).Should(HaveLen(1))
		Expect(status.CodeOf(obs.Errors()[0])).To(Equal(status.PermissionDenied))
		Expect(manager.ListenerCount()).To(BeZero())
	})

	It("should report a failure to start the view to the listener", func() {
		registry.err = status.New(status.InvalidArgument, "bad query")

		obs := &recorder{}
		l := core.NewQueryListener(rooms, obs, core.ListenOptions{})

		Expect(manager.Listen(l)).To(MatchError(registry.err))
		Eventually(obs.Errors).Should(HaveLen(1))
		Expect(manager.ListenerCount()).To(BeZero())
	})

	It("should release held back snapshots once offline", func() {
		registry.snap = func(q *query.Query) *core.ViewSnapshot { return snapshotOf(q, true) }

		obs := &recorder{}
		l := core.NewQueryListener(rooms, obs, core.ListenOptions{})
		DeferCleanup(l.Mute)

		Expect(manager.Listen(l)).To(Succeed())
		Consistently(obs.Snapshots, "50ms").Should(BeEmpty())

		manager.OnOnlineStateChange(remote.OnlineStateOffline)
		Eventually(obs.Snapshots).Should(HaveLen(1))
		Expect(obs.Latest().FromCache).To(BeTrue())
	})

	It("should call snapshots in sync listeners after raised snapshots", func() {
		calls := 0
		manager.AddSnapshotsInSyncListener(func() { calls++ })
		Expect(calls).To(Equal(1))

		l := core.NewQueryListener(rooms, &recorder{}, core.ListenOptions{})
		DeferCleanup(l.Mute)

		Expect(manager.Listen(l)).To(Succeed())
		Expect(calls).To(Equal(2))

		manager.OnWatchChange([]*core.ViewSnapshot{
			snapshotOf(rooms, false, doc("rooms/b", 2, map[string]interface{}{"n": 2})),
		})
		Expect(calls).To(Equal(3))
	})
})
