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
package core

import (
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/docsync/pkg/logger"
	"github.com/united-manufacturing-hub/docsync/pkg/query"
	"github.com/united-manufacturing-hub/docsync/pkg/remote"
)

// QueryRegistry starts and stops the views of queries. SyncEngine
// implements it.
type QueryRegistry interface {
	Listen(q *query.Query, shouldListenToRemote bool) (*ViewSnapshot, error)
	Unlisten(q *query.Query, shouldUnlistenRemote bool) error
}

type queryListenersInfo struct {
	query     *query.Query
	viewSnap  *ViewSnapshot
	listeners []*QueryListener
}

// EventManager shares one view per query among all its listeners. It
// implements SyncEngineListener.
type EventManager struct {
	registry    QueryRegistry
	log         *zap.SugaredLogger
	queries     map[string]*queryListenersInfo
	onlineState remote.OnlineState

	snapshotsInSync []func()
}

func NewEventManager(registry QueryRegistry, log *zap.SugaredLogger) *EventManager {
	return &EventManager{
		registry:    registry,
		log:         logger.Or(log, logger.ComponentEventManager),
		queries:     map[string]*queryListenersInfo{},
		onlineState: remote.OnlineStateUnknown,
	}
}

// Listen adds a listener. The first listener of a query starts its view;
// later ones get the current snapshot right away. A failure to start the
// view is reported to the listener and returned.
func (m *EventManager) Listen(l *QueryListener) error {
	id := l.Query().CanonicalID()

	info, ok := m.queries[id]
	if !ok {
		snap, err := m.registry.Listen(l.Query(), true)
		if err != nil {
			m.log.Warnf("Initialization of query %s failed: %v", l.Query(), err)
			l.OnError(err)

			return err
		}

		info = &queryListenersInfo{query: l.Query(), viewSnap: snap}
		m.queries[id] = info
	}

	info.listeners = append(info.listeners, l)
	l.ApplyOnlineStateChange(m.onlineState)

	if info.viewSnap != nil && l.OnViewSnapshot(info.viewSnap) {
		m.raiseSnapshotsInSync()
	}

	return nil
}

// Unlisten removes a listener and stops the view after its last listener.
func (m *EventManager) Unlisten(l *QueryListener) error {
	l.Mute()

	id := l.Query().CanonicalID()

	info, ok := m.queries[id]
	if !ok {
		return nil
	}

	for i, existing := range info.listeners {
		if existing == l {
			info.listeners = append(info.listeners[:i], info.listeners[i+1:]...)

			break
		}
	}

	if len(info.listeners) > 0 {
		return nil
	}

	delete(m.queries, id)

	return m.registry.Unlisten(l.Query(), true)
}

// OnWatchChange hands new snapshots to the listeners of their queries.
func (m *EventManager) OnWatchChange(snaps []*ViewSnapshot) {
	raised := false

	for _, snap := range snaps {
		info, ok := m.queries[snap.Query.CanonicalID()]
		if !ok {
			continue
		}

		for _, l := range info.listeners {
			if l.OnViewSnapshot(snap) {
				raised = true
			}
		}

		info.viewSnap = snap
	}

	if raised {
		m.raiseSnapshotsInSync()
	}
}

// OnWatchError ends every listener of q with err.
func (m *EventManager) OnWatchError(q *query.Query, err error) {
	id := q.CanonicalID()

	info, ok := m.queries[id]
	if !ok {
		return
	}

	for _, l := range info.listeners {
		l.OnError(err)
	}

	delete(m.queries, id)
}

func (m *EventManager) OnOnlineStateChange(state remote.OnlineState) {
	m.onlineState = state
	raised := false

	for _, info := range m.queries {
		for _, l := range info.listeners {
			if l.ApplyOnlineStateChange(state) {
				raised = true
			}
		}
	}

	if raised {
		m.raiseSnapshotsInSync()
	}
}

// AddSnapshotsInSyncListener registers fn to run on the queue after every
// round of raised snapshots. It runs once right away.
func (m *EventManager) AddSnapshotsInSyncListener(fn func()) {
	m.snapshotsInSync = append(m.snapshotsInSync, fn)
	fn()
}

func (m *EventManager) raiseSnapshotsInSync() {
	for _, fn := range m.snapshotsInSync {
		fn()
	}
}

// ListenerCount returns the listeners of all queries.
func (m *EventManager) ListenerCount() int {
	n := 0
	for _, info := range m.queries {
		n += len(info.listeners)
	}

	return n
}
