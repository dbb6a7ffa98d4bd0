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
	"sync"

	"github.com/united-manufacturing-hub/docsync/pkg/metrics"
	"github.com/united-manufacturing-hub/docsync/pkg/query"
	"github.com/united-manufacturing-hub/docsync/pkg/remote"
)

// Observer receives the snapshots and the terminal error of a listen.
type Observer interface {
	OnSnapshot(snap *ViewSnapshot)
	OnError(err error)
}

// ObserverFuncs adapts two functions to an Observer. Nil functions are
// skipped.
type ObserverFuncs struct {
	Snapshot func(snap *ViewSnapshot)
	Error    func(err error)
}

func (o ObserverFuncs) OnSnapshot(snap *ViewSnapshot) {
	if o.Snapshot != nil {
		o.Snapshot(snap)
	}
}

func (o ObserverFuncs) OnError(err error) {
	if o.Error != nil {
		o.Error(err)
	}
}

// ListenOptions tune when a listener raises snapshots.
type ListenOptions struct {
	// IncludeMetadataChanges raises snapshots that only change FromCache or
	// the pending write state.
	IncludeMetadataChanges bool
	// WaitForSyncWhenOnline holds back the first snapshot until the server
	// confirmed it, unless the client is offline.
	WaitForSyncWhenOnline bool
}

// Dispatcher runs observer callbacks in order on its own goroutine. Events
// sent after Mute are dropped.
type Dispatcher struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []func()
	muted   bool
	done    chan struct{}
}

func NewDispatcher() *Dispatcher {
	d := &Dispatcher{done: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)

	go d.run()

	return d
}

func (d *Dispatcher) run() {
	defer close(d.done)

	for {
		d.mu.Lock()
		for len(d.pending) == 0 && !d.muted {
			d.cond.Wait()
		}

		if d.muted {
			d.mu.Unlock()

			return
		}

		fn := d.pending[0]
		d.pending = d.pending[1:]
		d.mu.Unlock()

		fn()
	}
}

func (d *Dispatcher) dispatch(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.muted {
		return
	}

	d.pending = append(d.pending, fn)
	d.cond.Signal()
}

// Mute drops every pending and future event and stops the goroutine. A
// callback that is already running is not interrupted.
func (d *Dispatcher) Mute() {
	d.mu.Lock()
	d.muted = true
	d.pending = nil
	d.cond.Signal()
	d.mu.Unlock()
}

// Done is closed once the dispatcher goroutine exited.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// QueryListener filters view snapshots for one observer.
type QueryListener struct {
	query      *query.Query
	options    ListenOptions
	observer   Observer
	dispatcher *Dispatcher

	raisedInitialEvent bool
	snap               *ViewSnapshot
	onlineState        remote.OnlineState
}

// NewQueryListener creates a listener whose observer runs on its own
// dispatcher.
func NewQueryListener(q *query.Query, observer Observer, options ListenOptions) *QueryListener {
	return &QueryListener{
		query:       q,
		options:     options,
		observer:    observer,
		dispatcher:  NewDispatcher(),
		onlineState: remote.OnlineStateUnknown,
	}
}

func (l *QueryListener) Query() *query.Query { return l.query }

// Mute stops delivering events to the observer.
func (l *QueryListener) Mute() { l.dispatcher.Mute() }

// Done is closed once no more events reach the observer after Mute.
func (l *QueryListener) Done() <-chan struct{} { return l.dispatcher.Done() }

// OnViewSnapshot reports whether the snapshot was raised.
func (l *QueryListener) OnViewSnapshot(snap *ViewSnapshot) bool {
	if !l.options.IncludeMetadataChanges {
		snap = snap.withoutMetadataChanges()
	}

	raised := false

	if !l.raisedInitialEvent {
		if l.shouldRaiseInitialEvent(snap, l.onlineState) {
			l.raiseInitialEvent(snap)
			raised = true
		}
	} else if l.shouldRaiseEvent(snap) {
		l.raise(snap)
		raised = true
	}

	l.snap = snap

	return raised
}

func (l *QueryListener) OnError(err error) {
	l.dispatcher.dispatch(func() { l.observer.OnError(err) })
	// No events follow an error.
	l.dispatcher.dispatch(l.dispatcher.Mute)
}

// ApplyOnlineStateChange may raise a held back first snapshot once the
// client went offline.
func (l *QueryListener) ApplyOnlineStateChange(state remote.OnlineState) bool {
	l.onlineState = state

	if l.snap != nil && !l.raisedInitialEvent && l.shouldRaiseInitialEvent(l.snap, state) {
		l.raiseInitialEvent(l.snap)

		return true
	}

	return false
}

func (l *QueryListener) shouldRaiseInitialEvent(snap *ViewSnapshot, state remote.OnlineState) bool {
	if !snap.FromCache {
		return true
	}

	maybeOnline := state != remote.OnlineStateOffline
	if l.options.WaitForSyncWhenOnline && maybeOnline {
		return false
	}

	// An empty cached result is only worth raising if the server confirmed
	// it before or we cannot ask.
	return !snap.Docs.IsEmpty() || snap.HasCachedResults || state == remote.OnlineStateOffline
}

func (l *QueryListener) shouldRaiseEvent(snap *ViewSnapshot) bool {
	if len(snap.DocChanges) > 0 {
		return true
	}

	// Acknowledged writes and catching up with the server are always
	// observable. Falling back to the cache is metadata only.
	if l.snap != nil && l.snap.HasPendingWrites() != snap.HasPendingWrites() {
		return true
	}

	if snap.SyncStateChanged {
		caughtUp := l.snap != nil && l.snap.FromCache && !snap.FromCache

		return l.options.IncludeMetadataChanges || caughtUp
	}

	return false
}

func (l *QueryListener) raiseInitialEvent(snap *ViewSnapshot) {
	initial := NewInitialSnapshot(snap.Query, snap.Docs, snap.MutatedKeys, snap.FromCache, snap.HasCachedResults)
	l.raisedInitialEvent = true
	l.raise(initial)
}

func (l *QueryListener) raise(snap *ViewSnapshot) {
	metrics.RecordSnapshot(snap.FromCache)
	l.dispatcher.dispatch(func() { l.observer.OnSnapshot(snap) })
}
