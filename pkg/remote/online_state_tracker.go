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
package remote

import (
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/docsync/pkg/asyncqueue"
	"github.com/united-manufacturing-hub/docsync/pkg/constants"
	"github.com/united-manufacturing-hub/docsync/pkg/metrics"
)

// OnlineState is the client's best guess at whether it can reach the
// backend.
type OnlineState int

const (
	// OnlineStateUnknown is used while connecting. Listeners keep waiting
	// for server results.
	OnlineStateUnknown OnlineState = iota
	// OnlineStateOnline means the watch stream delivered a message.
	OnlineStateOnline
	// OnlineStateOffline means connecting failed or took too long. Listeners
	// are served from cache.
	OnlineStateOffline
)

func (s OnlineState) String() string {
	switch s {
	case OnlineStateOnline:
		return "online"
	case OnlineStateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// OnlineStateTracker derives the online state from watch stream events.
// It must only be used from the queue goroutine.
type OnlineStateTracker struct {
	queue    *asyncqueue.Queue
	onChange func(OnlineState)
	log      *zap.SugaredLogger

	state    OnlineState
	failures int
	timer    *asyncqueue.DelayedOperation
	// warnOffline limits the offline warning to once per online period.
	warnOffline bool
}

func NewOnlineStateTracker(queue *asyncqueue.Queue, onChange func(OnlineState), log *zap.SugaredLogger) *OnlineStateTracker {
	return &OnlineStateTracker{queue: queue, onChange: onChange, log: log, warnOffline: true}
}

func (t *OnlineStateTracker) State() OnlineState { return t.state }

// HandleWatchStreamStart is called on every watch stream start. The first
// attempt after a known state arms the offline timer.
func (t *OnlineStateTracker) HandleWatchStreamStart() {
	if t.failures != 0 {
		return
	}

	t.setAndBroadcast(OnlineStateUnknown)

	t.timer = t.queue.EnqueueAfterDelay(asyncqueue.TimerOnlineStateTimeout, constants.OnlineStateTimeout, func() error {
		t.timer = nil
		if t.state == OnlineStateUnknown {
			t.logOffline("backend didn't respond within %s", constants.OnlineStateTimeout)
			t.setAndBroadcast(OnlineStateOffline)
		}

		return nil
	})
}

// HandleWatchStreamFailure is called when the watch stream closed with an
// error. A stream that was online drops back to unknown and reconnects; one
// that never got online goes offline after enough failures.
func (t *OnlineStateTracker) HandleWatchStreamFailure(err error) {
	if t.state == OnlineStateOnline {
		t.setAndBroadcast(OnlineStateUnknown)

		return
	}

	t.failures++
	if t.failures >= constants.MaxWatchStreamFailures {
		t.clearTimer()
		t.logOffline("connection failed %d times, most recent error: %v", t.failures, err)
		t.setAndBroadcast(OnlineStateOffline)
	}
}

// Set forces a state, for example after the network was disabled.
func (t *OnlineStateTracker) Set(state OnlineState) {
	t.clearTimer()
	t.failures = 0

	if state == OnlineStateOnline {
		t.warnOffline = false
	}

	t.setAndBroadcast(state)
}

func (t *OnlineStateTracker) setAndBroadcast(state OnlineState) {
	if state == t.state {
		return
	}

	t.state = state
	metrics.SetOnlineState(state.String())

	if t.onChange != nil {
		t.onChange(state)
	}
}

func (t *OnlineStateTracker) logOffline(format string, args ...interface{}) {
	if t.warnOffline {
		t.log.Warnf("Could not reach the backend, operating in offline mode: "+format, args...)
		t.warnOffline = false
	} else {
		t.log.Debugf("Offline: "+format, args...)
	}
}

func (t *OnlineStateTracker) clearTimer() {
	if t.timer != nil {
		t.timer.Cancel()
		t.timer = nil
	}
}
