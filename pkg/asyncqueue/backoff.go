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

package asyncqueue

import (
	"time"

	"github.com/united-manufacturing-hub/docsync/pkg/backoff"
)

// Backoff schedules retries on a queue with exponentially growing delays.
// The time since the last attempt counts toward the next delay. It must only
// be used from the queue goroutine.
type Backoff struct {
	q           *Queue
	id          TimerID
	seq         *backoff.Exponential
	pending     *DelayedOperation
	lastAttempt time.Time
}

func NewBackoff(q *Queue, id TimerID, p backoff.Policy) *Backoff {
	return &Backoff{q: q, id: id, seq: backoff.NewExponential(p), lastAttempt: time.Now()}
}

// BackoffAndRun cancels any pending attempt and schedules fn after the next
// delay.
func (b *Backoff) BackoffAndRun(fn func() error) {
	b.Cancel()

	delay := b.seq.Next()
	remaining := delay - time.Since(b.lastAttempt)
	if remaining < 0 {
		remaining = 0
	}

	b.pending = b.q.EnqueueAfterDelay(b.id, remaining, func() error {
		b.lastAttempt = time.Now()

		return fn()
	})
}

// Reset makes the next attempt immediate.
func (b *Backoff) Reset() { b.seq.Reset() }

// ResetToMax makes the next attempt wait the maximum delay.
func (b *Backoff) ResetToMax() { b.seq.ResetToMax() }

// Cancel drops a pending attempt.
func (b *Backoff) Cancel() {
	if b.pending != nil {
		b.pending.Cancel()
		b.pending = nil
	}
}

// Pending reports whether an attempt is scheduled.
func (b *Backoff) Pending() bool {
	return b.pending != nil && !b.pending.fut.IsDone()
}
