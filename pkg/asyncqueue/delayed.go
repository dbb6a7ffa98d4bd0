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
	"sort"
	"time"
)

// DelayedOperation is an operation waiting for its timer. It is enqueued on
// the queue once the timer fires.
type DelayedOperation struct {
	q      *Queue
	id     TimerID
	target time.Time
	fn     func() error
	timer  *time.Timer
	fut    *Future
	// handled is guarded by q.mu and set once the operation was enqueued or
	// cancelled.
	handled bool
}

func (op *DelayedOperation) TimerID() TimerID { return op.id }

// Future resolves with the operation's result, or ErrCancelled.
func (op *DelayedOperation) Future() *Future { return op.fut }

// Cancel prevents the operation from running if it has not been enqueued
// yet.
func (op *DelayedOperation) Cancel() {
	op.q.mu.Lock()
	defer op.q.mu.Unlock()

	if op.cancelLocked() {
		op.q.removeDelayedLocked(op)
	}
}

func (op *DelayedOperation) cancelLocked() bool {
	if op.handled {
		return false
	}

	op.handled = true
	if op.timer != nil {
		op.timer.Stop()
	}

	op.fut.Resolve(ErrCancelled)

	return true
}

// elapsed runs on the timer goroutine.
func (op *DelayedOperation) elapsed() {
	op.q.mu.Lock()
	defer op.q.mu.Unlock()

	if op.handled || op.q.shuttingDown {
		return
	}

	op.handled = true
	op.q.removeDelayedLocked(op)
	op.q.push(op.run)
}

// skipDelay enqueues the operation right away.
func (op *DelayedOperation) skipDelay() {
	if op.timer != nil {
		op.timer.Stop()
	}

	op.elapsed()
}

func (op *DelayedOperation) run() error {
	err := op.fn()
	op.fut.Resolve(err)

	return err
}

func (q *Queue) removeDelayedLocked(op *DelayedOperation) {
	for i, o := range q.delayed {
		if o == op {
			q.delayed = append(q.delayed[:i], q.delayed[i+1:]...)

			return
		}
	}
}

func sortByTarget(ops []*DelayedOperation) {
	sort.SliceStable(ops, func(i, j int) bool { return ops[i].target.Before(ops[j].target) })
}
