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

// Package asyncqueue runs the engine's work on a single goroutine. Every
// operation is a closure that runs to completion before the next one starts,
// so the state it touches needs no locking.
package asyncqueue

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/docsync/pkg/backoff"
	"github.com/united-manufacturing-hub/docsync/pkg/logger"
	"github.com/united-manufacturing-hub/docsync/pkg/metrics"
)

// TimerID names a kind of delayed operation so tests can run it early.
type TimerID string

const (
	// TimerAll matches every delayed operation in RunDelayedOperationsEarly.
	TimerAll TimerID = "all"

	TimerListenStreamIdle              TimerID = "listen_stream_idle"
	TimerListenStreamConnectionBackoff TimerID = "listen_stream_connection_backoff"
	TimerWriteStreamIdle               TimerID = "write_stream_idle"
	TimerWriteStreamConnectionBackoff  TimerID = "write_stream_connection_backoff"
	TimerHealthCheckTimeout            TimerID = "health_check_timeout"
	TimerOnlineStateTimeout            TimerID = "online_state_timeout"
	TimerGarbageCollection             TimerID = "garbage_collection"
	TimerRetryTransaction              TimerID = "retry_transaction"
	TimerAsyncQueueRetry               TimerID = "async_queue_retry"
	TimerIndexBackfill                 TimerID = "index_backfill"
)

type task struct {
	fn  func() error
	fut *Future
}

// Queue is a FIFO of operations executed on one goroutine.
type Queue struct {
	log *zap.SugaredLogger

	mu           sync.Mutex
	tasks        []task
	wake         chan struct{}
	shuttingDown bool
	stopped      bool
	done         chan struct{}
	delayed      []*DelayedOperation
	skipDelays   map[TimerID]bool

	// Only touched on the queue goroutine.
	retryable    []func() error
	retryBackoff *Backoff
	retryPolicy  backoff.Policy
}

// Option configures a Queue.
type Option func(*Queue)

// WithRetryPolicy sets the backoff used between attempts of retryable
// operations.
func WithRetryPolicy(p backoff.Policy) Option {
	return func(q *Queue) { q.retryPolicy = p }
}

// New starts a queue. A nil logger uses the AsyncQueue component logger.
func New(log *zap.SugaredLogger, opts ...Option) *Queue {
	q := &Queue{
		log:         logger.Or(log, logger.ComponentAsyncQueue),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		skipDelays:  map[TimerID]bool{},
		retryPolicy: backoff.DefaultPolicy(),
	}

	for _, opt := range opts {
		opt(q)
	}

	q.retryBackoff = NewBackoff(q, TimerAsyncQueueRetry, q.retryPolicy)

	go q.run()

	return q
}

func (q *Queue) run() {
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 {
			if q.shuttingDown {
				q.stopped = true
				q.mu.Unlock()
				close(q.done)

				return
			}

			q.mu.Unlock()
			<-q.wake
			q.mu.Lock()
		}

		t := q.tasks[0]
		q.tasks[0] = task{}
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		t.fut.Resolve(t.fn())
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// push appends a task; the caller holds q.mu.
func (q *Queue) push(fn func() error) *Future {
	fut := NewFuture()
	q.tasks = append(q.tasks, task{fn: fn, fut: fut})
	q.signal()

	return fut
}

// Enqueue schedules fn after every operation enqueued before it.
func (q *Queue) Enqueue(fn func() error) *Future {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.shuttingDown {
		return ResolvedFuture(ErrShutdown)
	}

	return q.push(fn)
}

// EnqueueAndForget schedules fn and logs its error.
func (q *Queue) EnqueueAndForget(fn func() error) {
	q.Enqueue(func() error {
		if err := fn(); err != nil {
			metrics.IncErrorCountAndLog(metrics.ComponentAsyncQueue, err, q.log)
			q.log.Warnf("Queued operation failed: %v", err)
		}

		return nil
	})
}

// EnqueueEvenWhileRestricted schedules fn even after shutdown was initiated,
// as long as the queue has not stopped yet.
func (q *Queue) EnqueueEvenWhileRestricted(fn func() error) *Future {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return ResolvedFuture(ErrShutdown)
	}

	return q.push(fn)
}

// EnqueueAndInitiateShutdown schedules fn as the last regular operation. Later
// Enqueue calls are dropped and pending delayed operations are cancelled.
func (q *Queue) EnqueueAndInitiateShutdown(fn func() error) *Future {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.shuttingDown {
		return ResolvedFuture(ErrShutdown)
	}

	q.shuttingDown = true

	for _, op := range q.delayed {
		op.cancelLocked()
	}

	q.delayed = nil

	return q.push(fn)
}

// Shutdown initiates shutdown and waits until every queued operation ran.
func (q *Queue) Shutdown() {
	q.EnqueueAndInitiateShutdown(func() error { return nil })
	<-q.done
}

// Stopped is closed once the queue goroutine exited.
func (q *Queue) Stopped() <-chan struct{} { return q.done }

func (q *Queue) IsShuttingDown() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.shuttingDown
}

// Drain resolves once the queue is empty. Delayed operations are not run.
func (q *Queue) Drain() *Future {
	result := NewFuture()

	var check func() error
	check = func() error {
		q.mu.Lock()
		empty := len(q.tasks) == 0
		if !empty {
			q.push(check)
		}
		q.mu.Unlock()

		if empty {
			result.Resolve(nil)
		}

		return nil
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()

		return ResolvedFuture(nil)
	}
	q.push(check)
	q.mu.Unlock()

	return result
}

// EnqueueAfterDelay schedules fn to be enqueued once delay elapsed.
func (q *Queue) EnqueueAfterDelay(id TimerID, delay time.Duration, fn func() error) *DelayedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()

	op := &DelayedOperation{q: q, id: id, fn: fn, fut: NewFuture()}

	if q.shuttingDown {
		op.handled = true
		op.fut.Resolve(ErrShutdown)

		return op
	}

	if q.skipDelays[id] {
		delay = 0
	}

	op.target = time.Now().Add(delay)
	op.timer = time.AfterFunc(delay, op.elapsed)
	q.delayed = append(q.delayed, op)

	return op
}

// SkipDelaysForTimerID makes future operations with id run without delay.
func (q *Queue) SkipDelaysForTimerID(id TimerID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.skipDelays[id] = true
}

// ContainsDelayedOperation reports whether an operation with id is pending.
func (q *Queue) ContainsDelayedOperation(id TimerID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, op := range q.delayed {
		if op.id == id {
			return true
		}
	}

	return false
}

// RunDelayedOperationsEarly runs pending delayed operations in the order they
// were due, up to and including the first one with lastID, then drains the
// queue. TimerAll runs every pending operation.
func (q *Queue) RunDelayedOperationsEarly(lastID TimerID) *Future {
	result := NewFuture()

	q.Enqueue(func() error {
		q.mu.Lock()
		ops := append([]*DelayedOperation(nil), q.delayed...)
		q.mu.Unlock()

		sortByTarget(ops)

		for _, op := range ops {
			op.skipDelay()

			if lastID != TimerAll && op.id == lastID {
				break
			}
		}

		drained := q.Drain()
		go func() {
			<-drained.Done()
			result.Resolve(nil)
		}()

		return nil
	})

	return result
}

// EnqueueRetryable schedules fn and re-runs it with backoff while it fails
// with a transient error. Retryable operations run one at a time in the
// order they were enqueued.
func (q *Queue) EnqueueRetryable(fn func() error) {
	q.Enqueue(func() error {
		q.retryable = append(q.retryable, fn)
		q.retryNextOp()

		return nil
	})
}

func (q *Queue) retryNextOp() {
	if len(q.retryable) == 0 {
		return
	}

	err := q.retryable[0]()

	switch {
	case err == nil:
		q.retryable = q.retryable[1:]
		q.retryBackoff.Reset()
	case backoff.CategoryOf(err) == backoff.CategoryTransient:
		q.log.Debugf("Operation failed with retryable error: %v", err)
	default:
		q.log.Errorf("Retryable operation failed permanently: %v", err)
		metrics.IncErrorCount(metrics.ComponentAsyncQueue)
		q.retryable = q.retryable[1:]
	}

	if len(q.retryable) > 0 {
		q.retryBackoff.BackoffAndRun(func() error {
			q.retryNextOp()

			return nil
		})
	}
}
