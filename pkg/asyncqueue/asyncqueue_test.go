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

package asyncqueue_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/docsync/pkg/asyncqueue"
	"github.com/united-manufacturing-hub/docsync/pkg/backoff"
)

// recorder collects labels from queue operations.
type recorder struct {
	mu  sync.Mutex
	got []string
}

func (r *recorder) add(s string) func() error {
	return func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.got = append(r.got, s)

		return nil
	}
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.got...)
}

var _ = Describe("Queue", func() {
	var (
		q   *asyncqueue.Queue
		rec *recorder
		ctx context.Context
	)

	BeforeEach(func() {
		q = asyncqueue.New(zap.NewNop().Sugar(), asyncqueue.WithRetryPolicy(backoff.Policy{
			InitialDelay: time.Millisecond, Factor: 1, MaxDelay: time.Millisecond,
		}))
		rec = &recorder{}
		ctx = context.Background()
		DeferCleanup(q.Shutdown)
	})

	It("should run operations in FIFO order", func() {
		for _, s := range []string{"a", "b", "c"} {
			q.EnqueueAndForget(rec.add(s))
		}

		Expect(q.Drain().Wait(ctx)).To(Succeed())
		Expect(rec.list()).To(Equal([]string{"a", "b", "c"}))
	})

	It("should resolve futures with the operation result", func() {
		boom := errors.New("boom")
		Expect(q.Enqueue(func() error { return boom }).Wait(ctx)).To(MatchError(boom))
		Expect(q.Enqueue(func() error { return nil }).Wait(ctx)).To(Succeed())
	})

	It("should never interleave operations", func() {
		running := 0
		maxRunning := 0
		futures := make([]*asyncqueue.Future, 0, 50)

		for i := 0; i < 50; i++ {
			futures = append(futures, q.Enqueue(func() error {
				running++
				if running > maxRunning {
					maxRunning = running
				}
				time.Sleep(100 * time.Microsecond)
				running--

				return nil
			}))
		}

		for _, f := range futures {
			Expect(f.Wait(ctx)).To(Succeed())
		}
		Expect(maxRunning).To(Equal(1))
	})

	Context("with delayed operations", func() {
		It("should run an operation after its delay", func() {
			op := q.EnqueueAfterDelay(asyncqueue.TimerListenStreamIdle, 5*time.Millisecond, rec.add("idle"))

			Expect(op.Future().Wait(ctx)).To(Succeed())
			Expect(rec.list()).To(Equal([]string{"idle"}))
			Expect(q.ContainsDelayedOperation(asyncqueue.TimerListenStreamIdle)).To(BeFalse())
		})

		It("should not run cancelled operations", func() {
			op := q.EnqueueAfterDelay(asyncqueue.TimerHealthCheckTimeout, time.Hour, rec.add("health"))
			Expect(q.ContainsDelayedOperation(asyncqueue.TimerHealthCheckTimeout)).To(BeTrue())

			op.Cancel()
			Expect(op.Future().Wait(ctx)).To(MatchError(asyncqueue.ErrCancelled))
			Expect(q.ContainsDelayedOperation(asyncqueue.TimerHealthCheckTimeout)).To(BeFalse())

			Expect(q.RunDelayedOperationsEarly(asyncqueue.TimerAll).Wait(ctx)).To(Succeed())
			Expect(rec.list()).To(BeEmpty())
		})

		It("should run operations early in due order", func() {
			q.EnqueueAfterDelay(asyncqueue.TimerGarbageCollection, 3*time.Hour, rec.add("gc"))
			q.EnqueueAfterDelay(asyncqueue.TimerOnlineStateTimeout, time.Hour, rec.add("online"))
			q.EnqueueAfterDelay(asyncqueue.TimerWriteStreamIdle, 2*time.Hour, rec.add("write"))

			Expect(q.RunDelayedOperationsEarly(asyncqueue.TimerWriteStreamIdle).Wait(ctx)).To(Succeed())
			Expect(rec.list()).To(Equal([]string{"online", "write"}))
			Expect(q.ContainsDelayedOperation(asyncqueue.TimerGarbageCollection)).To(BeTrue())

			Expect(q.RunDelayedOperationsEarly(asyncqueue.TimerAll).Wait(ctx)).To(Succeed())
			Expect(rec.list()).To(Equal([]string{"online", "write", "gc"}))
		})

		It("should skip delays for selected timers", func() {
			q.SkipDelaysForTimerID(asyncqueue.TimerRetryTransaction)
			op := q.EnqueueAfterDelay(asyncqueue.TimerRetryTransaction, time.Hour, rec.add("retry"))

			Expect(op.Future().Wait(ctx)).To(Succeed())
		})
	})

	Context("with retryable operations", func() {
		It("should retry transient failures until they succeed", func() {
			attempts := 0
			done := asyncqueue.NewFuture()

			q.EnqueueRetryable(func() error {
				attempts++
				if attempts < 3 {
					return backoff.NewTransientError(errors.New("storage busy"))
				}
				done.Resolve(nil)

				return nil
			})

			Eventually(done.Done()).Should(BeClosed())
			Expect(attempts).To(Equal(3))
		})

		It("should drop operations that fail permanently", func() {
			attempts := 0
			q.EnqueueRetryable(func() error {
				attempts++

				return backoff.NewPermanentError(errors.New("corrupt"))
			})

			Expect(q.Drain().Wait(ctx)).To(Succeed())
			Expect(q.RunDelayedOperationsEarly(asyncqueue.TimerAll).Wait(ctx)).To(Succeed())
			Expect(attempts).To(Equal(1))
			Expect(q.ContainsDelayedOperation(asyncqueue.TimerAsyncQueueRetry)).To(BeFalse())
		})
	})

	Context("when shutting down", func() {
		It("should run queued work and drop later operations", func() {
			q.EnqueueAndForget(rec.add("before"))
			pending := q.EnqueueAfterDelay(asyncqueue.TimerGarbageCollection, time.Hour, rec.add("gc"))

			Expect(q.EnqueueAndInitiateShutdown(rec.add("last")).Wait(ctx)).To(Succeed())
			Expect(q.Enqueue(rec.add("after")).Wait(ctx)).To(MatchError(asyncqueue.ErrShutdown))
			Expect(pending.Future().Wait(ctx)).To(MatchError(asyncqueue.ErrCancelled))

			Eventually(q.Stopped()).Should(BeClosed())
			Expect(rec.list()).To(Equal([]string{"before", "last"}))
			Expect(q.IsShuttingDown()).To(BeTrue())
		})
	})
})

var _ = Describe("Backoff", func() {
	It("should run the first attempt immediately and later ones after a delay", func() {
		q := asyncqueue.New(zap.NewNop().Sugar())
		DeferCleanup(q.Shutdown)

		b := asyncqueue.NewBackoff(q, asyncqueue.TimerListenStreamConnectionBackoff, backoff.Policy{
			InitialDelay: time.Hour, Factor: 2, MaxDelay: 4 * time.Hour,
		})

		first := asyncqueue.NewFuture()
		Expect(q.Enqueue(func() error {
			b.BackoffAndRun(func() error { first.Resolve(nil); return nil })
			return nil
		}).Wait(context.Background())).To(Succeed())
		Eventually(first.Done()).Should(BeClosed())

		second := asyncqueue.NewFuture()
		Expect(q.Enqueue(func() error {
			b.BackoffAndRun(func() error { second.Resolve(nil); return nil })
			return nil
		}).Wait(context.Background())).To(Succeed())

		Consistently(second.Done(), 50*time.Millisecond).ShouldNot(BeClosed())
		Expect(q.ContainsDelayedOperation(asyncqueue.TimerListenStreamConnectionBackoff)).To(BeTrue())

		Expect(q.RunDelayedOperationsEarly(asyncqueue.TimerListenStreamConnectionBackoff).Wait(context.Background())).To(Succeed())
		Expect(second.IsDone()).To(BeTrue())
	})

	It("should replace a pending attempt", func() {
		q := asyncqueue.New(zap.NewNop().Sugar())
		DeferCleanup(q.Shutdown)

		b := asyncqueue.NewBackoff(q, asyncqueue.TimerWriteStreamConnectionBackoff, backoff.Policy{
			InitialDelay: time.Hour, Factor: 2, MaxDelay: 4 * time.Hour,
		})

		runs := 0
		pending := false
		Expect(q.Enqueue(func() error {
			b.ResetToMax()
			b.BackoffAndRun(func() error { runs += 10; return nil })
			b.BackoffAndRun(func() error { runs++; return nil })
			pending = b.Pending()
			return nil
		}).Wait(context.Background())).To(Succeed())
		Expect(pending).To(BeTrue())

		Expect(q.RunDelayedOperationsEarly(asyncqueue.TimerAll).Wait(context.Background())).To(Succeed())
		Expect(runs).To(Equal(1))
	})
})
