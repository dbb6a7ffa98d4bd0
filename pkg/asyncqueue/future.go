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
	"context"
	"errors"
	"sync"
)

var (
	// ErrShutdown resolves futures of operations enqueued after shutdown was
	// initiated.
	ErrShutdown = errors.New("async queue is shut down")
	// ErrCancelled resolves the future of a cancelled delayed operation.
	ErrCancelled = errors.New("delayed operation cancelled")
)

// Future is the completion handle of an operation. It resolves exactly once.
type Future struct {
	once sync.Once
	done chan struct{}
	err  error
}

// NewFuture returns an unresolved future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// ResolvedFuture returns a future that already completed with err.
func ResolvedFuture(err error) *Future {
	f := NewFuture()
	f.Resolve(err)

	return f
}

// Resolve completes the future. Later calls are ignored.
func (f *Future) Resolve(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done is closed once the future resolved.
func (f *Future) Done() <-chan struct{} { return f.done }

// Err returns the result. It is only meaningful after Done is closed.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// IsDone reports whether the future resolved.
func (f *Future) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future resolves or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
