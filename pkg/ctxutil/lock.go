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

// Package ctxutil holds locks whose acquisition can be abandoned when a
// context ends. The local store and the persistence backends take them on
// every transaction, so a cancelled caller never queues behind a long
// running commit.
package ctxutil

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// Mutex is an exclusive lock with a context aware Lock.
type Mutex struct {
	sem *semaphore.Weighted
}

func NewMutex() *Mutex {
	return &Mutex{sem: semaphore.NewWeighted(1)}
}

// Lock blocks until the lock is held or ctx ends. The returned error wraps
// the context error.
func (m *Mutex) Lock(ctx context.Context) error {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}

	return nil
}

func (m *Mutex) TryLock() bool {
	return m.sem.TryAcquire(1)
}

func (m *Mutex) Unlock() {
	m.sem.Release(1)
}

// DefaultReaders bounds the concurrent readers of an RWMutex created with
// NewRWMutex(0).
const DefaultReaders = 64

// RWMutex admits up to a fixed number of readers. A writer takes every
// reader slot at once, so it waits for running readers and blocks new ones.
type RWMutex struct {
	sem     *semaphore.Weighted
	readers int64
}

func NewRWMutex(readers int64) *RWMutex {
	if readers <= 0 {
		readers = DefaultReaders
	}

	return &RWMutex{sem: semaphore.NewWeighted(readers), readers: readers}
}

func (m *RWMutex) RLock(ctx context.Context) error {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("failed to acquire read lock: %w", err)
	}

	return nil
}

func (m *RWMutex) RUnlock() {
	m.sem.Release(1)
}

func (m *RWMutex) Lock(ctx context.Context) error {
	if err := m.sem.Acquire(ctx, m.readers); err != nil {
		return fmt.Errorf("failed to acquire write lock: %w", err)
	}

	return nil
}

func (m *RWMutex) TryLock() bool {
	return m.sem.TryAcquire(m.readers)
}

func (m *RWMutex) Unlock() {
	m.sem.Release(m.readers)
}

// Locker is satisfied by Mutex and by the write side of RWMutex.
type Locker interface {
	Lock(ctx context.Context) error
	Unlock()
}

// WithLock runs fn while holding l.
func WithLock(ctx context.Context, l Locker, fn func() error) error {
	if err := l.Lock(ctx); err != nil {
		return err
	}
	defer l.Unlock()

	return fn()
}
