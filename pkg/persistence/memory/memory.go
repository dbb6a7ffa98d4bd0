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

// Package memory provides an in-memory implementation of persistence.Store.
//
// Transactions run one at a time: BeginTx waits on a context aware writer
// lock that is held until Commit or Rollback. Writes are buffered in the
// transaction and copied into the committed tables on Commit, so a rolled
// back transaction leaves no trace. Values are copied on every read and
// write.
//
// The store is used when no durable backend is configured and as the
// fallback when the durable backend cannot be opened.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/united-manufacturing-hub/docsync/pkg/ctxutil"
	"github.com/united-manufacturing-hub/docsync/pkg/persistence"
)

type table map[string][]byte

// Store is a thread-safe in-memory key-range store.
type Store struct {
	writer *ctxutil.Mutex

	mu     sync.RWMutex
	tables map[string]table
	closed bool
}

var (
	_ persistence.Store = (*Store)(nil)
	_ persistence.Sizer = (*Store)(nil)
)

func NewStore() *Store {
	return &Store{
		writer: ctxutil.NewMutex(),
		tables: make(map[string]table),
	}
}

func (s *Store) EnsureTable(ctx context.Context, name string) error {
	if err := persistence.ValidateTableName(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return persistence.ErrClosed
	}

	if _, ok := s.tables[name]; !ok {
		s.tables[name] = make(table)
	}

	return nil
}

// BeginTx blocks until the previous transaction has finished or ctx is
// done.
func (s *Store) BeginTx(ctx context.Context, name string) (persistence.Tx, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if err := s.writer.Lock(ctx); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}

	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()

	if closed {
		s.writer.Unlock()

		return nil, persistence.ErrClosed
	}

	return &tx{
		store:   s,
		name:    name,
		changes: make(map[string]map[string][]byte),
	}, nil
}

func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("store already closed")
	}

	s.closed = true
	s.tables = nil

	return nil
}

// TableSize returns the summed byte size of the committed rows of a table.
func (s *Store) TableSize(ctx context.Context, name string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, err := s.committed(name)
	if err != nil {
		return 0, err
	}

	var n int64
	for k, v := range t {
		n += int64(len(k) + len(v))
	}

	return n, nil
}

func (s *Store) committed(name string) (table, error) {
	if s.closed {
		return nil, persistence.ErrClosed
	}

	t, ok := s.tables[name]
	if !ok {
		return nil, fmt.Errorf("table %q does not exist", name)
	}

	return t, nil
}

type tx struct {
	store *Store
	name  string
	done  bool
	// changes buffers writes per table. A nil value marks a delete.
	changes map[string]map[string][]byte
}

func clone(b []byte) []byte {
	if b == nil {
		return []byte{}
	}

	out := make([]byte, len(b))
	copy(out, b)

	return out
}

func (t *tx) Get(ctx context.Context, name, key string) ([]byte, error) {
	if t.done {
		return nil, persistence.ErrTxDone
	}

	if v, ok := t.changes[name][key]; ok {
		if v == nil {
			return nil, persistence.ErrNotFound
		}

		return clone(v), nil
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	committed, err := t.store.committed(name)
	if err != nil {
		return nil, err
	}

	v, ok := committed[key]
	if !ok {
		return nil, persistence.ErrNotFound
	}

	return clone(v), nil
}

func (t *tx) buffer(name string) (map[string][]byte, error) {
	if t.done {
		return nil, persistence.ErrTxDone
	}

	t.store.mu.RLock()
	_, err := t.store.committed(name)
	t.store.mu.RUnlock()

	if err != nil {
		return nil, err
	}

	if t.changes[name] == nil {
		t.changes[name] = make(map[string][]byte)
	}

	return t.changes[name], nil
}

func (t *tx) Put(ctx context.Context, name, key string, value []byte) error {
	buf, err := t.buffer(name)
	if err != nil {
		return err
	}

	buf[key] = clone(value)

	return nil
}

func (t *tx) Delete(ctx context.Context, name, key string) error {
	buf, err := t.buffer(name)
	if err != nil {
		return err
	}

	buf[key] = nil

	return nil
}

// Scan snapshots the matching keys first so that fn may write to the
// transaction while the scan is running.
func (t *tx) Scan(ctx context.Context, name string, r persistence.KeyRange, fn persistence.ScanFunc) error {
	if t.done {
		return persistence.ErrTxDone
	}

	rows := map[string][]byte{}

	t.store.mu.RLock()

	committed, err := t.store.committed(name)
	if err != nil {
		t.store.mu.RUnlock()

		return err
	}

	for k, v := range committed {
		if r.Contains(k) {
			rows[k] = v
		}
	}

	t.store.mu.RUnlock()

	for k, v := range t.changes[name] {
		if !r.Contains(k) {
			continue
		}

		if v == nil {
			delete(rows, k)
		} else {
			rows[k] = v
		}
	}

	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}

		more, err := fn(k, clone(rows[k]))
		if err != nil {
			return err
		}

		if !more {
			return nil
		}
	}

	return nil
}

func (t *tx) Commit() error {
	if t.done {
		return nil
	}

	t.done = true
	defer t.store.writer.Unlock()

	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	if t.store.closed {
		return persistence.ErrClosed
	}

	for name, changes := range t.changes {
		committed := t.store.tables[name]
		for k, v := range changes {
			if v == nil {
				delete(committed, k)
			} else {
				committed[k] = v
			}
		}
	}

	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}

	t.done = true
	t.changes = nil
	t.store.writer.Unlock()

	return nil
}
