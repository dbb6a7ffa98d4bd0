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

// Package persistence is the durable key-range store underneath the local
// cache. Logical tables hold opaque byte values under string keys that sort
// bytewise. Callers build keys so that a prefix scan yields the rows they
// need.
//
// Every read and write happens inside a Tx. A transaction sees its own
// uncommitted writes; other transactions see only committed data.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrNotFound is returned by Tx.Get for absent keys.
	ErrNotFound = errors.New("key not found")
	// ErrConflict means the transaction could not commit because another
	// writer got in the way. WithRetry re-runs the transaction on it.
	ErrConflict = errors.New("transaction conflict")
	// ErrClosed is returned by every operation on a closed store.
	ErrClosed = errors.New("store is closed")
	// ErrTxDone is returned by operations on a committed or rolled back
	// transaction.
	ErrTxDone = errors.New("transaction already completed")
)

// KeyRange selects the keys k with Start <= k < End. An empty End is
// unbounded.
type KeyRange struct {
	Start string
	End   string
}

// All selects every key of a table.
var All = KeyRange{}

// PrefixRange selects every key starting with prefix.
func PrefixRange(prefix string) KeyRange {
	return KeyRange{Start: prefix, End: prefixEnd(prefix)}
}

// prefixEnd returns the smallest string greater than every string with the
// given prefix, or "" if there is none.
func prefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++

			return string(b[:i+1])
		}
	}

	return ""
}

// Contains reports whether key is inside the range.
func (r KeyRange) Contains(key string) bool {
	return key >= r.Start && (r.End == "" || key < r.End)
}

// ScanFunc receives rows in ascending key order. Returning false stops the
// scan. The value must not be retained after the call.
type ScanFunc func(key string, value []byte) (bool, error)

// Store is a transactional key-range store.
//
// Concurrency: all methods are safe for concurrent use. Whether concurrent
// transactions block each other or conflict at commit is up to the backend.
type Store interface {
	// EnsureTable creates the table if it does not exist yet.
	EnsureTable(ctx context.Context, table string) error

	// BeginTx starts a transaction. The name labels the transaction in logs
	// and metrics.
	BeginTx(ctx context.Context, name string) (Tx, error)

	// Close releases the store. Open transactions must be finished first.
	Close(ctx context.Context) error
}

// Tx is one unit of work against a Store.
//
// Lifecycle:
//  1. BeginTx creates the transaction
//  2. Get, Put, Delete and Scan operate on it
//  3. Commit makes the writes permanent, Rollback discards them
//
// Commit and Rollback are idempotent. Rollback after Commit is a no-op, so
// `defer tx.Rollback()` is always safe.
type Tx interface {
	Get(ctx context.Context, table, key string) ([]byte, error)
	Put(ctx context.Context, table, key string, value []byte) error
	Delete(ctx context.Context, table, key string) error
	// Scan visits the rows of r in ascending key order, including writes
	// of this transaction. fn may call other Tx methods.
	Scan(ctx context.Context, table string, r KeyRange, fn ScanFunc) error

	Commit() error
	Rollback() error
}

// Sizer is implemented by stores that can report the byte size of a table
// without a full scan. Sizes count keys and stored values.
type Sizer interface {
	TableSize(ctx context.Context, table string) (int64, error)
}

var tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidateTableName rejects names that are not plain identifiers. Backends
// splice table names into statements, so this is enforced for all of them.
func ValidateTableName(name string) error {
	if name == "" {
		return errors.New("invalid table name: cannot be empty")
	}

	if !tableNamePattern.MatchString(name) {
		return fmt.Errorf("invalid table name %q: must contain only alphanumeric characters and underscores, and must start with a letter or underscore", name)
	}

	return nil
}
