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

package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/united-manufacturing-hub/docsync/pkg/backoff"
	"github.com/united-manufacturing-hub/docsync/pkg/metrics"
)

// conflictPolicy spaces out re-runs of conflicting transactions.
var conflictPolicy = backoff.Policy{
	InitialDelay: 10 * time.Millisecond,
	Factor:       2,
	MaxDelay:     500 * time.Millisecond,
	Jitter:       0.2,
}

// WithTransaction runs fn in a transaction named name. The transaction is
// committed when fn returns nil and rolled back when it returns an error or
// panics. Panics are re-raised after the rollback.
func WithTransaction(ctx context.Context, store Store, name string, fn func(tx Tx) error) error {
	start := time.Now()
	defer func() { metrics.ObserveTransactionDuration(name, time.Since(start)) }()

	tx, err := store.BeginTx(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to begin %s: %w", name, err)
	}

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("failed to roll back %s: %w", name, rbErr))
		}

		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s: %w", name, err)
	}

	return nil
}

// WithRetry is WithTransaction re-run from scratch while it fails with
// ErrConflict, at most maxRetries extra times.
func WithRetry(ctx context.Context, store Store, name string, maxRetries int, fn func(tx Tx) error) error {
	var last error

	err := backoff.Retry(ctx, conflictPolicy, maxRetries+1, func(ctx context.Context) error {
		last = WithTransaction(ctx, store, name, fn)
		if last == nil {
			return nil
		}

		if errors.Is(last, ErrConflict) {
			return backoff.NewTransientError(last)
		}

		return backoff.NewPermanentError(last)
	}, nil)
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	if errors.Is(last, ErrConflict) {
		return fmt.Errorf("%s still conflicting after %d retries: %w", name, maxRetries, last)
	}

	return last
}
