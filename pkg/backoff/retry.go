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

package backoff

import (
	"context"
	"time"

	cbackoff "github.com/cenkalti/backoff"
)

// Retry runs op until it succeeds, returns a permanent error, the context is
// done or maxAttempts attempts were made (0 means unbounded). Running out of
// attempts yields an *ExhaustedError.
// onRetry, if set, is called before each wait.
func Retry(ctx context.Context, p Policy, maxAttempts int, op func(ctx context.Context) error,
	onRetry func(err error, wait time.Duration),
) error {
	var b cbackoff.BackOff = NewExponential(p).BackOff()
	switch {
	case maxAttempts == 1:
		b = &cbackoff.StopBackOff{}
	case maxAttempts > 1:
		b = cbackoff.WithMaxRetries(b, uint64(maxAttempts-1))
	}

	b = cbackoff.WithContext(b, ctx)

	var lastErr error

	attempt := func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}

		lastErr = err
		if IsPermanentError(err) || IsIgnoredError(err) {
			return cbackoff.Permanent(err)
		}

		return err
	}

	err := cbackoff.RetryNotify(attempt, b, func(err error, wait time.Duration) {
		if onRetry != nil {
			onRetry(err, wait)
		}
	})
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	if IsPermanentError(lastErr) || IsIgnoredError(lastErr) {
		return lastErr
	}

	return &ExhaustedError{Attempts: maxAttempts, Last: lastErr}
}
