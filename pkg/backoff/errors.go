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
	"errors"
	"fmt"
)

// ErrRetriesExhausted matches, via errors.Is, the error Retry returns once
// every allowed attempt failed.
var ErrRetriesExhausted = errors.New("operation permanently failed")

// ExhaustedError carries the last attempt's failure. It unwraps to both
// ErrRetriesExhausted and that failure, so status codes and categories of
// the last attempt remain visible to errors.As.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", ErrRetriesExhausted, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrRetriesExhausted, e.Last}
}

// IsRetriesExhausted reports whether err came from Retry running out of
// attempts.
func IsRetriesExhausted(err error) bool {
	return errors.Is(err, ErrRetriesExhausted)
}

// LastAttemptError returns the failure of the final attempt if err is an
// ExhaustedError, and err itself otherwise.
func LastAttemptError(err error) error {
	var exhausted *ExhaustedError
	if errors.As(err, &exhausted) {
		return exhausted.Last
	}

	return err
}
