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

package sentry

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

// debounceInterval is the minimum time between two reported errors or two
// reported warnings.
const debounceInterval = 2 * time.Hour

type debouncer struct {
	mu       sync.Mutex
	lastSent time.Time
}

// allow reports whether an event may be sent now and records it if so.
func (d *debouncer) allow() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if shouldDebounceErrors && time.Since(d.lastSent) < debounceInterval {
		return false
	}

	d.lastSent = time.Now()

	return true
}

var (
	errorDebouncer   = &debouncer{}
	warningDebouncer = &debouncer{}
)

// reportFatal logs the error with a stack trace, sends it to sentry and
// panics.
func reportFatal(err error, log *zap.SugaredLogger, context map[string]interface{}) {
	log.Error("docsync has encountered a fatal error and will now terminate")
	log.Errorf("Error: %s", err)
	log.Errorf("Stack trace: %s", string(debug.Stack()))

	sendSentryEvent(createSentryEventWithContext(sentry.LevelFatal, err, context))
	sentry.Flush(5 * time.Second)

	panic(fmt.Sprintf("fatal: %s", err))
}

// reportError always logs; the sentry event is debounced.
func reportError(err error, log *zap.SugaredLogger, context map[string]interface{}) {
	log.Error(err)

	if errorDebouncer.allow() {
		sendSentryEvent(createSentryEventWithContext(sentry.LevelError, err, context))
	}
}

func reportWarning(err error, log *zap.SugaredLogger, context map[string]interface{}) {
	log.Warn(err)

	if warningDebouncer.allow() {
		sendSentryEvent(createSentryEventWithContext(sentry.LevelWarning, err, context))
	}
}
