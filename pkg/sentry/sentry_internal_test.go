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
	"errors"
	"strings"

	"github.com/getsentry/sentry-go"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Sentry events", func() {
	It("should shorten titles to the first phrase", func() {
		Expect(getMeaningfulErrorTitle(errors.New("failed to commit: disk full"))).To(Equal("failed to commit"))
		Expect(getMeaningfulErrorTitle(errors.New(strings.Repeat("x", 150)))).To(HaveLen(100))
	})

	It("should split context into tags, extras and fingerprint", func() {
		event := createSentryEventWithContext(sentry.LevelWarning, errors.New("slow"), map[string]interface{}{
			"component": "LocalStore",
			"batch":     3,
			"keys":      []string{"a/b"},
		})

		Expect(event.Tags).To(HaveKeyWithValue("component", "LocalStore"))
		Expect(event.Tags).To(HaveKeyWithValue("batch", "3"))
		Expect(event.Extra).To(HaveKey("keys"))
		Expect(event.Fingerprint).To(ContainElement("component: LocalStore"))
		Expect(event.Threads).To(BeEmpty())
	})

	It("should attach goroutines to error events", func() {
		event := createSentryEvent(sentry.LevelError, errors.New("boom"))
		Expect(event.Threads).ToNot(BeEmpty())
		Expect(event.Attachments).To(HaveLen(1))
	})

	It("should debounce repeated events outside test mode", func() {
		shouldDebounceErrors = true
		DeferCleanup(func() { shouldDebounceErrors = true })

		d := &debouncer{}
		Expect(d.allow()).To(BeTrue())
		Expect(d.allow()).To(BeFalse())

		shouldDebounceErrors = false
		Expect(d.allow()).To(BeTrue())
	})
})
