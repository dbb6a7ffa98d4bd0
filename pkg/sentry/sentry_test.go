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

package sentry_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/docsync/pkg/sentry"
)

var _ = Describe("Reporting", func() {
	var log *zap.SugaredLogger

	BeforeEach(func() {
		log = zap.NewNop().Sugar()
		sentry.EnableTestMode()
		DeferCleanup(sentry.DisableTestMode)
	})

	It("should choose the environment from the version", func() {
		Expect(sentry.Environment("1.4.0")).To(Equal("production"))
		Expect(sentry.Environment("1.4.0-rc.1")).To(Equal("development"))
		Expect(sentry.Environment("not-a-version")).To(Equal("development"))
	})

	It("should stay disabled for development builds", func() {
		Expect(func() { sentry.InitSentry("0.0.0-dev", "https://key@example.invalid/1", true) }).ToNot(Panic())
	})

	It("should panic on fatal issues", func() {
		Expect(func() {
			sentry.ReportIssue(errors.New("remote snapshot went backwards"), sentry.IssueTypeFatal, log)
		}).To(PanicWith(ContainSubstring("remote snapshot went backwards")))
	})

	It("should panic on invariant violations", func() {
		Expect(func() {
			sentry.ReportInvariantViolation(log, "MutationQueue", "RemoveBatch", "batch %d is not the oldest", 7)
		}).To(PanicWith(ContainSubstring("batch 7 is not the oldest")))
	})

	It("should not panic on errors and warnings", func() {
		Expect(func() {
			sentry.ReportIssuef(sentry.IssueTypeError, log, "write rejected: %s", "denied")
			sentry.ReportComponentError(log, "RemoteStore", "ApplyRemoteEvent", errors.New("storage failed"))
			sentry.ReportIssue(errors.New("slow"), sentry.IssueTypeWarning, nil)
		}).ToNot(Panic())
	})
})
