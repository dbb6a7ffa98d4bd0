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

package status_test

import (
	"errors"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/docsync/pkg/backoff"
	"github.com/united-manufacturing-hub/docsync/pkg/status"
)

var _ = Describe("Status codes", func() {
	DescribeTable("permanence",
		func(code status.Code, permanent, permanentWrite bool) {
			Expect(status.IsPermanentError(code)).To(Equal(permanent))
			Expect(status.IsPermanentWriteError(code)).To(Equal(permanentWrite))
		},
		Entry("unavailable", status.Unavailable, false, false),
		Entry("resource exhausted", status.ResourceExhausted, false, false),
		Entry("unauthenticated", status.Unauthenticated, false, false),
		Entry("aborted", status.Aborted, true, false),
		Entry("permission denied", status.PermissionDenied, true, true),
		Entry("invalid argument", status.InvalidArgument, true, true),
		Entry("data loss", status.DataLoss, true, true),
	)

	It("should panic when OK is classified", func() {
		Expect(func() { status.IsPermanentError(status.OK) }).To(Panic())
	})

	DescribeTable("HTTP status mapping",
		func(httpStatus int, code status.Code) {
			Expect(status.FromHTTPStatus(httpStatus)).To(Equal(code))
		},
		Entry("200", 200, status.OK),
		Entry("204", 204, status.OK),
		Entry("401", 401, status.Unauthenticated),
		Entry("409", 409, status.Aborted),
		Entry("429", 429, status.ResourceExhausted),
		Entry("418", 418, status.FailedPrecondition),
		Entry("503", 503, status.Unavailable),
		Entry("502", 502, status.Internal),
	)

	DescribeTable("answering with an HTTP status",
		func(code status.Code, httpStatus int) {
			Expect(status.HTTPStatus(code)).To(Equal(httpStatus))
		},
		Entry("ok", status.OK, 200),
		Entry("not found", status.NotFound, 404),
		Entry("unavailable", status.Unavailable, 503),
		Entry("permission denied", status.PermissionDenied, 403),
		Entry("data loss", status.DataLoss, 500),
	)

	It("should round trip code names", func() {
		for c := status.OK; c <= status.Unauthenticated; c++ {
			Expect(status.ParseCode(c.String())).To(Equal(c))
		}
		Expect(status.ParseCode("NOPE")).To(Equal(status.Unknown))
	})

	It("should extract codes from wrapped errors", func() {
		err := fmt.Errorf("write failed: %w", status.New(status.PermissionDenied, "denied"))
		Expect(status.CodeOf(err)).To(Equal(status.PermissionDenied))
		Expect(status.CodeOf(errors.New("plain"))).To(Equal(status.Unknown))
		Expect(status.CodeOf(nil)).To(Equal(status.OK))
		Expect(errors.Is(err, status.New(status.PermissionDenied, ""))).To(BeTrue())
		Expect(errors.Is(err, status.New(status.NotFound, ""))).To(BeFalse())
	})

	It("should categorize errors by code", func() {
		Expect(backoff.IsPermanentError(status.Categorize(status.New(status.NotFound, "")))).To(BeTrue())
		Expect(backoff.IsTransientError(status.Categorize(status.New(status.Unavailable, "")))).To(BeTrue())
		Expect(backoff.IsTransientError(status.Categorize(errors.New("io")))).To(BeTrue())
		Expect(status.Categorize(nil)).To(BeNil())
	})
})
