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

package httpunary_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"time"

	"github.com/h2non/gock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/docsync/pkg/status"
	"github.com/united-manufacturing-hub/docsync/pkg/transport"
	"github.com/united-manufacturing-hub/docsync/pkg/transport/httpunary"
)

const baseURL = "https://docs.example.test/v1"

var _ = Describe("Client", func() {
	var (
		ctx    context.Context
		client *httpunary.Client
	)

	BeforeEach(func() {
		ctx = context.Background()
		client = httpunary.New(httpunary.Options{BaseURL: baseURL, Logger: zap.NewNop().Sugar()})
		gock.InterceptClient(client.HTTPClient())
	})

	AfterEach(func() {
		gock.RestoreClient(client.HTTPClient())
		gock.OffAll()
	})

	It("should post the body with headers and return the response", func() {
		gock.New(baseURL).
			Post("/documents:batchGet").
			MatchHeader("Authorization", "^Bearer tok$").
			MatchHeader("Content-Type", "application/json").
			BodyString(`{"documents":["a"]}`).
			Reply(200).
			BodyString(`[{"missing":"a"}]`)

		body, err := client.SendUnary(ctx, "/documents:batchGet", []byte(`{"documents":["a"]}`),
			transport.Headers{transport.Authorization: "Bearer tok"})
		Expect(err).ToNot(HaveOccurred())
		Expect(string(body)).To(Equal(`[{"missing":"a"}]`))
		Expect(gock.IsDone()).To(BeTrue())
	})

	It("should prefer the status of a REST error body", func() {
		gock.New(baseURL).
			Post("/documents:batchGet").
			Reply(400).
			JSON(map[string]interface{}{"error": map[string]interface{}{
				"code": 400, "message": "bad database", "status": "INVALID_ARGUMENT",
			}})

		_, err := client.SendUnary(ctx, "/documents:batchGet", []byte(`{}`), nil)
		Expect(err).To(HaveOccurred())
		Expect(status.CodeOf(err)).To(Equal(status.InvalidArgument))
		Expect(err.Error()).To(ContainSubstring("bad database"))
	})

	DescribeTable("should map bare HTTP statuses",
		func(httpStatus int, code status.Code) {
			gock.New(baseURL).Post("/x").Reply(httpStatus).BodyString("nope")

			_, err := client.SendUnary(ctx, "/x", nil, nil)

			var uerr *httpunary.Error
			Expect(errors.As(err, &uerr)).To(BeTrue())
			Expect(uerr.HTTPStatus).To(Equal(httpStatus))
			Expect(status.CodeOf(err)).To(Equal(code))
		},
		Entry("unauthorized", 401, status.Unauthenticated),
		Entry("forbidden", 403, status.PermissionDenied),
		Entry("not found", 404, status.NotFound),
		Entry("rate limited", 429, status.ResourceExhausted),
		Entry("unavailable", 503, status.Unavailable),
	)

	It("should read Retry-After", func() {
		gock.New(baseURL).Post("/x").Reply(429).SetHeader("Retry-After", "7")

		_, err := client.SendUnary(ctx, "/x", nil, nil)

		var uerr *httpunary.Error
		Expect(errors.As(err, &uerr)).To(BeTrue())
		Expect(uerr.RetryAfter).To(Equal(7 * time.Second))
	})

	It("should treat proxy block pages as unavailable", func() {
		gock.New(baseURL).Post("/x").Reply(403).
			SetHeader("Content-Type", "text/html; charset=utf-8").
			BodyString("<html>Zscaler blocked this request</html>")

		_, err := client.SendUnary(ctx, "/x", nil, nil)
		Expect(status.CodeOf(err)).To(Equal(status.Unavailable))
	})

	It("should report network failures as unavailable", func() {
		gock.New(baseURL).Post("/x").ReplyError(errors.New("connection reset"))

		_, err := client.SendUnary(ctx, "/x", nil, nil)
		Expect(status.CodeOf(err)).To(Equal(status.Unavailable))
		Expect(status.IsPermanentError(status.CodeOf(err))).To(BeFalse())
	})
})

var _ = Describe("Handler", func() {
	var (
		server *httptest.Server
		client *httpunary.Client
	)

	BeforeEach(func() {
		handle := func(_ context.Context, endpoint string, body []byte, headers transport.Headers) ([]byte, error) {
			if endpoint != "/echo" {
				return nil, status.Errorf(status.NotFound, "no endpoint %s", endpoint)
			}

			return append([]byte(headers["X-Tag"]+":"), body...), nil
		}

		server = httptest.NewServer(httpunary.Handler(handle, zap.NewNop().Sugar()))
		client = httpunary.New(httpunary.Options{BaseURL: server.URL, Logger: zap.NewNop().Sugar()})
	})

	AfterEach(func() {
		client.Close()
		server.Close()
	})

	It("should pass the endpoint, body and headers to the handler", func() {
		body, err := client.SendUnary(context.Background(), "/echo", []byte("hi"), transport.Headers{"X-Tag": "t"})
		Expect(err).ToNot(HaveOccurred())
		Expect(string(body)).To(Equal("t:hi"))
	})

	It("should carry the status code of a failed call back to the client", func() {
		_, err := client.SendUnary(context.Background(), "/nope", nil, nil)
		Expect(status.CodeOf(err)).To(Equal(status.NotFound))

		var uerr *httpunary.Error
		Expect(errors.As(err, &uerr)).To(BeTrue())
		Expect(uerr.HTTPStatus).To(Equal(404))
		Expect(uerr.Status.Message).To(Equal("no endpoint /nope"))
	})
})
