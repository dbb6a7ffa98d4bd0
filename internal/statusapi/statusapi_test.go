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

package statusapi_test

import (
	"context"
	"net/http"
	"net/http/httptest"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/docsync/internal/statusapi"
	"github.com/united-manufacturing-hub/docsync/pkg/client"
	"github.com/united-manufacturing-hub/docsync/pkg/model"
	"github.com/united-manufacturing-hub/docsync/pkg/status"
)

type fakeClient struct {
	status     client.Status
	networkOn  bool
	docs       map[model.DocumentKey]*model.Document
	lastSource client.Source
	err        error
}

func (f *fakeClient) Status(context.Context) (client.Status, error) { return f.status, f.err }

func (f *fakeClient) EnableNetwork(context.Context) error {
	f.networkOn = true

	return f.err
}

func (f *fakeClient) DisableNetwork(context.Context) error {
	f.networkOn = false

	return f.err
}

func (f *fakeClient) GetDocument(_ context.Context, key model.DocumentKey, source client.Source) (*model.Document, error) {
	f.lastSource = source

	if f.err != nil {
		return nil, f.err
	}

	if doc, ok := f.docs[key]; ok {
		return doc, nil
	}

	return model.NewNoDocument(key, model.MinVersion), nil
}

var _ = Describe("Router", func() {
	var (
		fake   *fakeClient
		router *gin.Engine
	)

	do := func(method, path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(method, path, nil)
		router.ServeHTTP(rec, req)

		return rec
	}

	decode := func(rec *httptest.ResponseRecorder) map[string]interface{} {
		var out map[string]interface{}
		ExpectWithOffset(1, json.Unmarshal(rec.Body.Bytes(), &out)).To(Succeed())

		return out
	}

	BeforeEach(func() {
		data, err := model.ObjectFromMap(map[string]interface{}{"n": 1})
		Expect(err).ToNot(HaveOccurred())

		key := model.MustDocumentKey("rooms/a")
		fake = &fakeClient{
			status: client.Status{ClientID: "c-1", User: "anonymous", OnlineState: "online", Listeners: 2, Targets: []int{2, 4}},
			docs: map[model.DocumentKey]*model.Document{
				key: model.NewFoundDocument(key, model.NewSnapshotVersion(model.Timestamp{Seconds: 5}), data),
			},
		}
		router = statusapi.NewRouter(fake, zap.NewNop().Sugar())
	})

	It("should answer health checks", func() {
		rec := do(http.MethodGet, "/healthz")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(decode(rec)).To(HaveKeyWithValue("status", "ok"))
	})

	It("should report the client status", func() {
		rec := do(http.MethodGet, "/status")
		Expect(rec.Code).To(Equal(http.StatusOK))

		body := decode(rec)
		Expect(body).To(HaveKeyWithValue("clientId", "c-1"))
		Expect(body).To(HaveKeyWithValue("listeners", BeNumerically("==", 2)))
		Expect(body["targets"]).To(HaveLen(2))
	})

	It("should toggle the network", func() {
		Expect(do(http.MethodPost, "/network/enable").Code).To(Equal(http.StatusNoContent))
		Expect(fake.networkOn).To(BeTrue())

		Expect(do(http.MethodPost, "/network/disable").Code).To(Equal(http.StatusNoContent))
		Expect(fake.networkOn).To(BeFalse())
	})

	It("should return documents from the requested source", func() {
		rec := do(http.MethodGet, "/documents/rooms/a?source=cache")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(fake.lastSource).To(Equal(client.SourceCache))

		body := decode(rec)
		Expect(body).To(HaveKeyWithValue("key", "rooms/a"))
		Expect(body).To(HaveKeyWithValue("exists", true))
		Expect(body).To(HaveKey("data"))

		rec = do(http.MethodGet, "/documents/rooms/b")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(fake.lastSource).To(Equal(client.SourceDefault))
		Expect(decode(rec)).To(HaveKeyWithValue("exists", false))
	})

	It("should reject bad paths and sources", func() {
		rec := do(http.MethodGet, "/documents/rooms")
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
		Expect(decode(rec)).To(HaveKeyWithValue("code", "INVALID_ARGUMENT"))

		Expect(do(http.MethodGet, "/documents/rooms/a?source=disk").Code).To(Equal(http.StatusBadRequest))
	})

	It("should map client errors onto HTTP statuses", func() {
		fake.err = status.New(status.Unavailable, "offline")

		rec := do(http.MethodGet, "/documents/rooms/a?source=server")
		Expect(rec.Code).To(Equal(http.StatusServiceUnavailable))
		Expect(decode(rec)).To(HaveKeyWithValue("code", "UNAVAILABLE"))

		fake.err = context.DeadlineExceeded
		Expect(do(http.MethodGet, "/status").Code).To(Equal(http.StatusInternalServerError))
	})
})
