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

package wsstream_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/docsync/pkg/status"
	"github.com/united-manufacturing-hub/docsync/pkg/transport"
	"github.com/united-manufacturing-hub/docsync/pkg/transport/wsstream"
)

var _ = Describe("Close reasons", func() {
	It("should round trip status errors", func() {
		reason := wsstream.EncodeCloseReason(status.New(status.PermissionDenied, "no access"))
		err := wsstream.DecodeCloseReason(reason)
		Expect(err.Code).To(Equal(status.PermissionDenied))
		Expect(err.Message).To(Equal("no access"))
	})

	It("should truncate long messages to fit a control frame", func() {
		reason := wsstream.EncodeCloseReason(status.New(status.Internal, strings.Repeat("x", 500)))
		Expect(len(reason)).To(BeNumerically("<=", 123))
		Expect(wsstream.DecodeCloseReason(reason).Code).To(Equal(status.Internal))
	})

	It("should treat plain errors and plain text as unknown", func() {
		Expect(wsstream.DecodeCloseReason(wsstream.EncodeCloseReason(errors.New("boom"))).Code).To(Equal(status.Unknown))
		Expect(wsstream.DecodeCloseReason("not json").Code).To(Equal(status.Unknown))
	})
})

// handlerSlot lets a test swap the server behaviour while handler
// goroutines of the running server read it.
type handlerSlot struct {
	mu     sync.Mutex
	handle transport.StreamHandler
}

func (h *handlerSlot) set(handle transport.StreamHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.handle = handle
}

func (h *handlerSlot) get() transport.StreamHandler {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.handle
}

var _ = Describe("Dialer", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		server *httptest.Server
		dialer *wsstream.Dialer
		// handle decides what the server does with each accepted stream.
		handle *handlerSlot
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		slot := &handlerSlot{}
		handle = slot
		handle.set(func(ctx context.Context, endpoint string, s transport.ServerStream) {
			for {
				msg, err := s.Recv(ctx)
				if err != nil {
					return
				}

				if err := s.Send(ctx, append([]byte(endpoint+":"), msg...)); err != nil {
					return
				}
			}
		})

		log := zap.NewNop().Sugar()
		server = httptest.NewServer(wsstream.Handler(func(ctx context.Context, endpoint string, s transport.ServerStream) {
			slot.get()(ctx, endpoint, s)
		}, log))
		dialer = wsstream.NewDialer(wsstream.Options{BaseURL: server.URL, Logger: log})
	})

	AfterEach(func() {
		cancel()
		server.Close()
	})

	It("should exchange frames on the requested endpoint", func() {
		s, err := dialer.OpenStream(ctx, "/listen", nil)
		Expect(err).ToNot(HaveOccurred())
		defer s.Close()

		Expect(s.Send(ctx, []byte("hello"))).To(Succeed())
		msg, err := s.Recv(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(msg)).To(Equal("/listen:hello"))
	})

	It("should forward headers to the server", func() {
		seen := make(chan string, 1)
		handle.set(func(_ context.Context, _ string, s transport.ServerStream) {
			seen <- s.Headers()[transport.Authorization]
		})

		s, err := dialer.OpenStream(ctx, "/listen", transport.Headers{transport.Authorization: "Bearer abc"})
		Expect(err).ToNot(HaveOccurred())
		defer s.Close()

		Eventually(seen).Should(Receive(Equal("Bearer abc")))
	})

	It("should surface a status close as the stream error", func() {
		handle.set(func(ctx context.Context, _ string, s transport.ServerStream) {
			_, _ = s.Recv(ctx)
			_ = s.CloseWithError(status.New(status.ResourceExhausted, "slow down"))
		})

		s, err := dialer.OpenStream(ctx, "/write", nil)
		Expect(err).ToNot(HaveOccurred())
		defer s.Close()

		Expect(s.Send(ctx, []byte("x"))).To(Succeed())
		_, err = s.Recv(ctx)
		Expect(status.CodeOf(err)).To(Equal(status.ResourceExhausted))

		_, err = s.Recv(ctx)
		Expect(status.CodeOf(err)).To(Equal(status.ResourceExhausted))
	})

	It("should report a normal server close as closed", func() {
		handle.set(func(_ context.Context, _ string, s transport.ServerStream) {
			_ = s.CloseWithError(nil)
		})

		s, err := dialer.OpenStream(ctx, "/listen", nil)
		Expect(err).ToNot(HaveOccurred())
		defer s.Close()

		_, err = s.Recv(ctx)
		Expect(err).To(MatchError(transport.ErrClosed))
	})

	It("should fail sends and receives after a local close", func() {
		s, err := dialer.OpenStream(ctx, "/listen", nil)
		Expect(err).ToNot(HaveOccurred())

		Expect(s.Close()).To(Succeed())
		Expect(s.Close()).To(Succeed())
		Expect(s.Send(ctx, []byte("x"))).To(MatchError(transport.ErrClosed))
		_, err = s.Recv(ctx)
		Expect(err).To(MatchError(transport.ErrClosed))
	})

	It("should stop waiting when the context ends", func() {
		handle.set(func(ctx context.Context, _ string, s transport.ServerStream) {
			_, _ = s.Recv(ctx)
		})

		s, err := dialer.OpenStream(ctx, "/listen", nil)
		Expect(err).ToNot(HaveOccurred())
		defer s.Close()

		short, stop := context.WithTimeout(ctx, 50*time.Millisecond)
		defer stop()

		_, err = s.Recv(short)
		Expect(err).To(MatchError(context.DeadlineExceeded))
	})

	It("should map a rejected handshake to its status", func() {
		plain := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer plain.Close()

		d := wsstream.NewDialer(wsstream.Options{BaseURL: plain.URL, Logger: zap.NewNop().Sugar()})
		_, err := d.OpenStream(ctx, "/listen", nil)
		Expect(status.CodeOf(err)).To(Equal(status.Unauthenticated))
	})
})
