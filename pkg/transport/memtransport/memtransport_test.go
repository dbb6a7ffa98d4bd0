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

package memtransport_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/docsync/pkg/status"
	"github.com/united-manufacturing-hub/docsync/pkg/transport"
	"github.com/united-manufacturing-hub/docsync/pkg/transport/memtransport"
)

func echo(ctx context.Context, endpoint string, s transport.ServerStream) {
	for {
		msg, err := s.Recv(ctx)
		if err != nil {
			return
		}

		if string(msg) == "fail" {
			_ = s.CloseWithError(status.New(status.Aborted, "asked to fail"))

			return
		}

		_ = s.Send(ctx, append([]byte(endpoint+":"), msg...))
	}
}

var _ = Describe("Network", func() {
	var (
		ctx context.Context
		net *memtransport.Network
	)

	BeforeEach(func() {
		ctx = context.Background()
		net = memtransport.New(echo, func(_ context.Context, endpoint string, body []byte, headers transport.Headers) ([]byte, error) {
			return []byte(headers[transport.Authorization] + " " + endpoint + " " + string(body)), nil
		})
	})

	AfterEach(func() {
		net.Close()
	})

	It("should exchange frames with the handler", func() {
		s, err := net.OpenStream(ctx, "/listen", nil)
		Expect(err).ToNot(HaveOccurred())

		Expect(s.Send(ctx, []byte("a"))).To(Succeed())
		msg, err := s.Recv(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(msg)).To(Equal("/listen:a"))
		Expect(net.OpenedStreams()).To(Equal(1))
	})

	It("should deliver the server's close error after queued frames", func() {
		s, err := net.OpenStream(ctx, "/write", nil)
		Expect(err).ToNot(HaveOccurred())

		Expect(s.Send(ctx, []byte("one"))).To(Succeed())
		Expect(s.Send(ctx, []byte("fail"))).To(Succeed())

		msg, err := s.Recv(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(msg)).To(Equal("/write:one"))

		_, err = s.Recv(ctx)
		Expect(status.CodeOf(err)).To(Equal(status.Aborted))
	})

	It("should call the unary handler", func() {
		out, err := net.SendUnary(ctx, "/lookup", []byte("body"), transport.Headers{transport.Authorization: "Bearer t"})
		Expect(err).ToNot(HaveOccurred())
		Expect(string(out)).To(Equal("Bearer t /lookup body"))
	})

	It("should break streams and refuse calls while offline", func() {
		s, err := net.OpenStream(ctx, "/listen", nil)
		Expect(err).ToNot(HaveOccurred())

		net.SetOffline(true)

		_, err = s.Recv(ctx)
		Expect(status.CodeOf(err)).To(Equal(status.Unavailable))

		_, err = net.OpenStream(ctx, "/listen", nil)
		Expect(status.CodeOf(err)).To(Equal(status.Unavailable))

		_, err = net.SendUnary(ctx, "/lookup", nil, nil)
		Expect(status.CodeOf(err)).To(Equal(status.Unavailable))

		net.SetOffline(false)
		_, err = net.OpenStream(ctx, "/listen", nil)
		Expect(err).ToNot(HaveOccurred())
	})

	It("should end the server side when the client closes", func() {
		done := make(chan error, 1)
		n := memtransport.New(func(ctx context.Context, _ string, s transport.ServerStream) {
			_, err := s.Recv(ctx)
			done <- err
		}, nil)
		defer n.Close()

		s, err := n.OpenStream(ctx, "/listen", nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(s.Close()).To(Succeed())

		Eventually(done).Should(Receive(MatchError(transport.ErrClosed)))
		Expect(s.Send(ctx, []byte("x"))).To(MatchError(transport.ErrClosed))

		_, err = n.SendUnary(ctx, "/lookup", nil, nil)
		Expect(status.CodeOf(err)).To(Equal(status.Unimplemented))
	})

	It("should honour the receive context", func() {
		s, err := net.OpenStream(ctx, "/listen", nil)
		Expect(err).ToNot(HaveOccurred())

		short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		_, err = s.Recv(short)
		Expect(err).To(MatchError(context.DeadlineExceeded))
	})
})
