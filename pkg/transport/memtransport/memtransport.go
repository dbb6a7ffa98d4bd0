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

// Package memtransport connects a client to in-process handlers. It backs
// tests and the embedded demo backend, and can be switched offline to
// simulate network loss.
package memtransport

import (
	"context"
	"sync"

	"github.com/united-manufacturing-hub/docsync/pkg/status"
	"github.com/united-manufacturing-hub/docsync/pkg/transport"
)

const pipeBuffer = 64

type pipe struct {
	headers  transport.Headers
	toServer chan []byte
	toClient chan []byte
	closed   chan struct{}

	once sync.Once
	// clientErr and serverErr are what each end's Recv returns after close.
	clientErr error
	serverErr error
}

func newPipe(headers transport.Headers) *pipe {
	return &pipe{
		headers:  headers,
		toServer: make(chan []byte, pipeBuffer),
		toClient: make(chan []byte, pipeBuffer),
		closed:   make(chan struct{}),
	}
}

func (p *pipe) close(clientErr, serverErr error) {
	p.once.Do(func() {
		p.clientErr = clientErr
		p.serverErr = serverErr
		close(p.closed)
	})
}

func send(ctx context.Context, p *pipe, ch chan []byte, payload []byte) error {
	msg := append([]byte(nil), payload...)

	select {
	case <-p.closed:
		return transport.ErrClosed
	default:
	}

	select {
	case ch <- msg:
		return nil
	case <-p.closed:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// recv delivers queued messages before reporting the close.
func recv(ctx context.Context, p *pipe, ch chan []byte, closeErr func() error) ([]byte, error) {
	select {
	case msg := <-ch:
		return msg, nil
	case <-p.closed:
		select {
		case msg := <-ch:
			return msg, nil
		default:
			return nil, closeErr()
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type clientEnd struct{ p *pipe }

func (c clientEnd) Send(ctx context.Context, payload []byte) error {
	return send(ctx, c.p, c.p.toServer, payload)
}

func (c clientEnd) Recv(ctx context.Context) ([]byte, error) {
	return recv(ctx, c.p, c.p.toClient, func() error { return c.p.clientErr })
}

func (c clientEnd) Close() error {
	c.p.close(transport.ErrClosed, transport.ErrClosed)

	return nil
}

type serverEnd struct{ p *pipe }

func (s serverEnd) Send(ctx context.Context, payload []byte) error {
	return send(ctx, s.p, s.p.toClient, payload)
}

func (s serverEnd) Recv(ctx context.Context) ([]byte, error) {
	return recv(ctx, s.p, s.p.toServer, func() error { return s.p.serverErr })
}

func (s serverEnd) CloseWithError(err error) error {
	if err == nil {
		err = transport.ErrClosed
	}

	s.p.close(err, transport.ErrClosed)

	return nil
}

func (s serverEnd) Headers() transport.Headers { return s.p.headers }

// Network implements transport.Transport on top of handlers.
type Network struct {
	streams transport.StreamHandler
	unary   transport.UnaryHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	offline bool
	closed  bool
	open    map[*pipe]struct{}
	opened  int
}

var _ transport.Transport = (*Network)(nil)

// New serves streams with streams and unary calls with unary. Either may be
// nil, in which case those calls fail with Unimplemented.
func New(streams transport.StreamHandler, unary transport.UnaryHandler) *Network {
	ctx, cancel := context.WithCancel(context.Background())

	return &Network{
		streams: streams,
		unary:   unary,
		ctx:     ctx,
		cancel:  cancel,
		open:    map[*pipe]struct{}{},
	}
}

func (n *Network) unavailable() error {
	if n.closed {
		return status.New(status.Unavailable, "network closed")
	}

	if n.offline {
		return status.New(status.Unavailable, "network offline")
	}

	return nil
}

func (n *Network) OpenStream(ctx context.Context, endpoint string, headers transport.Headers) (transport.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.unavailable(); err != nil {
		return nil, err
	}

	if n.streams == nil {
		return nil, status.Errorf(status.Unimplemented, "no stream handler for %s", endpoint)
	}

	copied := transport.Headers{}
	for k, v := range headers {
		copied[k] = v
	}

	p := newPipe(copied)
	n.open[p] = struct{}{}
	n.opened++

	n.wg.Add(1)

	go func() {
		defer n.wg.Done()
		defer func() {
			p.close(transport.ErrClosed, transport.ErrClosed)

			n.mu.Lock()
			delete(n.open, p)
			n.mu.Unlock()
		}()

		n.streams(n.ctx, endpoint, serverEnd{p: p})
	}()

	return clientEnd{p: p}, nil
}

func (n *Network) SendUnary(ctx context.Context, endpoint string, body []byte, headers transport.Headers) ([]byte, error) {
	n.mu.Lock()
	err := n.unavailable()
	n.mu.Unlock()

	if err != nil {
		return nil, err
	}

	if n.unary == nil {
		return nil, status.Errorf(status.Unimplemented, "no unary handler for %s", endpoint)
	}

	return n.unary(ctx, endpoint, append([]byte(nil), body...), headers)
}

// SetOffline fails new calls with Unavailable while offline is true. Going
// offline also breaks every open stream.
func (n *Network) SetOffline(offline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.offline = offline
	if offline {
		n.breakLocked(status.New(status.Unavailable, "network offline"))
	}
}

// BreakStreams fails every open stream with err on the client side.
func (n *Network) BreakStreams(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.breakLocked(err)
}

func (n *Network) breakLocked(err error) {
	for p := range n.open {
		p.close(err, transport.ErrClosed)
	}
}

// OpenedStreams counts the streams opened so far.
func (n *Network) OpenedStreams() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.opened
}

// Close breaks all streams and waits for their handlers to return.
func (n *Network) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()

		return
	}

	n.closed = true
	n.breakLocked(status.New(status.Unavailable, "network closed"))
	n.mu.Unlock()

	n.cancel()
	n.wg.Wait()
}
