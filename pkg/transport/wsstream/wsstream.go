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

// Package wsstream carries transport streams over websocket connections.
// Each frame is one text message. A failed stream is closed with a close
// frame whose reason holds the status code and message as JSON.
package wsstream

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/docsync/pkg/logger"
	"github.com/united-manufacturing-hub/docsync/pkg/status"
	"github.com/united-manufacturing-hub/docsync/pkg/transport"
)

const (
	writeWait = 10 * time.Second
	// maxCloseReason is the control frame payload limit minus the close code.
	maxCloseReason = 123
	// CloseStatusError marks a close frame carrying a status reason.
	CloseStatusError = 4000
)

type closeReason struct {
	Code    status.Code `json:"code"`
	Message string      `json:"message,omitempty"`
}

// EncodeCloseReason renders err into a close frame reason.
func EncodeCloseReason(err error) string {
	var se *status.Error
	if !errors.As(err, &se) {
		se = status.New(status.Unknown, err.Error())
	}

	reason := closeReason{Code: se.Code, Message: se.Message}

	for {
		data, mErr := json.Marshal(reason)
		if mErr != nil {
			return ""
		}

		if len(data) <= maxCloseReason || reason.Message == "" {
			return string(data)
		}

		cut := len(reason.Message) - (len(data) - maxCloseReason)
		if cut < 0 {
			cut = 0
		}

		reason.Message = reason.Message[:cut]
	}
}

// DecodeCloseReason is the inverse of EncodeCloseReason. Reasons that are
// not JSON become Unknown errors.
func DecodeCloseReason(text string) *status.Error {
	var reason closeReason
	if err := json.Unmarshal([]byte(text), &reason); err != nil {
		return status.New(status.Unknown, text)
	}

	return status.New(reason.Code, reason.Message)
}

type frame struct {
	data []byte
	err  error
}

// conn wraps a websocket connection on either side. A single goroutine reads
// into incoming; writes are serialized by writeMu.
type conn struct {
	ws       *websocket.Conn
	log      *zap.SugaredLogger
	headers  transport.Headers
	incoming chan frame
	done     chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, headers transport.Headers, log *zap.SugaredLogger) *conn {
	c := &conn{
		ws:       ws,
		log:      log,
		headers:  headers,
		incoming: make(chan frame, 16),
		done:     make(chan struct{}),
	}

	go c.readLoop()

	return c
}

func (c *conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.deliver(frame{err: c.translate(err)})

			return
		}

		if !c.deliver(frame{data: data}) {
			return
		}
	}
}

func (c *conn) deliver(f frame) bool {
	select {
	case c.incoming <- f:
		return true
	case <-c.done:
		return false
	}
}

func (c *conn) translate(err error) error {
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}

	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code == CloseStatusError {
			return DecodeCloseReason(ce.Text)
		}

		if ce.Code == websocket.CloseNormalClosure {
			return transport.ErrClosed
		}

		return status.Errorf(status.Unavailable, "stream closed with code %d: %s", ce.Code, ce.Text)
	}

	return status.Errorf(status.Unavailable, "stream read failed: %v", err)
}

func (c *conn) Send(ctx context.Context, payload []byte) error {
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	_ = c.ws.SetWriteDeadline(deadline)

	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		return status.Errorf(status.Unavailable, "stream write failed: %v", err)
	}

	return nil
}

func (c *conn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.incoming:
		if f.err != nil {
			// Keep the terminal error for later callers.
			c.park(f)

			return nil, f.err
		}

		return f.data, nil
	case <-c.done:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *conn) park(f frame) {
	select {
	case c.incoming <- f:
	default:
	}
}

func (c *conn) closeWith(code int, reason string) error {
	var err error

	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()

		close(c.done)
		err = c.ws.Close()
	})

	return err
}

func (c *conn) Close() error {
	return c.closeWith(websocket.CloseNormalClosure, "")
}

func (c *conn) CloseWithError(err error) error {
	if err == nil {
		return c.Close()
	}

	return c.closeWith(CloseStatusError, EncodeCloseReason(err))
}

func (c *conn) Headers() transport.Headers { return c.headers }

type Options struct {
	// BaseURL is the http(s) or ws(s) URL endpoints are appended to.
	BaseURL string
	// HandshakeTimeout defaults to 10 seconds.
	HandshakeTimeout time.Duration
	Logger           *zap.SugaredLogger
}

// Dialer opens client streams. It implements transport.StreamOpener.
type Dialer struct {
	baseURL string
	dialer  *websocket.Dialer
	log     *zap.SugaredLogger
}

var _ transport.StreamOpener = (*Dialer)(nil)

func NewDialer(opts Options) *Dialer {
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}

	base := strings.TrimSuffix(opts.BaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}

	return &Dialer{
		baseURL: base,
		dialer: &websocket.Dialer{
			Proxy:             http.ProxyFromEnvironment,
			HandshakeTimeout:  opts.HandshakeTimeout,
			EnableCompression: true,
		},
		log: logger.Or(opts.Logger, logger.ComponentTransport),
	}
}

func (d *Dialer) OpenStream(ctx context.Context, endpoint string, headers transport.Headers) (transport.Stream, error) {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}

	ws, resp, err := d.dialer.DialContext(ctx, d.baseURL+endpoint, h)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		if resp != nil {
			return nil, status.Errorf(status.FromHTTPStatus(resp.StatusCode), "stream handshake to %s failed: %s", endpoint, resp.Status)
		}

		return nil, status.Errorf(status.Unavailable, "failed to dial %s: %v", endpoint, err)
	}

	d.log.Debugf("Opened stream to %s", endpoint)

	return newConn(ws, headers, d.log), nil
}

// Handler serves websocket upgrades with handle. The request path is the
// endpoint.
func Handler(handle transport.StreamHandler, log *zap.SugaredLogger) http.Handler {
	log = logger.Or(log, logger.ComponentTransport)
	upgrader := websocket.Upgrader{
		EnableCompression: true,
		CheckOrigin:       func(*http.Request) bool { return true },
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debugf("Upgrade of %s failed: %v", r.URL.Path, err)

			return
		}

		headers := transport.Headers{}
		for k := range r.Header {
			headers[k] = r.Header.Get(k)
		}

		c := newConn(ws, headers, log)
		defer func() {
			_ = c.Close()
		}()

		handle(r.Context(), r.URL.Path, c)
	})
}
