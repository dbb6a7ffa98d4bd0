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

// Package httpunary sends unary calls such as document lookups as HTTP
// POST requests and maps failed responses onto status codes.
package httpunary

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/docsync/pkg/logger"
	"github.com/united-manufacturing-hub/docsync/pkg/status"
	"github.com/united-manufacturing-hub/docsync/pkg/transport"
)

// Error is a failed unary call. It unwraps to its *status.Error so
// status.CodeOf works on it.
type Error struct {
	Status     *status.Error
	HTTPStatus int
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.HTTPStatus == 0 {
		return e.Status.Error()
	}

	return fmt.Sprintf("HTTP %d: %s", e.HTTPStatus, e.Status.Error())
}

func (e *Error) Unwrap() error { return e.Status }

// restError is the error body returned by REST style backends.
type restError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// isProxyBlock detects HTML block pages of corporate proxies, which are
// worth retrying once the network changes.
func isProxyBlock(headers http.Header, body []byte) bool {
	if !strings.HasPrefix(headers.Get("Content-Type"), "text/html") {
		return false
	}

	for _, sig := range []string{"Zscaler", "BlueCoat", "Access Denied", "This site has been blocked", "FortiGuard"} {
		if bytes.Contains(body, []byte(sig)) {
			return true
		}
	}

	return false
}

// parseRetryAfter extracts the Retry-After header (RFC 7231). Returns 0 if
// the header is missing or invalid.
func parseRetryAfter(headers http.Header) time.Duration {
	value := headers.Get("Retry-After")
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}

	if t, err := http.ParseTime(value); err == nil {
		if delay := time.Until(t); delay > 0 {
			return delay
		}
	}

	return 0
}

// classify turns a non 2xx response into an *Error. A REST error body wins
// over the HTTP status.
func classify(statusCode int, headers http.Header, body []byte) *Error {
	e := &Error{HTTPStatus: statusCode, RetryAfter: parseRetryAfter(headers)}

	var rest restError
	if err := json.Unmarshal(body, &rest); err == nil && rest.Error.Status != "" {
		e.Status = status.New(status.ParseCode(rest.Error.Status), rest.Error.Message)

		return e
	}

	if isProxyBlock(headers, body) {
		e.Status = status.New(status.Unavailable, "request blocked by proxy")

		return e
	}

	msg := http.StatusText(statusCode)
	if len(body) > 0 && len(body) < 200 {
		msg = string(body)
	}

	e.Status = status.New(status.FromHTTPStatus(statusCode), msg)

	return e
}

type Options struct {
	BaseURL string
	// Timeout bounds a whole call. Defaults to 30 seconds.
	Timeout time.Duration
	Logger  *zap.SugaredLogger
}

// Client implements transport.UnaryCaller.
type Client struct {
	baseURL string
	timeout time.Duration
	log     *zap.SugaredLogger
	http    *http.Client
}

var _ transport.UnaryCaller = (*Client)(nil)

func New(opts Options) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}

	return &Client{
		baseURL: strings.TrimSuffix(opts.BaseURL, "/"),
		timeout: opts.Timeout,
		log:     logger.Or(opts.Logger, logger.ComponentTransport),
		http:    newHTTPClient(opts.Timeout),
	}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			ForceAttemptHTTP2: false,
			TLSNextProto:      make(map[string]func(authority string, c *tls.Conn) http.RoundTripper),
			Proxy:             http.ProxyFromEnvironment,

			MaxIdleConns:        5,
			MaxIdleConnsPerHost: 2,
			MaxConnsPerHost:     4,

			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,

			IdleConnTimeout:       30 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// HTTPClient is the underlying client, exposed for interception in tests.
func (c *Client) HTTPClient() *http.Client { return c.http }

func (c *Client) SendUnary(ctx context.Context, endpoint string, body []byte, headers transport.Headers) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Status: status.Errorf(status.InvalidArgument, "failed to create request: %v", err)}
	}

	req.Header.Set("Content-Type", "application/json")

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		code := status.Unavailable
		if ctx.Err() != nil {
			code = status.DeadlineExceeded
			if ctx.Err() == context.Canceled {
				code = status.Cancelled
			}
		}

		return nil, &Error{Status: status.Errorf(code, "request to %s failed: %v", endpoint, err)}
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Status: status.Errorf(status.Unavailable, "failed to read response body: %v", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e := classify(resp.StatusCode, resp.Header, data)
		c.log.Debugf("Unary call to %s failed: %v", endpoint, e)

		return nil, e
	}

	return data, nil
}

// Reset drops pooled connections so the next call dials fresh.
func (c *Client) Reset() {
	c.http.CloseIdleConnections()
}

func (c *Client) Close() {
	c.Reset()
}

// Handler serves unary calls with handle. Failures are answered with a REST
// error body that classify on the client side decodes again.
func Handler(handle transport.UnaryHandler, log *zap.SugaredLogger) http.Handler {
	log = logger.Or(log, logger.ComponentTransport)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, status.Errorf(status.Unimplemented, "method %s is not supported", r.Method))

			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, status.Errorf(status.InvalidArgument, "failed to read request body: %v", err))

			return
		}

		headers := transport.Headers{}
		for k := range r.Header {
			headers[k] = r.Header.Get(k)
		}

		resp, err := handle(r.Context(), r.URL.Path, body, headers)
		if err != nil {
			log.Debugf("Unary call to %s failed: %v", r.URL.Path, err)
			writeError(w, err)

			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(resp)
	})
}

func writeError(w http.ResponseWriter, err error) {
	code := status.CodeOf(err)

	var rest restError
	rest.Error.Code = status.HTTPStatus(code)
	rest.Error.Message = err.Error()
	rest.Error.Status = code.String()

	var se *status.Error
	if errors.As(err, &se) {
		rest.Error.Message = se.Message
	}

	body, _ := json.Marshal(rest)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rest.Error.Code)
	_, _ = w.Write(body)
}
