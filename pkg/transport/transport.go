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

// Package transport moves opaque frames between the remote store and the
// backend. Framing and encoding belong to the serializer; a transport only
// knows endpoints, headers and byte payloads.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by Send and Recv after the stream was closed
// locally, and by Recv after the server ended the stream normally.
var ErrClosed = errors.New("stream closed")

// Headers are sent when a stream is opened or a unary call is made.
type Headers map[string]string

// Stream is a bidirectional message stream. Send may be called concurrently
// with Recv, but neither concurrently with itself.
type Stream interface {
	Send(ctx context.Context, payload []byte) error
	// Recv blocks for the next message. Server side failures are returned as
	// *status.Error.
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

type StreamOpener interface {
	OpenStream(ctx context.Context, endpoint string, headers Headers) (Stream, error)
}

type UnaryCaller interface {
	SendUnary(ctx context.Context, endpoint string, body []byte, headers Headers) ([]byte, error)
}

// Transport is what the remote store talks to.
type Transport interface {
	StreamOpener
	UnaryCaller
	// Close releases all resources held by the transport. Safe to call
	// multiple times.
	Close()
}

type combined struct {
	StreamOpener
	UnaryCaller
	closers []func()
}

// Combine builds a Transport from a stream opener and a unary caller, for
// example websocket streams next to plain HTTP lookups. closers run on
// Close.
func Combine(streams StreamOpener, unary UnaryCaller, closers ...func()) Transport {
	return &combined{StreamOpener: streams, UnaryCaller: unary, closers: closers}
}

func (c *combined) Close() {
	for _, fn := range c.closers {
		fn()
	}

	c.closers = nil
}

// Authorization is the header carrying the bearer token.
const Authorization = "Authorization"

// ServerStream is the backend end of a Stream.
type ServerStream interface {
	Send(ctx context.Context, payload []byte) error
	Recv(ctx context.Context) ([]byte, error)
	// CloseWithError ends the stream. A nil error is a normal close, any
	// other error reaches the client's Recv with its status code.
	CloseWithError(err error) error
	Headers() Headers
}

// StreamHandler serves one accepted stream until it returns.
type StreamHandler func(ctx context.Context, endpoint string, stream ServerStream)

// UnaryHandler serves one unary call.
type UnaryHandler func(ctx context.Context, endpoint string, body []byte, headers Headers) ([]byte, error)
