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
package remote

import (
	"github.com/united-manufacturing-hub/docsync/pkg/model"
	"github.com/united-manufacturing-hub/docsync/pkg/mutation"
	"github.com/united-manufacturing-hub/docsync/pkg/query"
)

// WatchStreamListener receives decoded listen responses. version is the
// global snapshot version a frame carried, or the minimum version.
type WatchStreamListener interface {
	StreamListener
	OnWatchChange(change WatchChange, version model.SnapshotVersion)
}

// WatchStream adds and removes listen targets on a persistent stream.
type WatchStream struct {
	*persistentStream

	serializer *Serializer
	listener   WatchStreamListener
}

func (w *WatchStream) onMessage(data []byte) error {
	change, version, err := w.serializer.DecodeListenResponse(data)
	if err != nil {
		return err
	}

	// A message proves the connection works; reconnects after a later
	// failure do not need to wait.
	w.backoff.Reset()
	w.listener.OnWatchChange(change, version)

	return nil
}

// Watch registers a target. The stream must be open.
func (w *WatchStream) Watch(data *query.TargetData) error {
	payload, err := w.serializer.EncodeListenRequest(data)
	if err != nil {
		return err
	}

	w.send(payload)

	return nil
}

// Unwatch removes a target. The stream must be open.
func (w *WatchStream) Unwatch(targetID int) error {
	payload, err := w.serializer.EncodeUnlistenRequest(targetID)
	if err != nil {
		return err
	}

	w.send(payload)

	return nil
}

// WriteStreamListener receives write stream responses.
type WriteStreamListener interface {
	StreamListener
	// OnHandshakeComplete fires once the server answered the handshake.
	// Mutations may be written from then on.
	OnHandshakeComplete()
	OnMutationResult(commitVersion model.SnapshotVersion, results []mutation.Result)
}

// WriteStream sends mutation batches. Every stream begins with a handshake;
// afterwards each request carries the stream token of the last response.
type WriteStream struct {
	*persistentStream

	serializer *Serializer
	listener   WriteStreamListener

	handshakeComplete bool
	lastStreamToken   []byte
}

func (w *WriteStream) resetHandshake() {
	w.handshakeComplete = false
	w.lastStreamToken = nil
}

// HandshakeComplete reports whether mutations may be written.
func (w *WriteStream) HandshakeComplete() bool { return w.handshakeComplete }

func (w *WriteStream) LastStreamToken() []byte { return w.lastStreamToken }

// SetLastStreamToken replaces the token sent with the next request.
func (w *WriteStream) SetLastStreamToken(token []byte) { w.lastStreamToken = token }

// WriteHandshake sends the initial request. The stream must be open.
func (w *WriteStream) WriteHandshake() error {
	if !w.IsOpen() || w.handshakeComplete {
		w.log.Errorf("Write handshake in state %s (handshake complete: %t)", w.State(), w.handshakeComplete)

		return nil
	}

	payload, err := w.serializer.EncodeHandshake()
	if err != nil {
		return err
	}

	w.send(payload)

	return nil
}

// WriteMutations sends one batch. The handshake must be complete.
func (w *WriteStream) WriteMutations(mutations []*mutation.Mutation) error {
	if !w.IsOpen() || !w.handshakeComplete {
		w.log.Errorf("Writing mutations in state %s before the handshake completed", w.State())

		return nil
	}

	payload, err := w.serializer.EncodeWriteRequest(w.lastStreamToken, mutations)
	if err != nil {
		return err
	}

	w.send(payload)

	return nil
}

func (w *WriteStream) onMessage(data []byte) error {
	ack, err := w.serializer.DecodeWriteResponse(data)
	if err != nil {
		return err
	}

	w.lastStreamToken = ack.StreamToken

	if !w.handshakeComplete {
		if len(ack.Results) > 0 {
			w.log.Warnf("Ignoring %d write results in the handshake response", len(ack.Results))
		}

		w.handshakeComplete = true
		w.listener.OnHandshakeComplete()

		return nil
	}

	w.backoff.Reset()
	w.listener.OnMutationResult(ack.CommitVersion, ack.Results)

	return nil
}
