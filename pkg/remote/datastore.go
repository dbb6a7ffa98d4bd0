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
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/docsync/pkg/asyncqueue"
	"github.com/united-manufacturing-hub/docsync/pkg/backoff"
	"github.com/united-manufacturing-hub/docsync/pkg/constants"
	"github.com/united-manufacturing-hub/docsync/pkg/credentials"
	"github.com/united-manufacturing-hub/docsync/pkg/logger"
	"github.com/united-manufacturing-hub/docsync/pkg/metrics"
	"github.com/united-manufacturing-hub/docsync/pkg/model"
	"github.com/united-manufacturing-hub/docsync/pkg/status"
	"github.com/united-manufacturing-hub/docsync/pkg/transport"
)

// DatastoreOptions configures a Datastore.
type DatastoreOptions struct {
	Queue       *asyncqueue.Queue
	Transport   transport.Transport
	Credentials credentials.Provider
	Serializer  *Serializer
	// Policy is the backoff used for stream reconnects and lookup retries.
	Policy backoff.Policy
	Logger *zap.SugaredLogger
}

// Datastore owns the transport and hands out streams bound to it.
type Datastore struct {
	opts DatastoreOptions
	log  *zap.SugaredLogger
}

func NewDatastore(opts DatastoreOptions) *Datastore {
	if opts.Credentials == nil {
		opts.Credentials = credentials.EmptyProvider{}
	}

	if opts.Policy == (backoff.Policy{}) {
		opts.Policy = backoff.DefaultPolicy()
	}

	return &Datastore{opts: opts, log: logger.Or(opts.Logger, logger.ComponentDatastore)}
}

func (d *Datastore) Serializer() *Serializer { return d.opts.Serializer }

// NewWatchStream creates a stream that reports to listener. It is not
// started.
func (d *Datastore) NewWatchStream(listener WatchStreamListener) *WatchStream {
	base := newPersistentStream(streamConfig{
		name:         metrics.ComponentWatchStream,
		endpoint:     ListenEndpoint,
		idleTimer:    asyncqueue.TimerListenStreamIdle,
		backoffTimer: asyncqueue.TimerListenStreamConnectionBackoff,
		policy:       d.opts.Policy,
	}, d.opts.Queue, d.opts.Transport, d.opts.Credentials, d.opts.Serializer.DatabaseName(),
		logger.Or(nil, logger.ComponentWatchStream))

	w := &WatchStream{persistentStream: base, serializer: d.opts.Serializer, listener: listener}
	base.listener = listener
	base.handleMessage = w.onMessage

	return w
}

func (d *Datastore) NewWriteStream(listener WriteStreamListener) *WriteStream {
	base := newPersistentStream(streamConfig{
		name:         metrics.ComponentWriteStream,
		endpoint:     WriteEndpoint,
		idleTimer:    asyncqueue.TimerWriteStreamIdle,
		backoffTimer: asyncqueue.TimerWriteStreamConnectionBackoff,
		policy:       d.opts.Policy,
	}, d.opts.Queue, d.opts.Transport, d.opts.Credentials, d.opts.Serializer.DatabaseName(),
		logger.Or(nil, logger.ComponentWriteStream))

	w := &WriteStream{persistentStream: base, serializer: d.opts.Serializer, listener: listener}
	base.listener = listener
	base.handleMessage = w.onMessage
	base.onStart = w.resetHandshake

	return w
}

// Lookup reads keys straight from the backend. Missing documents come back
// as no-documents. Results are in the order of keys. Transient failures are
// retried; an unauthenticated reply invalidates the token before the next
// attempt. Lookup blocks and must not be called on the queue goroutine.
func (d *Datastore) Lookup(ctx context.Context, keys []model.DocumentKey) ([]*model.Document, error) {
	body, err := d.opts.Serializer.EncodeBatchGet(keys)
	if err != nil {
		return nil, err
	}

	var docs []*model.Document

	err = backoff.Retry(ctx, d.opts.Policy, constants.LookupMaxAttempts, func(ctx context.Context) error {
		token, err := d.opts.Credentials.GetToken(ctx, false)
		if err != nil {
			return status.Categorize(asStatus(err, status.Unauthenticated))
		}

		headers := transport.Headers{HeaderResourcePrefix: d.opts.Serializer.DatabaseName()}
		if v := token.AuthorizationHeader(); v != "" {
			headers[transport.Authorization] = v
		}

		resp, err := d.opts.Transport.SendUnary(ctx, BatchGetEndpoint, body, headers)
		if err != nil {
			if status.CodeOf(err) == status.Unauthenticated {
				d.opts.Credentials.InvalidateToken()
			}

			return status.Categorize(err)
		}

		decoded, err := d.opts.Serializer.DecodeBatchGet(resp)
		if err != nil {
			return backoff.NewPermanentError(err)
		}

		docs = decoded

		return nil
	}, func(err error, wait time.Duration) {
		d.log.Debugf("Retrying lookup of %d documents in %s: %v", len(keys), wait, err)
	})
	if err != nil {
		return nil, err
	}

	byKey := make(map[model.DocumentKey]*model.Document, len(docs))
	for _, doc := range docs {
		byKey[doc.Key()] = doc
	}

	out := make([]*model.Document, 0, len(keys))

	for _, k := range keys {
		doc, ok := byKey[k]
		if !ok {
			return nil, status.Errorf(status.Internal, "lookup response is missing %s", k)
		}

		out = append(out, doc)
	}

	return out, nil
}

// Terminate closes the transport.
func (d *Datastore) Terminate() {
	d.opts.Transport.Close()
}

func (d *Datastore) String() string {
	return fmt.Sprintf("Datastore(%s)", d.opts.Serializer.DatabaseName())
}
