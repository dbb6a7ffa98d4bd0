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

package constants

import "time"

const (
	// StreamIdleTimeout closes a watch or write stream that has had no
	// listens or pending writes for this long.
	StreamIdleTimeout = 60 * time.Second

	// StreamHealthyTimeout promotes an open stream to healthy once it stayed
	// open this long. Backoff is only reset on healthy streams.
	StreamHealthyTimeout = 10 * time.Second

	// OnlineStateTimeout moves the client to offline if the first watch
	// stream connection attempt has not succeeded by then.
	OnlineStateTimeout = 10 * time.Second

	// MaxWatchStreamFailures is the number of failed connection attempts
	// before the client is reported offline.
	MaxWatchStreamFailures = 1

	// MaxPendingWrites caps the write pipeline.
	MaxPendingWrites = 10

	// ResumeTokenMaxAge forces a resume token to be persisted even when a
	// remote event changed no documents.
	ResumeTokenMaxAge = 5 * time.Minute

	// LookupMaxAttempts bounds retries of one-shot document lookups.
	LookupMaxAttempts = 5
)

const (
	// GCInitialDelay is the delay before the first garbage collection run.
	GCInitialDelay = time.Minute

	// GCRegularDelay is the delay between later garbage collection runs.
	GCRegularDelay = 5 * time.Minute

	// DefaultCacheSizeBytes is the remote document cache size above which
	// garbage collection starts removing documents. -1 disables collection.
	DefaultCacheSizeBytes = 40 * 1024 * 1024

	// MinCacheSizeBytes is the smallest accepted cache size.
	MinCacheSizeBytes = 1024 * 1024

	// GCDisabled turns off garbage collection when used as the cache size.
	GCDisabled = -1

	// GCPercentile is the share of sequence numbers collected per run.
	GCPercentile = 10

	// GCMaxSequenceNumbers caps the sequence numbers collected per run.
	GCMaxSequenceNumbers = 1000
)

const (
	// IndexMinCollectionSize is the number of documents a full scan must
	// read before automatic index creation is considered.
	IndexMinCollectionSize = 100

	// IndexRelativeReadCost is the documents-read to results ratio above
	// which a full scan creates an index automatically.
	IndexRelativeReadCost = 2.0
)

// MaxConcurrentLimboResolutions caps the limbo documents resolved at the
// same time. Further documents wait in FIFO order.
const MaxConcurrentLimboResolutions = 100
