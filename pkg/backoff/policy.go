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

package backoff

import (
	"time"

	cbackoff "github.com/cenkalti/backoff"
)

// Policy configures an exponential backoff.
type Policy struct {
	InitialDelay time.Duration `yaml:"initialDelay"`
	Factor       float64       `yaml:"factor"`
	MaxDelay     time.Duration `yaml:"maxDelay"`
	// Jitter is the randomization factor; 0.5 spreads each delay over
	// [0.5x, 1.5x].
	Jitter float64 `yaml:"jitter"`
}

// DefaultPolicy is the connection backoff used by streams and retryable
// tasks.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: time.Second,
		Factor:       1.5,
		MaxDelay:     60 * time.Second,
		Jitter:       0.5,
	}
}

func (p Policy) build() *cbackoff.ExponentialBackOff {
	b := cbackoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.Multiplier = p.Factor
	b.MaxInterval = p.MaxDelay
	b.RandomizationFactor = p.Jitter
	// Never stop on elapsed time; callers decide when to give up.
	b.MaxElapsedTime = 0
	b.Reset()

	return b
}

// Exponential produces successive backoff delays. The first delay after
// construction or Reset is zero so the first retry is immediate. It is not
// safe for concurrent use.
type Exponential struct {
	policy    Policy
	b         *cbackoff.ExponentialBackOff
	immediate bool
	last      time.Duration
}

func NewExponential(p Policy) *Exponential {
	return &Exponential{policy: p, b: p.build(), immediate: true}
}

// Next returns the delay before the next attempt and advances the sequence.
func (e *Exponential) Next() time.Duration {
	if e.immediate {
		e.immediate = false
		e.last = 0

		return 0
	}

	d := e.b.NextBackOff()
	if d == cbackoff.Stop {
		d = e.policy.MaxDelay
	}

	e.last = d

	return d
}

// Last returns the delay handed out by the most recent Next.
func (e *Exponential) Last() time.Duration { return e.last }

// Reset makes the next attempt immediate again.
func (e *Exponential) Reset() {
	e.b.Reset()
	e.immediate = true
}

// ResetToMax makes the next delay start from the maximum, used when the
// server reports resource exhaustion.
func (e *Exponential) ResetToMax() {
	e.b.InitialInterval = e.policy.MaxDelay
	e.b.Reset()
	e.b.InitialInterval = e.policy.InitialDelay
	e.immediate = false
}

// BackOff exposes the sequence as a cenkalti BackOff for use with Retry.
func (e *Exponential) BackOff() cbackoff.BackOff { return exponentialAdapter{e} }

type exponentialAdapter struct{ e *Exponential }

func (a exponentialAdapter) NextBackOff() time.Duration { return a.e.Next() }

func (a exponentialAdapter) Reset() { a.e.Reset() }
