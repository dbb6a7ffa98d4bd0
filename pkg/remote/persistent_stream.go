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
	"errors"
	"fmt"

	"github.com/google/uuid"
	lfsm "github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/docsync/internal/fsm"
	"github.com/united-manufacturing-hub/docsync/pkg/asyncqueue"
	"github.com/united-manufacturing-hub/docsync/pkg/backoff"
	"github.com/united-manufacturing-hub/docsync/pkg/constants"
	"github.com/united-manufacturing-hub/docsync/pkg/credentials"
	"github.com/united-manufacturing-hub/docsync/pkg/metrics"
	"github.com/united-manufacturing-hub/docsync/pkg/status"
	"github.com/united-manufacturing-hub/docsync/pkg/transport"
)

// Stream states. A stream starts in initial, authenticates, opens and is
// promoted to healthy after staying open for a while. Failures move it to
// error, from where the next start waits in backoff.
const (
	StreamStateInitial = "initial"
	StreamStateAuth    = "auth"
	StreamStateOpen    = "open"
	StreamStateHealthy = "healthy"
	StreamStateError   = "error"
	StreamStateBackoff = "backoff"
	StreamStateClosed  = "closed"
)

const (
	eventAuthenticate = "authenticate"
	eventOpened       = "opened"
	eventHealthy      = "healthy"
	eventFail         = "fail"
	eventBackoff      = "backoff"
	eventRetry        = "retry"
	eventStop         = "stop"
	eventShutdown     = "shutdown"
)

// Request headers sent when opening a stream.
const (
	HeaderResourcePrefix = "Google-Cloud-Resource-Prefix"
	HeaderRequestID      = "X-Request-Id"
)

const outboxSize = 256

var streamTransitions = []lfsm.EventDesc{
	{Name: eventAuthenticate, Src: []string{StreamStateInitial}, Dst: StreamStateAuth},
	{Name: eventOpened, Src: []string{StreamStateAuth}, Dst: StreamStateOpen},
	{Name: eventHealthy, Src: []string{StreamStateOpen}, Dst: StreamStateHealthy},
	{Name: eventFail, Src: []string{StreamStateAuth, StreamStateOpen, StreamStateHealthy}, Dst: StreamStateError},
	{Name: eventBackoff, Src: []string{StreamStateError}, Dst: StreamStateBackoff},
	{Name: eventRetry, Src: []string{StreamStateBackoff}, Dst: StreamStateInitial},
	{Name: eventStop, Src: []string{
		StreamStateInitial, StreamStateAuth, StreamStateOpen,
		StreamStateHealthy, StreamStateError, StreamStateBackoff,
	}, Dst: StreamStateInitial},
	{Name: eventShutdown, Src: []string{
		StreamStateInitial, StreamStateAuth, StreamStateOpen,
		StreamStateHealthy, StreamStateError, StreamStateBackoff,
	}, Dst: StreamStateClosed},
}

// StreamListener is told when a stream opens and closes. Callbacks run on
// the queue goroutine. OnClose gets nil after a local stop or idle close and
// the failure otherwise.
type StreamListener interface {
	OnOpen()
	OnClose(err error)
}

type streamConfig struct {
	name         string
	endpoint     string
	idleTimer    asyncqueue.TimerID
	backoffTimer asyncqueue.TimerID
	policy       backoff.Policy
}

// persistentStream is the reconnecting base of the watch and write streams.
// Every method must be called on the queue goroutine. Work done off the
// queue (token fetches, dialing, reads and writes) is handed back through
// the queue tagged with the generation it was started in; close bumps the
// generation so late callbacks of a torn down stream are dropped.
type persistentStream struct {
	cfg         streamConfig
	queue       *asyncqueue.Queue
	opener      transport.StreamOpener
	credentials credentials.Provider
	database    string
	log         *zap.SugaredLogger

	machine *fsm.Machine
	backoff *asyncqueue.Backoff

	listener      StreamListener
	handleMessage func(data []byte) error
	onStart       func()

	generation int
	stream     transport.Stream
	outbox     chan []byte
	cancel     context.CancelFunc

	idleTimer   *asyncqueue.DelayedOperation
	healthTimer *asyncqueue.DelayedOperation
}

func newPersistentStream(cfg streamConfig, queue *asyncqueue.Queue, opener transport.StreamOpener,
	creds credentials.Provider, database string, log *zap.SugaredLogger,
) *persistentStream {
	s := &persistentStream{
		cfg:         cfg,
		queue:       queue,
		opener:      opener,
		credentials: creds,
		database:    database,
		log:         log,
		backoff:     asyncqueue.NewBackoff(queue, cfg.backoffTimer, cfg.policy),
	}

	s.machine = fsm.NewMachine(fsm.MachineConfig{
		ID:           cfg.name,
		InitialState: StreamStateInitial,
		Transitions:  streamTransitions,
	}, log)

	for _, state := range []string{
		StreamStateInitial, StreamStateAuth, StreamStateOpen, StreamStateHealthy,
		StreamStateError, StreamStateBackoff, StreamStateClosed,
	} {
		state := state
		s.machine.OnEnter(state, func(context.Context, string) {
			metrics.SetStreamState(cfg.name, state)
		})
	}

	metrics.SetStreamState(cfg.name, StreamStateInitial)

	return s
}

func (s *persistentStream) fire(event string) {
	if err := s.machine.SendEvent(context.Background(), event); err != nil {
		s.log.Errorf("Unexpected stream transition: %v", err)
	}
}

// State returns the current stream state.
func (s *persistentStream) State() string { return s.machine.Current() }

// IsStarted reports whether Start was called and the stream has not been
// stopped since. A stream waiting in backoff counts as started.
func (s *persistentStream) IsStarted() bool {
	switch s.machine.Current() {
	case StreamStateAuth, StreamStateBackoff, StreamStateOpen, StreamStateHealthy:
		return true
	default:
		return false
	}
}

// IsOpen reports whether messages can be sent.
func (s *persistentStream) IsOpen() bool {
	return s.machine.Is(StreamStateOpen) || s.machine.Is(StreamStateHealthy)
}

// Start opens the stream. After a failure the attempt is delayed by the
// connection backoff.
func (s *persistentStream) Start() {
	if s.onStart != nil {
		s.onStart()
	}

	switch s.machine.Current() {
	case StreamStateError:
		s.performBackoff()
	case StreamStateInitial:
		s.auth()
	}
}

// Stop closes the stream without an error. The listener sees OnClose(nil).
func (s *persistentStream) Stop() {
	if s.IsStarted() {
		s.close(StreamStateInitial, nil)
	}
}

// Shutdown closes the stream for good.
func (s *persistentStream) Shutdown() {
	if s.machine.Is(StreamStateClosed) {
		return
	}

	s.close(StreamStateClosed, nil)
}

// InhibitBackoff makes the next start immediate. Used after errors that
// were caused by the request rather than the backend.
func (s *persistentStream) InhibitBackoff() {
	if s.IsStarted() {
		s.log.Errorf("Cannot inhibit backoff of a started %s stream", s.cfg.name)

		return
	}

	s.fire(eventStop)
	s.backoff.Reset()
}

// MarkIdle schedules an idle close unless a message is sent before it fires.
func (s *persistentStream) MarkIdle() {
	if s.IsOpen() && s.idleTimer == nil {
		s.idleTimer = s.queue.EnqueueAfterDelay(s.cfg.idleTimer, constants.StreamIdleTimeout, func() error {
			s.idleTimer = nil
			if s.IsOpen() {
				s.log.Debugf("Closing idle %s stream", s.cfg.name)
				s.close(StreamStateInitial, nil)
			}

			return nil
		})
	}
}

func (s *persistentStream) cancelIdleCheck() {
	if s.idleTimer != nil {
		s.idleTimer.Cancel()
		s.idleTimer = nil
	}
}

func (s *persistentStream) cancelHealthCheck() {
	if s.healthTimer != nil {
		s.healthTimer.Cancel()
		s.healthTimer = nil
	}
}

// send queues payload for the writer goroutine.
func (s *persistentStream) send(payload []byte) {
	s.cancelIdleCheck()

	if s.outbox == nil {
		s.log.Errorf("Dropping message on %s stream that is not open", s.cfg.name)

		return
	}

	select {
	case s.outbox <- payload:
	default:
		s.handleStreamClose(status.Errorf(status.Unavailable, "%s stream outbox is full", s.cfg.name))
	}
}

// guarded wraps fn so it only runs on the queue if the stream has not been
// closed since gen.
func (s *persistentStream) guarded(gen int, fn func()) {
	s.queue.EnqueueAndForget(func() error {
		if gen != s.generation {
			return nil
		}

		fn()

		return nil
	})
}

func (s *persistentStream) auth() {
	s.fire(eventAuthenticate)

	gen := s.generation
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go func() {
		token, err := s.credentials.GetToken(ctx, false)

		s.guarded(gen, func() {
			if err != nil {
				s.handleStreamClose(asStatus(err, status.Unauthenticated))

				return
			}

			s.startStream(ctx, gen, token)
		})
	}()
}

func (s *persistentStream) headers(token *credentials.Token) transport.Headers {
	h := transport.Headers{
		HeaderResourcePrefix: s.database,
		HeaderRequestID:      uuid.NewString(),
	}

	if v := token.AuthorizationHeader(); v != "" {
		h[transport.Authorization] = v
	}

	return h
}

func (s *persistentStream) startStream(ctx context.Context, gen int, token *credentials.Token) {
	headers := s.headers(token)

	go func() {
		st, err := s.opener.OpenStream(ctx, s.cfg.endpoint, headers)

		s.queue.EnqueueAndForget(func() error {
			if gen != s.generation {
				if st != nil {
					_ = st.Close()
				}

				return nil
			}

			if err != nil {
				s.handleStreamClose(asStatus(err, status.Unavailable))

				return nil
			}

			s.onOpened(ctx, gen, st)

			return nil
		})
	}()
}

func (s *persistentStream) onOpened(ctx context.Context, gen int, st transport.Stream) {
	s.stream = st
	s.outbox = make(chan []byte, outboxSize)

	go s.readLoop(ctx, gen, st)
	go s.writeLoop(ctx, gen, st, s.outbox)

	s.fire(eventOpened)

	s.healthTimer = s.queue.EnqueueAfterDelay(asyncqueue.TimerHealthCheckTimeout, constants.StreamHealthyTimeout, func() error {
		s.healthTimer = nil
		if s.IsOpen() {
			s.fire(eventHealthy)
		}

		return nil
	})

	s.listener.OnOpen()
}

func (s *persistentStream) readLoop(ctx context.Context, gen int, st transport.Stream) {
	for {
		data, err := st.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			if errors.Is(err, transport.ErrClosed) {
				err = status.New(status.Unavailable, "stream closed by server")
			}

			s.guarded(gen, func() { s.handleStreamClose(asStatus(err, status.Unavailable)) })

			return
		}

		s.guarded(gen, func() {
			if err := s.handleMessage(data); err != nil {
				s.log.Warnf("Failed to handle %s stream message: %v", s.cfg.name, err)
				s.handleStreamClose(status.Errorf(status.Internal, "%v", err))
			}
		})
	}
}

func (s *persistentStream) writeLoop(ctx context.Context, gen int, st transport.Stream, outbox <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-outbox:
			if err := st.Send(ctx, payload); err != nil {
				if ctx.Err() != nil {
					return
				}

				s.guarded(gen, func() { s.handleStreamClose(asStatus(err, status.Unavailable)) })

				return
			}
		}
	}
}

func (s *persistentStream) performBackoff() {
	s.fire(eventBackoff)

	s.backoff.BackoffAndRun(func() error {
		s.fire(eventRetry)
		s.Start()

		return nil
	})
}

func (s *persistentStream) handleStreamClose(err error) {
	if !s.IsStarted() {
		s.log.Errorf("Unexpected %s stream close in state %s: %v", s.cfg.name, s.machine.Current(), err)

		return
	}

	s.log.Debugf("%s stream closed: %v", s.cfg.name, err)
	s.close(StreamStateError, err)
}

// close tears down the current stream and moves to final.
func (s *persistentStream) close(final string, err error) {
	s.cancelIdleCheck()
	s.cancelHealthCheck()
	s.backoff.Cancel()

	s.generation++

	code := status.CodeOf(err)

	switch {
	case final != StreamStateError:
		s.backoff.Reset()
	case code == status.ResourceExhausted:
		s.log.Debugf("Using maximum backoff delay to prevent overloading the backend")
		s.backoff.ResetToMax()
	case code == status.Unauthenticated && !s.machine.Is(StreamStateHealthy):
		s.log.Debugf("Invalidating token after %s stream was rejected", s.cfg.name)
		s.credentials.InvalidateToken()
	}

	if err != nil {
		metrics.RecordStreamRestart(s.cfg.name, code.String())
	}

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}

	if s.stream != nil {
		st := s.stream
		go func() { _ = st.Close() }()
	}

	s.stream = nil
	s.outbox = nil

	switch final {
	case StreamStateError:
		s.fire(eventFail)
	case StreamStateClosed:
		s.fire(eventShutdown)
	default:
		s.fire(eventStop)
	}

	s.listener.OnClose(err)
}

// asStatus returns err as a status error, wrapping it with fallback if it
// carries no code.
func asStatus(err error, fallback status.Code) error {
	var se *status.Error
	if errors.As(err, &se) {
		return se
	}

	if errors.Is(err, context.Canceled) {
		return status.New(status.Cancelled, err.Error())
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return status.New(status.DeadlineExceeded, err.Error())
	}

	return status.New(fallback, fmt.Sprint(err))
}
