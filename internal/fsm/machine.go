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

// Package fsm wraps looplab/fsm with per-state enter callbacks and guarded
// event dispatch. The protocol streams build their lifecycle on it.
package fsm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

// MachineConfig describes a machine.
type MachineConfig struct {
	ID           string
	InitialState string
	Transitions  []fsm.EventDesc
}

// Machine runs a looplab/fsm with callbacks registered per destination state.
// Transitions into the current state are ignored instead of failing.
type Machine struct {
	cfg MachineConfig

	// mu protects callbacks and serializes events.
	mu sync.Mutex

	fsm *fsm.FSM

	callbacks map[string]func(ctx context.Context, from string)

	logger *zap.SugaredLogger
}

// NewMachine sets up a machine in cfg.InitialState.
func NewMachine(cfg MachineConfig, logger *zap.SugaredLogger) *Machine {
	m := &Machine{
		cfg:       cfg,
		callbacks: make(map[string]func(context.Context, string)),
		logger:    logger,
	}

	m.fsm = fsm.NewFSM(
		cfg.InitialState,
		fsm.Events(cfg.Transitions),
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				m.logger.Debugf("%s: %s -> %s (%s)", m.cfg.ID, e.Src, e.Dst, e.Event)

				if cb, ok := m.callbacks[e.Dst]; ok {
					cb(ctx, e.Src)
				}
			},
		},
	)

	return m
}

// OnEnter registers the callback run after entering state. It replaces any
// earlier callback for the same state.
func (m *Machine) OnEnter(state string, cb func(ctx context.Context, from string)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.callbacks[state] = cb
}

// SendEvent fires eventName. Firing from a state without a matching
// transition is an error; a transition into the current state is not.
//
// Callbacks run while the event is being processed and must not send
// events to the same machine.
func (m *Machine) SendEvent(ctx context.Context, eventName string, args ...interface{}) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.fsm.Event(ctx, eventName, args...)

	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("%s: event %s in state %s: %w", m.cfg.ID, eventName, m.fsm.Current(), err)
	}

	return nil
}

// Current returns the current state.
func (m *Machine) Current() string {
	return m.fsm.Current()
}

// Is reports whether the machine is in state.
func (m *Machine) Is(state string) bool {
	return m.fsm.Is(state)
}

// Can reports whether eventName may fire in the current state.
func (m *Machine) Can(eventName string) bool {
	return m.fsm.Can(eventName)
}

// SetState forces the current state without running callbacks.
// This should only be called in tests.
func (m *Machine) SetState(state string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fsm.SetState(state)
}

func (m *Machine) ID() string { return m.cfg.ID }
