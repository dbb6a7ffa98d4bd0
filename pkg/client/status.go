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

package client

import (
	"context"
	"sort"
)

// LimboStatus is one limbo document being resolved.
type LimboStatus struct {
	TargetID int    `json:"targetId"`
	Key      string `json:"key"`
}

// Status is a point in time view of the client's sync state.
type Status struct {
	ClientID      string        `json:"clientId"`
	User          string        `json:"user"`
	OnlineState   string        `json:"onlineState"`
	Listeners     int           `json:"listeners"`
	Views         int           `json:"views"`
	Targets       []int         `json:"targets"`
	PendingWrites int           `json:"pendingWrites"`
	ActiveLimbo   []LimboStatus `json:"activeLimbo"`
	EnqueuedLimbo []string      `json:"enqueuedLimbo"`
}

// Status collects the current state on the queue.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status

	err := c.run(ctx, func() error {
		st = Status{
			ClientID:      c.id,
			User:          c.user.String(),
			OnlineState:   c.remoteStore.OnlineState().String(),
			Listeners:     c.events.ListenerCount(),
			Views:         c.engine.ViewCount(),
			Targets:       c.remoteStore.ListenTargetIDs(),
			PendingWrites: c.remoteStore.PendingWrites(),
			ActiveLimbo:   []LimboStatus{},
			EnqueuedLimbo: []string{},
		}

		for id, key := range c.engine.ActiveLimboDocuments() {
			st.ActiveLimbo = append(st.ActiveLimbo, LimboStatus{TargetID: id, Key: key.String()})
		}

		for _, key := range c.engine.EnqueuedLimboDocuments() {
			st.EnqueuedLimbo = append(st.EnqueuedLimbo, key.String())
		}

		return nil
	})
	if err != nil {
		return Status{}, err
	}

	sort.Slice(st.ActiveLimbo, func(i, j int) bool { return st.ActiveLimbo[i].TargetID < st.ActiveLimbo[j].TargetID })

	return st, nil
}
