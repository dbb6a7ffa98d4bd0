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
)

// WatchChange is one decoded listen response.
type WatchChange interface {
	watchChange()
}

// DocumentChange moves a document into or out of targets. NewDoc is a found
// document for updates, a no-document for deletes and nil when the document
// merely left the removed targets.
type DocumentChange struct {
	UpdatedTargetIDs []int
	RemovedTargetIDs []int
	Key              model.DocumentKey
	NewDoc           *model.Document
}

// TargetState is the kind of a WatchTargetChange.
type TargetState int

const (
	TargetNoChange TargetState = iota
	TargetAdded
	TargetRemoved
	TargetCurrent
	TargetReset
)

func (s TargetState) String() string {
	switch s {
	case TargetAdded:
		return TargetChangeAdd
	case TargetRemoved:
		return TargetChangeRemove
	case TargetCurrent:
		return TargetChangeCurrent
	case TargetReset:
		return TargetChangeReset
	default:
		return TargetChangeNoChange
	}
}

// WatchTargetChange changes the state of targets. An empty TargetIDs on a
// no-change means all targets. Cause is set when the server removed the
// targets because of an error.
type WatchTargetChange struct {
	State       TargetState
	TargetIDs   []int
	ResumeToken []byte
	Cause       error
}

// ExistenceFilter is the server's document count for a target, with an
// optional bloom filter of the documents it still holds.
type ExistenceFilter struct {
	Count int
	Bloom *WireBloomFilter
}

type ExistenceFilterChange struct {
	TargetID int
	Filter   ExistenceFilter
}

func (*DocumentChange) watchChange()        {}
func (*WatchTargetChange) watchChange()     {}
func (*ExistenceFilterChange) watchChange() {}
