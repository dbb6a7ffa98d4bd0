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

package query

import (
	"fmt"

	"github.com/united-manufacturing-hub/docsync/pkg/model"
)

// Purpose tells why a target is being listened to.
type Purpose int

const (
	PurposeListen Purpose = iota
	// PurposeExistenceFilterMismatch re-listens a target after its existence
	// filter count did not match.
	PurposeExistenceFilterMismatch
	// PurposeExistenceFilterMismatchBloom is the same, after a bloom filter
	// was tried and could not resolve the mismatch.
	PurposeExistenceFilterMismatchBloom
	// PurposeLimboResolution resolves a single limbo document.
	PurposeLimboResolution
)

func (p Purpose) String() string {
	switch p {
	case PurposeListen:
		return "listen"
	case PurposeExistenceFilterMismatch:
		return "existence-filter-mismatch"
	case PurposeExistenceFilterMismatchBloom:
		return "existence-filter-mismatch-bloom"
	case PurposeLimboResolution:
		return "limbo-resolution"
	default:
		return fmt.Sprintf("Purpose(%d)", int(p))
	}
}

// TargetData is the local bookkeeping for one allocated target. Values are
// immutable; the With methods return modified copies.
type TargetData struct {
	Target         *Target
	TargetID       int
	Purpose        Purpose
	SequenceNumber int64
	// SnapshotVersion is the version the target's results are current at.
	SnapshotVersion model.SnapshotVersion
	// LastLimboFreeSnapshotVersion is the last snapshot in which the view had
	// no limbo documents, used by the previous results query path.
	LastLimboFreeSnapshotVersion model.SnapshotVersion
	ResumeToken                  []byte
	// ExpectedCount is sent with a resume token so the server can report an
	// existence filter mismatch right away.
	ExpectedCount *int
}

// NewTargetData creates bookkeeping for a freshly allocated target.
func NewTargetData(target *Target, targetID int, purpose Purpose, sequenceNumber int64) *TargetData {
	return &TargetData{
		Target:         target,
		TargetID:       targetID,
		Purpose:        purpose,
		SequenceNumber: sequenceNumber,
	}
}

func (t *TargetData) copy() *TargetData {
	c := *t

	return &c
}

func (t *TargetData) WithSequenceNumber(seq int64) *TargetData {
	c := t.copy()
	c.SequenceNumber = seq

	return c
}

// WithResumeToken records a new resume token and clears the expected count.
func (t *TargetData) WithResumeToken(token []byte, version model.SnapshotVersion) *TargetData {
	c := t.copy()
	c.ResumeToken = token
	c.SnapshotVersion = version
	c.ExpectedCount = nil

	return c
}

func (t *TargetData) WithExpectedCount(count int) *TargetData {
	c := t.copy()
	c.ExpectedCount = &count

	return c
}

func (t *TargetData) WithLastLimboFreeSnapshotVersion(version model.SnapshotVersion) *TargetData {
	c := t.copy()
	c.LastLimboFreeSnapshotVersion = version

	return c
}

func (t *TargetData) WithPurpose(p Purpose) *TargetData {
	c := t.copy()
	c.Purpose = p

	return c
}
