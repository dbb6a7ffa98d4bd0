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

package mutation

import "github.com/united-manufacturing-hub/docsync/pkg/model"

type preconditionKind int

const (
	preconditionNone preconditionKind = iota
	preconditionExists
	preconditionUpdateTime
)

// Precondition guards a mutation. The zero value has no condition.
type Precondition struct {
	kind       preconditionKind
	exists     bool
	updateTime model.SnapshotVersion
}

func NoPrecondition() Precondition { return Precondition{} }

// ExistsPrecondition requires the document to exist (true) or to be absent
// (false).
func ExistsPrecondition(exists bool) Precondition {
	return Precondition{kind: preconditionExists, exists: exists}
}

// UpdateTimePrecondition requires the document to exist at exactly version.
func UpdateTimePrecondition(version model.SnapshotVersion) Precondition {
	return Precondition{kind: preconditionUpdateTime, updateTime: version}
}

func (p Precondition) IsNone() bool { return p.kind == preconditionNone }

// Exists returns the exists flag and whether the precondition carries one.
func (p Precondition) Exists() (bool, bool) { return p.exists, p.kind == preconditionExists }

// UpdateTime returns the required version and whether the precondition
// carries one.
func (p Precondition) UpdateTime() (model.SnapshotVersion, bool) {
	return p.updateTime, p.kind == preconditionUpdateTime
}

// IsValidFor reports whether doc satisfies the precondition.
func (p Precondition) IsValidFor(doc *model.Document) bool {
	switch p.kind {
	case preconditionUpdateTime:
		return doc.IsFoundDocument() && doc.Version().Equal(p.updateTime)
	case preconditionExists:
		return p.exists == doc.IsFoundDocument()
	default:
		return true
	}
}
