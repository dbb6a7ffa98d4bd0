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

package model

import "fmt"

// DocumentType tells what is known about a document.
type DocumentType int

const (
	// DocumentInvalid means nothing is known about the document.
	DocumentInvalid DocumentType = iota
	// DocumentFound is a document that exists with known contents.
	DocumentFound
	// DocumentNo is a document known not to exist at its version.
	DocumentNo
	// DocumentUnknown is a document that was updated by an acknowledged write
	// whose resulting contents are not known yet.
	DocumentUnknown
)

func (t DocumentType) String() string {
	switch t {
	case DocumentInvalid:
		return "invalid"
	case DocumentFound:
		return "found"
	case DocumentNo:
		return "no_document"
	case DocumentUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("DocumentType(%d)", int(t))
	}
}

// DocumentState tracks pending writes that affected the document.
type DocumentState int

const (
	StateSynced DocumentState = iota
	StateHasLocalMutations
	StateHasCommittedMutations
)

func (s DocumentState) String() string {
	switch s {
	case StateSynced:
		return "synced"
	case StateHasLocalMutations:
		return "has_local_mutations"
	case StateHasCommittedMutations:
		return "has_committed_mutations"
	default:
		return fmt.Sprintf("DocumentState(%d)", int(s))
	}
}

// Document is the mutable cache entry for a single key.
type Document struct {
	key        DocumentKey
	docType    DocumentType
	version    SnapshotVersion
	readTime   SnapshotVersion
	createTime SnapshotVersion
	data       *ObjectValue
	state      DocumentState
}

// NewInvalidDocument returns a placeholder for a key without any known state.
func NewInvalidDocument(key DocumentKey) *Document {
	return &Document{key: key, data: EmptyObject()}
}

func NewFoundDocument(key DocumentKey, version SnapshotVersion, data *ObjectValue) *Document {
	return NewInvalidDocument(key).ConvertToFoundDocument(version, data)
}

func NewNoDocument(key DocumentKey, version SnapshotVersion) *Document {
	return NewInvalidDocument(key).ConvertToNoDocument(version)
}

func NewUnknownDocument(key DocumentKey, version SnapshotVersion) *Document {
	return NewInvalidDocument(key).ConvertToUnknownDocument(version)
}

// RestoreDocument rebuilds a document from persisted fields.
func RestoreDocument(key DocumentKey, docType DocumentType, version, readTime, createTime SnapshotVersion,
	data *ObjectValue, state DocumentState,
) *Document {
	if data == nil {
		data = EmptyObject()
	}

	return &Document{
		key:        key,
		docType:    docType,
		version:    version,
		readTime:   readTime,
		createTime: createTime,
		data:       data,
		state:      state,
	}
}

// ConvertToFoundDocument marks the document as existing with data at version.
// The create time is taken from the first version at which it was found.
func (d *Document) ConvertToFoundDocument(version SnapshotVersion, data *ObjectValue) *Document {
	if d.createTime.IsMin() && (d.docType == DocumentNo || d.docType == DocumentInvalid) {
		d.createTime = version
	}

	d.version = version
	d.docType = DocumentFound
	d.data = data
	d.state = StateSynced

	return d
}

func (d *Document) ConvertToNoDocument(version SnapshotVersion) *Document {
	d.version = version
	d.docType = DocumentNo
	d.data = EmptyObject()
	d.state = StateSynced

	return d
}

func (d *Document) ConvertToUnknownDocument(version SnapshotVersion) *Document {
	d.version = version
	d.docType = DocumentUnknown
	d.data = EmptyObject()
	d.state = StateHasCommittedMutations

	return d
}

func (d *Document) SetHasCommittedMutations() *Document {
	d.state = StateHasCommittedMutations

	return d
}

// SetHasLocalMutations flags a pending local write. The version resets to the
// minimum version until the write is acknowledged.
func (d *Document) SetHasLocalMutations() *Document {
	d.state = StateHasLocalMutations
	d.version = MinVersion

	return d
}

func (d *Document) SetReadTime(readTime SnapshotVersion) *Document {
	d.readTime = readTime

	return d
}

func (d *Document) Key() DocumentKey { return d.key }

func (d *Document) Type() DocumentType { return d.docType }

func (d *Document) Version() SnapshotVersion { return d.version }

func (d *Document) ReadTime() SnapshotVersion { return d.readTime }

func (d *Document) CreateTime() SnapshotVersion { return d.createTime }

func (d *Document) Data() *ObjectValue { return d.data }

func (d *Document) State() DocumentState { return d.state }

// Field is shorthand for Data().Field(path).
func (d *Document) Field(path FieldPath) (Value, bool) { return d.data.Field(path) }

func (d *Document) HasLocalMutations() bool { return d.state == StateHasLocalMutations }

func (d *Document) HasCommittedMutations() bool { return d.state == StateHasCommittedMutations }

func (d *Document) HasPendingWrites() bool { return d.HasLocalMutations() || d.HasCommittedMutations() }

func (d *Document) IsValidDocument() bool { return d.docType != DocumentInvalid }

func (d *Document) IsFoundDocument() bool { return d.docType == DocumentFound }

func (d *Document) IsNoDocument() bool { return d.docType == DocumentNo }

func (d *Document) IsUnknownDocument() bool { return d.docType == DocumentUnknown }

// Clone returns a copy that can be modified independently.
func (d *Document) Clone() *Document {
	c := *d
	c.data = d.data.Clone()

	return &c
}

// Equal compares key, type, version, state and data.
func (d *Document) Equal(other *Document) bool {
	if d == nil || other == nil {
		return d == other
	}

	return d.key == other.key &&
		d.docType == other.docType &&
		d.version.Equal(other.version) &&
		d.state == other.state &&
		d.data.Equal(other.data)
}

func (d *Document) String() string {
	return fmt.Sprintf("Document(%s, %s, %s, %s, %s)", d.key, d.docType, d.version, d.state, d.data.Value())
}
