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
	"github.com/united-manufacturing-hub/docsync/pkg/query"
	"github.com/united-manufacturing-hub/docsync/pkg/status"
)

// The types below are the JSON frames exchanged with the backend. They
// follow the REST representation of documents; timestamps are RFC 3339
// strings and byte fields are base64.

// Endpoints of the protocol, relative to the transport's base URL.
const (
	ListenEndpoint   = "/v1/listen"
	WriteEndpoint    = "/v1/write"
	BatchGetEndpoint = "/v1/documents:batchGet"
)

type WireDocument struct {
	Name       string                 `json:"name"`
	Fields     map[string]model.Value `json:"fields,omitempty"`
	CreateTime string                 `json:"createTime,omitempty"`
	UpdateTime string                 `json:"updateTime,omitempty"`
}

type QueryTarget struct {
	Parent          string        `json:"parent"`
	StructuredQuery *query.Target `json:"structuredQuery"`
}

type DocumentsTarget struct {
	Documents []string `json:"documents"`
}

type WireTarget struct {
	TargetID      int              `json:"targetId"`
	Query         *QueryTarget     `json:"query,omitempty"`
	Documents     *DocumentsTarget `json:"documents,omitempty"`
	ResumeToken   []byte           `json:"resumeToken,omitempty"`
	ReadTime      string           `json:"readTime,omitempty"`
	ExpectedCount *int             `json:"expectedCount,omitempty"`
}

type ListenRequest struct {
	Database     string            `json:"database"`
	AddTarget    *WireTarget       `json:"addTarget,omitempty"`
	RemoveTarget *int              `json:"removeTarget,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
}

type WireStatus struct {
	Code    status.Code `json:"code"`
	Message string      `json:"message,omitempty"`
}

// Target change types.
const (
	TargetChangeNoChange = "NO_CHANGE"
	TargetChangeAdd      = "ADD"
	TargetChangeRemove   = "REMOVE"
	TargetChangeCurrent  = "CURRENT"
	TargetChangeReset    = "RESET"
)

type WireTargetChange struct {
	TargetChangeType string      `json:"targetChangeType,omitempty"`
	TargetIDs        []int       `json:"targetIds,omitempty"`
	Cause            *WireStatus `json:"cause,omitempty"`
	ResumeToken      []byte      `json:"resumeToken,omitempty"`
	ReadTime         string      `json:"readTime,omitempty"`
}

type WireDocumentChange struct {
	Document         WireDocument `json:"document"`
	TargetIDs        []int        `json:"targetIds,omitempty"`
	RemovedTargetIDs []int        `json:"removedTargetIds,omitempty"`
}

// WireDocumentDelete reports a deleted document. WireDocumentRemove reports
// a document that left the targets but may still exist.
type WireDocumentDelete struct {
	Document         string `json:"document"`
	RemovedTargetIDs []int  `json:"removedTargetIds,omitempty"`
	ReadTime         string `json:"readTime,omitempty"`
}

type WireDocumentRemove struct {
	Document         string `json:"document"`
	RemovedTargetIDs []int  `json:"removedTargetIds,omitempty"`
	ReadTime         string `json:"readTime,omitempty"`
}

type WireBitSequence struct {
	Bitmap  []byte `json:"bitmap,omitempty"`
	Padding int    `json:"padding,omitempty"`
}

type WireBloomFilter struct {
	Bits      WireBitSequence `json:"bits"`
	HashCount int             `json:"hashCount"`
}

type WireExistenceFilter struct {
	TargetID       int              `json:"targetId"`
	Count          int              `json:"count"`
	UnchangedNames *WireBloomFilter `json:"unchangedNames,omitempty"`
}

// ListenResponse carries exactly one of its fields.
type ListenResponse struct {
	TargetChange   *WireTargetChange    `json:"targetChange,omitempty"`
	DocumentChange *WireDocumentChange  `json:"documentChange,omitempty"`
	DocumentDelete *WireDocumentDelete  `json:"documentDelete,omitempty"`
	DocumentRemove *WireDocumentRemove  `json:"documentRemove,omitempty"`
	Filter         *WireExistenceFilter `json:"filter,omitempty"`
}

type WireArray struct {
	Values []model.Value `json:"values"`
}

// ServerValueRequestTime is the only server value the protocol knows.
const ServerValueRequestTime = "REQUEST_TIME"

type WireTransform struct {
	FieldPath             string       `json:"fieldPath"`
	SetToServerValue      string       `json:"setToServerValue,omitempty"`
	Increment             *model.Value `json:"increment,omitempty"`
	AppendMissingElements *WireArray   `json:"appendMissingElements,omitempty"`
	RemoveAllFromArray    *WireArray   `json:"removeAllFromArray,omitempty"`
}

type WirePrecondition struct {
	Exists     *bool  `json:"exists,omitempty"`
	UpdateTime string `json:"updateTime,omitempty"`
}

type WireMask struct {
	FieldPaths []string `json:"fieldPaths"`
}

// WireWrite carries one of Update, Delete or Verify.
type WireWrite struct {
	Update           *WireDocument     `json:"update,omitempty"`
	Delete           string            `json:"delete,omitempty"`
	Verify           string            `json:"verify,omitempty"`
	UpdateMask       *WireMask         `json:"updateMask,omitempty"`
	UpdateTransforms []WireTransform   `json:"updateTransforms,omitempty"`
	CurrentDocument  *WirePrecondition `json:"currentDocument,omitempty"`
}

// WriteRequest opens the write stream when it has no writes, and carries a
// batch afterwards.
type WriteRequest struct {
	Database    string            `json:"database,omitempty"`
	StreamToken []byte            `json:"streamToken,omitempty"`
	Writes      []WireWrite       `json:"writes,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

type WireWriteResult struct {
	UpdateTime       string        `json:"updateTime,omitempty"`
	TransformResults []model.Value `json:"transformResults,omitempty"`
}

type WriteResponse struct {
	StreamID     string            `json:"streamId,omitempty"`
	StreamToken  []byte            `json:"streamToken"`
	WriteResults []WireWriteResult `json:"writeResults,omitempty"`
	CommitTime   string            `json:"commitTime,omitempty"`
}

type BatchGetRequest struct {
	Database  string   `json:"database"`
	Documents []string `json:"documents"`
}

// BatchGetResult carries Found or Missing.
type BatchGetResult struct {
	Found    *WireDocument `json:"found,omitempty"`
	Missing  string        `json:"missing,omitempty"`
	ReadTime string        `json:"readTime,omitempty"`
}
