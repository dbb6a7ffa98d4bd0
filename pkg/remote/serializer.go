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
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/united-manufacturing-hub/docsync/pkg/model"
	"github.com/united-manufacturing-hub/docsync/pkg/mutation"
	"github.com/united-manufacturing-hub/docsync/pkg/query"
	"github.com/united-manufacturing-hub/docsync/pkg/status"
)

// ErrMalformedResponse wraps every decoding failure of a server frame.
var ErrMalformedResponse = errors.New("malformed server response")

// Serializer converts between the model and the JSON frames of one
// database.
type Serializer struct {
	database string
	prefix   string
}

func NewSerializer(projectID, databaseID string) *Serializer {
	db := fmt.Sprintf("projects/%s/databases/%s", projectID, databaseID)

	return &Serializer{database: db, prefix: db + "/documents"}
}

// DatabaseName is projects/{p}/databases/{d}.
func (s *Serializer) DatabaseName() string { return s.database }

func (s *Serializer) ResourceName(key model.DocumentKey) string {
	return s.prefix + "/" + key.String()
}

func (s *Serializer) parentName(path model.ResourcePath) string {
	if path.IsEmpty() {
		return s.prefix
	}

	return s.prefix + "/" + path.CanonicalString()
}

// KeyFromName parses a document resource name of this database.
func (s *Serializer) KeyFromName(name string) (model.DocumentKey, error) {
	rest, ok := strings.CutPrefix(name, s.prefix+"/")
	if !ok {
		return model.DocumentKey{}, fmt.Errorf("%w: %q is not a document of %s", ErrMalformedResponse, name, s.database)
	}

	key, err := model.ParseDocumentKey(rest)
	if err != nil {
		return model.DocumentKey{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	return key, nil
}

// EncodeVersion renders v as RFC 3339, the minimum version as "".
func EncodeVersion(v model.SnapshotVersion) string {
	if v.IsMin() {
		return ""
	}

	return v.Timestamp.String()
}

func DecodeVersion(s string) (model.SnapshotVersion, error) {
	if s == "" {
		return model.MinVersion, nil
	}

	ts, err := model.ParseTimestamp(s)
	if err != nil {
		return model.MinVersion, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	return model.NewSnapshotVersion(ts), nil
}

// EncodeDocument renders a found document.
func (s *Serializer) EncodeDocument(doc *model.Document) *WireDocument {
	return &WireDocument{
		Name:       s.ResourceName(doc.Key()),
		Fields:     doc.Data().Fields(),
		CreateTime: EncodeVersion(doc.CreateTime()),
		UpdateTime: EncodeVersion(doc.Version()),
	}
}

// DecodeDocument parses a found document.
func (s *Serializer) DecodeDocument(w *WireDocument) (*model.Document, error) {
	key, err := s.KeyFromName(w.Name)
	if err != nil {
		return nil, err
	}

	version, err := DecodeVersion(w.UpdateTime)
	if err != nil {
		return nil, err
	}

	if version.IsMin() {
		return nil, fmt.Errorf("%w: document %s has no update time", ErrMalformedResponse, key)
	}

	created, err := DecodeVersion(w.CreateTime)
	if err != nil {
		return nil, err
	}

	return model.RestoreDocument(key, model.DocumentFound, version, model.MinVersion, created,
		model.NewObjectValue(w.Fields), model.StateSynced), nil
}

// EncodeTarget renders the listen registration of data.
func (s *Serializer) EncodeTarget(data *query.TargetData) (*WireTarget, error) {
	w := &WireTarget{TargetID: data.TargetID, ExpectedCount: data.ExpectedCount}

	if data.Target.IsDocumentTarget() {
		key, err := data.Target.DocumentKey()
		if err != nil {
			return nil, err
		}

		w.Documents = &DocumentsTarget{Documents: []string{s.ResourceName(key)}}
	} else {
		parent := data.Target.Path
		if data.Target.CollectionGroup == "" {
			parent = parent.Parent()
		}

		w.Query = &QueryTarget{Parent: s.parentName(parent), StructuredQuery: data.Target}
	}

	switch {
	case len(data.ResumeToken) > 0:
		w.ResumeToken = data.ResumeToken
	case !data.SnapshotVersion.IsMin():
		w.ReadTime = EncodeVersion(data.SnapshotVersion)
	}

	return w, nil
}

// DecodeTarget is the inverse of EncodeTarget.
func (s *Serializer) DecodeTarget(w *WireTarget) (*query.Target, error) {
	switch {
	case w.Documents != nil:
		if len(w.Documents.Documents) != 1 {
			return nil, fmt.Errorf("%w: documents target needs exactly one document, got %d", ErrMalformedResponse, len(w.Documents.Documents))
		}

		key, err := s.KeyFromName(w.Documents.Documents[0])
		if err != nil {
			return nil, err
		}

		return query.NewDocumentTarget(key), nil
	case w.Query != nil && w.Query.StructuredQuery != nil:
		return w.Query.StructuredQuery, nil
	default:
		return nil, fmt.Errorf("%w: target %d has neither query nor documents", ErrMalformedResponse, w.TargetID)
	}
}

func listenLabels(purpose query.Purpose) map[string]string {
	if purpose == query.PurposeListen {
		return nil
	}

	return map[string]string{"goog-listen-tags": purpose.String()}
}

func (s *Serializer) EncodeListenRequest(data *query.TargetData) ([]byte, error) {
	target, err := s.EncodeTarget(data)
	if err != nil {
		return nil, err
	}

	return json.Marshal(ListenRequest{Database: s.database, AddTarget: target, Labels: listenLabels(data.Purpose)})
}

func (s *Serializer) EncodeUnlistenRequest(targetID int) ([]byte, error) {
	return json.Marshal(ListenRequest{Database: s.database, RemoveTarget: &targetID})
}

func decodeCause(w *WireStatus) error {
	if w == nil || w.Code == status.OK {
		return nil
	}

	return status.New(w.Code, w.Message)
}

func parseTargetState(t string) (TargetState, error) {
	switch t {
	case "", TargetChangeNoChange:
		return TargetNoChange, nil
	case TargetChangeAdd:
		return TargetAdded, nil
	case TargetChangeRemove:
		return TargetRemoved, nil
	case TargetChangeCurrent:
		return TargetCurrent, nil
	case TargetChangeReset:
		return TargetReset, nil
	default:
		return TargetNoChange, fmt.Errorf("%w: unknown target change type %q", ErrMalformedResponse, t)
	}
}

// DecodeListenResponse parses one watch frame. The returned version is the
// global snapshot version, set only on no-change frames for all targets.
func (s *Serializer) DecodeListenResponse(data []byte) (WatchChange, model.SnapshotVersion, error) {
	var resp ListenResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, model.MinVersion, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	switch {
	case resp.TargetChange != nil:
		tc := resp.TargetChange

		state, err := parseTargetState(tc.TargetChangeType)
		if err != nil {
			return nil, model.MinVersion, err
		}

		change := &WatchTargetChange{
			State:       state,
			TargetIDs:   tc.TargetIDs,
			ResumeToken: tc.ResumeToken,
			Cause:       decodeCause(tc.Cause),
		}

		version := model.MinVersion
		if state == TargetNoChange && len(tc.TargetIDs) == 0 {
			if version, err = DecodeVersion(tc.ReadTime); err != nil {
				return nil, model.MinVersion, err
			}
		}

		return change, version, nil
	case resp.DocumentChange != nil:
		doc, err := s.DecodeDocument(&resp.DocumentChange.Document)
		if err != nil {
			return nil, model.MinVersion, err
		}

		return &DocumentChange{
			UpdatedTargetIDs: resp.DocumentChange.TargetIDs,
			RemovedTargetIDs: resp.DocumentChange.RemovedTargetIDs,
			Key:              doc.Key(),
			NewDoc:           doc,
		}, model.MinVersion, nil
	case resp.DocumentDelete != nil:
		key, err := s.KeyFromName(resp.DocumentDelete.Document)
		if err != nil {
			return nil, model.MinVersion, err
		}

		version, err := DecodeVersion(resp.DocumentDelete.ReadTime)
		if err != nil {
			return nil, model.MinVersion, err
		}

		return &DocumentChange{
			RemovedTargetIDs: resp.DocumentDelete.RemovedTargetIDs,
			Key:              key,
			NewDoc:           model.NewNoDocument(key, version),
		}, model.MinVersion, nil
	case resp.DocumentRemove != nil:
		key, err := s.KeyFromName(resp.DocumentRemove.Document)
		if err != nil {
			return nil, model.MinVersion, err
		}

		return &DocumentChange{RemovedTargetIDs: resp.DocumentRemove.RemovedTargetIDs, Key: key}, model.MinVersion, nil
	case resp.Filter != nil:
		return &ExistenceFilterChange{
			TargetID: resp.Filter.TargetID,
			Filter:   ExistenceFilter{Count: resp.Filter.Count, Bloom: resp.Filter.UnchangedNames},
		}, model.MinVersion, nil
	default:
		return nil, model.MinVersion, fmt.Errorf("%w: empty listen response", ErrMalformedResponse)
	}
}

// EncodeTransform renders one field transform.
func EncodeTransform(t mutation.FieldTransform) WireTransform {
	w := WireTransform{FieldPath: t.Field.CanonicalString()}

	switch t.Kind {
	case mutation.TransformServerTimestamp:
		w.SetToServerValue = ServerValueRequestTime
	case mutation.TransformArrayUnion:
		w.AppendMissingElements = &WireArray{Values: t.Elements}
	case mutation.TransformArrayRemove:
		w.RemoveAllFromArray = &WireArray{Values: t.Elements}
	case mutation.TransformIncrement:
		operand := t.Operand
		w.Increment = &operand
	}

	return w
}

func DecodeTransform(w WireTransform) (mutation.FieldTransform, error) {
	field, err := model.ParseFieldPath(w.FieldPath)
	if err != nil {
		return mutation.FieldTransform{}, err
	}

	switch {
	case w.SetToServerValue == ServerValueRequestTime:
		return mutation.ServerTimestamp(field), nil
	case w.AppendMissingElements != nil:
		return mutation.ArrayUnion(field, w.AppendMissingElements.Values...), nil
	case w.RemoveAllFromArray != nil:
		return mutation.ArrayRemove(field, w.RemoveAllFromArray.Values...), nil
	case w.Increment != nil:
		return mutation.Increment(field, *w.Increment), nil
	default:
		return mutation.FieldTransform{}, fmt.Errorf("unknown transform on %s", w.FieldPath)
	}
}

func encodePrecondition(p mutation.Precondition) *WirePrecondition {
	if exists, ok := p.Exists(); ok {
		return &WirePrecondition{Exists: &exists}
	}

	if version, ok := p.UpdateTime(); ok {
		return &WirePrecondition{UpdateTime: EncodeVersion(version)}
	}

	return nil
}

func decodePrecondition(w *WirePrecondition) (mutation.Precondition, error) {
	switch {
	case w == nil:
		return mutation.NoPrecondition(), nil
	case w.Exists != nil:
		return mutation.ExistsPrecondition(*w.Exists), nil
	case w.UpdateTime != "":
		version, err := DecodeVersion(w.UpdateTime)
		if err != nil {
			return mutation.Precondition{}, err
		}

		return mutation.UpdateTimePrecondition(version), nil
	default:
		return mutation.NoPrecondition(), nil
	}
}

// EncodeMutation renders one mutation as a write.
func (s *Serializer) EncodeMutation(m *mutation.Mutation) WireWrite {
	w := WireWrite{CurrentDocument: encodePrecondition(m.Precondition)}
	name := s.ResourceName(m.Key)

	switch m.Kind {
	case mutation.KindSet, mutation.KindPatch:
		fields := map[string]model.Value{}
		if m.Value != nil {
			fields = m.Value.Fields()
		}

		w.Update = &WireDocument{Name: name, Fields: fields}

		if m.Kind == mutation.KindPatch {
			mask := &WireMask{FieldPaths: []string{}}
			if m.Mask != nil {
				for _, p := range m.Mask.Paths() {
					mask.FieldPaths = append(mask.FieldPaths, p.CanonicalString())
				}
			}

			w.UpdateMask = mask
		}
	case mutation.KindDelete:
		w.Delete = name
	case mutation.KindVerify:
		w.Verify = name
	}

	for _, t := range m.Transforms {
		w.UpdateTransforms = append(w.UpdateTransforms, EncodeTransform(t))
	}

	return w
}

// DecodeMutation is the inverse of EncodeMutation.
func (s *Serializer) DecodeMutation(w WireWrite) (*mutation.Mutation, error) {
	precondition, err := decodePrecondition(w.CurrentDocument)
	if err != nil {
		return nil, err
	}

	transforms := make([]mutation.FieldTransform, 0, len(w.UpdateTransforms))

	for _, wt := range w.UpdateTransforms {
		t, err := DecodeTransform(wt)
		if err != nil {
			return nil, err
		}

		transforms = append(transforms, t)
	}

	switch {
	case w.Update != nil:
		key, err := s.KeyFromName(w.Update.Name)
		if err != nil {
			return nil, err
		}

		value := model.NewObjectValue(w.Update.Fields)

		if w.UpdateMask == nil {
			return mutation.NewSetMutation(key, value, precondition, transforms...), nil
		}

		paths := make([]model.FieldPath, 0, len(w.UpdateMask.FieldPaths))

		for _, p := range w.UpdateMask.FieldPaths {
			fp, err := model.ParseFieldPath(p)
			if err != nil {
				return nil, err
			}

			paths = append(paths, fp)
		}

		return mutation.NewPatchMutation(key, value, model.NewFieldMask(paths...), precondition, transforms...), nil
	case w.Delete != "":
		key, err := s.KeyFromName(w.Delete)
		if err != nil {
			return nil, err
		}

		return mutation.NewDeleteMutation(key, precondition), nil
	case w.Verify != "":
		key, err := s.KeyFromName(w.Verify)
		if err != nil {
			return nil, err
		}

		return mutation.NewVerifyMutation(key, precondition), nil
	default:
		return nil, errors.New("write has no operation")
	}
}

// EncodeHandshake is the first frame on a write stream.
func (s *Serializer) EncodeHandshake() ([]byte, error) {
	return json.Marshal(WriteRequest{Database: s.database})
}

func (s *Serializer) EncodeWriteRequest(streamToken []byte, mutations []*mutation.Mutation) ([]byte, error) {
	req := WriteRequest{StreamToken: streamToken, Writes: make([]WireWrite, 0, len(mutations))}
	for _, m := range mutations {
		req.Writes = append(req.Writes, s.EncodeMutation(m))
	}

	return json.Marshal(req)
}

// WriteAck is a decoded write response. Handshake responses have no
// results and a minimum commit version.
type WriteAck struct {
	StreamToken   []byte
	CommitVersion model.SnapshotVersion
	Results       []mutation.Result
}

func (s *Serializer) DecodeWriteResponse(data []byte) (*WriteAck, error) {
	var resp WriteResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	commit, err := DecodeVersion(resp.CommitTime)
	if err != nil {
		return nil, err
	}

	ack := &WriteAck{StreamToken: resp.StreamToken, CommitVersion: commit}

	for _, wr := range resp.WriteResults {
		version, err := DecodeVersion(wr.UpdateTime)
		if err != nil {
			return nil, err
		}

		// Deletes and verifies report no update time.
		if version.IsMin() {
			version = commit
		}

		ack.Results = append(ack.Results, mutation.Result{Version: version, TransformResults: wr.TransformResults})
	}

	return ack, nil
}

func (s *Serializer) EncodeBatchGet(keys []model.DocumentKey) ([]byte, error) {
	req := BatchGetRequest{Database: s.database, Documents: make([]string, 0, len(keys))}
	for _, k := range keys {
		req.Documents = append(req.Documents, s.ResourceName(k))
	}

	return json.Marshal(req)
}

// DecodeBatchGet returns found documents and no-documents for missing ones.
func (s *Serializer) DecodeBatchGet(data []byte) ([]*model.Document, error) {
	var results []BatchGetResult
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	docs := make([]*model.Document, 0, len(results))

	for _, r := range results {
		readTime, err := DecodeVersion(r.ReadTime)
		if err != nil {
			return nil, err
		}

		switch {
		case r.Found != nil:
			doc, err := s.DecodeDocument(r.Found)
			if err != nil {
				return nil, err
			}

			docs = append(docs, doc.SetReadTime(readTime))
		case r.Missing != "":
			key, err := s.KeyFromName(r.Missing)
			if err != nil {
				return nil, err
			}

			docs = append(docs, model.NewNoDocument(key, readTime).SetReadTime(readTime))
		default:
			return nil, fmt.Errorf("%w: batch get result has neither found nor missing", ErrMalformedResponse)
		}
	}

	return docs, nil
}
