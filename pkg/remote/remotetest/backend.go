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
// Package remotetest is an in-memory backend speaking the listen, write and
// lookup protocol. It keeps one document database, answers listens with
// full or resumed result sets, commits write batches atomically and pushes
// every change to the listening streams. Failures can be scripted per
// endpoint.
package remotetest

import (
	"context"
	"sort"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/docsync/pkg/model"
	"github.com/united-manufacturing-hub/docsync/pkg/mutation"
	"github.com/united-manufacturing-hub/docsync/pkg/query"
	"github.com/united-manufacturing-hub/docsync/pkg/remote"
	"github.com/united-manufacturing-hub/docsync/pkg/status"
	"github.com/united-manufacturing-hub/docsync/pkg/transport"
	"github.com/united-manufacturing-hub/docsync/pkg/transport/memtransport"
)

const (
	bloomBitsPerEntry = 10
	bloomHashCount    = 7
	// epochSeconds is the commit time of the first change.
	epochSeconds = 1_700_000_000
)

// Commit is one batch applied through the write stream.
type Commit struct {
	Version   model.SnapshotVersion
	Mutations []*mutation.Mutation
}

type watchedTarget struct {
	query *query.Query
	keys  model.DocumentKeySet
}

type listenSession struct {
	ctx     context.Context
	stream  transport.ServerStream
	targets map[int]*watchedTarget
}

// Backend is safe for concurrent use.
type Backend struct {
	serializer *remote.Serializer
	log        *zap.SugaredLogger

	mu       sync.Mutex
	seq      int64
	docs     map[model.DocumentKey]*model.Document
	sessions map[*listenSession]struct{}

	streamFailures map[string][]error
	writeFailures  []error
	lookupFailures []error

	writesHeld     bool
	writesReleased chan struct{}

	streamsOpened  map[string]int
	lastHeaders    map[string]transport.Headers
	listenRequests []remote.ListenRequest
	commits        []Commit
	lookups        int
}

func New(projectID, databaseID string, log *zap.SugaredLogger) *Backend {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	return &Backend{
		serializer:     remote.NewSerializer(projectID, databaseID),
		log:            log,
		docs:           map[model.DocumentKey]*model.Document{},
		sessions:       map[*listenSession]struct{}{},
		streamFailures: map[string][]error{},
		streamsOpened:  map[string]int{},
		lastHeaders:    map[string]transport.Headers{},
		seq:            1,
	}
}

// NewNetwork returns an in-process transport served by b.
func (b *Backend) NewNetwork() *memtransport.Network {
	return memtransport.New(b.HandleStream, b.HandleUnary)
}

func (b *Backend) Serializer() *remote.Serializer { return b.serializer }

func versionAt(seq int64) model.SnapshotVersion {
	return model.NewSnapshotVersion(model.Timestamp{Seconds: epochSeconds + seq})
}

func (b *Backend) currentVersionLocked() model.SnapshotVersion { return versionAt(b.seq) }

func (b *Backend) nextVersionLocked() model.SnapshotVersion {
	b.seq++

	return versionAt(b.seq)
}

// Version is the version of the latest change.
func (b *Backend) Version() model.SnapshotVersion {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.currentVersionLocked()
}

func resumeToken(v model.SnapshotVersion) []byte { return []byte(remote.EncodeVersion(v)) }

func decodeResumeToken(token []byte) (model.SnapshotVersion, error) {
	return remote.DecodeVersion(string(token))
}

// SetDocument writes a document as another client would and notifies the
// listeners.
func (b *Backend) SetDocument(path string, fields map[string]interface{}) (model.SnapshotVersion, error) {
	key, err := model.ParseDocumentKey(path)
	if err != nil {
		return model.MinVersion, err
	}

	data, err := model.ObjectFromMap(fields)
	if err != nil {
		return model.MinVersion, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	version := b.nextVersionLocked()
	created := version

	if old, ok := b.docs[key]; ok {
		created = old.CreateTime()
	}

	b.docs[key] = model.RestoreDocument(key, model.DocumentFound, version, model.MinVersion, created, data, model.StateSynced)
	b.notifyLocked(version, model.NewDocumentKeySet(key))

	return version, nil
}

// DeleteDocument removes a document and notifies the listeners.
func (b *Backend) DeleteDocument(path string) (model.SnapshotVersion, error) {
	key, err := model.ParseDocumentKey(path)
	if err != nil {
		return model.MinVersion, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	version := b.nextVersionLocked()
	delete(b.docs, key)
	b.notifyLocked(version, model.NewDocumentKeySet(key))

	return version, nil
}

// DeleteDocumentSilently removes a document without telling any listener,
// as if the change happened while the client was disconnected.
func (b *Backend) DeleteDocumentSilently(path string) error {
	key, err := model.ParseDocumentKey(path)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextVersionLocked()
	delete(b.docs, key)

	return nil
}

// Document returns the stored document or nil.
func (b *Backend) Document(path string) *model.Document {
	key, err := model.ParseDocumentKey(path)
	if err != nil {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.docs[key]
}

// FailNextStreams closes the next n streams opened on endpoint with err
// right after they were accepted.
func (b *Backend) FailNextStreams(endpoint string, err error, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := 0; i < n; i++ {
		b.streamFailures[endpoint] = append(b.streamFailures[endpoint], err)
	}
}

// FailNextWrite rejects the next write batch with err, closing its stream.
func (b *Backend) FailNextWrite(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.writeFailures = append(b.writeFailures, err)
}

func (b *Backend) FailNextLookup(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lookupFailures = append(b.lookupFailures, err)
}

// HoldWrites makes write streams wait before committing batches until
// ReleaseWrites.
func (b *Backend) HoldWrites() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.writesHeld {
		b.writesHeld = true
		b.writesReleased = make(chan struct{})
	}
}

func (b *Backend) ReleaseWrites() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.writesHeld {
		b.writesHeld = false
		close(b.writesReleased)
	}
}

// RemoveTargetWithError ends a listen with err on every stream watching it.
func (b *Backend) RemoveTargetWithError(targetID int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cause := &remote.WireStatus{Code: status.CodeOf(err), Message: err.Error()}

	for sess := range b.sessions {
		if _, ok := sess.targets[targetID]; !ok {
			continue
		}

		delete(sess.targets, targetID)
		b.sendLocked(sess, remote.ListenResponse{TargetChange: &remote.WireTargetChange{
			TargetChangeType: remote.TargetChangeRemove,
			TargetIDs:        []int{targetID},
			Cause:            cause,
		}})
	}
}

// SendListenResponse pushes a raw frame to every listen stream.
func (b *Backend) SendListenResponse(resp remote.ListenResponse) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sess := range b.sessions {
		b.sendLocked(sess, resp)
	}
}

func (b *Backend) StreamsOpened(endpoint string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.streamsOpened[endpoint]
}

// LastHeaders returns the headers of the most recent stream on endpoint.
func (b *Backend) LastHeaders(endpoint string) transport.Headers {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.lastHeaders[endpoint]
}

func (b *Backend) ListenRequests() []remote.ListenRequest {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]remote.ListenRequest(nil), b.listenRequests...)
}

func (b *Backend) Commits() []Commit {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]Commit(nil), b.commits...)
}

func (b *Backend) Lookups() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.lookups
}

// ActiveTargets returns the target ids listened to on any stream.
func (b *Backend) ActiveTargets() []int {
	b.mu.Lock()
	defer b.mu.Unlock()

	seen := map[int]struct{}{}

	for sess := range b.sessions {
		for id := range sess.targets {
			seen[id] = struct{}{}
		}
	}

	out := make([]int, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}

	sort.Ints(out)

	return out
}

// HandleStream implements transport.StreamHandler.
func (b *Backend) HandleStream(ctx context.Context, endpoint string, stream transport.ServerStream) {
	b.mu.Lock()
	b.streamsOpened[endpoint]++
	b.lastHeaders[endpoint] = stream.Headers()

	var fail error
	if q := b.streamFailures[endpoint]; len(q) > 0 {
		fail = q[0]
		b.streamFailures[endpoint] = q[1:]
	}
	b.mu.Unlock()

	if fail != nil {
		b.log.Debugf("Failing %s stream: %v", endpoint, fail)
		_ = stream.CloseWithError(fail)

		return
	}

	switch endpoint {
	case remote.ListenEndpoint:
		b.serveListen(ctx, stream)
	case remote.WriteEndpoint:
		b.serveWrite(ctx, stream)
	default:
		_ = stream.CloseWithError(status.Errorf(status.Unimplemented, "unknown endpoint %s", endpoint))
	}
}

func (b *Backend) sendLocked(sess *listenSession, resp remote.ListenResponse) {
	payload, err := json.Marshal(resp)
	if err != nil {
		b.log.Errorf("Failed to encode listen response: %v", err)

		return
	}

	if err := sess.stream.Send(sess.ctx, payload); err != nil {
		b.log.Debugf("Dropping listen response: %v", err)
	}
}

func (b *Backend) serveListen(ctx context.Context, stream transport.ServerStream) {
	sess := &listenSession{ctx: ctx, stream: stream, targets: map[int]*watchedTarget{}}

	b.mu.Lock()
	b.sessions[sess] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.sessions, sess)
		b.mu.Unlock()
	}()

	for {
		data, err := stream.Recv(ctx)
		if err != nil {
			return
		}

		var req remote.ListenRequest
		if err := json.Unmarshal(data, &req); err != nil {
			_ = stream.CloseWithError(status.Errorf(status.InvalidArgument, "malformed listen request: %v", err))

			return
		}

		b.mu.Lock()
		b.listenRequests = append(b.listenRequests, req)

		switch {
		case req.AddTarget != nil:
			err = b.addTargetLocked(sess, req.AddTarget)
		case req.RemoveTarget != nil:
			b.removeTargetLocked(sess, *req.RemoveTarget)
		}
		b.mu.Unlock()

		if err != nil {
			_ = stream.CloseWithError(err)

			return
		}
	}
}

// queryLocked returns the ordered and limited results of q.
func (b *Backend) queryLocked(q *query.Query) []*model.Document {
	var out []*model.Document

	for _, doc := range b.docs {
		if q.Matches(doc) {
			out = append(out, doc)
		}
	}

	cmp := q.Comparator()
	sort.Slice(out, func(i, j int) bool { return cmp(out[i], out[j]) < 0 })

	if q.HasLimit() && len(out) > q.Limit() {
		out = out[:q.Limit()]
	}

	return out
}

func (b *Backend) addTargetLocked(sess *listenSession, w *remote.WireTarget) error {
	target, err := b.serializer.DecodeTarget(w)
	if err != nil {
		return status.Errorf(status.InvalidArgument, "%v", err)
	}

	since := model.MinVersion

	switch {
	case len(w.ResumeToken) > 0:
		if since, err = decodeResumeToken(w.ResumeToken); err != nil {
			return status.Errorf(status.InvalidArgument, "invalid resume token: %v", err)
		}
	case w.ReadTime != "":
		if since, err = remote.DecodeVersion(w.ReadTime); err != nil {
			return status.Errorf(status.InvalidArgument, "invalid read time: %v", err)
		}
	}

	q := target.ToQuery()
	results := b.queryLocked(q)
	wt := &watchedTarget{query: q, keys: model.NewDocumentKeySet()}
	sess.targets[w.TargetID] = wt

	ids := []int{w.TargetID}
	b.sendLocked(sess, remote.ListenResponse{TargetChange: &remote.WireTargetChange{
		TargetChangeType: remote.TargetChangeAdd,
		TargetIDs:        ids,
	}})

	names := make([]string, 0, len(results))

	for _, doc := range results {
		wt.keys.Add(doc.Key())
		names = append(names, b.serializer.ResourceName(doc.Key()))

		if doc.Version().Compare(since) > 0 {
			b.sendLocked(sess, remote.ListenResponse{DocumentChange: &remote.WireDocumentChange{
				Document:  *b.serializer.EncodeDocument(doc),
				TargetIDs: ids,
			}})
		}
	}

	if w.ExpectedCount != nil && *w.ExpectedCount != len(results) {
		bits := uint64(len(names) * bloomBitsPerEntry)
		b.sendLocked(sess, remote.ListenResponse{Filter: &remote.WireExistenceFilter{
			TargetID:       w.TargetID,
			Count:          len(results),
			UnchangedNames: remote.BuildBloomFilter(names, bits, bloomHashCount),
		}})
	}

	version := b.currentVersionLocked()

	b.sendLocked(sess, remote.ListenResponse{TargetChange: &remote.WireTargetChange{
		TargetChangeType: remote.TargetChangeCurrent,
		TargetIDs:        ids,
		ResumeToken:      resumeToken(version),
	}})
	b.sendGlobalLocked(sess, version)

	return nil
}

func (b *Backend) sendGlobalLocked(sess *listenSession, version model.SnapshotVersion) {
	b.sendLocked(sess, remote.ListenResponse{TargetChange: &remote.WireTargetChange{
		TargetChangeType: remote.TargetChangeNoChange,
		ReadTime:         remote.EncodeVersion(version),
	}})
}

func (b *Backend) removeTargetLocked(sess *listenSession, targetID int) {
	if _, ok := sess.targets[targetID]; !ok {
		return
	}

	delete(sess.targets, targetID)
	b.sendLocked(sess, remote.ListenResponse{TargetChange: &remote.WireTargetChange{
		TargetChangeType: remote.TargetChangeRemove,
		TargetIDs:        []int{targetID},
	}})
}

// notifyLocked pushes the effect of changing keys to every listen stream
// and closes each affected stream's snapshot at version.
func (b *Backend) notifyLocked(version model.SnapshotVersion, changed model.DocumentKeySet) {
	for sess := range b.sessions {
		var touched []int

		ids := make([]int, 0, len(sess.targets))
		for id := range sess.targets {
			ids = append(ids, id)
		}

		sort.Ints(ids)

		for _, id := range ids {
			wt := sess.targets[id]
			if b.notifyTargetLocked(sess, id, wt, version, changed) {
				touched = append(touched, id)
			}
		}

		if len(touched) == 0 {
			continue
		}

		b.sendLocked(sess, remote.ListenResponse{TargetChange: &remote.WireTargetChange{
			TargetChangeType: remote.TargetChangeNoChange,
			TargetIDs:        touched,
			ResumeToken:      resumeToken(version),
		}})
		b.sendGlobalLocked(sess, version)
	}
}

func (b *Backend) notifyTargetLocked(sess *listenSession, id int, wt *watchedTarget,
	version model.SnapshotVersion, changed model.DocumentKeySet,
) bool {
	results := b.queryLocked(wt.query)
	keys := model.NewDocumentKeySet()
	touched := false

	for _, doc := range results {
		keys.Add(doc.Key())

		if changed.Has(doc.Key()) || !wt.keys.Has(doc.Key()) {
			touched = true
			b.sendLocked(sess, remote.ListenResponse{DocumentChange: &remote.WireDocumentChange{
				Document:  *b.serializer.EncodeDocument(doc),
				TargetIDs: []int{id},
			}})
		}
	}

	for _, key := range wt.keys.Sorted() {
		if keys.Has(key) {
			continue
		}

		touched = true
		name := b.serializer.ResourceName(key)

		if _, exists := b.docs[key]; exists {
			b.sendLocked(sess, remote.ListenResponse{DocumentRemove: &remote.WireDocumentRemove{
				Document:         name,
				RemovedTargetIDs: []int{id},
				ReadTime:         remote.EncodeVersion(version),
			}})
		} else {
			b.sendLocked(sess, remote.ListenResponse{DocumentDelete: &remote.WireDocumentDelete{
				Document:         name,
				RemovedTargetIDs: []int{id},
				ReadTime:         remote.EncodeVersion(version),
			}})
		}
	}

	wt.keys = keys

	return touched
}

func (b *Backend) waitForWrites(ctx context.Context) error {
	b.mu.Lock()
	held, released := b.writesHeld, b.writesReleased
	b.mu.Unlock()

	if !held {
		return nil
	}

	select {
	case <-released:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Backend) serveWrite(ctx context.Context, stream transport.ServerStream) {
	streamID := uuid.NewString()
	handshake := false

	for {
		data, err := stream.Recv(ctx)
		if err != nil {
			return
		}

		var req remote.WriteRequest
		if err := json.Unmarshal(data, &req); err != nil {
			_ = stream.CloseWithError(status.Errorf(status.InvalidArgument, "malformed write request: %v", err))

			return
		}

		var resp *remote.WriteResponse

		switch {
		case !handshake:
			handshake = true
			resp = &remote.WriteResponse{StreamID: streamID, StreamToken: resumeToken(b.Version())}
		case len(req.Writes) == 0:
			continue
		default:
			if err := b.waitForWrites(ctx); err != nil {
				return
			}

			if resp, err = b.commit(req.Writes); err != nil {
				_ = stream.CloseWithError(err)

				return
			}
		}

		payload, err := json.Marshal(resp)
		if err != nil {
			b.log.Errorf("Failed to encode write response: %v", err)

			return
		}

		if err := stream.Send(ctx, payload); err != nil {
			return
		}
	}
}

// commit applies writes atomically. A failed precondition rejects the whole
// batch.
func (b *Backend) commit(writes []remote.WireWrite) (*remote.WriteResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.writeFailures) > 0 {
		err := b.writeFailures[0]
		b.writeFailures = b.writeFailures[1:]

		return nil, err
	}

	mutations := make([]*mutation.Mutation, 0, len(writes))

	for _, w := range writes {
		m, err := b.serializer.DecodeMutation(w)
		if err != nil {
			return nil, status.Errorf(status.InvalidArgument, "%v", err)
		}

		mutations = append(mutations, m)
	}

	version := versionAt(b.seq + 1)
	staged := map[model.DocumentKey]*model.Document{}
	results := make([]remote.WireWriteResult, 0, len(mutations))

	for _, m := range mutations {
		doc, ok := staged[m.Key]
		if !ok {
			if doc, ok = b.docs[m.Key]; !ok {
				doc = model.NewNoDocument(m.Key, model.MinVersion)
			}
		}

		if !m.Precondition.IsValidFor(doc) {
			return nil, status.Errorf(status.FailedPrecondition, "precondition failed for %s", m.Key)
		}

		result, updated := applyMutation(m, doc, version)
		staged[m.Key] = updated
		results = append(results, result)
	}

	b.seq++

	changed := model.NewDocumentKeySet()

	for key, doc := range staged {
		changed.Add(key)

		if doc.IsFoundDocument() {
			b.docs[key] = doc
		} else {
			delete(b.docs, key)
		}
	}

	b.commits = append(b.commits, Commit{Version: version, Mutations: mutations})
	b.notifyLocked(version, changed)

	return &remote.WriteResponse{
		StreamToken:  resumeToken(version),
		WriteResults: results,
		CommitTime:   remote.EncodeVersion(version),
	}, nil
}

func applyMutation(m *mutation.Mutation, doc *model.Document, version model.SnapshotVersion) (remote.WireWriteResult, *model.Document) {
	switch m.Kind {
	case mutation.KindVerify:
		return remote.WireWriteResult{}, doc
	case mutation.KindDelete:
		return remote.WireWriteResult{}, model.NewNoDocument(m.Key, version)
	}

	// Evaluate transforms the way a local view would, then resolve server
	// timestamps to the commit time.
	scratch := doc.Clone()
	m.ApplyToLocalView(scratch, nil, version.Timestamp)

	var transformResults []model.Value

	for _, t := range m.Transforms {
		v, _ := scratch.Field(t.Field)
		if v.IsServerTimestamp() {
			v = model.TimestampValue(version.Timestamp)
		}

		transformResults = append(transformResults, v)
	}

	applied := doc.Clone()
	m.ApplyToRemoteDocument(applied, mutation.Result{Version: version, TransformResults: transformResults})

	created := version
	if doc.IsFoundDocument() {
		created = doc.CreateTime()
	}

	updated := model.RestoreDocument(m.Key, model.DocumentFound, version, model.MinVersion, created,
		applied.Data(), model.StateSynced)

	return remote.WireWriteResult{UpdateTime: remote.EncodeVersion(version), TransformResults: transformResults}, updated
}

// HandleUnary implements transport.UnaryHandler for batch lookups.
func (b *Backend) HandleUnary(_ context.Context, endpoint string, body []byte, _ transport.Headers) ([]byte, error) {
	if endpoint != remote.BatchGetEndpoint {
		return nil, status.Errorf(status.Unimplemented, "unknown endpoint %s", endpoint)
	}

	var req remote.BatchGetRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, status.Errorf(status.InvalidArgument, "malformed lookup: %v", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.lookups++

	if len(b.lookupFailures) > 0 {
		err := b.lookupFailures[0]
		b.lookupFailures = b.lookupFailures[1:]

		return nil, err
	}

	readTime := remote.EncodeVersion(b.currentVersionLocked())
	results := make([]remote.BatchGetResult, 0, len(req.Documents))

	for _, name := range req.Documents {
		key, err := b.serializer.KeyFromName(name)
		if err != nil {
			return nil, status.Errorf(status.InvalidArgument, "%v", err)
		}

		if doc, ok := b.docs[key]; ok {
			results = append(results, remote.BatchGetResult{Found: b.serializer.EncodeDocument(doc), ReadTime: readTime})
		} else {
			results = append(results, remote.BatchGetResult{Missing: name, ReadTime: readTime})
		}
	}

	return json.Marshal(results)
}
