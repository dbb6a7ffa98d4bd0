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
package remote_test

import (
	"github.com/goccy/go-json"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/docsync/pkg/model"
	"github.com/united-manufacturing-hub/docsync/pkg/mutation"
	"github.com/united-manufacturing-hub/docsync/pkg/query"
	"github.com/united-manufacturing-hub/docsync/pkg/remote"
	"github.com/united-manufacturing-hub/docsync/pkg/status"
)

func version(seconds int64) model.SnapshotVersion {
	return model.NewSnapshotVersion(model.Timestamp{Seconds: seconds})
}

var _ = Describe("Serializer", func() {
	var s *remote.Serializer

	BeforeEach(func() {
		s = remote.NewSerializer("demo", "(default)")
	})

	It("should name documents below the database", func() {
		key := model.MustDocumentKey("rooms/eros")
		Expect(s.ResourceName(key)).To(Equal("projects/demo/databases/(default)/documents/rooms/eros"))

		back, err := s.KeyFromName(s.ResourceName(key))
		Expect(err).ToNot(HaveOccurred())
		Expect(back).To(Equal(key))

		_, err = s.KeyFromName("projects/other/databases/(default)/documents/rooms/eros")
		Expect(err).To(HaveOccurred())
	})

	It("should prefer the resume token over the read time", func() {
		data := query.NewTargetData(query.NewQuery(model.MustParseResourcePath("rooms")).ToTarget(), 2, query.PurposeListen, 1).
			WithResumeToken([]byte("tok"), version(10))

		w, err := s.EncodeTarget(data)
		Expect(err).ToNot(HaveOccurred())
		Expect(w.ResumeToken).To(Equal([]byte("tok")))
		Expect(w.ReadTime).To(BeEmpty())
		Expect(w.Query).ToNot(BeNil())
		Expect(w.Query.Parent).To(Equal("projects/demo/databases/(default)/documents"))

		w, err = s.EncodeTarget(data.WithResumeToken(nil, version(10)))
		Expect(err).ToNot(HaveOccurred())
		Expect(w.ResumeToken).To(BeNil())
		Expect(w.ReadTime).To(Equal(remote.EncodeVersion(version(10))))
	})

	It("should encode document targets by name", func() {
		data := query.NewTargetData(query.NewDocumentTarget(model.MustDocumentKey("rooms/eros")), 4, query.PurposeLimboResolution, 1)

		payload, err := s.EncodeListenRequest(data)
		Expect(err).ToNot(HaveOccurred())

		var req remote.ListenRequest
		Expect(json.Unmarshal(payload, &req)).To(Succeed())
		Expect(req.AddTarget.Documents.Documents).To(ConsistOf("projects/demo/databases/(default)/documents/rooms/eros"))
		Expect(req.Labels).To(HaveKeyWithValue("goog-listen-tags", "limbo-resolution"))

		target, err := s.DecodeTarget(req.AddTarget)
		Expect(err).ToNot(HaveOccurred())
		Expect(target.IsDocumentTarget()).To(BeTrue())
	})

	It("should only report a global version for no-change frames without targets", func() {
		frame := func(resp remote.ListenResponse) []byte {
			b, err := json.Marshal(resp)
			Expect(err).ToNot(HaveOccurred())

			return b
		}

		_, v, err := s.DecodeListenResponse(frame(remote.ListenResponse{TargetChange: &remote.WireTargetChange{
			TargetChangeType: remote.TargetChangeNoChange,
			ReadTime:         remote.EncodeVersion(version(5)),
		}}))
		Expect(err).ToNot(HaveOccurred())
		Expect(v).To(Equal(version(5)))

		change, v, err := s.DecodeListenResponse(frame(remote.ListenResponse{TargetChange: &remote.WireTargetChange{
			TargetChangeType: remote.TargetChangeCurrent,
			TargetIDs:        []int{1},
			ReadTime:         remote.EncodeVersion(version(5)),
		}}))
		Expect(err).ToNot(HaveOccurred())
		Expect(v.IsMin()).To(BeTrue())
		Expect(change.(*remote.WatchTargetChange).State).To(Equal(remote.TargetCurrent))

		change, _, err = s.DecodeListenResponse(frame(remote.ListenResponse{TargetChange: &remote.WireTargetChange{
			TargetChangeType: remote.TargetChangeRemove,
			TargetIDs:        []int{1},
			Cause:            &remote.WireStatus{Code: status.PermissionDenied, Message: "no"},
		}}))
		Expect(err).ToNot(HaveOccurred())
		Expect(status.CodeOf(change.(*remote.WatchTargetChange).Cause)).To(Equal(status.PermissionDenied))
	})

	It("should turn document deletes into no-documents", func() {
		payload, err := json.Marshal(remote.ListenResponse{DocumentDelete: &remote.WireDocumentDelete{
			Document:         s.ResourceName(model.MustDocumentKey("rooms/eros")),
			RemovedTargetIDs: []int{3},
			ReadTime:         remote.EncodeVersion(version(8)),
		}})
		Expect(err).ToNot(HaveOccurred())

		change, _, err := s.DecodeListenResponse(payload)
		Expect(err).ToNot(HaveOccurred())

		dc := change.(*remote.DocumentChange)
		Expect(dc.RemovedTargetIDs).To(Equal([]int{3}))
		Expect(dc.NewDoc.IsNoDocument()).To(BeTrue())
		Expect(dc.NewDoc.Version()).To(Equal(version(8)))
	})

	It("should reject malformed frames", func() {
		_, _, err := s.DecodeListenResponse([]byte(`{}`))
		Expect(err).To(MatchError(remote.ErrMalformedResponse))

		_, _, err = s.DecodeListenResponse([]byte(`not json`))
		Expect(err).To(MatchError(remote.ErrMalformedResponse))
	})

	It("should carry mutations and transforms through the wire form", func() {
		key := model.MustDocumentKey("rooms/eros")
		data, err := model.ObjectFromMap(map[string]interface{}{"a": int64(1)})
		Expect(err).ToNot(HaveOccurred())

		m := mutation.NewPatchMutation(key, data, model.NewFieldMask(model.MustParseFieldPath("a")),
			mutation.ExistsPrecondition(true),
			mutation.ServerTimestamp(model.MustParseFieldPath("at")),
			mutation.Increment(model.MustParseFieldPath("n"), model.IntegerValue(2)))

		back, err := s.DecodeMutation(s.EncodeMutation(m))
		Expect(err).ToNot(HaveOccurred())
		Expect(back.Equal(m)).To(BeTrue())

		del := mutation.NewDeleteMutation(key, mutation.UpdateTimePrecondition(version(3)))
		back, err = s.DecodeMutation(s.EncodeMutation(del))
		Expect(err).ToNot(HaveOccurred())
		Expect(back.Equal(del)).To(BeTrue())
	})

	It("should fall back to the commit time for results without an update time", func() {
		payload, err := json.Marshal(remote.WriteResponse{
			StreamToken:  []byte("t2"),
			CommitTime:   remote.EncodeVersion(version(9)),
			WriteResults: []remote.WireWriteResult{{UpdateTime: remote.EncodeVersion(version(7))}, {}},
		})
		Expect(err).ToNot(HaveOccurred())

		ack, err := s.DecodeWriteResponse(payload)
		Expect(err).ToNot(HaveOccurred())
		Expect(ack.StreamToken).To(Equal([]byte("t2")))
		Expect(ack.CommitVersion).To(Equal(version(9)))
		Expect(ack.Results).To(HaveLen(2))
		Expect(ack.Results[0].Version).To(Equal(version(7)))
		Expect(ack.Results[1].Version).To(Equal(version(9)))
	})

	It("should decode lookups into found and missing documents", func() {
		found := model.NewFoundDocument(model.MustDocumentKey("rooms/a"), version(4), model.EmptyObject())
		payload, err := json.Marshal([]remote.BatchGetResult{
			{Found: s.EncodeDocument(found), ReadTime: remote.EncodeVersion(version(6))},
			{Missing: s.ResourceName(model.MustDocumentKey("rooms/b")), ReadTime: remote.EncodeVersion(version(6))},
		})
		Expect(err).ToNot(HaveOccurred())

		docs, err := s.DecodeBatchGet(payload)
		Expect(err).ToNot(HaveOccurred())
		Expect(docs).To(HaveLen(2))
		Expect(docs[0].IsFoundDocument()).To(BeTrue())
		Expect(docs[0].ReadTime()).To(Equal(version(6)))
		Expect(docs[1].IsNoDocument()).To(BeTrue())
		Expect(docs[1].Version()).To(Equal(version(6)))
	})
})
