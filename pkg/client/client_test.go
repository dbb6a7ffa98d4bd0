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

package client_test

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/docsync/pkg/backoff"
	"github.com/united-manufacturing-hub/docsync/pkg/client"
	"github.com/united-manufacturing-hub/docsync/pkg/config"
	"github.com/united-manufacturing-hub/docsync/pkg/core"
	"github.com/united-manufacturing-hub/docsync/pkg/credentials"
	"github.com/united-manufacturing-hub/docsync/pkg/model"
	"github.com/united-manufacturing-hub/docsync/pkg/mutation"
	"github.com/united-manufacturing-hub/docsync/pkg/query"
	"github.com/united-manufacturing-hub/docsync/pkg/remote"
	"github.com/united-manufacturing-hub/docsync/pkg/remote/remotetest"
	"github.com/united-manufacturing-hub/docsync/pkg/status"
	"github.com/united-manufacturing-hub/docsync/pkg/transport/memtransport"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Project.ProjectID = "demo"
	cfg.Engine.Backoff = backoff.Policy{
		InitialDelay: 10 * time.Millisecond,
		Factor:       1.5,
		MaxDelay:     50 * time.Millisecond,
	}

	return cfg
}

func mustSet(path string, n int64) *mutation.Mutation {
	obj, err := model.ObjectFromMap(map[string]interface{}{"n": n})
	Expect(err).ToNot(HaveOccurred())

	return mutation.NewSetMutation(model.MustDocumentKey(path), obj, mutation.NoPrecondition())
}

func rooms() *query.Query {
	return query.NewQuery(model.MustParseResourcePath("rooms"))
}

var _ = Describe("Client", func() {
	var (
		ctx     context.Context
		cancel  context.CancelFunc
		log     *zap.SugaredLogger
		backend *remotetest.Backend
		network *memtransport.Network
		c       *client.Client
	)

	start := func(cfg config.Config, creds credentials.Provider) *client.Client {
		cl, err := client.New(ctx, client.Options{
			Config:      cfg,
			Transport:   network,
			Credentials: creds,
			Logger:      log,
		})
		ExpectWithOffset(1, err).ToNot(HaveOccurred())

		return cl
	}

	listen := func(q *query.Query) (*client.Registration, *recorder) {
		obs := &recorder{}
		reg, err := c.Listen(ctx, q, core.ListenOptions{}, obs)
		ExpectWithOffset(1, err).ToNot(HaveOccurred())

		return reg, obs
	}

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		log = zap.NewNop().Sugar()
		backend = remotetest.New("demo", "(default)", log)
		network = backend.NewNetwork()
	})

	AfterEach(func() {
		if c != nil {
			Expect(c.Terminate(ctx)).To(Succeed())
			c = nil
		}

		network.Close()
		cancel()
	})

	Describe("New", func() {
		It("should reject an invalid config", func() {
			cfg := testConfig()
			cfg.Project.ProjectID = ""

			_, err := client.New(ctx, client.Options{Config: cfg, Transport: network, Logger: log})
			Expect(err).To(MatchError(ContainSubstring("project.projectId")))
		})

		It("should require a transport for the memory transport", func() {
			_, err := client.New(ctx, client.Options{Config: testConfig(), Logger: log})
			Expect(err).To(MatchError(ContainSubstring("Options.Transport")))
		})

		It("should fall back to memory when sqlite cannot be opened", func() {
			blocker := filepath.Join(GinkgoT().TempDir(), "file")
			Expect(os.WriteFile(blocker, []byte("x"), 0o600)).To(Succeed())

			cfg := testConfig()
			cfg.Persistence.Backend = config.BackendSQLite
			cfg.Persistence.Path = filepath.Join(blocker, "cache.db")

			c = start(cfg, nil)
			Expect(c.Set(ctx, "rooms/a", map[string]interface{}{"n": 1})).To(Succeed())
		})

		It("should fail when durable persistence is required but unavailable", func() {
			blocker := filepath.Join(GinkgoT().TempDir(), "file")
			Expect(os.WriteFile(blocker, []byte("x"), 0o600)).To(Succeed())

			cfg := testConfig()
			cfg.Persistence.Backend = config.BackendSQLite
			cfg.Persistence.Path = filepath.Join(blocker, "cache.db")
			cfg.Persistence.Required = true

			_, err := client.New(ctx, client.Options{Config: cfg, Transport: network, Logger: log})
			Expect(err).To(MatchError(ContainSubstring("failed to open persistence")))
		})

		It("should keep documents in a sqlite cache", func() {
			cfg := testConfig()
			cfg.Persistence.Backend = config.BackendSQLite
			cfg.Persistence.Path = filepath.Join(GinkgoT().TempDir(), "cache.db")

			c = start(cfg, nil)
			Expect(c.Set(ctx, "rooms/a", map[string]interface{}{"n": 1})).To(Succeed())

			doc, err := c.GetDocument(ctx, model.MustDocumentKey("rooms/a"), client.SourceCache)
			Expect(err).ToNot(HaveOccurred())
			Expect(doc.IsFoundDocument()).To(BeTrue())
		})
	})

	Context("with a running client", func() {
		BeforeEach(func() {
			c = start(testConfig(), nil)
		})

		It("should raise server documents and the client's own writes", func() {
			_, err := backend.SetDocument("rooms/a", map[string]interface{}{"n": 1})
			Expect(err).ToNot(HaveOccurred())

			_, obs := listen(rooms())
			Eventually(obs.SyncedKeys).Should(Equal([]string{"rooms/a"}))

			Expect(c.Set(ctx, "rooms/b", map[string]interface{}{"n": 2})).To(Succeed())
			Expect(backend.Document("rooms/b")).ToNot(BeNil())
			Eventually(obs.SyncedKeys).Should(Equal([]string{"rooms/a", "rooms/b"}))

			Expect(c.Delete(ctx, "rooms/a")).To(Succeed())
			Expect(backend.Document("rooms/a")).To(BeNil())
			Eventually(obs.SyncedKeys).Should(Equal([]string{"rooms/b"}))
		})

		It("should stop raising snapshots after Remove", func() {
			reg, obs := listen(rooms())
			Eventually(obs.Synced).Should(BeTrue())

			Expect(reg.Remove(ctx)).To(Succeed())
			Expect(reg.Remove(ctx)).To(Succeed())

			seen := obs.Count()
			Expect(c.Set(ctx, "rooms/a", map[string]interface{}{"n": 1})).To(Succeed())
			Consistently(obs.Count, 200*time.Millisecond).Should(Equal(seen))

			st, err := c.Status(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(st.Listeners).To(Equal(0))
			Expect(st.Targets).To(BeEmpty())
		})

		It("should patch nested fields of an existing document", func() {
			Expect(c.Set(ctx, "rooms/a", map[string]interface{}{"n": 1, "meta": map[string]interface{}{"owner": "x"}})).To(Succeed())
			Expect(c.Update(ctx, "rooms/a", map[string]interface{}{"meta.owner": "y"})).To(Succeed())

			doc := backend.Document("rooms/a")
			Expect(doc).ToNot(BeNil())

			owner, ok := doc.Field(model.MustParseFieldPath("meta.owner"))
			Expect(ok).To(BeTrue())
			Expect(owner.AsString()).To(Equal("y"))

			n, ok := doc.Field(model.MustParseFieldPath("n"))
			Expect(ok).To(BeTrue())
			Expect(n.AsInteger()).To(Equal(int64(1)))
		})

		It("should reject an update of a missing document", func() {
			err := c.Update(ctx, "rooms/missing", map[string]interface{}{"n": 1})
			Expect(status.CodeOf(err)).To(Equal(status.FailedPrecondition))

			_, err = c.GetDocument(ctx, model.MustDocumentKey("rooms/missing"), client.SourceCache)
			Expect(status.CodeOf(err)).To(Equal(status.Unavailable))
		})

		It("should reject malformed paths and values before writing", func() {
			Expect(status.CodeOf(c.Set(ctx, "rooms", nil))).To(Equal(status.InvalidArgument))
			Expect(status.CodeOf(c.Update(ctx, "rooms/a", nil))).To(Equal(status.InvalidArgument))
			Expect(status.CodeOf(c.Set(ctx, "rooms/a", map[string]interface{}{"c": make(chan int)}))).To(Equal(status.InvalidArgument))
			Expect(backend.Commits()).To(BeEmpty())
		})

		Describe("GetDocument", func() {
			It("should read from the server", func() {
				_, err := backend.SetDocument("rooms/a", map[string]interface{}{"n": 7})
				Expect(err).ToNot(HaveOccurred())

				doc, err := c.GetDocument(ctx, model.MustDocumentKey("rooms/a"), client.SourceServer)
				Expect(err).ToNot(HaveOccurred())

				n, _ := doc.Field(model.MustParseFieldPath("n"))
				Expect(n.AsInteger()).To(Equal(int64(7)))
				Expect(backend.Lookups()).To(Equal(1))

				missing, err := c.GetDocument(ctx, model.MustDocumentKey("rooms/none"), client.SourceServer)
				Expect(err).ToNot(HaveOccurred())
				Expect(missing.IsNoDocument()).To(BeTrue())
			})

			It("should fall back to the cache when the server is unreachable", func() {
				Expect(c.Set(ctx, "rooms/a", map[string]interface{}{"n": 3})).To(Succeed())

				network.SetOffline(true)

				_, err := c.GetDocument(ctx, model.MustDocumentKey("rooms/a"), client.SourceServer)
				Expect(status.CodeOf(err)).To(Equal(status.Unavailable))

				doc, err := c.GetDocument(ctx, model.MustDocumentKey("rooms/a"), client.SourceDefault)
				Expect(err).ToNot(HaveOccurred())

				n, _ := doc.Field(model.MustParseFieldPath("n"))
				Expect(n.AsInteger()).To(Equal(int64(3)))
			})
		})

		It("should answer queries from the cache", func() {
			Expect(c.Set(ctx, "rooms/a", map[string]interface{}{"n": 1})).To(Succeed())
			Expect(c.Set(ctx, "rooms/b", map[string]interface{}{"n": 2})).To(Succeed())

			snap, err := c.GetQuery(ctx, rooms().Where(query.NewFieldFilter(model.MustParseFieldPath("n"), query.OpGreaterThan, model.IntegerValue(1))))
			Expect(err).ToNot(HaveOccurred())
			Expect(snap.FromCache).To(BeTrue())
			Expect(keysOf(snap.Docs)).To(Equal([]string{"rooms/b"}))
		})

		It("should queue writes while the network is disabled", func() {
			_, obs := listen(rooms())
			Eventually(obs.Synced).Should(BeTrue())
			Eventually(func() remote.OnlineState {
				state, _ := c.OnlineState(ctx)

				return state
			}).Should(Equal(remote.OnlineStateOnline))

			Expect(c.DisableNetwork(ctx)).To(Succeed())

			state, err := c.OnlineState(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(state).To(Equal(remote.OnlineStateOffline))

			done, err := c.WriteAsync(ctx, mustSet("rooms/a", 1))
			Expect(err).ToNot(HaveOccurred())
			Consistently(done.IsDone, 200*time.Millisecond).Should(BeFalse())
			Expect(backend.Commits()).To(BeEmpty())

			Expect(c.EnableNetwork(ctx)).To(Succeed())
			Expect(done.Wait(ctx)).To(Succeed())
			Expect(c.WaitForPendingWrites(ctx)).To(Succeed())
			Expect(backend.Commits()).To(HaveLen(1))
			Eventually(obs.SyncedKeys).Should(Equal([]string{"rooms/a"}))
		})

		It("should show a listener without metadata changes its write being acknowledged", func() {
			_, obs := listen(rooms())
			Eventually(obs.Synced).Should(BeTrue())

			Expect(c.Set(ctx, "rooms/a", map[string]interface{}{"n": 1})).To(Succeed())

			Eventually(func() []string {
				if !obs.Settled() {
					return nil
				}

				return obs.SyncedKeys()
			}).Should(Equal([]string{"rooms/a"}))
			Expect(obs.SawPendingWrites()).To(BeTrue())
		})

		It("should report its state", func() {
			_, obs := listen(rooms())
			Eventually(obs.Synced).Should(BeTrue())

			st, err := c.Status(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(st.ClientID).To(Equal(c.ID()))
			Expect(st.User).To(Equal("anonymous"))
			Expect(st.Listeners).To(Equal(1))
			Expect(st.Views).To(Equal(1))
			Expect(st.Targets).To(HaveLen(1))
			Expect(st.ActiveLimbo).To(BeEmpty())
		})

		It("should refuse calls after Terminate", func() {
			Expect(c.Terminate(ctx)).To(Succeed())
			Expect(c.Terminate(ctx)).To(Succeed())

			Expect(c.Set(ctx, "rooms/a", map[string]interface{}{"n": 1})).To(MatchError(client.ErrTerminated))

			_, err := c.Listen(ctx, rooms(), core.ListenOptions{}, &recorder{})
			Expect(err).To(MatchError(client.ErrTerminated))
		})
	})

	It("should hide the previous user's pending writes after a user change", func() {
		creds := &switchingProvider{user: credentials.User{UID: "user-a"}}
		c = start(testConfig(), creds)

		Expect(c.DisableNetwork(ctx)).To(Succeed())

		done, err := c.WriteAsync(ctx, mustSet("rooms/a", 1))
		Expect(err).ToNot(HaveOccurred())

		doc, err := c.GetDocument(ctx, model.MustDocumentKey("rooms/a"), client.SourceCache)
		Expect(err).ToNot(HaveOccurred())
		Expect(doc.HasLocalMutations()).To(BeTrue())

		creds.SwitchTo(credentials.User{UID: "user-b"})

		Eventually(func() string {
			st, _ := c.Status(ctx)

			return st.User
		}).Should(Equal("user-b"))

		_, err = c.GetDocument(ctx, model.MustDocumentKey("rooms/a"), client.SourceCache)
		Expect(status.CodeOf(err)).To(Equal(status.Unavailable))
		Expect(done.IsDone()).To(BeFalse())
	})
})
