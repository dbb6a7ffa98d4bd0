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

// Package client wires the local store, the remote store and the sync engine
// into one handle and keeps every call on the async queue.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/united-manufacturing-hub/docsync/pkg/asyncqueue"
	"github.com/united-manufacturing-hub/docsync/pkg/config"
	"github.com/united-manufacturing-hub/docsync/pkg/core"
	"github.com/united-manufacturing-hub/docsync/pkg/credentials"
	"github.com/united-manufacturing-hub/docsync/pkg/local"
	"github.com/united-manufacturing-hub/docsync/pkg/logger"
	"github.com/united-manufacturing-hub/docsync/pkg/model"
	"github.com/united-manufacturing-hub/docsync/pkg/mutation"
	"github.com/united-manufacturing-hub/docsync/pkg/persistence"
	"github.com/united-manufacturing-hub/docsync/pkg/persistence/memory"
	"github.com/united-manufacturing-hub/docsync/pkg/persistence/sqlite"
	"github.com/united-manufacturing-hub/docsync/pkg/query"
	"github.com/united-manufacturing-hub/docsync/pkg/remote"
	"github.com/united-manufacturing-hub/docsync/pkg/status"
	"github.com/united-manufacturing-hub/docsync/pkg/transport"
	"github.com/united-manufacturing-hub/docsync/pkg/transport/httpunary"
	"github.com/united-manufacturing-hub/docsync/pkg/transport/wsstream"
)

// ErrTerminated is returned by every call after Terminate.
var ErrTerminated = status.New(status.FailedPrecondition, "the client has been terminated")

// Source selects where GetDocument reads from.
type Source int

const (
	// SourceDefault asks the server and falls back to the cache when the
	// server cannot be reached.
	SourceDefault Source = iota
	SourceServer
	SourceCache
)

func (s Source) String() string {
	switch s {
	case SourceServer:
		return "server"
	case SourceCache:
		return "cache"
	default:
		return "default"
	}
}

// Options configure New. The non-config fields override what Config would
// build and are mostly set by tests and the daemon.
type Options struct {
	Config config.Config
	// Transport replaces the configured transport. It is required for the
	// memory transport.
	Transport   transport.Transport
	Credentials credentials.Provider
	Store       persistence.Store
	Logger      *zap.SugaredLogger
}

// Client is safe for concurrent use.
type Client struct {
	id  string
	cfg config.Config
	log *zap.SugaredLogger

	queue       *asyncqueue.Queue
	store       persistence.Store
	credentials credentials.Provider

	// Owned by the queue goroutine once New returned.
	localStore  *local.LocalStore
	datastore   *remote.Datastore
	remoteStore *remote.RemoteStore
	engine      *core.SyncEngine
	events      *core.EventManager
	gc          *local.GCScheduler
	user        credentials.User

	mu            sync.Mutex
	registrations map[*Registration]struct{}

	terminateOnce sync.Once
	terminateErr  error
}

// New opens persistence, waits for the first user from the credential
// provider and starts the network.
func New(ctx context.Context, opts Options) (*Client, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &Client{
		id:            uuid.NewString(),
		cfg:           cfg,
		log:           logger.Or(opts.Logger, logger.ComponentClient),
		registrations: map[*Registration]struct{}{},
	}

	c.log.Infof("Starting client %s for project %s, database %s", c.id, cfg.Project.ProjectID, cfg.Project.Database())

	store, err := c.openStore(ctx, opts.Store)
	if err != nil {
		return nil, err
	}

	c.store = store

	tr, err := c.buildTransport(opts.Transport)
	if err != nil {
		c.closeStore(ctx)

		return nil, err
	}

	c.credentials = opts.Credentials
	if c.credentials == nil {
		c.credentials = buildCredentials(cfg.Credentials, c.log)
	}

	c.queue = asyncqueue.New(logger.For(logger.ComponentAsyncQueue), asyncqueue.WithRetryPolicy(cfg.Engine.Backoff))

	first, err := c.awaitFirstUser(ctx)
	if err != nil {
		tr.Close()
		c.queue.Shutdown()
		c.closeStore(ctx)

		return nil, err
	}

	if err := c.queue.Enqueue(func() error { return c.initialize(ctx, first, tr) }).Wait(ctx); err != nil {
		tr.Close()
		c.queue.Shutdown()
		c.closeStore(ctx)

		return nil, fmt.Errorf("failed to start client: %w", err)
	}

	return c, nil
}

func (c *Client) openStore(ctx context.Context, override persistence.Store) (persistence.Store, error) {
	if override != nil {
		return override, nil
	}

	p := c.cfg.Persistence
	if p.Backend == config.BackendMemory {
		return memory.NewStore(), nil
	}

	store, err := sqlite.Open(ctx, sqlite.Options{
		Path:                 p.Path,
		CompressionThreshold: p.CompressionThreshold,
		Logger:               logger.For(logger.ComponentPersistence),
	})
	if err == nil {
		return store, nil
	}

	if p.Required {
		return nil, fmt.Errorf("failed to open persistence at %s: %w", p.Path, err)
	}

	c.log.Warnf("Failed to open persistence at %s, falling back to memory: %v", p.Path, err)

	return memory.NewStore(), nil
}

func (c *Client) closeStore(ctx context.Context) {
	if err := c.store.Close(ctx); err != nil {
		c.log.Warnf("Failed to close persistence: %v", err)
	}
}

func (c *Client) buildTransport(override transport.Transport) (transport.Transport, error) {
	if override != nil {
		return override, nil
	}

	if c.cfg.Server.Transport == config.TransportMemory {
		return nil, errors.New("the memory transport must be passed in Options.Transport")
	}

	scheme := "http"
	if c.cfg.Server.SSL {
		scheme = "https"
	}

	base := scheme + "://" + strings.TrimSuffix(c.cfg.Server.Host, "/")
	log := logger.For(logger.ComponentTransport)

	streams := wsstream.NewDialer(wsstream.Options{BaseURL: base, HandshakeTimeout: 10 * time.Second, Logger: log})
	unary := httpunary.New(httpunary.Options{BaseURL: base, Timeout: 30 * time.Second, Logger: log})

	return transport.Combine(streams, unary, unary.Close), nil
}

func buildCredentials(cfg config.CredentialsConfig, log *zap.SugaredLogger) credentials.Provider {
	switch cfg.Type {
	case config.CredentialsStatic:
		return credentials.NewStaticProvider(cfg.Token, credentials.User{UID: cfg.User})
	case config.CredentialsJWT:
		token := cfg.Token

		return credentials.NewJWTProvider(credentials.JWTOptions{
			Source: func(context.Context) (string, error) { return token, nil },
			Logger: log,
		})
	default:
		return credentials.EmptyProvider{}
	}
}

// awaitFirstUser registers the credential listener and blocks until it
// reported a user. Later changes are applied on the queue.
func (c *Client) awaitFirstUser(ctx context.Context) (credentials.User, error) {
	first := make(chan credentials.User, 1)

	var once sync.Once

	c.credentials.SetChangeListener(func(user credentials.User) {
		delivered := false

		once.Do(func() {
			first <- user
			delivered = true
		})

		if !delivered {
			c.queue.EnqueueAndForget(func() error { return c.handleUserChange(user) })
		}
	})

	// Providers that only learn the user from a token report it here.
	if _, err := c.credentials.GetToken(ctx, false); err != nil {
		return credentials.User{}, fmt.Errorf("failed to fetch the initial token: %w", err)
	}

	select {
	case user := <-first:
		return user, nil
	case <-ctx.Done():
		return credentials.User{}, fmt.Errorf("no user reported by the credential provider: %w", ctx.Err())
	}
}

func (c *Client) initialize(ctx context.Context, user credentials.User, tr transport.Transport) error {
	c.user = user

	lru := local.DefaultLruParams()
	lru.CacheSizeBytes = c.cfg.Persistence.CacheSizeBytes

	c.localStore = local.NewLocalStore(local.Options{
		Store:             c.store,
		Lru:               lru,
		IndexAutoCreation: c.cfg.Engine.IndexAutoCreation,
		Logger:            logger.For(logger.ComponentLocalStore),
	}, user.UID)

	if err := c.localStore.Start(ctx); err != nil {
		return err
	}

	c.engine = core.NewSyncEngine(core.Options{
		LocalStore:                    c.localStore,
		User:                          user,
		MaxConcurrentLimboResolutions: c.cfg.Engine.MaxConcurrentLimboResolutions,
		Logger:                        logger.For(logger.ComponentSyncEngine),
	})
	c.events = core.NewEventManager(c.engine, logger.For(logger.ComponentEventManager))
	c.engine.SetListener(c.events)

	c.datastore = remote.NewDatastore(remote.DatastoreOptions{
		Queue:       c.queue,
		Transport:   tr,
		Credentials: c.credentials,
		Serializer:  remote.NewSerializer(c.cfg.Project.ProjectID, c.cfg.Project.Database()),
		Policy:      c.cfg.Engine.Backoff,
		Logger:      logger.For(logger.ComponentDatastore),
	})

	c.remoteStore = remote.NewRemoteStore(remote.RemoteStoreOptions{
		LocalStore:         c.localStore,
		Datastore:          c.datastore,
		Queue:              c.queue,
		Syncer:             c.engine,
		OnlineStateHandler: c.engine.ApplyOnlineStateChange,
		Logger:             logger.For(logger.ComponentRemoteStore),
	})
	c.engine.SetRemoteStore(c.remoteStore)

	c.gc = local.NewGCScheduler(c.queue, c.localStore, logger.For(logger.ComponentGarbageCollector))
	c.gc.Start(context.Background())

	c.log.Infof("Client %s started for %s", c.id, user)

	return c.remoteStore.Start()
}

func (c *Client) handleUserChange(user credentials.User) error {
	if user == c.user {
		return nil
	}

	c.log.Infof("Credential change from %s to %s", c.user, user)
	c.user = user

	return c.remoteStore.HandleCredentialChange(user)
}

// ID identifies this client instance in logs and the status API.
func (c *Client) ID() string { return c.id }

// run executes fn on the queue and waits for it.
func (c *Client) run(ctx context.Context, fn func() error) error {
	err := c.queue.Enqueue(fn).Wait(ctx)
	if errors.Is(err, asyncqueue.ErrShutdown) {
		return ErrTerminated
	}

	return err
}

// Registration is a started listen. Remove stops it.
type Registration struct {
	c        *Client
	listener *core.QueryListener
	once     sync.Once
}

// Listen raises snapshots of q to observer until the returned registration
// is removed or an error ends it.
func (c *Client) Listen(ctx context.Context, q *query.Query, opts core.ListenOptions, observer core.Observer) (*Registration, error) {
	l := core.NewQueryListener(q, observer, opts)
	reg := &Registration{c: c, listener: l}

	if err := c.run(ctx, func() error { return c.events.Listen(l) }); err != nil {
		l.Mute()

		return nil, err
	}

	c.mu.Lock()
	c.registrations[reg] = struct{}{}
	c.mu.Unlock()

	return reg, nil
}

// Remove stops the listen. It is safe to call more than once.
func (r *Registration) Remove(ctx context.Context) error {
	var err error

	r.once.Do(func() {
		r.c.mu.Lock()
		delete(r.c.registrations, r)
		r.c.mu.Unlock()

		r.listener.Mute()

		err = r.c.run(ctx, func() error { return r.c.events.Unlisten(r.listener) })
		if errors.Is(err, ErrTerminated) {
			err = nil
		}
	})

	return err
}

// WriteAsync applies mutations locally right away and returns a future that
// resolves once the server accepted or rejected them.
func (c *Client) WriteAsync(ctx context.Context, mutations ...*mutation.Mutation) (*asyncqueue.Future, error) {
	if len(mutations) == 0 {
		return asyncqueue.ResolvedFuture(nil), nil
	}

	var done *asyncqueue.Future

	err := c.run(ctx, func() error {
		done = c.engine.Write(mutations)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return done, nil
}

// Write is WriteAsync followed by waiting for the server.
func (c *Client) Write(ctx context.Context, mutations ...*mutation.Mutation) error {
	done, err := c.WriteAsync(ctx, mutations...)
	if err != nil {
		return err
	}

	return done.Wait(ctx)
}

// Set replaces the document at path.
func (c *Client) Set(ctx context.Context, path string, data map[string]interface{}) error {
	key, err := model.ParseDocumentKey(path)
	if err != nil {
		return status.Errorf(status.InvalidArgument, "invalid document path %q: %v", path, err)
	}

	obj, err := model.ObjectFromMap(data)
	if err != nil {
		return status.Errorf(status.InvalidArgument, "invalid data for %s: %v", path, err)
	}

	return c.Write(ctx, mutation.NewSetMutation(key, obj, mutation.NoPrecondition()))
}

// Update changes the given fields of an existing document. Keys are dotted
// field paths.
func (c *Client) Update(ctx context.Context, path string, fields map[string]interface{}) error {
	m, err := ParseUpdate(path, fields)
	if err != nil {
		return err
	}

	return c.Write(ctx, m)
}

// ParseUpdate turns dotted field paths and their values into a patch that
// requires the document to exist.
func ParseUpdate(path string, fields map[string]interface{}) (*mutation.Mutation, error) {
	key, err := model.ParseDocumentKey(path)
	if err != nil {
		return nil, status.Errorf(status.InvalidArgument, "invalid document path %q: %v", path, err)
	}

	if len(fields) == 0 {
		return nil, status.Errorf(status.InvalidArgument, "update of %s has no fields", path)
	}

	obj := model.EmptyObject()
	mask := model.NewFieldMask()

	for name, raw := range fields {
		field, err := model.ParseFieldPath(name)
		if err != nil {
			return nil, status.Errorf(status.InvalidArgument, "invalid field path %q: %v", name, err)
		}

		v, err := model.ValueOf(raw)
		if err != nil {
			return nil, status.Errorf(status.InvalidArgument, "invalid value for %s: %v", name, err)
		}

		obj.Set(field, v)
		mask.Add(field)
	}

	return mutation.NewPatchMutation(key, obj, mask, mutation.ExistsPrecondition(true)), nil
}

// Delete removes the document at path.
func (c *Client) Delete(ctx context.Context, path string) error {
	key, err := model.ParseDocumentKey(path)
	if err != nil {
		return status.Errorf(status.InvalidArgument, "invalid document path %q: %v", path, err)
	}

	return c.Write(ctx, mutation.NewDeleteMutation(key, mutation.NoPrecondition()))
}

// GetDocument reads one document. A missing document comes back as a
// no-document, not as an error.
func (c *Client) GetDocument(ctx context.Context, key model.DocumentKey, source Source) (*model.Document, error) {
	switch source {
	case SourceCache:
		return c.getFromCache(ctx, key)
	case SourceServer:
		return c.getFromServer(ctx, key)
	default:
		doc, err := c.getFromServer(ctx, key)
		if status.CodeOf(err) == status.Unavailable {
			c.log.Debugf("Server unavailable for %s, reading from cache: %v", key, err)

			return c.getFromCache(ctx, key)
		}

		return doc, err
	}
}

func (c *Client) getFromCache(ctx context.Context, key model.DocumentKey) (*model.Document, error) {
	var doc *model.Document

	err := c.run(ctx, func() error {
		d, err := c.localStore.ReadDocument(ctx, key)
		doc = d

		return err
	})
	if err != nil {
		return nil, err
	}

	if !doc.IsFoundDocument() && !doc.IsNoDocument() {
		return nil, status.Errorf(status.Unavailable, "%s is not in the cache", key)
	}

	return doc, nil
}

func (c *Client) getFromServer(ctx context.Context, key model.DocumentKey) (*model.Document, error) {
	if c.queue.IsShuttingDown() {
		return nil, ErrTerminated
	}

	docs, err := c.datastore.Lookup(ctx, []model.DocumentKey{key})
	if err != nil {
		return nil, err
	}

	return docs[0], nil
}

// GetQuery evaluates q against the cache only.
func (c *Client) GetQuery(ctx context.Context, q *query.Query) (*core.ViewSnapshot, error) {
	var snap *core.ViewSnapshot

	err := c.run(ctx, func() error {
		res, err := c.localStore.ExecuteQuery(ctx, q, true)
		if err != nil {
			return err
		}

		view := core.NewView(q, res.RemoteKeys, c.log)
		change := view.ApplyChanges(view.ComputeDocChanges(res.Documents, nil), false, nil, false)

		snap = change.Snapshot
		if snap == nil {
			snap = view.ComputeInitialSnapshot()
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return snap, nil
}

// EnableNetwork reconnects after DisableNetwork.
func (c *Client) EnableNetwork(ctx context.Context) error {
	return c.run(ctx, c.remoteStore.EnableNetwork)
}

// DisableNetwork closes the streams. Writes stay queued and listeners see
// cached results until EnableNetwork.
func (c *Client) DisableNetwork(ctx context.Context) error {
	return c.run(ctx, func() error {
		c.remoteStore.DisableNetwork()

		return nil
	})
}

// WaitForPendingWrites blocks until every write made so far by the current
// user was accepted or rejected.
func (c *Client) WaitForPendingWrites(ctx context.Context) error {
	var done *asyncqueue.Future

	if err := c.run(ctx, func() error {
		done = c.engine.WaitForPendingWrites()

		return nil
	}); err != nil {
		return err
	}

	return done.Wait(ctx)
}

// OnlineState returns the last known online state.
func (c *Client) OnlineState(ctx context.Context) (remote.OnlineState, error) {
	var state remote.OnlineState

	err := c.run(ctx, func() error {
		state = c.remoteStore.OnlineState()

		return nil
	})

	return state, err
}

// Terminate stops the network, the garbage collector and the queue and
// closes persistence. Later calls return the first result.
func (c *Client) Terminate(ctx context.Context) error {
	c.terminateOnce.Do(func() {
		c.terminateErr = c.terminate(ctx)
	})

	return c.terminateErr
}

func (c *Client) terminate(ctx context.Context) error {
	c.log.Infof("Terminating client %s", c.id)

	c.mu.Lock()
	listeners := make([]*core.QueryListener, 0, len(c.registrations))

	for reg := range c.registrations {
		reg.listener.Mute()
		listeners = append(listeners, reg.listener)
	}

	c.registrations = map[*Registration]struct{}{}
	c.mu.Unlock()

	shutdown := c.queue.EnqueueAndInitiateShutdown(func() error {
		c.gc.Stop()
		c.remoteStore.Shutdown()

		return nil
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := shutdown.Wait(gctx); err != nil {
			return fmt.Errorf("failed to stop the network: %w", err)
		}

		return waitClosed(gctx, c.queue.Stopped())
	})

	// Observer callbacks that already started still finish.
	for _, l := range listeners {
		g.Go(func() error { return waitClosed(gctx, l.Done()) })
	}

	if err := g.Wait(); err != nil {
		return err
	}

	if err := c.store.Close(ctx); err != nil {
		return fmt.Errorf("failed to close persistence: %w", err)
	}

	c.log.Infof("Client %s terminated", c.id)

	return nil
}

func waitClosed(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
