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

// Package statusapi serves a small HTTP API for inspecting and steering a
// running client.
package statusapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/docsync/pkg/client"
	"github.com/united-manufacturing-hub/docsync/pkg/logger"
	"github.com/united-manufacturing-hub/docsync/pkg/model"
	"github.com/united-manufacturing-hub/docsync/pkg/status"
)

// requestTimeout bounds every call into the client.
const requestTimeout = 10 * time.Second

// Client is the part of *client.Client the API uses.
type Client interface {
	Status(ctx context.Context) (client.Status, error)
	EnableNetwork(ctx context.Context) error
	DisableNetwork(ctx context.Context) error
	GetDocument(ctx context.Context, key model.DocumentKey, source client.Source) (*model.Document, error)
}

// Document is the JSON form of a document.
type Document struct {
	Key              string       `json:"key"`
	Exists           bool         `json:"exists"`
	VersionMicros    int64        `json:"versionMicros"`
	HasPendingWrites bool         `json:"hasPendingWrites"`
	Data             *model.Value `json:"data,omitempty"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type api struct {
	client Client
	log    *zap.SugaredLogger
}

// NewRouter returns the API's routes.
func NewRouter(c Client, log *zap.SugaredLogger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	a := &api{client: c, log: logger.Or(log, logger.ComponentStatusAPI)}

	r := gin.New()
	r.Use(gin.Recovery(), a.logRequests)

	r.GET("/healthz", a.health)
	r.GET("/status", a.status)
	r.POST("/network/enable", a.enableNetwork)
	r.POST("/network/disable", a.disableNetwork)
	r.GET("/documents/*path", a.document)

	return r
}

// NewServer returns a server for the API on addr. The caller starts and
// stops it.
func NewServer(addr string, c Client, log *zap.SugaredLogger) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewRouter(c, log),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (a *api) logRequests(c *gin.Context) {
	start := time.Now()

	c.Next()

	a.log.Debugf("%s %s -> %d in %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
}

func (a *api) fail(c *gin.Context, err error) {
	code := status.CodeOf(err)
	if code == status.Unknown {
		code = status.Internal
	}

	a.log.Debugf("Request %s failed: %v", c.Request.URL.Path, err)
	c.JSON(status.HTTPStatus(code), errorResponse{Code: code.String(), Message: err.Error()})
}

func (a *api) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *api) status(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	st, err := a.client.Status(ctx)
	if err != nil {
		a.fail(c, err)

		return
	}

	c.JSON(http.StatusOK, st)
}

func (a *api) enableNetwork(c *gin.Context) {
	a.network(c, a.client.EnableNetwork)
}

func (a *api) disableNetwork(c *gin.Context) {
	a.network(c, a.client.DisableNetwork)
}

func (a *api) network(c *gin.Context, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		a.fail(c, err)

		return
	}

	c.Status(http.StatusNoContent)
}

func parseSource(s string) (client.Source, bool) {
	switch s {
	case "", "default":
		return client.SourceDefault, true
	case "server":
		return client.SourceServer, true
	case "cache":
		return client.SourceCache, true
	default:
		return client.SourceDefault, false
	}
}

func (a *api) document(c *gin.Context) {
	path := strings.Trim(c.Param("path"), "/")

	key, err := model.ParseDocumentKey(path)
	if err != nil {
		a.fail(c, status.Errorf(status.InvalidArgument, "invalid document path %q: %v", path, err))

		return
	}

	source, ok := parseSource(c.Query("source"))
	if !ok {
		a.fail(c, status.Errorf(status.InvalidArgument, "unknown source %q", c.Query("source")))

		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	doc, err := a.client.GetDocument(ctx, key, source)
	if err != nil {
		a.fail(c, err)

		return
	}

	out := Document{
		Key:              doc.Key().String(),
		Exists:           doc.IsFoundDocument(),
		VersionMicros:    doc.Version().Micros(),
		HasPendingWrites: doc.HasPendingWrites(),
	}

	if out.Exists {
		v := doc.Data().Value()
		out.Data = &v
	}

	c.JSON(http.StatusOK, out)
}
