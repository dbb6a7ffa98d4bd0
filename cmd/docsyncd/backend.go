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

package main

import (
	"net/http"
	"time"

	"github.com/united-manufacturing-hub/docsync/pkg/logger"
	"github.com/united-manufacturing-hub/docsync/pkg/remote"
	"github.com/united-manufacturing-hub/docsync/pkg/remote/remotetest"
	"github.com/united-manufacturing-hub/docsync/pkg/transport/httpunary"
	"github.com/united-manufacturing-hub/docsync/pkg/transport/wsstream"
)

// newBackendHandler exposes backend with the same endpoints the websocket
// transport and the unary client use, so other clients can sync against it.
func newBackendHandler(backend *remotetest.Backend) http.Handler {
	log := logger.For(logger.ComponentTransport)

	streams := wsstream.Handler(backend.HandleStream, log)

	mux := http.NewServeMux()
	mux.Handle(remote.ListenEndpoint, streams)
	mux.Handle(remote.WriteEndpoint, streams)
	mux.Handle(remote.BatchGetEndpoint, httpunary.Handler(backend.HandleUnary, log))

	return mux
}

func newBackendServer(addr string, backend *remotetest.Backend) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           newBackendHandler(backend),
		ReadHeaderTimeout: 5 * time.Second,
	}
}
