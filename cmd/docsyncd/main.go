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
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/united-manufacturing-hub/docsync/internal/statusapi"
	"github.com/united-manufacturing-hub/docsync/pkg/client"
	"github.com/united-manufacturing-hub/docsync/pkg/config"
	"github.com/united-manufacturing-hub/docsync/pkg/constants"
	"github.com/united-manufacturing-hub/docsync/pkg/logger"
	"github.com/united-manufacturing-hub/docsync/pkg/metrics"
	"github.com/united-manufacturing-hub/docsync/pkg/remote/remotetest"
	"github.com/united-manufacturing-hub/docsync/pkg/sentry"
	"github.com/united-manufacturing-hub/docsync/pkg/transport"
)

// appVersion is set with -ldflags "-X main.appVersion=..." in release builds.
var appVersion = constants.DefaultAppVersion

// shutdownTimeout bounds the graceful stop after a signal.
const shutdownTimeout = 3 * time.Second

func main() {
	logger.Initialize()

	log := logger.For(logger.ComponentDaemon)
	log.Infof("Starting docsyncd %s", appVersion)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager := config.NewFileManager(os.Getenv("DOCSYNC_CONFIG_PATH"), logger.For(logger.ComponentConfig))

	cfg, err := manager.LoadWithEnvOverrides(ctx)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeError, log, "Failed to load config from %s: %v", manager.Path(), err)
		os.Exit(1)
	}

	logger.Configure(logger.LogLevel(cfg.Logging.Level), logger.ParseFormat(cfg.Logging.Format, logger.FormatPretty))
	log = logger.For(logger.ComponentDaemon)

	sentry.InitSentry(appVersion, cfg.Sentry.DSN, true)

	if cfg.Metrics.Addr != "" {
		server := metrics.SetupMetricsEndpoint(cfg.Metrics.Addr)
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()

			if err := server.Shutdown(shutdownCtx); err != nil {
				sentry.ReportIssuef(sentry.IssueTypeError, log, "Failed to shutdown metrics server: %v", err)
			}
		}()
	}

	if err := run(ctx, cfg); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeError, log, "docsyncd failed: %v", err)
		os.Exit(1)
	}

	log.Info("docsyncd stopped")
}

// run starts the client and its servers and blocks until ctx is done.
func run(ctx context.Context, cfg config.Config) error {
	log := logger.For(logger.ComponentDaemon)

	var (
		servers []*http.Server
		tr      transport.Transport
	)

	if cfg.Server.Transport == config.TransportMemory {
		backend := remotetest.New(cfg.Project.ProjectID, cfg.Project.Database(), logger.For(logger.ComponentTransport))
		tr = backend.NewNetwork()

		if cfg.Server.Host != "" {
			log.Infof("Serving the in-process backend on %s", cfg.Server.Host)
			servers = append(servers, newBackendServer(cfg.Server.Host, backend))
		}
	}

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	c, err := client.New(startCtx, client.Options{Config: cfg, Transport: tr})
	if err != nil {
		return err
	}

	if cfg.StatusAPI.Addr != "" {
		log.Infof("Serving the status API on %s", cfg.StatusAPI.Addr)
		servers = append(servers, statusapi.NewServer(cfg.StatusAPI.Addr, c, logger.For(logger.ComponentStatusAPI)))
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, srv := range servers {
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warnf("Failed to shutdown server on %s: %v", srv.Addr, err)
			}
		}

		return c.Terminate(shutdownCtx)
	})

	return g.Wait()
}
