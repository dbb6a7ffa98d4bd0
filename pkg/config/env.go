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

package config

import (
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/docsync/pkg/env"
	"github.com/united-manufacturing-hub/docsync/pkg/sentry"
)

// ApplyEnvOverrides overwrites config values with the DOCSYNC_* environment
// variables that are set. Unparsable values are reported as warnings and
// leave the config value unchanged.
//
//	DOCSYNC_PROJECT_ID, DOCSYNC_DATABASE_ID
//	DOCSYNC_SERVER_HOST, DOCSYNC_SERVER_SSL, DOCSYNC_SERVER_TRANSPORT
//	DOCSYNC_CREDENTIALS_TYPE, DOCSYNC_CREDENTIALS_TOKEN, DOCSYNC_CREDENTIALS_USER
//	DOCSYNC_PERSISTENCE_BACKEND, DOCSYNC_PERSISTENCE_PATH, DOCSYNC_PERSISTENCE_REQUIRED
//	DOCSYNC_CACHE_SIZE_BYTES, DOCSYNC_INDEX_AUTO_CREATION
//	DOCSYNC_BACKOFF_INITIAL, DOCSYNC_BACKOFF_MAX
//	DOCSYNC_METRICS_ADDR, DOCSYNC_STATUS_ADDR, DOCSYNC_SENTRY_DSN
//	LOGGING_LEVEL, LOGGING_FORMAT
func ApplyEnvOverrides(cfg Config, log *zap.SugaredLogger) Config {
	out := cfg.Clone()

	str := func(key string, dst *string) {
		v, err := env.GetAsString(key, false, *dst)
		if err != nil {
			sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get %s: %v", key, err)
			return
		}
		*dst = v
	}

	str("DOCSYNC_PROJECT_ID", &out.Project.ProjectID)
	str("DOCSYNC_DATABASE_ID", &out.Project.DatabaseID)
	str("DOCSYNC_SERVER_HOST", &out.Server.Host)
	str("DOCSYNC_SERVER_TRANSPORT", &out.Server.Transport)
	str("DOCSYNC_CREDENTIALS_TYPE", &out.Credentials.Type)
	str("DOCSYNC_CREDENTIALS_TOKEN", &out.Credentials.Token)
	str("DOCSYNC_CREDENTIALS_USER", &out.Credentials.User)
	str("DOCSYNC_PERSISTENCE_BACKEND", &out.Persistence.Backend)
	str("DOCSYNC_PERSISTENCE_PATH", &out.Persistence.Path)
	str("DOCSYNC_METRICS_ADDR", &out.Metrics.Addr)
	str("DOCSYNC_STATUS_ADDR", &out.StatusAPI.Addr)
	str("DOCSYNC_SENTRY_DSN", &out.Sentry.DSN)
	str("LOGGING_LEVEL", &out.Logging.Level)
	str("LOGGING_FORMAT", &out.Logging.Format)

	if v, err := env.GetAsBool("DOCSYNC_SERVER_SSL", false, out.Server.SSL); err == nil {
		out.Server.SSL = v
	}

	if v, err := env.GetAsBool("DOCSYNC_PERSISTENCE_REQUIRED", false, out.Persistence.Required); err == nil {
		out.Persistence.Required = v
	}

	if v, err := env.GetAsBool("DOCSYNC_INDEX_AUTO_CREATION", false, out.Engine.IndexAutoCreation); err == nil {
		out.Engine.IndexAutoCreation = v
	}

	if v, err := env.GetAsInt64("DOCSYNC_CACHE_SIZE_BYTES", false, out.Persistence.CacheSizeBytes); err == nil {
		out.Persistence.CacheSizeBytes = v
	}

	if v, err := env.GetAsDuration("DOCSYNC_BACKOFF_INITIAL", false, out.Engine.Backoff.InitialDelay); err == nil {
		out.Engine.Backoff.InitialDelay = v
	}

	if v, err := env.GetAsDuration("DOCSYNC_BACKOFF_MAX", false, out.Engine.Backoff.MaxDelay); err == nil {
		out.Engine.Backoff.MaxDelay = v
	}

	return out
}
