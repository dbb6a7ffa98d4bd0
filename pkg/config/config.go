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

// Package config holds the settings of a docsync client and the daemon
// around it.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tiendc/go-deepcopy"
	"gopkg.in/yaml.v3"

	"github.com/united-manufacturing-hub/docsync/pkg/backoff"
	"github.com/united-manufacturing-hub/docsync/pkg/constants"
)

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"

	TransportWebsocket = "websocket"
	TransportMemory    = "memory"

	CredentialsNone   = "none"
	CredentialsStatic = "static"
	CredentialsJWT    = "jwt"
)

type Config struct {
	Project     ProjectConfig     `yaml:"project"`
	Server      ServerConfig      `yaml:"server"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Engine      EngineConfig      `yaml:"engine"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	StatusAPI   StatusAPIConfig   `yaml:"statusApi"`
	Sentry      SentryConfig      `yaml:"sentry"`
}

type ProjectConfig struct {
	ProjectID  string `yaml:"projectId"`
	DatabaseID string `yaml:"databaseId,omitempty"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	SSL  bool   `yaml:"ssl"`
	// Transport is websocket for a real server or memory for the in-process
	// test server.
	Transport string `yaml:"transport"`
}

type CredentialsConfig struct {
	Type  string `yaml:"type"`
	Token string `yaml:"token,omitempty"`
	// User is the uid a static token belongs to. JWTs carry their own.
	User string `yaml:"user,omitempty"`
}

type PersistenceConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path,omitempty"`
	// Required disables the in-memory fallback when the durable store cannot
	// be opened.
	Required bool `yaml:"required"`
	// CompressionThreshold is the record size in bytes above which the
	// sqlite backend compresses values. 0 disables compression.
	CompressionThreshold int `yaml:"compressionThreshold"`
	// CacheSizeBytes is the remote document cache size that triggers garbage
	// collection. constants.GCDisabled turns collection off.
	CacheSizeBytes int64 `yaml:"cacheSizeBytes"`
}

type EngineConfig struct {
	MaxConcurrentLimboResolutions int            `yaml:"maxConcurrentLimboResolutions"`
	IndexAutoCreation             bool           `yaml:"indexAutoCreation"`
	Backoff                       backoff.Policy `yaml:"backoff"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr,omitempty"`
}

type StatusAPIConfig struct {
	Addr string `yaml:"addr,omitempty"`
}

type SentryConfig struct {
	DSN string `yaml:"dsn,omitempty"`
}

// Default returns a config that runs fully in memory against the
// in-process server.
func Default() Config {
	return Config{
		Project: ProjectConfig{
			ProjectID:  "docsync-local",
			DatabaseID: constants.DefaultDatabaseID,
		},
		Server: ServerConfig{
			Host:      "localhost:8080",
			Transport: TransportMemory,
		},
		Credentials: CredentialsConfig{Type: CredentialsNone},
		Persistence: PersistenceConfig{
			Backend:              BackendMemory,
			CompressionThreshold: 4096,
			CacheSizeBytes:       constants.DefaultCacheSizeBytes,
		},
		Engine: EngineConfig{
			MaxConcurrentLimboResolutions: 100,
			Backoff:                       backoff.DefaultPolicy(),
		},
		Logging: LoggingConfig{Level: "INFO", Format: "CONSOLE"},
	}
}

// Parse decodes a YAML document on top of the defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	if len(strings.TrimSpace(string(data))) == 0 {
		return cfg, errors.New("config file is empty")
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

func (c Config) Marshal() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	return out, nil
}

// Validate reports every problem found, joined into one error.
func (c Config) Validate() error {
	var errs []error

	if c.Project.ProjectID == "" {
		errs = append(errs, errors.New("project.projectId is required"))
	}

	switch c.Server.Transport {
	case TransportWebsocket:
		if c.Server.Host == "" {
			errs = append(errs, errors.New("server.host is required for the websocket transport"))
		}
	case TransportMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown server.transport %q", c.Server.Transport))
	}

	switch c.Credentials.Type {
	case CredentialsNone:
	case CredentialsStatic, CredentialsJWT:
		if c.Credentials.Token == "" {
			errs = append(errs, fmt.Errorf("credentials.token is required for type %s", c.Credentials.Type))
		}

		if c.Credentials.Type == CredentialsStatic && c.Credentials.User == "" {
			errs = append(errs, errors.New("credentials.user is required for static tokens"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown credentials.type %q", c.Credentials.Type))
	}

	switch c.Persistence.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Persistence.Path == "" {
			errs = append(errs, errors.New("persistence.path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown persistence.backend %q", c.Persistence.Backend))
	}

	if c.Persistence.CacheSizeBytes != constants.GCDisabled && c.Persistence.CacheSizeBytes < constants.MinCacheSizeBytes {
		errs = append(errs, fmt.Errorf("persistence.cacheSizeBytes must be at least %d or %d to disable collection",
			constants.MinCacheSizeBytes, constants.GCDisabled))
	}

	if c.Persistence.CompressionThreshold < 0 {
		errs = append(errs, errors.New("persistence.compressionThreshold must not be negative"))
	}

	if c.Engine.MaxConcurrentLimboResolutions <= 0 {
		errs = append(errs, errors.New("engine.maxConcurrentLimboResolutions must be positive"))
	}

	p := c.Engine.Backoff
	if p.InitialDelay <= 0 || p.MaxDelay < p.InitialDelay || p.Factor < 1 || p.Jitter < 0 || p.Jitter > 1 {
		errs = append(errs, fmt.Errorf("engine.backoff is invalid: %+v", p))
	}

	return errors.Join(errs...)
}

// Clone returns a deep copy of the config.
func (c Config) Clone() Config {
	var clone Config
	_ = deepcopy.Copy(&clone, &c)

	return clone
}

// Database falls back to the default database id.
func (p ProjectConfig) Database() string {
	if p.DatabaseID == "" {
		return constants.DefaultDatabaseID
	}

	return p.DatabaseID
}
