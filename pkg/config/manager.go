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
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/docsync/pkg/ctxutil"
	"github.com/united-manufacturing-hub/docsync/pkg/logger"
)

const (
	// DefaultConfigPath is the default path to the config file
	DefaultConfigPath = "/data/docsync.yaml"
)

// FileManager reads and writes the config file. Reads may run in parallel;
// writes are exclusive.
type FileManager struct {
	path string
	log  *zap.SugaredLogger
	mu   *ctxutil.RWMutex
}

func NewFileManager(path string, log *zap.SugaredLogger) *FileManager {
	if path == "" {
		path = DefaultConfigPath
	}

	return &FileManager{
		path: path,
		log:  logger.Or(log, logger.ComponentConfig),
		mu:   ctxutil.NewRWMutex(0),
	}
}

func (m *FileManager) Path() string { return m.path }

// Load reads the config file. A missing file yields the defaults.
func (m *FileManager) Load(ctx context.Context) (Config, error) {
	if ctx.Err() != nil {
		return Config{}, ctx.Err()
	}

	if err := m.mu.RLock(ctx); err != nil {
		return Config{}, fmt.Errorf("failed to lock config: %w", err)
	}
	defer m.mu.RUnlock()

	data, err := os.ReadFile(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		m.log.Infof("config file %s does not exist, using defaults", m.path)

		return Default(), nil
	}

	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file %s: %w", m.path, err)
	}

	return Parse(data)
}

// Save writes cfg atomically through a temporary file.
func (m *FileManager) Save(ctx context.Context, cfg Config) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	data, err := cfg.Marshal()
	if err != nil {
		return err
	}

	if err := m.mu.Lock(ctx); err != nil {
		return fmt.Errorf("failed to lock config: %w", err)
	}
	defer m.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("failed to replace config file: %w", err)
	}

	return nil
}

// LoadWithEnvOverrides loads the file, applies the environment and
// validates the result. Order of precedence, highest first: environment,
// config file, defaults. Unlike Save it never touches the file.
func (m *FileManager) LoadWithEnvOverrides(ctx context.Context) (Config, error) {
	cfg, err := m.Load(ctx)
	if err != nil {
		return Config{}, err
	}

	cfg = ApplyEnvOverrides(cfg, m.log)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}
