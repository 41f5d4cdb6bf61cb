// Copyright 2026 The Graft Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the daemon's YAML configuration. There is one
// config file, passed via --config; there are no fallbacks or hidden
// discovery, so a daemon's effective configuration is always auditable
// from its command line.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration.
type Config struct {
	// BaseDir is the fixed base directory holding the database, log
	// directory, lock file, and the per-install misc tree.
	BaseDir string `yaml:"base_dir"`

	// SocketPath is where the daemon's IPC socket is created. Empty
	// means <base_dir>/graftd.sock.
	SocketPath string `yaml:"socket_path"`

	// PackagesRoot is the installed-packages tree the filesystem
	// directory adapter scans. One subdirectory per user id, one per
	// package under that.
	PackagesRoot string `yaml:"packages_root"`

	// DenyListDB is the path of the external deny-list database.
	// Optional; a missing file just yields an empty deny list.
	DenyListDB string `yaml:"denylist_db"`

	// ManagerPackage is the manager app's package name. Processes
	// running as its uid are never injected into.
	ManagerPackage string `yaml:"manager_package"`

	// SystemUID is the uid allowed to call requestApplicationService.
	// Defaults to 1000.
	SystemUID int `yaml:"system_uid"`

	// PoolSize is the SQLite connection pool size.
	PoolSize int `yaml:"pool_size"`

	// LogMaxBytes is the size at which the verbose and modules logs
	// rotate. Defaults to 8 MiB.
	LogMaxBytes int64 `yaml:"log_max_bytes"`
}

// Load reads and validates the config file at path, applying defaults
// for optional fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	cfg.ApplyDefaults()

	if cfg.BaseDir == "" {
		return nil, fmt.Errorf("config: base_dir is required")
	}
	if cfg.PackagesRoot == "" {
		return nil, fmt.Errorf("config: packages_root is required")
	}
	return &cfg, nil
}

// ApplyDefaults fills optional fields. Exported so tests can build
// configs without a file on disk.
func (c *Config) ApplyDefaults() {
	if c.SocketPath == "" && c.BaseDir != "" {
		c.SocketPath = filepath.Join(c.BaseDir, "graftd.sock")
	}
	if c.ManagerPackage == "" {
		c.ManagerPackage = "com.graft.manager"
	}
	if c.SystemUID == 0 {
		c.SystemUID = 1000
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 4
	}
	if c.LogMaxBytes <= 0 {
		c.LogMaxBytes = 8 << 20
	}
}

// DatabasePath is the daemon database location under BaseDir.
func (c *Config) DatabasePath() string { return filepath.Join(c.BaseDir, "modules_config.db") }

// LogDir is where the verbose and modules logs live.
func (c *Config) LogDir() string { return filepath.Join(c.BaseDir, "log") }

// LockPath is the single-instance lock file.
func (c *Config) LockPath() string { return filepath.Join(c.BaseDir, "graftd.lock") }
