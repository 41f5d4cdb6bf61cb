// Copyright 2026 The Graft Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "graftd.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
base_dir: /var/lib/graft
packages_root: /var/lib/graft/packages
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SocketPath != "/var/lib/graft/graftd.sock" {
		t.Errorf("socket path = %q", cfg.SocketPath)
	}
	if cfg.ManagerPackage != "com.graft.manager" {
		t.Errorf("manager package = %q", cfg.ManagerPackage)
	}
	if cfg.SystemUID != 1000 {
		t.Errorf("system uid = %d", cfg.SystemUID)
	}
	if cfg.PoolSize != 4 {
		t.Errorf("pool size = %d", cfg.PoolSize)
	}
	if cfg.LogMaxBytes != 8<<20 {
		t.Errorf("log max bytes = %d", cfg.LogMaxBytes)
	}
	if cfg.DatabasePath() != "/var/lib/graft/modules_config.db" {
		t.Errorf("database path = %q", cfg.DatabasePath())
	}
	if cfg.LogDir() != "/var/lib/graft/log" {
		t.Errorf("log dir = %q", cfg.LogDir())
	}
	if cfg.LockPath() != "/var/lib/graft/graftd.lock" {
		t.Errorf("lock path = %q", cfg.LockPath())
	}
}

func TestLoadHonorsExplicitValues(t *testing.T) {
	path := writeConfig(t, `
base_dir: /data/graft
packages_root: /data/packages
socket_path: /run/graftd.sock
manager_package: org.example.manager
system_uid: 1500
pool_size: 8
log_max_bytes: 1024
denylist_db: /data/denylist.db
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SocketPath != "/run/graftd.sock" {
		t.Errorf("socket path = %q", cfg.SocketPath)
	}
	if cfg.ManagerPackage != "org.example.manager" {
		t.Errorf("manager package = %q", cfg.ManagerPackage)
	}
	if cfg.SystemUID != 1500 {
		t.Errorf("system uid = %d", cfg.SystemUID)
	}
	if cfg.PoolSize != 8 || cfg.LogMaxBytes != 1024 {
		t.Errorf("pool = %d, log max = %d", cfg.PoolSize, cfg.LogMaxBytes)
	}
	if cfg.DenyListDB != "/data/denylist.db" {
		t.Errorf("denylist db = %q", cfg.DenyListDB)
	}
}

func TestLoadRejectsMissingRequiredFields(t *testing.T) {
	if _, err := Load(writeConfig(t, "packages_root: /p\n")); err == nil {
		t.Error("missing base_dir accepted")
	}
	if _, err := Load(writeConfig(t, "base_dir: /b\n")); err == nil {
		t.Error("missing packages_root accepted")
	}
}

func TestLoadRejectsUnreadableOrInvalidFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("missing file accepted")
	}
	if _, err := Load(writeConfig(t, "base_dir: [broken\n")); err == nil {
		t.Error("malformed yaml accepted")
	}
}
