// Copyright 2026 The Graft Authors
// SPDX-License-Identifier: Apache-2.0

package scopecache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/graft-framework/graft/lib/codec"
	"github.com/graft-framework/graft/lib/model"
	"github.com/graft-framework/graft/lib/store"
)

// Daemon-global settings live in the reserved pseudo-module's rows at
// user 0, so they survive restarts through the same store as module
// preferences.
const (
	globalGroup       = "config"
	scopeBlockedGroup = "scope_request_blocked"

	keyVerboseLog         = "enable_verbose_log"
	keyDexObfuscate       = "enable_dex_obfuscate"
	keyStatusNotification = "enable_status_notification"
	keyMiscPath           = "misc_path"
)

// maxPrefValueBytes bounds a single encoded preference value. Values
// cross the IPC boundary into injected processes; an unbounded blob
// would let one module starve the channel.
const maxPrefValueBytes = 1 << 20

type prefsKey struct {
	pkg    string
	userID int
}

// loadGlobalConfig reads the daemon flags and the per-install misc
// path from the reserved rows, generating and persisting a fresh
// random misc path on first boot.
func (m *Manager) loadGlobalConfig(ctx context.Context) {
	values, err := m.store.FetchConfig(ctx, store.ReservedModule, 0)
	if err != nil {
		m.logger.Error("loading daemon configuration", "error", err)
		values = store.ConfigValues{}
	}

	global := values[globalGroup]
	m.stateMu.Lock()
	m.verboseLog = decodeBool(global[keyVerboseLog])
	m.obfuscateEnabled = decodeBool(global[keyDexObfuscate])
	m.statusNotification = decodeBool(global[keyStatusNotification])
	m.scopeBlocked = make(map[string]struct{}, len(values[scopeBlockedGroup]))
	for pkg := range values[scopeBlockedGroup] {
		m.scopeBlocked[pkg] = struct{}{}
	}

	var miscPath string
	if raw, ok := global[keyMiscPath]; ok {
		if err := codec.Unmarshal(raw, &miscPath); err != nil {
			m.logger.Warn("decoding misc path, regenerating", "error", err)
			miscPath = ""
		}
	}
	if miscPath == "" {
		miscPath = "graft-" + uuid.NewString()
		encoded, err := codec.Marshal(miscPath)
		if err == nil {
			err = m.store.PutConfigValue(ctx, store.ReservedModule, 0, globalGroup, keyMiscPath, encoded)
		}
		if err != nil {
			m.logger.Error("persisting misc path", "error", err)
		}
	}
	m.miscPath = miscPath
	m.stateMu.Unlock()

	if err := os.MkdirAll(filepath.Join(m.miscBase, miscPath), 0o771); err != nil {
		m.logger.Warn("creating misc directory", "path", miscPath, "error", err)
	}
}

func decodeBool(raw []byte) bool {
	if raw == nil {
		return false
	}
	var v bool
	if err := codec.Unmarshal(raw, &v); err != nil {
		return false
	}
	return v
}

// setGlobalFlag persists a daemon flag and applies it in memory.
func (m *Manager) setGlobalFlag(ctx context.Context, key string, enabled bool, apply func(*Manager, bool)) error {
	encoded, err := codec.Marshal(enabled)
	if err != nil {
		return err
	}
	if err := m.store.PutConfigValue(ctx, store.ReservedModule, 0, globalGroup, key, encoded); err != nil {
		return err
	}
	m.stateMu.Lock()
	apply(m, enabled)
	m.stateMu.Unlock()
	return nil
}

// VerboseLog reports whether verbose injection logging is enabled.
func (m *Manager) VerboseLog() bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.verboseLog
}

// SetVerboseLog persists the verbose logging flag.
func (m *Manager) SetVerboseLog(ctx context.Context, enabled bool) error {
	return m.setGlobalFlag(ctx, keyVerboseLog, enabled, func(m *Manager, v bool) { m.verboseLog = v })
}

// DexObfuscate reports whether module code obfuscation is requested.
// The flag is read once per injected process at handshake time; a
// change takes effect for processes started after it.
func (m *Manager) DexObfuscate() bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.obfuscateEnabled
}

// SetDexObfuscate persists the obfuscation flag.
func (m *Manager) SetDexObfuscate(ctx context.Context, enabled bool) error {
	return m.setGlobalFlag(ctx, keyDexObfuscate, enabled, func(m *Manager, v bool) { m.obfuscateEnabled = v })
}

// StatusNotification reports whether the persistent status
// notification is enabled.
func (m *Manager) StatusNotification() bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.statusNotification
}

// SetStatusNotification persists the status notification flag.
func (m *Manager) SetStatusNotification(ctx context.Context, enabled bool) error {
	return m.setGlobalFlag(ctx, keyStatusNotification, enabled, func(m *Manager, v bool) { m.statusNotification = v })
}

// MiscPath returns the per-install random directory name under the
// misc base. Injected processes derive their preference paths from it.
func (m *Manager) MiscPath() string {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.miscPath
}

// PrefsPath returns the on-disk preference directory for a package at
// the given uid, creating it if missing.
func (m *Manager) PrefsPath(pkg string, uid int) (string, error) {
	m.stateMu.Lock()
	misc := m.miscPath
	m.stateMu.Unlock()
	if misc == "" {
		return "", fmt.Errorf("misc path not initialized")
	}
	dir := filepath.Join(m.miscBase, misc, "prefs"+strconv.Itoa(model.UserID(uid)), pkg)
	if err := os.MkdirAll(dir, 0o771); err != nil {
		return "", fmt.Errorf("creating prefs directory: %w", err)
	}
	return dir, nil
}

// BlockScopeRequest records that a module's in-app scope requests
// should be rejected without prompting.
func (m *Manager) BlockScopeRequest(ctx context.Context, pkg string) error {
	encoded, err := codec.Marshal(true)
	if err != nil {
		return err
	}
	if err := m.store.PutConfigValue(ctx, store.ReservedModule, 0, scopeBlockedGroup, pkg, encoded); err != nil {
		return err
	}
	m.stateMu.Lock()
	m.scopeBlocked[pkg] = struct{}{}
	m.stateMu.Unlock()
	return nil
}

// RemoveBlockedScopeRequest lifts a scope-request block. Called both
// from the manager IPC surface and when a module's rows are removed.
func (m *Manager) RemoveBlockedScopeRequest(ctx context.Context, pkg string) {
	if err := m.store.DeleteConfigValue(ctx, store.ReservedModule, 0, scopeBlockedGroup, pkg); err != nil {
		m.logger.Warn("removing scope request block", "module", pkg, "error", err)
	}
	m.stateMu.Lock()
	delete(m.scopeBlocked, pkg)
	m.stateMu.Unlock()
}

// IsScopeRequestBlocked reports whether a module's scope requests are
// blocked.
func (m *Manager) IsScopeRequestBlocked(pkg string) bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	_, blocked := m.scopeBlocked[pkg]
	return blocked
}

// GetModulePrefs returns one preference group for a module at a user,
// reading through the in-memory cache. The returned map is a copy.
func (m *Manager) GetModulePrefs(ctx context.Context, pkg string, userID int, group string) (map[string]any, error) {
	key := prefsKey{pkg: pkg, userID: userID}

	m.prefsMu.Lock()
	groups, ok := m.prefs[key]
	m.prefsMu.Unlock()

	if !ok {
		values, err := m.store.FetchConfig(ctx, pkg, userID)
		if err != nil {
			return nil, err
		}
		groups = make(map[string]map[string]any, len(values))
		for name, raw := range values {
			decoded := make(map[string]any, len(raw))
			for k, blob := range raw {
				var v any
				if err := codec.Unmarshal(blob, &v); err != nil {
					m.logger.Warn("decoding preference value",
						"module", pkg, "group", name, "key", k, "error", err)
					continue
				}
				decoded[k] = v
			}
			groups[name] = decoded
		}
		m.prefsMu.Lock()
		m.prefs[key] = groups
		m.prefsMu.Unlock()
	}

	m.prefsMu.Lock()
	defer m.prefsMu.Unlock()
	out := make(map[string]any, len(groups[group]))
	for k, v := range groups[group] {
		out[k] = v
	}
	return out, nil
}

// UpdateModulePrefs applies a batch of preference writes for one
// module group. A nil value deletes the key. The store and the cache
// are updated key by key; a failed key aborts the batch with the
// earlier keys already applied.
func (m *Manager) UpdateModulePrefs(ctx context.Context, pkg string, userID int, group string, values map[string]any) error {
	// Warm the cache first so partial updates merge into a complete
	// view rather than masking older keys.
	if _, err := m.GetModulePrefs(ctx, pkg, userID, group); err != nil {
		return err
	}

	key := prefsKey{pkg: pkg, userID: userID}
	for name, value := range values {
		if value == nil {
			if err := m.store.DeleteConfigValue(ctx, pkg, userID, group, name); err != nil {
				return fmt.Errorf("deleting %s/%s: %w", group, name, err)
			}
			m.prefsMu.Lock()
			delete(m.prefs[key][group], name)
			m.prefsMu.Unlock()
			continue
		}
		encoded, err := codec.Marshal(value)
		if err != nil {
			return fmt.Errorf("encoding %s/%s: %w", group, name, err)
		}
		if len(encoded) > maxPrefValueBytes {
			return fmt.Errorf("value for %s/%s exceeds %d bytes", group, name, maxPrefValueBytes)
		}
		if err := m.store.PutConfigValue(ctx, pkg, userID, group, name, encoded); err != nil {
			return fmt.Errorf("storing %s/%s: %w", group, name, err)
		}
		m.prefsMu.Lock()
		if m.prefs[key][group] == nil {
			m.prefs[key][group] = make(map[string]any)
		}
		m.prefs[key][group][name] = value
		m.prefsMu.Unlock()
	}
	return nil
}

// evictModulePrefs drops every cached preference view for a package.
func (m *Manager) evictModulePrefs(pkg string) {
	m.prefsMu.Lock()
	for key := range m.prefs {
		if key.pkg == pkg {
			delete(m.prefs, key)
		}
	}
	m.prefsMu.Unlock()
}

// removePrefsDirs deletes the on-disk preference directories for a
// package across all users. Best-effort.
func (m *Manager) removePrefsDirs(pkg string) {
	m.stateMu.Lock()
	misc := m.miscPath
	m.stateMu.Unlock()
	if misc == "" {
		return
	}
	root := filepath.Join(m.miscBase, misc)
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "prefs") {
			continue
		}
		dir := filepath.Join(root, entry.Name(), pkg)
		if err := os.RemoveAll(dir); err != nil {
			m.logger.Warn("removing prefs directory", "path", dir, "error", err)
		}
	}
}
