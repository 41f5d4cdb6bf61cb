// Copyright 2026 The Graft Authors
// SPDX-License-Identifier: Apache-2.0

package scopecache

import (
	"context"

	"github.com/graft-framework/graft/lib/model"
)

// The system server starts before the package directory is up, so its
// module set cannot come from the scope cache. These operations go to
// the store directly and seed the module cache with uid-less entries;
// the first full rebuild fills the uids in.

// ShouldSkipSystemServer reports whether no enabled module scopes the
// system package, in which case the system server skips the
// injection handshake. Errors err on the side of not skipping.
func (m *Manager) ShouldSkipSystemServer(ctx context.Context) bool {
	rows, err := m.store.EnabledModulesForApp(ctx, model.SystemPackage)
	if err != nil {
		m.logger.Warn("querying system server modules", "error", err)
		return false
	}
	return len(rows) == 0
}

// ModulesForSystemServer returns the modules scoping the system
// package, loading archives straight from their persisted paths.
// Loaded handles are published into the module cache so the first
// rebuild reuses them instead of loading twice. Every returned
// handle is retained for the caller, who owes a Release once the
// handshake response is sent.
func (m *Manager) ModulesForSystemServer(ctx context.Context) []*model.Module {
	rows, err := m.store.EnabledModulesForApp(ctx, model.SystemPackage)
	if err != nil {
		m.logger.Error("querying system server modules", "error", err)
		return nil
	}
	if len(rows) == 0 {
		return nil
	}

	m.rebuildMu.Lock()
	defer m.rebuildMu.Unlock()

	cached := m.moduleSnap.Load().modules
	next := make(map[string]*model.Module, len(cached)+len(rows))
	for pkg, module := range cached {
		next[pkg] = module
	}

	out := make([]*model.Module, 0, len(rows))
	changed := false
	for _, row := range rows {
		if module, ok := next[row.PackageName]; ok {
			out = append(out, module)
			continue
		}
		loaded, err := m.loader(row.ApkPath)
		if err != nil {
			m.logger.Warn("loading system server module",
				"module", row.PackageName, "path", row.ApkPath, "error", err)
			continue
		}
		module := &model.Module{
			PackageName: row.PackageName,
			ApkPath:     row.ApkPath,
			AppID:       -1,
			Loaded:      loaded,
		}
		next[row.PackageName] = module
		out = append(out, module)
		changed = true
	}
	if changed {
		m.moduleSnap.Store(&moduleSnapshot{modules: next})
	}
	for _, module := range out {
		if module.Loaded != nil {
			module.Loaded.Retain()
		}
	}
	return out
}
