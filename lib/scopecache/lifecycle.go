// Copyright 2026 The Graft Authors
// SPDX-License-Identifier: Apache-2.0

package scopecache

import (
	"context"
	"fmt"

	"github.com/graft-framework/graft/lib/model"
	"github.com/graft-framework/graft/lib/pkgdir"
	"github.com/graft-framework/graft/lib/store"
)

// EnableModule marks a package as an enabled module, recording its
// current archive path, and schedules a rebuild. The package must be
// resolvable through the directory.
func (m *Manager) EnableModule(ctx context.Context, pkg string) error {
	if pkg == store.ReservedModule {
		return fmt.Errorf("%q is reserved", pkg)
	}
	record, ok, err := pkgdir.LookupAnyUser(m.dir, pkg)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", pkg, err)
	}
	if !ok {
		return fmt.Errorf("%s is not installed", pkg)
	}
	apkPath, ok := m.dir.ModuleApkPath(record)
	if !ok {
		return fmt.Errorf("%s has no module archive", pkg)
	}
	if _, err := m.upsertApkPath(ctx, pkg, apkPath, false); err != nil {
		return err
	}
	if _, err := m.store.SetEnabled(ctx, pkg, true); err != nil {
		return err
	}
	m.RequestRebuild()
	return nil
}

// DisableModule clears a module's enabled flag. Its scope rows stay in
// place for re-enabling; the caches drop it on the next pass.
func (m *Manager) DisableModule(ctx context.Context, pkg string) error {
	if pkg == store.ReservedModule {
		return fmt.Errorf("%q is reserved", pkg)
	}
	if _, err := m.store.SetEnabled(ctx, pkg, false); err != nil {
		return err
	}
	m.RequestRebuild()
	return nil
}

// UpdateModuleApkPath records a module's archive path, creating the
// row if the package was never seen. When force is false an existing
// row only changes if the path differs. Schedules a rebuild when the
// row changed and the module is enabled.
func (m *Manager) UpdateModuleApkPath(ctx context.Context, pkg, apkPath string, force bool) (bool, error) {
	changed, err := m.upsertApkPath(ctx, pkg, apkPath, force)
	if err != nil || !changed {
		return changed, err
	}
	enabled, err := m.store.IsEnabled(ctx, pkg)
	if err == nil && enabled {
		m.RequestRebuild()
	}
	return true, nil
}

// upsertApkPath is the two-step write behind module registration:
// insert-ignoring-conflict first, then update. The split keeps the
// row's autoincrement id stable across path changes, and scope rows
// reference that id.
func (m *Manager) upsertApkPath(ctx context.Context, pkg, apkPath string, force bool) (bool, error) {
	inserted, err := m.store.InsertModuleIgnore(ctx, pkg, apkPath)
	if err != nil {
		return false, fmt.Errorf("registering %s: %w", pkg, err)
	}
	if inserted {
		return true, nil
	}
	updated, err := m.store.UpdateApkPath(ctx, pkg, apkPath, force)
	if err != nil {
		return false, fmt.Errorf("updating %s: %w", pkg, err)
	}
	return updated, nil
}

// persistApkPath is the rebuild pass's fire-and-forget variant.
func (m *Manager) persistApkPath(ctx context.Context, pkg, apkPath string) error {
	_, err := m.upsertApkPath(ctx, pkg, apkPath, false)
	return err
}

// SetModuleScope replaces a module's scope with the given set. The
// module's own package at user 0 is always included, so a module can
// never scope itself out. Entries naming the system package outside
// user 0 are rejected.
func (m *Manager) SetModuleScope(ctx context.Context, pkg string, scope []model.Application) error {
	if pkg == store.ReservedModule {
		return fmt.Errorf("%q is reserved", pkg)
	}
	for _, app := range scope {
		if app.PackageName == model.SystemPackage && app.UserID != 0 {
			return fmt.Errorf("%s is only scopeable at user 0", model.SystemPackage)
		}
	}
	mid, ok, err := m.store.ModuleID(ctx, pkg)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s is not a registered module", pkg)
	}
	full := make([]model.Application, 0, len(scope)+1)
	full = append(full, scope...)
	full = append(full, model.Application{PackageName: pkg, UserID: 0})
	if err := m.store.ReplaceScope(ctx, mid, full); err != nil {
		return err
	}
	m.RequestScopeRebuild()
	return nil
}

// GetModuleScope returns a module's persisted scope, with the
// module's implicit self entries filtered out. The reserved
// pseudo-module has no scope.
func (m *Manager) GetModuleScope(ctx context.Context, pkg string) ([]model.Application, error) {
	if pkg == store.ReservedModule {
		return nil, nil
	}
	scope, err := m.store.ScopeOf(ctx, pkg)
	if err != nil {
		return nil, err
	}
	out := scope[:0]
	for _, app := range scope {
		if app.PackageName == pkg {
			continue
		}
		out = append(out, app)
	}
	return out, nil
}

// AddModuleScope adds one scope entry without replacing the set.
func (m *Manager) AddModuleScope(ctx context.Context, pkg string, app model.Application) error {
	if app.PackageName == model.SystemPackage && app.UserID != 0 {
		return fmt.Errorf("%s is only scopeable at user 0", model.SystemPackage)
	}
	mid, ok, err := m.store.ModuleID(ctx, pkg)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s is not a registered module", pkg)
	}
	if _, err := m.store.AddScope(ctx, mid, app); err != nil {
		return err
	}
	m.RequestScopeRebuild()
	return nil
}

// RemoveModuleScope deletes one scope entry.
func (m *Manager) RemoveModuleScope(ctx context.Context, pkg string, app model.Application) error {
	mid, ok, err := m.store.ModuleID(ctx, pkg)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s is not a registered module", pkg)
	}
	if _, err := m.store.RemoveScope(ctx, mid, app); err != nil {
		return err
	}
	m.RequestScopeRebuild()
	return nil
}

// EnabledModules lists the enabled module package names, excluding
// the reserved pseudo-module.
func (m *Manager) EnabledModules(ctx context.Context) ([]string, error) {
	rows, err := m.store.EnabledModules(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(rows))
	for _, row := range rows {
		names = append(names, row.PackageName)
	}
	return names, nil
}

// RemoveModule deletes a module's row (scope and preferences cascade
// with it), its on-disk preference directories, and any scope-request
// block, then schedules a rebuild.
func (m *Manager) RemoveModule(ctx context.Context, pkg string) error {
	if pkg == store.ReservedModule {
		return fmt.Errorf("%q is reserved", pkg)
	}
	if _, err := m.removeModuleRows(ctx, pkg); err != nil {
		return err
	}
	m.RequestRebuild()
	return nil
}

// removeModuleRows is RemoveModule without the rebuild trigger; the
// rebuild pass calls it directly for obsolete rows it is already
// replacing the snapshot over.
func (m *Manager) removeModuleRows(ctx context.Context, pkg string) (bool, error) {
	deleted, err := m.store.DeleteModule(ctx, pkg)
	if err != nil {
		return false, err
	}
	m.evictModulePrefs(pkg)
	m.removePrefsDirs(pkg)
	m.RemoveBlockedScopeRequest(ctx, pkg)
	return deleted, nil
}
