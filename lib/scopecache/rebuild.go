// Copyright 2026 The Graft Authors
// SPDX-License-Identifier: Apache-2.0

package scopecache

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/graft-framework/graft/lib/model"
	"github.com/graft-framework/graft/lib/pkgdir"
)

// rebuild runs one full pass: module cache first (if stale), then
// scope cache (which depends on an up-to-date module cache).
// Superseded module handles are released only after both snapshots
// are installed, so readers that captured the old snapshot before the
// swap still hold valid shared memory. When the scope pass aborts,
// the old scope snapshot keeps serving modules that carry exactly
// those handles; they stay in pendingRelease until a later pass
// replaces the snapshot.
func (m *Manager) rebuild(ctx context.Context) {
	m.rebuildMu.Lock()
	defer m.rebuildMu.Unlock()

	m.pendingRelease = append(m.pendingRelease, m.rebuildModulesLocked(ctx)...)
	if !m.rebuildScopesLocked(ctx) {
		return
	}
	for _, handle := range m.pendingRelease {
		handle.Release()
	}
	m.pendingRelease = nil
}

// claimPass decides whether a cache phase needs to run, capturing the
// requested counter it will satisfy. Returns false when the applied
// counter has already caught up (a coalesced earlier pass covered all
// pending requests).
func (m *Manager) claimPass(requested, applied *uint64) bool {
	m.counterMu.Lock()
	defer m.counterMu.Unlock()
	if *applied >= *requested {
		return false
	}
	*applied = *requested
	return true
}

// abortPass clears an applied counter so the next trigger retries
// from scratch.
func (m *Manager) abortPass(applied *uint64) {
	m.counterMu.Lock()
	defer m.counterMu.Unlock()
	*applied = 0
}

// rebuildModulesLocked recomputes the module cache from the store's
// enabled rows. Returns the handles the new snapshot superseded; the
// caller releases them after the scope cache is also swapped.
//
// The pass aborts wholesale (prior snapshot untouched, applied
// counter cleared) whenever the package directory turns out to be
// unreachable, because "package not found" from a dead directory must
// never be read as "package removed".
func (m *Manager) rebuildModulesLocked(ctx context.Context) []model.LoadedModule {
	if !m.dir.IsAlive() {
		m.logger.Debug("module rebuild skipped, directory not alive")
		return nil
	}
	if !m.claimPass(&m.requestedModule, &m.appliedModule) {
		return nil
	}
	m.modulePasses.Add(1)

	rows, err := m.store.EnabledModules(ctx)
	if err != nil {
		m.logger.Error("enumerating enabled modules", "error", err)
		m.abortPass(&m.appliedModule)
		return nil
	}

	old := m.moduleSnap.Load().modules
	next := make(map[string]*model.Module, len(rows))
	var superseded []model.LoadedModule
	var fresh []model.LoadedModule

	// abort unwinds a failed pass: freshly loaded handles are the
	// only thing to clean up, nothing has been published yet.
	abort := func() []model.LoadedModule {
		for _, handle := range fresh {
			handle.Release()
		}
		m.abortPass(&m.appliedModule)
		return nil
	}

	// Entries whose archive vanished from disk are evicted up front;
	// their handles join the superseded set.
	stale := make(map[string]bool)
	for pkg, module := range old {
		if module.ApkPath == "" || !fileExists(module.ApkPath) {
			stale[pkg] = true
			if module.Loaded != nil {
				superseded = append(superseded, module.Loaded)
			}
		}
	}

	var obsolete []string
	updatedPaths := make(map[string]string)

	for _, row := range rows {
		record, ok, err := pkgdir.LookupAnyUser(m.dir, row.PackageName)
		if err != nil {
			if errors.Is(err, pkgdir.ErrDown) {
				m.logger.Warn("directory died during module rebuild, aborting pass")
				return abort()
			}
			m.logger.Warn("resolving module package", "module", row.PackageName, "error", err)
			obsolete = append(obsolete, row.PackageName)
			continue
		}
		if !ok {
			m.logger.Warn("module package no longer resolvable", "module", row.PackageName)
			obsolete = append(obsolete, row.PackageName)
			continue
		}

		// Staleness is decided by archive path plus parent directory,
		// not content hash. An in-place content swap with an
		// identical path goes undetected; that trade-off is
		// deliberate and load-bearing elsewhere.
		cached := old[row.PackageName]
		if cached != nil && !stale[row.PackageName] &&
			row.ApkPath != "" && cached.ApkPath == row.ApkPath &&
			record.SourceDir != "" &&
			filepath.Dir(record.SourceDir) == filepath.Dir(row.ApkPath) {
			if cached.AppID == -1 {
				// Entry was seeded by the pre-cache system-server
				// path; fill in the now-known uid.
				refreshed := *cached
				refreshed.AppID = record.UID
				next[row.PackageName] = &refreshed
			} else {
				next[row.PackageName] = cached
			}
			continue
		}

		apkPath, ok := m.dir.ModuleApkPath(record)
		if !ok {
			m.logger.Warn("no module archive found", "module", row.PackageName)
			obsolete = append(obsolete, row.PackageName)
			continue
		}
		updatedPaths[row.PackageName] = apkPath

		loaded, err := m.loader(apkPath)
		if err != nil {
			m.logger.Warn("loading module archive", "module", row.PackageName, "path", apkPath, "error", err)
			obsolete = append(obsolete, row.PackageName)
			continue
		}
		fresh = append(fresh, loaded)
		if cached != nil && !stale[row.PackageName] && cached.Loaded != nil {
			superseded = append(superseded, cached.Loaded)
		}
		next[row.PackageName] = &model.Module{
			PackageName: row.PackageName,
			ApkPath:     apkPath,
			AppID:       record.UID,
			Loaded:      loaded,
		}
	}

	// Self-healing deletions only once the directory is confirmed
	// reachable: a transient outage must not mass-delete valid rows.
	if !m.dir.IsAlive() {
		m.logger.Warn("directory died during module rebuild, aborting pass")
		return abort()
	}
	for _, pkg := range obsolete {
		m.logger.Info("removing obsolete module", "module", pkg)
		if _, err := m.removeModuleRows(ctx, pkg); err != nil {
			m.logger.Warn("removing obsolete module", "module", pkg, "error", err)
		}
	}
	for pkg, path := range updatedPaths {
		if err := m.persistApkPath(ctx, pkg, path); err != nil {
			m.logger.Warn("persisting module apk path", "module", pkg, "error", err)
		}
	}

	// Entries that dropped out of the enabled set entirely (disabled,
	// deleted, or marked obsolete above) are in neither next nor the
	// superseded list yet; their handles go with the rest.
	for pkg, module := range old {
		if module.Loaded == nil || stale[pkg] {
			continue
		}
		if _, kept := next[pkg]; kept {
			continue
		}
		superseded = append(superseded, module.Loaded)
	}

	m.moduleSnap.Store(&moduleSnapshot{modules: next})
	m.stampRebuild()
	m.logger.Debug("module cache rebuilt", "modules", len(next))
	return superseded
}

// rebuildScopesLocked recomputes the scope cache from the store's
// enabled scope rows and the current module snapshot. The return
// reports whether the installed scope snapshot is in step with the
// module snapshot: true after a successful install, and also when no
// pass was pending (every module swap requests a scope pass, so an
// up-to-date applied counter means the snapshot was already built
// against the current module cache). A false return tells the caller
// the old snapshot, with its references to superseded module entries,
// is still serving.
func (m *Manager) rebuildScopesLocked(ctx context.Context) bool {
	if !m.dir.IsAlive() {
		m.logger.Debug("scope rebuild skipped, directory not alive")
		return false
	}
	if !m.claimPass(&m.requestedScope, &m.appliedScope) {
		return true
	}
	m.scopePasses.Add(1)

	rows, err := m.store.EnabledScopeRows(ctx)
	if err != nil {
		m.logger.Error("enumerating scope rows", "error", err)
		m.abortPass(&m.appliedScope)
		return false
	}

	users, err := m.dir.Users()
	if err != nil {
		m.logger.Warn("listing users, aborting scope rebuild", "error", err)
		m.abortPass(&m.appliedScope)
		return false
	}

	denySet := make(map[string]struct{})
	for _, pkg := range m.DenyListPackages() {
		denySet[pkg] = struct{}{}
	}

	modules := m.moduleSnap.Load().modules
	next := make(map[model.ProcessKey][]*model.Module)

	type pkgUser struct {
		pkg  string
		user int
	}
	availability := make(map[pkgUser]bool)
	processMemo := make(map[pkgUser][]model.ProcessKey)
	obsoleteModules := make(map[pkgUser]struct{})
	obsoleteApps := make(map[pkgUser]struct{})

	for _, row := range rows {
		moduleKey := pkgUser{row.ModulePackage, row.UserID}
		available, seen := availability[moduleKey]
		if !seen {
			installed, err := m.dir.IsPackageAvailable(row.ModulePackage, row.UserID, true)
			if errors.Is(err, pkgdir.ErrDown) {
				m.logger.Warn("directory died during scope rebuild, aborting pass")
				m.abortPass(&m.appliedScope)
				return false
			}
			if err != nil {
				m.logger.Warn("checking module availability", "module", row.ModulePackage, "error", err)
			}
			_, cached := modules[row.ModulePackage]
			available = err == nil && installed && cached
			availability[moduleKey] = available
			if !available {
				obsoleteModules[moduleKey] = struct{}{}
			}
		}
		if !available {
			continue
		}

		// The system server consults the store directly before the
		// caches are warm; its rows never enter the scope cache.
		if row.AppPackage == model.SystemPackage {
			continue
		}

		appKey := pkgUser{row.AppPackage, row.UserID}
		keys, seen := processMemo[appKey]
		if !seen {
			if _, denied := denySet[row.AppPackage]; denied {
				m.logger.Warn("scope target is on the deny list, injection may not take effect",
					"package", row.AppPackage)
			}
			var err error
			keys, err = m.associatedProcesses(model.Application{
				PackageName: row.AppPackage,
				UserID:      row.UserID,
			})
			if errors.Is(err, pkgdir.ErrDown) {
				m.logger.Warn("directory died during scope rebuild, aborting pass")
				m.abortPass(&m.appliedScope)
				return false
			}
			if err != nil {
				m.logger.Warn("resolving scope target", "package", row.AppPackage, "error", err)
				keys = nil
			}
			processMemo[appKey] = keys
		}
		if len(keys) == 0 {
			obsoleteApps[appKey] = struct{}{}
			continue
		}

		module := modules[row.ModulePackage]
		for _, key := range keys {
			next[key] = append(next[key], module)
			if row.ModulePackage != row.AppPackage {
				continue
			}
			// A module always injects into itself, in every user
			// profile it exists in: fan the self entry out across all
			// users' equivalent uids.
			appID := model.AppID(key.UID)
			for _, user := range users {
				selfUID := user.ID*model.PerUserRange + appID
				if selfUID == key.UID {
					continue
				}
				selfKey := model.ProcessKey{ProcessName: key.ProcessName, UID: selfUID}
				next[selfKey] = append(next[selfKey], module)
			}
		}
	}

	if !m.dir.IsAlive() {
		m.logger.Warn("directory died during scope rebuild, aborting pass")
		m.abortPass(&m.appliedScope)
		return false
	}
	for app := range obsoleteApps {
		m.logger.Info("removing obsolete scope target", "package", app.pkg, "user", app.user)
		if _, err := m.store.DeleteScopeForApp(ctx, app.pkg, app.user); err != nil {
			m.logger.Warn("removing obsolete scope target", "package", app.pkg, "error", err)
		}
	}
	for module := range obsoleteModules {
		m.logger.Info("removing obsolete module scope", "module", module.pkg, "user", module.user)
		if _, err := m.store.DeleteScopeForModuleUser(ctx, module.pkg, module.user); err != nil {
			m.logger.Warn("removing obsolete module scope", "module", module.pkg, "error", err)
		}
		m.RemoveBlockedScopeRequest(ctx, module.pkg)
	}

	m.scopeSnap.Store(&scopeSnapshot{scope: next})
	m.stampRebuild()
	m.logger.Debug("scope cache rebuilt", "process_keys", len(next))
	return true
}

// associatedProcesses resolves a scope target to its runtime process
// keys. The system server's own "system" process at the system uid is
// excluded; code destined for it goes through the dedicated
// system-server path instead.
func (m *Manager) associatedProcesses(app model.Application) ([]model.ProcessKey, error) {
	processes, uid, err := m.dir.FetchProcessesWithUID(app)
	if err != nil {
		return nil, err
	}
	if uid == pkgdir.UIDSentinel {
		return nil, nil
	}
	keys := make([]model.ProcessKey, 0, len(processes))
	for _, name := range processes {
		if uid == model.SystemUID && name == "system" {
			continue
		}
		keys = append(keys, model.ProcessKey{ProcessName: name, UID: uid})
	}
	return keys, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
