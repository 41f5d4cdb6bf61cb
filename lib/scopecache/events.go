// Copyright 2026 The Graft Authors
// SPDX-License-Identifier: Apache-2.0

package scopecache

import (
	"context"

	"github.com/graft-framework/graft/lib/pkgdir"
)

// PackageEventKind classifies a platform package-change notification.
type PackageEventKind int

const (
	// PackageAdded is a fresh install of a package for some user.
	PackageAdded PackageEventKind = iota
	// PackageChanged is an update or component change of an
	// installed package.
	PackageChanged
	// PackageUIDRemoved is a removal for one user while the package
	// remains installed for others.
	PackageUIDRemoved
	// PackageFullyRemoved is a removal for the last user.
	PackageFullyRemoved
)

func (k PackageEventKind) String() string {
	switch k {
	case PackageAdded:
		return "added"
	case PackageChanged:
		return "changed"
	case PackageUIDRemoved:
		return "uid-removed"
	case PackageFullyRemoved:
		return "fully-removed"
	default:
		return "unknown"
	}
}

// HandlePackageEvent reacts to a platform package change. Module
// packages get their row refreshed or removed; for plain apps only a
// scope rebuild is scheduled, and only when the app was actually
// hooked. uid is the affected package uid (used for the hooked
// check), or -1 when unknown.
func (m *Manager) HandlePackageEvent(ctx context.Context, kind PackageEventKind, pkg string, uid int) {
	m.logger.Debug("package event", "kind", kind.String(), "package", pkg, "uid", uid)

	if pkg == m.managerPackage {
		m.UpdateManager(ctx, kind == PackageFullyRemoved)
	}

	_, registered, err := m.store.ModuleID(ctx, pkg)
	if err != nil {
		m.logger.Warn("checking module registration", "package", pkg, "error", err)
		return
	}

	switch kind {
	case PackageFullyRemoved:
		if registered {
			if err := m.RemoveModule(ctx, pkg); err != nil {
				m.logger.Warn("removing module", "module", pkg, "error", err)
			}
			return
		}
		if uid != -1 && m.IsUIDHooked(uid) {
			m.RequestScopeRebuild()
		}

	case PackageUIDRemoved:
		if registered {
			m.RequestRebuild()
			return
		}
		if uid != -1 && m.IsUIDHooked(uid) {
			m.RequestScopeRebuild()
		}

	case PackageAdded, PackageChanged:
		if registered {
			record, ok, err := pkgdir.LookupAnyUser(m.dir, pkg)
			if err != nil || !ok {
				m.RequestRebuild()
				return
			}
			if apkPath, ok := m.dir.ModuleApkPath(record); ok {
				if _, err := m.UpdateModuleApkPath(ctx, pkg, apkPath, false); err != nil {
					m.logger.Warn("updating module archive path", "module", pkg, "error", err)
				}
			}
			m.RequestRebuild()
			return
		}
		if uid != -1 && m.IsUIDHooked(uid) {
			m.RequestScopeRebuild()
		}
	}
}
