// Copyright 2026 The Graft Authors
// SPDX-License-Identifier: Apache-2.0

package model

import "os"

// PerUserRange is the size of the uid block assigned to each user
// profile. A uid decodes as userID*PerUserRange + appID.
const PerUserRange = 100000

// SystemPackage is the pseudo-package name for the OS system process.
// Scope rows for it are only valid with user 0.
const SystemPackage = "android"

// SystemUID is the uid of the system server process.
const SystemUID = 1000

// UserID extracts the user-profile id from a uid.
func UserID(uid int) int { return uid / PerUserRange }

// AppID extracts the per-user application id from a uid.
func AppID(uid int) int { return uid % PerUserRange }

// Application is one participant in a module's injection scope: a
// target package name paired with the user profile it is installed
// for. The same package installed for two users is two Applications.
type Application struct {
	PackageName string `cbor:"package_name" yaml:"package"`
	UserID      int    `cbor:"user_id" yaml:"user"`
}

// ProcessKey is the runtime identity the scope cache is keyed by. One
// Application fans out to several ProcessKeys: one per declared
// component process name, and (for self-scoping modules) one per user
// profile the module is installed for.
type ProcessKey struct {
	ProcessName string
	UID         int
}

// Module is a plugin package known to the daemon. The Loaded handle
// is nil until the cache worker has successfully loaded the archive;
// entries handed out by the hot-path lookup always carry a non-nil
// handle.
type Module struct {
	PackageName string
	ApkPath     string

	// AppID is the module's resolved uid, or -1 when it has not been
	// resolved through the package directory yet.
	AppID int

	// Loaded holds the shared-memory dex blocks and declared entry
	// points. Owned by the module cache; released when the entry is
	// superseded or evicted.
	Loaded LoadedModule
}

// LoadedModule is the read-only view of a loaded module archive that
// the rest of the daemon consumes. The concrete implementation lives
// in lib/modload; the interface keeps the cache manager testable
// without creating kernel shared-memory objects.
type LoadedModule interface {
	// ClassNames are the declared entry-point class names, in
	// manifest order.
	ClassNames() []string

	// LibraryNames are the declared native library names.
	LibraryNames() []string

	// Legacy reports whether the archive declared its entry points
	// through the legacy asset files rather than the modern manifest.
	Legacy() bool

	// Blocks are the module's loaded code blocks, in archive order.
	Blocks() []DexBlock

	// Retain takes an additional reference on the underlying shared
	// memory, keeping it open across a Release from another holder.
	Retain()

	// Release drops one reference to the underlying shared memory.
	// The memory is closed when the last reference drops. Must be
	// called exactly once per cache entry when the entry is evicted
	// or superseded, and once per Retain.
	Release()
}

// DexBlock is one sealed shared-memory code block of a loaded module.
type DexBlock interface {
	// Name identifies the archive entry the block was loaded from.
	Name() string

	// Size is the block length in bytes.
	Size() int64

	// File is the open descriptor backing the block. Callers must
	// not close it; the owning LoadedModule does.
	File() *os.File
}
