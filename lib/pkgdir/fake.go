// Copyright 2026 The Graft Authors
// SPDX-License-Identifier: Apache-2.0

package pkgdir

import (
	"sync"
	"sync/atomic"

	"github.com/graft-framework/graft/lib/model"
)

// FakeDirectory is an in-memory Directory for tests. Every query
// increments Calls, which lets tests assert that the hot-path lookup
// never touches the directory at all.
type FakeDirectory struct {
	// Calls counts every interface method invocation except IsAlive.
	Calls atomic.Int64

	mu       sync.Mutex
	alive    bool
	usersErr func() error
	users    []User
	packages map[int]map[string]FakePackage
}

// FakePackage is one installed (package, user) entry in the fake.
type FakePackage struct {
	Record PackageRecord

	// ModuleApk, when non-empty, is what ModuleApkPath resolves to
	// for this package's record.
	ModuleApk string
}

// NewFakeDirectory returns an alive, empty fake.
func NewFakeDirectory() *FakeDirectory {
	return &FakeDirectory{
		alive:    true,
		packages: make(map[int]map[string]FakePackage),
	}
}

// SetAlive flips the simulated liveness of the directory service.
func (d *FakeDirectory) SetAlive(alive bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alive = alive
}

// FailUsers installs a fault hook consulted on every Users call while
// the directory is alive; a non-nil return is surfaced to the caller.
// Simulates failures that the liveness check does not predict. Pass
// nil to clear.
func (d *FakeDirectory) FailUsers(hook func() error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.usersErr = hook
}

// AddUser registers a user profile.
func (d *FakeDirectory) AddUser(id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, user := range d.users {
		if user.ID == id {
			return
		}
	}
	d.users = append(d.users, User{ID: id})
}

// Install adds or replaces a package entry.
func (d *FakeDirectory) Install(userID int, pkg FakePackage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	byPkg, ok := d.packages[userID]
	if !ok {
		byPkg = make(map[string]FakePackage)
		d.packages[userID] = byPkg
	}
	pkg.Record.UserID = userID
	byPkg[pkg.Record.PackageName] = pkg
}

// Uninstall removes a package entry for one user.
func (d *FakeDirectory) Uninstall(userID int, pkgName string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.packages[userID], pkgName)
}

// IsAlive reports the simulated liveness.
func (d *FakeDirectory) IsAlive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.alive
}

// Users lists the registered user profiles.
func (d *FakeDirectory) Users() ([]User, error) {
	d.Calls.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.alive {
		return nil, ErrDown
	}
	if d.usersErr != nil {
		if err := d.usersErr(); err != nil {
			return nil, err
		}
	}
	return append([]User(nil), d.users...), nil
}

// IsPackageAvailable reports whether pkg is installed for userID.
func (d *FakeDirectory) IsPackageAvailable(pkg string, userID int, includeHidden bool) (bool, error) {
	d.Calls.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.alive {
		return false, ErrDown
	}
	entry, ok := d.packages[userID][pkg]
	if !ok {
		return false, nil
	}
	if entry.Record.Hidden && !includeHidden {
		return false, nil
	}
	return true, nil
}

// Lookup resolves pkg for userID.
func (d *FakeDirectory) Lookup(pkg string, userID int) (PackageRecord, bool, error) {
	d.Calls.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.alive {
		return PackageRecord{}, false, ErrDown
	}
	entry, ok := d.packages[userID][pkg]
	if !ok {
		return PackageRecord{}, false, nil
	}
	record := entry.Record
	if len(record.ProcessNames) == 0 {
		record.ProcessNames = []string{pkg}
	}
	return record, true, nil
}

// FetchProcessesWithUID resolves app to process names and uid.
func (d *FakeDirectory) FetchProcessesWithUID(app model.Application) ([]string, int, error) {
	record, ok, err := d.Lookup(app.PackageName, app.UserID)
	if err != nil {
		return nil, UIDSentinel, err
	}
	if !ok {
		return nil, UIDSentinel, nil
	}
	return record.ProcessNames, record.UID, nil
}

// ModuleApkPath returns the configured module archive, if any.
func (d *FakeDirectory) ModuleApkPath(record PackageRecord) (string, bool) {
	d.Calls.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.packages[record.UserID][record.PackageName]
	if !ok || entry.ModuleApk == "" {
		return "", false
	}
	return entry.ModuleApk, true
}
