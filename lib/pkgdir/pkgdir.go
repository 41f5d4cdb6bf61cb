// Copyright 2026 The Graft Authors
// SPDX-License-Identifier: Apache-2.0

// Package pkgdir is the daemon's read-only view of the operating
// system's package and user directory. The cache manager never talks
// to the platform directly; it goes through the Directory interface,
// which has one filesystem-backed production adapter and an in-memory
// fake for tests.
//
// A Directory can be transiently unreachable. Callers must check
// IsAlive before treating a "not found" answer as "package genuinely
// removed": a dead directory looks exactly like an empty one
// otherwise, and that confusion is how valid rows get mass-deleted.
package pkgdir

import (
	"archive/zip"
	"errors"

	"github.com/graft-framework/graft/lib/model"
)

// UIDSentinel is returned as the uid when a package cannot be
// resolved.
const UIDSentinel = -1

// ErrDown reports that the backing directory service is not currently
// reachable. Transient; the caller should skip its pass and retry on
// the next trigger.
var ErrDown = errors.New("pkgdir: directory service not alive")

// User is one user profile known to the directory.
type User struct {
	ID   int    `yaml:"id"`
	Name string `yaml:"name"`
}

// PackageRecord is the resolved metadata for one (package, user)
// installation.
type PackageRecord struct {
	PackageName string
	UserID      int

	// UID is the package's resolved uid for this user.
	UID int

	// SourceDir is the primary archive path.
	SourceDir string

	// SplitSourceDirs are additional split archives, possibly empty.
	SplitSourceDirs []string

	// ProcessNames are the process names declared by the package's
	// components. Never empty for a resolved record; a package with
	// no explicit declarations runs everything in a process named
	// after the package.
	ProcessNames []string

	// Hidden marks a package that is installed but hidden from the
	// user. Hidden packages still count as available when the caller
	// asks for them.
	Hidden bool
}

// Directory answers package and user queries. Implementations must be
// safe for concurrent use.
type Directory interface {
	// IsAlive reports whether the directory can currently be trusted.
	// A false return means every other answer may be wrong-by-absence.
	IsAlive() bool

	// Users lists the user profiles that currently exist.
	Users() ([]User, error)

	// IsPackageAvailable reports whether pkg exists for userID,
	// optionally counting hidden packages as present.
	IsPackageAvailable(pkg string, userID int, includeHidden bool) (bool, error)

	// Lookup resolves pkg for userID. The second return is false when
	// the package is not installed there; that is not an error.
	Lookup(pkg string, userID int) (PackageRecord, bool, error)

	// FetchProcessesWithUID resolves app to its declared process
	// names and uid. Returns (nil, UIDSentinel, nil) when the package
	// cannot be resolved.
	FetchProcessesWithUID(app model.Application) ([]string, int, error)

	// ModuleApkPath returns the first archive of record (primary or
	// split) that carries a module-declaration marker entry, or
	// ("", false) if none qualifies.
	ModuleApkPath(record PackageRecord) (string, bool)
}

// LookupAnyUser resolves pkg for the first user it is installed for,
// scanning users in directory order. Mirrors how a module's identity
// is established: any installation is good enough to read the archive
// path from.
func LookupAnyUser(d Directory, pkg string) (PackageRecord, bool, error) {
	users, err := d.Users()
	if err != nil {
		return PackageRecord{}, false, err
	}
	for _, user := range users {
		record, ok, err := d.Lookup(pkg, user.ID)
		if err != nil {
			return PackageRecord{}, false, err
		}
		if ok {
			return record, true, nil
		}
	}
	return PackageRecord{}, false, nil
}

// moduleMarkers are the zip entries whose presence marks an archive as
// a graft/xposed module. Modern manifest first, legacy asset second.
var moduleMarkers = []string{
	"META-INF/xposed/java_init.list",
	"assets/xposed_init",
}

// archiveHasMarker reports whether the zip at path contains a module
// marker entry. Unreadable archives simply do not qualify.
func archiveHasMarker(path string) bool {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return false
	}
	defer reader.Close()
	for _, entry := range reader.File {
		for _, marker := range moduleMarkers {
			if entry.Name == marker {
				return true
			}
		}
	}
	return false
}

// candidateArchives lists record's archives in marker-scan order:
// splits first, then the primary, matching the install layout where a
// module's code usually lands in a split.
func candidateArchives(record PackageRecord) []string {
	candidates := make([]string, 0, len(record.SplitSourceDirs)+1)
	candidates = append(candidates, record.SplitSourceDirs...)
	if record.SourceDir != "" {
		candidates = append(candidates, record.SourceDir)
	}
	return candidates
}
