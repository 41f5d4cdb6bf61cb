// Copyright 2026 The Graft Authors
// SPDX-License-Identifier: Apache-2.0

package pkgdir

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/graft-framework/graft/lib/model"
)

// FSDirectory is the production Directory adapter. It reads an
// installed-packages tree laid out as
//
//	<root>/<userID>/<packageName>/package.yaml
//	<root>/<userID>/<packageName>/base.apk
//	<root>/<userID>/<packageName>/split_*.apk
//
// package.yaml carries the metadata the platform would otherwise
// expose through its package manager:
//
//	uid: 10050
//	hidden: false
//	processes: ["com.target", "com.target:push"]
//
// Every query re-reads the filesystem; the cache manager is the cache,
// this adapter deliberately is not.
type FSDirectory struct {
	root   string
	logger *slog.Logger
}

// NewFSDirectory returns an adapter over the given packages root.
func NewFSDirectory(root string, logger *slog.Logger) *FSDirectory {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &FSDirectory{root: root, logger: logger}
}

// IsAlive reports whether the packages root is currently readable.
func (d *FSDirectory) IsAlive() bool {
	info, err := os.Stat(d.root)
	return err == nil && info.IsDir()
}

// Users enumerates the numeric subdirectories of the packages root.
func (d *FSDirectory) Users() ([]User, error) {
	if !d.IsAlive() {
		return nil, ErrDown
	}
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("pkgdir: reading %s: %w", d.root, err)
	}
	var users []User
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		users = append(users, User{ID: id, Name: entry.Name()})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

// IsPackageAvailable reports whether pkg is installed for userID.
func (d *FSDirectory) IsPackageAvailable(pkg string, userID int, includeHidden bool) (bool, error) {
	record, ok, err := d.Lookup(pkg, userID)
	if err != nil || !ok {
		return false, err
	}
	if record.Hidden && !includeHidden {
		return false, nil
	}
	return true, nil
}

// packageMeta is the on-disk metadata file format.
type packageMeta struct {
	UID       int      `yaml:"uid"`
	Hidden    bool     `yaml:"hidden"`
	Processes []string `yaml:"processes"`
}

// Lookup resolves pkg for userID from the filesystem tree.
func (d *FSDirectory) Lookup(pkg string, userID int) (PackageRecord, bool, error) {
	if !d.IsAlive() {
		return PackageRecord{}, false, ErrDown
	}
	pkgDir := filepath.Join(d.root, strconv.Itoa(userID), pkg)
	metaPath := filepath.Join(pkgDir, "package.yaml")

	data, err := os.ReadFile(metaPath)
	if os.IsNotExist(err) {
		return PackageRecord{}, false, nil
	}
	if err != nil {
		return PackageRecord{}, false, fmt.Errorf("pkgdir: reading %s: %w", metaPath, err)
	}

	var meta packageMeta
	if err := yaml.Unmarshal(data, &meta); err != nil {
		d.logger.Warn("malformed package metadata", "path", metaPath, "error", err)
		return PackageRecord{}, false, nil
	}

	record := PackageRecord{
		PackageName:  pkg,
		UserID:       userID,
		UID:          meta.UID,
		Hidden:       meta.Hidden,
		ProcessNames: meta.Processes,
	}
	if len(record.ProcessNames) == 0 {
		record.ProcessNames = []string{pkg}
	}

	base := filepath.Join(pkgDir, "base.apk")
	if _, err := os.Stat(base); err == nil {
		record.SourceDir = base
	}
	splits, _ := filepath.Glob(filepath.Join(pkgDir, "split_*.apk"))
	sort.Strings(splits)
	record.SplitSourceDirs = splits

	if record.SourceDir == "" && len(record.SplitSourceDirs) == 0 {
		// Metadata without any archive is a half-removed install.
		return PackageRecord{}, false, nil
	}
	return record, true, nil
}

// FetchProcessesWithUID resolves app to its process names and uid.
func (d *FSDirectory) FetchProcessesWithUID(app model.Application) ([]string, int, error) {
	record, ok, err := d.Lookup(app.PackageName, app.UserID)
	if err != nil {
		return nil, UIDSentinel, err
	}
	if !ok {
		return nil, UIDSentinel, nil
	}
	return record.ProcessNames, record.UID, nil
}

// ModuleApkPath scans record's archives for a module marker entry.
func (d *FSDirectory) ModuleApkPath(record PackageRecord) (string, bool) {
	for _, candidate := range candidateArchives(record) {
		if archiveHasMarker(candidate) {
			return candidate, true
		}
	}
	return "", false
}

// WriteMeta writes a package.yaml for pkg/userID. Test and tooling
// helper for constructing package trees; the daemon never writes here.
func WriteMeta(root, pkg string, userID int, meta map[string]any) error {
	pkgDir := filepath.Join(root, strconv.Itoa(userID), pkg)
	if err := os.MkdirAll(pkgDir, 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(meta)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(pkgDir, "package.yaml"), data, 0o644)
}
