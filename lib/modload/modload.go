// Copyright 2026 The Graft Authors
// SPDX-License-Identifier: Apache-2.0

// Package modload extracts a module archive's bytecode units into
// sealed, read-only shared memory suitable for handing to other
// processes, and parses the archive's entry-point manifests.
//
// The shared blocks are kernel resources (memfds), not garbage
// collected memory. Ownership is explicit: Load returns the handle
// with one reference held, and the module cache releases it when the
// entry is superseded or evicted. A rebuild that swaps in a new handle
// must not release the old one until the new cache snapshot is
// installed, so concurrent readers of the old snapshot keep valid fds.
package modload

import (
	"archive/zip"
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/zeebo/blake3"

	"github.com/graft-framework/graft/lib/model"
)

// ErrUnusable marks an archive that opened fine but is not a usable
// module: no bytecode units, or no declared entry classes. Callers
// treat this as "not a module", not as a failure of the daemon.
var ErrUnusable = errors.New("modload: archive is not a usable module")

// Manifest entry names. The modern manifest lives under META-INF; the
// legacy one under assets. A module declares classes through exactly
// one of the two families.
const (
	modernClassList   = "META-INF/xposed/java_init.list"
	modernLibraryList = "META-INF/xposed/native_init.list"
	legacyClassList   = "assets/xposed_init"
	legacyLibraryList = "assets/native_init"
)

// LoadedModule is the shareable result of loading one archive. It
// satisfies model.LoadedModule.
type LoadedModule struct {
	blocks       []*SharedBlock
	classNames   []string
	libraryNames []string
	legacy       bool
	digest       [32]byte

	refs atomic.Int32
}

// Blocks returns the shared bytecode units in archive order.
func (m *LoadedModule) Blocks() []model.DexBlock {
	blocks := make([]model.DexBlock, len(m.blocks))
	for i, block := range m.blocks {
		blocks[i] = block
	}
	return blocks
}

// ClassNames returns the declared entry-point class names.
func (m *LoadedModule) ClassNames() []string { return m.classNames }

// LibraryNames returns the declared native library names.
func (m *LoadedModule) LibraryNames() []string { return m.libraryNames }

// Legacy reports whether the legacy asset manifests were used.
func (m *LoadedModule) Legacy() bool { return m.legacy }

// Digest is the blake3 hash of the concatenated bytecode units.
// Diagnostic identity only; cache staleness is decided by archive
// path comparison, never by content hash.
func (m *LoadedModule) Digest() [32]byte { return m.digest }

// Retain adds a reference, for handing the same handle to an
// additional long-lived owner.
func (m *LoadedModule) Retain() { m.refs.Add(1) }

// Release drops one reference. At zero, the underlying memfds are
// closed. Releasing more times than retained panics: that is a
// daemon bug, not a recoverable condition.
func (m *LoadedModule) Release() {
	remaining := m.refs.Add(-1)
	if remaining < 0 {
		panic("modload: release of dead module handle")
	}
	if remaining == 0 {
		for _, block := range m.blocks {
			block.close()
		}
	}
}

// Load opens the archive at path and extracts its bytecode units and
// manifests. Returns ErrUnusable when the archive has no bytecode
// units or declares no entry classes; other errors mean the archive
// could not be read at all. The caller owns one reference on the
// returned handle.
func Load(path string) (*LoadedModule, error) {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("modload: opening %s: %w", path, err)
	}
	defer reader.Close()

	module := &LoadedModule{}
	module.refs.Store(1)

	hasher := blake3.New()
	if err := readDexes(&reader.Reader, module, hasher); err != nil {
		module.Release()
		return nil, err
	}
	copy(module.digest[:], hasher.Sum(nil))

	module.classNames = readNames(&reader.Reader, modernClassList)
	if len(module.classNames) == 0 {
		module.legacy = true
		module.classNames = readNames(&reader.Reader, legacyClassList)
		module.libraryNames = readNames(&reader.Reader, legacyLibraryList)
	} else {
		module.libraryNames = readNames(&reader.Reader, modernLibraryList)
	}

	if len(module.blocks) == 0 || len(module.classNames) == 0 {
		module.Release()
		return nil, fmt.Errorf("%w: %s", ErrUnusable, path)
	}
	return module, nil
}

// readDexes extracts classes.dex, classes2.dex, ... until the sequence
// breaks, copying each into a sealed shared block and folding its
// content into the digest.
func readDexes(archive *zip.Reader, module *LoadedModule, hasher io.Writer) error {
	for index := 1; ; index++ {
		name := "classes.dex"
		if index > 1 {
			name = fmt.Sprintf("classes%d.dex", index)
		}
		entry, err := archive.Open(name)
		if err != nil {
			return nil
		}
		block, err := newSharedBlock(name, entry, hasher)
		entry.Close()
		if err != nil {
			return fmt.Errorf("modload: extracting %s: %w", name, err)
		}
		module.blocks = append(module.blocks, block)
	}
}

// readNames parses a newline-delimited manifest entry, skipping blank
// lines and '#' comments. A missing entry yields nil.
func readNames(archive *zip.Reader, entryName string) []string {
	entry, err := archive.Open(entryName)
	if err != nil {
		return nil
	}
	defer entry.Close()

	var names []string
	scanner := bufio.NewScanner(entry)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		names = append(names, line)
	}
	return names
}
