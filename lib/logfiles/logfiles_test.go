// Copyright 2026 The Graft Authors
// SPDX-License-Identifier: Apache-2.0

package logfiles

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/graft-framework/graft/lib/clock"
)

func openTestFiles(t *testing.T, maxBytes int64) (*Files, string) {
	t.Helper()
	dir := t.TempDir()
	files, err := Open(Config{
		Dir:      dir,
		MaxBytes: maxBytes,
		Clock:    clock.Fake(time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("opening log files: %v", err)
	}
	t.Cleanup(func() { files.Close() })
	return files, dir
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	return string(data)
}

func TestWriteAppendsNewlineTerminatedLines(t *testing.T) {
	files, dir := openTestFiles(t, 0)

	if err := files.WriteVerbose([]byte("[10060/4242] starting")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := files.WriteVerbose([]byte("already terminated\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := files.WriteModules([]byte("module says hi")); err != nil {
		t.Fatalf("write: %v", err)
	}

	verbose := readFile(t, filepath.Join(dir, "verbose.log"))
	if verbose != "[10060/4242] starting\nalready terminated\n" {
		t.Fatalf("verbose log = %q", verbose)
	}
	modules := readFile(t, filepath.Join(dir, "modules.log"))
	if modules != "module says hi\n" {
		t.Fatalf("modules log = %q", modules)
	}
}

func TestOpenAppendsToExistingFile(t *testing.T) {
	files, dir := openTestFiles(t, 0)
	if err := files.WriteVerbose([]byte("first")); err != nil {
		t.Fatalf("write: %v", err)
	}
	files.Close()

	reopened, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("reopening: %v", err)
	}
	defer reopened.Close()
	if err := reopened.WriteVerbose([]byte("second")); err != nil {
		t.Fatalf("write: %v", err)
	}

	if got := readFile(t, filepath.Join(dir, "verbose.log")); got != "first\nsecond\n" {
		t.Fatalf("verbose log = %q", got)
	}
}

func TestRotationCompressesAndStartsFresh(t *testing.T) {
	files, dir := openTestFiles(t, 64)

	long := strings.Repeat("x", 60)
	if err := files.WriteVerbose([]byte(long)); err != nil {
		t.Fatalf("write: %v", err)
	}
	// This write would cross the threshold, forcing a rotation first.
	if err := files.WriteVerbose([]byte("after rotation")); err != nil {
		t.Fatalf("write: %v", err)
	}

	if got := readFile(t, filepath.Join(dir, "verbose.log")); got != "after rotation\n" {
		t.Fatalf("fresh log = %q", got)
	}

	archive := filepath.Join(dir, "verbose.log.20260828-120000.zst")
	in, err := os.Open(archive)
	if err != nil {
		t.Fatalf("opening archive: %v", err)
	}
	defer in.Close()
	decoder, err := zstd.NewReader(in)
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer decoder.Close()
	content, err := io.ReadAll(decoder)
	if err != nil {
		t.Fatalf("decompressing archive: %v", err)
	}
	if string(content) != long+"\n" {
		t.Fatalf("archived content = %q", content)
	}
}

func TestRotationPreservesOpenReadHandles(t *testing.T) {
	files, dir := openTestFiles(t, 32)

	if err := files.WriteModules([]byte(strings.Repeat("y", 30))); err != nil {
		t.Fatalf("write: %v", err)
	}
	handle, err := files.ModulesHandle()
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	defer handle.Close()

	// Force a rotation: the handle still reads the old inode's
	// content even though the path now names a fresh file.
	if err := files.WriteModules([]byte("fresh")); err != nil {
		t.Fatalf("write: %v", err)
	}
	old, err := io.ReadAll(handle)
	if err != nil {
		t.Fatalf("reading old handle: %v", err)
	}
	if !strings.HasPrefix(string(old), "yyy") {
		t.Fatalf("old handle content = %q", old)
	}
	if got := readFile(t, filepath.Join(dir, "modules.log")); got != "fresh\n" {
		t.Fatalf("fresh log = %q", got)
	}
}

func TestClearTruncatesAndRemovesArchives(t *testing.T) {
	files, dir := openTestFiles(t, 16)

	files.WriteVerbose([]byte(strings.Repeat("a", 20)))
	files.WriteVerbose([]byte("forces rotation"))
	files.WriteModules([]byte("noise"))

	if err := files.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}

	if got := readFile(t, filepath.Join(dir, "verbose.log")); got != "" {
		t.Fatalf("verbose log after clear = %q", got)
	}
	if got := readFile(t, filepath.Join(dir, "modules.log")); got != "" {
		t.Fatalf("modules log after clear = %q", got)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".zst") {
			t.Fatalf("archive survived clear: %s", entry.Name())
		}
	}
}

func TestHandlesAreIndependentReaders(t *testing.T) {
	files, _ := openTestFiles(t, 0)
	files.WriteVerbose([]byte("line"))

	first, err := files.VerboseHandle()
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	defer first.Close()
	second, err := files.VerboseHandle()
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	defer second.Close()

	if _, err := io.ReadAll(first); err != nil {
		t.Fatalf("draining first handle: %v", err)
	}
	content, err := io.ReadAll(second)
	if err != nil {
		t.Fatalf("reading second handle: %v", err)
	}
	if string(content) != "line\n" {
		t.Fatalf("second handle saw %q", content)
	}
}
