// Copyright 2026 The Graft Authors
// SPDX-License-Identifier: Apache-2.0

// Package logfiles manages the daemon's injection log files: the
// verbose log (per-process injection tracing, gated on the verbose
// flag) and the modules log (output forwarded from module code inside
// injected processes). Both files are handed to clients as open
// read-only descriptors, so rotation must never reuse an inode for
// different content; a rotated file is compressed aside and a fresh
// file takes its place.
package logfiles

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/graft-framework/graft/lib/clock"
)

const (
	verboseName = "verbose.log"
	modulesName = "modules.log"

	rotatedTimeFormat = "20060102-150405"
)

// Config configures the log directory and rotation threshold.
type Config struct {
	Dir      string
	MaxBytes int64
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Files owns the two injection log files.
type Files struct {
	dir      string
	maxBytes int64
	clock    clock.Clock
	logger   *slog.Logger

	mu      sync.Mutex
	verbose *os.File
	modules *os.File
}

// Open creates the log directory if needed and opens both files for
// appending.
func Open(cfg Config) (*Files, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("log directory not configured")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}
	f := &Files{
		dir:      cfg.Dir,
		maxBytes: cfg.MaxBytes,
		clock:    c,
		logger:   logger,
	}
	var err error
	if f.verbose, err = openAppend(filepath.Join(cfg.Dir, verboseName)); err != nil {
		return nil, err
	}
	if f.modules, err = openAppend(filepath.Join(cfg.Dir, modulesName)); err != nil {
		f.verbose.Close()
		return nil, err
	}
	return f, nil
}

func openAppend(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return file, nil
}

// Close closes both files.
func (f *Files) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := f.verbose.Close()
	if e := f.modules.Close(); err == nil {
		err = e
	}
	return err
}

// WriteVerbose appends a line to the verbose log, rotating first if
// the write would cross the size threshold. The caller is responsible
// for gating on the verbose flag.
func (f *Files) WriteVerbose(line []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	f.verbose, err = f.write(f.verbose, verboseName, line)
	return err
}

// WriteModules appends a line to the modules log, rotating first if
// the write would cross the size threshold.
func (f *Files) WriteModules(line []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	f.modules, err = f.write(f.modules, modulesName, line)
	return err
}

func (f *Files) write(file *os.File, name string, line []byte) (*os.File, error) {
	if f.maxBytes > 0 {
		info, err := file.Stat()
		if err == nil && info.Size()+int64(len(line)) > f.maxBytes {
			if rotated, err := f.rotate(file, name); err != nil {
				f.logger.Warn("rotating log file", "file", name, "error", err)
			} else {
				file = rotated
			}
		}
	}
	if _, err := file.Write(line); err != nil {
		return file, fmt.Errorf("writing %s: %w", name, err)
	}
	if len(line) == 0 || line[len(line)-1] != '\n' {
		if _, err := file.Write([]byte{'\n'}); err != nil {
			return file, fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return file, nil
}

// rotate compresses the current file aside and replaces it with a
// fresh one. Clients holding read handles to the old inode keep
// reading the old content; new handles see the new file.
func (f *Files) rotate(file *os.File, name string) (*os.File, error) {
	path := filepath.Join(f.dir, name)
	stamp := f.clock.Now().UTC().Format(rotatedTimeFormat)
	rotatedPath := path + "." + stamp + ".zst"

	if err := file.Close(); err != nil {
		return file, err
	}
	if err := compressFile(path, rotatedPath); err != nil {
		// Leave the oversized plain file in place rather than lose
		// its content.
		reopened, reopenErr := openAppend(path)
		if reopenErr != nil {
			return file, reopenErr
		}
		return reopened, err
	}
	if err := os.Remove(path); err != nil {
		return file, err
	}
	fresh, err := openAppend(path)
	if err != nil {
		return file, err
	}
	f.logger.Info("rotated log file", "file", name, "archive", filepath.Base(rotatedPath))
	return fresh, nil
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	encoder, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		out.Close()
		return err
	}
	if _, err := io.Copy(encoder, in); err != nil {
		encoder.Close()
		out.Close()
		return err
	}
	if err := encoder.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// VerboseHandle opens a read-only handle to the current verbose log.
// The caller owns the handle; it can be passed across the IPC socket.
func (f *Files) VerboseHandle() (*os.File, error) {
	return os.Open(filepath.Join(f.dir, verboseName))
}

// ModulesHandle opens a read-only handle to the current modules log.
func (f *Files) ModulesHandle() (*os.File, error) {
	return os.Open(filepath.Join(f.dir, modulesName))
}

// Clear truncates both live files and deletes rotated archives.
func (f *Files) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.verbose.Truncate(0); err != nil {
		return err
	}
	if err := f.modules.Truncate(0); err != nil {
		return err
	}
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".zst") {
			continue
		}
		if err := os.Remove(filepath.Join(f.dir, entry.Name())); err != nil {
			f.logger.Warn("removing rotated log", "file", entry.Name(), "error", err)
		}
	}
	return nil
}
