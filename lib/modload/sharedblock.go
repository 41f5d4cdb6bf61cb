// Copyright 2026 The Graft Authors
// SPDX-License-Identifier: Apache-2.0

package modload

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// SharedBlock is one bytecode unit in an anonymous, sealed memfd. The
// fd can be passed to another process, which maps it read-only; the
// seals guarantee the content can never change underneath the mapping.
type SharedBlock struct {
	file *os.File
	name string
	size int64
}

// newSharedBlock copies content into a fresh memfd and seals it. The
// same bytes are also written to tee (the archive digest).
func newSharedBlock(name string, content io.Reader, tee io.Writer) (*SharedBlock, error) {
	fd, err := unix.MemfdCreate("graft:"+name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	file := os.NewFile(uintptr(fd), "graft:"+name)

	size, err := io.Copy(file, io.TeeReader(content, tee))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("copying content: %w", err)
	}

	// Seal against any further modification before the fd ever leaves
	// this process.
	seals := unix.F_SEAL_SHRINK | unix.F_SEAL_GROW | unix.F_SEAL_WRITE | unix.F_SEAL_SEAL
	if _, err := unix.FcntlInt(file.Fd(), unix.F_ADD_SEALS, seals); err != nil {
		file.Close()
		return nil, fmt.Errorf("sealing memfd: %w", err)
	}

	return &SharedBlock{file: file, name: name, size: size}, nil
}

// Name is the archive entry this block was extracted from.
func (b *SharedBlock) Name() string { return b.name }

// Size is the block length in bytes.
func (b *SharedBlock) Size() int64 { return b.size }

// File exposes the sealed memfd for cross-process handoff. The file
// remains owned by the block; callers must not close it.
func (b *SharedBlock) File() *os.File { return b.file }

func (b *SharedBlock) close() {
	b.file.Close()
}
