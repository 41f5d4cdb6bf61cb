// Copyright 2026 The Graft Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// instanceLock is an exclusive flock on a file under the base
// directory. Two daemons sharing one database would each run a cache
// worker against the other's writes.
type instanceLock struct {
	file *os.File
}

func acquireLock(path string) (*instanceLock, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		return nil, fmt.Errorf("another instance holds %s: %w", path, err)
	}
	// Record the holder's pid for diagnostics. Stale content is
	// harmless; the flock is the authority.
	file.Truncate(0)
	file.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	return &instanceLock{file: file}, nil
}

func (l *instanceLock) Release() {
	unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	l.file.Close()
}
