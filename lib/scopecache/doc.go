// Copyright 2026 The Graft Authors
// SPDX-License-Identifier: Apache-2.0

// Package scopecache owns the daemon's injection-decision state: an
// in-memory module cache (package name → loaded module) and a scope
// cache (process name + uid → ordered module list), both rebuilt
// asynchronously from the store and the package directory.
//
// Concurrency model: both caches are immutable snapshots swapped
// through atomic pointers. A single worker goroutine is the only
// writer; it rebuilds a fresh map and installs it wholesale, so
// readers never observe a half-built cache. The hot-path lookup
// (Manager.ModulesForProcess) reads the current snapshot without
// locks and performs no I/O.
//
// Rebuilds are versioned by a requested/applied counter pair and
// coalesce: a burst of invalidation requests collapses into one pass
// that observes store state at least as new as the newest request
// that preceded it.
package scopecache
