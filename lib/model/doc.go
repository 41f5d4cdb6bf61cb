// Copyright 2026 The Graft Authors
// SPDX-License-Identifier: Apache-2.0

// Package model defines the identity types shared across the graft
// daemon: scope targets (package + user), runtime process keys
// (process name + uid), and the module record that the cache manager
// hands out on the process-start hot path.
package model
