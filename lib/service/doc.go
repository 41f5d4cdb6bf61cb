// Copyright 2026 The Graft Authors
// SPDX-License-Identifier: Apache-2.0

// Package service implements the daemon's Unix socket protocol: a
// CBOR request-response exchange where each connection carries exactly
// one request. The kernel-reported peer credentials of the connecting
// socket identify the caller; handlers receive them and decide what
// the caller may do. Responses can carry open file descriptors
// (log handles, module shared-memory blocks) alongside the CBOR
// payload using SCM_RIGHTS.
package service
