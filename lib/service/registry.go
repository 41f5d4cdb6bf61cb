// Copyright 2026 The Graft Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/graft-framework/graft/lib/clock"
)

// DefaultRegistrationTTL is how long a registered process survives
// without a heartbeat before it is presumed dead.
const DefaultRegistrationTTL = 90 * time.Second

// RegistryConfig configures the application registry.
type RegistryConfig struct {
	Clock  clock.Clock
	Logger *slog.Logger

	// TTL is the registration lifetime between heartbeats. Zero
	// means DefaultRegistrationTTL.
	TTL time.Duration

	// OnExpire, if set, is called for each registration that lapses.
	OnExpire func(uid, pid int)
}

type registrationKey struct {
	uid int
	pid int
}

type registration struct {
	processName string
	lastSeen    time.Time
}

// Registry tracks the injected processes currently attached to the
// daemon, keyed by (uid, pid). Registration is established during the
// process-start handshake; liveness is maintained by heartbeats, and
// entries whose heartbeats lapse are swept out. A second registration
// for a live (uid, pid) is suppressed so a restarted handshake cannot
// double-inject.
type Registry struct {
	clock  clock.Clock
	logger *slog.Logger
	ttl    time.Duration
	expire func(uid, pid int)

	mu      sync.Mutex
	entries map[registrationKey]*registration
}

// NewRegistry creates an empty registry. Call Run to start the
// expiry sweeper.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultRegistrationTTL
	}
	return &Registry{
		clock:   c,
		logger:  logger,
		ttl:     ttl,
		expire:  cfg.OnExpire,
		entries: make(map[registrationKey]*registration),
	}
}

// Register records a process. Returns false when the (uid, pid) pair
// is already registered and alive.
func (r *Registry) Register(uid, pid int, processName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := registrationKey{uid: uid, pid: pid}
	if _, exists := r.entries[key]; exists {
		r.logger.Warn("duplicate process registration",
			"uid", uid, "pid", pid, "process", processName)
		return false
	}
	r.entries[key] = &registration{
		processName: processName,
		lastSeen:    r.clock.Now(),
	}
	r.logger.Debug("process registered", "uid", uid, "pid", pid, "process", processName)
	return true
}

// Heartbeat refreshes a registration. Returns false when the pair is
// not registered (the process should re-run its handshake).
func (r *Registry) Heartbeat(uid, pid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, exists := r.entries[registrationKey{uid: uid, pid: pid}]
	if !exists {
		return false
	}
	entry.lastSeen = r.clock.Now()
	return true
}

// Unregister removes a registration. Safe to call for unknown pairs.
func (r *Registry) Unregister(uid, pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, registrationKey{uid: uid, pid: pid})
}

// IsRegistered reports whether the pair is currently registered.
func (r *Registry) IsRegistered(uid, pid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.entries[registrationKey{uid: uid, pid: pid}]
	return exists
}

// Len returns the number of live registrations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Run sweeps expired registrations until ctx is cancelled. The sweep
// interval is half the TTL so an entry lapses at most 1.5 TTLs after
// its final heartbeat.
func (r *Registry) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	deadline := r.clock.Now().Add(-r.ttl)

	r.mu.Lock()
	var expired []registrationKey
	for key, entry := range r.entries {
		if entry.lastSeen.Before(deadline) {
			expired = append(expired, key)
			delete(r.entries, key)
		}
	}
	r.mu.Unlock()

	for _, key := range expired {
		r.logger.Info("process registration expired", "uid", key.uid, "pid", key.pid)
		if r.expire != nil {
			r.expire(key.uid, key.pid)
		}
	}
}
