// Copyright 2026 The Graft Authors
// SPDX-License-Identifier: Apache-2.0

package scopecache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/graft-framework/graft/lib/clock"
	"github.com/graft-framework/graft/lib/model"
	"github.com/graft-framework/graft/lib/pkgdir"
	"github.com/graft-framework/graft/lib/store"
)

// Loader loads a module archive into a shareable handle. Production
// wiring uses modload.Load; tests substitute a stub so they can run
// without creating kernel shared-memory objects.
type Loader func(path string) (model.LoadedModule, error)

// Config holds the manager's collaborators and settings.
type Config struct {
	Store     *store.Store
	Directory pkgdir.Directory
	Loader    Loader
	Clock     clock.Clock
	Logger    *slog.Logger

	// ManagerPackage is the manager app's package name; its uid is
	// excluded from every injection decision.
	ManagerPackage string

	// MiscBase is the directory under which the per-install random
	// misc tree (module preference directories) is created.
	MiscBase string

	// DenyListDB is the optional external deny-list database path.
	DenyListDB string
}

// Manager is the daemon's configuration and scope-cache core. One
// instance is constructed at startup and passed to every IPC-facing
// service.
type Manager struct {
	store  *store.Store
	dir    pkgdir.Directory
	loader Loader
	clock  clock.Clock
	logger *slog.Logger

	managerPackage string
	miscBase       string
	denyListDB     string

	moduleSnap atomic.Pointer[moduleSnapshot]
	scopeSnap  atomic.Pointer[scopeSnapshot]

	// counterMu guards the rebuild version counters and the pass
	// timestamp. seq is the monotonic request clock; a cache is stale
	// whenever its applied counter is behind its requested counter.
	counterMu       sync.Mutex
	seq             uint64
	requestedModule uint64
	appliedModule   uint64
	requestedScope  uint64
	appliedScope    uint64
	lastRebuild     time.Time

	// rebuildMu serializes rebuild passes. The worker goroutine is
	// the usual holder; synchronous rebuilds (startup, explicit
	// flush) take it on the calling goroutine.
	rebuildMu sync.Mutex

	// pendingRelease holds superseded module handles whose release
	// was deferred because the scope snapshot still references them.
	// Guarded by rebuildMu.
	pendingRelease []model.LoadedModule

	kick   chan struct{}
	done   chan struct{}
	cancel context.CancelFunc

	modulePasses atomic.Int64
	scopePasses  atomic.Int64

	managerUID atomic.Int64

	// stateMu guards the daemon's global configuration flags loaded
	// from the reserved pseudo-module's config group.
	stateMu            sync.Mutex
	verboseLog         bool
	obfuscateEnabled   bool
	statusNotification bool
	miscPath           string
	scopeBlocked       map[string]struct{}
	api                string

	prefsMu sync.Mutex
	prefs   map[prefsKey]map[string]map[string]any
}

type moduleSnapshot struct {
	modules map[string]*model.Module
}

type scopeSnapshot struct {
	scope map[model.ProcessKey][]*model.Module
}

// New constructs a manager with cold caches. Call Start to warm them
// and begin serving rebuild requests.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}

	m := &Manager{
		store:          cfg.Store,
		dir:            cfg.Directory,
		loader:         cfg.Loader,
		clock:          c,
		logger:         logger,
		managerPackage: cfg.ManagerPackage,
		miscBase:       cfg.MiscBase,
		denyListDB:     cfg.DenyListDB,
		kick:           make(chan struct{}, 1),
		done:           make(chan struct{}),
		scopeBlocked:   make(map[string]struct{}),
		prefs:          make(map[prefsKey]map[string]map[string]any),
		api:            "(???)",
	}
	m.managerUID.Store(-1)
	m.moduleSnap.Store(&moduleSnapshot{modules: map[string]*model.Module{}})
	m.scopeSnap.Store(&scopeSnapshot{scope: map[model.ProcessKey][]*model.Module{}})
	return m
}

// Start loads the daemon's global configuration, resolves the manager
// uid, performs one synchronous warm-up rebuild (the daemon must not
// answer process-start queries from an empty cache if the directory
// is available), and starts the rebuild worker.
func (m *Manager) Start(ctx context.Context) {
	m.loadGlobalConfig(ctx)
	m.UpdateManager(ctx, false)

	m.requestBoth()
	m.rebuild(ctx)

	workerCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	go m.worker(workerCtx)
}

// Close stops the rebuild worker and releases every loaded module
// handle.
func (m *Manager) Close() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	snapshot := m.moduleSnap.Load()
	m.moduleSnap.Store(&moduleSnapshot{modules: map[string]*model.Module{}})
	m.scopeSnap.Store(&scopeSnapshot{scope: map[model.ProcessKey][]*model.Module{}})
	for _, module := range snapshot.modules {
		if module.Loaded != nil {
			module.Loaded.Release()
		}
	}
	m.rebuildMu.Lock()
	for _, handle := range m.pendingRelease {
		handle.Release()
	}
	m.pendingRelease = nil
	m.rebuildMu.Unlock()
}

// worker serializes all asynchronous rebuild work on one goroutine.
func (m *Manager) worker(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.kick:
			m.rebuild(ctx)
		}
	}
}

// requestBoth marks both caches stale.
func (m *Manager) requestBoth() {
	m.counterMu.Lock()
	m.seq++
	m.requestedModule = m.seq
	m.requestedScope = m.seq
	m.counterMu.Unlock()
}

// RequestRebuild schedules an asynchronous rebuild of both caches.
// Multiple pending requests coalesce into one pass.
func (m *Manager) RequestRebuild() {
	m.requestBoth()
	m.wake()
}

// RequestScopeRebuild schedules an asynchronous rebuild of the scope
// cache only, reusing the current module cache.
func (m *Manager) RequestScopeRebuild() {
	m.counterMu.Lock()
	m.seq++
	m.requestedScope = m.seq
	m.counterMu.Unlock()
	m.wake()
}

func (m *Manager) wake() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// RebuildNow marks both caches stale and rebuilds synchronously,
// returning when the pass completes. Used at startup and by the
// explicit cache-refresh IPC operation.
func (m *Manager) RebuildNow(ctx context.Context) {
	m.requestBoth()
	m.rebuild(ctx)
}

// Stats reports how many rebuild passes have been applied. Exposed
// through the status IPC action and used by tests to observe
// coalescing.
type Stats struct {
	ModulePasses int64
	ScopePasses  int64
	Modules      int
	ProcessKeys  int

	// LastRebuild is when a pass last installed a snapshot; zero
	// until the first pass completes.
	LastRebuild time.Time
}

// Stats returns current rebuild and cache counters.
func (m *Manager) Stats() Stats {
	m.counterMu.Lock()
	last := m.lastRebuild
	m.counterMu.Unlock()
	return Stats{
		ModulePasses: m.modulePasses.Load(),
		ScopePasses:  m.scopePasses.Load(),
		Modules:      len(m.moduleSnap.Load().modules),
		ProcessKeys:  len(m.scopeSnap.Load().scope),
		LastRebuild:  last,
	}
}

// stampRebuild records the completion time of a snapshot install.
func (m *Manager) stampRebuild() {
	now := m.clock.Now()
	m.counterMu.Lock()
	m.lastRebuild = now
	m.counterMu.Unlock()
}

// ModulesForProcess is the process-start hot path: a lock-free lookup
// against the current scope snapshot. It performs no I/O and never
// touches the package directory. Processes running as the manager get
// nothing, regardless of scope contents.
func (m *Manager) ModulesForProcess(processName string, uid int) []*model.Module {
	if m.IsManager(uid) {
		return nil
	}
	return m.scopeSnap.Load().scope[model.ProcessKey{ProcessName: processName, UID: uid}]
}

// RetainModulesForProcess is the handshake variant of the lookup: it
// resolves the process's modules and takes a reference on every
// returned handle, so a rebuild that supersedes the snapshot cannot
// close the shared memory while the response is being assembled. The
// caller owes one Release per non-nil handle.
//
// Superseded handles are only released under rebuildMu, so holding it
// across lookup-plus-retain guarantees every handle reachable from
// the current snapshot still carries the cache's own reference when
// the retain lands.
func (m *Manager) RetainModulesForProcess(processName string, uid int) []*model.Module {
	m.rebuildMu.Lock()
	defer m.rebuildMu.Unlock()
	modules := m.ModulesForProcess(processName, uid)
	for _, module := range modules {
		if module.Loaded != nil {
			module.Loaded.Retain()
		}
	}
	return modules
}

// ShouldSkipProcess is the hot-path companion predicate: true when
// nothing would be injected into the process, so the caller can skip
// the application-service handshake entirely.
func (m *Manager) ShouldSkipProcess(key model.ProcessKey) bool {
	if m.IsManager(key.UID) {
		return false
	}
	_, hooked := m.scopeSnap.Load().scope[key]
	return !hooked
}

// IsUIDHooked reports whether any cached process scope resolves to
// the given uid.
func (m *Manager) IsUIDHooked(uid int) bool {
	for key := range m.scopeSnap.Load().scope {
		if key.UID == uid {
			return true
		}
	}
	return false
}

// CachedModule returns the module cache entry for pkg, if present.
func (m *Manager) CachedModule(pkg string) (*model.Module, bool) {
	module, ok := m.moduleSnap.Load().modules[pkg]
	return module, ok
}

// ModuleByUID finds a cached module whose app id matches uid. Linear
// scan; not for the hot path.
func (m *Manager) ModuleByUID(uid int) (*model.Module, bool) {
	appID := model.AppID(uid)
	for _, module := range m.moduleSnap.Load().modules {
		if module.AppID != -1 && module.AppID == appID {
			return module, true
		}
	}
	return nil, false
}

// UpdateManager re-resolves the manager app's uid, or forgets it when
// the manager was uninstalled.
func (m *Manager) UpdateManager(ctx context.Context, uninstalled bool) {
	if uninstalled {
		m.managerUID.Store(-1)
		return
	}
	if !m.dir.IsAlive() {
		return
	}
	record, ok, err := pkgdir.LookupAnyUser(m.dir, m.managerPackage)
	if err != nil {
		// Transient lookup failure; keep the last resolved uid rather
		// than dropping the manager exclusion until the next event.
		m.logger.Warn("resolving manager package", "error", err)
		return
	}
	if !ok {
		m.managerUID.Store(-1)
		m.logger.Info("manager is not installed")
		return
	}
	m.managerUID.Store(int64(record.UID))
}

// IsManager reports whether uid belongs to the manager app.
func (m *Manager) IsManager(uid int) bool {
	manager := m.managerUID.Load()
	return manager != -1 && int64(uid) == manager
}

// IsManagerInstalled reports whether the manager uid is known.
func (m *Manager) IsManagerInstalled() bool {
	return m.managerUID.Load() != -1
}

// SetAPI records the injection API the daemon was started under.
func (m *Manager) SetAPI(api string) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.api = api
}

// API returns the recorded injection API name.
func (m *Manager) API() string {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.api
}

// DenyListPackages reads the optional OS-level deny list. Best-effort
// by contract: an absent or disabled integration yields an empty
// list, never an error. Only meaningful under the zygisk API.
func (m *Manager) DenyListPackages() []string {
	if m.API() != "zygisk" {
		return nil
	}
	return store.ReadDenyList(m.denyListDB, m.logger)
}
