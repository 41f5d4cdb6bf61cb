// Copyright 2026 The Graft Authors
// SPDX-License-Identifier: Apache-2.0

package scopecache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/graft-framework/graft/lib/clock"
	"github.com/graft-framework/graft/lib/model"
	"github.com/graft-framework/graft/lib/pkgdir"
	"github.com/graft-framework/graft/lib/store"
)

// stubModule satisfies model.LoadedModule without kernel shared
// memory, tracking its reference count so tests can observe handle
// lifetimes.
type stubModule struct {
	path string
	refs atomic.Int32
}

func (m *stubModule) ClassNames() []string     { return []string{"test.Entry"} }
func (m *stubModule) LibraryNames() []string   { return nil }
func (m *stubModule) Legacy() bool             { return false }
func (m *stubModule) Blocks() []model.DexBlock { return nil }
func (m *stubModule) Retain()                  { m.refs.Add(1) }

func (m *stubModule) Release() {
	if m.refs.Add(-1) < 0 {
		panic("release of dead stub module")
	}
}

func (m *stubModule) live() bool { return m.refs.Load() > 0 }

// stubLoader counts loads per path and can be told to fail paths.
type stubLoader struct {
	mu     sync.Mutex
	loads  map[string]int
	byPath map[string]*stubModule
	fail   map[string]error
}

func newStubLoader() *stubLoader {
	return &stubLoader{
		loads:  make(map[string]int),
		byPath: make(map[string]*stubModule),
		fail:   make(map[string]error),
	}
}

func (l *stubLoader) load(path string) (model.LoadedModule, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loads[path]++
	if err := l.fail[path]; err != nil {
		return nil, err
	}
	module := &stubModule{path: path}
	module.refs.Store(1)
	l.byPath[path] = module
	return module, nil
}

func (l *stubLoader) loadCount(path string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads[path]
}

func (l *stubLoader) lastLoaded(path string) *stubModule {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.byPath[path]
}

// env wires a manager to a real temp-file store and the in-memory
// directory fake. The rebuild worker is not started; tests drive
// passes synchronously through RebuildNow and rebuild.
type env struct {
	t      *testing.T
	ctx    context.Context
	mgr    *Manager
	store  *store.Store
	dir    *pkgdir.FakeDirectory
	loader *stubLoader
	clk    *clock.FakeClock
	apkDir string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(ctx, store.Config{
		Path: filepath.Join(t.TempDir(), "config.db"),
	})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	dir := pkgdir.NewFakeDirectory()
	dir.AddUser(0)
	loader := newStubLoader()
	clk := clock.Fake(time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC))

	mgr := New(Config{
		Store:          db,
		Directory:      dir,
		Loader:         loader.load,
		Clock:          clk,
		ManagerPackage: "com.graft.manager",
		MiscBase:       t.TempDir(),
	})
	t.Cleanup(mgr.Close)
	mgr.loadGlobalConfig(ctx)

	return &env{
		t:      t,
		ctx:    ctx,
		mgr:    mgr,
		store:  db,
		dir:    dir,
		loader: loader,
		clk:    clk,
		apkDir: t.TempDir(),
	}
}

// writeApk puts an empty archive file on disk so the rebuild pass's
// existence check passes; content is irrelevant to the stub loader.
func (e *env) writeApk(pkg string) string {
	e.t.Helper()
	dir := filepath.Join(e.apkDir, pkg+"-1")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dir, "base.apk")
	if err := os.WriteFile(path, []byte("apk"), 0o644); err != nil {
		e.t.Fatalf("writing apk: %v", err)
	}
	return path
}

func (e *env) installModule(pkg string, userID, uid int) string {
	e.t.Helper()
	apk := e.writeApk(pkg)
	e.dir.Install(userID, pkgdir.FakePackage{
		Record: pkgdir.PackageRecord{
			PackageName: pkg,
			UID:         uid,
			SourceDir:   apk,
		},
		ModuleApk: apk,
	})
	return apk
}

func (e *env) installApp(pkg string, userID, uid int, processes ...string) {
	e.t.Helper()
	e.dir.Install(userID, pkgdir.FakePackage{
		Record: pkgdir.PackageRecord{
			PackageName:  pkg,
			UID:          uid,
			SourceDir:    filepath.Join(e.apkDir, pkg, "base.apk"),
			ProcessNames: processes,
		},
	})
}

// registerModule inserts a bare module row; preference rows hang off
// it through the configs foreign key.
func (e *env) registerModule(pkg string) {
	e.t.Helper()
	if _, err := e.store.InsertModuleIgnore(e.ctx, pkg, "/apk/"+pkg+".apk"); err != nil {
		e.t.Fatalf("registering %s: %v", pkg, err)
	}
}

func (e *env) enableModule(pkg string) {
	e.t.Helper()
	if err := e.mgr.EnableModule(e.ctx, pkg); err != nil {
		e.t.Fatalf("enabling %s: %v", pkg, err)
	}
}

func (e *env) setScope(pkg string, apps ...model.Application) {
	e.t.Helper()
	if err := e.mgr.SetModuleScope(e.ctx, pkg, apps); err != nil {
		e.t.Fatalf("setting scope of %s: %v", pkg, err)
	}
}

func TestEndToEndInjectionLookup(t *testing.T) {
	e := newEnv(t)
	e.installModule("com.mod", 0, 10050)
	e.installApp("com.victim", 0, 10060, "com.victim", "com.victim:push")

	e.enableModule("com.mod")
	e.setScope("com.mod", model.Application{PackageName: "com.victim", UserID: 0})
	e.mgr.RebuildNow(e.ctx)

	for _, process := range []string{"com.victim", "com.victim:push"} {
		modules := e.mgr.ModulesForProcess(process, 10060)
		if len(modules) != 1 || modules[0].PackageName != "com.mod" {
			t.Fatalf("ModulesForProcess(%s) = %v", process, modules)
		}
		if modules[0].Loaded == nil {
			t.Fatalf("module handed out without a loaded handle")
		}
	}

	if e.mgr.ShouldSkipProcess(model.ProcessKey{ProcessName: "com.victim", UID: 10060}) {
		t.Fatal("hooked process reported skippable")
	}
	if !e.mgr.ShouldSkipProcess(model.ProcessKey{ProcessName: "com.victim", UID: 99999}) {
		t.Fatal("unhooked uid not skippable")
	}
	if !e.mgr.IsUIDHooked(10060) {
		t.Fatal("hooked uid not reported")
	}
}

func TestHotPathNeverTouchesDirectory(t *testing.T) {
	e := newEnv(t)
	e.installModule("com.mod", 0, 10050)
	e.installApp("com.victim", 0, 10060, "com.victim")
	e.enableModule("com.mod")
	e.setScope("com.mod", model.Application{PackageName: "com.victim", UserID: 0})
	e.mgr.RebuildNow(e.ctx)

	before := e.dir.Calls.Load()
	for i := 0; i < 1000; i++ {
		e.mgr.ModulesForProcess("com.victim", 10060)
		e.mgr.ShouldSkipProcess(model.ProcessKey{ProcessName: "com.other", UID: 12345})
		e.mgr.IsUIDHooked(10060)
	}
	if after := e.dir.Calls.Load(); after != before {
		t.Fatalf("hot path issued %d directory calls", after-before)
	}
}

func TestManagerUIDIsNeverInjected(t *testing.T) {
	e := newEnv(t)
	e.installApp("com.graft.manager", 0, 10099, "com.graft.manager")
	e.mgr.UpdateManager(e.ctx, false)
	if !e.mgr.IsManager(10099) {
		t.Fatal("manager uid not resolved")
	}

	e.installModule("com.mod", 0, 10050)
	e.enableModule("com.mod")
	e.setScope("com.mod", model.Application{PackageName: "com.graft.manager", UserID: 0})
	e.mgr.RebuildNow(e.ctx)

	if modules := e.mgr.ModulesForProcess("com.graft.manager", 10099); modules != nil {
		t.Fatalf("manager process handed modules: %v", modules)
	}
	// The manager still gets a handshake (it launches through the
	// injection path), it just receives no modules.
	if e.mgr.ShouldSkipProcess(model.ProcessKey{ProcessName: "com.graft.manager", UID: 10099}) {
		t.Fatal("manager process reported skippable")
	}

	e.mgr.UpdateManager(e.ctx, true)
	if e.mgr.IsManagerInstalled() {
		t.Fatal("manager still installed after uninstall update")
	}
}

func TestManagerUIDSurvivesTransientLookupFailure(t *testing.T) {
	e := newEnv(t)
	e.installApp("com.graft.manager", 0, 10099, "com.graft.manager")
	e.mgr.UpdateManager(e.ctx, false)
	if !e.mgr.IsManager(10099) {
		t.Fatal("manager uid not resolved")
	}

	// A lookup failure the liveness pre-check did not predict must not
	// forget the exclusion uid.
	e.dir.FailUsers(func() error { return errors.New("directory hiccup") })
	e.mgr.UpdateManager(e.ctx, false)
	if !e.mgr.IsManager(10099) {
		t.Fatal("transient lookup failure dropped the manager uid")
	}

	// A healthy directory that genuinely does not know the package
	// still clears it.
	e.dir.FailUsers(nil)
	e.dir.Uninstall(0, "com.graft.manager")
	e.mgr.UpdateManager(e.ctx, false)
	if e.mgr.IsManagerInstalled() {
		t.Fatal("uninstalled manager still resolved")
	}
}

func TestRetainedHandshakeHandlesSurviveRebuild(t *testing.T) {
	e := newEnv(t)
	apk := e.installModule("com.mod", 0, 10050)
	e.installApp("com.victim", 0, 10060, "com.victim")
	e.enableModule("com.mod")
	e.setScope("com.mod", model.Application{PackageName: "com.victim", UserID: 0})
	e.mgr.RebuildNow(e.ctx)
	handle := e.loader.lastLoaded(apk)

	modules := e.mgr.RetainModulesForProcess("com.victim", 10060)
	if len(modules) != 1 || modules[0].PackageName != "com.mod" {
		t.Fatalf("retained lookup = %v", modules)
	}

	// The cache drops the module, but the in-flight handshake still
	// owns a reference; the shared memory stays open until released.
	if err := e.mgr.DisableModule(e.ctx, "com.mod"); err != nil {
		t.Fatalf("disabling: %v", err)
	}
	e.mgr.rebuild(e.ctx)
	if !handle.live() {
		t.Fatal("handle closed under an in-flight handshake")
	}

	modules[0].Loaded.Release()
	if handle.live() {
		t.Fatal("handle still open after its last release")
	}
}

func TestRetainedLookupExcludesManager(t *testing.T) {
	e := newEnv(t)
	e.installApp("com.graft.manager", 0, 10099, "com.graft.manager")
	e.mgr.UpdateManager(e.ctx, false)
	e.installModule("com.mod", 0, 10050)
	e.enableModule("com.mod")
	e.setScope("com.mod", model.Application{PackageName: "com.graft.manager", UserID: 0})
	e.mgr.RebuildNow(e.ctx)

	if modules := e.mgr.RetainModulesForProcess("com.graft.manager", 10099); modules != nil {
		t.Fatalf("manager process handed modules: %v", modules)
	}
}

func TestStatsRecordLastRebuildTime(t *testing.T) {
	e := newEnv(t)
	if !e.mgr.Stats().LastRebuild.IsZero() {
		t.Fatal("last rebuild set before any pass")
	}

	e.installModule("com.mod", 0, 10050)
	e.enableModule("com.mod")
	e.mgr.RebuildNow(e.ctx)
	first := e.mgr.Stats().LastRebuild
	if !first.Equal(e.clk.Now()) {
		t.Fatalf("last rebuild = %v, want %v", first, e.clk.Now())
	}

	e.clk.Advance(time.Minute)
	e.mgr.RequestRebuild()
	e.mgr.rebuild(e.ctx)
	if got := e.mgr.Stats().LastRebuild; !got.Equal(first.Add(time.Minute)) {
		t.Fatalf("last rebuild = %v, want %v", got, first.Add(time.Minute))
	}
}

func TestRebuildCoalescing(t *testing.T) {
	e := newEnv(t)
	e.installModule("com.mod", 0, 10050)
	e.enableModule("com.mod")
	e.mgr.RebuildNow(e.ctx)
	passes := e.mgr.Stats().ModulePasses

	for i := 0; i < 10; i++ {
		e.mgr.RequestRebuild()
	}
	e.mgr.rebuild(e.ctx)
	if got := e.mgr.Stats().ModulePasses; got != passes+1 {
		t.Fatalf("module passes = %d, want %d (ten requests, one pass)", got, passes+1)
	}

	// No pending requests: another worker wakeup is a no-op.
	e.mgr.rebuild(e.ctx)
	if got := e.mgr.Stats().ModulePasses; got != passes+1 {
		t.Fatalf("idle rebuild ran a pass: %d", got)
	}
}

func TestScopeOnlyRebuildSkipsModulePass(t *testing.T) {
	e := newEnv(t)
	e.installModule("com.mod", 0, 10050)
	e.enableModule("com.mod")
	e.mgr.RebuildNow(e.ctx)
	stats := e.mgr.Stats()

	e.mgr.RequestScopeRebuild()
	e.mgr.rebuild(e.ctx)

	after := e.mgr.Stats()
	if after.ModulePasses != stats.ModulePasses {
		t.Fatalf("scope-only request ran a module pass")
	}
	if after.ScopePasses != stats.ScopePasses+1 {
		t.Fatalf("scope passes = %d, want %d", after.ScopePasses, stats.ScopePasses+1)
	}
}

func TestSelfScopeFansOutAcrossUsers(t *testing.T) {
	e := newEnv(t)
	e.dir.AddUser(10)
	e.installModule("com.mod", 0, 10050)
	e.enableModule("com.mod")
	// SetModuleScope adds the module's own (pkg, user 0) entry even
	// with an empty explicit scope.
	e.setScope("com.mod")
	e.mgr.RebuildNow(e.ctx)

	if modules := e.mgr.ModulesForProcess("com.mod", 10050); len(modules) != 1 {
		t.Fatalf("module not injected into itself at user 0: %v", modules)
	}
	otherUserUID := 10*model.PerUserRange + 10050
	if modules := e.mgr.ModulesForProcess("com.mod", otherUserUID); len(modules) != 1 {
		t.Fatalf("self scope not fanned out to user 10: %v", modules)
	}

	// The self entry is persisted, not just synthesized at lookup.
	persisted, err := e.store.ScopeOf(e.ctx, "com.mod")
	if err != nil {
		t.Fatalf("reading persisted scope: %v", err)
	}
	found := false
	for _, app := range persisted {
		if app.PackageName == "com.mod" && app.UserID == 0 {
			found = true
		}
	}
	if !found {
		t.Fatalf("self entry missing from persisted scope: %v", persisted)
	}
}

func TestDisableModuleEmptiesLookupButKeepsRow(t *testing.T) {
	e := newEnv(t)
	e.installModule("com.mod", 0, 10050)
	e.installApp("com.victim", 0, 10060, "com.victim")
	e.enableModule("com.mod")
	e.setScope("com.mod", model.Application{PackageName: "com.victim", UserID: 0})
	e.mgr.RebuildNow(e.ctx)

	if err := e.mgr.DisableModule(e.ctx, "com.mod"); err != nil {
		t.Fatalf("disabling: %v", err)
	}
	e.mgr.rebuild(e.ctx)

	if modules := e.mgr.ModulesForProcess("com.victim", 10060); len(modules) != 0 {
		t.Fatalf("disabled module still injected: %v", modules)
	}
	// The row survives with enabled=0 so re-enabling restores the
	// scope without reconfiguration.
	if _, ok, _ := e.store.ModuleID(e.ctx, "com.mod"); !ok {
		t.Fatal("disable deleted the module row")
	}
	enabled, err := e.store.IsEnabled(e.ctx, "com.mod")
	if err != nil || enabled {
		t.Fatalf("enabled = %v, %v", enabled, err)
	}

	e.enableModule("com.mod")
	e.mgr.rebuild(e.ctx)
	if modules := e.mgr.ModulesForProcess("com.victim", 10060); len(modules) != 1 {
		t.Fatalf("re-enable did not restore injection: %v", modules)
	}
}

func TestConcurrentEnableYieldsOneRow(t *testing.T) {
	e := newEnv(t)
	e.installModule("com.mod", 0, 10050)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = e.mgr.EnableModule(e.ctx, "com.mod")
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("enable %d: %v", i, err)
		}
	}

	names, err := e.mgr.EnabledModules(e.ctx)
	if err != nil {
		t.Fatalf("listing modules: %v", err)
	}
	count := 0
	for _, name := range names {
		if name == "com.mod" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("module appears %d times in enabled list", count)
	}
}

func TestGetModuleScopeHidesSelfEntry(t *testing.T) {
	e := newEnv(t)
	e.installModule("com.mod", 0, 10050)
	e.enableModule("com.mod")
	e.setScope("com.mod", model.Application{PackageName: "com.victim", UserID: 0})

	scope, err := e.mgr.GetModuleScope(e.ctx, "com.mod")
	if err != nil {
		t.Fatalf("get scope: %v", err)
	}
	if len(scope) != 1 || scope[0].PackageName != "com.victim" {
		t.Fatalf("scope = %v, want only the explicit entry", scope)
	}

	if scope, err := e.mgr.GetModuleScope(e.ctx, store.ReservedModule); err != nil || scope != nil {
		t.Fatalf("reserved pseudo-module scope = %v, %v", scope, err)
	}
}

func TestSystemPackageRestrictedToUserZero(t *testing.T) {
	e := newEnv(t)
	e.installModule("com.mod", 0, 10050)
	e.enableModule("com.mod")

	err := e.mgr.SetModuleScope(e.ctx, "com.mod", []model.Application{
		{PackageName: model.SystemPackage, UserID: 10},
	})
	if err == nil {
		t.Fatal("system package accepted outside user 0")
	}
	err = e.mgr.AddModuleScope(e.ctx, "com.mod", model.Application{
		PackageName: model.SystemPackage, UserID: 10,
	})
	if err == nil {
		t.Fatal("system package added outside user 0")
	}
	err = e.mgr.AddModuleScope(e.ctx, "com.mod", model.Application{
		PackageName: model.SystemPackage, UserID: 0,
	})
	if err != nil {
		t.Fatalf("system package at user 0 rejected: %v", err)
	}
}

func TestReservedModuleRejectedByLifecycle(t *testing.T) {
	e := newEnv(t)
	if err := e.mgr.EnableModule(e.ctx, store.ReservedModule); err == nil {
		t.Fatal("reserved pseudo-module enabled")
	}
	if err := e.mgr.RemoveModule(e.ctx, store.ReservedModule); err == nil {
		t.Fatal("reserved pseudo-module removed")
	}
	if err := e.mgr.SetModuleScope(e.ctx, store.ReservedModule, nil); err == nil {
		t.Fatal("reserved pseudo-module scoped")
	}
}

func TestExportScopes(t *testing.T) {
	e := newEnv(t)
	e.installModule("com.mod", 0, 10050)
	e.installApp("com.victim", 0, 10060, "com.victim")
	e.enableModule("com.mod")
	e.setScope("com.mod", model.Application{PackageName: "com.victim", UserID: 0})
	e.mgr.RebuildNow(e.ctx)

	var out strings.Builder
	if err := e.mgr.ExportScopes(&out); err != nil {
		t.Fatalf("export: %v", err)
	}
	want := fmt.Sprintf("%d com.victim: com.mod\n", 10060)
	if !strings.Contains(out.String(), want) {
		t.Fatalf("export output %q does not contain %q", out.String(), want)
	}
}
