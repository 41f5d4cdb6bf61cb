// Copyright 2026 The Graft Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"path/filepath"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/graft-framework/graft/lib/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), Config{
		Path: filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpenIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")

	first, err := Open(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if _, err := first.InsertModuleIgnore(ctx, "com.example.mod", "/apk/a.apk"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	first.Close()

	second, err := Open(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer second.Close()

	version, err := second.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if version != 2 {
		t.Fatalf("schema version = %d, want 2", version)
	}
	if _, ok, err := second.ModuleID(ctx, "com.example.mod"); err != nil || !ok {
		t.Fatalf("module lost across reopen: ok=%v err=%v", ok, err)
	}
}

func TestReservedModuleRow(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	_, ok, err := store.ModuleID(ctx, ReservedModule)
	if err != nil {
		t.Fatalf("module id: %v", err)
	}
	if !ok {
		t.Fatal("reserved pseudo-module row missing after migration")
	}

	rows, err := store.EnabledModules(ctx)
	if err != nil {
		t.Fatalf("enabled modules: %v", err)
	}
	for _, row := range rows {
		if row.PackageName == ReservedModule {
			t.Fatal("reserved pseudo-module listed as enabled")
		}
	}
}

func TestInsertIgnorePreservesModuleID(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	inserted, err := store.InsertModuleIgnore(ctx, "com.example.mod", "/apk/v1.apk")
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}
	mid, _, err := store.ModuleID(ctx, "com.example.mod")
	if err != nil {
		t.Fatalf("module id: %v", err)
	}

	inserted, err = store.InsertModuleIgnore(ctx, "com.example.mod", "/apk/v2.apk")
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if inserted {
		t.Fatal("second insert reported a new row")
	}
	updated, err := store.UpdateApkPath(ctx, "com.example.mod", "/apk/v2.apk", false)
	if err != nil || !updated {
		t.Fatalf("update: updated=%v err=%v", updated, err)
	}

	after, _, err := store.ModuleID(ctx, "com.example.mod")
	if err != nil {
		t.Fatalf("module id after update: %v", err)
	}
	if after != mid {
		t.Fatalf("module id changed across path update: %d -> %d", mid, after)
	}
}

func TestUpdateApkPathSkipsEqualUnlessForced(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	if _, err := store.InsertModuleIgnore(ctx, "com.example.mod", "/apk/v1.apk"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	updated, err := store.UpdateApkPath(ctx, "com.example.mod", "/apk/v1.apk", false)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated {
		t.Fatal("equal path reported as a change")
	}

	updated, err = store.UpdateApkPath(ctx, "com.example.mod", "/apk/v1.apk", true)
	if err != nil {
		t.Fatalf("forced update: %v", err)
	}
	if !updated {
		t.Fatal("forced update did not touch the row")
	}
}

func TestEnabledModulesExcludesDisabled(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	for _, pkg := range []string{"com.example.a", "com.example.b"} {
		if _, err := store.InsertModuleIgnore(ctx, pkg, "/apk/"+pkg); err != nil {
			t.Fatalf("insert %s: %v", pkg, err)
		}
	}
	if _, err := store.SetEnabled(ctx, "com.example.a", true); err != nil {
		t.Fatalf("enable: %v", err)
	}

	rows, err := store.EnabledModules(ctx)
	if err != nil {
		t.Fatalf("enabled modules: %v", err)
	}
	if len(rows) != 1 || rows[0].PackageName != "com.example.a" {
		t.Fatalf("enabled modules = %v, want only com.example.a", rows)
	}

	enabled, err := store.IsEnabled(ctx, "com.example.b")
	if err != nil {
		t.Fatalf("is enabled: %v", err)
	}
	if enabled {
		t.Fatal("com.example.b reported enabled")
	}
}

func TestReplaceScopeIsAtomicAndFiltersSystemRows(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	if _, err := store.InsertModuleIgnore(ctx, "com.example.mod", "/apk/a.apk"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	mid, _, err := store.ModuleID(ctx, "com.example.mod")
	if err != nil {
		t.Fatalf("module id: %v", err)
	}

	err = store.ReplaceScope(ctx, mid, []model.Application{
		{PackageName: "com.victim.one", UserID: 0},
		{PackageName: "com.victim.one", UserID: 10},
		{PackageName: model.SystemPackage, UserID: 0},
		{PackageName: model.SystemPackage, UserID: 10},
	})
	if err != nil {
		t.Fatalf("replace scope: %v", err)
	}

	scope, err := store.ScopeOf(ctx, "com.example.mod")
	if err != nil {
		t.Fatalf("scope of: %v", err)
	}
	if len(scope) != 3 {
		t.Fatalf("scope has %d rows, want 3 (system row outside user 0 dropped): %v", len(scope), scope)
	}
	for _, app := range scope {
		if app.PackageName == model.SystemPackage && app.UserID != 0 {
			t.Fatalf("system package persisted for user %d", app.UserID)
		}
	}

	// A second replace fully supersedes the first.
	err = store.ReplaceScope(ctx, mid, []model.Application{
		{PackageName: "com.victim.two", UserID: 0},
	})
	if err != nil {
		t.Fatalf("second replace: %v", err)
	}
	scope, err = store.ScopeOf(ctx, "com.example.mod")
	if err != nil {
		t.Fatalf("scope of: %v", err)
	}
	if len(scope) != 1 || scope[0].PackageName != "com.victim.two" {
		t.Fatalf("scope after replace = %v", scope)
	}
}

func TestEnabledScopeRowsJoinsOnEnabled(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	for _, pkg := range []string{"com.example.on", "com.example.off"} {
		if _, err := store.InsertModuleIgnore(ctx, pkg, "/apk/"+pkg); err != nil {
			t.Fatalf("insert: %v", err)
		}
		mid, _, err := store.ModuleID(ctx, pkg)
		if err != nil {
			t.Fatalf("module id: %v", err)
		}
		err = store.ReplaceScope(ctx, mid, []model.Application{
			{PackageName: "com.victim", UserID: 0},
		})
		if err != nil {
			t.Fatalf("replace scope: %v", err)
		}
	}
	if _, err := store.SetEnabled(ctx, "com.example.on", true); err != nil {
		t.Fatalf("enable: %v", err)
	}

	rows, err := store.EnabledScopeRows(ctx)
	if err != nil {
		t.Fatalf("enabled scope rows: %v", err)
	}
	if len(rows) != 1 || rows[0].ModulePackage != "com.example.on" {
		t.Fatalf("scope rows = %v, want only com.example.on", rows)
	}
}

func TestDeleteModuleCascades(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	if _, err := store.InsertModuleIgnore(ctx, "com.example.mod", "/apk/a.apk"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	mid, _, err := store.ModuleID(ctx, "com.example.mod")
	if err != nil {
		t.Fatalf("module id: %v", err)
	}
	err = store.ReplaceScope(ctx, mid, []model.Application{
		{PackageName: "com.victim", UserID: 0},
	})
	if err != nil {
		t.Fatalf("replace scope: %v", err)
	}
	if err := store.PutConfigValue(ctx, "com.example.mod", 0, "settings", "color", []byte{0x01}); err != nil {
		t.Fatalf("put config: %v", err)
	}

	deleted, err := store.DeleteModule(ctx, "com.example.mod")
	if err != nil || !deleted {
		t.Fatalf("delete: deleted=%v err=%v", deleted, err)
	}

	scope, err := store.ScopeOf(ctx, "com.example.mod")
	if err != nil {
		t.Fatalf("scope of: %v", err)
	}
	if len(scope) != 0 {
		t.Fatalf("scope rows survived module deletion: %v", scope)
	}
	values, err := store.FetchConfig(ctx, "com.example.mod", 0)
	if err != nil {
		t.Fatalf("fetch config: %v", err)
	}
	if len(values) != 0 {
		t.Fatalf("config rows survived module deletion: %v", values)
	}
}

func TestDeleteScopeForAppAndModuleUser(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	if _, err := store.InsertModuleIgnore(ctx, "com.example.mod", "/apk/a.apk"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	mid, _, err := store.ModuleID(ctx, "com.example.mod")
	if err != nil {
		t.Fatalf("module id: %v", err)
	}
	err = store.ReplaceScope(ctx, mid, []model.Application{
		{PackageName: "com.victim", UserID: 0},
		{PackageName: "com.victim", UserID: 10},
		{PackageName: "com.other", UserID: 10},
	})
	if err != nil {
		t.Fatalf("replace scope: %v", err)
	}

	if _, err := store.DeleteScopeForApp(ctx, "com.victim", 10); err != nil {
		t.Fatalf("delete for app: %v", err)
	}
	scope, _ := store.ScopeOf(ctx, "com.example.mod")
	if len(scope) != 2 {
		t.Fatalf("scope after app delete = %v", scope)
	}

	if _, err := store.DeleteScopeForModuleUser(ctx, "com.example.mod", 10); err != nil {
		t.Fatalf("delete for module user: %v", err)
	}
	scope, _ = store.ScopeOf(ctx, "com.example.mod")
	if len(scope) != 1 || scope[0].UserID != 0 {
		t.Fatalf("scope after module-user delete = %v", scope)
	}
}

func TestConfigValues(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	if _, err := store.InsertModuleIgnore(ctx, "com.example.mod", "/apk/a.apk"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	put := func(group, key string, data []byte) {
		t.Helper()
		if err := store.PutConfigValue(ctx, "com.example.mod", 0, group, key, data); err != nil {
			t.Fatalf("put %s/%s: %v", group, key, err)
		}
	}
	put("settings", "color", []byte("red"))
	put("settings", "size", []byte("12"))
	put("state", "seen", []byte{0x01})

	// Upsert overwrites in place.
	put("settings", "color", []byte("blue"))

	values, err := store.FetchConfig(ctx, "com.example.mod", 0)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(values["settings"]["color"]) != "blue" {
		t.Fatalf("color = %q, want blue", values["settings"]["color"])
	}
	if len(values["settings"]) != 2 || len(values["state"]) != 1 {
		t.Fatalf("unexpected groups: %v", values)
	}

	// Another user's view is empty.
	other, err := store.FetchConfig(ctx, "com.example.mod", 10)
	if err != nil {
		t.Fatalf("fetch user 10: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("user 10 sees %v", other)
	}

	if err := store.DeleteConfigValue(ctx, "com.example.mod", 0, "settings", "size"); err != nil {
		t.Fatalf("delete value: %v", err)
	}
	if err := store.DeleteConfigGroup(ctx, "com.example.mod", 0, "state"); err != nil {
		t.Fatalf("delete group: %v", err)
	}
	values, _ = store.FetchConfig(ctx, "com.example.mod", 0)
	if len(values["settings"]) != 1 || len(values["state"]) != 0 {
		t.Fatalf("after deletes: %v", values)
	}
}

func writeDenyListDB(t *testing.T, enabled bool, packages []string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deny.db")
	conn, err := sqlite.OpenConn(path, sqlite.OpenCreate|sqlite.OpenReadWrite)
	if err != nil {
		t.Fatalf("creating deny-list db: %v", err)
	}
	defer conn.Close()

	script := `CREATE TABLE settings ("key" TEXT PRIMARY KEY, value INTEGER);
CREATE TABLE denylist (package_name TEXT NOT NULL);`
	if err := sqlitex.ExecuteScript(conn, script, nil); err != nil {
		t.Fatalf("schema: %v", err)
	}
	value := 0
	if enabled {
		value = 1
	}
	err = sqlitex.Execute(conn,
		`INSERT INTO settings ("key", value) VALUES ('denylist', ?)`,
		&sqlitex.ExecOptions{Args: []any{value}})
	if err != nil {
		t.Fatalf("settings insert: %v", err)
	}
	for _, pkg := range packages {
		err = sqlitex.Execute(conn,
			`INSERT INTO denylist (package_name) VALUES (?)`,
			&sqlitex.ExecOptions{Args: []any{pkg}})
		if err != nil {
			t.Fatalf("denylist insert: %v", err)
		}
	}
	return path
}

func TestReadDenyList(t *testing.T) {
	path := writeDenyListDB(t, true, []string{"com.bank.app", "com.bank.app", "com.drm.app"})
	packages := ReadDenyList(path, nil)
	if len(packages) != 2 {
		t.Fatalf("packages = %v, want 2 distinct", packages)
	}

	disabled := writeDenyListDB(t, false, []string{"com.bank.app"})
	if got := ReadDenyList(disabled, nil); len(got) != 0 {
		t.Fatalf("disabled switch returned %v", got)
	}

	if got := ReadDenyList(filepath.Join(t.TempDir(), "missing.db"), nil); got != nil {
		t.Fatalf("missing file returned %v", got)
	}

	if got := ReadDenyList("", nil); got != nil {
		t.Fatalf("empty path returned %v", got)
	}
}
