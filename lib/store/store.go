// Copyright 2026 The Graft Authors
// SPDX-License-Identifier: Apache-2.0

// Package store is the daemon's durable source of truth: which
// modules are registered, which (app, user) pairs each module is
// scoped to, and per-module preference blobs. Three tables (modules,
// scope, configs) with referential integrity: deleting a module row
// cascades to its scope rows and its config rows.
//
// The configs table joins on the module package name rather than the
// surrogate numeric id, so preference data survives module-row churn
// (uninstall/reinstall keeps the same package name but a fresh mid).
//
// All multi-statement writes run inside an immediate transaction and
// roll back as a unit; a scope replacement is never partially
// committed.
package store

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/graft-framework/graft/lib/model"
	"github.com/graft-framework/graft/lib/sqlitepool"
)

// ReservedModule is the pseudo-module row holding the daemon's own
// global configuration. It is never enabled, never loaded, and never
// removable through the module lifecycle operations.
const ReservedModule = "graftd"

// Config holds the parameters for opening a store.
type Config struct {
	// Path is the SQLite database file.
	Path string

	// PoolSize is the connection pool size. Defaults to 4.
	PoolSize int

	// Logger receives operational messages.
	Logger *slog.Logger
}

// Store wraps the daemon database. Safe for concurrent use.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// ModuleRow is one registered module as persisted.
type ModuleRow struct {
	PackageName string
	ApkPath     string
}

// ScopeRow is one scope join row as persisted.
type ScopeRow struct {
	ModulePackage string
	AppPackage    string
	UserID        int
}

// Open opens (creating if necessary) the daemon database and brings
// its schema up to the current version.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	s := &Store{pool: pool, logger: logger}
	conn, err := pool.Take(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: %w", err)
	}
	s.migrate(conn)
	pool.Put(conn)
	return s, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error { return s.pool.Close() }

// SchemaVersion reads the current schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)
	return userVersion(conn)
}

func userVersion(conn *sqlite.Conn) (int, error) {
	var version int
	err := sqlitex.ExecuteTransient(conn, "PRAGMA user_version", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			version = stmt.ColumnInt(0)
			return nil
		},
	})
	return version, err
}

const schemaModules = `CREATE TABLE IF NOT EXISTS modules (
	mid INTEGER PRIMARY KEY AUTOINCREMENT,
	module_pkg_name TEXT NOT NULL UNIQUE,
	apk_path TEXT NOT NULL,
	enabled BOOLEAN DEFAULT 0 CHECK (enabled IN (0, 1))
);`

const schemaScope = `CREATE TABLE IF NOT EXISTS scope (
	mid INTEGER,
	app_pkg_name TEXT NOT NULL,
	user_id INTEGER NOT NULL,
	PRIMARY KEY (mid, app_pkg_name, user_id),
	CONSTRAINT scope_module_constraint
		FOREIGN KEY (mid) REFERENCES modules (mid) ON DELETE CASCADE
);`

const schemaConfigs = `CREATE TABLE IF NOT EXISTS configs (
	module_pkg_name TEXT NOT NULL,
	user_id INTEGER NOT NULL,
	"group" TEXT NOT NULL,
	"key" TEXT NOT NULL,
	data BLOB NOT NULL,
	PRIMARY KEY (module_pkg_name, user_id, "group", "key"),
	CONSTRAINT config_module_constraint
		FOREIGN KEY (module_pkg_name) REFERENCES modules (module_pkg_name) ON DELETE CASCADE
);`

// migrate applies schema migrations in order. Every step is guarded
// (IF NOT EXISTS, conflict-ignore) so re-running a partially applied
// step is safe, and a failing step is logged rather than fatal: the
// daemon keeps going with whatever schema succeeded.
func (s *Store) migrate(conn *sqlite.Conn) {
	version, err := userVersion(conn)
	if err != nil {
		s.logger.Error("reading schema version", "error", err)
		return
	}

	type migration struct {
		to    int
		apply func(conn *sqlite.Conn) error
	}
	migrations := []migration{
		{1, migrateInitial},
		{2, migrateConfigIndex},
	}

	for _, m := range migrations {
		if version >= m.to {
			continue
		}
		if err := runMigration(conn, m.to, m.apply); err != nil {
			s.logger.Error("schema migration failed", "to_version", m.to, "error", err)
			return
		}
		version = m.to
		s.logger.Info("schema migrated", "version", version)
	}
}

// runMigration executes one step inside a transaction, bumping
// user_version on success.
func runMigration(conn *sqlite.Conn, to int, apply func(*sqlite.Conn) error) (err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return err
	}
	defer endTransaction(&err)

	if err = apply(conn); err != nil {
		return err
	}
	return sqlitex.ExecuteTransient(conn, fmt.Sprintf("PRAGMA user_version = %d", to), nil)
}

func migrateInitial(conn *sqlite.Conn) error {
	for _, schema := range []string{schemaModules, schemaScope, schemaConfigs} {
		if err := sqlitex.ExecuteTransient(conn, schema, nil); err != nil {
			return err
		}
	}
	// Reserved row for the daemon's own configuration. The apk_path
	// column is NOT NULL, so it stores an empty placeholder.
	return sqlitex.ExecuteTransient(conn,
		`INSERT INTO modules (module_pkg_name, apk_path) VALUES (?, '')
		 ON CONFLICT (module_pkg_name) DO NOTHING`,
		&sqlitex.ExecOptions{Args: []any{ReservedModule}})
}

func migrateConfigIndex(conn *sqlite.Conn) error {
	return sqlitex.ExecuteTransient(conn,
		`CREATE INDEX IF NOT EXISTS configs_idx ON configs (module_pkg_name, user_id)`, nil)
}

// withConn borrows a connection for fn.
func (s *Store) withConn(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return fn(conn)
}

// withTx borrows a connection and runs fn inside an immediate
// transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return err
		}
		defer endTransaction(&err)
		return fn(conn)
	})
}

// InsertModuleIgnore inserts a module row, keeping any existing row
// (and therefore its autoincrement mid and enabled flag) untouched.
// Reports whether a row was inserted.
func (s *Store) InsertModuleIgnore(ctx context.Context, pkg, apkPath string) (bool, error) {
	inserted := false
	err := s.withTx(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`INSERT INTO modules (module_pkg_name, apk_path) VALUES (?, ?)
			 ON CONFLICT (module_pkg_name) DO NOTHING`,
			&sqlitex.ExecOptions{Args: []any{pkg, apkPath}})
		inserted = conn.Changes() > 0
		return err
	})
	return inserted, err
}

// UpdateApkPath rewrites an existing module row's archive path.
// Unless force is set, an equal path is left untouched so the caller
// can tell a real change from a no-op. Reports whether a row changed.
func (s *Store) UpdateApkPath(ctx context.Context, pkg, apkPath string, force bool) (bool, error) {
	query := `UPDATE modules SET apk_path = ? WHERE module_pkg_name = ? AND apk_path != ?`
	args := []any{apkPath, pkg, apkPath}
	if force {
		query = `UPDATE modules SET apk_path = ? WHERE module_pkg_name = ?`
		args = args[:2]
	}
	updated := false
	err := s.withTx(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args})
		updated = conn.Changes() > 0
		return err
	})
	return updated, err
}

// SetEnabled flips a module's enabled flag. Reports whether a row
// changed (false when the module is unknown).
func (s *Store) SetEnabled(ctx context.Context, pkg string, enabled bool) (bool, error) {
	value := 0
	if enabled {
		value = 1
	}
	changed := false
	err := s.withTx(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`UPDATE modules SET enabled = ? WHERE module_pkg_name = ?`,
			&sqlitex.ExecOptions{Args: []any{value, pkg}})
		changed = conn.Changes() > 0
		return err
	})
	return changed, err
}

// DeleteModule removes a module row; scope rows cascade, config rows
// cascade through the package-name foreign key. Reports whether a row
// was deleted.
func (s *Store) DeleteModule(ctx context.Context, pkg string) (bool, error) {
	deleted := false
	err := s.withTx(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`DELETE FROM modules WHERE module_pkg_name = ?`,
			&sqlitex.ExecOptions{Args: []any{pkg}})
		deleted = conn.Changes() > 0
		return err
	})
	return deleted, err
}

// ModuleID resolves a package name to its surrogate row id.
func (s *Store) ModuleID(ctx context.Context, pkg string) (int64, bool, error) {
	var id int64
	found := false
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT mid FROM modules WHERE module_pkg_name = ?`,
			&sqlitex.ExecOptions{
				Args: []any{pkg},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					id = stmt.ColumnInt64(0)
					found = true
					return nil
				},
			})
	})
	return id, found, err
}

// IsEnabled reports a module's persisted enabled flag.
func (s *Store) IsEnabled(ctx context.Context, pkg string) (bool, error) {
	enabled := false
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT enabled FROM modules WHERE module_pkg_name = ?`,
			&sqlitex.ExecOptions{
				Args: []any{pkg},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					enabled = stmt.ColumnInt(0) == 1
					return nil
				},
			})
	})
	return enabled, err
}

// EnabledModules lists enabled module rows, excluding the reserved
// pseudo-module.
func (s *Store) EnabledModules(ctx context.Context) ([]ModuleRow, error) {
	var rows []ModuleRow
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT module_pkg_name, apk_path FROM modules
			 WHERE enabled = 1 AND module_pkg_name != ?`,
			&sqlitex.ExecOptions{
				Args: []any{ReservedModule},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					rows = append(rows, ModuleRow{
						PackageName: stmt.ColumnText(0),
						ApkPath:     stmt.ColumnText(1),
					})
					return nil
				},
			})
	})
	return rows, err
}

// ReplaceScope atomically replaces the full scope set of module mid.
// Rows for the system pseudo-package with a non-zero user are dropped;
// duplicates in apps collapse through conflict-ignore. Delete and
// insert are one transaction, so a failed replacement leaves the prior
// scope intact.
func (s *Store) ReplaceScope(ctx context.Context, mid int64, apps []model.Application) error {
	return s.withTx(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn,
			`DELETE FROM scope WHERE mid = ?`,
			&sqlitex.ExecOptions{Args: []any{mid}}); err != nil {
			return err
		}
		for _, app := range apps {
			if app.PackageName == model.SystemPackage && app.UserID != 0 {
				continue
			}
			if err := sqlitex.Execute(conn,
				`INSERT INTO scope (mid, app_pkg_name, user_id) VALUES (?, ?, ?)
				 ON CONFLICT (mid, app_pkg_name, user_id) DO NOTHING`,
				&sqlitex.ExecOptions{Args: []any{mid, app.PackageName, app.UserID}}); err != nil {
				return err
			}
		}
		return nil
	})
}

// AddScope inserts one scope row. Rejects the system pseudo-package
// with a non-zero user.
func (s *Store) AddScope(ctx context.Context, mid int64, app model.Application) (bool, error) {
	if app.PackageName == model.SystemPackage && app.UserID != 0 {
		return false, nil
	}
	added := false
	err := s.withTx(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`INSERT INTO scope (mid, app_pkg_name, user_id) VALUES (?, ?, ?)
			 ON CONFLICT (mid, app_pkg_name, user_id) DO NOTHING`,
			&sqlitex.ExecOptions{Args: []any{mid, app.PackageName, app.UserID}})
		added = conn.Changes() > 0
		return err
	})
	return added, err
}

// RemoveScope deletes one scope row.
func (s *Store) RemoveScope(ctx context.Context, mid int64, app model.Application) (bool, error) {
	removed := false
	err := s.withTx(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`DELETE FROM scope WHERE mid = ? AND app_pkg_name = ? AND user_id = ?`,
			&sqlitex.ExecOptions{Args: []any{mid, app.PackageName, app.UserID}})
		removed = conn.Changes() > 0
		return err
	})
	return removed, err
}

// ScopeOf lists the persisted scope of a module by package name.
func (s *Store) ScopeOf(ctx context.Context, pkg string) ([]model.Application, error) {
	var apps []model.Application
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT app_pkg_name, user_id FROM scope
			 INNER JOIN modules ON scope.mid = modules.mid
			 WHERE modules.module_pkg_name = ?`,
			&sqlitex.ExecOptions{
				Args: []any{pkg},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					apps = append(apps, model.Application{
						PackageName: stmt.ColumnText(0),
						UserID:      stmt.ColumnInt(1),
					})
					return nil
				},
			})
	})
	return apps, err
}

// EnabledScopeRows lists every scope row belonging to an enabled
// module, joined back to the module package name. This is the scope
// rebuild's input enumeration, a read-only scan outside any
// transaction.
func (s *Store) EnabledScopeRows(ctx context.Context) ([]ScopeRow, error) {
	var rows []ScopeRow
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT app_pkg_name, module_pkg_name, user_id FROM scope
			 INNER JOIN modules ON scope.mid = modules.mid
			 WHERE enabled = 1`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					rows = append(rows, ScopeRow{
						AppPackage:    stmt.ColumnText(0),
						ModulePackage: stmt.ColumnText(1),
						UserID:        stmt.ColumnInt(2),
					})
					return nil
				},
			})
	})
	return rows, err
}

// DeleteScopeForApp removes every scope row targeting (appPkg, user),
// across all modules. Self-healing for uninstalled target apps.
func (s *Store) DeleteScopeForApp(ctx context.Context, appPkg string, userID int) (bool, error) {
	deleted := false
	err := s.withTx(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`DELETE FROM scope WHERE app_pkg_name = ? AND user_id = ?`,
			&sqlitex.ExecOptions{Args: []any{appPkg, userID}})
		deleted = conn.Changes() > 0
		return err
	})
	return deleted, err
}

// DeleteScopeForModuleUser removes a module's scope rows for one user.
// Self-healing for a module that disappeared from that user profile.
func (s *Store) DeleteScopeForModuleUser(ctx context.Context, modulePkg string, userID int) (bool, error) {
	mid, found, err := s.ModuleID(ctx, modulePkg)
	if err != nil || !found {
		return false, err
	}
	deleted := false
	err = s.withTx(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`DELETE FROM scope WHERE mid = ? AND user_id = ?`,
			&sqlitex.ExecOptions{Args: []any{mid, userID}})
		deleted = conn.Changes() > 0
		return err
	})
	return deleted, err
}

// EnabledModulesForApp lists the enabled modules scoped to appPkg,
// used for the system-server query path that runs before the caches
// are warm.
func (s *Store) EnabledModulesForApp(ctx context.Context, appPkg string) ([]ModuleRow, error) {
	var rows []ModuleRow
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT module_pkg_name, apk_path FROM scope
			 INNER JOIN modules ON scope.mid = modules.mid
			 WHERE app_pkg_name = ? AND enabled = 1`,
			&sqlitex.ExecOptions{
				Args: []any{appPkg},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					rows = append(rows, ModuleRow{
						PackageName: stmt.ColumnText(0),
						ApkPath:     stmt.ColumnText(1),
					})
					return nil
				},
			})
	})
	return rows, err
}
