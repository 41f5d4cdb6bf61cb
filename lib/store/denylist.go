// Copyright 2026 The Graft Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"log/slog"
	"os"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// ReadDenyList reads the package deny list from an external database
// the daemon does not own. Best-effort by contract: a missing file, a
// disabled deny-list switch, or any read error yields an empty list,
// never a failure of the calling operation.
//
// The external schema: a settings table with a "denylist" key whose
// non-zero value enables the feature, and a denylist table of package
// names.
func ReadDenyList(path string, logger *slog.Logger) []string {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	conn, err := sqlite.OpenConn(path, sqlite.OpenReadOnly)
	if err != nil {
		logger.Warn("opening deny-list database", "path", path, "error", err)
		return nil
	}
	defer conn.Close()

	enabled := false
	err = sqlitex.Execute(conn,
		`SELECT value FROM settings WHERE "key" = 'denylist'`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				enabled = stmt.ColumnInt(0) != 0
				return nil
			},
		})
	if err != nil || !enabled {
		if err != nil {
			logger.Warn("reading deny-list switch", "error", err)
		}
		return nil
	}

	var packages []string
	err = sqlitex.Execute(conn,
		`SELECT DISTINCT package_name FROM denylist`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				packages = append(packages, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		logger.Warn("reading deny-list packages", "error", err)
		return nil
	}
	return packages
}
