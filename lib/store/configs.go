// Copyright 2026 The Graft Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// ConfigValues is the persisted preference data of one (module, user):
// group -> key -> raw CBOR blob. Decoding is the cache manager's job;
// the store moves opaque bytes.
type ConfigValues map[string]map[string][]byte

// FetchConfig reads all config rows for (pkg, userID).
func (s *Store) FetchConfig(ctx context.Context, pkg string, userID int) (ConfigValues, error) {
	values := make(ConfigValues)
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT "group", "key", data FROM configs
			 WHERE module_pkg_name = ? AND user_id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{pkg, userID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					group := stmt.ColumnText(0)
					key := stmt.ColumnText(1)
					data := make([]byte, stmt.ColumnLen(2))
					stmt.ColumnBytes(2, data)
					byGroup, ok := values[group]
					if !ok {
						byGroup = make(map[string][]byte)
						values[group] = byGroup
					}
					byGroup[key] = data
					return nil
				},
			})
	})
	return values, err
}

// PutConfigValue upserts one preference blob.
func (s *Store) PutConfigValue(ctx context.Context, pkg string, userID int, group, key string, data []byte) error {
	return s.withTx(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO configs (module_pkg_name, user_id, "group", "key", data)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (module_pkg_name, user_id, "group", "key")
			 DO UPDATE SET data = excluded.data`,
			&sqlitex.ExecOptions{Args: []any{pkg, userID, group, key, data}})
	})
}

// DeleteConfigValue removes one preference key.
func (s *Store) DeleteConfigValue(ctx context.Context, pkg string, userID int, group, key string) error {
	return s.withTx(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`DELETE FROM configs
			 WHERE module_pkg_name = ? AND user_id = ? AND "group" = ? AND "key" = ?`,
			&sqlitex.ExecOptions{Args: []any{pkg, userID, group, key}})
	})
}

// DeleteConfigGroup removes a whole preference group.
func (s *Store) DeleteConfigGroup(ctx context.Context, pkg string, userID int, group string) error {
	return s.withTx(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`DELETE FROM configs
			 WHERE module_pkg_name = ? AND user_id = ? AND "group" = ?`,
			&sqlitex.ExecOptions{Args: []any{pkg, userID, group}})
	})
}
