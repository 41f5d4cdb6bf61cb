// Copyright 2026 The Graft Authors
// SPDX-License-Identifier: Apache-2.0

package scopecache

import (
	"fmt"
	"io"
	"sort"

	"github.com/graft-framework/graft/lib/model"
)

// ExportScopes writes a human-readable dump of the current scope
// snapshot, ordered for stable output. Debug surface only.
func (m *Manager) ExportScopes(w io.Writer) error {
	scope := m.scopeSnap.Load().scope

	keys := make([]model.ProcessKey, 0, len(scope))
	for key := range scope {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].UID != keys[j].UID {
			return keys[i].UID < keys[j].UID
		}
		return keys[i].ProcessName < keys[j].ProcessName
	})

	for _, key := range keys {
		modules := scope[key]
		names := make([]string, 0, len(modules))
		for _, module := range modules {
			names = append(names, module.PackageName)
		}
		sort.Strings(names)
		if _, err := fmt.Fprintf(w, "%d %s:", key.UID, key.ProcessName); err != nil {
			return err
		}
		for _, name := range names {
			if _, err := fmt.Fprintf(w, " %s", name); err != nil {
				return err
			}
		}
		if _, err := io.WriteString(w, "\n"); err != nil {
			return err
		}
	}
	return nil
}
