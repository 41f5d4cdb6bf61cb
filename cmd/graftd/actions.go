// Copyright 2026 The Graft Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/graft-framework/graft/lib/codec"
	"github.com/graft-framework/graft/lib/config"
	"github.com/graft-framework/graft/lib/logfiles"
	"github.com/graft-framework/graft/lib/model"
	"github.com/graft-framework/graft/lib/scopecache"
	"github.com/graft-framework/graft/lib/service"
	"github.com/graft-framework/graft/lib/version"
)

// daemonService wires the cache manager, the process registry, and
// the log files behind the socket protocol.
type daemonService struct {
	cfg      *config.Config
	manager  *scopecache.Manager
	registry *service.Registry
	logs     *logfiles.Files
	logger   *slog.Logger
}

func (d *daemonService) registerActions(server *service.SocketServer) {
	// Management surface: manager app, root, or the system uid.
	server.Handle("modules.list", d.privileged(d.handleModulesList))
	server.Handle("modules.enable", d.privileged(d.handleModuleEnable))
	server.Handle("modules.disable", d.privileged(d.handleModuleDisable))
	server.Handle("modules.remove", d.privileged(d.handleModuleRemove))
	server.Handle("scope.get", d.privileged(d.handleScopeGet))
	server.Handle("scope.set", d.privileged(d.handleScopeSet))
	server.Handle("scope.add", d.privileged(d.handleScopeAdd))
	server.Handle("scope.remove", d.privileged(d.handleScopeRemove))
	server.Handle("scope.export", d.privileged(d.handleScopeExport))
	server.Handle("scope.block", d.privileged(d.handleScopeBlock))
	server.Handle("scope.unblock", d.privileged(d.handleScopeUnblock))
	server.Handle("prefs.get", d.privileged(d.handlePrefsGet))
	server.Handle("prefs.update", d.privileged(d.handlePrefsUpdate))
	server.Handle("flags.get", d.privileged(d.handleFlagsGet))
	server.Handle("flags.set", d.privileged(d.handleFlagsSet))
	server.Handle("logs.verbose", d.privileged(d.handleVerboseLog))
	server.Handle("logs.modules", d.privileged(d.handleModulesLog))
	server.Handle("logs.clear", d.privileged(d.handleLogsClear))
	server.Handle("cache.rebuild", d.privileged(d.handleCacheRebuild))
	server.Handle("denylist.get", d.privileged(d.handleDenyList))
	server.Handle("status", d.privileged(d.handleStatus))

	// Platform surface: the package-change notifier runs as root or
	// the system uid, never as the manager.
	server.Handle("packages.event", d.platform(d.handlePackageEvent))
	server.Handle("system.skip", d.platform(d.handleSystemSkip))
	server.Handle("system.modules", d.platform(d.handleSystemModules))

	// Application surface: open to any uid; each handler checks the
	// caller against its own registration and scope.
	server.Handle("app.start", d.handleAppStart)
	server.Handle("app.heartbeat", d.handleAppHeartbeat)
	server.Handle("app.exit", d.handleAppExit)
	server.Handle("app.log", d.handleAppLog)
	server.Handle("app.prefs", d.handleAppPrefs)
}

// privileged restricts an action to root, the system uid, and the
// manager app.
func (d *daemonService) privileged(fn service.ActionFunc) service.ActionFunc {
	return func(ctx context.Context, caller service.Caller, raw []byte) (any, error) {
		if !caller.IsRoot() && caller.UID != d.cfg.SystemUID && !d.manager.IsManager(caller.UID) {
			return nil, fmt.Errorf("permission denied for uid %d", caller.UID)
		}
		return fn(ctx, caller, raw)
	}
}

// platform restricts an action to root and the system uid.
func (d *daemonService) platform(fn service.ActionFunc) service.ActionFunc {
	return func(ctx context.Context, caller service.Caller, raw []byte) (any, error) {
		if !caller.IsRoot() && caller.UID != d.cfg.SystemUID {
			return nil, fmt.Errorf("permission denied for uid %d", caller.UID)
		}
		return fn(ctx, caller, raw)
	}
}

func decode[T any](raw []byte) (T, error) {
	var req T
	if err := codec.Unmarshal(raw, &req); err != nil {
		return req, fmt.Errorf("invalid request: %w", err)
	}
	return req, nil
}

type packageRequest struct {
	Package string `cbor:"package"`
}

func (d *daemonService) handleModulesList(ctx context.Context, _ service.Caller, _ []byte) (any, error) {
	return d.manager.EnabledModules(ctx)
}

func (d *daemonService) handleModuleEnable(ctx context.Context, _ service.Caller, raw []byte) (any, error) {
	req, err := decode[packageRequest](raw)
	if err != nil {
		return nil, err
	}
	return nil, d.manager.EnableModule(ctx, req.Package)
}

func (d *daemonService) handleModuleDisable(ctx context.Context, _ service.Caller, raw []byte) (any, error) {
	req, err := decode[packageRequest](raw)
	if err != nil {
		return nil, err
	}
	return nil, d.manager.DisableModule(ctx, req.Package)
}

func (d *daemonService) handleModuleRemove(ctx context.Context, _ service.Caller, raw []byte) (any, error) {
	req, err := decode[packageRequest](raw)
	if err != nil {
		return nil, err
	}
	return nil, d.manager.RemoveModule(ctx, req.Package)
}

func (d *daemonService) handleScopeGet(ctx context.Context, _ service.Caller, raw []byte) (any, error) {
	req, err := decode[packageRequest](raw)
	if err != nil {
		return nil, err
	}
	return d.manager.GetModuleScope(ctx, req.Package)
}

func (d *daemonService) handleScopeSet(ctx context.Context, _ service.Caller, raw []byte) (any, error) {
	req, err := decode[struct {
		Package string              `cbor:"package"`
		Scope   []model.Application `cbor:"scope"`
	}](raw)
	if err != nil {
		return nil, err
	}
	return nil, d.manager.SetModuleScope(ctx, req.Package, req.Scope)
}

type scopeEntryRequest struct {
	Package string `cbor:"package"`
	App     string `cbor:"app"`
	UserID  int    `cbor:"user_id"`
}

func (d *daemonService) handleScopeAdd(ctx context.Context, _ service.Caller, raw []byte) (any, error) {
	req, err := decode[scopeEntryRequest](raw)
	if err != nil {
		return nil, err
	}
	return nil, d.manager.AddModuleScope(ctx, req.Package, model.Application{
		PackageName: req.App,
		UserID:      req.UserID,
	})
}

func (d *daemonService) handleScopeRemove(ctx context.Context, _ service.Caller, raw []byte) (any, error) {
	req, err := decode[scopeEntryRequest](raw)
	if err != nil {
		return nil, err
	}
	return nil, d.manager.RemoveModuleScope(ctx, req.Package, model.Application{
		PackageName: req.App,
		UserID:      req.UserID,
	})
}

func (d *daemonService) handleScopeExport(_ context.Context, _ service.Caller, _ []byte) (any, error) {
	var out strings.Builder
	if err := d.manager.ExportScopes(&out); err != nil {
		return nil, err
	}
	return out.String(), nil
}

func (d *daemonService) handleScopeBlock(ctx context.Context, _ service.Caller, raw []byte) (any, error) {
	req, err := decode[packageRequest](raw)
	if err != nil {
		return nil, err
	}
	return nil, d.manager.BlockScopeRequest(ctx, req.Package)
}

func (d *daemonService) handleScopeUnblock(ctx context.Context, _ service.Caller, raw []byte) (any, error) {
	req, err := decode[packageRequest](raw)
	if err != nil {
		return nil, err
	}
	d.manager.RemoveBlockedScopeRequest(ctx, req.Package)
	return nil, nil
}

type prefsRequest struct {
	Package string         `cbor:"package"`
	UserID  int            `cbor:"user_id"`
	Group   string         `cbor:"group"`
	Values  map[string]any `cbor:"values,omitempty"`
}

func (d *daemonService) handlePrefsGet(ctx context.Context, _ service.Caller, raw []byte) (any, error) {
	req, err := decode[prefsRequest](raw)
	if err != nil {
		return nil, err
	}
	return d.manager.GetModulePrefs(ctx, req.Package, req.UserID, req.Group)
}

func (d *daemonService) handlePrefsUpdate(ctx context.Context, _ service.Caller, raw []byte) (any, error) {
	req, err := decode[prefsRequest](raw)
	if err != nil {
		return nil, err
	}
	return nil, d.manager.UpdateModulePrefs(ctx, req.Package, req.UserID, req.Group, req.Values)
}

type flagsResponse struct {
	VerboseLog         bool `cbor:"verbose_log"`
	DexObfuscate       bool `cbor:"dex_obfuscate"`
	StatusNotification bool `cbor:"status_notification"`
}

func (d *daemonService) handleFlagsGet(_ context.Context, _ service.Caller, _ []byte) (any, error) {
	return flagsResponse{
		VerboseLog:         d.manager.VerboseLog(),
		DexObfuscate:       d.manager.DexObfuscate(),
		StatusNotification: d.manager.StatusNotification(),
	}, nil
}

func (d *daemonService) handleFlagsSet(ctx context.Context, _ service.Caller, raw []byte) (any, error) {
	req, err := decode[struct {
		Name    string `cbor:"name"`
		Enabled bool   `cbor:"enabled"`
	}](raw)
	if err != nil {
		return nil, err
	}
	switch req.Name {
	case "verbose_log":
		return nil, d.manager.SetVerboseLog(ctx, req.Enabled)
	case "dex_obfuscate":
		return nil, d.manager.SetDexObfuscate(ctx, req.Enabled)
	case "status_notification":
		return nil, d.manager.SetStatusNotification(ctx, req.Enabled)
	default:
		return nil, fmt.Errorf("unknown flag %q", req.Name)
	}
}

func (d *daemonService) handleVerboseLog(_ context.Context, _ service.Caller, _ []byte) (any, error) {
	file, err := d.logs.VerboseHandle()
	if err != nil {
		return nil, err
	}
	return &service.FileResult{Files: []*os.File{file}}, nil
}

func (d *daemonService) handleModulesLog(_ context.Context, _ service.Caller, _ []byte) (any, error) {
	file, err := d.logs.ModulesHandle()
	if err != nil {
		return nil, err
	}
	return &service.FileResult{Files: []*os.File{file}}, nil
}

func (d *daemonService) handleLogsClear(_ context.Context, _ service.Caller, _ []byte) (any, error) {
	return nil, d.logs.Clear()
}

func (d *daemonService) handleCacheRebuild(ctx context.Context, _ service.Caller, _ []byte) (any, error) {
	d.manager.RebuildNow(ctx)
	return d.manager.Stats(), nil
}

func (d *daemonService) handleDenyList(_ context.Context, _ service.Caller, _ []byte) (any, error) {
	return d.manager.DenyListPackages(), nil
}

type statusResponse struct {
	Version          string    `cbor:"version"`
	API              string    `cbor:"api"`
	ManagerInstalled bool      `cbor:"manager_installed"`
	Modules          int       `cbor:"modules"`
	ProcessKeys      int       `cbor:"process_keys"`
	ModulePasses     int64     `cbor:"module_passes"`
	ScopePasses      int64     `cbor:"scope_passes"`
	LastRebuild      time.Time `cbor:"last_rebuild"`
	Registered       int       `cbor:"registered"`
}

func (d *daemonService) handleStatus(_ context.Context, _ service.Caller, _ []byte) (any, error) {
	stats := d.manager.Stats()
	return statusResponse{
		Version:          version.Short(),
		API:              d.manager.API(),
		ManagerInstalled: d.manager.IsManagerInstalled(),
		Modules:          stats.Modules,
		ProcessKeys:      stats.ProcessKeys,
		ModulePasses:     stats.ModulePasses,
		ScopePasses:      stats.ScopePasses,
		LastRebuild:      stats.LastRebuild,
		Registered:       d.registry.Len(),
	}, nil
}

func (d *daemonService) handlePackageEvent(ctx context.Context, _ service.Caller, raw []byte) (any, error) {
	req, err := decode[struct {
		Kind    string `cbor:"kind"`
		Package string `cbor:"package"`
		UID     int    `cbor:"uid"`
	}](raw)
	if err != nil {
		return nil, err
	}
	var kind scopecache.PackageEventKind
	switch req.Kind {
	case "added":
		kind = scopecache.PackageAdded
	case "changed":
		kind = scopecache.PackageChanged
	case "uid-removed":
		kind = scopecache.PackageUIDRemoved
	case "fully-removed":
		kind = scopecache.PackageFullyRemoved
	default:
		return nil, fmt.Errorf("unknown event kind %q", req.Kind)
	}
	d.manager.HandlePackageEvent(ctx, kind, req.Package, req.UID)
	return nil, nil
}
