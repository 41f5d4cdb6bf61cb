// Copyright 2026 The Graft Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/graft-framework/graft/lib/model"
	"github.com/graft-framework/graft/lib/service"
)

// moduleBlockInfo describes one shared-memory code block. The block's
// descriptor travels in the same response message; blocks appear in
// the descriptor list in the order the modules and blocks are listed.
type moduleBlockInfo struct {
	Name string `cbor:"name"`
	Size int64  `cbor:"size"`
}

type moduleInfo struct {
	PackageName  string            `cbor:"package_name"`
	ApkPath      string            `cbor:"apk_path"`
	Legacy       bool              `cbor:"legacy"`
	ClassNames   []string          `cbor:"class_names"`
	LibraryNames []string          `cbor:"library_names,omitempty"`
	Blocks       []moduleBlockInfo `cbor:"blocks"`
}

type appStartResponse struct {
	Modules   []moduleInfo `cbor:"modules"`
	Obfuscate bool         `cbor:"obfuscate"`
	MiscPath  string       `cbor:"misc_path"`
}

// handleAppStart is the process-start handshake. The injected stub in
// a freshly forked process asks for its module list; the caller's uid
// comes from the socket, the process name from the request. Processes
// with nothing to inject get a refusal rather than an empty list so
// the stub can unload immediately.
func (d *daemonService) handleAppStart(_ context.Context, caller service.Caller, raw []byte) (any, error) {
	req, err := decode[struct {
		ProcessName string `cbor:"process_name"`
	}](raw)
	if err != nil {
		return nil, err
	}
	if req.ProcessName == "" {
		return nil, fmt.Errorf("missing required field: process_name")
	}

	modules := d.manager.RetainModulesForProcess(req.ProcessName, caller.UID)
	if len(modules) == 0 {
		return nil, fmt.Errorf("no module scopes process %s/%d", req.ProcessName, caller.UID)
	}
	if !d.registry.Register(caller.UID, caller.PID, req.ProcessName) {
		releaseModules(modules)
		return nil, fmt.Errorf("process %d/%d already registered", caller.UID, caller.PID)
	}

	result := d.modulePayload(modules)
	d.logger.Info("process handshake",
		"process", req.ProcessName,
		"uid", caller.UID,
		"pid", caller.PID,
		"modules", len(modules),
	)
	return result, nil
}

// releaseModules drops the references the retained lookup handed out.
func releaseModules(modules []*model.Module) {
	for _, module := range modules {
		if module.Loaded != nil {
			module.Loaded.Release()
		}
	}
}

// modulePayload serializes a module list for an injection handshake.
// The handles arrive already retained by the lookup, so a concurrent
// cache rebuild cannot close the shared memory mid-transfer; the
// references are dropped once the response (with the block
// descriptors) has been sent. The block descriptors themselves stay
// owned by the handles.
func (d *daemonService) modulePayload(modules []*model.Module) *service.FileResult {
	response := appStartResponse{
		Obfuscate: d.manager.DexObfuscate(),
		MiscPath:  d.manager.MiscPath(),
	}
	var files []*os.File
	var retained []model.LoadedModule
	for _, module := range modules {
		loaded := module.Loaded
		if loaded == nil {
			continue
		}
		retained = append(retained, loaded)
		info := moduleInfo{
			PackageName:  module.PackageName,
			ApkPath:      module.ApkPath,
			Legacy:       loaded.Legacy(),
			ClassNames:   loaded.ClassNames(),
			LibraryNames: loaded.LibraryNames(),
		}
		for _, block := range loaded.Blocks() {
			info.Blocks = append(info.Blocks, moduleBlockInfo{
				Name: block.Name(),
				Size: block.Size(),
			})
			files = append(files, block.File())
		}
		response.Modules = append(response.Modules, info)
	}
	return &service.FileResult{
		Data:  response,
		Files: files,
		Close: func() {
			for _, loaded := range retained {
				loaded.Release()
			}
		},
	}
}

func (d *daemonService) handleAppHeartbeat(_ context.Context, caller service.Caller, _ []byte) (any, error) {
	if !d.registry.Heartbeat(caller.UID, caller.PID) {
		return nil, fmt.Errorf("process %d/%d is not registered", caller.UID, caller.PID)
	}
	return nil, nil
}

func (d *daemonService) handleAppExit(_ context.Context, caller service.Caller, _ []byte) (any, error) {
	d.registry.Unregister(caller.UID, caller.PID)
	return nil, nil
}

// handleAppLog appends a line from module code to the modules log,
// or to the verbose log when the request asks for it and verbose
// logging is on.
func (d *daemonService) handleAppLog(_ context.Context, caller service.Caller, raw []byte) (any, error) {
	req, err := decode[struct {
		Message string `cbor:"message"`
		Verbose bool   `cbor:"verbose,omitempty"`
	}](raw)
	if err != nil {
		return nil, err
	}
	if !d.registry.IsRegistered(caller.UID, caller.PID) {
		return nil, fmt.Errorf("process %d/%d is not registered", caller.UID, caller.PID)
	}
	line := []byte(fmt.Sprintf("[%d/%d] %s", caller.UID, caller.PID, req.Message))
	if req.Verbose {
		if !d.manager.VerboseLog() {
			return nil, nil
		}
		return nil, d.logs.WriteVerbose(line)
	}
	return nil, d.logs.WriteModules(line)
}

// handleAppPrefs lets an injected process read a module's preference
// group. Callers may read preferences of modules that scope them, or
// of a module running as their own uid.
func (d *daemonService) handleAppPrefs(ctx context.Context, caller service.Caller, raw []byte) (any, error) {
	req, err := decode[prefsRequest](raw)
	if err != nil {
		return nil, err
	}
	module, ok := d.manager.CachedModule(req.Package)
	if !ok {
		return nil, fmt.Errorf("%s is not a cached module", req.Package)
	}
	selfRead := module.AppID != -1 && model.AppID(module.AppID) == model.AppID(caller.UID)
	if !selfRead && !d.manager.IsUIDHooked(caller.UID) {
		return nil, fmt.Errorf("uid %d may not read preferences of %s", caller.UID, req.Package)
	}
	return d.manager.GetModulePrefs(ctx, req.Package, model.UserID(caller.UID), req.Group)
}

// handleSystemSkip answers the system server's pre-cache query.
func (d *daemonService) handleSystemSkip(ctx context.Context, _ service.Caller, _ []byte) (any, error) {
	return d.manager.ShouldSkipSystemServer(ctx), nil
}

// handleSystemModules hands the system server its module list
// straight from the store, bypassing the scope cache.
func (d *daemonService) handleSystemModules(ctx context.Context, caller service.Caller, _ []byte) (any, error) {
	modules := d.manager.ModulesForSystemServer(ctx)
	d.logger.Info("system server handshake", "pid", caller.PID, "modules", len(modules))
	return d.modulePayload(modules), nil
}
