// Copyright 2026 The Graft Authors
// SPDX-License-Identifier: Apache-2.0

// Graftd is the privileged configuration daemon of the graft
// injection framework. It owns the module/scope database, keeps the
// in-memory caches that answer process-start queries, and serves the
// manager app and injected processes over a Unix socket.
//
// On startup:
//  1. Loads the YAML configuration and takes the single-instance lock.
//  2. Opens (migrating if needed) the SQLite store.
//  3. Warms the module and scope caches synchronously, then starts
//     the cache worker.
//  4. Serves the socket protocol until SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/graft-framework/graft/lib/config"
	"github.com/graft-framework/graft/lib/logfiles"
	"github.com/graft-framework/graft/lib/model"
	"github.com/graft-framework/graft/lib/modload"
	"github.com/graft-framework/graft/lib/pkgdir"
	"github.com/graft-framework/graft/lib/scopecache"
	"github.com/graft-framework/graft/lib/service"
	"github.com/graft-framework/graft/lib/store"
	"github.com/graft-framework/graft/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		api         string
		verbose     bool
		showVersion bool
	)

	pflag.StringVar(&configPath, "config", "/etc/graft/graftd.yaml", "path to the daemon configuration file")
	pflag.StringVar(&api, "api", "(???)", "name of the injection API the daemon was started under")
	pflag.BoolVar(&verbose, "verbose", false, "log at debug level")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Printf("graftd %s\n", version.Info())
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.BaseDir, 0o750); err != nil {
		return fmt.Errorf("creating base directory: %w", err)
	}

	lock, err := acquireLock(cfg.LockPath())
	if err != nil {
		return err
	}
	defer lock.Release()

	db, err := store.Open(ctx, store.Config{
		Path:     cfg.DatabasePath(),
		PoolSize: cfg.PoolSize,
		Logger:   logger.With("component", "store"),
	})
	if err != nil {
		return err
	}
	defer db.Close()

	logs, err := logfiles.Open(logfiles.Config{
		Dir:      cfg.LogDir(),
		MaxBytes: cfg.LogMaxBytes,
		Logger:   logger.With("component", "logfiles"),
	})
	if err != nil {
		return err
	}
	defer logs.Close()

	directory := pkgdir.NewFSDirectory(cfg.PackagesRoot, logger.With("component", "pkgdir"))

	manager := scopecache.New(scopecache.Config{
		Store:          db,
		Directory:      directory,
		Loader:         loadModule,
		Logger:         logger.With("component", "scopecache"),
		ManagerPackage: cfg.ManagerPackage,
		MiscBase:       cfg.BaseDir,
		DenyListDB:     cfg.DenyListDB,
	})
	manager.SetAPI(api)
	manager.Start(ctx)
	defer manager.Close()

	registry := service.NewRegistry(service.RegistryConfig{
		Logger: logger.With("component", "registry"),
	})
	go registry.Run(ctx)

	daemon := &daemonService{
		cfg:      cfg,
		manager:  manager,
		registry: registry,
		logs:     logs,
		logger:   logger,
	}

	server := service.NewSocketServer(cfg.SocketPath, logger.With("component", "socket"))
	daemon.registerActions(server)

	logger.Info("graftd starting",
		"version", version.Short(),
		"api", api,
		"socket", cfg.SocketPath,
	)
	return server.Serve(ctx)
}

// loadModule adapts modload.Load to the cache's loader signature
// without letting a typed nil escape into the interface.
func loadModule(path string) (model.LoadedModule, error) {
	loaded, err := modload.Load(path)
	if err != nil {
		return nil, err
	}
	return loaded, nil
}
