package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "iinaplus/bridge/backend/api/handlers"
	"iinaplus/bridge/backend/config"
	"iinaplus/bridge/backend/logging"
	"iinaplus/bridge/backend/router"
	"iinaplus/bridge/backend/service/bilibili"
	"iinaplus/bridge/backend/service/danmaku"
	"iinaplus/bridge/backend/service/feed"
	"iinaplus/bridge/backend/service/maintenance"
	"iinaplus/bridge/backend/service/resolver"
	"iinaplus/bridge/backend/store"
)

type App struct {
	cfg         config.Config
	cfgManager  *config.Manager
	store       *store.Store
	pipeline    *resolver.Pipeline
	registry    *danmaku.Registry
	maintenance *maintenance.Service
	server      *http.Server
	routes      []router.Route
	logger      *logging.Manager
}

// New wires every service from the current config. overlay holds the overlay page
// files that are copied into the assets directory.
func New(cfgManager *config.Manager, overlay fs.FS) (*App, error) {
	if cfgManager == nil {
		return nil, fmt.Errorf("config manager is required")
	}
	cfg := cfgManager.Current()
	log.Printf("[config] using config file: %s", cfg.ConfigFile)
	loggerMgr, err := logging.New(cfg)
	if err != nil {
		return nil, err
	}
	storeDB, err := store.Open(cfg.DBPath)
	if err != nil {
		_ = loggerMgr.Close()
		return nil, err
	}
	fail := func(err error) (*App, error) {
		storeDB.Close()
		_ = loggerMgr.Close()
		return nil, err
	}

	assetsDir := cfg.AssetsDir()
	if err := materializeOverlay(overlay, assetsDir); err != nil {
		return fail(fmt.Errorf("prepare overlay files failed: %w", err))
	}
	if cfg.BlockListEnabled() {
		if _, err := feed.ImportBlockListFile(context.Background(), storeDB, cfg.BlockListFile); err != nil {
			log.Printf("[feed][warn] import block list %s failed: %v", cfg.BlockListFile, err)
		}
	}

	client := bilibili.New(storeDB, bilibili.Options{
		RatePerSec:  cfg.UpstreamRatePerSec,
		MaxAttempts: 2,
	})
	resolveTimeout := time.Duration(cfg.ResolveTimeoutSec) * time.Second
	pipeline, err := resolver.New(client, resolver.Options{
		Workers:         cfg.WorkerPoolSize,
		Timeout:         resolveTimeout,
		CacheTTL:        time.Duration(cfg.CacheTTLSec) * time.Second,
		CacheMaxEntries: cfg.CacheMaxEntries,
		OverlayURL:      overlayURL(cfg.Port),
	})
	if err != nil {
		return fail(err)
	}
	registry := danmaku.NewRegistry(danmaku.Options{
		Factory: feed.NewFactory(feed.Deps{
			Upstream:    client,
			Resolver:    pipeline,
			Rules:       storeDB,
			AssetsDir:   assetsDir,
			LoadTimeout: 2 * resolveTimeout,
		}),
		Preferences: func() danmaku.Preferences {
			return danmaku.PreferencesFromConfig(cfgManager.Current())
		},
		PendingTimeout: time.Duration(cfg.PendingTimeoutSec) * time.Second,
	})
	maintenanceSvc := maintenance.New(storeDB, maintenance.Options{
		RetentionDays: func() int { return cfgManager.Current().ErrorLogRetentionDays },
		Rotator:       loggerMgr,
	})

	deps := &router.Dependencies{
		Config:      cfg,
		ConfigMgr:   cfgManager,
		Store:       storeDB,
		Resolver:    pipeline,
		Registry:    registry,
		Maintenance: maintenanceSvc,
		Logger:      loggerMgr,
		AssetsDir:   assetsDir,
	}
	handler, routes := router.Build(deps)

	app := &App{
		cfg:         cfg,
		cfgManager:  cfgManager,
		store:       storeDB,
		pipeline:    pipeline,
		registry:    registry,
		maintenance: maintenanceSvc,
		routes:      routes,
		logger:      loggerMgr,
	}
	cfgManager.AddListener(func(prev config.Config, next config.Config) {
		log.Printf("[config] hot reload applied from %s", next.ConfigFile)
		if err := loggerMgr.Update(next); err != nil {
			log.Printf("[config][warn] update logger failed: %v", err)
		}
		registry.PushPreferenceChanges(danmaku.PreferencesFromConfig(prev), danmaku.PreferencesFromConfig(next))
	})
	app.server = &http.Server{
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		Handler:           handler,
	}
	return app, nil
}

// Run binds the loopback listener and serves until Shutdown. A bind failure is
// returned before anything starts.
func (a *App) Run() error {
	listener, err := net.Listen("tcp", a.cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.cfg.ListenAddr(), err)
	}
	a.cfgManager.StartWatching()
	a.maintenance.Start()
	log.Printf("iina+ bridge listening on %s (%d routes)", listener.Addr(), len(a.routes))
	return a.server.Serve(listener)
}

func (a *App) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.cfgManager.StopWatching()
	a.maintenance.Stop()
	shutdownErr := a.server.Shutdown(ctx)
	a.registry.Close()
	a.pipeline.Close()
	closeErr := a.store.Close()
	if a.logger != nil {
		_ = a.logger.Close()
	}
	if shutdownErr != nil && !errors.Is(shutdownErr, http.ErrServerClosed) {
		return shutdownErr
	}
	return closeErr
}

func (a *App) RouteList() []router.Route {
	items := make([]router.Route, len(a.routes))
	copy(items, a.routes)
	return items
}

func overlayURL(port int) string {
	return "http://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(port)) + "/danmaku/index.htm"
}

// materializeOverlay replaces dir with a fresh copy of the overlay files.
func materializeOverlay(src fs.FS, dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if src == nil {
		return nil
	}
	return fs.WalkDir(src, ".", func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		target := filepath.Join(dir, filepath.FromSlash(name))
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(src, name, target)
	})
}

func copyFile(src fs.FS, name string, target string) error {
	in, err := src.Open(name)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
