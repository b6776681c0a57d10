package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"github.com/anthropics/gander/internal/api"
	"github.com/anthropics/gander/internal/breakpoint"
	"github.com/anthropics/gander/internal/config"
	"github.com/anthropics/gander/internal/mock"
	"github.com/anthropics/gander/internal/proxy"
	"github.com/anthropics/gander/internal/replay"
	"github.com/anthropics/gander/internal/store"
	gandertls "github.com/anthropics/gander/internal/tls"
	"github.com/anthropics/gander/internal/ws"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	port := flag.Int("port", 0, "Proxy listen port (overrides config)")
	apiAddr := flag.String("api", "", "API server listen address (overrides config)")
	dataDir := flag.String("data-dir", "", "Data directory (overrides config)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version and exit")
	showCA := flag.Bool("show-ca", false, "Show CA certificate path and exit")
	showHelp := flag.Bool("help", false, "Show help")
	flag.Parse()

	if *showHelp {
		printHelp()
		os.Exit(0)
	}

	if *showVersion {
		fmt.Printf("gander %s (%s)\n", version, commit)
		os.Exit(0)
	}

	// Setup logging
	logLevel := slog.LevelInfo
	if *debugMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		printError("Failed to load configuration", err, configLoadFix(*configPath))
	}

	// CLI overrides
	if *port != 0 {
		cfg.Proxy.Port = *port
	}
	if *apiAddr != "" {
		cfg.API.Listen = *apiAddr
	}
	if *dataDir != "" {
		cfg.Storage.DataDir = *dataDir
	}

	// Load or create CA
	certsDir := filepath.Join(cfg.Storage.DataDir, "certs")
	ca, err := gandertls.LoadOrCreateCA(certsDir)
	if err != nil {
		if isPermissionError(err) {
			printError("Failed to load/create CA certificate", err, caPermissionFix(certsDir))
		}
		printError("Failed to load/create CA certificate", err, caCorruptFix(certsDir))
	}
	logger.Info("CA loaded", "path", filepath.Join(certsDir, "ca.crt"))

	if *showCA {
		caPath := filepath.Join(certsDir, "ca.crt")
		fmt.Printf("CA certificate: %s\n", caPath)
		fmt.Println("\nTo trust this CA:")
		fmt.Println("  macOS: sudo security add-trusted-cert -d -r trustRoot -k /Library/Keychains/System.keychain " + caPath)
		fmt.Println("  Linux: sudo cp " + caPath + " /usr/local/share/ca-certificates/gander.crt && sudo update-ca-certificates")
		fmt.Println("  Windows: certutil -addstore -f \"ROOT\" " + caPath)
		os.Exit(0)
	}

	// Open the request store. Initialization failure is fatal.
	dbPath := cfg.Storage.DBPath()
	dataStore, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		printError("Failed to open request store", err, dbOpenFix(dbPath))
	}
	defer dataStore.Close()
	logger.Info("store opened", "path", dbPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Mock engine, loaded from persisted rules
	mocks := mock.NewEngine(dataStore, logger)
	if err := mocks.Load(ctx); err != nil {
		logger.Error("failed to load mock rules", "error", err)
	}

	// Breakpoint rendezvous
	breakpoints := breakpoint.New(logger)

	// Event hub
	hub := ws.NewHub(cfg.API.Token, logger)
	go hub.Run(ctx)
	breakpoints.OnHit(hub.BroadcastBreakpointHit)

	// Replay composer
	composer := replay.New(dataStore, cfg.Limits.MaxResponseBodyBytes, logger)

	// Proxy engine
	certCache := gandertls.NewCertCache(ca)
	engine, err := proxy.NewEngine(proxy.EngineConfig{
		Config:      cfg,
		Logger:      logger,
		CertCache:   certCache,
		Store:       dataStore,
		Mocks:       mocks,
		Breakpoints: breakpoints,
		OnComplete:  hub.BroadcastRequestComplete,
		OnError:     hub.BroadcastProxyError,
	})
	if err != nil {
		printError("Failed to create proxy engine", err, "Check the configuration values under proxy: and limits:")
	}

	// Bind the proxy port up front so port-in-use is a startup error.
	proxyLn, err := net.Listen("tcp", cfg.Proxy.ListenAddr())
	if err != nil {
		printError("Failed to bind proxy port", err, portInUseFix(cfg.Proxy.ListenAddr()))
	}

	// API server with fallback ports; it is secondary to the proxy itself.
	apiLn, actualAPIAddr, err := listenWithFallback(cfg.API.Listen, 10)
	if err != nil {
		proxyLn.Close()
		printError("Failed to bind API server", err, portInUseFix(cfg.API.Listen))
	}
	logger.Info("API server bound", "addr", actualAPIAddr)

	apiServer := api.NewServer(api.ServerConfig{
		Config:      cfg,
		Store:       dataStore,
		Mocks:       mocks,
		Breakpoints: breakpoints,
		Composer:    composer,
		CACertPEM:   ca.CertPEM(),
		Logger:      logger,
		WSHandler:   hub.Handler(),
	})
	httpAPI := &http.Server{Handler: apiServer.Handler()}
	go func() {
		if err := httpAPI.Serve(apiLn); err != nil && err != http.ErrServerClosed {
			logger.Error("API server failed", "error", err)
		}
	}()

	// Scheduled retention sweep
	scheduler := cron.New()
	if cfg.Retention.MaxAgeHours > 0 {
		_, err := scheduler.AddFunc(cfg.Retention.SweepSchedule, func() {
			runRetention(ctx, dataStore, cfg.Retention.MaxAgeHours, logger)
		})
		if err != nil {
			logger.Error("invalid retention schedule, sweep disabled", "schedule", cfg.Retention.SweepSchedule, "error", err)
		} else {
			scheduler.Start()
			defer scheduler.Stop()
		}
	}

	// Watch the config file for live bypass-list changes.
	go watchConfig(ctx, *configPath, engine, logger)

	// Run the proxy; signal handling drives shutdown.
	errCh := make(chan error, 1)
	go func() {
		errCh <- engine.ServeListener(ctx, proxyLn)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			printError("Proxy failed", err, portInUseFix(cfg.Proxy.ListenAddr()))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	_ = httpAPI.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

// runRetention deletes exchanges older than maxAgeHours.
func runRetention(ctx context.Context, dataStore store.Store, maxAgeHours int, logger *slog.Logger) {
	sweepCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	deleted, err := dataStore.DeleteOlderThan(sweepCtx, maxAgeHours)
	if err != nil {
		logger.Error("retention sweep failed", "error", err)
		return
	}
	if deleted > 0 {
		logger.Info("retention sweep completed", "deleted", deleted)
	}
}

// watchConfig applies bypass-list changes when the config file changes on
// disk. Structural settings (ports, limits, data dir) require a restart.
func watchConfig(ctx context.Context, path string, engine *proxy.Engine, logger *slog.Logger) {
	if path == "" {
		var err error
		path, err = config.DefaultConfigPath()
		if err != nil {
			return
		}
	}
	if _, err := os.Stat(path); err != nil {
		return // nothing to watch
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Debug("config watch unavailable", "error", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		logger.Debug("config watch unavailable", "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Name != path || !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}
			fresh, err := config.Load(path)
			if err != nil {
				logger.Warn("config reload failed", "error", err)
				continue
			}
			engine.SetBypassHosts(fresh.Proxy.BypassHosts)
			logger.Info("config reloaded", "path", path, "bypass_hosts", len(fresh.Proxy.BypassHosts))
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// listenWithFallback attempts to listen on the given address, falling back to
// subsequent ports if the port is already in use. It tries up to maxAttempts ports.
func listenWithFallback(baseAddr string, maxAttempts int) (net.Listener, string, error) {
	host, portStr, err := net.SplitHostPort(baseAddr)
	if err != nil {
		ln, err := net.Listen("tcp", baseAddr)
		if err != nil {
			return nil, "", err
		}
		return ln, baseAddr, nil
	}

	basePort, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, "", fmt.Errorf("invalid port %q: %w", portStr, err)
	}

	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		addr := net.JoinHostPort(host, strconv.Itoa(basePort+i))

		ln, err := net.Listen("tcp", addr)
		if err == nil {
			if i > 0 {
				slog.Info("port fallback", "requested", baseAddr, "actual", addr)
			}
			return ln, addr, nil
		}

		if isAddrInUse(err) {
			lastErr = err
			continue
		}

		return nil, "", err
	}

	return nil, "", fmt.Errorf("all %d ports starting from %s are in use: %w", maxAttempts, baseAddr, lastErr)
}

// isAddrInUse checks if the error indicates the address is already in use.
func isAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "address already in use") ||
		strings.Contains(errStr, "Only one usage of each socket address") ||
		strings.Contains(errStr, "EADDRINUSE")
}

// printHelp prints usage information.
func printHelp() {
	fmt.Println(`gander - intercepting HTTP/HTTPS proxy for traffic inspection

Usage:
  gander [flags]

Flags:
  -config string     Path to config file (default ~/.config/gander/config.yaml)
  -port int          Proxy listen port (default 8888)
  -api string        API server listen address (default localhost:8890)
  -data-dir string   Data directory for certs and the request store
  -debug             Enable debug logging
  -show-ca           Show CA certificate path and trust instructions
  -version           Show version and exit

Point a device's proxy settings at this machine's address and the configured
port, then install the CA certificate (fetch it from the API server at
/ca.crt) to inspect HTTPS traffic.`)
}
