package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kolapsis/printwatch/internal/api"
	"github.com/kolapsis/printwatch/internal/config"
	"github.com/kolapsis/printwatch/internal/detect"
	"github.com/kolapsis/printwatch/internal/dispatch"
	"github.com/kolapsis/printwatch/internal/hub"
	"github.com/kolapsis/printwatch/internal/monitor"
	"github.com/kolapsis/printwatch/internal/push"
	"github.com/kolapsis/printwatch/internal/state"
	"github.com/kolapsis/printwatch/internal/store"
	"github.com/kolapsis/printwatch/internal/tunnel"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "version":
		fmt.Printf("printwatch %s\n", version)
	case "check":
		cmdCheck(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: printwatch <command> [flags]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  serve     Start the Printwatch relay\n")
	fmt.Fprintf(os.Stderr, "  check     Validate configuration\n")
	fmt.Fprintf(os.Stderr, "  version   Print version\n")
}

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	_ = fs.Parse(args) // ExitOnError handles errors

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogging(cfg)

	slog.Info("starting printwatch",
		"version", version,
		"hubs", len(cfg.Hubs),
		"host", cfg.Server.Host,
		"port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func cmdCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	_ = fs.Parse(args) // ExitOnError handles errors

	_, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("configuration is valid")
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch cfg.Server.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handlers := []slog.Handler{
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}),
	}

	if cfg.Server.LogFile != "" {
		f, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			slog.Warn("failed to open log file, using stdout only", "path", cfg.Server.LogFile, "error", err)
		} else {
			handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
		}
	}

	logger := slog.New(slog.NewMultiHandler(handlers...))
	slog.SetDefault(logger)
}

func run(ctx context.Context, cfg *config.Config) error {
	// --- SQLite Store ---
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() { _ = db.Close() }()

	slog.Info("database opened", "path", cfg.Database.Path)

	// --- Push Gateway ---
	gateway, err := push.NewHTTPGateway(push.Config{
		URL:       cfg.Push.URL,
		AuthToken: cfg.Push.AuthToken,
		Timeout:   cfg.Push.Timeout,
	})
	if err != nil {
		return fmt.Errorf("push gateway: %w", err)
	}
	defer func() { _ = gateway.Close() }()

	// --- Per-hub pipelines ---
	// Each hub gets its own cache, detector and monitor: no mutable state
	// crosses connection boundaries, only the read-mostly recipient table.
	var sources []api.StateSource

	for _, hc := range cfg.Hubs {
		client := hub.NewClient(hub.Config{
			Name:          hc.Name,
			URL:           hc.URL,
			Token:         hc.Token,
			MaxReconnects: hc.MaxReconnects,
		})
		cache := state.NewCache()
		detector := detect.NewDetector(cfg.Notifications.Milestones)
		dispatcher := dispatch.NewDispatcher(db, db, gateway, cfg.Push.MaxParallel)
		throttle := dispatch.NewThrottle(db, gateway, cfg.Notifications.LiveActivityInterval)

		mon := monitor.New(hc.Name, client, cache, detector, dispatcher, throttle, hc.StaleAfter)
		sources = append(sources, mon.Cache())

		go func() {
			err := mon.Run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				// Terminal: auth rejected or reconnects exhausted. The
				// remaining hubs and the API keep serving.
				slog.Error("hub monitor stopped", "hub", hc.Name, "error", err)
			}
		}()

		slog.Info("hub monitor started", "hub", hc.Name, "url", hc.URL)
	}

	// --- Retention cleanup ---
	if cfg.Database.RetentionDays > 0 {
		go cleanupLoop(ctx, db, time.Duration(cfg.Database.RetentionDays)*24*time.Hour)
	}

	// --- HTTP API ---
	apiServer := api.NewServer(db, sources...)
	handler := apiServer.Router(cfg.API)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("printwatch is ready", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// --- Optional public tunnel for the mobile client ---
	if cfg.Tunnel.Enabled {
		var tun tunnel.Tunnel = tunnel.NewNgrok(cfg.Tunnel.AuthToken, cfg.Tunnel.Domain)
		ln, err := tun.Start(ctx)
		if err != nil {
			return fmt.Errorf("starting tunnel: %w", err)
		}
		defer func() { _ = tun.Close() }()

		// The public URL is the endpoint the mobile client must be pointed
		// at; surface it prominently.
		slog.Info("api reachable via tunnel", "public_url", tun.URL())

		go func() {
			tunneled := &http.Server{
				Handler:      handler,
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 30 * time.Second,
			}
			if err := tunneled.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("tunnel server error", "error", err)
			}
		}()
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

// cleanupLoop prunes old print-history rows once a day.
func cleanupLoop(ctx context.Context, db store.Store, retention time.Duration) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := db.Cleanup(retention); err != nil {
				slog.Error("history cleanup failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
