// Calrelay is a calendar synchronization service. It mirrors events between
// a local store and a remote calendar service using the remote's incremental
// delta protocol, detects conflicting concurrent edits, and exposes sync and
// conflict-resolution operations over HTTP.
//
// Usage:
//
//	calrelay serve [--config <path>] [--verbose]      # run the HTTP API server
//	calrelay sync-once [--config ...] [--user <id>]   # single sync pass then exit
//	calrelay status [--config <path>]                 # show config & store state
//	calrelay version                                  # print version
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

	"github.com/njoerd114/calrelay/internal/api"
	"github.com/njoerd114/calrelay/internal/config"
	"github.com/njoerd114/calrelay/internal/model"
	"github.com/njoerd114/calrelay/internal/remote"
	"github.com/njoerd114/calrelay/internal/store"
	syncp "github.com/njoerd114/calrelay/internal/sync"
	"github.com/njoerd114/calrelay/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// run dispatches to the appropriate subcommand.
func run() error {
	if len(os.Args) < 2 {
		return printUsage()
	}

	switch cmd := os.Args[1]; cmd {
	case "serve":
		return runServe(os.Args[2:])
	case "sync-once":
		return runSyncOnce(os.Args[2:])
	case "status":
		return runStatus(os.Args[2:])
	case "version":
		fmt.Println("calrelay", version)
		return nil
	default:
		return fmt.Errorf("unknown command %q; run 'calrelay' for usage", cmd)
	}
}

func printUsage() error {
	fmt.Fprintln(os.Stderr, "Calrelay: sync calendars against a remote delta-query service")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  calrelay serve [--config ...] [--verbose]       Run the HTTP API server")
	fmt.Fprintln(os.Stderr, "  calrelay sync-once [--config ...] [--user ...]  Single sync pass then exit")
	fmt.Fprintln(os.Stderr, "  calrelay status [--config ...]                  Show config & store state")
	fmt.Fprintln(os.Stderr, "  calrelay version                                Print version")
	fmt.Fprintln(os.Stderr, "")

	os.Exit(1)
	return nil // unreachable
}

// --- Subcommands -------------------------------------------------------------

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	app, cleanup, err := buildApp(*cfgPath, *verbose)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	handler := api.New(app.orch, app.gateway, app.logger)
	if err := handler.Serve(ctx, app.cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server: %w", err)
	}
	app.logger.Info("shutdown complete")
	return nil
}

func runSyncOnce(args []string) error {
	fs := flag.NewFlagSet("sync-once", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	userID := fs.String("user", "default", "user to sync")
	calendarID := fs.String("calendar", "", "calendar to sync (empty for default)")
	direction := fs.String("direction", "bidirectional", "pull, push, or bidirectional")
	full := fs.Bool("full", false, "ignore the stored continuation token")
	if err := fs.Parse(args); err != nil {
		return err
	}

	app, cleanup, err := buildApp(*cfgPath, *verbose)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	job, err := app.orch.StartSync(ctx, *userID, syncp.Options{
		Direction:  model.Direction(*direction),
		CalendarID: *calendarID,
		ForceFull:  *full,
	})
	if err != nil {
		return fmt.Errorf("starting sync: %w", err)
	}

	job, err = waitForJob(ctx, app.orch, job.ID)
	if err != nil {
		return err
	}

	res := job.Result
	if res == nil {
		res = &syncp.Result{}
	}
	app.logger.Info("sync complete",
		"status", string(job.Status),
		"created", res.Created,
		"updated", res.Updated,
		"deleted", res.Deleted,
		"conflicts", res.Conflicts,
		"pushed", res.Pushed,
		"failed", res.Failed,
	)
	if job.Status == syncp.JobFailed {
		return fmt.Errorf("sync failed: %s", job.Error)
	}
	return nil
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Println("Calrelay Status")

	if _, err := os.Stat(*cfgPath); err == nil {
		if cfg, loadErr := config.Load(*cfgPath); loadErr == nil {
			fmt.Printf("  Config:  %s\n", *cfgPath)
			fmt.Printf("  Remote:  %s\n", cfg.Remote.BaseURL)
			fmt.Printf("  Listen:  %s\n", cfg.ListenAddr)
		} else {
			fmt.Printf("  Config:  %s (invalid: %v)\n", *cfgPath, loadErr)
		}
	} else {
		fmt.Printf("  Config:  not found (%s)\n", *cfgPath)
	}

	dbPath, _ := store.DefaultDBPath()
	if info, err := os.Stat(dbPath); err == nil {
		fmt.Printf("  Store:   %s (%s)\n", dbPath, humanSize(info.Size()))
	} else {
		fmt.Printf("  Store:   not found\n")
	}

	return nil
}

// --- Wiring ------------------------------------------------------------------

// app groups the wired components shared by serve and sync-once.
type app struct {
	cfg     *config.Config
	orch    *syncp.Orchestrator
	gateway *remote.Gateway
	logger  *slog.Logger
}

// buildApp loads config, sets up telemetry, opens the store, and wires the
// sync engine. The returned cleanup closes everything in reverse order.
func buildApp(cfgPath string, verbose bool) (*app, func(), error) {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config from %q: %w", cfgPath, err)
	}
	logger.Info("config loaded", "remote", cfg.Remote.BaseURL, "listen", cfg.ListenAddr)

	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	if cfg.Telemetry != nil {
		telCfg := telemetry.Config{
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
			Insecure:       cfg.Telemetry.Insecure,
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			Headers:        cfg.Telemetry.Headers,
		}
		shutdownTel, err := telemetry.Setup(context.Background(), telCfg)
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			cleanups = append(cleanups, func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			})
		}
	}

	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("resolving store path: %w", err)
		}
	}
	st, err := store.Open(dbPath)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("opening store at %q: %w", dbPath, err)
	}
	cleanups = append(cleanups, func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("closing store", "error", closeErr)
		}
	})
	logger.Info("store opened", "path", dbPath)

	creds := remote.StaticCredentials{Token: cfg.Remote.Token}
	gateway := remote.New(cfg.Remote.BaseURL, creds, logger)

	orch := syncp.NewOrchestrator(syncp.OrchestratorConfig{
		Fetcher:         syncp.NewDeltaFetcher(gateway, cfg.Sync.CallTimeout, cfg.Sync.MaxPages, logger),
		Resolver:        syncp.NewResolver(cfg.Sync.EquivalenceTolerance, logger),
		Events:          st,
		States:          st,
		Conflicts:       st,
		Credentials:     creds,
		Gateway:         gateway,
		Concurrency:     cfg.Sync.Concurrency,
		RetainCompleted: cfg.Sync.JobRetention,
		Logger:          logger,
	})

	return &app{cfg: cfg, orch: orch, gateway: gateway, logger: logger}, cleanup, nil
}

// waitForJob polls until the job reaches a terminal status or ctx ends.
func waitForJob(ctx context.Context, orch *syncp.Orchestrator, jobID string) (syncp.Job, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		job, err := orch.Status(jobID)
		if err != nil {
			return syncp.Job{}, fmt.Errorf("polling job %s: %w", jobID, err)
		}
		if job.Status == syncp.JobCompleted || job.Status == syncp.JobFailed {
			return job, nil
		}

		select {
		case <-ctx.Done():
			_ = orch.Cancel(jobID)
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
