// Command llmproxy is the entry point for the credential-multiplexing
// proxy: a root command that starts the server, plus small maintenance
// subcommands, grounded on the teacher's cmd/server/main.go wiring order
// but restructured from its flat flag set onto spf13/cobra per §4.11.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vitaliisemenov/llmproxy/internal/cache"
	"github.com/vitaliisemenov/llmproxy/internal/config"
	"github.com/vitaliisemenov/llmproxy/internal/dispatcher"
	"github.com/vitaliisemenov/llmproxy/internal/httpapi"
	"github.com/vitaliisemenov/llmproxy/internal/ratelimit"
	"github.com/vitaliisemenov/llmproxy/internal/scheduler"
	"github.com/vitaliisemenov/llmproxy/internal/selector"
	"github.com/vitaliisemenov/llmproxy/internal/store"
	"github.com/vitaliisemenov/llmproxy/internal/validator"
	"github.com/vitaliisemenov/llmproxy/pkg/logger"
)

const (
	serviceName    = "llmproxy"
	serviceVersion = "1.0.0"
)

var (
	configPath   string
	documentPath string
)

func main() {
	root := &cobra.Command{
		Use:   serviceName,
		Short: "Authenticating reverse proxy that multiplexes a pool of upstream API keys",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML/JSON config file")
	root.PersistentFlags().StringVar(&documentPath, "document", "/data/runtime-config.json", "path to the persisted runtime-configuration document")

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("%s version %s\n", serviceName, serviceVersion)
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Open the store at the configured path, applying schema idempotently, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath, documentPath)
			if err != nil {
				return err
			}
			log := buildLogger(cfg)
			ctx := context.Background()
			st, err := store.Open(ctx, cfg.Storage.Path, log)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			defer st.Close()
			log.Info("schema is up to date", "path", cfg.Storage.Path)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func buildLogger(cfg *config.Config) *slog.Logger {
	log := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	slog.SetDefault(log)
	return log
}

// schedulerIntervalAdapter lets *scheduler.Scheduler satisfy C8's
// config.IntervalListener (minutes) over the scheduler's own
// time.Duration-typed SetInterval.
type schedulerIntervalAdapter struct {
	sched *scheduler.Scheduler
}

func (a schedulerIntervalAdapter) SetInterval(minutes int) {
	a.sched.SetInterval(time.Duration(minutes) * time.Minute)
}

func runServe() error {
	cfg, err := config.Load(configPath, documentPath)
	if err != nil {
		return fmt.Errorf("serve: load config: %w", err)
	}
	log := buildLogger(cfg)

	log.Info("starting proxy", "service", serviceName, "version", serviceVersion)

	ctx := context.Background()

	st, err := store.Open(ctx, cfg.Storage.Path, log)
	if err != nil {
		return fmt.Errorf("serve: open store: %w", err)
	}

	ca := cache.New(st, log)
	ca.Start()

	rl := ratelimit.New()
	sel := selector.New(rl)

	cfgStore := config.NewStore(cfg, documentPath, log)
	rc := cfgStore.Snapshot().Runtime

	v := validator.New(&http.Client{Timeout: 30 * time.Second}, cfg.Upstream.BaseURL, log)
	recent := validator.NewRecentCache()

	dcfg := dispatcher.DefaultConfig()
	dcfg.Strategy = rc.Strategy
	dcfg.RPM = rc.RPMLimit
	dcfg.TPM = rc.TPMLimit
	dcfg.UpstreamBase = cfg.Upstream.BaseURL
	d := dispatcher.New(dcfg, st, ca, sel, rl, v, recent, log)
	d.Start()

	sch := scheduler.New(st, ca, v, rc.RefreshInterval(), log)
	cfgStore.OnIntervalChange(schedulerIntervalAdapter{sched: sch})
	sch.Start()

	router := httpapi.NewRouter(d, st, ca, sch, cfgStore, v, log)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case <-quit:
		log.Info("shutdown signal received")
	case err := <-serveErr:
		log.Error("http server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdownTimeout)
	defer cancel()

	// Stop admitting new connections first, draining in-flight requests
	// with their own per-endpoint deadlines.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown did not complete cleanly", "error", err)
	}

	sch.Stop()
	d.Stop()

	ca.Shutdown(shutdownCtx)

	if err := st.Close(); err != nil {
		log.Warn("store close failed", "error", err)
	}

	log.Info("shutdown complete")
	return nil
}
