package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"

	"github.com/petal-labs/petaltodo/config"
	petalotel "github.com/petal-labs/petaltodo/otel"
	"github.com/petal-labs/petaltodo/server"
	"github.com/petal-labs/petaltodo/stats"
	"github.com/petal-labs/petaltodo/todo"
	"github.com/petal-labs/petaltodo/tool"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the todo HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, version)
		},
	}

	cmd.Flags().IntP("port", "p", 8000, "Listen port")
	cmd.Flags().String("host", "0.0.0.0", "Listen host")
	cmd.Flags().String("cors-origin", "*", "Allowed CORS origin")
	cmd.Flags().String("sqlite-path", "", "Path to SQLite database (default: ~/.petaltodo/todos.db)")
	cmd.Flags().Bool("memory", false, "Keep records in memory instead of SQLite")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("write-timeout", 30*time.Second, "HTTP write timeout")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")
	cmd.Flags().String("stats-report", "", "Cron spec for logging a stats summary, e.g. \"@every 5m\"")
	cmd.Flags().String("otlp-endpoint", "", "OTLP/HTTP endpoint for trace export")

	return cmd
}

func runServe(cmd *cobra.Command, version string) error {
	cfg, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	applyServeFlags(cmd, &cfg)
	logger, err := loggerFor(cmd, cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := petalotel.Setup(ctx, petalotel.SetupConfig{
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     version,
	})
	if err != nil {
		return exitError(exitConfig, "initializing tracing: %v", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	svc, err := newService(cfg, version, logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = svc.Close()
	}()

	if svc.reporter != nil {
		if err := svc.reporter.Start(ctx); err != nil {
			return exitError(exitRuntime, "starting stats reporter: %v", err)
		}
		defer func() {
			_ = svc.reporter.Stop(context.Background())
		}()
	}

	addr := cfg.Server.Addr()
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      svc.handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "petaltodo listening on %s\n", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	overrideString(cmd, "host", &cfg.Server.Host)
	overrideInt(cmd, "port", &cfg.Server.Port)
	overrideString(cmd, "cors-origin", &cfg.Server.CORSOrigin)
	overrideString(cmd, "sqlite-path", &cfg.Storage.SQLitePath)
	overrideBool(cmd, "memory", &cfg.Storage.Memory)
	overrideDuration(cmd, "read-timeout", &cfg.Server.ReadTimeout)
	overrideDuration(cmd, "write-timeout", &cfg.Server.WriteTimeout)
	overrideInt64(cmd, "max-body", &cfg.Server.MaxBody)
	overrideString(cmd, "stats-report", &cfg.Telemetry.StatsReport)
	overrideString(cmd, "otlp-endpoint", &cfg.Telemetry.OTLPEndpoint)
}

// service is everything serve runs behind the HTTP listener. reporter is nil
// when no stats schedule is configured.
type service struct {
	store    todo.Store
	server   *server.Server
	handler  http.Handler
	reporter *stats.Reporter
}

func newService(cfg config.Config, version string, logger *slog.Logger) (*service, error) {
	store, err := openStore(cfg.Storage)
	if err != nil {
		return nil, err
	}

	observer, err := petalotel.NewObserver(
		otelapi.GetMeterProvider().Meter(petalotel.ScopeName),
		otelapi.GetTracerProvider().Tracer(petalotel.ScopeName),
	)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("initializing observability: %w", err)
	}

	aggregator := stats.New(stats.Config{})
	srv, err := server.NewServer(server.ServerConfig{
		Store:    store,
		Stats:    aggregator,
		Observer: observer,
		HealthChecks: map[string]server.HealthCheck{
			"adapter": func(*http.Request) error { return tool.CheckCatalog() },
		},
		Idempotency: server.IdempotencyConfig{
			TTL:      cfg.Idempotency.TTL,
			Capacity: cfg.Idempotency.Capacity,
		},
		CORSOrigin: cfg.Server.CORSOrigin,
		MaxBody:    cfg.Server.MaxBody,
		Version:    version,
		Logger:     logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("creating server: %w", err)
	}

	var reporter *stats.Reporter
	if strings.TrimSpace(cfg.Telemetry.StatsReport) != "" {
		reporter, err = stats.NewReporter(stats.ReporterConfig{
			Aggregator: aggregator,
			Schedule:   cfg.Telemetry.StatsReport,
			Logger:     logger,
		})
		if err != nil {
			_ = store.Close()
			return nil, exitError(exitConfig, "%v", err)
		}
	}

	return &service{
		store:    store,
		server:   srv,
		handler:  srv.Handler(),
		reporter: reporter,
	}, nil
}

func (s *service) Close() error {
	return s.store.Close()
}

func openStore(cfg config.Storage) (todo.Store, error) {
	if cfg.Memory {
		return todo.NewMemoryStore(nil), nil
	}
	dsn := strings.TrimSpace(cfg.SQLitePath)
	if dsn == "" {
		defaultPath, err := todo.DefaultSQLitePath()
		if err != nil {
			return nil, fmt.Errorf("resolving default sqlite path: %w", err)
		}
		dsn = defaultPath
	}
	if !strings.HasPrefix(strings.ToLower(dsn), "file:") && dsn != ":memory:" {
		dsn = filepath.Clean(dsn)
	}
	store, err := todo.NewSQLiteStore(todo.SQLiteStoreConfig{DSN: dsn})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite todo store: %w", err)
	}
	return store, nil
}
