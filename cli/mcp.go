package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"

	"github.com/petal-labs/petaltodo/apiclient"
	"github.com/petal-labs/petaltodo/config"
	"github.com/petal-labs/petaltodo/mcpserver"
	petalotel "github.com/petal-labs/petaltodo/otel"
	"github.com/petal-labs/petaltodo/todo"
	"github.com/petal-labs/petaltodo/tool"
)

// NewMCPCmd creates the "mcp" subcommand.
func NewMCPCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Expose the todo tools over the Model Context Protocol",
		Long:  "Serves the todo tool catalog over MCP on stdin/stdout, or over streamable HTTP when --http is set. Calls are forwarded to the todo HTTP API.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMCP(cmd, version)
		},
	}
	addAPIFlags(cmd)
	cmd.Flags().String("http", "", "Serve streamable HTTP on this address instead of stdio, e.g. :8001")
	return cmd
}

func addAPIFlags(cmd *cobra.Command) {
	cmd.Flags().String("api-url", apiclient.DefaultBaseURL, "Base URL of the todo HTTP API")
	cmd.Flags().Duration("timeout", apiclient.DefaultTimeout, "Timeout for each API call")
}

func applyAPIFlags(cmd *cobra.Command, cfg *config.Config) {
	overrideString(cmd, "api-url", &cfg.API.BaseURL)
	overrideDuration(cmd, "timeout", &cfg.API.Timeout)
}

// newDispatcher builds the transport client and a dispatcher over it. The
// caller owns the returned client and must close it.
func newDispatcher(cfg config.Config, logger *slog.Logger) (*tool.Dispatcher, *apiclient.Client, error) {
	client, err := apiclient.New(apiclient.Config{
		BaseURL: cfg.API.BaseURL,
		Timeout: cfg.API.Timeout,
		Logger:  logger,
	})
	if err != nil {
		return nil, nil, exitError(exitConfig, "%v", err)
	}

	observer, err := petalotel.NewObserver(
		otelapi.GetMeterProvider().Meter(petalotel.ScopeName),
		otelapi.GetTracerProvider().Tracer(petalotel.ScopeName),
	)
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("initializing observability: %w", err)
	}

	dispatcher, err := tool.NewDispatcher(tool.DispatcherConfig{
		Backend:  client,
		Observer: observer,
		Logger:   logger,
	})
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return dispatcher, client, nil
}

func runMCP(cmd *cobra.Command, version string) error {
	cfg, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	applyAPIFlags(cmd, &cfg)
	logger, err := loggerFor(cmd, cfg)
	if err != nil {
		return err
	}

	dispatcher, client, err := newDispatcher(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	srv, err := mcpserver.New(mcpserver.Config{
		Dispatcher: dispatcher,
		Version:    version,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checkAPI(ctx, client, logger)

	addr, _ := cmd.Flags().GetString("http")
	if addr == "" {
		if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return exitError(exitRuntime, "mcp server error: %v", err)
		}
		return nil
	}
	return serveMCPHTTP(ctx, cmd, addr, srv.HTTPHandler(), logger)
}

// checkAPI reports whether the todo API answers its health check. The MCP
// server starts either way; calls fail with connection_error until it is up.
func checkAPI(ctx context.Context, client *apiclient.Client, logger *slog.Logger) bool {
	if err := client.Ping(ctx); err != nil {
		logger.LogAttrs(ctx, slog.LevelWarn, "todo api unreachable",
			slog.String("event", "api_check_failed"),
			slog.String("base_url", client.BaseURL()),
			slog.String("error_type", string(todo.KindOf(err))),
			slog.String("error_message", err.Error()),
		)
		return false
	}
	logger.LogAttrs(ctx, slog.LevelInfo, "todo api reachable",
		slog.String("event", "api_check_ok"),
		slog.String("base_url", client.BaseURL()),
	)
	return true
}

func serveMCPHTTP(ctx context.Context, cmd *cobra.Command, addr string, handler http.Handler, logger *slog.Logger) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.LogAttrs(ctx, slog.LevelInfo, "mcp server starting",
			slog.String("transport", "streamable_http"),
			slog.String("addr", addr),
		)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.ErrOrStderr(), "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "mcp server error: %v", err)
		}
		return nil
	}
}
