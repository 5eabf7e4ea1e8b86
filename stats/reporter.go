package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var reportScheduleParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ParseSchedule validates a report schedule. Both five-field cron
// expressions and descriptors such as "@every 5m" are accepted.
func ParseSchedule(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return nil, errors.New("stats report schedule is required")
	}
	upper := strings.ToUpper(clean)
	if strings.Contains(upper, "CRON_TZ=") || strings.Contains(upper, "TZ=") {
		return nil, errors.New("stats report schedule must be UTC-only (timezone prefixes are not allowed)")
	}
	schedule, err := reportScheduleParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid stats report schedule: %w", err)
	}
	return schedule, nil
}

// ReporterConfig configures a Reporter.
type ReporterConfig struct {
	Aggregator *Aggregator
	Schedule   string
	Logger     *slog.Logger
}

// Reporter periodically logs a summary of the aggregator snapshot.
type Reporter struct {
	aggregator *Aggregator
	schedule   cron.Schedule
	logger     *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// NewReporter validates the config and returns a stopped reporter.
func NewReporter(cfg ReporterConfig) (*Reporter, error) {
	if cfg.Aggregator == nil {
		return nil, errors.New("stats reporter aggregator is nil")
	}
	schedule, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		aggregator: cfg.Aggregator,
		schedule:   schedule,
		logger:     logger,
	}, nil
}

// Start begins reporting on the configured schedule.
func (r *Reporter) Start(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return errors.New("stats reporter already started")
	}
	c := cron.New(cron.WithLocation(time.UTC))
	c.Schedule(r.schedule, cron.FuncJob(r.Report))
	c.Start()
	r.cron = c
	return nil
}

// Stop halts reporting and waits for an in-flight report to finish.
func (r *Reporter) Stop(ctx context.Context) error {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Report logs one summary line for the current snapshot.
func (r *Reporter) Report() {
	snap := r.aggregator.Snapshot().Metrics
	attrs := []any{
		slog.String("event", "stats_report"),
		slog.Float64("uptime_seconds", snap.UptimeSeconds),
		slog.Int64("total_requests", snap.TotalRequests),
		slog.Int64("total_errors", snap.TotalErrors),
		slog.Float64("error_rate", snap.ErrorRate),
	}
	for _, key := range snap.Endpoints() {
		timing := snap.ResponseTimes[key]
		attrs = append(attrs, slog.Group(key,
			slog.Int64("count", snap.EndpointStats[key]),
			slog.Float64("avg_ms", timing.AvgMS),
			slog.Float64("max_ms", timing.MaxMS),
		))
	}
	r.logger.Info("request stats", attrs...)
}
