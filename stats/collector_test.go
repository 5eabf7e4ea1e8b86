package stats

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestCollector_Gather(t *testing.T) {
	a := New(Config{})
	a.RecordRequest("/todos", "POST", 201, 4*time.Millisecond)
	a.RecordRequest("/todos", "POST", 201, 6*time.Millisecond)
	a.RecordRequest("/todos/{id}", "GET", 404, time.Millisecond)
	a.RecordError("/todos", "POST", Fault{Type: "E", Message: "x"})

	registry := prometheus.NewRegistry()
	registry.MustRegister(NewCollector(a, "petaltodo"))

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	byName := make(map[string]float64)
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			labels := make([]string, 0)
			for _, pair := range metric.GetLabel() {
				labels = append(labels, pair.GetName()+"="+pair.GetValue())
			}
			key := family.GetName() + "{" + strings.Join(labels, ",") + "}"
			switch {
			case metric.GetCounter() != nil:
				byName[key] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				byName[key] = metric.GetGauge().GetValue()
			}
		}
	}

	checks := map[string]float64{
		"petaltodo_http_requests_total{method=POST,path=/todos}":            2,
		"petaltodo_http_requests_total{method=GET,path=/todos/{id}}":        1,
		"petaltodo_http_duration_avg_milliseconds{method=POST,path=/todos}": 5,
		"petaltodo_http_duration_max_milliseconds{method=POST,path=/todos}": 6,
		"petaltodo_http_responses_total{code=201}":                          2,
		"petaltodo_http_responses_total{code=404}":                          1,
		"petaltodo_http_errors_total{}":                                     1,
	}
	for key, want := range checks {
		got, ok := byName[key]
		if !ok {
			t.Fatalf("metric %s missing; have %v", key, byName)
		}
		if got != want {
			t.Fatalf("%s = %v, want %v", key, got, want)
		}
	}
}

func TestParseSchedule(t *testing.T) {
	for _, expr := range []string{"@every 5m", "*/5 * * * *", "@hourly"} {
		if _, err := ParseSchedule(expr); err != nil {
			t.Fatalf("ParseSchedule(%q) error = %v", expr, err)
		}
	}
	for _, expr := range []string{"", "not a schedule", "CRON_TZ=Europe/Paris * * * * *"} {
		if _, err := ParseSchedule(expr); err == nil {
			t.Fatalf("ParseSchedule(%q) expected error", expr)
		}
	}
}

func TestReporter_ReportLogsSummary(t *testing.T) {
	a := New(Config{})
	a.RecordRequest("/todos", "POST", 201, 2*time.Millisecond)

	var buf bytes.Buffer
	r, err := NewReporter(ReporterConfig{
		Aggregator: a,
		Schedule:   "@every 1h",
		Logger:     slog.New(slog.NewJSONHandler(&buf, nil)),
	})
	if err != nil {
		t.Fatalf("NewReporter() error = %v", err)
	}
	r.Report()

	out := buf.String()
	for _, want := range []string{`"event":"stats_report"`, `"total_requests":1`, `"POST /todos"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("report output missing %s: %s", want, out)
		}
	}
}

func TestReporter_StartStop(t *testing.T) {
	r, err := NewReporter(ReporterConfig{Aggregator: New(Config{}), Schedule: "@every 1h"})
	if err != nil {
		t.Fatalf("NewReporter() error = %v", err)
	}
	ctx := t.Context()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := r.Start(ctx); err == nil {
		t.Fatal("second Start() expected error")
	}
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
}

func TestNewReporterRequiresAggregator(t *testing.T) {
	if _, err := NewReporter(ReporterConfig{Schedule: "@every 1m"}); err == nil {
		t.Fatal("expected error for nil aggregator")
	}
}
