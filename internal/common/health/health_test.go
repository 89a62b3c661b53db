package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
)

func TestCheckerAllUp(t *testing.T) {
	c := NewChecker()
	c.Register("database", func(ctx context.Context) error { return nil })
	c.Register("broker", func(ctx context.Context) error { return nil })

	report := c.Run(context.Background())
	if report.Status != StatusUp {
		t.Errorf("expected UP, got %s", report.Status)
	}
	if len(report.Checks) != 2 {
		t.Errorf("expected 2 checks, got %d", len(report.Checks))
	}
}

func TestCheckerOneDown(t *testing.T) {
	c := NewChecker()
	c.Register("database", func(ctx context.Context) error { return nil })
	c.Register("broker", func(ctx context.Context) error { return errors.New("connection refused") })

	report := c.Run(context.Background())
	if report.Status != StatusDown {
		t.Errorf("expected DOWN, got %s", report.Status)
	}

	var broker *CheckResult
	for i := range report.Checks {
		if report.Checks[i].Name == "broker" {
			broker = &report.Checks[i]
		}
	}
	if broker == nil {
		t.Fatal("broker check missing from report")
	}
	if broker.Status != StatusDown || broker.Error == "" {
		t.Errorf("broker check should be DOWN with error, got %+v", broker)
	}
}

func TestHandlerStatusCodes(t *testing.T) {
	c := NewChecker()
	c.Register("ok", func(ctx context.Context) error { return nil })

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest("GET", "/q/health", nil))
	if rec.Code != 200 {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	c.Register("bad", func(ctx context.Context) error { return errors.New("down") })
	rec = httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest("GET", "/q/health", nil))
	if rec.Code != 503 {
		t.Errorf("expected 503, got %d", rec.Code)
	}

	var report Report
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if report.Status != StatusDown {
		t.Errorf("expected DOWN in body, got %s", report.Status)
	}
}

func TestLiveHandlerAlwaysUp(t *testing.T) {
	c := NewChecker()
	c.Register("bad", func(ctx context.Context) error { return errors.New("down") })

	rec := httptest.NewRecorder()
	c.LiveHandler()(rec, httptest.NewRequest("GET", "/q/health/live", nil))
	if rec.Code != 200 {
		t.Errorf("liveness should be 200 regardless of checks, got %d", rec.Code)
	}
}

func TestCollectorUptime(t *testing.T) {
	c := NewCollector()
	stats := c.Collect(context.Background())
	if stats.UptimeSeconds < 0 {
		t.Errorf("negative uptime: %d", stats.UptimeSeconds)
	}
	if stats.Goroutines <= 0 {
		t.Errorf("expected positive goroutine count, got %d", stats.Goroutines)
	}
}

func TestCollectorPendingCount(t *testing.T) {
	c := NewCollector().WithPendingCount(func(ctx context.Context) (int64, error) {
		return 42, nil
	})
	stats := c.Collect(context.Background())
	if stats.PendingMessagesCount != 42 {
		t.Errorf("expected 42 pending, got %d", stats.PendingMessagesCount)
	}
}
