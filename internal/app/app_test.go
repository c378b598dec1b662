package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/polyarb/internal/config"
	"github.com/alanyoungcy/polyarb/internal/server"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(mode string) *config.Config {
	cfg := config.Defaults()
	cfg.Mode = mode
	return &cfg
}

func TestBuildEngineScanMode(t *testing.T) {
	cfg := testConfig("scan")
	eng, err := buildEngine(context.Background(), cfg, &Dependencies{}, discardLogger())
	if err != nil {
		t.Fatalf("buildEngine: %v", err)
	}
	if eng.Trading() {
		t.Fatal("scan mode must not trade")
	}
	if eng.Executor != nil || eng.Merger != nil || eng.Settlement != nil {
		t.Fatal("scan mode built execution components")
	}
	if !eng.Risk.Simulation() {
		t.Fatal("scan mode risk should be in simulation")
	}
}

func TestBuildEnginePaperMode(t *testing.T) {
	cfg := testConfig("paper")
	eng, err := buildEngine(context.Background(), cfg, &Dependencies{}, discardLogger())
	if err != nil {
		t.Fatalf("buildEngine: %v", err)
	}
	if !eng.Trading() {
		t.Fatal("paper mode should trade")
	}
	if eng.Settlement == nil || eng.Executor == nil || eng.Merger == nil {
		t.Fatal("paper mode missing execution components")
	}
	if eng.Risk.Simulation() {
		t.Fatal("paper mode risk should not be in simulation")
	}
	bal, err := eng.Risk.Balance(context.Background())
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if bal != cfg.Risk.PaperBalanceUSD {
		t.Fatalf("balance = %v, want %v", bal, cfg.Risk.PaperBalanceUSD)
	}
}

func TestBuildEngineUnknownMode(t *testing.T) {
	if _, err := buildEngine(context.Background(), testConfig("backtest"), &Dependencies{}, discardLogger()); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestHandlersServeStatus(t *testing.T) {
	cfg := testConfig("paper")
	a := New(cfg, discardLogger())
	deps := &Dependencies{Pingers: map[string]func(context.Context) error{
		"redis": func(context.Context) error { return nil },
	}}
	eng, err := buildEngine(context.Background(), cfg, deps, discardLogger())
	if err != nil {
		t.Fatalf("buildEngine: %v", err)
	}

	h := server.Routes(server.Config{}, a.handlers(eng, deps), discardLogger())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{"detector", "executor", "merger", "pipeline", "backends"} {
		if _, ok := body[key]; !ok {
			t.Errorf("status missing %q: %s", key, rec.Body.String())
		}
	}
	merger, _ := body["merger"].(map[string]any)
	if _, ok := merger["pending"]; !ok {
		t.Errorf("merger section missing pending trades: %v", body["merger"])
	}
	if !strings.Contains(rec.Body.String(), `"redis":"ok"`) {
		t.Errorf("backends not pinged: %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/trades/active", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("active trades status = %d", rec.Code)
	}
}

type fakeArchiver struct{ calls chan [2]time.Time }

func (f *fakeArchiver) ArchiveTrades(_ context.Context, since, until time.Time) (int64, error) {
	f.calls <- [2]time.Time{since, until}
	return 0, nil
}

func TestScheduleJobsRejectsBadCron(t *testing.T) {
	cfg := testConfig("scan")
	cfg.Archive.Cron = "not a cron"
	a := New(cfg, discardLogger())
	deps := &Dependencies{Archiver: &fakeArchiver{}}
	eng, err := buildEngine(context.Background(), cfg, deps, discardLogger())
	if err != nil {
		t.Fatalf("buildEngine: %v", err)
	}
	s := NewScheduler(context.Background(), discardLogger())
	if err := a.scheduleJobs(s, eng, deps); err == nil {
		t.Fatal("expected error for invalid archive cron")
	}
}

func TestSchedulerRunsArchiveWindow(t *testing.T) {
	cfg := testConfig("scan")
	cfg.Archive.Cron = "@every 1s"
	cfg.Archive.LookbackDays = 2
	a := New(cfg, discardLogger())
	arch := &fakeArchiver{calls: make(chan [2]time.Time, 4)}
	deps := &Dependencies{Archiver: arch}
	eng, err := buildEngine(context.Background(), cfg, deps, discardLogger())
	if err != nil {
		t.Fatalf("buildEngine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewScheduler(ctx, discardLogger())
	if err := a.scheduleJobs(s, eng, deps); err != nil {
		t.Fatalf("scheduleJobs: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case w := <-arch.calls:
		since, until := w[0], w[1]
		if !until.Equal(until.Truncate(24 * time.Hour)) {
			t.Errorf("until %v is not a day boundary", until)
		}
		if got := until.Sub(since); got != 48*time.Hour {
			t.Errorf("window = %v, want 48h", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("archive job never ran")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
