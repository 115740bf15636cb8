package stats

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"turnguard/internal/config"
	"turnguard/internal/model"
	"turnguard/internal/storage"
)

func testStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewSQLite("file:" + filepath.Join(t.TempDir(), "stats.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init sqlite: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func accessEvent(deviceID string, ts time.Time, outcome model.Outcome, reason string, responseMS float64) model.AccessEvent {
	return model.AccessEvent{
		DeviceID:     deviceID,
		Timestamp:    ts,
		Outcome:      outcome,
		DenialReason: reason,
		ResponseMS:   responseMS,
	}
}

func TestRecordAccumulates(t *testing.T) {
	cfg := config.DefaultConfig()
	a := NewAggregator(cfg, nil, nil)
	now := time.Now().UTC()

	a.Record(accessEvent("t-1", now, model.OutcomePermitted, "", 120))
	a.Record(accessEvent("t-1", now, model.OutcomePermitted, "", 80))
	a.Record(accessEvent("t-1", now, model.OutcomeDenied, "blocked card", 0))
	a.Record(accessEvent("t-2", now, model.OutcomePermitted, "", 100))

	windows, err := a.Query(context.Background(), "t-1", now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(windows) != 1 {
		t.Fatalf("windows: got %d, want 1", len(windows))
	}
	w := windows[0]
	if w.Permitted != 2 || w.Denied != 1 {
		t.Fatalf("counts: got %d/%d, want 2/1", w.Permitted, w.Denied)
	}
	if !w.Partial {
		t.Fatalf("open bucket must be partial")
	}
	if w.MeanResponseMS != 100 {
		t.Fatalf("mean response: got %v, want 100", w.MeanResponseMS)
	}

	fleet, err := a.Query(context.Background(), "", now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("fleet query: %v", err)
	}
	if len(fleet) != 1 || fleet[0].Total() != 4 {
		t.Fatalf("fleet window should cover every device: %+v", fleet)
	}
}

func TestBucketRollover(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Stats.Granularity = time.Minute
	store := testStore(t)
	a := NewAggregator(cfg, nil, store)
	now := time.Now().UTC()

	a.Record(accessEvent("t-1", now.Add(-3*time.Minute), model.OutcomePermitted, "", 0))
	// A fresh event rolls the expired bucket closed.
	a.Record(accessEvent("t-1", now, model.OutcomePermitted, "", 0))

	windows, err := a.Query(context.Background(), "t-1", now.Add(-10*time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(windows) != 2 {
		t.Fatalf("windows: got %d, want 2", len(windows))
	}
	if windows[0].Partial {
		t.Fatalf("rolled bucket must be final")
	}
	if !windows[1].Partial {
		t.Fatalf("current bucket must be partial")
	}
	if !windows[0].BucketStart.Before(windows[1].BucketStart) {
		t.Fatalf("windows not sorted by bucket start")
	}
}

func TestQueryServesPersistedWindows(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Stats.Granularity = time.Minute
	store := testStore(t)
	now := time.Now().UTC()

	first := NewAggregator(cfg, nil, store)
	first.Record(accessEvent("t-1", now.Add(-3*time.Minute), model.OutcomePermitted, "", 0))
	first.Record(accessEvent("t-1", now, model.OutcomeDenied, "blocked card", 0))
	if err := first.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	// A restarted aggregator must serve the flushed history from storage.
	second := NewAggregator(cfg, nil, store)
	windows, err := second.Query(context.Background(), "t-1", now.Add(-10*time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("query after restart: %v", err)
	}
	if len(windows) != 2 {
		t.Fatalf("windows after restart: got %d, want 2", len(windows))
	}
	var total int64
	for _, w := range windows {
		total += w.Total()
	}
	if total != 2 {
		t.Fatalf("total after restart: got %d, want 2", total)
	}
}

func TestPartialBucketResumesAfterRestart(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Stats.Granularity = time.Minute
	store := testStore(t)
	now := time.Now().UTC()

	first := NewAggregator(cfg, nil, store)
	first.Record(accessEvent("t-1", now, model.OutcomePermitted, "", 100))
	first.Record(accessEvent("t-1", now, model.OutcomePermitted, "", 200))
	if err := first.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	// The restarted aggregator must resume the flushed bucket, not start
	// a fresh one that overwrites it when the window closes.
	second := NewAggregator(cfg, nil, store)
	if err := second.Restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	second.Record(accessEvent("t-1", now, model.OutcomeDenied, "blocked card", 300))
	second.roll(now.Add(2 * cfg.Stats.Granularity))

	windows, err := second.Query(context.Background(), "t-1", now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(windows) != 1 {
		t.Fatalf("windows: got %d, want 1", len(windows))
	}
	w := windows[0]
	if w.Permitted != 2 || w.Denied != 1 {
		t.Fatalf("closed bucket lost pre-restart counts: got %d/%d, want 2/1", w.Permitted, w.Denied)
	}
	if w.Partial {
		t.Fatalf("bucket past its window must be final")
	}
	if w.MeanResponseMS != 200 {
		t.Fatalf("mean response: got %v, want 200", w.MeanResponseMS)
	}
}

func TestDenialSpike(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Stats.SpikeMinEvents = 10
	cfg.Stats.DenialSpikeRate = 0.30
	a := NewAggregator(cfg, nil, nil)

	type breach struct {
		kind   model.AlertKind
		active bool
	}
	var breaches []breach
	a.OnBreach(func(_ string, kind model.AlertKind, active bool, _ string) {
		breaches = append(breaches, breach{kind, active})
	})

	now := time.Now().UTC()
	for i := 0; i < 6; i++ {
		a.Record(accessEvent("t-1", now, model.OutcomeDenied, "expired membership", 0))
	}
	for i := 0; i < 4; i++ {
		a.Record(accessEvent("t-1", now, model.OutcomePermitted, "", 0))
	}
	if len(breaches) != 1 || !breaches[0].active || breaches[0].kind != model.AlertDenialSpike {
		t.Fatalf("expected one active denial-spike breach, got %+v", breaches)
	}

	// Enough permitted traffic pulls the rate back under the threshold.
	for i := 0; i < 10; i++ {
		a.Record(accessEvent("t-1", now, model.OutcomePermitted, "", 0))
	}
	if len(breaches) != 2 || breaches[1].active {
		t.Fatalf("expected a clearing breach update, got %+v", breaches)
	}
}

func TestTopDenialReasons(t *testing.T) {
	a := NewAggregator(config.DefaultConfig(), nil, nil)
	now := time.Now().UTC()

	reasons := map[string]int{"expired membership": 5, "blocked card": 3, "invalid credential": 1}
	for reason, n := range reasons {
		for i := 0; i < n; i++ {
			a.Record(accessEvent("t-1", now, model.OutcomeDenied, reason, 0))
		}
	}

	top := a.TopDenialReasons(2)
	if len(top) != 2 {
		t.Fatalf("top reasons: got %d, want 2", len(top))
	}
	if top[0].Reason != "expired membership" || top[0].Count != 5 {
		t.Fatalf("top reason: got %+v", top[0])
	}
	if top[1].Reason != "blocked card" {
		t.Fatalf("second reason: got %+v", top[1])
	}
}
