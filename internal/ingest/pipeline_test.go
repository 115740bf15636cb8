package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"turnguard/internal/config"
	"turnguard/internal/model"
	"turnguard/internal/registry"
)

func testPipeline(t *testing.T, cfg *config.Config) (*Pipeline, *registry.Registry) {
	t.Helper()
	reg := registry.New(nil, nil)
	if err := reg.Register(context.Background(), model.Device{ID: "t-1", Class: model.ClassTurnstile, Location: "lobby"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	return NewPipeline(cfg, reg, nil, nil, nil), reg
}

func drain(q <-chan model.AccessEvent) []model.AccessEvent {
	var out []model.AccessEvent
	for {
		select {
		case ev := <-q:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestIngestUnknownDevice(t *testing.T) {
	p, _ := testPipeline(t, config.DefaultConfig())
	_, err := p.Ingest(context.Background(), Submission{DeviceID: "ghost", Outcome: "permitted"})
	if !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
}

func TestIngestDeactivatedDevice(t *testing.T) {
	p, reg := testPipeline(t, config.DefaultConfig())
	if err := reg.Deactivate(context.Background(), "t-1"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	_, err := p.Ingest(context.Background(), Submission{DeviceID: "t-1", Outcome: "permitted"})
	if !errors.Is(err, ErrDeviceDeactivated) {
		t.Fatalf("expected ErrDeviceDeactivated, got %v", err)
	}
}

func TestIngestMalformed(t *testing.T) {
	p, _ := testPipeline(t, config.DefaultConfig())
	ctx := context.Background()

	cases := []Submission{
		{DeviceID: "t-1", Outcome: "sideways"},
		{DeviceID: "t-1", Outcome: "denied"},
		{DeviceID: "t-1", Outcome: "permitted", DenialReason: "blocked card"},
	}
	for i, sub := range cases {
		if _, err := p.Ingest(ctx, sub); !errors.Is(err, ErrMalformedEvent) {
			t.Fatalf("case %d: expected ErrMalformedEvent, got %v", i, err)
		}
	}
}

func TestIngestAssignsSequence(t *testing.T) {
	p, _ := testPipeline(t, config.DefaultConfig())
	ctx := context.Background()

	for want := uint64(1); want <= 3; want++ {
		ev, err := p.Ingest(ctx, Submission{DeviceID: "t-1", Outcome: "permitted"})
		if err != nil {
			t.Fatalf("ingest: %v", err)
		}
		if ev.Seq != want {
			t.Fatalf("seq: got %d, want %d", ev.Seq, want)
		}
		if ev.Timestamp.IsZero() {
			t.Fatalf("timestamp must be server-assigned")
		}
	}
}

func TestIngestDuplicateSuppressed(t *testing.T) {
	p, _ := testPipeline(t, config.DefaultConfig())
	ctx := context.Background()

	if _, err := p.Ingest(ctx, Submission{DeviceID: "t-1", Seq: 5, Outcome: "permitted"}); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	// At-least-once sources redeliver; the pipeline must accept without
	// publishing a second time.
	if _, err := p.Ingest(ctx, Submission{DeviceID: "t-1", Seq: 5, Outcome: "permitted"}); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if _, err := p.Ingest(ctx, Submission{DeviceID: "t-1", Seq: 3, Outcome: "permitted"}); err != nil {
		t.Fatalf("late duplicate: %v", err)
	}

	published := drain(p.ClassifierQueue())
	if len(published) != 1 {
		t.Fatalf("published events: got %d, want 1", len(published))
	}
	if published[0].Seq != 5 {
		t.Fatalf("published seq: got %d, want 5", published[0].Seq)
	}
}

func TestIngestSequenceMonotonic(t *testing.T) {
	p, _ := testPipeline(t, config.DefaultConfig())
	ctx := context.Background()

	seqs := []uint64{2, 7, 4, 9, 9, 1}
	for _, s := range seqs {
		if _, err := p.Ingest(ctx, Submission{DeviceID: "t-1", Seq: s, Outcome: "permitted"}); err != nil {
			t.Fatalf("ingest seq %d: %v", s, err)
		}
	}
	published := drain(p.ClassifierQueue())
	last := uint64(0)
	for _, ev := range published {
		if ev.Seq <= last {
			t.Fatalf("published stream not increasing: %d after %d", ev.Seq, last)
		}
		last = ev.Seq
	}
	if last != 9 {
		t.Fatalf("watermark: got %d, want 9", last)
	}
}

func TestHeartbeatSkipsAggregator(t *testing.T) {
	p, _ := testPipeline(t, config.DefaultConfig())
	ctx := context.Background()

	if _, err := p.Ingest(ctx, Submission{DeviceID: "t-1"}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if _, err := p.Ingest(ctx, Submission{DeviceID: "t-1", Outcome: "denied", DenialReason: "expired membership"}); err != nil {
		t.Fatalf("denied event: %v", err)
	}

	if got := len(drain(p.ClassifierQueue())); got != 2 {
		t.Fatalf("classifier queue: got %d, want 2", got)
	}
	if got := len(drain(p.AggregatorQueue())); got != 1 {
		t.Fatalf("aggregator queue: got %d, want 1", got)
	}
}

func TestBackpressureRetryNotSuppressed(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Ingest.QueueSize = 1
	cfg.Ingest.EnqueueWait = 20 * time.Millisecond
	p, _ := testPipeline(t, cfg)
	ctx := context.Background()

	if _, err := p.Ingest(ctx, Submission{DeviceID: "t-1", Seq: 1, Outcome: "permitted"}); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if _, err := p.Ingest(ctx, Submission{DeviceID: "t-1", Seq: 2, Outcome: "permitted"}); !errors.Is(err, ErrBackpressure) {
		t.Fatalf("expected ErrBackpressure, got %v", err)
	}

	// Make room, then let the device retry the rejected sequence. The
	// failed attempt must not have advanced the watermark.
	drain(p.ClassifierQueue())
	drain(p.AggregatorQueue())
	ev, err := p.Ingest(ctx, Submission{DeviceID: "t-1", Seq: 2, Outcome: "permitted"})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if ev.Seq != 2 {
		t.Fatalf("retry seq: got %d, want 2", ev.Seq)
	}
	published := drain(p.ClassifierQueue())
	if len(published) != 1 || published[0].Seq != 2 {
		t.Fatalf("retry not republished: %+v", published)
	}
}

func TestIngestBackpressure(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Ingest.QueueSize = 1
	cfg.Ingest.EnqueueWait = 20 * time.Millisecond
	p, _ := testPipeline(t, cfg)
	ctx := context.Background()

	if _, err := p.Ingest(ctx, Submission{DeviceID: "t-1", Outcome: "permitted"}); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	_, err := p.Ingest(ctx, Submission{DeviceID: "t-1", Outcome: "permitted"})
	if !errors.Is(err, ErrBackpressure) {
		t.Fatalf("expected ErrBackpressure, got %v", err)
	}
}
