package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"turnguard/internal/broker"
	"turnguard/internal/config"
	"turnguard/internal/model"
	"turnguard/internal/registry"
	"turnguard/internal/storage"
)

var (
	ErrUnknownDevice     = errors.New("unknown device")
	ErrDeviceDeactivated = errors.New("device deactivated")
	ErrMalformedEvent    = errors.New("malformed event")
	ErrBackpressure      = errors.New("ingest queue full")
)

// Submission is the structured message a device (or gateway) sends.
// Empty Outcome marks a heartbeat. Seq 0 asks the pipeline to assign the
// next sequence number; a non-zero Seq at or below the device's
// watermark is treated as an at-least-once redelivery and suppressed.
type Submission struct {
	DeviceID     string   `json:"device_id"`
	Seq          uint64   `json:"seq,omitempty"`
	Outcome      string   `json:"outcome,omitempty"`
	DenialReason string   `json:"denial_reason,omitempty"`
	SubjectRef   string   `json:"subject_ref,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	Battery      *float64 `json:"battery,omitempty"`
	ResponseMS   float64  `json:"response_ms,omitempty"`
	IP           string   `json:"ip,omitempty"`
	Firmware     string   `json:"firmware,omitempty"`
}

// Pipeline validates, sequences and publishes device telemetry. Each
// validated event is delivered exactly once to the classifier queue, the
// aggregator queue (heartbeats excluded) and the realtime broker.
type Pipeline struct {
	registry *registry.Registry
	store    storage.Store
	logger   *slog.Logger
	cfg      atomic.Value

	mu        sync.Mutex
	seqs      map[string]uint64
	unflushed map[string]int

	classifierQ chan model.AccessEvent
	aggregatorQ chan model.AccessEvent
	broker      *broker.Broker
}

// checkpointEvery bounds replay work after a crash: at most this many
// events per device are re-sequenced from the watermark.
const checkpointEvery = 32

func NewPipeline(cfg *config.Config, reg *registry.Registry, store storage.Store, bk *broker.Broker, logger *slog.Logger) *Pipeline {
	p := &Pipeline{
		registry:    reg,
		store:       store,
		logger:      logger,
		seqs:        make(map[string]uint64),
		unflushed:   make(map[string]int),
		classifierQ: make(chan model.AccessEvent, cfg.Ingest.QueueSize),
		aggregatorQ: make(chan model.AccessEvent, cfg.Ingest.QueueSize),
		broker:      bk,
	}
	p.cfg.Store(cfg)
	return p
}

func (p *Pipeline) UpdateConfig(cfg *config.Config) {
	p.cfg.Store(cfg)
}

func (p *Pipeline) config() *config.Config {
	if v := p.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

func (p *Pipeline) ClassifierQueue() <-chan model.AccessEvent { return p.classifierQ }
func (p *Pipeline) AggregatorQueue() <-chan model.AccessEvent { return p.aggregatorQ }

// Restore reloads per-device sequence watermarks from the last
// checkpoint.
func (p *Pipeline) Restore(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	seqs, err := p.store.LoadSequences(ctx)
	if err != nil {
		return fmt.Errorf("restore sequences: %w", err)
	}
	p.mu.Lock()
	for id, seq := range seqs {
		p.seqs[id] = seq
	}
	p.mu.Unlock()
	if p.logger != nil {
		p.logger.Info("sequence watermarks restored", "devices", len(seqs))
	}
	return nil
}

// Checkpoint persists every watermark. Called at shutdown.
func (p *Pipeline) Checkpoint(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	p.mu.Lock()
	snapshot := make(map[string]uint64, len(p.seqs))
	for id, seq := range p.seqs {
		snapshot[id] = seq
	}
	p.unflushed = make(map[string]int)
	p.mu.Unlock()

	for id, seq := range snapshot {
		if err := p.store.SaveSequence(ctx, id, seq); err != nil {
			return fmt.Errorf("checkpoint %s: %w", id, err)
		}
	}
	return nil
}

// Ingest validates and publishes one submission. Duplicate redeliveries
// are accepted without error and without any downstream effect. When the
// internal queues are full, Ingest blocks up to the configured wait to
// give the caller natural backpressure, then fails with ErrBackpressure.
func (p *Pipeline) Ingest(ctx context.Context, sub Submission) (model.AccessEvent, error) {
	cfg := p.config()

	dev, err := p.registry.Get(sub.DeviceID)
	if err != nil {
		return model.AccessEvent{}, fmt.Errorf("%w: %s", ErrUnknownDevice, sub.DeviceID)
	}
	if !dev.Active {
		return model.AccessEvent{}, fmt.Errorf("%w: %s", ErrDeviceDeactivated, sub.DeviceID)
	}

	outcome := model.Outcome(sub.Outcome)
	switch outcome {
	case "", model.OutcomePermitted, model.OutcomeDenied:
	default:
		return model.AccessEvent{}, fmt.Errorf("%w: outcome %q", ErrMalformedEvent, sub.Outcome)
	}
	if outcome == model.OutcomeDenied && sub.DenialReason == "" {
		return model.AccessEvent{}, fmt.Errorf("%w: denied event requires denial_reason", ErrMalformedEvent)
	}
	if outcome != model.OutcomeDenied && sub.DenialReason != "" {
		return model.AccessEvent{}, fmt.Errorf("%w: denial_reason on non-denied event", ErrMalformedEvent)
	}

	p.mu.Lock()
	watermark := p.seqs[sub.DeviceID]
	if sub.Seq != 0 && sub.Seq <= watermark {
		p.mu.Unlock()
		// At-least-once redelivery: accept, suppress.
		return model.AccessEvent{DeviceID: sub.DeviceID, Seq: sub.Seq, Outcome: outcome}, nil
	}
	seq := sub.Seq
	if seq == 0 {
		seq = watermark + 1
	}
	// Reserve the sequence so concurrent submitters cannot reuse it. The
	// watermark is rolled back if publication fails, so the device's
	// retry is not suppressed as a redelivery.
	p.seqs[sub.DeviceID] = seq
	p.mu.Unlock()

	ev := model.AccessEvent{
		DeviceID:     sub.DeviceID,
		Seq:          seq,
		Timestamp:    time.Now().UTC(),
		Outcome:      outcome,
		DenialReason: sub.DenialReason,
		SubjectRef:   sub.SubjectRef,
		Temperature:  sub.Temperature,
		Battery:      sub.Battery,
		ResponseMS:   sub.ResponseMS,
		IP:           sub.IP,
		Firmware:     sub.Firmware,
	}

	if err := p.enqueue(ctx, p.classifierQ, ev, cfg.Ingest.EnqueueWait); err != nil {
		p.releaseSeq(ev.DeviceID, seq, watermark)
		return model.AccessEvent{}, err
	}
	if !ev.Heartbeat() {
		if err := p.enqueue(ctx, p.aggregatorQ, ev, cfg.Ingest.EnqueueWait); err != nil {
			p.releaseSeq(ev.DeviceID, seq, watermark)
			return model.AccessEvent{}, err
		}
	}
	if p.broker != nil {
		p.broker.PublishEvent(ev)
	}

	p.mu.Lock()
	p.unflushed[ev.DeviceID]++
	flush := p.unflushed[ev.DeviceID] >= checkpointEvery
	if flush {
		p.unflushed[ev.DeviceID] = 0
	}
	p.mu.Unlock()

	if flush && p.store != nil {
		cpCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := p.store.SaveSequence(cpCtx, ev.DeviceID, seq); err != nil && p.logger != nil {
			p.logger.Warn("sequence checkpoint failed", "device_id", ev.DeviceID, "err", err)
		}
		cancel()
	}
	return ev, nil
}

// releaseSeq rolls the watermark back after a failed publish, unless a
// concurrent ingest already advanced past the reserved sequence.
func (p *Pipeline) releaseSeq(deviceID string, seq, prev uint64) {
	p.mu.Lock()
	if p.seqs[deviceID] == seq {
		p.seqs[deviceID] = prev
	}
	p.mu.Unlock()
}

func (p *Pipeline) enqueue(ctx context.Context, q chan<- model.AccessEvent, ev model.AccessEvent, wait time.Duration) error {
	select {
	case q <- ev:
		return nil
	default:
	}
	if wait <= 0 {
		wait = 2 * time.Second
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case q <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		if p.logger != nil {
			p.logger.Warn("ingest queue full", "device_id", ev.DeviceID, "seq", ev.Seq)
		}
		return ErrBackpressure
	}
}
