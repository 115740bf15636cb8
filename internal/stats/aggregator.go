package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"turnguard/internal/config"
	"turnguard/internal/model"
	"turnguard/internal/storage"
)

// BreachSink feeds fleet-wide threshold breaches to the alert engine.
type BreachSink func(deviceID string, kind model.AlertKind, active bool, description string)

type bucketKey struct {
	deviceID string
	start    int64
}

type accum struct {
	permitted int64
	denied    int64
	respSum   float64
	respN     int64
}

func (a *accum) meanResponse() float64 {
	if a.respN == 0 {
		return 0
	}
	return a.respSum / float64(a.respN)
}

// Aggregator maintains per-device and fleet-wide counters bucketed by the
// configured granularity. Open buckets are monotonic and reported as
// partial; closed buckets are immutable, persisted, and cached.
type Aggregator struct {
	logger *slog.Logger
	store  storage.Store
	cfg    atomic.Value

	mu            sync.Mutex
	open          map[bucketKey]*accum
	denialReasons map[string]int64
	spikeActive   bool

	closed *lru.Cache[bucketKey, model.StatWindow]
	breach BreachSink

	done chan struct{}
}

func NewAggregator(cfg *config.Config, logger *slog.Logger, store storage.Store) *Aggregator {
	cache, _ := lru.New[bucketKey, model.StatWindow](max(cfg.Stats.CacheSize, 16))
	a := &Aggregator{
		logger:        logger,
		store:         store,
		open:          make(map[bucketKey]*accum),
		denialReasons: make(map[string]int64),
		closed:        cache,
	}
	a.cfg.Store(cfg)
	return a
}

func (a *Aggregator) UpdateConfig(cfg *config.Config) {
	a.cfg.Store(cfg)
}

func (a *Aggregator) config() *config.Config {
	if v := a.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

// Restore seeds open buckets from the partial windows flushed by the
// last shutdown, so an interrupted bucket resumes accumulating instead
// of being overwritten by post-restart counts. Buckets whose window
// closed during the downtime are finalized on the next roll.
func (a *Aggregator) Restore(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	windows, err := a.store.LoadPartialWindows(ctx)
	if err != nil {
		return fmt.Errorf("restore partial windows: %w", err)
	}
	a.mu.Lock()
	for _, w := range windows {
		key := bucketKey{deviceID: w.DeviceID, start: w.BucketStart.Unix()}
		if _, ok := a.open[key]; ok {
			continue
		}
		a.open[key] = &accum{
			permitted: w.Permitted,
			denied:    w.Denied,
			respSum:   w.MeanResponseMS * float64(w.ResponseSamples),
			respN:     w.ResponseSamples,
		}
	}
	a.mu.Unlock()
	if a.logger != nil && len(windows) > 0 {
		a.logger.Info("partial stat windows restored", "count", len(windows))
	}
	return nil
}

func (a *Aggregator) OnBreach(sink BreachSink) {
	a.breach = sink
}

// Run consumes the pipeline's aggregator queue until ctx is cancelled,
// then flushes in-flight buckets as partial so a restart can resume from
// the checkpoint without losing counts.
func (a *Aggregator) Run(ctx context.Context, in <-chan model.AccessEvent) {
	a.done = make(chan struct{})
	cfg := a.config()
	ticker := time.NewTicker(cfg.Stats.Granularity / 4)
	go func() {
		defer ticker.Stop()
		defer close(a.done)
		for {
			select {
			case ev := <-in:
				a.Record(ev)
			case <-ticker.C:
				a.roll(time.Now().UTC())
			case <-ctx.Done():
				flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := a.Flush(flushCtx); err != nil && a.logger != nil {
					a.logger.Error("stat flush on shutdown failed", "err", err)
				}
				cancel()
				return
			}
		}
	}()
}

func (a *Aggregator) Done() <-chan struct{} {
	if a.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.done
}

// Record folds one access event into its device bucket and the
// fleet-wide bucket. Heartbeats never reach the aggregator.
func (a *Aggregator) Record(ev model.AccessEvent) {
	cfg := a.config()
	now := time.Now().UTC()
	start := ev.Timestamp.UTC().Truncate(cfg.Stats.Granularity)

	a.mu.Lock()
	a.rollLocked(cfg, now)
	for _, id := range []string{ev.DeviceID, ""} {
		key := bucketKey{deviceID: id, start: start.Unix()}
		acc, ok := a.open[key]
		if !ok {
			acc = &accum{}
			a.open[key] = acc
		}
		if ev.Outcome == model.OutcomeDenied {
			acc.denied++
		} else {
			acc.permitted++
		}
		if ev.ResponseMS > 0 {
			acc.respSum += ev.ResponseMS
			acc.respN++
		}
	}
	if ev.Outcome == model.OutcomeDenied && ev.DenialReason != "" {
		a.denialReasons[ev.DenialReason]++
	}
	breachUpdate := a.evaluateSpikeLocked(cfg, start)
	a.mu.Unlock()

	if breachUpdate != nil && a.breach != nil {
		a.breach("", model.AlertDenialSpike, breachUpdate.active, breachUpdate.description)
	}
}

type spikeChange struct {
	active      bool
	description string
}

func (a *Aggregator) evaluateSpikeLocked(cfg *config.Config, bucketStart time.Time) *spikeChange {
	fleet, ok := a.open[bucketKey{deviceID: "", start: bucketStart.Unix()}]
	if !ok {
		return nil
	}
	total := fleet.permitted + fleet.denied
	if total < cfg.Stats.SpikeMinEvents {
		return nil
	}
	rate := float64(fleet.denied) / float64(total)
	if rate > cfg.Stats.DenialSpikeRate && !a.spikeActive {
		a.spikeActive = true
		return &spikeChange{active: true, description: fmt.Sprintf("fleet denial rate %.1f%% over %d events", rate*100, total)}
	}
	if rate <= cfg.Stats.DenialSpikeRate && a.spikeActive {
		a.spikeActive = false
		return &spikeChange{active: false, description: "fleet denial rate back under threshold"}
	}
	return nil
}

// roll finalizes buckets whose window has closed.
func (a *Aggregator) roll(now time.Time) {
	cfg := a.config()
	a.mu.Lock()
	a.rollLocked(cfg, now)
	a.mu.Unlock()
}

func (a *Aggregator) rollLocked(cfg *config.Config, now time.Time) {
	for key, acc := range a.open {
		start := time.Unix(key.start, 0).UTC()
		if start.Add(cfg.Stats.Granularity).After(now) {
			continue
		}
		w := a.window(key, acc, cfg, false)
		delete(a.open, key)
		a.closed.Add(key, w)
		if a.store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := a.store.SaveStatWindow(ctx, w); err != nil && a.logger != nil {
				a.logger.Error("stat window persist failed", "device_id", w.DeviceID, "bucket", w.BucketStart, "err", err)
			}
			cancel()
		}
	}
}

func (a *Aggregator) window(key bucketKey, acc *accum, cfg *config.Config, partial bool) model.StatWindow {
	return model.StatWindow{
		DeviceID:        key.deviceID,
		BucketStart:     time.Unix(key.start, 0).UTC(),
		Granularity:     cfg.Stats.Granularity,
		Permitted:       acc.permitted,
		Denied:          acc.denied,
		MeanResponseMS:  acc.meanResponse(),
		ResponseSamples: acc.respN,
		Partial:         partial,
	}
}

// Flush persists every open bucket marked partial. Called at shutdown.
func (a *Aggregator) Flush(ctx context.Context) error {
	cfg := a.config()
	a.mu.Lock()
	windows := make([]model.StatWindow, 0, len(a.open))
	for key, acc := range a.open {
		windows = append(windows, a.window(key, acc, cfg, true))
	}
	a.mu.Unlock()

	if a.store == nil {
		return nil
	}
	for _, w := range windows {
		if err := a.store.SaveStatWindow(ctx, w); err != nil {
			return fmt.Errorf("flush window %s/%s: %w", w.DeviceID, w.BucketStart, err)
		}
	}
	if a.logger != nil && len(windows) > 0 {
		a.logger.Info("flushed partial stat windows", "count", len(windows))
	}
	return nil
}

// Query returns the stat windows for one device (or the fleet when
// deviceID is empty) inside [from, to). Buckets still accumulating are
// returned with Partial set so consumers do not cache them as final.
func (a *Aggregator) Query(ctx context.Context, deviceID string, from, to time.Time) ([]model.StatWindow, error) {
	cfg := a.config()
	from = from.UTC().Truncate(cfg.Stats.Granularity)
	to = to.UTC()

	byStart := make(map[int64]model.StatWindow)
	missing := false
	for start := from; start.Before(to); start = start.Add(cfg.Stats.Granularity) {
		if w, ok := a.closed.Get(bucketKey{deviceID: deviceID, start: start.Unix()}); ok {
			byStart[start.Unix()] = w
		} else {
			missing = true
		}
	}
	if missing && a.store != nil {
		persisted, err := a.store.LoadStatWindows(ctx, deviceID, from, to)
		if err != nil {
			return nil, fmt.Errorf("load stat windows: %w", err)
		}
		for _, w := range persisted {
			if _, ok := byStart[w.BucketStart.Unix()]; ok {
				continue
			}
			byStart[w.BucketStart.Unix()] = w
			if !w.Partial {
				// Closed buckets are immutable, safe to cache for good.
				a.closed.Add(bucketKey{deviceID: deviceID, start: w.BucketStart.Unix()}, w)
			}
		}
	}

	a.mu.Lock()
	for key, acc := range a.open {
		if key.deviceID != deviceID {
			continue
		}
		start := time.Unix(key.start, 0).UTC()
		if start.Before(from) || !start.Before(to) {
			continue
		}
		// An open accumulator supersedes any partial snapshot persisted
		// by a previous shutdown.
		byStart[key.start] = a.window(key, acc, cfg, true)
	}
	a.mu.Unlock()

	out := make([]model.StatWindow, 0, len(byStart))
	for _, w := range byStart {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketStart.Before(out[j].BucketStart) })
	return out, nil
}

type ReasonCount struct {
	Reason string `json:"reason"`
	Count  int64  `json:"count"`
}

// TopDenialReasons returns the most frequent denial reasons observed
// since startup, capped at n.
func (a *Aggregator) TopDenialReasons(n int) []ReasonCount {
	if n <= 0 {
		n = 5
	}
	a.mu.Lock()
	out := make([]ReasonCount, 0, len(a.denialReasons))
	for reason, count := range a.denialReasons {
		out = append(out, ReasonCount{Reason: reason, Count: count})
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Reason < out[j].Reason
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
