package ebpf

import (
	"context"
	"sync"
	"time"

	"github.com/duskvale/rabinvault/pkg/config"
)

// Profiler predicts which paths are written frequently enough to be
// worth prioritizing, by folding per-interval write counts into an
// exponential moving average per path. Paths whose estimate crosses the
// configured threshold are pushed to the sink as hot-path hints.
type Profiler struct {
	sink      HotPathSink
	interval  time.Duration
	alpha     float64
	threshold float64

	mu        sync.Mutex
	window    map[string]uint64 // writes seen since the last flush
	estimates map[string]float64
}

// NewProfiler builds a profiler from EBPFConfig settings, or returns nil
// when profiling is disabled (callers treat a nil profiler as a no-op).
func NewProfiler(cfg *config.EBPFConfig, sink HotPathSink) *Profiler {
	if cfg == nil || !cfg.EnableProfiler {
		return nil
	}
	return &Profiler{
		sink:      sink,
		interval:  cfg.ProfilerInterval,
		alpha:     cfg.ProfilerAlpha,
		threshold: cfg.HotPathThreshold,
		window:    make(map[string]uint64),
		estimates: make(map[string]float64),
	}
}

// Record counts one write against path in the current sample window.
func (p *Profiler) Record(path string) {
	if p == nil || path == "" {
		return
	}
	p.mu.Lock()
	p.window[path]++
	p.mu.Unlock()
}

// Run flushes the sample window on every tick until ctx is cancelled.
func (p *Profiler) Run(ctx context.Context) {
	if p == nil {
		return
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.flush()
		}
	}
}

// Snapshot returns a copy of the current per-path estimates.
func (p *Profiler) Snapshot() map[string]float64 {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	cp := make(map[string]float64, len(p.estimates))
	for path, est := range p.estimates {
		cp[path] = est
	}
	return cp
}

// Flush forces an immediate EMA update outside the ticker, for tests and
// manual tuning.
func (p *Profiler) Flush() {
	if p == nil {
		return
	}
	p.flush()
}

func (p *Profiler) flush() {
	p.mu.Lock()
	defer p.mu.Unlock()

	hints := make(map[string]float64)

	// Fold this window's counts into the per-path estimates. Paths with
	// no samples this window decay toward zero by the same alpha, so a
	// path that goes quiet eventually stops being hinted.
	for path, est := range p.estimates {
		if _, sampled := p.window[path]; sampled {
			continue
		}
		decayed := (1 - p.alpha) * est
		if decayed < 1e-6 {
			delete(p.estimates, path)
			continue
		}
		p.estimates[path] = decayed
	}
	for path, count := range p.window {
		est := p.alpha*float64(count) + (1-p.alpha)*p.estimates[path]
		p.estimates[path] = est

		if est >= p.threshold {
			hints[path] = est
		}
	}

	p.window = make(map[string]uint64)

	if len(hints) > 0 && p.sink != nil {
		_ = p.sink.ApplyHotPathHints(hints)
	}
}
