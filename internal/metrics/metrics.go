// Package metrics exposes the vault's Prometheus instrumentation: chunk
// dedup outcomes, capture and restore latency, and content-addressable
// store footprint.
package metrics

import (
	"context"
	"errors"
	"log"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rabinvault"

var (
	// Registry is a dedicated Prometheus registry for all vault metrics.
	Registry = prometheus.NewRegistry()

	// CaptureDuration measures time spent capturing file changes.
	CaptureDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "capture_duration_ms",
			Help:      "Duration of file capture operations in milliseconds",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"chunker"}, // cdc | fixed
	)

	// CaptureTotal counts capture operations by chunker and outcome.
	CaptureTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_total",
			Help:      "Total number of capture operations",
		},
		[]string{"chunker", "outcome"}, // outcome: success | unchanged | error
	)

	// ChunkTotal counts chunk dedup outcomes during capture.
	ChunkTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_total",
			Help:      "Total chunks processed during capture",
		},
		[]string{"outcome"}, // new | reuse | delta
	)

	// ChunkBytesTotal accumulates pre-compression chunk bytes by outcome.
	ChunkBytesTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_bytes_total",
			Help:      "Total chunk bytes processed during capture, before compression",
		},
		[]string{"outcome"},
	)

	// DedupRatio reports the fraction of chunks that hit the CAS.
	DedupRatio = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chunk_dedup_ratio",
			Help:      "Fraction of processed chunks already present in the store",
		},
	)

	// StorageSavedBytesTotal accumulates bytes saved vs storing every
	// file version in full.
	StorageSavedBytesTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_saved_bytes_total",
			Help:      "Cumulative bytes saved by chunk dedup and delta encoding",
		},
	)

	// StorageSavedRatio tracks the current savings ratio (0.0 - 1.0).
	StorageSavedRatio = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "storage_saved_ratio",
			Help:      "Current storage savings ratio (saved_bytes / ingested_bytes)",
		},
	)

	// RestoreDuration measures restore latency.
	RestoreDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "restore_duration_ms",
			Help:      "Duration of restore operations in milliseconds",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		},
		[]string{"reason"}, // startup | manual
	)

	// RestoreTotal counts restore attempts and their outcomes.
	RestoreTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restore_total",
			Help:      "Total number of restore operations",
		},
		[]string{"outcome"},
	)

	// FilesTracked reports the number of files with a stored manifest.
	FilesTracked = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "files_tracked_total",
			Help:      "Number of files currently tracked by a manifest",
		},
	)

	// CASObjects gauges the object count in the content-addressable store.
	CASObjects = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cas_objects",
			Help:      "Number of objects in the content-addressable store",
		},
	)

	// CASCollisions gauges observed truncated-digest collisions.
	CASCollisions = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cas_collisions",
			Help:      "Chunk digests that mapped to differing content",
		},
	)

	// AgentInfo exposes static information about the running agent.
	AgentInfo = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_info",
			Help:      "Static information about the agent",
		},
		[]string{"os", "arch", "version", "capture_backend"},
	)

	// Up is a liveness gauge for the agent.
	Up = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "up",
			Help:      "1 if the agent is running and healthy",
		},
	)
)

var (
	ingestedBytes   atomic.Int64
	savedBytes      atomic.Int64
	chunkTotalCount atomic.Int64
	chunkReuseCount atomic.Int64
)

func init() {
	Registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	Registry.MustRegister(prometheus.NewGoCollector())
	Up.Set(1)
}

// SetAgentInfo publishes a single info metric for the running agent.
func SetAgentInfo(osName, arch, version, captureBackend string) {
	if osName == "" {
		osName = runtime.GOOS
	}
	if arch == "" {
		arch = runtime.GOARCH
	}
	if captureBackend == "" {
		captureBackend = "unknown"
	}
	if version == "" {
		version = "dev"
	}
	AgentInfo.WithLabelValues(osName, arch, version, captureBackend).Set(1)
}

// ObserveCapture records timing and counters for a capture pass.
func ObserveCapture(start time.Time, chunker, outcome string) {
	elapsed := float64(time.Since(start)) / float64(time.Millisecond)
	CaptureDuration.WithLabelValues(chunker).Observe(elapsed)
	CaptureTotal.WithLabelValues(chunker, outcome).Inc()
}

// ObserveChunk records a single chunk's dedup outcome and size.
func ObserveChunk(outcome string, size int) {
	switch outcome {
	case "reuse", "delta":
	default:
		outcome = "new"
	}

	count := chunkTotalCount.Add(1)
	reused := chunkReuseCount.Load()
	if outcome == "reuse" {
		reused = chunkReuseCount.Add(1)
	}
	DedupRatio.Set(float64(reused) / float64(count))

	ChunkTotal.WithLabelValues(outcome).Inc()
	if size > 0 {
		ChunkBytesTotal.WithLabelValues(outcome).Add(float64(size))
	}
}

// ObserveStorageSavings updates the saved-bytes counters and ratio given
// a file's original size and the bytes actually written for it.
func ObserveStorageSavings(originalBytes, storedBytes int64) {
	if originalBytes <= 0 || storedBytes < 0 {
		return
	}

	saved := originalBytes - storedBytes
	ingested := ingestedBytes.Add(originalBytes)

	if saved > 0 {
		savedBytes.Add(saved)
		StorageSavedBytesTotal.Add(float64(saved))
	}

	if ingested > 0 {
		StorageSavedRatio.Set(float64(savedBytes.Load()) / float64(ingested))
	}
}

// ObserveRestore captures restore duration and outcomes.
func ObserveRestore(start time.Time, reason, outcome string) {
	elapsed := float64(time.Since(start)) / float64(time.Millisecond)
	RestoreDuration.WithLabelValues(reason).Observe(elapsed)
	RestoreTotal.WithLabelValues(outcome).Inc()
}

// SetFilesTracked reports the number of files with a manifest.
func SetFilesTracked(count int) {
	if count < 0 {
		count = 0
	}
	FilesTracked.Set(float64(count))
}

// SetCASStats publishes store-level gauges.
func SetCASStats(objects, collisions int) {
	if objects >= 0 {
		CASObjects.Set(float64(objects))
	}
	if collisions >= 0 {
		CASCollisions.Set(float64(collisions))
	}
}

// SetUp toggles the liveness gauge.
func SetUp(healthy bool) {
	if healthy {
		Up.Set(1)
		return
	}
	Up.Set(0)
}

// Serve starts the /metrics HTTP endpoint on the provided address.
func Serve(ctx context.Context, addr string, logger *log.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = log.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))

	srv := &http.Server{Addr: addr, Handler: mux}

	idleClosed := make(chan struct{})
	go func() {
		defer close(idleClosed)
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	logger.Printf("[Metrics] Prometheus endpoint listening on %s", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		<-idleClosed
		return nil
	}

	return err
}
