// Package config collects the runtime knobs for the vault: chunking
// bounds, chunk identity hashing, delta encoding, and the kernel
// monitoring backend. Values flow default -> environment -> CLI flags,
// then get a single Validate pass before anything opens a store.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"
)

// Chunking bounds ship as the package defaults of internal/chunk
// (min=1856, max=11300, ~4 KiB average). They are duplicated here rather
// than imported so that config stays importable from anywhere without
// dragging the chunk engine in.
const (
	DefaultChunkMinBytes = 1856
	DefaultChunkMaxBytes = 11300
	DefaultFixedBytes    = 4096
)

// ChunkingConfig holds the chunk boundary parameters in byte units.
//
// The rolling hash window and boundary masks are fixed inside
// internal/rolling and internal/chunk: two vaults configured with the
// same (MinBytes, MaxBytes) always agree on chunk boundaries for the
// same input, which is what makes cross-vault dedup work. Only the size
// bounds are caller-visible knobs.
type ChunkingConfig struct {
	// MinBytes is the minimum content-defined chunk size.
	MinBytes int

	// MaxBytes is the hard maximum content-defined chunk size.
	MaxBytes int

	// Fixed switches capture from content-defined to fixed-size
	// chunking. Fixed chunks dedup poorly under insertions but are
	// cheaper to compute; mostly useful for measuring CDC's benefit.
	Fixed bool

	// FixedBytes is the chunk size when Fixed is set.
	FixedBytes int
}

// Config is the top-level vault configuration.
type Config struct {
	// Chunking controls how captured files are segmented.
	Chunking ChunkingConfig

	// HashAlgo selects the chunk identity hash for CAS keys
	// ("sha256" or "blake3").
	HashAlgo string

	// DeltaEncoding enables chunk-level binary deltas: when a changed
	// chunk misses the CAS but the previous version of the same chunk
	// slot is known, store a bsdiff patch against it instead of the
	// full chunk.
	DeltaEncoding bool

	// DeltaCodec names the delta algorithm ("bsdiff" or "xdelta").
	DeltaCodec string

	// AsyncJournal decouples event handling from CAS writes: watch events
	// chunk the written file's bytes and append them, with their chunk
	// spans, to a durable journal, and a background processor stores
	// those chunks in the CAS, so a burst of writes never stalls behind
	// CAS writes. Manifest-based
	// restore only covers synchronously captured files; the journal
	// pipeline records chunk-level history instead.
	AsyncJournal bool

	// MetricsAddr is the listen address for the Prometheus endpoint;
	// empty disables it.
	MetricsAddr string

	// EBPF holds configuration for kernel-level write interception and
	// the adaptive profiler.
	EBPF EBPFConfig
}

// EBPFConfig captures settings for eBPF-based write monitoring.
type EBPFConfig struct {
	Enable           bool
	ProgramPath      string
	ProfilerInterval time.Duration
	ProfilerAlpha    float64
	HotPathThreshold float64
	EnableProfiler   bool
	FallbackFSNotify bool
	EventBufferSize  int
	BTF              BTFConfig
}

// BTFConfig controls CO-RE relocations and BTFHub downloads.
type BTFConfig struct {
	CacheDir      string
	AllowDownload bool
	HubMirror     string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Chunking: ChunkingConfig{
			MinBytes:   DefaultChunkMinBytes,
			MaxBytes:   DefaultChunkMaxBytes,
			Fixed:      false,
			FixedBytes: DefaultFixedBytes,
		},
		HashAlgo:      "sha256",
		DeltaEncoding: true,
		DeltaCodec:    "bsdiff",
		AsyncJournal:  false,
		MetricsAddr:   "",
		EBPF:          defaultEBPFConfig(),
	}
}

var byteSizePattern = regexp.MustCompile(`^([0-9]+)\s*([kKmMgG]?)$`)

// ParseByteSize parses a human-readable byte count with an optional
// k/K/m/M/g/G suffix ("1856", "8k", "4M"). Suffixes are binary
// multiples (k = 1024).
func ParseByteSize(s string) (int64, error) {
	m := byteSizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("config: invalid byte size %q (expected e.g. 1856, 8k, 4M, 1G)", s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid byte size %q: %w", s, err)
	}
	switch m[2] {
	case "k", "K":
		n *= 1024
	case "m", "M":
		n *= 1024 * 1024
	case "g", "G":
		n *= 1024 * 1024 * 1024
	}
	return n, nil
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("RABINVAULT_CHUNK_MIN"); v != "" {
		if n, err := ParseByteSize(v); err == nil {
			cfg.Chunking.MinBytes = int(n)
		}
	}
	if v := os.Getenv("RABINVAULT_CHUNK_MAX"); v != "" {
		if n, err := ParseByteSize(v); err == nil {
			cfg.Chunking.MaxBytes = int(n)
		}
	}
	if v := os.Getenv("RABINVAULT_FIXED_CHUNKS"); v != "" {
		cfg.Chunking.Fixed = isTrue(v)
	}
	if v := os.Getenv("RABINVAULT_FIXED_CHUNK_SIZE"); v != "" {
		if n, err := ParseByteSize(v); err == nil {
			cfg.Chunking.FixedBytes = int(n)
		}
	}

	if v := os.Getenv("RABINVAULT_HASH_ALGO"); v != "" {
		cfg.HashAlgo = v
	}
	if v := os.Getenv("RABINVAULT_DELTA_ENCODING"); v != "" {
		cfg.DeltaEncoding = isTrue(v)
	}
	if v := os.Getenv("RABINVAULT_DELTA_CODEC"); v != "" {
		cfg.DeltaCodec = v
	}
	if v := os.Getenv("RABINVAULT_ASYNC_JOURNAL"); v != "" {
		cfg.AsyncJournal = isTrue(v)
	}
	if v := os.Getenv("RABINVAULT_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}

	cfg.EBPF = loadEBPFConfigFromEnv(cfg.EBPF)

	return cfg
}

func isTrue(v string) bool {
	return v == "1" || v == "true" || v == "TRUE"
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Chunking.MinBytes <= 0 {
		return fmt.Errorf("chunk min size must be positive, got: %d", c.Chunking.MinBytes)
	}
	if c.Chunking.MinBytes > c.Chunking.MaxBytes {
		return fmt.Errorf("chunk min size cannot exceed max (min=%d max=%d)",
			c.Chunking.MinBytes, c.Chunking.MaxBytes)
	}
	if c.Chunking.Fixed && c.Chunking.FixedBytes <= 0 {
		return fmt.Errorf("fixed chunk size must be positive, got: %d", c.Chunking.FixedBytes)
	}

	if c.HashAlgo != "sha256" && c.HashAlgo != "blake3" {
		return fmt.Errorf("invalid hash algorithm: %s (must be 'sha256' or 'blake3')", c.HashAlgo)
	}

	if c.DeltaEncoding && c.DeltaCodec != "bsdiff" && c.DeltaCodec != "xdelta" {
		return fmt.Errorf("invalid delta codec: %s (must be 'bsdiff' or 'xdelta')", c.DeltaCodec)
	}

	if err := c.EBPF.Validate(); err != nil {
		return fmt.Errorf("ebpf config invalid: %w", err)
	}

	return nil
}

func defaultEBPFConfig() EBPFConfig {
	return EBPFConfig{
		Enable:           true,
		ProgramPath:      "",
		ProfilerInterval: 100 * time.Millisecond,
		ProfilerAlpha:    0.1,
		HotPathThreshold: 10.0,
		EnableProfiler:   true,
		FallbackFSNotify: true,
		EventBufferSize:  4096,
		BTF: BTFConfig{
			CacheDir:      defaultBTFCacheDir(),
			AllowDownload: true,
			HubMirror:     "https://github.com/aquasecurity/btfhub-archive/raw/main",
		},
	}
}

func defaultBTFCacheDir() string {
	if _, err := os.Stat("/var/cache"); err == nil || os.IsPermission(err) {
		return "/var/cache/rabinvault/btf"
	}
	return filepath.Join(os.TempDir(), "rabinvault", "btf")
}

func loadEBPFConfigFromEnv(cfg EBPFConfig) EBPFConfig {
	if v := os.Getenv("RABINVAULT_ENABLE_EBPF"); v != "" {
		cfg.Enable = isTrue(v)
	}
	if v := os.Getenv("RABINVAULT_EBPF_PROGRAM"); v != "" {
		cfg.ProgramPath = v
	}
	if v := os.Getenv("RABINVAULT_EBPF_PROFILER_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ProfilerInterval = d
		}
	}
	if v := os.Getenv("RABINVAULT_EBPF_PROFILER_ALPHA"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.ProfilerAlpha = f
		}
	}
	if v := os.Getenv("RABINVAULT_EBPF_HOT_PATH_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.HotPathThreshold = f
		}
	}
	if v := os.Getenv("RABINVAULT_EBPF_ENABLE_PROFILER"); v != "" {
		cfg.EnableProfiler = isTrue(v)
	}
	if v := os.Getenv("RABINVAULT_EBPF_FALLBACK_FSNOTIFY"); v != "" {
		cfg.FallbackFSNotify = isTrue(v)
	}
	if v := os.Getenv("RABINVAULT_EBPF_EVENT_BUFFER"); v != "" {
		if size, err := strconv.Atoi(v); err == nil && size > 0 {
			cfg.EventBufferSize = size
		}
	}

	if cacheDir := os.Getenv("RABINVAULT_BTF_CACHE_DIR"); cacheDir != "" {
		cfg.BTF.CacheDir = cacheDir
	}
	if allow := os.Getenv("RABINVAULT_BTF_ALLOW_DOWNLOAD"); allow != "" {
		cfg.BTF.AllowDownload = isTrue(allow)
	}
	if mirror := os.Getenv("RABINVAULT_BTF_MIRROR"); mirror != "" {
		cfg.BTF.HubMirror = mirror
	}

	return cfg
}

// Validate checks the eBPF configuration values; a disabled config is not
// checked, and the running kernel is not inspected.
func (c EBPFConfig) Validate() error {
	if !c.Enable {
		return nil
	}
	if c.ProfilerInterval <= 0 {
		return fmt.Errorf("profiler interval must be > 0")
	}
	if c.ProfilerAlpha <= 0 || c.ProfilerAlpha >= 1 {
		return fmt.Errorf("profiler alpha must be between 0 and 1 (exclusive)")
	}
	if c.HotPathThreshold < 0 {
		return fmt.Errorf("hot path threshold must be >= 0")
	}
	if c.EventBufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive")
	}
	if err := c.BTF.Validate(); err != nil {
		return err
	}
	return nil
}

// Validate ensures BTF config is usable for CO-RE relocations.
func (c BTFConfig) Validate() error {
	if c.CacheDir == "" {
		return fmt.Errorf("btf cache directory must be provided")
	}
	if c.HubMirror == "" {
		return fmt.Errorf("btfhub mirror must be provided")
	}
	return nil
}
