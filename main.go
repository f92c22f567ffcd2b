package main

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"runtime"
	"time"

	"github.com/duskvale/rabinvault/internal/metrics"
	"github.com/duskvale/rabinvault/pkg/config"
	"github.com/spf13/cobra"
)

const version = "1.0.0"

type cliOptions struct {
	stateDir  string
	storePath string

	chunkMin       string
	chunkMax       string
	fixedChunks    bool
	fixedChunkSize string
	hashAlgo       string
	deltaEncoding  bool
	deltaCodec     string
	asyncJournal   bool
	metricsAddr    string

	enableEBPF         bool
	profilerInterval   time.Duration
	enableProfiler     bool
	ebpfProgramPath    string
	fallbackFSNotify   bool
	btfCacheDir        string
	btfHubMirror       string
	disableBTFDownload bool
}

// buildConfig layers CLI flags over environment over defaults, then
// validates the result.
func (o *cliOptions) buildConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.LoadFromEnv()

	if cmd.Flags().Changed("chunk-min") {
		n, err := config.ParseByteSize(o.chunkMin)
		if err != nil {
			return nil, err
		}
		cfg.Chunking.MinBytes = int(n)
	}
	if cmd.Flags().Changed("chunk-max") {
		n, err := config.ParseByteSize(o.chunkMax)
		if err != nil {
			return nil, err
		}
		cfg.Chunking.MaxBytes = int(n)
	}
	if cmd.Flags().Changed("fixed") {
		cfg.Chunking.Fixed = o.fixedChunks
	}
	if cmd.Flags().Changed("fixed-chunk-size") {
		n, err := config.ParseByteSize(o.fixedChunkSize)
		if err != nil {
			return nil, err
		}
		cfg.Chunking.FixedBytes = int(n)
	}
	if cmd.Flags().Changed("hash-algo") {
		cfg.HashAlgo = o.hashAlgo
	}
	if cmd.Flags().Changed("delta") {
		cfg.DeltaEncoding = o.deltaEncoding
	}
	if cmd.Flags().Changed("delta-codec") {
		cfg.DeltaCodec = o.deltaCodec
	}
	if cmd.Flags().Changed("async-journal") {
		cfg.AsyncJournal = o.asyncJournal
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.MetricsAddr = o.metricsAddr
	}

	if cmd.Flags().Changed("enable-ebpf") {
		cfg.EBPF.Enable = o.enableEBPF
	}
	if cmd.Flags().Changed("profiler-interval") {
		cfg.EBPF.ProfilerInterval = o.profilerInterval
	}
	if cmd.Flags().Changed("enable-profiler") {
		cfg.EBPF.EnableProfiler = o.enableProfiler
	}
	if cmd.Flags().Changed("ebpf-program") {
		cfg.EBPF.ProgramPath = o.ebpfProgramPath
	}
	if cmd.Flags().Changed("fallback-fsnotify") {
		cfg.EBPF.FallbackFSNotify = o.fallbackFSNotify
	}
	if cmd.Flags().Changed("btf-cache-dir") {
		cfg.EBPF.BTF.CacheDir = o.btfCacheDir
	}
	if cmd.Flags().Changed("btfhub-mirror") {
		cfg.EBPF.BTF.HubMirror = o.btfHubMirror
	}
	if cmd.Flags().Changed("disable-btfhub-download") {
		cfg.EBPF.BTF.AllowDownload = !o.disableBTFDownload
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (o *cliOptions) addStoreFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.stateDir, "state-dir", "/data", "Directory to watch for state changes")
	cmd.Flags().StringVar(&o.storePath, "store", "/vault/db.bolt", "Path to the manifest store file")
}

func (o *cliOptions) addChunkingFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.chunkMin, "chunk-min", "1856", "Minimum content-defined chunk size (accepts k/M/G suffixes)")
	cmd.Flags().StringVar(&o.chunkMax, "chunk-max", "11300", "Maximum content-defined chunk size (accepts k/M/G suffixes)")
	cmd.Flags().BoolVar(&o.fixedChunks, "fixed", false, "Use fixed-size chunks instead of content-defined boundaries")
	cmd.Flags().StringVar(&o.fixedChunkSize, "fixed-chunk-size", "4k", "Chunk size when --fixed is set (accepts k/M/G suffixes)")
	cmd.Flags().StringVar(&o.hashAlgo, "hash-algo", "sha256", "Hash algorithm for CAS identities (sha256 or blake3)")
	cmd.Flags().BoolVar(&o.deltaEncoding, "delta", true, "Delta-encode changed chunks against the previous version")
	cmd.Flags().StringVar(&o.deltaCodec, "delta-codec", "bsdiff", "Delta codec (bsdiff or xdelta)")
}

func main() {
	opts := &cliOptions{}

	rootCmd := &cobra.Command{
		Use:   "rabinvault [flags] -- <command> [args...]",
		Short: "rabinvault - Content-defined chunk dedup for process state",
		Long: `rabinvault wraps a command, restores its state directory from chunk
manifests on startup, then watches the directory and captures every
changed file as content-defined chunks in a deduplicating store.

Small edits re-upload only the chunks that actually changed: chunk
boundaries follow the content (Rabin fingerprints), so an insertion
early in a file leaves the chunks after it byte-identical.

Example:
  rabinvault --state-dir=/data --store=/vault/db.bolt -- postgres -D /data
  rabinvault --chunk-min=4k --chunk-max=64k --state-dir=/data -- myapp`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if debugEnabled {
				log.Println("[Debug] Verbose logging enabled")
			}

			cfg, err := opts.buildConfig(cmd)
			if err != nil {
				return err
			}

			log.Printf("[Config] chunking: min=%d max=%d fixed=%v, hash=%s, delta=%v",
				cfg.Chunking.MinBytes, cfg.Chunking.MaxBytes, cfg.Chunking.Fixed,
				cfg.HashAlgo, cfg.DeltaEncoding)

			v, err := NewVault(opts.stateDir, opts.storePath, cfg)
			if err != nil {
				return fmt.Errorf("initialization failed: %w", err)
			}
			defer v.Close()

			backend := "fsnotify"
			if v.ebpfMgr != nil {
				backend = "ebpf"
			}
			metrics.SetAgentInfo(runtime.GOOS, runtime.GOARCH, version, backend)

			// Phase 1: restore state from the previous run's manifests
			if err := v.RestoreAll("startup"); err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}

			// Phase 2: start monitoring in the background
			monitorCtx, monitorCancel := context.WithCancel(context.Background())
			defer monitorCancel()

			if err := v.StartMonitoring(monitorCtx); err != nil {
				return fmt.Errorf("monitor initialization failed: %w", err)
			}

			if cfg.MetricsAddr != "" {
				go func() {
					if err := metrics.Serve(monitorCtx, cfg.MetricsAddr, nil); err != nil {
						log.Printf("[Metrics] endpoint failed: %v", err)
					}
				}()
			}

			// Phase 3: hand the process over to the wrapped application
			log.Printf("[Exec] Starting application: %v", args)

			binary, err := exec.LookPath(args[0])
			if err != nil {
				return fmt.Errorf("failed to find binary %s: %w", args[0], err)
			}

			return execReplace(binary, args)
		},
	}

	opts.addStoreFlags(rootCmd)
	opts.addChunkingFlags(rootCmd)
	rootCmd.PersistentFlags().BoolVar(&debugEnabled, "debug", false, "Enable verbose debug logging")
	rootCmd.Flags().BoolVar(&opts.asyncJournal, "async-journal", false, "Journal write events durably and chunk them in the background")
	rootCmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Listen address for the Prometheus /metrics endpoint (empty disables)")

	rootCmd.Flags().BoolVar(&opts.enableEBPF, "enable-ebpf", true, "Enable eBPF-based syscall interception (Linux kernels >= 4.18)")
	rootCmd.Flags().DurationVar(&opts.profilerInterval, "profiler-interval", 100*time.Millisecond, "Sampling interval for the adaptive hot-path profiler")
	rootCmd.Flags().BoolVar(&opts.enableProfiler, "enable-profiler", true, "Enable the adaptive eBPF profiler to predict hot paths")
	rootCmd.Flags().StringVar(&opts.ebpfProgramPath, "ebpf-program", "", "Path to the precompiled eBPF object (defaults to bin/ebpf/rabinvault.bpf.o)")
	rootCmd.Flags().BoolVar(&opts.fallbackFSNotify, "fallback-fsnotify", true, "Fall back to fsnotify watchers if eBPF initialization fails")
	rootCmd.Flags().StringVar(&opts.btfCacheDir, "btf-cache-dir", "/var/cache/rabinvault/btf", "Directory for cached BTF specs used during CO-RE relocations")
	rootCmd.Flags().StringVar(&opts.btfHubMirror, "btfhub-mirror", "https://github.com/aquasecurity/btfhub-archive/raw/main", "Base URL for BTFHub-Archive downloads (override for private mirrors)")
	rootCmd.Flags().BoolVar(&opts.disableBTFDownload, "disable-btfhub-download", false, "Disable automatic BTFHub downloads (requires kernel-provided BTF)")

	// openVault builds a watch-free vault for the one-shot subcommands.
	openVault := func(cmd *cobra.Command) (*Vault, error) {
		cfg, err := opts.buildConfig(cmd)
		if err != nil {
			return nil, err
		}
		// One-shot commands never watch; skip probe setup entirely.
		cfg.EBPF.Enable = false
		v, err := NewVault(opts.stateDir, opts.storePath, cfg)
		if err != nil {
			return nil, fmt.Errorf("initialization failed: %w", err)
		}
		return v, nil
	}

	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "Capture every file under the state directory in one pass",
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := openVault(cmd)
			if err != nil {
				return err
			}
			defer v.Close()

			count, err := v.WalkAndCapture(opts.stateDir)
			if err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}
			log.Printf("[Backup] captured %d files", count)
			return nil
		},
	}
	opts.addStoreFlags(backupCmd)
	opts.addChunkingFlags(backupCmd)

	restoreCmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore every tracked file from its chunk manifest",
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := openVault(cmd)
			if err != nil {
				return err
			}
			defer v.Close()

			return v.RestoreAll("manual")
		},
	}
	opts.addStoreFlags(restoreCmd)
	opts.addChunkingFlags(restoreCmd)

	gcCmd := &cobra.Command{
		Use:   "gc",
		Short: "Remove unreferenced objects from the content-addressable store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := openVault(cmd)
			if err != nil {
				return err
			}
			defer v.Close()

			removed, err := v.cas.GarbageCollect()
			if err != nil {
				return fmt.Errorf("gc failed: %w", err)
			}
			log.Printf("[GC] removed %d unreferenced objects", removed)
			return nil
		},
	}
	opts.addStoreFlags(gcCmd)
	opts.addChunkingFlags(gcCmd)

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print content-addressable store statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := openVault(cmd)
			if err != nil {
				return err
			}
			defer v.Close()

			stats, err := v.cas.GetStats()
			if err != nil {
				return fmt.Errorf("stats failed: %w", err)
			}
			tracked, err := v.countRecords()
			if err != nil {
				return fmt.Errorf("stats failed: %w", err)
			}
			metrics.SetCASStats(stats.TotalObjects, stats.Collisions)
			fmt.Printf("objects:       %d\n", stats.TotalObjects)
			fmt.Printf("total size:    %d\n", stats.TotalSize)
			fmt.Printf("unique files:  %d\n", stats.UniqueFiles)
			fmt.Printf("unreferenced:  %d\n", stats.UnreferencedObjs)
			fmt.Printf("collisions:    %d\n", stats.Collisions)
			fmt.Printf("dedup hits:    %d\n", stats.DedupHits)
			fmt.Printf("dedup saved:   %d\n", stats.DedupBytesSaved)
			fmt.Printf("tracked files: %d\n", tracked)
			return nil
		},
	}
	opts.addStoreFlags(statsCmd)
	opts.addChunkingFlags(statsCmd)

	rootCmd.AddCommand(backupCmd, restoreCmd, gcCmd, statsCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
