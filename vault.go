package main

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/duskvale/rabinvault/internal/platform"
	"github.com/duskvale/rabinvault/pkg/cas"
	"github.com/duskvale/rabinvault/pkg/config"
	"github.com/duskvale/rabinvault/pkg/delta"
	"github.com/duskvale/rabinvault/pkg/ebpf"
	"github.com/duskvale/rabinvault/pkg/merkle"
	"github.com/duskvale/rabinvault/pkg/recorder"
	"github.com/fsnotify/fsnotify"
	"go.etcd.io/bbolt"
)

const (
	BucketManifests  = "manifests" // Per-file chunk manifests (FileRecord JSON)
	BucketHashes     = "hashes"    // Whole-file hash per path, for change detection
	BucketMeta       = "meta"      // Schema version and other bookkeeping
	SchemaVersionKey = "schema_version"

	SchemaVersion = 1
)

var debugEnabled bool

func logDebug(format string, args ...interface{}) {
	if !debugEnabled {
		return
	}
	log.Printf("[DEBUG] "+format, args...)
}

// Vault captures files under a state directory into content-defined
// chunks, dedups the chunks through a content-addressable store, and
// restores files from their chunk manifests on startup.
type Vault struct {
	db         *bbolt.DB
	casDB      *pebble.DB // backs cas.Store; separate engine from the bbolt manifest store
	stateDir   string
	storePath  string
	watcher    *fsnotify.Watcher
	monitorCtx context.Context
	cancelMon  context.CancelFunc
	wg         sync.WaitGroup // Tracks active monitoring goroutines
	ebpfMgr    ebpf.Manager
	profiler   *ebpf.Profiler
	config     *config.Config
	cas        *cas.Store
	merkle     *merkle.Manager
	delta      delta.Codec // nil when delta encoding is disabled

	// Async journal pipeline; both nil unless config.AsyncJournal is set.
	journal    *recorder.Journal
	procCancel context.CancelFunc
}

// StoredChunk records where one chunk of a file version lives in the CAS.
// A chunk is stored either in full (CID only) or as a binary patch
// against the previous version of the same chunk slot (PatchCID plus
// DeltaBase). CID always names the reconstructed chunk's content hash,
// so manifests stay comparable across versions regardless of encoding;
// ShortID is the truncated SHA-3 identity bound into the Merkle leaf
// alongside it.
type StoredChunk struct {
	CID       string `json:"cid"`
	ShortID   string `json:"short_id"`
	Offset    uint64 `json:"offset"`
	Length    uint32 `json:"length"`
	PatchCID  string `json:"patch_cid,omitempty"`
	DeltaBase string `json:"delta_base,omitempty"`
}

// FileRecord is the per-file manifest persisted after each capture.
type FileRecord struct {
	Path         string        `json:"path"`
	Version      int           `json:"version"`
	Timestamp    time.Time     `json:"timestamp"`
	Chunker      string        `json:"chunker"` // cdc | fixed
	MerkleRoot   []byte        `json:"merkle_root"`
	OriginalSize int64         `json:"original_size"`
	StoredSize   int64         `json:"stored_size"`
	Chunks       []StoredChunk `json:"chunks"`
}

// NewVault opens the manifest store and CAS at storePath and prepares
// the monitoring backend for stateDir. Initialization steps:
//  1. Open the bbolt manifest store with a 1-second timeout
//  2. Create required buckets and stamp the schema version
//  3. Perform an explicit writability test (a chmod 0444 store opens
//     fine but fails on first real write)
//  4. Select the monitoring backend (eBPF, or fsnotify as fallback)
//  5. Open the Pebble-backed CAS and the delta codec
func NewVault(stateDir, storePath string, cfg *config.Config) (*Vault, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	db, err := bbolt.Open(storePath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range []string{BucketManifests, BucketHashes, BucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return err
			}
		}
		meta := tx.Bucket([]byte(BucketMeta))
		if v := meta.Get([]byte(SchemaVersionKey)); len(v) > 0 && int(v[0]) > SchemaVersion {
			return fmt.Errorf("store schema v%d is newer than this binary supports (v%d)", v[0], SchemaVersion)
		}
		return meta.Put([]byte(SchemaVersionKey), []byte{SchemaVersion})
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(BucketMeta))
		testKey := []byte("__writability_test__")
		if err := b.Put(testKey, []byte("1")); err != nil {
			return fmt.Errorf("database is read-only: %w", err)
		}
		return b.Delete(testKey)
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	var (
		watcher *fsnotify.Watcher
		ebpfMgr ebpf.Manager
		monitor string
	)

	if cfg != nil && cfg.EBPF.Enable {
		if mgr, err := ebpf.NewManager(stateDir, &cfg.EBPF); err != nil {
			if cfg.EBPF.FallbackFSNotify {
				log.Printf("[eBPF] initialization failed (%v), falling back to fsnotify", err)
			} else {
				db.Close()
				return nil, fmt.Errorf("ebpf initialization failed: %w", err)
			}
		} else {
			ebpfMgr = mgr
			monitor = "ebpf"
		}
	}

	if monitor == "" {
		watcher, err = fsnotify.NewWatcher()
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create watcher: %w", err)
		}
		monitor = "fsnotify"
	}
	log.Printf("[Monitor] configured backend: %s", monitor)

	// CAS objects live in their own Pebble instance alongside the bbolt
	// manifest store: chunk writes are high-volume small immutable blobs
	// suited to an LSM tree, while manifests are rare-update records in
	// a single B+tree file.
	casDB, err := pebble.Open(storePath+".cas", &pebble.Options{})
	if err != nil {
		db.Close()
		closeMonitors(watcher, ebpfMgr)
		return nil, fmt.Errorf("failed to open CAS store: %w", err)
	}

	casStore, err := cas.NewStore(casDB, cfg.HashAlgo)
	if err != nil {
		db.Close()
		casDB.Close()
		closeMonitors(watcher, ebpfMgr)
		return nil, fmt.Errorf("failed to initialize CAS: %w", err)
	}

	var codec delta.Codec
	if cfg.DeltaEncoding {
		codec, err = delta.NewCodec(cfg.DeltaCodec)
		if err != nil {
			db.Close()
			casDB.Close()
			closeMonitors(watcher, ebpfMgr)
			return nil, fmt.Errorf("failed to initialize delta codec: %w", err)
		}
	}

	v := &Vault{
		db:        db,
		casDB:     casDB,
		stateDir:  stateDir,
		storePath: storePath,
		watcher:   watcher,
		ebpfMgr:   ebpfMgr,
		config:    cfg,
		cas:       casStore,
		merkle:    merkle.NewManager(),
		delta:     codec,
	}

	if cfg.AsyncJournal {
		v.journal = recorder.NewJournal(casDB)
		v.procCancel = recorder.StartProcessor(casDB, casStore)
		log.Printf("[Journal] async chunk ingestion enabled")
	}

	return v, nil
}

func closeMonitors(watcher *fsnotify.Watcher, mgr ebpf.Manager) {
	if watcher != nil {
		watcher.Close()
	}
	if mgr != nil {
		mgr.Close()
	}
}

func (v *Vault) Close() error {
	// Cancel first so goroutines stop requesting captures, then wait for
	// them to exit before closing the stores they write to.
	if v.cancelMon != nil {
		v.cancelMon()
	}
	v.wg.Wait()

	if v.procCancel != nil {
		v.procCancel()
	}

	if v.watcher != nil {
		v.watcher.Close()
	}
	if v.ebpfMgr != nil {
		v.ebpfMgr.Close()
	}
	if v.casDB != nil {
		if err := v.casDB.Close(); err != nil {
			log.Printf("[CAS] close error: %v", err)
		}
	}
	if v.db != nil {
		return v.db.Close()
	}
	return nil
}

func (v *Vault) addWatchRecursive(root string) error {
	if v.watcher == nil {
		return fmt.Errorf("watcher not initialized")
	}

	// Windows delivers CREATE events only for the top-most directory of a
	// multi-level os.MkdirAll call. Walking lets us attach watchers to
	// every new subdirectory before any files are written.
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return nil
	}

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.IsDir() {
			return nil
		}
		if err := v.watcher.Add(path); err != nil {
			log.Printf("[Watcher] Failed to add watch for %s: %v", path, err)
			return nil
		}
		logDebug("[Watcher] Added watch for %s", path)
		return nil
	})
}

// StartMonitoring enables either eBPF interception or the fsnotify
// fallback, based on what NewVault managed to initialize.
func (v *Vault) StartMonitoring(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	v.monitorCtx, v.cancelMon = context.WithCancel(ctx)

	if v.ebpfMgr != nil {
		if err := v.ebpfMgr.Start(v.monitorCtx); err != nil {
			log.Printf("[eBPF] start failed: %v", err)
			if v.config != nil && v.config.EBPF.FallbackFSNotify {
				log.Printf("[Monitor] Falling back to fsnotify watcher")
				v.ebpfMgr.Close()
				v.ebpfMgr = nil
			} else {
				return err
			}
		} else {
			v.startEBPFWorkers()
			return nil
		}
	}

	if err := v.ensureWatcher(); err != nil {
		return err
	}
	v.startWatcherLoop()
	return nil
}

func (v *Vault) ensureWatcher() error {
	if v.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	v.watcher = watcher
	return nil
}

func (v *Vault) startWatcherLoop() {
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		if err := v.WatchLoop(); err != nil {
			log.Printf("[Watcher] Loop exited: %v", err)
		}
	}()
}

func (v *Vault) startEBPFWorkers() {
	if v.ebpfMgr == nil {
		return
	}

	events := v.ebpfMgr.Events()
	if events == nil {
		log.Printf("[eBPF] event channel not available, falling back to fsnotify")
		if v.config != nil && v.config.EBPF.FallbackFSNotify {
			if err := v.ensureWatcher(); err == nil {
				v.startWatcherLoop()
			}
		}
		return
	}

	if v.config != nil {
		v.profiler = ebpf.NewProfiler(&v.config.EBPF, v.ebpfMgr)
		if v.profiler != nil {
			v.wg.Add(1)
			go func() {
				defer v.wg.Done()
				v.profiler.Run(v.monitorCtx)
			}()
		}
	}

	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		v.consumeEBPFEvents(events)
	}()

	log.Printf("[Monitor] eBPF syscall interception active (state dir: %s)", v.stateDir)
}

func (v *Vault) consumeEBPFEvents(events <-chan ebpf.Event) {
	for {
		select {
		case <-v.monitorCtx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if evt.Path == "" || !v.shouldCapturePath(evt.Path) {
				continue
			}
			if v.profiler != nil {
				v.profiler.Record(evt.Path)
			}
			if err := v.handleWrite(evt.Path); err != nil {
				log.Printf("[eBPF] capture failed for %s: %v", evt.Path, err)
			}
		}
	}
}

// handleWrite routes one settled write either through the synchronous
// capture path or, in async-journal mode, into the durable journal whose
// chunks the background processor stores later.
func (v *Vault) handleWrite(path string) error {
	if v.journal == nil {
		return v.Capture(path)
	}

	relPath, err := filepath.Rel(v.stateDir, path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(platform.LongPathname(path))
	if err != nil {
		return err
	}
	return v.journal.LogEvent(relPath, data)
}

// shouldCapturePath filters monitoring events down to paths inside the
// state directory; the kernel probes see every write on the host.
func (v *Vault) shouldCapturePath(path string) bool {
	if path == "" {
		return false
	}
	fullPath := path
	if !filepath.IsAbs(path) {
		fullPath = filepath.Join(v.stateDir, path)
	}
	fullPath = filepath.Clean(fullPath)
	state := filepath.Clean(v.stateDir)

	rel, err := filepath.Rel(state, fullPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false
	}
	return true
}

// WatchLoop drains fsnotify events and captures every settled write.
func (v *Vault) WatchLoop() error {
	if v.watcher == nil {
		return fmt.Errorf("fsnotify watcher not initialized")
	}

	log.Printf("[Watcher] Watching %s for changes...", v.stateDir)

	if err := v.addWatchRecursive(v.stateDir); err != nil {
		return err
	}

	if v.monitorCtx == nil {
		v.monitorCtx, v.cancelMon = context.WithCancel(context.Background())
	}
	done := v.monitorCtx.Done()

	for {
		select {
		case <-done:
			return nil
		case event, ok := <-v.watcher.Events:
			if !ok {
				return nil
			}

			// Check if shutdown was requested while the event was queued
			select {
			case <-done:
				return nil
			default:
			}

			logDebug("[Watcher] Event %s for %s", event.Op, event.Name)

			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			// Small delay to avoid capturing partial writes
			time.Sleep(100 * time.Millisecond)

			select {
			case <-done:
				return nil
			default:
			}

			info, err := os.Stat(event.Name)
			if err != nil {
				logDebug("[Watcher] Skipping %s: %v", event.Name, err)
				continue
			}

			if info.IsDir() {
				if err := v.addWatchRecursive(event.Name); err != nil {
					logDebug("[Watcher] Skipping recursive watch for %s: %v", event.Name, err)
				}
				continue
			}

			if err := v.handleWrite(event.Name); err != nil {
				log.Printf("[Watcher] Error capturing %s: %v", event.Name, err)
			}

		case err, ok := <-v.watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("[Watcher] Error: %v", err)
		}
	}
}
