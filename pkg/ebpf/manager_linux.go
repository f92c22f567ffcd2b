//go:build linux

package ebpf

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/btf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/perf"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/duskvale/rabinvault/pkg/config"
)

var _ Manager = (*kernelManager)(nil)

type kernelManager struct {
	cfg      *config.EBPFConfig
	stateDir string
	objects  *ebpf.Collection
	btfSpec  *btf.Spec
	links    []link.Link

	// Exactly one of the two readers is active: ringRd when the object
	// exposes a ring buffer map (kernels >= 5.8), perfRd otherwise.
	perfRd *perf.Reader
	ringRd *ringbuf.Reader

	events chan Event

	cancel context.CancelFunc
	mu     sync.Mutex

	hotPaths sync.Map
	running  bool
}

// NewManager loads the compiled write-probe object and prepares its
// syscall probes for the given state directory.
func NewManager(stateDir string, cfg *config.EBPFConfig) (Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("ebpf configuration is required")
	}

	var (
		btfSpec   *btf.Spec
		btfSource string
		err       error
	)

	if loader := NewBTFLoader(cfg); loader != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		btfSpec, btfSource, err = loader.LoadSpec(ctx)
		if err != nil {
			return nil, fmt.Errorf("btf load failed: %w", err)
		}
		if btfSource != "" {
			log.Printf("[eBPF] Loaded BTF spec from %s", btfSource)
		}
	}

	m := &kernelManager{
		cfg:      cfg,
		stateDir: stateDir,
		btfSpec:  btfSpec,
		events:   make(chan Event, maxInt(cfg.EventBufferSize, 1024)),
	}

	if err := m.init(); err != nil {
		_ = m.Close()
		return nil, err
	}

	return m, nil
}

func (m *kernelManager) init() error {
	spec, err := loadCollectionSpec(m.cfg.ProgramPath)
	if err != nil {
		return err
	}

	var opts ebpf.CollectionOptions
	if m.btfSpec != nil {
		opts.Programs = ebpf.ProgramOptions{
			KernelTypes: m.btfSpec,
		}
	}

	objs, err := ebpf.NewCollectionWithOptions(spec, opts)
	if err != nil {
		return fmt.Errorf("init eBPF collection: %w", err)
	}
	m.objects = objs

	if err := m.attachWriteProbes(); err != nil {
		return err
	}

	return m.setupReader()
}

func (m *kernelManager) attachWriteProbes() error {
	type probeCfg struct {
		program string
		symbols []string
	}

	probes := []probeCfg{
		{program: "kprobe_write", symbols: []string{"ksys_write", "__x64_sys_write"}},
		{program: "kprobe_pwrite64", symbols: []string{"ksys_pwrite64", "__x64_sys_pwrite64"}},
		{program: "kprobe_writev", symbols: []string{"ksys_writev", "__x64_sys_writev"}},
	}

	for _, probe := range probes {
		prog := m.objects.Programs[probe.program]
		if prog == nil {
			continue
		}

		var attached bool
		for _, symbol := range probe.symbols {
			l, err := link.Kprobe(symbol, prog, nil)
			if err != nil {
				continue
			}
			m.links = append(m.links, l)
			attached = true
			break
		}

		if !attached {
			return fmt.Errorf("failed to attach probe %s to any syscall", probe.program)
		}
	}

	return nil
}

// setupReader prefers the ring buffer map when the compiled object
// provides one; ring buffers avoid per-CPU sizing and lost-sample
// bookkeeping but need a 5.8+ kernel, so the perf map stays as the
// portable path.
func (m *kernelManager) setupReader() error {
	if rbMap := m.objects.Maps[ringbufMapName]; rbMap != nil {
		rb, err := ringbuf.NewReader(rbMap)
		if err != nil {
			return fmt.Errorf("create ring buffer reader: %w", err)
		}
		m.ringRd = rb
		return nil
	}

	eventsMap := m.objects.Maps[perfMapName]
	if eventsMap == nil {
		return fmt.Errorf("eBPF object missing %q and %q maps for write captures", ringbufMapName, perfMapName)
	}

	pageSize := os.Getpagesize()
	bufferSize := maxInt(m.cfg.EventBufferSize, pageSize)

	reader, err := perf.NewReader(eventsMap, bufferSize)
	if err != nil {
		return fmt.Errorf("create perf reader: %w", err)
	}
	m.perfRd = reader
	return nil
}

// Start begins draining the kernel event buffer into the Events channel.
func (m *kernelManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	if m.perfRd == nil && m.ringRd == nil {
		return fmt.Errorf("event reader not initialized")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	if m.ringRd != nil {
		go m.consumeRingEvents(runCtx)
	} else {
		go m.consumePerfEvents(runCtx)
	}

	m.running = true
	return nil
}

func (m *kernelManager) consumePerfEvents(ctx context.Context) {
	defer close(m.events)

	for {
		record, err := m.perfRd.Read()
		if err != nil {
			if errors.Is(err, perf.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Printf("[eBPF] perf read error: %v", err)
			continue
		}

		if record.LostSamples > 0 {
			log.Printf("[eBPF] lost %d samples (increase buffer size)", record.LostSamples)
		}

		m.deliver(ctx, record.RawSample)
	}
}

func (m *kernelManager) consumeRingEvents(ctx context.Context) {
	defer close(m.events)

	for {
		record, err := m.ringRd.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Printf("[eBPF] ring buffer read error: %v", err)
			continue
		}

		m.deliver(ctx, record.RawSample)
	}
}

func (m *kernelManager) deliver(ctx context.Context, raw []byte) {
	event, err := decodeWriteEvent(raw)
	if err != nil {
		log.Printf("[eBPF] decode event failed: %v", err)
		return
	}

	select {
	case <-ctx.Done():
	case m.events <- event:
	}
}

func decodeWriteEvent(raw []byte) (Event, error) {
	var payload struct {
		PID   uint32
		_     uint32
		Bytes uint64
		Path  [256]byte
	}

	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &payload); err != nil {
		return Event{}, err
	}

	path := string(bytes.Trim(payload.Path[:], "\x00"))
	return Event{
		PID:       payload.PID,
		Path:      path,
		Bytes:     payload.Bytes,
		Timestamp: time.Now(),
	}, nil
}

func (m *kernelManager) Events() <-chan Event {
	return m.events
}

func (m *kernelManager) ApplyHotPathHints(hints map[string]float64) error {
	for path, score := range hints {
		m.hotPaths.Store(path, score)
	}
	// Future: write hints into a kernel BPF map so cold paths can be
	// filtered before they cross into user space.
	if len(hints) > 0 {
		log.Printf("[Profiler] Updated %d hot path hint(s)", len(hints))
	}
	return nil
}

// Close detaches probes and frees kernel/user-space resources.
func (m *kernelManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
	}

	if m.perfRd != nil {
		m.perfRd.Close()
	}
	if m.ringRd != nil {
		m.ringRd.Close()
	}

	for _, l := range m.links {
		_ = l.Close()
	}
	m.links = nil

	if m.objects != nil {
		m.objects.Close()
	}

	// btf.Spec is parsed type information with no kernel handle behind
	// it; dropping the reference is all the cleanup it needs.
	m.btfSpec = nil

	m.running = false
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
