//go:build linux

package ebpf

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cilium/ebpf"
)

// Map and program names compiled into rabinvault.bpf.o. The write probes
// publish events either through a BPF ring buffer (kernels >= 5.8) or a
// per-CPU perf array; the object may carry both, and the manager picks
// whichever the running kernel supports.
const (
	ringbufMapName = "events_rb"
	perfMapName    = "events"

	defaultObjectName = "rabinvault.bpf.o"
)

// resolveObjectPath returns the compiled object to load: an explicit
// path wins, then ebpf/rabinvault.bpf.o in the binary's directory, then
// bin/ebpf/rabinvault.bpf.o relative to the working directory.
func resolveObjectPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), "ebpf", defaultObjectName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return filepath.Join("bin", "ebpf", defaultObjectName)
}

// loadCollectionSpec reads and parses the compiled eBPF object.
func loadCollectionSpec(programPath string) (*ebpf.CollectionSpec, error) {
	objPath := resolveObjectPath(programPath)

	f, err := os.Open(objPath)
	if err != nil {
		return nil, fmt.Errorf("open eBPF object (%s): %w", objPath, err)
	}
	defer f.Close()

	spec, err := ebpf.LoadCollectionSpecFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("load eBPF spec: %w", err)
	}
	return spec, nil
}
