// Package ebpf intercepts file write syscalls at the kernel level so the
// vault can capture a file as soon as something modifies it, without
// polling or per-directory watches. Non-Linux builds get a stub whose
// NewManager reports ErrUnsupported; callers fall back to fsnotify when
// NewManager fails for that or any other reason.
package ebpf

import (
	"context"
	"errors"
	"time"
)

// ErrUnsupported is returned when the current platform cannot host eBPF programs.
var ErrUnsupported = errors.New("eBPF monitoring is only supported on Linux kernels >= 4.18")

// Event represents a captured syscall write targeting a given path.
type Event struct {
	PID       uint32
	Path      string
	Bytes     uint64
	Timestamp time.Time
}

// HotPathSink consumes adaptive profiler hints to refine kernel filters.
type HotPathSink interface {
	ApplyHotPathHints(map[string]float64) error
}

// Manager exposes kernel-level write monitoring regardless of platform.
type Manager interface {
	Start(ctx context.Context) error
	Close() error
	Events() <-chan Event
	ApplyHotPathHints(map[string]float64) error
}
