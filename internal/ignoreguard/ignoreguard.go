// Package ignoreguard implements the scoped suppression marker the response
// engine wraps around its own backup and restore I/O, so that writing a
// snapshot back to the watched file does not re-enter the detector as if it
// were the attacker's own write.
package ignoreguard

import (
	"log/slog"
	"sync"
)

// Channel is the subset of the kernel notification channel ignoreguard
// needs: the ability to add and remove an "ignored" marking for a path,
// over the bits in mask. The Linux fanotify implementation satisfies this
// via FAN_MARK_IGNORED_MASK.
type Channel interface {
	MarkIgnore(path string, mask uint64) error
	UnmarkIgnore(path string, mask uint64) error
}

// Manager tracks, per path, how many guards are currently active so that
// nested guards on the same path compose correctly: the ignore marking is
// installed on the first Acquire for a path and removed only when the last
// matching guard releases. Manager is confined to the single correlator
// thread, like every other piece of core state (see internal/response).
//
// mask is the same watched-event mask the channel was marked with at
// bootstrap; a guard only needs to suppress the bits the correlator itself
// is subscribed to.
type Manager struct {
	ch     Channel
	mask   uint64
	log    *slog.Logger
	depths map[string]int
}

// NewManager constructs a Manager bound to ch, suppressing mask's bits for
// the duration of each guard. log may be nil, in which case a discard
// logger is used.
func NewManager(ch Channel, mask uint64, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.New(slog.NewTextHandler(nilWriter{}, nil))
	}
	return &Manager{ch: ch, mask: mask, log: log, depths: make(map[string]int)}
}

// Guard is a scoped suppression on one path. Close must be called at least
// once, typically via defer, to guarantee removal on all exit paths
// including panics recovered upstream; calls after the first are no-ops.
type Guard struct {
	m    *Manager
	path string
	once sync.Once
}

// Acquire suppresses notifications for path, installing the kernel-level
// ignore marking if this is the outermost guard for path. The returned
// Guard's Close method releases this acquisition; it is safe, and a no-op,
// to call Close more than once.
func (m *Manager) Acquire(path string) *Guard {
	m.depths[path]++
	if m.depths[path] == 1 {
		if err := m.ch.MarkIgnore(path, m.mask); err != nil {
			m.log.Warn("ignoreguard: failed to install ignore mark", "path", path, "error", err)
		}
	}
	return &Guard{m: m, path: path}
}

// Close releases the guard's acquisition, removing the kernel-level ignore
// marking once the outermost guard for the path has been released.
// Removal failure is logged; it cannot prevent scope exit, matching the
// contract that guards always release even on error.
func (g *Guard) Close() {
	g.once.Do(func() {
		m := g.m
		m.depths[g.path]--
		if m.depths[g.path] <= 0 {
			delete(m.depths, g.path)
			if err := m.ch.UnmarkIgnore(g.path, m.mask); err != nil {
				m.log.Warn("ignoreguard: failed to remove ignore mark", "path", g.path, "error", err)
			}
		}
	})
}

// Depth reports how many guards are currently active for path. It exists
// for tests; production code has no need to inspect it.
func (m *Manager) Depth(path string) int {
	return m.depths[path]
}

type nilWriter struct{}

func (nilWriter) Write(p []byte) (int, error) { return len(p), nil }
