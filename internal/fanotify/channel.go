// Package fanotify provides the kernel notification channel abstraction the
// daemon reads raw event batches from and writes permission verdicts back
// to, plus the Linux fanotify-backed implementation of it.
package fanotify

import "context"

// RawEvent is a single fanotify_event_metadata record as delivered by the
// kernel: a protocol version, an event mask (the bitset internal/event's
// decoder consumes), a file descriptor for the accessed object (or the
// NoFD sentinel), and the pid that triggered it.
type RawEvent struct {
	Version uint8
	Mask    uint32
	Fd      int32
	Pid     int32
}

// NoFD is the distinguished Fd value the kernel uses to signal that its
// event queue overflowed; the record carries no usable file descriptor.
const NoFD int32 = -1

// Verdict is the response this core writes back for permission-gated
// events. This core only ever allows; see Channel.WriteResponse doc.
type Verdict int

const (
	Allow Verdict = iota
	Deny
)

// Channel is the kernel event channel contract the daemon's event loop and
// the ignoreguard.Manager rely on. Implementations must not merge two
// permission events into one RawEvent (this is a kernel guarantee fanotify
// itself provides, not one Channel must simulate).
type Channel interface {
	// ReadBatch blocks until at least one event is available and returns
	// the full batch the kernel delivered in one read. It returns an error
	// only on an unrecoverable I/O failure.
	ReadBatch(ctx context.Context) ([]RawEvent, error)

	// WriteResponse answers a permission-gated event referenced by fd.
	// Only events carrying a permission bit require a call; this core
	// always writes Allow, choosing signal-based mitigation over denial
	// (a deny would look identical to a transient I/O failure to the
	// calling process).
	WriteResponse(fd int32, verdict Verdict) error

	// CloseFd closes a single event's file descriptor, as returned in a
	// RawEvent. It does not affect the channel's own descriptor.
	CloseFd(fd int32) error

	// MarkIgnore and UnmarkIgnore implement ignoreguard.Channel: suppress
	// or restore notifications for path over mask's bits.
	MarkIgnore(path string, mask uint64) error
	UnmarkIgnore(path string, mask uint64) error

	// Close releases the underlying kernel descriptor.
	Close() error
}

// Permission-gated mask bits, mirroring <linux/fanotify.h> FAN_OPEN_PERM,
// FAN_OPEN_EXEC_PERM and FAN_ACCESS_PERM. Kept local (rather than importing
// the platform binding) so this file has no build tag.
const (
	openPerm   uint32 = 0x00010000
	execPerm   uint32 = 0x00040000
	accessPerm uint32 = 0x00020000
)

// IsPermissionEvent reports whether mask carries any of the bits that
// require a WriteResponse call: open, exec or access permission.
func IsPermissionEvent(mask uint32) bool {
	return mask&(openPerm|execPerm|accessPerm) != 0
}
