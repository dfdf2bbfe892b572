// Linux implementation of Channel backed by the fanotify kernel API.
//
//go:build linux

package fanotify

import (
	"context"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// WatchedMask is the set of fanotify bits the bootstrap marks the watched
// mount with: the permission-gated variants this core acts on, plus the
// plain variants needed so FAN_CLOSE_WRITE/FAN_CLOSE_NOWRITE are delivered
// (closes carry no permission bit of their own).
const WatchedMask uint64 = unix.FAN_OPEN_PERM |
	unix.FAN_OPEN_EXEC_PERM |
	unix.FAN_ACCESS_PERM |
	unix.FAN_MODIFY |
	unix.FAN_CLOSE_WRITE |
	unix.FAN_CLOSE_NOWRITE

// metadataSize is the fixed, kernel-defined size of one
// fanotify_event_metadata record.
var metadataSize = int(unsafe.Sizeof(unix.FanotifyEventMetadata{}))

// LinuxChannel is the production Channel, reading from a fanotify group
// initialized in FAN_CLASS_PRE_CONTENT mode (required to receive
// permission events before the kernel commits the syscall).
type LinuxChannel struct {
	fd int
}

// Open initializes a fanotify notification group in permission-capable mode
// and marks mountPoint (and, recursively via FAN_MARK_MOUNT, everything
// under it) with WatchedMask. The caller must hold CAP_SYS_ADMIN.
func Open(mountPoint string) (*LinuxChannel, error) {
	fd, err := unix.FanotifyInit(unix.FAN_CLASS_PRE_CONTENT|unix.FAN_CLOEXEC, uint(unix.O_RDONLY|unix.O_LARGEFILE))
	if err != nil {
		return nil, fmt.Errorf("fanotify: init: %w", err)
	}

	if err := unix.FanotifyMark(fd, unix.FAN_MARK_ADD|unix.FAN_MARK_MOUNT, WatchedMask, unix.AT_FDCWD, mountPoint); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("fanotify: mark mount %q: %w", mountPoint, err)
	}

	return &LinuxChannel{fd: fd}, nil
}

// ReadBatch implements Channel. It performs one blocking read(2) on the
// fanotify descriptor and parses every complete record the kernel returned
// into that read, mirroring the FAN_EVENT_OK/FAN_EVENT_NEXT iteration from
// the C fanotify API.
func (c *LinuxChannel) ReadBatch(ctx context.Context) ([]RawEvent, error) {
	// 4 KiB comfortably holds many fixed-size (24 byte) records per read,
	// matching the buffer size used by reference fanotify consumers.
	buf := make([]byte, 4096)

	n, err := unix.Read(c.fd, buf)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("fanotify: read: %w", err)
	}

	var events []RawEvent
	for offset := 0; offset+metadataSize <= n; {
		// Safe: buf is a Go-managed byte slice; FanotifyEventMetadata has a
		// fixed, kernel-guaranteed layout; bounds are checked above.
		md := (*unix.FanotifyEventMetadata)(unsafe.Pointer(&buf[offset]))
		events = append(events, RawEvent{
			Version: md.Vers,
			Mask:    uint32(md.Mask),
			Fd:      md.Fd,
			Pid:     md.Pid,
		})
		offset += int(md.Event_len)
	}
	return events, nil
}

// WriteResponse implements Channel.
func (c *LinuxChannel) WriteResponse(fd int32, verdict Verdict) error {
	resp := unix.FanotifyResponse{
		Fd:       fd,
		Response: unix.FAN_ALLOW,
	}
	if verdict == Deny {
		resp.Response = unix.FAN_DENY
	}

	buf := (*[unsafe.Sizeof(unix.FanotifyResponse{})]byte)(unsafe.Pointer(&resp))[:]
	_, err := unix.Write(c.fd, buf)
	if err != nil {
		return fmt.Errorf("fanotify: write response for fd %d: %w", fd, err)
	}
	return nil
}

// CloseFd implements Channel.
func (c *LinuxChannel) CloseFd(fd int32) error {
	return unix.Close(int(fd))
}

// MarkIgnore implements ignoreguard.Channel via FAN_MARK_IGNORED_MASK:
// events matching mask on path stop being delivered, but the mark survives
// FAN_MODIFY on the file itself (FAN_MARK_IGNORED_SURV_MODIFY) so a
// subsequent legitimate write after the guard is released is still seen.
func (c *LinuxChannel) MarkIgnore(path string, mask uint64) error {
	flags := uint(unix.FAN_MARK_ADD | unix.FAN_MARK_IGNORED_MASK | unix.FAN_MARK_IGNORED_SURV_MODIFY)
	if err := unix.FanotifyMark(c.fd, flags, mask, unix.AT_FDCWD, path); err != nil {
		return fmt.Errorf("fanotify: mark ignored %q: %w", path, err)
	}
	return nil
}

// UnmarkIgnore implements ignoreguard.Channel.
func (c *LinuxChannel) UnmarkIgnore(path string, mask uint64) error {
	flags := uint(unix.FAN_MARK_REMOVE | unix.FAN_MARK_IGNORED_MASK)
	if err := unix.FanotifyMark(c.fd, flags, mask, unix.AT_FDCWD, path); err != nil {
		return fmt.Errorf("fanotify: unmark ignored %q: %w", path, err)
	}
	return nil
}

// Close implements Channel.
func (c *LinuxChannel) Close() error {
	return unix.Close(c.fd)
}
