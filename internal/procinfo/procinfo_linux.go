// Package procinfo resolves the two pieces of process metadata the response
// engine needs that fanotify itself does not supply: the path an event's fd
// refers to, and the short command name of the pid that triggered it. Both
// read from /proc and both may fail; callers treat failure as non-fatal.
//
//go:build linux

package procinfo

import (
	"fmt"
	"os"
	"strings"
)

// PathOf resolves fd (valid in this process, typically the fd fanotify
// handed back in an event record) to the on-disk path it refers to, via the
// /proc/self/fd/<fd> symlink.
func PathOf(fd int) (string, error) {
	link := fmt.Sprintf("/proc/self/fd/%d", fd)
	path, err := os.Readlink(link)
	if err != nil {
		return "", fmt.Errorf("procinfo: resolve %s: %w", link, err)
	}
	return path, nil
}

// CommOf returns the short command name of pid, read from
// /proc/<pid>/comm. The kernel null-terminates and newline-terminates this
// file's contents; both are trimmed.
func CommOf(pid int) (string, error) {
	path := fmt.Sprintf("/proc/%d/comm", pid)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("procinfo: read %s: %w", path, err)
	}
	return strings.TrimRight(string(data), "\n\x00"), nil
}
