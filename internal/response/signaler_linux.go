//go:build linux

package response

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// OSSignaler sends real process signals via kill(2).
type OSSignaler struct{}

// Signal implements Signaler.
func (OSSignaler) Signal(pid int32, verdict Verdict) error {
	sig := unix.SIGKILL
	if verdict == Stop {
		sig = unix.SIGSTOP
	}
	if err := unix.Kill(int(pid), sig); err != nil {
		return fmt.Errorf("response: kill(%d, %v): %w", pid, sig, err)
	}
	return nil
}
