//go:build linux

package procinfo

// DefaultProcessInfo adapts PathOf/CommOf to the int32-keyed shape the
// response engine's ProcessInfo interface expects (fanotify hands back
// fds and pids as int32).
type DefaultProcessInfo struct{}

func (DefaultProcessInfo) PathOf(fd int32) (string, error) {
	return PathOf(int(fd))
}

func (DefaultProcessInfo) CommOf(pid int32) (string, error) {
	return CommOf(int(pid))
}
