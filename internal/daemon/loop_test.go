package daemon

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sentinelfs/sentinel/internal/fanotify"
)

type fakeEngine struct {
	steps     []stepCall
	needClose bool
}

type stepCall struct {
	pid, fd int32
	mask    uint32
}

func (f *fakeEngine) Step(_ context.Context, pid int32, fd int32, mask uint32) bool {
	f.steps = append(f.steps, stepCall{pid, fd, mask})
	return f.needClose
}

func TestRunProcessesEachEventAndClosesOnTrue(t *testing.T) {
	ch := fanotify.NewFake(
		[]fanotify.RawEvent{
			{Version: expectedVersion, Mask: 0x2, Fd: 7, Pid: 100},
			{Version: expectedVersion, Mask: 0x8, Fd: 8, Pid: 101},
		},
	)
	eng := &fakeEngine{needClose: true}
	l := New(Config{Channel: ch, Engine: eng})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.Run(ctx)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run error = %v, want context.DeadlineExceeded", err)
	}
	if len(eng.steps) != 2 {
		t.Fatalf("engine saw %d steps, want 2", len(eng.steps))
	}
	if len(ch.ClosedFds) != 2 || ch.ClosedFds[0] != 7 || ch.ClosedFds[1] != 8 {
		t.Fatalf("ClosedFds = %v, want [7 8]", ch.ClosedFds)
	}
}

func TestRunDoesNotCloseWhenEngineReturnsFalse(t *testing.T) {
	ch := fanotify.NewFake(
		[]fanotify.RawEvent{{Version: expectedVersion, Mask: 0x2, Fd: 7, Pid: 100}},
	)
	eng := &fakeEngine{needClose: false}
	l := New(Config{Channel: ch, Engine: eng})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	l.Run(ctx)

	if len(ch.ClosedFds) != 0 {
		t.Fatalf("ClosedFds = %v, want none", ch.ClosedFds)
	}
}

func TestRunFatalOnRepeatedQueueOverflow(t *testing.T) {
	batches := make([][]fanotify.RawEvent, 0, DefaultFatalThreshold)
	for i := 0; i < DefaultFatalThreshold; i++ {
		batches = append(batches, []fanotify.RawEvent{{Version: expectedVersion, Fd: fanotify.NoFD}})
	}
	ch := fanotify.NewFake(batches...)
	eng := &fakeEngine{}
	l := New(Config{Channel: ch, Engine: eng})

	err := l.Run(context.Background())
	if !errors.Is(err, ErrTooManyQueueOverflows) {
		t.Fatalf("Run error = %v, want ErrTooManyQueueOverflows", err)
	}
	if len(eng.steps) != 0 {
		t.Fatalf("engine should never be stepped on overflow records, got %d calls", len(eng.steps))
	}
}

func TestRunFatalOnRepeatedVersionMismatch(t *testing.T) {
	batches := make([][]fanotify.RawEvent, 0, DefaultFatalThreshold)
	for i := 0; i < DefaultFatalThreshold; i++ {
		batches = append(batches, []fanotify.RawEvent{{Version: expectedVersion + 1, Fd: 5}})
	}
	ch := fanotify.NewFake(batches...)
	l := New(Config{Channel: ch, Engine: &fakeEngine{}})

	err := l.Run(context.Background())
	if !errors.Is(err, ErrTooManyVersionMismatches) {
		t.Fatalf("Run error = %v, want ErrTooManyVersionMismatches", err)
	}
}

func TestRunToleratesOccasionalVersionMismatch(t *testing.T) {
	ch := fanotify.NewFake(
		[]fanotify.RawEvent{{Version: expectedVersion + 1, Fd: 5}},
		[]fanotify.RawEvent{{Version: expectedVersion, Mask: 0x2, Fd: 9, Pid: 1}},
	)
	eng := &fakeEngine{needClose: true}
	l := New(Config{Channel: ch, Engine: eng})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	l.Run(ctx)

	if len(eng.steps) != 1 || eng.steps[0].fd != 9 {
		t.Fatalf("steps = %v, want one step for fd 9", eng.steps)
	}
}
