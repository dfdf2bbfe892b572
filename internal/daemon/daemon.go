package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Daemon runs a Loop on a background goroutine and exposes the same
// Start/Stop lifecycle shape the rest of this codebase uses for long-running
// components.
type Daemon struct {
	loop   *Loop
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan error
}

// NewDaemon wraps loop in a Start/Stop lifecycle.
func NewDaemon(loop *Loop, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{loop: loop, logger: logger}
}

// Start launches the correlator loop on a background goroutine. It returns
// an error if the daemon is already running.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("daemon: already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan error, 1)
	d.running = true

	d.logger.Info("daemon: correlator loop starting")
	go func() {
		err := d.loop.Run(runCtx)
		d.done <- err
	}()
	return nil
}

// Stop cancels the running loop and waits for it to exit. It is safe to call
// multiple times; subsequent calls are no-ops.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	cancel := d.cancel
	done := d.done
	d.mu.Unlock()

	cancel()
	err := <-done
	if err != nil && err != context.Canceled {
		d.logger.Warn("daemon: correlator loop exited with error", "error", err)
		return err
	}
	d.logger.Info("daemon: correlator loop stopped")
	return nil
}
