// Package daemon wires the kernel notification channel to the response
// engine and drives the single-threaded correlator loop described in spec
// §5: one blocking read, then synchronous processing of every event in the
// batch before the next read.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sentinelfs/sentinel/internal/fanotify"
	"github.com/sentinelfs/sentinel/internal/response"
)

// DefaultFatalThreshold is the number of protocol-version mismatches, or
// kernel queue overflows, the loop tolerates before exiting with an error.
// Each kind is counted in total over the loop's lifetime; the counts are
// never reset.
const DefaultFatalThreshold = 10

// ErrTooManyVersionMismatches is returned by Run once the protocol-version
// mismatch counter reaches its threshold.
var ErrTooManyVersionMismatches = errors.New("daemon: too many fanotify protocol version mismatches")

// ErrTooManyQueueOverflows is returned by Run once the kernel-reported
// queue-overflow counter reaches its threshold.
var ErrTooManyQueueOverflows = errors.New("daemon: too many fanotify queue overflows")

// expectedVersion is the fanotify protocol version this core was written
// against (FANOTIFY_METADATA_VERSION at the time of writing).
const expectedVersion uint8 = 3

// Loop drives the correlator's single thread: read a batch from channel,
// run every record through engine.Step, and apply the close/response
// bookkeeping Step delegates back to the caller.
type Loop struct {
	channel        fanotify.Channel
	engine         Engine
	fatalThreshold int
	logger         *slog.Logger
}

// Engine is the subset of response.Engine's behavior the loop depends on;
// response.Engine satisfies it directly.
type Engine interface {
	Step(ctx context.Context, pid int32, eventFd int32, rawMask uint32) (needsClose bool)
}

var _ Engine = (*response.Engine)(nil)

// Config bundles Loop's construction-time dependencies.
type Config struct {
	Channel        fanotify.Channel
	Engine         Engine
	FatalThreshold int // 0 selects DefaultFatalThreshold
	Logger         *slog.Logger
}

// New constructs a Loop.
func New(cfg Config) *Loop {
	if cfg.FatalThreshold == 0 {
		cfg.FatalThreshold = DefaultFatalThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Loop{
		channel:        cfg.Channel,
		engine:         cfg.Engine,
		fatalThreshold: cfg.FatalThreshold,
		logger:         cfg.Logger,
	}
}

// Run blocks, reading and processing batches until ctx is cancelled or a
// fatal condition is reached (too many version mismatches or queue
// overflows, or an unrecoverable channel read error).
func (l *Loop) Run(ctx context.Context) error {
	var versionMismatches, queueOverflows int

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		batch, err := l.channel.ReadBatch(ctx)
		if err != nil {
			return fmt.Errorf("daemon: read batch: %w", err)
		}

		for _, raw := range batch {
			if raw.Version != expectedVersion {
				versionMismatches++
				l.logger.Error("daemon: fanotify protocol version mismatch", "got", raw.Version, "want", expectedVersion)
				if versionMismatches >= l.fatalThreshold {
					return ErrTooManyVersionMismatches
				}
				continue
			}

			if raw.Fd == fanotify.NoFD {
				queueOverflows++
				l.logger.Error("daemon: fanotify event queue overflowed")
				if queueOverflows >= l.fatalThreshold {
					return ErrTooManyQueueOverflows
				}
				continue
			}
			if raw.Fd < 0 {
				continue
			}

			needsClose := l.engine.Step(ctx, raw.Pid, raw.Fd, raw.Mask)
			if needsClose {
				if err := l.channel.CloseFd(raw.Fd); err != nil {
					l.logger.Warn("daemon: failed to close event fd", "fd", raw.Fd, "error", err)
				}
			}
		}
	}
}
