// Package response implements the Response Engine (C5): the per-(pid, path)
// state map, the opportunistic-backup and pattern-match decision logic run
// on every decoded event, and the kill/restore actions taken on a match.
package response

import (
	"context"
	"log/slog"
	"time"

	"github.com/sentinelfs/sentinel/internal/audit"
	"github.com/sentinelfs/sentinel/internal/backup"
	"github.com/sentinelfs/sentinel/internal/event"
	"github.com/sentinelfs/sentinel/internal/fanotify"
	"github.com/sentinelfs/sentinel/internal/history"
	"github.com/sentinelfs/sentinel/internal/ignoreguard"
	"github.com/sentinelfs/sentinel/internal/pattern"
	"github.com/sentinelfs/sentinel/internal/queue"
)

// AuditLogger is the subset of audit.Logger's behavior the engine depends
// on. A nil AuditLogger disables audit recording.
type AuditLogger interface {
	RecordResponse(p audit.ResponsePayload) (audit.Entry, error)
}

// ReportQueue is the subset of queue.SQLiteQueue's behavior the engine
// depends on. A nil ReportQueue disables report forwarding.
type ReportQueue interface {
	Enqueue(ctx context.Context, r queue.DetectionReport) error
}

// NamedPattern pairs a Pattern with the human-readable name used in logs,
// audit entries, and detection reports.
type NamedPattern struct {
	Name    string
	Pattern pattern.Pattern
}

// noBackup is the backup_id sentinel meaning "no snapshot currently held for
// this file", matching the source's id < 0 convention (§4.3/§4.4).
const noBackup int64 = -1

// FileInfo is the per-(pid, path) record the engine maintains: the file's
// bounded event history and, if a snapshot has been taken for the current
// access episode, its backup id.
type FileInfo struct {
	History  *history.History
	BackupID int64
}

func newFileInfo(capacity int) *FileInfo {
	return &FileInfo{History: history.New(capacity), BackupID: noBackup}
}

// ProcessInfo resolves the process metadata the engine needs but fanotify
// does not supply. Both methods may fail; failure is logged and treated as
// non-fatal, matching the external collaborator contract in spec §6.
type ProcessInfo interface {
	PathOf(fd int32) (string, error)
	CommOf(pid int32) (string, error)
}

// Verdict is the action taken against a pid whose file history matched a
// pattern.
type Verdict int

const (
	// Kill sends a fatal signal to the offending process. This is the
	// default operating mode.
	Kill Verdict = iota
	// Stop sends a stop signal, suspending the process for interactive
	// review instead of terminating it.
	Stop
)

// Signaler sends a process-control signal to pid. The production
// implementation wraps unix.Kill; tests substitute a fake that records
// calls instead of touching real processes.
type Signaler interface {
	Signal(pid int32, verdict Verdict) error
}

// Engine owns the ProcMap and drives the per-event algorithm in spec §4.5.
// It is not safe for concurrent use: like every other piece of core state,
// it is confined to the single correlator thread that drives the event
// loop (see internal/daemon).
type Engine struct {
	procMap map[int32]map[string]*FileInfo

	patterns []NamedPattern
	verdict  Verdict

	channel     fanotify.Channel
	watchedMask uint64
	store       backup.Store
	procInfo    ProcessInfo
	signaler    Signaler
	guards      *ignoreguard.Manager
	audit       AuditLogger
	queue       ReportQueue

	historyCapacity int
	logger          *slog.Logger
}

// Config bundles Engine's construction-time dependencies.
type Config struct {
	Patterns        []NamedPattern
	Verdict         Verdict
	Channel         fanotify.Channel
	WatchedMask     uint64 // the mask the channel was marked with at bootstrap
	Store           backup.Store
	ProcessInfo     ProcessInfo
	Signaler        Signaler
	Audit           AuditLogger // nil disables audit recording
	Queue           ReportQueue // nil disables report forwarding
	HistoryCapacity int         // 0 selects history.DefaultCapacity
	Logger          *slog.Logger
}

// New constructs an Engine. It panics if cfg.Patterns is empty: the engine
// has nothing to detect without at least one pattern.
func New(cfg Config) *Engine {
	if len(cfg.Patterns) == 0 {
		panic("response: Engine requires at least one pattern")
	}
	if cfg.HistoryCapacity == 0 {
		cfg.HistoryCapacity = history.DefaultCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Engine{
		procMap:         make(map[int32]map[string]*FileInfo),
		patterns:        cfg.Patterns,
		verdict:         cfg.Verdict,
		channel:         cfg.Channel,
		watchedMask:     cfg.WatchedMask,
		store:           cfg.Store,
		procInfo:        cfg.ProcessInfo,
		signaler:        cfg.Signaler,
		audit:           cfg.Audit,
		queue:           cfg.Queue,
		guards:          ignoreguard.NewManager(cfg.Channel, cfg.WatchedMask, cfg.Logger),
		historyCapacity: cfg.HistoryCapacity,
		logger:          cfg.Logger,
	}
}

// Step implements the per-invocation algorithm from spec §4.5. It returns
// true unless the engine has already consumed and closed eventFd following
// a pattern match, in which case it returns false and the caller must not
// close eventFd again.
//
// Permission verdicts are written by Step itself, before it returns, for
// both outcomes; the caller's only remaining responsibility on a true
// return is to close eventFd.
func (e *Engine) Step(ctx context.Context, pid int32, eventFd int32, rawMask uint32) bool {
	permissionEvent := fanotify.IsPermissionEvent(rawMask)

	path, err := e.procInfo.PathOf(eventFd)
	if err != nil {
		e.logger.Warn("response: failed to resolve path for event fd", "fd", eventFd, "pid", pid, "error", err)
		e.allow(permissionEvent, eventFd)
		return true
	}

	var info *FileInfo

	mask := rawMask
	for {
		ev := event.Decode(&mask)
		if ev == event.Empty {
			break
		}

		if info == nil {
			files, ok := e.procMap[pid]
			if !ok {
				files = make(map[string]*FileInfo)
				e.procMap[pid] = files
			}
			info, ok = files[path]
			if !ok {
				info = newFileInfo(e.historyCapacity)
				files[path] = info
			}
		}
		info.History.Append(ev)

		if ev == event.Open && info.BackupID == noBackup {
			e.tryBackup(ctx, path, info)
		}

		if name, matched := e.matchPatterns(info.History); matched {
			e.handleMatch(ctx, pid, path, name, info, permissionEvent, eventFd)
			return false
		}

		if ev == event.CloseWrite || ev == event.CloseNoWrite {
			e.tryRelease(ctx, info)
			break
		}
	}

	e.allow(permissionEvent, eventFd)
	return true
}

func (e *Engine) allow(permissionEvent bool, eventFd int32) {
	if !permissionEvent {
		return
	}
	if err := e.channel.WriteResponse(eventFd, fanotify.Allow); err != nil {
		e.logger.Warn("response: failed to write permission response", "fd", eventFd, "error", err)
	}
}

func (e *Engine) matchPatterns(h *history.History) (name string, matched bool) {
	for _, p := range e.patterns {
		if pattern.Matches(p.Pattern, h) {
			return p.Name, true
		}
	}
	return "", false
}

// tryBackup attempts an opportunistic snapshot of path, within an
// IgnoreGuard scope so the read the store performs does not re-enter the
// correlator. Failure is swallowed: no backup is available for this file,
// but detection proceeds unaffected.
func (e *Engine) tryBackup(ctx context.Context, path string, info *FileInfo) {
	guard := e.guards.Acquire(path)
	defer guard.Close()

	id, err := e.store.Store(ctx, path)
	if err != nil {
		e.logger.Debug("response: opportunistic backup unavailable", "path", path, "error", err)
		return
	}
	info.BackupID = id
}

// tryRelease releases info's backup, if any, because the access episode
// ended without a match.
func (e *Engine) tryRelease(ctx context.Context, info *FileInfo) {
	if info.BackupID == noBackup {
		return
	}
	if err := e.store.Release(ctx, info.BackupID); err != nil {
		e.logger.Warn("response: failed to release backup", "backup_id", info.BackupID, "error", err)
	}
	info.BackupID = noBackup
}

// handleMatch runs the full match-response sequence from spec §4.5 step 2:
// log, signal, close, restore, and drop the pid's ProcMap entry.
func (e *Engine) handleMatch(ctx context.Context, pid int32, path string, patternName string, info *FileInfo, permissionEvent bool, eventFd int32) {
	comm, err := e.procInfo.CommOf(pid)
	if err != nil {
		e.logger.Warn("response: failed to resolve comm for pid", "pid", pid, "error", err)
		comm = "?"
	}
	e.logger.Warn("response: malware pattern matched",
		"pid", pid, "comm", comm, "path", path, "pattern", patternName, "verdict", e.verdictName())
	e.recordAudit(audit.ResponsePayload{Action: audit.ActionMatch, Pid: pid, Comm: comm, Path: path, Verdict: e.verdictName()})
	e.enqueueReport(ctx, pid, comm, path, patternName)

	e.allow(permissionEvent, eventFd)
	if err := e.channel.CloseFd(eventFd); err != nil {
		e.logger.Warn("response: failed to close event fd", "fd", eventFd, "error", err)
	}

	if err := e.signaler.Signal(pid, e.verdict); err != nil {
		e.logger.Warn("response: failed to signal pid", "pid", pid, "verdict", e.verdictName(), "error", err)
	} else {
		e.recordAudit(audit.ResponsePayload{Action: audit.ActionSignal, Pid: pid, Comm: comm, Path: path, Verdict: e.verdictName()})
	}

	if info.BackupID != noBackup {
		guard := e.guards.Acquire(path)
		if err := e.store.Restore(ctx, info.BackupID, path); err != nil {
			e.logger.Warn("response: failed to restore backup", "backup_id", info.BackupID, "path", path, "error", err)
		} else {
			e.recordAudit(audit.ResponsePayload{Action: audit.ActionRestore, Pid: pid, Comm: comm, Path: path})
			if err := e.store.Release(ctx, info.BackupID); err != nil {
				e.logger.Warn("response: failed to release backup after restore", "backup_id", info.BackupID, "error", err)
			}
		}
		guard.Close()
	}

	delete(e.procMap, pid)
}

// recordAudit appends p to the audit trail if one is configured. Failure is
// logged, never fatal: the response action itself has already taken effect.
func (e *Engine) recordAudit(p audit.ResponsePayload) {
	if e.audit == nil {
		return
	}
	if _, err := e.audit.RecordResponse(p); err != nil {
		e.logger.Warn("response: failed to append audit entry", "action", p.Action, "error", err)
	}
}

// enqueueReport forwards a detection report to the durable queue, if one is
// configured, for eventual delivery to the collector. Failure is logged,
// never fatal: the in-process response has already taken effect regardless
// of whether the collector ever learns about it.
func (e *Engine) enqueueReport(ctx context.Context, pid int32, comm, path, patternName string) {
	if e.queue == nil {
		return
	}
	report := queue.DetectionReport{
		Pid:         pid,
		Comm:        comm,
		Path:        path,
		PatternName: patternName,
		Verdict:     e.verdictName(),
		Timestamp:   time.Now().UTC(),
	}
	if err := e.queue.Enqueue(ctx, report); err != nil {
		e.logger.Warn("response: failed to enqueue detection report", "path", path, "error", err)
	}
}

func (e *Engine) verdictName() string {
	if e.verdict == Stop {
		return "stop"
	}
	return "kill"
}

// Forget drops any state held for pid, e.g. once the bootstrap loop learns
// the process has exited. It is a no-op if pid has no entry.
func (e *Engine) Forget(pid int32) {
	delete(e.procMap, pid)
}
