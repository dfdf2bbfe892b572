// Package storage provides the PostgreSQL-backed persistence layer for the
// collector. It exposes typed model structs for the database tables (hosts,
// reports, detection_patterns, audit_entries) and a Store that wraps a
// pgxpool connection pool with a batched report-insert path.
package storage

import (
	"encoding/json"
	"time"
)

// Verdict is the response action an agent took on a confirmed match.
type Verdict string

const (
	VerdictKill Verdict = "kill"
	VerdictStop Verdict = "stop"
)

// HostStatus represents the liveness state of a monitored host as seen by
// the collector.
type HostStatus string

const (
	HostStatusOnline   HostStatus = "ONLINE"
	HostStatusOffline  HostStatus = "OFFLINE"
	HostStatusDegraded HostStatus = "DEGRADED"
)

// Host maps to the `hosts` table.
//
// IPAddress is the dotted-decimal or CIDR text representation of the agent's
// primary network address. An empty string is stored as SQL NULL.
// LastSeen is nil when the host has never sent a heartbeat.
type Host struct {
	HostID       string     `json:"host_id"`
	Hostname     string     `json:"hostname"`
	IPAddress    string     `json:"ip_address,omitempty"`
	AgentVersion string     `json:"agent_version,omitempty"`
	LastSeen     *time.Time `json:"last_seen,omitempty"`
	Status       HostStatus `json:"status"`
}

// Report maps to the `reports` partitioned table: one row per confirmed
// pattern match an agent forwarded after responding to it.
//
// EventDetail carries an optional raw JSONB payload (the history window that
// triggered the match, for operator review). A nil EventDetail is stored as
// the JSON value null (not SQL NULL) and reads back as the bytes "null".
type Report struct {
	ReportID    string          `json:"report_id"`
	HostID      string          `json:"host_id"`
	Timestamp   time.Time       `json:"timestamp"`
	Pid         int32           `json:"pid"`
	Comm        string          `json:"comm"`
	Path        string          `json:"path"`
	PatternName string          `json:"pattern_name"`
	Verdict     Verdict         `json:"verdict"`
	EventDetail json.RawMessage `json:"event_detail,omitempty"`
	ReceivedAt  time.Time       `json:"received_at"`
}

// DetectionPattern maps to the `detection_patterns` table: a read-only mirror
// of a pattern an agent is currently configured to match against, kept for
// operator visibility in the dashboard. The agent, not the collector, is the
// source of truth for the patterns it enforces.
//
// A nil HostID (empty string) means the pattern applies to every host.
type DetectionPattern struct {
	PatternID string `json:"pattern_id"`
	HostID    string `json:"host_id,omitempty"` // empty == global
	Name      string `json:"name"`
	StepCount int    `json:"step_count"`
	Enabled   bool   `json:"enabled"`
}

// AuditEntry maps to the `audit_entries` table: the collector-side mirror of
// an agent's local tamper-evident audit log.
//
// EventHash is the SHA-256 hex digest of this entry. PrevHash is the SHA-256
// hex digest of the previous entry; for the genesis entry this is a string of
// 64 zeros. Payload holds the full event data as a JSONB value.
type AuditEntry struct {
	EntryID     string          `json:"entry_id"`
	HostID      string          `json:"host_id"`
	SequenceNum int64           `json:"sequence_num"`
	EventHash   string          `json:"event_hash"`
	PrevHash    string          `json:"prev_hash"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ReportQuery carries the filter and pagination parameters for QueryReports.
//
// From and To are mandatory and bracket the received_at column, enabling
// PostgreSQL partition pruning. Limit defaults to 100 when <= 0. An empty
// HostID matches all hosts; an empty PatternName matches all patterns.
type ReportQuery struct {
	HostID      string
	PatternName string
	From        time.Time
	To          time.Time
	Limit       int
	Offset      int
}
