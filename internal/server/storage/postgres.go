package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultBatchSize is the maximum number of report rows held in-memory
	// before an automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending reports even when the batch has not yet reached
	// DefaultBatchSize.
	DefaultFlushInterval = 100 * time.Millisecond
)

// Store is the PostgreSQL-backed storage layer for the collector.
//
// Report ingestion is batched: callers enqueue individual Report values via
// BatchInsertReports, which accumulates them in memory and flushes to the
// database either when the buffer reaches batchSize or when the background
// ticker fires, whichever comes first. All other operations (hosts,
// patterns, audit entries) are executed immediately.
type Store struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []Report
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New opens a pgxpool connection to connStr, pings the database, and starts
// the background flush goroutine.
//
// batchSize <= 0 is replaced with DefaultBatchSize.
// flushInterval <= 0 is replaced with DefaultFlushInterval.
func New(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Store, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}

	s := &Store{
		pool:          pool,
		batch:         make([]Report, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Close stops the background flush goroutine, flushes any remaining buffered
// reports, and closes the connection pool. Safe to call more than once.
func (s *Store) Close(ctx context.Context) {
	select {
	case <-s.stopCh:
		// already closed
	default:
		close(s.stopCh)
		<-s.doneCh
		_ = s.Flush(ctx)
	}
	s.pool.Close()
}

// flushLoop is the background goroutine that ticks on flushInterval and
// calls Flush. It exits when stopCh is closed.
func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

// BatchInsertReports enqueues report for deferred batch insertion.
//
// If the internal buffer reaches batchSize after appending, Flush is called
// synchronously before returning so the caller observes back-pressure rather
// than unbounded memory growth.
func (s *Store) BatchInsertReports(ctx context.Context, report Report) error {
	s.mu.Lock()
	s.batch = append(s.batch, report)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush drains the current report buffer and sends all rows to PostgreSQL in
// a single pgx.Batch round-trip. Rows that conflict on the primary key are
// silently ignored (idempotent replay support).
//
// Flush is safe to call concurrently: a mutex swap ensures each call drains a
// distinct snapshot of the buffer.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]Report, 0, s.batchSize)
	s.mu.Unlock()

	const query = `
		INSERT INTO reports
			(report_id, host_id, timestamp, pid, comm, path, pattern_name, verdict, event_detail, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT DO NOTHING`

	b := &pgx.Batch{}
	for i := range toInsert {
		r := &toInsert[i]
		detail := []byte(r.EventDetail)
		if detail == nil {
			detail = []byte("null")
		}
		b.Queue(query,
			r.ReportID, r.HostID, r.Timestamp,
			r.Pid, r.Comm, r.Path,
			r.PatternName, string(r.Verdict),
			detail, r.ReceivedAt,
		)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch exec report: %w", err)
		}
	}
	return nil
}

// QueryReports returns paginated reports that fall within [q.From, q.To) on
// the received_at column. The time-range constraint enables PostgreSQL
// partition pruning so only the relevant monthly partitions are scanned.
//
// Optional filters: q.HostID (exact match), q.PatternName (exact match).
// q.Limit defaults to 100; q.Offset enables cursor-style pagination. Results
// are ordered by received_at DESC, report_id ASC.
func (s *Store) QueryReports(ctx context.Context, q ReportQuery) ([]Report, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	// Base args: $1=from, $2=to, $3=limit, $4=offset
	args := []any{q.From, q.To, q.Limit, q.Offset}
	where := "WHERE received_at >= $1 AND received_at < $2"
	argIdx := 5

	if q.HostID != "" {
		where += fmt.Sprintf(" AND host_id = $%d", argIdx)
		args = append(args, q.HostID)
		argIdx++
	}
	if q.PatternName != "" {
		where += fmt.Sprintf(" AND pattern_name = $%d", argIdx)
		args = append(args, q.PatternName)
		argIdx++ //nolint:ineffassign // reserved for future filters
	}

	sql := fmt.Sprintf(`
		SELECT report_id, host_id, timestamp, pid, comm, path,
		       pattern_name, verdict, event_detail, received_at
		FROM   reports
		%s
		ORDER  BY received_at DESC, report_id
		LIMIT  $3 OFFSET $4`, where)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	var reports []Report
	for rows.Next() {
		var r Report
		var detail []byte
		var verdict string
		err := rows.Scan(
			&r.ReportID, &r.HostID, &r.Timestamp,
			&r.Pid, &r.Comm, &r.Path,
			&r.PatternName, &verdict,
			&detail, &r.ReceivedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		r.Verdict = Verdict(verdict)
		r.EventDetail = detail
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// --- Host CRUD ---

// UpsertHost inserts a new host or, on hostname conflict, updates all
// mutable fields. It returns the effective host_id persisted in the
// database: on a clean insert this equals h.HostID; on a hostname conflict
// the existing host_id is returned unchanged, so callers always receive a
// stable identifier that correlates with historical reports even across
// agent reconnects.
func (s *Store) UpsertHost(ctx context.Context, h Host) (string, error) {
	var effectiveHostID string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO hosts
			(host_id, hostname, ip_address, agent_version, last_seen, status)
		VALUES ($1, $2, $3::inet, $4, $5, $6)
		ON CONFLICT (hostname) DO UPDATE SET
			ip_address    = EXCLUDED.ip_address,
			agent_version = EXCLUDED.agent_version,
			last_seen     = EXCLUDED.last_seen,
			status        = EXCLUDED.status
		RETURNING host_id`,
		h.HostID,
		h.Hostname,
		nullableStr(h.IPAddress),
		nullableStr(h.AgentVersion),
		h.LastSeen,
		string(h.Status),
	).Scan(&effectiveHostID)
	if err != nil {
		return "", fmt.Errorf("upsert host: %w", err)
	}
	return effectiveHostID, nil
}

// GetHost returns the host with the given UUID, or an error wrapping
// pgx.ErrNoRows when not found.
func (s *Store) GetHost(ctx context.Context, hostID string) (*Host, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT host_id, hostname, ip_address::text, agent_version, last_seen, status
		FROM   hosts
		WHERE  host_id = $1`, hostID)
	h, err := scanHost(row)
	if err != nil {
		return nil, fmt.Errorf("get host %s: %w", hostID, err)
	}
	return h, nil
}

// ListHosts returns all registered hosts ordered alphabetically by hostname.
func (s *Store) ListHosts(ctx context.Context) ([]Host, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT host_id, hostname, ip_address::text, agent_version, last_seen, status
		FROM   hosts
		ORDER  BY hostname`)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	defer rows.Close()

	var hosts []Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan host: %w", err)
		}
		hosts = append(hosts, *h)
	}
	return hosts, rows.Err()
}

// --- DetectionPattern CRUD ---

// UpsertPattern inserts a new pattern mirror row or, on conflict with
// (host_id, name), updates its step_count/enabled fields. The caller is
// responsible for generating p.PatternID.
func (s *Store) UpsertPattern(ctx context.Context, p DetectionPattern) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO detection_patterns (pattern_id, host_id, name, step_count, enabled)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (host_id, name) DO UPDATE SET
			step_count = EXCLUDED.step_count,
			enabled    = EXCLUDED.enabled`,
		p.PatternID,
		nullableStr(p.HostID),
		p.Name,
		p.StepCount,
		p.Enabled,
	)
	if err != nil {
		return fmt.Errorf("upsert pattern: %w", err)
	}
	return nil
}

// ListPatterns returns pattern mirror rows. When hostID is non-empty, only
// patterns explicitly assigned to that host or with a NULL host_id (global
// patterns) are returned. When hostID is empty, all patterns are returned.
func (s *Store) ListPatterns(ctx context.Context, hostID string) ([]DetectionPattern, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if hostID != "" {
		rows, err = s.pool.Query(ctx, `
			SELECT pattern_id, host_id, name, step_count, enabled
			FROM   detection_patterns
			WHERE  host_id = $1 OR host_id IS NULL
			ORDER  BY name`, hostID)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT pattern_id, host_id, name, step_count, enabled
			FROM   detection_patterns
			ORDER  BY name`)
	}
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	defer rows.Close()

	var patterns []DetectionPattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		patterns = append(patterns, *p)
	}
	return patterns, rows.Err()
}

// DeletePattern removes the pattern mirror row identified by patternID.
func (s *Store) DeletePattern(ctx context.Context, patternID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM detection_patterns WHERE pattern_id = $1`, patternID)
	if err != nil {
		return fmt.Errorf("delete pattern %s: %w", patternID, err)
	}
	return nil
}

// --- AuditEntry operations ---

// InsertAuditEntry persists a single tamper-evident audit log entry. The
// caller must populate EntryID, EventHash, PrevHash, and SequenceNum.
func (s *Store) InsertAuditEntry(ctx context.Context, e AuditEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_entries
			(entry_id, host_id, sequence_num, event_hash, prev_hash, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.EntryID,
		e.HostID,
		e.SequenceNum,
		e.EventHash,
		e.PrevHash,
		[]byte(e.Payload),
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// QueryAuditEntries returns audit entries for hostID with created_at in
// [from, to), ordered by sequence_num ascending.
func (s *Store) QueryAuditEntries(ctx context.Context, hostID string, from, to time.Time) ([]AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entry_id, host_id, sequence_num, event_hash, prev_hash, payload, created_at
		FROM   audit_entries
		WHERE  host_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER  BY sequence_num ASC`,
		hostID, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var payload []byte
		err := rows.Scan(
			&e.EntryID, &e.HostID, &e.SequenceNum,
			&e.EventHash, &e.PrevHash,
			&payload,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Payload = payload
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- internal helpers ---

// scanner is satisfied by both pgx.Row and pgx.Rows, allowing shared scan
// helpers across single-row and multi-row queries.
type scanner interface {
	Scan(dest ...any) error
}

// scanHost reads one host row from s. The ip_address column must be
// projected as ::text by the caller.
func scanHost(s scanner) (*Host, error) {
	var h Host
	var ip, agentVersion *string
	var status string
	err := s.Scan(
		&h.HostID, &h.Hostname,
		&ip, &agentVersion,
		&h.LastSeen,
		&status,
	)
	if err != nil {
		return nil, err
	}
	h.Status = HostStatus(status)
	if ip != nil {
		h.IPAddress = *ip
	}
	if agentVersion != nil {
		h.AgentVersion = *agentVersion
	}
	return &h, nil
}

// scanPattern reads one detection_patterns row from s.
func scanPattern(s scanner) (*DetectionPattern, error) {
	var p DetectionPattern
	var hostID *string
	err := s.Scan(&p.PatternID, &hostID, &p.Name, &p.StepCount, &p.Enabled)
	if err != nil {
		return nil, err
	}
	if hostID != nil {
		p.HostID = *hostID
	}
	return &p, nil
}

// nullableStr converts an empty string to a nil pointer, which pgx stores as
// SQL NULL. A non-empty string is returned as-is.
func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
