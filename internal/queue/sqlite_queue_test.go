package queue_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/sentinelfs/sentinel/internal/queue"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// makeReport returns a minimal DetectionReport for use in tests.
func makeReport(patternName, verdict string) queue.DetectionReport {
	return queue.DetectionReport{
		Pid:         1234,
		Comm:        "evil.bin",
		Path:        "/home/user/secret.txt",
		PatternName: patternName,
		Verdict:     verdict,
		Timestamp:   time.Now().UTC().Truncate(time.Millisecond),
		Detail:      map[string]any{"mount": "/"},
	}
}

// openMemQueue opens an in-memory SQLiteQueue and registers t.Cleanup to
// close it, ensuring the database is closed even when tests fail.
func openMemQueue(t *testing.T) *queue.SQLiteQueue {
	t.Helper()
	q, err := queue.New(":memory:")
	if err != nil {
		t.Fatalf("queue.New(:memory:): %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestNew_InMemory_EmptyDepth(t *testing.T) {
	q := openMemQueue(t)
	if d := q.Depth(); d != 0 {
		t.Errorf("Depth = %d after open, want 0", d)
	}
}

func TestNew_FileDB_CreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.db")

	q, err := queue.New(path)
	if err != nil {
		t.Fatalf("queue.New(%q): %v", path, err)
	}
	_ = q.Close()
}

// ---------------------------------------------------------------------------
// Enqueue
// ---------------------------------------------------------------------------

func TestEnqueue_IncreasesDepth(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, makeReport("encrypt-file-read-then-rewrite", "kill")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if d := q.Depth(); d != 1 {
		t.Errorf("Depth = %d after one Enqueue, want 1", d)
	}
}

func TestEnqueue_MultipleReports_DepthAccumulates(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		r := makeReport(fmt.Sprintf("pattern-%d", i), "kill")
		if err := q.Enqueue(ctx, r); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	if d := q.Depth(); d != 5 {
		t.Errorf("Depth = %d after 5 enqueues, want 5", d)
	}
}

// ---------------------------------------------------------------------------
// Dequeue
// ---------------------------------------------------------------------------

func TestDequeue_ReturnsReportsInInsertionOrder(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	reports := []queue.DetectionReport{
		makeReport("pattern-1", "kill"),
		makeReport("pattern-2", "stop"),
		makeReport("pattern-3", "kill"),
	}
	for _, r := range reports {
		if err := q.Enqueue(ctx, r); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	pending, err := q.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("Dequeue returned %d reports, want 3", len(pending))
	}

	for i, pr := range pending {
		if pr.Report.PatternName != reports[i].PatternName {
			t.Errorf("report[%d].PatternName = %q, want %q", i, pr.Report.PatternName, reports[i].PatternName)
		}
		if pr.Report.Verdict != reports[i].Verdict {
			t.Errorf("report[%d].Verdict = %q, want %q", i, pr.Report.Verdict, reports[i].Verdict)
		}
		if pr.Report.Pid != reports[i].Pid {
			t.Errorf("report[%d].Pid = %d, want %d", i, pr.Report.Pid, reports[i].Pid)
		}
	}
}

func TestDequeue_RespectsLimit(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_ = q.Enqueue(ctx, makeReport(fmt.Sprintf("pattern-%d", i), "kill"))
	}

	pending, err := q.Dequeue(ctx, 4)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(pending) != 4 {
		t.Errorf("Dequeue returned %d reports, want 4", len(pending))
	}
}

func TestDequeue_ZeroLimit_ReturnsNil(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()
	_ = q.Enqueue(ctx, makeReport("p", "kill"))

	pending, err := q.Dequeue(ctx, 0)
	if err != nil {
		t.Fatalf("Dequeue(0): %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Dequeue(0) returned %d reports, want 0", len(pending))
	}
}

func TestDequeue_PreservesTimestamp(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	// Use a rounded timestamp so nanosecond precision does not cause spurious
	// mismatches on systems where time.Now() has sub-millisecond resolution.
	orig := time.Now().UTC().Round(time.Millisecond)

	r := makeReport("ts-test", "kill")
	r.Timestamp = orig
	_ = q.Enqueue(ctx, r)

	pending, err := q.Dequeue(ctx, 1)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("Dequeue returned %d reports, want 1", len(pending))
	}
	if !pending[0].Report.Timestamp.Equal(orig) {
		t.Errorf("Timestamp = %v, want %v", pending[0].Report.Timestamp, orig)
	}
}

// ---------------------------------------------------------------------------
// Ack
// ---------------------------------------------------------------------------

func TestAck_MarksReportDelivered(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	_ = q.Enqueue(ctx, makeReport("p", "kill"))

	pending, err := q.Dequeue(ctx, 10)
	if err != nil || len(pending) != 1 {
		t.Fatalf("Dequeue: err=%v, got %d reports", err, len(pending))
	}

	if err := q.Ack(ctx, []int64{pending[0].ID}); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	if d := q.Depth(); d != 0 {
		t.Errorf("Depth = %d after Ack, want 0", d)
	}

	pending2, err := q.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("second Dequeue: %v", err)
	}
	if len(pending2) != 0 {
		t.Errorf("second Dequeue returned %d reports after Ack, want 0", len(pending2))
	}
}

func TestAck_Idempotent(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	_ = q.Enqueue(ctx, makeReport("p", "kill"))
	pending, _ := q.Dequeue(ctx, 1)

	if err := q.Ack(ctx, []int64{pending[0].ID}); err != nil {
		t.Fatalf("first Ack: %v", err)
	}
	if err := q.Ack(ctx, []int64{pending[0].ID}); err != nil {
		t.Fatalf("second (duplicate) Ack: %v", err)
	}

	if d := q.Depth(); d != 0 {
		t.Errorf("Depth = %d after duplicate Ack, want 0", d)
	}
}

func TestAck_EmptyIDs_IsNoop(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	if err := q.Ack(ctx, nil); err != nil {
		t.Errorf("Ack(nil): unexpected error: %v", err)
	}
	if err := q.Ack(ctx, []int64{}); err != nil {
		t.Errorf("Ack([]): unexpected error: %v", err)
	}
}

func TestAck_PartialAck_LeavesPendingReports(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = q.Enqueue(ctx, makeReport(fmt.Sprintf("pattern-%d", i), "kill"))
	}

	pending, _ := q.Dequeue(ctx, 10)
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending reports, got %d", len(pending))
	}

	if err := q.Ack(ctx, []int64{pending[0].ID}); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	if d := q.Depth(); d != 2 {
		t.Errorf("Depth = %d after partial Ack, want 2", d)
	}

	remaining, err := q.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("Dequeue after partial Ack: %v", err)
	}
	if len(remaining) != 2 {
		t.Errorf("Dequeue returned %d reports, want 2", len(remaining))
	}
}

// ---------------------------------------------------------------------------
// Crash recovery
// ---------------------------------------------------------------------------

func TestCrashRecovery_UnacknowledgedReportsRedelivered(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "queue.db")
	ctx := context.Background()

	// Phase 1 — enqueue two reports; ack only the first (simulating a crash
	// that occurs before the second report is acknowledged).
	func() {
		q, err := queue.New(dbPath)
		if err != nil {
			t.Fatalf("open 1: %v", err)
		}
		defer q.Close()

		_ = q.Enqueue(ctx, makeReport("acked-pattern", "kill"))
		_ = q.Enqueue(ctx, makeReport("pending-pattern", "stop"))

		pending, err := q.Dequeue(ctx, 10)
		if err != nil || len(pending) != 2 {
			t.Fatalf("phase 1 Dequeue: err=%v, got %d reports", err, len(pending))
		}
		_ = q.Ack(ctx, []int64{pending[0].ID})
	}()

	// Phase 2 — reopen the database (simulating a restart after the crash).
	q2, err := queue.New(dbPath)
	if err != nil {
		t.Fatalf("open 2: %v", err)
	}
	defer q2.Close()

	if d := q2.Depth(); d != 1 {
		t.Errorf("after restart Depth = %d, want 1 (one unacknowledged report)", d)
	}

	pending, err := q2.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("Dequeue after restart: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("after restart got %d reports, want 1", len(pending))
	}
	if pending[0].Report.PatternName != "pending-pattern" {
		t.Errorf("PatternName = %q, want %q", pending[0].Report.PatternName, "pending-pattern")
	}
}

func TestCrashRecovery_AllAcked_EmptyOnRestart(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "queue.db")
	ctx := context.Background()

	func() {
		q, err := queue.New(dbPath)
		if err != nil {
			t.Fatalf("open 1: %v", err)
		}
		defer q.Close()

		_ = q.Enqueue(ctx, makeReport("p1", "kill"))
		_ = q.Enqueue(ctx, makeReport("p2", "stop"))

		pending, _ := q.Dequeue(ctx, 10)
		ids := make([]int64, len(pending))
		for i, pr := range pending {
			ids[i] = pr.ID
		}
		_ = q.Ack(ctx, ids)
	}()

	q2, err := queue.New(dbPath)
	if err != nil {
		t.Fatalf("open 2: %v", err)
	}
	defer q2.Close()

	if d := q2.Depth(); d != 0 {
		t.Errorf("after restart Depth = %d, want 0 (all acked)", d)
	}
}
