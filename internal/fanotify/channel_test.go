package fanotify

import (
	"context"
	"testing"
)

func TestIsPermissionEvent(t *testing.T) {
	cases := []struct {
		mask uint32
		want bool
	}{
		{openPerm, true},
		{execPerm, true},
		{accessPerm, true},
		{openPerm | 0x2, true}, // permission bit plus FAN_MODIFY noise
		{0x2, false},           // FAN_MODIFY alone
		{0, false},
	}
	for _, c := range cases {
		if got := IsPermissionEvent(c.mask); got != c.want {
			t.Errorf("IsPermissionEvent(%#x) = %v, want %v", c.mask, got, c.want)
		}
	}
}

func TestFakeReplaysBatchesInOrder(t *testing.T) {
	f := NewFake(
		[]RawEvent{{Mask: openPerm, Fd: 3, Pid: 100}},
		[]RawEvent{{Mask: accessPerm, Fd: 4, Pid: 100}},
	)

	ctx := context.Background()
	b1, err := f.ReadBatch(ctx)
	if err != nil || len(b1) != 1 || b1[0].Fd != 3 {
		t.Fatalf("first ReadBatch = %v, %v", b1, err)
	}
	b2, err := f.ReadBatch(ctx)
	if err != nil || len(b2) != 1 || b2[0].Fd != 4 {
		t.Fatalf("second ReadBatch = %v, %v", b2, err)
	}
	b3, err := f.ReadBatch(ctx)
	if err != nil || b3 != nil {
		t.Fatalf("exhausted ReadBatch = %v, %v, want nil, nil", b3, err)
	}
}

func TestFakeRecordsResponsesAndIgnoreMarks(t *testing.T) {
	f := NewFake()
	if err := f.WriteResponse(7, Allow); err != nil {
		t.Fatalf("WriteResponse: %v", err)
	}
	if len(f.Responses) != 1 || f.Responses[0].Fd != 7 || f.Responses[0].Verdict != Allow {
		t.Fatalf("Responses = %v", f.Responses)
	}

	if err := f.MarkIgnore("/tmp/x", WatchedMaskForTest); err != nil {
		t.Fatalf("MarkIgnore: %v", err)
	}
	if f.Ignored["/tmp/x"] != 1 {
		t.Fatalf("Ignored[/tmp/x] = %d, want 1", f.Ignored["/tmp/x"])
	}
	if err := f.UnmarkIgnore("/tmp/x", WatchedMaskForTest); err != nil {
		t.Fatalf("UnmarkIgnore: %v", err)
	}
	if f.Ignored["/tmp/x"] != 0 {
		t.Fatalf("Ignored[/tmp/x] = %d, want 0", f.Ignored["/tmp/x"])
	}

	if f.Closed() {
		t.Fatal("Closed() true before Close called")
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !f.Closed() {
		t.Fatal("Closed() false after Close called")
	}
}

// WatchedMaskForTest stands in for fanotify_linux.go's WatchedMask, which
// carries a //go:build linux tag; this file has none so it must not depend
// on it directly.
const WatchedMaskForTest uint64 = 0xFF
