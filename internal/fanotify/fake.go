package fanotify

import "context"

// Fake is an in-memory Channel for tests: it delivers a scripted sequence
// of batches and records every WriteResponse/MarkIgnore/UnmarkIgnore call
// so tests can assert on the engine's side effects without a kernel.
type Fake struct {
	batches [][]RawEvent
	pos     int

	Responses []FakeResponse
	ClosedFds []int32
	Ignored   map[string]int // path -> net mark depth
	closed    bool
}

// FakeResponse records one WriteResponse call.
type FakeResponse struct {
	Fd      int32
	Verdict Verdict
}

// NewFake constructs a Fake that yields one batch per ReadBatch call, in
// the order given: batches[0] on the first call, batches[1] on the second,
// and so on. Once exhausted, ReadBatch returns (nil, nil).
func NewFake(batches ...[]RawEvent) *Fake {
	return &Fake{
		batches: batches,
		Ignored: make(map[string]int),
	}
}

func (f *Fake) ReadBatch(ctx context.Context) ([]RawEvent, error) {
	if f.pos >= len(f.batches) {
		return nil, nil
	}
	batch := f.batches[f.pos]
	f.pos++
	return batch, nil
}

func (f *Fake) WriteResponse(fd int32, verdict Verdict) error {
	f.Responses = append(f.Responses, FakeResponse{Fd: fd, Verdict: verdict})
	return nil
}

func (f *Fake) CloseFd(fd int32) error {
	f.ClosedFds = append(f.ClosedFds, fd)
	return nil
}

func (f *Fake) MarkIgnore(path string, mask uint64) error {
	f.Ignored[path]++
	return nil
}

func (f *Fake) UnmarkIgnore(path string, mask uint64) error {
	f.Ignored[path]--
	return nil
}

func (f *Fake) Close() error {
	f.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (f *Fake) Closed() bool {
	return f.closed
}
