package feed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mwhitley/skybridge/pkg/telemetry"
)

// fakeSource is a scriptable Source for poller tests.
type fakeSource struct {
	mu      sync.Mutex
	calls   int32
	results []fakeResult
	block   chan struct{} // when set, Fetch blocks until closed
}

type fakeResult struct {
	snaps []telemetry.RawSnapshot
	err   error
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Fetch(ctx context.Context) ([]telemetry.RawSnapshot, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := int(n) - 1
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	if idx < 0 {
		return nil, nil
	}
	r := f.results[idx]
	return r.snaps, r.err
}

func (f *fakeSource) callCount() int32 { return atomic.LoadInt32(&f.calls) }

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Condition not met before timeout")
}

// TestPollerDeliversBatch tests the success path end to end.
func TestPollerDeliversBatch(t *testing.T) {
	src := &fakeSource{results: []fakeResult{
		{snaps: []telemetry.RawSnapshot{{ID: "ABC123", Source: "fake"}}},
	}}

	var got atomic.Int32
	p := NewPoller(src, PollerConfig{
		Interval: time.Hour, // only the immediate first poll
		Timeout:  time.Second,
		OnBatch: func(b Batch) {
			if len(b.Snapshots) == 1 && b.Snapshots[0].ID == "ABC123" {
				got.Add(1)
			}
		},
	})

	p.Start(context.Background())
	defer p.Stop()

	waitFor(t, time.Second, func() bool { return got.Load() == 1 })

	st := p.Status()
	if st.State != PollerStateActive {
		t.Errorf("Expected state active, got %s", st.State)
	}
	if st.LastUpdate.IsZero() {
		t.Error("Expected lastUpdate to be recorded")
	}
}

// TestPollerErrorCeiling tests that N consecutive failures fire
// OnConnectionFailed exactly once and stop all polling.
func TestPollerErrorCeiling(t *testing.T) {
	src := &fakeSource{results: []fakeResult{
		{err: errors.New("connection refused")},
	}}

	var failures atomic.Int32
	p := NewPoller(src, PollerConfig{
		Interval:             10 * time.Millisecond,
		Timeout:              time.Second,
		MaxConsecutiveErrors: 5,
		InitialErrorCeiling:  5,
		OnConnectionFailed: func(source string, err error) {
			failures.Add(1)
		},
	})

	p.Start(context.Background())

	waitFor(t, 2*time.Second, func() bool { return failures.Load() >= 1 })

	if got := src.callCount(); got != 5 {
		t.Errorf("Expected exactly 5 polls before giving up, got %d", got)
	}

	// No further polls may occur until Start is called again.
	calls := src.callCount()
	time.Sleep(100 * time.Millisecond)
	if src.callCount() != calls {
		t.Error("Poller kept polling after permanent failure")
	}
	if failures.Load() != 1 {
		t.Errorf("Expected OnConnectionFailed exactly once, got %d", failures.Load())
	}
	if st := p.Status(); st.State != PollerStateFailed {
		t.Errorf("Expected state failed, got %s", st.State)
	}
}

// TestPollerRestartAfterFailure tests that Start after a permanent failure
// resets bookkeeping and polls again.
func TestPollerRestartAfterFailure(t *testing.T) {
	src := &fakeSource{results: []fakeResult{
		{err: errors.New("down")},
		{err: errors.New("down")},
		{snaps: nil}, // recovers on the third call
	}}

	var failures atomic.Int32
	var batches atomic.Int32
	p := NewPoller(src, PollerConfig{
		Interval:             10 * time.Millisecond,
		Timeout:              time.Second,
		MaxConsecutiveErrors: 2,
		InitialErrorCeiling:  2,
		OnConnectionFailed:   func(string, error) { failures.Add(1) },
		OnBatch:              func(Batch) { batches.Add(1) },
	})

	p.Start(context.Background())
	waitFor(t, time.Second, func() bool { return failures.Load() == 1 })

	p.Start(context.Background())
	defer p.Stop()
	waitFor(t, time.Second, func() bool { return batches.Load() >= 1 })

	if st := p.Status(); st.ConsecutiveErrors != 0 {
		t.Errorf("Expected error counter reset, got %d", st.ConsecutiveErrors)
	}
}

// TestPollerFatalErrorStopsImmediately tests that a fatal error bypasses
// the ceiling.
func TestPollerFatalErrorStopsImmediately(t *testing.T) {
	src := &fakeSource{results: []fakeResult{
		{err: &FatalError{Reason: "scheme refused by server"}},
	}}

	var failures atomic.Int32
	p := NewPoller(src, PollerConfig{
		Interval:             10 * time.Millisecond,
		Timeout:              time.Second,
		MaxConsecutiveErrors: 30,
		InitialErrorCeiling:  10,
		OnConnectionFailed:   func(string, error) { failures.Add(1) },
	})

	p.Start(context.Background())
	waitFor(t, time.Second, func() bool { return failures.Load() == 1 })

	if got := src.callCount(); got != 1 {
		t.Errorf("Expected 1 poll before fatal stop, got %d", got)
	}
}

// TestPollerSingleFlight tests that a manual refresh issued while a
// scheduled poll is in flight results in exactly one network call.
func TestPollerSingleFlight(t *testing.T) {
	block := make(chan struct{})
	src := &fakeSource{
		block:   block,
		results: []fakeResult{{snaps: nil}},
	}

	p := NewPoller(src, PollerConfig{
		Interval: time.Hour,
		Timeout:  5 * time.Second,
	})

	p.Start(context.Background())
	defer p.Stop()

	// Wait for the immediate first poll to enter flight.
	waitFor(t, time.Second, func() bool { return src.callCount() == 1 })

	// Manual refresh while busy: must be a silent no-op.
	p.Refresh()
	time.Sleep(50 * time.Millisecond)

	if got := src.callCount(); got != 1 {
		t.Errorf("Expected exactly one in-flight call, got %d", got)
	}

	close(block)

	// After the flight completes, refresh works again.
	waitFor(t, time.Second, func() bool {
		p.Refresh()
		return src.callCount() >= 2
	})
}

// TestPollerStopIdempotent tests Stop from any state.
func TestPollerStopIdempotent(t *testing.T) {
	src := &fakeSource{results: []fakeResult{{snaps: nil}}}
	p := NewPoller(src, PollerConfig{Interval: time.Hour, Timeout: time.Second})

	p.Stop() // never started
	p.Start(context.Background())
	p.Stop()
	p.Stop() // double stop

	if st := p.Status(); st.State != PollerStateIdle {
		t.Errorf("Expected idle after stop, got %s", st.State)
	}
}

// TestPollerRetryingState tests the intermediate retrying state below the
// ceiling.
func TestPollerRetryingState(t *testing.T) {
	src := &fakeSource{results: []fakeResult{
		{err: errors.New("flaky")},
	}}

	p := NewPoller(src, PollerConfig{
		Interval:             time.Hour,
		Timeout:              time.Second,
		MaxConsecutiveErrors: 30,
		InitialErrorCeiling:  10,
	})

	p.Start(context.Background())
	defer p.Stop()

	waitFor(t, time.Second, func() bool {
		return p.Status().ConsecutiveErrors == 1
	})

	if st := p.Status(); st.State != PollerStateRetrying {
		t.Errorf("Expected retrying, got %s", st.State)
	}
	if st := p.Status(); st.LastError == "" {
		t.Error("Expected lastError to be recorded")
	}
}
