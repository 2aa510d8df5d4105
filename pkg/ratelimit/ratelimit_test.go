package ratelimit

import (
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// TestAllowEntityMinInterval tests the core property: two attempts for the
// same identifier 500ms apart yield exactly one accept and one reject with
// a 1s minimum interval.
func TestAllowEntityMinInterval(t *testing.T) {
	l := New(Config{PerEntityInterval: time.Second})

	if !l.AllowEntity("ABC123", t0) {
		t.Fatal("First attempt must be accepted")
	}
	if l.AllowEntity("ABC123", t0.Add(500*time.Millisecond)) {
		t.Error("Second attempt 500ms later must be rejected")
	}
	if !l.AllowEntity("ABC123", t0.Add(time.Second)) {
		t.Error("Attempt at exactly the interval must be accepted")
	}
}

// TestAllowEntityIndependentIDs tests that different identifiers do not
// contend for the per-entity gate.
func TestAllowEntityIndependentIDs(t *testing.T) {
	l := New(Config{PerEntityInterval: time.Second})

	if !l.AllowEntity("AAA", t0) || !l.AllowEntity("BBB", t0) {
		t.Error("Distinct identifiers must not block each other")
	}
}

// TestPerMinuteCeiling tests the global publishes-per-minute budget.
func TestPerMinuteCeiling(t *testing.T) {
	l := New(Config{PerEntityInterval: time.Millisecond, MaxPerMinute: 3})

	now := t0
	for i := 0; i < 3; i++ {
		id := string(rune('A' + i))
		if !l.AllowEntity(id, now) {
			t.Fatalf("Attempt %d within budget must be accepted", i)
		}
	}
	if l.AllowEntity("D", now) {
		t.Error("Attempt over the per-minute ceiling must be rejected")
	}

	// A new minute resets the window.
	if !l.AllowEntity("D", now.Add(time.Minute)) {
		t.Error("Budget must reset after the window")
	}
}

// TestRejectionConsumesNothing tests that a rejected attempt does not
// update the entity's last-publish time.
func TestRejectionConsumesNothing(t *testing.T) {
	l := New(Config{PerEntityInterval: time.Second})

	l.AllowEntity("ABC123", t0)
	l.AllowEntity("ABC123", t0.Add(900*time.Millisecond)) // rejected

	// One second after the accepted publish: allowed. If the rejection
	// had refreshed the timestamp this would fail.
	if !l.AllowEntity("ABC123", t0.Add(time.Second)) {
		t.Error("Rejected attempt must not refresh the entity timestamp")
	}
}

// TestAllowSinkBurst tests the token-bucket burst then steady-state refusal.
func TestAllowSinkBurst(t *testing.T) {
	l := New(Config{SinkPerSecond: 1, SinkBurst: 3})

	allowed := 0
	for i := 0; i < 10; i++ {
		if l.AllowSink() {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("Expected burst of 3 allowed, got %d", allowed)
	}
}

// TestForget tests per-entity bookkeeping cleanup.
func TestForget(t *testing.T) {
	l := New(Config{PerEntityInterval: time.Hour})

	l.AllowEntity("OLD", t0)
	l.AllowEntity("FRESH", t0.Add(time.Minute))

	l.Forget(t0.Add(30 * time.Second))

	// OLD was forgotten, so it is allowed again despite the huge interval.
	if !l.AllowEntity("OLD", t0.Add(2*time.Minute)) {
		t.Error("Forgotten identifier must be allowed again")
	}
	// FRESH is still tracked.
	if l.AllowEntity("FRESH", t0.Add(2*time.Minute)) {
		t.Error("Tracked identifier must still be gated")
	}
}
