package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/mbd888/sendguard/internal/testutil"
)

func newTestBreaker(threshold int, open time.Duration) (*Breaker, *testutil.Clock) {
	clk := testutil.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return New(threshold, open).WithClock(clk.Now), clk
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure("kafka")
	b.RecordFailure("kafka")
	if !b.Allow("kafka") {
		t.Fatal("should still allow before threshold")
	}

	b.RecordFailure("kafka")
	if b.Allow("kafka") {
		t.Fatal("should be open after 3 failures")
	}
	if b.State("kafka") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("kafka"))
	}
}

func TestBreaker_HalfOpenAdmitsSingleTrial(t *testing.T) {
	b, clk := newTestBreaker(2, time.Minute)

	b.RecordFailure("kafka")
	b.RecordFailure("kafka")
	clk.Advance(59 * time.Second)
	if b.Allow("kafka") {
		t.Fatal("window has not elapsed")
	}

	clk.Advance(time.Second)
	if !b.Allow("kafka") {
		t.Fatal("should allow a trial once the window elapses")
	}
	if b.State("kafka") != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State("kafka"))
	}
	if b.Allow("kafka") {
		t.Fatal("second call while probing should be rejected")
	}
}

func TestBreaker_TrialSuccessCloses(t *testing.T) {
	b, clk := newTestBreaker(2, time.Minute)

	b.RecordFailure("kafka")
	b.RecordFailure("kafka")
	clk.Advance(time.Minute)
	b.Allow("kafka")

	b.RecordSuccess("kafka")
	if b.State("kafka") != StateClosed {
		t.Fatalf("expected StateClosed after success, got %v", b.State("kafka"))
	}
	if !b.Allow("kafka") {
		t.Fatal("should allow after recovery")
	}
}

func TestBreaker_FailedTrialDoublesWindow(t *testing.T) {
	b, clk := newTestBreaker(1, time.Minute)

	b.RecordFailure("kafka") // open for 1m
	clk.Advance(time.Minute)
	b.Allow("kafka")
	b.RecordFailure("kafka") // reopen for 2m

	clk.Advance(90 * time.Second)
	if b.Allow("kafka") {
		t.Fatal("second window should be twice as long")
	}
	clk.Advance(30 * time.Second)
	if !b.Allow("kafka") {
		t.Fatal("should allow a trial after the doubled window")
	}
}

func TestBreaker_WindowCapped(t *testing.T) {
	b, clk := newTestBreaker(1, time.Minute)
	b.WithMaxOpen(3 * time.Minute)

	b.RecordFailure("kafka")
	for i := 0; i < 5; i++ {
		clk.Advance(3 * time.Minute)
		if !b.Allow("kafka") {
			t.Fatalf("round %d: window should never exceed the cap", i)
		}
		b.RecordFailure("kafka")
	}
}

func TestBreaker_SuccessResets(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure("kafka")
	b.RecordFailure("kafka")
	b.RecordSuccess("kafka")

	b.RecordFailure("kafka")
	if !b.Allow("kafka") {
		t.Fatal("should still be closed after reset")
	}
}

func TestBreaker_IndependentKeys(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)

	b.RecordFailure("kafka")
	b.RecordFailure("kafka")

	if b.Allow("kafka") {
		t.Fatal("kafka should be open")
	}
	if !b.Allow("realtime") {
		t.Fatal("realtime should be closed")
	}
	if b.State("unknown") != StateClosed {
		t.Fatalf("expected StateClosed for unknown key, got %v", b.State("unknown"))
	}
}

func TestBreaker_Snapshot(t *testing.T) {
	b, clk := newTestBreaker(2, time.Minute)

	b.RecordFailure("realtime")
	b.RecordSuccess("realtime")
	b.RecordFailure("kafka")
	b.RecordFailure("kafka")
	b.Allow("kafka")
	b.Allow("kafka")

	snap := b.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 circuits, got %d", len(snap))
	}
	if snap[0].Key != "kafka" || snap[1].Key != "realtime" {
		t.Fatalf("snapshot should be sorted by key, got %q %q", snap[0].Key, snap[1].Key)
	}
	if snap[0].State != "open" || snap[0].Rejected != 2 || snap[0].Trips != 1 {
		t.Fatalf("unexpected kafka state %+v", snap[0])
	}
	if !snap[0].OpenUntil.Equal(clk.Now().Add(time.Minute)) {
		t.Fatalf("unexpected openUntil %v", snap[0].OpenUntil)
	}
	if snap[1].State != "closed" || !snap[1].OpenUntil.IsZero() {
		t.Fatalf("unexpected realtime state %+v", snap[1])
	}
}

func TestBreaker_OnTransitionCallback(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)

	got := make(chan [2]State, 4)
	b.OnTransition(func(_ string, from, to State) {
		got <- [2]State{from, to}
	})

	b.RecordFailure("kafka")
	b.RecordFailure("kafka")

	select {
	case tr := <-got:
		if tr[0] != StateClosed || tr[1] != StateOpen {
			t.Fatalf("expected closed→open, got %v→%v", tr[0], tr[1])
		}
	case <-time.After(time.Second):
		t.Fatal("transition callback not invoked")
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestBreaker_Do(t *testing.T) {
	b, _ := newTestBreaker(2, time.Hour)
	sinkErr := errors.New("broker unavailable")

	for i := 0; i < 2; i++ {
		if err := b.Do("kafka", func() error { return sinkErr }); !errors.Is(err, sinkErr) {
			t.Fatalf("expected sink error, got %v", err)
		}
	}

	called := false
	err := b.Do("kafka", func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Fatal("fn should not run while circuit is open")
	}

	if err := b.Do("realtime", func() error { return nil }); err != nil {
		t.Fatalf("other keys should be unaffected, got %v", err)
	}
}
