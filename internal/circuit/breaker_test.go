package circuit

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/objectfs/resload/pkg/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

var errBackend = stderrors.New("backend unavailable")

func fail(context.Context) error { return errBackend }
func ok(context.Context) error   { return nil }

func newTestBreaker(clock *fakeClock) *Breaker {
	return New("store", Config{FailureThreshold: 3, OpenTimeout: 10 * time.Second, Clock: clock})
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "CLOSED"},
		{StateOpen, "OPEN"},
		{StateHalfOpen, "HALF_OPEN"},
		{State(999), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State.String() = %q, want %q", got, tt.want)
		}
	}
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	b := New("test", Config{})
	if b.config.FailureThreshold != 5 {
		t.Errorf("default FailureThreshold = %d, want 5", b.config.FailureThreshold)
	}
	if b.config.OpenTimeout != 30*time.Second {
		t.Errorf("default OpenTimeout = %v, want 30s", b.config.OpenTimeout)
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %v, want CLOSED", b.State())
	}
	if b.Name() != "test" {
		t.Errorf("Name() = %q", b.Name())
	}
}

func TestDefaultIsFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"not found", errors.NotFound("kvstore", "k"), false},
		{"canceled", context.Canceled, false},
		{"canceled op", errors.NewError(errors.ErrCodeOperationCanceled, "stop"), false},
		{"backend", errBackend, true},
		{"persistence", errors.Persistence("kvstore", "put", "k", errBackend), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := defaultIsFailure(tt.err); got != tt.want {
				t.Errorf("defaultIsFailure(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	b := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_ = b.Execute(ctx, fail)
	}
	_ = b.Execute(ctx, ok)
	if b.State() != StateClosed {
		t.Fatal("a success should reset the consecutive count")
	}

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want OPEN", b.State())
	}

	called := false
	err := b.Execute(ctx, func(context.Context) error { called = true; return nil })
	if called {
		t.Error("open breaker must not call through")
	}
	if !errors.IsPersistence(err) || errors.IsRetryable(err) {
		t.Errorf("open error = %v, want non-retryable persistence error", err)
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	var transitions []string
	b := New("store", Config{
		FailureThreshold: 1,
		OpenTimeout:      10 * time.Second,
		Clock:            clock,
		OnStateChange: func(_ string, from, to State) {
			transitions = append(transitions, from.String()+">"+to.String())
		},
	})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	clock.Advance(10 * time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want HALF_OPEN", b.State())
	}

	// a failed probe reopens
	_ = b.Execute(ctx, fail)
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want OPEN", b.State())
	}

	clock.Advance(10 * time.Second)
	if err := b.Execute(ctx, ok); err != nil {
		t.Fatalf("probe error = %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want CLOSED", b.State())
	}

	want := []string{"CLOSED>OPEN", "OPEN>HALF_OPEN", "HALF_OPEN>OPEN", "OPEN>HALF_OPEN", "HALF_OPEN>CLOSED"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestBreaker_HalfOpenLimitsProbes(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	b := New("store", Config{FailureThreshold: 1, OpenTimeout: time.Second, Clock: clock})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	clock.Advance(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = b.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if err := b.Execute(ctx, ok); err == nil {
		t.Error("second probe should be rejected while the first runs")
	}
	close(release)
}

func TestBreaker_MissesDoNotTrip(t *testing.T) {
	t.Parallel()

	b := New("store", Config{FailureThreshold: 1})
	for i := 0; i < 5; i++ {
		_ = b.Execute(context.Background(), func(context.Context) error {
			return errors.NotFound("kvstore", "missing")
		})
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want CLOSED", b.State())
	}
	if got := b.Counts().TotalSuccesses; got != 5 {
		t.Errorf("TotalSuccesses = %d, want 5", got)
	}
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()

	b := New("store", Config{FailureThreshold: 1})
	_ = b.Execute(context.Background(), fail)
	if b.State() != StateOpen {
		t.Fatal("breaker should be open")
	}
	b.Reset()
	if b.State() != StateClosed {
		t.Errorf("state after Reset = %v", b.State())
	}
	if b.Counts().Requests != 0 {
		t.Error("Reset should clear counts")
	}
}
