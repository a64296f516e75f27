package circuit

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/objectfs/mapperfs/pkg/errors"
)

var errBackend = stderrors.New("backend down")

func fail(context.Context) error    { return errBackend }
func succeed(context.Context) error { return nil }

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
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("store", Config{})

	if cb.Name() != "store" {
		t.Errorf("Name() = %q, want %q", cb.Name(), "store")
	}
	if cb.GetState() != StateClosed {
		t.Errorf("initial state = %v, want %v", cb.GetState(), StateClosed)
	}
	if cb.config.FailureThreshold != 5 {
		t.Errorf("default FailureThreshold = %d, want 5", cb.config.FailureThreshold)
	}
	if cb.config.MaxRequests != 1 {
		t.Errorf("default MaxRequests = %d, want 1", cb.config.MaxRequests)
	}
	if cb.config.Timeout != 10*time.Second {
		t.Errorf("default Timeout = %v, want %v", cb.config.Timeout, 10*time.Second)
	}
	if cb.config.IsSuccessful == nil {
		t.Error("default IsSuccessful should not be nil")
	}
}

func TestCircuitBreaker_StateTransitions(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var changes []string

	cb := NewCircuitBreaker("store", Config{
		FailureThreshold: 3,
		Timeout:          50 * time.Millisecond,
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			defer mu.Unlock()
			changes = append(changes, from.String()+"->"+to.String())
		},
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_ = cb.Execute(ctx, fail)
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("state below threshold = %v, want %v", cb.GetState(), StateClosed)
	}

	_ = cb.Execute(ctx, fail)
	if cb.GetState() != StateOpen {
		t.Fatalf("state at threshold = %v, want %v", cb.GetState(), StateOpen)
	}

	time.Sleep(80 * time.Millisecond)
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("state after timeout = %v, want %v", cb.GetState(), StateHalfOpen)
	}

	if err := cb.Execute(ctx, succeed); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Errorf("state after successful probe = %v, want %v", cb.GetState(), StateClosed)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->CLOSED"}
	if len(changes) != len(want) {
		t.Fatalf("state changes = %v, want %v", changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("change %d = %q, want %q", i, changes[i], want[i])
		}
	}
}

func TestCircuitBreaker_OpenRejects(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("store", Config{FailureThreshold: 1, Timeout: time.Hour})
	ctx := context.Background()
	_ = cb.Execute(ctx, fail)

	called := false
	err := cb.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Error("open breaker should not invoke the function")
	}
	if errors.CodeOf(err) != errors.ErrCodeStoreUnavailable {
		t.Errorf("rejection code = %s, want %s", errors.CodeOf(err), errors.ErrCodeStoreUnavailable)
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("store", Config{FailureThreshold: 1, Timeout: 20 * time.Millisecond})
	ctx := context.Background()
	_ = cb.Execute(ctx, fail)

	time.Sleep(40 * time.Millisecond)
	if err := cb.Execute(ctx, fail); err != errBackend {
		t.Fatalf("probe error = %v, want backend error", err)
	}
	if cb.GetState() != StateOpen {
		t.Errorf("state after failed probe = %v, want %v", cb.GetState(), StateOpen)
	}
}

func TestCircuitBreaker_IsSuccessful(t *testing.T) {
	t.Parallel()

	ignored := stderrors.New("not found")
	cb := NewCircuitBreaker("store", Config{
		FailureThreshold: 1,
		IsSuccessful: func(err error) bool {
			return err == nil || err == ignored
		},
	})

	_ = cb.Execute(context.Background(), func(context.Context) error { return ignored })
	if cb.GetState() != StateClosed {
		t.Errorf("state = %v, want %v", cb.GetState(), StateClosed)
	}
	if c := cb.GetCounts(); c.TotalSuccesses != 1 || c.TotalFailures != 0 {
		t.Errorf("counts = %+v, want one success", c)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("store", Config{FailureThreshold: 1, Timeout: time.Hour})
	_ = cb.Execute(context.Background(), fail)
	if cb.GetState() != StateOpen {
		t.Fatalf("state = %v, want %v", cb.GetState(), StateOpen)
	}

	cb.Reset()
	if cb.GetState() != StateClosed {
		t.Errorf("state after Reset = %v, want %v", cb.GetState(), StateClosed)
	}
	if c := cb.GetCounts(); c.Requests != 0 {
		t.Errorf("Requests after Reset = %d, want 0", c.Requests)
	}
}

func TestCounts_Operations(t *testing.T) {
	t.Parallel()

	var c Counts
	c.onRequest()
	c.onFailure()
	c.onFailure()
	c.onSuccess()

	if c.TotalFailures != 2 || c.TotalSuccesses != 1 {
		t.Errorf("totals = %d failures, %d successes", c.TotalFailures, c.TotalSuccesses)
	}
	if c.ConsecutiveFailures != 0 || c.ConsecutiveSuccesses != 1 {
		t.Errorf("consecutive = %d failures, %d successes", c.ConsecutiveFailures, c.ConsecutiveSuccesses)
	}
	if c.LastActivity.IsZero() {
		t.Error("LastActivity not set")
	}

	c.clear()
	if c != (Counts{}) {
		t.Errorf("clear() left %+v", c)
	}
}
