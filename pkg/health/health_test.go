package health

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/objectfs/mapperfs/pkg/errors"
)

func TestTracker_RegisterComponent(t *testing.T) {
	tracker := NewTracker(DefaultConfig())

	tracker.RegisterComponent(ComponentStore)

	if state := tracker.GetState(ComponentStore); state != StateHealthy {
		t.Errorf("Expected initial state to be StateHealthy, got %s", state)
	}
	if state := tracker.GetState("unknown"); state != StateUnavailable {
		t.Errorf("Expected unknown component to be unavailable, got %s", state)
	}
}

func TestTracker_RecordSuccess(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.RegisterComponent(ComponentStore)

	for i := 0; i < 3; i++ {
		tracker.RecordError(ComponentStore, fmt.Errorf("test error"))
	}
	if state := tracker.GetState(ComponentStore); state != StateDegraded {
		t.Fatalf("Expected StateDegraded, got %s", state)
	}

	tracker.RecordSuccess(ComponentStore)

	h, err := tracker.GetComponentHealth(ComponentStore)
	if err != nil {
		t.Fatalf("Failed to get component health: %v", err)
	}
	if h.ConsecutiveErrors != 0 {
		t.Errorf("Expected ConsecutiveErrors=0 after success, got %d", h.ConsecutiveErrors)
	}
	if h.State != StateHealthy {
		t.Errorf("Expected StateHealthy after success, got %s", h.State)
	}
	if h.LastErrorMessage != "" {
		t.Errorf("Expected last error to be cleared, got %q", h.LastErrorMessage)
	}
}

func TestTracker_Thresholds(t *testing.T) {
	config := DefaultConfig()
	config.ErrorThreshold = 2
	config.UnavailableThreshold = 4
	tracker := NewTracker(config)
	tracker.RegisterComponent(ComponentMount)

	tracker.RecordError(ComponentMount, fmt.Errorf("error 0"))
	if state := tracker.GetState(ComponentMount); state != StateHealthy {
		t.Errorf("Expected StateHealthy before threshold, got %s", state)
	}

	tracker.RecordError(ComponentMount, fmt.Errorf("error 1"))
	if state := tracker.GetState(ComponentMount); state != StateDegraded {
		t.Errorf("Expected StateDegraded at threshold, got %s", state)
	}

	tracker.RecordError(ComponentMount, fmt.Errorf("error 2"))
	tracker.RecordError(ComponentMount, fmt.Errorf("error 3"))
	if state := tracker.GetState(ComponentMount); state != StateUnavailable {
		t.Errorf("Expected StateUnavailable, got %s", state)
	}
}

func TestTracker_StoreErrors(t *testing.T) {
	config := DefaultConfig()
	config.ErrorThreshold = 1
	tracker := NewTracker(config)
	tracker.RegisterComponent(ComponentStore)

	tracker.RecordError(ComponentStore, errors.NewError(errors.ErrCodeStoreWrite, "put failed"))
	if state := tracker.GetState(ComponentStore); state != StateReadOnly {
		t.Errorf("Expected StateReadOnly for write errors, got %s", state)
	}
	if tracker.CanWrite(ComponentStore) {
		t.Error("Expected CanWrite to be false in read-only state")
	}

	tracker.RecordSuccess(ComponentStore)
	tracker.RecordError(ComponentStore, errors.NewError(errors.ErrCodeStoreUnavailable, "dial failed"))
	if state := tracker.GetState(ComponentStore); state != StateUnavailable {
		t.Errorf("Expected StateUnavailable for an unreachable store, got %s", state)
	}
}

func TestTracker_OverallHealth(t *testing.T) {
	config := DefaultConfig()
	config.ErrorThreshold = 1
	tracker := NewTracker(config)

	if state := tracker.GetOverallHealth(); state != StateHealthy {
		t.Errorf("Expected empty tracker to be healthy, got %s", state)
	}

	tracker.RegisterComponent(ComponentStore)
	tracker.RegisterComponent(ComponentMount)
	tracker.RecordError(ComponentMount, fmt.Errorf("not mounted"))

	if state := tracker.GetOverallHealth(); state != StateDegraded {
		t.Errorf("Expected overall StateDegraded, got %s", state)
	}

	all := tracker.GetAllComponents()
	if len(all) != 2 || all[0].Name != ComponentMount || all[1].Name != ComponentStore {
		t.Errorf("Expected components sorted by name, got %+v", all)
	}
}

func TestTracker_StateChangeCallback(t *testing.T) {
	config := DefaultConfig()
	config.ErrorThreshold = 1
	tracker := NewTracker(config)
	tracker.RegisterComponent(ComponentStore)

	var mu sync.Mutex
	var transitions []string
	record := func(component string, oldState, newState HealthState, err error) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, fmt.Sprintf("%s:%s->%s", component, oldState, newState))
	}
	tracker.AddStateChangeCallback(StateDegraded, record)
	tracker.AddStateChangeCallback(StateHealthy, record)

	tracker.RecordError(ComponentStore, fmt.Errorf("boom"))
	tracker.RecordError(ComponentStore, fmt.Errorf("boom"))
	tracker.RecordSuccess(ComponentStore)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"store:healthy->degraded", "store:degraded->healthy"}
	if fmt.Sprint(transitions) != fmt.Sprint(want) {
		t.Errorf("Expected transitions %v, got %v", want, transitions)
	}
}

func TestTracker_CheckNow(t *testing.T) {
	config := DefaultConfig()
	config.ErrorThreshold = 1
	tracker := NewTracker(config)
	tracker.RegisterComponent(ComponentStore)
	tracker.RegisterComponent(ComponentMount)

	tracker.CheckNow(context.Background(), func(_ context.Context, component string) error {
		if component == ComponentMount {
			return fmt.Errorf("not mounted")
		}
		return nil
	})

	if !tracker.IsHealthy(ComponentStore) {
		t.Error("Expected store to be healthy")
	}
	if tracker.IsHealthy(ComponentMount) {
		t.Error("Expected mount to be unhealthy")
	}
}

func TestTracker_StartHealthChecks(t *testing.T) {
	config := DefaultConfig()
	config.HealthCheckInterval = 5 * time.Millisecond
	tracker := NewTracker(config)
	tracker.RegisterComponent(ComponentStore)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var mu sync.Mutex
	checks := 0
	go func() {
		defer close(done)
		tracker.StartHealthChecks(ctx, func(context.Context, string) error {
			mu.Lock()
			checks++
			mu.Unlock()
			return nil
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := checks
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if checks < 2 {
		t.Errorf("Expected at least 2 checks, got %d", checks)
	}
}

func TestHealthState_MarshalText(t *testing.T) {
	text, err := StateReadOnly.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText failed: %v", err)
	}
	if string(text) != "read-only" {
		t.Errorf("Expected read-only, got %s", text)
	}
}

func TestHealthState_UnmarshalText(t *testing.T) {
	var s HealthState
	if err := s.UnmarshalText([]byte("degraded")); err != nil || s != StateDegraded {
		t.Errorf("Expected degraded, got %s (%v)", s, err)
	}
	if err := s.UnmarshalText([]byte("sideways")); err == nil {
		t.Error("Expected error for unknown state")
	}
}
