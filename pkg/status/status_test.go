package status

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/objectfs/mapperfs/pkg/errors"
	"github.com/objectfs/mapperfs/pkg/health"
)

func TestTracker_StartOperation(t *testing.T) {
	tracker := NewTracker(DefaultTrackerConfig())

	op, ctx := tracker.StartOperation(context.Background(), OpRemove, "dm-0", map[string]interface{}{"name": "vol0"})
	if op.ID == "" {
		t.Fatal("Expected operation ID")
	}
	if op.Status != StatusInProgress {
		t.Errorf("Expected StatusInProgress, got %s", op.Status)
	}
	if op.Handle != "dm-0" || op.Type != OpRemove {
		t.Errorf("Unexpected operation %+v", op)
	}
	if ctx.Err() != nil {
		t.Error("Expected live operation context")
	}

	if n := len(tracker.GetAllOperations()); n != 1 {
		t.Errorf("Expected 1 active operation, got %d", n)
	}
}

func TestTracker_Phase(t *testing.T) {
	tracker := NewTracker(DefaultTrackerConfig())
	op, _ := tracker.StartOperation(context.Background(), OpRemove, "dm-0", nil)

	if err := tracker.SetPhase(op.ID, "draining"); err != nil {
		t.Fatalf("SetPhase failed: %v", err)
	}
	got, err := tracker.GetOperation(op.ID)
	if err != nil {
		t.Fatalf("GetOperation failed: %v", err)
	}
	if got.Phase != "draining" {
		t.Errorf("Expected phase draining, got %q", got.Phase)
	}

	err = tracker.SetPhase("missing", "x")
	if errors.CodeOf(err) != errors.ErrCodeOperationNotFound {
		t.Errorf("Expected OPERATION_NOT_FOUND, got %v", err)
	}
}

func TestTracker_Finish(t *testing.T) {
	tracker := NewTracker(DefaultTrackerConfig())

	ok, okCtx := tracker.StartOperation(context.Background(), OpCreate, "dm-0", nil)
	bad, _ := tracker.StartOperation(context.Background(), OpRemove, "dm-1", nil)
	plain, _ := tracker.StartOperation(context.Background(), OpRemove, "dm-2", nil)

	if err := tracker.Finish(ok.ID, nil); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if okCtx.Err() == nil {
		t.Error("Expected operation context to end with the operation")
	}
	if err := tracker.Finish(bad.ID, errors.NewError(errors.ErrCodeDeviceBusy, "device still in use")); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if err := tracker.Finish(plain.ID, fmt.Errorf("plain failure")); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if err := tracker.Finish(ok.ID, nil); errors.CodeOf(err) != errors.ErrCodeOperationNotFound {
		t.Errorf("Expected second Finish to fail, got %v", err)
	}

	if n := len(tracker.GetAllOperations()); n != 0 {
		t.Errorf("Expected no active operations, got %d", n)
	}

	got, err := tracker.GetOperation(ok.ID)
	if err != nil {
		t.Fatalf("Finished operation should stay visible: %v", err)
	}
	if got.Status != StatusCompleted || got.EndTime == nil {
		t.Errorf("Expected completed operation with end time, got %+v", got)
	}

	got, _ = tracker.GetOperation(bad.ID)
	if got.Status != StatusFailed || got.Error == nil || got.Error.Code != errors.ErrCodeDeviceBusy {
		t.Errorf("Expected failed operation carrying DEVICE_BUSY, got %+v", got)
	}
	got, _ = tracker.GetOperation(plain.ID)
	if got.Error == nil || got.Error.Code != errors.ErrCodeInternalError {
		t.Errorf("Expected untyped failure wrapped as INTERNAL_ERROR, got %+v", got.Error)
	}

	history := tracker.GetHistory(2)
	if len(history) != 2 || history[0].ID != plain.ID || history[1].ID != bad.ID {
		t.Errorf("Expected newest-first history, got %v", history)
	}
}

func TestTracker_Cancel(t *testing.T) {
	tracker := NewTracker(DefaultTrackerConfig())
	op, ctx := tracker.StartOperation(context.Background(), OpRemove, "dm-0", nil)

	if err := tracker.CancelOperation(op.ID); err != nil {
		t.Fatalf("CancelOperation failed: %v", err)
	}
	<-ctx.Done()

	if err := tracker.Finish(op.ID, ctx.Err()); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	got, _ := tracker.GetOperation(op.ID)
	if got.Status != StatusCanceled {
		t.Errorf("Expected StatusCanceled, got %s", got.Status)
	}
	if err := tracker.CancelOperation(op.ID); err == nil {
		t.Error("Expected canceling a finished operation to fail")
	}
}

func TestTracker_HistoryLimit(t *testing.T) {
	tracker := NewTracker(TrackerConfig{MaxHistorySize: 3})
	for i := 0; i < 5; i++ {
		op, _ := tracker.StartOperation(context.Background(), OpCreate, fmt.Sprintf("dm-%d", i), nil)
		_ = tracker.Finish(op.ID, nil)
	}

	history := tracker.GetHistory(0)
	if len(history) != 3 {
		t.Fatalf("Expected history capped at 3, got %d", len(history))
	}
	if history[0].Handle != "dm-4" {
		t.Errorf("Expected newest entry first, got %s", history[0].Handle)
	}
}

func TestTracker_SystemStatus(t *testing.T) {
	ht := health.NewTracker(health.DefaultConfig())
	ht.RegisterComponent(health.ComponentStore)
	tracker := NewTracker(TrackerConfig{HealthTracker: ht})

	tracker.StartOperation(context.Background(), OpRemove, "dm-0", nil)
	tracker.StartOperation(context.Background(), OpRemove, "dm-1", nil)

	st := tracker.GetSystemStatus()
	if st.ActiveOps != 2 || st.OperationsByType[OpRemove] != 2 {
		t.Errorf("Unexpected status %+v", st)
	}
	if st.HealthState != health.StateHealthy || len(st.ComponentHealth) != 1 {
		t.Errorf("Expected health to be included, got %+v", st)
	}

	data, err := json.Marshal(st)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !strings.Contains(string(data), `"health_state":"healthy"`) {
		t.Errorf("Expected health state by name, got %s", data)
	}
}
