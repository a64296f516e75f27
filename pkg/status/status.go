// Package status tracks long-running device lifecycle operations, mainly
// removals waiting for open attribute references to drain.
package status

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/objectfs/mapperfs/pkg/errors"
	"github.com/objectfs/mapperfs/pkg/health"
)

var opIDCounter uint64

// OperationStatus represents the status of a long-running operation
type OperationStatus int

const (
	// StatusInProgress indicates the operation is currently executing
	StatusInProgress OperationStatus = iota

	// StatusCompleted indicates the operation completed successfully
	StatusCompleted

	// StatusFailed indicates the operation failed
	StatusFailed

	// StatusCanceled indicates the operation was canceled
	StatusCanceled
)

// String returns the string representation of an operation status
func (s OperationStatus) String() string {
	switch s {
	case StatusInProgress:
		return "in_progress"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status by name.
func (s OperationStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *OperationStatus) UnmarshalText(text []byte) error {
	for st := StatusInProgress; st <= StatusCanceled; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown operation status %q", text)
}

// Operation types.
const (
	OpCreate = "create"
	OpRemove = "remove"
)

// Operation is a snapshot of a tracked operation.
type Operation struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Handle    string                 `json:"handle,omitempty"`
	Status    OperationStatus        `json:"status"`
	Phase     string                 `json:"phase,omitempty"`
	StartTime time.Time              `json:"start_time"`
	EndTime   *time.Time             `json:"end_time,omitempty"`
	Error     *errors.MapperFSError  `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Duration returns how long the operation ran, or has run so far.
func (o *Operation) Duration() time.Duration {
	if o.EndTime != nil {
		return o.EndTime.Sub(o.StartTime)
	}
	return time.Since(o.StartTime)
}

type operation struct {
	mu     sync.Mutex
	op     Operation
	cancel context.CancelFunc
}

func (o *operation) snapshot() *Operation {
	o.mu.Lock()
	defer o.mu.Unlock()

	c := o.op
	c.Metadata = make(map[string]interface{}, len(o.op.Metadata))
	for k, v := range o.op.Metadata {
		c.Metadata[k] = v
	}
	return &c
}

// Tracker tracks all operations and provides status information
type Tracker struct {
	mu            sync.RWMutex
	operations    map[string]*operation
	history       []*Operation
	maxHistory    int
	healthTracker *health.Tracker
}

// TrackerConfig configures operation tracking behavior
type TrackerConfig struct {
	MaxHistorySize int             `yaml:"max_history_size" json:"max_history_size"`
	HealthTracker  *health.Tracker `yaml:"-" json:"-"`
}

// DefaultTrackerConfig returns default configuration
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		MaxHistorySize: 100,
	}
}

// NewTracker creates a new operation tracker
func NewTracker(config TrackerConfig) *Tracker {
	if config.MaxHistorySize <= 0 {
		config.MaxHistorySize = 100
	}

	return &Tracker{
		operations:    make(map[string]*operation),
		history:       make([]*Operation, 0, config.MaxHistorySize),
		maxHistory:    config.MaxHistorySize,
		healthTracker: config.HealthTracker,
	}
}

// StartOperation starts tracking an operation on handle. The returned
// context is canceled when the operation is canceled or finishes.
func (t *Tracker) StartOperation(ctx context.Context, opType, handle string, metadata map[string]interface{}) (*Operation, context.Context) {
	opCtx, cancel := context.WithCancel(ctx)

	o := &operation{
		op: Operation{
			ID:        generateOperationID(),
			Type:      opType,
			Handle:    handle,
			Status:    StatusInProgress,
			StartTime: time.Now(),
			Metadata:  metadata,
		},
		cancel: cancel,
	}

	t.mu.Lock()
	t.operations[o.op.ID] = o
	t.mu.Unlock()

	return o.snapshot(), opCtx
}

// SetPhase sets the current phase of an operation
func (t *Tracker) SetPhase(opID, phase string) error {
	o, err := t.active(opID)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.op.Phase = phase
	o.mu.Unlock()
	return nil
}

// Finish completes the operation when err is nil and fails it otherwise. A
// context cancellation caused by CancelOperation keeps the canceled status.
func (t *Tracker) Finish(opID string, err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, ok := t.operations[opID]
	if !ok {
		return notFound(opID)
	}

	o.mu.Lock()
	now := time.Now()
	o.op.EndTime = &now
	switch {
	case o.op.Status == StatusCanceled:
	case err == nil:
		o.op.Status = StatusCompleted
	default:
		o.op.Status = StatusFailed
		var typed *errors.MapperFSError
		if stderrors.As(err, &typed) {
			o.op.Error = typed
		} else {
			o.op.Error = errors.Wrap(errors.ErrCodeInternalError, err.Error(), err)
		}
	}
	o.mu.Unlock()
	o.cancel()

	t.moveToHistory(o.snapshot())
	delete(t.operations, opID)
	return nil
}

// CancelOperation cancels the operation's context. The operation stays active
// until its owner calls Finish.
func (t *Tracker) CancelOperation(opID string) error {
	o, err := t.active(opID)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.op.Status = StatusCanceled
	o.mu.Unlock()
	o.cancel()
	return nil
}

// GetOperation returns an active or finished operation by ID
func (t *Tracker) GetOperation(opID string) (*Operation, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if o, ok := t.operations[opID]; ok {
		return o.snapshot(), nil
	}
	for _, op := range t.history {
		if op.ID == opID {
			c := *op
			return &c, nil
		}
	}
	return nil, notFound(opID)
}

// GetAllOperations returns all active operations ordered by start time
func (t *Tracker) GetAllOperations() []*Operation {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ops := make([]*Operation, 0, len(t.operations))
	for _, o := range t.operations {
		ops = append(ops, o.snapshot())
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].StartTime.Before(ops[j].StartTime) })
	return ops
}

// GetHistory returns up to limit finished operations, newest first
func (t *Tracker) GetHistory(limit int) []*Operation {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if limit <= 0 || limit > len(t.history) {
		limit = len(t.history)
	}

	result := make([]*Operation, limit)
	copy(result, t.history[:limit])
	return result
}

// SystemStatus represents the overall system status
type SystemStatus struct {
	Timestamp        time.Time                `json:"timestamp"`
	ActiveOps        int                      `json:"active_operations"`
	OperationsByType map[string]int           `json:"operations_by_type"`
	HealthState      health.HealthState       `json:"health_state"`
	ComponentHealth  []health.ComponentHealth `json:"component_health,omitempty"`
}

// GetSystemStatus returns overall system status including health
func (t *Tracker) GetSystemStatus() *SystemStatus {
	t.mu.RLock()
	status := &SystemStatus{
		Timestamp:        time.Now(),
		ActiveOps:        len(t.operations),
		OperationsByType: make(map[string]int),
	}
	for _, o := range t.operations {
		o.mu.Lock()
		status.OperationsByType[o.op.Type]++
		o.mu.Unlock()
	}
	t.mu.RUnlock()

	if t.healthTracker != nil {
		status.HealthState = t.healthTracker.GetOverallHealth()
		status.ComponentHealth = t.healthTracker.GetAllComponents()
	}
	return status
}

func (t *Tracker) active(opID string) (*operation, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	o, ok := t.operations[opID]
	if !ok {
		return nil, notFound(opID)
	}
	return o, nil
}

// moveToHistory must be called with t.mu held.
func (t *Tracker) moveToHistory(op *Operation) {
	t.history = append([]*Operation{op}, t.history...)
	if len(t.history) > t.maxHistory {
		t.history = t.history[:t.maxHistory]
	}
}

func notFound(opID string) error {
	return errors.NewError(errors.ErrCodeOperationNotFound, "operation not found").
		WithComponent("status").
		WithContext("operation_id", opID)
}

func generateOperationID() string {
	counter := atomic.AddUint64(&opIDCounter, 1)
	return fmt.Sprintf("%d-%d", time.Now().Unix(), counter)
}
