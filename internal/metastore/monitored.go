package metastore

import (
	"context"
	stderrors "errors"

	"github.com/objectfs/mapperfs/pkg/errors"
)

// HealthRecorder receives the outcome of every store call.
type HealthRecorder interface {
	RecordSuccess(component string)
	RecordError(component string, err error)
}

// MonitoredStore reports each call of the wrapped store to a HealthRecorder.
// A missing record is a successful call.
type MonitoredStore struct {
	Store
	recorder  HealthRecorder
	component string
}

// NewMonitoredStore wraps store, reporting under component.
func NewMonitoredStore(store Store, recorder HealthRecorder, component string) *MonitoredStore {
	return &MonitoredStore{Store: store, recorder: recorder, component: component}
}

func (m *MonitoredStore) Put(ctx context.Context, handle string, rec Record) error {
	return m.observe(m.Store.Put(ctx, handle, rec))
}

func (m *MonitoredStore) Get(ctx context.Context, handle string) (Record, error) {
	rec, err := m.Store.Get(ctx, handle)
	return rec, m.observe(err)
}

func (m *MonitoredStore) Delete(ctx context.Context, handle string) error {
	return m.observe(m.Store.Delete(ctx, handle))
}

// Ping reads a record that never exists to check the backend is reachable.
// The result is not reported; periodic checkers record it themselves.
func (m *MonitoredStore) Ping(ctx context.Context) error {
	_, err := m.Store.Get(ctx, ".ping")
	if stderrors.Is(err, errors.ErrNoRecord) {
		return nil
	}
	return err
}

func (m *MonitoredStore) observe(err error) error {
	if err == nil || stderrors.Is(err, errors.ErrNoRecord) {
		m.recorder.RecordSuccess(m.component)
	} else {
		m.recorder.RecordError(m.component, err)
	}
	return err
}
