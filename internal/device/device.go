// Package device implements mapped devices: the managed objects whose
// attributes mapperfs exposes, the registry that hands out counted references
// to them, and the built-in attribute table.
package device

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/objectfs/mapperfs/internal/metastore"
	"github.com/objectfs/mapperfs/pkg/errors"
	"github.com/objectfs/mapperfs/pkg/latency"
)

// Device is a mapped device. Its identity lives in a metastore.Store; its
// suspend flag and latency histogram live in memory.
type Device struct {
	handle  string
	minor   int
	store   metastore.Store
	created time.Time

	suspended atomic.Bool
	latency   *latency.Histogram

	// reference accounting
	mu      sync.Mutex
	refs    int
	dying   bool
	drained chan struct{}
}

func newDevice(handle string, minor int, store metastore.Store, geometry latency.Config) *Device {
	return &Device{
		handle:  handle,
		minor:   minor,
		store:   store,
		created: time.Now(),
		latency: latency.New(geometry),
	}
}

// Handle returns the device's kernel-style handle, e.g. "dm-0".
func (d *Device) Handle() string { return d.handle }

// Minor returns the device's minor number.
func (d *Device) Minor() int { return d.minor }

// CreatedAt returns when the device was created.
func (d *Device) CreatedAt() time.Time { return d.created }

// Name returns the device name from the metadata store.
func (d *Device) Name(ctx context.Context) (string, error) {
	rec, err := d.record(ctx, "name")
	if err != nil {
		return "", err
	}
	return rec.Name, nil
}

// UUID returns the device UUID from the metadata store.
func (d *Device) UUID(ctx context.Context) (string, error) {
	rec, err := d.record(ctx, "uuid")
	if err != nil {
		return "", err
	}
	return rec.UUID, nil
}

func (d *Device) record(ctx context.Context, field string) (metastore.Record, error) {
	rec, err := d.store.Get(ctx, d.handle)
	if err != nil {
		return metastore.Record{}, errors.Wrap(errors.ErrCodeAttributeIO, "failed to retrieve device "+field, err).
			WithComponent("device").
			WithContext("handle", d.handle)
	}
	return rec, nil
}

// Suspended reports whether I/O to the device is suspended.
func (d *Device) Suspended() bool { return d.suspended.Load() }

// Suspend marks the device suspended. It reports false if it already was.
func (d *Device) Suspend() bool { return d.suspended.CompareAndSwap(false, true) }

// Resume clears the suspend flag. It reports false if the device was active.
func (d *Device) Resume() bool { return d.suspended.CompareAndSwap(true, false) }

// Latency returns the device's I/O latency histogram.
func (d *Device) Latency() *latency.Histogram { return d.latency }

// acquire takes a reference unless removal has started.
func (d *Device) acquire() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dying {
		return false
	}
	d.refs++
	return true
}

func (d *Device) release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.refs == 0 {
		panic("device: release without matching resolve")
	}
	d.refs--
	if d.refs == 0 && d.drained != nil {
		close(d.drained)
		d.drained = nil
	}
}

// markDying blocks new references and returns a channel closed once the
// outstanding ones are released.
func (d *Device) markDying() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dying = true
	ch := make(chan struct{})
	if d.refs == 0 {
		close(ch)
	} else {
		d.drained = ch
	}
	return ch
}

// revive undoes markDying when removal is abandoned. It reports false when the
// references drained in the meantime, in which case removal should proceed.
func (d *Device) revive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.refs == 0 {
		return false
	}
	d.dying = false
	d.drained = nil
	return true
}

// Refs returns the number of outstanding references.
func (d *Device) Refs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.refs
}
