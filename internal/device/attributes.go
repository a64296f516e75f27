package device

import (
	"context"
	"sync"

	"github.com/objectfs/mapperfs/pkg/attr"
	"github.com/objectfs/mapperfs/pkg/latency"
)

// Built-in attribute names.
const (
	AttrName           = "name"
	AttrUUID           = "uuid"
	AttrSuspended      = "suspended"
	AttrLatencyMicro   = "io_latency_us"
	AttrLatencyMilli   = "io_latency_ms"
	AttrLatencySeconds = "io_latency_s"
	AttrLatencyReset   = "io_latency_reset"
)

var (
	attributesOnce sync.Once
	attributes     *attr.Table[*Device]
)

// Attributes returns the attribute table shared by all devices. It is built
// on first use and never modified afterwards.
func Attributes() *attr.Table[*Device] {
	attributesOnce.Do(func() {
		attributes = attr.NewBuilder[*Device]().Add(
			attr.ReadOnly(AttrName, showName),
			attr.ReadOnly(AttrUUID, showUUID),
			attr.ReadOnly(AttrSuspended, showSuspended),
			attr.ReadOnly(AttrLatencyMicro, showLatency(latency.Microseconds)),
			attr.ReadOnly(AttrLatencyMilli, showLatency(latency.Milliseconds)),
			attr.ReadOnly(AttrLatencySeconds, showLatency(latency.Seconds)),
			attr.WriteOnly(AttrLatencyReset, storeLatencyReset),
		).MustBuild()
	})
	return attributes
}

// NewDispatcher routes attribute operations on handles of reg.
func NewDispatcher(reg *Registry, opts ...attr.Option) *attr.Dispatcher[string, *Device] {
	return attr.NewDispatcher[string, *Device](Attributes(), reg, opts...)
}

func showName(ctx context.Context, d *Device) (string, error) {
	name, err := d.Name(ctx)
	if err != nil {
		return "", err
	}
	return name + "\n", nil
}

func showUUID(ctx context.Context, d *Device) (string, error) {
	id, err := d.UUID(ctx)
	if err != nil {
		return "", err
	}
	return id + "\n", nil
}

func showSuspended(_ context.Context, d *Device) (string, error) {
	if d.Suspended() {
		return "1\n", nil
	}
	return "0\n", nil
}

func showLatency(u latency.Unit) attr.ShowFunc[*Device] {
	return func(_ context.Context, d *Device) (string, error) {
		return d.Latency().Scale(u).String(), nil
	}
}

// storeLatencyReset clears all three scales. Any payload triggers it and is
// consumed whole.
func storeLatencyReset(_ context.Context, d *Device, payload []byte) (int, error) {
	d.Latency().Reset()
	return len(payload), nil
}
