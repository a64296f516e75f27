package device

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/objectfs/mapperfs/internal/metastore"
	"github.com/objectfs/mapperfs/pkg/errors"
	"github.com/objectfs/mapperfs/pkg/latency"
	"github.com/objectfs/mapperfs/pkg/utils"
)

// Limits on identity lengths, as for device-mapper.
const (
	MaxNameLen = 127
	MaxUUIDLen = 128
)

// HandlePrefix prefixes every device handle.
const HandlePrefix = "dm-"

// Registry publishes devices under their handles and counts the references
// attribute operations hold on them. Removal unpublishes a device first and
// then waits for the outstanding references to drain.
type Registry struct {
	store    metastore.Store
	geometry latency.Config
	logger   *utils.StructuredLogger

	mu      sync.RWMutex
	devices map[string]*Device
	names   map[string]string
	uuids   map[string]string
	minors  map[int]struct{}

	// identities held from Create until removal completes
	reserved map[string]reservation
}

type reservation struct {
	minor int
	rec   metastore.Record
}

// NewRegistry creates an empty registry whose devices keep their identity in
// store and allocate histograms with the given geometry.
func NewRegistry(store metastore.Store, geometry latency.Config, logger *utils.StructuredLogger) *Registry {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Registry{
		store:    store,
		geometry: geometry,
		logger:   logger.WithComponent("registry"),
		devices:  make(map[string]*Device),
		names:    make(map[string]string),
		uuids:    make(map[string]string),
		minors:   make(map[int]struct{}),
		reserved: make(map[string]reservation),
	}
}

// Create registers a new device. An empty id gets a random UUID. The device
// gets the lowest free minor number.
func (r *Registry) Create(ctx context.Context, name, id string) (*Device, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if id == "" {
		id = uuid.NewString()
	}
	if len(id) > MaxUUIDLen {
		return nil, errors.NewError(errors.ErrCodeDeviceInvalid, "device uuid too long").
			WithComponent("registry").
			WithOperation("create").
			WithContext("uuid", id)
	}

	r.mu.Lock()
	if h, ok := r.names[name]; ok {
		r.mu.Unlock()
		return nil, exists("name", name, h)
	}
	if h, ok := r.uuids[id]; ok {
		r.mu.Unlock()
		return nil, exists("uuid", id, h)
	}
	minor := 0
	for {
		if _, used := r.minors[minor]; !used {
			break
		}
		minor++
	}
	handle := HandlePrefix + strconv.Itoa(minor)
	r.minors[minor] = struct{}{}
	r.names[name] = handle
	r.uuids[id] = handle
	rec := metastore.Record{Name: name, UUID: id}
	r.reserved[handle] = reservation{minor: minor, rec: rec}
	r.mu.Unlock()

	if err := r.store.Put(ctx, handle, rec); err != nil {
		r.forget(handle)
		return nil, err
	}

	dev := newDevice(handle, minor, r.store, r.geometry)
	r.mu.Lock()
	r.devices[handle] = dev
	r.mu.Unlock()

	r.logger.Info("device created", map[string]interface{}{
		"handle": handle,
		"name":   name,
		"uuid":   id,
	})
	return dev, nil
}

// Resolve returns the device published under handle and takes a reference on
// it. Every successful Resolve must be paired with Release.
func (r *Registry) Resolve(handle string) (*Device, error) {
	r.mu.RLock()
	dev, ok := r.devices[handle]
	r.mu.RUnlock()
	if !ok || !dev.acquire() {
		return nil, errors.NewError(errors.ErrCodeInvalidHandle, "no such device").
			WithComponent("registry").
			WithContext("handle", handle)
	}
	return dev, nil
}

// Release drops a reference taken by Resolve.
func (r *Registry) Release(dev *Device) {
	dev.release()
}

// Remove unpublishes the device and waits until every reference is released
// before deleting its record. If ctx ends first and references remain, the
// device is published again and a DEVICE_BUSY error is returned.
func (r *Registry) Remove(ctx context.Context, handle string) error {
	r.mu.Lock()
	dev, ok := r.devices[handle]
	if ok {
		delete(r.devices, handle)
	}
	r.mu.Unlock()
	if !ok {
		return errors.NewError(errors.ErrCodeInvalidHandle, "no such device").
			WithComponent("registry").
			WithOperation("remove").
			WithContext("handle", handle)
	}

	drained := dev.markDying()
	select {
	case <-drained:
	case <-ctx.Done():
		if dev.revive() {
			r.mu.Lock()
			r.devices[handle] = dev
			r.mu.Unlock()
			r.logger.Warn("device removal abandoned", map[string]interface{}{
				"handle": handle,
				"refs":   dev.Refs(),
			})
			return errors.Wrap(errors.ErrCodeDeviceBusy, "device still in use", ctx.Err()).
				WithComponent("registry").
				WithOperation("remove").
				WithContext("handle", handle)
		}
	}

	delErr := r.store.Delete(context.WithoutCancel(ctx), handle)
	r.forget(handle)

	if delErr != nil {
		r.logger.Error("failed to delete device record", map[string]interface{}{
			"handle": handle,
			"error":  delErr,
		})
		return delErr
	}
	r.logger.Info("device removed", map[string]interface{}{"handle": handle})
	return nil
}

// forget drops the minor, name and uuid reserved for handle.
func (r *Registry) forget(handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rsv, ok := r.reserved[handle]
	if !ok {
		return
	}
	delete(r.reserved, handle)
	delete(r.minors, rsv.minor)
	delete(r.names, rsv.rec.Name)
	delete(r.uuids, rsv.rec.UUID)
}

// Handles lists published device handles ordered by minor number.
func (r *Registry) Handles() []string {
	r.mu.RLock()
	devs := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		devs = append(devs, d)
	}
	r.mu.RUnlock()

	sort.Slice(devs, func(i, j int) bool { return devs[i].minor < devs[j].minor })
	handles := make([]string, len(devs))
	for i, d := range devs {
		handles[i] = d.handle
	}
	return handles
}

// Len returns the number of published devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// LookupByName returns the handle of the device called name.
func (r *Registry) LookupByName(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.names[name]
	if !ok {
		return "", false
	}
	if _, published := r.devices[h]; !published {
		return "", false
	}
	return h, true
}

// Close removes every device, waiting for each to drain or ctx to end.
func (r *Registry) Close(ctx context.Context) error {
	var failed []string
	for _, h := range r.Handles() {
		if err := r.Remove(ctx, h); err != nil && errors.CodeOf(err) != errors.ErrCodeInvalidHandle {
			failed = append(failed, h)
		}
	}
	if len(failed) > 0 {
		return errors.NewError(errors.ErrCodeDeviceBusy, fmt.Sprintf("failed to remove %d devices", len(failed))).
			WithComponent("registry").
			WithOperation("close").
			WithContext("handles", strings.Join(failed, ","))
	}
	return nil
}

// IsHandle reports whether s has the shape of a device handle.
func IsHandle(s string) bool {
	rest, ok := strings.CutPrefix(s, HandlePrefix)
	if !ok || rest == "" {
		return false
	}
	n, err := strconv.Atoi(rest)
	return err == nil && n >= 0 && strconv.Itoa(n) == rest
}

func validateName(name string) error {
	switch {
	case name == "":
		return errors.NewError(errors.ErrCodeDeviceInvalid, "device name cannot be empty").
			WithComponent("registry").
			WithOperation("create")
	case len(name) > MaxNameLen:
		return errors.NewError(errors.ErrCodeDeviceInvalid, "device name too long").
			WithComponent("registry").
			WithOperation("create").
			WithContext("name", name)
	case strings.ContainsRune(name, '/'):
		return errors.NewError(errors.ErrCodeDeviceInvalid, "device name cannot contain '/'").
			WithComponent("registry").
			WithOperation("create").
			WithContext("name", name)
	}
	return nil
}

func exists(field, value, handle string) error {
	return errors.NewError(errors.ErrCodeDeviceExists, "device "+field+" already in use").
		WithComponent("registry").
		WithOperation("create").
		WithContext(field, value).
		WithContext("handle", handle)
}
