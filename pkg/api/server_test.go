package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/mapperfs/internal/device"
	"github.com/objectfs/mapperfs/internal/metastore"
	"github.com/objectfs/mapperfs/pkg/errors"
	"github.com/objectfs/mapperfs/pkg/health"
	"github.com/objectfs/mapperfs/pkg/latency"
	"github.com/objectfs/mapperfs/pkg/status"
)

type fixture struct {
	server   *Server
	registry *device.Registry
	health   *health.Tracker
	ops      *status.Tracker
}

func newFixture(t *testing.T, config ServerConfig) *fixture {
	t.Helper()
	ht := health.NewTracker(health.DefaultConfig())
	ht.RegisterComponent(health.ComponentStore)
	ops := status.NewTracker(status.TrackerConfig{HealthTracker: ht})

	store := metastore.NewMonitoredStore(metastore.NewMemoryStore(), ht, health.ComponentStore)
	reg := device.NewRegistry(store, latency.DefaultConfig(), nil)
	return &fixture{
		server:   NewServer(config, reg, device.NewDispatcher(reg), ops, ht, nil),
		registry: reg,
		health:   ht,
		ops:      ops,
	}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(w.Body).Decode(v), "body: %s", w.Body.String())
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) errors.ErrorCode {
	t.Helper()
	var body struct {
		Code errors.ErrorCode `json:"code"`
	}
	decode(t, w, &body)
	return body.Code
}

func TestCreateAndListDevices(t *testing.T) {
	f := newFixture(t, DefaultServerConfig())

	w := f.do(t, http.MethodPost, "/devices", `{"name":"vol0","uuid":"LVM-0001"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "/devices/dm-0", w.Header().Get("Location"))
	var info DeviceInfo
	decode(t, w, &info)
	assert.Equal(t, DeviceInfo{Handle: "dm-0", Minor: 0, Name: "vol0", UUID: "LVM-0001", CreatedAt: info.CreatedAt}, info)

	w = f.do(t, http.MethodPost, "/devices", `{"name":"vol1"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.do(t, http.MethodPost, "/devices", `{"name":"vol0"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, errors.ErrCodeDeviceExists, errorCode(t, w))

	w = f.do(t, http.MethodPost, "/devices", `{"name":"a/b"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, errors.ErrCodeDeviceInvalid, errorCode(t, w))

	w = f.do(t, http.MethodPost, "/devices", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/devices", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Devices []DeviceInfo `json:"devices"`
		Count   int          `json:"count"`
	}
	decode(t, w, &list)
	require.Equal(t, 2, list.Count)
	assert.Equal(t, "vol0", list.Devices[0].Name)
	assert.Equal(t, "dm-1", list.Devices[1].Handle)

	w = f.do(t, http.MethodGet, "/devices/dm-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &info)
	assert.Equal(t, "vol1", info.Name)
	assert.NotEmpty(t, info.UUID)

	w = f.do(t, http.MethodGet, "/devices/dm-9", "")
	assert.Equal(t, http.StatusGone, w.Code)

	history := f.ops.GetHistory(0)
	require.Len(t, history, 4)
	assert.Equal(t, status.OpCreate, history[0].Type)
}

func TestAttributes(t *testing.T) {
	f := newFixture(t, DefaultServerConfig())
	_, err := f.registry.Create(context.Background(), "vol0", "LVM-0001")
	require.NoError(t, err)

	w := f.do(t, http.MethodGet, "/devices/dm-0/attrs", "")
	require.Equal(t, http.StatusOK, w.Code)
	var attrs []AttributeInfo
	decode(t, w, &attrs)
	require.Len(t, attrs, len(device.Attributes().Names()))
	assert.Equal(t, AttributeInfo{Name: "name", Readable: true, Mode: "0444"}, attrs[0])
	assert.Equal(t, AttributeInfo{Name: "io_latency_reset", Writable: true, Mode: "0200"}, attrs[len(attrs)-1])

	w = f.do(t, http.MethodGet, "/devices/dm-0/attrs/name", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "vol0\n", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")

	w = f.do(t, http.MethodGet, "/devices/dm-0/attrs/uuid", "")
	assert.Equal(t, "LVM-0001\n", w.Body.String())

	w = f.do(t, http.MethodGet, "/devices/dm-0/attrs/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, errors.ErrCodeAttributeNotFound, errorCode(t, w))

	w = f.do(t, http.MethodPut, "/devices/dm-0/attrs/name", "new")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, errors.ErrCodeAttributeUnsupported, errorCode(t, w))

	w = f.do(t, http.MethodGet, "/devices/dm-0/attrs/io_latency_reset", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = f.do(t, http.MethodGet, "/devices/dm-3/attrs/name", "")
	assert.Equal(t, http.StatusGone, w.Code)
	assert.Equal(t, errors.ErrCodeInvalidHandle, errorCode(t, w))

	dev, err := f.registry.Resolve("dm-0")
	require.NoError(t, err)
	dev.Latency().Observe(250 * time.Microsecond)
	f.registry.Release(dev)

	w = f.do(t, http.MethodGet, "/devices/dm-0/attrs/io_latency_us", "")
	require.Equal(t, http.StatusOK, w.Code)
	before := w.Body.String()

	w = f.do(t, http.MethodPut, "/devices/dm-0/attrs/io_latency_reset", "1\n")
	require.Equal(t, http.StatusOK, w.Code)
	var consumed struct {
		Consumed int `json:"consumed"`
	}
	decode(t, w, &consumed)
	assert.Equal(t, 2, consumed.Consumed)

	w = f.do(t, http.MethodGet, "/devices/dm-0/attrs/io_latency_us", "")
	assert.NotEqual(t, before, w.Body.String())
	assert.NotContains(t, w.Body.String(), ":1\n")

	w = f.do(t, http.MethodPut, "/devices/dm-0/attrs/io_latency_reset", strings.Repeat("x", maxPayload+1))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, errors.ErrCodeInvalidAttribute, errorCode(t, w))
}

func TestSuspendResume(t *testing.T) {
	f := newFixture(t, DefaultServerConfig())
	_, err := f.registry.Create(context.Background(), "vol0", "")
	require.NoError(t, err)

	var resp struct {
		Suspended bool `json:"suspended"`
		Changed   bool `json:"changed"`
	}

	w := f.do(t, http.MethodPost, "/devices/dm-0/suspend", "")
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &resp)
	assert.True(t, resp.Suspended)
	assert.True(t, resp.Changed)

	w = f.do(t, http.MethodPost, "/devices/dm-0/suspend", "")
	decode(t, w, &resp)
	assert.False(t, resp.Changed)

	w = f.do(t, http.MethodGet, "/devices/dm-0/attrs/suspended", "")
	assert.Equal(t, "1\n", w.Body.String())

	w = f.do(t, http.MethodPost, "/devices/dm-0/resume", "")
	decode(t, w, &resp)
	assert.False(t, resp.Suspended)
	assert.True(t, resp.Changed)

	w = f.do(t, http.MethodGet, "/devices/dm-0/attrs/suspended", "")
	assert.Equal(t, "0\n", w.Body.String())

	w = f.do(t, http.MethodPost, "/devices/dm-5/resume", "")
	assert.Equal(t, http.StatusGone, w.Code)
}

func TestRemoveDevice(t *testing.T) {
	f := newFixture(t, DefaultServerConfig())
	_, err := f.registry.Create(context.Background(), "vol0", "")
	require.NoError(t, err)
	_, err = f.registry.Create(context.Background(), "vol1", "")
	require.NoError(t, err)

	w := f.do(t, http.MethodDelete, "/devices/dm-0", "")
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	assert.Equal(t, []string{"dm-1"}, f.registry.Handles())

	w = f.do(t, http.MethodDelete, "/devices/dm-0", "")
	assert.Equal(t, http.StatusGone, w.Code)

	w = f.do(t, http.MethodDelete, "/devices/dm-1?timeout=soon", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// a held reference keeps the device busy until the timeout
	dev, err := f.registry.Resolve("dm-1")
	require.NoError(t, err)

	w = f.do(t, http.MethodDelete, "/devices/dm-1?timeout=20ms", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, errors.ErrCodeDeviceBusy, errorCode(t, w))
	assert.Equal(t, []string{"dm-1"}, f.registry.Handles())

	last := f.ops.GetHistory(1)
	require.Len(t, last, 1)
	assert.Equal(t, status.OpRemove, last[0].Type)
	assert.Equal(t, status.StatusFailed, last[0].Status)
	assert.Equal(t, "draining", last[0].Phase)

	f.registry.Release(dev)
	w = f.do(t, http.MethodDelete, "/devices/dm-1?timeout=1s", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Zero(t, f.registry.Len())
}

func TestRemoveDevice_AsyncCancel(t *testing.T) {
	f := newFixture(t, DefaultServerConfig())
	_, err := f.registry.Create(context.Background(), "vol0", "")
	require.NoError(t, err)

	dev, err := f.registry.Resolve("dm-0")
	require.NoError(t, err)
	defer f.registry.Release(dev)

	w := f.do(t, http.MethodDelete, "/devices/dm-0?async=true&timeout=1m", "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var op status.Operation
	decode(t, w, &op)
	require.NotEmpty(t, op.ID)
	assert.Equal(t, "/status/operations/"+op.ID, w.Header().Get("Location"))

	w = f.do(t, http.MethodGet, "/status/operations", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), op.ID)

	w = f.do(t, http.MethodDelete, "/status/operations/"+op.ID, "")
	require.Equal(t, http.StatusAccepted, w.Code)

	assert.Eventually(t, func() bool {
		got, err := f.ops.GetOperation(op.ID)
		return err == nil && got.Status != status.StatusInProgress
	}, 2*time.Second, 5*time.Millisecond)

	w = f.do(t, http.MethodGet, "/status/operations/"+op.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		Status string `json:"status"`
	}
	decode(t, w, &got)
	assert.Equal(t, "canceled", got.Status)

	// abandoned removal leaves the device published
	assert.Equal(t, []string{"dm-0"}, f.registry.Handles())

	w = f.do(t, http.MethodGet, "/status/operations/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, f.server.Shutdown(ctx))
}

func TestRateLimit(t *testing.T) {
	config := DefaultServerConfig()
	config.WriteRate = 0.001
	config.WriteBurst = 1
	f := newFixture(t, config)

	w := f.do(t, http.MethodPost, "/devices", `{"name":"vol0"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.do(t, http.MethodPost, "/devices", `{"name":"vol1"}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, errors.ErrCodeRateLimited, errorCode(t, w))

	// reads are never limited
	w = f.do(t, http.MethodGet, "/devices/dm-0/attrs/name", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t, DefaultServerConfig())

	w := f.do(t, http.MethodGet, "/health/live", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	var h map[string]interface{}
	decode(t, w, &h)
	assert.Equal(t, "healthy", h["status"])

	w = f.do(t, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, w.Code)

	for i := 0; i < health.DefaultConfig().ErrorThreshold; i++ {
		f.health.RecordError(health.ComponentStore, errors.NewError(errors.ErrCodeStoreWrite, "put failed"))
	}
	w = f.do(t, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = f.do(t, http.MethodGet, "/health/components", "")
	require.Equal(t, http.StatusOK, w.Code)
	var components []health.ComponentHealth
	decode(t, w, &components)
	require.Len(t, components, 1)
	assert.Equal(t, health.StateReadOnly, components[0].State)

	w = f.do(t, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"health_state":"read-only"`)
}

func TestInfoAndMethods(t *testing.T) {
	f := newFixture(t, DefaultServerConfig())

	w := f.do(t, http.MethodGet, "/info", "")
	require.Equal(t, http.StatusOK, w.Code)
	var info struct {
		Service    string   `json:"service"`
		Attributes []string `json:"attributes"`
	}
	decode(t, w, &info)
	assert.Equal(t, "mapperfs", info.Service)
	assert.Equal(t, device.Attributes().Names(), info.Attributes)

	w = f.do(t, http.MethodPatch, "/devices", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = f.do(t, http.MethodGet, "/status/history?limit=x", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCORS(t *testing.T) {
	config := DefaultServerConfig()
	config.EnableCORS = true
	f := newFixture(t, config)

	w := f.do(t, http.MethodOptions, "/devices", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
