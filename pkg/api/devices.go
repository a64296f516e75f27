package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/objectfs/mapperfs/internal/device"
	"github.com/objectfs/mapperfs/pkg/errors"
	"github.com/objectfs/mapperfs/pkg/status"
)

// DeviceInfo describes a published device.
type DeviceInfo struct {
	Handle    string    `json:"handle"`
	Minor     int       `json:"minor"`
	Name      string    `json:"name"`
	UUID      string    `json:"uuid"`
	Suspended bool      `json:"suspended"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateRequest is the body of POST /devices.
type CreateRequest struct {
	Name string `json:"name"`
	UUID string `json:"uuid,omitempty"`
}

// AttributeInfo describes one attribute of the device type.
type AttributeInfo struct {
	Name     string `json:"name"`
	Readable bool   `json:"readable"`
	Writable bool   `json:"writable"`
	Mode     string `json:"mode"`
}

func describe(ctx context.Context, d *device.Device) (DeviceInfo, error) {
	name, err := d.Name(ctx)
	if err != nil {
		return DeviceInfo{}, err
	}
	id, err := d.UUID(ctx)
	if err != nil {
		return DeviceInfo{}, err
	}
	return DeviceInfo{
		Handle:    d.Handle(),
		Minor:     d.Minor(),
		Name:      name,
		UUID:      id,
		Suspended: d.Suspended(),
		CreatedAt: d.CreatedAt(),
	}, nil
}

// withDevice runs fn with a reference on the device named by the path.
func (s *Server) withDevice(w http.ResponseWriter, r *http.Request, fn func(d *device.Device)) {
	d, err := s.registry.Resolve(r.PathValue("handle"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	defer s.registry.Release(d)
	fn(d)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := make([]DeviceInfo, 0, s.registry.Len())
	for _, h := range s.registry.Handles() {
		d, err := s.registry.Resolve(h)
		if err != nil {
			// removed since listing
			continue
		}
		info, err := describe(r.Context(), d)
		s.registry.Release(d)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		devices = append(devices, info)
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
		"count":   len(devices),
	})
}

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	op, ctx := s.statusTracker.StartOperation(r.Context(), status.OpCreate, "", map[string]interface{}{"name": req.Name})
	d, err := s.registry.Create(ctx, req.Name, req.UUID)
	_ = s.statusTracker.Finish(op.ID, err)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	info, err := describe(r.Context(), d)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	w.Header().Set("Location", "/devices/"+d.Handle())
	s.respondJSON(w, http.StatusCreated, info)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	s.withDevice(w, r, func(d *device.Device) {
		info, err := describe(r.Context(), d)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, info)
	})
}

// handleRemoveDevice removes a device once its references drain. The wait is
// bounded by ?timeout= (default RemoveTimeout). With ?async=true the removal
// continues in the background and the tracked operation is returned.
func (s *Server) handleRemoveDevice(w http.ResponseWriter, r *http.Request) {
	handle := r.PathValue("handle")

	timeout := s.config.RemoveTimeout
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			s.respondError(w, http.StatusBadRequest, "invalid timeout: "+v)
			return
		}
		timeout = d
	}
	async := r.URL.Query().Get("async") == "true"

	// reject unknown handles before tracking anything
	d, err := s.registry.Resolve(handle)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.registry.Release(d)

	parent := r.Context()
	if async {
		parent = context.WithoutCancel(parent)
	}
	op, opCtx := s.statusTracker.StartOperation(parent, status.OpRemove, handle, map[string]interface{}{
		"timeout": timeout.String(),
	})

	run := func() error {
		ctx := opCtx
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(opCtx, timeout)
			defer cancel()
		}
		_ = s.statusTracker.SetPhase(op.ID, "draining")
		err := s.registry.Remove(ctx, handle)
		_ = s.statusTracker.Finish(op.ID, err)
		return err
	}

	if async {
		s.pending.Add(1)
		go func() {
			defer s.pending.Done()
			if err := run(); err != nil {
				s.logger.Warn("asynchronous removal failed", map[string]interface{}{
					"handle":    handle,
					"operation": op.ID,
					"error":     err,
				})
			}
		}()
		w.Header().Set("Location", "/status/operations/"+op.ID)
		s.respondJSON(w, http.StatusAccepted, op)
		return
	}

	if err := run(); err != nil {
		s.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSuspend(w http.ResponseWriter, r *http.Request) {
	s.withDevice(w, r, func(d *device.Device) {
		changed := d.Suspend()
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"handle":    d.Handle(),
			"suspended": true,
			"changed":   changed,
		})
	})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.withDevice(w, r, func(d *device.Device) {
		changed := d.Resume()
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"handle":    d.Handle(),
			"suspended": false,
			"changed":   changed,
		})
	})
}

func (s *Server) handleListAttributes(w http.ResponseWriter, r *http.Request) {
	s.withDevice(w, r, func(_ *device.Device) {
		descs := s.dispatcher.Table().Descriptors()
		attrs := make([]AttributeInfo, 0, len(descs))
		for _, d := range descs {
			attrs = append(attrs, AttributeInfo{
				Name:     d.Name,
				Readable: d.Readable(),
				Writable: d.Writable(),
				Mode:     fmt.Sprintf("%04o", d.Mode()),
			})
		}
		s.respondJSON(w, http.StatusOK, attrs)
	})
}

// handleShowAttribute returns the show output verbatim as text.
func (s *Server) handleShowAttribute(w http.ResponseWriter, r *http.Request) {
	out, err := s.dispatcher.Read(r.Context(), r.PathValue("handle"), r.PathValue("attr"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(out)); err != nil {
		s.logger.Warn("failed to write attribute", map[string]interface{}{"error": err})
	}
}

// handleStoreAttribute passes the request body to the store callback.
func (s *Server) handleStoreAttribute(w http.ResponseWriter, r *http.Request) {
	payload, err := readPayload(r)
	if err != nil {
		if errors.CodeOf(err) == errors.ErrCodeInternalError {
			s.respondError(w, http.StatusBadRequest, "failed to read body: "+err.Error())
			return
		}
		s.respondErr(w, err)
		return
	}

	n, err := s.dispatcher.Write(r.Context(), r.PathValue("handle"), r.PathValue("attr"), payload)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"consumed": n,
	})
}
