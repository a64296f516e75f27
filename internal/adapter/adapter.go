package adapter

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/objectfs/mapperfs/internal/circuit"
	"github.com/objectfs/mapperfs/internal/config"
	"github.com/objectfs/mapperfs/internal/device"
	"github.com/objectfs/mapperfs/internal/fuse"
	"github.com/objectfs/mapperfs/internal/metastore"
	"github.com/objectfs/mapperfs/internal/metrics"
	"github.com/objectfs/mapperfs/pkg/api"
	"github.com/objectfs/mapperfs/pkg/attr"
	"github.com/objectfs/mapperfs/pkg/errors"
	"github.com/objectfs/mapperfs/pkg/health"
	"github.com/objectfs/mapperfs/pkg/status"
	"github.com/objectfs/mapperfs/pkg/utils"
)

// Adapter assembles the device registry, its attribute dispatcher and the
// transports that expose them.
type Adapter struct {
	config *config.Configuration
	logger *utils.StructuredLogger

	store      *metastore.MonitoredStore
	health     *health.Tracker
	status     *status.Tracker
	registry   *device.Registry
	dispatcher *attr.Dispatcher[string, *device.Device]
	metrics    *metrics.Collector
	tree       *fuse.Tree

	// nil when the transport is disabled
	mount fuse.PlatformFileSystem
	api   *api.Server

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// New builds every component selected by cfg. Nothing is served or mounted
// until Start.
func New(ctx context.Context, cfg *config.Configuration, logger *utils.StructuredLogger) (*Adapter, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	a := &Adapter{
		config: cfg,
		logger: logger.WithComponent("adapter"),
	}

	a.health = health.NewTracker(health.DefaultConfig())
	a.health.RegisterComponent(health.ComponentStore)
	if cfg.Mount.Enabled {
		a.health.RegisterComponent(health.ComponentMount)
	}
	a.health.AddStateChangeCallback(health.StateDegraded, a.logTransition)
	a.health.AddStateChangeCallback(health.StateReadOnly, a.logTransition)
	a.health.AddStateChangeCallback(health.StateUnavailable, a.logTransition)
	a.health.AddStateChangeCallback(health.StateHealthy, a.logTransition)

	storeCfg := cfg.Store
	storeCfg.Connect.OnRetry = func(attempt int, err error, delay time.Duration) {
		a.logger.Warn("store unavailable, retrying", map[string]interface{}{
			"attempt": attempt,
			"delay":   delay.String(),
			"error":   err,
		})
	}
	raw, err := metastore.Open(ctx, storeCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	var guarded metastore.Store = raw
	if cfg.Store.Breaker.Enabled {
		breakerCfg := cfg.Store.Breaker
		breakerCfg.OnStateChange = func(name string, from, to circuit.State) {
			a.logger.Warn("store circuit breaker changed state", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		}
		guarded = metastore.NewGuardedStore(raw, metastore.NewBreaker("store", breakerCfg))
	}
	a.store = metastore.NewMonitoredStore(guarded, a.health, health.ComponentStore)

	a.status = status.NewTracker(status.TrackerConfig{HealthTracker: a.health})
	a.registry = device.NewRegistry(a.store, cfg.Histogram, logger)

	a.metrics, err = metrics.NewCollector(&metrics.Config{
		Enabled:        cfg.Metrics.Enabled,
		Port:           cfg.Metrics.Port,
		Path:           cfg.Metrics.Path,
		Labels:         cfg.Metrics.CustomLabels,
		Namespace:      cfg.Metrics.Namespace,
		UpdateInterval: cfg.Metrics.UpdateInterval,
		Pprof:          cfg.Metrics.Pprof,
	}, a.registry, logger)
	if err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("failed to create metrics collector: %w", err)
	}

	a.dispatcher = device.NewDispatcher(a.registry,
		attr.WithObserver(a.metrics),
		attr.WithLogger(logger.WithComponent("dispatch")),
	)
	a.tree = fuse.NewTree(a.registry, a.dispatcher, logger)

	if cfg.Mount.Enabled {
		mc := fuse.DefaultMountConfig()
		mc.MountPoint = cfg.Mount.Mountpoint
		mc.Backend = cfg.Mount.Backend
		mc.AllowOther = cfg.Mount.AllowOther
		mc.Debug = cfg.Mount.Debug
		mc.AttrTimeout = cfg.Mount.AttrTimeout
		mc.EntryTimeout = cfg.Mount.EntryTimeout

		a.mount, err = fuse.NewPlatformMountManager(a.tree, mc, logger)
		if err != nil {
			_ = raw.Close()
			return nil, err
		}
	}

	if cfg.API.Enabled {
		sc := api.DefaultServerConfig()
		sc.Address = cfg.API.Address
		sc.WriteRate = cfg.API.WriteRate
		sc.WriteBurst = cfg.API.WriteBurst
		sc.RemoveTimeout = cfg.Global.DrainTimeout
		if sc.WriteTimeout <= sc.RemoveTimeout {
			sc.WriteTimeout = sc.RemoveTimeout + sc.ReadTimeout
		}
		a.api = api.NewServer(sc, a.registry, a.dispatcher, a.status, a.health, logger)
	}

	return a, nil
}

// Registry returns the device registry.
func (a *Adapter) Registry() *device.Registry { return a.registry }

// Dispatcher returns the attribute dispatcher shared by all transports.
func (a *Adapter) Dispatcher() *attr.Dispatcher[string, *device.Device] { return a.dispatcher }

// Health returns the component health tracker.
func (a *Adapter) Health() *health.Tracker { return a.health }

// Handler returns the API handler, or nil when the API is disabled.
func (a *Adapter) Handler() http.Handler {
	if a.api == nil {
		return nil
	}
	return a.api.Handler()
}

// Start creates the configured devices, then starts metrics, the mount, the
// API and periodic health checks. It returns once everything is running; Wait
// reports failures of the background services.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return fmt.Errorf("adapter already started")
	}

	if err := a.provision(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	group, runCtx := errgroup.WithContext(runCtx)

	if err := a.metrics.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start metrics: %w", err)
	}

	if a.mount != nil {
		if err := a.mount.Mount(runCtx); err != nil {
			cancel()
			_ = a.metrics.Stop(ctx)
			return err
		}
	}

	if a.api != nil {
		group.Go(a.api.Start)
	}
	group.Go(func() error {
		a.health.StartHealthChecks(runCtx, a.checkComponent)
		return nil
	})

	a.cancel = cancel
	a.group = group
	a.started = true

	a.logger.Info("mapperfs started", map[string]interface{}{
		"devices": a.registry.Len(),
		"store":   a.config.Store.Type,
		"mount":   a.config.Mount.Enabled,
		"api":     a.config.API.Enabled,
	})
	return nil
}

// Wait blocks until the background services exit and returns the first
// failure.
func (a *Adapter) Wait() error {
	a.mu.Lock()
	group := a.group
	a.mu.Unlock()

	if group == nil {
		return fmt.Errorf("adapter not started")
	}
	return group.Wait()
}

// Stop shuts the transports down, then removes every device, waiting up to
// the drain timeout for references to be released.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		return fmt.Errorf("adapter not started")
	}
	a.started = false

	var errs []error
	if a.api != nil {
		if err := a.api.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("api shutdown: %w", err))
		}
	}
	if a.mount != nil && a.mount.IsMounted() {
		if err := a.mount.Unmount(); err != nil {
			errs = append(errs, fmt.Errorf("unmount: %w", err))
		}
	}

	drainCtx := ctx
	if a.config.Global.DrainTimeout > 0 {
		var cancel context.CancelFunc
		drainCtx, cancel = context.WithTimeout(ctx, a.config.Global.DrainTimeout)
		defer cancel()
	}
	if err := a.registry.Close(drainCtx); err != nil {
		errs = append(errs, err)
	}

	a.cancel()
	if err := a.metrics.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("metrics shutdown: %w", err))
	}
	if err := a.group.Wait(); err != nil {
		errs = append(errs, err)
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	a.logger.Info("mapperfs stopped", map[string]interface{}{"errors": len(errs)})
	return stderrors.Join(errs...)
}

// provision creates the devices listed in the configuration. Devices already
// present under the same name are left alone.
func (a *Adapter) provision(ctx context.Context) error {
	for _, dc := range a.config.Devices {
		if handle, ok := a.registry.LookupByName(dc.Name); ok {
			a.logger.Debug("device already present", map[string]interface{}{
				"name":   dc.Name,
				"handle": handle,
			})
			continue
		}

		d, err := a.registry.Create(ctx, dc.Name, dc.UUID)
		if err != nil {
			return fmt.Errorf("failed to create device %q: %w", dc.Name, err)
		}
		if dc.Suspended {
			d.Suspend()
		}
	}
	return nil
}

func (a *Adapter) checkComponent(ctx context.Context, component string) error {
	switch component {
	case health.ComponentStore:
		return a.store.Ping(ctx)
	case health.ComponentMount:
		if a.mount == nil || !a.mount.IsMounted() {
			return errors.NewError(errors.ErrCodeMountFailed, "filesystem is not mounted").
				WithComponent("adapter").
				WithContext("mountpoint", a.config.Mount.Mountpoint)
		}
	}
	return nil
}

func (a *Adapter) logTransition(component string, oldState, newState health.HealthState, err error) {
	fields := map[string]interface{}{
		"component": component,
		"from":      oldState.String(),
		"to":        newState.String(),
	}
	if err != nil {
		fields["error"] = err
	}
	if newState == health.StateHealthy {
		a.logger.Info("component recovered", fields)
		return
	}
	a.logger.Warn("component health changed", fields)
}
