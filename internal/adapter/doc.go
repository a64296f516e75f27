/*
Package adapter assembles a running mapperfs instance from its configuration.

The Adapter owns every long-lived component and wires them together:

	            ┌──────────────┐     ┌──────────────┐
	  HTTP ───▶ │  api.Server  │     │  fuse mount  │ ◀─── read(2)/write(2)
	            └──────┬───────┘     └──────┬───────┘
	                   │                    │
	                   ▼                    ▼
	            ┌─────────────────────────────────┐
	            │  attr.Dispatcher (device table) │ ──▶ metrics.Collector
	            └────────────────┬────────────────┘
	                             ▼
	            ┌─────────────────────────────────┐
	            │         device.Registry         │
	            └────────────────┬────────────────┘
	                             ▼
	            ┌─────────────────────────────────┐
	            │ metastore (monitored) ──▶ health│
	            └─────────────────────────────────┘

Both transports share one dispatcher, so an attribute shown through the
mount and through GET /devices/{handle}/attrs/{attr} runs the same show
callback under the same reference discipline.

# Lifecycle

New validates the configuration, opens the metadata store and builds the
registry, dispatcher, metrics collector, filesystem tree and (when enabled)
the mount manager and API server. Nothing listens yet.

Start creates the devices listed under devices: in the configuration, skipping
names that already exist, and suspends those marked suspended. It then starts
the metrics endpoint, mounts the filesystem, serves the API and begins
periodic health checks of the store and the mount.

Stop reverses that order. Transports stop first so no new references are
taken, then every device is removed. Removal waits for open references to
drain, bounded by global.drain_timeout; devices still busy when it expires are
reported in the returned error. Finally the metadata store is closed.

# Example

	cfg, err := config.Load("/etc/mapperfs/config.yaml")
	if err != nil {
		return err
	}
	a, err := adapter.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return a.Stop(context.Background())
*/
package adapter
