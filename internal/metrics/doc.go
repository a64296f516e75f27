/*
Package metrics exports mapperfs metrics to Prometheus.

Collector counts attribute reads and writes (it is an attr.Observer handed
to the dispatcher), times them and classifies failures by error category.
When given a DeviceSource it also registers a LatencyCollector, which reads
every device's latency histogram at scrape time:

	mapperfs_device_io_latency_bucket_count{device="dm-0",unit="us",lo="0",hi="99"} 12
	mapperfs_device_suspended{device="dm-0"} 0

Usage:

	collector, err := metrics.NewCollector(cfg, registry, logger)
	if err != nil {
		return err
	}
	dispatcher := device.NewDispatcher(registry, attr.WithObserver(collector))
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(context.Background())

Endpoints served by Start:

	/metrics           Prometheus exposition (path configurable)
	/health            liveness
	/debug/operations  per-attribute counters as JSON
*/
package metrics
