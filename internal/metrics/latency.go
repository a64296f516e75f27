package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/objectfs/mapperfs/internal/device"
)

// DeviceSource enumerates devices and lends out counted references to them.
// *device.Registry satisfies it.
type DeviceSource interface {
	Handles() []string
	Resolve(handle string) (*device.Device, error)
	Release(dev *device.Device)
}

// LatencyCollector exports every bucket of every device histogram as a
// counter sample labelled with the device, the unit and the bucket bounds.
// Buckets are read at scrape time, so a reset shows up as a counter reset.
type LatencyCollector struct {
	source    DeviceSource
	bucket    *prometheus.Desc
	suspended *prometheus.Desc
}

// NewLatencyCollector builds a collector over source.
func NewLatencyCollector(namespace string, labels map[string]string, source DeviceSource) *LatencyCollector {
	return &LatencyCollector{
		source: source,
		bucket: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "device", "io_latency_bucket_count"),
			"I/O operations whose latency fell in the bucket [lo, hi] of the given unit",
			[]string{"device", "unit", "lo", "hi"},
			labels,
		),
		suspended: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "device", "suspended"),
			"1 if I/O to the device is suspended",
			[]string{"device"},
			labels,
		),
	}
}

// Describe implements prometheus.Collector.
func (lc *LatencyCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- lc.bucket
	ch <- lc.suspended
}

// Collect implements prometheus.Collector.
func (lc *LatencyCollector) Collect(ch chan<- prometheus.Metric) {
	for _, h := range lc.source.Handles() {
		lc.collectDevice(ch, h)
	}
}

func (lc *LatencyCollector) collectDevice(ch chan<- prometheus.Metric, handle string) {
	dev, err := lc.source.Resolve(handle)
	if err != nil {
		// removed between Handles and Resolve
		return
	}
	defer lc.source.Release(dev)

	suspended := 0.0
	if dev.Suspended() {
		suspended = 1
	}
	ch <- prometheus.MustNewConstMetric(lc.suspended, prometheus.GaugeValue, suspended, handle)

	for _, sc := range dev.Latency().Scales() {
		unit := sc.Unit().Suffix()
		for _, b := range sc.Buckets() {
			ch <- prometheus.MustNewConstMetric(lc.bucket, prometheus.CounterValue, float64(b.Count),
				handle, unit, strconv.FormatUint(b.Lo, 10), strconv.FormatUint(b.Hi, 10))
		}
	}
}
