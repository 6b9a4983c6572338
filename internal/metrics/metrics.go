// Package metrics provides Prometheus metrics for blocksync devices.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the Prometheus registry for all blocksync metrics.
var Registry = prometheus.NewRegistry()

// Device holds the Prometheus metrics of one replicated device.
type Device struct {
	// Local I/O volume (counters, bytes)
	BytesRead    prometheus.Counter
	BytesWritten prometheus.Counter

	// Resync progress (counters, blocks)
	BlocksSynced prometheus.Counter
	BlocksElided prometheus.Counter
	BlocksFailed prometheus.Counter

	// Online verify
	VerifyMismatches prometheus.Counter

	// Engine internals
	WorkDispatched prometheus.Counter
	RecvDropped    prometheus.Counter
	LocalIOErrors  prometheus.Counter

	// Connection state as its numeric code
	ConnState prometheus.Gauge

	// Session outcomes
	SessionsFinished prometheus.Counter
	SessionSeconds   prometheus.Histogram
}

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// NewDevice initializes the metrics of one device with its name as a
// constant label.
func NewDevice(name string) *Device {
	constLabels := prometheus.Labels{
		"device": name,
	}

	return &Device{
		BytesRead: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "blocksync_bytes_read_total",
			Help:        "Total bytes read from the local backing store",
			ConstLabels: constLabels,
		}),
		BytesWritten: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "blocksync_bytes_written_total",
			Help:        "Total bytes written to the local backing store",
			ConstLabels: constLabels,
		}),
		BlocksSynced: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "blocksync_blocks_synced_total",
			Help:        "Resync blocks brought in sync by data transfer",
			ConstLabels: constLabels,
		}),
		BlocksElided: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "blocksync_blocks_elided_total",
			Help:        "Resync blocks settled by checksum match without data transfer",
			ConstLabels: constLabels,
		}),
		BlocksFailed: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "blocksync_blocks_failed_total",
			Help:        "Resync blocks that could not be brought in sync",
			ConstLabels: constLabels,
		}),
		VerifyMismatches: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "blocksync_verify_mismatches_total",
			Help:        "Ranges online verify found diverged between the replicas",
			ConstLabels: constLabels,
		}),
		WorkDispatched: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "blocksync_work_dispatched_total",
			Help:        "Work items dispatched by the device worker",
			ConstLabels: constLabels,
		}),
		RecvDropped: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "blocksync_recv_dropped_total",
			Help:        "Peer messages dropped by the receive rate limiter",
			ConstLabels: constLabels,
		}),
		LocalIOErrors: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "blocksync_local_io_errors_total",
			Help:        "Local disk I/O errors that triggered the detach policy",
			ConstLabels: constLabels,
		}),
		ConnState: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "blocksync_connection_state",
			Help:        "Connection state code of the device",
			ConstLabels: constLabels,
		}),
		SessionsFinished: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "blocksync_sessions_finished_total",
			Help:        "Resync and verify sessions finalized",
			ConstLabels: constLabels,
		}),
		SessionSeconds: promauto.With(Registry).NewHistogram(prometheus.HistogramOpts{
			Name:        "blocksync_session_seconds",
			Help:        "Duration of finalized sessions, paused time excluded",
			Buckets:     prometheus.ExponentialBuckets(0.1, 4, 10),
			ConstLabels: constLabels,
		}),
	}
}
