// Package metrics exposes termbroker's Prometheus surface: an attachment
// gauge, replay/gap/backpressure counters, NATS transport
// health, and host system gauges — grounded on go-server's internal/metrics
// package, narrowed from a generic WebSocket-hub metric set to the
// attach/replay/gap vocabulary this broker actually produces.
package metrics

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Metrics is termbroker's Prometheus registrar. One instance is built at
// startup and shared by internal/obs, internal/httpapi and the registry.
type Metrics struct {
	ConnectionsActive  prometheus.Gauge
	ConnectionsTotal   prometheus.Counter
	ConnectionErrors   prometheus.Counter

	AttachmentsActive prometheus.Gauge
	AttachesTotal     prometheus.Counter
	DetachesTotal     prometheus.Counter

	ReplayHits   prometheus.Counter
	ReplayMisses prometheus.Counter

	GapsByReason *prometheus.CounterVec

	QueuePressureEvents prometheus.Counter
	CatastrophicCloses  prometheus.Counter

	OutputBytesIngested prometheus.Counter
	OutputFramesSent    prometheus.Counter

	NATSConnectionStatus prometheus.Gauge
	NATSReconnects       prometheus.Counter
	NATSMessages         prometheus.Counter

	GoroutinesCount prometheus.Gauge
	MemoryUsage     prometheus.Gauge
	CPUUsage        prometheus.Gauge

	startTime time.Time
}

// New registers and returns termbroker's metric set.
func New() *Metrics {
	return &Metrics{
		startTime: time.Now(),

		ConnectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "termbroker_connections_active",
			Help: "Number of currently open client WebSocket connections.",
		}),
		ConnectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "termbroker_connections_total",
			Help: "Total WebSocket connections accepted.",
		}),
		ConnectionErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "termbroker_connection_errors_total",
			Help: "Total WebSocket connection-level errors.",
		}),

		AttachmentsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "termbroker_attachments_active",
			Help: "Number of currently live or attaching terminal attachments.",
		}),
		AttachesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "termbroker_attaches_total",
			Help: "Total attach handshakes started.",
		}),
		DetachesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "termbroker_detaches_total",
			Help: "Total attachment detaches.",
		}),

		ReplayHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "termbroker_replay_hits_total",
			Help: "Attach handshakes whose requested replay window was fully satisfied.",
		}),
		ReplayMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "termbroker_replay_misses_total",
			Help: "Attach handshakes that could not replay the full requested window.",
		}),

		GapsByReason: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "termbroker_gaps_total",
			Help: "Gap events emitted to clients, by reason.",
		}, []string{"reason"}),

		QueuePressureEvents: promauto.NewCounter(prometheus.CounterOpts{
			Name: "termbroker_queue_pressure_total",
			Help: "Flush ticks observed with an outbound queue above the batch threshold.",
		}),
		CatastrophicCloses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "termbroker_catastrophic_closes_total",
			Help: "Connections force-closed for sustained backpressure.",
		}),

		OutputBytesIngested: promauto.NewCounter(prometheus.CounterOpts{
			Name: "termbroker_output_bytes_ingested_total",
			Help: "Raw terminal output bytes ingested into replay rings.",
		}),
		OutputFramesSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "termbroker_output_frames_sent_total",
			Help: "Output frames written to client connections.",
		}),

		NATSConnectionStatus: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "termbroker_nats_connection_status",
			Help: "NATS connection status (1=connected, 0=disconnected).",
		}),
		NATSReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "termbroker_nats_reconnects_total",
			Help: "Total NATS reconnections.",
		}),
		NATSMessages: promauto.NewCounter(prometheus.CounterOpts{
			Name: "termbroker_nats_messages_total",
			Help: "Total inbound NATS messages processed.",
		}),

		GoroutinesCount: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "termbroker_goroutines",
			Help: "Number of goroutines.",
		}),
		MemoryUsage: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "termbroker_memory_usage_bytes",
			Help: "Host memory in use in bytes, as sampled by gopsutil.",
		}),
		CPUUsage: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "termbroker_cpu_usage_percent",
			Help: "Host CPU usage percentage, as sampled by gopsutil.",
		}),
	}
}

func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}

// SystemSampler periodically refreshes the host-level gauges using
// gopsutil, grounded on go-server's internal/metrics/system.go SystemMetrics
// type, adapted to push straight into prometheus gauges rather than holding
// its own snapshot map (there is no /system JSON endpoint here, only
// /metrics, so there is nothing else to read the snapshot out of).
type SystemSampler struct {
	metrics *Metrics
	stop    chan struct{}
	done    chan struct{}
}

// NewSystemSampler constructs a sampler; call Run to start it and Stop to
// shut it down.
func NewSystemSampler(m *Metrics) *SystemSampler {
	return &SystemSampler{
		metrics: m,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run samples CPU and memory every interval until Stop is called. Intended
// to be launched with `go sampler.Run(interval)`.
func (s *SystemSampler) Run(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.sampleOnce()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sampleOnce()
		}
	}
}

func (s *SystemSampler) sampleOnce() {
	s.metrics.GoroutinesCount.Set(float64(runtime.NumGoroutine()))

	if vm, err := mem.VirtualMemory(); err == nil {
		s.metrics.MemoryUsage.Set(float64(vm.Used))
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		s.metrics.CPUUsage.Set(percents[0])
	}
}

// Stop signals Run to exit and waits for it to return.
func (s *SystemSampler) Stop() {
	close(s.stop)
	<-s.done
}
