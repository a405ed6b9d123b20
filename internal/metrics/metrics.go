// Package metrics renders the registry's per-service and system gauges as
// Prometheus text exposition format for the IPC "prometheus" request.
// Serving the text over HTTP is the dashboard's job (out of scope here).
package metrics

import (
	"bytes"
	"errors"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

var (
	regOK atomic.Bool

	registry = prometheus.NewRegistry()

	processCPU = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bm2_process_cpu",
		Help: "Per-service CPU utilization percent.",
	}, []string{"name", "id"})

	processMemoryBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bm2_process_memory_bytes",
		Help: "Per-service resident memory in bytes.",
	}, []string{"name", "id"})

	processRestartsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bm2_process_restarts_total",
		Help: "Cumulative restarts per service.",
	}, []string{"name", "id"})

	processUptimeSeconds = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bm2_process_uptime_seconds",
		Help: "Seconds since the service entered online; 0 when not online.",
	}, []string{"name", "id"})

	processStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bm2_process_status",
		Help: "1 when the service is online, else 0.",
	}, []string{"name", "id", "status"})

	systemMemoryTotalBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bm2_system_memory_total_bytes",
		Help: "Total host memory in bytes.",
	})

	systemMemoryFreeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bm2_system_memory_free_bytes",
		Help: "Free host memory in bytes.",
	})

	systemLoadAverage = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bm2_system_load_average",
		Help: "Host load average.",
	}, []string{"period"})
)

// Register registers every metric family with the package registry. Safe to
// call more than once.
func Register() error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		processCPU, processMemoryBytes, processRestartsTotal, processUptimeSeconds,
		processStatus, systemMemoryTotalBytes, systemMemoryFreeBytes, systemLoadAverage,
	}
	for _, c := range cs {
		if err := registry.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// ServiceSample is one entry's snapshot as fed into the process-level gauges.
type ServiceSample struct {
	Name           string
	ID             string
	CPUPercent     float64
	MemoryBytes    uint64
	RestartDelta   int // restarts observed since the previous sample; added to the counter
	UptimeSeconds  float64
	Online         bool
	Status         string
}

// SystemSample feeds the three host-level gauges.
type SystemSample struct {
	MemoryTotalBytes uint64
	MemoryFreeBytes  uint64
	LoadAverage1m    float64
	LoadAverage5m    float64
	LoadAverage15m   float64
}

// Observe updates every gauge/counter from a full snapshot. Its caller is
// Supervisor.Prometheus, which builds the samples from the Monitor's latest
// ring snapshot; the Monitor stays the ring's single writer.
func Observe(services []ServiceSample, sys SystemSample) {
	if !regOK.Load() {
		return
	}
	for _, s := range services {
		processCPU.WithLabelValues(s.Name, s.ID).Set(s.CPUPercent)
		processMemoryBytes.WithLabelValues(s.Name, s.ID).Set(float64(s.MemoryBytes))
		if s.RestartDelta > 0 {
			processRestartsTotal.WithLabelValues(s.Name, s.ID).Add(float64(s.RestartDelta))
		}
		uptime := 0.0
		if s.Online {
			uptime = s.UptimeSeconds
		}
		processUptimeSeconds.WithLabelValues(s.Name, s.ID).Set(uptime)
		online := 0.0
		if s.Online {
			online = 1
		}
		processStatus.WithLabelValues(s.Name, s.ID, s.Status).Set(online)
	}
	systemMemoryTotalBytes.Set(float64(sys.MemoryTotalBytes))
	systemMemoryFreeBytes.Set(float64(sys.MemoryFreeBytes))
	systemLoadAverage.WithLabelValues("1m").Set(sys.LoadAverage1m)
	systemLoadAverage.WithLabelValues("5m").Set(sys.LoadAverage5m)
	systemLoadAverage.WithLabelValues("15m").Set(sys.LoadAverage15m)
}

// Text renders the registry's current state as Prometheus exposition text,
// the payload returned by the IPC "prometheus" request.
func Text() (string, error) {
	mfs, err := registry.Gather()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}
