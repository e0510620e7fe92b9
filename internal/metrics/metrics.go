// Package metrics exposes the server's prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the collaboration core reports into.
type Metrics struct {
	registry *prometheus.Registry

	JoinedClients     *prometheus.GaugeVec
	UpdatesApplied    prometheus.Counter
	Broadcasts        prometheus.Counter
	PermissionDenials *prometheus.CounterVec
	DroppedFrames     prometheus.Counter
	FileWrites        prometheus.Counter
	FlushDuration     prometheus.Histogram
	Flushes           prometheus.Counter
	BackupRuns        prometheus.Counter
	BackupDuration    prometheus.Histogram
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		JoinedClients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "noterelay_joined_clients",
			Help: "Clients currently joined, per vault.",
		}, []string{"vault"}),
		UpdatesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "noterelay_updates_applied_total",
			Help: "CRDT updates applied to live documents.",
		}),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "noterelay_broadcasts_total",
			Help: "Messages fanned out to vault peers.",
		}),
		PermissionDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "noterelay_permission_denials_total",
			Help: "Denied socket actions.",
		}, []string{"action"}),
		DroppedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "noterelay_dropped_frames_total",
			Help: "Undecodable sync frames dropped.",
		}),
		FileWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "noterelay_file_writes_total",
			Help: "Debounced file materializations.",
		}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "noterelay_flush_duration_seconds",
			Help:    "Snapshot flush latency.",
			Buckets: prometheus.DefBuckets,
		}),
		Flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "noterelay_flushes_total",
			Help: "Snapshot flushes.",
		}),
		BackupRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "noterelay_backup_runs_total",
			Help: "Backup scheduler ticks completed.",
		}),
		BackupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "noterelay_backup_duration_seconds",
			Help:    "Backup tick latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.JoinedClients, m.UpdatesApplied, m.Broadcasts, m.PermissionDenials,
		m.DroppedFrames, m.FileWrites, m.FlushDuration, m.Flushes,
		m.BackupRuns, m.BackupDuration,
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
