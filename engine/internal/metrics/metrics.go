// Package metrics exposes Prometheus counters for backup and restore activity.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "clinic_vault"

// Result label values.
const (
	ResultOK         = "ok"
	ResultFailed     = "failed"
	ResultRolledBack = "rolled_back"
	ResultRejected   = "rejected"
)

// Metrics is safe for concurrent use.
type Metrics struct {
	BackupsTotal        *prometheus.CounterVec
	BackupDuration      prometheus.Histogram
	BackupBytes         prometheus.Counter
	VerificationsTotal  *prometheus.CounterVec
	RestoresTotal       *prometheus.CounterVec
	RestoreDuration     prometheus.Histogram
	WarningsTotal       *prometheus.CounterVec
	AssetsMigratedTotal prometheus.Counter
	AssetsRelinkedTotal prometheus.Counter
	RegistryEntries     prometheus.Gauge
}

// New registers every metric on reg. A nil reg gives unregistered metrics,
// which still count.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		BackupsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "total",
			Help:      "Backups attempted by format and result",
		}, []string{"format", "result"}),
		BackupDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "duration_seconds",
			Help:      "Time to write and verify a backup",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		}),
		BackupBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "bytes_total",
			Help:      "Bytes written to finished backup artifacts",
		}),
		VerificationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verify",
			Name:      "total",
			Help:      "Artifact verifications by result",
		}, []string{"result"}),
		RestoresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "restore",
			Name:      "total",
			Help:      "Restores by result",
		}, []string{"result"}),
		RestoreDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "restore",
			Name:      "duration_seconds",
			Help:      "Time from staging to completion or rollback",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		}),
		WarningsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "warnings_total",
			Help:      "Non-fatal warnings by kind",
		}, []string{"kind"}),
		AssetsMigratedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "assets",
			Name:      "migrated_total",
			Help:      "Image files copied into the canonical layout",
		}),
		AssetsRelinkedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "assets",
			Name:      "relinked_total",
			Help:      "Image records relinked or registered",
		}),
		RegistryEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "entries",
			Help:      "Backups listed in the catalog",
		}),
	}
}

// ObserveSince records the seconds elapsed since start on h.
func ObserveSince(h prometheus.Histogram, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}
