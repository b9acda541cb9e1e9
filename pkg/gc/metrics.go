package gc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for the Cycle Collector
// =============================================================================

var (
	// scansTotal counts scans by how they ended.
	// Labels: outcome (committed, rolled_back, abandoned, deferred)
	scansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cyclegc",
		Subsystem: "collector",
		Name:      "scans_total",
		Help:      "Total cycle scans by outcome",
	}, []string{"outcome"})

	// scanAttempts counts visit attempts, including ones that rolled back.
	scanAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cyclegc",
		Subsystem: "collector",
		Name:      "scan_attempts_total",
		Help:      "Total scan transaction attempts",
	})

	// scanConflicts counts attempts rolled back on a scan lock conflict.
	scanConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cyclegc",
		Subsystem: "collector",
		Name:      "scan_conflicts_total",
		Help:      "Total scan attempts rolled back on lock conflict",
	})

	// scanDuration measures wall time per scan, retries included.
	scanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cyclegc",
		Subsystem: "collector",
		Name:      "scan_duration_seconds",
		Help:      "Cycle scan duration in seconds",
		Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
	})

	// scanVisited tracks how many participants a committed scan locked.
	scanVisited = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cyclegc",
		Subsystem: "collector",
		Name:      "scan_visited_participants",
		Help:      "Participants visited per committed scan",
		Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 1024},
	})

	// cyclesCollected counts cycle sets that passed CanDelete.
	cyclesCollected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cyclegc",
		Subsystem: "collector",
		Name:      "cycles_collected_total",
		Help:      "Total cycle sets found to be garbage",
	})

	// liveCycleSets tracks published cycle sets not yet forgotten.
	liveCycleSets = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cyclegc",
		Subsystem: "collector",
		Name:      "cycle_sets_live",
		Help:      "Cycle set records currently alive",
	})

	// invariantViolations counts internal contract violations.
	invariantViolations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cyclegc",
		Subsystem: "collector",
		Name:      "invariant_violations_total",
		Help:      "Total internal invariant violations",
	})
)

func (c *Collector) recordScan(res ScanResult, elapsed time.Duration) {
	if !c.metrics {
		return
	}
	scansTotal.WithLabelValues(res.Outcome.String()).Inc()
	scanDuration.Observe(elapsed.Seconds())
	if res.Outcome == OutcomeCommitted {
		scanVisited.Observe(float64(res.Visited))
	}
}

func (c *Collector) recordAttempt(conflict bool) {
	if !c.metrics {
		return
	}
	scanAttempts.Inc()
	if conflict {
		scanConflicts.Inc()
	}
}

func (c *Collector) recordCollected() {
	if c.metrics {
		cyclesCollected.Inc()
	}
}

func (c *Collector) recordLive(delta float64) {
	if c.metrics {
		liveCycleSets.Add(delta)
	}
}

func (c *Collector) recordViolation() {
	if c.metrics {
		invariantViolations.Inc()
	}
}
