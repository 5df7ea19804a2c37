// Package metrics exports queue telemetry as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hylla/ebb/internal/app"
	"github.com/hylla/ebb/internal/domain"
)

const namespace = "ebb"

// Recorder implements app.MetricsRecorder.
type Recorder struct {
	enqueued      *prometheus.CounterVec
	processed     *prometheus.CounterVec
	handlerTime   *prometheus.HistogramVec
	syncRuns      *prometheus.CounterVec
	syncActions   prometheus.Counter
	syncTime      prometheus.Histogram
	depth         *prometheus.GaugeVec
	online        prometheus.Gauge
	networkEvents *prometheus.CounterVec
}

var _ app.MetricsRecorder = (*Recorder)(nil)

// New registers the queue metrics with reg.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		// Labels: type, priority
		enqueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_enqueued_total",
			Help:      "Actions accepted into the queue",
		}, []string{"type", "priority"}),
		// Labels: type, outcome (synced, pending_sync, retry, failed, stale)
		processed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_processed_total",
			Help:      "Handler completions by outcome",
		}, []string{"type", "outcome"}),
		handlerTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Handler run time",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 15, 30},
		}, []string{"type"}),
		syncRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Sync runs by outcome",
		}, []string{"outcome"}),
		syncActions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_actions_total",
			Help:      "Actions handed to the reconciler",
		}),
		syncTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Sync run time",
			Buckets:   []float64{0.01, 0.05, 0.25, 1, 5, 30, 60},
		}),
		depth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Live actions by status",
		}, []string{"status"}),
		online: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "network_online",
			Help:      "1 while the network monitor reports online",
		}),
		networkEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "network_transitions_total",
			Help:      "Connectivity transitions",
		}, []string{"state"}),
	}
}

func (r *Recorder) ActionEnqueued(kind domain.ActionType, p domain.Priority) {
	r.enqueued.WithLabelValues(string(kind), string(p)).Inc()
}

func (r *Recorder) ActionProcessed(kind domain.ActionType, outcome string, elapsed time.Duration) {
	r.processed.WithLabelValues(string(kind), outcome).Inc()
	if outcome != app.OutcomeStale {
		r.handlerTime.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
	}
}

func (r *Recorder) SyncCompleted(outcome string, actions int, elapsed time.Duration) {
	r.syncRuns.WithLabelValues(outcome).Inc()
	r.syncActions.Add(float64(actions))
	r.syncTime.Observe(elapsed.Seconds())
}

// QueueDepth sets one gauge per status, zeroing statuses absent from counts.
func (r *Recorder) QueueDepth(counts map[domain.Status]int) {
	for _, s := range domain.Statuses() {
		r.depth.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

func (r *Recorder) NetworkChanged(online bool) {
	state := "offline"
	if online {
		state = "online"
		r.online.Set(1)
	} else {
		r.online.Set(0)
	}
	r.networkEvents.WithLabelValues(state).Inc()
}
