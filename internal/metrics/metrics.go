// Package metrics exports the sync engine's hooks as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/chatsync/internal/engine"
	"github.com/roach88/chatsync/internal/update"
)

const namespace = "chatsync"

// Observer implements engine.Observer. Labels are low cardinality: the
// scope kind, never the scope itself.
type Observer struct {
	gaps        *prometheus.CounterVec
	started     *prometheus.CounterVec
	finished    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	admitted    *prometheus.CounterVec
	feedDropped prometheus.Counter

	storeReads       prometheus.Histogram
	storeCommits     prometheus.Histogram
	storeCommitBytes prometheus.Counter
}

var _ engine.Observer = (*Observer)(nil)

// NewObserver registers the metrics with reg.
func NewObserver(reg prometheus.Registerer) *Observer {
	f := promauto.With(reg)
	return &Observer{
		gaps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gaps_detected_total",
			Help:      "Sequence gaps detected, by scope kind.",
		}, []string{"scope_kind"}),
		started: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recoveries_started_total",
			Help:      "Gap recoveries started, by scope kind and reason.",
		}, []string{"scope_kind", "reason"}),
		finished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recoveries_finished_total",
			Help:      "Gap recoveries finished, by scope kind and outcome.",
		}, []string{"scope_kind", "outcome"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recovery_duration_seconds",
			Help:      "Time from recovery start to finish.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		}, []string{"scope_kind"}),
		admitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_admitted_total",
			Help:      "Updates admitted, by outcome.",
		}, []string{"outcome"}),
		feedDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_frames_dropped_total",
			Help:      "Feed frames dropped before admission.",
		}),
		storeReads: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "read_seconds",
			Help:      "Point read latency of the embedded store.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 8),
		}),
		storeCommits: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "commit_seconds",
			Help:      "Batch commit latency of the embedded store.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 8),
		}),
		storeCommitBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "committed_bytes_total",
			Help:      "Bytes written in committed batches.",
		}),
	}
}

func (o *Observer) OnAdmit(_ update.Scope, _ update.Update, outcome engine.Outcome) {
	o.admitted.WithLabelValues(outcome.String()).Inc()
}

func (o *Observer) OnGapDetected(scope update.Scope, _, _ int64) {
	o.gaps.WithLabelValues(scope.Kind()).Inc()
}

func (o *Observer) OnRecoveryStarted(scope update.Scope, _ int64, reason string) {
	o.started.WithLabelValues(scope.Kind(), reason).Inc()
}

func (o *Observer) OnRecoveryFinished(scope update.Scope, res engine.RecoveryResult) {
	o.finished.WithLabelValues(scope.Kind(), res.Result).Inc()
	o.duration.WithLabelValues(scope.Kind()).Observe(res.Duration.Seconds())
}

// FeedDropped counts a frame the feed refused. Matches
// transport.FeedOptions.OnMalformed.
func (o *Observer) FeedDropped(error) {
	o.feedDropped.Inc()
}

// ObserveRead implements pebblestore.MetricsHook.
func (o *Observer) ObserveRead(elapsed time.Duration, _ int) {
	o.storeReads.Observe(elapsed.Seconds())
}

// ObserveBatchCommit implements pebblestore.MetricsHook.
func (o *Observer) ObserveBatchCommit(elapsed time.Duration, _ int, bytes int) {
	o.storeCommits.Observe(elapsed.Seconds())
	o.storeCommitBytes.Add(float64(bytes))
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
