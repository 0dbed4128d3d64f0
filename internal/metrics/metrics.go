// Package metrics exports Prometheus metrics about limits decisions and
// upstream calls.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	eventbus "github.com/hanpama/gqlguard/internal/eventbus"
	events "github.com/hanpama/gqlguard/internal/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gqlguard"

// Metrics holds the collectors updated from bus events.
type Metrics struct {
	checksTotal      *prometheus.CounterVec
	rejectionsTotal  *prometheus.CounterVec
	queryDepth       *prometheus.HistogramVec
	queryNodes       *prometheus.HistogramVec
	upstreamDuration *prometheus.HistogramVec
}

// New registers the collectors with reg. A nil reg means
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return newMetricsWithFactory(promauto.With(reg))
}

func newMetricsWithFactory(factory promauto.Factory) *Metrics {
	return &Metrics{
		checksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "limits",
				Name:      "checks_total",
				Help:      "Total number of operations checked, by result",
			},
			[]string{"result"},
		),
		rejectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "limits",
				Name:      "rejections_total",
				Help:      "Total number of rejected documents, by error code",
			},
			[]string{"code"},
		),
		queryDepth: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "query_depth",
				Help:      "Distribution of accepted operation depths",
				Buckets:   []float64{1, 2, 3, 5, 7, 10, 15, 20, 30, 50},
			},
			[]string{"operation_type"},
		),
		queryNodes: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "query_nodes",
				Help:      "Distribution of accepted operation node counts",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
			},
			[]string{"operation_type"},
		),
		upstreamDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_duration_seconds",
				Help:      "Upstream request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"status"},
		),
	}
}

// RecordChecked records an operation that passed. Disabled metrics (negative
// values) are not observed.
func (m *Metrics) RecordChecked(operationType string, depth, nodes int) {
	m.checksTotal.WithLabelValues("accepted").Inc()
	if depth >= 0 {
		m.queryDepth.WithLabelValues(operationType).Observe(float64(depth))
	}
	if nodes >= 0 {
		m.queryNodes.WithLabelValues(operationType).Observe(float64(nodes))
	}
}

// RecordRejected records a refused document.
func (m *Metrics) RecordRejected(code string) {
	m.checksTotal.WithLabelValues("rejected").Inc()
	m.rejectionsTotal.WithLabelValues(code).Inc()
}

// RecordUpstream records an upstream call. Status 0 is reported as "error".
func (m *Metrics) RecordUpstream(status int, seconds float64) {
	label := "error"
	if status != 0 {
		label = strconv.Itoa(status)
	}
	m.upstreamDuration.WithLabelValues(label).Observe(seconds)
}

// Subscribe feeds m from events published on bus.
func (m *Metrics) Subscribe(bus *eventbus.Bus) (unsubscribe func()) {
	offs := []func(){
		eventbus.On(bus, func(_ context.Context, e events.LimitsChecked) {
			m.RecordChecked(e.OperationType, e.Depth, e.Nodes)
		}),
		eventbus.On(bus, func(_ context.Context, e events.LimitsRejected) {
			m.RecordRejected(e.Code)
		}),
		eventbus.On(bus, func(_ context.Context, e events.UpstreamFinish) {
			m.RecordUpstream(e.Status, e.Duration.Seconds())
		}),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
