package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// FetchCollector exposes viewer engine metrics: fetch outcomes and latency,
// superseded requests, streamed records, skipped refreshes and chart draws.
type FetchCollector struct {
	gatherer prometheus.Gatherer

	Fetches          *prometheus.CounterVec
	FetchDuration    *prometheus.HistogramVec
	Superseded       *prometheus.CounterVec
	StreamRecords    *prometheus.CounterVec
	SkippedRefreshes *prometheus.CounterVec
	Draws            *prometheus.CounterVec
}

// NewFetchCollector registers engine metrics against the provided registerer.
func NewFetchCollector(reg prometheus.Registerer) (*FetchCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	fetches, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "traceview_fetches_total",
		Help: "Completed resource fetches, labeled by resource and outcome (ok, not_ready, error).",
	}, []string{"resource", "outcome"}), "traceview_fetches_total")
	if err != nil {
		return nil, err
	}

	duration, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "traceview_fetch_duration_seconds",
		Help:    "Time from issuing a fetch to merging its final result.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"resource"}), "traceview_fetch_duration_seconds")
	if err != nil {
		return nil, err
	}

	superseded, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "traceview_fetch_superseded_total",
		Help: "In-flight fetches abandoned because a newer one replaced them.",
	}, []string{"resource"}), "traceview_fetch_superseded_total")
	if err != nil {
		return nil, err
	}

	records, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "traceview_stream_records_total",
		Help: "Records merged from streamed responses.",
	}, []string{"resource"}), "traceview_stream_records_total")
	if err != nil {
		return nil, err
	}

	skipped, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "traceview_refresh_skipped_total",
		Help: "Refresh checks that found the cached data still current.",
	}, []string{"resource"}), "traceview_refresh_skipped_total")
	if err != nil {
		return nil, err
	}

	draws, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "traceview_chart_draws_total",
		Help: "Chart draws, labeled by chart and pass (quick, full).",
	}, []string{"chart", "pass"}), "traceview_chart_draws_total")
	if err != nil {
		return nil, err
	}

	return &FetchCollector{
		gatherer:         gatherer,
		Fetches:          fetches,
		FetchDuration:    duration,
		Superseded:       superseded,
		StreamRecords:    records,
		SkippedRefreshes: skipped,
		Draws:            draws,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *FetchCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveFetch records a completed fetch.
func (c *FetchCollector) ObserveFetch(resource, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	if c.Fetches != nil {
		c.Fetches.WithLabelValues(resource, outcome).Inc()
	}
	if c.FetchDuration != nil {
		if d < 0 {
			d = 0
		}
		c.FetchDuration.WithLabelValues(resource).Observe(d.Seconds())
	}
}

// IncSuperseded counts a fetch replaced while in flight.
func (c *FetchCollector) IncSuperseded(resource string) {
	if c == nil || c.Superseded == nil {
		return
	}
	c.Superseded.WithLabelValues(resource).Inc()
}

// AddStreamRecords counts merged stream records.
func (c *FetchCollector) AddStreamRecords(resource string, n int) {
	if c == nil || c.StreamRecords == nil || n <= 0 {
		return
	}
	c.StreamRecords.WithLabelValues(resource).Add(float64(n))
}

// IncSkippedRefresh counts a refresh check that issued nothing.
func (c *FetchCollector) IncSkippedRefresh(resource string) {
	if c == nil || c.SkippedRefreshes == nil {
		return
	}
	c.SkippedRefreshes.WithLabelValues(resource).Inc()
}

// IncDraw counts a chart draw.
func (c *FetchCollector) IncDraw(chart, pass string) {
	if c == nil || c.Draws == nil {
		return
	}
	c.Draws.WithLabelValues(chart, pass).Inc()
}
