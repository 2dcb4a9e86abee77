package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// HTTPCollector bundles Prometheus metrics for the data server and provides
// helpers to wire them into HTTP handlers and the gRPC health server.
type HTTPCollector struct {
	gatherer prometheus.Gatherer

	HTTPRequests  *prometheus.CounterVec
	HTTPDurations *prometheus.HistogramVec
	RPCRequests   *prometheus.CounterVec

	DatasetsTotal prometheus.Gauge
	DatasetsReady prometheus.Gauge
}

// NewHTTPCollector registers server metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil.
func NewHTTPCollector(reg prometheus.Registerer) (*HTTPCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "traceview_http_requests_total",
		Help: "Total number of handled data API requests, labeled by route, method, and status code.",
	}, []string{"route", "method", "code"})
	requests, err := register(reg, requests, "traceview_http_requests_total")
	if err != nil {
		return nil, err
	}

	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "traceview_http_request_duration_seconds",
		Help:    "Data API request latency in seconds, including streamed responses.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"route", "method"})
	durations, err = register(reg, durations, "traceview_http_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	rpcs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "traceview_grpc_requests_total",
		Help: "Total number of handled gRPC calls, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"})
	rpcs, err = register(reg, rpcs, "traceview_grpc_requests_total")
	if err != nil {
		return nil, err
	}

	total, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "traceview_datasets",
		Help: "Number of datasets served.",
	}), "traceview_datasets")
	if err != nil {
		return nil, err
	}
	ready, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "traceview_datasets_ready",
		Help: "Number of datasets that finished preparing.",
	}), "traceview_datasets_ready")
	if err != nil {
		return nil, err
	}

	return &HTTPCollector{
		gatherer:      gatherer,
		HTTPRequests:  requests,
		HTTPDurations: durations,
		RPCRequests:   rpcs,
		DatasetsTotal: total,
		DatasetsReady: ready,
	}, nil
}

// Middleware records request counts and durations. Routes are labeled with
// their gorilla/mux path template so dataset ids do not explode cardinality.
func (c *HTTPCollector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c == nil {
			next.ServeHTTP(w, r)
			return
		}
		m := httpsnoop.CaptureMetrics(next, w, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		if c.HTTPRequests != nil {
			c.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(m.Code)).Inc()
		}
		if c.HTTPDurations != nil {
			c.HTTPDurations.WithLabelValues(route, r.Method).Observe(m.Duration.Seconds())
		}
	})
}

// UnaryServerInterceptor records request counts for unary RPCs.
func (c *HTTPCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)

		if c == nil || c.RPCRequests == nil {
			return resp, err
		}
		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		c.RPCRequests.WithLabelValues(service, method, status.Code(err).String()).Inc()
		return resp, err
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *HTTPCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetDatasetCounts lets the dataset catalog drive the gauges directly.
func (c *HTTPCollector) SetDatasetCounts(total, ready int) {
	if c == nil {
		return
	}
	if c.DatasetsTotal != nil {
		c.DatasetsTotal.Set(float64(total))
	}
	if c.DatasetsReady != nil {
		c.DatasetsReady.Set(float64(ready))
	}
}

// SplitMethod turns "/grpc.health.v1.Health/Check" into ("Health", "Check").
// Unparseable names yield "unknown" parts.
func SplitMethod(fullMethod string) (service, method string) {
	service, method = "unknown", "unknown"
	path := strings.TrimPrefix(fullMethod, "/")
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return service, method
	}
	if svc := path[:i]; svc != "" {
		if sep := strings.LastIndexAny(svc, "./"); sep >= 0 {
			svc = svc[sep+1:]
		}
		if svc != "" {
			service = svc
		}
	}
	if m := path[i+1:]; m != "" {
		method = m
	}
	return service, method
}

// register adds c to reg, reusing the collector already registered under
// the same descriptor so repeated construction against one registry works.
func register[C prometheus.Collector](reg prometheus.Registerer, c C, name string) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if !errors.As(err, &are) {
		return c, err
	}
	existing, ok := are.ExistingCollector.(C)
	if !ok {
		return c, fmt.Errorf("collector %s already registered with incompatible type", name)
	}
	return existing, nil
}
