// Package server is the reference data API: it answers windowed queries
// against a tracedata.Store over batch JSON, NDJSON and WebSocket streams,
// and reports dataset readiness over the gRPC health service.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/signalsfoundry/traceview/internal/fetch"
	"github.com/signalsfoundry/traceview/internal/logging"
	"github.com/signalsfoundry/traceview/internal/observability"
	"github.com/signalsfoundry/traceview/internal/tracedata"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const tracerName = "github.com/signalsfoundry/traceview/internal/server"

// resourcePattern matches the resource segment(s) of a data route.
const resourcePattern = "{resource:utilization|intervals|metrics/[^/]+}"

// Server serves one tracedata.Store.
type Server struct {
	store   *tracedata.Store
	log     logging.Logger
	metrics *observability.HTTPCollector

	router   *mux.Router
	upgrader websocket.Upgrader
	health   *health.Server

	flushEvery  int
	streamDelay time.Duration

	unsubscribe func()
}

// Option customises a Server.
type Option func(*Server)

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Server) { s.log = logging.OrNoop(l) }
}

// WithMetrics records request metrics and dataset gauges.
func WithMetrics(c *observability.HTTPCollector) Option {
	return func(s *Server) { s.metrics = c }
}

// WithFlushEvery flushes streamed responses after every n records.
func WithFlushEvery(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.flushEvery = n
		}
	}
}

// WithStreamDelay pauses between flushed chunks of a stream, which makes
// incremental arrival visible to a client.
func WithStreamDelay(d time.Duration) Option {
	return func(s *Server) {
		if d >= 0 {
			s.streamDelay = d
		}
	}
}

// New builds the server and starts mirroring dataset readiness into the
// health service.
func New(store *tracedata.Store, opts ...Option) *Server {
	s := &Server{
		store:      store,
		log:        logging.Noop(),
		health:     health.NewServer(),
		flushEvery: 256,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}

	s.router = mux.NewRouter()
	s.router.Use(s.metrics.Middleware)
	s.routes(s.router)

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	for _, st := range store.List() {
		s.setHealth(st.ID, st.Ready)
	}
	s.syncGauges()
	s.unsubscribe = store.Subscribe(func(e tracedata.Event) {
		s.setHealth(e.ID, e.Ready)
		s.syncGauges()
		s.log.Info(context.Background(), "dataset status changed",
			logging.String("dataset", e.ID),
			logging.Bool("ready", e.Ready),
		)
	})
	return s
}

func (s *Server) routes(r *mux.Router) {
	r.HandleFunc("/api/datasets", s.listDatasets).Methods(http.MethodGet)
	r.HandleFunc("/api/datasets/{id}", s.getDataset).Methods(http.MethodGet)
	r.HandleFunc("/api/datasets/{id}/ws/"+resourcePattern, s.serveWebSocket).Methods(http.MethodGet)
	r.HandleFunc("/api/datasets/{id}/"+resourcePattern, s.serveResource).Methods(http.MethodGet)
}

// Handler returns the HTTP handler with request ids and tracing applied.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(requestIDMiddleware(s.log, s.router), "traceview.api")
}

// Health returns the health service that reports per-dataset readiness.
func (s *Server) Health() *health.Server { return s.health }

// Close stops following the store and marks every service as shutting down.
func (s *Server) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.health.Shutdown()
}

func (s *Server) setHealth(id string, ready bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(id, status)
}

func (s *Server) syncGauges() {
	s.metrics.SetDatasetCounts(s.store.Counts())
}

func (s *Server) listDatasets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.store.List())
}

func (s *Server) getDataset(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ds, err := s.store.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	ready, _, _ := s.store.Ready(id)
	writeJSON(w, tracedata.Status{Info: ds.Info(), Ready: ready})
}

func (s *Server) serveResource(w http.ResponseWriter, r *http.Request) {
	ds, q, err := s.prepare(r)
	if err != nil {
		s.requestLog(r).Debug(r.Context(), "query rejected", logging.Err(err))
		writeError(w, err)
		return
	}
	res, err := s.answer(r.Context(), ds, q)
	if err != nil {
		writeError(w, err)
		return
	}

	if r.URL.Query().Get("stream") == string(fetch.TransportNDJSON) {
		s.writeNDJSON(r.Context(), w, res)
		return
	}
	body, err := fetch.EncodePayload(res.meta, res.data)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

// prepare resolves the dataset and parses the query, refusing datasets that
// are still being prepared.
func (s *Server) prepare(r *http.Request) (*tracedata.Dataset, fetch.Query, error) {
	vars := mux.Vars(r)
	id := vars["id"]
	ds, err := s.store.Get(id)
	if err != nil {
		return nil, fetch.Query{}, err
	}
	ready, wait, err := s.store.Ready(id)
	if err != nil {
		return nil, fetch.Query{}, err
	}
	if !ready {
		return nil, fetch.Query{}, &fetch.NotReadyError{Resource: vars["resource"], RetryAfter: wait}
	}
	q, err := fetch.ParseQuery(id, vars["resource"], r.URL.Query())
	if err != nil {
		return nil, q, err
	}
	return ds, q, nil
}

// result is an answered query: its records in stream order plus the batch
// body, which is an array for binned series and an object for intervals.
type result struct {
	meta    fetch.Metadata
	records []fetch.Record
	data    any
}

func (s *Server) answer(ctx context.Context, ds *tracedata.Dataset, q fetch.Query) (res result, err error) {
	_, span := observability.StartQuerySpan(ctx, tracerName, "server.answer", observability.QuerySpan{
		Dataset:  q.Dataset,
		Resource: q.Resource,
		Bins:     q.Bins,
		Begin:    q.Window.Begin,
		End:      q.Window.End,
	})
	defer func() {
		span.SetAttributes(attribute.Int("traceview.records", len(res.records)))
		observability.EndSpan(span, err)
	}()

	filter, err := tracedata.ParseFilter(q.Selectors, q.Locations)
	if err != nil {
		return res, err
	}
	res.meta = fetch.Metadata{Begin: q.Window.Begin, End: q.Window.End, Bins: q.Bins}

	switch {
	case q.Resource == fetch.ResourceUtilization:
		vals, err := ds.Utilization(q.Window, q.Bins, filter)
		if err != nil {
			return res, err
		}
		res.data = vals
		for i, v := range vals {
			res.records = append(res.records, record(strconv.Itoa(i), v))
		}

	case q.Resource == fetch.ResourceIntervals:
		ivs, err := ds.Intervals(q.Window, q.Bins, filter)
		if err != nil {
			return res, err
		}
		byID := make(map[string]tracedata.Interval, len(ivs))
		for _, iv := range ivs {
			byID[iv.ID] = iv
			res.records = append(res.records, record(iv.ID, iv))
		}
		res.data = byID

	default:
		name, ok := fetch.MetricName(q.Resource)
		if !ok {
			return res, fmt.Errorf("%w: %q", ErrUnknownResource, q.Resource)
		}
		vals, err := ds.Metric(name, q.Window, q.Bins, filter)
		if err != nil {
			return res, err
		}
		res.data = vals
		for i, v := range vals {
			if v != nil {
				res.records = append(res.records, record(strconv.Itoa(i), *v))
			}
		}
	}
	return res, nil
}

func record(key string, v any) fetch.Record {
	raw, err := json.Marshal(v)
	if err != nil {
		raw = json.RawMessage("null")
	}
	return fetch.Record{Key: key, Value: raw}
}

func (s *Server) requestLog(r *http.Request) logging.Logger {
	return logging.FromContext(r.Context(), s.log)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// requestIDMiddleware adopts or assigns a request id, echoes it back and
// attaches a per-request logger. Records logged with the request context
// carry the id.
func requestIDMiddleware(base logging.Logger, next http.Handler) http.Handler {
	base = logging.OrNoop(base)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if incoming := r.Header.Get(logging.RequestIDHeader); incoming != "" {
			ctx = logging.ContextWithRequestID(ctx, incoming)
		}
		ctx, reqLog := logging.WithRequestLogger(ctx, base.With(
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
		))
		ctx = logging.ContextWithLogger(ctx, reqLog)
		w.Header().Set(logging.RequestIDHeader, logging.RequestIDFromContext(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
