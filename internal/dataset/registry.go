// Package dataset opens dataset views: one domain state shared by a set of
// charts, each chart with its own fetch cache. Views are tracked in a
// Registry so closing one tears down its linked caches.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/traceview/internal/cache"
	"github.com/signalsfoundry/traceview/internal/domain"
	"github.com/signalsfoundry/traceview/internal/fetch"
	"github.com/signalsfoundry/traceview/internal/logging"
	"github.com/signalsfoundry/traceview/internal/observability"
	"github.com/signalsfoundry/traceview/internal/render"
	"github.com/signalsfoundry/traceview/internal/sched"
	"github.com/signalsfoundry/traceview/internal/viewport"
)

var (
	// ErrUnknownDataset is returned when the server does not list an id.
	ErrUnknownDataset = errors.New("unknown dataset")
	// ErrClosed is returned by operations on a closed session or registry.
	ErrClosed = errors.New("dataset view closed")
)

// Client is what a Registry needs from the data server. fetch.Client
// implements it.
type Client interface {
	fetch.Fetcher
	Datasets(ctx context.Context) ([]fetch.DatasetInfo, error)
}

// Option customises a Registry.
type Option func(*Registry)

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) Option {
	return func(r *Registry) { r.log = logging.OrNoop(l) }
}

// WithMetrics records fetch and draw metrics for every session.
func WithMetrics(m *observability.FetchCollector) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithSettleDelay sets the settle delay of new domain states.
func WithSettleDelay(d time.Duration) Option {
	return func(r *Registry) { r.settleDelay = d }
}

// WithRepaintInterval sets the streaming repaint interval of new caches.
func WithRepaintInterval(d time.Duration) Option {
	return func(r *Registry) { r.repaintInterval = d }
}

// WithMinSpan sets the minimum detail span of new domain states.
func WithMinSpan(span float64) Option {
	return func(r *Registry) { r.minSpan = span }
}

// WithSpilloverFactor sets the spillover factor of new charts.
func WithSpilloverFactor(f float64) Option {
	return func(r *Registry) { r.spillover = f }
}

// Registry opens and tracks dataset sessions. Open and Close may be called
// from any goroutine; the sessions themselves belong to the scheduler
// thread.
type Registry struct {
	client Client
	sched  sched.Scheduler
	log    logging.Logger

	metrics         *observability.FetchCollector
	settleDelay     time.Duration
	repaintInterval time.Duration
	minSpan         float64
	spillover       float64

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewRegistry builds a registry fetching through c and running on s.
func NewRegistry(c Client, s sched.Scheduler, opts ...Option) (*Registry, error) {
	if c == nil {
		return nil, errors.New("dataset: client is required")
	}
	if s == nil {
		return nil, errors.New("dataset: scheduler is required")
	}
	r := &Registry{
		client:      c,
		sched:       s,
		log:         logging.Noop(),
		settleDelay: domain.DefaultSettleDelay,
		spillover:   viewport.DefaultSpilloverFactor,
		sessions:    make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// List returns the server's datasets.
func (r *Registry) List(ctx context.Context) ([]fetch.DatasetInfo, error) {
	return r.client.Datasets(ctx)
}

// Open returns the session for id, creating it from the server's listing
// when none is open.
func (r *Registry) Open(ctx context.Context, id string) (*Session, error) {
	if s, ok := r.Session(id); ok {
		return s, nil
	}

	infos, err := r.client.Datasets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	var info *fetch.DatasetInfo
	for i := range infos {
		if infos[i].ID == id {
			info = &infos[i]
			break
		}
	}
	if info == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDataset, id)
	}

	log := r.log.With(logging.String("dataset", id))
	opts := []domain.Option{
		domain.WithName(id),
		domain.WithLogger(log),
		domain.WithSettleDelay(r.settleDelay),
	}
	if r.minSpan > 0 {
		opts = append(opts, domain.WithMinSpan(r.minSpan))
	}
	st, err := domain.New(info.Overview, r.sched, opts...)
	if err != nil {
		return nil, fmt.Errorf("dataset %s: %w", id, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		st.Close()
		return nil, ErrClosed
	}
	if s, ok := r.sessions[id]; ok {
		st.Close()
		return s, nil
	}
	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		reg:    r,
		info:   *info,
		state:  st,
		log:    log,
		ctx:    sctx,
		cancel: cancel,
	}
	r.sessions[id] = s
	log.Info(ctx, "dataset opened",
		logging.Float64("begin", info.Overview.Begin),
		logging.Float64("end", info.Overview.End),
		logging.Bool("ready", info.Ready),
	)
	return s, nil
}

// Session returns the open session for id.
func (r *Registry) Session(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// OpenIDs lists the ids of open sessions in order.
func (r *Registry) OpenIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close closes every session. It must run on the scheduler thread.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	open := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		open = append(open, s)
	}
	r.mu.Unlock()

	for _, s := range open {
		s.Close()
	}
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// ChartSpec describes one chart of a session.
type ChartSpec struct {
	Name      string
	Resources []cache.Resource
	Size      viewport.Pixels
	Cursor    render.CursorTracker
}

// Session is one open dataset: its shared domain state and its charts.
// Methods run on the scheduler thread.
type Session struct {
	reg   *Registry
	info  fetch.DatasetInfo
	state *domain.State
	log   logging.Logger

	charts []*render.Chart
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

// ID returns the dataset id.
func (s *Session) ID() string { return s.info.ID }

// Info returns the listing entry the session was opened from.
func (s *Session) Info() fetch.DatasetInfo { return s.info }

// State returns the shared domain state.
func (s *Session) State() *domain.State { return s.state }

// Charts returns the session's charts in creation order.
func (s *Session) Charts() []*render.Chart { return s.charts }

// Chart returns the chart called name.
func (s *Session) Chart(name string) (*render.Chart, bool) {
	for _, c := range s.charts {
		if c.Name() == name {
			return c, true
		}
	}
	return nil, false
}

// AddChart builds a cache for spec's resources and a chart drawing them
// with r. Call Refresh, or the chart's own Refresh, for the first draw.
func (s *Session) AddChart(spec ChartSpec, r render.Renderer) (*render.Chart, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if _, dup := s.Chart(spec.Name); dup {
		return nil, fmt.Errorf("dataset %s: duplicate chart %q", s.info.ID, spec.Name)
	}

	reg := s.reg
	cacheOpts := []cache.Option{cache.WithLogger(s.log.With(logging.String("chart", spec.Name)))}
	if reg.metrics != nil {
		cacheOpts = append(cacheOpts, cache.WithMetrics(reg.metrics))
	}
	c, err := cache.New(cache.Config{
		Dataset:         s.info.ID,
		Resources:       spec.Resources,
		RepaintInterval: reg.repaintInterval,
	}, reg.client, reg.sched, cacheOpts...)
	if err != nil {
		return nil, fmt.Errorf("chart %q: %w", spec.Name, err)
	}

	chartOpts := []render.ChartOption{
		render.WithSpilloverFactor(reg.spillover),
		render.WithChartLogger(s.log),
		render.WithCursor(spec.Cursor),
	}
	if reg.metrics != nil {
		chartOpts = append(chartOpts, render.WithDrawRecorder(reg.metrics))
	}
	ch, err := render.NewChart(s.ctx, spec.Name, s.state, c, r, spec.Size, chartOpts...)
	if err != nil {
		return nil, fmt.Errorf("chart %q: %w", spec.Name, err)
	}
	s.charts = append(s.charts, ch)
	return ch, nil
}

// Refresh asks every chart to fetch whatever is stale and redraw.
func (s *Session) Refresh() {
	for _, c := range s.charts {
		c.Refresh()
	}
}

// Pending reports whether any chart has a request outstanding.
func (s *Session) Pending() bool {
	for _, c := range s.charts {
		if c.Cache().Pending() {
			return true
		}
	}
	return false
}

// RefreshNotReady refetches every resource whose last answer was "not
// ready" and returns how many were invalidated.
func (s *Session) RefreshNotReady() int {
	n := 0
	for _, c := range s.charts {
		if names := c.Cache().InvalidateNotReady(); len(names) > 0 {
			n += len(names)
			c.Refresh()
		}
	}
	return n
}

// Close cancels outstanding requests, closes the charts, which clears their
// caches, and closes the domain state. Closing twice is a no-op.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.cancel()
	for _, c := range s.charts {
		c.Close()
	}
	s.charts = nil
	s.state.Close()
	s.reg.remove(s.info.ID)
	s.log.Info(context.Background(), "dataset closed")
}

// Closed reports whether Close has run.
func (s *Session) Closed() bool { return s.closed }
