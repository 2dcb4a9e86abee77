// Package cache holds the per-chart incremental fetch cache: it decides when
// a chart's data is stale for the current shape, issues and supersedes
// fetches, and merges batch and streamed results on the scheduler thread.
package cache

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/signalsfoundry/traceview/internal/domain"
	"github.com/signalsfoundry/traceview/internal/fetch"
	"github.com/signalsfoundry/traceview/internal/logging"
	"github.com/signalsfoundry/traceview/internal/sched"
	"github.com/signalsfoundry/traceview/internal/viewport"
)

// DefaultRepaintInterval bounds how often streamed records of one resource
// trigger a repaint.
const DefaultRepaintInterval = 100 * time.Millisecond

var (
	// ErrUnknownResource is returned for a resource name that was never registered.
	ErrUnknownResource = errors.New("unknown resource")
	// ErrDuplicateResource rejects two resources with the same name.
	ErrDuplicateResource = errors.New("duplicate resource")
)

// Mode selects how a resource is fetched.
type Mode int

const (
	// Batch resources arrive in one response that replaces the stable payload.
	Batch Mode = iota
	// Stream resources arrive record by record into a transient payload that
	// becomes stable when the stream completes.
	Stream
)

func (m Mode) String() string {
	if m == Stream {
		return "stream"
	}
	return "batch"
}

// Status is the externally visible state of a resource.
type Status int

const (
	StatusEmpty Status = iota
	StatusLoading
	StatusReady
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusError:
		return "error"
	default:
		return "empty"
	}
}

// Resource is one data series a chart draws.
type Resource struct {
	// Name keys the cache entry, e.g. "utilization" or "metric:cpu".
	Name string
	// Path is the fetch resource path, e.g. "utilization" or "metrics/cpu".
	Path string
	Mode Mode
	// IgnoreSelection keeps selection changes from invalidating this
	// resource, and keeps selection selectors out of its queries.
	IgnoreSelection bool
	// Locations, when set, narrows queries to the returned locations.
	Locations func() []string
	// Fingerprint, when set, is compared with the value recorded at the last
	// fetch; any change marks the resource stale.
	Fingerprint func() string
}

// Entry is a read-only snapshot of one resource.
type Entry struct {
	// Payload is the last complete result; it survives failed refetches.
	Payload *fetch.Payload
	// Err is the last failure, cleared by the next success.
	Err    error
	Status Status
	// Pending reports an outstanding request.
	Pending    bool
	Generation uint64
}

// MetricsRecorder receives cache activity. observability.FetchCollector
// implements it.
type MetricsRecorder interface {
	ObserveFetch(resource, outcome string, d time.Duration)
	IncSuperseded(resource string)
	AddStreamRecords(resource string, n int)
	IncSkippedRefresh(resource string)
}

// Config describes the resources of one chart.
type Config struct {
	Dataset         string
	Resources       []Resource
	RepaintInterval time.Duration
}

// Option customises a Cache.
type Option func(*Cache)

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Cache) { c.log = logging.OrNoop(l) }
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(c *Cache) { c.metrics = m }
}

// baseline is what the last issued fetch was for. locations is the sorted
// location set joined by newlines.
type baseline struct {
	spillover   domain.Domain
	bins        int
	locations   string
	fingerprint string
	selectionID uint64
}

// view is what a resource's hooks report at one refresh.
type view struct {
	locations   []string
	fingerprint string
}

func (v view) locationKey() string {
	sorted := slices.Clone(v.locations)
	slices.Sort(sorted)
	return strings.Join(sorted, "\n")
}

type slot struct {
	res      Resource
	throttle *sched.Throttler

	gen      uint64
	baseline *baseline
	stable   *fetch.Payload
	incoming *fetch.Payload
	err      error
	status   Status
	pending  bool
	cancel   context.CancelFunc
	started  time.Time
}

// Cache is the incremental fetch cache of one chart. It is not safe for
// concurrent use: every method runs on the scheduler thread. Fetch
// goroutines hand results back through the scheduler and results of
// superseded generations are dropped.
type Cache struct {
	dataset string
	fetcher fetch.Fetcher
	s       sched.Scheduler
	log     logging.Logger
	metrics MetricsRecorder

	slots []*slot
	byKey map[string]*slot

	repaint func()
}

// New builds a cache for cfg's resources.
func New(cfg Config, fetcher fetch.Fetcher, s sched.Scheduler, opts ...Option) (*Cache, error) {
	if fetcher == nil {
		return nil, errors.New("cache: fetcher is required")
	}
	if s == nil {
		return nil, errors.New("cache: scheduler is required")
	}
	c := &Cache{
		dataset: cfg.Dataset,
		fetcher: fetcher,
		s:       s,
		log:     logging.Noop(),
		byKey:   make(map[string]*slot, len(cfg.Resources)),
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, r := range cfg.Resources {
		if r.Name == "" {
			return nil, fmt.Errorf("cache: resource name is required")
		}
		if _, dup := c.byKey[r.Name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateResource, r.Name)
		}
		if r.Path == "" {
			r.Path = r.Name
		}
		sl := &slot{res: r}
		c.slots = append(c.slots, sl)
		c.byKey[r.Name] = sl
	}

	interval := cfg.RepaintInterval
	if interval <= 0 {
		interval = DefaultRepaintInterval
	}
	for _, sl := range c.slots {
		sl.throttle = sched.NewThrottler(s, interval, c.emitRepaint)
	}
	return c, nil
}

// OnRepaint sets the function called when new data should be drawn.
func (c *Cache) OnRepaint(fn func()) { c.repaint = fn }

// MaybeRefresh issues a fetch for every resource that is stale for shape and
// sel and returns their names. The triggers are tested in order: no
// baseline, then a different spillover window or bin count, then a changed
// location set or fingerprint, then, unless the resource ignores selection,
// a changed selection id. The hooks are only consulted when the first two
// triggers did not fire. Calling it twice with the same inputs issues
// nothing the second time.
func (c *Cache) MaybeRefresh(ctx context.Context, shape viewport.Shape, sel domain.Selection) []string {
	var refreshed []string
	for _, sl := range c.slots {
		var selectionID uint64
		if !sl.res.IgnoreSelection {
			selectionID = domain.SelectionID(sel)
		}
		v, checked, stale := sl.stale(shape, selectionID)
		if !stale {
			if c.metrics != nil {
				c.metrics.IncSkippedRefresh(sl.res.Name)
			}
			continue
		}
		if !checked {
			v = sl.view()
		}
		c.start(ctx, sl, baseline{
			spillover:   shape.Spillover,
			bins:        shape.Bins,
			locations:   v.locationKey(),
			fingerprint: v.fingerprint,
			selectionID: selectionID,
		}, v.locations, sel)
		refreshed = append(refreshed, sl.res.Name)
	}
	return refreshed
}

// stale reports whether sl needs a fetch for shape. checked is true when the
// hooks were consulted, in which case v holds what they reported.
func (sl *slot) stale(shape viewport.Shape, selectionID uint64) (v view, checked, stale bool) {
	b := sl.baseline
	if b == nil || b.spillover != shape.Spillover || b.bins != shape.Bins {
		return view{}, false, true
	}
	v = sl.view()
	if v.locationKey() != b.locations || v.fingerprint != b.fingerprint {
		return v, true, true
	}
	return v, true, b.selectionID != selectionID
}

func (sl *slot) view() view {
	var v view
	if sl.res.Locations != nil {
		v.locations = slices.Clone(sl.res.Locations())
	}
	if sl.res.Fingerprint != nil {
		v.fingerprint = sl.res.Fingerprint()
	}
	return v
}

func (c *Cache) start(ctx context.Context, sl *slot, b baseline, locations []string, sel domain.Selection) {
	if sl.cancel != nil {
		sl.cancel()
		if sl.pending && c.metrics != nil {
			c.metrics.IncSuperseded(sl.res.Name)
		}
	}
	sl.gen++
	gen := sl.gen
	sl.baseline = &b
	sl.pending = true
	sl.started = c.s.Now()
	if sl.stable == nil {
		sl.status = StatusLoading
	}

	q := fetch.Query{
		Dataset:  c.dataset,
		Resource: sl.res.Path,
		Window:   b.spillover,
		Bins:     b.bins,
	}
	if !sl.res.IgnoreSelection && sel != nil {
		q.Selectors = sel.Selectors()
	}
	q.Locations = locations

	fctx, cancel := context.WithCancel(ctx)
	sl.cancel = cancel

	c.log.Debug(fctx, "fetch issued",
		logging.String("resource", sl.res.Name),
		logging.String("mode", sl.res.Mode.String()),
		logging.Uint64("generation", gen),
		logging.Float64("begin", q.Window.Begin),
		logging.Float64("end", q.Window.End),
		logging.Int("bins", q.Bins),
	)

	if sl.res.Mode == Stream {
		sl.incoming = fetch.NewPayload(fetch.Metadata{Begin: q.Window.Begin, End: q.Window.End, Bins: q.Bins})
		go func() {
			err := c.fetcher.Stream(fctx, q, func(ev fetch.StreamEvent) {
				c.s.ScheduleSync(func() { c.merge(sl, gen, ev) })
			})
			c.s.ScheduleSync(func() { c.finishStream(sl, gen, err) })
		}()
		return
	}
	go func() {
		p, err := c.fetcher.Fetch(fctx, q)
		c.s.ScheduleSync(func() { c.finishBatch(sl, gen, p, err) })
	}()
}

func (c *Cache) merge(sl *slot, gen uint64, ev fetch.StreamEvent) {
	if gen != sl.gen || sl.incoming == nil {
		return
	}
	if ev.Metadata != nil {
		sl.incoming.Metadata = *ev.Metadata
		return
	}
	sl.incoming.Put(ev.Key, ev.Value)
	if c.metrics != nil {
		c.metrics.AddStreamRecords(sl.res.Name, 1)
	}
	sl.throttle.Trigger()
}

func (c *Cache) finishStream(sl *slot, gen uint64, err error) {
	if gen != sl.gen {
		c.dropSuperseded(sl, gen)
		return
	}
	incoming := sl.incoming
	sl.incoming = nil
	if err == nil {
		sl.stable = incoming
	}
	c.complete(sl, err)
}

func (c *Cache) finishBatch(sl *slot, gen uint64, p *fetch.Payload, err error) {
	if gen != sl.gen {
		c.dropSuperseded(sl, gen)
		return
	}
	if err == nil {
		sl.stable = p
	}
	c.complete(sl, err)
}

func (c *Cache) complete(sl *slot, err error) {
	sl.pending = false
	if sl.cancel != nil {
		sl.cancel()
		sl.cancel = nil
	}

	outcome := "ok"
	switch {
	case err == nil:
		sl.err = nil
		sl.status = StatusReady
	case fetch.IsNotReady(err):
		sl.err = err
		sl.status = StatusLoading
		outcome = "not_ready"
		c.log.Debug(context.Background(), "dataset not ready", logging.String("resource", sl.res.Name))
	default:
		sl.err = err
		sl.status = StatusError
		outcome = "error"
		c.log.Warn(context.Background(), "fetch failed",
			logging.String("resource", sl.res.Name),
			logging.Err(err),
		)
	}
	if c.metrics != nil {
		c.metrics.ObserveFetch(sl.res.Name, outcome, c.s.Now().Sub(sl.started))
	}

	sl.throttle.Cancel()
	c.emitRepaint()
}

func (c *Cache) dropSuperseded(sl *slot, gen uint64) {
	c.log.Debug(context.Background(), "dropping superseded result",
		logging.String("resource", sl.res.Name),
		logging.Uint64("generation", gen),
		logging.Uint64("current", sl.gen),
	)
}

func (c *Cache) emitRepaint() {
	if c.repaint != nil {
		c.repaint()
	}
}

// Entry returns a snapshot of the named resource.
func (c *Cache) Entry(name string) (Entry, bool) {
	sl, ok := c.byKey[name]
	if !ok {
		return Entry{}, false
	}
	return Entry{
		Payload:    sl.stable,
		Err:        sl.err,
		Status:     sl.status,
		Pending:    sl.pending,
		Generation: sl.gen,
	}, true
}

// Incoming returns the transient payload of an in-flight stream, or nil.
// Its key set only grows until it replaces the stable payload.
func (c *Cache) Incoming(name string) *fetch.Payload {
	if sl, ok := c.byKey[name]; ok {
		return sl.incoming
	}
	return nil
}

// Pending reports whether any request is outstanding.
func (c *Cache) Pending() bool {
	for _, sl := range c.slots {
		if sl.pending {
			return true
		}
	}
	return false
}

// Names lists the registered resources in registration order.
func (c *Cache) Names() []string {
	out := make([]string, len(c.slots))
	for i, sl := range c.slots {
		out[i] = sl.res.Name
	}
	return out
}

// Invalidate forgets the baseline of name so the next MaybeRefresh
// refetches it. Its data stays in place until replaced.
func (c *Cache) Invalidate(name string) error {
	sl, ok := c.byKey[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownResource, name)
	}
	sl.baseline = nil
	return nil
}

// InvalidateNotReady invalidates every resource whose last request found
// the dataset not ready and returns their names.
func (c *Cache) InvalidateNotReady() []string {
	var out []string
	for _, sl := range c.slots {
		if !sl.pending && fetch.IsNotReady(sl.err) {
			sl.baseline = nil
			out = append(out, sl.res.Name)
		}
	}
	return out
}

// Clear cancels outstanding requests and drops all data. Results still in
// flight are discarded when they arrive.
func (c *Cache) Clear() {
	for _, sl := range c.slots {
		sl.throttle.Cancel()
		if sl.cancel != nil {
			sl.cancel()
			sl.cancel = nil
		}
		sl.gen++
		sl.baseline = nil
		sl.stable = nil
		sl.incoming = nil
		sl.err = nil
		sl.status = StatusEmpty
		sl.pending = false
	}
}
