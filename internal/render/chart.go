package render

import (
	"context"
	"errors"

	"github.com/signalsfoundry/traceview/internal/cache"
	"github.com/signalsfoundry/traceview/internal/domain"
	"github.com/signalsfoundry/traceview/internal/logging"
	"github.com/signalsfoundry/traceview/internal/viewport"
)

// DrawRecorder counts draws. observability.FetchCollector implements it.
type DrawRecorder interface {
	IncDraw(chart, pass string)
}

// ChartOption customises a Chart.
type ChartOption func(*Chart)

// WithSpilloverFactor overrides viewport.DefaultSpilloverFactor.
func WithSpilloverFactor(f float64) ChartOption {
	return func(c *Chart) { c.factor = f }
}

// WithCursor replaces the default Cursor.
func WithCursor(t CursorTracker) ChartOption {
	return func(c *Chart) {
		if t != nil {
			c.cursor = t
		}
	}
}

// WithChartLogger attaches a structured logger.
func WithChartLogger(l logging.Logger) ChartOption {
	return func(c *Chart) { c.log = logging.OrNoop(l) }
}

// WithDrawRecorder attaches draw metrics.
func WithDrawRecorder(r DrawRecorder) ChartOption {
	return func(c *Chart) { c.draws = r }
}

// Chart ties a Renderer to a dataset's domain state and a fetch cache.
// Domain changes get a quick pass; settled domains, selection changes and
// resizes get a refresh and a full pass. All methods run on the scheduler
// thread that drives the State and the Cache.
type Chart struct {
	name     string
	state    *domain.State
	cache    *cache.Cache
	renderer Renderer
	cursor   CursorTracker

	px     viewport.Pixels
	factor float64

	shape    viewport.Shape
	lastFull *viewport.Shape
	phase    Phase
	drawErr  error
	dragSeq  uint64

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	onPhase     []func(Phase)
	closed      bool

	log   logging.Logger
	draws DrawRecorder
}

// NewChart builds a chart over st and c, drawing with r at size px. The
// chart subscribes to st immediately; call Refresh for the first draw.
func NewChart(ctx context.Context, name string, st *domain.State, c *cache.Cache, r Renderer, px viewport.Pixels, opts ...ChartOption) (*Chart, error) {
	if st == nil || c == nil || r == nil {
		return nil, errors.New("render: state, cache and renderer are required")
	}
	ctx, cancel := context.WithCancel(ctx)
	ch := &Chart{
		name:     name,
		state:    st,
		cache:    c,
		renderer: r,
		cursor:   &Cursor{},
		px:       px,
		factor:   viewport.DefaultSpilloverFactor,
		ctx:      ctx,
		cancel:   cancel,
		log:      logging.Noop(),
	}
	for _, opt := range opts {
		opt(ch)
	}
	ch.log = ch.log.With(logging.String("chart", name))
	ch.shape = ch.compute()
	ch.cursor.SetShape(ch.shape)

	c.OnRepaint(ch.repaint)
	ch.unsubscribe = st.Observe(ch)
	return ch, nil
}

// Name returns the chart's label.
func (c *Chart) Name() string { return c.name }

// Phase returns the current draw phase.
func (c *Chart) Phase() Phase { return c.phase }

// Shape returns the shape of the most recent pass.
func (c *Chart) Shape() viewport.Shape { return c.shape }

// Cache returns the chart's fetch cache.
func (c *Chart) Cache() *cache.Cache { return c.cache }

// Cursor returns the chart's cursor tracker.
func (c *Chart) Cursor() CursorTracker { return c.cursor }

// Err returns the error of the last full draw.
func (c *Chart) Err() error { return c.drawErr }

// OnPhase registers fn to be called on every phase transition.
func (c *Chart) OnPhase(fn func(Phase)) {
	if fn != nil {
		c.onPhase = append(c.onPhase, fn)
	}
}

// DomainChanged implements domain.Observer: a quick pass with no fetch.
// Once the burst of changes queued on the scheduler has been handled the
// chart moves to Settling while the settle timer runs.
func (c *Chart) DomainChanged(domain.Domain) {
	if c.closed {
		return
	}
	c.setPhase(PhaseDragging)
	c.shape = c.compute()
	c.cursor.SetShape(c.shape)
	c.renderer.QuickDraw(c.shape)
	c.countDraw("quick")

	c.dragSeq++
	seq := c.dragSeq
	c.state.Scheduler().ScheduleSync(func() { c.endDrag(seq) })
}

func (c *Chart) endDrag(seq uint64) {
	if c.closed || seq != c.dragSeq || c.phase != PhaseDragging {
		return
	}
	if c.state.SettlePending() {
		c.setPhase(PhaseSettling)
	}
}

// DomainSettled implements domain.Observer.
func (c *Chart) DomainSettled(domain.Domain) { c.Refresh() }

// SelectionChanged implements domain.Observer.
func (c *Chart) SelectionChanged(domain.Selection) { c.Refresh() }

// Resize changes the drawable area and refreshes.
func (c *Chart) Resize(px viewport.Pixels) {
	c.px = px
	c.Refresh()
}

// Refresh recomputes the shape, lets the cache fetch whatever is stale and
// draws with the data at hand.
func (c *Chart) Refresh() {
	if c.closed {
		return
	}
	c.shape = c.compute()
	c.cursor.SetShape(c.shape)
	if issued := c.cache.MaybeRefresh(c.ctx, c.shape, c.state.Selection()); len(issued) > 0 {
		c.log.Debug(c.ctx, "refresh issued fetches", logging.Any("resources", issued))
	}
	c.fullDraw()
}

// repaint is called by the cache when new data arrives.
func (c *Chart) repaint() {
	// A drag in progress owns the frame; the settle that ends it redraws.
	if c.closed || c.phase == PhaseDragging || c.phase == PhaseSettling {
		return
	}
	c.fullDraw()
}

func (c *Chart) fullDraw() {
	if err := c.renderer.Draw(c.shape, c.cache); err != nil {
		c.drawErr = err
		c.log.Warn(c.ctx, "draw failed", logging.Err(err))
	} else {
		c.drawErr = nil
	}
	c.countDraw("full")
	full := c.shape
	c.lastFull = &full

	if c.cache.Pending() {
		c.setPhase(PhaseFetching)
		return
	}
	c.setPhase(PhaseRendered)
	c.setPhase(PhaseIdle)
}

// Close unsubscribes from the domain state, cancels outstanding fetches and
// clears the cache.
func (c *Chart) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.unsubscribe()
	c.cancel()
	c.cache.OnRepaint(nil)
	c.cache.Clear()
	c.setPhase(PhaseIdle)
}

func (c *Chart) compute() viewport.Shape {
	return viewport.Compute(c.state, c.px, c.factor, c.lastFull)
}

func (c *Chart) setPhase(p Phase) {
	if c.phase == p {
		return
	}
	c.phase = p
	for _, fn := range c.onPhase {
		fn(p)
	}
}

func (c *Chart) countDraw(pass string) {
	if c.draws != nil {
		c.draws.IncDraw(c.name, pass)
	}
}
