package domain

import (
	"context"
	"math"
	"time"

	"github.com/signalsfoundry/traceview/internal/logging"
	"github.com/signalsfoundry/traceview/internal/sched"
)

const (
	// DefaultMinSpan is the narrowest detail window, in timestamp units.
	DefaultMinSpan = 1.0
	// DefaultSettleDelay is the quiet period before DomainSettled fires.
	DefaultSettleDelay = 50 * time.Millisecond
)

// Observer receives State notifications on the scheduler's thread.
type Observer interface {
	// DomainChanged fires synchronously on every effective detail change.
	// Observers must keep it cheap: no I/O, no heavy recomputation.
	DomainChanged(detail Domain)
	// DomainSettled fires once after a burst of changes has gone quiet.
	DomainSettled(detail Domain)
	// SelectionChanged fires synchronously after SetSelection.
	SelectionChanged(sel Selection)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Changed   func(Domain)
	Settled   func(Domain)
	Selection func(Selection)
}

func (o ObserverFuncs) DomainChanged(d Domain) {
	if o.Changed != nil {
		o.Changed(d)
	}
}

func (o ObserverFuncs) DomainSettled(d Domain) {
	if o.Settled != nil {
		o.Settled(d)
	}
}

func (o ObserverFuncs) SelectionChanged(sel Selection) {
	if o.Selection != nil {
		o.Selection(sel)
	}
}

// State owns a dataset's detail domain, overview domain and selection.
// It is not safe for concurrent use: every method must run on the thread of
// the Scheduler it was built with.
type State struct {
	name      string
	overview  Domain
	detail    Domain
	minSpan   float64
	selection Selection

	scheduler sched.Scheduler
	settle    *sched.Debouncer
	log       logging.Logger

	observers []observerSlot
	nextSlot  int

	failed error

	initial *Domain
	delay   time.Duration
}

type observerSlot struct {
	id int
	o  Observer
}

// Option customises State construction.
type Option func(*State)

// WithMinSpan overrides DefaultMinSpan. Non-positive values are ignored.
func WithMinSpan(span float64) Option {
	return func(s *State) {
		if span > 0 && finite(span) {
			s.minSpan = span
		}
	}
}

// WithSettleDelay overrides DefaultSettleDelay. Negative values are ignored.
func WithSettleDelay(d time.Duration) Option {
	return func(s *State) {
		if d >= 0 {
			s.delay = d
		}
	}
}

// WithInitialDetail starts the detail window somewhere other than the full
// overview. The window is clamped like any other update.
func WithInitialDetail(d Domain) Option {
	return func(s *State) { s.initial = &d }
}

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) Option {
	return func(s *State) { s.log = logging.OrNoop(l) }
}

// WithName labels log lines with a dataset name.
func WithName(name string) Option {
	return func(s *State) { s.name = name }
}

// New creates the state for a dataset whose absolute extent is overview.
// Settled notifications are delivered through s.
func New(overview Domain, s sched.Scheduler, opts ...Option) (*State, error) {
	st := &State{
		overview: overview,
		detail:   overview,
		minSpan:  DefaultMinSpan,
		delay:    DefaultSettleDelay,
		log:      logging.Noop(),
	}
	for _, opt := range opts {
		opt(st)
	}
	if st.name != "" {
		st.log = st.log.With(logging.String("dataset", st.name))
	}
	if !overview.Valid() {
		return nil, &DomainError{Op: "new", Overview: overview, Reason: "overview must be finite with begin < end"}
	}
	st.scheduler = s
	st.settle = sched.NewDebouncer(s, st.delay, st.emitSettled)

	if st.initial != nil {
		next, err := st.resolve(Window(st.initial.Begin, st.initial.End))
		if err != nil {
			return nil, err
		}
		st.detail = next
	}
	return st, nil
}

// DetailDomain returns the current detail window.
func (s *State) DetailDomain() Domain { return s.detail }

// OverviewDomain returns the dataset's fixed extent.
func (s *State) OverviewDomain() Domain { return s.overview }

// Selection returns the live selection, or nil.
func (s *State) Selection() Selection { return s.selection }

// MinSpan returns the effective minimum detail span.
func (s *State) MinSpan() float64 { return math.Min(s.minSpan, s.overview.Span()) }

// SettlePending reports whether a DomainSettled notification is scheduled.
func (s *State) SettlePending() bool { return s.settle.Pending() }

// Scheduler returns the scheduler notifications are delivered on.
func (s *State) Scheduler() sched.Scheduler { return s.scheduler }

// Err returns the DomainError that failed this state, if any.
func (s *State) Err() error { return s.failed }

// Observe registers o and returns a function that unregisters it.
func (s *State) Observe(o Observer) (unsubscribe func()) {
	s.nextSlot++
	id := s.nextSlot
	s.observers = append(s.observers, observerSlot{id: id, o: o})
	return func() {
		for i, slot := range s.observers {
			if slot.id == id {
				s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
				return
			}
		}
	}
}

// SetDetailDomain applies u. Out-of-range input is clamped, inverted input
// is swapped, and the minimum span is enforced by moving the edge the caller
// did not move. It returns the resulting window; the error is non-nil only
// when no valid window exists, after which the state refuses all mutations.
func (s *State) SetDetailDomain(u Update) (Domain, error) {
	if s.failed != nil {
		return s.detail, s.failed
	}
	next, err := s.resolve(u)
	if err != nil {
		s.failed = err
		s.settle.Cancel()
		s.log.Error(context.Background(), "detail domain failed", logging.Err(err))
		return s.detail, err
	}
	if next.Equal(s.detail) {
		return s.detail, nil
	}
	s.detail = next
	s.log.Debug(context.Background(), "detail domain changed",
		logging.Float64("begin", next.Begin),
		logging.Float64("end", next.End),
	)
	for _, o := range s.snapshot() {
		o.DomainChanged(next)
	}
	s.settle.Trigger()
	return next, nil
}

// ZoomAround scales the detail span by factor (< 1 zooms in) keeping center
// at the same relative position.
func (s *State) ZoomAround(center, factor float64) (Domain, error) {
	if !(factor > 0) || !finite(factor) || !finite(center) {
		return s.detail, nil
	}
	d := s.detail
	return s.SetDetailDomain(Window(
		center-(center-d.Begin)*factor,
		center+(d.End-center)*factor,
	))
}

// Pan shifts the detail window by delta, stopping at the overview bounds
// without changing the span.
func (s *State) Pan(delta float64) (Domain, error) {
	if !finite(delta) {
		return s.detail, nil
	}
	d := s.detail
	if d.Begin+delta < s.overview.Begin {
		delta = s.overview.Begin - d.Begin
	}
	if d.End+delta > s.overview.End {
		delta = s.overview.End - d.End
	}
	return s.SetDetailDomain(Window(d.Begin+delta, d.End+delta))
}

// ResetDetail shows the whole overview.
func (s *State) ResetDetail() (Domain, error) {
	return s.SetDetailDomain(Window(s.overview.Begin, s.overview.End))
}

// FlushSettled delivers a pending DomainSettled notification immediately.
func (s *State) FlushSettled() { s.settle.Flush() }

// SetSelection replaces the selection wholesale, stamping sel with the next
// global id. It does not deduplicate: callers that care must compare first.
func (s *State) SetSelection(sel Selection) Selection {
	if sel != nil {
		sel = sel.withID(nextSelectionID())
	}
	s.selection = sel
	s.log.Debug(context.Background(), "selection changed", logging.Uint64("selection_id", SelectionID(sel)))
	for _, o := range s.snapshot() {
		o.SelectionChanged(sel)
	}
	return sel
}

// Close drops every observer and any pending settled notification.
func (s *State) Close() {
	s.settle.Cancel()
	s.observers = nil
}

func (s *State) emitSettled() {
	d := s.detail
	for _, o := range s.snapshot() {
		o.DomainSettled(d)
	}
}

func (s *State) snapshot() []Observer {
	out := make([]Observer, len(s.observers))
	for i, slot := range s.observers {
		out[i] = slot.o
	}
	return out
}

func (s *State) resolve(u Update) (Domain, error) {
	ov := s.overview
	begin, end := s.detail.Begin, s.detail.End

	movedBegin := u.Begin != nil && finite(*u.Begin)
	movedEnd := u.End != nil && finite(*u.End)
	if movedBegin {
		begin = *u.Begin
	}
	if movedEnd {
		end = *u.End
	}

	// The anchor is the edge the user is actively placing; when both moved the
	// begin edge wins and the end edge yields.
	anchorBegin := movedBegin || !movedEnd
	if begin > end {
		begin, end = end, begin
		if movedBegin != movedEnd {
			anchorBegin = !anchorBegin
		}
	}

	begin = clamp(begin, ov)
	end = clamp(end, ov)

	minSpan := s.MinSpan()
	if end-begin < minSpan {
		if anchorBegin {
			end = begin + minSpan
			if end > ov.End {
				end = ov.End
				begin = end - minSpan
			}
		} else {
			begin = end - minSpan
			if begin < ov.Begin {
				begin = ov.Begin
				end = begin + minSpan
			}
		}
	}

	out := Domain{Begin: clamp(begin, ov), End: clamp(end, ov)}
	if out.Valid() {
		widenToSpan(&out, ov, minSpan, anchorBegin)
	}
	if !out.Valid() || !ov.Contains(out) {
		return s.detail, &DomainError{Op: "set detail domain", Overview: ov, Reason: "no valid window after clamping " + out.String()}
	}
	return out, nil
}

// widenToSpan steps the yielding edge outward one ulp at a time until the
// span reaches minSpan; begin+minSpan can round short. The anchored edge
// moves only when the yielding edge is pinned at an overview bound.
// minSpan never exceeds the overview span, so the loop ends.
func widenToSpan(d *Domain, ov Domain, minSpan float64, anchorBegin bool) {
	for d.End-d.Begin < minSpan {
		growEnd := d.End < ov.End && (anchorBegin || d.Begin <= ov.Begin)
		if growEnd {
			d.End = math.Nextafter(d.End, math.Inf(1))
		} else {
			d.Begin = math.Nextafter(d.Begin, math.Inf(-1))
		}
	}
}

func clamp(v float64, d Domain) float64 {
	return math.Max(d.Begin, math.Min(d.End, v))
}
