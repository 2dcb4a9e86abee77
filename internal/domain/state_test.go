package domain

import (
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/signalsfoundry/traceview/internal/sched"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestState(t *testing.T, overview Domain, opts ...Option) (*State, *sched.Fake) {
	t.Helper()
	f := sched.NewFake(epoch)
	st, err := New(overview, f, opts...)
	require.NoError(t, err)
	return st, f
}

func TestNewRejectsDegenerateOverview(t *testing.T) {
	f := sched.NewFake(epoch)
	for _, ov := range []Domain{
		{Begin: 5, End: 5},
		{Begin: 10, End: 0},
		{Begin: math.NaN(), End: 1},
		{Begin: 0, End: math.Inf(1)},
	} {
		_, err := New(ov, f)
		require.Error(t, err, "overview %v", ov)
		assert.True(t, errors.Is(err, ErrInvalidDomain))
		var de *DomainError
		assert.True(t, errors.As(err, &de))
	}
}

func TestSetDetailDomainClampsToOverview(t *testing.T) {
	st, _ := newTestState(t, Domain{Begin: 0, End: 1000})

	got, err := st.SetDetailDomain(BeginAt(-50))
	require.NoError(t, err)
	assert.Equal(t, Domain{Begin: 0, End: 1000}, got)

	got, err = st.SetDetailDomain(Window(-10, 5000))
	require.NoError(t, err)
	assert.Equal(t, Domain{Begin: 0, End: 1000}, got)
}

func TestSetDetailDomainExpandsToMinSpan(t *testing.T) {
	st, _ := newTestState(t, Domain{Begin: 0, End: 1000})

	got, err := st.SetDetailDomain(Window(990, 990.5))
	require.NoError(t, err)
	assert.Equal(t, Domain{Begin: 990, End: 991}, got)

	// Pinned at the right bound, the begin edge has to give way.
	got, err = st.SetDetailDomain(Window(999.8, 1000))
	require.NoError(t, err)
	assert.Equal(t, Domain{Begin: 999, End: 1000}, got)
}

func TestSetDetailDomainSwapsInvertedWindow(t *testing.T) {
	st, _ := newTestState(t, Domain{Begin: 0, End: 1000})

	got, err := st.SetDetailDomain(Window(700, 200))
	require.NoError(t, err)
	assert.Equal(t, Domain{Begin: 200, End: 700}, got)
}

func TestDraggingOneEdgeKeepsTheOtherFixed(t *testing.T) {
	st, _ := newTestState(t, Domain{Begin: 0, End: 1000})
	_, err := st.SetDetailDomain(Window(100, 500))
	require.NoError(t, err)

	got, err := st.SetDetailDomain(BeginAt(250))
	require.NoError(t, err)
	assert.Equal(t, Domain{Begin: 250, End: 500}, got)

	got, err = st.SetDetailDomain(EndAt(800))
	require.NoError(t, err)
	assert.Equal(t, Domain{Begin: 250, End: 800}, got)

	// Dragging begin onto end: the dragged edge stays put, end is forced out.
	got, err = st.SetDetailDomain(BeginAt(800))
	require.NoError(t, err)
	assert.Equal(t, Domain{Begin: 800, End: 801}, got)

	// Dragging end onto begin: the dragged edge stays put, begin is forced back.
	_, err = st.SetDetailDomain(Window(300, 600))
	require.NoError(t, err)
	got, err = st.SetDetailDomain(EndAt(300))
	require.NoError(t, err)
	assert.Equal(t, Domain{Begin: 299, End: 300}, got)
}

func TestDraggingEdgeAtBoundForcesOtherEdge(t *testing.T) {
	st, _ := newTestState(t, Domain{Begin: 0, End: 1000})
	_, err := st.SetDetailDomain(Window(500, 1000))
	require.NoError(t, err)

	got, err := st.SetDetailDomain(BeginAt(1200))
	require.NoError(t, err)
	assert.Equal(t, Domain{Begin: 999, End: 1000}, got)
}

func TestNonFiniteEdgesAreIgnored(t *testing.T) {
	st, _ := newTestState(t, Domain{Begin: 0, End: 1000})
	_, err := st.SetDetailDomain(Window(100, 200))
	require.NoError(t, err)

	got, err := st.SetDetailDomain(Window(math.NaN(), 300))
	require.NoError(t, err)
	assert.Equal(t, Domain{Begin: 100, End: 300}, got)
}

func TestInvariantsHoldForRandomUpdates(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	overviews := []Domain{{Begin: 0, End: 1000}, {Begin: -5, End: 3.5}, {Begin: 1e6, End: 1e6 + 0.25}}

	for _, ov := range overviews {
		st, _ := newTestState(t, ov)
		lo, hi := ov.Begin-ov.Span(), ov.End+ov.Span()
		pick := func() float64 { return lo + rng.Float64()*(hi-lo) }

		for i := 0; i < 2000; i++ {
			var u Update
			switch rng.Intn(3) {
			case 0:
				u = BeginAt(pick())
			case 1:
				u = EndAt(pick())
			default:
				u = Window(pick(), pick())
			}
			d, err := st.SetDetailDomain(u)
			require.NoError(t, err)
			require.True(t, ov.Contains(d), "overview %v does not contain %v", ov, d)
			require.Less(t, d.Begin, d.End)
			require.GreaterOrEqual(t, d.Span(), st.MinSpan(), "span of %v", d)
		}
	}
}

func TestMinSpanHoldsExactlyForCollapsedWindows(t *testing.T) {
	ov := Domain{Begin: 0, End: 1000}
	st, _ := newTestState(t, ov, WithMinSpan(0.1))
	rng := rand.New(rand.NewSource(11))

	for i := 0; i < 20000; i++ {
		b := rng.Float64() * 1000
		var u Update
		switch i % 3 {
		case 0:
			u = Window(b, b)
		case 1:
			u = BeginAt(b)
		default:
			u = EndAt(b)
		}
		d, err := st.SetDetailDomain(u)
		require.NoError(t, err)
		require.True(t, ov.Contains(d), "overview %v does not contain %v", ov, d)
		require.GreaterOrEqual(t, d.End-d.Begin, 0.1, "window %v from %v", d, b)
	}

	d, err := st.SetDetailDomain(Window(999.97, 999.97))
	require.NoError(t, err)
	assert.Equal(t, 1000.0, d.End, "the end is pinned, so the begin edge yields")
	assert.GreaterOrEqual(t, d.End-d.Begin, 0.1)
}

func TestOverviewNarrowerThanMinSpan(t *testing.T) {
	st, _ := newTestState(t, Domain{Begin: 0, End: 0.5})
	assert.Equal(t, 0.5, st.MinSpan())

	got, err := st.SetDetailDomain(Window(0.2, 0.3))
	require.NoError(t, err)
	assert.Equal(t, Domain{Begin: 0, End: 0.5}, got)
}

func TestSyncNotificationsAreImmediateAndSettledIsDebounced(t *testing.T) {
	st, f := newTestState(t, Domain{Begin: 0, End: 1000}, WithSettleDelay(50*time.Millisecond))

	var synced, settled []Domain
	st.Observe(ObserverFuncs{
		Changed: func(d Domain) { synced = append(synced, d) },
		Settled: func(d Domain) { settled = append(settled, d) },
	})

	for i := 1; i <= 5; i++ {
		_, err := st.SetDetailDomain(BeginAt(float64(i * 10)))
		require.NoError(t, err)
		require.Len(t, synced, i, "sync notification must be delivered before SetDetailDomain returns")
		f.Advance(20 * time.Millisecond)
	}
	assert.Empty(t, settled)
	assert.True(t, st.SettlePending())

	f.Advance(50 * time.Millisecond)
	require.Len(t, settled, 1)
	assert.Equal(t, Domain{Begin: 50, End: 1000}, settled[0])
	assert.False(t, st.SettlePending())
}

func TestUnchangedDomainEmitsNothing(t *testing.T) {
	st, f := newTestState(t, Domain{Begin: 0, End: 1000})
	calls := 0
	st.Observe(ObserverFuncs{Changed: func(Domain) { calls++ }, Settled: func(Domain) { calls++ }})

	_, err := st.SetDetailDomain(BeginAt(-50))
	require.NoError(t, err)
	f.Advance(time.Second)
	assert.Zero(t, calls)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	st, _ := newTestState(t, Domain{Begin: 0, End: 1000})
	a, b := 0, 0
	unsubA := st.Observe(ObserverFuncs{Changed: func(Domain) { a++ }})
	st.Observe(ObserverFuncs{Changed: func(Domain) { b++ }})

	_, _ = st.SetDetailDomain(BeginAt(10))
	unsubA()
	_, _ = st.SetDetailDomain(BeginAt(20))

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
}

func TestSetSelectionStampsIncreasingIDs(t *testing.T) {
	st, _ := newTestState(t, Domain{Begin: 0, End: 1000})
	var seen []Selection
	st.Observe(ObserverFuncs{Selection: func(s Selection) { seen = append(seen, s) }})

	first := st.SetSelection(PrimitiveSelection{Name: "compute"})
	second := st.SetSelection(PrimitiveSelection{Name: "compute"})
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Greater(t, second.ID(), first.ID(), "identical selections still get fresh ids")
	assert.Equal(t, second, st.Selection())

	cleared := st.SetSelection(nil)
	assert.Nil(t, cleared)
	assert.Zero(t, SelectionID(st.Selection()))
	assert.Len(t, seen, 3)
}

func TestSelectionSelectors(t *testing.T) {
	sel := DurationRangeSelection{Primitive: "io", MinDuration: 1.5, MaxDuration: 20}
	assert.Equal(t, map[string]string{"primitive": "io", "minDuration": "1.5", "maxDuration": "20"}, sel.Selectors())

	iv := IntervalSelection{IntervalID: "7", Location: "rank-3"}
	assert.Equal(t, map[string]string{"location": "rank-3"}, iv.Selectors())
	assert.Equal(t, KindInterval, iv.Kind())
}

func TestZoomPanAndReset(t *testing.T) {
	st, _ := newTestState(t, Domain{Begin: 0, End: 1000})

	got, err := st.ZoomAround(500, 0.5)
	require.NoError(t, err)
	assert.Equal(t, Domain{Begin: 250, End: 750}, got)

	got, err = st.Pan(400)
	require.NoError(t, err)
	assert.Equal(t, Domain{Begin: 500, End: 1000}, got, "pan stops at the overview bound without shrinking")

	got, err = st.ResetDetail()
	require.NoError(t, err)
	assert.Equal(t, st.OverviewDomain(), got)
}

func TestInitialDetailIsClamped(t *testing.T) {
	st, _ := newTestState(t, Domain{Begin: 0, End: 100}, WithInitialDetail(Domain{Begin: -10, End: 40}))
	assert.Equal(t, Domain{Begin: 0, End: 40}, st.DetailDomain())
}

func TestCloseDropsPendingSettle(t *testing.T) {
	st, f := newTestState(t, Domain{Begin: 0, End: 1000})
	settled := 0
	st.Observe(ObserverFuncs{Settled: func(Domain) { settled++ }})

	_, _ = st.SetDetailDomain(BeginAt(10))
	st.Close()
	f.Advance(time.Second)
	assert.Zero(t, settled)
}
