package dataset

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/traceview/internal/cache"
	"github.com/signalsfoundry/traceview/internal/domain"
	"github.com/signalsfoundry/traceview/internal/fetch"
	"github.com/signalsfoundry/traceview/internal/render"
	"github.com/signalsfoundry/traceview/internal/sched"
	"github.com/signalsfoundry/traceview/internal/server"
	"github.com/signalsfoundry/traceview/internal/tracedata"
	"github.com/signalsfoundry/traceview/internal/viewport"
	"github.com/signalsfoundry/traceview/timectrl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	clock  *timectrl.ManualClock
	store  *tracedata.Store
	srv    *server.Server
	client *fetch.Client
	s      *sched.Fake
	reg    *Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := timectrl.NewManualClock(epoch)
	store := tracedata.NewStore(clock)

	small, err := tracedata.NewDataset("small", []tracedata.Interval{
		{ID: "a", Begin: 0, End: 10, Location: "rank-a", Primitive: "compute"},
		{ID: "b", Begin: 5, End: 10, Location: "rank-b", Primitive: "io"},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, store.Add(small, 0))

	slow, err := tracedata.NewDataset("slow", []tracedata.Interval{{Begin: 0, End: 20}}, nil)
	require.NoError(t, err)
	require.NoError(t, store.Add(slow, 5*time.Second))

	srv := server.New(store)
	hs := httptest.NewServer(srv.Handler())
	client, err := fetch.NewClient(hs.URL)
	require.NoError(t, err)

	s := sched.NewFake(epoch)
	reg, err := NewRegistry(client, s, WithSettleDelay(10*time.Millisecond))
	require.NoError(t, err)

	t.Cleanup(func() {
		reg.Close()
		hs.Close()
		srv.Close()
		store.Close()
	})
	return &fixture{clock: clock, store: store, srv: srv, client: client, s: s, reg: reg}
}

// settle drains the scheduler until no chart of sess is fetching.
func (f *fixture) settle(t *testing.T, sess *Session) {
	t.Helper()
	require.Eventually(t, func() bool {
		f.s.RunPending()
		return !sess.Pending()
	}, 5*time.Second, time.Millisecond)
}

type countingRenderer struct {
	mu    sync.Mutex
	draws int
}

func (r *countingRenderer) QuickDraw(viewport.Shape) {}

func (r *countingRenderer) Draw(viewport.Shape, render.DataSource) error {
	r.mu.Lock()
	r.draws++
	r.mu.Unlock()
	return nil
}

func utilizationChart() ChartSpec {
	return ChartSpec{
		Name:      "util",
		Resources: []cache.Resource{{Name: fetch.ResourceUtilization}},
		Size:      viewport.Pixels{Width: 40, Height: 10},
	}
}

func TestOpenBuildsStateFromOverview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.reg.Open(ctx, "small")
	require.NoError(t, err)
	assert.Equal(t, domain.Domain{Begin: 0, End: 10}, sess.State().OverviewDomain())
	assert.Equal(t, domain.Domain{Begin: 0, End: 10}, sess.State().DetailDomain())
	assert.True(t, sess.Info().Ready)

	again, err := f.reg.Open(ctx, "small")
	require.NoError(t, err)
	assert.Same(t, sess, again)
	assert.Equal(t, []string{"small"}, f.reg.OpenIDs())

	_, err = f.reg.Open(ctx, "nope")
	assert.True(t, errors.Is(err, ErrUnknownDataset))
}

func TestChartsShareStateAndCloseClearsCaches(t *testing.T) {
	f := newFixture(t)
	sess, err := f.reg.Open(context.Background(), "small")
	require.NoError(t, err)

	r := &countingRenderer{}
	util, err := sess.AddChart(utilizationChart(), r)
	require.NoError(t, err)
	_, err = sess.AddChart(ChartSpec{
		Name:      "intervals",
		Resources: []cache.Resource{{Name: fetch.ResourceIntervals}},
		Size:      viewport.Pixels{Width: 40, Height: 10},
	}, r)
	require.NoError(t, err)
	_, err = sess.AddChart(utilizationChart(), r)
	assert.Error(t, err, "chart names are unique per session")

	sess.Refresh()
	f.settle(t, sess)
	e, ok := util.Cache().Entry(fetch.ResourceUtilization)
	require.True(t, ok)
	assert.Equal(t, cache.StatusReady, e.Status)
	assert.Equal(t, 120, e.Payload.Metadata.Bins, "one bin per spillover pixel")

	_, err = sess.State().ZoomAround(5, 0.5)
	require.NoError(t, err)
	f.s.Advance(10 * time.Millisecond)
	f.settle(t, sess)
	for _, c := range sess.Charts() {
		assert.Equal(t, sess.State().DetailDomain(), c.Shape().Detail, c.Name())
	}

	sess.Close()
	e, _ = util.Cache().Entry(fetch.ResourceUtilization)
	assert.Equal(t, cache.StatusEmpty, e.Status)
	assert.Nil(t, e.Payload)
	assert.Empty(t, f.reg.OpenIDs())
	_, ok = f.reg.Session("small")
	assert.False(t, ok)

	_, err = sess.AddChart(utilizationChart(), r)
	assert.True(t, errors.Is(err, ErrClosed))
	sess.Close()
}

func TestWatchReadinessRefetchesNotReadyResources(t *testing.T) {
	f := newFixture(t)
	sess, err := f.reg.Open(context.Background(), "slow")
	require.NoError(t, err)
	assert.False(t, sess.Info().Ready)

	util, err := sess.AddChart(utilizationChart(), &countingRenderer{})
	require.NoError(t, err)
	sess.Refresh()
	f.settle(t, sess)
	e, _ := util.Cache().Entry(fetch.ResourceUtilization)
	require.True(t, fetch.IsNotReady(e.Err), "got %v", e.Err)
	assert.Equal(t, cache.StatusLoading, e.Status)

	done := sess.WatchReadiness(ListChecker{Client: f.client}, Backoff{
		InitialInterval: 2 * time.Millisecond,
		MaxInterval:     10 * time.Millisecond,
		Timeout:         5 * time.Second,
	})
	f.clock.Advance(5 * time.Second)

	var waitErr error
	require.Eventually(t, func() bool {
		f.s.RunPending()
		select {
		case waitErr = <-done:
			return true
		default:
			return false
		}
	}, 5*time.Second, time.Millisecond)
	require.NoError(t, waitErr)
	assert.True(t, sess.Info().Ready)

	f.settle(t, sess)
	e, _ = util.Cache().Entry(fetch.ResourceUtilization)
	assert.Equal(t, cache.StatusReady, e.Status)
	assert.NoError(t, e.Err)
}

func TestHealthCheckerFollowsDatasetStatus(t *testing.T) {
	f := newFixture(t)
	g := server.NewGRPCServer(f.srv)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = g.Serve(lis) }()
	t.Cleanup(g.Stop)

	conn, err := DialHealth(lis.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	hc := NewHealthChecker(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ok, err := hc.Ready(ctx, "small")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = hc.Ready(ctx, "slow")
	require.NoError(t, err)
	assert.False(t, ok)

	err = WaitReady(ctx, hc, "missing", Backoff{InitialInterval: time.Millisecond}, nil)
	assert.True(t, errors.Is(err, ErrUnknownDataset), "unknown ids are not retried: %v", err)

	f.clock.Advance(5 * time.Second)
	require.NoError(t, WaitReady(ctx, hc, "slow", Backoff{InitialInterval: time.Millisecond}, nil))
}

type scriptedChecker struct {
	mu      sync.Mutex
	answers []error
	calls   int
}

func (c *scriptedChecker) Ready(context.Context, string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if len(c.answers) == 0 {
		return false, nil
	}
	err := c.answers[0]
	c.answers = c.answers[1:]
	if err != nil {
		return false, err
	}
	return true, nil
}

func TestWaitReadyRetriesTransientErrors(t *testing.T) {
	c := &scriptedChecker{answers: []error{errors.New("connection refused"), errors.New("connection refused"), nil}}
	err := WaitReady(context.Background(), c, "x", Backoff{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, c.calls)
}

func TestWaitReadyGivesUpAfterTimeout(t *testing.T) {
	c := &scriptedChecker{}
	err := WaitReady(context.Background(), c, "x", Backoff{
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Timeout:         30 * time.Millisecond,
	}, nil)
	assert.True(t, errors.Is(err, errStillPreparing), "got %v", err)
	assert.Greater(t, c.calls, 1)
}

func TestWaitReadyStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WaitReady(ctx, &scriptedChecker{}, "x", Backoff{InitialInterval: time.Millisecond}, nil)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestNewRegistryRequiresDependencies(t *testing.T) {
	_, err := NewRegistry(nil, sched.NewFake(epoch))
	assert.Error(t, err)
	c, err := fetch.NewClient("http://localhost:1")
	require.NoError(t, err)
	_, err = NewRegistry(c, nil)
	assert.Error(t, err)
}
