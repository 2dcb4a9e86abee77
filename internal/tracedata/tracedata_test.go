package tracedata

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/signalsfoundry/traceview/internal/domain"
	"github.com/signalsfoundry/traceview/timectrl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallDataset(t *testing.T) *Dataset {
	t.Helper()
	ds, err := NewDataset("small", []Interval{
		{Begin: 5, End: 10, Location: "rank-b", Primitive: "io"},
		{Begin: 0, End: 10, Location: "rank-a", Primitive: "compute"},
		{Begin: 1, End: 1.1, Location: "rank-a", Primitive: "copy"},
	}, map[string][]Sample{
		"memory": {{T: 7, V: 10}, {T: 0, V: 1}, {T: 1, V: 3}},
	})
	require.NoError(t, err)
	return ds
}

func window(b, e float64) domain.Domain { return domain.Domain{Begin: b, End: e} }

func TestNewDatasetIndexesRecords(t *testing.T) {
	ds := smallDataset(t)
	info := ds.Info()
	assert.Equal(t, window(0, 10), info.Overview)
	assert.Equal(t, []string{"rank-a", "rank-b"}, info.Locations)
	assert.Equal(t, []string{"compute", "copy", "io"}, info.Primitives)
	assert.Equal(t, []string{"memory"}, info.Metrics)

	ivs, err := ds.Intervals(window(0, 10), 100, Filter{})
	require.NoError(t, err)
	require.Len(t, ivs, 3)
	assert.Equal(t, []string{"0", "1", "2"}, []string{ivs[0].ID, ivs[1].ID, ivs[2].ID})
	assert.Equal(t, "rank-b", ivs[2].Location, "sorted by begin")
}

func TestNewDatasetRejectsBadInput(t *testing.T) {
	_, err := NewDataset("empty", nil, nil)
	assert.True(t, errors.Is(err, ErrEmptyDataset))

	_, err = NewDataset("inverted", []Interval{{Begin: 3, End: 1}}, nil)
	assert.True(t, errors.Is(err, ErrInvalidInterval))
}

func TestUtilizationBinsBusyFraction(t *testing.T) {
	ds := smallDataset(t)

	u, err := ds.Utilization(window(0, 10), 2, Filter{})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.5, 1}, u, 1e-9, "overlapping intervals on rank-a count once")

	u, err = ds.Utilization(window(0, 10), 2, Filter{Primitive: "io"})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0, 0.5}, u, 1e-9)

	u, err = ds.Utilization(window(0, 10), 2, Filter{Locations: []string{"rank-b"}})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0, 1}, u, 1e-9)

	u, err = ds.Utilization(window(20, 30), 4, Filter{})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 0, 0}, u)
}

func TestIntervalsDropSubBinRecords(t *testing.T) {
	ds := smallDataset(t)

	ivs, err := ds.Intervals(window(0, 10), 1, Filter{})
	require.NoError(t, err)
	assert.Len(t, ivs, 2, "the 0.1-wide interval is below half a bin")

	ivs, err = ds.Intervals(window(6, 9), 100, Filter{Locations: []string{"rank-a"}})
	require.NoError(t, err)
	require.Len(t, ivs, 1)
	assert.Equal(t, "compute", ivs[0].Primitive)

	f, err := ParseFilter(map[string]string{"minDuration": "6"}, nil)
	require.NoError(t, err)
	ivs, err = ds.Intervals(window(0, 10), 100, f)
	require.NoError(t, err)
	require.Len(t, ivs, 1)
	assert.Equal(t, 10.0, ivs[0].Duration())
}

func TestMetricAveragesPerBin(t *testing.T) {
	ds := smallDataset(t)

	m, err := ds.Metric("memory", window(0, 10), 2, Filter{})
	require.NoError(t, err)
	require.Len(t, m, 2)
	assert.Equal(t, 2.0, *m[0])
	assert.Equal(t, 10.0, *m[1])

	m, err = ds.Metric("memory", window(0, 10), 5, Filter{})
	require.NoError(t, err)
	assert.Nil(t, m[1], "empty bins are null")
	require.NotNil(t, m[3])
	assert.Equal(t, 10.0, *m[3])

	_, err = ds.Metric("cpu", window(0, 10), 5, Filter{})
	assert.True(t, errors.Is(err, ErrUnknownMetric))
	_, err = ds.Metric("memory", window(5, 5), 5, Filter{})
	assert.True(t, errors.Is(err, ErrInvalidWindow))
	_, err = ds.Utilization(window(0, 5), 0, Filter{})
	assert.True(t, errors.Is(err, ErrInvalidWindow))
}

func TestParseFilter(t *testing.T) {
	f, err := ParseFilter(map[string]string{"primitive": "io", "minDuration": "1.5", "maxDuration": "20", "other": "x"}, []string{"rank-1"})
	require.NoError(t, err)
	assert.Equal(t, Filter{Primitive: "io", Locations: []string{"rank-1"}, MinDuration: 1.5, MaxDuration: 20}, f)

	_, err = ParseFilter(map[string]string{"minDuration": "soon"}, nil)
	assert.Error(t, err)
	_, err = ParseFilter(map[string]string{"minDuration": "5", "maxDuration": "2"}, nil)
	assert.Error(t, err)
}

func TestLoadFormats(t *testing.T) {
	js := `{"intervals":[{"begin":0,"end":4,"location":"r0","primitive":"p"}],"metrics":{"m":[{"t":1,"v":2}]}}`
	ds, err := Load("j", strings.NewReader(js), FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, []string{"m"}, ds.Info().Metrics)

	yml := "intervals:\n  - {begin: 0, end: 4, location: r0, primitive: p}\n  - {begin: 2, end: 9, location: r1}\n"
	ds, err = Load("y", strings.NewReader(yml), FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, window(0, 9), ds.Overview())

	csvData := "id,begin,end,location,primitive\nfirst,1,2,r0,p\nsecond,3,8,r1,q\n"
	ds, err = Load("c", strings.NewReader(csvData), FormatCSV)
	require.NoError(t, err)
	ivs, err := ds.Intervals(ds.Overview(), 1000, Filter{})
	require.NoError(t, err)
	require.Len(t, ivs, 2)
	assert.Equal(t, "first", ivs[0].ID)

	_, err = Load("c", strings.NewReader("begin,location\n1,r0\n"), FormatCSV)
	assert.Error(t, err)
	_, err = Load("c", strings.NewReader("begin,end\n1,soon\n"), FormatCSV)
	assert.Error(t, err)

	assert.Equal(t, FormatYAML, FormatFor("a/b.YML"))
	assert.Equal(t, FormatCSV, FormatFor("trace.csv"))
	assert.Equal(t, FormatJSON, FormatFor("trace"))
}

func TestSyntheticIsDeterministic(t *testing.T) {
	cfg := SyntheticConfig{Locations: 3, Span: 10_000, MeanDuration: 100, Metrics: []string{"memory"}, Samples: 64, Seed: 9}
	a, err := Synthetic("a", cfg)
	require.NoError(t, err)
	b, err := Synthetic("a", cfg)
	require.NoError(t, err)
	assert.Equal(t, a.Info(), b.Info())

	ua, err := a.Utilization(a.Overview(), 50, Filter{})
	require.NoError(t, err)
	ub, err := b.Utilization(b.Overview(), 50, Filter{})
	require.NoError(t, err)
	assert.Equal(t, ua, ub)
	for _, v := range ua {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0+1e-9)
	}
	assert.Len(t, a.Locations(), 3)
}

func TestStorePreparationDelay(t *testing.T) {
	clock := timectrl.NewManualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s := NewStore(clock)
	defer s.Close()

	var events []Event
	unsubscribe := s.Subscribe(func(e Event) { events = append(events, e) })

	ds := smallDataset(t)
	require.NoError(t, s.Add(ds, 2*time.Second))
	assert.Error(t, s.Add(ds, 0), "duplicate ids are rejected")

	ready, wait, err := s.Ready("small")
	require.NoError(t, err)
	assert.False(t, ready)
	assert.Equal(t, 2*time.Second, wait)

	total, nReady := s.Counts()
	assert.Equal(t, 1, total)
	assert.Zero(t, nReady)

	clock.Advance(2 * time.Second)
	ready, _, err = s.Ready("small")
	require.NoError(t, err)
	assert.True(t, ready)
	assert.Equal(t, []Event{{ID: "small", Ready: false}, {ID: "small", Ready: true}}, events)

	unsubscribe()
	other, err := NewDataset("other", []Interval{{Begin: 0, End: 1}}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Add(other, 0))
	assert.Len(t, events, 2)

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "other", list[0].ID)
	assert.True(t, list[0].Ready)

	_, err = s.Get("missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, _, err = s.Ready("missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStoreCloseStopsPreparation(t *testing.T) {
	clock := timectrl.NewManualClock(time.Unix(0, 0))
	s := NewStore(clock)
	require.NoError(t, s.Add(smallDataset(t), time.Second))
	s.Close()
	clock.Advance(time.Minute)
	ready, _, err := s.Ready("small")
	require.NoError(t, err)
	assert.False(t, ready)
}
