package rasterchart

import (
	"bytes"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strconv"
	"testing"

	"github.com/signalsfoundry/traceview/internal/cache"
	"github.com/signalsfoundry/traceview/internal/domain"
	"github.com/signalsfoundry/traceview/internal/fetch"
	"github.com/signalsfoundry/traceview/internal/viewport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wcharczuk/go-chart/v2/drawing"
)

type staticData struct {
	entries  map[string]cache.Entry
	incoming map[string]*fetch.Payload
}

func (d staticData) Names() []string {
	var out []string
	for k := range d.entries {
		out = append(out, k)
	}
	return out
}

func (d staticData) Entry(name string) (cache.Entry, bool) {
	e, ok := d.entries[name]
	return e, ok
}

func (d staticData) Incoming(name string) *fetch.Payload { return d.incoming[name] }

type fixedDetail domain.Domain

func (f fixedDetail) DetailDomain() domain.Domain { return domain.Domain(f) }

var red = drawing.Color{R: 200, A: 255}

func isWhite(c color.Color) bool {
	r, g, b, _ := c.RGBA()
	return r == 0xffff && g == 0xffff && b == 0xffff
}

func TestQuickDrawBeforeFirstRenderShowsBlankFrame(t *testing.T) {
	r := New(Config{Series: []Series{{Resource: "utilization"}}})
	sh := viewport.Compute(fixedDetail{Begin: 0, End: 100}, viewport.Pixels{Width: 80, Height: 30}, 3, nil)

	r.QuickDraw(sh)
	require.NotNil(t, r.Frame())
	assert.Equal(t, image.Rect(0, 0, 80, 30), r.Frame().Bounds())
}

func TestQuickDrawShiftsAndScalesLastRaster(t *testing.T) {
	r := New(Config{Series: []Series{{Resource: "intervals", Kind: Intervals, Color: red}}})
	px := viewport.Pixels{Width: 100, Height: 20}
	full := viewport.Compute(fixedDetail{Begin: 100, End: 200}, px, 3, nil) // spillover [0, 300]

	iv, _ := json.Marshal(map[string]any{"begin": 0, "end": 300, "location": "rank-0"})
	p := fetch.NewPayload(fetch.Metadata{Begin: 0, End: 300, Bins: full.Bins})
	p.Put("0", iv)
	data := staticData{entries: map[string]cache.Entry{"intervals": {Payload: p, Status: cache.StatusReady}}}
	require.NoError(t, r.Draw(full, data))
	assert.False(t, isWhite(r.Frame().At(50, 5)), "the bar covers the visible window")

	// Pan right by half a window: the raster's left edge moves to x=-150, so
	// everything stays covered.
	pan := viewport.Compute(fixedDetail{Begin: 150, End: 250}, px, 3, &full)
	r.QuickDraw(pan)
	assert.False(t, isWhite(r.Frame().At(5, 5)))
	assert.False(t, isWhite(r.Frame().At(95, 5)))

	// Pan past the end of the fetched window: the right part is uncovered.
	far := viewport.Compute(fixedDetail{Begin: 250, End: 350}, px, 3, &full)
	r.QuickDraw(far)
	assert.False(t, isWhite(r.Frame().At(20, 5)))
	assert.True(t, isWhite(r.Frame().At(80, 5)), "x=80 is t=330, beyond the raster")

	// Zoom out 2x around the same center: the raster shrinks to half width.
	out := viewport.Compute(fixedDetail{Begin: 50, End: 250}, px, 3, &full)
	require.InDelta(t, 0.5, out.ZoomFactor, 1e-9)
	r.QuickDraw(out)
	assert.False(t, isWhite(r.Frame().At(50, 5)))
}

func TestDrawRendersLineSeries(t *testing.T) {
	r := New(Config{Title: "util", Series: []Series{{Resource: "utilization", Color: red}}})
	sh := viewport.Compute(fixedDetail{Begin: 0, End: 100}, viewport.Pixels{Width: 100, Height: 40}, 1, nil)

	p := fetch.NewPayload(fetch.Metadata{Begin: 0, End: 100, Bins: sh.Bins})
	for i := 0; i < sh.Bins; i++ {
		p.Put(strconv.Itoa(i), json.RawMessage(`1`))
	}
	data := staticData{entries: map[string]cache.Entry{"utilization": {Payload: p, Status: cache.StatusReady}}}
	require.NoError(t, r.Draw(sh, data))
	assert.Empty(t, r.Status())

	painted := 0
	b := r.Frame().Bounds()
	for x := b.Min.X; x < b.Max.X; x++ {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			if !isWhite(r.Frame().At(x, y)) {
				painted++
			}
		}
	}
	assert.Greater(t, painted, 0)

	var buf bytes.Buffer
	require.NoError(t, r.WritePNG(&buf))
	img, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, b, img.Bounds())
}

func TestBinsArePlacedInTheWindowTheyWereFetchedFor(t *testing.T) {
	px := viewport.Pixels{Width: 100, Height: 20}
	panned := viewport.Compute(fixedDetail{Begin: 200, End: 300}, px, 3, nil) // spillover [100, 400]
	md := fetch.Metadata{Begin: 0, End: 300, Bins: 3}

	xs, ys := binSeries(md, panned, map[int]float64{0: 1, 1: 2, 2: 3})
	assert.Equal(t, []float64{150, 250}, xs, "bin 0 covers [0, 100] and lies outside the shape")
	assert.Equal(t, []float64{2, 3}, ys)

	xs, _ = binSeries(fetch.Metadata{}, panned, map[int]float64{0: 1})
	require.Len(t, xs, 1)
	assert.InDelta(t, 100+panned.Spillover.Span()/float64(panned.Bins)/2, xs[0], 1e-9, "no metadata falls back to the shape")
}

func TestStalePayloadIsNotDrawnIntoAPannedWindow(t *testing.T) {
	r := New(Config{Series: []Series{{Resource: "utilization", Color: red}}})
	px := viewport.Pixels{Width: 100, Height: 40}
	first := viewport.Compute(fixedDetail{Begin: 100, End: 200}, px, 3, nil) // spillover [0, 300]

	p := fetch.NewPayload(fetch.Metadata{Begin: first.Spillover.Begin, End: first.Spillover.End, Bins: first.Bins})
	for i := 0; i < first.Bins; i++ {
		p.Put(strconv.Itoa(i), json.RawMessage(`1`))
	}
	data := staticData{entries: map[string]cache.Entry{"utilization": {Payload: p, Status: cache.StatusReady}}}

	panned := viewport.Compute(fixedDetail{Begin: 400, End: 500}, px, 3, &first) // spillover [300, 600]
	require.NoError(t, r.Draw(panned, data))

	b := r.Frame().Bounds()
	for x := b.Min.X; x < b.Max.X; x++ {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			require.True(t, isWhite(r.Frame().At(x, y)), "data for [0, 300] painted at x=%d under [300, 600]", x)
		}
	}
}

func TestPendingEntryReportsLoading(t *testing.T) {
	stable := fetch.NewPayload(fetch.Metadata{})
	incoming := fetch.NewPayload(fetch.Metadata{})
	incoming.Put("0", json.RawMessage(`1`))
	data := staticData{
		entries:  map[string]cache.Entry{"u": {Payload: stable, Pending: true}},
		incoming: map[string]*fetch.Payload{"u": incoming},
	}
	r := New(Config{Series: []Series{{Resource: "u"}}})
	sh := viewport.Compute(fixedDetail{Begin: 0, End: 10}, viewport.Pixels{Width: 10, Height: 10}, 1, nil)
	require.NoError(t, r.Draw(sh, data))
	assert.Equal(t, "loading u", r.Status())
}

func TestStatusReportsErrors(t *testing.T) {
	data := staticData{entries: map[string]cache.Entry{
		"u": {Status: cache.StatusError, Err: errors.New("boom")},
	}}
	r := New(Config{Series: []Series{{Resource: "u"}}})
	sh := viewport.Compute(fixedDetail{Begin: 0, End: 10}, viewport.Pixels{Width: 10, Height: 10}, 1, nil)
	require.NoError(t, r.Draw(sh, data))
	assert.Equal(t, "error u: boom", r.Status())
}

func TestWritePNGBeforeDrawFails(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, New(Config{}).WritePNG(&buf))
}

func TestParseColor(t *testing.T) {
	assert.Equal(t, drawing.Color{R: 0x1f, G: 0x77, B: 0xb4, A: 255}, ParseColor("#1f77b4"))
	assert.True(t, ParseColor("").IsZero())
	assert.True(t, ParseColor("zzzzzz").IsZero())

	r := New(Config{Series: []Series{{Resource: "a"}}})
	assert.False(t, r.cfg.Series[0].Color.IsZero(), "missing colors are derived")
}
