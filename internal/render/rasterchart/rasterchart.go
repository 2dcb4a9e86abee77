// Package rasterchart is a render.Renderer that draws charts into images.
// Full passes render the whole spillover window with go-chart; quick passes
// rescale and shift that raster without touching the data.
package rasterchart

import (
	"bytes"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/signalsfoundry/traceview/internal/cache"
	"github.com/signalsfoundry/traceview/internal/fetch"
	"github.com/signalsfoundry/traceview/internal/render"
	"github.com/signalsfoundry/traceview/internal/viewport"
	"github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	// DefaultHeight is used when a shape carries no height.
	DefaultHeight = 120
	// maxRasterWidth caps the spillover raster; wider windows are drawn at
	// reduced resolution and stretched.
	maxRasterWidth = 8192
	laneGap        = 1
)

// Kind selects how a series is drawn.
type Kind int

const (
	// Line draws numeric bins as a filled line.
	Line Kind = iota
	// Intervals draws interval records as bars, one lane per location.
	Intervals
)

// Series binds a cache resource to a drawing style.
type Series struct {
	Resource string
	Kind     Kind
	Color    drawing.Color
}

// Config describes one chart.
type Config struct {
	Title  string
	Series []Series
}

// Renderer draws into an in-memory frame the size of the chart.
type Renderer struct {
	cfg Config

	raster      *image.RGBA
	rasterShape viewport.Shape
	frame       *image.RGBA
	status      string
}

var _ render.Renderer = (*Renderer)(nil)

// New returns a renderer for cfg. Series without a color get one derived
// from their resource name.
func New(cfg Config) *Renderer {
	for i := range cfg.Series {
		if cfg.Series[i].Color.IsZero() {
			cfg.Series[i].Color = colorFor(cfg.Series[i].Resource)
		}
	}
	return &Renderer{cfg: cfg}
}

// Frame returns the last composed frame, or nil before the first pass.
func (r *Renderer) Frame() image.Image {
	if r.frame == nil {
		return nil
	}
	return r.frame
}

// Status returns the overlay text of the last full pass.
func (r *Renderer) Status() string { return r.status }

// WritePNG encodes the current frame.
func (r *Renderer) WritePNG(w io.Writer) error {
	if r.frame == nil {
		return fmt.Errorf("rasterchart: nothing drawn yet")
	}
	return png.Encode(w, r.frame)
}

// QuickDraw implements render.Renderer.
func (r *Renderer) QuickDraw(shape viewport.Shape) {
	r.frame = r.compose(shape, shape.ZoomFactor, shape.LeftOffset)
	if r.raster == nil {
		drawText(r.frame, "loading")
	}
}

// Draw implements render.Renderer.
func (r *Renderer) Draw(shape viewport.Shape, data render.DataSource) error {
	raster, err := r.renderRaster(shape, data)
	if err != nil {
		return err
	}
	r.raster = raster
	r.rasterShape = shape
	r.frame = r.compose(shape, 1, shape.Scale().ToPixel(shape.Spillover.Begin))

	r.status = statusLine(r.cfg.Series, data)
	if r.status != "" {
		drawText(r.frame, r.status)
	}
	return nil
}

func (r *Renderer) compose(shape viewport.Shape, zoom, left float64) *image.RGBA {
	w := int(math.Max(1, math.Round(shape.ChartWidth)))
	h := height(shape)
	frame := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.Draw(frame, frame.Bounds(), image.White, image.Point{}, xdraw.Src)
	if r.raster == nil {
		return frame
	}
	dstW := r.rasterShape.SpilloverPixels() * zoom
	dst := image.Rect(int(math.Round(left)), 0, int(math.Round(left+dstW)), h)
	if dst.Empty() {
		return frame
	}
	xdraw.ApproxBiLinear.Scale(frame, dst, r.raster, r.raster.Bounds(), xdraw.Over, nil)
	return frame
}

func (r *Renderer) renderRaster(shape viewport.Shape, data render.DataSource) (*image.RGBA, error) {
	w := int(math.Min(maxRasterWidth, math.Max(1, math.Ceil(shape.SpilloverPixels()))))
	h := height(shape)
	raster := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.Draw(raster, raster.Bounds(), image.White, image.Point{}, xdraw.Src)

	var lines []chart.Series
	maxY := 0.0
	for _, s := range r.cfg.Series {
		p := render.CurrentPayload(data, s.Resource)
		if p == nil {
			continue
		}
		switch s.Kind {
		case Intervals:
			drawIntervals(raster, shape, p.Keys(), func(k string, v any) error { return p.Decode(k, v) }, s.Color)
		default:
			xs, ys := binSeries(p.Metadata, shape, p.Floats())
			if len(xs) < 2 {
				continue
			}
			for _, y := range ys {
				maxY = math.Max(maxY, y)
			}
			lines = append(lines, chart.ContinuousSeries{
				Name:    s.Resource,
				XValues: xs,
				YValues: ys,
				Style: chart.Style{
					StrokeColor: s.Color,
					StrokeWidth: 1,
					FillColor:   s.Color.WithAlpha(96),
				},
			})
		}
	}
	if len(lines) == 0 {
		return raster, nil
	}

	ch := chart.Chart{
		Width:      w,
		Height:     h,
		Background: chart.Style{Padding: chart.Box{Top: 1, Left: 1, Right: 1, Bottom: 1}},
		XAxis: chart.XAxis{
			Style: chart.Style{Hidden: true},
			Range: &chart.ContinuousRange{Min: shape.Spillover.Begin, Max: shape.Spillover.End},
		},
		YAxis: chart.YAxis{
			Style: chart.Style{Hidden: true},
			Range: &chart.ContinuousRange{Min: 0, Max: math.Max(maxY, 1) * 1.05},
		},
		Series: lines,
	}
	var buf bytes.Buffer
	if err := ch.Render(chart.PNG, &buf); err != nil {
		return nil, fmt.Errorf("rasterchart: render %q: %w", r.cfg.Title, err)
	}
	img, err := png.Decode(&buf)
	if err != nil {
		return nil, fmt.Errorf("rasterchart: decode %q: %w", r.cfg.Title, err)
	}
	xdraw.Draw(raster, raster.Bounds(), img, img.Bounds().Min, xdraw.Over)
	return raster, nil
}

// binSeries places bin i at the center of its slice of the window the
// payload was fetched for, which is not the shape's window while a refetch
// is pending. Bins outside the shape's spillover window are dropped.
func binSeries(md fetch.Metadata, shape viewport.Shape, bins map[int]float64) ([]float64, []float64) {
	idx := make([]int, 0, len(bins))
	for i := range bins {
		idx = append(idx, i)
	}
	sort.Ints(idx)

	begin, end, n := md.Begin, md.End, md.Bins
	if n < 1 || !(end > begin) {
		begin, end, n = shape.Spillover.Begin, shape.Spillover.End, shape.Bins
	}
	if n < 1 {
		n = 1
	}
	width := (end - begin) / float64(n)
	xs := make([]float64, 0, len(idx))
	ys := make([]float64, 0, len(idx))
	for _, i := range idx {
		x := begin + (float64(i)+0.5)*width
		if x < shape.Spillover.Begin || x > shape.Spillover.End {
			continue
		}
		xs = append(xs, x)
		ys = append(ys, bins[i])
	}
	return xs, ys
}

type interval struct {
	Begin     float64 `json:"begin"`
	End       float64 `json:"end"`
	Location  string  `json:"location"`
	Primitive string  `json:"primitive"`
}

func drawIntervals(dst *image.RGBA, shape viewport.Shape, keys []string, decode func(string, any) error, base drawing.Color) {
	var ivs []interval
	lanes := map[string]int{}
	for _, k := range keys {
		var iv interval
		if decode(k, &iv) != nil || !(iv.End > iv.Begin) {
			continue
		}
		ivs = append(ivs, iv)
		lanes[iv.Location] = 0
	}
	if len(ivs) == 0 {
		return
	}
	names := make([]string, 0, len(lanes))
	for name := range lanes {
		names = append(names, name)
	}
	sort.Strings(names)
	for i, name := range names {
		lanes[name] = i
	}

	b := dst.Bounds()
	laneH := float64(b.Dy()) / float64(len(names))
	pxPerUnit := float64(b.Dx()) / shape.Spillover.Span()
	for _, iv := range ivs {
		lane := lanes[iv.Location]
		x0 := int(math.Floor((iv.Begin - shape.Spillover.Begin) * pxPerUnit))
		x1 := int(math.Ceil((iv.End - shape.Spillover.Begin) * pxPerUnit))
		if x1 <= x0 {
			x1 = x0 + 1
		}
		y0 := int(float64(lane) * laneH)
		y1 := int(float64(lane+1)*laneH) - laneGap
		if y1 <= y0 {
			y1 = y0 + 1
		}
		c := base
		if iv.Primitive != "" {
			c = colorFor(iv.Primitive)
		}
		rect := image.Rect(x0, y0, x1, y1).Intersect(b)
		xdraw.Draw(dst, rect, image.NewUniform(c), image.Point{}, xdraw.Src)
	}
}

func statusLine(series []Series, data render.DataSource) string {
	var loading, failed []string
	for _, s := range series {
		e, ok := data.Entry(s.Resource)
		if !ok {
			continue
		}
		switch {
		case e.Status == cache.StatusError:
			failed = append(failed, s.Resource+": "+e.Err.Error())
		case e.Pending || e.Status == cache.StatusLoading:
			loading = append(loading, s.Resource)
		}
	}
	switch {
	case len(failed) > 0:
		return "error " + strings.Join(failed, "; ")
	case len(loading) > 0:
		return "loading " + strings.Join(loading, ", ")
	}
	return ""
}

// drawText writes a status line near the bottom-left corner.
func drawText(dst *image.RGBA, text string) {
	face := basicfont.Face7x13
	b := dst.Bounds()
	dr := &font.Drawer{Dst: dst, Src: image.NewUniform(color.RGBA{A: 255}), Face: face}
	tw := dr.MeasureString(text).Ceil()
	x := b.Min.X + 4
	y := b.Max.Y - 4
	bg := image.NewUniform(color.RGBA{R: 255, G: 255, B: 255, A: 200})
	rect := image.Rect(x-2, y-face.Metrics().Ascent.Ceil()-2, x+tw+2, y+2)
	xdraw.Draw(dst, rect, bg, image.Point{}, xdraw.Over)
	dr.Dot = fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)}
	dr.DrawString(text)
}

func height(shape viewport.Shape) int {
	if shape.ChartHeight < 1 {
		return DefaultHeight
	}
	return int(math.Round(shape.ChartHeight))
}

func colorFor(name string) drawing.Color {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	v := h.Sum32()
	return drawing.Color{R: uint8(40 + v%160), G: uint8(40 + (v>>8)%160), B: uint8(40 + (v>>16)%160), A: 255}
}

// ParseColor accepts a hex color such as "#1f77b4"; empty input yields the
// zero color, which New replaces with a derived one.
func ParseColor(s string) drawing.Color {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 {
		return drawing.Color{}
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return drawing.Color{}
	}
	return drawing.Color{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}
}
