package render

import "github.com/signalsfoundry/traceview/internal/viewport"

// CursorTracker maps a pointer between pixels and timestamps. The cursor is
// pinned to a timestamp, so it stays on the same instant across zooms.
type CursorTracker interface {
	SetShape(shape viewport.Shape)
	// MoveTo places the cursor at pixel x and returns its timestamp.
	MoveTo(x float64) float64
	// Timestamp returns the pinned timestamp, if the cursor is placed.
	Timestamp() (float64, bool)
	// Pixel returns the cursor's x under the current shape and whether it is
	// inside the chart.
	Pixel() (x float64, visible bool)
	Clear()
}

// Cursor is the default CursorTracker.
type Cursor struct {
	shape viewport.Shape
	t     float64
	set   bool
}

func (c *Cursor) SetShape(shape viewport.Shape) { c.shape = shape }

func (c *Cursor) MoveTo(x float64) float64 {
	c.t = c.shape.Scale().ToTime(x)
	c.set = true
	return c.t
}

func (c *Cursor) Timestamp() (float64, bool) { return c.t, c.set }

func (c *Cursor) Pixel() (float64, bool) {
	if !c.set {
		return 0, false
	}
	x := c.shape.Scale().ToPixel(c.t)
	return x, x >= 0 && x <= c.shape.ChartWidth
}

func (c *Cursor) Clear() { c.set = false }
