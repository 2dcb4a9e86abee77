// Package viewport turns a detail domain and the pixels available to a chart
// into the query window, resolution and raster transform for one render.
package viewport

import (
	"math"

	"github.com/signalsfoundry/traceview/internal/domain"
)

// DefaultSpilloverFactor is how much wider than the visible window each
// chart fetches, so panning or zooming out within the margin needs no request.
const DefaultSpilloverFactor = 3.0

// DetailSource supplies the current detail window. *domain.State satisfies it.
type DetailSource interface {
	DetailDomain() domain.Domain
}

// Pixels is the drawable area of a chart.
type Pixels struct {
	Width  float64
	Height float64
}

// Shape is the derived geometry and query parameters of one render cycle.
// It is a value: recompute it, never mutate it.
type Shape struct {
	ChartWidth  float64
	ChartHeight float64

	// Detail is the visible window.
	Detail domain.Domain
	// Spillover is Detail widened by the spillover factor and rounded outward
	// to integers; it is the window sent to the data source.
	Spillover domain.Domain
	// Bins is the requested resolution: one bin per pixel of spillover width.
	Bins int

	// ZoomFactor and LeftOffset place the raster of the last full render
	// (which covered that render's spillover window) into this shape: scale
	// it horizontally by ZoomFactor and put its left edge at pixel LeftOffset.
	ZoomFactor float64
	LeftOffset float64
}

// Compute derives the shape for the current detail window of src.
// prior is the shape of the last full render, or nil.
func Compute(src DetailSource, px Pixels, spilloverFactor float64, prior *Shape) Shape {
	detail := src.DetailDomain()
	width := math.Max(1, px.Width)
	height := math.Max(0, px.Height)

	if !(spilloverFactor > 0) || math.IsInf(spilloverFactor, 0) {
		spilloverFactor = DefaultSpilloverFactor
	}
	spilloverFactor = math.Max(1, spilloverFactor)

	center := detail.Center()
	half := detail.Span() * spilloverFactor / 2
	spill := domain.Domain{
		Begin: math.Floor(center - half),
		End:   math.Ceil(center + half),
	}

	s := Shape{
		ChartWidth:  width,
		ChartHeight: height,
		Detail:      detail,
		Spillover:   spill,
	}
	scale := s.Scale()
	s.Bins = int(math.Max(1, math.Ceil(s.SpilloverPixels())))

	if prior != nil && prior.Spillover.Span() > 0 {
		s.ZoomFactor = prior.Spillover.Span() / spill.Span()
		s.LeftOffset = scale.ToPixel(prior.Spillover.Begin)
	} else {
		s.ZoomFactor = 1
		s.LeftOffset = scale.ToPixel(spill.Begin)
	}
	return s
}

// Scale maps the detail window onto [0, ChartWidth].
func (s Shape) Scale() Scale {
	return Scale{Domain: s.Detail, Width: s.ChartWidth}
}

// SpilloverPixels is the width in pixels of the spillover window at this
// shape's scale; a full render's raster has this width.
func (s Shape) SpilloverPixels() float64 {
	span := s.Detail.Span()
	if span <= 0 {
		return 0
	}
	return s.Spillover.Span() * s.ChartWidth / span
}

// SameWindow reports whether two shapes would issue the same query window.
func (s Shape) SameWindow(other Shape) bool {
	return s.Spillover.Equal(other.Spillover) && s.Bins == other.Bins
}

// Scale is a linear map between a time window and a pixel range.
type Scale struct {
	Domain domain.Domain
	Width  float64
}

// ToPixel maps a timestamp to an x coordinate.
func (sc Scale) ToPixel(t float64) float64 {
	span := sc.Domain.Span()
	if span <= 0 {
		return 0
	}
	return (t - sc.Domain.Begin) / span * sc.Width
}

// ToTime maps an x coordinate back to a timestamp.
func (sc Scale) ToTime(x float64) float64 {
	if sc.Width <= 0 {
		return sc.Domain.Begin
	}
	return sc.Domain.Begin + x/sc.Width*sc.Domain.Span()
}

// PixelsPerUnit is the horizontal resolution of the scale.
func (sc Scale) PixelsPerUnit() float64 {
	span := sc.Domain.Span()
	if span <= 0 {
		return 0
	}
	return sc.Width / span
}
