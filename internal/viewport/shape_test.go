package viewport

import (
	"math"
	"math/rand"
	"testing"

	"github.com/signalsfoundry/traceview/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedDetail domain.Domain

func (f fixedDetail) DetailDomain() domain.Domain { return domain.Domain(f) }

func TestComputeSpilloverAndBins(t *testing.T) {
	s := Compute(fixedDetail{Begin: 100, End: 200}, Pixels{Width: 100, Height: 40}, 3, nil)

	assert.Equal(t, domain.Domain{Begin: 0, End: 300}, s.Spillover)
	assert.Equal(t, 300, s.Bins, "one bin per pixel of spillover width")
	assert.Equal(t, 1.0, s.ZoomFactor)
	assert.Equal(t, -100.0, s.LeftOffset, "raster starts at the spillover start")
	assert.Equal(t, 40.0, s.ChartHeight)
}

func TestComputeRoundsSpilloverOutward(t *testing.T) {
	s := Compute(fixedDetail{Begin: 10.2, End: 10.9}, Pixels{Width: 50}, 3, nil)
	assert.Equal(t, domain.Domain{Begin: 9, End: 12}, s.Spillover)
	assert.True(t, s.Spillover.Contains(s.Detail))
}

func TestComputeClampsTinyWidth(t *testing.T) {
	for _, w := range []float64{0, -20, 0.3} {
		s := Compute(fixedDetail{Begin: 0, End: 1000}, Pixels{Width: w}, 3, nil)
		assert.Equal(t, 1.0, s.ChartWidth)
		assert.GreaterOrEqual(t, s.Bins, 1)
	}
}

func TestComputeDefaultsBadSpilloverFactor(t *testing.T) {
	a := Compute(fixedDetail{Begin: 0, End: 90}, Pixels{Width: 90}, 0, nil)
	b := Compute(fixedDetail{Begin: 0, End: 90}, Pixels{Width: 90}, DefaultSpilloverFactor, nil)
	assert.Equal(t, b, a)

	c := Compute(fixedDetail{Begin: 0, End: 90}, Pixels{Width: 90}, 0.5, nil)
	assert.Equal(t, domain.Domain{Begin: 0, End: 90}, c.Spillover, "factors below 1 never shrink the query window")
}

func TestComputeContinuityTransform(t *testing.T) {
	px := Pixels{Width: 100}
	prior := Compute(fixedDetail{Begin: 100, End: 200}, px, 3, nil) // spillover [0, 300]
	require.Equal(t, domain.Domain{Begin: 0, End: 300}, prior.Spillover)

	// Zoom in 2x around the same center.
	s := Compute(fixedDetail{Begin: 125, End: 175}, px, 3, &prior)
	require.Equal(t, domain.Domain{Begin: 75, End: 225}, s.Spillover)
	assert.Equal(t, 2.0, s.ZoomFactor)
	// The old raster starts at t=0, which is x=(0-125)/50*100 = -250 now.
	assert.Equal(t, -250.0, s.LeftOffset)

	// Scaled by ZoomFactor, the old raster's right edge lands where the new
	// scale puts the old window's end.
	sc := s.Scale()
	assert.InDelta(t, sc.ToPixel(prior.Spillover.End), s.LeftOffset+prior.SpilloverPixels()*s.ZoomFactor, 1e-9)
}

func TestComputePanKeepsZoomFactor(t *testing.T) {
	px := Pixels{Width: 200}
	prior := Compute(fixedDetail{Begin: 0, End: 100}, px, 3, nil)
	s := Compute(fixedDetail{Begin: 10, End: 110}, px, 3, &prior)

	assert.Equal(t, 1.0, s.ZoomFactor)
	assert.InDelta(t, prior.LeftOffset-20, s.LeftOffset, 1e-9, "panning right by 10 units shifts the raster 20px left")
}

func TestSpilloverPropertyForRandomWindows(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 1000; i++ {
		begin := rng.Float64()*1e6 - 5e5
		span := 1 + rng.Float64()*1e4
		factor := 1 + rng.Float64()*5
		width := 1 + rng.Float64()*3000
		d := fixedDetail{Begin: begin, End: begin + span}

		s := Compute(d, Pixels{Width: width}, factor, nil)
		require.True(t, s.Spillover.Contains(s.Detail), "spillover %v must contain %v", s.Spillover, s.Detail)
		require.Equal(t, math.Floor(s.Spillover.Begin), s.Spillover.Begin)
		require.Equal(t, math.Ceil(s.Spillover.End), s.Spillover.End)

		exact := span * factor
		require.GreaterOrEqual(t, s.Spillover.Span(), exact-1e-6)
		require.LessOrEqual(t, s.Spillover.Span(), exact+2+1e-6, "rounding widens by less than one unit per side")
		require.GreaterOrEqual(t, s.Bins, 1)
	}
}

func TestScaleRoundTrip(t *testing.T) {
	sc := Scale{Domain: domain.Domain{Begin: 1000, End: 3000}, Width: 400}
	assert.Equal(t, 0.0, sc.ToPixel(1000))
	assert.Equal(t, 400.0, sc.ToPixel(3000))
	assert.InDelta(t, 1500.0, sc.ToTime(sc.ToPixel(1500)), 1e-9)
	assert.Equal(t, 0.2, sc.PixelsPerUnit())
}

func TestSameWindow(t *testing.T) {
	a := Compute(fixedDetail{Begin: 0.25, End: 100.25}, Pixels{Width: 100}, 3, nil)
	b := Compute(fixedDetail{Begin: 0.5, End: 100.5}, Pixels{Width: 100}, 3, nil)
	c := Compute(fixedDetail{Begin: 0.25, End: 100.25}, Pixels{Width: 120}, 3, nil)

	assert.True(t, a.SameWindow(b), "sub-unit pans round to the same query window")
	assert.False(t, a.SameWindow(c), "a resize changes the bin count")
}
