// Package render drives a chart through its two-phase draw cycle: a cheap
// quick pass on every domain change and a full pass, backed by the fetch
// cache, once the domain settles.
package render

import (
	"github.com/signalsfoundry/traceview/internal/cache"
	"github.com/signalsfoundry/traceview/internal/fetch"
	"github.com/signalsfoundry/traceview/internal/viewport"
)

// DataSource is the read side of a chart's cache. *cache.Cache satisfies it.
type DataSource interface {
	Names() []string
	Entry(name string) (cache.Entry, bool)
	Incoming(name string) *fetch.Payload
}

// Renderer draws one chart.
type Renderer interface {
	// QuickDraw repositions the last full render for shape using the shape's
	// ZoomFactor and LeftOffset. It must not block or perform I/O.
	QuickDraw(shape viewport.Shape)
	// Draw renders shape from whatever data is available, stale or partial.
	Draw(shape viewport.Shape, data DataSource) error
}

// CurrentPayload picks what a renderer should draw for name: the transient
// payload of a stream in progress once it has records, otherwise the last
// complete payload.
func CurrentPayload(data DataSource, name string) *fetch.Payload {
	if in := data.Incoming(name); in != nil && in.Len() > 0 {
		return in
	}
	if e, ok := data.Entry(name); ok {
		return e.Payload
	}
	return nil
}

// Phase is where a chart is in its draw cycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseDragging
	PhaseSettling
	PhaseFetching
	PhaseRendered
)

func (p Phase) String() string {
	switch p {
	case PhaseDragging:
		return "dragging"
	case PhaseSettling:
		return "settling"
	case PhaseFetching:
		return "fetching"
	case PhaseRendered:
		return "rendered"
	default:
		return "idle"
	}
}
