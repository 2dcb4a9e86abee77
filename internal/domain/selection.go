package domain

import (
	"strconv"
	"sync/atomic"
)

// SelectionKind tags a Selection variant.
type SelectionKind string

const (
	KindPrimitive     SelectionKind = "primitive"
	KindInterval      SelectionKind = "interval"
	KindDurationRange SelectionKind = "duration-range"
)

// Selection is the currently highlighted entity. Values are immutable and
// are replaced wholesale through State.SetSelection, which stamps a fresh id
// so observers detect change by comparing ids.
type Selection interface {
	// ID is the sequence number assigned by SetSelection; zero before that.
	ID() uint64
	Kind() SelectionKind
	// Selectors returns the query selectors this selection contributes to a
	// windowed data request (primitive, location, ...).
	Selectors() map[string]string

	withID(id uint64) Selection
}

// selectionSeq is process-global so ids never repeat across datasets.
var selectionSeq atomic.Uint64

func nextSelectionID() uint64 { return selectionSeq.Add(1) }

// SelectionID returns sel.ID(), or 0 for no selection.
func SelectionID(sel Selection) uint64 {
	if sel == nil {
		return 0
	}
	return sel.ID()
}

// PrimitiveSelection selects every interval of one primitive (task, function).
type PrimitiveSelection struct {
	id   uint64
	Name string
}

func (s PrimitiveSelection) ID() uint64          { return s.id }
func (s PrimitiveSelection) Kind() SelectionKind { return KindPrimitive }
func (s PrimitiveSelection) Selectors() map[string]string {
	return map[string]string{"primitive": s.Name}
}
func (s PrimitiveSelection) withID(id uint64) Selection { s.id = id; return s }

// IntervalSelection selects a single interval instance.
type IntervalSelection struct {
	id         uint64
	IntervalID string
	Primitive  string
	Location   string
	Begin, End float64
}

func (s IntervalSelection) ID() uint64          { return s.id }
func (s IntervalSelection) Kind() SelectionKind { return KindInterval }
func (s IntervalSelection) Selectors() map[string]string {
	out := map[string]string{}
	if s.Primitive != "" {
		out["primitive"] = s.Primitive
	}
	if s.Location != "" {
		out["location"] = s.Location
	}
	return out
}
func (s IntervalSelection) withID(id uint64) Selection { s.id = id; return s }

// DurationRangeSelection selects the intervals of a primitive whose duration
// falls inside [MinDuration, MaxDuration].
type DurationRangeSelection struct {
	id          uint64
	Primitive   string
	MinDuration float64
	MaxDuration float64
}

func (s DurationRangeSelection) ID() uint64          { return s.id }
func (s DurationRangeSelection) Kind() SelectionKind { return KindDurationRange }
func (s DurationRangeSelection) Selectors() map[string]string {
	return map[string]string{
		"primitive":   s.Primitive,
		"minDuration": strconv.FormatFloat(s.MinDuration, 'f', -1, 64),
		"maxDuration": strconv.FormatFloat(s.MaxDuration, 'f', -1, 64),
	}
}
func (s DurationRangeSelection) withID(id uint64) Selection { s.id = id; return s }
