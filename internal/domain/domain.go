// Package domain holds the authoritative time window shared by every chart
// observing a dataset, together with the current selection.
package domain

import (
	"fmt"
	"math"
)

// Domain is a closed time window [Begin, End] with Begin < End.
type Domain struct {
	Begin float64 `json:"begin" yaml:"begin"`
	End   float64 `json:"end" yaml:"end"`
}

// Span returns End - Begin.
func (d Domain) Span() float64 { return d.End - d.Begin }

// Center returns the midpoint of the window.
func (d Domain) Center() float64 { return d.Begin + d.Span()/2 }

// Valid reports whether both bounds are finite and Begin < End.
func (d Domain) Valid() bool {
	return finite(d.Begin) && finite(d.End) && d.Begin < d.End
}

// Contains reports whether other lies entirely inside d.
func (d Domain) Contains(other Domain) bool {
	return d.Begin <= other.Begin && other.End <= d.End
}

// Equal compares both bounds exactly.
func (d Domain) Equal(other Domain) bool {
	return d.Begin == other.Begin && d.End == other.End
}

func (d Domain) String() string {
	return fmt.Sprintf("[%g, %g]", d.Begin, d.End)
}

// Update describes a detail-domain mutation. A nil edge is held fixed, which
// lets callers drag one edge at a time.
type Update struct {
	Begin *float64
	End   *float64
}

// BeginAt moves only the begin edge.
func BeginAt(v float64) Update { return Update{Begin: &v} }

// EndAt moves only the end edge.
func EndAt(v float64) Update { return Update{End: &v} }

// Window moves both edges.
func Window(begin, end float64) Update { return Update{Begin: &begin, End: &end} }

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
