package tracedata

import (
	"fmt"
	"math"
	"strconv"
)

// Filter narrows a query to a primitive, a set of locations and a duration
// range. The zero Filter matches everything.
type Filter struct {
	Primitive   string
	Locations   []string
	MinDuration float64
	MaxDuration float64 // 0 means unbounded
}

// ParseFilter reads the selector keys "primitive", "minDuration" and
// "maxDuration". Unknown keys are ignored.
func ParseFilter(selectors map[string]string, locations []string) (Filter, error) {
	f := Filter{Primitive: selectors["primitive"], Locations: locations}
	var err error
	if v, ok := selectors["minDuration"]; ok && v != "" {
		if f.MinDuration, err = strconv.ParseFloat(v, 64); err != nil || math.IsNaN(f.MinDuration) {
			return f, fmt.Errorf("%w: minDuration %q", ErrInvalidWindow, v)
		}
	}
	if v, ok := selectors["maxDuration"]; ok && v != "" {
		if f.MaxDuration, err = strconv.ParseFloat(v, 64); err != nil || math.IsNaN(f.MaxDuration) {
			return f, fmt.Errorf("%w: maxDuration %q", ErrInvalidWindow, v)
		}
	}
	if f.MaxDuration > 0 && f.MaxDuration < f.MinDuration {
		return f, fmt.Errorf("%w: maxDuration %g below minDuration %g", ErrInvalidWindow, f.MaxDuration, f.MinDuration)
	}
	return f, nil
}

func (f Filter) match(iv Interval) bool {
	if f.Primitive != "" && iv.Primitive != f.Primitive {
		return false
	}
	d := iv.Duration()
	if d < f.MinDuration {
		return false
	}
	return f.MaxDuration <= 0 || d <= f.MaxDuration
}

func (f Filter) hasLocation(loc string) bool {
	if len(f.Locations) == 0 {
		return true
	}
	for _, l := range f.Locations {
		if l == loc {
			return true
		}
	}
	return false
}

// locations returns the filtered subset of all, keeping the order of all.
func (f Filter) locations(all []string) []string {
	if len(f.Locations) == 0 {
		return all
	}
	out := make([]string, 0, len(f.Locations))
	for _, l := range all {
		if f.hasLocation(l) {
			out = append(out, l)
		}
	}
	return out
}
