// Package tracedata holds in-memory trace datasets and answers the windowed,
// binned queries the viewer issues: utilization, interval listings and
// sampled metrics.
package tracedata

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/signalsfoundry/traceview/internal/domain"
)

var (
	// ErrEmptyDataset is returned when a dataset has no intervals or samples.
	ErrEmptyDataset = errors.New("empty dataset")
	// ErrInvalidInterval rejects records with non-finite or inverted bounds.
	ErrInvalidInterval = errors.New("invalid interval")
	// ErrUnknownMetric is returned for a metric the dataset does not carry.
	ErrUnknownMetric = errors.New("unknown metric")
	// ErrInvalidWindow rejects a query window or bin count.
	ErrInvalidWindow = errors.New("invalid window")
	// ErrNotFound is returned by Store lookups for unknown dataset ids.
	ErrNotFound = errors.New("dataset not found")
)

// Interval is one task instance executing on a location.
type Interval struct {
	ID        string  `json:"id" yaml:"id"`
	Begin     float64 `json:"begin" yaml:"begin"`
	End       float64 `json:"end" yaml:"end"`
	Location  string  `json:"location" yaml:"location"`
	Primitive string  `json:"primitive" yaml:"primitive"`
}

// Duration returns End - Begin.
func (iv Interval) Duration() float64 { return iv.End - iv.Begin }

// Sample is one metric observation. An empty Location is global.
type Sample struct {
	T        float64 `json:"t" yaml:"t"`
	V        float64 `json:"v" yaml:"v"`
	Location string  `json:"location,omitempty" yaml:"location,omitempty"`
}

// Info summarises a dataset for listings.
type Info struct {
	ID         string        `json:"id"`
	Overview   domain.Domain `json:"overview"`
	Locations  []string      `json:"locations,omitempty"`
	Primitives []string      `json:"primitives,omitempty"`
	Metrics    []string      `json:"metrics,omitempty"`
}

// Dataset is immutable after construction and safe for concurrent queries.
type Dataset struct {
	id         string
	overview   domain.Domain
	intervals  []Interval // by Begin, then Location
	metrics    map[string][]Sample
	locations  []string
	primitives []string
}

// NewDataset validates and indexes the records. Intervals without an id are
// numbered by their position after sorting.
func NewDataset(id string, intervals []Interval, metrics map[string][]Sample) (*Dataset, error) {
	ds := &Dataset{
		id:        id,
		intervals: append([]Interval(nil), intervals...),
		metrics:   make(map[string][]Sample, len(metrics)),
	}
	begin, end := math.Inf(1), math.Inf(-1)

	locs := map[string]struct{}{}
	prims := map[string]struct{}{}
	for i, iv := range ds.intervals {
		if !(domain.Domain{Begin: iv.Begin, End: iv.End}).Valid() {
			return nil, fmt.Errorf("%w: #%d [%g, %g]", ErrInvalidInterval, i, iv.Begin, iv.End)
		}
		begin = math.Min(begin, iv.Begin)
		end = math.Max(end, iv.End)
		locs[iv.Location] = struct{}{}
		prims[iv.Primitive] = struct{}{}
	}
	sort.SliceStable(ds.intervals, func(i, j int) bool {
		a, b := ds.intervals[i], ds.intervals[j]
		if a.Begin != b.Begin {
			return a.Begin < b.Begin
		}
		return a.Location < b.Location
	})
	for i := range ds.intervals {
		if ds.intervals[i].ID == "" {
			ds.intervals[i].ID = strconv.Itoa(i)
		}
	}

	for name, samples := range metrics {
		s := make([]Sample, 0, len(samples))
		for _, sm := range samples {
			if math.IsNaN(sm.T) || math.IsInf(sm.T, 0) || math.IsNaN(sm.V) {
				continue
			}
			s = append(s, sm)
			begin = math.Min(begin, sm.T)
			end = math.Max(end, sm.T)
			if sm.Location != "" {
				locs[sm.Location] = struct{}{}
			}
		}
		sort.SliceStable(s, func(i, j int) bool { return s[i].T < s[j].T })
		ds.metrics[name] = s
	}

	if math.IsInf(begin, 0) || math.IsInf(end, 0) {
		return nil, fmt.Errorf("%w: %q", ErrEmptyDataset, id)
	}
	if end <= begin {
		end = begin + 1
	}
	ds.overview = domain.Domain{Begin: begin, End: end}
	ds.locations = sortedKeys(locs)
	ds.primitives = sortedKeys(prims)
	return ds, nil
}

// ID returns the dataset id.
func (d *Dataset) ID() string { return d.id }

// Overview returns the extent of every record.
func (d *Dataset) Overview() domain.Domain { return d.overview }

// Locations returns every location in sorted order.
func (d *Dataset) Locations() []string { return append([]string(nil), d.locations...) }

// Info returns a listing summary.
func (d *Dataset) Info() Info {
	names := make([]string, 0, len(d.metrics))
	for name := range d.metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return Info{
		ID:         d.id,
		Overview:   d.overview,
		Locations:  d.Locations(),
		Primitives: append([]string(nil), d.primitives...),
		Metrics:    names,
	}
}

// Utilization returns, per bin, the busy fraction of the filtered locations:
// overlapping intervals on one location count once per bin width at most.
func (d *Dataset) Utilization(window domain.Domain, bins int, f Filter) ([]float64, error) {
	if err := checkWindow(window, bins); err != nil {
		return nil, err
	}
	locs := f.locations(d.locations)
	if len(locs) == 0 {
		return make([]float64, bins), nil
	}
	lane := make(map[string]int, len(locs))
	for i, l := range locs {
		lane[l] = i
	}
	width := window.Span() / float64(bins)
	busy := make([][]float64, len(locs))
	for i := range busy {
		busy[i] = make([]float64, bins)
	}

	for _, iv := range d.overlapping(window) {
		li, ok := lane[iv.Location]
		if !ok || !f.match(iv) {
			continue
		}
		first := int(math.Max(0, math.Floor((iv.Begin-window.Begin)/width)))
		last := int(math.Min(float64(bins-1), math.Floor((iv.End-window.Begin)/width)))
		for b := first; b <= last; b++ {
			b0 := window.Begin + float64(b)*width
			overlap := math.Min(iv.End, b0+width) - math.Max(iv.Begin, b0)
			if overlap > 0 {
				busy[li][b] += overlap
			}
		}
	}

	out := make([]float64, bins)
	for b := range out {
		total := 0.0
		for li := range busy {
			total += math.Min(busy[li][b], width)
		}
		out[b] = total / (width * float64(len(locs)))
	}
	return out, nil
}

// Intervals returns the filtered intervals overlapping window. Intervals
// narrower than half a bin are below the requested resolution and dropped.
func (d *Dataset) Intervals(window domain.Domain, bins int, f Filter) ([]Interval, error) {
	if err := checkWindow(window, bins); err != nil {
		return nil, err
	}
	minWidth := window.Span() / float64(bins) / 2
	var out []Interval
	for _, iv := range d.overlapping(window) {
		if iv.Duration() < minWidth || !f.match(iv) || !f.hasLocation(iv.Location) {
			continue
		}
		out = append(out, iv)
	}
	return out, nil
}

// Metric returns the mean sample value per bin; bins without samples are nil.
func (d *Dataset) Metric(name string, window domain.Domain, bins int, f Filter) ([]*float64, error) {
	samples, ok := d.metrics[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMetric, name)
	}
	if err := checkWindow(window, bins); err != nil {
		return nil, err
	}
	width := window.Span() / float64(bins)
	sum := make([]float64, bins)
	count := make([]int, bins)

	start := sort.Search(len(samples), func(i int) bool { return samples[i].T >= window.Begin })
	for _, sm := range samples[start:] {
		if sm.T > window.End {
			break
		}
		if sm.Location != "" && !f.hasLocation(sm.Location) {
			continue
		}
		b := int(math.Min(float64(bins-1), math.Floor((sm.T-window.Begin)/width)))
		sum[b] += sm.V
		count[b]++
	}

	out := make([]*float64, bins)
	for b := range out {
		if count[b] > 0 {
			v := sum[b] / float64(count[b])
			out[b] = &v
		}
	}
	return out, nil
}

// overlapping returns intervals that intersect window. The slice is sorted
// by Begin, so the scan stops at the first interval starting past the end.
func (d *Dataset) overlapping(window domain.Domain) []Interval {
	end := sort.Search(len(d.intervals), func(i int) bool { return d.intervals[i].Begin > window.End })
	var out []Interval
	for _, iv := range d.intervals[:end] {
		if iv.End >= window.Begin {
			out = append(out, iv)
		}
	}
	return out
}

func checkWindow(window domain.Domain, bins int) error {
	if !window.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidWindow, window)
	}
	if bins < 1 {
		return fmt.Errorf("%w: bins must be positive, got %d", ErrInvalidWindow, bins)
	}
	return nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		if k != "" {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
