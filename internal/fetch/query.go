// Package fetch defines the windowed data request the viewer engine issues
// and the transports that carry it: a batch JSON request, an NDJSON stream
// and a WebSocket stream.
package fetch

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/signalsfoundry/traceview/internal/domain"
)

// Resource names shared by the client and the reference server.
const (
	ResourceUtilization = "utilization"
	ResourceIntervals   = "intervals"
	resourceMetricPref  = "metrics/"
)

// MetricResource returns the resource path of a named metric.
func MetricResource(metric string) string { return resourceMetricPref + metric }

// MetricName reports the metric a resource path names, if any.
func MetricName(resource string) (string, bool) {
	if !strings.HasPrefix(resource, resourceMetricPref) {
		return "", false
	}
	name := strings.TrimPrefix(resource, resourceMetricPref)
	return name, name != ""
}

// Query is one windowed request: Bins values covering Window of one dataset
// resource, narrowed by selectors and locations.
type Query struct {
	Dataset   string
	Resource  string
	Window    domain.Domain
	Bins      int
	Selectors map[string]string
	Locations []string
}

// Validate rejects queries no server would answer.
func (q Query) Validate() error {
	switch {
	case q.Dataset == "":
		return fmt.Errorf("%w: dataset is required", ErrInvalidQuery)
	case q.Resource == "":
		return fmt.Errorf("%w: resource is required", ErrInvalidQuery)
	case !q.Window.Valid():
		return fmt.Errorf("%w: window %s", ErrInvalidQuery, q.Window)
	case q.Bins < 1:
		return fmt.Errorf("%w: bins must be positive, got %d", ErrInvalidQuery, q.Bins)
	}
	return nil
}

// Values encodes the query parameters. Selector keys are emitted in sorted
// order so equal queries produce equal URLs.
func (q Query) Values() url.Values {
	v := url.Values{}
	v.Set("bins", strconv.Itoa(q.Bins))
	v.Set("begin", strconv.FormatFloat(q.Window.Begin, 'f', -1, 64))
	v.Set("end", strconv.FormatFloat(q.Window.End, 'f', -1, 64))

	keys := make([]string, 0, len(q.Selectors))
	for k := range q.Selectors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if val := q.Selectors[k]; val != "" {
			v.Set(k, val)
		}
	}
	for _, loc := range q.Locations {
		v.Add("location", loc)
	}
	return v
}

// ParseQuery is the inverse of Values for a known dataset and resource.
func ParseQuery(dataset, resource string, v url.Values) (Query, error) {
	q := Query{Dataset: dataset, Resource: resource}
	var err error
	if q.Bins, err = strconv.Atoi(v.Get("bins")); err != nil {
		return q, fmt.Errorf("%w: bins: %v", ErrInvalidQuery, err)
	}
	if q.Window.Begin, err = strconv.ParseFloat(v.Get("begin"), 64); err != nil {
		return q, fmt.Errorf("%w: begin: %v", ErrInvalidQuery, err)
	}
	if q.Window.End, err = strconv.ParseFloat(v.Get("end"), 64); err != nil {
		return q, fmt.Errorf("%w: end: %v", ErrInvalidQuery, err)
	}
	q.Locations = v["location"]
	for k, vals := range v {
		switch k {
		case "bins", "begin", "end", "location", "stream":
			continue
		}
		if len(vals) > 0 {
			if q.Selectors == nil {
				q.Selectors = map[string]string{}
			}
			q.Selectors[k] = vals[0]
		}
	}
	return q, q.Validate()
}
