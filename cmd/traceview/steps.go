package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/signalsfoundry/traceview/internal/domain"
)

// step is one replayed interaction.
type step struct {
	label string
	apply func(*scene) error
}

// scene is what replayed interactions act on. refresh asks the charts to
// fetch what became stale outside the domain state.
type scene struct {
	state   *domain.State
	lanes   *lanes
	refresh func()
}

// lanes is the location set interval charts show. An empty set shows every
// location.
type lanes struct {
	visible []string
}

// Visible is the Locations hook of interval resources.
func (l *lanes) Visible() []string { return l.visible }

func parseLanes(arg string) []string {
	var out []string
	for _, name := range strings.Split(arg, ",") {
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, name)
		}
	}
	return out
}

// parseStep reads one interaction:
//
//	zoom=<factor>[@<center>]   scale the detail span around center (default: its middle)
//	pan=<delta>                shift the detail window
//	window=<begin>:<end>       show exactly [begin, end]
//	select=<primitive>         select one primitive; "select=" clears
//	duration=<min>:<max>       select intervals by duration; max 0 is unbounded
//	lanes=<loc>[,<loc>...]     show only these locations in interval charts; "lanes=" shows all
//	reset                      show the whole overview
func parseStep(raw string) (step, error) {
	name, arg, _ := strings.Cut(strings.TrimSpace(raw), "=")
	bad := func(err error) (step, error) {
		return step{}, fmt.Errorf("step %q: %w", raw, err)
	}

	switch name {
	case "zoom":
		factorArg, centerArg, hasCenter := strings.Cut(arg, "@")
		factor, err := strconv.ParseFloat(factorArg, 64)
		if err != nil || !(factor > 0) {
			return bad(fmt.Errorf("zoom factor must be positive"))
		}
		var center float64
		if hasCenter {
			if center, err = strconv.ParseFloat(centerArg, 64); err != nil {
				return bad(err)
			}
		}
		return step{label: "zoom", apply: func(sc *scene) error {
			c := center
			if !hasCenter {
				c = sc.state.DetailDomain().Center()
			}
			_, err := sc.state.ZoomAround(c, factor)
			return err
		}}, nil

	case "pan":
		delta, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return bad(err)
		}
		return step{label: "pan", apply: func(sc *scene) error {
			_, err := sc.state.Pan(delta)
			return err
		}}, nil

	case "window":
		begin, end, err := parseRange(arg)
		if err != nil {
			return bad(err)
		}
		return step{label: "window", apply: func(sc *scene) error {
			_, err := sc.state.SetDetailDomain(domain.Window(begin, end))
			return err
		}}, nil

	case "select":
		return step{label: "select", apply: func(sc *scene) error {
			if arg == "" {
				sc.state.SetSelection(nil)
			} else {
				sc.state.SetSelection(domain.PrimitiveSelection{Name: arg})
			}
			return nil
		}}, nil

	case "duration":
		lo, hi, err := parseRange(arg)
		if err != nil {
			return bad(err)
		}
		return step{label: "duration", apply: func(sc *scene) error {
			sc.state.SetSelection(domain.DurationRangeSelection{MinDuration: lo, MaxDuration: hi})
			return nil
		}}, nil

	case "lanes":
		visible := parseLanes(arg)
		return step{label: "lanes", apply: func(sc *scene) error {
			if sc.lanes == nil {
				return fmt.Errorf("no interval lanes to scroll")
			}
			sc.lanes.visible = visible
			if sc.refresh != nil {
				sc.refresh()
			}
			return nil
		}}, nil

	case "reset":
		return step{label: "reset", apply: func(sc *scene) error {
			_, err := sc.state.ResetDetail()
			return err
		}}, nil
	}
	return bad(fmt.Errorf("unknown interaction %q", name))
}

func parseRange(arg string) (float64, float64, error) {
	a, b, ok := strings.Cut(arg, ":")
	if !ok {
		return 0, 0, fmt.Errorf("want <a>:<b>, got %q", arg)
	}
	lo, err := strconv.ParseFloat(a, 64)
	if err != nil {
		return 0, 0, err
	}
	hi, err := strconv.ParseFloat(b, 64)
	if err != nil {
		return 0, 0, err
	}
	return lo, hi, nil
}
