package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/signalsfoundry/traceview/internal/cache"
	"github.com/signalsfoundry/traceview/internal/config"
	"github.com/signalsfoundry/traceview/internal/dataset"
	"github.com/signalsfoundry/traceview/internal/observability"
	"github.com/signalsfoundry/traceview/internal/render"
	"github.com/signalsfoundry/traceview/internal/render/rasterchart"
	"github.com/signalsfoundry/traceview/internal/sched"
	"github.com/signalsfoundry/traceview/internal/viewport"
	"github.com/signalsfoundry/traceview/timectrl"
	"github.com/spf13/cobra"
)

const idlePoll = 10 * time.Millisecond

type renderOptions struct {
	outDir  string
	steps   []string
	lanes   string
	wait    bool
	timeout time.Duration
	width   int
	height  int
}

func newRenderCmd(o *globalOptions) *cobra.Command {
	ro := &renderOptions{}
	cmd := &cobra.Command{
		Use:   "render <dataset>",
		Short: "Replay interactions on a dataset view and write every frame as PNG",
		Long: `render opens the dataset with the configured charts, draws the whole
overview, then applies each --step in order. After every step it waits
until the domain has settled and every fetch has finished, and writes one
PNG per chart named <dataset>-<frame>-<chart>.png.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.render(cmd.Context(), cmd.OutOrStdout(), args[0], ro)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&ro.outDir, "out", "o", ".", "directory for the PNG frames")
	f.StringArrayVar(&ro.steps, "step", nil, "interaction to replay: zoom=<f>[@<t>], pan=<d>, window=<b>:<e>, select=<primitive>, duration=<min>:<max>, lanes=<loc>,..., reset")
	f.StringVar(&ro.lanes, "lanes", "", "comma-separated locations interval charts start on (default: all)")
	f.BoolVar(&ro.wait, "wait", true, "wait for a preparing dataset and refetch once it is ready")
	f.DurationVar(&ro.timeout, "timeout", time.Minute, "limit for each frame to settle")
	f.IntVar(&ro.width, "width", 0, "chart width in pixels (default: viewer.width)")
	f.IntVar(&ro.height, "height", 0, "chart height in pixels (default: viewer.height)")
	return cmd
}

// view is one configured chart and the renderer that holds its frame.
type view struct {
	chart *render.Chart
	r     *rasterchart.Renderer
	slug  string
}

func (o *globalOptions) render(ctx context.Context, out io.Writer, id string, ro *renderOptions) error {
	steps := make([]step, 0, len(ro.steps))
	for _, raw := range ro.steps {
		s, err := parseStep(raw)
		if err != nil {
			return err
		}
		steps = append(steps, s)
	}
	if err := os.MkdirAll(ro.outDir, 0o755); err != nil {
		return err
	}

	client, err := o.client()
	if err != nil {
		return err
	}
	metrics, err := observability.NewFetchCollector(prometheus.NewRegistry())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	loop := sched.NewLoop(timectrl.Real(), o.log)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = loop.Run(ctx)
	}()
	defer func() {
		cancel()
		<-loopDone
	}()

	vc := o.cfg.Viewer
	reg, err := dataset.NewRegistry(client, loop,
		dataset.WithLogger(o.log),
		dataset.WithMetrics(metrics),
		dataset.WithSettleDelay(vc.SettleDelay),
		dataset.WithRepaintInterval(vc.RepaintInterval),
		dataset.WithMinSpan(vc.MinSpan),
		dataset.WithSpilloverFactor(vc.SpilloverFactor),
	)
	if err != nil {
		return err
	}
	sess, err := reg.Open(ctx, id)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, stop := context.WithTimeout(context.Background(), time.Second)
		defer stop()
		_ = loop.Call(closeCtx, reg.Close)
	}()

	px := viewport.Pixels{Width: float64(vc.Width), Height: float64(vc.Height)}
	if ro.width > 0 {
		px.Width = float64(ro.width)
	}
	if ro.height > 0 {
		px.Height = float64(ro.height)
	}

	ln := &lanes{visible: parseLanes(ro.lanes)}
	var views []view
	var buildErr error
	if err := loop.Call(ctx, func() {
		views, buildErr = buildViews(sess, o.cfg.Charts, px, ln)
		sess.Refresh()
	}); err != nil {
		return err
	}
	if buildErr != nil {
		return buildErr
	}

	if !sess.Info().Ready && ro.wait {
		checker, release, err := o.checker(client)
		if err != nil {
			return err
		}
		defer release()
		fmt.Fprintf(out, "%s %s\n", id, readyLabel(false))
		select {
		case err := <-sess.WatchReadiness(checker, o.backoff()):
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	frame := func(n int, label string) error {
		if err := waitIdle(ctx, loop, sess, ro.timeout); err != nil {
			return fmt.Errorf("frame %d (%s): %w", n, label, err)
		}
		return writeFrames(ctx, loop, out, sess, views, ro.outDir, fmt.Sprintf("%03d-%s", n, label))
	}
	if err := frame(0, "overview"); err != nil {
		return err
	}
	for i, s := range steps {
		var applyErr error
		sc := &scene{state: sess.State(), lanes: ln, refresh: sess.Refresh}
		if err := loop.Call(ctx, func() { applyErr = s.apply(sc) }); err != nil {
			return err
		}
		if applyErr != nil {
			return applyErr
		}
		if err := frame(i+1, s.label); err != nil {
			return err
		}
	}
	return nil
}

// buildViews adds one chart per configured chart to sess. Interval series
// fetch only the locations ln shows.
func buildViews(sess *dataset.Session, charts []config.ChartConfig, px viewport.Pixels, ln *lanes) ([]view, error) {
	views := make([]view, 0, len(charts))
	for _, cc := range charts {
		rc := rasterchart.Config{Title: cc.Title}
		spec := dataset.ChartSpec{Name: cc.Title, Size: px}
		for _, sc := range cc.Series {
			mode := cache.Batch
			if sc.Mode == "stream" {
				mode = cache.Stream
			}
			res := cache.Resource{
				Name:            sc.Resource,
				Path:            sc.Resource,
				Mode:            mode,
				IgnoreSelection: sc.IgnoreSelection,
			}
			kind := rasterchart.Line
			if sc.Kind == "intervals" {
				kind = rasterchart.Intervals
				res.Locations = ln.Visible
			}
			spec.Resources = append(spec.Resources, res)
			rc.Series = append(rc.Series, rasterchart.Series{
				Resource: sc.Resource,
				Kind:     kind,
				Color:    rasterchart.ParseColor(sc.Color),
			})
		}
		r := rasterchart.New(rc)
		ch, err := sess.AddChart(spec, r)
		if err != nil {
			return nil, err
		}
		views = append(views, view{chart: ch, r: r, slug: slugify(cc.Title)})
	}
	return views, nil
}

// waitIdle polls until the domain has settled and no chart is fetching.
func waitIdle(ctx context.Context, loop *sched.Loop, sess *dataset.Session, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(idlePoll)
	defer ticker.Stop()
	for {
		var idle bool
		if err := loop.Call(ctx, func() {
			idle = !sess.State().SettlePending() && !sess.Pending()
			for _, c := range sess.Charts() {
				idle = idle && c.Phase() == render.PhaseIdle
			}
		}); err != nil {
			return err
		}
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("view did not settle within %s", timeout)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func writeFrames(ctx context.Context, loop *sched.Loop, out io.Writer, sess *dataset.Session, views []view, dir, label string) error {
	var writeErr error
	err := loop.Call(ctx, func() {
		detail := sess.State().DetailDomain()
		for _, v := range views {
			if v.r.Frame() == nil {
				fmt.Fprintf(out, "%s %-14s %-12s %s\n", dimLabel(label), v.chart.Name(), detail, statusLabel(v))
				continue
			}
			path := filepath.Join(dir, fmt.Sprintf("%s-%s-%s.png", slugify(sess.ID()), label, v.slug))
			if err := writePNG(path, v.r); err != nil {
				writeErr = err
				return
			}
			fmt.Fprintf(out, "%s %-14s %-12s %s %s\n", dimLabel(label), v.chart.Name(), detail, statusLabel(v), dimLabel(path))
		}
	})
	if err != nil {
		return err
	}
	return writeErr
}

func writePNG(path string, r *rasterchart.Renderer) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := r.WritePNG(f); err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	return f.Close()
}

func statusLabel(v view) string {
	if err := v.chart.Err(); err != nil {
		return errLabel("draw failed: " + err.Error())
	}
	status := v.r.Status()
	switch {
	case status == "":
		return okLabel("ok")
	case strings.HasPrefix(status, "error"):
		return errLabel(status)
	default:
		return warnLabel(status)
	}
}

func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '-'
	}, s)
}
