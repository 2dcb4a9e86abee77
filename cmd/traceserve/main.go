// Command traceserve serves trace datasets over the traceview data API: an
// HTTP/JSON API with NDJSON and websocket streaming, a gRPC health service
// reporting per-dataset readiness, and Prometheus metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/signalsfoundry/traceview/internal/config"
	"github.com/signalsfoundry/traceview/internal/logging"
	"github.com/signalsfoundry/traceview/internal/observability"
	"github.com/signalsfoundry/traceview/internal/server"
	"github.com/signalsfoundry/traceview/internal/tracedata"
	"github.com/signalsfoundry/traceview/timectrl"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

const shutdownTimeout = 5 * time.Second

// Config is the server's command-line configuration.
type Config struct {
	HTTPAddress    string
	GRPCAddress    string
	MetricsAddress string

	// DataFiles are loaded as datasets; with none, Synthetic datasets are
	// generated instead.
	DataFiles    []string
	Synthetic    int
	PrepareDelay time.Duration

	StreamDelay time.Duration
	FlushEvery  int

	LogLevel  string
	LogFormat string
}

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cfg := Config{}
	flag.StringVar(&cfg.HTTPAddress, "http-addr", ":8080", "TCP address the data API listens on")
	flag.StringVar(&cfg.GRPCAddress, "grpc-addr", ":9091", "TCP address the gRPC health service listens on")
	flag.StringVar(&cfg.MetricsAddress, "metrics-addr", ":9090", "HTTP address for Prometheus /metrics; empty disables it")
	flag.IntVar(&cfg.Synthetic, "synthetic", 1, "number of synthetic datasets to serve when no files are given")
	flag.DurationVar(&cfg.PrepareDelay, "prepare-delay", 0, "time each dataset spends preparing before it answers queries")
	flag.DurationVar(&cfg.StreamDelay, "stream-delay", 0, "pause between streamed chunks")
	flag.IntVar(&cfg.FlushEvery, "flush-every", 256, "records per streamed chunk")
	flag.StringVar(&cfg.LogLevel, "log-level", os.Getenv("LOG_LEVEL"), "debug, info, warn or error")
	flag.StringVar(&cfg.LogFormat, "log-format", os.Getenv("LOG_FORMAT"), "text or json")
	flag.Parse()
	cfg.DataFiles = flag.Args()

	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpLis, err := net.Listen("tcp", cfg.HTTPAddress)
	if err != nil {
		log.Error(ctx, "failed to listen for HTTP", logging.String("addr", cfg.HTTPAddress), logging.Err(err))
		os.Exit(1)
	}
	grpcLis, err := net.Listen("tcp", cfg.GRPCAddress)
	if err != nil {
		log.Error(ctx, "failed to listen for gRPC", logging.String("addr", cfg.GRPCAddress), logging.Err(err))
		os.Exit(1)
	}

	if err := run(ctx, cfg, log, httpLis, grpcLis); err != nil {
		log.Error(ctx, "traceserve exited", logging.Err(err))
		os.Exit(1)
	}
}

// run serves until ctx is done, then shuts every listener down.
func run(ctx context.Context, cfg Config, log logging.Logger, httpLis, grpcLis net.Listener) error {
	log = logging.OrNoop(log)

	tracingCfg, err := observability.TracingConfigFromEnv("traceserve", os.LookupEnv)
	if err != nil {
		return err
	}
	tracing, err := observability.InitTracing(ctx, tracingCfg, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer tracing.Close(5 * time.Second)

	collector, err := observability.NewHTTPCollector(prometheus.NewRegistry())
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	store := tracedata.NewStore(timectrl.Real())
	defer store.Close()
	if err := loadDatasets(ctx, cfg, store, log); err != nil {
		return err
	}

	srv := server.New(store,
		server.WithLogger(log),
		server.WithMetrics(collector),
		server.WithFlushEvery(cfg.FlushEvery),
		server.WithStreamDelay(cfg.StreamDelay),
	)
	defer srv.Close()

	httpSrv := &http.Server{Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}
	grpcSrv := server.NewGRPCServer(srv)
	metricsSrv := metricsServer(cfg.MetricsAddress, collector)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info(gctx, "serving data API", logging.String("addr", httpLis.Addr().String()))
		if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info(gctx, "serving gRPC health", logging.String("addr", grpcLis.Addr().String()))
		if err := grpcSrv.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	if metricsSrv != nil {
		g.Go(func() error {
			log.Info(gctx, "serving Prometheus metrics", logging.String("addr", metricsSrv.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn(gctx, "metrics server exited", logging.Err(err))
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info(context.Background(), "shutting down traceserve")
		grpcSrv.GracefulStop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func metricsServer(addr string, collector *observability.HTTPCollector) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
}

// loadDatasets fills store from cfg.DataFiles, or with synthetic datasets
// when no files are given.
func loadDatasets(ctx context.Context, cfg Config, store *tracedata.Store, log logging.Logger) error {
	if len(cfg.DataFiles) == 0 {
		for i := 1; i <= cfg.Synthetic; i++ {
			sc := tracedata.DefaultSyntheticConfig()
			sc.Seed = int64(i)
			ds, err := tracedata.Synthetic(fmt.Sprintf("synthetic-%d", i), sc)
			if err != nil {
				return fmt.Errorf("generate synthetic dataset: %w", err)
			}
			if err := addDataset(ctx, store, ds, cfg.PrepareDelay, log); err != nil {
				return err
			}
		}
		return nil
	}

	for _, path := range cfg.DataFiles {
		ds, err := tracedata.LoadFile(path)
		if err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		if err := addDataset(ctx, store, ds, cfg.PrepareDelay, log); err != nil {
			return err
		}
	}
	return nil
}

func addDataset(ctx context.Context, store *tracedata.Store, ds *tracedata.Dataset, prepare time.Duration, log logging.Logger) error {
	if err := store.Add(ds, prepare); err != nil {
		return err
	}
	info := ds.Info()
	log.Info(ctx, "loaded dataset",
		logging.String("id", info.ID),
		logging.String("overview", info.Overview.String()),
		logging.Int("locations", len(info.Locations)),
		logging.Duration("prepare", prepare),
	)
	return nil
}
