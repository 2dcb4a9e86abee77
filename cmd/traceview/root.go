package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/signalsfoundry/traceview/internal/config"
	"github.com/signalsfoundry/traceview/internal/dataset"
	"github.com/signalsfoundry/traceview/internal/fetch"
	"github.com/signalsfoundry/traceview/internal/logging"
	"github.com/signalsfoundry/traceview/internal/observability"
	"github.com/spf13/cobra"
)

// globalOptions are the persistent flags and the configuration they
// resolve to.
type globalOptions struct {
	configPath string
	envFile    string
	serverURL  string
	healthAddr string
	transport  string
	logLevel   string
	noColor    bool

	cfg     config.Config
	log     logging.Logger
	tracing *observability.Tracing
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "traceview",
		Short: "traceview renders trace datasets served by traceserve",
		Long: `traceview opens a dataset on a traceview data server, keeps one detail
window shared by its charts, and fetches each chart's data for the
spillover window around it. Commands list datasets, wait for preparing
datasets, and replay zoom, pan and selection steps into PNG frames.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.load(); err != nil {
				return err
			}
			return opts.initTracing(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			opts.tracing.Close(2 * time.Second)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "YAML configuration file")
	pf.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	pf.StringVar(&opts.serverURL, "server", "", "data server URL (default: TRACEVIEW_SERVER_URL or the config file)")
	pf.StringVar(&opts.healthAddr, "health-addr", "", "gRPC health address polled for readiness (default: list polling)")
	pf.StringVar(&opts.transport, "transport", "", "stream transport: ndjson or websocket")
	pf.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")
	pf.BoolVar(&opts.noColor, "no-color", false, "disable colored output")

	root.AddCommand(newDatasetsCmd(opts), newWaitCmd(opts), newRenderCmd(opts))
	return root
}

// load resolves the configuration: defaults, then the file, then the
// environment, then flags.
func (o *globalOptions) load() error {
	if o.envFile != "" {
		if err := config.LoadDotEnv(o.envFile); err != nil {
			return err
		}
	}
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return err
	}
	if o.serverURL != "" {
		cfg.Server.URL = o.serverURL
	}
	if o.healthAddr != "" {
		cfg.Server.HealthAddr = o.healthAddr
	}
	if o.transport != "" {
		cfg.Server.Transport = o.transport
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	o.cfg = cfg
	o.log = logging.New(cfg.Logging())
	if o.noColor {
		color.NoColor = true
	}
	return nil
}

// initTracing exports spans to stderr when TRACEVIEW_TRACING=stdout so
// they never mix with command output.
func (o *globalOptions) initTracing(cmd *cobra.Command) error {
	tc, err := observability.TracingConfigFromEnv("traceview", os.LookupEnv)
	if err != nil {
		return err
	}
	tc.Writer = cmd.ErrOrStderr()
	o.tracing, err = observability.InitTracing(cmd.Context(), tc, o.log)
	return err
}

func (o *globalOptions) client() (*fetch.Client, error) {
	c, err := fetch.NewClient(o.cfg.Server.URL,
		fetch.WithClientLogger(o.log),
		fetch.WithStreamTransport(fetch.StreamTransport(o.cfg.Server.Transport)),
		fetch.WithHandshakeTimeout(o.cfg.Server.HandshakeTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("data server %q: %w", o.cfg.Server.URL, err)
	}
	return c, nil
}

// checker prefers the gRPC health service when an address is configured.
// The returned close function releases its connection.
func (o *globalOptions) checker(c dataset.Client) (dataset.Checker, func(), error) {
	if o.cfg.Server.HealthAddr == "" {
		return dataset.ListChecker{Client: c}, func() {}, nil
	}
	conn, err := dataset.DialHealth(o.cfg.Server.HealthAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("health endpoint %q: %w", o.cfg.Server.HealthAddr, err)
	}
	return dataset.NewHealthChecker(conn), func() { _ = conn.Close() }, nil
}

func (o *globalOptions) backoff() dataset.Backoff {
	r := o.cfg.Readiness
	return dataset.Backoff{InitialInterval: r.InitialInterval, MaxInterval: r.MaxInterval, Timeout: r.Timeout}
}

var (
	okLabel   = color.New(color.FgGreen).SprintFunc()
	warnLabel = color.New(color.FgYellow).SprintFunc()
	errLabel  = color.New(color.FgRed, color.Bold).SprintFunc()
	dimLabel  = color.New(color.Faint).SprintFunc()
)

func readyLabel(ready bool) string {
	if ready {
		return okLabel("ready")
	}
	return warnLabel("preparing")
}
