package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/p-arndt/slugrunner/internal/config"
	"github.com/p-arndt/slugrunner/internal/logging"
	"github.com/p-arndt/slugrunner/internal/metrics"
	"github.com/p-arndt/slugrunner/internal/runner"
	"github.com/p-arndt/slugrunner/internal/store"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	code, err := execute(os.Args[1:])
	if err != nil {
		os.Exit(1)
	}
	os.Exit(code)
}

// execute runs the CLI and returns the process exit code.
func execute(args []string) (int, error) {
	var code int
	root := newRootCmd(&code)
	root.SetArgs(args)
	err := root.Execute()
	return code, err
}

func newRootCmd(code *int) *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:   "slugrunner",
		Short: "Run one process type from a slug under supervision",
		Long: `Fetch a slug (a gzipped tarball, local or over HTTP), resolve the command for
a process type from its Procfile or .release, and supervise it.

Signals INT, HUP, TERM and QUIT are forwarded to the workload. With
--delayed-bind the workload must accept connections on $PORT within the given
number of seconds or it is killed. With --ping, lifecycle heartbeats
(setup, start, update, stop) are sent to the given URL.

Exit codes:
  0: supervision completed (whatever the workload's exit status)
  1: the slug could not be fetched, resolved or launched`,
		Version:      version,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, cfgPath)
			if err != nil {
				return err
			}
			*code = run(cmd.Context(), cfg)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&cfgPath, "config", "c", "", "config file (default "+config.DefaultPath()+")")
	f.StringP("slug", "s", "", "slug archive path or http(s) URL")
	f.StringP("worker", "w", "web", "process type to run")
	f.IntP("instance", "i", 1, "instance index, used in the hostname <worker>.<instance>")
	f.Bool("shell", false, "run an interactive shell instead of the process type's command")
	f.StringArrayP("env", "e", nil, "extra KEY=VALUE for the workload (repeatable)")
	f.IntP("delayed-bind", "d", 0, "seconds the workload has to bind $PORT (0 skips the check)")
	f.String("ping", "", "heartbeat URL")
	f.Int("ping-interval", 30, "seconds between update heartbeats")
	f.Duration("stop-timeout", 30*time.Second, "kill the workload this long after a forwarded stop signal (0 disables)")
	f.String("log-format", "text", "log format: text or json")
	f.String("log-level", "info", "log level: debug, info, warn or error")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address")
	f.Bool("ledger", false, "record the run in the local run ledger")
	f.String("ledger-path", config.DefaultLedgerPath(), "run ledger database")

	cmd.AddCommand(newRunsCmd(), newRolesCmd(), newVersionCmd())
	return cmd
}

// loadConfig layers explicitly set flags over the config file and
// SLUGRUNNER_* environment, then validates the result.
func loadConfig(cmd *cobra.Command, cfgPath string) (*config.Config, error) {
	if cfgPath == "" {
		cfgPath = config.DefaultPath()
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := applyFlags(cmd, cfg); err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	var err error
	set := func(name string, apply func() error) {
		if err == nil && f.Changed(name) {
			err = apply()
		}
	}

	set("slug", func() (e error) { cfg.Slug, e = f.GetString("slug"); return })
	set("worker", func() (e error) { cfg.Worker, e = f.GetString("worker"); return })
	set("instance", func() (e error) { cfg.Instance, e = f.GetInt("instance"); return })
	set("shell", func() (e error) { cfg.Shell, e = f.GetBool("shell"); return })
	set("env", func() error {
		extra, e := f.GetStringArray("env")
		cfg.Env = append(cfg.Env, extra...)
		return e
	})
	set("delayed-bind", func() (e error) { cfg.DelayedBind, e = f.GetInt("delayed-bind"); return })
	set("ping", func() (e error) { cfg.Ping, e = f.GetString("ping"); return })
	set("ping-interval", func() (e error) { cfg.PingInterval, e = f.GetInt("ping-interval"); return })
	set("stop-timeout", func() (e error) { cfg.StopTimeout, e = f.GetDuration("stop-timeout"); return })
	set("log-format", func() (e error) { cfg.LogFormat, e = f.GetString("log-format"); return })
	set("log-level", func() (e error) { cfg.LogLevel, e = f.GetString("log-level"); return })
	set("metrics-addr", func() (e error) { cfg.MetricsAddr, e = f.GetString("metrics-addr"); return })
	set("ledger", func() (e error) { cfg.Ledger.Enabled, e = f.GetBool("ledger"); return })
	set("ledger-path", func() (e error) { cfg.Ledger.Path, e = f.GetString("ledger-path"); return })
	return err
}

// run wires the optional ledger and metrics around a Runner and returns its
// exit code.
func run(ctx context.Context, cfg *config.Config) int {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := logging.New(os.Stderr, cfg.LogFormat, cfg.LogLevel)

	var ledger runner.Ledger
	if cfg.Ledger.Enabled {
		st, err := store.New(cfg.Ledger.Path)
		if err != nil {
			logger.Warn("run ledger unavailable", "path", cfg.Ledger.Path, "error", err)
		} else {
			defer st.Close()
			ledger = st
		}
	}

	var observer runner.Observer
	if cfg.MetricsAddr != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		observer = metrics.NewCollectorWithRegistry(registry)

		srv := metrics.NewServer(cfg.MetricsAddr, registry, logger)
		if err := srv.Start(); err != nil {
			logger.Warn("metrics server unavailable", "error", err)
		} else {
			defer shutdown(srv, logger)
		}
	}

	return runner.New(cfg, ledger, observer, logger).Run(ctx)
}

func shutdown(srv *metrics.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("metrics server shutdown", "error", err)
	}
}
