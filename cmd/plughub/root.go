package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/machinefabric/plughub-go/hub"
	"github.com/machinefabric/plughub-go/process"
)

var Version = "dev" // overridden by ldflags

type globalOptions struct {
	v           *viper.Viper
	configPath  string
	metricsAddr string
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{v: hub.NewViper()}

	cmd := &cobra.Command{
		Use:   "plughub",
		Short: "Run queries against a set of plugins",
		Long: `plughub starts the plugins listed in its configuration, configures them
and resolves queries against them. Plugins may query each other through
the hub; every distinct query is answered at most once per run.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "config file (YAML, JSON or TOML)")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	defaults := hub.DefaultConfig()
	flags.String("log-level", defaults.LogLevel, "log level (debug, info, warn, error)")
	flags.Duration("query-timeout", defaults.QueryTimeout, "bound on every plugin query, 0 for none")
	flags.Bool("cache-failures", defaults.CacheFailures, "remember failed queries for the rest of the run")
	for _, name := range []string{"log-level", "query-timeout", "cache-failures"} {
		_ = opts.v.BindPFlag(name, flags.Lookup(name))
	}

	cmd.AddCommand(newQueryCommand(opts))
	cmd.AddCommand(newPluginsCommand(opts))
	return cmd
}

// loadConfig reads the config file. Flags override it only when set.
func (o *globalOptions) loadConfig() (*hub.Config, error) {
	if o.configPath != "" {
		o.v.SetConfigFile(o.configPath)
		if err := o.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", o.configPath, err)
		}
	}
	return hub.LoadConfigFrom(o.v)
}

// specs loads every configured plugin manifest. Manifest paths are relative
// to the config file.
func (o *globalOptions) specs(cfg *hub.Config) ([]hub.Spec, error) {
	base := ""
	if o.configPath != "" {
		base = filepath.Dir(o.configPath)
	}
	var (
		specs []hub.Spec
		errs  []error
	)
	for _, p := range cfg.Plugins {
		path := p.Manifest
		if !filepath.IsAbs(path) {
			path = filepath.Join(base, path)
		}
		d, err := process.LoadManifest(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Manifest, err))
			continue
		}
		payload, err := p.ConfigJSON()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		specs = append(specs, hub.Spec{Descriptor: d, Config: payload})
	}
	return specs, errors.Join(errs...)
}

// newEngine builds an Engine with every configured plugin registered.
// The returned cleanup shuts it down and stops the metrics server.
func (o *globalOptions) newEngine() (*hub.Engine, []hub.Spec, func(), error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	level, _ := cfg.Level()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	specs, err := o.specs(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	engine, err := hub.New(*cfg,
		hub.WithLogger(logger),
		hub.WithRegisterer(reg),
		hub.WithProcessOptions(process.WithLauncher(process.ExecLauncher{Stdout: os.Stderr})),
	)
	if err != nil {
		return nil, nil, nil, err
	}
	for _, spec := range specs {
		if err := engine.Register(spec); err != nil {
			engine.Shutdown()
			return nil, nil, nil, err
		}
	}

	stopMetrics := func() {}
	if o.metricsAddr != "" {
		lis, err := net.Listen("tcp", o.metricsAddr)
		if err != nil {
			engine.Shutdown()
			return nil, nil, nil, fmt.Errorf("failed to listen on %s: %w", o.metricsAddr, err)
		}
		srv := &http.Server{Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go srv.Serve(lis)
		logger.Info("serving metrics", "addr", lis.Addr().String())
		stopMetrics = func() { srv.Close() }
	}

	cleanup := func() {
		if err := engine.Shutdown(); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
		stopMetrics()
	}
	return engine, specs, cleanup, nil
}
