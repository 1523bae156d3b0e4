package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/unkn0wn-root/cachekit"
	"github.com/unkn0wn-root/cachekit/config"
	"github.com/unkn0wn-root/cachekit/hooks"
	async "github.com/unkn0wn-root/cachekit/hooks/async"
	"github.com/unkn0wn-root/cachekit/hooks/loghooks"
	"github.com/unkn0wn-root/cachekit/logging"
	lrlog "github.com/unkn0wn-root/cachekit/logging/logrus"
	sllog "github.com/unkn0wn-root/cachekit/logging/slog"
	zlog "github.com/unkn0wn-root/cachekit/logging/zap"
	"github.com/unkn0wn-root/cachekit/metrics"
)

type app struct {
	configFile string
	logLevel   string
	wait       time.Duration

	stdout, stderr io.Writer

	// open builds the cache; tests replace it.
	open  func(ctx context.Context, a *app) (*cachekit.Cache, error)
	cfg   config.Config
	log   logging.Logger
	reg   *prometheus.Registry
	async *async.Hooks
	cache *cachekit.Cache
}

const metricsNamespace = "cachekit"

func newRootCommand(out, errOut io.Writer) *cobra.Command {
	return newRootCommandWith(&app{stdout: out, stderr: errOut, open: openFromConfig})
}

func newRootCommandWith(a *app) *cobra.Command {
	if a.log == nil {
		a.log = logging.Nop{}
	}
	if a.reg == nil {
		a.reg = prometheus.NewRegistry()
	}
	return rootCommand(a)
}

func rootCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "cachectl",
		Short:         "Inspect and operate a cachekit cache",
		Long:          "cachectl reads CACHE_* environment variables (and an optional --config file), connects to the configured backends and runs one operation.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.open(cmd.Context(), a)
			if err != nil {
				return err
			}
			a.cache = c

			ctx, cancel := context.WithTimeout(cmd.Context(), a.wait)
			defer cancel()
			if err := c.WaitReady(ctx); err != nil {
				a.log.Warn("remote not ready, continuing on local", logging.Fields{"wait": a.wait.String()})
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if a.cache == nil {
				return nil
			}
			err := a.cache.Close(context.Background())
			if a.async != nil {
				a.async.Close()
			}
			if s, ok := a.log.(interface{ Sync() error }); ok {
				_ = s.Sync()
			}
			return err
		},
	}
	cmd.SetOut(a.stdout)
	cmd.SetErr(a.stderr)

	cmd.PersistentFlags().StringVar(&a.configFile, "config", "", "config file (yaml, json or toml)")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override CACHE_LOG_LEVEL")
	cmd.PersistentFlags().DurationVar(&a.wait, "wait", 5*time.Second, "how long to wait for the remote backend to connect")

	cmd.AddCommand(
		newHealthCmd(a),
		newStatsCmd(a),
		newGetCmd(a),
		newDelCmd(a),
		newInvalidateCmd(a),
		newSampleCmd(a),
		newMetricsCmd(a),
	)
	return cmd
}

func openFromConfig(ctx context.Context, a *app) (*cachekit.Cache, error) {
	cfg, err := config.Load(a.configFile)
	if err != nil {
		return nil, err
	}
	level := cfg.LogLevel
	if a.logLevel != "" {
		level = a.logLevel
	}
	log, err := newLogger(cfg.LogBackend, level, a.stderr)
	if err != nil {
		return nil, errors.Wrap(err, "logger")
	}
	a.cfg, a.log = cfg, log

	mh, err := metrics.NewHooks(metricsNamespace, a.reg)
	if err != nil {
		return nil, err
	}
	// log sinks can block; metrics counters cannot
	a.async = async.New(loghooks.New(log, loghooks.Options{SelfHealEvery: 10, EvictEvery: 100}), 1, 256)
	return cachekit.FromConfig(ctx, cfg, log, hooks.Multi(a.async, mh))
}

func newLogger(backend, level string, w io.Writer) (logging.Logger, error) {
	switch backend {
	case "logrus":
		l := logrus.New()
		l.SetOutput(w)
		l.SetFormatter(&logrus.JSONFormatter{})
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			lvl = logrus.InfoLevel
		}
		l.SetLevel(lvl)
		return lrlog.LogrusLogger{E: logrus.NewEntry(l).WithField("component", "cachekit")}, nil
	case "slog":
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			lvl = slog.LevelInfo
		}
		return sllog.Logger{L: slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))}, nil
	default:
		return zlog.New(level)
	}
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
