package main

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/unkn0wn-root/cachekit"
	"github.com/unkn0wn-root/cachekit/analytics"
	"github.com/unkn0wn-root/cachekit/keys"
	"github.com/unkn0wn-root/cachekit/metrics"
)

func newHealthCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe the remote backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h := a.cache.HealthCheck(cmd.Context())
			out := map[string]any{"healthy": h.Healthy, "active": h.Active}
			if h.Remote != nil {
				out["latency"] = h.Remote.Latency.String()
				if h.Remote.Err != nil {
					out["error"] = h.Remote.Err.Error()
				}
			}
			if err := a.printJSON(out); err != nil {
				return err
			}
			if !h.Healthy {
				return errors.New("remote backend unhealthy")
			}
			return nil
		},
	}
}

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print facade, adapter and breaker counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.printJSON(a.cache.Stats(cmd.Context()))
		},
	}
}

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get KEY",
		Short: "Read and decode one key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := a.cache.Get(cmd.Context(), args[0])
			out := map[string]any{"key": args[0], "status": r.Status.String()}
			switch r.Status {
			case cachekit.Hit:
				out["source"] = r.Source
				var v any
				if err := r.Decode(&v); err != nil {
					out["raw_bytes"] = len(r.Value)
					out["error"] = err.Error()
				} else {
					out["value"] = jsonSafe(v)
				}
			case cachekit.Unavailable:
				out["error"] = r.Err.Error()
			}
			return a.printJSON(out)
		},
	}
}

// jsonSafe rewrites map[any]any (as produced by some decoders) into map[string]any.
func jsonSafe(v any) any {
	switch t := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[fmt.Sprint(k)] = jsonSafe(vv)
		}
		return m
	case map[string]any:
		for k, vv := range t {
			t[k] = jsonSafe(vv)
		}
		return t
	case []any:
		for i := range t {
			t[i] = jsonSafe(t[i])
		}
		return t
	default:
		return v
	}
}

func newDelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "del KEY...",
		Short: "Delete keys from every adapter",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.printJSON(map[string]any{"removed": a.cache.DelMany(cmd.Context(), args)})
		},
	}
}

func newInvalidateCmd(a *app) *cobra.Command {
	var tags []string
	cmd := &cobra.Command{
		Use:   "invalidate",
		Short: "Invalidate by tag or by domain event",
		Long: `Invalidate entries by tag, or resolve a domain event to the keys and tags it affects.

Examples:
  cachectl invalidate --tag contest:42 --tag global
  cachectl invalidate contest 42 votes
  cachectl invalidate profile 7 rank
  cachectl invalidate global trending`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(tags) == 0 {
				return errors.New("invalidate: pass --tag or a subcommand")
			}
			n := a.cache.InvalidateByTags(cmd.Context(), tags...)
			return a.printJSON(map[string]any{"tags": tags, "removed": n})
		},
	}
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag to invalidate (repeatable)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "contest ID KIND",
			Short: "participation | votes | stats | leaderboard | all",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				n, err := a.cache.InvalidateContestCache(cmd.Context(), args[0], keys.ContestKind(args[1]))
				return a.printRemoved(n, err)
			},
		},
		&cobra.Command{
			Use:   "profile ID KIND",
			Short: "rank | stats | contests | all",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				n, err := a.cache.InvalidateProfileCache(cmd.Context(), args[0], keys.ProfileKind(args[1]))
				return a.printRemoved(n, err)
			},
		},
		&cobra.Command{
			Use:   "global KIND",
			Short: "leaderboard | stats | trending | all",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				n, err := a.cache.InvalidateGlobalCache(cmd.Context(), keys.GlobalKind(args[0]))
				return a.printRemoved(n, err)
			},
		},
	)
	return cmd
}

func (a *app) printRemoved(n int, err error) error {
	if err != nil {
		return err
	}
	return a.printJSON(map[string]any{"removed": n})
}

func newSampleCmd(a *app) *cobra.Command {
	var (
		count    int
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Take analytics samples and print the report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if count <= 0 {
				return errors.Newf("sample: --count must be > 0, got %d", count)
			}
			s := analytics.NewSampler(a.cache, analytics.Config{
				Interval:   interval,
				MaxSamples: max(count, a.cfg.AnalyticsMaxSamples),
				Logger:     a.log,
			})
			for i := 0; i < count; i++ {
				if i > 0 {
					select {
					case <-time.After(interval):
					case <-cmd.Context().Done():
						return cmd.Context().Err()
					}
				}
				s.Sample(cmd.Context())
			}
			return a.printJSON(s.Report())
		},
	}
	cmd.Flags().IntVar(&count, "count", 1, "number of samples")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "time between samples")
	return cmd
}

func newMetricsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Dump metrics in the Prometheus text format",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.reg.Register(metrics.NewCollector(metricsNamespace, a.cache)); err != nil {
				return err
			}
			mfs, err := a.reg.Gather()
			if err != nil {
				return err
			}
			for _, mf := range mfs {
				if _, err := expfmt.MetricFamilyToText(a.stdout, mf); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
