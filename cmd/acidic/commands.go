package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	audithook "github.com/xraph/acidic/audit_hook"
	"github.com/xraph/acidic/engine"
	"github.com/xraph/acidic/observability"
	"github.com/xraph/acidic/record"
	"github.com/xraph/acidic/store"
)

var configFile string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "acidic",
		Short:         "Operate acidic execution records and the job outbox",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (YAML)")

	root.AddCommand(
		newMigrateCmd(),
		newPurgeCmd(),
		newStatsCmd(),
		newSweepCmd(),
	)
	return root
}

// runtime is what a command needs once the config is loaded.
type runtime struct {
	cfg    fileConfig
	logger *slog.Logger
	store  store.Store
	engine *engine.Engine
	close  func()
}

func setup(ctx context.Context, opts ...engine.Option) (*runtime, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg)

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	adapters, closeAdapters, err := openAdapters(cfg, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	base := []engine.Option{
		engine.WithConfig(cfg.Engine),
		engine.WithLogger(logger),
	}
	for _, a := range adapters {
		base = append(base, engine.WithAdapter(a))
	}
	if cfg.Audit.Enabled {
		var auditOpts []audithook.Option
		if len(cfg.Audit.Actions) > 0 {
			auditOpts = append(auditOpts, audithook.WithActions(cfg.Audit.Actions...))
		}
		auditOpts = append(auditOpts, audithook.WithLogger(logger))
		base = append(base, engine.WithExtension(audithook.New(audithook.LogRecorder(logger), auditOpts...)))
	}
	eng, err := engine.New(st, append(base, opts...)...)
	if err != nil {
		closeAdapters()
		_ = st.Close()
		return nil, err
	}

	return &runtime{
		cfg:    cfg,
		logger: logger,
		store:  st,
		engine: eng,
		close: func() {
			closeAdapters()
			_ = st.Close()
		},
	}, nil
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the storage schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.store.Migrate(cmd.Context()); err != nil {
				return err
			}
			rt.logger.Info("migrations applied", slog.String("driver", rt.cfg.Store.Driver))
			return nil
		},
	}
}

func newPurgeCmd() *cobra.Command {
	var (
		jobName   string
		olderThan time.Duration
	)
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete finished execution records",
		Long: `Delete execution records that finished without an error. Failed and
in-progress records are never purged.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			opts := record.PurgeOpts{JobName: jobName}
			if olderThan > 0 {
				opts.FinishedBefore = time.Now().Add(-olderThan)
			}
			n, err := rt.engine.Purge(cmd.Context(), opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d records\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&jobName, "job", "", "only purge records of this job")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "only purge records last run before now minus this duration")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print record and outbox counts as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			stats, err := rt.engine.Stats(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		},
	}
}

func newSweepCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Republish staged jobs whose enqueue never happened",
		Long: `Run the outbox sweeper on the configured schedule until interrupted.
With --once, run a single sweep and print its result.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if once {
				return sweepOnce(cmd)
			}
			return sweepDaemon(cmd)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run one sweep and exit")
	return cmd
}

func sweepOnce(cmd *cobra.Command) error {
	rt, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.close()

	sw, err := rt.engine.Sweeper()
	if err != nil {
		return err
	}
	res, err := sw.SweepOnce(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "published %d, failed %d\n", res.Published, res.Failed)
	return nil
}

func sweepDaemon(cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	var opts []engine.Option
	if cfg.Metrics.Enabled {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		promExt, err := observability.NewPrometheusExtension(cfg.Metrics.Namespace, reg)
		if err != nil {
			return err
		}
		opts = append(opts, engine.WithExtension(promExt))
	}

	rt, err := setup(ctx, opts...)
	if err != nil {
		return err
	}
	defer rt.close()

	sw, err := rt.engine.Sweeper()
	if err != nil {
		return err
	}
	if err := sw.Start(ctx); err != nil {
		return err
	}

	var srv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		srv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				rt.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
		rt.logger.Info("serving metrics", slog.String("addr", cfg.Metrics.Addr))
	}

	<-ctx.Done()
	rt.logger.Info("shutting down sweeper")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if srv != nil {
		_ = srv.Shutdown(shutdownCtx)
	}
	if err := sw.Stop(shutdownCtx); err != nil {
		return err
	}
	return rt.engine.Stop(shutdownCtx)
}
