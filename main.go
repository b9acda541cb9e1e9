package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"cyclegc/pkg/config"
	"cyclegc/pkg/gc"
	"cyclegc/pkg/heap"
	"cyclegc/pkg/telemetry"
)

var (
	configPath string
	logLevel   string
	disabled   bool

	rootCmd = &cobra.Command{
		Use:   "cyclegc",
		Short: "Concurrent cycle collector for reference-counted heaps",
		Long: `cyclegc runs the cycle collector against a small reference object model.
Every scan happens inline on the goroutine that released the last external
reference; there is no collector thread.`,
		SilenceUsage: true,
	}
	demoCmd = &cobra.Command{
		Use:   "demo",
		Short: "Walk through the basic collection scenarios and print what happens",
		RunE:  runDemo,
	}
	stressCmd = &cobra.Command{
		Use:   "stress",
		Short: "Run concurrent mutators against one heap and check nothing leaks or dies early",
		RunE:  runStress,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (defaults are used when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&disabled, "disable-collector", false, "bypass cycle collection, plain refcounting only")

	stressCmd.Flags().Int("workers", 0, "override stress.workers")
	stressCmd.Flags().Int("rounds", 0, "override stress.rounds")
	stressCmd.Flags().Int64("seed", 0, "override stress.seed")

	rootCmd.AddCommand(demoCmd, stressCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads the config and builds the logger, tracer provider, collector
// and heap. The returned shutdown flushes pending spans.
func setup(ctx context.Context) (config.Config, *heap.Heap, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, nil, nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if disabled {
		cfg.Collector.Disabled = true
	}
	level, err := cfg.Logging.SlogLevel()
	if err != nil {
		return cfg, nil, nil, err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	tp, shutdownTracing, err := telemetry.Init(ctx, cfg.Observability, os.Stderr)
	if err != nil {
		return cfg, nil, nil, fmt.Errorf("init telemetry: %w", err)
	}
	shutdown := func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracer shutdown failed", slog.Any("error", err))
		}
	}

	c := gc.New(cfg, gc.WithLogger(logger), gc.WithTracerProvider(tp))
	return cfg, heap.New(c), shutdown, nil
}

func runDemo(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	_, h, shutdown, err := setup(ctx)
	if err != nil {
		return err
	}
	defer shutdown()
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, "== three-node cycle, all external references released")
	a, b, c := h.NewHash(), h.NewHash(), h.NewHash()
	if err := chain(ctx, a, b, c, a); err != nil {
		return err
	}
	for _, v := range []*heap.Value{a, b, c} {
		h.Release(ctx, v)
	}
	fmt.Fprintf(out, "   destroyed: a=%t b=%t c=%t, live=%d\n", a.Destroyed(), b.Destroyed(), c.Destroyed(), h.Live())

	fmt.Fprintln(out, "== two-node cycle, one external reference kept on a")
	a, b = h.NewHash(), h.NewHash()
	if err := chain(ctx, a, b, a); err != nil {
		return err
	}
	h.Release(ctx, b)
	fmt.Fprintf(out, "   after releasing b: a=%t b=%t, cycle=%v\n", a.Destroyed(), b.Destroyed(), a.Participant().Cycle())
	h.Release(ctx, a)
	fmt.Fprintf(out, "   after releasing a: a=%t b=%t, live=%d\n", a.Destroyed(), b.Destroyed(), h.Live())

	fmt.Fprintln(out, "== two cycles joined by a new edge")
	a, b, c = h.NewHash(), h.NewHash(), h.NewHash()
	d := h.NewHash()
	if err := chain(ctx, a, b, a); err != nil {
		return err
	}
	if err := chain(ctx, c, d, c); err != nil {
		return err
	}
	if err := d.Set(ctx, "link", a); err != nil {
		return err
	}
	for _, v := range []*heap.Value{b, a, d} {
		h.Release(ctx, v)
	}
	fmt.Fprintf(out, "   before releasing c: a.cycle=%v c.cycle=%v\n", a.Participant().Cycle(), c.Participant().Cycle())
	h.Release(ctx, c)
	fmt.Fprintf(out, "   after releasing c: all destroyed=%t, live=%d\n",
		a.Destroyed() && b.Destroyed() && c.Destroyed() && d.Destroyed(), h.Live())

	st := h.Collector().Stats()
	fmt.Fprintf(out, "scans=%d commits=%d rollbacks=%d cycles_collected=%d live_cycle_sets=%d\n",
		st.Scans, st.Commits, st.Rollbacks, st.CyclesCollected, st.LiveCycleSets)
	return nil
}

// chain links each value to the next under "next"
func chain(ctx context.Context, vals ...*heap.Value) error {
	for i := 0; i+1 < len(vals); i++ {
		if err := vals[i].Set(ctx, "next", vals[i+1]); err != nil {
			return err
		}
	}
	return nil
}

func runStress(cmd *cobra.Command, args []string) error {
	cfg, h, shutdown, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer shutdown()
	if v, _ := cmd.Flags().GetInt("workers"); v > 0 {
		cfg.Stress.Workers = v
	}
	if v, _ := cmd.Flags().GetInt("rounds"); v > 0 {
		cfg.Stress.Rounds = v
	}
	if v, _ := cmd.Flags().GetInt64("seed"); v != 0 {
		cfg.Stress.Seed = v
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Observability.MetricsEnabled && cfg.Observability.MetricsAddr != "" {
		srv := serveMetrics(cfg.Observability.MetricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	report, err := heap.RunStress(ctx, h, cfg.Stress)
	if err != nil {
		return fmt.Errorf("stress run %s: %w", report.RunID, err)
	}

	st := h.Collector().Stats()
	fmt.Fprintf(cmd.OutOrStdout(),
		"run %s: %d workers x %d rounds in %s\n  allocated=%d destroyed=%d cycles=%d live=%d\n  premature=%d leaked=%d\n  scans=%d attempts=%d conflicts=%d abandoned=%d\n",
		report.RunID, report.Workers, report.Rounds, report.Elapsed.Round(time.Millisecond),
		report.Allocated, report.Destroyed, report.CyclesDestroyed, report.Live,
		report.Premature, report.Leaked,
		st.Scans, st.Attempts, st.Conflicts, st.Abandoned)

	if report.Premature > 0 || report.Leaked > 0 {
		return fmt.Errorf("stress run %s: %d premature, %d leaked", report.RunID, report.Premature, report.Leaked)
	}
	if v := h.Collector().Violations(); len(v) > 0 {
		return fmt.Errorf("stress run %s: %d invariant violations, first: %s", report.RunID, len(v), v[0])
	}
	return nil
}

// serveMetrics exposes the Prometheus registry while the stress run lasts
func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", slog.String("addr", addr), slog.Any("error", err))
		}
	}()
	slog.Info("serving metrics", slog.String("addr", addr))
	return srv
}
