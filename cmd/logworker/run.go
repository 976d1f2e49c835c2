package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/fluxorio/wtp/pkg/config"
	"github.com/fluxorio/wtp/pkg/core"
	"github.com/fluxorio/wtp/pkg/core/concurrency"
	"github.com/fluxorio/wtp/pkg/observability/prometheus"
)

type runOptions struct {
	producers     int
	lines         int
	submitTimeout time.Duration
	killTimeout   time.Duration
	output        string
}

func newRunCmd(global *globalOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Produce log lines into the worker pool until done or interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := global.loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, opts, cmd.OutOrStdout())
		},
	}
	addRunFlags(cmd.Flags(), opts)
	return cmd
}

func addRunFlags(fs *pflag.FlagSet, opts *runOptions) {
	fs.IntVarP(&opts.producers, "producers", "p", 4, "number of concurrent line producers")
	fs.IntVarP(&opts.lines, "lines", "n", 10000, "lines per producer, 0 produces until interrupted")
	fs.DurationVar(&opts.submitTimeout, "submit-timeout", time.Second, "how long a producer waits for queue space")
	fs.DurationVar(&opts.killTimeout, "kill-timeout", 30*time.Second, "upper bound for the shutdown after workers were cancelled")
	fs.StringVarP(&opts.output, "output", "o", "", "file to write processed lines to, '-' for stdout")
}

func run(ctx context.Context, cfg config.Config, opts *runOptions, stdout io.Writer) error {
	logger := newLogger(cfg.Log)

	shutdownTracing, err := setupTracing(cfg.Tracing, stdout)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warnf("tracing shutdown: %v", err)
		}
	}()

	out, closeOut, err := openOutput(opts.output, stdout)
	if err != nil {
		return err
	}
	defer closeOut()

	metrics := prometheus.GetMetrics()
	sink := newLineSink(out, metrics.Counter("logworker_lines_total", "Processed log lines by severity", "severity"))
	dropped := metrics.Counter("logworker_lines_dropped_total", "Lines refused by the executor", "reason")

	execCfg := cfg.ExecutorConfig()
	execCfg.Logger = logger
	execCfg.Observer = metrics
	executor, err := concurrency.NewExecutor(context.Background(), execCfg)
	if err != nil {
		return err
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = startMetricsServer(cfg.Metrics, logger)
	}

	logger.Infof("producing with %d producer(s), %d line(s) each, up to %d worker(s)",
		opts.producers, opts.lines, cfg.Executor.Workers)

	started := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for p := 0; p < opts.producers; p++ {
		g.Go(func() error {
			return produce(gctx, executor, sink, p, opts, dropped)
		})
	}
	prodErr := g.Wait()
	if ctx.Err() != nil {
		logger.Infof("interrupted, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.killTimeout)
	defer cancel()
	shutdownErr := executor.Shutdown(shutdownCtx)

	stats := executor.Stats()
	logger.WithField("took", time.Since(started).Round(time.Millisecond)).
		Infof("done: completed=%d failed=%d rejected=%d discarded=%d",
			stats.CompletedTasks, stats.FailedTasks, stats.RejectedTasks, stats.DiscardedTasks)

	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("metrics server shutdown: %v", err)
		}
	}

	return errors.Join(prodErr, shutdownErr)
}

// produce submits lines for one producer. Lines refused because the queue
// stayed full are counted and skipped.
func produce(ctx context.Context, executor concurrency.Executor, sink *lineSink, producer int,
	opts *runOptions, dropped *prom.CounterVec) error {
	for n := 0; opts.lines == 0 || n < opts.lines; n++ {
		if ctx.Err() != nil {
			return nil
		}
		line := makeLine(producer, n, time.Now())
		task := concurrency.NewNamedTask(fmt.Sprintf("producer%d/%d", producer, n), func(ctx context.Context) error {
			return sink.process(ctx, line)
		})

		err := executor.SubmitWithTimeout(task, opts.submitTimeout)
		switch {
		case err == nil:
		case errors.Is(err, concurrency.ErrQueueFull):
			dropped.WithLabelValues("queue_full").Inc()
		case errors.Is(err, concurrency.ErrExecutorClosed):
			return nil
		default:
			return fmt.Errorf("producer %d: %w", producer, err)
		}
	}
	return nil
}

func openOutput(path string, stdout io.Writer) (io.Writer, func(), error) {
	switch path {
	case "":
		return io.Discard, func() {}, nil
	case "-":
		return stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open output: %w", err)
	}
	return f, func() { f.Close() }, nil
}

func startMetricsServer(cfg config.MetricsSection, logger core.Logger) *http.Server {
	mux := http.NewServeMux()
	prometheus.RegisterMetricsEndpoint(mux, cfg.Path)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Infof("metrics listening on %s%s", cfg.Addr, cfg.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("metrics server failed: %v", err)
		}
	}()
	return srv
}
