// Package daemon runs one feed forever: a cron-driven polling loop, the
// optional prometheus listener, and signal-aware shutdown.
package daemon

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dsh2dsh/cron/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/kenfar/buffalofq/config"
	"github.com/kenfar/buffalofq/internal/audit"
	"github.com/kenfar/buffalofq/internal/feed"
	"github.com/kenfar/buffalofq/internal/logging"
)

// Run drives the feed until a termination signal. Each polling tick runs
// one feed pass; a tick that lands while a pass is still running is
// skipped. A journal write error is fatal and stops the daemon.
func Run(ctx context.Context, f *config.Feed, env *config.Env) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logging.FromContext(ctx)
	if !f.Enabled() {
		log.Info("feed disabled, nothing to do", slog.String("feed", f.Name))
		return nil
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	feed.RegisterMetrics(registry)

	g, gctx := errgroup.WithContext(ctx)
	if f.Monitoring != nil {
		serveMetrics(gctx, g, f.Monitoring.Listen, registry)
	}
	g.Go(func() error { return poll(gctx, f, env) })

	// a shutdown signal is a clean exit; anything else is an error
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	log.Info("shutdown complete", slog.String("feed", f.Name))
	return nil
}

// RunOnce executes a single feed pass, for one-shot invocations.
func RunOnce(ctx context.Context, f *config.Feed, env *config.Env) error {
	_, err := feed.NewRunner(f, env).RunOnce(ctx)
	return err
}

func poll(ctx context.Context, f *config.Feed, env *config.Env) error {
	log := logging.FromContext(ctx)
	runner := feed.NewRunner(f, env)

	fatal := make(chan error, 1)
	var running atomic.Bool
	pass := func() {
		if !running.CompareAndSwap(false, true) {
			log.Warn("previous pass still running, tick skipped")
			return
		}
		defer running.Store(false)

		report, err := runner.RunOnce(ctx)
		if err == nil {
			return
		}
		var werr *audit.WriteError
		if errors.As(err, &werr) {
			// write-ahead invariant broken
			select {
			case fatal <- err:
			default:
			}
			return
		}
		// the feed halts on this file until the next tick retries it
		logging.WithError(log.With(slog.String("run_id", report.RunID)),
			err, "feed pass failed")
	}

	c := cron.New()
	if _, err := c.AddFunc(f.CronSpec(), pass); err != nil {
		return err
	}

	log.Info("polling started",
		slog.String("feed", f.Name), slog.String("schedule", f.CronSpec()))
	c.Start()
	defer c.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-fatal:
		return err
	}
}

func serveMetrics(ctx context.Context, g *errgroup.Group, listen string,
	registry *prometheus.Registry,
) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	g.Go(func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
