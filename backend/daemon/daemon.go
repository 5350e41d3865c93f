// Package daemon provides the entrypoint initialization code to boot the signals-bench program.
// It's like package main, but made as separate package
// to be importable and testable by other packages.
// That's because package main is not importable.
package daemon

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sigtree/backend/config"
	"sigtree/backend/logging"
	"sigtree/backend/signals/engine"
	"sigtree/backend/signals/hub"
	"sigtree/backend/util/cleanup"
)

// App holds the hub with everything around it: tracing, the debug server and the background goroutines.
type App struct {
	clean cleanup.Stack
	g     *errgroup.Group

	log *zap.Logger

	Hub          *hub.Hub
	Commits      *CommitStats
	HTTPListener net.Listener
	HTTPServer   *http.Server
}

type options struct {
	extraHTTPHandlers []func(*Router)
	hubOptions        []hub.Option
}

// Option is a function that can be passed to Load to configure the app.
type Option func(*options)

// WithHTTPHandler add an extra HTTP handler to the app's debug server.
func WithHTTPHandler(route string, h http.Handler, mode int) Option {
	return func(o *options) {
		o.extraHTTPHandlers = append(o.extraHTTPHandlers, func(r *Router) {
			r.Handle(route, h, mode)
		})
	}
}

// WithHubOption adds an extra option for the hub.
func WithHubOption(opt hub.Option) Option {
	return func(o *options) {
		o.hubOptions = append(o.hubOptions, opt)
	}
}

// Load all of the dependencies for the app, and start
// all the background goroutines.
//
// To shut down the app gracefully cancel the provided context and call Wait().
func Load(ctx context.Context, cfg config.Config, oo ...Option) (a *App, err error) {
	a = &App{
		log:     logging.New("sigtree/daemon", cfg.LogLevel),
		Commits: &CommitStats{},
	}
	a.g, ctx = errgroup.WithContext(ctx)

	var opts options
	for _, opt := range oo {
		opt(&opts)
	}

	// If errors occurred during loading, we need to close everything
	// we managed to initialize so far, and wait for all the goroutines
	// to finish. If everything booted correctly, we need to close the cleanup stack
	// when the context is canceled, so the app is shut down gracefully.
	defer func(a *App) {
		if err != nil {
			err = multierr.Combine(
				err,
				a.clean.Close(),
				a.g.Wait(),
			)
		} else {
			a.g.Go(func() error {
				<-ctx.Done()
				return a.clean.Close()
			})
		}
	}(a)

	tp := trace.NewTracerProvider(
		trace.WithSampler(trace.AlwaysSample()),
		trace.WithSpanProcessor(a.Commits),
	)
	a.clean.AddShutdown(2*time.Second, tp.Shutdown)

	otel.SetTracerProvider(tp)

	hubOpts := append([]hub.Option{
		hub.WithLogger(logging.New("sigtree/hub", cfg.LogLevel)),
		hub.WithTreeOptions(engine.WithLogger(logging.New("sigtree/engine", cfg.LogLevel))),
	}, opts.hubOptions...)

	a.Hub = hub.New(cfg.Hub, hubOpts...)
	a.clean.Add(a.Hub)

	if cfg.Debug.Addr != "" {
		a.HTTPServer, a.HTTPListener, err = initHTTP(cfg.Debug.Addr, &a.clean, a.g, a.Hub, a.Commits, opts.extraHTTPHandlers...)
		if err != nil {
			return nil, err
		}
	}

	a.setupLogging()

	return
}

func (a *App) setupLogging() {
	fields := []zap.Field{zap.Int("sessions", a.Hub.Sessions())}
	if a.HTTPListener != nil {
		fields = append(fields, zap.String("httpListener", a.HTTPListener.Addr().String()))
	}
	a.log.Info("DaemonStarted", fields...)

	a.clean.AddErrFunc(func() error {
		a.log.Info("GracefulShutdownStarted")
		return nil
	})
}

// Wait will block until the app is shut down.
func (a *App) Wait() error {
	return a.g.Wait()
}

// CommitStats counts staged transaction commits by watching the tracing spans of the engine.
type CommitStats struct {
	mu       sync.Mutex
	total    int
	aborted  int
	slowest  time.Duration
	duration time.Duration
}

// CommitSummary is a point-in-time copy of CommitStats.
type CommitSummary struct {
	Total   int           `json:"total"`
	Aborted int           `json:"aborted"`
	Slowest time.Duration `json:"slowest"`
	Average time.Duration `json:"average"`
}

// Snapshot returns the current counts.
func (s *CommitStats) Snapshot() CommitSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := CommitSummary{
		Total:   s.total,
		Aborted: s.aborted,
		Slowest: s.slowest,
	}
	if s.total > 0 {
		out.Average = s.duration / time.Duration(s.total)
	}
	return out
}

// OnStart implements trace.SpanProcessor.
func (s *CommitStats) OnStart(context.Context, trace.ReadWriteSpan) {}

// OnEnd implements trace.SpanProcessor.
func (s *CommitStats) OnEnd(span trace.ReadOnlySpan) {
	if span.Name() != engine.CommitSpanName {
		return
	}

	d := span.EndTime().Sub(span.StartTime())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	if span.Status().Code == codes.Error {
		s.aborted++
	}
	s.duration += d
	s.slowest = max(s.slowest, d)
}

// Shutdown implements trace.SpanProcessor.
func (s *CommitStats) Shutdown(context.Context) error { return nil }

// ForceFlush implements trace.SpanProcessor.
func (s *CommitStats) ForceFlush(context.Context) error { return nil }
