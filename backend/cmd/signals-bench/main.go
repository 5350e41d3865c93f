// Program signals-bench runs concurrent sessions against a signals hub,
// and checks that all of them converge to the same tree.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"slices"
	"time"

	_ "expvar"
	_ "net/http/pprof"

	"github.com/burdiyan/go/mainutil"
	"github.com/getsentry/sentry-go"
	"github.com/peterbourgon/ff/v4"
	"go.uber.org/zap"

	"sigtree/backend/bench"
	"sigtree/backend/config"
	"sigtree/backend/daemon"
	"sigtree/backend/logging"
	"sigtree/backend/util/debugx"
	"sigtree/backend/util/pprofx"
	"sigtree/backend/util/revdbg"
)

var errNotConverged = errors.New("sessions didn't converge")

func main() {
	const envVarPrefix = "SIGTREE"

	mainutil.Run(func() error {
		ctx := mainutil.TrapSignals()

		fs := flag.NewFlagSet("signals-bench", flag.ExitOnError)

		cfg := config.Default()
		cfg.BindFlags(fs)

		err := ff.Parse(fs, slices.Clone(os.Args[1:]), ff.WithEnvVarPrefix(envVarPrefix))
		if err != nil {
			if errors.Is(err, ff.ErrHelp) {
				fs.Usage()
				return nil
			}

			return err
		}

		if err := cfg.Bench.Validate(); err != nil {
			return err
		}

		log := logging.New("signals-bench", cfg.LogLevel)
		if err := sentry.Init(sentry.ClientOptions{}); err != nil {
			log.Debug("SentryInitError", zap.Error(err))
		} else {
			defer sentry.Flush(2 * time.Second)
		}

		if log.Core().Enabled(zap.DebugLevel) {
			log.Debug("Config", zap.String("config", debugx.Sdump(cfg)))
		}

		if cfg.Debug.Addr != "" {
			pprofx.UseRecommendedSettings()
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		app, err := daemon.Load(ctx, cfg)
		if err != nil {
			return err
		}

		rep, err := runBench(ctx, app, cfg, log)
		if err != nil {
			cancel()
			return errors.Join(err, ignoreCanceled(app.Wait()))
		}

		rep.Render(os.Stdout)
		if cfg.Bench.DumpTree {
			revdbg.Print(os.Stdout, app.Hub.Tree().Confirmed())
		}

		commits := app.Commits.Snapshot()
		fmt.Fprintf(os.Stdout, "staged commits: %d (aborted %d), average %s, slowest %s\n",
			commits.Total, commits.Aborted, commits.Average, commits.Slowest)

		if cfg.Debug.Linger && app.HTTPListener != nil {
			log.Info("DebugServerLingering", zap.String("httpListener", app.HTTPListener.Addr().String()))
			<-ctx.Done()
		}

		cancel()
		if err := ignoreCanceled(app.Wait()); err != nil {
			return err
		}

		if !rep.Converged() {
			sentry.CaptureException(errNotConverged)
			return errNotConverged
		}

		return nil
	})
}

func runBench(ctx context.Context, app *daemon.App, cfg config.Config, log *zap.Logger) (bench.Report, error) {
	if err := bench.Setup(app.Hub); err != nil {
		return bench.Report{}, err
	}

	if cfg.Debug.ProfileDir == "" {
		return bench.Run(ctx, app.Hub, cfg.Bench, log)
	}

	var rep bench.Report
	err := pprofx.Do(ctx, "bench", cfg.Debug.ProfileDir, func(ctx context.Context) (err error) {
		rep, err = bench.Run(ctx, app.Hub, cfg.Bench, log)
		return err
	})
	if err == nil {
		log.Info("ProfilesWritten", zap.String("dir", cfg.Debug.ProfileDir))
	}
	return rep, err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
