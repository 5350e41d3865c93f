// Package pprofx captures runtime profiles around a piece of work.
package pprofx

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
)

// UseRecommendedSettings enables sampled block and mutex profiles,
// so they show up on /debug/pprof without slowing the process down too much.
func UseRecommendedSettings() {
	runtime.SetBlockProfileRate(10000)
	runtime.SetMutexProfileFraction(10)
}

// Do runs fn with the pprof label op=name while recording an execution trace and a CPU profile,
// and then writes every registered profile into dir.
// Block and mutex profiles are recorded with full granularity during fn,
// and are reset to [UseRecommendedSettings] afterwards.
//
// The error of fn is returned together with any error of writing the profiles.
func Do(ctx context.Context, name, dir string, fn func(context.Context) error) (err error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create profile directory: %w", err)
	}

	runtime.SetBlockProfileRate(1)
	runtime.SetMutexProfileFraction(1)
	defer UseRecommendedSettings()

	stop, err := start(dir)
	if err != nil {
		return err
	}

	pprof.Do(ctx, pprof.Labels("op", name), func(ctx context.Context) {
		err = fn(ctx)
	})

	return errors.Join(err, stop(), writeProfiles(dir))
}

func start(dir string) (stop func() error, err error) {
	traceFile, err := os.Create(filepath.Join(dir, "trace.out"))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace file: %w", err)
	}

	if err := trace.Start(traceFile); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to start trace: %w", err), traceFile.Close())
	}

	cpuFile, err := os.Create(filepath.Join(dir, "cpu.prof"))
	if err != nil {
		trace.Stop()
		return nil, errors.Join(fmt.Errorf("failed to create cpu profile file: %w", err), traceFile.Close())
	}

	if err := pprof.StartCPUProfile(cpuFile); err != nil {
		trace.Stop()
		return nil, errors.Join(fmt.Errorf("failed to start cpu profile: %w", err), traceFile.Close(), cpuFile.Close())
	}

	return func() error {
		pprof.StopCPUProfile()
		trace.Stop()
		return errors.Join(traceFile.Close(), cpuFile.Close())
	}, nil
}

func writeProfiles(dir string) error {
	// For accurate heap profile.
	runtime.GC()

	for _, p := range pprof.Profiles() {
		path := filepath.Join(dir, p.Name()+".prof")
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create profile file %s: %w", path, err)
		}
		if err := p.WriteTo(f, 0); err != nil {
			return errors.Join(fmt.Errorf("failed to write profile %s: %w", p.Name(), err), f.Close())
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("failed to close profile file %s: %w", path, err)
		}
	}

	return nil
}
