// Package config provides global configuration.
package config

import (
	"flag"
	"fmt"
	"strings"
	"time"
)

// Base configuration.
type Base struct {
	LogLevel string
}

func (c Base) Default() Base {
	return Base{
		LogLevel: "info",
	}
}

// BindFlags binds the flags to the given FlagSet.
func (c *Base) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log verbosity debug | info | warning | error")
}

// Config for the benchmark binary. When adding or removing fields,
// adjust the Default() and BindFlags() accordingly.
type Config struct {
	Base

	Debug Debug
	Hub   Hub
	Bench Bench
}

// BindFlags configures the given FlagSet with the existing values from the given Config
// and prepares the FlagSet to parse the flags into the Config.
//
// This function is assumed to be called after some default values were set on the given config.
// These values will be used as default values in flags.
// See Default() for the default config values.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	c.Base.BindFlags(fs)
	c.Debug.BindFlags(fs)
	c.Hub.BindFlags(fs)
	c.Bench.BindFlags(fs)
}

// Default creates a new default config.
func Default() Config {
	return Config{
		Base:  Base{}.Default(),
		Debug: Debug{}.Default(),
		Hub:   Hub{}.Default(),
		Bench: Bench{}.Default(),
	}
}

// Debug HTTP server configuration.
type Debug struct {
	// Addr is empty when the server is disabled.
	Addr string
	// Linger keeps the server running after the benchmark finishes, until the process is interrupted.
	Linger bool
	// ProfileDir is where CPU, trace and other runtime profiles of the benchmark are written. Disabled if empty.
	ProfileDir string
}

func (c Debug) Default() Debug {
	return Debug{}
}

// BindFlags binds the flags to the given FlagSet.
func (c *Debug) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Addr, "debug.addr", c.Addr, "Address for the debug HTTP server with metrics and tree dumps, e.g. localhost:55010 (disabled if empty)")
	fs.BoolVar(&c.Linger, "debug.linger", c.Linger, "Keep the debug server running after the benchmark is finished")
	fs.StringVar(&c.ProfileDir, "debug.profile-dir", c.ProfileDir, "Directory to write runtime profiles of the benchmark run into (disabled if empty)")
}

// Hub configuration.
type Hub struct {
	RetryBase  time.Duration
	RetryCap   time.Duration
	MaxRetries uint64
	Validate   bool
}

func (c Hub) Default() Hub {
	return Hub{
		RetryBase:  10 * time.Millisecond,
		RetryCap:   time.Second,
		MaxRetries: 8,
	}
}

// BindFlags binds the flags to the given FlagSet.
func (c *Hub) BindFlags(fs *flag.FlagSet) {
	fs.DurationVar(&c.RetryBase, "hub.retry-base", c.RetryBase, "Initial delay before redelivering a batch to a session")
	fs.DurationVar(&c.RetryCap, "hub.retry-cap", c.RetryCap, "Maximum delay between redelivery attempts")
	fs.Uint64Var(&c.MaxRetries, "hub.max-retries", c.MaxRetries, "Redelivery attempts before a session is disconnected")
	fs.BoolVar(&c.Validate, "hub.validate", c.Validate, "Validate every tree revision (slow)")
}

// Workload kinds of the benchmark.
const (
	WorkloadIncrement = "increment"
	WorkloadInsert    = "insert"
	WorkloadMixed     = "mixed"
)

var workloads = []string{WorkloadIncrement, WorkloadInsert, WorkloadMixed}

// Bench configuration.
type Bench struct {
	Sessions int
	Ops      int
	Workload string
	// DropRate is the probability of a failed delivery attempt, to exercise redelivery.
	DropRate float64
	Seed     uint64
	Timeout  time.Duration
	DumpTree bool
}

func (c Bench) Default() Bench {
	return Bench{
		Sessions: 8,
		Ops:      1000,
		Workload: WorkloadMixed,
		Seed:     1,
		Timeout:  time.Minute,
	}
}

// BindFlags binds the flags to the given FlagSet.
func (c *Bench) BindFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.Sessions, "bench.sessions", c.Sessions, "Number of concurrent sessions")
	fs.IntVar(&c.Ops, "bench.ops", c.Ops, "Number of operations per session")
	fs.Func("bench.workload", "Workload kind "+strings.Join(workloads, " | ")+" (default "+c.Workload+")", func(in string) error {
		for _, w := range workloads {
			if in == w {
				c.Workload = in
				return nil
			}
		}
		return fmt.Errorf("unknown workload %q", in)
	})
	fs.Float64Var(&c.DropRate, "bench.drop-rate", c.DropRate, "Probability of a failed delivery attempt [0, 1)")
	fs.Uint64Var(&c.Seed, "bench.seed", c.Seed, "Seed for the random choices of the workload")
	fs.DurationVar(&c.Timeout, "bench.timeout", c.Timeout, "Maximum time to wait for the sessions to converge")
	fs.BoolVar(&c.DumpTree, "bench.dump-tree", c.DumpTree, "Print the final hub tree")
}

// Validate checks the values that flags can't check on their own.
func (c Bench) Validate() error {
	if c.Sessions <= 0 {
		return fmt.Errorf("bench.sessions must be positive, got %d", c.Sessions)
	}
	if c.Ops < 0 {
		return fmt.Errorf("bench.ops must not be negative, got %d", c.Ops)
	}
	if c.DropRate < 0 || c.DropRate >= 1 {
		return fmt.Errorf("bench.drop-rate must be in [0, 1), got %v", c.DropRate)
	}
	return nil
}
