// Package logging creates named zap loggers on top of the IPFS logging registry,
// so levels of each subsystem can be changed at runtime.
//
// Global loggers are discouraged. Binaries call New with the level they want,
// and libraries take the logger as an option, defaulting to Logger.
package logging

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/ipfs/go-log/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// FormatEnvVar selects the log encoding: "json" or "console".
// When unset, JSON is used unless stderr is a terminal.
const FormatEnvVar = "SIGTREE_LOG_FORMAT"

func init() {
	log.SetPrimaryCore(zapcore.NewCore(newEncoder(logFormat()), os.Stderr, zap.NewAtomicLevelAt(zapcore.DebugLevel)))
}

func logFormat() string {
	for _, env := range []string{FormatEnvVar, "GOLOG_LOG_FMT"} {
		if v := strings.TrimSpace(strings.ToLower(os.Getenv(env))); v != "" {
			return v
		}
	}

	if term.IsTerminal(int(os.Stderr.Fd())) {
		return "console"
	}
	return "json"
}

func newEncoder(format string) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.MessageKey = "msg"
	cfg.LevelKey = "lvl"
	cfg.TimeKey = "ts"
	cfg.NameKey = "log"
	cfg.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.UTC().Format(time.RFC3339Nano))
	}

	if format == "console" {
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(cfg)
	}

	return zapcore.NewJSONEncoder(cfg)
}

// New creates a named logger with the given level.
// Calling it again for the same subsystem only changes the level.
func New(subsystem, level string) *zap.Logger {
	l := Logger(subsystem)
	SetLogLevel(subsystem, level)
	return l
}

// Logger returns a named logger without touching its level.
func Logger(subsystem string) *zap.Logger {
	return log.Logger(subsystem).Desugar()
}

// SetLogLevel panics if the level can't be parsed.
func SetLogLevel(subsystem, level string) {
	if err := SetLogLevelErr(subsystem, level); err != nil {
		panic(fmt.Errorf("%s %s %w", subsystem, level, err))
	}
}

// SetLogLevelErr is like [SetLogLevel] but returns an error instead of panic.
// Subsystem "*" sets the level for all loggers.
func SetLogLevelErr(subsystem, level string) error {
	if subsystem == "*" {
		return log.SetLogLevelRegex(".*", level)
	}
	return log.SetLogLevel(subsystem, level)
}

// LevelInfo describes the level of a named logger.
type LevelInfo struct {
	Subsystem string `json:"subsystem"`
	Level     string `json:"level"`
}

// Levels lists all the known loggers with their levels, sorted by name.
func Levels() []LevelInfo {
	names := log.GetSubsystems()
	slices.Sort(names)

	out := make([]LevelInfo, len(names))
	for i, n := range names {
		out[i] = LevelInfo{Subsystem: n, Level: GetLogLevel(n).String()}
	}
	return out
}

// GetLogLevel returns the current log level for the given logger.
func GetLogLevel(subsystem string) zapcore.Level {
	return log.Logger(subsystem).Level()
}
