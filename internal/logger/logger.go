// Package logger configures the process-wide structured logger.
//
// Pipeline stages log stage boundaries and converted failure events here;
// hot loops (hashing, distance computation, union-find) never log.
package logger

import (
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var level = new(slog.LevelVar)

var current atomic.Pointer[slog.Logger]

func init() {
	level.Set(slog.LevelInfo)
	current.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// Configure sets the log level ("debug", "info", "warn", "error") and
// output format ("text" or "json"). Unknown values keep the defaults.
func Configure(levelName, format string) {
	switch strings.ToLower(levelName) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}
	if strings.EqualFold(format, "json") {
		current.Store(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	} else {
		current.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	}
}

// L returns the current logger.
func L() *slog.Logger { return current.Load() }

// With returns a child logger carrying the given attributes.
func With(args ...any) *slog.Logger { return current.Load().With(args...) }

func Debug(msg string, args ...any) { current.Load().Debug(msg, args...) }
func Info(msg string, args ...any)  { current.Load().Info(msg, args...) }
func Warn(msg string, args ...any)  { current.Load().Warn(msg, args...) }
func Error(msg string, args ...any) { current.Load().Error(msg, args...) }
