// Package log implements structured logging using slog.
package log

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"

	"firestige.xyz/failsink/internal/config"
)

// defaultLevel backs the logger installed by Init so SetLevel can change it
// at runtime.
var defaultLevel = new(slog.LevelVar)

// New builds a logger from configuration. The returned closer flushes and
// releases file and Loki outputs. A nil levelVar gets a private one.
func New(cfg config.LogConfig, stdout io.Writer, levelVar *slog.LevelVar) (*slog.Logger, io.Closer, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level: %w", err)
	}
	if stdout == nil {
		stdout = os.Stdout
	}
	if levelVar == nil {
		levelVar = new(slog.LevelVar)
	}
	levelVar.Set(level)

	// stdout is always included.
	out := NewMultiWriter().Add(stdout)
	var closers closerList

	if cfg.Outputs.File.Enabled {
		w, err := createFileWriter(cfg.Outputs.File)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create file output: %w", err)
		}
		out.Add(w)
		closers = append(closers, w)
	}

	if cfg.Outputs.Loki.Enabled {
		w, err := createLokiWriter(cfg.Outputs.Loki)
		if err != nil {
			_ = closers.Close()
			return nil, nil, fmt.Errorf("failed to create loki output: %w", err)
		}
		out.Add(w)
		closers = append(closers, w)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: levelVar, AddSource: true}

	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	case "text":
		handler = slog.NewTextHandler(out, opts)
	case "pattern":
		handler = newLogrusHandler(out, levelVar, cfg.Pattern, cfg.TimeFormat)
	case "console":
		handler = tint.NewHandler(out, &tint.Options{
			Level:      levelVar,
			AddSource:  true,
			TimeFormat: consoleTimeFormat(cfg.TimeFormat),
			// escape codes only when stdout is the sole output
			NoColor: len(closers) > 0,
		})
	default:
		_ = closers.Close()
		return nil, nil, fmt.Errorf("unsupported log format: %s (must be json, text, pattern or console)", cfg.Format)
	}

	return slog.New(handler), closers, nil
}

// Init builds a logger writing to stdout and installs it as the slog default.
func Init(cfg config.LogConfig) (io.Closer, error) {
	logger, closer, err := New(cfg, os.Stdout, defaultLevel)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return closer, nil
}

// SetLevel changes the level of the logger installed by Init.
func SetLevel(levelStr string) error {
	level, err := parseLevel(levelStr)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	defaultLevel.Set(level)
	return nil
}

func consoleTimeFormat(layout string) string {
	if layout == "" {
		return time.RFC3339
	}
	return layout
}

// parseLevel converts string level to slog.Level.
func parseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown level: %s", levelStr)
	}
}

// createFileWriter creates a lumberjack file writer for log rotation.
func createFileWriter(fc config.FileOutputConfig) (*lumberjack.Logger, error) {
	if fc.Path == "" {
		return nil, fmt.Errorf("file output requires 'path' field")
	}
	return &lumberjack.Logger{
		Filename:   fc.Path,
		MaxSize:    fc.Rotation.MaxSizeMB,
		MaxBackups: fc.Rotation.MaxBackups,
		MaxAge:     fc.Rotation.MaxAgeDays,
		Compress:   fc.Rotation.Compress,
	}, nil
}

// createLokiWriter creates a Loki writer.
func createLokiWriter(lc config.LokiOutputConfig) (*LokiWriter, error) {
	if lc.Endpoint == "" {
		return nil, fmt.Errorf("loki output requires 'endpoint' field")
	}
	return NewLokiWriter(LokiConfig{
		Endpoint:      lc.Endpoint,
		Labels:        lc.Labels,
		BatchSize:     lc.BatchSize,
		FlushInterval: lc.BatchTimeout,
	})
}

type closerList []io.Closer

func (c closerList) Close() error {
	var errs []error
	for _, cl := range c {
		if err := cl.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
