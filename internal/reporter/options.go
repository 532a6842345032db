package reporter

import (
	"log/slog"

	"firestige.xyz/failsink/internal/eventbus"
	"firestige.xyz/failsink/internal/failure"
)

const (
	DefaultSubsystem = "failsink"
	DefaultCategory  = "errors"
)

// Option configures a Reporter.
type Option func(*Reporter)

// WithSubsystem sets the subsystem tag attached to every log line and used as
// the event bus partition key.
func WithSubsystem(subsystem string) Option {
	return func(r *Reporter) {
		if subsystem != "" {
			r.subsystem = subsystem
		}
	}
}

// WithCategory sets the category tag attached to every log line.
func WithCategory(category string) Option {
	return func(r *Reporter) {
		if category != "" {
			r.category = category
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Reporter) {
		if logger != nil {
			r.baseLogger = logger
		}
	}
}

// WithBus shares an existing bus. The reporter does not close it.
func WithBus(bus eventbus.EventBus) Option {
	return func(r *Reporter) {
		r.bus = bus
	}
}

// WithClassifier installs a classifier consulted before the general fallback.
func WithClassifier(c failure.Classifier) Option {
	return func(r *Reporter) {
		r.classifier = c
	}
}

func WithMetrics(enabled bool) Option {
	return func(r *Reporter) {
		r.metrics = enabled
	}
}
