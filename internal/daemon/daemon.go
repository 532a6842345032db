// Package daemon implements the failsink daemon lifecycle: it is the
// composition root that builds the reporters and the services around them.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"sync"
	"syscall"
	"time"

	"firestige.xyz/failsink/internal/command"
	"firestige.xyz/failsink/internal/config"
	"firestige.xyz/failsink/internal/eventbus"
	logpkg "firestige.xyz/failsink/internal/log"
	"firestige.xyz/failsink/internal/metrics"
	"firestige.xyz/failsink/internal/reporter"
	kafkasink "firestige.xyz/failsink/internal/sink/kafka"
	redissink "firestige.xyz/failsink/internal/sink/redis"
)

// Daemon owns the reporters and their supporting services.
type Daemon struct {
	// Configuration
	config     *config.GlobalConfig
	configPath string
	pidFile    string

	// Core components
	bus           *eventbus.InMemoryEventBus
	registry      *reporter.Registry
	metricsServer *metrics.Server    // nil if metrics disabled
	udsServer     *command.UDSServer // nil if control socket disabled
	kafkaSink     *kafkasink.Sink    // nil if sinks.kafka disabled
	redisMirror   *redissink.Mirror  // nil if sinks.redis disabled
	logCloser     io.Closer
	unsubscribe   []func()

	// Lifecycle management
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownChan chan struct{}
	sigChan      chan os.Signal

	// reloadMu serializes Reload between SIGHUP and config_reload
	reloadMu sync.Mutex
}

// New loads configuration and creates a Daemon. Nothing is started yet.
func New(configPath, pidFile string) (*Daemon, error) {
	globalConfig, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	d := &Daemon{
		config:       globalConfig,
		configPath:   configPath,
		pidFile:      pidFile,
		shutdownChan: make(chan struct{}, 1),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// ControlSocket returns the control socket path, or "" when disabled.
func (d *Daemon) ControlSocket() string {
	return d.config.Control.Socket
}

// Registry exposes the reporters for in-process callers.
func (d *Daemon) Registry() *reporter.Registry {
	return d.registry
}

// MetricsAddr returns the bound metrics address, or "" when disabled.
func (d *Daemon) MetricsAddr() string {
	if d.metricsServer == nil {
		return ""
	}
	return d.metricsServer.Addr()
}

// Start initializes and starts all daemon components.
func (d *Daemon) Start() error {
	// 1. Initialize logging system
	if err := d.initLogging(); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	slog.Info("starting failsink daemon",
		"config", d.configPath,
		"subsystems", d.config.Reporter.Subsystems,
	)

	// 2. Write PID file
	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	// 3. Build the transition bus and one reporter per subsystem
	if err := d.buildReporters(); err != nil {
		return fmt.Errorf("failed to build reporters: %w", err)
	}

	// 4. Start metrics server
	if err := d.startMetrics(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 5. Start UDS server for CLI control
	if err := d.startControl(); err != nil {
		return fmt.Errorf("failed to start control socket: %w", err)
	}

	slog.Info("daemon started successfully")
	return nil
}

// Stop performs graceful shutdown of all daemon components.
func (d *Daemon) Stop() {
	slog.Info("initiating graceful shutdown")

	// 1. Stop UDS server (no new CLI commands)
	if d.udsServer != nil {
		if err := d.udsServer.Stop(); err != nil {
			slog.Error("error stopping uds server", "error", err)
		}
		d.udsServer = nil
	}

	// 2. Stop metrics server (no new polls)
	if d.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.metricsServer.Stop(shutdownCtx); err != nil {
			slog.Error("error stopping metrics server", "error", err)
		}
		cancel()
		d.metricsServer = nil
	}

	// 3. Drain the bus into the still-subscribed observers, then detach them
	if d.registry != nil {
		if err := d.registry.Close(); err != nil {
			slog.Error("error closing reporters", "error", err)
		}
	}
	if d.bus != nil {
		if err := d.bus.Close(); err != nil {
			slog.Error("error closing event bus", "error", err)
		}
	}
	for _, unsub := range d.unsubscribe {
		unsub()
	}
	d.unsubscribe = nil
	if d.kafkaSink != nil {
		if err := d.kafkaSink.Close(); err != nil {
			slog.Error("error closing kafka sink", "error", err)
		}
		d.kafkaSink = nil
	}
	if d.redisMirror != nil {
		if err := d.redisMirror.Close(); err != nil {
			slog.Error("error closing redis sink", "error", err)
		}
		d.redisMirror = nil
	}

	// 4. Cancel context and release signal handler
	d.cancel()
	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	// 5. Remove PID file
	if err := d.removePIDFile(); err != nil {
		slog.Error("error removing PID file", "error", err)
	}

	slog.Info("daemon stopped gracefully")

	// 6. Flush logs
	if d.logCloser != nil {
		if err := d.logCloser.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to flush logs: %v\n", err)
		}
		d.logCloser = nil
	}
}

// Run blocks until SIGTERM/SIGINT, TriggerShutdown or context cancellation.
// SIGHUP reloads the configuration.
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	slog.Info("daemon running, waiting for signals")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				slog.Info("received shutdown signal", "signal", sig)
				d.Stop()
				return nil

			case syscall.SIGHUP:
				slog.Info("received reload signal")
				if err := d.Reload(); err != nil {
					slog.Error("failed to reload config", "error", err)
				}
			}

		case <-d.shutdownChan:
			slog.Info("shutdown triggered")
			d.Stop()
			return nil

		case <-d.ctx.Done():
			slog.Info("context cancelled", "error", d.ctx.Err())
			d.Stop()
			return d.ctx.Err()
		}
	}
}

// Reload re-reads the configuration file.
// Hot-reloadable: log level. Everything else requires a restart.
func (d *Daemon) Reload() error {
	d.reloadMu.Lock()
	defer d.reloadMu.Unlock()

	slog.Info("reloading configuration", "path", d.configPath)

	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}

	hotReloaded := []string{}
	if newConfig.Log.Level != d.config.Log.Level {
		if err := logpkg.SetLevel(newConfig.Log.Level); err != nil {
			return err
		}
		d.config.Log.Level = newConfig.Log.Level
		hotReloaded = append(hotReloaded, "log.level")
	}

	requiresRestart := []string{}
	if newConfig.Log.Format != d.config.Log.Format {
		requiresRestart = append(requiresRestart, "log.format")
	}
	if newConfig.Sinks.Kafka.Enabled != d.config.Sinks.Kafka.Enabled ||
		!slices.Equal(newConfig.Sinks.Kafka.Brokers, d.config.Sinks.Kafka.Brokers) ||
		newConfig.Sinks.Kafka.Topic != d.config.Sinks.Kafka.Topic {
		requiresRestart = append(requiresRestart, "sinks.kafka")
	}
	if newConfig.Sinks.Redis != d.config.Sinks.Redis {
		requiresRestart = append(requiresRestart, "sinks.redis")
	}
	if newConfig.Control.Socket != d.config.Control.Socket {
		requiresRestart = append(requiresRestart, "control.socket")
	}
	if newConfig.Metrics.Listen != d.config.Metrics.Listen {
		requiresRestart = append(requiresRestart, "metrics.listen")
	}
	if !slices.Equal(newConfig.Reporter.Subsystems, d.config.Reporter.Subsystems) {
		requiresRestart = append(requiresRestart, "reporter.subsystems")
	}

	slog.Info("configuration reloaded",
		"hot_reloaded", hotReloaded,
		"requires_restart", requiresRestart,
	)
	return nil
}

// TriggerShutdown requests a graceful stop from another goroutine.
func (d *Daemon) TriggerShutdown() {
	select {
	case d.shutdownChan <- struct{}{}:
	default:
	}
}

func (d *Daemon) initLogging() error {
	closer, err := logpkg.Init(d.config.Log)
	if err != nil {
		return err
	}
	d.logCloser = closer

	slog.Debug("logging initialized",
		"level", d.config.Log.Level,
		"format", d.config.Log.Format,
	)
	return nil
}

func (d *Daemon) buildReporters() error {
	rc := d.config.Reporter
	d.bus = eventbus.NewInMemoryEventBus(d.config.EventBus.Partitions, d.config.EventBus.QueueSize)
	d.registry = reporter.NewRegistry()

	observers := []func(reporter.Transition){logTransition}
	if d.config.Sinks.Kafka.Enabled {
		sink, err := kafkasink.New(d.config.Sinks.Kafka)
		if err != nil {
			return err
		}
		d.kafkaSink = sink
		observers = append(observers, sink.Observe)
	}
	if d.config.Sinks.Redis.Enabled {
		mirror, err := redissink.New(d.config.Sinks.Redis, rc.Subsystems)
		if err != nil {
			return err
		}
		d.redisMirror = mirror
		observers = append(observers, mirror.Observe)
	}

	for _, subsystem := range rc.Subsystems {
		r := reporter.New(
			reporter.WithSubsystem(subsystem),
			reporter.WithCategory(rc.Category),
			reporter.WithBus(d.bus),
			reporter.WithClassifier(rc.Classifier()),
			reporter.WithLogger(slog.Default()),
		)
		if err := d.registry.Add(r); err != nil {
			return err
		}
		for _, observe := range observers {
			d.unsubscribe = append(d.unsubscribe, r.Subscribe(observe))
		}
	}
	return nil
}

// logTransition is the daemon's own observer; presentation layers subscribe
// the same way.
func logTransition(t reporter.Transition) {
	if t.Cleared() {
		slog.Debug("failure transition", "subsystem", t.Subsystem, "report_id", t.ID.String(), "state", "cleared")
		return
	}
	slog.Debug("failure transition", "subsystem", t.Subsystem, "report_id", t.ID.String(),
		"state", "pending", "kind", t.Current.Kind.String())
}

func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		slog.Info("metrics server disabled")
		return nil
	}

	d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path, func() any {
		return d.registry.Snapshot()
	})
	if err := d.metricsServer.Start(d.ctx); err != nil {
		d.metricsServer = nil
		return err
	}
	return nil
}

func (d *Daemon) startControl() error {
	if d.config.Control.Socket == "" {
		slog.Info("control socket disabled")
		return nil
	}

	handler := command.NewHandler(d.registry, d)
	handler.SetShutdownFunc(func() {
		slog.Info("shutdown triggered via daemon_shutdown command")
		d.TriggerShutdown()
	})

	d.udsServer = command.NewUDSServer(d.config.Control.Socket, handler)
	if err := d.udsServer.Start(d.ctx); err != nil {
		d.udsServer = nil
		return err
	}
	return nil
}

func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	pid := os.Getpid()
	data := []byte(strconv.Itoa(pid) + "\n")

	if err := os.WriteFile(d.pidFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.pidFile, err)
	}

	slog.Debug("PID file written", "path", d.pidFile, "pid", pid)
	return nil
}

func (d *Daemon) removePIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	if err := os.Remove(d.pidFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.pidFile, err)
	}
	return nil
}
