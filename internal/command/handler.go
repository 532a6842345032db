// Package command implements the daemon control plane: JSON-RPC requests
// that report, clear and inspect failures held by the reporter registry.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"firestige.xyz/failsink/internal/failure"
	"firestige.xyz/failsink/internal/reporter"
)

// Method names accepted by Handler.
const (
	MethodFailureReport  = "failure_report"
	MethodFailureClear   = "failure_clear"
	MethodFailureStatus  = "failure_status"
	MethodConfigReload   = "config_reload"
	MethodDaemonStatus   = "daemon_status"
	MethodDaemonShutdown = "daemon_shutdown"
)

// Handler handles control plane commands.
type Handler struct {
	registry       *reporter.Registry
	configReloader ConfigReloader
	shutdownFunc   func() // Called by daemon_shutdown to trigger graceful stop
	startTime      time.Time
	version        string
}

// ConfigReloader is the interface for reloading global configuration.
type ConfigReloader interface {
	Reload() error
}

// NewHandler creates a handler over the given registry. reloader may be nil.
func NewHandler(registry *reporter.Registry, reloader ConfigReloader) *Handler {
	return &Handler{
		registry:       registry,
		configReloader: reloader,
		startTime:      time.Now(),
		version:        "0.1.0",
	}
}

// SetShutdownFunc sets the callback invoked by the daemon_shutdown command.
func (h *Handler) SetShutdownFunc(fn func()) {
	h.shutdownFunc = fn
}

// Command represents a control plane command.
type Command struct {
	Method string          `json:"method"` // e.g., "failure_report", "failure_clear"
	Params json.RawMessage `json:"params"` // command-specific parameters
	ID     string          `json:"id"`     // request ID for tracking
}

// Response represents a command response.
type Response struct {
	ID     string      `json:"id"`               // matches request ID
	Result interface{} `json:"result,omitempty"` // success result
	Error  *ErrorInfo  `json:"error,omitempty"`  // error info if failed
}

// ErrorInfo represents an error in the response.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Error codes
const (
	ErrCodeParseError       = -32700 // Invalid JSON
	ErrCodeInvalidRequest   = -32600 // Invalid request object
	ErrCodeMethodNotFound   = -32601 // Method not found
	ErrCodeInvalidParams    = -32602 // Invalid method parameters
	ErrCodeInternalError    = -32603 // Internal error
	ErrCodeUnknownSubsystem = -32001 // No reporter for subsystem
)

var errUnknownSubsystem = errors.New("unknown subsystem")

// Handle processes a command and returns a response.
func (h *Handler) Handle(ctx context.Context, cmd Command) Response {
	slog.Debug("handling command", "method", cmd.Method, "id", cmd.ID)

	switch cmd.Method {
	case MethodFailureReport:
		return h.handleFailureReport(ctx, cmd)
	case MethodFailureClear:
		return h.handleFailureClear(ctx, cmd)
	case MethodFailureStatus:
		return h.handleFailureStatus(ctx, cmd)
	case MethodConfigReload:
		return h.handleConfigReload(ctx, cmd)
	case MethodDaemonShutdown:
		return h.handleDaemonShutdown(ctx, cmd)
	case MethodDaemonStatus:
		return h.handleDaemonStatus(ctx, cmd)
	default:
		return errorResponse(cmd.ID, ErrCodeMethodNotFound, fmt.Sprintf("method %q not found", cmd.Method))
	}
}

// ReportParams represents parameters for failure_report.
// An empty Kind reports an unclassified error, which is stored as general.
type ReportParams struct {
	Subsystem string `json:"subsystem,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Message   string `json:"message"`
	File      string `json:"file,omitempty"`
	Line      int    `json:"line,omitempty"`
}

// ReportResult is returned by failure_report.
type ReportResult struct {
	Subsystem string         `json:"subsystem"`
	Current   *reporter.View `json:"current"`
}

func (h *Handler) handleFailureReport(_ context.Context, cmd Command) Response {
	var params ReportParams
	if err := decodeParams(cmd.Params, &params); err != nil {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}

	var raised error
	if params.Kind == "" {
		raised = errors.New(params.Message)
	} else {
		kind, err := failure.ParseKind(params.Kind)
		if err != nil {
			return errorResponse(cmd.ID, ErrCodeInvalidParams, err.Error())
		}
		raised = failure.New(kind, params.Message)
	}

	r, err := h.resolve(params.Subsystem)
	if err != nil {
		return errorResponse(cmd.ID, ErrCodeUnknownSubsystem, err.Error())
	}

	r.Report(raised, reporter.Location{File: params.File, Line: params.Line})

	return Response{
		ID: cmd.ID,
		Result: ReportResult{
			Subsystem: r.Subsystem(),
			Current:   r.View(),
		},
	}
}

// SubsystemParams selects one subsystem; empty selects all of them.
type SubsystemParams struct {
	Subsystem string `json:"subsystem,omitempty"`
}

// ClearResult is returned by failure_clear.
type ClearResult struct {
	Cleared []string `json:"cleared"`
}

func (h *Handler) handleFailureClear(_ context.Context, cmd Command) Response {
	var params SubsystemParams
	if err := decodeParams(cmd.Params, &params); err != nil {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}

	names := h.registry.Subsystems()
	if params.Subsystem != "" {
		if _, ok := h.registry.Get(params.Subsystem); !ok {
			return errorResponse(cmd.ID, ErrCodeUnknownSubsystem,
				fmt.Sprintf("%v: %s", errUnknownSubsystem, params.Subsystem))
		}
		names = []string{params.Subsystem}
	}

	for _, name := range names {
		if r, ok := h.registry.Get(name); ok {
			r.Clear()
		}
	}

	return Response{ID: cmd.ID, Result: ClearResult{Cleared: names}}
}

// StatusResult maps subsystems to their pending failure; nil means none.
type StatusResult struct {
	Failures map[string]*reporter.View `json:"failures"`
}

func (h *Handler) handleFailureStatus(_ context.Context, cmd Command) Response {
	var params SubsystemParams
	if err := decodeParams(cmd.Params, &params); err != nil {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}

	if params.Subsystem == "" {
		return Response{ID: cmd.ID, Result: StatusResult{Failures: h.registry.Snapshot()}}
	}

	r, ok := h.registry.Get(params.Subsystem)
	if !ok {
		return errorResponse(cmd.ID, ErrCodeUnknownSubsystem,
			fmt.Sprintf("%v: %s", errUnknownSubsystem, params.Subsystem))
	}
	return Response{
		ID:     cmd.ID,
		Result: StatusResult{Failures: map[string]*reporter.View{params.Subsystem: r.View()}},
	}
}

func (h *Handler) handleConfigReload(_ context.Context, cmd Command) Response {
	if h.configReloader == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "config reloader not available")
	}

	if err := h.configReloader.Reload(); err != nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, fmt.Sprintf("reload config failed: %v", err))
	}

	return Response{
		ID:     cmd.ID,
		Result: map[string]interface{}{"status": "reloaded"},
	}
}

// handleDaemonShutdown triggers graceful daemon shutdown via the registered callback.
func (h *Handler) handleDaemonShutdown(_ context.Context, cmd Command) Response {
	if h.shutdownFunc == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "shutdown handler not registered")
	}

	slog.Info("daemon_shutdown command received, initiating graceful shutdown")
	go h.shutdownFunc() // let the response be sent first

	return Response{
		ID:     cmd.ID,
		Result: map[string]interface{}{"status": "shutting_down"},
	}
}

// DaemonStatus is returned by daemon_status.
type DaemonStatus struct {
	Version    string   `json:"version"`
	UptimeSec  int64    `json:"uptime_sec"`
	Subsystems []string `json:"subsystems"`
	Pending    int      `json:"pending"`
}

func (h *Handler) handleDaemonStatus(_ context.Context, cmd Command) Response {
	pending := 0
	for _, v := range h.registry.Snapshot() {
		if v != nil {
			pending++
		}
	}

	return Response{
		ID: cmd.ID,
		Result: DaemonStatus{
			Version:    h.version,
			UptimeSec:  int64(time.Since(h.startTime).Seconds()),
			Subsystems: h.registry.Subsystems(),
			Pending:    pending,
		},
	}
}

// resolve picks the target reporter. An empty subsystem is only accepted
// when exactly one reporter is registered.
func (h *Handler) resolve(subsystem string) (*reporter.Reporter, error) {
	if subsystem == "" {
		names := h.registry.Subsystems()
		if len(names) != 1 {
			return nil, fmt.Errorf("subsystem required: %d reporters registered", len(names))
		}
		subsystem = names[0]
	}
	r, ok := h.registry.Get(subsystem)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownSubsystem, subsystem)
	}
	return r, nil
}

func decodeParams(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func errorResponse(id string, code int, msg string) Response {
	return Response{
		ID:    id,
		Error: &ErrorInfo{Code: code, Message: msg},
	}
}
