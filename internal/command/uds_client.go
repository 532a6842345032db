package command

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// UDSClient is a JSON-RPC client over Unix Domain Socket.
type UDSClient struct {
	socketPath string
	timeout    time.Duration
}

// NewUDSClient creates a new UDS client.
func NewUDSClient(socketPath string, timeout time.Duration) *UDSClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &UDSClient{
		socketPath: socketPath,
		timeout:    timeout,
	}
}

// Call sends a command and waits for response.
func (c *UDSClient) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to socket %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}

	var paramsJSON json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsJSON = data
	}

	reqID := fmt.Sprintf("req-%d", time.Now().UnixNano())
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsJSON,
		ID:      reqID,
	}

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		return nil, fmt.Errorf("connection closed without response")
	}

	var jsonrpcResp JSONRPCResponse
	if err := json.Unmarshal(scanner.Bytes(), &jsonrpcResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	respID := fmt.Sprintf("%v", jsonrpcResp.ID)
	if respID != reqID {
		return nil, fmt.Errorf("response ID mismatch: expected %v, got %v", reqID, respID)
	}

	return &Response{
		ID:     respID,
		Result: jsonrpcResp.Result,
		Error:  jsonrpcResp.Error,
	}, nil
}

// callInto performs Call and decodes a successful result into out.
// An RPC-level error is returned as *ErrorInfo.
func (c *UDSClient) callInto(ctx context.Context, method string, params, out interface{}) error {
	resp, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil {
		return nil
	}
	data, err := json.Marshal(resp.Result)
	if err != nil {
		return fmt.Errorf("failed to re-encode result: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

// Report is a convenience method for failure_report.
func (c *UDSClient) Report(ctx context.Context, params ReportParams) (*ReportResult, error) {
	var out ReportResult
	if err := c.callInto(ctx, MethodFailureReport, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Clear is a convenience method for failure_clear. An empty subsystem
// clears every reporter.
func (c *UDSClient) Clear(ctx context.Context, subsystem string) (*ClearResult, error) {
	var out ClearResult
	if err := c.callInto(ctx, MethodFailureClear, SubsystemParams{Subsystem: subsystem}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status is a convenience method for failure_status.
func (c *UDSClient) Status(ctx context.Context, subsystem string) (*StatusResult, error) {
	var out StatusResult
	if err := c.callInto(ctx, MethodFailureStatus, SubsystemParams{Subsystem: subsystem}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DaemonStatus is a convenience method for daemon_status.
func (c *UDSClient) DaemonStatus(ctx context.Context) (*DaemonStatus, error) {
	var out DaemonStatus
	if err := c.callInto(ctx, MethodDaemonStatus, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ConfigReload is a convenience method for config_reload.
func (c *UDSClient) ConfigReload(ctx context.Context) error {
	return c.callInto(ctx, MethodConfigReload, nil, nil)
}

// Shutdown is a convenience method for daemon_shutdown.
func (c *UDSClient) Shutdown(ctx context.Context) error {
	return c.callInto(ctx, MethodDaemonShutdown, nil, nil)
}

// Ping checks that the daemon answers.
func (c *UDSClient) Ping(ctx context.Context) error {
	_, err := c.DaemonStatus(ctx)
	return err
}
