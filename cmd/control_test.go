package cmd

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firestige.xyz/failsink/internal/command"
	"firestige.xyz/failsink/internal/reporter"
)

type mockControlClient struct {
	mock.Mock
}

func (m *mockControlClient) Report(ctx context.Context, params command.ReportParams) (*command.ReportResult, error) {
	args := m.Called(ctx, params)
	res, _ := args.Get(0).(*command.ReportResult)
	return res, args.Error(1)
}

func (m *mockControlClient) Clear(ctx context.Context, subsystem string) (*command.ClearResult, error) {
	args := m.Called(ctx, subsystem)
	res, _ := args.Get(0).(*command.ClearResult)
	return res, args.Error(1)
}

func (m *mockControlClient) Status(ctx context.Context, subsystem string) (*command.StatusResult, error) {
	args := m.Called(ctx, subsystem)
	res, _ := args.Get(0).(*command.StatusResult)
	return res, args.Error(1)
}

func (m *mockControlClient) DaemonStatus(ctx context.Context) (*command.DaemonStatus, error) {
	args := m.Called(ctx)
	res, _ := args.Get(0).(*command.DaemonStatus)
	return res, args.Error(1)
}

func (m *mockControlClient) ConfigReload(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockControlClient) Shutdown(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func TestRunStatus_Text(t *testing.T) {
	client := &mockControlClient{}
	client.On("Status", mock.Anything, "").Return(&command.StatusResult{
		Failures: map[string]*reporter.View{
			"watch": {Kind: "network", Message: "timeout", Summary: "Network Error: timeout"},
			"phone": nil,
		},
	}, nil)

	var buf bytes.Buffer
	require.NoError(t, runStatus(context.Background(), client, "", false, &buf))
	assert.Equal(t, "phone: none\nwatch: Network Error: timeout\n", buf.String())
	client.AssertExpectations(t)
}

func TestRunStatus_JSON(t *testing.T) {
	client := &mockControlClient{}
	client.On("Status", mock.Anything, "phone").Return(&command.StatusResult{
		Failures: map[string]*reporter.View{"phone": nil},
	}, nil)
	client.On("DaemonStatus", mock.Anything).Return(&command.DaemonStatus{
		Version: "0.1.0", Subsystems: []string{"phone"},
	}, nil)

	var buf bytes.Buffer
	require.NoError(t, runStatus(context.Background(), client, "phone", true, &buf))
	assert.Contains(t, buf.String(), `"version": "0.1.0"`)
	assert.Contains(t, buf.String(), `"phone": null`)
	client.AssertExpectations(t)
}

func TestRunStatus_Error(t *testing.T) {
	client := &mockControlClient{}
	client.On("Status", mock.Anything, "tv").
		Return(nil, &command.ErrorInfo{Code: command.ErrCodeUnknownSubsystem, Message: "unknown subsystem: tv"})

	err := runStatus(context.Background(), client, "tv", false, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown subsystem: tv")
}

func TestRunClear(t *testing.T) {
	client := &mockControlClient{}
	client.On("Clear", mock.Anything, "").Return(&command.ClearResult{Cleared: []string{"phone", "watch"}}, nil)

	var buf bytes.Buffer
	require.NoError(t, runClear(context.Background(), client, "", &buf))
	assert.Equal(t, "phone: cleared\nwatch: cleared\n", buf.String())
}

func TestRunSend(t *testing.T) {
	params := command.ReportParams{Subsystem: "watch", Kind: "peer", Message: "phone unreachable"}
	client := &mockControlClient{}
	client.On("Report", mock.Anything, params).Return(&command.ReportResult{
		Subsystem: "watch",
		Current:   &reporter.View{Kind: "peer_connectivity", Message: "phone unreachable", Summary: "Peer Connectivity Error: phone unreachable"},
	}, nil)

	var buf bytes.Buffer
	require.NoError(t, runSend(context.Background(), client, params, &buf))
	assert.Equal(t, "watch: Peer Connectivity Error: phone unreachable\n", buf.String())

	failing := &mockControlClient{}
	failing.On("Report", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))
	err := runSend(context.Background(), failing, params, &buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failure_report failed")
}
