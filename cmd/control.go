package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/failsink/internal/command"
	"firestige.xyz/failsink/internal/config"
)

var socketPath string

var statusCmd = &cobra.Command{
	Use:   "status [subsystem]",
	Short: "Show pending failures held by the daemon",
	Long: `Query the running daemon over its control socket.

Without arguments every subsystem is listed; "none" means no pending failure.
Use --json for the raw daemon_status and failure_status results.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newControlClient()
		if err != nil {
			return err
		}
		var subsystem string
		if len(args) > 0 {
			subsystem = args[0]
		}
		return runStatus(cmd.Context(), client, subsystem, statusJSON, cmd.OutOrStdout())
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear [subsystem]",
	Short: "Acknowledge pending failures",
	Long:  `Clear the pending failure of one subsystem, or of all subsystems when none is given.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newControlClient()
		if err != nil {
			return err
		}
		var subsystem string
		if len(args) > 0 {
			subsystem = args[0]
		}
		return runClear(cmd.Context(), client, subsystem, cmd.OutOrStdout())
	},
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Report a failure to the running daemon",
	Long: `Send one failure to a reporter inside the running daemon.

Examples:
  failsink send --subsystem xyz.firestige.watch --kind peer --message "phone unreachable"
  failsink send --message "disk full"     # single-subsystem daemons only`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newControlClient()
		if err != nil {
			return err
		}
		return runSend(cmd.Context(), client, sendParams, cmd.OutOrStdout())
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Gracefully stop the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newControlClient()
		if err != nil {
			return err
		}
		if err := client.Shutdown(cmd.Context()); err != nil {
			return fmt.Errorf("daemon_shutdown failed: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "daemon is shutting down")
		return nil
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload the daemon configuration",
	Long:  `Ask the daemon to re-read its config file. Only log.level is applied without a restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newControlClient()
		if err != nil {
			return err
		}
		if err := client.ConfigReload(cmd.Context()); err != nil {
			return fmt.Errorf("config_reload failed: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "configuration reloaded")
		return nil
	},
}

var (
	statusJSON bool
	sendParams command.ReportParams
)

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print raw JSON")

	sendCmd.Flags().StringVar(&sendParams.Subsystem, "subsystem", "", "target subsystem (optional when the daemon has one)")
	sendCmd.Flags().StringVarP(&sendParams.Kind, "kind", "k", "",
		"failure kind: data, network, permission, peer_connectivity, general (empty = unclassified)")
	sendCmd.Flags().StringVarP(&sendParams.Message, "message", "m", "", "failure message (required)")
	sendCmd.Flags().StringVar(&sendParams.File, "file", "", "source file of the failure")
	sendCmd.Flags().IntVar(&sendParams.Line, "line", 0, "source line of the failure")
	_ = sendCmd.MarkFlagRequired("message")
}

// controlClient is the subset of the UDS client the control commands use.
type controlClient interface {
	Report(ctx context.Context, params command.ReportParams) (*command.ReportResult, error)
	Clear(ctx context.Context, subsystem string) (*command.ClearResult, error)
	Status(ctx context.Context, subsystem string) (*command.StatusResult, error)
	DaemonStatus(ctx context.Context) (*command.DaemonStatus, error)
	ConfigReload(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// newControlClient uses --socket, falling back to control.socket from the config.
func newControlClient() (*command.UDSClient, error) {
	path := socketPath
	if path == "" {
		cfg, err := config.Load(configFile)
		if err != nil {
			return nil, err
		}
		path = cfg.Control.Socket
	}
	if path == "" {
		return nil, fmt.Errorf("control socket is disabled; pass --socket")
	}
	return command.NewUDSClient(path, 10*time.Second), nil
}

func runStatus(ctx context.Context, client controlClient, subsystem string, asJSON bool, out io.Writer) error {
	res, err := client.Status(ctx, subsystem)
	if err != nil {
		return fmt.Errorf("failure_status failed: %w", err)
	}

	if asJSON {
		ds, err := client.DaemonStatus(ctx)
		if err != nil {
			return fmt.Errorf("daemon_status failed: %w", err)
		}
		data, err := json.MarshalIndent(struct {
			Daemon   *command.DaemonStatus `json:"daemon"`
			Failures *command.StatusResult `json:"status"`
		}{ds, res}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	names := make([]string, 0, len(res.Failures))
	for name := range res.Failures {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if v := res.Failures[name]; v != nil {
			fmt.Fprintf(out, "%s: %s\n", name, v.Summary)
		} else {
			fmt.Fprintf(out, "%s: none\n", name)
		}
	}
	return nil
}

func runClear(ctx context.Context, client controlClient, subsystem string, out io.Writer) error {
	res, err := client.Clear(ctx, subsystem)
	if err != nil {
		return fmt.Errorf("failure_clear failed: %w", err)
	}
	for _, name := range res.Cleared {
		fmt.Fprintf(out, "%s: cleared\n", name)
	}
	return nil
}

func runSend(ctx context.Context, client controlClient, params command.ReportParams, out io.Writer) error {
	res, err := client.Report(ctx, params)
	if err != nil {
		return fmt.Errorf("failure_report failed: %w", err)
	}
	if res.Current == nil {
		fmt.Fprintf(out, "%s: none\n", res.Subsystem)
		return nil
	}
	fmt.Fprintf(out, "%s: %s\n", res.Subsystem, res.Current.Summary)
	return nil
}
