package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/failsink/internal/config"
	"firestige.xyz/failsink/internal/failure"
	logpkg "firestige.xyz/failsink/internal/log"
	"firestige.xyz/failsink/internal/reporter"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Report a single failure and print the resulting state",
	Long: `Classify and log one failure through a reporter built from the
configuration, then print the reporter's current failure.

Examples:
  failsink report --kind network --message timeout
  failsink report --message "disk full"            # unclassified, becomes general
  failsink report --kind data --message bad --clear`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		return runReport(cfg, reportOpts, cmd.OutOrStdout())
	},
}

type reportOptions struct {
	Kind    string
	Message string
	File    string
	Line    int
	Clear   bool
}

var reportOpts reportOptions

func init() {
	reportCmd.Flags().StringVarP(&reportOpts.Kind, "kind", "k", "",
		"failure kind: data, network, permission, peer_connectivity, general (empty = unclassified)")
	reportCmd.Flags().StringVarP(&reportOpts.Message, "message", "m", "", "failure message (required)")
	reportCmd.Flags().StringVar(&reportOpts.File, "file", "", "source file of the failure")
	reportCmd.Flags().IntVar(&reportOpts.Line, "line", 0, "source line of the failure")
	reportCmd.Flags().BoolVar(&reportOpts.Clear, "clear", false, "acknowledge the failure after reporting")
	_ = reportCmd.MarkFlagRequired("message")
}

func runReport(cfg *config.GlobalConfig, opts reportOptions, out io.Writer) error {
	logger, closer, err := logpkg.New(cfg.Log, out, nil)
	if err != nil {
		return err
	}
	defer closer.Close()

	r := reporter.New(
		reporter.WithSubsystem(cfg.Reporter.Subsystems[0]),
		reporter.WithCategory(cfg.Reporter.Category),
		reporter.WithClassifier(cfg.Reporter.Classifier()),
		reporter.WithLogger(logger),
		reporter.WithMetrics(false),
	)
	defer r.Close()

	var raised error
	if opts.Kind == "" {
		raised = errors.New(opts.Message)
	} else {
		kind, err := failure.ParseKind(opts.Kind)
		if err != nil {
			return err
		}
		raised = failure.New(kind, opts.Message)
	}

	r.Report(raised, reporter.Location{File: opts.File, Line: opts.Line})
	if opts.Clear {
		r.Clear()
	}

	if f, ok := r.Current(); ok {
		fmt.Fprintf(out, "current: %s\n", f.Summary())
	} else {
		fmt.Fprintln(out, "current: none")
	}
	return nil
}
