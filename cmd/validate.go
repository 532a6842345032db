package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/failsink/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and print the effective values",
	Long: `Load the configuration file (plus FAILSINK_* environment overrides),
validate it and print the effective configuration as YAML.

Examples:
  failsink validate -c /etc/failsink/config.yml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(configFile, cmd.OutOrStdout())
	},
}

func runValidate(path string, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("INVALID: %w", err)
	}
	dump, err := cfg.Dump()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "VALID: %d reporter subsystem(s)\n", len(cfg.Reporter.Subsystems))
	_, err = out.Write(dump)
	return err
}
