package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/fleetconf/pkg/engine"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
	logLevel   string
	logFormat  string
)

// Exit codes returned by the fleetconf binary.
const (
	ExitOK            = 0
	ExitError         = 1
	ExitNotCommitted  = 2
	ExitIndeterminate = 3
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fleetconf",
		Short: "fleetconf - transactional network configuration for device fleets",
		Long: `fleetconf applies change plans to fleets of network devices over NETCONF
and RESTCONF.

Each device change runs as a transaction: lock, back up, stage, validate,
commit, verify. When any device fails, devices that already committed are
restored from their backups unless the plan disables rollback.

Exit codes:
  0  every device committed
  1  the command failed before or outside a fleet run
  2  the run finished without committing every device
  3  at least one device ended with an unknown commit outcome`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (console, json)")

	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newBackupCommand())
	rootCmd.AddCommand(newRollbackCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newInventoryCommand())

	return rootCmd
}

// RunError reports a fleet run that finished without reaching its goal.
type RunError struct {
	RunID         string
	Verdict       engine.Verdict
	Indeterminate bool
}

func (e *RunError) Error() string {
	if e.Indeterminate {
		return fmt.Sprintf("run %s finished with verdict %s; some devices need inspection", e.RunID, e.Verdict)
	}
	return fmt.Sprintf("run %s finished with verdict %s", e.RunID, e.Verdict)
}

// ExitCode maps an error returned by Execute to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var runErr *RunError
	if errors.As(err, &runErr) {
		if runErr.Indeterminate {
			return ExitIndeterminate
		}
		return ExitNotCommitted
	}
	return ExitError
}
