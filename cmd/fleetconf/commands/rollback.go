package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/fleetconf/pkg/engine"
	"github.com/openfroyo/fleetconf/pkg/stores"
)

func newRollbackCommand() *cobra.Command {
	var noProgress bool

	cmd := &cobra.Command{
		Use:   "rollback <run-id>",
		Short: "Restore the devices a past run committed",
		Long: `Restore every device that committed in a recorded run to the backup taken
before its change.

Devices are reverted in reverse dependency order of the original plan. The
revert is recorded as a run of its own.`,
		Example: `  # Find the run, then revert it
  fleetconf history
  fleetconf rollback 3f2c9a4e-...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			runID := args[0]

			ctx, rt, err := newRuntime(cmd, needs{devices: true, store: true, watch: true})
			if err != nil {
				return err
			}
			defer func() { rt.Close(err) }()

			plan, prior, err := rt.store.LoadRun(ctx, runID)
			if errors.Is(err, stores.ErrNotFound) {
				return fmt.Errorf("run %s not found", runID)
			}
			if err != nil {
				return err
			}

			out := newPrinter(cmd)
			if prior.Counts()[engine.OutcomeCommitted] == 0 {
				if out.json {
					return out.JSON(map[string]any{"run_id": runID, "reverted": 0})
				}
				fmt.Fprintf(out.out, "Run %s left no committed devices; nothing to roll back\n", runID)
				return nil
			}

			if !noProgress && !out.json {
				rt.telemetry.Events.Subscribe(progress(cmd.ErrOrStderr()), progressFilter())
			}

			rt.logger.Info().Str("reverts_run", runID).Str("plan", prior.PlanID).Msg("Rolling back run")
			result, err := rt.executor.Revert(ctx, plan, prior)
			if err != nil {
				return fmt.Errorf("cannot roll back run %s: %w", runID, err)
			}

			rt.audit(ctx, stores.AuditActionRollback, runID, map[string]any{
				"revert_run": result.RunID,
				"plan_id":    result.PlanID,
				"verdict":    string(result.Verdict),
			})

			if err := out.fleetResult(result); err != nil {
				return err
			}
			if result.Verdict != engine.VerdictAllRolledBack {
				return &RunError{RunID: result.RunID, Verdict: result.Verdict, Indeterminate: result.HasIndeterminate()}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "do not print device events while running")

	return cmd
}
