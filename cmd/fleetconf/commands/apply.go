package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/fleetconf/pkg/config"
	"github.com/openfroyo/fleetconf/pkg/stores"
)

func newApplyCommand() *cobra.Command {
	var (
		planFile    string
		concurrency int
		noProgress  bool
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply a change plan to the fleet",
		Long: `Apply a change plan to every device it names.

This command:
  - Loads and validates the plan file (YAML, JSON or CUE)
  - Evaluates the policy gate and refuses denied plans
  - Dispatches devices in dependency order, at most --concurrency at a time
  - Runs each device as a transaction and restores committed devices from
    their backups when any device fails (unless the plan disables it)
  - Records the run, every device transaction and every event in the store

Restoring a backup taken with "fleetconf backup" is applying its plan file.`,
		Example: `  # Apply a plan
  fleetconf apply -f change.yaml

  # Restore a backup
  fleetconf apply -f backup-core.yaml

  # Apply with at most 5 devices in flight
  fleetconf apply -f change.cue --concurrency 5`,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			plan, err := config.LoadPlan(planFile)
			if err != nil {
				return err
			}
			if concurrency > 0 {
				plan.Concurrency = concurrency
			}

			ctx, rt, err := newRuntime(cmd, needs{devices: true, store: true, watch: true})
			if err != nil {
				return err
			}
			defer func() { rt.Close(err) }()

			out := newPrinter(cmd)
			decision, err := rt.gate(ctx, plan, "apply", false)
			out.policyResult(decision)
			if err != nil {
				return err
			}

			if !noProgress && !out.json {
				rt.telemetry.Events.Subscribe(progress(cmd.ErrOrStderr()), progressFilter())
			}

			rt.logger.Info().
				Str("plan", plan.ID).
				Str("file", planFile).
				Int("devices", len(plan.Devices)).
				Msg("Applying plan")

			result, err := rt.executor.Execute(ctx, plan)
			if err != nil {
				return fmt.Errorf("plan %s rejected: %w", plan.ID, err)
			}

			rt.audit(ctx, stores.AuditActionApply, result.RunID, map[string]any{
				"plan_id": plan.ID,
				"file":    planFile,
				"verdict": string(result.Verdict),
			})

			if err := out.fleetResult(result); err != nil {
				return err
			}
			if !result.Succeeded() {
				return &RunError{RunID: result.RunID, Verdict: result.Verdict, Indeterminate: result.HasIndeterminate()}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&planFile, "file", "f", "", "plan file to apply")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "max devices in flight (overrides the plan)")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "do not print device events while running")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}
