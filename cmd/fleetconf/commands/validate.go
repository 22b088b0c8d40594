package commands

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/openfroyo/fleetconf/pkg/config"
	"github.com/openfroyo/fleetconf/pkg/engine"
	"github.com/openfroyo/fleetconf/pkg/policy"
)

// planPreview is what a plan would do, computed without touching a device.
type planPreview struct {
	PlanID  string              `json:"plan_id"`
	Valid   bool                `json:"valid"`
	Devices []devicePreview     `json:"devices"`
	Levels  [][]string          `json:"levels"`
	Policy  *policy.Result      `json:"policy,omitempty"`
	Graph   *engine.DeviceGraph `json:"-"`
}

type devicePreview struct {
	Device      string             `json:"device"`
	Level       int                `json:"level"`
	Backend     engine.Protocol    `json:"backend"`
	Requirement engine.Requirement `json:"requirement"`
	Edits       int                `json:"edits"`
	DependsOn   []string           `json:"depends_on,omitempty"`
}

// previewPlan resolves backends and dispatch levels for plan and runs the
// policy gate. A denied plan returns the preview together with the error.
func previewPlan(ctx context.Context, rt *runtime, plan *engine.ChangePlan, operation string) (*planPreview, error) {
	graph, backends, err := rt.executor.Resolve(plan)
	if err != nil {
		return nil, err
	}

	pv := &planPreview{
		PlanID: plan.ID,
		Levels: graph.Levels,
		Graph:  graph,
	}
	for _, dp := range plan.Devices {
		pv.Devices = append(pv.Devices, devicePreview{
			Device:      dp.DeviceID,
			Level:       graph.Nodes[dp.DeviceID].Level,
			Backend:     backends[dp.DeviceID],
			Requirement: engine.RequirementFor(dp.Edits),
			Edits:       len(dp.Edits),
			DependsOn:   dp.DependsOn,
		})
	}

	sort.SliceStable(pv.Devices, func(i, j int) bool {
		return pv.Devices[i].Level < pv.Devices[j].Level
	})

	pv.Policy, err = rt.gate(ctx, plan, operation, true)
	pv.Valid = err == nil
	return pv, err
}

func newValidateCommand() *cobra.Command {
	var planFile string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a change plan without touching devices",
		Long: `Validate a change plan.

This command:
  - Parses the plan file and checks it against the plan schema
  - Checks that every device is in the inventory and that its paths
    do not overlap
  - Checks the dependency graph for cycles
  - Selects a backend for every device
  - Evaluates the policy gate`,
		Example: `  # Validate a plan
  fleetconf validate -f change.yaml

  # Validate with machine-readable output
  fleetconf validate -f change.cue --json`,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			plan, err := config.LoadPlan(planFile)
			if err != nil {
				return err
			}

			ctx, rt, err := newRuntime(cmd, needs{})
			if err != nil {
				return err
			}
			defer func() { rt.Close(err) }()

			out := newPrinter(cmd)
			pv, err := previewPlan(ctx, rt, plan, "validate")
			if pv == nil {
				return err
			}
			if out.json {
				if jerr := out.JSON(pv); jerr != nil {
					return jerr
				}
				return err
			}

			out.policyResult(pv.Policy)
			if err != nil {
				return err
			}
			fmt.Fprintf(out.out, "Plan %s is valid: %d devices in %d levels\n",
				plan.ID, len(pv.Devices), len(pv.Levels))
			return nil
		},
	}

	cmd.Flags().StringVarP(&planFile, "file", "f", "", "plan file to validate")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}
