package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/fleetconf/pkg/config"
)

func newPlanCommand() *cobra.Command {
	var (
		planFile string
		dot      bool
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show how a change plan would be dispatched",
		Long: `Preview a change plan.

Runs every check of "fleetconf validate" and prints, per dispatch level, the
devices, the backend selected for each and the capability the change needs
from it. With --dot the device dependency graph is written in Graphviz format.`,
		Example: `  # Show dispatch levels and backends
  fleetconf plan -f change.yaml

  # Render the device graph
  fleetconf plan -f change.yaml --dot | dot -Tsvg > plan.svg`,
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
			pv, err := previewPlan(ctx, rt, plan, "plan")
			if pv == nil {
				return err
			}

			switch {
			case dot:
				labels := make(map[string]string, len(pv.Devices))
				for _, d := range pv.Devices {
					labels[d.Device] = fmt.Sprintf("%s (%s)", d.Backend, d.Requirement)
				}
				fmt.Fprint(out.out, pv.Graph.ToDOT(labels))
				return err
			case out.json:
				if jerr := out.JSON(pv); jerr != nil {
					return jerr
				}
				return err
			}

			out.heading("Plan %s: %d devices in %d levels", plan.ID, len(pv.Devices), len(pv.Levels))
			w := out.table()
			fmt.Fprintln(w, "LEVEL\tDEVICE\tBACKEND\tREQUIREMENT\tEDITS\tDEPENDS ON")
			for _, d := range pv.Devices {
				deps := "-"
				if len(d.DependsOn) > 0 {
					deps = strings.Join(d.DependsOn, ",")
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n",
					d.Level, d.Device, d.Backend, d.Requirement, d.Edits, deps)
			}
			if ferr := w.Flush(); ferr != nil {
				return ferr
			}

			rollback := "rolls back every committed device"
			if !plan.RollbackPolicy() {
				rollback = "leaves committed devices in place"
			}
			fmt.Fprintf(out.out, "\nOn any device failure the run %s.\n", rollback)
			out.policyResult(pv.Policy)
			return err
		},
	}

	cmd.Flags().StringVarP(&planFile, "file", "f", "", "plan file to preview")
	cmd.Flags().BoolVar(&dot, "dot", false, "print the device graph in Graphviz DOT format")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}
