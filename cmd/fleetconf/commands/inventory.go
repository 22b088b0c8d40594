package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/fleetconf/pkg/engine"
)

// inventoryEntry is one device with the backends the selector would pick for it.
type inventoryEntry struct {
	engine.Device
	ReadBackend   engine.Protocol `json:"read_backend,omitempty"`
	StagedBackend engine.Protocol `json:"staged_backend,omitempty"`
}

func newInventoryCommand() *cobra.Command {
	var labels map[string]string

	cmd := &cobra.Command{
		Use:   "inventory",
		Short: "List devices and their capabilities",
		Long: `List the devices of the inventory with their protocols, capabilities and
labels, and the backend selected for reads and for staged multi-edit changes.`,
		Example: `  # Every device
  fleetconf inventory

  # Core devices only, as JSON
  fleetconf inventory --selector role=core --json`,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			_, rt, err := newRuntime(cmd, needs{})
			if err != nil {
				return err
			}
			defer func() { rt.Close(err) }()

			snap := rt.catalog.Snapshot()
			devices := snap.Devices()
			if len(labels) > 0 {
				devices = snap.Select(labels)
			}

			entries := make([]inventoryEntry, 0, len(devices))
			for _, d := range devices {
				entries = append(entries, inventoryEntry{
					Device:        d,
					ReadBackend:   selected(rt.selector, d, engine.RequireRead),
					StagedBackend: selected(rt.selector, d, engine.RequireStagedWrite),
				})
			}

			out := newPrinter(cmd)
			if out.json {
				return out.JSON(entries)
			}

			out.heading("%d devices from %s", len(entries), snap.Source)
			w := out.table()
			fmt.Fprintln(w, "DEVICE\tADDRESS\tPROTOCOLS\tCAPABILITIES\tREAD\tSTAGED\tLABELS")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					e.ID, e.Address, joinProtocols(e.Capabilities.Protocols),
					capabilityFlags(e.Capabilities), orDash(string(e.ReadBackend)),
					orDash(string(e.StagedBackend)), formatLabels(e.Labels))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringToStringVar(&labels, "selector", nil, "only list devices carrying these labels")

	return cmd
}

func selected(s *engine.Selector, d engine.Device, req engine.Requirement) engine.Protocol {
	b, err := s.Select(d, req)
	if err != nil {
		return ""
	}
	return b.Protocol()
}

func capabilityFlags(c engine.Capabilities) string {
	var flags []string
	if c.LockingSupported {
		flags = append(flags, "lock")
	}
	if c.StagingSupported {
		flags = append(flags, "candidate")
	}
	if c.ValidateSupported {
		flags = append(flags, "validate")
	}
	flags = append(flags, c.Features...)
	if len(flags) == 0 {
		return "-"
	}
	return strings.Join(flags, ",")
}
