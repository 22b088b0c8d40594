package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/fleetconf/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit      int
		offset     int
		showEvents bool
		showAudit  bool
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show recorded fleet runs",
		Long: `Show the audit trail.

Without arguments, lists recorded runs newest first. With a run id, shows
every device transaction of that run; --events adds the run's event log.
--audit lists operator actions instead of runs.`,
		Example: `  # Recent runs
  fleetconf history --limit 10

  # Devices and events of one run
  fleetconf history 3f2c9a4e-... --events

  # Who did what
  fleetconf history --audit`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx, rt, err := newRuntime(cmd, needs{store: true})
			if err != nil {
				return err
			}
			defer func() { rt.Close(err) }()

			out := newPrinter(cmd)
			switch {
			case showAudit:
				entries, err := rt.store.ListAuditEntries(ctx, nil, limit, offset)
				if err != nil {
					return err
				}
				return printAudit(out, entries)

			case len(args) == 0:
				runs, err := rt.store.ListRuns(ctx, limit, offset)
				if err != nil {
					return err
				}
				return printRuns(out, runs)
			}

			run, err := rt.store.GetRun(ctx, args[0])
			if errors.Is(err, stores.ErrNotFound) {
				return fmt.Errorf("run %s not found", args[0])
			}
			if err != nil {
				return err
			}
			txns, err := rt.store.ListTransactions(ctx, run.ID)
			if err != nil {
				return err
			}
			var events []*stores.Event
			if showEvents {
				events, err = rt.store.GetEvents(ctx, stores.EventQuery{RunID: run.ID})
				if err != nil {
					return err
				}
			}
			return printRun(out, run, txns, events)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "max records to show")
	cmd.Flags().IntVar(&offset, "offset", 0, "records to skip")
	cmd.Flags().BoolVar(&showEvents, "events", false, "include the event log of the run")
	cmd.Flags().BoolVar(&showAudit, "audit", false, "list operator actions")

	return cmd
}

func printRuns(out *printer, runs []*stores.Run) error {
	if out.json {
		return out.JSON(runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(out.out, "No runs recorded")
		return nil
	}

	w := out.table()
	fmt.Fprintln(w, "RUN\tKIND\tPLAN\tVERDICT\tDEVICES\tCOMMITTED\tROLLED BACK\tFAILED\tSKIPPED\tSTARTED")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			r.ID, r.Kind, r.PlanID, verdictColor(r.Verdict).Sprint(r.Verdict),
			r.Devices, r.Committed, r.RolledBack, r.Failed, r.Skipped,
			r.StartedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func printRun(out *printer, run *stores.Run, txns []*stores.Transaction, events []*stores.Event) error {
	if out.json {
		return out.JSON(map[string]any{"run": run, "transactions": txns, "events": events})
	}

	out.heading("Run %s (%s of plan %s)", run.ID, run.Kind, run.PlanID)
	if run.RevertsRun != nil {
		fmt.Fprintf(out.out, "Reverts run %s\n", *run.RevertsRun)
	}
	fmt.Fprintf(out.out, "Verdict %s, started %s, took %s\n\n",
		verdictColor(run.Verdict).Sprint(run.Verdict),
		run.StartedAt.Local().Format(time.DateTime),
		time.Duration(run.DurationMS)*time.Millisecond)

	w := out.table()
	fmt.Fprintln(w, "DEVICE\tOUTCOME\tBACKEND\tERROR\tLOCKS\tREASON")
	for _, t := range txns {
		outcome := string(t.Outcome)
		if t.Indeterminate {
			outcome += "?"
		}
		if t.Compensated {
			outcome += "*"
		}
		code := "-"
		if t.ErrorCode != nil {
			code = *t.ErrorCode
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			t.DeviceID, outcomeColor(t.Outcome).Sprint(outcome), orDash(string(t.Backend)),
			code, t.Locks, t.Unlocks, orDash(t.Reason))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(events) > 0 {
		fmt.Fprintln(out.out)
		for _, e := range events {
			device := "-"
			if e.DeviceID != nil {
				device = *e.DeviceID
			}
			fmt.Fprintf(out.out, "%s  %-7s %-18s %-12s %s\n",
				e.Timestamp.Local().Format("15:04:05.000"), e.Level, e.Type, device, e.Message)
		}
	}
	return nil
}

func printAudit(out *printer, entries []*stores.AuditEntry) error {
	if out.json {
		return out.JSON(entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(out.out, "No audit entries")
		return nil
	}

	w := out.table()
	fmt.Fprintln(w, "TIME\tACTION\tACTOR\tTARGET\tDETAILS")
	for _, e := range entries {
		target, details := "-", "-"
		if e.TargetID != nil {
			target = *e.TargetID
		}
		if e.Details != nil {
			details = *e.Details
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format(time.DateTime), e.Action, e.Actor, target, details)
	}
	return w.Flush()
}
