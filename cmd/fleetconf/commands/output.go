package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/openfroyo/fleetconf/pkg/engine"
	"github.com/openfroyo/fleetconf/pkg/policy"
	"github.com/openfroyo/fleetconf/pkg/telemetry"
)

var (
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	errColor  = color.New(color.FgRed)
	dimColor  = color.New(color.FgHiBlack)
	headColor = color.New(color.FgHiWhite, color.Bold)
)

// printer writes command output as text tables or, with --json, as JSON.
type printer struct {
	out  io.Writer
	json bool
}

func newPrinter(cmd *cobra.Command) *printer {
	return &printer{out: cmd.OutOrStdout(), json: jsonOutput}
}

func marshalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

// JSON writes v as indented JSON.
func (p *printer) JSON(v any) error {
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *printer) table() *tabwriter.Writer {
	return tabwriter.NewWriter(p.out, 0, 0, 2, ' ', 0)
}

func (p *printer) heading(format string, args ...any) {
	headColor.Fprintf(p.out, format+"\n", args...)
}

func outcomeColor(o engine.Outcome) *color.Color {
	switch o {
	case engine.OutcomeCommitted:
		return okColor
	case engine.OutcomeRolledBack:
		return warnColor
	case engine.OutcomeFailed:
		return errColor
	default:
		return dimColor
	}
}

func verdictColor(v engine.Verdict) *color.Color {
	switch v {
	case engine.VerdictAllCommitted:
		return okColor
	case engine.VerdictAllRolledBack:
		return warnColor
	default:
		return errColor
	}
}

// fleetResult prints one row per device followed by the verdict.
func (p *printer) fleetResult(result *engine.FleetResult) error {
	if p.json {
		return p.JSON(result)
	}

	if result.RevertsRun != "" {
		p.heading("Run %s (reverts %s)", result.RunID, result.RevertsRun)
	} else {
		p.heading("Run %s (plan %s)", result.RunID, result.PlanID)
	}

	w := p.table()
	fmt.Fprintln(w, "DEVICE\tOUTCOME\tBACKEND\tATTEMPTS\tDURATION\tREASON")
	for i := range result.Devices {
		res := &result.Devices[i]
		outcome := string(res.Outcome)
		if res.Indeterminate {
			outcome += "?"
		}
		if res.Compensated {
			outcome += "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			res.DeviceID,
			outcomeColor(res.Outcome).Sprint(outcome),
			orDash(string(res.Backend)),
			totalAttempts(res.Attempts),
			res.Duration.Round(time.Millisecond),
			orDash(res.Reason),
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	counts := result.Counts()
	fmt.Fprintf(p.out, "\nVerdict: %s (committed %d, rolled back %d, failed %d, skipped %d) in %s\n",
		verdictColor(result.Verdict).Sprint(result.Verdict),
		counts[engine.OutcomeCommitted],
		counts[engine.OutcomeRolledBack],
		counts[engine.OutcomeFailed],
		counts[engine.OutcomeSkipped],
		result.Duration.Round(time.Millisecond),
	)
	if result.HasIndeterminate() {
		errColor.Fprintln(p.out, "Devices marked ? have an unknown commit outcome and need inspection.")
	}
	return nil
}

// policyResult prints violations and warnings of a policy evaluation.
func (p *printer) policyResult(result *policy.Result) {
	if result == nil || p.json {
		return
	}
	for _, v := range result.Violations {
		errColor.Fprintf(p.out, "DENY  %s\n", v.String())
	}
	for _, v := range result.Warnings {
		warnColor.Fprintf(p.out, "WARN  %s\n", v.String())
	}
}

// progress prints device-level events as they arrive.
func progress(w io.Writer) telemetry.EventSubscriber {
	return func(event engine.Event) {
		c := dimColor
		switch event.Level {
		case "warning":
			c = warnColor
		case "error":
			c = errColor
		}
		c.Fprintf(w, "%s  %-12s %s\n", event.Timestamp.Format("15:04:05"), event.DeviceID, event.Message)
	}
}

// progressFilter selects the events worth showing an operator.
func progressFilter() telemetry.EventFilter {
	return telemetry.FilterByType(
		engine.EventTypeDeviceDispatched,
		engine.EventTypeDeviceRetry,
		engine.EventTypeDeviceCompleted,
		engine.EventTypeDeviceSkipped,
		engine.EventTypeDeviceCompensated,
	)
}

func totalAttempts(attempts map[engine.Step]int) int {
	total := 0
	for _, n := range attempts {
		total += n
	}
	return total
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func joinProtocols(protocols []engine.Protocol) string {
	names := make([]string, len(protocols))
	for i, p := range protocols {
		names[i] = string(p)
	}
	return strings.Join(names, ",")
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + labels[k]
	}
	return strings.Join(pairs, ",")
}
