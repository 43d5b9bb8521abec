package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	asrerrors "github.com/systmms/asr/internal/errors"
	"github.com/systmms/asr/pkg/backend"
	"github.com/systmms/asr/pkg/rotation"
)

// ScanEntry is the JSON form of one scanned secret
type ScanEntry struct {
	Path    string     `json:"path"`
	Backend string     `json:"backend"`
	Due     bool       `json:"due"`
	Reason  string     `json:"reason,omitempty"`
	NextDue *time.Time `json:"next_due,omitempty"`
	Error   string     `json:"error,omitempty"`
}

func NewScanCommand(app *App) *cobra.Command {
	var (
		jsonOutput bool
		all        bool
	)

	cmd := &cobra.Command{
		Use:   "scan [PREFIX]",
		Short: "Scan for secrets that need rotation",
		Long: `List every secret below PREFIX and report the ones due for rotation.

Scan only reads. Every failure is reported, but the exit status is
non-zero only when a secret failed with an authentication or connection
error.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			engine, err := app.Engine(ctx)
			if err != nil {
				return err
			}
			kind := engine.Backend().Kind()

			report, err := app.Batch(engine).Scan(ctx, firstArg(args))
			app.writeMetrics(kind, "scan")
			if err != nil {
				return asrerrors.BackendError(kind, "list", err)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				if err := writeScanJSON(out, report); err != nil {
					return err
				}
			} else if all {
				printScanTable(out, report)
			} else {
				printScanDue(out, report)
			}
			return batchExit(report)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output every scanned secret as JSON")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Show every scanned secret, not only the due ones")

	return cmd
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func printScanDue(out io.Writer, report *rotation.Report) {
	due := report.Due()
	if len(due) == 0 {
		fmt.Fprintln(out, "No secrets need rotation at this time")
	} else {
		fmt.Fprintln(out, "Secrets needing rotation:")
		for _, o := range due {
			fmt.Fprintf(out, "  - %s\n", o.Ref.Path())
		}
	}
	printFailures(out, "check", report)
}

func printScanTable(out io.Writer, report *rotation.Report) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tSTATUS\tNEXT DUE")
	for _, o := range report.Outcomes {
		status, next := "skip", "-"
		switch {
		case o.Failed():
			status = "error"
		case o.Decision.Due:
			status = "due"
		}
		if !o.Decision.NextDue.IsZero() {
			next = o.Decision.NextDue.Format(time.DateOnly)
		}
		reason := o.Decision.Reason
		if o.Failed() {
			reason = string(backend.Classify(o.Err))
		}
		fmt.Fprintf(w, "%s\t%s (%s)\t%s\n", o.Ref.Path(), status, reason, next)
	}
	_ = w.Flush()
	fmt.Fprintln(out, report.Summary())
}

func writeScanJSON(out io.Writer, report *rotation.Report) error {
	entries := make([]ScanEntry, 0, len(report.Outcomes))
	for _, o := range report.Outcomes {
		e := ScanEntry{
			Path:    o.Ref.Path(),
			Backend: string(o.Ref.Backend()),
			Due:     o.Err == nil && o.Decision.Due,
			Reason:  o.Decision.Reason,
		}
		if !o.Decision.NextDue.IsZero() {
			next := o.Decision.NextDue
			e.NextDue = &next
		}
		if o.Err != nil {
			e.Error = o.Err.Error()
		}
		entries = append(entries, e)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(entries); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

func printFailures(out io.Writer, verb string, report *rotation.Report) {
	for _, o := range report.Failures() {
		fmt.Fprintf(out, "✗ Failed to %s %s: %v\n", verb, o.Ref.Path(), o.Err)
	}
}

// batchExit turns a report into the process exit status. Only
// authentication and connection failures fail the run.
func batchExit(report *rotation.Report) error {
	if !report.Fatal() {
		return nil
	}
	return asrerrors.ExitError{
		Code:    2,
		Message: fmt.Sprintf("%d of %d secret(s) failed", len(report.Failures()), len(report.Outcomes)),
	}
}
