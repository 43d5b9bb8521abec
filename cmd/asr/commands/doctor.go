package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/systmms/asr/internal/backends"
	asrerrors "github.com/systmms/asr/internal/errors"
	"github.com/systmms/asr/internal/envsync"
)

// Check is one line of the doctor report
type Check struct {
	Name       string
	Status     string
	Detail     string
	Suggestion string
}

const (
	statusOK   = "ok"
	statusWarn = "warn"
	statusFail = "error"
)

func NewDoctorCommand(app *App) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and backend connectivity",
		Long: `Verify that asr is ready to rotate secrets.

This command checks:
- Configuration file and environment validity
- Backend credentials and connectivity
- Configured password targets
- Shell profiles available to update-env`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			checks := runChecks(ctx, app)
			printChecks(cmd, checks)

			failed := 0
			for _, c := range checks {
				if c.Status == statusFail {
					failed++
				}
			}
			if failed > 0 {
				return asrerrors.ExitError{Code: 1, Message: fmt.Sprintf("%d check(s) failed", failed)}
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Time allowed for the backend check")

	return cmd
}

func runChecks(ctx context.Context, app *App) []Check {
	var checks []Check

	if err := app.load(); err != nil {
		return append(checks, Check{Name: "configuration", Status: statusFail, Detail: err.Error()})
	}
	def := app.Config.Definition
	source := app.Config.Path
	if _, err := os.Stat(source); err != nil {
		source = "environment only"
	}
	checks = append(checks, Check{Name: "configuration", Status: statusOK, Detail: source})

	kind := def.Backend.Kind
	name := "backend " + string(kind)
	b, err := app.Backend(ctx)
	if err != nil {
		return append(checks, failedCheck(name, err))
	}

	var probeErr error
	if v, ok := b.(backends.Validator); ok {
		probeErr = v.Validate(ctx)
	} else {
		// Backends without a credential check are probed by listing
		for _, err := range b.List(ctx, "") {
			probeErr = err
			break
		}
	}
	if probeErr != nil {
		checks = append(checks, failedCheck(name, asrerrors.BackendError(kind, "validate", probeErr)))
	} else {
		checks = append(checks, Check{Name: name, Status: statusOK, Detail: kind.DisplayName()})
	}

	if configured := def.Targets.Configured(); len(configured) > 0 {
		checks = append(checks, Check{Name: "targets", Status: statusOK, Detail: strings.Join(configured, ", ")})
	} else {
		checks = append(checks, Check{Name: "targets", Status: statusWarn, Detail: "none configured", Suggestion: "Needed only for --update-target"})
	}

	checks = append(checks, profileCheck(def.Profiles()))
	return checks
}

func failedCheck(name string, err error) Check {
	c := Check{Name: name, Status: statusFail, Detail: err.Error()}
	var ue asrerrors.UserError
	if errors.As(err, &ue) {
		c.Detail = ue.Message
		c.Suggestion = ue.Suggestion
	}
	return c
}

func profileCheck(profiles []string) Check {
	if len(profiles) == 0 {
		profiles = envsync.DefaultProfiles
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return Check{Name: "shell profiles", Status: statusWarn, Detail: err.Error()}
	}
	var found []string
	for _, p := range profiles {
		if _, err := os.Stat(filepath.Join(home, p)); err == nil {
			found = append(found, p)
		}
	}
	if len(found) == 0 {
		return Check{
			Name:       "shell profiles",
			Status:     statusWarn,
			Detail:     "none found in " + home,
			Suggestion: "update-env only edits existing files",
		}
	}
	return Check{Name: "shell profiles", Status: statusOK, Detail: strings.Join(found, ", ")}
}

func printChecks(cmd *cobra.Command, checks []Check) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHECK\tSTATUS\tDETAIL")
	for _, c := range checks {
		fmt.Fprintf(w, "%s\t%s\t%s\n", c.Name, c.Status, firstLine(c.Detail))
	}
	_ = w.Flush()

	for _, c := range checks {
		if c.Suggestion != "" && c.Status != statusOK {
			fmt.Fprintf(cmd.OutOrStdout(), "💡 %s: %s\n", c.Name, c.Suggestion)
		}
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
