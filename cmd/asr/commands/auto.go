package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	asrerrors "github.com/systmms/asr/internal/errors"
	"github.com/systmms/asr/internal/envsync"
	"github.com/systmms/asr/internal/secure"
	"github.com/systmms/asr/pkg/rotation"
)

// observers fans one outcome out to several observers in order
type observers []rotation.Observer

func (all observers) Observe(op string, o rotation.Outcome) {
	for _, obs := range all {
		obs.Observe(op, o)
	}
}

// stashObserver moves each rotated value into encrypted memory as soon as
// its outcome is known
type stashObserver struct {
	stash *secure.Stash
}

func (s stashObserver) Observe(_ string, o rotation.Outcome) {
	if o.Rotated == nil {
		return
	}
	s.stash.Put(o.Ref.Path(), o.Rotated.Value)
	o.Rotated.Value = ""
}

func NewAutoCommand(app *App) *cobra.Command {
	var (
		dryRun       bool
		updateEnv    bool
		updateTarget bool
		targetType   string
	)

	cmd := &cobra.Command{
		Use:   "auto [PREFIX]",
		Short: "Rotate every secret that is due",
		Long: `Scan PREFIX and rotate each flagged secret whose period has elapsed.

One failing secret never stops the others. The run exits non-zero when a
secret failed with an authentication or connection error, or when a rotated
value could not be written to the shell profiles.

With --update-target the account named by each secret's target_username
(or database_username) metadata is updated. Secrets without one are
rotated without touching the target.`,
		Example: `  # Preview
  asr auto --dry-run

  # Rotate below myapp/ and export each value as an environment variable
  asr auto myapp --update-env`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if targetType != "" {
				updateTarget = true
			}

			engine, err := app.Engine(ctx)
			if err != nil {
				return err
			}
			kind := engine.Backend().Kind()

			opts := rotation.AutoOptions{DryRun: dryRun}
			if updateTarget && !dryRun {
				target, closeTarget, err := app.Target(ctx, targetType)
				if err != nil {
					return err
				}
				defer closeTarget()
				opts.Target = target
			}

			var bridge *envsync.Bridge
			if updateEnv && !dryRun {
				if bridge, err = app.Bridge(engine.Backend()); err != nil {
					return err
				}
			}

			stash := secure.NewStash()
			defer stash.Destroy()

			batch := app.Batch(engine, rotation.WithObserver(observers{app.metrics, stashObserver{stash}}))
			report, err := batch.AutoRotate(ctx, firstArg(args), opts)
			app.writeMetrics(kind, "auto")
			if err != nil {
				return asrerrors.BackendError(kind, "list", err)
			}

			out := cmd.OutOrStdout()
			envFailures := printAuto(out, report, stash, bridge, dryRun, updateEnv, updateTarget)
			fmt.Fprintln(out, report.Summary())
			if bridge != nil && len(report.Rotated()) > 0 {
				app.Config.Logger.Warn("Reload your shell or run 'source ~/.bashrc' for env var changes to take effect")
			}

			if err := batchExit(report); err != nil {
				return err
			}
			if envFailures > 0 {
				return asrerrors.ExitError{
					Code:    2,
					Message: fmt.Sprintf("%d environment variable update(s) failed", envFailures),
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Only show what would be rotated")
	cmd.Flags().BoolVar(&updateEnv, "update-env", false, "Export each rotated value in shell profiles, named after its path")
	cmd.Flags().BoolVar(&updateTarget, "update-target", false, "Also update target passwords (username from metadata)")
	cmd.Flags().StringVar(&targetType, "target-type", "", "Target to update: postgres, mysql, api (default: first configured)")

	return cmd
}

// printAuto reports each outcome in listing order and performs the env
// updates. It returns the number of env updates that failed.
func printAuto(out io.Writer, report *rotation.Report, stash *secure.Stash, bridge *envsync.Bridge, dryRun, updateEnv, updateTarget bool) int {
	due := report.Due()
	if len(due) == 0 && len(report.Failures()) == 0 {
		fmt.Fprintln(out, "No secrets need rotation at this time")
		return 0
	}
	if len(due) > 0 {
		fmt.Fprintf(out, "Found %d secret(s) needing rotation\n", len(due))
	}

	envFailures := 0
	for _, o := range report.Outcomes {
		path := o.Ref.Path()
		switch {
		case o.Failed():
			fmt.Fprintf(out, "✗ Failed to rotate %s: %v\n", path, o.Err)

		case dryRun && o.Decision.Due:
			fmt.Fprintf(out, "[DRY RUN] Would rotate: %s\n", path)
			if updateEnv {
				fmt.Fprintf(out, "  [DRY RUN] Would update env var %s\n", envsync.VarName(path))
			}
			if updateTarget {
				fmt.Fprintln(out, "  [DRY RUN] Would update target password (username from metadata)")
			}

		case o.Rotated != nil:
			fmt.Fprintf(out, "✓ Rotated: %s\n", path)
			if o.Rotated.TargetUser != "" {
				fmt.Fprintf(out, "  ✓ Updated %s password for user: %s\n", o.Rotated.TargetType, o.Rotated.TargetUser)
			}
			if bridge == nil {
				continue
			}
			name, err := syncStashed(stash, bridge, path)
			if err != nil {
				envFailures++
				fmt.Fprintf(out, "  ✗ Failed to update env var %s: %v\n", envsync.VarName(path), err)
				continue
			}
			fmt.Fprintf(out, "  ✓ Updated env var: %s\n", name)
		}
	}
	return envFailures
}

func syncStashed(stash *secure.Stash, bridge *envsync.Bridge, path string) (string, error) {
	buf, ok := stash.Get(path)
	if !ok {
		return "", fmt.Errorf("rotated value for %s not retained", path)
	}
	var name string
	err := buf.With(func(v string) error {
		var err error
		name, err = bridge.Set(path, "", v)
		return err
	})
	return name, err
}
