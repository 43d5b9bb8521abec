package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/systmms/asr/pkg/rotation"
)

func NewFlagCommand(app *App) *cobra.Command {
	var period int

	cmd := &cobra.Command{
		Use:   "flag PATH",
		Short: "Flag a secret for automatic rotation",
		Long: `Enable automatic rotation for an existing secret.

The first flag starts the rotation clock at the current time. Flagging an
already flagged secret only changes its period and keeps the last rotation
time.`,
		Example: `  asr flag myapp/database --period 3`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			engine, err := app.Engine(ctx)
			if err != nil {
				return err
			}

			meta, err := engine.Flag(ctx, args[0], period)
			if err != nil {
				return err
			}

			months := meta.Period(engine.DefaultPeriod())
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Successfully flagged %s for rotation every %d months\n", args[0], months)
			if d := rotation.CheckDue(meta, timeNow(), engine.DefaultPeriod()); !d.NextDue.IsZero() {
				fmt.Fprintf(out, "  Next rotation due: %s\n", d.NextDue.Format(time.DateOnly))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&period, "period", "p", 0, "Rotation period in months (default rotation.period_months)")

	return cmd
}

func NewUnflagCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "unflag PATH",
		Short: "Disable automatic rotation for a secret",
		Long:  "Disable automatic rotation. The last rotation time and period are kept.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			engine, err := app.Engine(ctx)
			if err != nil {
				return err
			}
			if err := engine.Unflag(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Disabled automatic rotation for %s\n", args[0])
			return nil
		},
	}
}

func NewCheckCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "check PATH",
		Short: "Show the rotation status of one secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			engine, err := app.Engine(ctx)
			if err != nil {
				return err
			}
			decision, meta, err := engine.Check(ctx, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Secret:        %s\n", args[0])
			fmt.Fprintf(out, "Enabled:       %t\n", meta.Enabled)
			if meta.LastRotated != nil {
				fmt.Fprintf(out, "Last rotated:  %s\n", meta.LastRotated.Format(time.RFC3339))
			} else {
				fmt.Fprintln(out, "Last rotated:  never")
			}
			if meta.Enabled {
				fmt.Fprintf(out, "Period:        %d months\n", meta.Period(engine.DefaultPeriod()))
			}
			if !decision.NextDue.IsZero() {
				fmt.Fprintf(out, "Next due:      %s\n", decision.NextDue.Format(time.RFC3339))
			}
			fmt.Fprintf(out, "Status:        %s\n", decision)
			return nil
		},
	}
}
