package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/systmms/asr/internal/secure"
	"github.com/systmms/asr/pkg/rotation"
)

func NewRotateCommand(app *App) *cobra.Command {
	var (
		key            string
		length         int
		period         int
		updateTarget   bool
		targetType     string
		targetUsername string
		updateEnv      bool
		envVar         string
		quiet          bool
	)

	cmd := &cobra.Command{
		Use:   "rotate PATH",
		Short: "Rotate a specific secret now",
		Long: `Generate a new value for one secret whether or not it is due.

The new value is merged into the secret under --key, leaving other fields
untouched. With --update-target the database or API account is changed to
the new value before the rotation time is recorded.`,
		Example: `  # Rotate and change the PostgreSQL password of user app
  asr rotate myapp/database --update-target --target-username app

  # Rotate and export the value as MYAPP_DATABASE in shell profiles
  asr rotate myapp/database --update-env`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path := args[0]
			if targetType != "" || targetUsername != "" {
				updateTarget = true
			}
			if envVar != "" {
				updateEnv = true
			}

			engine, err := app.Engine(ctx)
			if err != nil {
				return err
			}
			kind := engine.Backend().Kind()

			opts := rotation.RotateOptions{
				Field:          key,
				Length:         length,
				PeriodMonths:   period,
				TargetUsername: targetUsername,
			}
			if updateTarget {
				target, closeTarget, err := app.Target(ctx, targetType)
				if err != nil {
					return err
				}
				defer closeTarget()
				opts.Target = target
			}

			start := time.Now()
			res, err := engine.Rotate(ctx, path, opts)
			app.metrics.RecordRotation(kind, err, time.Since(start))
			app.writeMetrics(kind, "rotate")
			if err != nil {
				return err
			}

			value := secure.NewBuffer(res.Value)
			res.Value = ""
			defer value.Destroy()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Successfully rotated secret at: %s\n", path)
			if res.TargetUser != "" {
				fmt.Fprintf(out, "✓ Updated %s password for user: %s\n", res.TargetType, res.TargetUser)
			}

			if updateEnv {
				bridge, err := app.Bridge(engine.Backend())
				if err != nil {
					return err
				}
				var name string
				err = value.With(func(v string) error {
					name, err = bridge.Set(path, envVar, v)
					return err
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "✓ Updated environment variable '%s' in shell config files\n", name)
			}

			if !quiet {
				app.Config.Logger.Warn("Secret value will be displayed. Ensure this output is secured.")
				if err := value.With(func(v string) error {
					_, err := fmt.Fprintf(out, "New secret value: %s\n", v)
					return err
				}); err != nil {
					return err
				}
				app.Config.Logger.Warn("Please update your application with the new secret and clear your terminal history.")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&key, "key", "k", "", "Field to rotate (default rotation.field)")
	cmd.Flags().IntVarP(&length, "length", "l", 0, "Length of the new secret (default rotation.secret_length)")
	cmd.Flags().IntVar(&period, "period", 0, "Also change the rotation period in months")
	cmd.Flags().BoolVar(&updateTarget, "update-target", false, "Also update the target password (database, API)")
	cmd.Flags().StringVar(&targetType, "target-type", "", "Target to update: postgres, mysql, api (default: first configured)")
	cmd.Flags().StringVar(&targetUsername, "target-username", "", "Account to update on the target (default: target_username metadata)")
	cmd.Flags().BoolVar(&updateEnv, "update-env", false, "Also export the new value in shell profiles")
	cmd.Flags().StringVarP(&envVar, "env-var", "e", "", "Environment variable name (default derived from PATH)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not print the new secret value")

	return cmd
}
