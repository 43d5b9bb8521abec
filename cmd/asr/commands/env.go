package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	asrerrors "github.com/systmms/asr/internal/errors"
	"github.com/systmms/asr/internal/secure"
	"github.com/systmms/asr/pkg/backend"
	"github.com/systmms/asr/pkg/rotation"
)

const reloadHint = "Reload your shell or run 'source ~/.bashrc' (or ~/.zshrc) for changes to take effect"

func NewUpdateEnvCommand(app *App) *cobra.Command {
	var (
		key    string
		envVar string
	)

	cmd := &cobra.Command{
		Use:   "update-env PATH",
		Short: "Export a secret field as an environment variable in shell profiles",
		Long: `Copy one field of a secret into ~/.bashrc, ~/.bash_profile, ~/.zshrc and
~/.profile (those that exist, or env.profiles from asr.yaml) as an
export line. An existing assignment is replaced in place.`,
		Example: `  asr update-env myapp/database --key password --env-var DATABASE_PASSWORD`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := app.Backend(ctx)
			if err != nil {
				return err
			}
			field := key
			if field == "" {
				field = app.Config.Definition.Rotation.Field
			}

			bridge, err := app.Bridge(b)
			if err != nil {
				return err
			}
			name, err := bridge.Sync(ctx, args[0], field, envVar)
			if err != nil {
				if backend.IsNotFound(err) || backend.IsAuth(err) {
					return asrerrors.BackendError(b.Kind(), "read", err)
				}
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✓ Updated environment variable '%s' in shell config files\n", name)
			fmt.Fprintf(out, "  Value synced from %s: %s (key: %s)\n", b.Kind(), args[0], field)
			app.Config.Logger.Warn(reloadHint)
			return nil
		},
	}

	cmd.Flags().StringVarP(&key, "key", "k", "", "Field within the secret (default rotation.field)")
	cmd.Flags().StringVarP(&envVar, "env-var", "e", "", "Environment variable name (default derived from PATH)")

	return cmd
}

func NewGenPasswordCommand(app *App) *cobra.Command {
	var (
		key    string
		envVar string
		length int
	)

	cmd := &cobra.Command{
		Use:   "gen-password PATH",
		Short: "Generate a password, store it and optionally export it",
		Long: `Generate a random password and merge it into the secret at PATH, creating
the secret when it does not exist. Rotation metadata is not changed; use
'asr flag' to schedule rotation.`,
		Example: `  asr gen-password myapp/api --key token --env-var MYAPP_TOKEN --length 48`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path := args[0]
			b, err := app.Backend(ctx)
			if err != nil {
				return err
			}
			rc := app.Config.Definition.Rotation
			if key == "" {
				key = rc.Field
			}
			if length <= 0 {
				length = rc.SecretLength
			}

			generated, err := rotation.Generate(length)
			if err != nil {
				return err
			}
			value := secure.NewBuffer(generated)
			defer value.Destroy()

			err = value.With(func(v string) error {
				return b.WritePayload(ctx, path, backend.Payload{key: v}, true)
			})
			if err != nil {
				return asrerrors.BackendError(b.Kind(), "write", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✓ Generated new password and stored in %s\n", b.Kind())
			fmt.Fprintf(out, "  Location: %s\n", path)
			fmt.Fprintf(out, "  Key: %s\n", key)
			fmt.Fprintf(out, "  Length: %d characters\n", length)

			if envVar == "" {
				app.Config.Logger.Info("Use --env-var to also update a local environment variable")
				return nil
			}
			bridge, err := app.Bridge(b)
			if err != nil {
				return err
			}
			err = value.With(func(v string) error {
				_, err := bridge.Set(path, envVar, v)
				return err
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "✓ Updated environment variable '%s' in shell config files\n", envVar)
			app.Config.Logger.Warn(reloadHint)
			return nil
		},
	}

	cmd.Flags().StringVarP(&key, "key", "k", "", "Field name for the password (default rotation.field)")
	cmd.Flags().StringVarP(&envVar, "env-var", "e", "", "Environment variable to update")
	cmd.Flags().IntVarP(&length, "length", "l", 0, "Password length (default rotation.secret_length)")

	return cmd
}
