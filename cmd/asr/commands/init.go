package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/systmms/asr/internal/config"
)

func NewInitCommand(app *App) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new asr configuration",
		Long:  "Create an asr.yaml file with a sample backend and rotation configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := output
			if path == "" {
				path = app.Config.Path
			}
			if path == "" {
				path = config.DefaultPath
			}

			if err := config.WriteSample(path); err != nil {
				return err
			}

			logger := app.Config.Logger
			fmt.Fprintf(cmd.OutOrStdout(), "Sample configuration created at %s\n", path)
			logger.Info("Next steps:")
			logger.Info("  1. Edit %s to select your backend", path)
			logger.Info("  2. Run 'asr doctor' to verify backend connectivity")
			logger.Info("  3. Run 'asr flag <path>' to enable rotation for a secret")
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output path (defaults to --config)")

	return cmd
}
