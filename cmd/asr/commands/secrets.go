package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	asrerrors "github.com/systmms/asr/internal/errors"
	"github.com/systmms/asr/pkg/backend"
)

func NewReadCommand(app *App) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "read PATH",
		Short: "Print every field of a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := app.Backend(ctx)
			if err != nil {
				return err
			}
			payload, err := b.ReadPayload(ctx, args[0])
			if err != nil {
				return asrerrors.BackendError(b.Kind(), "read", err)
			}

			logger := app.Config.Logger
			out := cmd.OutOrStdout()
			logger.Warn("Secret values will be displayed. Ensure this output is secured.")
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(payload); err != nil {
					return fmt.Errorf("failed to encode JSON: %w", err)
				}
			} else {
				fmt.Fprintln(out, "Secret data:")
				for _, k := range payload.Keys() {
					fmt.Fprintf(out, "  %s: %s\n", k, payload[k])
				}
			}
			logger.Warn("Please clear your terminal history after viewing.")
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output the fields as a JSON object")

	return cmd
}

func NewListCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "list [PREFIX]",
		Short: "List secrets below a path",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := app.Backend(ctx)
			if err != nil {
				return err
			}

			prefix := firstArg(args)
			shown := "/"
			if p := backend.CleanPath(prefix); p != "" {
				shown = p
			}

			var paths []string
			for ref, err := range b.List(ctx, prefix) {
				if err != nil {
					return asrerrors.BackendError(b.Kind(), "list", err)
				}
				paths = append(paths, ref.Path())
			}

			out := cmd.OutOrStdout()
			if len(paths) == 0 {
				fmt.Fprintf(out, "No secrets found at path: %s\n", shown)
				return nil
			}
			fmt.Fprintf(out, "Secrets at %s:\n", shown)
			for _, p := range paths {
				fmt.Fprintf(out, "  - %s\n", p)
			}
			return nil
		},
	}
}
