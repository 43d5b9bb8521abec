package main

import (
	"fmt"
	"os"

	"github.com/awnumar/memguard"

	"github.com/systmms/asr/cmd/asr/commands"
	asrerrors "github.com/systmms/asr/internal/errors"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Wipe enclaves on SIGINT/SIGTERM as well as on normal exit
	memguard.CatchInterrupt()

	root := commands.NewRootCommand(fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date))
	err := root.Execute()
	memguard.Purge()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", asrerrors.SimplifyError(err))
		os.Exit(asrerrors.ExitCode(err))
	}
}
