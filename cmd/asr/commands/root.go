package commands

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/systmms/asr/internal/backends"
	"github.com/systmms/asr/internal/config"
	asrerrors "github.com/systmms/asr/internal/errors"
	"github.com/systmms/asr/internal/envsync"
	"github.com/systmms/asr/internal/logging"
	"github.com/systmms/asr/internal/metrics"
	"github.com/systmms/asr/internal/targets"
	"github.com/systmms/asr/pkg/backend"
	"github.com/systmms/asr/pkg/rotation"
)

var timeNow = time.Now

// App is the state shared by every command: the configuration, the
// backend built from it and the collaborators tests replace
type App struct {
	Config *config.Config

	// MetricsFile, when set, receives the run's metrics in Prometheus
	// text format
	MetricsFile string

	NewBackend func(ctx context.Context, cfg backends.Config, logger *logging.Logger) (backend.Backend, error)
	NewWriter  func(def *config.Definition, logger *logging.Logger) (envsync.Writer, error)
	NewTarget  func(ctx context.Context, kind string, cfg targets.Config, secrets targets.PasswordReader, logger *logging.Logger) (rotation.Target, error)

	backend backend.Backend
	metrics *metrics.Metrics
}

// NewApp creates an App with the production collaborators
func NewApp(cfg *config.Config) *App {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	return &App{
		Config: cfg,
		NewBackend: func(ctx context.Context, cfg backends.Config, logger *logging.Logger) (backend.Backend, error) {
			return backends.NewRegistry().Create(ctx, cfg, logger)
		},
		NewWriter: newProfileWriter,
		NewTarget: targets.New,
		metrics:   metrics.New(),
	}
}

func newProfileWriter(def *config.Definition, logger *logging.Logger) (envsync.Writer, error) {
	profiles := def.Profiles()
	if len(profiles) == 0 {
		return envsync.NewProfileWriter(logger)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return envsync.NewProfileWriterForHome(home, logger, profiles...), nil
}

// NewRootCommand builds the asr command tree
func NewRootCommand(version string) *cobra.Command {
	var (
		noColor bool
		debug   bool
	)
	cfg := &config.Config{}
	app := NewApp(cfg)

	rootCmd := &cobra.Command{
		Use:   "asr",
		Short: "Automatic secret rotation for Vault, cloud secret managers and local files",
		Long: `asr flags secrets for periodic rotation, finds the ones that are due and
rotates them in place. Rotation state lives next to each secret in the
backend's own metadata (Vault custom metadata, AWS and Azure tags, GCP
annotations or a .meta sidecar file).`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if !cmd.Flags().Changed("no-color") && !term.IsTerminal(int(os.Stderr.Fd())) {
				noColor = true
			}
			cfg.Logger = logging.New(debug, noColor)
			cfg.Explicit = cmd.Flags().Changed("config")
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = cfg.Logger.Sync()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfg.Path, "config", config.DefaultPath, "Config file path")
	flags.StringVar(&cfg.EnvFile, "env-file", "", "Dotenv file loaded before the environment (default .env when present)")
	flags.StringVar(&cfg.Overrides.Backend, "backend", "", "Secret backend: vault, aws, aws-ssm, gcp, azure, file")
	flags.StringVar(&cfg.Overrides.VaultAddr, "vault-addr", "", "Vault address")
	flags.StringVar(&cfg.Overrides.VaultToken, "vault-token", "", "Vault token")
	flags.StringVar(&cfg.Overrides.VaultMount, "vault-mount", "", "Vault KV v2 mount")
	flags.IntVar(&cfg.Overrides.Workers, "workers", 0, "Secrets processed concurrently by scan and auto")
	flags.StringVar(&app.MetricsFile, "metrics-file", "", "Write Prometheus metrics to this file after scan or auto")
	flags.BoolVar(&noColor, "no-color", false, "Disable colored output")
	flags.BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		NewInitCommand(app),
		NewFlagCommand(app),
		NewUnflagCommand(app),
		NewCheckCommand(app),
		NewScanCommand(app),
		NewRotateCommand(app),
		NewAutoCommand(app),
		NewReadCommand(app),
		NewListCommand(app),
		NewUpdateEnvCommand(app),
		NewGenPasswordCommand(app),
		NewDoctorCommand(app),
		NewCompletionCommand(app),
	)
	return rootCmd
}

// load reads the configuration once
func (a *App) load() error {
	if a.Config.Definition != nil {
		return nil
	}
	return a.Config.Load()
}

// Backend loads the configuration and builds the selected backend
func (a *App) Backend(ctx context.Context) (backend.Backend, error) {
	if a.backend != nil {
		return a.backend, nil
	}
	if err := a.load(); err != nil {
		return nil, err
	}
	cfg := a.Config.Definition.Backend
	b, err := a.NewBackend(ctx, cfg, a.Config.Logger)
	if err != nil {
		return nil, asrerrors.BackendError(cfg.Kind, "setup", err)
	}
	a.backend = b
	return b, nil
}

// Engine builds a rotation engine tuned by the rotation section
func (a *App) Engine(ctx context.Context) (*rotation.Engine, error) {
	b, err := a.Backend(ctx)
	if err != nil {
		return nil, err
	}
	r := a.Config.Definition.Rotation
	return rotation.NewEngine(b,
		rotation.WithLogger(a.Config.Logger),
		rotation.WithLength(r.SecretLength),
		rotation.WithField(r.Field),
		rotation.WithDefaultPeriod(r.PeriodMonths),
	), nil
}

// Batch wraps the engine in a batch runner observed by the metrics. Extra
// options are applied last.
func (a *App) Batch(e *rotation.Engine, extra ...rotation.BatchOption) *rotation.Batch {
	r := a.Config.Definition.Rotation
	opts := []rotation.BatchOption{
		rotation.WithWorkers(r.Workers),
		rotation.WithCallTimeout(r.CallTimeout),
		rotation.WithRateLimit(r.RequestsPerSecond, r.Burst),
		rotation.WithObserver(a.metrics),
	}
	return rotation.NewBatch(e, append(opts, extra...)...)
}

// Bridge builds the env-sync bridge on the profile writer
func (a *App) Bridge(b backend.Backend) (*envsync.Bridge, error) {
	w, err := a.NewWriter(a.Config.Definition, a.Config.Logger)
	if err != nil {
		return nil, asrerrors.UserError{
			Message:    "Failed to prepare shell profile updates",
			Details:    err.Error(),
			Suggestion: "Check that $HOME is set",
			Err:        err,
		}
	}
	return envsync.NewBridge(b, w, a.Config.Logger), nil
}

// Target builds the password target named by kind, or the first one
// configured when kind is empty
func (a *App) Target(ctx context.Context, kind string) (rotation.Target, func(), error) {
	b, err := a.Backend(ctx)
	if err != nil {
		return nil, nil, err
	}
	t, err := a.NewTarget(ctx, kind, a.Config.Definition.Targets, b, a.Config.Logger)
	if err != nil {
		return nil, nil, asrerrors.UserError{
			Message:    "Target configuration not usable",
			Details:    err.Error(),
			Suggestion: "Configure targets.postgres, targets.mysql or targets.api in asr.yaml (or DB_HOST and DB_USERNAME)",
			Err:        err,
		}
	}
	closeFn := func() {}
	if c, ok := t.(interface{ Close() error }); ok {
		closeFn = func() {
			if err := c.Close(); err != nil {
				a.Config.Logger.Debug("Closing %s target: %v", t.Type(), err)
			}
		}
	}
	return t, closeFn, nil
}

// writeMetrics marks the run and dumps the registry when --metrics-file
// is set
func (a *App) writeMetrics(kind backend.Kind, op string) {
	a.metrics.MarkRun(kind, op, timeNow())
	if a.MetricsFile == "" {
		return
	}
	if err := a.metrics.WriteToTextfile(a.MetricsFile); err != nil {
		a.Config.Logger.Warn("Failed to write metrics to %s: %v", a.MetricsFile, err)
		return
	}
	a.Config.Logger.Debug("Wrote metrics to %s", a.MetricsFile)
}
