package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/zalando/go-keyring"
	"gopkg.in/yaml.v3"

	"github.com/systmms/asr/internal/backends"
	asrerrors "github.com/systmms/asr/internal/errors"
	"github.com/systmms/asr/internal/logging"
	"github.com/systmms/asr/internal/targets"
	"github.com/systmms/asr/pkg/backend"
)

const (
	// DefaultPath is the configuration file looked up in the working directory
	DefaultPath = "asr.yaml"

	// DefaultEnvFile is loaded before environment overrides are applied
	DefaultEnvFile = ".env"

	// KeyringService and KeyringVaultUser locate a Vault token stored in
	// the OS keyring
	KeyringService   = "asr"
	KeyringVaultUser = "vault-token"

	DefaultPeriodMonths = 6
	DefaultSecretLength = 32
	DefaultField        = backend.DefaultField
	DefaultWorkers      = 4
	DefaultCallTimeout  = 30 * time.Second
)

// Config holds the runtime configuration
type Config struct {
	// Path is the configuration file. When Explicit is false a missing
	// file is not an error and configuration comes from the environment.
	Path     string
	Explicit bool

	// EnvFile is a dotenv file loaded into the process environment.
	// Variables already set are not overridden.
	EnvFile string

	// Overrides come from command-line flags and win over the
	// environment
	Overrides Overrides

	Logger     *logging.Logger
	Definition *Definition
}

// Overrides carries the global command-line flags. Empty values leave the
// configuration untouched.
type Overrides struct {
	Backend    string
	VaultAddr  string
	VaultToken string
	VaultMount string
	Workers    int
}

func (o Overrides) apply(def *Definition) {
	if o.Backend != "" {
		def.Backend.Kind = backend.Kind(strings.ToLower(o.Backend))
	}
	if o.VaultAddr != "" {
		def.Backend.Vault.Address = o.VaultAddr
	}
	if o.VaultToken != "" {
		def.Backend.Vault.Token = o.VaultToken
	}
	if o.VaultMount != "" {
		def.Backend.Vault.Mount = o.VaultMount
	}
	if o.Workers > 0 {
		def.Rotation.Workers = o.Workers
	}
}

// Definition represents the asr.yaml structure
type Definition struct {
	Version  int              `yaml:"version"`
	Backend  backends.Config  `yaml:"backend"`
	Rotation RotationConfig   `yaml:"rotation"`
	Targets  targets.Config   `yaml:"targets,omitempty"`
	Env      EnvConfig        `yaml:"env,omitempty"`
}

// RotationConfig holds rotation defaults and batch tuning
type RotationConfig struct {
	PeriodMonths int    `yaml:"period_months" validate:"min=1"`
	SecretLength int    `yaml:"secret_length" validate:"min=8,max=4096"`
	Field        string `yaml:"field" validate:"required"`

	// Workers bounds the secrets processed concurrently by scan and auto
	Workers     int           `yaml:"workers" validate:"min=1,max=64"`
	CallTimeout time.Duration `yaml:"call_timeout"`

	// RequestsPerSecond throttles batch runs; zero disables throttling
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"min=0"`
	Burst             int     `yaml:"burst" validate:"min=0"`
}

// EnvConfig selects the shell profiles updated by env-sync
type EnvConfig struct {
	Profiles []string `yaml:"profiles,omitempty"`
}

// Default returns the definition used when no file exists
func Default() *Definition {
	def := &Definition{}
	def.applyDefaults()
	return def
}

func (d *Definition) applyDefaults() {
	if d.Backend.Kind == "" {
		d.Backend.Kind = backend.KindVault
	}
	if d.Backend.File.Directory == "" {
		d.Backend.File.Directory = defaultFileDir()
	}
	r := &d.Rotation
	if r.PeriodMonths == 0 {
		r.PeriodMonths = DefaultPeriodMonths
	}
	if r.SecretLength == 0 {
		r.SecretLength = DefaultSecretLength
	}
	if r.Field == "" {
		r.Field = DefaultField
	}
	if r.Workers == 0 {
		r.Workers = DefaultWorkers
	}
	if r.CallTimeout <= 0 {
		r.CallTimeout = DefaultCallTimeout
	}
}

func defaultFileDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".asr", "secrets")
}

// Load reads asr.yaml (when present), the dotenv file, the environment
// and the command-line overrides, in that order of increasing precedence
func (c *Config) Load() error {
	if c.Logger == nil {
		c.Logger = logging.NewNop()
	}
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if err := c.loadEnvFile(); err != nil {
		return err
	}

	def, err := c.readDefinition()
	if err != nil {
		return err
	}
	def.applyDefaults()

	if err := applyEnv(def, os.LookupEnv); err != nil {
		return err
	}
	c.Overrides.apply(def)
	if err := normalizeKind(def); err != nil {
		return err
	}
	c.applyKeyringToken(def)

	if err := validateDefinition(def); err != nil {
		return err
	}

	c.Definition = def
	return nil
}

func (c *Config) loadEnvFile() error {
	path := c.EnvFile
	if path == "" {
		path = DefaultEnvFile
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && c.EnvFile == "" {
			return nil
		}
		return asrerrors.ConfigError{
			Field:      "env-file",
			Value:      path,
			Message:    "environment file not readable",
			Suggestion: "Check the --env-file path",
		}
	}
	if err := godotenv.Load(path); err != nil {
		return asrerrors.ConfigError{
			Field:      "env-file",
			Value:      path,
			Message:    fmt.Sprintf("invalid environment file: %v", err),
			Suggestion: "Use KEY=value lines",
		}
	}
	c.Logger.Debug("Loaded environment from %s", path)
	return nil
}

func (c *Config) readDefinition() (*Definition, error) {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		if os.IsNotExist(err) {
			if !c.Explicit {
				c.Logger.Debug("No %s found, using environment configuration", c.Path)
				return &Definition{}, nil
			}
			return nil, asrerrors.ConfigError{
				Field:      "path",
				Value:      c.Path,
				Message:    "configuration file not found",
				Suggestion: "Run 'asr init' to create a new configuration file",
			}
		}
		return nil, asrerrors.UserError{
			Message:    "Failed to read configuration file",
			Details:    err.Error(),
			Suggestion: "Check file permissions and path",
			Err:        err,
		}
	}

	if err := validateSchema(data); err != nil {
		return nil, err
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, asrerrors.ConfigError{
			Message:    fmt.Sprintf("invalid configuration file: %v", err),
			Suggestion: "Check value types against the sample written by 'asr init'",
		}
	}

	if def.Version != 0 {
		return nil, asrerrors.ConfigError{
			Field:      "version",
			Value:      def.Version,
			Message:    "unsupported configuration version",
			Suggestion: "Set 'version: 0' at the top of your asr.yaml file",
		}
	}
	c.Logger.Debug("Loaded configuration from %s", c.Path)
	return &def, nil
}

// LookupFunc matches os.LookupEnv
type LookupFunc func(key string) (string, bool)

// applyEnv overlays the environment onto def. Set variables win over the
// file.
func applyEnv(def *Definition, lookup LookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return asrerrors.ConfigError{
				Field:      key,
				Value:      v,
				Message:    "must be an integer",
				Suggestion: fmt.Sprintf("Unset %s or give it a number", key),
			}
		}
		*dst = n
		return nil
	}

	var kind string
	str("SECRET_BACKEND", &kind)
	if kind != "" {
		def.Backend.Kind = backend.Kind(strings.ToLower(kind))
	}

	str("VAULT_ADDR", &def.Backend.Vault.Address)
	str("VAULT_TOKEN", &def.Backend.Vault.Token)
	str("VAULT_MOUNT", &def.Backend.Vault.Mount)
	str("VAULT_NAMESPACE", &def.Backend.Vault.Namespace)
	str("AWS_REGION", &def.Backend.AWS.Region)
	str("AWS_REGION", &def.Backend.SSM.Region)
	str("ASR_FILE_DIR", &def.Backend.File.Directory)
	str("GOOGLE_CLOUD_PROJECT", &def.Backend.GCP.ProjectID)
	str("AZURE_KEYVAULT_URL", &def.Backend.Azure.VaultURL)

	if err := num("ROTATION_PERIOD_MONTHS", &def.Rotation.PeriodMonths); err != nil {
		return err
	}
	if err := num("SECRET_LENGTH", &def.Rotation.SecretLength); err != nil {
		return err
	}

	// DB_HOST selects a postgres target configured from the environment
	if host, ok := lookup("DB_HOST"); ok && host != "" {
		pg := def.Targets.Postgres
		if pg == nil {
			pg = &targets.SQLConfig{}
			def.Targets.Postgres = pg
		}
		pg.Host = host
		if err := num("DB_PORT", &pg.Port); err != nil {
			return err
		}
		str("DB_NAME", &pg.Database)
		str("DB_USERNAME", &pg.Username)
		str("DB_PASSWORD_PATH", &pg.PasswordPath)
		str("DB_PASSWORD", &pg.Password)
		str("DB_SSL_MODE", &pg.SSLMode)
		if pg.Username == "" {
			return asrerrors.ConfigError{
				Field:      "DB_USERNAME",
				Message:    "DB_USERNAME environment variable not set",
				Suggestion: "Set DB_USERNAME to the database admin user",
			}
		}
	}
	return nil
}

func normalizeKind(def *Definition) error {
	kind, err := backend.ParseKind(string(def.Backend.Kind))
	if err != nil {
		return asrerrors.ConfigError{
			Field:      "backend.kind",
			Value:      def.Backend.Kind,
			Message:    "unknown backend",
			Suggestion: "Use one of: vault, aws, aws-ssm, gcp, azure, file",
		}
	}
	def.Backend.Kind = kind
	return nil
}

// applyKeyringToken falls back to a Vault token stored in the OS keyring
func (c *Config) applyKeyringToken(def *Definition) {
	v := &def.Backend.Vault
	if def.Backend.Kind != backend.KindVault || v.Token != "" {
		return
	}
	if v.AuthMethod != "" && v.AuthMethod != "token" {
		return
	}
	token, err := keyring.Get(KeyringService, KeyringVaultUser)
	if err != nil {
		if err != keyring.ErrNotFound {
			c.Logger.Debug("Keyring lookup failed: %v", err)
		}
		return
	}
	v.Token = token
	c.Logger.Debug("Using Vault token from the OS keyring")
}

// StoreVaultToken saves a Vault token in the OS keyring
func StoreVaultToken(token string) error {
	if err := keyring.Set(KeyringService, KeyringVaultUser, token); err != nil {
		return asrerrors.UserError{
			Message:    "Failed to store Vault token in the keyring",
			Details:    err.Error(),
			Suggestion: "Set VAULT_TOKEN instead",
			Err:        err,
		}
	}
	return nil
}

// Profiles returns the shell profiles env-sync updates
func (d *Definition) Profiles() []string {
	return d.Env.Profiles
}

// WriteSample writes the sample configuration, refusing to overwrite
func WriteSample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return asrerrors.UserError{
			Message:    fmt.Sprintf("%s already exists", path),
			Suggestion: "Remove it first if you want to reinitialize",
		}
	}
	if err := os.WriteFile(path, []byte(Sample), 0o600); err != nil {
		return asrerrors.UserError{
			Message:    "Failed to write sample configuration",
			Details:    err.Error(),
			Suggestion: "Check directory permissions",
			Err:        err,
		}
	}
	return nil
}
