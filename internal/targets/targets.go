// Package targets updates the systems whose credentials follow a rotated
// secret: database users and application accounts behind an HTTP API.
package targets

import (
	"context"
	"fmt"
	"slices"

	"github.com/cockroachdb/errors"

	"github.com/systmms/asr/internal/logging"
	"github.com/systmms/asr/pkg/backend"
	"github.com/systmms/asr/pkg/rotation"
)

// Target kinds
const (
	KindPostgres = "postgres"
	KindMySQL    = "mysql"
	KindAPI      = "api"
)

// Config holds every configured target. At most one is used per run.
type Config struct {
	Postgres *SQLConfig `yaml:"postgres,omitempty"`
	MySQL    *SQLConfig `yaml:"mysql,omitempty"`
	API      *APIConfig `yaml:"api,omitempty"`
}

// Configured returns the kinds that have a section, in selection order
func (c Config) Configured() []string {
	var kinds []string
	if c.Postgres != nil {
		kinds = append(kinds, KindPostgres)
	}
	if c.MySQL != nil {
		kinds = append(kinds, KindMySQL)
	}
	if c.API != nil {
		kinds = append(kinds, KindAPI)
	}
	return kinds
}

// PasswordReader reads the stored admin password for a database target
type PasswordReader interface {
	ReadPayload(ctx context.Context, path string) (backend.Payload, error)
}

// New builds the target of the given kind. An empty kind selects the
// first configured target (postgres, then mysql, then api).
func New(ctx context.Context, kind string, cfg Config, secrets PasswordReader, logger *logging.Logger) (rotation.Target, error) {
	configured := cfg.Configured()
	if len(configured) == 0 {
		return nil, backend.MarkConfig(errors.New("no target configured: add a targets.postgres, targets.mysql or targets.api section"))
	}
	if kind == "" {
		kind = configured[0]
	}
	if !slices.Contains(configured, kind) {
		return nil, backend.MarkConfig(fmt.Errorf("target %q is not configured (configured: %v)", kind, configured))
	}

	switch kind {
	case KindPostgres, KindMySQL:
		sc := *cfg.Postgres
		if kind == KindMySQL {
			sc = *cfg.MySQL
		}
		sc.Driver = kind
		password, err := adminPassword(ctx, sc, secrets)
		if err != nil {
			return nil, err
		}
		return NewSQLTarget(ctx, sc, password, logger)
	default:
		return NewAPITarget(*cfg.API, logger)
	}
}

// adminPassword resolves the database admin password, preferring the
// secret named by password_path
func adminPassword(ctx context.Context, cfg SQLConfig, secrets PasswordReader) (string, error) {
	if cfg.PasswordPath == "" {
		if cfg.Password == "" {
			return "", backend.MarkConfig(fmt.Errorf("%s admin password not configured: set password_path or password", cfg.Driver))
		}
		return cfg.Password, nil
	}
	if secrets == nil {
		return "", backend.MarkConfig(errors.New("password_path requires a secret backend"))
	}

	payload, err := secrets.ReadPayload(ctx, cfg.PasswordPath)
	if err != nil {
		return "", errors.Wrapf(err, "read admin password from %s", cfg.PasswordPath)
	}
	if v, ok := payload[backend.DefaultField]; ok {
		return v, nil
	}
	// A single-field secret is accepted whatever the field is called.
	if len(payload) == 1 {
		for _, v := range payload {
			return v, nil
		}
	}
	return "", fmt.Errorf("no password found in secret at %s (fields: %v)", cfg.PasswordPath, payload.Keys())
}
