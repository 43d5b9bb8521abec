// Package envsync copies secret fields into shell profile files as exported
// environment variables.
package envsync

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/systmms/asr/internal/logging"
	"github.com/systmms/asr/pkg/backend"
)

var (
	nonAlnumRun = regexp.MustCompile(`[^A-Za-z0-9]+`)
	validName   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// VarName derives an environment variable name from a secret path:
// uppercased, with every run of non-alphanumeric characters collapsed to
// a single underscore. myapp/database becomes MYAPP_DATABASE.
func VarName(path string) string {
	name := nonAlnumRun.ReplaceAllString(path, "_")
	name = strings.Trim(strings.ToUpper(name), "_")
	if name != "" && name[0] >= '0' && name[0] <= '9' {
		name = "_" + name
	}
	return name
}

// ValidateName reports whether name can be exported by a POSIX shell
func ValidateName(name string) error {
	if !validName.MatchString(name) {
		return backend.MarkConfig(fmt.Errorf("invalid environment variable name %q", name))
	}
	return nil
}

// Writer persists one variable in a local profile
type Writer interface {
	Set(name, value string) error
}

// Bridge reads a field from a backend and hands it to a Writer
type Bridge struct {
	backend backend.Backend
	writer  Writer
	logger  *logging.Logger
}

// NewBridge creates a bridge
func NewBridge(b backend.Backend, w Writer, logger *logging.Logger) *Bridge {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Bridge{backend: b, writer: w, logger: logger}
}

// Sync reads field from the secret at path and persists it as varName.
// An empty varName is derived from the path. The variable name used is
// returned.
func (b *Bridge) Sync(ctx context.Context, path, field, varName string) (string, error) {
	if field == "" {
		field = backend.DefaultField
	}
	payload, err := b.backend.ReadPayload(ctx, path)
	if err != nil {
		return "", errors.Wrapf(err, "read %s", path)
	}
	value, ok := payload[field]
	if !ok {
		return "", fmt.Errorf("field %q not found in %s (available: %s)", field, path, strings.Join(payload.Keys(), ", "))
	}
	return b.Set(path, varName, value)
}

// Set persists a value already in hand, deriving the variable name from
// path when varName is empty
func (b *Bridge) Set(path, varName, value string) (string, error) {
	if varName == "" {
		varName = VarName(path)
	}
	if err := ValidateName(varName); err != nil {
		return "", err
	}
	if err := b.writer.Set(varName, value); err != nil {
		return "", errors.Wrapf(err, "update %s", varName)
	}
	b.logger.Debug("Synced %s field to $%s", path, varName)
	return varName, nil
}
