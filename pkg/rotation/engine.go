package rotation

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/systmms/asr/internal/logging"
	"github.com/systmms/asr/pkg/backend"
)

// Target is a system whose credential has to follow a rotated secret, such
// as a database user or an application account behind an API.
type Target interface {
	// Type returns a short name like "postgres" or "api".
	Type() string

	// UpdatePassword sets the credential for username.
	UpdatePassword(ctx context.Context, username, password string) error

	// VerifyConnection checks that username can authenticate with password.
	VerifyConnection(ctx context.Context, username, password string) error
}

// Engine orchestrates flagging and rotating secrets on a single backend.
//
// The engine keeps no state between calls. Every decision is recomputed
// from backend reads, so running the same operation twice is safe.
type Engine struct {
	backend       backend.Backend
	generator     *Generator
	logger        *logging.Logger
	now           func() time.Time
	length        int
	field         string
	defaultPeriod int
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithGenerator overrides the secret generator.
func WithGenerator(g *Generator) Option {
	return func(e *Engine) { e.generator = g }
}

// WithLogger sets the engine logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithLength sets the default generated secret length.
func WithLength(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.length = n
		}
	}
}

// WithField sets the default payload field to rotate.
func WithField(f string) Option {
	return func(e *Engine) {
		if f != "" {
			e.field = f
		}
	}
}

// WithDefaultPeriod sets the rotation period used when a secret does not
// record its own.
func WithDefaultPeriod(months int) Option {
	return func(e *Engine) {
		if months > 0 {
			e.defaultPeriod = months
		}
	}
}

// NewEngine creates a rotation engine bound to b.
func NewEngine(b backend.Backend, opts ...Option) *Engine {
	e := &Engine{
		backend:       b,
		generator:     NewGenerator(),
		logger:        logging.NewNop(),
		now:           time.Now,
		length:        DefaultLength,
		field:         backend.DefaultField,
		defaultPeriod: DefaultPeriodMonths,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Backend returns the backend the engine operates on.
func (e *Engine) Backend() backend.Backend { return e.backend }

// DefaultPeriod returns the period applied to secrets without their own.
func (e *Engine) DefaultPeriod() int { return e.defaultPeriod }

// RotateOptions tunes a single rotation. Zero values fall back to the
// engine defaults.
type RotateOptions struct {
	Field  string
	Length int

	// Target, when set, is updated with the new secret after the payload
	// write and before the metadata update.
	Target Target

	// TargetUsername names the account on Target. When empty the
	// target_username or database_username metadata keys are consulted.
	TargetUsername string

	// PeriodMonths re-specifies the rotation period. Zero keeps the
	// stored period.
	PeriodMonths int
}

// Result describes a completed rotation.
type Result struct {
	Ref       backend.SecretRef
	Field     string
	RotatedAt time.Time

	// Value is the new cleartext secret. Rotation is the only operation
	// that surfaces it.
	Value string

	// TargetUser is the account updated on the target, empty when no
	// target was updated.
	TargetUser string
	TargetType string
}

// Flag marks path for automatic rotation every periodMonths months. A
// period of zero or less uses the engine default.
//
// Flagging an unflagged secret starts its clock at now. Re-flagging an
// already flagged secret keeps its last_rotated timestamp and only updates
// the period.
func (e *Engine) Flag(ctx context.Context, path string, periodMonths int) (backend.RotationMetadata, error) {
	path = backend.CleanPath(path)
	if periodMonths <= 0 {
		periodMonths = e.defaultPeriod
	}

	if _, err := e.backend.ReadPayload(ctx, path); err != nil {
		return backend.RotationMetadata{}, errors.Wrapf(err, "flag %s", path)
	}
	meta, err := e.backend.ReadMetadata(ctx, path)
	if err != nil {
		return backend.RotationMetadata{}, errors.Wrapf(err, "flag %s: read metadata", path)
	}

	wasFlagged := meta.Enabled && meta.LastRotated != nil
	meta.Enabled = true
	meta.PeriodMonths = &periodMonths
	if !wasFlagged {
		meta = meta.WithLastRotated(e.now())
	}

	if err := e.backend.WriteMetadata(ctx, path, meta); err != nil {
		return backend.RotationMetadata{}, errors.Wrapf(err, "flag %s: write metadata", path)
	}
	e.logger.Info("Flagged %s for rotation every %d months", path, periodMonths)
	return meta, nil
}

// Unflag disables automatic rotation for path. The last rotation timestamp
// and period are kept as history.
func (e *Engine) Unflag(ctx context.Context, path string) error {
	path = backend.CleanPath(path)
	meta, err := e.backend.ReadMetadata(ctx, path)
	if err != nil {
		return errors.Wrapf(err, "unflag %s: read metadata", path)
	}
	meta.Enabled = false
	if err := e.backend.WriteMetadata(ctx, path, meta); err != nil {
		return errors.Wrapf(err, "unflag %s: write metadata", path)
	}
	e.logger.Info("Disabled rotation for %s", path)
	return nil
}

// Check reads the metadata for path and runs the due check against it.
func (e *Engine) Check(ctx context.Context, path string) (Decision, backend.RotationMetadata, error) {
	meta, err := e.backend.ReadMetadata(ctx, backend.CleanPath(path))
	if err != nil {
		return Decision{}, backend.RotationMetadata{}, errors.Wrapf(err, "check %s", path)
	}
	return CheckDue(meta, e.now(), e.defaultPeriod), meta, nil
}

// Rotate generates a new secret for path regardless of whether it is due,
// merge-writes it into the payload, updates the optional target and
// finally records the rotation time in the metadata.
func (e *Engine) Rotate(ctx context.Context, path string, opts RotateOptions) (*Result, error) {
	path = backend.CleanPath(path)
	meta, err := e.backend.ReadMetadata(ctx, path)
	if err != nil {
		return nil, errors.Wrapf(err, "rotate %s: read metadata", path)
	}
	return e.rotate(ctx, path, meta, opts)
}

func (e *Engine) rotate(ctx context.Context, path string, meta backend.RotationMetadata, opts RotateOptions) (*Result, error) {
	field := opts.Field
	if field == "" {
		field = e.field
	}
	length := opts.Length
	if length <= 0 {
		length = e.length
	}

	username := opts.TargetUsername
	if opts.Target != nil && username == "" {
		username = targetUsername(meta)
		if username == "" {
			e.logger.Warn("No target username recorded for %s; %s target will not be updated", path, opts.Target.Type())
		}
	}

	// The current payload must exist; rotation never creates secrets.
	if _, err := e.backend.ReadPayload(ctx, path); err != nil {
		return nil, errors.Wrapf(err, "rotate %s", path)
	}

	value, err := e.generator.Generate(length)
	if err != nil {
		return nil, errors.Wrapf(err, "rotate %s", path)
	}

	if err := e.backend.WritePayload(ctx, path, backend.Payload{field: value}, true); err != nil {
		return nil, errors.Wrapf(err, "rotate %s: write payload", path)
	}
	e.logger.Debug("Wrote new %s for %s", field, path)

	result := &Result{
		Ref:   backend.NewSecretRef(e.backend.Kind(), path),
		Field: field,
		Value: value,
	}

	if opts.Target != nil && username != "" {
		if err := opts.Target.UpdatePassword(ctx, username, value); err != nil {
			return nil, errors.Wrapf(err, "rotate %s: update %s password for %s", path, opts.Target.Type(), username)
		}
		if err := opts.Target.VerifyConnection(ctx, username, value); err != nil {
			return nil, errors.Wrapf(err, "rotate %s: verify new %s password for %s", path, opts.Target.Type(), username)
		}
		result.TargetUser = username
		result.TargetType = opts.Target.Type()
		e.logger.Info("Updated %s password for user: %s", opts.Target.Type(), username)
	}

	now := e.now()
	meta = meta.WithLastRotated(now)
	if opts.PeriodMonths > 0 {
		p := opts.PeriodMonths
		meta.PeriodMonths = &p
	}
	if err := e.backend.WriteMetadata(ctx, path, meta); err != nil {
		return nil, errors.Wrapf(err, "rotate %s: write metadata", path)
	}
	result.RotatedAt = backend.Timestamp(now)

	e.logger.Info("Rotated secret at %s", path)
	return result, nil
}

func targetUsername(meta backend.RotationMetadata) string {
	if v, ok := meta.Lookup(backend.KeyTargetUsername); ok && v != "" {
		return v
	}
	if v, ok := meta.Lookup(backend.KeyDatabaseUsername); ok && v != "" {
		return v
	}
	return ""
}

// AutoOptions tunes AutoRotate.
type AutoOptions struct {
	RotateOptions

	// DryRun performs the due check and reports the decision without
	// generating or writing anything.
	DryRun bool
}

// AutoResult is the outcome of AutoRotate for one secret.
type AutoResult struct {
	Ref      backend.SecretRef
	Decision Decision

	// Rotated is nil unless a rotation was performed.
	Rotated *Result
}

// AutoRotate rotates path only when the due check says it is due.
func (e *Engine) AutoRotate(ctx context.Context, path string, opts AutoOptions) (*AutoResult, error) {
	path = backend.CleanPath(path)
	decision, meta, err := e.Check(ctx, path)
	if err != nil {
		return nil, err
	}
	out := &AutoResult{Ref: backend.NewSecretRef(e.backend.Kind(), path), Decision: decision}
	if decision.Reason == ReasonBadStamp {
		e.logger.Warn("Could not parse last_rotated for %s; treating as due", path)
	}
	if !decision.Due {
		e.logger.Debug("Skipping %s: %s", path, decision)
		return out, nil
	}
	if opts.DryRun {
		e.logger.Info("[DRY RUN] Would rotate: %s", path)
		return out, nil
	}

	res, err := e.rotate(ctx, path, meta, opts.RotateOptions)
	if err != nil {
		return out, err
	}
	out.Rotated = res
	return out, nil
}

// String formats the result without exposing the secret value.
func (r *Result) String() string {
	if r == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s field=%s rotated_at=%s value=%s",
		r.Ref, r.Field, r.RotatedAt.Format(time.RFC3339), logging.Secret(r.Value))
}
