package backends

import (
	"context"
	"fmt"
	"slices"

	"github.com/systmms/asr/internal/backends/vault"
	"github.com/systmms/asr/internal/logging"
	"github.com/systmms/asr/pkg/backend"
)

// SSMConfig holds AWS SSM Parameter Store configuration
type SSMConfig struct {
	AWSConfig `yaml:",inline"`
	KMSKeyID  string `yaml:"kms_key_id"`
}

// Config selects a backend kind and carries the settings for every kind.
// Only the section matching Kind is used.
type Config struct {
	Kind  backend.Kind `yaml:"kind"`
	Vault vault.Config `yaml:"vault"`
	AWS   AWSConfig    `yaml:"aws"`
	SSM   SSMConfig    `yaml:"ssm"`
	GCP   GCPConfig    `yaml:"gcp"`
	Azure AzureConfig  `yaml:"azure"`
	File  FileConfig   `yaml:"file"`
}

// Validator is implemented by backends that can check their credentials
// without touching any secret
type Validator interface {
	Validate(ctx context.Context) error
}

// Factory creates a backend instance from configuration
type Factory func(ctx context.Context, name string, cfg Config, logger *logging.Logger) (backend.Backend, error)

// Registry manages backend creation by kind
type Registry struct {
	factories map[backend.Kind]Factory
}

// NewRegistry creates a registry with the built-in backends
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[backend.Kind]Factory)}

	r.RegisterFactory(backend.KindVault, func(_ context.Context, name string, cfg Config, logger *logging.Logger) (backend.Backend, error) {
		return vault.New(name, cfg.Vault, logger)
	})
	r.RegisterFactory(backend.KindAWS, func(ctx context.Context, name string, cfg Config, logger *logging.Logger) (backend.Backend, error) {
		return NewSecretsManagerBackend(ctx, name, cfg.AWS, logger)
	})
	r.RegisterFactory(backend.KindSSM, func(ctx context.Context, name string, cfg Config, logger *logging.Logger) (backend.Backend, error) {
		var opts []SSMOption
		if cfg.SSM.KMSKeyID != "" {
			opts = append(opts, WithKMSKeyID(cfg.SSM.KMSKeyID))
		}
		return NewSSMBackend(ctx, name, cfg.SSM.AWSConfig, logger, opts...)
	})
	r.RegisterFactory(backend.KindGCP, func(ctx context.Context, name string, cfg Config, logger *logging.Logger) (backend.Backend, error) {
		return NewGCPBackend(ctx, name, cfg.GCP, logger)
	})
	r.RegisterFactory(backend.KindAzure, func(_ context.Context, name string, cfg Config, logger *logging.Logger) (backend.Backend, error) {
		return NewAzureBackend(name, cfg.Azure, logger)
	})
	r.RegisterFactory(backend.KindFile, func(_ context.Context, name string, cfg Config, logger *logging.Logger) (backend.Backend, error) {
		return NewFileBackend(name, cfg.File, logger)
	})
	return r
}

// RegisterFactory registers a backend factory for a kind
func (r *Registry) RegisterFactory(kind backend.Kind, factory Factory) {
	r.factories[kind] = factory
}

// Create builds the backend selected by cfg.Kind. The instance is named
// after its kind.
func (r *Registry) Create(ctx context.Context, cfg Config, logger *logging.Logger) (backend.Backend, error) {
	factory, ok := r.factories[cfg.Kind]
	if !ok {
		return nil, backend.MarkConfig(fmt.Errorf("unknown backend kind: %q (supported: %v)", cfg.Kind, r.SupportedKinds()))
	}
	return factory(ctx, string(cfg.Kind), cfg, logger)
}

// SupportedKinds returns the registered kinds in sorted order
func (r *Registry) SupportedKinds() []backend.Kind {
	kinds := make([]backend.Kind, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

// IsSupported checks if a backend kind is registered
func (r *Registry) IsSupported(kind backend.Kind) bool {
	_, ok := r.factories[kind]
	return ok
}
