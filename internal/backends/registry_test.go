package backends

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/asr/internal/backends/vault"
	"github.com/systmms/asr/internal/logging"
	"github.com/systmms/asr/pkg/backend"
	"github.com/systmms/asr/pkg/backend/memory"
)

func TestRegistry_SupportedKinds(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []backend.Kind{
		backend.KindAWS, backend.KindSSM, backend.KindAzure, backend.KindFile, backend.KindGCP, backend.KindVault,
	}, r.SupportedKinds())
	assert.True(t, r.IsSupported(backend.KindFile))
	assert.False(t, r.IsSupported("consul"))
}

func TestRegistry_Create(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	b, err := r.Create(ctx, Config{Kind: backend.KindFile, File: FileConfig{Directory: t.TempDir()}}, nil)
	require.NoError(t, err)
	assert.Equal(t, backend.KindFile, b.Kind())
	assert.Equal(t, "file", b.Name())

	b, err = r.Create(ctx, Config{Kind: backend.KindVault, Vault: vault.Config{Address: "http://127.0.0.1:8200", Token: "t"}}, nil)
	require.NoError(t, err)
	_, ok := b.(Validator)
	assert.True(t, ok, "vault backend validates credentials")

	_, err = r.Create(ctx, Config{Kind: backend.KindAzure}, nil)
	require.Error(t, err)
	assert.Equal(t, backend.ClassConfig, backend.Classify(err))
}

func TestRegistry_UnknownKind(t *testing.T) {
	_, err := NewRegistry().Create(context.Background(), Config{Kind: "consul"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown backend kind")
	assert.Equal(t, backend.ClassConfig, backend.Classify(err))
}

func TestRegistry_RegisterFactory(t *testing.T) {
	r := NewRegistry()
	mem := memory.New("scratch")
	r.RegisterFactory("memory", func(context.Context, string, Config, *logging.Logger) (backend.Backend, error) {
		return mem, nil
	})

	b, err := r.Create(context.Background(), Config{Kind: "memory"}, nil)
	require.NoError(t, err)
	assert.Same(t, mem, b)
}
