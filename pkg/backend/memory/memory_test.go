package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/asr/pkg/backend"
)

func TestMemoryBackend_Contract(t *testing.T) {
	backend.RunContractTests(t, backend.ContractTest{
		CreateBackend: func(t *testing.T) backend.Backend { return New("test") },
	})
}

func TestMemoryBackend_ForcedErrors(t *testing.T) {
	b := New("")
	b.Seed("app/db", backend.Payload{"password": "x"}, nil)
	b.Errors["read:app/db"] = backend.MarkConnection(errors.New("dial tcp: refused"))

	_, err := b.ReadPayload(context.Background(), "app/db")
	require.Error(t, err)
	assert.Equal(t, backend.ClassConnection, backend.Classify(err))
	assert.Equal(t, "memory", b.Name())
}

func TestMemoryBackend_Kind(t *testing.T) {
	b := New("test")
	b.Seed("app/db", backend.Payload{"password": "x"}, nil)

	assert.Equal(t, backend.KindMemory, b.Kind())
	for ref, err := range b.List(context.Background(), "") {
		require.NoError(t, err)
		assert.Equal(t, backend.KindMemory, ref.Backend())
		assert.Equal(t, "memory:app/db", ref.String())
	}
}

func TestMemoryBackend_ListMatchesWholeSegments(t *testing.T) {
	b := New("test")
	for _, p := range []string{"app/db", "app/cache", "application/db", "app-legacy"} {
		b.Seed(p, backend.Payload{}, nil)
	}

	var got []string
	for ref, err := range b.List(context.Background(), "app") {
		require.NoError(t, err)
		got = append(got, ref.Path())
	}
	assert.Equal(t, []string{"app/cache", "app/db"}, got)
}

func TestMemoryBackend_WriteMetadataKeepsExtraKeys(t *testing.T) {
	b := New("test")
	b.Seed("app/db", backend.Payload{"password": "x"}, map[string]string{"owner": "team-a"})

	require.NoError(t, b.WriteMetadata(context.Background(), "app/db", backend.RotationMetadata{Enabled: true}))

	raw := b.RawMetadata("app/db")
	assert.Equal(t, "team-a", raw["owner"])
	assert.Equal(t, "true", raw[backend.KeyRotationEnabled])
	assert.EqualValues(t, 1, b.MetadataWrites())
	assert.EqualValues(t, 0, b.PayloadWrites())
}

func TestMemoryBackend_ListStopsEarly(t *testing.T) {
	b := New("test")
	for _, p := range []string{"a/1", "a/2", "a/3", "b/1"} {
		b.Seed(p, backend.Payload{}, nil)
	}

	var got []string
	for ref, err := range b.List(context.Background(), "a") {
		require.NoError(t, err)
		got = append(got, ref.Path())
		if len(got) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"a/1", "a/2"}, got)
}

func TestMemoryBackend_ListError(t *testing.T) {
	b := New("test")
	b.Errors["list:app"] = backend.AuthError{Backend: "test", Message: "denied"}

	var errs []error
	for _, err := range b.List(context.Background(), "app") {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.True(t, backend.IsAuth(errs[0]))
}
