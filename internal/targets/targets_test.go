package targets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/asr/pkg/backend"
	"github.com/systmms/asr/pkg/backend/memory"
)

func TestConfig_Configured(t *testing.T) {
	assert.Empty(t, Config{}.Configured())
	cfg := Config{API: &APIConfig{}, Postgres: &SQLConfig{}}
	assert.Equal(t, []string{KindPostgres, KindAPI}, cfg.Configured())
}

func TestNew_SelectsTarget(t *testing.T) {
	cfg := Config{API: &APIConfig{BaseURL: "https://api.example.com", Endpoint: "/users/{username}/password"}}

	target, err := New(context.Background(), "", cfg, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "api", target.Type())

	target, err = New(context.Background(), KindAPI, cfg, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "api", target.Type())
}

func TestNew_Errors(t *testing.T) {
	_, err := New(context.Background(), "", Config{}, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no target configured")
	assert.Equal(t, backend.ClassConfig, backend.Classify(err))

	cfg := Config{API: &APIConfig{BaseURL: "https://api.example.com", Endpoint: "/pw"}}
	_, err = New(context.Background(), KindPostgres, cfg, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `target "postgres" is not configured`)

	_, err = New(context.Background(), KindPostgres, Config{Postgres: &SQLConfig{Host: "db", Username: "admin"}}, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "admin password not configured")
}

func TestAdminPassword(t *testing.T) {
	ctx := context.Background()
	mem := memory.New("mem")
	mem.Seed("admin/pg", backend.Payload{"password": "from-backend", "user": "postgres"}, nil)
	mem.Seed("admin/single", backend.Payload{"secret": "only-field"}, nil)
	mem.Seed("admin/ambiguous", backend.Payload{"a": "1", "b": "2"}, nil)

	pw, err := adminPassword(ctx, SQLConfig{Password: "inline"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "inline", pw)

	pw, err = adminPassword(ctx, SQLConfig{PasswordPath: "admin/pg", Password: "inline"}, mem)
	require.NoError(t, err)
	assert.Equal(t, "from-backend", pw)

	pw, err = adminPassword(ctx, SQLConfig{PasswordPath: "admin/single"}, mem)
	require.NoError(t, err)
	assert.Equal(t, "only-field", pw)

	_, err = adminPassword(ctx, SQLConfig{PasswordPath: "admin/ambiguous"}, mem)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no password found")

	_, err = adminPassword(ctx, SQLConfig{PasswordPath: "admin/missing"}, mem)
	require.Error(t, err)
	assert.True(t, backend.IsNotFound(err))

	_, err = adminPassword(ctx, SQLConfig{PasswordPath: "admin/pg"}, nil)
	require.Error(t, err)
	assert.Equal(t, backend.ClassConfig, backend.Classify(err))
}
