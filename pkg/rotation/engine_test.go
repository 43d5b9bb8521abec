package rotation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/asr/pkg/backend"
	"github.com/systmms/asr/pkg/backend/memory"
)

var fixedNow = time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC)

func newTestEngine(b backend.Backend, opts ...Option) *Engine {
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewEngine(b, opts...)
}

// fakeTarget records password updates and can be told to fail.
type fakeTarget struct {
	mu        sync.Mutex
	backend   *memory.Backend
	path      string
	updates   map[string]string
	storedAt  map[string]string
	updateErr error
	verifyErr error
}

func (f *fakeTarget) Type() string { return "fake" }

func (f *fakeTarget) UpdatePassword(ctx context.Context, username, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	if f.updates == nil {
		f.updates = map[string]string{}
		f.storedAt = map[string]string{}
	}
	f.updates[username] = password
	if f.backend != nil {
		p, _ := f.backend.ReadPayload(ctx, f.path)
		f.storedAt[username] = p[backend.DefaultField]
	}
	return nil
}

func (f *fakeTarget) VerifyConnection(ctx context.Context, username, password string) error {
	return f.verifyErr
}

func TestEngineFlagRoundTrip(t *testing.T) {
	b := memory.New("test")
	b.Seed("app/db", backend.Payload{"password": "old"}, nil)
	e := newTestEngine(b)

	_, err := e.Flag(context.Background(), "app/db", 3)
	require.NoError(t, err)

	meta, err := b.ReadMetadata(context.Background(), "app/db")
	require.NoError(t, err)
	assert.True(t, meta.Enabled)
	assert.Equal(t, 3, meta.Period(0))
	require.NotNil(t, meta.LastRotated)
	assert.Equal(t, fixedNow, *meta.LastRotated)
	assert.EqualValues(t, 0, b.PayloadWrites())
}

func TestEngineFlagDefaultPeriod(t *testing.T) {
	b := memory.New("test")
	b.Seed("app/db", backend.Payload{"password": "old"}, nil)

	meta, err := newTestEngine(b).Flag(context.Background(), "app/db", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultPeriodMonths, meta.Period(0))

	b.Seed("app/api", backend.Payload{"password": "old"}, nil)
	meta, err = newTestEngine(b, WithDefaultPeriod(2)).Flag(context.Background(), "app/api", -1)
	require.NoError(t, err)
	assert.Equal(t, 2, meta.Period(0))
}

func TestEngineReflagKeepsTimestamp(t *testing.T) {
	b := memory.New("test")
	b.Seed("app/db", backend.Payload{"password": "old"}, map[string]string{
		backend.KeyRotationEnabled: "true",
		backend.KeyLastRotated:     "2023-06-01T00:00:00Z",
		backend.KeyRotationPeriod:  "6",
	})

	meta, err := newTestEngine(b).Flag(context.Background(), "app/db", 12)
	require.NoError(t, err)
	assert.Equal(t, 12, meta.Period(0))
	assert.Equal(t, time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC), *meta.LastRotated)
}

func TestEngineFlagMissingSecret(t *testing.T) {
	b := memory.New("test")

	_, err := newTestEngine(b).Flag(context.Background(), "app/missing", 3)
	require.Error(t, err)
	assert.True(t, backend.IsNotFound(err))
	assert.Contains(t, err.Error(), "app/missing")
	assert.EqualValues(t, 0, b.Writes())
}

func TestEngineUnflagKeepsHistory(t *testing.T) {
	b := memory.New("test")
	b.Seed("app/db", backend.Payload{"password": "old"}, map[string]string{
		backend.KeyRotationEnabled: "true",
		backend.KeyLastRotated:     "2023-06-01T00:00:00Z",
		backend.KeyRotationPeriod:  "6",
	})

	require.NoError(t, newTestEngine(b).Unflag(context.Background(), "app/db"))

	raw := b.RawMetadata("app/db")
	assert.Equal(t, "false", raw[backend.KeyRotationEnabled])
	assert.Equal(t, "2023-06-01T00:00:00Z", raw[backend.KeyLastRotated])
	assert.Equal(t, "6", raw[backend.KeyRotationPeriod])
}

func TestEngineRotateMergeWrite(t *testing.T) {
	b := memory.New("test")
	b.Seed("app/db", backend.Payload{"a": "keep-a", "b": "keep-b"}, map[string]string{
		backend.KeyRotationEnabled: "true",
		backend.KeyLastRotated:     "2023-01-01T00:00:00Z",
		backend.KeyRotationPeriod:  "4",
	})
	e := newTestEngine(b, WithLength(20))

	res, err := e.Rotate(context.Background(), "app/db", RotateOptions{Field: "a"})
	require.NoError(t, err)
	assert.Len(t, res.Value, 20)
	assert.Equal(t, "a", res.Field)
	assert.Equal(t, fixedNow, res.RotatedAt)
	assert.NotContains(t, res.String(), res.Value)

	got, err := b.ReadPayload(context.Background(), "app/db")
	require.NoError(t, err)
	assert.Equal(t, res.Value, got["a"])
	assert.Equal(t, "keep-b", got["b"])

	meta, err := b.ReadMetadata(context.Background(), "app/db")
	require.NoError(t, err)
	assert.Equal(t, fixedNow, *meta.LastRotated)
	assert.Equal(t, 4, meta.Period(0), "period must be unchanged")
	assert.True(t, meta.Enabled)
}

func TestEngineRotateDefaultField(t *testing.T) {
	b := memory.New("test")
	b.Seed("app/db", backend.Payload{"username": "app"}, nil)

	res, err := newTestEngine(b).Rotate(context.Background(), "app/db", RotateOptions{Length: 12, PeriodMonths: 2})
	require.NoError(t, err)

	got, _ := b.ReadPayload(context.Background(), "app/db")
	assert.Equal(t, res.Value, got[backend.DefaultField])
	assert.Equal(t, "app", got["username"])
	assert.Len(t, res.Value, 12)

	meta, _ := b.ReadMetadata(context.Background(), "app/db")
	assert.Equal(t, 2, meta.Period(0))
	assert.False(t, meta.Enabled, "rotate does not flag the secret")
}

func TestEngineRotateMissingSecret(t *testing.T) {
	b := memory.New("test")

	_, err := newTestEngine(b).Rotate(context.Background(), "app/missing", RotateOptions{})
	require.Error(t, err)
	assert.True(t, backend.IsNotFound(err))
	assert.EqualValues(t, 0, b.Writes())
}

func TestEngineRotateEntropyFailureWritesNothing(t *testing.T) {
	b := memory.New("test")
	b.Seed("app/db", backend.Payload{"password": "old"}, nil)
	e := newTestEngine(b, WithGenerator(NewGeneratorFromReader(failingReader{})))

	_, err := e.Rotate(context.Background(), "app/db", RotateOptions{})
	require.Error(t, err)
	assert.Equal(t, backend.ClassEntropy, backend.Classify(err))
	assert.EqualValues(t, 0, b.Writes())
}

func TestEngineRotateWithTarget(t *testing.T) {
	b := memory.New("test")
	b.Seed("app/db", backend.Payload{"password": "old"}, nil)
	target := &fakeTarget{backend: b, path: "app/db"}

	res, err := newTestEngine(b).Rotate(context.Background(), "app/db", RotateOptions{
		Target:         target,
		TargetUsername: "app_user",
	})
	require.NoError(t, err)
	assert.Equal(t, res.Value, target.updates["app_user"])
	assert.Equal(t, res.Value, target.storedAt["app_user"], "payload must be written before the target is updated")
	assert.Equal(t, "app_user", res.TargetUser)
	assert.Equal(t, "fake", res.TargetType)
}

func TestEngineRotateTargetFailureKeepsMetadata(t *testing.T) {
	tests := []struct {
		name   string
		target *fakeTarget
	}{
		{"update fails", &fakeTarget{updateErr: errors.New("permission denied for role")}},
		{"verify fails", &fakeTarget{verifyErr: errors.New("password authentication failed")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := memory.New("test")
			b.Seed("app/db", backend.Payload{"password": "old"}, nil)

			_, err := newTestEngine(b).Rotate(context.Background(), "app/db", RotateOptions{
				Target:         tt.target,
				TargetUsername: "app_user",
			})
			require.Error(t, err)
			assert.EqualValues(t, 1, b.PayloadWrites())
			assert.EqualValues(t, 0, b.MetadataWrites())
		})
	}
}

func TestEngineAutoRotate(t *testing.T) {
	due := map[string]string{
		backend.KeyRotationEnabled: "true",
		backend.KeyLastRotated:     "2024-01-01T00:00:00Z",
		backend.KeyRotationPeriod:  "1",
	}
	notDue := map[string]string{
		backend.KeyRotationEnabled: "true",
		backend.KeyLastRotated:     "2024-01-20T00:00:00Z",
		backend.KeyRotationPeriod:  "1",
	}

	tests := []struct {
		name        string
		meta        map[string]string
		dryRun      bool
		wantDue     bool
		wantRotated bool
		wantWrites  int64
	}{
		{"due", due, false, true, true, 2},
		{"due dry run", due, true, true, false, 0},
		{"not due", notDue, false, false, false, 0},
		{"unflagged", nil, false, false, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := memory.New("test")
			b.Seed("app/db", backend.Payload{"password": "old"}, tt.meta)

			res, err := newTestEngine(b).AutoRotate(context.Background(), "app/db", AutoOptions{DryRun: tt.dryRun})
			require.NoError(t, err)
			assert.Equal(t, tt.wantDue, res.Decision.Due)
			assert.Equal(t, tt.wantRotated, res.Rotated != nil)
			assert.Equal(t, tt.wantWrites, b.Writes())
		})
	}
}

func TestEngineAutoRotateTargetUsernameFromMetadata(t *testing.T) {
	tests := []struct {
		name     string
		extra    map[string]string
		wantUser string
	}{
		{"target_username", map[string]string{backend.KeyTargetUsername: "svc"}, "svc"},
		{"database_username", map[string]string{backend.KeyDatabaseUsername: "db_svc"}, "db_svc"},
		{"target wins", map[string]string{backend.KeyTargetUsername: "svc", backend.KeyDatabaseUsername: "db_svc"}, "svc"},
		{"missing", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta := map[string]string{backend.KeyRotationEnabled: "true"}
			for k, v := range tt.extra {
				meta[k] = v
			}
			b := memory.New("test")
			b.Seed("app/db", backend.Payload{"password": "old"}, meta)
			target := &fakeTarget{}

			res, err := newTestEngine(b).AutoRotate(context.Background(), "app/db", AutoOptions{
				RotateOptions: RotateOptions{Target: target},
			})
			require.NoError(t, err)
			require.NotNil(t, res.Rotated)
			assert.Equal(t, tt.wantUser, res.Rotated.TargetUser)
			if tt.wantUser != "" {
				assert.Equal(t, res.Rotated.Value, target.updates[tt.wantUser])
			} else {
				assert.Empty(t, target.updates)
			}
		})
	}
}

func TestEngineCheckReadFailure(t *testing.T) {
	b := memory.New("test")
	b.Errors["read-meta:app/db"] = backend.AuthError{Backend: "test", Message: "token expired"}

	_, _, err := newTestEngine(b).Check(context.Background(), "app/db")
	require.Error(t, err)
	assert.True(t, backend.IsAuth(err))
}
