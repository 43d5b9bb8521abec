package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/asr/internal/backends"
	"github.com/systmms/asr/internal/config"
	asrerrors "github.com/systmms/asr/internal/errors"
	"github.com/systmms/asr/internal/envsync"
	"github.com/systmms/asr/internal/logging"
	"github.com/systmms/asr/internal/targets"
	"github.com/systmms/asr/pkg/backend"
	"github.com/systmms/asr/pkg/backend/memory"
	"github.com/systmms/asr/pkg/rotation"
)

var overrideVars = []string{
	"SECRET_BACKEND", "VAULT_ADDR", "VAULT_TOKEN", "VAULT_MOUNT", "VAULT_NAMESPACE",
	"AWS_REGION", "ASR_FILE_DIR", "GOOGLE_CLOUD_PROJECT", "AZURE_KEYVAULT_URL",
	"ROTATION_PERIOD_MONTHS", "SECRET_LENGTH", "DB_HOST",
}

type fakeWriter struct {
	mu   sync.Mutex
	vars map[string]string
	err  error
}

func (w *fakeWriter) Set(name, value string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.vars[name] = value
	return nil
}

type fakeTarget struct {
	mu        sync.Mutex
	passwords map[string]string
}

func (f *fakeTarget) Type() string { return "postgres" }

func (f *fakeTarget) UpdatePassword(_ context.Context, user, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.passwords[user] = password
	return nil
}

func (f *fakeTarget) VerifyConnection(context.Context, string, string) error { return nil }

type testEnv struct {
	app     *App
	dir     string
	secrets string
	writer  *fakeWriter
}

// newTestApp runs from an empty directory with a file backend and a
// fake profile writer
func newTestApp(t *testing.T) *testEnv {
	t.Helper()
	for _, v := range overrideVars {
		t.Setenv(v, "")
	}
	dir := t.TempDir()
	t.Chdir(dir)

	secrets := filepath.Join(dir, "secrets")
	cfgPath := filepath.Join(dir, "asr.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf(`backend:
  kind: file
  file:
    directory: %s
rotation:
  secret_length: 24
  workers: 2
`, secrets)), 0o600))

	app := NewApp(&config.Config{Path: cfgPath, Explicit: true, Logger: logging.NewNop()})
	w := &fakeWriter{vars: map[string]string{}}
	app.NewWriter = func(*config.Definition, *logging.Logger) (envsync.Writer, error) { return w, nil }
	return &testEnv{app: app, dir: dir, secrets: secrets, writer: w}
}

func (e *testEnv) seed(t *testing.T, path string, payload, meta map[string]string) {
	t.Helper()
	file := filepath.Join(e.secrets, filepath.FromSlash(path))
	require.NoError(t, os.MkdirAll(filepath.Dir(file), 0o700))
	require.NoError(t, os.WriteFile(file, []byte(lines(payload)), 0o600))
	if meta != nil {
		require.NoError(t, os.WriteFile(file+".meta", []byte(lines(meta)), 0o600))
	}
}

func (e *testEnv) read(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(e.secrets, filepath.FromSlash(name)))
	require.NoError(t, err)
	return string(data)
}

func lines(m map[string]string) string {
	var b strings.Builder
	for k, v := range m {
		fmt.Fprintf(&b, "%s:%s\n", k, v)
	}
	return b.String()
}

func field(content, key string) string {
	for _, line := range strings.Split(content, "\n") {
		if k, v, ok := strings.Cut(line, ":"); ok && k == key {
			return v
		}
	}
	return ""
}

func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func dueMeta() map[string]string {
	return map[string]string{
		"rotation_enabled":       "true",
		"last_rotated":           "2020-01-15T00:00:00Z",
		"rotation_period_months": "6",
	}
}

func freshMeta() map[string]string {
	return map[string]string{
		"rotation_enabled":       "true",
		"last_rotated":           time.Now().UTC().Format(time.RFC3339),
		"rotation_period_months": "6",
	}
}

func TestInitCommand_CreatesConfig(t *testing.T) {
	env := newTestApp(t)
	path := filepath.Join(env.dir, "new.yaml")

	out, err := execute(t, NewInitCommand(env.app), "--output", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Sample configuration created at "+path)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "backend:")
	assert.Contains(t, string(content), "rotation:")

	_, err = execute(t, NewInitCommand(env.app), "--output", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestFlagCommand(t *testing.T) {
	env := newTestApp(t)
	env.seed(t, "myapp/database", map[string]string{"password": "old"}, nil)

	out, err := execute(t, NewFlagCommand(env.app), "myapp/database", "--period", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "Successfully flagged myapp/database for rotation every 3 months")
	assert.Contains(t, out, "Next rotation due: "+rotation.AddMonths(time.Now().UTC(), 3).Format(time.DateOnly))

	meta := env.read(t, "myapp/database.meta")
	assert.Equal(t, "true", field(meta, "rotation_enabled"))
	assert.Equal(t, "3", field(meta, "rotation_period_months"))
	assert.NotEmpty(t, field(meta, "last_rotated"))
}

func TestFlagCommand_MissingSecret(t *testing.T) {
	env := newTestApp(t)

	_, err := execute(t, NewFlagCommand(env.app), "nope")
	require.Error(t, err)
	assert.True(t, backend.IsNotFound(err))
}

func TestUnflagAndCheckCommands(t *testing.T) {
	env := newTestApp(t)
	env.seed(t, "app/db", map[string]string{"password": "old"}, dueMeta())

	out, err := execute(t, NewCheckCommand(env.app), "app/db")
	require.NoError(t, err)
	assert.Contains(t, out, "Enabled:       true")
	assert.Contains(t, out, "Last rotated:  2020-01-15T00:00:00Z")
	assert.Contains(t, out, "Next due:      2020-07-15T00:00:00Z")
	assert.Contains(t, out, "due: "+rotation.ReasonElapsed)

	out, err = execute(t, NewUnflagCommand(env.app), "app/db")
	require.NoError(t, err)
	assert.Contains(t, out, "Disabled automatic rotation for app/db")

	meta := env.read(t, "app/db.meta")
	assert.Equal(t, "false", field(meta, "rotation_enabled"))
	assert.Equal(t, "2020-01-15T00:00:00Z", field(meta, "last_rotated"), "history is kept")
}

func TestScanCommand(t *testing.T) {
	env := newTestApp(t)
	env.seed(t, "app/a", map[string]string{"password": "a"}, dueMeta())
	env.seed(t, "app/b", map[string]string{"password": "b"}, freshMeta())
	env.seed(t, "app/c", map[string]string{"password": "c"}, nil)
	env.seed(t, "other/d", map[string]string{"password": "d"}, dueMeta())

	out, err := execute(t, NewScanCommand(env.app), "app")
	require.NoError(t, err)
	assert.Equal(t, "Secrets needing rotation:\n  - app/a\n", out)

	before := env.read(t, "app/a.meta")
	_, err = execute(t, NewScanCommand(env.app))
	require.NoError(t, err)
	assert.Equal(t, before, env.read(t, "app/a.meta"), "scan never writes")
}

func TestScanCommand_ExitStatusByErrorClass(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantExit int
	}{
		{"auth", backend.AuthError{Backend: "mem", Message: "denied"}, 2},
		{"connection", backend.MarkConnection(fmt.Errorf("dial tcp: i/o timeout")), 2},
		{"not found", backend.NotFoundError{Backend: "mem", Path: "svc/2"}, 0},
		{"other", fmt.Errorf("metadata is corrupt"), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestApp(t)
			mem := memory.New("mem")
			mem.Seed("svc/1", backend.Payload{"password": "old"}, dueMeta())
			mem.Seed("svc/2", backend.Payload{"password": "old"}, dueMeta())
			mem.Errors["read-meta:svc/2"] = tt.err
			env.app.NewBackend = func(context.Context, backends.Config, *logging.Logger) (backend.Backend, error) {
				return mem, nil
			}

			_, err := execute(t, NewScanCommand(env.app))
			assert.Equal(t, tt.wantExit, asrerrors.ExitCode(err))
		})
	}
}

func TestScanCommand_Nothing(t *testing.T) {
	env := newTestApp(t)
	env.seed(t, "app/b", map[string]string{"password": "b"}, freshMeta())

	out, err := execute(t, NewScanCommand(env.app))
	require.NoError(t, err)
	assert.Contains(t, out, "No secrets need rotation at this time")
}

func TestScanCommand_JSON(t *testing.T) {
	env := newTestApp(t)
	env.seed(t, "app/a", map[string]string{"password": "a"}, dueMeta())
	env.seed(t, "app/b", map[string]string{"password": "b"}, freshMeta())
	env.seed(t, "app/c", map[string]string{"password": "c"}, nil)

	out, err := execute(t, NewScanCommand(env.app), "--json")
	require.NoError(t, err)

	var entries []ScanEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 3)
	assert.Equal(t, "app/a", entries[0].Path)
	assert.Equal(t, "file", entries[0].Backend)
	assert.True(t, entries[0].Due)
	assert.False(t, entries[1].Due)
	require.NotNil(t, entries[1].NextDue)
	assert.Equal(t, rotation.ReasonNotFlagged, entries[2].Reason)
}

func TestScanCommand_All(t *testing.T) {
	env := newTestApp(t)
	env.seed(t, "app/a", map[string]string{"password": "a"}, dueMeta())
	env.seed(t, "app/c", map[string]string{"password": "c"}, nil)

	out, err := execute(t, NewScanCommand(env.app), "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "PATH")
	assert.Contains(t, out, "due ("+rotation.ReasonElapsed+")")
	assert.Contains(t, out, "skip ("+rotation.ReasonNotFlagged+")")
	assert.Contains(t, out, "2 secret(s): 1 due, 0 rotated, 0 failed")
}

func TestScanCommand_MetricsFile(t *testing.T) {
	env := newTestApp(t)
	env.seed(t, "app/a", map[string]string{"password": "a"}, dueMeta())
	env.app.MetricsFile = filepath.Join(env.dir, "asr.prom")

	_, err := execute(t, NewScanCommand(env.app))
	require.NoError(t, err)

	data, err := os.ReadFile(env.app.MetricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `asr_secret_decisions_total{backend="file",decision="due",op="scan"} 1`)
	assert.Contains(t, string(data), "asr_last_run_timestamp_seconds")
}

func TestRotateCommand(t *testing.T) {
	env := newTestApp(t)
	env.seed(t, "myapp/database", map[string]string{"password": "old", "username": "app"}, nil)

	out, err := execute(t, NewRotateCommand(env.app), "myapp/database", "--length", "40", "--update-env")
	require.NoError(t, err)

	content := env.read(t, "myapp/database")
	value := field(content, "password")
	assert.Len(t, value, 40)
	assert.NotEqual(t, "old", value)
	assert.Equal(t, "app", field(content, "username"), "other fields are kept")
	assert.NotEmpty(t, field(env.read(t, "myapp/database.meta"), "last_rotated"))

	assert.Contains(t, out, "Successfully rotated secret at: myapp/database")
	assert.Contains(t, out, "New secret value: "+value)
	assert.Contains(t, out, "Updated environment variable 'MYAPP_DATABASE'")
	assert.Equal(t, value, env.writer.vars["MYAPP_DATABASE"])
}

func TestRotateCommand_QuietCustomField(t *testing.T) {
	env := newTestApp(t)
	env.seed(t, "api/stripe", map[string]string{"token": "old"}, nil)

	out, err := execute(t, NewRotateCommand(env.app), "api/stripe", "--key", "token", "--quiet")
	require.NoError(t, err)
	assert.NotContains(t, out, "New secret value")
	assert.Len(t, field(env.read(t, "api/stripe"), "token"), 24, "rotation.secret_length applies")
}

func TestRotateCommand_UpdateTarget(t *testing.T) {
	env := newTestApp(t)
	env.seed(t, "myapp/database", map[string]string{"password": "old"}, nil)

	target := &fakeTarget{passwords: map[string]string{}}
	var gotKind string
	env.app.NewTarget = func(_ context.Context, kind string, _ targets.Config, _ targets.PasswordReader, _ *logging.Logger) (rotation.Target, error) {
		gotKind = kind
		return target, nil
	}

	out, err := execute(t, NewRotateCommand(env.app), "myapp/database", "--target-type", "postgres", "--target-username", "app_user", "-q")
	require.NoError(t, err)

	assert.Equal(t, "postgres", gotKind)
	assert.Equal(t, field(env.read(t, "myapp/database"), "password"), target.passwords["app_user"])
	assert.Contains(t, out, "✓ Updated postgres password for user: app_user")
}

func TestRotateCommand_TargetNotConfigured(t *testing.T) {
	env := newTestApp(t)
	env.seed(t, "myapp/database", map[string]string{"password": "old"}, nil)

	_, err := execute(t, NewRotateCommand(env.app), "myapp/database", "--update-target")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Target configuration not usable")
	assert.Equal(t, "password:old\n", env.read(t, "myapp/database"), "nothing rotated")
}

func TestRotateCommand_NotFound(t *testing.T) {
	env := newTestApp(t)

	_, err := execute(t, NewRotateCommand(env.app), "missing")
	require.Error(t, err)
	assert.True(t, backend.IsNotFound(err))
}

func TestAutoCommand_DryRun(t *testing.T) {
	env := newTestApp(t)
	env.seed(t, "app/a", map[string]string{"password": "old"}, dueMeta())
	env.seed(t, "app/b", map[string]string{"password": "old"}, freshMeta())

	out, err := execute(t, NewAutoCommand(env.app), "--dry-run", "--update-env")
	require.NoError(t, err)
	assert.Contains(t, out, "Found 1 secret(s) needing rotation")
	assert.Contains(t, out, "[DRY RUN] Would rotate: app/a")
	assert.Contains(t, out, "[DRY RUN] Would update env var APP_A")
	assert.NotContains(t, out, "app/b")

	assert.Equal(t, "password:old\n", env.read(t, "app/a"))
	assert.Equal(t, "2020-01-15T00:00:00Z", field(env.read(t, "app/a.meta"), "last_rotated"))
	assert.Empty(t, env.writer.vars)
}

func TestAutoCommand_RotatesDue(t *testing.T) {
	env := newTestApp(t)
	env.seed(t, "app/a", map[string]string{"password": "old"}, dueMeta())
	env.seed(t, "app/b", map[string]string{"password": "old"}, freshMeta())
	env.seed(t, "app/c", map[string]string{"password": "old"}, nil)

	out, err := execute(t, NewAutoCommand(env.app), "app", "--update-env")
	require.NoError(t, err)

	rotated := field(env.read(t, "app/a"), "password")
	assert.NotEqual(t, "old", rotated)
	assert.Len(t, rotated, 24)
	assert.Equal(t, "password:old\n", env.read(t, "app/b"))
	assert.Equal(t, "password:old\n", env.read(t, "app/c"))

	assert.Contains(t, out, "✓ Rotated: app/a")
	assert.Contains(t, out, "✓ Updated env var: APP_A")
	assert.NotContains(t, out, rotated, "auto never prints values")
	assert.Equal(t, map[string]string{"APP_A": rotated}, env.writer.vars)
	assert.Contains(t, out, "3 secret(s): 1 due, 1 rotated, 0 failed")
}

func TestAutoCommand_EnvFailureExitsNonZero(t *testing.T) {
	env := newTestApp(t)
	env.seed(t, "app/a", map[string]string{"password": "old"}, dueMeta())
	env.writer.err = fmt.Errorf("no profile writable")

	out, err := execute(t, NewAutoCommand(env.app), "--update-env")
	require.Error(t, err)
	assert.Contains(t, out, "✗ Failed to update env var APP_A")
	assert.Equal(t, 2, asrerrors.ExitCode(err))
	assert.NotEqual(t, "old", field(env.read(t, "app/a"), "password"), "rotation itself succeeded")
}

func TestAutoCommand_BatchFailureIsolation(t *testing.T) {
	env := newTestApp(t)
	mem := memory.New("mem")
	for i := 1; i <= 5; i++ {
		mem.Seed(fmt.Sprintf("svc/%d", i), backend.Payload{"password": "old"}, dueMeta())
	}
	mem.Errors["write:svc/3"] = backend.MarkConnection(fmt.Errorf("dial tcp: connection refused"))
	env.app.NewBackend = func(context.Context, backends.Config, *logging.Logger) (backend.Backend, error) {
		return mem, nil
	}

	out, err := execute(t, NewAutoCommand(env.app))
	require.Error(t, err)
	assert.Equal(t, 2, asrerrors.ExitCode(err))
	assert.Contains(t, err.Error(), "1 of 5 secret(s) failed")
	assert.Contains(t, out, "✗ Failed to rotate svc/3")
	assert.Contains(t, out, "5 secret(s): 4 due, 4 rotated, 1 failed")

	for _, p := range []string{"svc/1", "svc/2", "svc/4", "svc/5"} {
		assert.NotEqual(t, "2020-01-15T00:00:00Z", mem.RawMetadata(p)["last_rotated"], p)
	}
	assert.Equal(t, "2020-01-15T00:00:00Z", mem.RawMetadata("svc/3")["last_rotated"])
}

func TestAutoCommand_NotFoundDoesNotFail(t *testing.T) {
	env := newTestApp(t)
	mem := memory.New("mem")
	mem.Seed("svc/1", backend.Payload{"password": "old"}, dueMeta())
	mem.Seed("svc/2", backend.Payload{"password": "old"}, dueMeta())
	mem.Errors["read:svc/2"] = backend.NotFoundError{Backend: "mem", Path: "svc/2"}
	env.app.NewBackend = func(context.Context, backends.Config, *logging.Logger) (backend.Backend, error) {
		return mem, nil
	}

	out, err := execute(t, NewAutoCommand(env.app))
	require.NoError(t, err)
	assert.Contains(t, out, "✗ Failed to rotate svc/2")
}

func TestReadAndListCommands(t *testing.T) {
	env := newTestApp(t)
	env.seed(t, "app/db", map[string]string{"password": "pw", "username": "app"}, dueMeta())
	env.seed(t, "app/cache", map[string]string{"password": "pw2"}, nil)

	out, err := execute(t, NewReadCommand(env.app), "app/db")
	require.NoError(t, err)
	assert.Equal(t, "Secret data:\n  password: pw\n  username: app\n", out)

	out, err = execute(t, NewReadCommand(env.app), "app/db", "--json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"password":"pw","username":"app"}`, out)

	out, err = execute(t, NewListCommand(env.app))
	require.NoError(t, err)
	assert.Equal(t, "Secrets at /:\n  - app/cache\n  - app/db\n", out)

	out, err = execute(t, NewListCommand(env.app), "nothing")
	require.NoError(t, err)
	assert.Equal(t, "No secrets found at path: nothing\n", out)
}

func TestReadCommand_NotFoundSuggestion(t *testing.T) {
	env := newTestApp(t)
	_, err := execute(t, NewReadCommand(env.app), "missing")
	require.Error(t, err)
	assert.True(t, backend.IsNotFound(err))
	assert.Contains(t, err.Error(), "ASR_FILE_DIR")
}

func TestUpdateEnvCommand(t *testing.T) {
	env := newTestApp(t)
	env.seed(t, "myapp/api", map[string]string{"token": "abc123"}, nil)

	out, err := execute(t, NewUpdateEnvCommand(env.app), "myapp/api", "-k", "token", "-e", "API_TOKEN")
	require.NoError(t, err)
	assert.Contains(t, out, "Updated environment variable 'API_TOKEN'")
	assert.Contains(t, out, "Value synced from file: myapp/api (key: token)")
	assert.Equal(t, "abc123", env.writer.vars["API_TOKEN"])

	_, err = execute(t, NewUpdateEnvCommand(env.app), "myapp/api", "-k", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `field "missing" not found`)

	_, err = execute(t, NewUpdateEnvCommand(env.app), "myapp/api", "-k", "token", "-e", "1BAD")
	require.Error(t, err)
	assert.Equal(t, backend.ClassConfig, backend.Classify(err))
}

func TestGenPasswordCommand(t *testing.T) {
	env := newTestApp(t)
	env.seed(t, "myapp/api", map[string]string{"username": "svc"}, nil)

	out, err := execute(t, NewGenPasswordCommand(env.app), "myapp/api", "--key", "secret", "--length", "16", "--env-var", "MYAPP_SECRET")
	require.NoError(t, err)

	content := env.read(t, "myapp/api")
	value := field(content, "secret")
	assert.Len(t, value, 16)
	assert.Equal(t, "svc", field(content, "username"))
	assert.Equal(t, value, env.writer.vars["MYAPP_SECRET"])
	assert.Contains(t, out, "Length: 16 characters")
	assert.NotContains(t, out, value)

	_, err = os.Stat(filepath.Join(env.secrets, "myapp", "api.meta"))
	assert.True(t, os.IsNotExist(err), "gen-password does not schedule rotation")
}

func TestGenPasswordCommand_CreatesSecret(t *testing.T) {
	env := newTestApp(t)

	_, err := execute(t, NewGenPasswordCommand(env.app), "new/secret")
	require.NoError(t, err)
	assert.Len(t, field(env.read(t, "new/secret"), "password"), 24)
	assert.Empty(t, env.writer.vars)
}

func TestDoctorCommand(t *testing.T) {
	env := newTestApp(t)
	env.seed(t, "app/db", map[string]string{"password": "pw"}, nil)
	t.Setenv("HOME", env.dir)
	require.NoError(t, os.WriteFile(filepath.Join(env.dir, ".zshrc"), nil, 0o600))

	out, err := execute(t, NewDoctorCommand(env.app))
	require.NoError(t, err)
	assert.Contains(t, out, "configuration")
	assert.Contains(t, out, "backend file")
	assert.Contains(t, out, "File")
	assert.Contains(t, out, "none configured")
	assert.Contains(t, out, ".zshrc")
}

func TestDoctorCommand_ConfigError(t *testing.T) {
	env := newTestApp(t)
	t.Setenv("SECRET_BACKEND", "consul")

	out, err := execute(t, NewDoctorCommand(env.app))
	require.Error(t, err)
	assert.Contains(t, out, "error")
	assert.Contains(t, out, "unknown backend")
}

func TestCompletionCommand(t *testing.T) {
	root := NewRootCommand("test")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"completion", "bash"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "asr")
}

func TestRootCommand_Tree(t *testing.T) {
	root := NewRootCommand("test")
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"init", "flag", "unflag", "check", "scan", "rotate", "auto", "read", "list", "update-env", "gen-password", "doctor", "completion"} {
		assert.True(t, names[want], want)
	}
	for _, flag := range []string{"config", "env-file", "backend", "vault-addr", "vault-token", "vault-mount", "workers", "metrics-file", "debug", "no-color"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), flag)
	}
}
