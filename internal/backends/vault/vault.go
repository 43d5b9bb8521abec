package vault

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/vault/api"
	"github.com/hashicorp/vault/api/auth/approle"
	"github.com/hashicorp/vault/api/auth/userpass"

	"github.com/systmms/asr/internal/logging"
	"github.com/systmms/asr/pkg/backend"
)

const (
	DefaultMount   = "secret"
	DefaultTimeout = 30 * time.Second
)

// Config holds Vault-specific configuration
type Config struct {
	Address    string        `yaml:"address"`     // Vault server address
	Token      string        `yaml:"token"`       // Vault token (prefer VAULT_TOKEN or the keyring)
	Mount      string        `yaml:"mount"`       // KV v2 mount point
	Namespace  string        `yaml:"namespace"`   // Vault namespace (Vault Enterprise)
	AuthMethod string        `yaml:"auth_method"` // token, approle or userpass
	AuthMount  string        `yaml:"auth_mount"`  // mount path of the auth method
	Timeout    time.Duration `yaml:"timeout"`

	RoleID   string `yaml:"role_id"`   // For approle auth
	SecretID string `yaml:"secret_id"` // For approle auth (discouraged)
	Username string `yaml:"username"`  // For userpass auth
	Password string `yaml:"password"`  // For userpass auth (discouraged)

	CACert  string `yaml:"ca_cert"`  // Path to CA certificate
	TLSSkip bool   `yaml:"tls_skip"` // Skip TLS verification (not recommended)
}

// Backend stores secrets in a Vault KV v2 engine. Rotation metadata is kept
// in the secret's custom_metadata.
type Backend struct {
	name   string
	config Config
	client *api.Client
	logger *logging.Logger

	authMu sync.Mutex
	authed bool
}

// New creates a Vault backend. Token auth requires a token up front; the
// approle and userpass methods log in on first use.
func New(name string, config Config, logger *logging.Logger) (*Backend, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if config.Mount == "" {
		config.Mount = DefaultMount
	}
	config.Mount = strings.Trim(config.Mount, "/")
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.AuthMethod == "" {
		config.AuthMethod = "token"
	}
	if config.Address == "" {
		return nil, backend.MarkConfig(errors.New("vault address is not set (use VAULT_ADDR or backend.vault.address)"))
	}

	switch config.AuthMethod {
	case "token":
		if config.Token == "" {
			return nil, backend.MarkConfig(errors.New("vault token is not set (use VAULT_TOKEN, --vault-token or the keyring)"))
		}
	case "approle":
		if config.RoleID == "" || config.SecretID == "" {
			return nil, backend.MarkConfig(errors.New("approle auth requires role_id and secret_id"))
		}
	case "userpass":
		if config.Username == "" || config.Password == "" {
			return nil, backend.MarkConfig(errors.New("userpass auth requires username and password"))
		}
	default:
		return nil, backend.MarkConfig(fmt.Errorf("unsupported vault auth method: %s", config.AuthMethod))
	}

	apiConfig := api.DefaultConfig()
	apiConfig.Address = config.Address
	apiConfig.Timeout = config.Timeout
	apiConfig.MaxRetries = 0
	if config.CACert != "" || config.TLSSkip {
		if err := apiConfig.ConfigureTLS(&api.TLSConfig{CACert: config.CACert, Insecure: config.TLSSkip}); err != nil {
			return nil, backend.MarkConfig(errors.Wrap(err, "configure vault TLS"))
		}
	}

	client, err := api.NewClient(apiConfig)
	if err != nil {
		return nil, backend.MarkConfig(errors.Wrap(err, "create vault client"))
	}
	if config.Namespace != "" {
		client.SetNamespace(config.Namespace)
	}
	b := &Backend{name: name, config: config, client: client, logger: logger}
	if config.AuthMethod == "token" {
		client.SetToken(config.Token)
		b.authed = true
	}
	return b, nil
}

// Name returns the backend instance name
func (b *Backend) Name() string { return b.name }

// Kind returns backend.KindVault
func (b *Backend) Kind() backend.Kind { return backend.KindVault }

// Mount returns the KV v2 mount point
func (b *Backend) Mount() string { return b.config.Mount }

func (b *Backend) authenticate(ctx context.Context) error {
	b.authMu.Lock()
	defer b.authMu.Unlock()
	if b.authed {
		return nil
	}

	var (
		method api.AuthMethod
		err    error
	)
	switch b.config.AuthMethod {
	case "approle":
		var opts []approle.LoginOption
		if b.config.AuthMount != "" {
			opts = append(opts, approle.WithMountPath(b.config.AuthMount))
		}
		method, err = approle.NewAppRoleAuth(b.config.RoleID, &approle.SecretID{FromString: b.config.SecretID}, opts...)
	case "userpass":
		var opts []userpass.LoginOption
		if b.config.AuthMount != "" {
			opts = append(opts, userpass.WithMountPath(b.config.AuthMount))
		}
		method, err = userpass.NewUserpassAuth(b.config.Username, &userpass.Password{FromString: b.config.Password}, opts...)
	}
	if err != nil {
		return backend.MarkConfig(errors.Wrapf(err, "configure vault %s auth", b.config.AuthMethod))
	}

	secret, err := b.client.Auth().Login(ctx, method)
	if err != nil {
		return b.handleError(err, "login", b.config.AuthMethod)
	}
	if secret == nil || secret.Auth == nil {
		return backend.AuthError{Backend: b.name, Message: "login response missing auth data"}
	}
	b.logger.Debug("Authenticated to Vault using %s", b.config.AuthMethod)
	b.authed = true
	return nil
}

// Validate logs in if needed and looks up the token in use
func (b *Backend) Validate(ctx context.Context) error {
	if err := b.authenticate(ctx); err != nil {
		return err
	}
	secret, err := b.client.Auth().Token().LookupSelfWithContext(ctx)
	if err != nil {
		return b.handleError(err, "lookup token", "")
	}
	if ttl, err := secret.TokenTTL(); err == nil && ttl > 0 {
		b.logger.Debug("Vault token valid for %s", ttl)
	}
	return nil
}

func (b *Backend) dataPath(path string) string {
	return b.config.Mount + "/data/" + backend.CleanPath(path)
}

func (b *Backend) metadataPath(path string) string {
	return b.config.Mount + "/metadata/" + backend.CleanPath(path)
}

// ReadPayload returns the latest version of the secret at path
func (b *Backend) ReadPayload(ctx context.Context, path string) (backend.Payload, error) {
	if err := b.authenticate(ctx); err != nil {
		return nil, err
	}
	b.logger.Debug("Reading Vault secret %s", b.dataPath(path))

	secret, err := b.client.Logical().ReadWithContext(ctx, b.dataPath(path))
	if err != nil {
		return nil, b.handleError(err, "read", path)
	}
	if secret == nil || secret.Data == nil {
		return nil, backend.NotFoundError{Backend: b.name, Path: backend.CleanPath(path)}
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok || data == nil {
		// A deleted or destroyed latest version has no data.
		return nil, backend.NotFoundError{Backend: b.name, Path: backend.CleanPath(path)}
	}
	return toStringMap(data), nil
}

// WritePayload writes a new version of the secret at path
func (b *Backend) WritePayload(ctx context.Context, path string, payload backend.Payload, merge bool) error {
	if err := b.authenticate(ctx); err != nil {
		return err
	}
	data := payload
	if merge {
		current, err := b.ReadPayload(ctx, path)
		switch {
		case err == nil:
			data = current.Merge(payload)
		case backend.IsNotFound(err):
		default:
			return err
		}
	}

	body := map[string]interface{}{"data": toInterfaceMap(data)}
	if _, err := b.client.Logical().WriteWithContext(ctx, b.dataPath(path), body); err != nil {
		return b.handleError(err, "write", path)
	}
	b.logger.Debug("Wrote %d field(s) to Vault secret %s", len(data), b.dataPath(path))
	return nil
}

// ReadMetadata decodes the rotation keys from custom_metadata
func (b *Backend) ReadMetadata(ctx context.Context, path string) (backend.RotationMetadata, error) {
	raw, err := b.readCustomMetadata(ctx, path)
	if err != nil {
		return backend.RotationMetadata{}, err
	}
	return backend.DecodeMetadata(raw), nil
}

func (b *Backend) readCustomMetadata(ctx context.Context, path string) (map[string]string, error) {
	if err := b.authenticate(ctx); err != nil {
		return nil, err
	}
	secret, err := b.client.Logical().ReadWithContext(ctx, b.metadataPath(path))
	if err != nil {
		return nil, b.handleError(err, "read metadata", path)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}
	custom, _ := secret.Data["custom_metadata"].(map[string]interface{})
	return toStringMap(custom), nil
}

// WriteMetadata merges the rotation keys into custom_metadata, leaving
// unrelated keys in place
func (b *Backend) WriteMetadata(ctx context.Context, path string, meta backend.RotationMetadata) error {
	existing, err := b.readCustomMetadata(ctx, path)
	if err != nil {
		return err
	}
	merged := make(map[string]string, len(existing)+3)
	maps.Copy(merged, existing)
	maps.Copy(merged, backend.EncodeMetadata(meta))

	body := map[string]interface{}{"custom_metadata": toInterfaceMap(merged)}
	if _, err := b.client.Logical().WriteWithContext(ctx, b.metadataPath(path), body); err != nil {
		return b.handleError(err, "write metadata", path)
	}
	return nil
}

// List walks the metadata tree below prefix depth first, fetching each
// directory only when the sequence reaches it
func (b *Backend) List(ctx context.Context, prefix string) iter.Seq2[backend.SecretRef, error] {
	return func(yield func(backend.SecretRef, error) bool) {
		if err := b.authenticate(ctx); err != nil {
			yield(backend.SecretRef{}, err)
			return
		}
		b.walk(ctx, backend.CleanPath(prefix), yield)
	}
}

func (b *Backend) walk(ctx context.Context, dir string, yield func(backend.SecretRef, error) bool) bool {
	secret, err := b.client.Logical().ListWithContext(ctx, b.metadataPath(dir))
	if err != nil {
		yield(backend.SecretRef{}, b.handleError(err, "list", dir))
		return false
	}
	if secret == nil || secret.Data == nil {
		return true
	}
	keys, _ := secret.Data["keys"].([]interface{})
	for _, k := range keys {
		name, ok := k.(string)
		if !ok {
			continue
		}
		child := backend.JoinPath(dir, name)
		if strings.HasSuffix(name, "/") {
			if !b.walk(ctx, child, yield) {
				return false
			}
			continue
		}
		if !yield(backend.NewSecretRef(backend.KindVault, child), nil) {
			return false
		}
	}
	return true
}

// handleError maps Vault API failures onto the backend error taxonomy
func (b *Backend) handleError(err error, op, path string) error {
	path = backend.CleanPath(path)
	var respErr *api.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return backend.AuthError{Backend: b.name, Message: fmt.Sprintf("%s %s: %s", op, path, strings.Join(respErr.Errors, "; "))}
		case http.StatusNotFound:
			return backend.NotFoundError{Backend: b.name, Path: path}
		}
		if respErr.StatusCode >= 500 {
			return backend.MarkConnection(errors.Wrapf(err, "vault %s %s", op, path))
		}
		return errors.Wrapf(err, "vault %s %s", op, path)
	}
	return backend.MarkConnection(errors.Wrapf(err, "vault %s %s", op, path))
}

func toStringMap(in map[string]interface{}) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
			out[k] = ""
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

func toInterfaceMap(in map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var _ backend.Backend = (*Backend)(nil)
