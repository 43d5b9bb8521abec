package targets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/systmms/asr/internal/logging"
	"github.com/systmms/asr/pkg/backend"
)

const (
	defaultAPIMethod     = http.MethodPost
	defaultPasswordField = "password"
	defaultAPITimeout    = 30 * time.Second

	// maxErrorBody bounds how much of a failed response is kept in the error
	maxErrorBody = 4096
)

// APIConfig describes a REST endpoint that sets a user's password
type APIConfig struct {
	// BaseURL is prepended to Endpoint unless Endpoint is absolute
	BaseURL string `yaml:"base_url"`

	// Endpoint is the password update path. {username} is replaced with
	// the (escaped) account name.
	Endpoint string `yaml:"endpoint"`

	Method           string            `yaml:"method,omitempty"`
	PasswordField    string            `yaml:"password_field,omitempty"`
	UsernameField    string            `yaml:"username_field,omitempty"`
	AdditionalFields map[string]string `yaml:"additional_fields,omitempty"`
	AuthHeader       string            `yaml:"auth_header,omitempty"`
	Headers          map[string]string `yaml:"headers,omitempty"`
	TimeoutSeconds   int               `yaml:"timeout_seconds,omitempty"`
}

// Validate checks that the endpoint can be resolved
func (c APIConfig) Validate() error {
	if c.Endpoint == "" {
		return backend.MarkConfig(errors.New("api target endpoint is required"))
	}
	if !isAbsoluteURL(c.Endpoint) {
		if c.BaseURL == "" {
			return backend.MarkConfig(errors.New("api target base_url is required for a relative endpoint"))
		}
		u, err := url.Parse(c.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return backend.MarkConfig(fmt.Errorf("invalid api target base_url: %s", c.BaseURL))
		}
	}
	switch strings.ToUpper(c.Method) {
	case "", http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return backend.MarkConfig(fmt.Errorf("unsupported api target method: %s", c.Method))
	}
	return nil
}

// APITarget updates passwords by calling an HTTP API
type APITarget struct {
	cfg    APIConfig
	client *http.Client
	logger *logging.Logger
}

// APIOption configures an APITarget
type APIOption func(*APITarget)

// WithHTTPClient replaces the HTTP client. The configured timeout is not
// applied to a replaced client.
func WithHTTPClient(c *http.Client) APIOption {
	return func(t *APITarget) { t.client = c }
}

// NewAPITarget creates an API target
func NewAPITarget(cfg APIConfig, logger *logging.Logger, opts ...APIOption) (*APITarget, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.Method == "" {
		cfg.Method = defaultAPIMethod
	}
	cfg.Method = strings.ToUpper(cfg.Method)
	if cfg.PasswordField == "" {
		cfg.PasswordField = defaultPasswordField
	}
	timeout := defaultAPITimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}

	t := &APITarget{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger.Debug("Created API target for %s", cfg.BaseURL)
	return t, nil
}

// Type returns "api"
func (t *APITarget) Type() string {
	return "api"
}

// URL resolves the endpoint for username
func (t *APITarget) URL(username string) string {
	endpoint := strings.ReplaceAll(t.cfg.Endpoint, "{username}", url.PathEscape(username))
	if isAbsoluteURL(endpoint) {
		return endpoint
	}
	return strings.TrimRight(t.cfg.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
}

// UpdatePassword sends the new password in a JSON body
func (t *APITarget) UpdatePassword(ctx context.Context, username, password string) error {
	t.logger.Info("Updating password via API for user: %s", username)

	body := make(map[string]string, len(t.cfg.AdditionalFields)+2)
	for k, v := range t.cfg.AdditionalFields {
		body[k] = v
	}
	if t.cfg.UsernameField != "" {
		body[t.cfg.UsernameField] = username
	}
	body[t.cfg.PasswordField] = password

	data, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "encode api request")
	}

	endpoint := t.URL(username)
	t.logger.Debug("Calling API endpoint: %s %s", t.cfg.Method, endpoint)

	req, err := http.NewRequestWithContext(ctx, t.cfg.Method, endpoint, bytes.NewReader(data))
	if err != nil {
		return backend.MarkConfig(errors.Wrap(err, "build api request"))
	}
	req.Header.Set("Content-Type", "application/json")
	if t.cfg.AuthHeader != "" {
		req.Header.Set("Authorization", t.cfg.AuthHeader)
	}
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return backend.MarkConnection(redactedError(err, password, "send api request"))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := logging.Redact(strings.TrimSpace(string(text)), []string{password})
		err := fmt.Errorf("api request failed with status %d: %s", resp.StatusCode, msg)
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return backend.MarkAuth(err)
		case resp.StatusCode >= 500:
			return backend.MarkConnection(err)
		}
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	t.logger.Debug("API accepted new password for user: %s", username)
	return nil
}

// VerifyConnection is a no-op; password APIs expose no generic way to
// test a credential
func (t *APITarget) VerifyConnection(_ context.Context, username, _ string) error {
	t.logger.Debug("Verification not supported for API targets, skipping %s", username)
	return nil
}

func isAbsoluteURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
