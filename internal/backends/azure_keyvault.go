package backends

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
	"github.com/cockroachdb/errors"

	"github.com/systmms/asr/internal/logging"
	"github.com/systmms/asr/pkg/backend"
)

// azurePathSeparator replaces "/" in secret names, which only allow
// letters, digits and '-'.
const azurePathSeparator = "--"

// AzureKeyVaultClientAPI defines the interface for Azure Key Vault operations
// This allows for mocking in tests
type AzureKeyVaultClientAPI interface {
	GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error)
	SetSecret(ctx context.Context, name string, parameters azsecrets.SetSecretParameters, options *azsecrets.SetSecretOptions) (azsecrets.SetSecretResponse, error)
	UpdateSecretProperties(ctx context.Context, name string, version string, parameters azsecrets.UpdateSecretPropertiesParameters, options *azsecrets.UpdateSecretPropertiesOptions) (azsecrets.UpdateSecretPropertiesResponse, error)
	NewListSecretPropertiesPager(options *azsecrets.ListSecretPropertiesOptions) *runtime.Pager[azsecrets.ListSecretPropertiesResponse]
}

// AzureConfig holds Azure Key Vault-specific configuration
type AzureConfig struct {
	VaultURL           string `yaml:"vault_url"`
	TenantID           string `yaml:"tenant_id"`
	ClientID           string `yaml:"client_id"`
	ClientSecret       string `yaml:"client_secret"`
	UseManagedIdentity bool   `yaml:"use_managed_identity"`
	UserAssignedID     string `yaml:"user_assigned_identity_id"` // For user-assigned managed identity
}

// AzureBackend stores each secret as a JSON object in Azure Key Vault.
// Rotation metadata is kept in the tags of the current version.
type AzureBackend struct {
	name   string
	client AzureKeyVaultClientAPI
	logger *logging.Logger
}

// AzureOption is a functional option for configuring the backend
type AzureOption func(*AzureBackend)

// WithAzureKeyVaultClient sets a custom Azure Key Vault client (for testing)
func WithAzureKeyVaultClient(client AzureKeyVaultClientAPI) AzureOption {
	return func(b *AzureBackend) {
		b.client = client
	}
}

// NewAzureBackend creates a new Azure Key Vault backend
func NewAzureBackend(name string, config AzureConfig, logger *logging.Logger, opts ...AzureOption) (*AzureBackend, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if config.VaultURL == "" {
		return nil, backend.MarkConfig(errors.New("vault_url is required for Azure Key Vault (e.g. https://my-vault.vault.azure.net/)"))
	}
	if u, err := url.Parse(config.VaultURL); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, backend.MarkConfig(fmt.Errorf("invalid vault_url %q: use https://vault-name.vault.azure.net/", config.VaultURL))
	}

	b := &AzureBackend{name: name, logger: logger}
	for _, opt := range opts {
		opt(b)
	}
	if b.client == nil {
		client, err := createAzureKeyVaultClient(config)
		if err != nil {
			return nil, backend.MarkConfig(err)
		}
		b.client = client
	}
	return b, nil
}

func createAzureKeyVaultClient(config AzureConfig) (*azsecrets.Client, error) {
	var (
		cred azcore.TokenCredential
		err  error
	)
	switch {
	case config.UseManagedIdentity && config.UserAssignedID != "":
		cred, err = azidentity.NewManagedIdentityCredential(&azidentity.ManagedIdentityCredentialOptions{
			ID: azidentity.ClientID(config.UserAssignedID),
		})
	case config.UseManagedIdentity:
		cred, err = azidentity.NewManagedIdentityCredential(nil)
	case config.ClientSecret != "":
		cred, err = azidentity.NewClientSecretCredential(config.TenantID, config.ClientID, config.ClientSecret, nil)
	default:
		// Environment, workload identity, managed identity or Azure CLI
		cred, err = azidentity.NewDefaultAzureCredential(nil)
	}
	if err != nil {
		return nil, errors.Wrap(err, "create Azure credential")
	}

	client, err := azsecrets.NewClient(config.VaultURL, cred, nil)
	if err != nil {
		return nil, errors.Wrap(err, "create Key Vault client")
	}
	return client, nil
}

// Name returns the backend instance name
func (b *AzureBackend) Name() string { return b.name }

// Kind returns backend.KindAzure
func (b *AzureBackend) Kind() backend.Kind { return backend.KindAzure }

func azureSecretName(path string) string {
	return strings.ReplaceAll(backend.CleanPath(path), "/", azurePathSeparator)
}

func azurePath(name string) string {
	return strings.ReplaceAll(name, azurePathSeparator, "/")
}

func (b *AzureBackend) get(ctx context.Context, path string) (azsecrets.Secret, error) {
	resp, err := b.client.GetSecret(ctx, azureSecretName(path), "", nil)
	if err != nil {
		return azsecrets.Secret{}, b.handleError(err, path)
	}
	return resp.Secret, nil
}

// ReadPayload returns the JSON fields of the current secret version
func (b *AzureBackend) ReadPayload(ctx context.Context, path string) (backend.Payload, error) {
	path = backend.CleanPath(path)
	b.logger.Debug("Reading secret from Azure Key Vault: %s", azureSecretName(path))

	secret, err := b.get(ctx, path)
	if err != nil {
		return nil, err
	}
	if secret.Value == nil {
		return nil, backend.NotFoundError{Backend: b.name, Path: path}
	}
	return decodeJSONPayload(path, *secret.Value)
}

// WritePayload sets a new secret version. Tags belong to a version, so the
// current tags are carried over to the new one.
func (b *AzureBackend) WritePayload(ctx context.Context, path string, payload backend.Payload, merge bool) error {
	path = backend.CleanPath(path)
	data := payload
	var tags map[string]*string

	current, err := b.get(ctx, path)
	switch {
	case err == nil:
		tags = current.Tags
		if merge && current.Value != nil {
			existing, err := decodeJSONPayload(path, *current.Value)
			if err != nil {
				return err
			}
			data = existing.Merge(payload)
		}
	case backend.IsNotFound(err):
	default:
		return err
	}

	body, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "encode secret payload")
	}
	_, err = b.client.SetSecret(ctx, azureSecretName(path), azsecrets.SetSecretParameters{
		Value:       to.Ptr(string(body)),
		ContentType: to.Ptr("application/json"),
		Tags:        tags,
	}, nil)
	if err != nil {
		return b.handleError(err, path)
	}
	b.logger.Debug("Set new version of Azure secret %s", azureSecretName(path))
	return nil
}

// ReadMetadata decodes rotation metadata from the current version's tags
func (b *AzureBackend) ReadMetadata(ctx context.Context, path string) (backend.RotationMetadata, error) {
	path = backend.CleanPath(path)
	secret, err := b.get(ctx, path)
	if err != nil {
		return backend.RotationMetadata{}, err
	}
	return backend.DecodeMetadata(fromAzureTags(secret.Tags)), nil
}

// WriteMetadata merges the rotation keys into the current version's tags.
// UpdateSecretProperties replaces the whole tag set.
func (b *AzureBackend) WriteMetadata(ctx context.Context, path string, meta backend.RotationMetadata) error {
	path = backend.CleanPath(path)
	secret, err := b.get(ctx, path)
	if err != nil {
		return err
	}

	tags := make(map[string]*string, len(secret.Tags)+3)
	for k, v := range secret.Tags {
		tags[k] = v
	}
	for k, v := range backend.RotationKeys(meta) {
		tags[k] = to.Ptr(v)
	}

	_, err = b.client.UpdateSecretProperties(ctx, azureSecretName(path), "", azsecrets.UpdateSecretPropertiesParameters{
		Tags: tags,
	}, nil)
	if err != nil {
		return b.handleError(err, path)
	}
	return nil
}

// List pages through the vault's secrets and filters by mapped path
func (b *AzureBackend) List(ctx context.Context, prefix string) iter.Seq2[backend.SecretRef, error] {
	return func(yield func(backend.SecretRef, error) bool) {
		prefix = backend.CleanPath(prefix)
		pager := b.client.NewListSecretPropertiesPager(nil)
		for pager.More() {
			page, err := pager.NextPage(ctx)
			if err != nil {
				yield(backend.SecretRef{}, b.handleError(err, prefix))
				return
			}
			for _, props := range page.Value {
				if props == nil || props.ID == nil {
					continue
				}
				path := azurePath(props.ID.Name())
				if !backend.HasPathPrefix(path, prefix) {
					continue
				}
				if !yield(backend.NewSecretRef(backend.KindAzure, path), nil) {
					return
				}
			}
		}
	}
}

// handleError maps Azure SDK failures onto the backend error taxonomy
func (b *AzureBackend) handleError(err error, path string) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch {
		case respErr.StatusCode == http.StatusNotFound:
			return backend.NotFoundError{Backend: b.name, Path: path}
		case respErr.StatusCode == http.StatusUnauthorized, respErr.StatusCode == http.StatusForbidden:
			return backend.AuthError{Backend: b.name, Message: respErr.ErrorCode}
		case respErr.StatusCode >= 500:
			return backend.MarkConnection(errors.Wrapf(err, "%s %s", b.name, path))
		}
		return errors.Wrapf(err, "%s %s", b.name, path)
	}
	var authErr *azidentity.AuthenticationFailedError
	if errors.As(err, &authErr) {
		return backend.AuthError{Backend: b.name, Message: "Azure credential rejected"}
	}
	return backend.MarkConnection(errors.Wrapf(err, "%s %s", b.name, path))
}

func fromAzureTags(tags map[string]*string) map[string]string {
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		if v != nil {
			out[k] = *v
		}
	}
	return out
}

var _ backend.Backend = (*AzureBackend)(nil)
