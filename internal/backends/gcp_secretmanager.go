package backends

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"maps"
	"os"
	"path/filepath"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/cockroachdb/errors"
	"google.golang.org/api/impersonate"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/fieldmaskpb"

	"github.com/systmms/asr/internal/logging"
	"github.com/systmms/asr/pkg/backend"
)

// gcpPathSeparator replaces "/" in secret IDs, which only allow letters,
// digits, '-' and '_'.
const gcpPathSeparator = "--"

// GCPConfig holds GCP Secret Manager-specific configuration
type GCPConfig struct {
	ProjectID             string `yaml:"project_id"`
	ServiceAccountKeyPath string `yaml:"service_account_key_path"`
	ImpersonateAccount    string `yaml:"impersonate_service_account"`
	Endpoint              string `yaml:"endpoint"`
}

// GCPSecretIterator is the part of the generated iterator the backend uses
type GCPSecretIterator interface {
	Next() (*secretmanagerpb.Secret, error)
}

// GCPClientAPI defines the Secret Manager operations the backend uses
// This allows for mocking in tests
type GCPClientAPI interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error)
	GetSecret(ctx context.Context, req *secretmanagerpb.GetSecretRequest) (*secretmanagerpb.Secret, error)
	CreateSecret(ctx context.Context, req *secretmanagerpb.CreateSecretRequest) (*secretmanagerpb.Secret, error)
	AddSecretVersion(ctx context.Context, req *secretmanagerpb.AddSecretVersionRequest) (*secretmanagerpb.SecretVersion, error)
	UpdateSecret(ctx context.Context, req *secretmanagerpb.UpdateSecretRequest) (*secretmanagerpb.Secret, error)
	ListSecrets(ctx context.Context, req *secretmanagerpb.ListSecretsRequest) GCPSecretIterator
}

// gcpClient adapts the generated client to GCPClientAPI
type gcpClient struct {
	c *secretmanager.Client
}

func (g gcpClient) AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	return g.c.AccessSecretVersion(ctx, req)
}

func (g gcpClient) GetSecret(ctx context.Context, req *secretmanagerpb.GetSecretRequest) (*secretmanagerpb.Secret, error) {
	return g.c.GetSecret(ctx, req)
}

func (g gcpClient) CreateSecret(ctx context.Context, req *secretmanagerpb.CreateSecretRequest) (*secretmanagerpb.Secret, error) {
	return g.c.CreateSecret(ctx, req)
}

func (g gcpClient) AddSecretVersion(ctx context.Context, req *secretmanagerpb.AddSecretVersionRequest) (*secretmanagerpb.SecretVersion, error) {
	return g.c.AddSecretVersion(ctx, req)
}

func (g gcpClient) UpdateSecret(ctx context.Context, req *secretmanagerpb.UpdateSecretRequest) (*secretmanagerpb.Secret, error) {
	return g.c.UpdateSecret(ctx, req)
}

func (g gcpClient) ListSecrets(ctx context.Context, req *secretmanagerpb.ListSecretsRequest) GCPSecretIterator {
	return g.c.ListSecrets(ctx, req)
}

// GCPBackend stores each secret as a JSON object in the latest version of
// a Secret Manager secret. Rotation metadata is kept in secret annotations.
type GCPBackend struct {
	name      string
	projectID string
	client    GCPClientAPI
	logger    *logging.Logger
}

// GCPOption is a functional option for configuring the backend
type GCPOption func(*GCPBackend)

// WithGCPClient sets a custom Secret Manager client (for testing)
func WithGCPClient(client GCPClientAPI) GCPOption {
	return func(b *GCPBackend) {
		b.client = client
	}
}

// NewGCPBackend creates a new GCP Secret Manager backend
func NewGCPBackend(ctx context.Context, name string, config GCPConfig, logger *logging.Logger, opts ...GCPOption) (*GCPBackend, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if config.ProjectID == "" {
		config.ProjectID = getGCPProjectID()
	}
	if config.ProjectID == "" {
		return nil, backend.MarkConfig(errors.New("project_id is required for GCP Secret Manager (set backends.gcp.project_id or GOOGLE_CLOUD_PROJECT)"))
	}

	b := &GCPBackend{name: name, projectID: config.ProjectID, logger: logger}
	for _, opt := range opts {
		opt(b)
	}
	if b.client == nil {
		client, err := createGCPClient(ctx, config)
		if err != nil {
			return nil, backend.MarkConfig(errors.Wrap(err, "create GCP Secret Manager client"))
		}
		b.client = gcpClient{c: client}
	}
	return b, nil
}

func createGCPClient(ctx context.Context, config GCPConfig) (*secretmanager.Client, error) {
	var clientOptions []option.ClientOption

	if config.ServiceAccountKeyPath != "" {
		keyPath := config.ServiceAccountKeyPath
		if strings.HasPrefix(keyPath, "~/") {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, errors.Wrap(err, "get home directory")
			}
			keyPath = filepath.Join(home, keyPath[2:])
		}
		clientOptions = append(clientOptions, option.WithCredentialsFile(keyPath))
	}

	if config.ImpersonateAccount != "" {
		ts, err := impersonate.CredentialsTokenSource(ctx, impersonate.CredentialsConfig{
			TargetPrincipal: config.ImpersonateAccount,
			Scopes:          []string{"https://www.googleapis.com/auth/cloud-platform"},
		}, clientOptions...)
		if err != nil {
			return nil, errors.Wrap(err, "create impersonated credentials")
		}
		clientOptions = []option.ClientOption{option.WithTokenSource(ts)}
	}

	if config.Endpoint != "" {
		clientOptions = append(clientOptions, option.WithEndpoint(config.Endpoint))
	}
	return secretmanager.NewClient(ctx, clientOptions...)
}

func getGCPProjectID() string {
	for _, key := range []string{"GOOGLE_CLOUD_PROJECT", "GCLOUD_PROJECT", "GCP_PROJECT"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

// Name returns the backend instance name
func (b *GCPBackend) Name() string { return b.name }

// Kind returns backend.KindGCP
func (b *GCPBackend) Kind() backend.Kind { return backend.KindGCP }

func gcpSecretID(path string) string {
	return strings.ReplaceAll(backend.CleanPath(path), "/", gcpPathSeparator)
}

func gcpPath(secretID string) string {
	return strings.ReplaceAll(secretID, gcpPathSeparator, "/")
}

func (b *GCPBackend) secretName(path string) string {
	return fmt.Sprintf("projects/%s/secrets/%s", b.projectID, gcpSecretID(path))
}

// Validate checks that the project's secrets can be listed
func (b *GCPBackend) Validate(ctx context.Context) error {
	it := b.client.ListSecrets(ctx, &secretmanagerpb.ListSecretsRequest{
		Parent:   "projects/" + b.projectID,
		PageSize: 1,
	})
	if _, err := it.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return b.handleError(err, "")
	}
	return nil
}

// ReadPayload returns the JSON fields of the latest secret version
func (b *GCPBackend) ReadPayload(ctx context.Context, path string) (backend.Payload, error) {
	path = backend.CleanPath(path)
	b.logger.Debug("Accessing GCP secret: %s", b.secretName(path))

	resp, err := b.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: b.secretName(path) + "/versions/latest",
	})
	if err != nil {
		return nil, b.handleError(err, path)
	}
	if resp.GetPayload() == nil {
		return nil, backend.NotFoundError{Backend: b.name, Path: path}
	}
	return decodeJSONPayload(path, string(resp.GetPayload().GetData()))
}

// WritePayload adds a new secret version, creating the secret with
// automatic replication when it does not exist
func (b *GCPBackend) WritePayload(ctx context.Context, path string, payload backend.Payload, merge bool) error {
	path = backend.CleanPath(path)
	data := payload
	exists := true

	current, err := b.ReadPayload(ctx, path)
	switch {
	case err == nil:
		if merge {
			data = current.Merge(payload)
		}
	case backend.IsNotFound(err):
		exists = false
	default:
		return err
	}

	if !exists {
		if err := b.createSecret(ctx, path); err != nil {
			return err
		}
	}

	body, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "encode secret payload")
	}
	version, err := b.client.AddSecretVersion(ctx, &secretmanagerpb.AddSecretVersionRequest{
		Parent:  b.secretName(path),
		Payload: &secretmanagerpb.SecretPayload{Data: body},
	})
	if err != nil {
		return b.handleError(err, path)
	}
	b.logger.Debug("Added GCP secret version %s", version.GetName())
	return nil
}

func (b *GCPBackend) createSecret(ctx context.Context, path string) error {
	_, err := b.client.CreateSecret(ctx, &secretmanagerpb.CreateSecretRequest{
		Parent:   "projects/" + b.projectID,
		SecretId: gcpSecretID(path),
		Secret: &secretmanagerpb.Secret{
			Replication: &secretmanagerpb.Replication{
				Replication: &secretmanagerpb.Replication_Automatic_{
					Automatic: &secretmanagerpb.Replication_Automatic{},
				},
			},
		},
	})
	// The secret may exist without any enabled version
	if status.Code(err) == codes.AlreadyExists {
		return nil
	}
	if err != nil {
		return b.handleError(err, path)
	}
	b.logger.Info("Created secret '%s' in GCP Secret Manager", gcpSecretID(path))
	return nil
}

// ReadMetadata decodes rotation metadata from the secret's annotations
func (b *GCPBackend) ReadMetadata(ctx context.Context, path string) (backend.RotationMetadata, error) {
	path = backend.CleanPath(path)
	secret, err := b.client.GetSecret(ctx, &secretmanagerpb.GetSecretRequest{Name: b.secretName(path)})
	if err != nil {
		return backend.RotationMetadata{}, b.handleError(err, path)
	}
	return backend.DecodeMetadata(secret.GetAnnotations()), nil
}

// WriteMetadata merges the rotation keys into the secret's annotations.
// The update mask replaces the whole annotations map, so existing entries
// are read first.
func (b *GCPBackend) WriteMetadata(ctx context.Context, path string, meta backend.RotationMetadata) error {
	path = backend.CleanPath(path)
	name := b.secretName(path)
	secret, err := b.client.GetSecret(ctx, &secretmanagerpb.GetSecretRequest{Name: name})
	if err != nil {
		return b.handleError(err, path)
	}

	annotations := make(map[string]string, len(secret.GetAnnotations())+3)
	maps.Copy(annotations, secret.GetAnnotations())
	maps.Copy(annotations, backend.RotationKeys(meta))

	_, err = b.client.UpdateSecret(ctx, &secretmanagerpb.UpdateSecretRequest{
		Secret:     &secretmanagerpb.Secret{Name: name, Annotations: annotations},
		UpdateMask: &fieldmaskpb.FieldMask{Paths: []string{"annotations"}},
	})
	if err != nil {
		return b.handleError(err, path)
	}
	return nil
}

// List iterates the project's secrets whose mapped path starts with prefix
func (b *GCPBackend) List(ctx context.Context, prefix string) iter.Seq2[backend.SecretRef, error] {
	return func(yield func(backend.SecretRef, error) bool) {
		prefix = backend.CleanPath(prefix)
		req := &secretmanagerpb.ListSecretsRequest{Parent: "projects/" + b.projectID}
		if prefix != "" {
			req.Filter = "name:" + gcpSecretID(prefix)
		}

		it := b.client.ListSecrets(ctx, req)
		for {
			secret, err := it.Next()
			if errors.Is(err, iterator.Done) {
				return
			}
			if err != nil {
				yield(backend.SecretRef{}, b.handleError(err, prefix))
				return
			}
			name := secret.GetName()
			path := gcpPath(name[strings.LastIndex(name, "/")+1:])
			if !backend.HasPathPrefix(path, prefix) {
				continue
			}
			if !yield(backend.NewSecretRef(backend.KindGCP, path), nil) {
				return
			}
		}
	}
}

// handleError maps gRPC status codes onto the backend error taxonomy
func (b *GCPBackend) handleError(err error, path string) error {
	switch status.Code(err) {
	case codes.NotFound:
		return backend.NotFoundError{Backend: b.name, Path: path}
	case codes.PermissionDenied, codes.Unauthenticated:
		return backend.AuthError{Backend: b.name, Message: status.Convert(err).Message()}
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return backend.MarkConnection(errors.Wrapf(err, "%s %s", b.name, path))
	}
	return errors.Wrapf(err, "%s %s", b.name, path)
}

var _ backend.Backend = (*GCPBackend)(nil)
