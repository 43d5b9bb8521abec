package backends

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"maps"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/systmms/asr/internal/logging"
	"github.com/systmms/asr/pkg/backend"
)

// SecretsManagerClientAPI defines the interface for AWS Secrets Manager operations
// This allows for mocking in tests
type SecretsManagerClientAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	DescribeSecret(ctx context.Context, params *secretsmanager.DescribeSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DescribeSecretOutput, error)
	ListSecrets(ctx context.Context, params *secretsmanager.ListSecretsInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.ListSecretsOutput, error)
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	TagResource(ctx context.Context, params *secretsmanager.TagResourceInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.TagResourceOutput, error)
}

// SecretsManagerBackend stores each secret as a JSON object in AWS Secrets
// Manager. Rotation metadata is kept in resource tags.
type SecretsManagerBackend struct {
	name   string
	client SecretsManagerClientAPI
	sts    STSClientAPI
	logger *logging.Logger
}

// SecretsManagerOption is a functional option for configuring the backend
type SecretsManagerOption func(*SecretsManagerBackend)

// WithSecretsManagerClient sets a custom Secrets Manager client (for testing)
func WithSecretsManagerClient(client SecretsManagerClientAPI) SecretsManagerOption {
	return func(b *SecretsManagerBackend) {
		b.client = client
	}
}

// WithSecretsManagerSTSClient sets a custom STS client (for testing)
func WithSecretsManagerSTSClient(client STSClientAPI) SecretsManagerOption {
	return func(b *SecretsManagerBackend) {
		b.sts = client
	}
}

// NewSecretsManagerBackend creates a new AWS Secrets Manager backend
func NewSecretsManagerBackend(ctx context.Context, name string, config AWSConfig, logger *logging.Logger, opts ...SecretsManagerOption) (*SecretsManagerBackend, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	b := &SecretsManagerBackend{name: name, logger: logger}

	// Apply options (allows mock client injection)
	for _, opt := range opts {
		opt(b)
	}

	if b.client == nil || b.sts == nil {
		cfg, err := loadAWSConfig(ctx, config)
		if err != nil {
			return nil, err
		}
		if b.client == nil {
			var clientOpts []func(*secretsmanager.Options)
			if config.Endpoint != "" {
				endpoint := config.Endpoint
				clientOpts = append(clientOpts, func(o *secretsmanager.Options) {
					o.BaseEndpoint = &endpoint
				})
			}
			b.client = secretsmanager.NewFromConfig(cfg, clientOpts...)
		}
		if b.sts == nil {
			b.sts = sts.NewFromConfig(cfg)
		}
	}
	return b, nil
}

// Name returns the backend instance name
func (b *SecretsManagerBackend) Name() string { return b.name }

// Kind returns backend.KindAWS
func (b *SecretsManagerBackend) Kind() backend.Kind { return backend.KindAWS }

// Validate confirms the configured credentials are accepted by AWS
func (b *SecretsManagerBackend) Validate(ctx context.Context) error {
	arn, err := checkCallerIdentity(ctx, b.name, b.sts)
	if err != nil {
		return err
	}
	b.logger.Debug("AWS credentials resolved to %s", arn)
	return nil
}

// ReadPayload returns the JSON fields of the current secret version
func (b *SecretsManagerBackend) ReadPayload(ctx context.Context, path string) (backend.Payload, error) {
	path = backend.CleanPath(path)
	b.logger.Debug("Reading secret from AWS Secrets Manager: %s", path)

	out, err := b.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(path),
	})
	if err != nil {
		return nil, handleAWSError(b.name, path, err)
	}
	if out.SecretString == nil {
		return nil, fmt.Errorf("secret %s has no string value", path)
	}
	return decodeJSONPayload(path, *out.SecretString)
}

// WritePayload stores payload as a new secret version, creating the secret
// when it does not exist
func (b *SecretsManagerBackend) WritePayload(ctx context.Context, path string, payload backend.Payload, merge bool) error {
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

	body, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "encode secret payload")
	}

	if !exists {
		_, err = b.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
			Name:               aws.String(path),
			SecretString:       aws.String(string(body)),
			ClientRequestToken: aws.String(uuid.NewString()),
		})
		if err != nil {
			return handleAWSError(b.name, path, err)
		}
		b.logger.Info("Created secret '%s' in AWS Secrets Manager", path)
		return nil
	}

	_, err = b.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:           aws.String(path),
		SecretString:       aws.String(string(body)),
		ClientRequestToken: aws.String(uuid.NewString()),
	})
	if err != nil {
		return handleAWSError(b.name, path, err)
	}
	b.logger.Debug("Updated secret '%s' in AWS Secrets Manager", path)
	return nil
}

func (b *SecretsManagerBackend) tags(ctx context.Context, path string) (map[string]string, error) {
	out, err := b.client.DescribeSecret(ctx, &secretsmanager.DescribeSecretInput{
		SecretId: aws.String(path),
	})
	if err != nil {
		return nil, handleAWSError(b.name, path, err)
	}
	tags := make(map[string]string, len(out.Tags))
	for _, t := range out.Tags {
		tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return tags, nil
}

// ReadMetadata decodes rotation metadata from the secret's tags
func (b *SecretsManagerBackend) ReadMetadata(ctx context.Context, path string) (backend.RotationMetadata, error) {
	tags, err := b.tags(ctx, backend.CleanPath(path))
	if err != nil {
		return backend.RotationMetadata{}, err
	}
	return backend.DecodeMetadata(tags), nil
}

// WriteMetadata sets the rotation tags. TagResource only adds or replaces
// the given keys, so unrelated tags stay untouched.
func (b *SecretsManagerBackend) WriteMetadata(ctx context.Context, path string, meta backend.RotationMetadata) error {
	path = backend.CleanPath(path)
	encoded := backend.RotationKeys(meta)

	tags := make([]types.Tag, 0, len(encoded))
	for _, k := range sortedKeys(encoded) {
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(encoded[k])})
	}
	_, err := b.client.TagResource(ctx, &secretsmanager.TagResourceInput{
		SecretId: aws.String(path),
		Tags:     tags,
	})
	if err != nil {
		return handleAWSError(b.name, path, err)
	}
	return nil
}

// List pages through ListSecrets filtered by name prefix
func (b *SecretsManagerBackend) List(ctx context.Context, prefix string) iter.Seq2[backend.SecretRef, error] {
	return func(yield func(backend.SecretRef, error) bool) {
		prefix = backend.CleanPath(prefix)
		input := &secretsmanager.ListSecretsInput{}
		if prefix != "" {
			input.Filters = []types.Filter{{
				Key:    types.FilterNameStringTypeName,
				Values: []string{prefix},
			}}
		}

		paginator := secretsmanager.NewListSecretsPaginator(b.client, input)
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				yield(backend.SecretRef{}, handleAWSError(b.name, prefix, err))
				return
			}
			for _, s := range page.SecretList {
				name := aws.ToString(s.Name)
				// The name filter matches anywhere in the name
				if !backend.HasPathPrefix(name, prefix) {
					continue
				}
				if !yield(backend.NewSecretRef(backend.KindAWS, name), nil) {
					return
				}
			}
		}
	}
}

func decodeJSONPayload(path, s string) (backend.Payload, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		// Don't wrap the decoder error: it can quote the secret text
		return nil, fmt.Errorf("secret %s is not a JSON object", path)
	}
	out := make(backend.Payload, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
			out[k] = ""
		default:
			encoded, _ := json.Marshal(val)
			out[k] = string(encoded)
		}
	}
	return out, nil
}

func sortedKeys(m map[string]string) []string {
	return slices.Sorted(maps.Keys(m))
}

var _ backend.Backend = (*SecretsManagerBackend)(nil)
