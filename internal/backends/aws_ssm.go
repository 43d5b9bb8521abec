package backends

import (
	"context"
	"encoding/json"
	"iter"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/cockroachdb/errors"

	"github.com/systmms/asr/internal/logging"
	"github.com/systmms/asr/pkg/backend"
)

// SSMClientAPI defines the interface for AWS SSM Parameter Store operations
// This allows for mocking in tests
type SSMClientAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
	GetParametersByPath(ctx context.Context, params *ssm.GetParametersByPathInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersByPathOutput, error)
	ListTagsForResource(ctx context.Context, params *ssm.ListTagsForResourceInput, optFns ...func(*ssm.Options)) (*ssm.ListTagsForResourceOutput, error)
	AddTagsToResource(ctx context.Context, params *ssm.AddTagsToResourceInput, optFns ...func(*ssm.Options)) (*ssm.AddTagsToResourceOutput, error)
}

// SSMBackend stores each secret as a JSON object in a SecureString
// parameter. Secret paths map to hierarchical parameter names with a
// leading slash. Rotation metadata is kept in parameter tags.
type SSMBackend struct {
	name     string
	client   SSMClientAPI
	sts      STSClientAPI
	kmsKeyID string
	logger   *logging.Logger
}

// SSMOption is a functional option for configuring the backend
type SSMOption func(*SSMBackend)

// WithSSMClient sets a custom SSM client (for testing)
func WithSSMClient(client SSMClientAPI) SSMOption {
	return func(b *SSMBackend) {
		b.client = client
	}
}

// WithSSMSTSClient sets a custom STS client (for testing)
func WithSSMSTSClient(client STSClientAPI) SSMOption {
	return func(b *SSMBackend) {
		b.sts = client
	}
}

// WithKMSKeyID encrypts new parameter values with a customer managed key
func WithKMSKeyID(keyID string) SSMOption {
	return func(b *SSMBackend) {
		b.kmsKeyID = keyID
	}
}

// NewSSMBackend creates a new AWS SSM Parameter Store backend
func NewSSMBackend(ctx context.Context, name string, config AWSConfig, logger *logging.Logger, opts ...SSMOption) (*SSMBackend, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	b := &SSMBackend{name: name, logger: logger}
	for _, opt := range opts {
		opt(b)
	}

	if b.client == nil || b.sts == nil {
		cfg, err := loadAWSConfig(ctx, config)
		if err != nil {
			return nil, err
		}
		if b.client == nil {
			var clientOpts []func(*ssm.Options)
			if config.Endpoint != "" {
				endpoint := config.Endpoint
				clientOpts = append(clientOpts, func(o *ssm.Options) {
					o.BaseEndpoint = &endpoint
				})
			}
			b.client = ssm.NewFromConfig(cfg, clientOpts...)
		}
		if b.sts == nil {
			b.sts = sts.NewFromConfig(cfg)
		}
	}
	return b, nil
}

// Name returns the backend instance name
func (b *SSMBackend) Name() string { return b.name }

// Kind returns backend.KindSSM
func (b *SSMBackend) Kind() backend.Kind { return backend.KindSSM }

// Validate confirms the configured credentials are accepted by AWS
func (b *SSMBackend) Validate(ctx context.Context) error {
	arn, err := checkCallerIdentity(ctx, b.name, b.sts)
	if err != nil {
		return err
	}
	b.logger.Debug("AWS credentials resolved to %s", arn)
	return nil
}

func parameterName(path string) string {
	return "/" + backend.CleanPath(path)
}

// ReadPayload returns the decrypted JSON fields of the parameter
func (b *SSMBackend) ReadPayload(ctx context.Context, path string) (backend.Payload, error) {
	path = backend.CleanPath(path)
	b.logger.Debug("Reading parameter from AWS SSM: %s", parameterName(path))

	out, err := b.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(parameterName(path)),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, handleAWSError(b.name, path, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return nil, backend.NotFoundError{Backend: b.name, Path: path}
	}
	return decodeJSONPayload(path, *out.Parameter.Value)
}

// WritePayload puts a new parameter version. The parameter is created when
// absent.
func (b *SSMBackend) WritePayload(ctx context.Context, path string, payload backend.Payload, merge bool) error {
	path = backend.CleanPath(path)
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

	body, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "encode secret payload")
	}

	input := &ssm.PutParameterInput{
		Name:      aws.String(parameterName(path)),
		Value:     aws.String(string(body)),
		Type:      types.ParameterTypeSecureString,
		Overwrite: aws.Bool(true),
	}
	if b.kmsKeyID != "" {
		input.KeyId = aws.String(b.kmsKeyID)
	}
	out, err := b.client.PutParameter(ctx, input)
	if err != nil {
		return handleAWSError(b.name, path, err)
	}
	b.logger.Debug("Wrote parameter %s version %d", parameterName(path), out.Version)
	return nil
}

// ReadMetadata decodes rotation metadata from the parameter's tags
func (b *SSMBackend) ReadMetadata(ctx context.Context, path string) (backend.RotationMetadata, error) {
	path = backend.CleanPath(path)
	out, err := b.client.ListTagsForResource(ctx, &ssm.ListTagsForResourceInput{
		ResourceType: types.ResourceTypeForTaggingParameter,
		ResourceId:   aws.String(parameterName(path)),
	})
	if err != nil {
		return backend.RotationMetadata{}, handleAWSError(b.name, path, err)
	}
	tags := make(map[string]string, len(out.TagList))
	for _, t := range out.TagList {
		tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return backend.DecodeMetadata(tags), nil
}

// WriteMetadata adds or replaces the rotation tags
func (b *SSMBackend) WriteMetadata(ctx context.Context, path string, meta backend.RotationMetadata) error {
	path = backend.CleanPath(path)
	encoded := backend.RotationKeys(meta)

	tags := make([]types.Tag, 0, len(encoded))
	for _, k := range sortedKeys(encoded) {
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(encoded[k])})
	}
	_, err := b.client.AddTagsToResource(ctx, &ssm.AddTagsToResourceInput{
		ResourceType: types.ResourceTypeForTaggingParameter,
		ResourceId:   aws.String(parameterName(path)),
		Tags:         tags,
	})
	if err != nil {
		return handleAWSError(b.name, path, err)
	}
	return nil
}

// List pages recursively through the parameter hierarchy below prefix
func (b *SSMBackend) List(ctx context.Context, prefix string) iter.Seq2[backend.SecretRef, error] {
	return func(yield func(backend.SecretRef, error) bool) {
		prefix = backend.CleanPath(prefix)
		paginator := ssm.NewGetParametersByPathPaginator(b.client, &ssm.GetParametersByPathInput{
			Path:      aws.String(parameterName(prefix)),
			Recursive: aws.Bool(true),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				yield(backend.SecretRef{}, handleAWSError(b.name, prefix, err))
				return
			}
			for _, p := range page.Parameters {
				path := strings.TrimPrefix(aws.ToString(p.Name), "/")
				if !yield(backend.NewSecretRef(backend.KindSSM, path), nil) {
					return
				}
			}
		}
	}
}

var _ backend.Backend = (*SSMBackend)(nil)
