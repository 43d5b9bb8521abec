package backends

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/asr/pkg/backend"
)

// fakeSecretsManager keeps secrets in memory and pages ListSecrets two at a time.
type fakeSecretsManager struct {
	mu       sync.Mutex
	values   map[string]string
	tags     map[string]map[string]string
	tokens   []string
	creates  int
	puts     int
	failWith error
}

func newFakeSecretsManager() *fakeSecretsManager {
	return &fakeSecretsManager{
		values: map[string]string{},
		tags:   map[string]map[string]string{},
	}
}

func smNotFound() error {
	return &types.ResourceNotFoundException{Message: aws.String("Secrets Manager can't find the specified secret.")}
}

func (f *fakeSecretsManager) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	v, ok := f.values[aws.ToString(in.SecretId)]
	if !ok {
		return nil, smNotFound()
	}
	return &secretsmanager.GetSecretValueOutput{Name: in.SecretId, SecretString: aws.String(v)}, nil
}

func (f *fakeSecretsManager) DescribeSecret(_ context.Context, in *secretsmanager.DescribeSecretInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.DescribeSecretOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.ToString(in.SecretId)
	if _, ok := f.values[id]; !ok {
		return nil, smNotFound()
	}
	out := &secretsmanager.DescribeSecretOutput{Name: in.SecretId}
	for k, v := range f.tags[id] {
		out.Tags = append(out.Tags, types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	return out, nil
}

func (f *fakeSecretsManager) ListSecrets(_ context.Context, in *secretsmanager.ListSecretsInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.ListSecretsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	var filter string
	for _, flt := range in.Filters {
		if flt.Key == types.FilterNameStringTypeName && len(flt.Values) > 0 {
			filter = flt.Values[0]
		}
	}
	var names []string
	for name := range f.values {
		if strings.Contains(name, filter) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	start := 0
	if in.NextToken != nil {
		for i, n := range names {
			if n == *in.NextToken {
				start = i
			}
		}
	}
	end := min(start+2, len(names))
	out := &secretsmanager.ListSecretsOutput{}
	for _, n := range names[start:end] {
		out.SecretList = append(out.SecretList, types.SecretListEntry{Name: aws.String(n)})
	}
	if end < len(names) {
		out.NextToken = aws.String(names[end])
	}
	return out, nil
}

func (f *fakeSecretsManager) CreateSecret(_ context.Context, in *secretsmanager.CreateSecretInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	f.tokens = append(f.tokens, aws.ToString(in.ClientRequestToken))
	f.values[aws.ToString(in.Name)] = aws.ToString(in.SecretString)
	return &secretsmanager.CreateSecretOutput{Name: in.Name}, nil
}

func (f *fakeSecretsManager) PutSecretValue(_ context.Context, in *secretsmanager.PutSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.ToString(in.SecretId)
	if _, ok := f.values[id]; !ok {
		return nil, smNotFound()
	}
	f.puts++
	f.tokens = append(f.tokens, aws.ToString(in.ClientRequestToken))
	f.values[id] = aws.ToString(in.SecretString)
	return &secretsmanager.PutSecretValueOutput{Name: in.SecretId}, nil
}

func (f *fakeSecretsManager) TagResource(_ context.Context, in *secretsmanager.TagResourceInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.TagResourceOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.ToString(in.SecretId)
	if _, ok := f.values[id]; !ok {
		return nil, smNotFound()
	}
	if f.tags[id] == nil {
		f.tags[id] = map[string]string{}
	}
	for _, t := range in.Tags {
		f.tags[id][aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return &secretsmanager.TagResourceOutput{}, nil
}

type fakeSTS struct {
	err error
}

func (f *fakeSTS) GetCallerIdentity(context.Context, *sts.GetCallerIdentityInput, ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &sts.GetCallerIdentityOutput{Arn: aws.String("arn:aws:iam::123456789012:user/rotator")}, nil
}

func newTestSecretsManager(t *testing.T, client *fakeSecretsManager, stsClient STSClientAPI) *SecretsManagerBackend {
	t.Helper()
	if stsClient == nil {
		stsClient = &fakeSTS{}
	}
	b, err := NewSecretsManagerBackend(context.Background(), "aws-test", AWSConfig{}, nil,
		WithSecretsManagerClient(client), WithSecretsManagerSTSClient(stsClient))
	require.NoError(t, err)
	return b
}

func TestSecretsManagerBackend_Contract(t *testing.T) {
	backend.RunContractTests(t, backend.ContractTest{
		CreateBackend: func(t *testing.T) backend.Backend {
			return newTestSecretsManager(t, newFakeSecretsManager(), nil)
		},
	})
}

func TestSecretsManagerBackend_CreateThenPut(t *testing.T) {
	fake := newFakeSecretsManager()
	b := newTestSecretsManager(t, fake, nil)
	ctx := context.Background()

	require.NoError(t, b.WritePayload(ctx, "prod/db", backend.Payload{"password": "one"}, true))
	require.NoError(t, b.WritePayload(ctx, "prod/db", backend.Payload{"password": "two"}, true))

	assert.Equal(t, 1, fake.creates)
	assert.Equal(t, 1, fake.puts)
	require.Len(t, fake.tokens, 2)
	assert.NotEqual(t, fake.tokens[0], fake.tokens[1], "each version gets its own request token")
	assert.JSONEq(t, `{"password":"two"}`, fake.values["prod/db"])
}

func TestSecretsManagerBackend_NonStringJSONValues(t *testing.T) {
	fake := newFakeSecretsManager()
	fake.values["prod/db"] = `{"password":"x","port":5432,"tls":true,"opt":null}`
	b := newTestSecretsManager(t, fake, nil)

	got, err := b.ReadPayload(context.Background(), "prod/db")
	require.NoError(t, err)
	assert.Equal(t, backend.Payload{"password": "x", "port": "5432", "tls": "true", "opt": ""}, got)
}

func TestSecretsManagerBackend_NotJSON(t *testing.T) {
	fake := newFakeSecretsManager()
	fake.values["prod/db"] = "plain-text-secret"
	b := newTestSecretsManager(t, fake, nil)

	_, err := b.ReadPayload(context.Background(), "prod/db")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a JSON object")
	assert.NotContains(t, err.Error(), "plain-text-secret")
}

func TestSecretsManagerBackend_TagsPreserved(t *testing.T) {
	fake := newFakeSecretsManager()
	fake.values["prod/db"] = `{"password":"x"}`
	fake.tags["prod/db"] = map[string]string{"team": "payments", "target_username": "app"}
	b := newTestSecretsManager(t, fake, nil)
	ctx := context.Background()

	require.NoError(t, b.WriteMetadata(ctx, "prod/db", backend.RotationMetadata{Enabled: true}))
	assert.Equal(t, "payments", fake.tags["prod/db"]["team"])
	assert.Equal(t, "true", fake.tags["prod/db"]["rotation_enabled"])

	meta, err := b.ReadMetadata(ctx, "prod/db")
	require.NoError(t, err)
	assert.True(t, meta.Enabled)
	user, ok := meta.Lookup(backend.KeyTargetUsername)
	assert.True(t, ok)
	assert.Equal(t, "app", user)
}

func TestSecretsManagerBackend_ListFiltersPrefix(t *testing.T) {
	fake := newFakeSecretsManager()
	for _, n := range []string{"prod/a", "prod/b", "prod/c", "staging/prod/x"} {
		fake.values[n] = `{"password":"x"}`
	}
	b := newTestSecretsManager(t, fake, nil)

	var got []string
	for ref, err := range b.List(context.Background(), "prod") {
		require.NoError(t, err)
		assert.Equal(t, backend.KindAWS, ref.Backend())
		got = append(got, ref.Path())
	}
	assert.Equal(t, []string{"prod/a", "prod/b", "prod/c"}, got)
}

func TestSecretsManagerBackend_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want backend.ErrorClass
	}{
		{"access denied", &smithy.GenericAPIError{Code: "AccessDeniedException", Message: "denied"}, backend.ClassAuth},
		{"expired token", &smithy.GenericAPIError{Code: "ExpiredTokenException"}, backend.ClassAuth},
		{"not found", smNotFound(), backend.ClassNotFound},
		{"throttled", &smithy.GenericAPIError{Code: "ThrottlingException"}, backend.ClassOther},
		{"network", errors.New("dial tcp: connection refused"), backend.ClassConnection},
		{"no credentials", errors.New("failed to retrieve credentials"), backend.ClassAuth},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeSecretsManager()
			fake.failWith = tt.err
			b := newTestSecretsManager(t, fake, nil)

			_, err := b.ReadPayload(context.Background(), "prod/db")
			require.Error(t, err)
			assert.Equal(t, tt.want, backend.Classify(err))
		})
	}
}

func TestSecretsManagerBackend_Validate(t *testing.T) {
	b := newTestSecretsManager(t, newFakeSecretsManager(), nil)
	require.NoError(t, b.Validate(context.Background()))

	b = newTestSecretsManager(t, newFakeSecretsManager(),
		&fakeSTS{err: &smithy.GenericAPIError{Code: "InvalidClientTokenId"}})
	err := b.Validate(context.Background())
	require.Error(t, err)
	assert.True(t, backend.IsAuth(err))
}
