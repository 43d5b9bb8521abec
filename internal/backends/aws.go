package backends

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/cockroachdb/errors"

	"github.com/systmms/asr/pkg/backend"
)

// DefaultAWSRegion is used when neither configuration nor AWS_REGION names one.
const DefaultAWSRegion = "us-east-1"

// AWSConfig holds the settings shared by the AWS backends
type AWSConfig struct {
	Region   string `yaml:"region"`
	Profile  string `yaml:"profile"`
	Endpoint string `yaml:"endpoint"` // Optional custom endpoint for LocalStack or testing

	// Static credentials, for LocalStack and testing only
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`

	// Role to assume on top of the resolved credentials
	AssumeRole      string `yaml:"assume_role"`
	ExternalID      string `yaml:"external_id"`
	RoleSessionName string `yaml:"role_session_name"`
}

// STSClientAPI is the subset of STS used to check credentials
type STSClientAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

func loadAWSConfig(ctx context.Context, c AWSConfig) (aws.Config, error) {
	region := c.Region
	if region == "" {
		region = DefaultAWSRegion
	}

	configOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if c.Profile != "" {
		configOpts = append(configOpts, awsconfig.WithSharedConfigProfile(c.Profile))
	}
	if c.AccessKeyID != "" && c.SecretAccessKey != "" {
		configOpts = append(configOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKeyID, c.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return aws.Config{}, backend.MarkConfig(errors.Wrap(err, "load AWS config"))
	}

	if c.AssumeRole != "" {
		sessionName := c.RoleSessionName
		if sessionName == "" {
			sessionName = fmt.Sprintf("asr-%d", time.Now().Unix())
		}
		provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(cfg), c.AssumeRole, func(o *stscreds.AssumeRoleOptions) {
			o.RoleSessionName = sessionName
			if c.ExternalID != "" {
				o.ExternalID = aws.String(c.ExternalID)
			}
		})
		cfg.Credentials = aws.NewCredentialsCache(provider)
	}
	return cfg, nil
}

// checkCallerIdentity confirms the configured credentials are accepted
func checkCallerIdentity(ctx context.Context, name string, client STSClientAPI) (string, error) {
	out, err := client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", handleAWSError(name, "", err)
	}
	return aws.ToString(out.Arn), nil
}
