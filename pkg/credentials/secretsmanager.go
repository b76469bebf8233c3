package credentials

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/Ramsey-B/fern/pkg/tracing"
)

// SecretsManagerAPI is the subset of the Secrets Manager client used here.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type SecretsManagerProvider struct {
	api    SecretsManagerAPI
	logger ectologger.Logger
}

func NewSecretsManagerProvider(api SecretsManagerAPI, logger ectologger.Logger) *SecretsManagerProvider {
	return &SecretsManagerProvider{api: api, logger: logger}
}

// NewSecretsManagerProviderFromConfig uses the default AWS credential chain.
func NewSecretsManagerProviderFromConfig(ctx context.Context, region string, logger ectologger.Logger) (*SecretsManagerProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return NewSecretsManagerProvider(secretsmanager.NewFromConfig(cfg), logger), nil
}

func (p *SecretsManagerProvider) Resolve(ctx context.Context, secretID string) (Secret, error) {
	ctx, span := tracing.StartSpan(ctx, "credentials.SecretsManagerProvider.Resolve")
	defer span.End()

	out, err := p.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).WithField("secret_id", secretID).Error("failed to get secret value")
		return nil, err
	}

	// SecretBinary arrives already base64-decoded by the sdk
	if out.SecretString != nil {
		return parseSecret(secretID, []byte(*out.SecretString))
	}
	if len(out.SecretBinary) > 0 {
		return parseSecret(secretID, out.SecretBinary)
	}
	return nil, fmt.Errorf("secret %s has no value", secretID)
}
