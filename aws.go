package harness

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/appsync"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"
)

// LoadAWSConfig loads the default AWS configuration. When an endpoint
// override is configured (LocalStack) every client uses it, with dummy
// static credentials unless some are set in the environment. Calls are
// traced with the otelaws middlewares, the SDK keeps its own HTTP client so
// a configured CA bundle still applies.
func LoadAWSConfig(ctx context.Context, cfg *Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AWSEndpoint != "" && os.Getenv("AWS_ACCESS_KEY_ID") == "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("test", "test", ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if cfg.AWSEndpoint != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.AWSEndpoint)
	}
	otelaws.AppendMiddlewares(&awsCfg.APIOptions)

	log.WithFields(log.Fields{
		"region":   awsCfg.Region,
		"endpoint": cfg.AWSEndpoint,
	}).Debug("AWS config loaded")
	return awsCfg, nil
}

// AWSClients holds the service clients built from one AWS configuration.
type AWSClients struct {
	CloudFormation *cloudformation.Client
	Cognito        *cognitoidentityprovider.Client
	SecretsManager *secretsmanager.Client
	DynamoDB       *dynamodb.Client
	AppSync        *appsync.Client
}

// NewAWSClients builds every service client from the configuration.
func NewAWSClients(awsCfg aws.Config) *AWSClients {
	return &AWSClients{
		CloudFormation: cloudformation.NewFromConfig(awsCfg),
		Cognito:        cognitoidentityprovider.NewFromConfig(awsCfg),
		SecretsManager: secretsmanager.NewFromConfig(awsCfg),
		DynamoDB:       dynamodb.NewFromConfig(awsCfg),
		AppSync:        appsync.NewFromConfig(awsCfg),
	}
}

// Clients returns the clients as the orchestrator interfaces.
func (c *AWSClients) Clients() Clients {
	return Clients{
		Stacks:     c.CloudFormation,
		Identities: c.Cognito,
		Passwords:  c.SecretsManager,
		Tables:     c.DynamoDB,
		Templates:  c.AppSync,
		Schemas:    c.AppSync,
	}
}

// NewAWSOrchestrator loads the AWS configuration and returns an orchestrator
// using the real service clients.
func NewAWSOrchestrator(ctx context.Context, cfg *Config) (*Orchestrator, error) {
	awsCfg, err := LoadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewOrchestrator(cfg, NewAWSClients(awsCfg).Clients()), nil
}
