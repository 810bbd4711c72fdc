package db

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/rds/auth"
)

// TokenProvider supplies short-lived passwords for cloud IAM authentication.
// The pool calls it once per physical connection.
type TokenProvider interface {
	// GetToken returns a token to use as the PostgreSQL password and its expiry.
	GetToken(ctx context.Context) (token string, expiresOn time.Time, err error)

	// String describes the provider for logs. It must not include secrets.
	String() string
}

// AzurePostgreSQLScope is the OAuth scope for Azure Database for PostgreSQL.
const AzurePostgreSQLScope = "https://ossrdbms-aad.database.windows.net/.default"

// rdsTokenLifetime is how long an RDS IAM token is accepted.
const rdsTokenLifetime = 15 * time.Minute

// AWSIAMTokenProvider builds RDS IAM tokens from the default AWS credential chain.
type AWSIAMTokenProvider struct {
	endpoint string // host:port
	region   string
	username string
}

// NewAWSIAMTokenProvider creates a provider for the RDS endpoint (host:port).
func NewAWSIAMTokenProvider(endpoint, region, username string) (*AWSIAMTokenProvider, error) {
	switch {
	case endpoint == "":
		return nil, fmt.Errorf("AWS IAM auth requires an endpoint (host:port)")
	case region == "":
		return nil, fmt.Errorf("AWS IAM auth requires a region (pool.aws_region or $AWS_REGION)")
	case username == "":
		return nil, fmt.Errorf("AWS IAM auth requires a database username")
	}
	return &AWSIAMTokenProvider{endpoint: endpoint, region: region, username: username}, nil
}

// GetToken signs a fresh RDS auth token.
func (p *AWSIAMTokenProvider) GetToken(ctx context.Context) (string, time.Time, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(p.region))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to load AWS config: %w", err)
	}

	token, err := auth.BuildAuthToken(ctx, p.endpoint, p.region, p.username, cfg.Credentials)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to build RDS auth token: %w", err)
	}
	return token, time.Now().Add(rdsTokenLifetime), nil
}

func (p *AWSIAMTokenProvider) String() string {
	return fmt.Sprintf("AWSIAM(endpoint=%s, region=%s, user=%s)", p.endpoint, p.region, p.username)
}

// AzureTokenProvider acquires Entra ID tokens from an azcore credential.
type AzureTokenProvider struct {
	credential azcore.TokenCredential
	desc       string
}

// NewAzureTokenProvider uses a service principal when tenant, client and secret
// are all set, and the DefaultAzureCredential chain otherwise.
func NewAzureTokenProvider(tenantID, clientID, clientSecret string) (*AzureTokenProvider, error) {
	if tenantID != "" && clientID != "" && clientSecret != "" {
		cred, err := azidentity.NewClientSecretCredential(tenantID, clientID, clientSecret, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure service principal credential: %w", err)
		}
		return &AzureTokenProvider{
			credential: cred,
			desc:       fmt.Sprintf("AzureServicePrincipal(tenant=%s, client=%s)", tenantID, clientID),
		}, nil
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure default credential: %w", err)
	}
	return &AzureTokenProvider{credential: cred, desc: "AzureDefaultCredential"}, nil
}

// GetToken requests a token for the PostgreSQL scope.
func (p *AzureTokenProvider) GetToken(ctx context.Context) (string, time.Time, error) {
	token, err := p.credential.GetToken(ctx, policy.TokenRequestOptions{
		Scopes: []string{AzurePostgreSQLScope},
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("azure token acquisition failed: %w", err)
	}
	return token.Token, token.ExpiresOn, nil
}

func (p *AzureTokenProvider) String() string {
	return p.desc
}
