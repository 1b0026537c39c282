package secrets

import (
	"context"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// Source resolves a secret by name.
type Source interface {
	Fetch(ctx context.Context, name string) (string, error)
}

type GCPSecretManager struct {
	client    *secretmanager.Client
	projectID string
	logger    *logrus.Logger
}

// NewGCPSecretManager uses application default credentials unless credentialsFile is set.
func NewGCPSecretManager(ctx context.Context, projectID, credentialsFile string, logger *logrus.Logger) (*GCPSecretManager, error) {
	if projectID == "" {
		return nil, fmt.Errorf("gcp project id is required")
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create secretmanager client: %w", err)
	}
	return &GCPSecretManager{client: client, projectID: projectID, logger: logger}, nil
}

// Fetch reads the latest version of name.
func (g *GCPSecretManager) Fetch(ctx context.Context, name string) (string, error) {
	result, err := g.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/latest", g.projectID, name),
	})
	if err != nil {
		return "", fmt.Errorf("failed to access secret %s: %w", name, err)
	}
	return strings.TrimSpace(string(result.Payload.Data)), nil
}

func (g *GCPSecretManager) Close() error {
	return g.client.Close()
}

// Target pairs a secret name with the config field it fills.
type Target struct {
	Secret string
	Dest   *string
}

// Fill resolves every target whose destination is still empty and returns the
// secret names it filled. Values already set locally always win; a secret that
// cannot be read leaves its field empty.
func Fill(ctx context.Context, src Source, targets []Target, logger *logrus.Logger) []string {
	var filled []string
	for _, t := range targets {
		if t.Dest == nil || *t.Dest != "" || t.Secret == "" {
			continue
		}
		value, err := src.Fetch(ctx, t.Secret)
		if err != nil {
			logger.WithError(err).WithField("secret", t.Secret).Debug("Secret not available")
			continue
		}
		if value == "" {
			continue
		}
		*t.Dest = value
		filled = append(filled, t.Secret)
	}
	return filled
}

type SecretNames struct {
	APIKey      string `mapstructure:"api_key"`
	APISecret   string `mapstructure:"api_secret"`
	AccessToken string `mapstructure:"access_token"`
	JWTSecret   string `mapstructure:"jwt_secret"`
}

func DefaultSecretNames() SecretNames {
	return SecretNames{
		APIKey:      "kite-api-key",
		APISecret:   "kite-api-secret",
		AccessToken: "kite-access-token",
		JWTSecret:   "kiteexec-jwt-secret",
	}
}

// Targets binds the configured names to the fields they populate.
func (n SecretNames) Targets(apiKey, apiSecret, accessToken, jwtSecret *string) []Target {
	return []Target{
		{Secret: n.APIKey, Dest: apiKey},
		{Secret: n.APISecret, Dest: apiSecret},
		{Secret: n.AccessToken, Dest: accessToken},
		{Secret: n.JWTSecret, Dest: jwtSecret},
	}
}
