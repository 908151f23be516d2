package apigee

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/nhsdigital/nhsd-apim-testauth/pkg/identity"
	"github.com/nhsdigital/nhsd-apim-testauth/pkg/oauth"
	"github.com/rs/zerolog/log"
)

// MockJWKSBaseURL is the mock-jwks proxy of an environment.
func MockJWKSBaseURL(env identity.Environment) string {
	if env == "" {
		env = identity.DefaultEnvironment
	}
	return fmt.Sprintf("https://%s.api.service.nhs.uk/mock-jwks", env)
}

// MockJWKSProduct is the product that grants an app access to mock-jwks.
func MockJWKSProduct(env identity.Environment) string {
	return "mock-jwks-" + string(env)
}

// HasMockJWKSProduct reports whether apps in env can subscribe to mock-jwks.
// Integration, production and sandbox environments have no such product.
func HasMockJWKSProduct(env identity.Environment) bool {
	switch env {
	case identity.Int, identity.Prod, identity.InternalDevSandbox, identity.InternalQASandbox:
		return false
	default:
		return true
	}
}

// APIKeyFunc supplies the API key for the mock-jwks proxy.
type APIKeyFunc func(ctx context.Context) (string, error)

// MockJWKSConfig configures MockJWKS. StatusEndpointAPIKey, when set, is
// returned without calling the proxy.
type MockJWKSConfig struct {
	BaseURL              string
	StatusEndpointAPIKey string
	APIKey               APIKeyFunc
	Client               *http.Client
}

// MockJWKS reads the secrets the mock-jwks proxy publishes. Each secret is
// fetched once and then reused; failures are not remembered.
type MockJWKS struct {
	cfg MockJWKSConfig

	mu        sync.Mutex
	keycloak  *identity.KeycloakClients
	statusKey string
}

// NewMockJWKS creates a reader for the proxy at cfg.BaseURL.
func NewMockJWKS(cfg MockJWKSConfig) *MockJWKS {
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Client == nil {
		cfg.Client = oauth.DefaultClient()
	}
	if cfg.APIKey == nil {
		cfg.APIKey = func(context.Context) (string, error) { return "", nil }
	}

	return &MockJWKS{cfg: cfg, statusKey: cfg.StatusEndpointAPIKey}
}

// KeycloakClientCredentials returns the mock Keycloak realm clients.
func (m *MockJWKS) KeycloakClientCredentials(ctx context.Context) (identity.KeycloakClients, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.keycloak != nil {
		return *m.keycloak, nil
	}

	reply, err := m.get(ctx, "mock-jwks keycloak client credentials", "/keycloak-client-credentials")
	if err != nil {
		return identity.KeycloakClients{}, err
	}

	var clients identity.KeycloakClients
	if err := json.Unmarshal(reply.Body, &clients); err != nil {
		return identity.KeycloakClients{}, fmt.Errorf("invalid keycloak client credentials: %w", err)
	}

	m.keycloak = &clients
	log.Debug().Msg("loaded keycloak client credentials")

	return clients, nil
}

// StatusEndpointAPIKey returns the key that authorizes calls to _status
// endpoints.
func (m *MockJWKS) StatusEndpointAPIKey(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.statusKey != "" {
		return m.statusKey, nil
	}

	reply, err := m.get(ctx, "mock-jwks status endpoint api key", "/status-endpoint-api-key")
	if err != nil {
		return "", err
	}

	m.statusKey = strings.TrimSpace(string(reply.Body))
	return m.statusKey, nil
}

func (m *MockJWKS) get(ctx context.Context, step, path string) (*oauth.Reply, error) {
	if m.cfg.BaseURL == "" {
		return nil, &oauth.ConfigError{Config: "mock-jwks", Fields: []string{"base_url"}}
	}

	apiKey, err := m.cfg.APIKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: could not get api key: %w", step, err)
	}

	reply, err := oauth.Get(ctx, m.cfg.Client, m.cfg.BaseURL+path, nil, oauth.WithHeader("apikey", apiKey))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", step, err)
	}

	if err := reply.Expect(step, oauth.StatusSuccess); err != nil {
		return nil, err
	}

	return reply, nil
}
