package config

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/nhsdigital/nhsd-apim-testauth/pkg/apigee"
	"github.com/nhsdigital/nhsd-apim-testauth/pkg/cache"
	"github.com/nhsdigital/nhsd-apim-testauth/pkg/identity"
	"github.com/nhsdigital/nhsd-apim-testauth/pkg/session"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Apigee   ApigeeConfig
	JWT      JWTConfig
	Identity IdentityConfig
	HTTP     HTTPConfig
	Cache    CacheConfig
	Observe  ObserveConfig
}

// ApigeeConfig locates the proxy under test and the credentials used to
// manage its test app. Credentials are read per organization: nhsd-nonprod
// logs in with a password and TOTP key, nhsd-prod with a password or a
// one-time passcode. An access token skips the login.
type ApigeeConfig struct {
	AccessToken  string `env:"APIGEE_ACCESS_TOKEN"`
	Organization string `env:"APIGEE_ORGANIZATION, default=nhsd-nonprod"`
	Developer    string `env:"APIGEE_DEVELOPER, default=apm-testing-internal-dev@nhs.net"`
	ProxyName    string `env:"APIGEE_PROXY_NAME"`
	Environment  string `env:"APIGEE_ENVIRONMENT"`
	APIName      string `env:"APIGEE_API_NAME"`
	AuthServer   string `env:"APIGEE_AUTH_SERVER"`

	NonProd NonProdCredentials
	Prod    ProdCredentials

	BaseURL  string `env:"APIGEE_BASE_URL"`
	TokenURL string `env:"APIGEE_TOKEN_URL"`
}

type NonProdCredentials struct {
	Username string `env:"APIGEE_NHSD_NONPROD_USERNAME"`
	Password string `env:"APIGEE_NHSD_NONPROD_PASSWORD"`
	OTPKey   string `env:"APIGEE_NHSD_NONPROD_OTP_KEY"`
}

type ProdCredentials struct {
	Username string `env:"APIGEE_NHSD_PROD_USERNAME"`
	Password string `env:"APIGEE_NHSD_PROD_PASSWORD"`
	Passcode string `env:"APIGEE_NHSD_PROD_PASSCODE"`
}

// JWTConfig is the key that signs client assertions. Without a private key a
// new key pair is generated for the session.
type JWTConfig struct {
	KeyID      string `env:"JWT_PUBLIC_KEY_ID, default=test-1"`
	PrivateKey string `env:"JWT_PRIVATE_KEY"`
	KeyBits    int    `env:"JWT_KEY_BITS, default=4096"`
	JWKSURL    string `env:"JWT_JWKS_BASE_URL"`
}

// IdentityConfig overrides the URLs derived from the environment.
type IdentityConfig struct {
	IdentityServiceURL   string `env:"IDENTITY_SERVICE_BASE_URL"`
	KeycloakURL          string `env:"KEYCLOAK_BASE_URL"`
	MockJWKSURL          string `env:"MOCK_JWKS_BASE_URL"`
	StatusEndpointAPIKey string `env:"STATUS_ENDPOINT_API_KEY"`
}

type HTTPConfig struct {
	TimeoutSeconds int `env:"HTTP_TIMEOUT_SECS, default=3"`
}

type CacheConfig struct {
	MaxSize            int `env:"TOKEN_CACHE_MAX_SIZE, default=1000"`
	GracePeriodSeconds int `env:"TOKEN_CACHE_GRACE_PERIOD_SECS, default=5"`
}

type ObserveConfig struct {
	Enabled     bool   `env:"OBSERVE_ENABLED, default=false"`
	ServiceName string `env:"OBSERVE_SERVICE_NAME, default=nhsd-apim-testauth"`
}

func Load(ctx context.Context) (Config, error) {
	return load(ctx, nil) // load from OS environment
}

func load(ctx context.Context, lookup envconfig.Lookuper) (Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookup, // nil defaults to OS environment
	})
	if err != nil {
		return cfg, err
	}

	err = cfg.Apigee.Validate()
	if err != nil {
		return cfg, fmt.Errorf("invalid apigee configuration: %w", err)
	}

	err = cfg.HTTP.Validate()
	if err != nil {
		return cfg, fmt.Errorf("invalid http configuration: %w", err)
	}

	err = cfg.Cache.Validate()
	if err != nil {
		return cfg, fmt.Errorf("invalid cache configuration: %w", err)
	}

	if cfg.Apigee.Environment != "" {
		if _, err := identity.ParseEnvironment(cfg.Apigee.Environment); err != nil {
			return cfg, fmt.Errorf("invalid apigee configuration: %w", err)
		}
	}

	return cfg, nil
}

// Credentials selects the credentials for the configured organization.
func (c ApigeeConfig) Credentials() apigee.Credentials {
	creds := apigee.Credentials{
		Org:         c.Organization,
		AuthServer:  c.AuthServer,
		AccessToken: c.AccessToken,
	}

	if c.AccessToken != "" {
		return creds
	}

	switch c.Organization {
	case apigee.ProdOrg:
		creds.Username = c.Prod.Username
		creds.Password = c.Prod.Password
		creds.Passcode = c.Prod.Passcode
	default:
		creds.Username = c.NonProd.Username
		creds.Password = c.NonProd.Password
		creds.OTPKey = c.NonProd.OTPKey
	}

	return creds
}

// Validate checks that the proxy is named and the organization has a usable
// credential combination.
func (c ApigeeConfig) Validate() error {
	if c.ProxyName == "" {
		return fmt.Errorf("APIGEE_PROXY_NAME is required")
	}

	if c.Organization != apigee.NonProdOrg && c.Organization != apigee.ProdOrg {
		return fmt.Errorf("APIGEE_ORGANIZATION must be %s or %s, got %q", apigee.NonProdOrg, apigee.ProdOrg, c.Organization)
	}

	if c.AccessToken != "" {
		return nil
	}

	if c.Organization == apigee.ProdOrg {
		if c.Prod.Passcode == "" && (c.Prod.Username == "" || c.Prod.Password == "") {
			return fmt.Errorf("APIGEE_NHSD_PROD_PASSCODE or APIGEE_NHSD_PROD_USERNAME and APIGEE_NHSD_PROD_PASSWORD required when APIGEE_ACCESS_TOKEN is not set")
		}
		return nil
	}

	if c.NonProd.Username == "" || c.NonProd.Password == "" || c.NonProd.OTPKey == "" {
		return fmt.Errorf("APIGEE_NHSD_NONPROD_USERNAME, APIGEE_NHSD_NONPROD_PASSWORD and APIGEE_NHSD_NONPROD_OTP_KEY required when APIGEE_ACCESS_TOKEN is not set")
	}

	return nil
}

// Session maps the configuration onto a session.Config. client is shared by
// every outgoing request; nil uses a client with the configured timeout.
func (c Config) Session(client *http.Client) session.Config {
	if client == nil {
		client = &http.Client{Timeout: c.HTTP.Timeout()}
	}

	return session.Config{
		Environment:          identity.Environment(c.Apigee.Environment),
		Apigee:               c.Apigee.Credentials(),
		Developer:            c.Apigee.Developer,
		ProxyName:            c.Apigee.ProxyName,
		APIName:              c.Apigee.APIName,
		KeyID:                c.JWT.KeyID,
		PrivateKeyPEM:        c.JWT.PrivateKey,
		KeyBits:              c.JWT.KeyBits,
		JWKSBaseURL:          c.JWT.JWKSURL,
		StatusEndpointAPIKey: c.Identity.StatusEndpointAPIKey,
		ApigeeBaseURL:        c.Apigee.BaseURL,
		ApigeeTokenURL:       c.Apigee.TokenURL,
		IdentityServiceURL:   c.Identity.IdentityServiceURL,
		KeycloakURL:          c.Identity.KeycloakURL,
		MockJWKSURL:          c.Identity.MockJWKSURL,
		HTTPClient:           client,
		Cache: cache.Config{
			MaxSize:     c.Cache.MaxSize,
			GracePeriod: time.Duration(c.Cache.GracePeriodSeconds) * time.Second,
		},
	}
}

// Validate requires a timeout: every outgoing call must be bounded.
func (c HTTPConfig) Validate() error {
	if c.TimeoutSeconds <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT_SECS must be positive, got %d", c.TimeoutSeconds)
	}
	return nil
}

// Validate checks the cache is bounded and keeps a grace period.
func (c CacheConfig) Validate() error {
	if c.MaxSize <= 0 {
		return fmt.Errorf("TOKEN_CACHE_MAX_SIZE must be positive, got %d", c.MaxSize)
	}
	if c.GracePeriodSeconds <= 0 {
		return fmt.Errorf("TOKEN_CACHE_GRACE_PERIOD_SECS must be positive, got %d", c.GracePeriodSeconds)
	}
	return nil
}

func (c HTTPConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
