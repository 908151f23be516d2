// Package session wires a test session together: it logs in to Apigee,
// creates the ephemeral test app publishing a fresh signing key, and resolves
// declared authorizations into credentials, tokens and headers for the proxy
// under test. Close deletes everything the session created.
package session

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/nhsdigital/nhsd-apim-testauth/pkg/apigee"
	"github.com/nhsdigital/nhsd-apim-testauth/pkg/authorization"
	"github.com/nhsdigital/nhsd-apim-testauth/pkg/cache"
	"github.com/nhsdigital/nhsd-apim-testauth/pkg/identity"
	"github.com/nhsdigital/nhsd-apim-testauth/pkg/keys"
	"github.com/nhsdigital/nhsd-apim-testauth/pkg/oauth"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

const (
	// DefaultDeveloper owns the test apps.
	DefaultDeveloper = "apm-testing-internal-dev@nhs.net"

	// DefaultKeyID is the kid of the session signing key.
	DefaultKeyID = "test-1"
)

// Config describes a session. Environment, when empty, is the environment
// the proxy under test is deployed to. The URL fields override the public
// endpoints and exist for tests.
type Config struct {
	Environment identity.Environment
	Apigee      apigee.Credentials
	Developer   string
	ProxyName   string
	APIName     string

	KeyID                string
	PrivateKeyPEM        string
	KeyBits              int
	JWKSBaseURL          string
	StatusEndpointAPIKey string

	ApigeeBaseURL      string
	ApigeeTokenURL     string
	IdentityServiceURL string
	KeycloakURL        string
	MockJWKSURL        string

	HTTPClient *http.Client
	Cache      cache.Config
	Clock      clockwork.Clock
}

// Validate reports missing fields as an *oauth.ConfigError.
func (c Config) Validate() error {
	if err := oauth.Required("session",
		oauth.Field("proxy_name", c.ProxyName),
		oauth.Field("developer", c.Developer),
		oauth.Field("key_id", c.KeyID),
	); err != nil {
		return err
	}

	if c.Environment != "" {
		if _, err := identity.ParseEnvironment(string(c.Environment)); err != nil {
			return &oauth.ConfigError{Config: "session", Reason: err.Error()}
		}
	}

	return c.Apigee.Validate()
}

func (c Config) withDefaults() Config {
	if c.Developer == "" {
		c.Developer = DefaultDeveloper
	}
	if c.KeyID == "" {
		c.KeyID = DefaultKeyID
	}
	if c.Apigee.Org == "" {
		c.Apigee.Org = apigee.NonProdOrg
	}
	if c.HTTPClient == nil {
		c.HTTPClient = oauth.DefaultClient()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Cache.Clock == nil {
		c.Cache.Clock = c.Clock
	}
	return c
}

// Session is one test session. It is safe for concurrent use.
type Session struct {
	cfg      Config
	env      identity.Environment
	apiName  string
	proxyURL string

	client   *apigee.Client
	pair     *keys.KeyPair
	app      *apigee.TestApp
	secrets  *apigee.MockJWKS
	resolver *authorization.Resolver
	hooks    TeardownHooks

	mu       sync.Mutex
	products []apigee.Product
}

// New looks up the proxy under test and creates the test app. On failure
// anything already created is removed.
func New(ctx context.Context, cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []apigee.Option{apigee.WithHTTPClient(cfg.HTTPClient), apigee.WithClock(cfg.Clock)}
	if cfg.ApigeeBaseURL != "" {
		opts = append(opts, apigee.WithBaseURL(cfg.ApigeeBaseURL))
	}
	if cfg.ApigeeTokenURL != "" {
		opts = append(opts, apigee.WithTokenURL(cfg.ApigeeTokenURL))
	}

	client, err := apigee.NewClient(cfg.Apigee, opts...)
	if err != nil {
		return nil, err
	}

	proxy, err := client.Proxy(ctx, cfg.ProxyName)
	if err != nil {
		return nil, fmt.Errorf("could not find proxy under test: %w", err)
	}
	proxyURL, err := proxy.URL()
	if err != nil {
		return nil, err
	}

	env := cfg.Environment
	if env == "" {
		env, err = identity.ParseEnvironment(proxy.Environment)
		if err != nil {
			return nil, fmt.Errorf("proxy %s: %w", cfg.ProxyName, err)
		}
	}

	apiName := cfg.APIName
	if apiName == "" {
		apiName = strings.TrimSuffix(cfg.ProxyName, "-"+string(env))
	}

	pair, err := signingKey(cfg)
	if err != nil {
		return nil, err
	}

	// the key is always published through the internal-dev mock-jwks proxy
	jwksURL, err := pair.JWKSURL(cfg.JWKSBaseURL)
	if err != nil {
		return nil, err
	}

	app, err := apigee.CreateTestApp(ctx, client.Apps(cfg.Developer), jwksURL, cfg.Clock)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:      cfg,
		env:      env,
		apiName:  apiName,
		proxyURL: proxyURL,
		client:   client,
		pair:     pair,
		app:      app,
	}
	s.hooks.AddContext("delete test app", app.Delete)

	mockJWKSURL := cfg.MockJWKSURL
	if mockJWKSURL == "" {
		mockJWKSURL = apigee.MockJWKSBaseURL(env)
	}
	s.secrets = apigee.NewMockJWKS(apigee.MockJWKSConfig{
		BaseURL:              mockJWKSURL,
		StatusEndpointAPIKey: cfg.StatusEndpointAPIKey,
		APIKey:               s.mockJWKSAPIKey,
		Client:               cfg.HTTPClient,
	})

	tokens, err := cache.New(cfg.Cache)
	if err != nil {
		return nil, s.abort(ctx, err)
	}

	s.resolver = authorization.NewResolver(authorization.ResolverConfig{
		Environment:        env,
		IdentityServiceURL: cfg.IdentityServiceURL,
		KeycloakURL:        cfg.KeycloakURL,
		KeyID:              pair.KeyID,
		PrivateKeyPEM:      pair.PrivateKeyPEM(),
		Keycloak:           s.secrets,
	}, cache.NewMemoizer(tokens), identity.WithHTTPClient(cfg.HTTPClient), identity.WithClock(cfg.Clock))

	log.Info().
		Str("proxy", cfg.ProxyName).
		Str("environment", string(env)).
		Str("app", app.Name()).
		Str("kid", pair.KeyID).
		Msg("test session started")

	return s, nil
}

func signingKey(cfg Config) (*keys.KeyPair, error) {
	var opts []keys.Option
	if cfg.KeyBits > 0 {
		opts = append(opts, keys.WithBits(cfg.KeyBits))
	}
	store := keys.NewStore(opts...)

	if cfg.PrivateKeyPEM != "" {
		return store.Load(cfg.KeyID, cfg.PrivateKeyPEM)
	}
	return store.Get(cfg.KeyID)
}

func (s *Session) abort(ctx context.Context, err error) error {
	if cerr := s.hooks.Execute(ctx); cerr != nil {
		log.Warn().Err(cerr).Msg("could not clean up after failed session start")
	}
	return err
}

// Environment is the Apigee environment under test.
func (s *Session) Environment() identity.Environment { return s.env }

// APIName is the default api_name of authorizations.
func (s *Session) APIName() string { return s.apiName }

// ProxyURL is the public URL of the proxy under test.
func (s *Session) ProxyURL() string { return s.proxyURL }

// KeyPair is the key published through the test app's JWKS URL.
func (s *Session) KeyPair() *keys.KeyPair { return s.pair }

// TestApp is the ephemeral app.
func (s *Session) TestApp() *apigee.TestApp { return s.app }

// Products lists the organization's products once per session.
func (s *Session) Products(ctx context.Context) ([]apigee.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.products != nil {
		return s.products, nil
	}

	products, err := s.client.Products(ctx)
	if err != nil {
		return nil, err
	}
	s.products = products

	return products, nil
}

// Product returns the product that grants the proxy under test with scope.
func (s *Session) Product(ctx context.Context, scope string) (apigee.Product, error) {
	products, err := s.Products(ctx)
	if err != nil {
		return apigee.Product{}, err
	}
	return apigee.ProductWithScope(products, s.cfg.ProxyName, scope)
}

// Credentials returns test app credentials subscribed to the product
// satisfying auth.
func (s *Session) Credentials(ctx context.Context, auth authorization.Authorization) (apigee.Credential, error) {
	product, err := s.Product(ctx, auth.WithDefaults(s.apiName).Scope())
	if err != nil {
		return apigee.Credential{}, err
	}
	return s.app.CredentialsFor(ctx, product.Name)
}

// IdentityServiceURL returns the identity service the product routes to. A
// configured URL wins; a product without an identity service uses the
// environment's default.
func (s *Session) IdentityServiceURL(ctx context.Context, product apigee.Product) (string, error) {
	if s.cfg.IdentityServiceURL != "" {
		return s.cfg.IdentityServiceURL, nil
	}

	name, ok := apigee.IdentityServiceProxy(product)
	if !ok {
		return s.env.IdentityServiceBaseURL(), nil
	}

	proxy, err := s.client.Proxy(ctx, name)
	if err != nil {
		return "", fmt.Errorf("could not find identity service proxy: %w", err)
	}
	return proxy.URL()
}

// App returns the authorization client for auth: credentials for the
// matching product and the identity service that product uses.
func (s *Session) App(ctx context.Context, auth authorization.Authorization) (authorization.App, error) {
	auth = auth.WithDefaults(s.apiName)
	if err := auth.Validate(); err != nil {
		return authorization.App{}, err
	}

	product, err := s.Product(ctx, auth.Scope())
	if err != nil {
		return authorization.App{}, err
	}

	cred, err := s.app.CredentialsFor(ctx, product.Name)
	if err != nil {
		return authorization.App{}, err
	}

	app := authorization.App{
		ConsumerKey:    cred.ConsumerKey,
		ConsumerSecret: cred.ConsumerSecret,
		CallbackURL:    s.app.CallbackURL(),
	}

	if auth.Pattern() != authorization.APIKey {
		app.IdentityServiceURL, err = s.IdentityServiceURL(ctx, product)
		if err != nil {
			return authorization.App{}, err
		}
	}

	return app, nil
}

// AccessToken returns a token for auth. Tokens are cached for the session.
func (s *Session) AccessToken(ctx context.Context, auth authorization.Authorization) (oauth.TokenResponse, error) {
	auth = auth.WithDefaults(s.apiName)

	app, err := s.App(ctx, auth)
	if err != nil {
		return oauth.TokenResponse{}, err
	}
	return s.resolver.AccessToken(ctx, auth, app)
}

// Headers returns the headers that authorize a call to the proxy under test.
func (s *Session) Headers(ctx context.Context, auth authorization.Authorization) (http.Header, error) {
	auth = auth.WithDefaults(s.apiName)

	app, err := s.App(ctx, auth)
	if err != nil {
		return nil, err
	}
	return s.resolver.Headers(ctx, auth, app)
}

// TokenSource adapts auth to oauth2.TokenSource for use with oauth2.NewClient.
func (s *Session) TokenSource(ctx context.Context, auth authorization.Authorization) oauth2.TokenSource {
	return identity.TokenSource(ctx, identity.AuthenticatorFunc(func(ctx context.Context) (oauth.TokenResponse, error) {
		return s.AccessToken(ctx, auth)
	}), identity.WithClock(s.cfg.Clock))
}

// StatusEndpointHeaders authorize calls to the proxy's _status endpoint.
func (s *Session) StatusEndpointHeaders(ctx context.Context) (http.Header, error) {
	key, err := s.secrets.StatusEndpointAPIKey(ctx)
	if err != nil {
		return nil, err
	}

	h := http.Header{}
	h.Set("apikey", key)
	return h, nil
}

// KeycloakClientCredentials returns the mock Keycloak realm clients.
func (s *Session) KeycloakClientCredentials(ctx context.Context) (identity.KeycloakClients, error) {
	return s.secrets.KeycloakClientCredentials(ctx)
}

// AddTeardown registers cleanup to run on Close, after the session's own.
func (s *Session) AddTeardown(name string, hook func(context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks.AddContext(name, hook)
}

// Close runs the teardown hooks. Every hook runs even when one fails.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log.Info().Str("app", s.app.Name()).Msg("closing test session")
	return s.hooks.Execute(ctx)
}

// mockJWKSAPIKey subscribes the test app to the environment's mock-jwks
// product. Environments without one get an empty key.
func (s *Session) mockJWKSAPIKey(ctx context.Context) (string, error) {
	if !apigee.HasMockJWKSProduct(s.env) {
		return "", nil
	}

	cred, err := s.app.CredentialsFor(ctx, apigee.MockJWKSProduct(s.env))
	if err != nil {
		return "", err
	}
	return cred.ConsumerKey, nil
}
