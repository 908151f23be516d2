package authorization

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/nhsdigital/nhsd-apim-testauth/pkg/cache"
	"github.com/nhsdigital/nhsd-apim-testauth/pkg/identity"
	"github.com/nhsdigital/nhsd-apim-testauth/pkg/oauth"
	"github.com/rs/zerolog/log"
)

// App is the client registered for the test: its consumer key doubles as the
// API key and the OAuth client id. IdentityServiceURL, when set, is the
// identity service its product routes to and wins over the resolver's.
type App struct {
	ConsumerKey        string
	ConsumerSecret     string
	CallbackURL        string
	IdentityServiceURL string
}

// KeycloakClientSource supplies the mock Keycloak realm clients used by
// separate authentication.
type KeycloakClientSource interface {
	KeycloakClientCredentials(ctx context.Context) (identity.KeycloakClients, error)
}

// ResolverConfig holds what every flow shares. IdentityServiceURL and
// KeycloakURL override the URLs derived from the environment and realm.
type ResolverConfig struct {
	Environment        identity.Environment
	IdentityServiceURL string
	KeycloakURL        string
	KeyID              string
	PrivateKeyPEM      string
	Keycloak           KeycloakClientSource
}

// separateParams is the full input of the separate flow, so it can be used
// as a cache key.
type separateParams struct {
	Keycloak identity.KeycloakUserConfig  `json:"keycloak"`
	Exchange identity.TokenExchangeConfig `json:"exchange"`
}

type cachedFlow[P any] func(context.Context, P, ...cache.FetchOption) (oauth.TokenResponse, error)

// Resolver obtains tokens for declared authorizations. Each flow is a cached
// function, so repeated requests for the same authorization reuse the token
// until it nears expiry.
type Resolver struct {
	cfg  ResolverConfig
	opts []identity.Option

	signedJWT cachedFlow[identity.ClientCredentialsConfig]
	combined  cachedFlow[identity.AuthorizationCodeConfig]
	separate  cachedFlow[separateParams]
}

// NewResolver creates a resolver caching through memo. opts are passed to
// every authenticator.
func NewResolver(cfg ResolverConfig, memo *cache.Memoizer, opts ...identity.Option) *Resolver {
	r := &Resolver{cfg: cfg, opts: opts}

	r.signedJWT = cache.Wrap(memo, "signed-jwt", r.fetchSignedJWT)
	r.combined = cache.Wrap(memo, "combined-auth", r.fetchCombined)
	r.separate = cache.Wrap(memo, "separate-auth", r.fetchSeparate)

	return r
}

// AccessToken returns a token satisfying auth for app. API key access has no
// token and is reported as an *oauth.ConfigError.
func (r *Resolver) AccessToken(ctx context.Context, auth Authorization, app App) (oauth.TokenResponse, error) {
	if err := auth.Validate(); err != nil {
		return oauth.TokenResponse{}, err
	}

	pattern := auth.Pattern()
	force := cache.ForceNewIf(auth.ForceNewToken)

	log.Debug().
		Str("pattern", pattern.String()).
		Str("scope", auth.Scope()).
		Bool("force_new_token", auth.ForceNewToken).
		Msg("resolving access token")

	switch pattern {
	case SignedJWT:
		return r.signedJWT(ctx, r.clientCredentials(app), force)

	case CombinedAuth:
		return r.combined(ctx, identity.AuthorizationCodeConfig{
			Environment:  r.cfg.Environment,
			ClientID:     app.ConsumerKey,
			ClientSecret: app.ConsumerSecret,
			CallbackURL:  app.CallbackURL,
			Scope:        auth.UserScope(),
			LoginForm:    auth.LoginForm,
			AuthorizeURL: r.endpoint(app, "/authorize"),
			TokenURL:     r.endpoint(app, "/token"),
		}, force)

	case SeparateAuth:
		params, err := r.separateParams(ctx, auth, app)
		if err != nil {
			return oauth.TokenResponse{}, err
		}
		return r.separate(ctx, params, force)

	default:
		return oauth.TokenResponse{}, &oauth.ConfigError{
			Config: "authorization",
			Reason: fmt.Sprintf("%s access at %s uses an API key, not an access token", auth.Access, auth.Level),
		}
	}
}

// Headers returns the headers that authorize a request: the apikey header for
// API key access, a bearer token otherwise.
func (r *Resolver) Headers(ctx context.Context, auth Authorization, app App) (http.Header, error) {
	if err := auth.Validate(); err != nil {
		return nil, err
	}

	h := http.Header{}

	if auth.Pattern() == APIKey {
		if app.ConsumerKey == "" {
			return nil, &oauth.ConfigError{Config: "authorization", Fields: []string{"consumer_key"}}
		}
		h.Set("apikey", app.ConsumerKey)
		return h, nil
	}

	tok, err := r.AccessToken(ctx, auth, app)
	if err != nil {
		return nil, err
	}

	h.Set("Authorization", "Bearer "+tok.AccessToken)
	return h, nil
}

func (r *Resolver) endpoint(app App, path string) string {
	base := app.IdentityServiceURL
	if base == "" {
		base = r.cfg.IdentityServiceURL
	}
	if base == "" {
		return ""
	}
	return strings.TrimSuffix(base, "/") + path
}

func (r *Resolver) clientCredentials(app App) identity.ClientCredentialsConfig {
	return identity.ClientCredentialsConfig{
		Environment:   r.cfg.Environment,
		ClientID:      app.ConsumerKey,
		PrivateKeyPEM: r.cfg.PrivateKeyPEM,
		KeyID:         r.cfg.KeyID,
		TokenURL:      r.endpoint(app, "/token"),
	}
}

func (r *Resolver) separateParams(ctx context.Context, auth Authorization, app App) (separateParams, error) {
	if r.cfg.Keycloak == nil {
		return separateParams{}, &oauth.ConfigError{Config: "separate authentication", Fields: []string{"keycloak_client_credentials"}}
	}

	scope := auth.UserScope()

	realm, err := identity.MockRealm(scope, r.cfg.Environment)
	if err != nil {
		return separateParams{}, &oauth.ConfigError{Config: "separate authentication", Reason: err.Error()}
	}

	clients, err := r.cfg.Keycloak.KeycloakClientCredentials(ctx)
	if err != nil {
		return separateParams{}, fmt.Errorf("could not load keycloak client credentials: %w", err)
	}
	client, err := clients.ForScope(scope)
	if err != nil {
		return separateParams{}, err
	}

	return separateParams{
		Keycloak: identity.KeycloakUserConfig{
			Realm:        realm,
			ClientID:     client.ClientID,
			ClientSecret: client.ClientSecret,
			LoginForm:    auth.LoginForm,
			BaseURL:      r.cfg.KeycloakURL,
		},
		Exchange: identity.TokenExchangeConfig{ClientCredentialsConfig: r.clientCredentials(app)},
	}, nil
}

func (r *Resolver) fetchSignedJWT(ctx context.Context, cfg identity.ClientCredentialsConfig) (oauth.TokenResponse, error) {
	auth, err := identity.NewClientCredentials(cfg, r.opts...)
	if err != nil {
		return oauth.TokenResponse{}, err
	}
	return auth.GetToken(ctx)
}

func (r *Resolver) fetchCombined(ctx context.Context, cfg identity.AuthorizationCodeConfig) (oauth.TokenResponse, error) {
	auth, err := identity.NewAuthorizationCode(cfg, r.opts...)
	if err != nil {
		return oauth.TokenResponse{}, err
	}
	return auth.GetToken(ctx)
}

func (r *Resolver) fetchSeparate(ctx context.Context, p separateParams) (oauth.TokenResponse, error) {
	user, err := identity.NewKeycloakUser(p.Keycloak, r.opts...)
	if err != nil {
		return oauth.TokenResponse{}, err
	}

	exchange, err := identity.NewTokenExchange(p.Exchange, user, r.opts...)
	if err != nil {
		return oauth.TokenResponse{}, err
	}

	return exchange.GetToken(ctx)
}
