package authorization_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/nhsdigital/nhsd-apim-testauth/internal/testhelpers"
	"github.com/nhsdigital/nhsd-apim-testauth/pkg/authorization"
	"github.com/nhsdigital/nhsd-apim-testauth/pkg/cache"
	"github.com/nhsdigital/nhsd-apim-testauth/pkg/identity"
	"github.com/nhsdigital/nhsd-apim-testauth/pkg/keys"
	"github.com/nhsdigital/nhsd-apim-testauth/pkg/oauth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = sync.OnceValues(func() (*keys.KeyPair, error) {
	return keys.Generate("resolver-test", 2048)
})

type staticKeycloak struct {
	clients identity.KeycloakClients
	err     error
	calls   int
}

func (s *staticKeycloak) KeycloakClientCredentials(context.Context) (identity.KeycloakClients, error) {
	s.calls++
	return s.clients, s.err
}

func setup(t *testing.T) (*authorization.Resolver, *testhelpers.MockIdentityServer, authorization.App) {
	t.Helper()

	pair, err := testKey()
	require.NoError(t, err)

	mock := testhelpers.SetupMockIdentityServer(t)
	jwks, err := pair.JWKS()
	require.NoError(t, err)
	require.NoError(t, mock.RegisterJWKS(jwks))

	store, err := cache.New(cache.Config{})
	require.NoError(t, err)

	client := identity.KeycloakClient{ClientID: mock.ClientID, ClientSecret: mock.ClientSecret}

	resolver := authorization.NewResolver(authorization.ResolverConfig{
		Environment:        identity.InternalDev,
		IdentityServiceURL: mock.Server.URL,
		KeycloakURL:        mock.KeycloakURL(),
		KeyID:              pair.KeyID,
		PrivateKeyPEM:      pair.PrivateKeyPEM(),
		Keycloak:           &staticKeycloak{clients: identity.KeycloakClients{CIS2: client, NHSLogin: client}},
	}, cache.NewMemoizer(store))

	app := authorization.App{
		ConsumerKey:    mock.ClientID,
		ConsumerSecret: mock.ClientSecret,
		CallbackURL:    mock.CallbackURL,
	}

	return resolver, mock, app
}

func TestResolver_SignedJWT(t *testing.T) {
	resolver, mock, app := setup(t)
	auth := authorization.Authorization{APIName: "mock-jwks", Access: authorization.Application, Level: "level3"}

	first, err := resolver.AccessToken(context.Background(), auth, app)
	require.NoError(t, err)
	second, err := resolver.AccessToken(context.Background(), auth, app)
	require.NoError(t, err)

	assert.Equal(t, "test-access-token", first.AccessToken)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, mock.TokenRequests)

	auth.ForceNewToken = true
	_, err = resolver.AccessToken(context.Background(), auth, app)
	require.NoError(t, err)
	assert.Equal(t, 2, mock.TokenRequests)
}

func TestResolver_CombinedAuth(t *testing.T) {
	resolver, mock, app := setup(t)
	auth := authorization.Authorization{
		APIName:        "mock-jwks",
		Access:         authorization.HealthcareWorker,
		Level:          "aal3",
		Authentication: authorization.Combined,
		LoginForm:      map[string]string{"username": "555021935107"},
	}

	tok, err := resolver.AccessToken(context.Background(), auth, app)
	require.NoError(t, err)

	assert.Equal(t, "test-access-token", tok.AccessToken)
	assert.Equal(t, "555021935107", mock.LastLogin.Get("username"))
	assert.Equal(t, "xyz", mock.LastLogin.Get("csrf"))

	_, err = resolver.AccessToken(context.Background(), auth, app)
	require.NoError(t, err)
	assert.Equal(t, 1, mock.TokenRequests)
}

func TestResolver_SeparateAuth(t *testing.T) {
	resolver, mock, app := setup(t)
	auth := authorization.Authorization{
		APIName:        "mock-jwks",
		Access:         authorization.Patient,
		Level:          "P9",
		Authentication: authorization.Separate,
		LoginForm:      map[string]string{"username": "9912003071"},
	}

	tok, err := resolver.AccessToken(context.Background(), auth, app)
	require.NoError(t, err)

	assert.Equal(t, "test-access-token", tok.AccessToken)
	assert.Equal(t, "9912003071", mock.LastLogin.Get("username"))
	assert.Equal(t, 2, mock.TokenRequests, "keycloak token and token exchange")

	_, err = resolver.AccessToken(context.Background(), auth, app)
	require.NoError(t, err)
	assert.Equal(t, 2, mock.TokenRequests)
}

func TestResolver_SeparateAuthWithoutKeycloak(t *testing.T) {
	store, err := cache.New(cache.Config{})
	require.NoError(t, err)

	resolver := authorization.NewResolver(authorization.ResolverConfig{Environment: identity.InternalDev}, cache.NewMemoizer(store))
	auth := authorization.Authorization{APIName: "x", Access: authorization.Patient, Level: "P9", Authentication: authorization.Separate}

	_, err = resolver.AccessToken(context.Background(), auth, authorization.App{ConsumerKey: "k"})

	var cfgErr *oauth.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, []string{"keycloak_client_credentials"}, cfgErr.Fields)
}

func TestResolver_SeparateAuthKeycloakFailure(t *testing.T) {
	store, err := cache.New(cache.Config{})
	require.NoError(t, err)

	boom := errors.New("boom")
	resolver := authorization.NewResolver(authorization.ResolverConfig{
		Environment: identity.InternalDev,
		Keycloak:    &staticKeycloak{err: boom},
	}, cache.NewMemoizer(store))
	auth := authorization.Authorization{APIName: "x", Access: authorization.HealthcareWorker, Level: "aal1", Authentication: authorization.Separate}

	_, err = resolver.AccessToken(context.Background(), auth, authorization.App{ConsumerKey: "k"})
	require.ErrorIs(t, err, boom)
}

func TestResolver_ErrorsAreNotCached(t *testing.T) {
	resolver, mock, app := setup(t)
	auth := authorization.Authorization{APIName: "mock-jwks", Access: authorization.Application, Level: "level3"}

	mock.StatusCode = http.StatusInternalServerError
	_, err := resolver.AccessToken(context.Background(), auth, app)

	var httpErr *oauth.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusInternalServerError, httpErr.StatusCode)

	mock.StatusCode = http.StatusOK
	tok, err := resolver.AccessToken(context.Background(), auth, app)
	require.NoError(t, err)
	assert.Equal(t, "test-access-token", tok.AccessToken)
	assert.Equal(t, 2, mock.TokenRequests)
}

func TestResolver_APIKeyHasNoAccessToken(t *testing.T) {
	resolver, mock, app := setup(t)
	auth := authorization.Authorization{APIName: "mock-jwks", Access: authorization.Application, Level: "level0"}

	_, err := resolver.AccessToken(context.Background(), auth, app)

	var cfgErr *oauth.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, 0, mock.RequestCount)
}

func TestResolver_Headers(t *testing.T) {
	resolver, _, app := setup(t)

	h, err := resolver.Headers(context.Background(),
		authorization.Authorization{APIName: "mock-jwks", Access: authorization.Application, Level: "level0"}, app)
	require.NoError(t, err)
	assert.Equal(t, app.ConsumerKey, h.Get("apikey"))
	assert.Empty(t, h.Get("Authorization"))

	h, err = resolver.Headers(context.Background(),
		authorization.Authorization{APIName: "mock-jwks", Access: authorization.Application, Level: "level3"}, app)
	require.NoError(t, err)
	assert.Equal(t, "Bearer test-access-token", h.Get("Authorization"))
	assert.Empty(t, h.Get("apikey"))
}

func TestResolver_HeadersInvalidAuthorization(t *testing.T) {
	resolver, mock, app := setup(t)

	_, err := resolver.Headers(context.Background(), authorization.Authorization{Access: authorization.Patient}, app)

	var cfgErr *oauth.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, 0, mock.RequestCount)
}
