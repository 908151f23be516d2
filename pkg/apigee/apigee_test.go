package apigee_test

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nhsdigital/nhsd-apim-testauth/internal/testhelpers"
	"github.com/nhsdigital/nhsd-apim-testauth/pkg/apigee"
	"github.com/nhsdigital/nhsd-apim-testauth/pkg/identity"
	"github.com/nhsdigital/nhsd-apim-testauth/pkg/oauth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T, mock *testhelpers.MockApigeeServer, creds apigee.Credentials, opts ...apigee.Option) *apigee.Client {
	t.Helper()

	if creds.Org == "" {
		creds.Org = mock.Org
	}

	opts = append([]apigee.Option{
		apigee.WithBaseURL(mock.BaseURL()),
		apigee.WithTokenURL(mock.TokenURL()),
	}, opts...)

	client, err := apigee.NewClient(creds, opts...)
	require.NoError(t, err)

	return client
}

func passwordCreds(mock *testhelpers.MockApigeeServer) apigee.Credentials {
	return apigee.Credentials{Username: mock.Username, Password: mock.Password, OTPKey: mock.OTPKey}
}

func TestClient_PasswordLoginWithOTP(t *testing.T) {
	mock := testhelpers.SetupMockApigeeServer(t)
	mock.OTPKey = "JBSWY3DPEHPK3PXP"

	client := newClient(t, mock, passwordCreds(mock))

	names, err := client.Apps(mock.Developer).List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names)

	_, err = client.Products(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, mock.LoginRequests, "token is reused while valid")
}

func TestClient_BadPassword(t *testing.T) {
	mock := testhelpers.SetupMockApigeeServer(t)

	client := newClient(t, mock, apigee.Credentials{Username: mock.Username, Password: "wrong"})

	_, err := client.Products(context.Background())

	var httpErr *oauth.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)
	assert.Equal(t, "apigee login", httpErr.Step)
}

func TestClient_Passcode(t *testing.T) {
	mock := testhelpers.SetupMockApigeeServer(t)
	mock.Passcode = "246810"

	client := newClient(t, mock, apigee.Credentials{Passcode: "246810"})

	_, err := client.Products(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, mock.LoginRequests)
}

func TestClient_PasscodeWinsOverPassword(t *testing.T) {
	mock := testhelpers.SetupMockApigeeServer(t)
	mock.Org = apigee.ProdOrg
	mock.Passcode = "135790"

	client := newClient(t, mock, apigee.Credentials{
		Org:      apigee.ProdOrg,
		Username: mock.Username,
		Password: "not-the-password",
		Passcode: "135790",
	})

	_, err := client.Products(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "135790", mock.LastLogin.Get("passcode"))
	assert.Empty(t, mock.LastLogin.Get("username"), "username is not sent with a passcode")
	assert.Empty(t, mock.LastLogin.Get("password"))
}

func TestClient_ReauthenticatesWhenTokenExpires(t *testing.T) {
	mock := testhelpers.SetupMockApigeeServer(t)
	clock := clockwork.NewFakeClockAt(time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC))
	mock.Clock = clock

	client := newClient(t, mock, passwordCreds(mock), apigee.WithClock(clock))
	apps := client.Apps(mock.Developer)

	_, err := apps.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, mock.LoginRequests)

	clock.Advance(30 * time.Minute)
	_, err = apps.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, mock.LoginRequests)

	clock.Advance(31 * time.Minute)
	_, err = apps.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, mock.LoginRequests)
}

func TestClient_AccessToken(t *testing.T) {
	mock := testhelpers.SetupMockApigeeServer(t)

	client := newClient(t, mock, apigee.Credentials{AccessToken: mock.Token(t)})

	_, err := client.Products(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, mock.LoginRequests)
}

func TestClient_ProductsPaging(t *testing.T) {
	mock := testhelpers.SetupMockApigeeServer(t)
	for i := range 1500 {
		mock.Products = append(mock.Products, testhelpers.MockProduct{Name: fmt.Sprintf("product-%04d", i)})
	}

	client := newClient(t, mock, passwordCreds(mock))

	products, err := client.Products(context.Background())
	require.NoError(t, err)

	assert.Len(t, products, 1501)
	assert.Equal(t, 2, mock.ProductPageRequests)

	seen := make(map[string]bool)
	for _, p := range products {
		assert.False(t, seen[p.Name], "duplicate product %s", p.Name)
		seen[p.Name] = true
	}
}

func TestClient_Proxy(t *testing.T) {
	mock := testhelpers.SetupMockApigeeServer(t)
	mock.Proxies["spread"] = testhelpers.MockProxy{Environments: []string{"internal-dev", "internal-qa"}, Revision: "2", BasePaths: []string{"spread"}}
	mock.Proxies["stopped"] = testhelpers.MockProxy{Revision: "3", BasePaths: []string{"stopped"}, Undeployed: true}

	client := newClient(t, mock, passwordCreds(mock))

	proxy, err := client.Proxy(context.Background(), "mock-jwks-internal-dev")
	require.NoError(t, err)
	assert.Equal(t, "7", proxy.Revision)
	assert.Equal(t, "internal-dev", proxy.Environment)

	u, err := proxy.URL()
	require.NoError(t, err)
	assert.Equal(t, "https://internal-dev.api.service.nhs.uk/mock-jwks", u)

	_, err = client.Proxy(context.Background(), "spread")
	assert.EqualError(t, err, "proxy spread is deployed to 2 environments, expected 1")

	_, err = client.Proxy(context.Background(), "stopped")
	assert.EqualError(t, err, "proxy stopped has no deployed revision in internal-dev")

	_, err = client.Proxy(context.Background(), "missing")
	var httpErr *oauth.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)
}

func TestTestApp_Lifecycle(t *testing.T) {
	mock := testhelpers.SetupMockApigeeServer(t)
	client := newClient(t, mock, passwordCreds(mock))
	apps := client.Apps(mock.Developer)
	ctx := context.Background()

	app, err := apigee.CreateTestApp(ctx, apps, "https://internal-dev.api.service.nhs.uk/mock-jwks/e30=", nil)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(app.Name(), "apim-auto-"))
	assert.Equal(t, apigee.TestAppCallbackURL, app.CallbackURL())
	assert.Equal(t, []string{app.Name()}, mock.AppNames())
	assert.Equal(t, "https://internal-dev.api.service.nhs.uk/mock-jwks/e30=", mock.AppAttribute(app.Name(), apigee.JWKSResourceURLAttribute))

	state, err := app.State(ctx)
	require.NoError(t, err)
	jwksURL, ok := state.Attribute(apigee.JWKSResourceURLAttribute)
	assert.True(t, ok)
	assert.Equal(t, "https://internal-dev.api.service.nhs.uk/mock-jwks/e30=", jwksURL)

	first, err := app.CredentialsFor(ctx, "mock-jwks-internal-dev")
	require.NoError(t, err)
	assert.NotEmpty(t, first.ConsumerKey)
	assert.NotEmpty(t, first.ConsumerSecret)

	again, err := app.CredentialsFor(ctx, "mock-jwks-internal-dev")
	require.NoError(t, err)
	assert.Equal(t, first.ConsumerKey, again.ConsumerKey, "existing credentials are reused")

	mock.ExpireCredentials(app.Name())
	renewed, err := app.CredentialsFor(ctx, "mock-jwks-internal-dev")
	require.NoError(t, err)
	assert.NotEqual(t, first.ConsumerKey, renewed.ConsumerKey, "expired credentials are replaced")

	require.NoError(t, app.Delete(ctx))
	assert.Empty(t, mock.AppNames())

	err = app.Delete(ctx)
	var httpErr *oauth.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)
}

func TestMockJWKS(t *testing.T) {
	mock := testhelpers.SetupMockApigeeServer(t)
	client := newClient(t, mock, passwordCreds(mock))
	ctx := context.Background()

	app, err := apigee.CreateTestApp(ctx, client.Apps(mock.Developer), "https://example.org/jwks", nil)
	require.NoError(t, err)

	apiKey := func(ctx context.Context) (string, error) {
		cred, err := app.CredentialsFor(ctx, apigee.MockJWKSProduct(identity.InternalDev))
		return cred.ConsumerKey, err
	}

	secrets := apigee.NewMockJWKS(apigee.MockJWKSConfig{BaseURL: mock.MockJWKSURL(), APIKey: apiKey})

	clients, err := secrets.KeycloakClientCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, identity.KeycloakClient{ClientID: "cis2-client", ClientSecret: "cis2-secret"}, clients.CIS2)
	assert.Equal(t, identity.KeycloakClient{ClientID: "nhs-login-client", ClientSecret: "nhs-login-secret"}, clients.NHSLogin)

	_, err = secrets.KeycloakClientCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, mock.KeycloakRequests, "fetched once")

	key, err := secrets.StatusEndpointAPIKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, "status-key", key)
	assert.Equal(t, 1, mock.StatusKeyRequests)
}

func TestMockJWKS_ConfiguredStatusKeyWins(t *testing.T) {
	mock := testhelpers.SetupMockApigeeServer(t)

	secrets := apigee.NewMockJWKS(apigee.MockJWKSConfig{BaseURL: mock.MockJWKSURL(), StatusEndpointAPIKey: "from-config"})

	key, err := secrets.StatusEndpointAPIKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "from-config", key)
	assert.Equal(t, 0, mock.RequestCount)
}

func TestMockJWKS_Unauthorized(t *testing.T) {
	mock := testhelpers.SetupMockApigeeServer(t)

	secrets := apigee.NewMockJWKS(apigee.MockJWKSConfig{
		BaseURL: mock.MockJWKSURL(),
		APIKey:  func(context.Context) (string, error) { return "nope", nil },
	})

	_, err := secrets.KeycloakClientCredentials(context.Background())

	var httpErr *oauth.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)

	// failures are not remembered
	_, err = secrets.KeycloakClientCredentials(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, mock.KeycloakRequests)
}

func TestMockJWKSHelpers(t *testing.T) {
	assert.Equal(t, "https://internal-qa.api.service.nhs.uk/mock-jwks", apigee.MockJWKSBaseURL(identity.InternalQA))
	assert.Equal(t, "mock-jwks-internal-dev", apigee.MockJWKSProduct(identity.InternalDev))
	assert.True(t, apigee.HasMockJWKSProduct(identity.InternalDev))
	assert.False(t, apigee.HasMockJWKSProduct(identity.Int))
	assert.False(t, apigee.HasMockJWKSProduct(identity.InternalDevSandbox))
}
