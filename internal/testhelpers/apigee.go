package testhelpers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/justinas/alice"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/pquerna/otp/totp"
)

// MockProduct is an API product served by MockApigeeServer.
type MockProduct struct {
	Name    string   `json:"name"`
	Proxies []string `json:"proxies"`
	Scopes  []string `json:"scopes"`
}

// MockProxy is a proxy deployment served by MockApigeeServer. An empty
// Environments list means the proxy is deployed to "internal-dev".
type MockProxy struct {
	Environments []string
	Revision     string
	BasePaths    []string
	Undeployed   bool
}

type mockCredential struct {
	ConsumerKey    string              `json:"consumerKey"`
	ConsumerSecret string              `json:"consumerSecret"`
	Status         string              `json:"status"`
	ExpiresAt      int64               `json:"expiresAt"`
	APIProducts    []mockCredentialAPI `json:"apiProducts"`
}

type mockCredentialAPI struct {
	APIProduct string `json:"apiproduct"`
	Status     string `json:"status"`
}

type mockApp struct {
	Name        string           `json:"name"`
	AppID       string           `json:"appId"`
	CallbackURL string           `json:"callbackUrl"`
	Status      string           `json:"status"`
	Attributes  []map[string]any `json:"attributes"`
	Credentials []mockCredential `json:"credentials"`
}

// MockApigeeServer imitates the Apigee login server (/oauth/token), the Edge
// management API (/v1/organizations/{org}/...) and the mock-jwks proxy
// (/mock-jwks/...).
type MockApigeeServer struct {
	Server *httptest.Server

	Org       string
	Developer string
	Username  string
	Password  string
	OTPKey    string // when set, logins need a valid mfa_token
	Passcode  string

	TokenLifetime time.Duration
	Clock         clockwork.Clock

	Products []MockProduct
	Proxies  map[string]MockProxy

	KeycloakClients      map[string]map[string]string
	StatusEndpointAPIKey string

	LoginRequests       int
	RequestCount        int
	KeycloakRequests    int
	StatusKeyRequests   int
	ProductPageRequests int
	LastLogin           url.Values // form of the last login request

	mu   sync.Mutex
	key  jwk.Key
	apps map[string]*mockApp
}

// SetupMockApigeeServer starts the mock with one proxy, mock-jwks, and a
// product for it. It is closed by t.Cleanup.
func SetupMockApigeeServer(t *testing.T) *MockApigeeServer {
	t.Helper()

	mock := &MockApigeeServer{
		Org:           "nhsd-nonprod",
		Developer:     "apm-testing@nhs.net",
		Username:      "tester@nhs.net",
		Password:      "hunter2",
		TokenLifetime: time.Hour,
		Clock:         clockwork.NewRealClock(),
		Products: []MockProduct{
			{Name: "mock-jwks-internal-dev", Proxies: []string{"mock-jwks-internal-dev", "identity-service-mock-internal-dev", "identity-service-internal-dev"}, Scopes: []string{"urn:nhsd:apim:app:level3:mock-jwks", "urn:nhsd:apim:user-nhs-cis2:aal3:mock-jwks"}},
		},
		Proxies: map[string]MockProxy{
			"mock-jwks-internal-dev":        {Revision: "7", BasePaths: []string{"mock-jwks"}},
			"identity-service-internal-dev": {Revision: "42", BasePaths: []string{"oauth2-mock"}},
		},
		KeycloakClients: map[string]map[string]string{
			"cis2":      {"client_id": "cis2-client", "client_secret": "cis2-secret"},
			"nhs-login": {"client_id": "nhs-login-client", "client_secret": "nhs-login-secret"},
		},
		StatusEndpointAPIKey: "status-key",
		key:                  GenerateJWK(t),
		apps:                 make(map[string]*mockApp),
	}

	mgmt := alice.New(mock.requireToken)
	org := "/v1/organizations/{org}"

	router := http.NewServeMux()
	router.HandleFunc("POST /oauth/token", mock.login)
	router.Handle("GET "+org+"/developers/{dev}/apps", mgmt.ThenFunc(mock.listApps))
	router.Handle("POST "+org+"/developers/{dev}/apps", mgmt.ThenFunc(mock.createApp))
	router.Handle("GET "+org+"/developers/{dev}/apps/{app}", mgmt.ThenFunc(mock.getApp))
	router.Handle("PUT "+org+"/developers/{dev}/apps/{app}", mgmt.ThenFunc(mock.updateApp))
	router.Handle("DELETE "+org+"/developers/{dev}/apps/{app}", mgmt.ThenFunc(mock.deleteApp))
	router.Handle("GET "+org+"/apiproducts", mgmt.ThenFunc(mock.listProducts))
	router.Handle("GET "+org+"/apis/{proxy}/deployments", mgmt.ThenFunc(mock.deployments))
	router.Handle("GET "+org+"/apis/{proxy}/revisions/{rev}", mgmt.ThenFunc(mock.revision))
	router.HandleFunc("GET /mock-jwks/keycloak-client-credentials", mock.keycloakClientCredentials)
	router.HandleFunc("GET /mock-jwks/status-endpoint-api-key", mock.statusEndpointAPIKey)

	mock.Server = httptest.NewServer(alice.New(mock.countRequests).Then(router))
	t.Cleanup(mock.Server.Close)

	return mock
}

// BaseURL is the management API base.
func (m *MockApigeeServer) BaseURL() string {
	return m.Server.URL + "/v1"
}

// TokenURL is the login server token endpoint.
func (m *MockApigeeServer) TokenURL() string {
	return m.Server.URL + "/oauth/token"
}

// MockJWKSURL is the base of the mock-jwks proxy.
func (m *MockApigeeServer) MockJWKSURL() string {
	return m.Server.URL + "/mock-jwks"
}

// Token mints a management token the mock accepts.
func (m *MockApigeeServer) Token(t *testing.T) string {
	t.Helper()
	return CreateManagementToken(t, m.key, m.Username, m.Clock.Now(), m.TokenLifetime)
}

// AppNames lists the apps that currently exist.
func (m *MockApigeeServer) AppNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.apps))
	for name := range m.apps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AppAttribute returns the value of an attribute of the named app.
func (m *MockApigeeServer) AppAttribute(app, attribute string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.apps[app]
	if !ok {
		return ""
	}
	for _, attr := range a.Attributes {
		if attr["name"] == attribute {
			v, _ := attr["value"].(string)
			return v
		}
	}
	return ""
}

// ExpireCredentials marks every credential of the named app as expired.
func (m *MockApigeeServer) ExpireCredentials(app string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a, ok := m.apps[app]; ok {
		for i := range a.Credentials {
			a.Credentials[i].ExpiresAt = m.Clock.Now().UnixMilli() - 1
		}
	}
}

func (m *MockApigeeServer) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.RequestCount++
		m.mu.Unlock()

		next.ServeHTTP(w, r)
	})
}

func (m *MockApigeeServer) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		if err := verifyManagementToken(m.key, raw, m.Clock.Now()); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		if r.PathValue("org") != m.Org {
			http.Error(w, "unknown organization", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (m *MockApigeeServer) login(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.LoginRequests++
	m.mu.Unlock()

	user, secret, ok := r.BasicAuth()
	if !ok || user != "edgecli" || secret != "edgeclisecret" {
		oauthError(w, http.StatusUnauthorized, "unauthorized", "bad client credentials")
		return
	}
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	form := r.PostForm
	m.mu.Lock()
	m.LastLogin = form
	m.mu.Unlock()

	if form.Get("grant_type") != "password" || form.Get("response_type") != "token" {
		oauthError(w, http.StatusBadRequest, "unsupported_grant_type", form.Get("grant_type"))
		return
	}

	subject := form.Get("username")
	switch {
	case form.Get("passcode") != "":
		if m.Passcode == "" || form.Get("passcode") != m.Passcode {
			oauthError(w, http.StatusUnauthorized, "invalid_grant", "bad passcode")
			return
		}
		subject = "passcode-user"

	case subject != m.Username || form.Get("password") != m.Password:
		oauthError(w, http.StatusUnauthorized, "invalid_grant", "bad username or password")
		return

	case m.OTPKey != "":
		if !totp.Validate(r.URL.Query().Get("mfa_token"), m.OTPKey) {
			oauthError(w, http.StatusUnauthorized, "invalid_grant", "bad mfa_token")
			return
		}
	}

	token, err := SignManagementToken(m.key, subject, m.Clock.Now(), m.TokenLifetime)
	if err != nil {
		oauthError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	WriteJSON(w, map[string]any{
		"access_token": token,
		"token_type":   "bearer",
		"expires_in":   int(m.TokenLifetime.Seconds()),
	})
}

func (m *MockApigeeServer) listApps(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, m.AppNames())
}

func (m *MockApigeeServer) createApp(w http.ResponseWriter, r *http.Request) {
	var app mockApp
	if err := json.NewDecoder(r.Body).Decode(&app); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.apps[app.Name]; exists {
		http.Error(w, "app already exists", http.StatusConflict)
		return
	}

	app.AppID = uuid.NewString()
	app.Status = "approved"
	app.Credentials = []mockCredential{newMockCredential()}
	m.apps[app.Name] = &app

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(app)
}

func (m *MockApigeeServer) getApp(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	app, ok := m.apps[r.PathValue("app")]
	m.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}

	WriteJSON(w, app)
}

// updateApp subscribes the app to the requested products with a new
// credential, which is what Edge does when apiProducts changes.
func (m *MockApigeeServer) updateApp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		APIProducts []string `json:"apiProducts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	app, ok := m.apps[r.PathValue("app")]
	if !ok {
		http.NotFound(w, r)
		return
	}

	cred := newMockCredential()
	for _, p := range body.APIProducts {
		cred.APIProducts = append(cred.APIProducts, mockCredentialAPI{APIProduct: p, Status: "approved"})
	}
	app.Credentials = append(app.Credentials, cred)

	WriteJSON(w, app)
}

func (m *MockApigeeServer) deleteApp(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := r.PathValue("app")
	app, ok := m.apps[name]
	if !ok {
		http.NotFound(w, r)
		return
	}
	delete(m.apps, name)

	WriteJSON(w, app)
}

// listProducts pages like Edge: at most 1000 per page, and a page requested
// with startKey begins with that product.
func (m *MockApigeeServer) listProducts(w http.ResponseWriter, r *http.Request) {
	const pageSize = 1000

	m.mu.Lock()
	m.ProductPageRequests++
	products := slices.Clone(m.Products)
	m.mu.Unlock()

	if r.URL.Query().Get("expand") != "true" {
		http.Error(w, "only expanded listing is supported", http.StatusBadRequest)
		return
	}

	sort.Slice(products, func(i, j int) bool { return products[i].Name < products[j].Name })

	start := 0
	if key := r.URL.Query().Get("startKey"); key != "" {
		start = sort.Search(len(products), func(i int) bool { return products[i].Name >= key })
	}
	end := min(start+pageSize, len(products))

	WriteJSON(w, map[string]any{"apiProduct": products[start:end]})
}

func (m *MockApigeeServer) deployments(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("proxy")
	proxy, ok := m.Proxies[name]
	if !ok {
		http.NotFound(w, r)
		return
	}

	state := "deployed"
	if proxy.Undeployed {
		state = "undeployed"
	}

	envs := proxy.Environments
	if len(envs) == 0 {
		envs = []string{"internal-dev"}
	}

	environment := make([]map[string]any, 0, len(envs))
	for _, env := range envs {
		environment = append(environment, map[string]any{
			"name": env,
			"revision": []map[string]string{
				{"name": "1", "state": "undeployed"},
				{"name": proxy.Revision, "state": state},
			},
		})
	}

	WriteJSON(w, map[string]any{"name": name, "environment": environment})
}

func (m *MockApigeeServer) revision(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("proxy")
	proxy, ok := m.Proxies[name]
	if !ok || proxy.Revision != r.PathValue("rev") {
		http.NotFound(w, r)
		return
	}

	WriteJSON(w, map[string]any{
		"name":      name,
		"revision":  proxy.Revision,
		"basepaths": proxy.BasePaths,
	})
}

// mockJWKSAuthorized accepts the consumer key of any credential approved
// for a mock-jwks product.
func (m *MockApigeeServer) mockJWKSAuthorized(r *http.Request) bool {
	key := r.Header.Get("apikey")
	if key == "" {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, app := range m.apps {
		for _, c := range app.Credentials {
			if c.ConsumerKey != key {
				continue
			}
			for _, p := range c.APIProducts {
				if strings.HasPrefix(p.APIProduct, "mock-jwks-") && p.Status == "approved" {
					return true
				}
			}
		}
	}
	return false
}

func (m *MockApigeeServer) keycloakClientCredentials(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.KeycloakRequests++
	m.mu.Unlock()

	if !m.mockJWKSAuthorized(r) {
		http.Error(w, "invalid apikey", http.StatusUnauthorized)
		return
	}

	WriteJSON(w, m.KeycloakClients)
}

func (m *MockApigeeServer) statusEndpointAPIKey(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.StatusKeyRequests++
	m.mu.Unlock()

	if !m.mockJWKSAuthorized(r) {
		http.Error(w, "invalid apikey", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(m.StatusEndpointAPIKey))
}

func newMockCredential() mockCredential {
	return mockCredential{
		ConsumerKey:    uuid.NewString(),
		ConsumerSecret: uuid.NewString(),
		Status:         "approved",
		ExpiresAt:      -1,
		APIProducts:    []mockCredentialAPI{},
	}
}
