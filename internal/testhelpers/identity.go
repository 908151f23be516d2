package testhelpers

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"

	"github.com/auth0/go-jwt-middleware/v2/validator"
	"github.com/go-jose/go-jose/v4"
	josejwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
	"github.com/justinas/alice"
)

const (
	clientAssertionType    = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	tokenExchangeGrantType = "urn:ietf:params:oauth:grant-type:token-exchange"
	idTokenType            = "urn:ietf:params:oauth:token-type:id_token"
	keycloakSessionCookie  = "KC_SESSION"
)

// MockIdentityServer imitates the identity service (client credentials,
// authorization code with a simulated login page, token exchange) and a
// Keycloak realm under /keycloak.
type MockIdentityServer struct {
	Server *httptest.Server

	ClientID     string
	ClientSecret string
	CallbackURL  string

	AccessToken string
	ExpiresIn   int    // returned as a string, the way Apigee does
	IDToken     string // issued by the Keycloak realm, expected as subject token

	StatusCode    int  // token endpoint status (200 if not set)
	OmitCode      bool // simulated login redirects without a code
	DuplicateCode bool // simulated login redirects with two codes
	OmitIDToken   bool // Keycloak token response has no id_token

	RequestCount  int        // every request received
	TokenRequests int        // requests to /token and /keycloak/token
	LastLogin     url.Values // last simulated or Keycloak login form

	mu       sync.Mutex
	jwks     jose.JSONWebKeySet
	codes    map[string]bool
	jtis     map[string]bool
	sessions map[string]string
}

// SetupMockIdentityServer starts the mock. It is closed by t.Cleanup.
func SetupMockIdentityServer(t *testing.T) *MockIdentityServer {
	t.Helper()

	mock := &MockIdentityServer{
		ClientID:     "test-client-id",
		ClientSecret: "test-client-secret",
		CallbackURL:  "https://example.org/callback",
		AccessToken:  "test-access-token",
		ExpiresIn:    599,
		IDToken:      "test-id-token",
		StatusCode:   http.StatusOK,
		codes:        make(map[string]bool),
		jtis:         make(map[string]bool),
		sessions:     make(map[string]string),
	}

	router := http.NewServeMux()
	router.HandleFunc("GET /authorize", mock.authorize)
	router.HandleFunc("POST /simulated_auth", mock.simulatedAuth)
	router.HandleFunc("GET /callback", mock.callback)
	router.HandleFunc("POST /token", mock.token)
	router.HandleFunc("GET /keycloak/auth", mock.keycloakAuth)
	router.HandleFunc("POST /keycloak/login-actions/authenticate", mock.keycloakAuthenticate)
	router.HandleFunc("POST /keycloak/token", mock.keycloakToken)

	chain := alice.New(mock.countRequests)

	mock.Server = httptest.NewServer(chain.Then(router))
	t.Cleanup(mock.Server.Close)

	return mock
}

// Close shuts down the mock server.
func (m *MockIdentityServer) Close() {
	m.Server.Close()
}

// AuthorizeURL is the authorize endpoint.
func (m *MockIdentityServer) AuthorizeURL() string {
	return m.Server.URL + "/authorize"
}

// TokenURL is the token endpoint and the expected assertion audience.
func (m *MockIdentityServer) TokenURL() string {
	return m.Server.URL + "/token"
}

// KeycloakURL is the OpenID Connect base of the mock realm.
func (m *MockIdentityServer) KeycloakURL() string {
	return m.Server.URL + "/keycloak"
}

// AddKey trusts pub for assertions carrying kid.
func (m *MockIdentityServer) AddKey(kid string, pub *rsa.PublicKey) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.jwks.Keys = append(m.jwks.Keys, jose.JSONWebKey{Key: pub, KeyID: kid, Algorithm: string(jose.RS512), Use: "sig"})
}

// RegisterJWKS trusts every key of a JWKS document, as the identity service
// does with an app's jwks-resource-url.
func (m *MockIdentityServer) RegisterJWKS(data []byte) error {
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(data, &set); err != nil {
		return fmt.Errorf("invalid JWKS: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.jwks.Keys = append(m.jwks.Keys, set.Keys...)
	return nil
}

func (m *MockIdentityServer) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.RequestCount++
		m.mu.Unlock()

		next.ServeHTTP(w, r)
	})
}

var simulatedAuthPage = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head><title>Simulated login</title></head>
<body>
  <form method="post" action="/simulated_auth?state={{.State}}">
    <input type="hidden" name="state" value="{{.State}}">
    <input type="hidden" name="csrf" value="xyz">
    <label>Username <input type="text" name="username" value="656005750104"></label>
    <button type="submit">Sign in</button>
  </form>
</body>
</html>`))

func (m *MockIdentityServer) authorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	switch {
	case q.Get("client_id") != m.ClientID:
		oauthError(w, http.StatusUnauthorized, "invalid_client", "unknown client_id")
		return
	case q.Get("redirect_uri") != m.CallbackURL:
		oauthError(w, http.StatusBadRequest, "invalid_request", "redirect_uri does not match the app callback")
		return
	case q.Get("response_type") != "code":
		oauthError(w, http.StatusBadRequest, "unsupported_response_type", "response_type must be code")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = simulatedAuthPage.Execute(w, struct{ State string }{State: q.Get("state")})
}

func (m *MockIdentityServer) simulatedAuth(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	m.mu.Lock()
	m.LastLogin = r.PostForm
	m.mu.Unlock()

	if r.PostForm.Get("username") == "" {
		http.Error(w, "username is required", http.StatusUnauthorized)
		return
	}

	target := url.Values{"state": {r.PostForm.Get("state")}}
	if !m.OmitCode {
		target.Set("code", m.issueCode())
	}

	http.Redirect(w, r, "/callback?"+target.Encode(), http.StatusFound)
}

func (m *MockIdentityServer) callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if m.DuplicateCode && q.Get("code") != "" {
		q.Add("code", "second-"+q.Get("code"))
	}

	http.Redirect(w, r, m.CallbackURL+"?"+q.Encode(), http.StatusFound)
}

func (m *MockIdentityServer) token(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.TokenRequests++
	m.mu.Unlock()

	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if m.StatusCode != http.StatusOK {
		oauthError(w, m.StatusCode, "server_error", "configured failure")
		return
	}

	form := r.PostForm

	switch form.Get("grant_type") {
	case "client_credentials":
		if err := m.verifyAssertion(r.Context(), form); err != nil {
			oauthError(w, http.StatusUnauthorized, "invalid_client", err.Error())
			return
		}
		m.writeToken(w, false)

	case "authorization_code":
		if form.Get("client_id") != m.ClientID || form.Get("client_secret") != m.ClientSecret {
			oauthError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
			return
		}
		if form.Get("redirect_uri") != m.CallbackURL {
			oauthError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
			return
		}
		if !m.redeemCode(form.Get("code")) {
			oauthError(w, http.StatusBadRequest, "invalid_grant", "unknown or used code")
			return
		}
		m.writeToken(w, false)

	case tokenExchangeGrantType:
		if err := m.verifyAssertion(r.Context(), form); err != nil {
			oauthError(w, http.StatusUnauthorized, "invalid_client", err.Error())
			return
		}
		if form.Get("subject_token_type") != idTokenType {
			oauthError(w, http.StatusBadRequest, "invalid_request", "unsupported subject_token_type")
			return
		}
		if form.Get("subject_token") != m.IDToken {
			oauthError(w, http.StatusBadRequest, "invalid_grant", "subject_token rejected")
			return
		}
		m.writeToken(w, false)

	default:
		oauthError(w, http.StatusBadRequest, "unsupported_grant_type", form.Get("grant_type"))
	}
}

// verifyAssertion checks the client assertion against the registered keys:
// RS512 with a known kid, iss and sub equal to the client id, audience equal
// to the token endpoint, unexpired, and a jti never seen before.
func (m *MockIdentityServer) verifyAssertion(ctx context.Context, form url.Values) error {
	if form.Get("client_assertion_type") != clientAssertionType {
		return errors.New("unsupported client_assertion_type")
	}

	raw := form.Get("client_assertion")
	parsed, err := josejwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.RS512})
	if err != nil {
		return fmt.Errorf("malformed client_assertion: %w", err)
	}
	if len(parsed.Headers) == 0 || parsed.Headers[0].KeyID == "" {
		return errors.New("client_assertion has no kid")
	}

	m.mu.Lock()
	keys := m.jwks.Key(parsed.Headers[0].KeyID)
	m.mu.Unlock()
	if len(keys) == 0 {
		return fmt.Errorf("unknown kid %q", parsed.Headers[0].KeyID)
	}
	key := keys[0].Key

	v, err := validator.New(
		func(context.Context) (interface{}, error) { return key, nil },
		validator.RS512,
		m.ClientID,
		[]string{m.TokenURL()},
	)
	if err != nil {
		return fmt.Errorf("failed to set up the validator: %w", err)
	}
	if _, err := v.ValidateToken(ctx, raw); err != nil {
		return fmt.Errorf("invalid client_assertion: %w", err)
	}

	var claims josejwt.Claims
	if err := parsed.Claims(key, &claims); err != nil {
		return fmt.Errorf("invalid client_assertion signature: %w", err)
	}
	if claims.Subject != claims.Issuer {
		return errors.New("sub must equal iss")
	}
	if claims.ID == "" {
		return errors.New("jti is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.jtis[claims.ID] {
		return errors.New("jti has already been used")
	}
	m.jtis[claims.ID] = true

	return nil
}

func (m *MockIdentityServer) issueCode() string {
	code := uuid.NewString()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[code] = true

	return code
}

func (m *MockIdentityServer) redeemCode(code string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.codes[code] {
		return false
	}
	delete(m.codes, code)
	return true
}

func (m *MockIdentityServer) writeToken(w http.ResponseWriter, withIDToken bool) {
	resp := map[string]string{
		"access_token":             m.AccessToken,
		"token_type":               "Bearer",
		"expires_in":               strconv.Itoa(m.ExpiresIn),
		"refresh_token":            "test-refresh-token",
		"refresh_token_expires_in": "3599",
	}
	if withIDToken {
		resp["id_token"] = m.IDToken
	}

	WriteJSON(w, resp)
}

var keycloakLoginPage = template.Must(template.New("keycloak").Parse(`<!DOCTYPE html>
<html>
<body>
  <form id="kc-select-language" action="{{.Base}}/locale"><input type="hidden" name="kc_locale" value="en"></form>
  <form id="kc-form-login" action="{{.Base}}/login-actions/authenticate?session_code={{.Session}}" method="post">
    <input id="username" name="username" type="text" autofocus>
    <input id="password" name="password" type="password">
    <input type="hidden" id="id-hidden-input" name="credentialId">
    <input type="submit" name="login" id="kc-login" value="Sign In">
  </form>
</body>
</html>`))

func (m *MockIdentityServer) keycloakAuth(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("client_id") != m.ClientID || q.Get("response_type") != "code" || q.Get("scope") != "openid" {
		http.Error(w, "invalid authorization request", http.StatusBadRequest)
		return
	}

	session := uuid.NewString()
	m.mu.Lock()
	m.sessions[session] = q.Get("redirect_uri")
	m.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: keycloakSessionCookie, Value: session, Path: "/keycloak"})
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = keycloakLoginPage.Execute(w, struct{ Base, Session string }{Base: m.KeycloakURL(), Session: session})
}

func (m *MockIdentityServer) keycloakAuthenticate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	cookie, err := r.Cookie(keycloakSessionCookie)
	if err != nil || cookie.Value != r.URL.Query().Get("session_code") {
		http.Error(w, "session expired", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	m.LastLogin = r.PostForm
	redirect, ok := m.sessions[cookie.Value]
	m.mu.Unlock()
	if !ok {
		http.Error(w, "unknown session", http.StatusBadRequest)
		return
	}

	if r.PostForm.Get("username") == "" {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Invalid username or password."))
		return
	}

	target := url.Values{"session_state": {cookie.Value}}
	if !m.OmitCode {
		target.Set("code", m.issueCode())
	}

	http.Redirect(w, r, redirect+"?"+target.Encode(), http.StatusFound)
}

func (m *MockIdentityServer) keycloakToken(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.TokenRequests++
	m.mu.Unlock()

	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	form := r.PostForm
	if form.Get("grant_type") != "authorization_code" {
		oauthError(w, http.StatusBadRequest, "unsupported_grant_type", form.Get("grant_type"))
		return
	}
	if form.Get("client_id") != m.ClientID || form.Get("client_secret") != m.ClientSecret {
		oauthError(w, http.StatusUnauthorized, "unauthorized_client", "invalid client credentials")
		return
	}
	if !m.redeemCode(form.Get("code")) {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "code not valid")
		return
	}

	m.writeToken(w, !m.OmitIDToken)
}

func oauthError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}
