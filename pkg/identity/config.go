package identity

import (
	"fmt"
	"net/url"

	"github.com/nhsdigital/nhsd-apim-testauth/pkg/oauth"
)

// User scopes accepted by the authorize endpoint.
const (
	ScopeCIS2     = "nhs-cis2"
	ScopeNHSLogin = "nhs-login"
)

// DefaultRedirectURI is where Keycloak sends the browser after login.
const DefaultRedirectURI = "https://example.org"

// ClientCredentialsConfig configures the signed JWT client credentials flow.
// TokenURL overrides the token endpoint derived from Environment.
type ClientCredentialsConfig struct {
	Environment   Environment `json:"environment,omitempty"`
	ClientID      string      `json:"client_id"`
	PrivateKeyPEM string      `json:"jwt_private_key"`
	KeyID         string      `json:"jwt_kid"`
	TokenURL      string      `json:"token_url,omitempty"`
}

// TokenEndpoint returns TokenURL or the identity service token endpoint.
func (c ClientCredentialsConfig) TokenEndpoint() string {
	if c.TokenURL != "" {
		return c.TokenURL
	}
	return c.Environment.IdentityServiceBaseURL() + "/token"
}

// Validate reports missing fields as an *oauth.ConfigError.
func (c ClientCredentialsConfig) Validate() error {
	if err := oauth.Required("client credentials",
		oauth.Field("client_id", c.ClientID),
		oauth.Field("jwt_private_key", c.PrivateKeyPEM),
		oauth.Field("jwt_kid", c.KeyID),
	); err != nil {
		return err
	}

	return validateEnvironment("client credentials", c.Environment)
}

// AuthorizationCodeConfig configures the combined authentication user
// journey through the identity service.
type AuthorizationCodeConfig struct {
	Environment  Environment       `json:"environment,omitempty"`
	ClientID     string            `json:"client_id"`
	ClientSecret string            `json:"client_secret"`
	CallbackURL  string            `json:"callback_url"`
	Scope        string            `json:"scope"`
	LoginForm    map[string]string `json:"login_form"`
	AuthorizeURL string            `json:"authorize_url,omitempty"`
	TokenURL     string            `json:"token_url,omitempty"`
}

// AuthorizeEndpoint returns AuthorizeURL or the identity service default.
func (c AuthorizationCodeConfig) AuthorizeEndpoint() string {
	if c.AuthorizeURL != "" {
		return c.AuthorizeURL
	}
	return c.Environment.IdentityServiceBaseURL() + "/authorize"
}

// TokenEndpoint returns TokenURL or the identity service default.
func (c AuthorizationCodeConfig) TokenEndpoint() string {
	if c.TokenURL != "" {
		return c.TokenURL
	}
	return c.Environment.IdentityServiceBaseURL() + "/token"
}

// Validate reports missing fields, an unknown scope or an environment
// without a mock identity provider as an *oauth.ConfigError.
func (c AuthorizationCodeConfig) Validate() error {
	const name = "authorization code"

	if err := oauth.Required(name,
		oauth.Field("client_id", c.ClientID),
		oauth.Field("client_secret", c.ClientSecret),
		oauth.Field("callback_url", c.CallbackURL),
		oauth.Field("scope", c.Scope),
	); err != nil {
		return err
	}

	if c.Scope != ScopeCIS2 && c.Scope != ScopeNHSLogin {
		return &oauth.ConfigError{Config: name, Reason: fmt.Sprintf("scope must be %s or %s, got %q", ScopeCIS2, ScopeNHSLogin, c.Scope)}
	}

	if err := validateAbsoluteURL(name, "callback_url", c.CallbackURL); err != nil {
		return err
	}

	if err := validateEnvironment(name, c.Environment); err != nil {
		return err
	}

	if !c.Environment.SupportsAuthorizationCode() {
		return &oauth.ConfigError{Config: name, Reason: fmt.Sprintf("authorization code flow is not supported in %s", c.Environment)}
	}

	return nil
}

// TokenExchangeConfig configures separate authentication. IDToken is the
// subject token; when empty a SubjectTokenSource must supply it.
type TokenExchangeConfig struct {
	ClientCredentialsConfig
	IDToken string `json:"id_token,omitempty"`
}

// Validate checks the client credentials part. The subject token is checked
// when the authenticator is built.
func (c TokenExchangeConfig) Validate() error {
	if err := oauth.Required("token exchange",
		oauth.Field("client_id", c.ClientID),
		oauth.Field("jwt_private_key", c.PrivateKeyPEM),
		oauth.Field("jwt_kid", c.KeyID),
	); err != nil {
		return err
	}

	return validateEnvironment("token exchange", c.Environment)
}

// KeycloakUserConfig configures a user login against a mock Keycloak realm.
// BaseURL overrides the OpenID Connect base derived from Realm.
type KeycloakUserConfig struct {
	Realm        Realm             `json:"realm"`
	ClientID     string            `json:"client_id"`
	ClientSecret string            `json:"client_secret"`
	RedirectURI  string            `json:"redirect_uri,omitempty"`
	LoginForm    map[string]string `json:"login_form"`
	BaseURL      string            `json:"base_url,omitempty"`
}

// KeycloakURL returns BaseURL or the realm's OpenID Connect base.
func (c KeycloakUserConfig) KeycloakURL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return c.Realm.KeycloakURL()
}

// Redirect returns RedirectURI or DefaultRedirectURI.
func (c KeycloakUserConfig) Redirect() string {
	if c.RedirectURI != "" {
		return c.RedirectURI
	}
	return DefaultRedirectURI
}

// Validate reports missing fields or an unknown realm as an *oauth.ConfigError.
func (c KeycloakUserConfig) Validate() error {
	const name = "keycloak user"

	if err := oauth.Required(name,
		oauth.Field("client_id", c.ClientID),
		oauth.Field("client_secret", c.ClientSecret),
	); err != nil {
		return err
	}

	if c.BaseURL == "" {
		if c.Realm == "" {
			return &oauth.ConfigError{Config: name, Fields: []string{"realm"}}
		}
		if !c.Realm.Known() {
			return &oauth.ConfigError{Config: name, Reason: fmt.Sprintf("unknown realm %q", c.Realm)}
		}
	}

	return validateAbsoluteURL(name, "redirect_uri", c.Redirect())
}

func validateEnvironment(config string, env Environment) error {
	if _, err := ParseEnvironment(string(env)); err != nil {
		return &oauth.ConfigError{Config: config, Reason: err.Error()}
	}
	return nil
}

func validateAbsoluteURL(config, field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return &oauth.ConfigError{Config: config, Reason: fmt.Sprintf("%s must be an absolute URL, got %q", field, raw)}
	}
	return nil
}

// KeycloakClient is a confidential client registered in a mock Keycloak realm.
type KeycloakClient struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// KeycloakClients holds the mock realm clients per user scope, in the shape
// published by the mock-jwks proxy.
type KeycloakClients struct {
	CIS2     KeycloakClient `json:"cis2"`
	NHSLogin KeycloakClient `json:"nhs-login"`
}

// ForScope returns the client for a user scope.
func (c KeycloakClients) ForScope(scope string) (KeycloakClient, error) {
	switch scope {
	case ScopeCIS2:
		return c.CIS2, nil
	case ScopeNHSLogin:
		return c.NHSLogin, nil
	default:
		return KeycloakClient{}, fmt.Errorf("unknown user scope %q", scope)
	}
}
