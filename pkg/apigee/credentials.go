// Package apigee talks to the Apigee Edge management API: it authenticates
// the operator, manages the ephemeral test app and looks up the products and
// proxies a test session needs.
package apigee

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/jonboulle/clockwork"
	"github.com/nhsdigital/nhsd-apim-testauth/pkg/oauth"
	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog/log"
)

// Organizations hosting the NHSD APIs.
const (
	NonProdOrg = "nhsd-nonprod"
	ProdOrg    = "nhsd-prod"
)

const (
	nonProdAuthServer = "login.apigee.com"
	prodAuthServer    = "nhs-digital-prod.login.apigee.com"

	// the public client id and secret of the Apigee edge CLI
	edgeCLIClientID     = "edgecli"
	edgeCLIClientSecret = "edgeclisecret"
)

// AuthMethod is how the management API token is obtained.
type AuthMethod int

const (
	AuthNone AuthMethod = iota
	AuthPassword
	AuthPasscode
	AuthAccessToken
)

func (m AuthMethod) String() string {
	switch m {
	case AuthPassword:
		return "password"
	case AuthPasscode:
		return "passcode"
	case AuthAccessToken:
		return "access_token"
	default:
		return "none"
	}
}

// Credentials identify the operator to the management API. Username and
// password (with an OTP key for non-SAML users), a SAML passcode, or a
// pre-issued access token are accepted.
type Credentials struct {
	Org         string
	AuthServer  string
	Username    string
	Password    string
	OTPKey      string
	Passcode    string
	AccessToken string
}

// Method returns the first usable authentication method, or AuthNone. A
// passcode wins over a username and password.
func (c Credentials) Method() AuthMethod {
	switch {
	case c.Passcode != "":
		return AuthPasscode
	case c.Username != "" && c.Password != "":
		return AuthPassword
	case c.AccessToken != "":
		return AuthAccessToken
	default:
		return AuthNone
	}
}

// Server returns AuthServer or the login server of the organization.
func (c Credentials) Server() string {
	if c.AuthServer != "" {
		return c.AuthServer
	}
	if c.Org == ProdOrg {
		return prodAuthServer
	}
	return nonProdAuthServer
}

// Validate reports credentials that cannot authenticate as an
// *oauth.ConfigError naming what is missing.
func (c Credentials) Validate() error {
	const name = "apigee credentials"

	if c.Org == "" {
		return &oauth.ConfigError{Config: name, Fields: []string{"org"}}
	}

	if c.Method() != AuthNone {
		return nil
	}

	switch {
	case c.Username != "":
		return &oauth.ConfigError{Config: name, Fields: []string{"password"}}
	case c.Password != "":
		return &oauth.ConfigError{Config: name, Fields: []string{"username"}}
	default:
		return &oauth.ConfigError{
			Config: name,
			Fields: []string{"username", "password"},
			Reason: "or provide a passcode or an access token",
		}
	}
}

// Authenticator obtains management API access tokens.
type Authenticator struct {
	creds    Credentials
	tokenURL string
	client   *http.Client
	clock    clockwork.Clock
}

// NewAuthenticator validates creds. tokenURL overrides the login server
// token endpoint when not empty.
func NewAuthenticator(creds Credentials, tokenURL string, client *http.Client, clock clockwork.Clock) (*Authenticator, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}

	if tokenURL == "" {
		tokenURL = "https://" + creds.Server() + "/oauth/token"
	}
	if client == nil {
		client = oauth.DefaultClient()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Authenticator{creds: creds, tokenURL: tokenURL, client: client, clock: clock}, nil
}

// Token returns a management API access token. An access token credential is
// returned as is.
func (a *Authenticator) Token(ctx context.Context) (string, error) {
	method := a.creds.Method()
	if method == AuthAccessToken {
		return a.creds.AccessToken, nil
	}

	data := url.Values{
		"grant_type":    {"password"},
		"response_type": {"token"},
	}

	opts := []oauth.RequestOption{oauth.WithBasicAuth(edgeCLIClientID, edgeCLIClientSecret)}

	if method == AuthPasscode {
		data.Set("passcode", a.creds.Passcode)
	} else {
		data.Set("username", a.creds.Username)
		data.Set("password", a.creds.Password)

		if a.creds.OTPKey != "" {
			code, err := totp.GenerateCode(a.creds.OTPKey, a.clock.Now())
			if err != nil {
				return "", &oauth.ConfigError{Config: "apigee credentials", Reason: fmt.Sprintf("invalid otp key: %v", err)}
			}
			opts = append(opts, oauth.WithQuery(url.Values{"mfa_token": {code}}))
		}
	}

	tok, err := oauth.RequestToken(ctx, a.client, "apigee login", a.tokenURL, data, oauth.StatusSuccess, opts...)
	if err != nil {
		return "", err
	}

	log.Info().
		Str("org", a.creds.Org).
		Str("method", method.String()).
		Int64("expires_in", tok.ExpiresIn).
		Msg("authenticated to apigee")

	return tok.AccessToken, nil
}
