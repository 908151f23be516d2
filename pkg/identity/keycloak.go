package identity

import (
	"context"
	"fmt"
	"net/url"

	"github.com/nhsdigital/nhsd-apim-testauth/pkg/loginform"
	"github.com/nhsdigital/nhsd-apim-testauth/pkg/oauth"
	"github.com/rs/zerolog/log"
)

// KeycloakUser logs a mock user into a Keycloak realm. Its id_token is the
// subject token for separate authentication.
type KeycloakUser struct {
	cfg  KeycloakUserConfig
	opts options
}

// NewKeycloakUser validates cfg. Nothing is sent until GetToken.
func NewKeycloakUser(cfg KeycloakUserConfig, opts ...Option) (*KeycloakUser, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &KeycloakUser{cfg: cfg, opts: newOptions(opts)}, nil
}

// GetToken fetches the Keycloak login page, submits the credentials and
// redeems the code with the client secret.
func (k *KeycloakUser) GetToken(ctx context.Context) (oauth.TokenResponse, error) {
	base := k.cfg.KeycloakURL()
	redirect := k.cfg.Redirect()

	b, err := newBrowser(k.opts.client, redirect)
	if err != nil {
		return oauth.TokenResponse{}, err
	}

	reply, err := oauth.Get(ctx, b.client, base+"/auth", url.Values{
		"response_type": {"code"},
		"client_id":     {k.cfg.ClientID},
		"scope":         {"openid"},
		"redirect_uri":  {redirect},
	})
	if err != nil {
		return oauth.TokenResponse{}, fmt.Errorf("keycloak auth: %w", err)
	}
	if err := reply.Expect("keycloak auth", oauth.StatusOK); err != nil {
		return oauth.TokenResponse{}, err
	}

	form, err := loginForm("keycloak login page", reply, loginform.KeycloakFormID)
	if err != nil {
		return oauth.TokenResponse{}, err
	}

	if _, err := b.submit(ctx, "keycloak login", form, form.Submission(k.cfg.LoginForm)); err != nil {
		return oauth.TokenResponse{}, err
	}

	code, err := b.authorizationCode("keycloak redirect")
	if err != nil {
		return oauth.TokenResponse{}, err
	}

	tok, err := oauth.RequestToken(ctx, b.client, "keycloak token", base+"/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {k.cfg.ClientID},
		"client_secret": {k.cfg.ClientSecret},
		"redirect_uri":  {redirect},
	}, oauth.StatusSuccess)
	if err != nil {
		return oauth.TokenResponse{}, err
	}

	log.Debug().Str("realm", string(k.cfg.Realm)).Bool("id_token", tok.IDToken != "").Msg("keycloak user logged in")

	return tok, nil
}

// IDToken logs in and returns the id_token.
func (k *KeycloakUser) IDToken(ctx context.Context) (string, error) {
	tok, err := k.GetToken(ctx)
	if err != nil {
		return "", err
	}

	return SubjectToken(tok)
}

// SubjectToken returns the id_token of a provider response.
func SubjectToken(tok oauth.TokenResponse) (string, error) {
	if tok.IDToken == "" {
		return "", &oauth.ProtocolError{Step: "keycloak token", Err: oauth.ErrNoIDToken}
	}
	return tok.IDToken, nil
}
