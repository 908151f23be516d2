package identity

import (
	"context"
	"net/url"

	"github.com/nhsdigital/nhsd-apim-testauth/pkg/oauth"
	"github.com/rs/zerolog/log"
)

// ClientCredentials is the application-restricted signed JWT flow.
type ClientCredentials struct {
	tokenURL  string
	assertion *AssertionBuilder
	opts      options
}

// NewClientCredentials validates cfg and prepares the assertion builder.
// Nothing is sent until GetToken.
func NewClientCredentials(cfg ClientCredentialsConfig, opts ...Option) (*ClientCredentials, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := newOptions(opts)
	tokenURL := cfg.TokenEndpoint()

	assertion, err := NewAssertionBuilder(cfg.ClientID, tokenURL, cfg.PrivateKeyPEM, cfg.KeyID, o.clock)
	if err != nil {
		return nil, err
	}

	return &ClientCredentials{
		tokenURL:  tokenURL,
		assertion: assertion,
		opts:      o,
	}, nil
}

// GetToken posts a client_credentials grant authenticated by a fresh
// assertion.
func (a *ClientCredentials) GetToken(ctx context.Context) (oauth.TokenResponse, error) {
	assertion, err := a.assertion.Build()
	if err != nil {
		return oauth.TokenResponse{}, err
	}

	data := url.Values{
		"grant_type":            {"client_credentials"},
		"client_assertion_type": {ClientAssertionType},
		"client_assertion":      {assertion},
	}

	tok, err := oauth.RequestToken(ctx, a.opts.client, "client credentials", a.tokenURL, data, oauth.StatusOK)
	if err != nil {
		return oauth.TokenResponse{}, err
	}

	log.Debug().Str("token_url", a.tokenURL).Int64("expires_in", tok.ExpiresIn).Msg("client credentials token issued")

	return tok, nil
}
