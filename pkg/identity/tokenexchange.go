package identity

import (
	"context"
	"net/url"

	"github.com/nhsdigital/nhsd-apim-testauth/pkg/oauth"
)

const (
	tokenExchangeGrantType = "urn:ietf:params:oauth:grant-type:token-exchange"
	idTokenType            = "urn:ietf:params:oauth:token-type:id_token"
)

// TokenExchange is the user-restricted separate authentication flow: an
// id_token from the user's provider is exchanged for an access token.
type TokenExchange struct {
	cfg       TokenExchangeConfig
	subject   SubjectTokenSource
	tokenURL  string
	assertion *AssertionBuilder
	opts      options
}

// NewTokenExchange validates cfg. subject is only consulted when cfg.IDToken
// is empty; one of them must be provided.
func NewTokenExchange(cfg TokenExchangeConfig, subject SubjectTokenSource, opts ...Option) (*TokenExchange, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.IDToken == "" && subject == nil {
		return nil, &oauth.ConfigError{Config: "token exchange", Fields: []string{"id_token"}}
	}

	o := newOptions(opts)
	tokenURL := cfg.TokenEndpoint()

	assertion, err := NewAssertionBuilder(cfg.ClientID, tokenURL, cfg.PrivateKeyPEM, cfg.KeyID, o.clock)
	if err != nil {
		return nil, err
	}

	return &TokenExchange{
		cfg:       cfg,
		subject:   subject,
		tokenURL:  tokenURL,
		assertion: assertion,
		opts:      o,
	}, nil
}

// GetToken exchanges the subject id_token.
func (t *TokenExchange) GetToken(ctx context.Context) (oauth.TokenResponse, error) {
	idToken := t.cfg.IDToken
	if idToken == "" {
		var err error
		idToken, err = t.subject.IDToken(ctx)
		if err != nil {
			return oauth.TokenResponse{}, err
		}
	}

	assertion, err := t.assertion.Build()
	if err != nil {
		return oauth.TokenResponse{}, err
	}

	data := url.Values{
		"grant_type":            {tokenExchangeGrantType},
		"subject_token_type":    {idTokenType},
		"subject_token":         {idToken},
		"client_assertion_type": {ClientAssertionType},
		"client_assertion":      {assertion},
	}

	return oauth.RequestToken(ctx, t.opts.client, "token exchange", t.tokenURL, data, oauth.StatusOK)
}
