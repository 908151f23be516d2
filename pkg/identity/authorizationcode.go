package identity

import (
	"context"
	"fmt"
	"net/url"

	"github.com/nhsdigital/nhsd-apim-testauth/pkg/oauth"
	"github.com/rs/zerolog/log"
)

// authorizeState is sent with every authorize request.
const authorizeState = "1234567890"

type flowState int

const (
	stateUnauthenticated flowState = iota
	stateAuthorizeRequested
	stateFormSubmitted
	stateCodeReceived
	stateTokenExchanged
)

func (s flowState) String() string {
	switch s {
	case stateUnauthenticated:
		return "unauthenticated"
	case stateAuthorizeRequested:
		return "authorize-requested"
	case stateFormSubmitted:
		return "form-submitted"
	case stateCodeReceived:
		return "code-received"
	case stateTokenExchanged:
		return "token-exchanged"
	}
	return fmt.Sprintf("flowState(%d)", int(s))
}

// AuthorizationCode is the user-restricted combined authentication journey:
// authorize, log in through the mock provider's form, then exchange the code.
type AuthorizationCode struct {
	cfg  AuthorizationCodeConfig
	opts options
}

// NewAuthorizationCode validates cfg. Nothing is sent until GetToken.
func NewAuthorizationCode(cfg AuthorizationCodeConfig, opts ...Option) (*AuthorizationCode, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &AuthorizationCode{cfg: cfg, opts: newOptions(opts)}, nil
}

// GetToken runs the whole journey in a fresh cookie session. Any failure
// aborts the journey; nothing is retried.
func (a *AuthorizationCode) GetToken(ctx context.Context) (oauth.TokenResponse, error) {
	state := stateUnauthenticated
	advance := func(next flowState) {
		log.Debug().Str("from", state.String()).Str("to", next.String()).Msg("authorization code flow")
		state = next
	}

	tok, err := a.run(ctx, advance)
	if err != nil {
		return oauth.TokenResponse{}, fmt.Errorf("authorization code flow failed after %s: %w", state, err)
	}

	return tok, nil
}

func (a *AuthorizationCode) run(ctx context.Context, advance func(flowState)) (oauth.TokenResponse, error) {
	b, err := newBrowser(a.opts.client, a.cfg.CallbackURL)
	if err != nil {
		return oauth.TokenResponse{}, err
	}

	reply, err := oauth.Get(ctx, b.client, a.cfg.AuthorizeEndpoint(), url.Values{
		"client_id":     {a.cfg.ClientID},
		"redirect_uri":  {a.cfg.CallbackURL},
		"response_type": {"code"},
		"scope":         {a.cfg.Scope},
		"state":         {authorizeState},
	})
	if err != nil {
		return oauth.TokenResponse{}, fmt.Errorf("authorize: %w", err)
	}
	if err := reply.Expect("authorize", oauth.StatusOK); err != nil {
		return oauth.TokenResponse{}, err
	}
	advance(stateAuthorizeRequested)

	form, err := loginForm("login page", reply, "")
	if err != nil {
		return oauth.TokenResponse{}, err
	}

	if _, err := b.submit(ctx, "login", form, form.Submission(a.cfg.LoginForm)); err != nil {
		return oauth.TokenResponse{}, err
	}
	advance(stateFormSubmitted)

	code, err := b.authorizationCode("login redirect")
	if err != nil {
		return oauth.TokenResponse{}, err
	}
	advance(stateCodeReceived)

	tok, err := oauth.RequestToken(ctx, b.client, "authorization code token", a.cfg.TokenEndpoint(), url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {a.cfg.CallbackURL},
		"client_id":     {a.cfg.ClientID},
		"client_secret": {a.cfg.ClientSecret},
	}, oauth.StatusSuccess)
	if err != nil {
		return oauth.TokenResponse{}, err
	}
	advance(stateTokenExchanged)

	return tok, nil
}
