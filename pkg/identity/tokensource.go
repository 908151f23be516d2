package identity

import (
	"context"

	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"
)

type authenticatorSource struct {
	ctx   context.Context
	auth  Authenticator
	clock clockwork.Clock
}

// TokenSource adapts an Authenticator to oauth2.TokenSource. The token is
// reused until it expires. ctx is used for every fetch.
func TokenSource(ctx context.Context, auth Authenticator, opts ...Option) oauth2.TokenSource {
	o := newOptions(opts)
	return oauth2.ReuseTokenSource(nil, &authenticatorSource{ctx: ctx, auth: auth, clock: o.clock})
}

func (s *authenticatorSource) Token() (*oauth2.Token, error) {
	tok, err := s.auth.GetToken(s.ctx)
	if err != nil {
		return nil, err
	}

	if tok.IssuedAt == 0 {
		tok.IssuedAt = s.clock.Now().UnixMilli()
	}

	return tok.OAuth2(), nil
}
