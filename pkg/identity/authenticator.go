// Package identity obtains access tokens from the NHSD APIM identity service
// and from the mock Keycloak realms that stand in for NHS CIS2 and NHS login.
package identity

import (
	"context"

	"github.com/nhsdigital/nhsd-apim-testauth/pkg/oauth"
)

// Authenticator runs one authentication journey end to end.
type Authenticator interface {
	GetToken(ctx context.Context) (oauth.TokenResponse, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context) (oauth.TokenResponse, error)

// GetToken calls f.
func (f AuthenticatorFunc) GetToken(ctx context.Context) (oauth.TokenResponse, error) {
	return f(ctx)
}

// SubjectTokenSource supplies the id_token exchanged in separate
// authentication.
type SubjectTokenSource interface {
	IDToken(ctx context.Context) (string, error)
}

// SubjectTokenFunc adapts a function to SubjectTokenSource.
type SubjectTokenFunc func(ctx context.Context) (string, error)

// IDToken calls f.
func (f SubjectTokenFunc) IDToken(ctx context.Context) (string, error) {
	return f(ctx)
}
