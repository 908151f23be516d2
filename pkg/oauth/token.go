// Package oauth holds the token response type, the error taxonomy shared by
// every authentication flow, and the small HTTP helpers the flows use to talk
// to token endpoints.
package oauth

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	redactedPlaceholder = "[REDACTED]"
	emptyPlaceholder    = "<empty>"
)

// TokenResponse is the payload returned by a token endpoint. ExpiresIn is in
// seconds, IssuedAt is epoch milliseconds and is zero when the server did not
// supply it.
type TokenResponse struct {
	AccessToken           string `json:"access_token"`
	TokenType             string `json:"token_type,omitempty"`
	ExpiresIn             int64  `json:"expires_in"`
	IssuedAt              int64  `json:"issued_at,omitempty"`
	IDToken               string `json:"id_token,omitempty"`
	RefreshToken          string `json:"refresh_token,omitempty"`
	RefreshTokenExpiresIn int64  `json:"refresh_token_expires_in,omitempty"`
	Scope                 string `json:"scope,omitempty"`
}

// UnmarshalJSON accepts numeric fields as JSON numbers or as numeric strings.
// Apigee returns expires_in and issued_at as strings.
func (t *TokenResponse) UnmarshalJSON(data []byte) error {
	type plain TokenResponse
	aux := struct {
		*plain
		ExpiresIn             flexInt `json:"expires_in"`
		IssuedAt              flexInt `json:"issued_at"`
		RefreshTokenExpiresIn flexInt `json:"refresh_token_expires_in"`
	}{plain: (*plain)(t)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	t.ExpiresIn = int64(aux.ExpiresIn)
	t.IssuedAt = int64(aux.IssuedAt)
	t.RefreshTokenExpiresIn = int64(aux.RefreshTokenExpiresIn)

	return nil
}

// Expiry returns the instant the access token expires, or the zero time when
// the issue time is unknown.
func (t TokenResponse) Expiry() time.Time {
	if t.IssuedAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(t.IssuedAt).Add(time.Duration(t.ExpiresIn) * time.Second)
}

// OAuth2 converts the response to an oauth2.Token so it can be used with
// oauth2.NewClient and friends. The id_token is carried as an extra.
func (t TokenResponse) OAuth2() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		RefreshToken: t.RefreshToken,
		Expiry:       t.Expiry(),
	}
	if tok.TokenType == "" {
		tok.TokenType = "Bearer"
	}
	if t.IDToken != "" {
		tok = tok.WithExtra(map[string]any{"id_token": t.IDToken})
	}
	return tok
}

// String implements fmt.Stringer, redacting every credential.
func (t TokenResponse) String() string {
	return fmt.Sprintf("TokenResponse{AccessToken: %s, TokenType: %s, ExpiresIn: %d, IssuedAt: %d, IDToken: %s, RefreshToken: %s}",
		redact(t.AccessToken), t.TokenType, t.ExpiresIn, t.IssuedAt, redact(t.IDToken), redact(t.RefreshToken))
}

// DecodeTokenResponse parses a token endpoint body. A response without an
// access token is a protocol error.
func DecodeTokenResponse(step string, body []byte) (TokenResponse, error) {
	var tok TokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return TokenResponse{}, fmt.Errorf("%s: could not decode token response: %w", step, err)
	}

	if tok.AccessToken == "" {
		return TokenResponse{}, &ProtocolError{Step: step, Err: ErrNoAccessToken}
	}

	return tok, nil
}

func redact(s string) string {
	if s == "" {
		return emptyPlaceholder
	}
	return redactedPlaceholder
}

type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*f = 0
		return nil
	}

	if unquoted, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unquoted)
	}
	if s == "" {
		*f = 0
		return nil
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*f = flexInt(n)
		return nil
	}

	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid numeric value %q", s)
	}
	*f = flexInt(n)

	return nil
}
