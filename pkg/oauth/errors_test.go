package oauth

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequired(t *testing.T) {
	tests := []struct {
		name    string
		fields  []RequiredField
		wantErr string
	}{
		{
			name:   "all present",
			fields: []RequiredField{Field("client_id", "c"), Field("token_url", "https://x")},
		},
		{
			name:    "one missing",
			fields:  []RequiredField{Field("client_id", "c"), Field("token_url", "")},
			wantErr: "invalid client credentials configuration: missing token_url",
		},
		{
			name:    "whitespace counts as missing",
			fields:  []RequiredField{Field("client_id", "  "), Field("token_url", "")},
			wantErr: "invalid client credentials configuration: missing client_id, token_url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Required("client credentials", tt.fields...)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}

			assert.EqualError(t, err, tt.wantErr)
			var cfgErr *ConfigError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestConfigError_Reason(t *testing.T) {
	err := &ConfigError{Config: "apigee", Reason: "set a password or a passcode"}
	assert.EqualError(t, err, "invalid apigee configuration: set a password or a passcode")
}

func TestHTTPError(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &HTTPError{
		Step:       "authorize",
		Method:     http.MethodGet,
		URL:        "https://example.org/authorize",
		StatusCode: http.StatusBadRequest,
		Body:       `{"error":"invalid_request"}`,
	})

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)

	code, text := httpErr.Status()
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Bad Request", text)
	assert.Contains(t, err.Error(), `authorize: GET https://example.org/authorize returned 400: {"error":"invalid_request"}`)
}

func TestProtocolError_Unwraps(t *testing.T) {
	err := fmt.Errorf("login: %w", &ProtocolError{Step: "authorization code", Err: ErrNoAuthCode})

	assert.True(t, errors.Is(err, ErrNoAuthCode))
	assert.False(t, errors.Is(err, ErrNoLoginForm))
	assert.EqualError(t, err, "login: authorization code: no authorization code in redirect")
}
