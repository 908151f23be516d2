package cache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type keyParams struct {
	ClientID  string            `json:"client_id"`
	LoginForm map[string]string `json:"login_form"`
	Nested    map[string]any    `json:"nested,omitempty"`
}

func TestKey_IndependentOfMapOrder(t *testing.T) {
	a := map[string]string{}
	a["username"] = "656005750104"
	a["password"] = "secret"
	a["otp"] = "123456"

	b := map[string]string{}
	b["otp"] = "123456"
	b["password"] = "secret"
	b["username"] = "656005750104"

	keyA, err := Key("authorization_code", keyParams{ClientID: "client", LoginForm: a})
	require.NoError(t, err)
	keyB, err := Key("authorization_code", keyParams{ClientID: "client", LoginForm: b})
	require.NoError(t, err)

	assert.Equal(t, keyA, keyB)
}

func TestKey_NestedMapsAreCanonical(t *testing.T) {
	first, err := Canonical(keyParams{
		ClientID: "client",
		Nested: map[string]any{
			"z": map[string]any{"b": 2, "a": 1},
			"a": []any{"x", map[string]any{"d": 4, "c": 3}},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, `[{"client_id":"client","login_form":null,"nested":{"a":["x",{"c":3,"d":4}],"z":{"a":1,"b":2}}}]`, first)
}

func TestKey_Distinguishes(t *testing.T) {
	base, err := Key("client_credentials", keyParams{ClientID: "client"})
	require.NoError(t, err)

	tests := []struct {
		name   string
		fnName string
		params keyParams
	}{
		{
			name:   "different function",
			fnName: "token_exchange",
			params: keyParams{ClientID: "client"},
		},
		{
			name:   "different argument",
			fnName: "client_credentials",
			params: keyParams{ClientID: "other"},
		},
		{
			name:   "extra argument",
			fnName: "client_credentials",
			params: keyParams{ClientID: "client", LoginForm: map[string]string{"username": "x"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := Key(tt.fnName, tt.params)
			require.NoError(t, err)
			assert.NotEqual(t, base, key)
		})
	}
}

func TestKey_DoesNotLeakArguments(t *testing.T) {
	key, err := Key("client_credentials", keyParams{ClientID: "client", LoginForm: map[string]string{"password": "hunter2"}})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(key, "client_credentials:"))
	assert.NotContains(t, key, "hunter2")
	assert.Len(t, strings.TrimPrefix(key, "client_credentials:"), 64)
}

func TestKey_UnencodableArgument(t *testing.T) {
	_, err := Key("broken", func() {})
	assert.ErrorContains(t, err, "could not derive cache key for broken")
}
