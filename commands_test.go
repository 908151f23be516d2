package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/nhsdigital/nhsd-apim-testauth/internal/testhelpers"
	"github.com/nhsdigital/nhsd-apim-testauth/pkg/keys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var stdout, stderr bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func writeAuthorization(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "authorization.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func setupEnvironment(t *testing.T) *testhelpers.MockApigeeServer {
	t.Helper()

	mock := testhelpers.SetupMockApigeeServer(t)

	t.Setenv("APIGEE_PROXY_NAME", "mock-jwks-internal-dev")
	t.Setenv("APIGEE_ORGANIZATION", mock.Org)
	t.Setenv("APIGEE_DEVELOPER", mock.Developer)
	t.Setenv("APIGEE_ACCESS_TOKEN", mock.Token(t))
	t.Setenv("APIGEE_BASE_URL", mock.BaseURL())
	t.Setenv("APIGEE_TOKEN_URL", mock.TokenURL())
	t.Setenv("MOCK_JWKS_BASE_URL", mock.MockJWKSURL())
	t.Setenv("JWT_KEY_BITS", "2048")

	return mock
}

func TestJWKSCommand(t *testing.T) {
	out, err := run(t, "jwks", "--kid", "cli-test", "--bits", "2048")
	require.NoError(t, err)

	set, err := jwk.Parse([]byte(out))
	require.NoError(t, err)
	_, found := set.LookupKeyID("cli-test")
	assert.True(t, found)
}

func TestJWKSCommand_URL(t *testing.T) {
	out, err := run(t, "jwks", "--kid", "cli-test", "--bits", "2048", "--url", "--base-url", "https://example.org/jwks")
	require.NoError(t, err)

	u := strings.TrimSpace(out)
	assert.True(t, strings.HasPrefix(u, "https://example.org/jwks/"))

	set, err := keys.DecodeJWKSURL(u)
	require.NoError(t, err)
	assert.Equal(t, 1, set.Len())
}

func TestHeadersCommand_APIKey(t *testing.T) {
	mock := setupEnvironment(t)
	path := writeAuthorization(t, "access: application\nlevel: level0\n")

	out, err := run(t, "headers", "--authorization", path)
	require.NoError(t, err)

	var headers map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &headers))
	assert.NotEmpty(t, headers["Apikey"])

	assert.Empty(t, mock.AppNames(), "test app is deleted when the command finishes")
}

func TestHeadersCommand_Status(t *testing.T) {
	setupEnvironment(t)

	out, err := run(t, "headers", "--status")
	require.NoError(t, err)

	var headers map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &headers))
	assert.Equal(t, "status-key", headers["Apikey"])
}

func TestHeadersCommand_FlagsExclusive(t *testing.T) {
	_, err := run(t, "headers")
	assert.EqualError(t, err, "exactly one of --authorization or --status is required")
}

func TestTokenCommand_MissingFile(t *testing.T) {
	mock := setupEnvironment(t)

	_, err := run(t, "token", "--authorization", filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "could not read authorization")
	assert.Equal(t, 0, mock.RequestCount, "no session is started")
}

func TestTokenCommand_InvalidAuthorization(t *testing.T) {
	mock := setupEnvironment(t)
	path := writeAuthorization(t, "access: robot\nlevel: level3\n")

	_, err := run(t, "token", "--authorization", path)
	require.ErrorContains(t, err, `unknown access "robot"`)
	assert.Empty(t, mock.AppNames())
}

func TestTokenCommand_RequiresAuthorization(t *testing.T) {
	_, err := run(t, "token")
	require.Error(t, err)
}
