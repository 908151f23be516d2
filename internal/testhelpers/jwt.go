package testhelpers

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jwt"
	"github.com/stretchr/testify/require"
)

// GenerateJWK generates an RSA 2048-bit signing key for the mock login server.
func GenerateJWK(t *testing.T) jwk.Key {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err, "failed to generate private key")

	key, err := jwk.Import(privateKey)
	require.NoError(t, err, "failed to import private key as JWK")

	err = key.Set(jwk.KeyIDKey, "apigee-sso")
	require.NoError(t, err, "failed to set KeyID")

	err = key.Set(jwk.AlgorithmKey, jwa.RS256())
	require.NoError(t, err, "failed to set Algorithm")

	return key
}

// SignManagementToken mints an access token shaped like the ones the Apigee
// login server issues: an RS256 JWT with the user as subject.
func SignManagementToken(key jwk.Key, subject string, issued time.Time, lifetime time.Duration) (string, error) {
	token, err := jwt.NewBuilder().
		JwtID(uuid.NewString()).
		Issuer("https://login.apigee.com").
		Subject(subject).
		IssuedAt(issued).
		Expiration(issued.Add(lifetime)).
		Build()
	if err != nil {
		return "", fmt.Errorf("failed to build token: %w", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256(), key))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return string(signed), nil
}

// CreateManagementToken is SignManagementToken for use directly in tests.
func CreateManagementToken(t *testing.T, key jwk.Key, subject string, issued time.Time, lifetime time.Duration) string {
	t.Helper()

	signed, err := SignManagementToken(key, subject, issued, lifetime)
	require.NoError(t, err)

	return signed
}

// verifyManagementToken checks the signature and that the token is
// unexpired at now.
func verifyManagementToken(key jwk.Key, raw string, now time.Time) error {
	publicKey, err := jwk.PublicKeyOf(key)
	if err != nil {
		return fmt.Errorf("failed to get public key: %w", err)
	}

	token, err := jwt.ParseString(raw, jwt.WithKey(jwa.RS256(), publicKey), jwt.WithValidate(false))
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}

	exp, ok := token.Expiration()
	if !ok {
		return fmt.Errorf("token has no exp")
	}
	if !now.Before(exp) {
		return fmt.Errorf("token expired at %s", exp.Format(time.RFC3339))
	}

	return nil
}
