package identity

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/nhsdigital/nhsd-apim-testauth/pkg/oauth"
	"github.com/rs/zerolog/log"
)

const (
	// AssertionLifetime is how long a client assertion stays valid.
	AssertionLifetime = 300 * time.Second

	// ClientAssertionType is the client_assertion_type of a signed JWT.
	ClientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
)

// AssertionBuilder signs client assertions for one client and audience.
type AssertionBuilder struct {
	clientID string
	audience string
	keyID    string
	key      *rsa.PrivateKey
	clock    clockwork.Clock
}

// NewAssertionBuilder parses the PEM encoded RSA private key. A key that
// cannot be parsed is a configuration error.
func NewAssertionBuilder(clientID, audience, privateKeyPEM, keyID string, clock clockwork.Clock) (*AssertionBuilder, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privateKeyPEM))
	if err != nil {
		return nil, &oauth.ConfigError{Config: "client assertion", Reason: fmt.Sprintf("jwt_private_key: %v", err)}
	}

	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &AssertionBuilder{
		clientID: clientID,
		audience: audience,
		keyID:    keyID,
		key:      key,
		clock:    clock,
	}, nil
}

// Build returns a new RS512 assertion with sub and iss set to the client id,
// a random jti and a five minute expiry. The kid header names the key.
func (b *AssertionBuilder) Build() (string, error) {
	jti := uuid.NewString()
	exp := b.clock.Now().Add(AssertionLifetime).Unix()

	token := jwt.NewWithClaims(jwt.SigningMethodRS512, jwt.MapClaims{
		"sub": b.clientID,
		"iss": b.clientID,
		"jti": jti,
		"aud": b.audience,
		"exp": exp,
	})
	token.Header["kid"] = b.keyID

	signed, err := token.SignedString(b.key)
	if err != nil {
		return "", fmt.Errorf("could not sign client assertion: %w", err)
	}

	log.Debug().
		Str("sub", b.clientID).
		Str("aud", b.audience).
		Str("jti", jti).
		Int64("exp", exp).
		Str("kid", b.keyID).
		Msg("signed client assertion")

	return signed, nil
}
