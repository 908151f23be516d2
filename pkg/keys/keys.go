// Package keys generates the RSA key pairs used to sign client assertions and
// publishes their public halves as JWKS.
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultBits is the RSA modulus size used for new key pairs.
	DefaultBits = 4096

	// MinimumBits is the smallest modulus a Store will generate.
	MinimumBits = 2048

	// DefaultJWKSBase is the mock-jwks proxy that decodes a JWKS from its path.
	DefaultJWKSBase = "https://internal-dev.api.service.nhs.uk/mock-jwks"
)

// Store hands out one key pair per key id for the lifetime of the process.
type Store struct {
	mu    sync.Mutex
	bits  int
	pairs map[string]*KeyPair
}

// Option configures a Store.
type Option func(*Store)

// WithBits sets the RSA modulus size. Values below MinimumBits are raised.
func WithBits(bits int) Option {
	return func(s *Store) {
		s.bits = max(bits, MinimumBits)
	}
}

// NewStore creates an empty key store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		bits:  DefaultBits,
		pairs: make(map[string]*KeyPair),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Get returns the key pair for kid, generating it on first use.
func (s *Store) Get(kid string) (*KeyPair, error) {
	if strings.TrimSpace(kid) == "" {
		return nil, errors.New("key id must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if pair, ok := s.pairs[kid]; ok {
		return pair, nil
	}

	pair, err := Generate(kid, s.bits)
	if err != nil {
		return nil, err
	}
	s.pairs[kid] = pair

	log.Debug().Str("kid", kid).Int("bits", s.bits).Msg("generated signing key pair")

	return pair, nil
}

// Load registers a configured private key under kid so Get returns it
// instead of generating one.
func (s *Store) Load(kid, privateKeyPEM string) (*KeyPair, error) {
	if strings.TrimSpace(kid) == "" {
		return nil, errors.New("key id must not be empty")
	}

	pair, err := FromPEM(kid, privateKeyPEM)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairs[kid] = pair

	return pair, nil
}

// KeyPair is an RSA key pair identified by KeyID.
type KeyPair struct {
	KeyID      string
	PrivateKey *rsa.PrivateKey
}

// Generate creates a new key pair of the given size.
func Generate(kid string, bits int) (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("could not generate RSA key for %s: %w", kid, err)
	}

	return &KeyPair{KeyID: kid, PrivateKey: priv}, nil
}

// PrivateKeyPEM returns the private key PKCS#1 encoded.
func (k *KeyPair) PrivateKeyPEM() string {
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(k.PrivateKey),
	}))
}

// PublicKeyPEM returns the public key PKIX encoded.
func (k *KeyPair) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(&k.PrivateKey.PublicKey)
	if err != nil {
		return "", fmt.Errorf("could not encode public key %s: %w", k.KeyID, err)
	}

	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: der,
	})), nil
}

// JWK returns the public key as a JWK with kid, alg RS512 and use sig.
func (k *KeyPair) JWK() (jwk.Key, error) {
	key, err := jwk.Import(&k.PrivateKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("could not import public key %s: %w", k.KeyID, err)
	}

	if err := key.Set(jwk.KeyIDKey, k.KeyID); err != nil {
		return nil, fmt.Errorf("failed to set kid: %w", err)
	}
	if err := key.Set(jwk.AlgorithmKey, jwa.RS512()); err != nil {
		return nil, fmt.Errorf("failed to set alg: %w", err)
	}
	if err := key.Set(jwk.KeyUsageKey, "sig"); err != nil {
		return nil, fmt.Errorf("failed to set use: %w", err)
	}

	return key, nil
}

// FromPEM wraps an existing RSA private key, PKCS#1 or PKCS#8 encoded.
func FromPEM(kid, privateKeyPEM string) (*KeyPair, error) {
	key, err := jwk.ParseKey([]byte(privateKeyPEM), jwk.WithPEM(true))
	if err != nil {
		return nil, fmt.Errorf("could not parse private key %s: %w", kid, err)
	}

	var priv rsa.PrivateKey
	if err := jwk.Export(key, &priv); err != nil {
		return nil, fmt.Errorf("private key %s is not an RSA private key: %w", kid, err)
	}

	return &KeyPair{KeyID: kid, PrivateKey: &priv}, nil
}

// JWKS returns {"keys":[<JWK>]}.
func (k *KeyPair) JWKS() ([]byte, error) {
	key, err := k.JWK()
	if err != nil {
		return nil, err
	}

	set := jwk.NewSet()
	if err := set.AddKey(key); err != nil {
		return nil, fmt.Errorf("failed to add key to set: %w", err)
	}

	b, err := json.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JWKS: %w", err)
	}

	return b, nil
}

// JWKSURL returns base followed by the base64url encoded JWKS. The mock-jwks
// proxy serves the decoded document from that path. Padding is kept.
func (k *KeyPair) JWKSURL(base string) (string, error) {
	if base == "" {
		base = DefaultJWKSBase
	}

	b, err := k.JWKS()
	if err != nil {
		return "", err
	}

	return strings.TrimSuffix(base, "/") + "/" + base64.URLEncoding.EncodeToString(b), nil
}

// DecodeJWKSURL reverses JWKSURL, returning the JWKS carried in the last path
// segment.
func DecodeJWKSURL(u string) (jwk.Set, error) {
	i := strings.LastIndex(u, "/")
	if i < 0 || i == len(u)-1 {
		return nil, fmt.Errorf("no JWKS in %q", u)
	}

	b, err := base64.URLEncoding.DecodeString(u[i+1:])
	if err != nil {
		return nil, fmt.Errorf("could not decode JWKS from URL: %w", err)
	}

	set, err := jwk.Parse(b)
	if err != nil {
		return nil, fmt.Errorf("could not parse JWKS from URL: %w", err)
	}

	return set, nil
}
