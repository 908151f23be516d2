package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nhsdigital/nhsd-apim-testauth/pkg/oauth"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultGracePeriod is subtracted from the remaining lifetime of a token
	// when deciding whether it can still be handed out.
	DefaultGracePeriod = 5 * time.Second

	// DefaultAssumedAge is how old a token without issued_at is taken to be
	// when it enters the cache.
	DefaultAssumedAge = 5 * time.Second
)

// Expiring applies token expiry semantics on top of a storage cache. A token
// is live while now + grace <= issued_at + expires_in. Expired entries are
// evicted on lookup.
type Expiring struct {
	store      TokenCache[oauth.TokenResponse]
	clock      clockwork.Clock
	grace      time.Duration
	assumedAge time.Duration
}

// ExpiringOption configures an Expiring cache.
type ExpiringOption func(*Expiring)

// WithClock replaces the real clock, typically with a clockwork.FakeClock.
func WithClock(clock clockwork.Clock) ExpiringOption {
	return func(e *Expiring) {
		e.clock = clock
	}
}

// WithGracePeriod overrides DefaultGracePeriod.
func WithGracePeriod(grace time.Duration) ExpiringOption {
	return func(e *Expiring) {
		e.grace = grace
	}
}

// WithAssumedAge overrides DefaultAssumedAge.
func WithAssumedAge(age time.Duration) ExpiringOption {
	return func(e *Expiring) {
		e.assumedAge = age
	}
}

// NewExpiring wraps store with expiry semantics.
func NewExpiring(store TokenCache[oauth.TokenResponse], opts ...ExpiringOption) *Expiring {
	e := &Expiring{
		store:      store,
		clock:      clockwork.NewRealClock(),
		grace:      DefaultGracePeriod,
		assumedAge: DefaultAssumedAge,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Config describes the default cache stack built by New.
type Config struct {
	MaxSize     int
	GracePeriod time.Duration
	Clock       clockwork.Clock
}

// New builds the standard stack: otter storage, metrics, expiry.
func New(cfg Config) (*Expiring, error) {
	if cfg.MaxSize == 0 {
		cfg.MaxSize = 1000
	}

	memory, err := NewMemory[oauth.TokenResponse](cfg.MaxSize)
	if err != nil {
		return nil, fmt.Errorf("could not create token cache: %w", err)
	}

	var opts []ExpiringOption
	if cfg.GracePeriod > 0 {
		opts = append(opts, WithGracePeriod(cfg.GracePeriod))
	}
	if cfg.Clock != nil {
		opts = append(opts, WithClock(cfg.Clock))
	}

	return NewExpiring(NewInstrumented(memory, "memory"), opts...), nil
}

// Get returns the cached token only if it is still live. An expired entry is
// removed and reported as a miss.
func (e *Expiring) Get(ctx context.Context, key string) (oauth.TokenResponse, bool, error) {
	tok, found, err := e.store.Get(ctx, key)
	if err != nil || !found {
		return oauth.TokenResponse{}, false, err
	}

	if e.expired(tok) {
		log.Debug().
			Str("key", key).
			Int64("issued_at", tok.IssuedAt).
			Int64("expires_in", tok.ExpiresIn).
			Msg("evict: cached token has expired")

		if err := e.store.Invalidate(ctx, key); err != nil {
			return oauth.TokenResponse{}, false, err
		}
		return oauth.TokenResponse{}, false, nil
	}

	return tok, true, nil
}

// Set stores the token, stamping issued_at when the server did not supply it.
func (e *Expiring) Set(ctx context.Context, key string, tok oauth.TokenResponse) error {
	_, err := e.Insert(ctx, key, tok)
	return err
}

// Insert behaves like Set and returns the token as stored.
func (e *Expiring) Insert(ctx context.Context, key string, tok oauth.TokenResponse) (oauth.TokenResponse, error) {
	if tok.IssuedAt == 0 {
		tok.IssuedAt = e.clock.Now().Add(-e.assumedAge).UnixMilli()
	}

	if err := e.store.Set(ctx, key, tok); err != nil {
		return tok, err
	}

	return tok, nil
}

// Invalidate removes a token from the cache.
func (e *Expiring) Invalidate(ctx context.Context, key string) error {
	return e.store.Invalidate(ctx, key)
}

func (e *Expiring) expired(tok oauth.TokenResponse) bool {
	nowMs := e.clock.Now().UnixMilli()
	return nowMs+e.grace.Milliseconds() > tok.IssuedAt+1000*tok.ExpiresIn
}
