package cache

import (
	"context"

	"github.com/nhsdigital/nhsd-apim-testauth/pkg/oauth"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// FetchFunc performs the network round-trip for a token.
type FetchFunc func(ctx context.Context) (oauth.TokenResponse, error)

type fetchOptions struct {
	forceNew bool
}

// FetchOption adjusts a single Fetch call.
type FetchOption func(*fetchOptions)

// ForceNew skips the lookup so a fresh token is always fetched. The new token
// still replaces whatever was cached.
func ForceNew() FetchOption {
	return func(o *fetchOptions) {
		o.forceNew = true
	}
}

// ForceNewIf applies ForceNew when force is true.
func ForceNewIf(force bool) FetchOption {
	return func(o *fetchOptions) {
		o.forceNew = o.forceNew || force
	}
}

// Memoizer looks tokens up in an Expiring cache and fetches on a miss. Only
// successful fetches are stored. Concurrent fetches for one key are collapsed
// into a single call.
type Memoizer struct {
	cache *Expiring
	group singleflight.Group
}

// NewMemoizer creates a Memoizer over cache.
func NewMemoizer(cache *Expiring) *Memoizer {
	return &Memoizer{cache: cache}
}

// Fetch returns the live token cached under key, or calls fetch and caches
// its result.
func (m *Memoizer) Fetch(ctx context.Context, key string, fetch FetchFunc, opts ...FetchOption) (oauth.TokenResponse, error) {
	o := fetchOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	if !o.forceNew {
		tok, found, err := m.cache.Get(ctx, key)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("token cache lookup failed, fetching")
		} else if found {
			log.Debug().Str("key", key).Msg("hit: existing token found")
			return tok, nil
		}
	}

	log.Debug().Str("key", key).Bool("forced", o.forceNew).Msg("miss: fetching token")

	v, err, shared := m.group.Do(key, func() (any, error) {
		tok, err := fetch(ctx)
		if err != nil {
			return nil, err
		}

		stored, err := m.cache.Insert(ctx, key, tok)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("could not cache token")
		}
		return stored, nil
	})
	if err != nil {
		return oauth.TokenResponse{}, err
	}
	if shared {
		log.Debug().Str("key", key).Msg("fetch shared with concurrent caller")
	}

	return v.(oauth.TokenResponse), nil
}

// Wrap turns f into a cached function. The cache key is derived from name and
// the full parameter value, so every distinct parameter set runs f once.
func Wrap[P any](m *Memoizer, name string, f func(context.Context, P) (oauth.TokenResponse, error)) func(context.Context, P, ...FetchOption) (oauth.TokenResponse, error) {
	return func(ctx context.Context, params P, opts ...FetchOption) (oauth.TokenResponse, error) {
		key, err := Key(name, params)
		if err != nil {
			return oauth.TokenResponse{}, err
		}

		return m.Fetch(ctx, key, func(ctx context.Context) (oauth.TokenResponse, error) {
			return f(ctx, params)
		}, opts...)
	}
}
