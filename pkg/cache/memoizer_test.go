package cache_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nhsdigital/nhsd-apim-testauth/pkg/cache"
	"github.com/nhsdigital/nhsd-apim-testauth/pkg/oauth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

func newMemoizer(t *testing.T, clock clockwork.Clock) *cache.Memoizer {
	t.Helper()

	c, err := cache.New(cache.Config{MaxSize: 100, Clock: clock})
	require.NoError(t, err)

	return cache.NewMemoizer(c)
}

type counter struct {
	calls atomic.Int32
	tok   oauth.TokenResponse
	err   error
}

func (c *counter) fetch(ctx context.Context) (oauth.TokenResponse, error) {
	c.calls.Add(1)
	return c.tok, c.err
}

func TestMemoizer_SecondCallHits(t *testing.T) {
	ctx := context.Background()
	m := newMemoizer(t, clockwork.NewFakeClockAt(epoch))
	c := &counter{tok: oauth.TokenResponse{AccessToken: "abc", ExpiresIn: 600}}

	first, err := m.Fetch(ctx, "k", c.fetch)
	require.NoError(t, err)
	second, err := m.Fetch(ctx, "k", c.fetch)
	require.NoError(t, err)

	assert.Equal(t, int32(1), c.calls.Load())
	assert.Equal(t, first, second)
	assert.Equal(t, epoch.Add(-5*time.Second).UnixMilli(), first.IssuedAt)
}

func TestMemoizer_ErrorsAreNotCached(t *testing.T) {
	ctx := context.Background()
	m := newMemoizer(t, clockwork.NewFakeClockAt(epoch))
	c := &counter{err: errors.New("upstream down")}

	_, err := m.Fetch(ctx, "k", c.fetch)
	assert.EqualError(t, err, "upstream down")

	c.err = nil
	c.tok = oauth.TokenResponse{AccessToken: "abc", ExpiresIn: 600}

	tok, err := m.Fetch(ctx, "k", c.fetch)
	require.NoError(t, err)
	assert.Equal(t, "abc", tok.AccessToken)
	assert.Equal(t, int32(2), c.calls.Load())
}

func TestMemoizer_ForceNew(t *testing.T) {
	ctx := context.Background()
	m := newMemoizer(t, clockwork.NewFakeClockAt(epoch))
	c := &counter{tok: oauth.TokenResponse{AccessToken: "abc", ExpiresIn: 600}}

	_, err := m.Fetch(ctx, "k", c.fetch)
	require.NoError(t, err)

	c.tok.AccessToken = "def"
	tok, err := m.Fetch(ctx, "k", c.fetch, cache.ForceNew())
	require.NoError(t, err)
	assert.Equal(t, "def", tok.AccessToken)

	// the forced token replaced the cached one
	tok, err = m.Fetch(ctx, "k", c.fetch)
	require.NoError(t, err)
	assert.Equal(t, "def", tok.AccessToken)

	assert.Equal(t, int32(2), c.calls.Load())
}

func TestMemoizer_ForceNewIf(t *testing.T) {
	ctx := context.Background()
	m := newMemoizer(t, clockwork.NewFakeClockAt(epoch))
	c := &counter{tok: oauth.TokenResponse{AccessToken: "abc", ExpiresIn: 600}}

	_, err := m.Fetch(ctx, "k", c.fetch, cache.ForceNewIf(false))
	require.NoError(t, err)
	_, err = m.Fetch(ctx, "k", c.fetch, cache.ForceNewIf(false))
	require.NoError(t, err)
	assert.Equal(t, int32(1), c.calls.Load())

	_, err = m.Fetch(ctx, "k", c.fetch, cache.ForceNewIf(true))
	require.NoError(t, err)
	assert.Equal(t, int32(2), c.calls.Load())
}

func TestMemoizer_ConcurrentCallersShareOneFetch(t *testing.T) {
	ctx := context.Background()
	m := newMemoizer(t, clockwork.NewFakeClockAt(epoch))

	const callers = 16

	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	fetch := func(ctx context.Context) (oauth.TokenResponse, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return oauth.TokenResponse{AccessToken: "abc", ExpiresIn: 600}, nil
	}

	var ready, done sync.WaitGroup
	ready.Add(callers)
	done.Add(callers)
	results := make([]oauth.TokenResponse, callers)
	for i := range results {
		go func() {
			defer done.Done()
			ready.Done()
			tok, err := m.Fetch(ctx, "k", fetch)
			assert.NoError(t, err)
			results[i] = tok
		}()
	}

	// hold the first fetch open until every caller has missed and joined it
	ready.Wait()
	<-started
	time.Sleep(50 * time.Millisecond)
	close(release)
	done.Wait()

	for _, tok := range results {
		assert.Equal(t, "abc", tok.AccessToken)
	}
	assert.Equal(t, int32(1), calls.Load())
}

type grant struct {
	ClientID  string            `json:"client_id"`
	LoginForm map[string]string `json:"login_form"`
}

func TestWrap_KeysOnParameters(t *testing.T) {
	ctx := context.Background()
	m := newMemoizer(t, clockwork.NewFakeClockAt(epoch))

	var calls atomic.Int32
	cached := cache.Wrap(m, "grant", func(ctx context.Context, g grant) (oauth.TokenResponse, error) {
		calls.Add(1)
		return oauth.TokenResponse{AccessToken: "token-for-" + g.ClientID, ExpiresIn: 600}, nil
	})

	a, err := cached(ctx, grant{ClientID: "a", LoginForm: map[string]string{"username": "u", "password": "p"}})
	require.NoError(t, err)
	again, err := cached(ctx, grant{ClientID: "a", LoginForm: map[string]string{"password": "p", "username": "u"}})
	require.NoError(t, err)
	b, err := cached(ctx, grant{ClientID: "b"})
	require.NoError(t, err)

	assert.Equal(t, a, again)
	assert.Equal(t, "token-for-b", b.AccessToken)
	assert.Equal(t, int32(2), calls.Load())
}

func TestWrap_EndToEndExpiry(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	m := newMemoizer(t, clock)

	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"abc","expires_in":600}`))
	}))
	t.Cleanup(srv.Close)

	getToken := cache.Wrap(m, "client_credentials", func(ctx context.Context, clientID string) (oauth.TokenResponse, error) {
		return oauth.RequestToken(ctx, srv.Client(), "client credentials", srv.URL, url.Values{"client_id": {clientID}}, oauth.StatusOK)
	})

	first, err := getToken(ctx, "client")
	require.NoError(t, err)
	assert.Equal(t, "abc", first.AccessToken)
	assert.Equal(t, int32(1), requests.Load())

	second, err := getToken(ctx, "client")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), requests.Load())

	clock.Advance(601 * time.Second)

	third, err := getToken(ctx, "client")
	require.NoError(t, err)
	assert.Equal(t, "abc", third.AccessToken)
	assert.Equal(t, int32(2), requests.Load())

	_, err = getToken(ctx, "client")
	require.NoError(t, err)
	assert.Equal(t, int32(2), requests.Load())
}
