package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestToken_Success(t *testing.T) {
	var received url.Values
	var header http.Header

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		received = r.PostForm
		header = r.Header.Clone()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "abc", "expires_in": "600"})
	}))
	t.Cleanup(srv.Close)

	tok, err := RequestToken(context.Background(), srv.Client(), "client credentials", srv.URL+"/token",
		url.Values{"grant_type": {"client_credentials"}}, StatusOK, WithBasicAuth("edgecli", "edgeclisecret"))

	require.NoError(t, err)
	assert.Equal(t, "abc", tok.AccessToken)
	assert.Equal(t, int64(600), tok.ExpiresIn)
	assert.Equal(t, "client_credentials", received.Get("grant_type"))
	assert.Equal(t, "application/json", header.Get("Accept"))
	assert.Equal(t, "application/x-www-form-urlencoded", header.Get("Content-Type"))

	user, pass, ok := (&http.Request{Header: header}).BasicAuth()
	require.True(t, ok)
	assert.Equal(t, "edgecli", user)
	assert.Equal(t, "edgeclisecret", pass)
}

func TestRequestToken_UnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"access_token":"abc"}`))
	}))
	t.Cleanup(srv.Close)

	_, err := RequestToken(context.Background(), srv.Client(), "client credentials", srv.URL, url.Values{}, StatusOK)

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusCreated, httpErr.StatusCode)
	assert.Equal(t, `{"access_token":"abc"}`, httpErr.Body)
	assert.Equal(t, http.MethodPost, httpErr.Method)

	// any 2xx is fine when the step allows it
	tok, err := RequestToken(context.Background(), srv.Client(), "authorization code", srv.URL, url.Values{}, StatusSuccess)
	require.NoError(t, err)
	assert.Equal(t, "abc", tok.AccessToken)
}

func TestGet_MergesQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.URL.RawQuery))
	}))
	t.Cleanup(srv.Close)

	reply, err := Get(context.Background(), srv.Client(), srv.URL+"/authorize?existing=1",
		url.Values{"client_id": {"c"}}, WithHeader("X-Test", "1"))

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, reply.StatusCode)
	assert.Equal(t, "client_id=c&existing=1", string(reply.Body))
	assert.NoError(t, reply.Expect("authorize", StatusOK))
}

func TestDo_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	_, err := Get(context.Background(), nil, endpoint, nil)
	assert.ErrorContains(t, err, "GET "+endpoint)
}
