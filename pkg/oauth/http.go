package oauth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultTimeout bounds every HTTP call so a hung endpoint fails the test
	// instead of stalling the suite.
	DefaultTimeout = 3 * time.Second

	// maxResponseBodySize is the maximum size for reading response bodies (1 MB)
	maxResponseBodySize = 1 << 20

	formContentType = "application/x-www-form-urlencoded"
)

// DefaultClient returns an HTTP client with DefaultTimeout using the default
// transport.
func DefaultClient() *http.Client {
	return &http.Client{Timeout: DefaultTimeout}
}

// Reply is a fully read HTTP response.
type Reply struct {
	Method     string
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Expect returns an *HTTPError unless the status is accepted.
func (r *Reply) Expect(step string, accept func(int) bool) error {
	if accept(r.StatusCode) {
		return nil
	}

	return &HTTPError{
		Step:       step,
		Method:     r.Method,
		URL:        r.URL,
		StatusCode: r.StatusCode,
		Body:       string(r.Body),
	}
}

// StatusOK accepts only 200.
func StatusOK(code int) bool { return code == http.StatusOK }

// StatusSuccess accepts any 2xx.
func StatusSuccess(code int) bool { return code >= 200 && code < 300 }

// RequestOption customises an outgoing request.
type RequestOption func(*http.Request)

// WithBasicAuth sets HTTP Basic credentials.
func WithBasicAuth(username, password string) RequestOption {
	return func(r *http.Request) {
		r.SetBasicAuth(username, password)
	}
}

// WithHeader sets a request header.
func WithHeader(key, value string) RequestOption {
	return func(r *http.Request) {
		r.Header.Set(key, value)
	}
}

// WithQuery merges query parameters into the request URL.
func WithQuery(params url.Values) RequestOption {
	return func(r *http.Request) {
		q := r.URL.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		r.URL.RawQuery = q.Encode()
	}
}

// PostForm sends data form-encoded to endpoint and reads the whole reply.
func PostForm(ctx context.Context, client *http.Client, endpoint string, data url.Values, opts ...RequestOption) (*Reply, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("could not create request for %s: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", formContentType)

	return Do(client, req, opts...)
}

// Get issues a GET with the given query parameters and reads the whole reply.
func Get(ctx context.Context, client *http.Client, endpoint string, query url.Values, opts ...RequestOption) (*Reply, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("could not create request for %s: %w", endpoint, err)
	}
	if len(query) > 0 {
		opts = append([]RequestOption{WithQuery(query)}, opts...)
	}

	return Do(client, req, opts...)
}

// Do applies opts, sends the request and reads at most 1 MB of the body.
func Do(client *http.Client, req *http.Request, opts ...RequestOption) (*Reply, error) {
	for _, opt := range opts {
		opt(req)
	}

	if client == nil {
		client = DefaultClient()
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s failed: %w", req.Method, req.URL.Redacted(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("could not read response from %s: %w", req.URL.Redacted(), err)
	}

	return &Reply{
		Method:     req.Method,
		URL:        resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// RequestToken posts a grant to a token endpoint, checks the status and
// decodes the token response.
func RequestToken(ctx context.Context, client *http.Client, step, endpoint string, data url.Values, accept func(int) bool, opts ...RequestOption) (TokenResponse, error) {
	opts = append(opts, WithHeader("Accept", "application/json"))

	reply, err := PostForm(ctx, client, endpoint, data, opts...)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("%s: %w", step, err)
	}

	if err := reply.Expect(step, accept); err != nil {
		return TokenResponse{}, err
	}

	return DecodeTokenResponse(step, reply.Body)
}
