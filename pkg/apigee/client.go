package apigee

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/lestrrat-go/jwx/v3/jwt"
	"github.com/nhsdigital/nhsd-apim-testauth/pkg/oauth"
	"github.com/rs/zerolog/log"
)

// DefaultBaseURL is the Edge management API.
const DefaultBaseURL = "https://api.enterprise.apigee.com/v1"

type options struct {
	baseURL  string
	tokenURL string
	client   *http.Client
	clock    clockwork.Clock
}

// Option configures a Client.
type Option func(*options)

// WithBaseURL replaces DefaultBaseURL.
func WithBaseURL(u string) Option {
	return func(o *options) {
		o.baseURL = strings.TrimSuffix(u, "/")
	}
}

// WithTokenURL replaces the login server token endpoint.
func WithTokenURL(u string) Option {
	return func(o *options) {
		o.tokenURL = u
	}
}

// WithHTTPClient sets the client used for every request.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.client = client
	}
}

// WithClock sets the clock used for OTP codes and token expiry.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// Client is an authenticated management API client for one organization.
// The token is renewed before a request when it has expired.
type Client struct {
	org     string
	baseURL string
	auth    *Authenticator
	client  *http.Client
	clock   clockwork.Clock

	mu    sync.Mutex
	token string
}

// NewClient validates creds. Nothing is sent until the first request.
func NewClient(creds Credentials, opts ...Option) (*Client, error) {
	o := options{
		baseURL: DefaultBaseURL,
		client:  oauth.DefaultClient(),
		clock:   clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	auth, err := NewAuthenticator(creds, o.tokenURL, o.client, o.clock)
	if err != nil {
		return nil, err
	}

	return &Client{
		org:     creds.Org,
		baseURL: o.baseURL,
		auth:    auth,
		client:  o.client,
		clock:   o.clock,
	}, nil
}

// Org is the organization the client manages.
func (c *Client) Org() string {
	return c.org
}

// OrgURL is the base URL of the organization's resources.
func (c *Client) OrgURL() string {
	return c.baseURL + "/organizations/" + url.PathEscape(c.org)
}

func (c *Client) bearer(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && !c.expired(c.token) {
		return c.token, nil
	}

	if c.token != "" {
		log.Info().Str("org", c.org).Msg("apigee token expired, authenticating again")
	}

	token, err := c.auth.Token(ctx)
	if err != nil {
		return "", err
	}
	c.token = token

	return token, nil
}

// expired reads exp from the token without verifying it. Opaque tokens are
// never considered expired.
func (c *Client) expired(token string) bool {
	parsed, err := jwt.ParseString(token, jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		log.Debug().Err(err).Msg("apigee token is not a JWT, assuming it is valid")
		return false
	}

	exp, ok := parsed.Expiration()
	if !ok {
		return false
	}

	return !c.clock.Now().Before(exp)
}

// do sends a JSON request relative to the organization URL, checks the
// status and decodes the response into out when out is not nil.
func (c *Client) do(ctx context.Context, step, method, path string, query url.Values, body, out any, accept func(int) bool) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: could not encode request: %w", step, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.OrgURL()+path, reader)
	if err != nil {
		return fmt.Errorf("%s: could not create request: %w", step, err)
	}

	token, err := c.bearer(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", step, err)
	}

	opts := []oauth.RequestOption{
		oauth.WithHeader("Authorization", "Bearer "+token),
		oauth.WithHeader("Accept", "application/json"),
	}
	if body != nil {
		opts = append(opts, oauth.WithHeader("Content-Type", "application/json"))
	}
	if len(query) > 0 {
		opts = append(opts, oauth.WithQuery(query))
	}

	reply, err := oauth.Do(c.client, req, opts...)
	if err != nil {
		return fmt.Errorf("%s: %w", step, err)
	}

	if err := reply.Expect(step, accept); err != nil {
		return err
	}

	if out == nil {
		return nil
	}

	if err := json.Unmarshal(reply.Body, out); err != nil {
		return fmt.Errorf("%s: invalid response from %s: %w", step, reply.URL, err)
	}

	return nil
}
