package identity

import (
	"net/http"

	"github.com/jonboulle/clockwork"
	"github.com/nhsdigital/nhsd-apim-testauth/pkg/oauth"
)

type options struct {
	client *http.Client
	clock  clockwork.Clock
}

// Option configures an authenticator.
type Option func(*options)

// WithHTTPClient sets the client used for every request. Its Jar and
// CheckRedirect are replaced per login; Transport and Timeout are kept.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.client = client
	}
}

// WithClock sets the clock used for assertion timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

func newOptions(opts []Option) options {
	o := options{
		client: oauth.DefaultClient(),
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
