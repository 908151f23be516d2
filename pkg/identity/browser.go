package identity

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"github.com/nhsdigital/nhsd-apim-testauth/pkg/loginform"
	"github.com/nhsdigital/nhsd-apim-testauth/pkg/oauth"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/publicsuffix"
)

const maxRedirects = 10

// browser is a single login session: its own cookie jar and a record of
// every redirect followed. Redirects stop at the callback so the code can be
// read from the Location without calling the callback host.
type browser struct {
	client    *http.Client
	redirects []*url.URL
}

func newBrowser(base *http.Client, callback string) (*browser, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("could not create cookie jar: %w", err)
	}

	stopAt, err := url.Parse(callback)
	if err != nil {
		return nil, fmt.Errorf("invalid callback %q: %w", callback, err)
	}

	b := &browser{}

	client := *base
	client.Jar = jar
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		b.redirects = append(b.redirects, req.URL)

		if sameEndpoint(req.URL, stopAt) {
			return http.ErrUseLastResponse
		}
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return nil
	}
	b.client = &client

	return b, nil
}

// lastRedirect returns the Location of the final redirect followed.
func (b *browser) lastRedirect() (*url.URL, bool) {
	if len(b.redirects) == 0 {
		return nil, false
	}
	return b.redirects[len(b.redirects)-1], true
}

// loginForm parses the form served by reply. An empty id selects the first form.
func loginForm(step string, reply *oauth.Reply, id string) (loginform.Form, error) {
	page, err := url.Parse(reply.URL)
	if err != nil {
		return loginform.Form{}, fmt.Errorf("%s: invalid page URL %q: %w", step, reply.URL, err)
	}

	form, err := loginform.ByID(bytes.NewReader(reply.Body), page, id)
	if errors.Is(err, oauth.ErrNoLoginForm) {
		return loginform.Form{}, &oauth.ProtocolError{Step: step, Err: err}
	}
	if err != nil {
		return loginform.Form{}, fmt.Errorf("%s: %w", step, err)
	}

	return form, nil
}

// submit sends the form the way a browser would and returns the final reply.
// Stopping at the callback leaves a 3xx reply, which counts as success.
func (b *browser) submit(ctx context.Context, step string, form loginform.Form, data url.Values) (*oauth.Reply, error) {
	var (
		reply *oauth.Reply
		err   error
	)

	b.redirects = nil

	if form.Method == http.MethodPost {
		reply, err = oauth.PostForm(ctx, b.client, form.Action.String(), data)
	} else {
		reply, err = oauth.Get(ctx, b.client, form.Action.String(), data)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", step, err)
	}

	if err := reply.Expect(step, func(code int) bool { return code < http.StatusBadRequest }); err != nil {
		return nil, err
	}

	return reply, nil
}

// authorizationCode reads the first non-empty code parameter from the last
// redirect.
func (b *browser) authorizationCode(step string) (string, error) {
	location, ok := b.lastRedirect()
	if !ok {
		return "", &oauth.ProtocolError{Step: step, Err: oauth.ErrNoAuthCode}
	}

	// blank values are ignored, as if the parameter were absent
	var codes []string
	for _, c := range location.Query()["code"] {
		if c != "" {
			codes = append(codes, c)
		}
	}
	if len(codes) == 0 {
		return "", &oauth.ProtocolError{Step: step, Err: oauth.ErrNoAuthCode}
	}

	if len(codes) > 1 {
		log.Warn().
			Str("step", step).
			Int("count", len(codes)).
			Msg("redirect carried more than one code, using the first")
	}

	return codes[0], nil
}

func sameEndpoint(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) &&
		strings.EqualFold(a.Host, b.Host) &&
		strings.TrimSuffix(a.Path, "/") == strings.TrimSuffix(b.Path, "/")
}
