package oauth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrNoLoginForm means the page expected to hold the login form had none.
	ErrNoLoginForm = errors.New("no login form found in response")

	// ErrNoAuthCode means the login redirect chain did not end with a code parameter.
	ErrNoAuthCode = errors.New("no authorization code in redirect")

	// ErrNoIDToken means an identity provider token response lacked an id_token.
	ErrNoIDToken = errors.New("token response has no id_token")

	// ErrNoAccessToken means a token response lacked an access_token.
	ErrNoAccessToken = errors.New("token response has no access_token")
)

// ConfigError reports missing or contradictory configuration. It is always
// returned before any network call is made.
type ConfigError struct {
	Config string
	Fields []string
	Reason string
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "invalid %s configuration", e.Config)
	if len(e.Fields) > 0 {
		fmt.Fprintf(&b, ": missing %s", strings.Join(e.Fields, ", "))
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	return b.String()
}

// RequiredField pairs a configuration field name with its value for Required.
type RequiredField struct {
	Name  string
	Value string
}

// Field is shorthand for constructing a RequiredField.
func Field(name, value string) RequiredField {
	return RequiredField{Name: name, Value: value}
}

// Required returns a *ConfigError naming every empty field, or nil.
func Required(config string, fields ...RequiredField) error {
	var missing []string
	for _, f := range fields {
		if strings.TrimSpace(f.Value) == "" {
			missing = append(missing, f.Name)
		}
	}

	if len(missing) == 0 {
		return nil
	}

	return &ConfigError{Config: config, Fields: missing}
}

// HTTPError is returned when any step of a flow receives an unexpected HTTP
// status. The body is kept so test failures show what the server said.
type HTTPError struct {
	Step       string
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: %s %s returned %d: %s", e.Step, e.Method, e.URL, e.StatusCode, e.Body)
}

// Status returns the upstream status code and its text.
func (e *HTTPError) Status() (int, string) {
	return e.StatusCode, http.StatusText(e.StatusCode)
}

// ProtocolError reports a response that had the right status but the wrong
// shape: no login form, no code in the redirect, no token in the body.
type ProtocolError struct {
	Step string
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
