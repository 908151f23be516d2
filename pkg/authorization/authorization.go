// Package authorization turns a declared authorization (who is calling the
// API and at which assurance level) into a product scope and an access token.
package authorization

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/nhsdigital/nhsd-apim-testauth/pkg/identity"
	"github.com/nhsdigital/nhsd-apim-testauth/pkg/oauth"
	"gopkg.in/yaml.v3"
)

// Access is the kind of caller.
type Access string

const (
	HealthcareWorker Access = "healthcare_worker"
	Patient          Access = "patient"
	Application      Access = "application"
)

// Authentication selects how a user-restricted token is obtained.
type Authentication string

const (
	// Combined logs in through the identity service authorize endpoint.
	Combined Authentication = "combined"
	// Separate logs in to the provider directly and exchanges its id_token.
	Separate Authentication = "separate"
)

// Pattern is the flow used to authorize a request.
type Pattern int

const (
	APIKey Pattern = iota
	SignedJWT
	CombinedAuth
	SeparateAuth
)

func (p Pattern) String() string {
	switch p {
	case APIKey:
		return "api-key"
	case SignedJWT:
		return "signed-jwt"
	case CombinedAuth:
		return "combined-auth"
	case SeparateAuth:
		return "separate-auth"
	default:
		return fmt.Sprintf("pattern(%d)", int(p))
	}
}

var (
	levels = map[Access][]string{
		HealthcareWorker: {"aal1", "aal3"},
		Patient:          {"P0", "P5", "P9"},
		Application:      {"level0", "level3"},
	}

	scopeParts = map[Access]string{
		HealthcareWorker: "user-nhs-cis2",
		Patient:          "user-nhs-login",
		Application:      "app",
	}
)

// Authorization declares the access a test needs.
type Authorization struct {
	APIName        string            `yaml:"api_name" json:"api_name"`
	Access         Access            `yaml:"access" json:"access"`
	Level          string            `yaml:"level" json:"level"`
	Authentication Authentication    `yaml:"authentication,omitempty" json:"authentication,omitempty"`
	LoginForm      map[string]string `yaml:"login_form,omitempty" json:"login_form,omitempty"`
	ForceNewToken  bool              `yaml:"force_new_token,omitempty" json:"force_new_token,omitempty"`
}

// Parse decodes a YAML authorization, fills defaults and validates it.
// Unknown keys are rejected.
func Parse(data []byte) (Authorization, error) {
	return ParseFor(data, "")
}

// ParseFor is Parse with apiName used when the document names no API.
func ParseFor(data []byte, apiName string) (Authorization, error) {
	var a Authorization

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&a); err != nil && !errors.Is(err, io.EOF) {
		return Authorization{}, fmt.Errorf("could not parse authorization: %w", err)
	}

	a = a.WithDefaults(apiName)
	if err := a.Validate(); err != nil {
		return Authorization{}, err
	}

	return a, nil
}

// WithDefaults fills the API name when empty and defaults user-restricted
// access to combined authentication.
func (a Authorization) WithDefaults(apiName string) Authorization {
	if a.APIName == "" {
		a.APIName = apiName
	}
	if a.Authentication == "" && a.UserRestricted() {
		a.Authentication = Combined
	}
	return a
}

// Validate reports an unknown access, a level that does not belong to the
// access, or an unknown authentication as an *oauth.ConfigError.
func (a Authorization) Validate() error {
	const name = "authorization"

	if err := oauth.Required(name,
		oauth.Field("api_name", a.APIName),
		oauth.Field("access", string(a.Access)),
		oauth.Field("level", a.Level),
	); err != nil {
		return err
	}

	allowed, ok := levels[a.Access]
	if !ok {
		return &oauth.ConfigError{Config: name, Reason: fmt.Sprintf("unknown access %q", a.Access)}
	}
	if !slices.Contains(allowed, a.Level) {
		return &oauth.ConfigError{
			Config: name,
			Reason: fmt.Sprintf("level %q is not valid for %s access, expected one of %s", a.Level, a.Access, strings.Join(allowed, ", ")),
		}
	}

	if a.UserRestricted() {
		switch a.Authentication {
		case "", Combined, Separate:
		default:
			return &oauth.ConfigError{Config: name, Reason: fmt.Sprintf("authentication must be %s or %s, got %q", Combined, Separate, a.Authentication)}
		}
	}

	return nil
}

// UserRestricted reports whether the access acts on behalf of a user.
func (a Authorization) UserRestricted() bool {
	return a.Access == HealthcareWorker || a.Access == Patient
}

// Scope is the product scope the access needs, or empty for application
// level0, which only needs an API key.
func (a Authorization) Scope() string {
	if a.Access == Application && a.Level == "level0" {
		return ""
	}
	return strings.Join([]string{"urn:nhsd:apim", scopeParts[a.Access], a.Level, a.APIName}, ":")
}

// UserScope is the identity provider scope for user-restricted access.
func (a Authorization) UserScope() string {
	switch a.Access {
	case HealthcareWorker:
		return identity.ScopeCIS2
	case Patient:
		return identity.ScopeNHSLogin
	default:
		return ""
	}
}

// Pattern returns the flow that satisfies the authorization.
func (a Authorization) Pattern() Pattern {
	switch {
	case a.Access == Application && a.Level == "level0":
		return APIKey
	case a.Access == Application:
		return SignedJWT
	case a.Authentication == Separate:
		return SeparateAuth
	default:
		return CombinedAuth
	}
}
