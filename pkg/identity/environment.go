package identity

import (
	"fmt"
	"slices"
)

// Environment is an Apigee deployment environment.
type Environment string

const (
	InternalDev        Environment = "internal-dev"
	InternalQA         Environment = "internal-qa"
	InternalDevSandbox Environment = "internal-dev-sandbox"
	InternalQASandbox  Environment = "internal-qa-sandbox"
	Ref                Environment = "ref"
	Int                Environment = "int"
	Prod               Environment = "prod"

	// DefaultEnvironment is used when a config leaves the environment empty.
	DefaultEnvironment = InternalDev
)

var environments = []Environment{InternalDev, InternalQA, InternalDevSandbox, InternalQASandbox, Ref, Int, Prod}

// authorization_code is only wired to mock identity providers in these
var authorizationCodeEnvironments = []Environment{InternalDev, InternalQA, Int}

// ParseEnvironment validates an environment name. Empty means DefaultEnvironment.
func ParseEnvironment(s string) (Environment, error) {
	if s == "" {
		return DefaultEnvironment, nil
	}

	env := Environment(s)
	if !slices.Contains(environments, env) {
		return "", fmt.Errorf("unknown apigee environment %q", s)
	}

	return env, nil
}

// IdentityServiceBaseURL returns the base URL of the mock identity service
// for the environment.
func (e Environment) IdentityServiceBaseURL() string {
	if e == "" {
		e = DefaultEnvironment
	}
	if e == Prod {
		return "https://api.service.nhs.uk/oauth2-mock"
	}
	return fmt.Sprintf("https://%s.api.service.nhs.uk/oauth2-mock", e)
}

// SupportsAuthorizationCode reports whether user-restricted flows can run in
// the environment.
func (e Environment) SupportsAuthorizationCode() bool {
	if e == "" {
		e = DefaultEnvironment
	}
	return slices.Contains(authorizationCodeEnvironments, e)
}

// Realm is a Keycloak realm hosting a mock identity provider.
type Realm string

const (
	CIS2MockInternalDev     Realm = "Cis2-mock-internal-dev"
	CIS2MockInternalQA      Realm = "Cis2-mock-internal-qa"
	CIS2MockSandbox         Realm = "Cis2-mock-sandbox"
	CIS2MockInt             Realm = "Cis2-mock-int"
	NHSLoginMockInternalDev Realm = "NHS-Login-mock-internal-dev"
	NHSLoginMockInternalQA  Realm = "NHS-Login-mock-internal-qa"
	NHSLoginMockSandbox     Realm = "NHS-Login-mock-sandbox"
	NHSLoginMockInt         Realm = "NHS-Login-mock-int"
	APIProducers            Realm = "Api-producers"
)

var realms = []Realm{
	CIS2MockInternalDev, CIS2MockInternalQA, CIS2MockSandbox, CIS2MockInt,
	NHSLoginMockInternalDev, NHSLoginMockInternalQA, NHSLoginMockSandbox, NHSLoginMockInt,
	APIProducers,
}

// KeycloakHost serves every mock realm.
const KeycloakHost = "https://identity.ptl.api.platform.nhs.uk"

// Known reports whether the realm exists.
func (r Realm) Known() bool {
	return slices.Contains(realms, r)
}

// KeycloakURL returns the OpenID Connect base URL of the realm.
func (r Realm) KeycloakURL() string {
	return fmt.Sprintf("%s/auth/realms/%s/protocol/openid-connect", KeycloakHost, r)
}

// MockRealm returns the Keycloak realm backing the mock provider for a
// scope ("nhs-cis2" or "nhs-login") in an environment.
func MockRealm(scope string, env Environment) (Realm, error) {
	if env == "" {
		env = DefaultEnvironment
	}

	suffix := string(env)
	switch env {
	case InternalDevSandbox, InternalQASandbox:
		suffix = "sandbox"
	}

	var r Realm
	switch scope {
	case ScopeCIS2:
		r = Realm("Cis2-mock-" + suffix)
	case ScopeNHSLogin:
		r = Realm("NHS-Login-mock-" + suffix)
	default:
		return "", fmt.Errorf("unknown user scope %q", scope)
	}

	if !r.Known() {
		return "", fmt.Errorf("no mock realm for %s in %s", scope, env)
	}

	return r, nil
}
