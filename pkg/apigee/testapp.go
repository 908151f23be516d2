package apigee

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const (
	// TestAppCallbackURL is registered on every test app.
	TestAppCallbackURL = "https://example.org/callback"

	// JWKSResourceURLAttribute tells the identity service where the app's
	// public keys are.
	JWKSResourceURLAttribute = "jwks-resource-url"

	testAppPrefix = "apim-auto-"
)

// TestApp is an ephemeral developer app that lives for one test session.
// Apigee holds its state; every read fetches it again.
type TestApp struct {
	apps  *DeveloperApps
	clock clockwork.Clock
	name  string
	cb    string

	mu sync.Mutex
}

// CreateTestApp registers a uniquely named app publishing jwksURL.
func CreateTestApp(ctx context.Context, apps *DeveloperApps, jwksURL string, clock clockwork.Clock) (*TestApp, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	created, err := apps.Create(ctx, App{
		Name:        testAppPrefix + uuid.NewString(),
		CallbackURL: TestAppCallbackURL,
		Attributes:  []Attribute{{Name: JWKSResourceURLAttribute, Value: jwksURL}},
	})
	if err != nil {
		return nil, fmt.Errorf("could not create test app: %w", err)
	}

	log.Info().Str("app", created.Name).Str("developer", apps.developer).Msg("created test app")

	cb := created.CallbackURL
	if cb == "" {
		cb = TestAppCallbackURL
	}

	return &TestApp{apps: apps, clock: clock, name: created.Name, cb: cb}, nil
}

// Name is the generated app name.
func (t *TestApp) Name() string {
	return t.name
}

// CallbackURL is the registered redirect URI.
func (t *TestApp) CallbackURL() string {
	return t.cb
}

// State fetches the app.
func (t *TestApp) State(ctx context.Context) (App, error) {
	return t.apps.Get(ctx, t.name)
}

// CredentialsFor returns credentials approved for product. When the app has
// none, it is subscribed to product and the new credentials are returned.
func (t *TestApp) CredentialsFor(ctx context.Context, product string) (Credential, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	app, err := t.State(ctx)
	if err != nil {
		return Credential{}, err
	}

	if cred, ok := app.MatchingCredential(product, t.clock.Now().UnixMilli()); ok {
		return cred, nil
	}

	log.Info().Str("app", t.name).Str("product", product).Msg("subscribing test app to product")

	app.APIProducts = []string{product}
	updated, err := t.apps.Update(ctx, app)
	if err != nil {
		return Credential{}, fmt.Errorf("could not subscribe test app to %s: %w", product, err)
	}

	cred, ok := updated.MatchingCredential(product, t.clock.Now().UnixMilli())
	if !ok {
		return Credential{}, fmt.Errorf("test app %s has no approved credentials for %s", t.name, product)
	}

	return cred, nil
}

// Delete removes the app from Apigee.
func (t *TestApp) Delete(ctx context.Context) error {
	if err := t.apps.Delete(ctx, t.name); err != nil {
		return fmt.Errorf("could not delete test app %s: %w", t.name, err)
	}

	log.Info().Str("app", t.name).Msg("deleted test app")
	return nil
}
