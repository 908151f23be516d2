package apigee

import (
	"context"
	"net/http"
	"net/url"
	"slices"
)

// Attribute is a name/value pair on an app.
type Attribute struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CredentialProduct is a product a credential is subscribed to.
type CredentialProduct struct {
	APIProduct string `json:"apiproduct"`
	Status     string `json:"status"`
}

// Credential is a consumer key and secret of an app. ExpiresAt is epoch
// milliseconds, or -1 when it never expires.
type Credential struct {
	ConsumerKey    string              `json:"consumerKey"`
	ConsumerSecret string              `json:"consumerSecret"`
	Status         string              `json:"status"`
	IssuedAt       int64               `json:"issuedAt,omitempty"`
	ExpiresAt      int64               `json:"expiresAt"`
	APIProducts    []CredentialProduct `json:"apiProducts"`
}

const statusApproved = "approved"

// Approved reports whether the credential is approved and unexpired at nowMs
// and approved for product.
func (c Credential) Approved(product string, nowMs int64) bool {
	if c.Status != statusApproved {
		return false
	}
	if c.ExpiresAt != -1 && nowMs >= c.ExpiresAt {
		return false
	}

	return slices.ContainsFunc(c.APIProducts, func(p CredentialProduct) bool {
		return p.Status == statusApproved && p.APIProduct == product
	})
}

// App is a developer app.
type App struct {
	Name        string       `json:"name"`
	AppID       string       `json:"appId,omitempty"`
	CallbackURL string       `json:"callbackUrl,omitempty"`
	Status      string       `json:"status,omitempty"`
	Attributes  []Attribute  `json:"attributes,omitempty"`
	APIProducts []string     `json:"apiProducts,omitempty"`
	Credentials []Credential `json:"credentials,omitempty"`
}

// Attribute returns the value of the named attribute.
func (a App) Attribute(name string) (string, bool) {
	for _, attr := range a.Attributes {
		if attr.Name == name {
			return attr.Value, true
		}
	}
	return "", false
}

// MatchingCredential returns the first credential approved for product at nowMs.
func (a App) MatchingCredential(product string, nowMs int64) (Credential, bool) {
	for _, c := range a.Credentials {
		if c.Approved(product, nowMs) {
			return c, true
		}
	}
	return Credential{}, false
}

// DeveloperApps manages the apps of one developer.
type DeveloperApps struct {
	client    *Client
	developer string
}

// Apps returns the app API for developer (an email address).
func (c *Client) Apps(developer string) *DeveloperApps {
	return &DeveloperApps{client: c, developer: developer}
}

func (d *DeveloperApps) path(name string) string {
	p := "/developers/" + url.PathEscape(d.developer) + "/apps"
	if name != "" {
		p += "/" + url.PathEscape(name)
	}
	return p
}

// List returns the names of the developer's apps.
func (d *DeveloperApps) List(ctx context.Context) ([]string, error) {
	var names []string
	err := d.client.do(ctx, "apigee list apps", http.MethodGet, d.path(""), nil, nil, &names, okStatus)
	return names, err
}

// Create registers app and returns it with its generated credentials.
func (d *DeveloperApps) Create(ctx context.Context, app App) (App, error) {
	var created App
	err := d.client.do(ctx, "apigee create app", http.MethodPost, d.path(""), nil, app, &created, createdStatus)
	return created, err
}

// Get returns the current state of the named app.
func (d *DeveloperApps) Get(ctx context.Context, name string) (App, error) {
	var app App
	err := d.client.do(ctx, "apigee get app", http.MethodGet, d.path(name), nil, nil, &app, okStatus)
	return app, err
}

// Update replaces the app, for example to subscribe it to other products.
func (d *DeveloperApps) Update(ctx context.Context, app App) (App, error) {
	var updated App
	err := d.client.do(ctx, "apigee update app", http.MethodPut, d.path(app.Name), nil, app, &updated, okStatus)
	return updated, err
}

// Delete removes the named app.
func (d *DeveloperApps) Delete(ctx context.Context, name string) error {
	return d.client.do(ctx, "apigee delete app", http.MethodDelete, d.path(name), nil, nil, nil, okStatus)
}

func okStatus(code int) bool      { return code == http.StatusOK }
func createdStatus(code int) bool { return code == http.StatusCreated }
