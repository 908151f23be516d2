package apigee

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/rs/zerolog/log"
)

// productPageSize is the maximum page the products endpoint returns.
const productPageSize = 1000

const identityServicePrefix = "identity-service"

// Product is an API product.
type Product struct {
	Name         string   `json:"name"`
	DisplayName  string   `json:"displayName,omitempty"`
	Proxies      []string `json:"proxies"`
	Scopes       []string `json:"scopes"`
	Environments []string `json:"environments,omitempty"`
}

// Products lists every product of the organization, expanded.
func (c *Client) Products(ctx context.Context) ([]Product, error) {
	var products []Product
	query := url.Values{"expand": {"true"}}

	for {
		var page struct {
			APIProduct []Product `json:"apiProduct"`
		}
		if err := c.do(ctx, "apigee list products", http.MethodGet, "/apiproducts", query, nil, &page, okStatus); err != nil {
			return nil, err
		}

		products = append(products, page.APIProduct...)
		if len(page.APIProduct) < productPageSize {
			break
		}

		// the next page starts at startKey, so the last product is fetched again
		last := products[len(products)-1]
		products = products[:len(products)-1]
		query.Set("startKey", last.Name)
	}

	log.Debug().Str("org", c.org).Int("count", len(products)).Msg("listed api products")

	return products, nil
}

// ProductsForProxy returns the products that grant access to proxy.
func ProductsForProxy(products []Product, proxy string) ([]Product, error) {
	var matched []Product
	for _, p := range products {
		if slices.Contains(p.Proxies, proxy) {
			matched = append(matched, p)
		}
	}

	if len(matched) == 0 {
		return nil, fmt.Errorf("no products grant access to proxy %s", proxy)
	}
	return matched, nil
}

// ProductWithScope returns the first product granting access to proxy that
// has scope. An empty scope matches the first product for the proxy.
func ProductWithScope(products []Product, proxy, scope string) (Product, error) {
	matched, err := ProductsForProxy(products, proxy)
	if err != nil {
		return Product{}, err
	}

	if scope == "" {
		return matched[0], nil
	}

	for _, p := range matched {
		if slices.Contains(p.Scopes, scope) {
			return p, nil
		}
	}

	return Product{}, fmt.Errorf("no product granting access to proxy %s has scope %s", proxy, scope)
}

// IdentityServiceProxy picks the identity service proxy of a product: the
// first one that is not a mock, else the first one.
func IdentityServiceProxy(p Product) (string, bool) {
	var candidates []string
	for _, proxy := range p.Proxies {
		if strings.HasPrefix(proxy, identityServicePrefix) {
			candidates = append(candidates, proxy)
		}
	}

	if len(candidates) == 0 {
		return "", false
	}

	for _, name := range candidates {
		if !strings.Contains(name, "-mock") {
			return name, true
		}
	}

	return candidates[0], true
}
