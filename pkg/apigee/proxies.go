package apigee

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const stateDeployed = "deployed"

// Proxy is the deployed revision of an API proxy.
type Proxy struct {
	Name        string   `json:"name"`
	Revision    string   `json:"revision"`
	BasePaths   []string `json:"basepaths"`
	Environment string   `json:"-"`
}

// URL is the public URL of the proxy: https://[env.]api.service.nhs.uk/<basepath>.
func (p Proxy) URL() (string, error) {
	if len(p.BasePaths) == 0 {
		return "", fmt.Errorf("proxy %s revision %s has no basepaths", p.Name, p.Revision)
	}

	host := "api.service.nhs.uk"
	if p.Environment != "prod" {
		host = p.Environment + "." + host
	}

	return "https://" + host + "/" + strings.TrimPrefix(p.BasePaths[0], "/"), nil
}

type deployments struct {
	Environment []struct {
		Name     string `json:"name"`
		Revision []struct {
			Name  string `json:"name"`
			State string `json:"state"`
		} `json:"revision"`
	} `json:"environment"`
}

// Proxy returns the deployed revision of the named proxy. The proxy must be
// deployed to exactly one environment of the organization.
func (c *Client) Proxy(ctx context.Context, name string) (Proxy, error) {
	base := "/apis/" + url.PathEscape(name)

	var deployed deployments
	if err := c.do(ctx, "apigee proxy deployments", http.MethodGet, base+"/deployments", nil, nil, &deployed, okStatus); err != nil {
		return Proxy{}, err
	}

	if n := len(deployed.Environment); n != 1 {
		return Proxy{}, fmt.Errorf("proxy %s is deployed to %d environments, expected 1", name, n)
	}
	env := deployed.Environment[0]

	revision := ""
	for _, r := range env.Revision {
		if r.State == stateDeployed {
			revision = r.Name
			break
		}
	}
	if revision == "" {
		return Proxy{}, fmt.Errorf("proxy %s has no deployed revision in %s", name, env.Name)
	}

	var proxy Proxy
	if err := c.do(ctx, "apigee proxy revision", http.MethodGet, base+"/revisions/"+url.PathEscape(revision), nil, nil, &proxy, okStatus); err != nil {
		return Proxy{}, err
	}
	proxy.Environment = env.Name
	if proxy.Name == "" {
		proxy.Name = name
	}

	return proxy, nil
}
