// This command is only used for local testing: it prints a client assertion
// signed with a PEM private key, ready to post to an identity service token
// endpoint with curl.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jonboulle/clockwork"
	"github.com/nhsdigital/nhsd-apim-testauth/pkg/identity"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	ClientID       string `env:"UTIL_CLIENT_ID, required"`
	Environment    string `env:"UTIL_ENVIRONMENT, default=internal-dev"`
	Audience       string `env:"UTIL_AUDIENCE"`
	KeyID          string `env:"JWT_PUBLIC_KEY_ID, default=test-1"`
	PrivateKey     string `env:"JWT_PRIVATE_KEY"`
	PrivateKeyPath string `env:"JWT_PRIVATE_KEY_PATH, default=.development/keys/private-key.pem"`
}

func main() {
	cfg := Config{}
	err := envconfig.Process(context.Background(), &cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading config: %v\n", err)
		os.Exit(1)
	}

	privateKey := cfg.PrivateKey
	if privateKey == "" {
		b, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error reading private key: %v\n", err)
			os.Exit(1)
		}
		privateKey = string(b)
	}

	audience := cfg.Audience
	if audience == "" {
		env, err := identity.ParseEnvironment(cfg.Environment)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error reading config: %v\n", err)
			os.Exit(1)
		}
		audience = env.IdentityServiceBaseURL() + "/token"
	}

	builder, err := identity.NewAssertionBuilder(cfg.ClientID, audience, privateKey, cfg.KeyID, clockwork.NewRealClock())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading key: %v\n", err)
		os.Exit(1)
	}

	assertion, err := builder.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating assertion: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s", assertion)
}
