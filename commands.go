package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/nhsdigital/nhsd-apim-testauth/internal/config"
	"github.com/nhsdigital/nhsd-apim-testauth/internal/observe"
	"github.com/nhsdigital/nhsd-apim-testauth/pkg/authorization"
	"github.com/nhsdigital/nhsd-apim-testauth/pkg/keys"
	"github.com/nhsdigital/nhsd-apim-testauth/pkg/session"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "nhsd-apim-testauth",
		Short:         "Obtain credentials for testing APIs deployed to the NHS API platform",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newTokenCommand(), newHeadersCommand(), newJWKSCommand())

	return root
}

type authorizationFlags struct {
	path     string
	forceNew bool
}

func (f *authorizationFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.path, "authorization", "a", "", "YAML file declaring the authorization")
	cmd.Flags().BoolVar(&f.forceNew, "force-new-token", false, "Bypass the token cache")
}

// read loads the file before a session is started, so a missing file fails
// without touching Apigee.
func (f *authorizationFlags) read() ([]byte, error) {
	b, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("could not read authorization: %w", err)
	}
	return b, nil
}

// parse decodes the file, naming the session's API when the file does not.
func (f *authorizationFlags) parse(data []byte, s *session.Session) (authorization.Authorization, error) {
	auth, err := authorization.ParseFor(data, s.APIName())
	if err != nil {
		return authorization.Authorization{}, err
	}
	auth.ForceNewToken = auth.ForceNewToken || f.forceNew

	return auth, nil
}

func newTokenCommand() *cobra.Command {
	flags := &authorizationFlags{}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print an access token for the declared authorization",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := flags.read()
			if err != nil {
				return err
			}

			return withSession(cmd.Context(), func(ctx context.Context, s *session.Session) error {
				auth, err := flags.parse(data, s)
				if err != nil {
					return err
				}

				tok, err := s.AccessToken(ctx, auth)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), tok)
			})
		},
	}
	flags.register(cmd)
	_ = cmd.MarkFlagRequired("authorization")

	return cmd
}

func newHeadersCommand() *cobra.Command {
	flags := &authorizationFlags{}
	var status bool

	cmd := &cobra.Command{
		Use:   "headers",
		Short: "Print the request headers for the declared authorization",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if status == (flags.path != "") {
				return fmt.Errorf("exactly one of --authorization or --status is required")
			}

			var data []byte
			if !status {
				var err error
				if data, err = flags.read(); err != nil {
					return err
				}
			}

			return withSession(cmd.Context(), func(ctx context.Context, s *session.Session) error {
				if status {
					h, err := s.StatusEndpointHeaders(ctx)
					if err != nil {
						return err
					}
					return writeJSON(cmd.OutOrStdout(), flatten(h))
				}

				auth, err := flags.parse(data, s)
				if err != nil {
					return err
				}

				h, err := s.Headers(ctx, auth)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), flatten(h))
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&status, "status", false, "Print the headers for the proxy's _status endpoint")

	return cmd
}

func newJWKSCommand() *cobra.Command {
	var (
		kid  string
		bits int
		base string
		url  bool
	)

	cmd := &cobra.Command{
		Use:   "jwks",
		Short: "Generate a signing key and print its JWKS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pair, err := keys.NewStore(keys.WithBits(bits)).Get(kid)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()

			if url {
				u, err := pair.JWKSURL(base)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(out, u)
				return err
			}

			jwks, err := pair.JWKS()
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintln(out, string(jwks)); err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.ErrOrStderr(), pair.PrivateKeyPEM())
			return err
		},
	}
	cmd.Flags().StringVar(&kid, "kid", session.DefaultKeyID, "Key id")
	cmd.Flags().IntVar(&bits, "bits", keys.DefaultBits, "RSA key size")
	cmd.Flags().StringVar(&base, "base-url", keys.DefaultJWKSBase, "JWKS URL base, used with --url")
	cmd.Flags().BoolVar(&url, "url", false, "Print the JWKS URL instead of the JWKS")

	return cmd
}

// withSession runs f in a test session built from the environment. The
// session is closed when f returns.
func withSession(ctx context.Context, f func(context.Context, *session.Session) error) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}

	observe.Configure(cfg.Observe)

	client := &http.Client{
		Timeout:   cfg.HTTP.Timeout(),
		Transport: observe.HTTPTransport(http.DefaultTransport, cfg.Observe),
	}

	s, err := session.New(ctx, cfg.Session(client))
	if err != nil {
		return fmt.Errorf("session start failed: %w", err)
	}
	defer func() {
		if cerr := s.Close(ctx); cerr != nil {
			log.Warn().Err(cerr).Msg("session teardown failed")
		}
	}()

	return f(ctx, s)
}

func flatten(h http.Header) map[string]string {
	m := make(map[string]string, len(h))
	for k := range h {
		m[k] = h.Get(k)
	}
	return m
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
