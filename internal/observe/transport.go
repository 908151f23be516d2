package observe

import (
	"net/http"
	"strings"

	"github.com/go-logr/zerologr"
	"github.com/google/uuid"
	"github.com/nhsdigital/nhsd-apim-testauth/internal/config"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
)

// Configure routes OpenTelemetry's internal logging and error reporting to
// the global zerolog logger. Exporters belong to the process hosting the
// tests and are not set up here.
func Configure(cfg config.ObserveConfig) {
	if !cfg.Enabled {
		return
	}

	otel.SetLogger(zerologr.New(&log.Logger).WithName(cfg.ServiceName))
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		log.Warn().Err(err).Msg("telemetry: error reported")
	}))
}

// HTTPTransport adds client telemetry to wrapped when observability is
// enabled. Span names carry the method, host and path with test app names
// replaced, so each endpoint has a single name.
func HTTPTransport(wrapped http.RoundTripper, cfg config.ObserveConfig) http.RoundTripper {
	if !cfg.Enabled {
		return wrapped
	}

	return otelhttp.NewTransport(
		wrapped,
		otelhttp.WithSpanNameFormatter(SpanName),
	)
}

// SpanName formats a client span name. The operation is ignored.
func SpanName(_ string, r *http.Request) string {
	return r.Method + " " + r.URL.Host + TrimPath(r.URL.Path)
}

const testAppPrefix = "apim-auto-"

// TrimPath replaces path segments that identify a single test run (test app
// names and bare UUIDs) with a placeholder.
func TrimPath(path string) string {
	segments := strings.Split(path, "/")
	for i, s := range segments {
		if strings.HasPrefix(s, testAppPrefix) {
			segments[i] = "{app}"
			continue
		}
		if _, err := uuid.Parse(s); err == nil {
			segments[i] = "{id}"
		}
	}
	return strings.Join(segments, "/")
}
