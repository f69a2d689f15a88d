package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/zecode-web/internal/health"
	"github.com/keithlinneman/zecode-web/internal/log"
)

type Options struct {
	Logger log.Logger
	// Port defaults to 8080.
	Port int

	Health    health.Probe
	Readiness health.Probe

	// APIRoutes mounts the storefront endpoints. Each module applies its own
	// rate limit policy when it registers.
	APIRoutes func(r chi.Router)

	// BodyLimits raises or lowers MaxRequestBody for exact paths.
	BodyLimits map[string]int64

	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
}
