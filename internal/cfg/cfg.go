package cfg

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/joho/godotenv"

	"github.com/keithlinneman/zecode-web/internal/log"
	"github.com/keithlinneman/zecode-web/internal/xerrors"
)

// EnvPrefix is prepended to the upper-cased flag name when reading env vars.
const EnvPrefix = "ZECODE_"

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort    int
	AdminPort   int
	EnablePprof bool

	EnableTracing   bool
	OTLPEndpoint    string
	TraceSample     float64
	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string

	PlacesAPIKey    string
	PlacesAPIKeySSM string
	PlacesRPS       float64
	PlacesBurst     int

	InstagramUserID   string
	InstagramToken    string
	InstagramTokenSSM string

	GeminiAPIKey    string
	GeminiAPIKeySSM string
	GeminiVTOModel  string
	VTORPS          float64
	VTOBurst        int

	StoresS3Bucket string
	StoresS3Key    string
	GeoIPCityDB    string

	CMSURL string

	RateLimitRedisAddr     string
	RateLimitRedisPassword string
	RateLimitRedisDB       int
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")

	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")

	fs.StringVar(&c.PlacesAPIKey, "places-api-key", "", "Google Places API key")
	fs.StringVar(&c.PlacesAPIKeySSM, "places-api-key-ssm", "", "SSM parameter holding the Google Places API key")
	fs.Float64Var(&c.PlacesRPS, "places-rps", 5, "max outbound Google Places calls per second")
	fs.IntVar(&c.PlacesBurst, "places-burst", 10, "burst size for outbound Google Places calls")

	fs.StringVar(&c.InstagramUserID, "instagram-user-id", "", "Instagram user id for the latest-media feed")
	fs.StringVar(&c.InstagramToken, "instagram-token", "", "Instagram Graph API access token")
	fs.StringVar(&c.InstagramTokenSSM, "instagram-token-ssm", "", "SSM parameter holding the Instagram access token")

	fs.StringVar(&c.GeminiAPIKey, "gemini-api-key", "", "Gemini API key for virtual try-on")
	fs.StringVar(&c.GeminiAPIKeySSM, "gemini-api-key-ssm", "", "SSM parameter holding the Gemini API key")
	fs.StringVar(&c.GeminiVTOModel, "gemini-vto-model", "gemini-2.0-flash-exp-image-generation", "Gemini image model used for virtual try-on")
	fs.Float64Var(&c.VTORPS, "vto-rps", 1, "max outbound Gemini try-on calls per second")
	fs.IntVar(&c.VTOBurst, "vto-burst", 2, "burst size for outbound Gemini try-on calls")

	fs.StringVar(&c.StoresS3Bucket, "stores-s3-bucket", "", "s3 bucket holding the store catalog (empty uses the embedded catalog)")
	fs.StringVar(&c.StoresS3Key, "stores-s3-key", "catalog/stores.yaml", "s3 key of the store catalog")
	fs.StringVar(&c.GeoIPCityDB, "geoip-city-db", "", "path to a MaxMind GeoIP2/GeoLite2 City database")

	fs.StringVar(&c.CMSURL, "cms-url", "", "Directus base url (empty disables /api/cms)")

	fs.StringVar(&c.RateLimitRedisAddr, "ratelimit-redis-addr", "", "redis host:port for a shared rate limiter (empty uses in-process limiter)")
	fs.StringVar(&c.RateLimitRedisPassword, "ratelimit-redis-password", "", "redis password")
	fs.IntVar(&c.RateLimitRedisDB, "ratelimit-redis-db", 0, "redis database number")
}

// LoadDotEnv loads KEY=VALUE pairs from path into the environment.
// Variables already set win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return xerrors.Wrapf(err, "load %s", path)
	}
	return nil
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s", f.Name, f.Value.String(), key)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s: %v", f.Name, key, err)
			}
		}
	})
}

// ParamGetter is the subset of the SSM client used to resolve secrets.
type ParamGetter interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// NeedsSSM reports whether any secret has to be fetched from SSM.
func (c App) NeedsSSM() bool {
	return (c.PlacesAPIKey == "" && c.PlacesAPIKeySSM != "") ||
		(c.InstagramToken == "" && c.InstagramTokenSSM != "") ||
		(c.GeminiAPIKey == "" && c.GeminiAPIKeySSM != "")
}

// ResolveSecrets fills secrets that were given as SSM parameter names.
// A value set directly takes precedence over its -ssm counterpart.
func ResolveSecrets(ctx context.Context, c *App, ssmc ParamGetter) error {
	targets := []struct {
		param string
		dst   *string
	}{
		{c.PlacesAPIKeySSM, &c.PlacesAPIKey},
		{c.InstagramTokenSSM, &c.InstagramToken},
		{c.GeminiAPIKeySSM, &c.GeminiAPIKey},
	}

	var errs []error
	for _, t := range targets {
		if t.param == "" || *t.dst != "" {
			continue
		}
		out, err := ssmc.GetParameter(ctx, &ssm.GetParameterInput{
			Name:           aws.String(t.param),
			WithDecryption: aws.Bool(true),
		})
		if err != nil {
			errs = append(errs, xerrors.Wrapf(err, "get ssm parameter %s", t.param))
			continue
		}
		if out.Parameter == nil || aws.ToString(out.Parameter.Value) == "" {
			errs = append(errs, xerrors.Newf("ssm parameter %s is empty", t.param))
			continue
		}
		*t.dst = aws.ToString(out.Parameter.Value)
	}
	return errors.Join(errs...)
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
	}

	// Tracing
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Pyroscope
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// Places spend limiter
	if c.PlacesRPS <= 0 {
		errs = append(errs, fmt.Errorf("PLACES_RPS must be > 0 (got %v)", c.PlacesRPS))
	}
	if c.PlacesBurst < 1 {
		errs = append(errs, fmt.Errorf("PLACES_BURST must be >= 1 (got %d)", c.PlacesBurst))
	}

	// Gemini spend limiter
	if c.VTORPS <= 0 {
		errs = append(errs, fmt.Errorf("VTO_RPS must be > 0 (got %v)", c.VTORPS))
	}
	if c.VTOBurst < 1 {
		errs = append(errs, fmt.Errorf("VTO_BURST must be >= 1 (got %d)", c.VTOBurst))
	}
	if strings.TrimSpace(c.GeminiVTOModel) == "" {
		errs = append(errs, fmt.Errorf("GEMINI_VTO_MODEL must not be empty"))
	}

	// Store catalog
	if c.StoresS3Bucket != "" && c.StoresS3Key == "" {
		errs = append(errs, fmt.Errorf("STORES_S3_KEY required when STORES_S3_BUCKET is set"))
	}

	// CMS
	if c.CMSURL != "" {
		if u, err := url.Parse(c.CMSURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("CMS_URL must be an http(s) URL (got %q)", c.CMSURL))
		}
	}

	// Shared rate limiter
	if c.RateLimitRedisAddr != "" {
		if _, _, err := net.SplitHostPort(c.RateLimitRedisAddr); err != nil {
			errs = append(errs, fmt.Errorf("RATELIMIT_REDIS_ADDR must be host:port (got %q): %v", c.RateLimitRedisAddr, err))
		}
	}
	if c.RateLimitRedisDB < 0 {
		errs = append(errs, fmt.Errorf("RATELIMIT_REDIS_DB must be >= 0 (got %d)", c.RateLimitRedisDB))
	}

	return errors.Join(errs...)
}
