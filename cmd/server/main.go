package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/keithlinneman/zecode-web/internal/cfg"
	"github.com/keithlinneman/zecode-web/internal/cms"
	"github.com/keithlinneman/zecode-web/internal/health"
	"github.com/keithlinneman/zecode-web/internal/httpserver"
	"github.com/keithlinneman/zecode-web/internal/instagram"
	"github.com/keithlinneman/zecode-web/internal/log"
	"github.com/keithlinneman/zecode-web/internal/metrics"
	"github.com/keithlinneman/zecode-web/internal/opshttp"
	"github.com/keithlinneman/zecode-web/internal/otelx"
	"github.com/keithlinneman/zecode-web/internal/places"
	"github.com/keithlinneman/zecode-web/internal/prof"
	"github.com/keithlinneman/zecode-web/internal/ratelimit"
	"github.com/keithlinneman/zecode-web/internal/stores"
	"github.com/keithlinneman/zecode-web/internal/ttlcache"
	v "github.com/keithlinneman/zecode-web/internal/version"
	"github.com/keithlinneman/zecode-web/internal/vto"
)

// drainPeriod is how long readiness fails before the listeners shut down,
// long enough for the load balancer to stop routing here.
const drainPeriod = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool
	var envFile string

	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading ZECODE_ variables")
	flag.Parse()

	if showVersion {
		fmt.Println(vi.String())
		os.Exit(0)
	}

	if err := cfg.LoadDotEnv(envFile); err != nil {
		fmt.Fprintln(os.Stderr, "dotenv error:", err)
		os.Exit(1)
	}
	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Validate has already checked both levels
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Commit:            vi.Commit,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JSON:              conf.LogJSON,
		IncludeErrorLinks: conf.IncludeErrorLinks,
		MaxErrorLinks:     conf.MaxErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_tracing", conf.EnableTracing,
		"enable_pyroscope", conf.EnablePyroscope,
		"places_configured", conf.PlacesAPIKey != "" || conf.PlacesAPIKeySSM != "",
		"instagram_configured", conf.InstagramUserID != "",
		"stores_s3_bucket", conf.StoresS3Bucket,
		"geoip_city_db", conf.GeoIPCityDB,
		"cms_url", conf.CMSURL,
		"ratelimit_redis_addr", conf.RateLimitRedisAddr,
	)

	stopProf, profErr := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
		},
	})
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// the collector is a local agent
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	m := metrics.New()
	m.SetBuildInfoFromVersion("server", vi)
	m.SetProfilingActive(conf.EnablePyroscope && profErr == nil)

	// AWS is only needed for SSM secrets and the S3 catalog
	var s3Client *s3.Client
	if conf.NeedsSSM() || conf.StoresS3Bucket != "" {
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			L.Error(ctx, err, "failed to load AWS config")
			os.Exit(1)
		}
		if conf.NeedsSSM() {
			if err := cfg.ResolveSecrets(ctx, &conf, ssm.NewFromConfig(awsCfg)); err != nil {
				L.Error(ctx, err, "failed to resolve secrets from ssm")
				os.Exit(1)
			}
		}
		if conf.StoresS3Bucket != "" {
			s3Client = s3.NewFromConfig(awsCfg)
		}
	}

	// store catalog: seed first, S3 replaces it when configured and valid
	storesMgr := stores.NewManager()
	if seed, err := stores.Seed(); err != nil {
		L.Error(ctx, err, "embedded store catalog is invalid")
	} else {
		storesMgr.Set(seed, stores.SourceSeed)
	}
	if s3Client != nil {
		c, err := stores.LoadS3(ctx, s3Client, conf.StoresS3Bucket, conf.StoresS3Key)
		if err != nil {
			L.Error(ctx, err, "failed to load store catalog from S3, keeping seed",
				"bucket", conf.StoresS3Bucket, "key", conf.StoresS3Key)
		} else {
			storesMgr.Set(c, stores.SourceS3)
		}
	}
	if c, ok := storesMgr.Catalog(); ok {
		m.SetStoresLoaded(string(storesMgr.Source()), c.Len())
		L.Info(ctx, "store catalog loaded", "source", storesMgr.Source(), "stores", c.Len())
	}

	var locator stores.Locator
	var geoCloser io.Closer
	if conf.GeoIPCityDB != "" {
		g, db, err := stores.OpenGeoIP(conf.GeoIPCityDB,
			stores.WithGeoCacheOptions(ttlcache.WithOnSweep(func(n int) { m.AddCacheSwept("geoip", n) })),
			stores.WithGeoCacheLookup(func(hit bool) { m.CacheLookup("geoip", hit) }),
		)
		if err != nil {
			L.Error(ctx, err, "geoip database unavailable, nearest-store lookups disabled")
		} else {
			locator, geoCloser = g, db
		}
	}

	// per-client limiter: redis when configured so replicas share budgets
	var checker ratelimit.Checker
	if conf.RateLimitRedisAddr != "" {
		rc, err := ratelimit.DialRedis(ctx, conf.RateLimitRedisAddr, conf.RateLimitRedisPassword, conf.RateLimitRedisDB)
		if err != nil {
			L.Error(ctx, err, "redis rate limiter unavailable, using in-memory limiter")
		} else {
			defer rc.Close()
			checker = ratelimit.NewRedisLimiter(rc)
		}
	}
	if checker == nil {
		checker = ratelimit.NewWindowLimiter(
			ratelimit.WithOnSweep(func(n int) { m.AddRateLimitSwept("memory", n) }),
		)
	}
	guard := ratelimit.NewGuard(checker,
		ratelimit.WithOnDenied(func(_, route string) { m.IncRateLimitDenied(route) }),
		ratelimit.WithOnFirstDenied(func(id, route string) {
			L.Warn(ctx, "rate limit triggered", "client", id, "route", route)
		}),
	)

	var placesClient *places.Client
	if conf.PlacesAPIKey != "" {
		placesClient = places.NewClient(places.ClientOptions{
			APIKey:  conf.PlacesAPIKey,
			Limiter: rate.NewLimiter(rate.Limit(conf.PlacesRPS), conf.PlacesBurst),
			OnCall:  func(d time.Duration, err error) { m.ObserveUpstream("google-places", d, err) },
		})
	}
	placesAPI := places.NewHandler(places.Options{
		Client:        placesClient,
		Cache:         ttlcache.New[places.Response](ttlcache.WithOnSweep(func(n int) { m.AddCacheSwept("places", n) })),
		Limit:         guard.Middleware("places", places.RateLimit),
		OnCacheLookup: func(hit bool) { m.CacheLookup("places", hit) },
	})

	instagramAPI := instagram.NewHandler(instagram.Options{
		UserID:      conf.InstagramUserID,
		AccessToken: conf.InstagramToken,
		Cache: ttlcache.New[[]instagram.Media](
			ttlcache.WithTTL(instagram.DefaultCacheTTL),
			ttlcache.WithOnSweep(func(n int) { m.AddCacheSwept("instagram", n) }),
		),
		Limit:         guard.Middleware("instagram", instagram.RateLimit),
		OnCacheLookup: func(hit bool) { m.CacheLookup("instagram", hit) },
		OnCall:        func(d time.Duration, err error) { m.ObserveUpstream("instagram", d, err) },
	})

	var vtoClient *vto.Client
	if conf.GeminiAPIKey != "" {
		vtoClient = vto.NewClient(vto.ClientOptions{
			APIKey:  conf.GeminiAPIKey,
			Model:   conf.GeminiVTOModel,
			Limiter: rate.NewLimiter(rate.Limit(conf.VTORPS), conf.VTOBurst),
			OnCall:  func(d time.Duration, err error) { m.ObserveUpstream("gemini", d, err) },
		})
	}
	vtoAPI := vto.NewHandler(vto.Options{
		Client: vtoClient,
		Limit:  guard.Middleware("vto", vto.RateLimit),
	})

	storesAPI := stores.NewHandler(stores.Options{
		Manager: storesMgr,
		Locator: locator,
		Limit:   guard.Middleware("stores", stores.RateLimit),
	})

	var cmsProxy *cms.Proxy
	if conf.CMSURL != "" {
		cmsProxy, err = cms.New(cms.Options{
			BaseURL: conf.CMSURL,
			Limit:   guard.Middleware("cms", cms.RateLimit),
			OnCall:  func(d time.Duration, err error) { m.ObserveUpstream("directus", d, err) },
		})
		if err != nil {
			L.Error(ctx, err, "failed to create cms proxy")
			os.Exit(1)
		}
	}

	apiRoutes := func(r chi.Router) {
		placesAPI.RegisterRoutes(r)
		instagramAPI.RegisterRoutes(r)
		storesAPI.RegisterRoutes(r)
		vtoAPI.RegisterRoutes(r)
		if cmsProxy != nil {
			cmsProxy.RegisterRoutes(r)
		}
	}

	var gate health.ShutdownGate
	started := health.NewLatch("starting")
	readiness := health.All(
		gate.Probe(),
		started.Probe(),
		health.CheckFunc(func(context.Context) error { return storesMgr.ReadyErr() }),
	)

	appHTTPStop, err := httpserver.Start(ctx, httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		APIRoutes:    apiRoutes,
		BodyLimits:   map[string]int64{vto.Path: vto.MaxRequestBody},
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start app http listener")
		os.Exit(1)
	}
	defer func() { _ = appHTTPStop(context.Background()) }()

	// the ops listener rejects public source addresses itself, in case
	// the security group is ever misconfigured
	opsHTTPStop, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
		OnPanic:     m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	started.Open()
	if err := notifySystemd(); err != nil {
		// systemd kills us after its start timeout at worst
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()
	stop()
	L.Info(context.Background(), "shutdown signal received")

	gate.Set("draining")
	L.Info(context.Background(), "draining before shutdown", "period", drainPeriod.String())
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainPeriod):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := appHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "app http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}
	if geoCloser != nil {
		if err := geoCloser.Close(); err != nil {
			L.Error(context.Background(), err, "geoip database close")
		}
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}
	stopProf()

	L.Info(context.Background(), "shutdown complete")
}

func notifySystemd() error {
	// set when started under systemd with Type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		_ = conn.Close()
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
