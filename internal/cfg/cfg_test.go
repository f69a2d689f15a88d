package cfg

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

func wantErrContains(t *testing.T, err error, sub string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error containing %q, got <nil>", sub)
	}
	if !strings.Contains(err.Error(), sub) {
		t.Fatalf("error %q does not contain %q", err.Error(), sub)
	}
}

// newTestConfig registers flags on a fresh FlagSet, parses the given args,
// and returns the resulting App. This isolates each test from flag.CommandLine.
func newTestConfig(t *testing.T, args []string) App {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	return c
}

func TestRegister_Defaults(t *testing.T) {
	c := newTestConfig(t, nil)

	if !c.LogJSON {
		t.Error("LogJSON: want true")
	}
	if c.LogLevel != "info" {
		t.Errorf("LogLevel: want %q, got %q", "info", c.LogLevel)
	}
	if c.HTTPPort != 8080 {
		t.Errorf("HTTPPort: want 8080, got %d", c.HTTPPort)
	}
	if c.AdminPort != 9000 {
		t.Errorf("AdminPort: want 9000, got %d", c.AdminPort)
	}
	if !c.EnablePprof {
		t.Error("EnablePprof: want true")
	}
	if c.EnablePyroscope || c.EnableTracing {
		t.Error("pyroscope and tracing should default off")
	}
	if c.PlacesRPS != 5 || c.PlacesBurst != 10 {
		t.Errorf("places limiter: want 5/10, got %v/%d", c.PlacesRPS, c.PlacesBurst)
	}
	if c.GeminiVTOModel != "gemini-2.0-flash-exp-image-generation" || c.VTORPS != 1 || c.VTOBurst != 2 {
		t.Errorf("vto: got model=%q rps=%v burst=%d", c.GeminiVTOModel, c.VTORPS, c.VTOBurst)
	}
	if c.StoresS3Key != "catalog/stores.yaml" {
		t.Errorf("StoresS3Key: got %q", c.StoresS3Key)
	}
	if c.CMSURL != "" || c.RateLimitRedisAddr != "" || c.GeoIPCityDB != "" {
		t.Error("optional integrations should default off")
	}
	if err := Validate(c); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestFillFromEnv(t *testing.T) {
	pfx := "TESTCFG_"
	t.Setenv(pfx+"LOG_JSON", "false")
	t.Setenv(pfx+"LOG_LEVEL", "debug")
	t.Setenv(pfx+"HTTP_PORT", "8088")
	t.Setenv(pfx+"ENABLE_PPROF", "false")
	t.Setenv(pfx+"TRACE_SAMPLE", "0.25")
	t.Setenv(pfx+"PLACES_API_KEY", "k-123")
	t.Setenv(pfx+"PLACES_RPS", "2.5")
	t.Setenv(pfx+"INSTAGRAM_USER_ID", "178414")
	t.Setenv(pfx+"CMS_URL", "https://cms.zecode.example")
	t.Setenv(pfx+"RATELIMIT_REDIS_ADDR", "redis:6379")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	FillFromEnv(fs, pfx, nil)

	if c.LogJSON {
		t.Error("LogJSON: want false from env")
	}
	if c.LogLevel != "debug" {
		t.Errorf("LogLevel: want %q, got %q", "debug", c.LogLevel)
	}
	if c.HTTPPort != 8088 {
		t.Errorf("HTTPPort: want 8088, got %d", c.HTTPPort)
	}
	if c.EnablePprof {
		t.Error("EnablePprof: want false from env")
	}
	if c.TraceSample != 0.25 {
		t.Errorf("TraceSample: want 0.25, got %f", c.TraceSample)
	}
	if c.PlacesAPIKey != "k-123" || c.PlacesRPS != 2.5 {
		t.Errorf("places: got key=%q rps=%v", c.PlacesAPIKey, c.PlacesRPS)
	}
	if c.InstagramUserID != "178414" {
		t.Errorf("InstagramUserID: got %q", c.InstagramUserID)
	}
	if c.CMSURL != "https://cms.zecode.example" {
		t.Errorf("CMSURL: got %q", c.CMSURL)
	}
	if c.RateLimitRedisAddr != "redis:6379" {
		t.Errorf("RateLimitRedisAddr: got %q", c.RateLimitRedisAddr)
	}
}

func TestFillFromEnv_CLITakesPrecedence(t *testing.T) {
	pfx := "TESTCFG2_"
	t.Setenv(pfx+"HTTP_PORT", "7777")
	t.Setenv(pfx+"LOG_LEVEL", "warn")
	t.Setenv(pfx+"PLACES_API_KEY", "from-env")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse([]string{"-http-port=9090", "-log-level=debug", "-places-api-key=from-cli"}); err != nil {
		t.Fatalf("flag parse: %v", err)
	}

	var overrideMessages []string
	FillFromEnv(fs, pfx, func(format string, args ...any) {
		overrideMessages = append(overrideMessages, fmt.Sprintf(format, args...))
	})

	if c.HTTPPort != 9090 {
		t.Errorf("HTTPPort: want 9090 (cli), got %d", c.HTTPPort)
	}
	if c.LogLevel != "debug" {
		t.Errorf("LogLevel: want %q (cli), got %q", "debug", c.LogLevel)
	}
	if c.PlacesAPIKey != "from-cli" {
		t.Errorf("PlacesAPIKey: want cli value, got %q", c.PlacesAPIKey)
	}

	if len(overrideMessages) != 3 {
		t.Errorf("expected 3 override messages, got %d: %v", len(overrideMessages), overrideMessages)
	}
	for _, msg := range overrideMessages {
		if !strings.Contains(msg, "overrides env") {
			t.Errorf("unexpected override message format: %s", msg)
		}
		if strings.Contains(msg, "from-env") {
			t.Errorf("override message leaks env value: %s", msg)
		}
	}
}

func TestFillFromEnv_InvalidEnvIgnored(t *testing.T) {
	pfx := "TESTCFG3_"
	t.Setenv(pfx+"HTTP_PORT", "not-a-number")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("flag parse: %v", err)
	}

	var logMessages []string
	FillFromEnv(fs, pfx, func(format string, args ...any) {
		logMessages = append(logMessages, fmt.Sprintf(format, args...))
	})

	if c.HTTPPort != 8080 {
		t.Errorf("HTTPPort: want 8080 (default), got %d", c.HTTPPort)
	}
	if len(logMessages) != 1 {
		t.Fatalf("expected 1 log message, got %d: %v", len(logMessages), logMessages)
	}
	if !strings.Contains(logMessages[0], "ignoring invalid env") {
		t.Errorf("unexpected log message: %s", logMessages[0])
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	body := "TESTCFG4_HTTP_PORT=8181\nTESTCFG4_LOG_LEVEL=warn\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	// already-set variables win over the file
	t.Setenv("TESTCFG4_LOG_LEVEL", "error")
	t.Cleanup(func() { os.Unsetenv("TESTCFG4_HTTP_PORT") })

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("TESTCFG4_HTTP_PORT"); got != "8181" {
		t.Errorf("HTTP_PORT from file = %q", got)
	}
	if got := os.Getenv("TESTCFG4_LOG_LEVEL"); got != "error" {
		t.Errorf("LOG_LEVEL = %q, existing env should win", got)
	}
}

func TestLoadDotEnv_MissingFileIsFine(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "nope.env")); err != nil {
		t.Fatalf("missing file: %v", err)
	}
	if err := LoadDotEnv(""); err != nil {
		t.Fatalf("empty path: %v", err)
	}
}

type fakeSSM struct {
	values map[string]string
	calls  []string
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	name := aws.ToString(in.Name)
	f.calls = append(f.calls, name)
	if !aws.ToBool(in.WithDecryption) {
		return nil, errors.New("decryption not requested")
	}
	v, ok := f.values[name]
	if !ok {
		return nil, errors.New("ParameterNotFound")
	}
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{Value: aws.String(v)}}, nil
}

func TestResolveSecrets(t *testing.T) {
	fake := &fakeSSM{values: map[string]string{
		"/zecode/places-key":      "places-secret",
		"/zecode/instagram-token": "ig-secret",
		"/zecode/gemini-key":      "gemini-secret",
	}}
	c := App{
		PlacesAPIKeySSM:   "/zecode/places-key",
		InstagramTokenSSM: "/zecode/instagram-token",
		GeminiAPIKeySSM:   "/zecode/gemini-key",
	}
	if !c.NeedsSSM() {
		t.Fatal("NeedsSSM should be true")
	}

	if err := ResolveSecrets(context.Background(), &c, fake); err != nil {
		t.Fatalf("ResolveSecrets: %v", err)
	}
	if c.PlacesAPIKey != "places-secret" || c.InstagramToken != "ig-secret" || c.GeminiAPIKey != "gemini-secret" {
		t.Fatalf("resolved = %q %q %q", c.PlacesAPIKey, c.InstagramToken, c.GeminiAPIKey)
	}
	if c.NeedsSSM() {
		t.Fatal("NeedsSSM should be false once resolved")
	}
}

func TestResolveSecrets_DirectValueWins(t *testing.T) {
	fake := &fakeSSM{values: map[string]string{"/zecode/places-key": "ssm"}}
	c := App{PlacesAPIKey: "direct", PlacesAPIKeySSM: "/zecode/places-key"}

	if err := ResolveSecrets(context.Background(), &c, fake); err != nil {
		t.Fatalf("ResolveSecrets: %v", err)
	}
	if c.PlacesAPIKey != "direct" || len(fake.calls) != 0 {
		t.Fatalf("key = %q, calls = %v", c.PlacesAPIKey, fake.calls)
	}
}

func TestResolveSecrets_CollectsErrors(t *testing.T) {
	fake := &fakeSSM{values: map[string]string{"/empty": ""}}
	c := App{PlacesAPIKeySSM: "/missing", InstagramTokenSSM: "/empty"}

	err := ResolveSecrets(context.Background(), &c, fake)
	wantErrContains(t, err, "get ssm parameter /missing")
	wantErrContains(t, err, "ssm parameter /empty is empty")
}

func TestValidate_OK(t *testing.T) {
	c := newTestConfig(t, []string{
		"-enable-pyroscope=true",
		"-pyro-server=https://pyro:4040",
		"-pyro-tenant=test-tenant",
		"-enable-tracing=true",
		"-otlp-endpoint=otel:4317",
		"-trace-sample=0.2",
		"-cms-url=https://cms.zecode.example",
		"-ratelimit-redis-addr=127.0.0.1:6379",
		"-stores-s3-bucket=zecode-catalog",
	})
	if err := Validate(c); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_InvalidCombined(t *testing.T) {
	c := newTestConfig(t, []string{
		"-http-port=0",
		"-admin-port=70000",
		"-log-level=nope",
		"-stacktrace-level=alsonope",
		"-trace-sample=2.0",
		"-enable-pyroscope=true",
		"-pyro-server=not-a-url",
		"-enable-tracing=true",
		"-otlp-endpoint=otel",
		"-include-error-links=true",
		"-max-error-links=0",
		"-places-rps=0",
		"-places-burst=0",
		"-vto-rps=-1",
		"-vto-burst=0",
		"-gemini-vto-model= ",
		"-stores-s3-bucket=zecode-catalog",
		"-stores-s3-key=",
		"-cms-url=ftp://cms",
		"-ratelimit-redis-addr=redis",
	})

	err := Validate(c)
	if err == nil {
		t.Fatal("Validate() expected errors, got <nil>")
	}

	wantErrContains(t, err, "invalid HTTP_PORT")
	wantErrContains(t, err, "invalid ADMIN_PORT")
	wantErrContains(t, err, "invalid LOG_LEVEL")
	wantErrContains(t, err, "invalid STACKTRACE_LEVEL")
	wantErrContains(t, err, "invalid TRACE_SAMPLE")
	wantErrContains(t, err, "PYRO_SERVER must be a URL")
	wantErrContains(t, err, "PYRO_TENANT required")
	wantErrContains(t, err, "OTLP_ENDPOINT must be host:port")
	wantErrContains(t, err, "MAX_ERROR_LINKS")
	wantErrContains(t, err, "PLACES_RPS")
	wantErrContains(t, err, "PLACES_BURST")
	wantErrContains(t, err, "VTO_RPS")
	wantErrContains(t, err, "VTO_BURST")
	wantErrContains(t, err, "GEMINI_VTO_MODEL")
	wantErrContains(t, err, "STORES_S3_KEY required")
	wantErrContains(t, err, "CMS_URL must be an http(s) URL")
	wantErrContains(t, err, "RATELIMIT_REDIS_ADDR must be host:port")
}

func TestValidate_SamePorts(t *testing.T) {
	c := newTestConfig(t, []string{"-http-port=9000"})
	wantErrContains(t, Validate(c), "must differ")
}
