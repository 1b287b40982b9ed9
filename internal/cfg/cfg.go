package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/jsongate/internal/log"
	"github.com/keithlinneman/jsongate/internal/routes"
)

// EnvPrefix is prepended to upper-cased flag names by FillFromEnv.
const EnvPrefix = "JSONGATE_"

type App struct {
	ConfigFile string

	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorChain bool

	HTTPPort      int
	AdminPort     int
	Routes        string
	TestMode      bool
	ShutdownGrace time.Duration
	DrainDelay    time.Duration
	TrustedHops   int

	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64

	EnableRateLimit bool
	RateLimitRPS    float64
	RateLimitBurst  int

	AuditS3Bucket       string
	AuditS3Prefix       string
	AuditS3Region       string
	AuditIncludeHeaders bool
	AuditBatchSize      int
	AuditFlushInterval  time.Duration
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.StringVar(&c.ConfigFile, "config", "", "optional YAML file of flag-name: value pairs")

	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorChain, "include-error-chain", true, "Attach the unwrapped error chain to error logs")

	fs.IntVar(&c.HTTPPort, "port", 5003, "public listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9003, "admin listen TCP port (1..65535, 0 disables)")
	fs.StringVar(&c.Routes, "routes", routes.Default, "route set to mount: "+strings.Join(routes.Variants(), "|"))
	fs.BoolVar(&c.TestMode, "test-mode", false, "build everything but never bind the public port (also APP_ENV=test)")
	fs.DurationVar(&c.ShutdownGrace, "shutdown-grace", 2*time.Second, "in-flight request grace period on shutdown")
	fs.DurationVar(&c.DrainDelay, "drain-delay", 5*time.Second, "time readiness reports draining before the listener stops")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "reverse proxies in front of the server (X-Forwarded-For depth)")

	fs.BoolVar(&c.EnablePprof, "enable-pprof", false, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")

	fs.BoolVar(&c.EnableRateLimit, "enable-rate-limit", false, "Enable per client IP rate limiting")
	fs.Float64Var(&c.RateLimitRPS, "rate-limit-rps", 50, "sustained requests per second per client IP")
	fs.IntVar(&c.RateLimitBurst, "rate-limit-burst", 100, "burst size per client IP")

	fs.StringVar(&c.AuditS3Bucket, "audit-s3-bucket", "", "ship audit records to this S3 bucket (empty logs them instead)")
	fs.StringVar(&c.AuditS3Prefix, "audit-s3-prefix", "audit/jsongate", "key prefix for audit objects")
	fs.StringVar(&c.AuditS3Region, "audit-s3-region", "", "region for the audit bucket (empty uses the SDK default chain)")
	fs.BoolVar(&c.AuditIncludeHeaders, "audit-include-headers", false, "include request headers (credentials masked) in audit records")
	fs.IntVar(&c.AuditBatchSize, "audit-batch-size", 500, "audit records per S3 object")
	fs.DurationVar(&c.AuditFlushInterval, "audit-flush-interval", 30*time.Second, "max time audit records wait before upload")
}

// InTestMode reports whether -test-mode or APP_ENV=test is set.
func (c App) InTestMode() bool {
	return c.TestMode || os.Getenv("APP_ENV") == "test"
}

// FillFromFile sets flags not explicitly passed on the CLI from a flat YAML
// map keyed by flag name. Unknown keys and bad values are errors.
// Run it before FillFromEnv so env wins over the file.
func FillFromFile(fs *flag.FlagSet, path string) error {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var values map[string]any
	if err := yaml.Unmarshal(raw, &values); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	var errs []error
	for name, v := range values {
		f := fs.Lookup(name)
		if f == nil {
			errs = append(errs, fmt.Errorf("config file %s: unknown key %q", path, name))
			continue
		}
		if explicit[name] {
			continue
		}
		if err := fs.Set(name, fmt.Sprint(v)); err != nil {
			errs = append(errs, fmt.Errorf("config file %s: key %q: %w", path, name, err))
		}
	}
	return errors.Join(errs...)
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > config file > default.
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
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 0 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 0..65535)", c.AdminPort))
	}
	if c.AdminPort != 0 && c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and PORT must differ (both %d)", c.HTTPPort))
	}

	if !routes.Valid(c.Routes) {
		errs = append(errs, fmt.Errorf("invalid ROUTES %q (valid: %s)", c.Routes, strings.Join(routes.Variants(), "|")))
	}
	if c.ShutdownGrace <= 0 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_GRACE %v (must be > 0)", c.ShutdownGrace))
	}
	if c.DrainDelay < 0 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_DELAY %v (must be >= 0)", c.DrainDelay))
	}
	if c.TrustedHops < 0 {
		errs = append(errs, fmt.Errorf("invalid TRUSTED_HOPS %d (must be >= 0)", c.TrustedHops))
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

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL and scheme)
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

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	if c.EnableRateLimit {
		if c.RateLimitRPS <= 0 {
			errs = append(errs, fmt.Errorf("RATE_LIMIT_RPS must be > 0 (got %v)", c.RateLimitRPS))
		}
		if c.RateLimitBurst < 1 {
			errs = append(errs, fmt.Errorf("RATE_LIMIT_BURST must be >= 1 (got %d)", c.RateLimitBurst))
		}
	}

	if c.AuditS3Bucket != "" {
		if c.AuditBatchSize < 1 {
			errs = append(errs, fmt.Errorf("AUDIT_BATCH_SIZE must be >= 1 (got %d)", c.AuditBatchSize))
		}
		if c.AuditFlushInterval <= 0 {
			errs = append(errs, fmt.Errorf("AUDIT_FLUSH_INTERVAL must be > 0 (got %v)", c.AuditFlushInterval))
		}
	}

	return errors.Join(errs...)
}
