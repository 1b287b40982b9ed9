package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keithlinneman/jsongate/internal/audit"
	"github.com/keithlinneman/jsongate/internal/cfg"
	"github.com/keithlinneman/jsongate/internal/health"
	"github.com/keithlinneman/jsongate/internal/httpmw"
	"github.com/keithlinneman/jsongate/internal/httpserver"
	"github.com/keithlinneman/jsongate/internal/log"
	"github.com/keithlinneman/jsongate/internal/metrics"
	"github.com/keithlinneman/jsongate/internal/opshttp"
	"github.com/keithlinneman/jsongate/internal/otelx"
	"github.com/keithlinneman/jsongate/internal/pipeline"
	"github.com/keithlinneman/jsongate/internal/prof"
	"github.com/keithlinneman/jsongate/internal/ratelimit"
	"github.com/keithlinneman/jsongate/internal/reqlog"
	"github.com/keithlinneman/jsongate/internal/respond"
	v "github.com/keithlinneman/jsongate/internal/version"
)

const component = "server"

func main() {
	os.Exit(run())
}

// run is the composition root. Every subsystem started here registers its
// stop on the cleanup stack so an init failure unwinds what came up before.
func run() int {
	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(vi.String())
		return 0
	}

	// precedence: cli > env > config file > default
	if err := cfg.FillFromFile(flag.CommandLine, conf.ConfigFile); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 1
	}
	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 1
	}

	// Setup logging
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JSON:              conf.LogJSON,
		IncludeErrorChain: conf.IncludeErrorChain,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		return 1
	}
	defer lg.Sync()
	L := lg.With("component", component)

	ctx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	ctx = log.WithContext(ctx, L)

	testMode := conf.InTestMode()
	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"routes", conf.Routes,
		"test_mode", testMode,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"enable_rate_limit", conf.EnableRateLimit,
		"audit_s3_bucket", conf.AuditS3Bucket,
	)

	var cleanup stack
	fail := func(err error, msg string) int {
		L.Error(ctx, err, msg)
		cleanup.unwind(L)
		return 1
	}

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)

	// Setup pyroscope profiling, failures are logged and not fatal
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName + "." + component,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		OnActive:      m.SetProfilingActive,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": component,
			"version":   vi.Version,
			"commit":    vi.Commit,
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	cleanup.push("profiler", func(context.Context) error { stopProf(); return nil })

	// Insecure because spans only go to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: component,
		Version:   vi.Version,
	})
	if err != nil {
		return fail(err, "otel init failed")
	}
	cleanup.push("tracer", shutdownOTEL)

	// Audit records go to S3 when a bucket is configured, otherwise the log
	var sink audit.Sink
	// readiness fails while audit records cannot be delivered
	var sinkProbe health.Probe
	if conf.AuditS3Bucket != "" {
		s3sink, err := audit.NewS3Sink(ctx, audit.S3Options{
			Logger:        L,
			Bucket:        conf.AuditS3Bucket,
			Prefix:        conf.AuditS3Prefix,
			Region:        conf.AuditS3Region,
			BatchSize:     conf.AuditBatchSize,
			FlushInterval: conf.AuditFlushInterval,
		})
		if err != nil {
			return fail(err, "audit s3 sink init failed")
		}
		sink = s3sink
		sinkProbe = s3sink
	} else {
		sink = audit.NewLogSink(L)
	}
	auditHook := audit.NewHook(sink, audit.HookOptions{
		Logger:         L,
		IncludeHeaders: conf.AuditIncludeHeaders,
		OnWriteError:   m.IncAuditWriteError,
	})
	cleanup.push("audit sink", auditHook.Close)

	responder := respond.New(respond.Options{
		Logger:  L,
		OnError: m.ObserveErrorResponse,
	})

	var rateLimitMW func(next http.Handler) http.Handler
	if conf.EnableRateLimit {
		limiter := ratelimit.New(ctx,
			ratelimit.WithRate(conf.RateLimitRPS, conf.RateLimitBurst),
			ratelimit.WithErrorSink(responder),
			ratelimit.WithOnDenied(func(string) { m.IncRateLimitDenied() }),
			// only log the first denial per visitor lifetime
			ratelimit.WithOnFirstDenied(func(ip string) {
				L.Warn(ctx, "rate limit triggered", "ip", ip)
			}),
			ratelimit.WithOnCapacity(func() {
				m.IncRateLimitCapacity()
				L.Warn(ctx, "rate limit capacity reached, rejecting new visitors until some are evicted")
			}),
		)
		rateLimitMW = limiter.Middleware
	}

	var gate health.ShutdownGate

	// ops listener rejects public peers in middleware in case the
	// security group is ever misconfigured. It comes up before the public
	// listener so it goes down after it
	if conf.AdminPort != 0 {
		opsStop, err := opshttp.Start(ctx, L, &opshttp.Options{
			Port:         conf.AdminPort,
			Metrics:      m.Handler(),
			EnablePprof:  conf.EnablePprof,
			Health:       health.Fixed(true, ""),
			Readiness:    health.All(gate.Probe(), health.Named("audit", sinkProbe)),
			UseRecoverMW: true,
			OnPanic:      m.IncHttpPanic,
		})
		if err != nil {
			return fail(err, "failed to start ops http listener")
		}
		cleanup.push("ops server", opsStop)
	}

	srv, err := httpserver.New(httpserver.Options{
		Logger:    L,
		Port:      conf.HTTPPort,
		TestMode:  testMode,
		Routes:    conf.Routes,
		Responder: responder,
		Pipeline: pipeline.Options{
			Auditor:    auditHook,
			RequestLog: reqlog.New(L),
		},
		ClientIP:      httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
		RateLimitMW:   rateLimitMW,
		MetricsMW:     m.Middleware,
		OnPanic:       m.IncHttpPanic,
		ShutdownGrace: conf.ShutdownGrace,
	})
	if err != nil {
		return fail(err, "failed to build http server")
	}
	if err := srv.Start(ctx); err != nil {
		return fail(err, "failed to start http listener")
	}
	cleanup.push("http server", srv.Stop)

	if err := notifySystemd(); err != nil {
		// worst case systemd kills us after its start timeout
		L.Debug(ctx, "systemd notify skipped", "reason", err.Error())
	}

	<-ctx.Done()
	L.Info(context.Background(), "shutdown signal received")

	// fail readiness first so the load balancer stops routing to us
	gate.Set("draining")
	drain(L, conf.DrainDelay)

	cleanup.unwind(L)
	L.Info(context.Background(), "shutdown complete")
	return 0
}

// drain holds for d unless a second signal arrives.
func drain(L log.Logger, d time.Duration) {
	if d <= 0 {
		return
	}
	L.Info(context.Background(), "draining before stopping listeners", "delay", d.String())
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(forceCh)
	select {
	case <-time.After(d):
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET when started with Type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	_, _ = conn.Write([]byte("READY=1"))
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
