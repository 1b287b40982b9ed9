package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/jsongate/internal/httpmw"
	"github.com/keithlinneman/jsongate/internal/log"
	"github.com/keithlinneman/jsongate/internal/pipeline"
	"github.com/keithlinneman/jsongate/internal/respond"
	"github.com/keithlinneman/jsongate/internal/routes"
	"github.com/keithlinneman/jsongate/internal/xerrors"
)

// DefaultPort is the public listener port when Options.Port is zero.
const DefaultPort = 5003

// Server timeout defaults, shared with opshttp.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 30 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20 // 1 MB
	DefaultShutdownGrace     = 2 * time.Second
)

// Server owns the public listener. The zero value is not usable; build one
// with New.
type Server struct {
	logger   log.Logger
	port     int
	testMode bool
	grace    time.Duration
	handler  http.Handler

	mu      sync.Mutex
	srv     *http.Server
	ln      net.Listener
	stopped bool
}

// New builds the full handler stack. It fails only when the route set is
// unknown.
func New(opts Options) (*Server, error) {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = DefaultShutdownGrace
	}
	if opts.Routes == "" {
		opts.Routes = routes.Default
	}
	if opts.Responder == nil {
		opts.Responder = respond.New(respond.Options{Logger: opts.Logger})
	}

	h, err := NewHandler(opts)
	if err != nil {
		return nil, err
	}
	return &Server{
		logger:   opts.Logger,
		port:     opts.Port,
		testMode: opts.TestMode,
		grace:    opts.ShutdownGrace,
		handler:  h,
	}, nil
}

// NewHandler builds the transport middleware, the pipeline and the router.
// opts.Responder must be set.
func NewHandler(opts Options) (http.Handler, error) {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	sink := opts.Responder
	if sink == nil {
		return nil, xerrors.New("httpserver: nil responder")
	}
	if opts.Routes == "" {
		opts.Routes = routes.Default
	}

	r := chi.NewRouter()

	// Annotate logger and tracer with http.route from the chi pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	if err := routes.Mount(r, opts.Routes, routes.Deps{Logger: opts.Logger, Sink: sink}); err != nil {
		return nil, xerrors.Wrap(err, "mount routes")
	}

	// unknown paths and wrong methods both get an empty 404
	r.NotFound(emptyNotFound)
	r.MethodNotAllowed(emptyNotFound)

	if opts.Pipeline.OnPanic == nil {
		opts.Pipeline.OnPanic = opts.OnPanic
	}

	// Middleware (outermost last in wrapping order)
	var h http.Handler = pipeline.Standard(sink, opts.Pipeline).Then(r)

	h = httpmw.AccessLog()(h)

	// Request-scoped logging (inner so it sees trace_id, etc)
	h = httpmw.WithLogger(opts.Logger)(h)

	if opts.MetricsMW != nil {
		h = opts.MetricsMW(h)
	}

	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	h = otelhttp.NewHandler(
		h,
		"http.server",
		otelhttp.WithFilter(shouldTrace),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			// AnnotateHTTPRoute renames the span to the route pattern later
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
	)

	// Rate limiting (after client IP so it keys on the resolved address)
	if opts.RateLimitMW != nil {
		h = opts.RateLimitMW(h)
	}

	h = httpmw.ClientIP(opts.ClientIP)(h)

	// Request ID (outer so everything downstream sees it)
	h = httpmw.RequestID("X-Request-Id")(h)

	h = httpmw.Recover(opts.Logger, opts.OnPanic, sink)(h)

	return h, nil
}

// CORS preflights are answered before any handler runs, no span needed.
func shouldTrace(r *http.Request) bool {
	return !(r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "")
}

func emptyNotFound(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNotFound)
}

func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Handler is the complete stack, for serving without a socket.
func (s *Server) Handler() http.Handler { return s.handler }

// Addr is the bound listener address, empty before Start or in test mode.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Start binds the listener and serves in the background. In test mode it
// returns nil without binding.
func (s *Server) Start(ctx context.Context) error {
	if s.testMode {
		s.logger.Info(ctx, "http server in test mode, not listening")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return xerrors.New("http server already started")
	}
	if s.stopped {
		return xerrors.New("http server already stopped")
	}

	addr := fmt.Sprintf(":%d", s.port)
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return xerrors.Wrapf(err, "listen on addr=%v", addr)
	}
	srv := newHTTPServer(addr, s.handler)
	s.srv, s.ln = srv, ln

	go func() {
		s.logger.Info(ctx, "http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(ctx, err, "http server error")
		}
	}()
	return nil
}

// Stop stops accepting, waits up to the shutdown grace for in-flight
// requests, then closes whatever is left. Calling it before Start or more
// than once returns nil.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	already := s.stopped
	s.stopped = true
	s.mu.Unlock()

	if srv == nil || already {
		return nil
	}

	s.logger.Info(ctx, "http server shutting down", "grace", s.grace.String())
	c, cancel := context.WithTimeout(ctx, s.grace)
	defer cancel()

	err := srv.Shutdown(c)
	if err == nil {
		return nil
	}
	if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return xerrors.Wrap(err, "http server shutdown")
	}
	s.logger.Warn(ctx, "grace period elapsed, closing remaining connections")
	if cerr := srv.Close(); cerr != nil {
		return xerrors.Wrap(cerr, "http server close")
	}
	return nil
}
