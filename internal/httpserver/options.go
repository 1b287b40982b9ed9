package httpserver

import (
	"net/http"
	"time"

	"github.com/keithlinneman/jsongate/internal/httpmw"
	"github.com/keithlinneman/jsongate/internal/log"
	"github.com/keithlinneman/jsongate/internal/pipeline"
	"github.com/keithlinneman/jsongate/internal/respond"
)

type Options struct {
	Logger log.Logger
	Port   int

	// TestMode builds the handler but never binds a socket.
	TestMode bool

	// Routes names the route set to mount, routes.Default when empty.
	Routes string

	// Responder is the terminal error sink for the pipeline, the router and
	// recovered panics. nil builds one from Logger with the default rules.
	Responder *respond.Responder
	Pipeline  pipeline.Options

	ClientIP    httpmw.ClientIPOptions
	RateLimitMW func(http.Handler) http.Handler
	MetricsMW   func(http.Handler) http.Handler
	OnPanic     func() // called for every recovered panic, e.g. to bump a counter

	// ShutdownGrace bounds how long Stop waits for in-flight requests
	// before closing connections. Zero means DefaultShutdownGrace.
	ShutdownGrace time.Duration
}
