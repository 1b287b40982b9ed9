package opshttp

import (
	"net/http"

	"github.com/keithlinneman/jsongate/internal/health"
)

// DefaultPort is the admin listener port when Options.Port is zero.
const DefaultPort = 9003

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe

	// UseRecoverMW wraps the mux with httpmw.Recover. OnPanic runs for each
	// recovered panic, typically to bump a prometheus counter.
	UseRecoverMW bool
	OnPanic      func()
}
