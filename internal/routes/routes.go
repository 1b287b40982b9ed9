// Package routes holds the selectable route sets mounted behind the
// pipeline. Exactly one set is mounted per process, chosen at deploy time.
package routes

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/jsongate/internal/log"
	"github.com/keithlinneman/jsongate/internal/pipeline"
)

const (
	// Stub answers GET /json and GET /url with an empty 200.
	Stub = "stub"
	// Echo logs the parsed body of POST /json and POST /url.
	Echo = "echo"
	// Root answers GET / with an empty 200.
	Root = "root"

	Default = Stub
)

// HandlerFunc is a handler that reports failures instead of writing them.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// Deps are shared by every route set.
type Deps struct {
	Logger log.Logger
	Sink   pipeline.ErrorSink
}

type mountFunc func(chi.Router, Deps)

var sets = map[string]mountFunc{
	Stub: mountStub,
	Echo: mountEcho,
	Root: mountRoot,
}

// Variants lists the known route sets, sorted.
func Variants() []string {
	out := make([]string, 0, len(sets))
	for k := range sets {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func Valid(variant string) bool {
	_, ok := sets[variant]
	return ok
}

// Mount registers the named set on r.
func Mount(r chi.Router, variant string, deps Deps) error {
	m, ok := sets[variant]
	if !ok {
		return fmt.Errorf("unknown route set %q (valid: %v)", variant, Variants())
	}
	if deps.Logger == nil {
		deps.Logger = log.Nop()
	}
	m(r, deps)
	return nil
}

// Handle adapts fn, sending its error to sink.
func Handle(sink pipeline.ErrorSink, fn HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(w, r); err != nil {
			sink.Handle(w, r, err)
		}
	}
}

func empty(w http.ResponseWriter, _ *http.Request) error {
	w.WriteHeader(http.StatusOK)
	return nil
}

func mountStub(r chi.Router, d Deps) {
	r.Get("/json", Handle(d.Sink, empty))
	r.Get("/url", Handle(d.Sink, empty))
}

func mountRoot(r chi.Router, d Deps) {
	r.Get("/", Handle(d.Sink, empty))
}

func mountEcho(r chi.Router, d Deps) {
	echo := func(w http.ResponseWriter, req *http.Request) error {
		ctx := req.Context()
		log.FromContextOr(ctx, d.Logger).Info(ctx, "diagnostic echo",
			"path", req.URL.Path,
			"body", pipeline.Body(ctx),
		)
		w.WriteHeader(http.StatusOK)
		return nil
	}
	r.Post("/json", Handle(d.Sink, echo))
	r.Post("/url", Handle(d.Sink, echo))
}
