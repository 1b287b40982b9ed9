package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"

	"github.com/keithlinneman/jsongate/internal/httpmw"
	"github.com/keithlinneman/jsongate/internal/log"
)

// ErrResponded stops the pipeline without an error response. The stage
// returning it has already written a complete reply.
var ErrResponded = errors.New("pipeline: response already written")

type Stage interface {
	Name() string
	Apply(ex *Exchange) error
}

// StageFunc adapts a function to Stage.
type StageFunc struct {
	StageName string
	Fn        func(*Exchange) error
}

func (s StageFunc) Name() string             { return s.StageName }
func (s StageFunc) Apply(ex *Exchange) error { return s.Fn(ex) }

// ErrorSink is the terminal error handler. respond.Responder satisfies it.
type ErrorSink interface {
	Handle(w http.ResponseWriter, r *http.Request, err error)
}

// Exchange is the mutable per-request view handed to stages. Stages may
// replace W or R; later stages and the handler see the replacement.
type Exchange struct {
	W http.ResponseWriter
	R *http.Request

	rec      *responseTracker
	onFinish []func()
}

// OnFinish registers fn to run once the handler or error sink returns.
// Callbacks run in reverse registration order.
func (ex *Exchange) OnFinish(fn func()) {
	ex.onFinish = append(ex.onFinish, fn)
}

// Status is the status written so far, 0 if nothing went out.
func (ex *Exchange) Status() int { return ex.rec.status }

// BytesWritten counts body bytes written so far.
func (ex *Exchange) BytesWritten() int64 { return ex.rec.bytes }

// Context is shorthand for ex.R.Context().
func (ex *Exchange) Context() context.Context { return ex.R.Context() }

func (ex *Exchange) finish() {
	for i := len(ex.onFinish) - 1; i >= 0; i-- {
		ex.onFinish[i]()
	}
}

type Pipeline struct {
	stages  []Stage
	sink    ErrorSink
	onPanic func()
}

// New panics on a nil sink or stage; both are wiring bugs.
func New(sink ErrorSink, stages ...Stage) *Pipeline {
	if sink == nil {
		panic("pipeline: nil error sink")
	}
	for i, s := range stages {
		if s == nil {
			panic(fmt.Sprintf("pipeline: nil stage at position %d", i))
		}
	}
	return &Pipeline{stages: stages, sink: sink}
}

// Names lists the stages in execution order.
func (p *Pipeline) Names() []string {
	out := make([]string, len(p.stages))
	for i, s := range p.stages {
		out[i] = s.Name()
	}
	return out
}

// Then returns next wrapped by the pipeline.
func (p *Pipeline) Then(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &responseTracker{ResponseWriter: w}
		r = r.WithContext(withState(r.Context()))
		ex := &Exchange{W: rec, R: r, rec: rec}
		defer ex.finish()
		// runs before finish so OnFinish callbacks see the error response
		defer p.recoverPanic(ex)

		if err := p.run(ex); err != nil {
			if !errors.Is(err, ErrResponded) {
				p.sink.Handle(ex.W, ex.R, err)
			}
			return
		}
		next.ServeHTTP(ex.W, ex.R)
	})
}

func (p *Pipeline) run(ex *Exchange) error {
	for _, s := range p.stages {
		if err := s.Apply(ex); err != nil {
			return err
		}
	}
	return nil
}

// recoverPanic hands a panic from a stage or the handler to the sink.
// http.ErrAbortHandler is re-raised.
func (p *Pipeline) recoverPanic(ex *Exchange) {
	rec := recover()
	if rec == nil {
		return
	}
	if e, ok := rec.(error); ok && errors.Is(e, http.ErrAbortHandler) {
		panic(rec)
	}
	if p.onPanic != nil {
		p.onPanic()
	}
	err := httpmw.PanicError(rec)
	ctx := ex.Context()
	log.FromContextOr(ctx, log.Nop()).Error(ctx, err, "recovered from panic", "panic_stack", string(debug.Stack()))
	p.sink.Handle(ex.W, ex.R, err)
}

// Middleware adapts the pipeline to the func(http.Handler) http.Handler shape.
func (p *Pipeline) Middleware() func(http.Handler) http.Handler {
	return p.Then
}

// responseTracker records what went out so OnFinish callbacks and the error
// sink can see it.
type responseTracker struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (t *responseTracker) WriteHeader(code int) {
	if t.status == 0 {
		t.status = code
	}
	t.ResponseWriter.WriteHeader(code)
}

func (t *responseTracker) Write(b []byte) (int, error) {
	if t.status == 0 {
		t.status = http.StatusOK
	}
	n, err := t.ResponseWriter.Write(b)
	t.bytes += int64(n)
	return n, err
}

func (t *responseTracker) HeaderWritten() bool { return t.status != 0 }

func (t *responseTracker) Flush() {
	if f, ok := t.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (t *responseTracker) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := t.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
	}
	return h.Hijack()
}

func (t *responseTracker) Unwrap() http.ResponseWriter { return t.ResponseWriter }
