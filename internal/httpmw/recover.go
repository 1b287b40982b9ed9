package httpmw

import (
	"errors"
	"net/http"
	"runtime/debug"

	"github.com/keithlinneman/jsongate/internal/log"
	"github.com/keithlinneman/jsongate/internal/xerrors"
)

// ErrorSink receives failures that escape the pipeline. The error responder
// satisfies it.
type ErrorSink interface {
	Handle(w http.ResponseWriter, r *http.Request, err error)
}

// Recover turns handler panics into errors for sink, which writes the
// response. http.ErrAbortHandler is re-raised so net/http can abort the
// connection as intended.
func Recover(L log.Logger, onPanic func(), sink ErrorSink) func(http.Handler) http.Handler {
	if L == nil {
		L = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if e, ok := rec.(error); ok && errors.Is(e, http.ErrAbortHandler) {
					panic(rec)
				}
				if onPanic != nil {
					onPanic()
				}

				err := PanicError(rec)
				ctx := r.Context()
				log.FromContextOr(ctx, L).Error(ctx, err, "recovered from panic", "panic_stack", string(debug.Stack()))

				if sink != nil {
					sink.Handle(w, r, err)
					return
				}
				w.WriteHeader(http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// PanicError turns a recovered value into an error carrying a stack.
func PanicError(rec any) error {
	if e, ok := rec.(error); ok {
		return xerrors.Wrap(e, "panic")
	}
	return xerrors.Newf("panic: %v", rec)
}
