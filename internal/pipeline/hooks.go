package pipeline

import (
	"context"
	"net/http"
	"time"

	"github.com/keithlinneman/jsongate/internal/audit"
)

// Auditor receives every request/response pair once the response is done.
type Auditor interface {
	Audit(ctx context.Context, r *http.Request, resp audit.Response)
}

// Audit hands the exchange to a once the handler or error sink returns. The
// request body is not read here.
func Audit(a Auditor) Stage {
	return StageFunc{StageName: "audit", Fn: func(ex *Exchange) error {
		if a == nil {
			return nil
		}
		started := time.Now()
		r := ex.R
		ex.OnFinish(func() {
			a.Audit(r.Context(), r, audit.Response{
				Status:  ex.Status(),
				Bytes:   ex.BytesWritten(),
				Started: started,
				Header:  ex.W.Header(),
			})
		})
		return nil
	}}
}

// IncomingLogger emits one record per request that reaches it.
type IncomingLogger interface {
	LogIncoming(ctx context.Context, r *http.Request, body any)
}

// RequestLog is the last stage. It never fails the request.
func RequestLog(l IncomingLogger) Stage {
	return StageFunc{StageName: "reqlog", Fn: func(ex *Exchange) error {
		if l != nil {
			l.LogIncoming(ex.Context(), ex.R, Body(ex.Context()))
		}
		return nil
	}}
}
