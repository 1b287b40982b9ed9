package audit

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/keithlinneman/jsongate/internal/httpmw"
	"github.com/keithlinneman/jsongate/internal/log"
)

// Record is one audited exchange.
type Record struct {
	ID         string            `json:"id"`
	Time       time.Time         `json:"time"`
	RequestID  string            `json:"request_id,omitempty"`
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	Query      string            `json:"query,omitempty"`
	ClientIP   string            `json:"client_ip,omitempty"`
	UserAgent  string            `json:"user_agent,omitempty"`
	Status     int               `json:"status"`
	BytesOut   int64             `json:"bytes_out"`
	DurationMS float64           `json:"duration_ms"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// Response is what the hook sees of the reply.
type Response struct {
	Status  int
	Bytes   int64
	Started time.Time
	Header  http.Header
}

type Sink interface {
	Write(ctx context.Context, rec Record) error
	Close(ctx context.Context) error
}

// maskedHeaders never leave the process in clear text.
var maskedHeaders = map[string]bool{
	"Authorization":       true,
	"Cookie":              true,
	"Proxy-Authorization": true,
	"Set-Cookie":          true,
}

type HookOptions struct {
	Logger log.Logger
	// copy request headers into each record
	IncludeHeaders bool
	// called once per record the sink rejected
	OnWriteError func()
	// defaults to time.Now
	Now func() time.Time
}

type Hook struct {
	sink           Sink
	logger         log.Logger
	includeHeaders bool
	onWriteError   func()
	now            func() time.Time
}

func NewHook(sink Sink, opts HookOptions) *Hook {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if sink == nil {
		sink = NewLogSink(opts.Logger)
	}
	return &Hook{
		sink:           sink,
		logger:         opts.Logger,
		includeHeaders: opts.IncludeHeaders,
		onWriteError:   opts.OnWriteError,
		now:            opts.Now,
	}
}

// Audit records the exchange. Sink failures are logged, never returned:
// the response has already been sent.
func (h *Hook) Audit(ctx context.Context, r *http.Request, resp Response) {
	rec := h.Build(r, resp)
	if err := h.sink.Write(ctx, rec); err != nil {
		if h.onWriteError != nil {
			h.onWriteError()
		}
		log.FromContextOr(ctx, h.logger).Warn(ctx, "audit write failed", "err", err.Error(), "audit_id", rec.ID)
	}
}

// Build derives the record without writing it.
func (h *Hook) Build(r *http.Request, resp Response) Record {
	now := h.now()
	rec := Record{
		ID:        uuid.NewString(),
		Time:      now.UTC(),
		RequestID: httpmw.RequestIDFromContext(r.Context()),
		Method:    r.Method,
		Path:      r.URL.Path,
		Query:     r.URL.RawQuery,
		ClientIP:  httpmw.ClientIPFromContext(r.Context()),
		UserAgent: r.UserAgent(),
		Status:    resp.Status,
		BytesOut:  resp.Bytes,
	}
	if rec.Status == 0 {
		rec.Status = http.StatusOK
	}
	if !resp.Started.IsZero() {
		rec.DurationMS = float64(now.Sub(resp.Started).Microseconds()) / 1000
	}
	if h.includeHeaders {
		rec.Headers = flattenHeaders(r.Header)
	}
	return rec
}

func flattenHeaders(hdr http.Header) map[string]string {
	if len(hdr) == 0 {
		return nil
	}
	out := make(map[string]string, len(hdr))
	for k, v := range hdr {
		ck := http.CanonicalHeaderKey(k)
		if maskedHeaders[ck] {
			out[ck] = "***"
			continue
		}
		out[ck] = strings.Join(v, ", ")
	}
	return out
}

// Close flushes and releases the sink.
func (h *Hook) Close(ctx context.Context) error { return h.sink.Close(ctx) }
