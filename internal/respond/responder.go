package respond

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/keithlinneman/jsongate/internal/apperr"
	"github.com/keithlinneman/jsongate/internal/httpmw"
	"github.com/keithlinneman/jsongate/internal/log"
	"github.com/keithlinneman/jsongate/internal/xerrors"
)

// ContentType is the media type declared on every response.
const ContentType = "application/json;charset=UTF-8"

const unknownIP = "unknown ip"

type Options struct {
	Logger log.Logger
	// nil means DefaultRules
	Rules []Rule
	// called once per handled error with the final code and status
	OnError func(code string, status int)
}

type Responder struct {
	logger  log.Logger
	rules   []Rule
	onError func(code string, status int)
}

func New(opts Options) *Responder {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Rules == nil {
		opts.Rules = DefaultRules()
	}
	return &Responder{logger: opts.Logger, rules: opts.Rules, onError: opts.OnError}
}

// Handle classifies err and writes the envelope. It never panics.
func (rs *Responder) Handle(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	L := log.FromContextOr(ctx, rs.logger)

	defer func() {
		if p := recover(); p != nil {
			L.Error(ctx, xerrors.Newf("responder panic: %v", p), "error responder failed")
		}
	}()

	c := apperr.Capture(err)
	if c == nil {
		c = &apperr.Captured{Message: "nil error reported", Name: "Error"}
		err = c
	}

	ip := httpmw.ClientIPFromContext(ctx)
	if ip == "" {
		ip = unknownIP
	}
	L.Error(ctx, err, "Caught new generic error",
		"caused_by", ip,
		"error_payload", c.JSON(),
	)

	rule, out := Classify(rs.rules, c)
	if rule.Diagnostic != "" {
		L.Warn(ctx, rule.Diagnostic,
			"rule", rule.Name,
			"error_message", c.Message,
			"error_stack", c.Stack,
		)
	}
	if rs.onError != nil {
		rs.onError(out.Envelope.Code, out.Status)
	}

	if headerWritten(w) {
		L.Warn(ctx, "response already started, error envelope dropped",
			"status", out.Status,
			"code", out.Envelope.Code,
		)
		return
	}
	if werr := WriteJSON(w, out.Status, out.Envelope); werr != nil {
		L.Warn(ctx, "failed writing error envelope", "err", werr.Error())
	}
}

// WriteJSON writes v with the service content type and status.
func WriteJSON(w http.ResponseWriter, status int, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	w.Header().Set("Content-Type", ContentType)
	w.Header().Del("Content-Length")
	w.WriteHeader(status)
	_, err = w.Write(body)
	return err
}

// headerWritten walks Unwrap chains looking for a writer that tracks whether
// the head went out.
func headerWritten(w http.ResponseWriter) bool {
	for w != nil {
		if hw, ok := w.(interface{ HeaderWritten() bool }); ok {
			return hw.HeaderWritten()
		}
		u, ok := w.(interface{ Unwrap() http.ResponseWriter })
		if !ok {
			return false
		}
		w = u.Unwrap()
	}
	return false
}
