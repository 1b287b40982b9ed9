// Package reqlog emits the "New req" record for every request that clears
// the pipeline.
//
// Bodies are only logged when they are a non-empty map. On paths containing
// one of RedactPathMarkers the body is deep-copied first and a truthy
// top-level password is masked. Nothing else is redacted.
package reqlog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/keithlinneman/jsongate/internal/httpmw"
	"github.com/keithlinneman/jsongate/internal/log"
	"github.com/keithlinneman/jsongate/internal/nestedform"
)

const Mask = "***"

// RedactPathMarkers are matched as substrings of the URL path.
var RedactPathMarkers = []string{"interaction", "register", "remove"}

// Record is the structured form of one incoming request.
type Record struct {
	Method string
	Path   string
	IP     string
	// JSON of the nested query map, empty when there is no query string
	Query string
	// nil unless the parsed body is a non-empty map
	Body map[string]any
}

// KV flattens the record into logger key/value pairs.
func (rec Record) KV() []any {
	kv := []any{"method", rec.Method, "path", rec.Path, "ip", rec.IP}
	if rec.Query != "" {
		kv = append(kv, "query", rec.Query)
	}
	if rec.Body != nil {
		kv = append(kv, "body", rec.Body)
	}
	return kv
}

type Logger struct {
	base log.Logger
}

// New returns a Logger that falls back to base when the request carries no
// request-scoped logger.
func New(base log.Logger) *Logger {
	if base == nil {
		base = log.Nop()
	}
	return &Logger{base: base}
}

// LogIncoming builds and emits the record. Failures are logged at warn and
// never reach the caller.
func (l *Logger) LogIncoming(ctx context.Context, r *http.Request, body any) {
	L := log.FromContextOr(ctx, l.base)
	defer func() {
		if p := recover(); p != nil {
			L.Warn(ctx, "Middleware validation", "err", fmt.Sprint(p))
		}
	}()

	rec, err := Build(r, body)
	if err != nil {
		L.Warn(ctx, "Middleware validation", "err", err.Error())
		return
	}
	L.Info(ctx, "New req", rec.KV()...)
}

// Build derives the record from r and its parsed body.
func Build(r *http.Request, body any) (Record, error) {
	rec := Record{
		Method: r.Method,
		Path:   r.URL.Path,
		IP:     httpmw.ClientIPFromContext(r.Context()),
	}

	if r.URL.RawQuery != "" {
		// a stray % must not cost the whole record
		b, err := json.Marshal(nestedform.ParseLenient(r.URL.RawQuery))
		if err != nil {
			return Record{}, fmt.Errorf("encode query: %w", err)
		}
		rec.Query = string(b)
	}

	m, ok := body.(map[string]any)
	if !ok || len(m) == 0 {
		return rec, nil
	}
	if ShouldRedact(rec.Path) {
		m = Redact(m)
	}
	rec.Body = m
	return rec, nil
}

func ShouldRedact(path string) bool {
	for _, marker := range RedactPathMarkers {
		if strings.Contains(path, marker) {
			return true
		}
	}
	return false
}

// Redact returns a deep copy of body with a truthy top-level password
// replaced by Mask. body itself is never modified.
func Redact(body map[string]any) map[string]any {
	out, _ := deepCopy(body).(map[string]any)
	if truthy(out["password"]) {
		out["password"] = Mask
	}
	return out
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = deepCopy(e)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = deepCopy(e)
		}
		return s
	}
	return v
}

// truthy follows loose JSON truthiness: missing, null, false, 0 and "" are
// falsy; everything else, including empty containers, is truthy.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case json.Number:
		f, err := t.Float64()
		return err != nil || f != 0
	}
	return true
}
