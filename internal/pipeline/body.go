package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/keithlinneman/jsongate/internal/apperr"
	"github.com/keithlinneman/jsongate/internal/nestedform"
	"github.com/keithlinneman/jsongate/internal/xerrors"
)

const (
	DefaultJSONLimit = 500 << 10
	DefaultFormLimit = 100 << 10
	DefaultTextLimit = 100 << 10
)

// PayloadTooLargeName tags an oversized JSON body.
const PayloadTooLargeName = "PayloadTooLargeError"

var errTooLarge = errors.New("body exceeds limit")

// mediaType returns the lower-cased media type of r, "" when absent or
// unparsable.
func mediaType(r *http.Request) string {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return ""
	}
	return mt
}

// hasBody mirrors net/http: GET without Content-Length still gets
// http.NoBody.
func hasBody(r *http.Request) bool {
	return r.Body != nil && r.Body != http.NoBody && r.ContentLength != 0
}

// readCapped reads at most limit bytes and fails with errTooLarge when more
// are available.
func readCapped(r *http.Request, limit int64) ([]byte, error) {
	if r.ContentLength > limit {
		return nil, errTooLarge
	}
	b, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, xerrors.Wrap(err, "read request body")
	}
	if int64(len(b)) > limit {
		return nil, errTooLarge
	}
	return b, nil
}

// JSON parses application/json bodies of at most limit bytes. Only objects
// and arrays are accepted at the top level.
func JSON(limit int64) Stage {
	if limit <= 0 {
		limit = DefaultJSONLimit
	}
	return StageFunc{StageName: "json", Fn: func(ex *Exchange) error {
		st := stateFrom(ex.Context())
		if st.parsed || !hasBody(ex.R) || mediaType(ex.R) != "application/json" {
			return nil
		}
		b, err := readCapped(ex.R, limit)
		if errors.Is(err, errTooLarge) {
			return &apperr.Captured{
				Name:    PayloadTooLargeName,
				Message: fmt.Sprintf("request entity too large: a body over %d bytes is not valid JSON", limit),
				Status:  http.StatusRequestEntityTooLarge,
			}
		}
		if err != nil {
			return err
		}
		st.parsed = true
		if len(strings.TrimSpace(string(b))) == 0 {
			return nil
		}
		v, err := decodeJSON(b)
		if err != nil {
			return err
		}
		st.body = v
		return nil
	}}
}

func decodeJSON(b []byte) (any, error) {
	trimmed := strings.TrimLeft(string(b), " \t\r\n")
	if c := trimmed[0]; c != '{' && c != '[' {
		return nil, unexpectedToken(trimmed, 0)
	}

	var v any
	err := json.Unmarshal(b, &v)
	if err == nil {
		return v, nil
	}
	var se *json.SyntaxError
	if !errors.As(err, &se) {
		return nil, apperr.Syntax(err.Error(), err)
	}
	if se.Offset >= int64(len(b)) || se.Error() == "unexpected end of JSON input" {
		return nil, apperr.Syntax("Unexpected end of JSON input", err)
	}
	return nil, unexpectedToken(string(b), int(se.Offset)-1)
}

// unexpectedToken reports the rune at pos the way strict JSON parsers do:
// Unexpected token 'x', "<snippet>" is not valid JSON.
func unexpectedToken(src string, pos int) *apperr.Captured {
	if pos < 0 {
		pos = 0
	}
	r, _ := utf8.DecodeRuneInString(src[pos:])
	return apperr.Syntax(fmt.Sprintf("Unexpected token '%c', %q is not valid JSON", r, snippet(src)), nil)
}

func snippet(s string) string {
	const maxLen = 32
	s = strings.TrimSpace(s)
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// URLEncoded parses application/x-www-form-urlencoded bodies with nested
// bracket keys.
func URLEncoded(limit int64) Stage {
	if limit <= 0 {
		limit = DefaultFormLimit
	}
	return StageFunc{StageName: "urlencoded", Fn: func(ex *Exchange) error {
		st := stateFrom(ex.Context())
		if st.parsed || !hasBody(ex.R) || mediaType(ex.R) != "application/x-www-form-urlencoded" {
			return nil
		}
		b, err := readCapped(ex.R, limit)
		if errors.Is(err, errTooLarge) {
			return apperr.New(apperr.PayloadTooLarge, apperr.WithCause(err))
		}
		if err != nil {
			return err
		}
		st.parsed = true
		form, err := nestedform.ParseString(string(b))
		if err != nil {
			return apperr.Syntax("URI malformed: "+err.Error(), err)
		}
		st.body = form
		return nil
	}}
}

// Text stores text/plain bodies as a string.
func Text(limit int64) Stage {
	if limit <= 0 {
		limit = DefaultTextLimit
	}
	return StageFunc{StageName: "text", Fn: func(ex *Exchange) error {
		st := stateFrom(ex.Context())
		if st.parsed || !hasBody(ex.R) || mediaType(ex.R) != "text/plain" {
			return nil
		}
		b, err := readCapped(ex.R, limit)
		if errors.Is(err, errTooLarge) {
			return apperr.New(apperr.PayloadTooLarge, apperr.WithCause(err))
		}
		if err != nil {
			return err
		}
		st.parsed = true
		st.body = string(b)
		return nil
	}}
}
