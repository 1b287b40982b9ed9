package pipeline

import (
	"bufio"
	"fmt"
	"net"
	"net/http"

	"github.com/keithlinneman/jsongate/internal/respond"
)

const (
	AllowHeaders = "Origin, X-Requested-With, Content-Type, Accept"
	AllowMethods = "GET,HEAD,PUT,PATCH,POST,DELETE"
)

// CORS allows any origin with credentials and answers preflight requests
// itself. Every response written after this stage carries the service JSON
// content type, whatever the handler set.
func CORS() Stage {
	return StageFunc{StageName: "cors", Fn: func(ex *Exchange) error {
		h := ex.W.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Access-Control-Allow-Headers", AllowHeaders)
		h.Add("Vary", "Origin")

		if ex.R.Method == http.MethodOptions && ex.R.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", AllowMethods)
			h.Set("Content-Length", "0")
			ex.W.WriteHeader(http.StatusNoContent)
			return ErrResponded
		}

		h.Set("Content-Type", respond.ContentType)
		ex.W = &jsonContentWriter{ResponseWriter: ex.W}
		return nil
	}}
}

// jsonContentWriter re-applies the content type right before the head goes
// out so handlers cannot override it.
type jsonContentWriter struct {
	http.ResponseWriter
	wroteHeader bool
}

func (w *jsonContentWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		w.Header().Set("Content-Type", respond.ContentType)
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *jsonContentWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *jsonContentWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *jsonContentWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
	}
	return h.Hijack()
}

func (w *jsonContentWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
