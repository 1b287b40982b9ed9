package pipeline

import (
	"context"
	"mime/multipart"
	"net/textproto"
)

type stateKey struct{}

// state is the per-request parse result shared by stages and handlers.
type state struct {
	parsed  bool
	body    any
	files   map[string][]*File
	cookies map[string]any
}

// File is one uploaded file, fully buffered.
type File struct {
	Field       string
	Name        string
	ContentType string
	Size        int64
	Data        []byte
	Header      textproto.MIMEHeader
}

func newFile(field string, p *multipart.Part, data []byte) *File {
	return &File{
		Field:       field,
		Name:        p.FileName(),
		ContentType: p.Header.Get("Content-Type"),
		Size:        int64(len(data)),
		Data:        data,
		Header:      p.Header,
	}
}

func withState(ctx context.Context) context.Context {
	if _, ok := ctx.Value(stateKey{}).(*state); ok {
		return ctx
	}
	return context.WithValue(ctx, stateKey{}, &state{})
}

func stateFrom(ctx context.Context) *state {
	if st, ok := ctx.Value(stateKey{}).(*state); ok {
		return st
	}
	return &state{}
}

// Body is the parsed request body: map[string]any or []any for JSON,
// map[string]any for forms and multipart fields, string for text. nil when
// no parser consumed the body.
func Body(ctx context.Context) any { return stateFrom(ctx).body }

// Files are the uploaded files keyed by form field.
func Files(ctx context.Context) map[string][]*File { return stateFrom(ctx).files }

// Cookies are the request cookies. Values prefixed with "j:" that hold valid
// JSON are decoded; everything else is a string.
func Cookies(ctx context.Context) map[string]any { return stateFrom(ctx).cookies }

// WithBody returns ctx carrying body as the parsed body, for handlers and
// tests that run outside the pipeline.
func WithBody(ctx context.Context, body any) context.Context {
	ctx = withState(ctx)
	st := stateFrom(ctx)
	st.body, st.parsed = body, true
	return ctx
}
