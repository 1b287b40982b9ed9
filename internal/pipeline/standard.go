package pipeline

import "github.com/keithlinneman/jsongate/internal/respond"

type Options struct {
	JSONLimit int64
	FormLimit int64
	TextLimit int64
	FileLimit int64

	// nil skips auditing
	Auditor Auditor
	// nil skips the "New req" record
	RequestLog IncomingLogger
	// called for every panic recovered inside the pipeline
	OnPanic func()
}

// StandardStages returns the production stage order.
func StandardStages(opts Options) []Stage {
	return []Stage{
		JSON(opts.JSONLimit),
		URLEncoded(opts.FormLimit),
		Text(opts.TextLimit),
		Multipart(opts.FileLimit),
		CookieParser(),
		CORS(),
		Audit(opts.Auditor),
		RequestLog(opts.RequestLog),
	}
}

// Standard is the production pipeline reporting failures to sink.
func Standard(sink *respond.Responder, opts Options) *Pipeline {
	p := New(sink, StandardStages(opts)...)
	p.onPanic = opts.OnPanic
	return p
}
