package apperr

// Error is a taxonomy error raised by a pipeline stage or handler.
// Message overrides the kind's default text when set.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

type Option func(*Error)

// WithMessage overrides the default human-readable message.
func WithMessage(msg string) Option {
	return func(e *Error) { e.Message = msg }
}

// WithCause records the underlying error for logs; it is never sent to clients.
func WithCause(err error) Option {
	return func(e *Error) { e.Cause = err }
}

func New(k Kind, opts ...Option) *Error {
	e := &Error{Kind: k}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.Message
	}
	if e.Cause != nil {
		return e.Kind.Code + ": " + msg + ": " + e.Cause.Error()
	}
	return e.Kind.Code + ": " + msg
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Code() string { return e.Kind.Code }
func (e *Error) Status() int  { return e.Kind.Status }
func (e *Error) Name() string { return e.Kind.Name }

// PublicMessage is the text placed in the response envelope.
func (e *Error) PublicMessage() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Kind.Message
}
