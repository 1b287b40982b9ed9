package apperr

import (
	"encoding/json"
	"errors"

	"github.com/keithlinneman/jsongate/internal/xerrors"
)

// SyntaxErrorName is the name tag parsers put on malformed input.
const SyntaxErrorName = "SyntaxError"

// Captured is the request-scoped view of a failure. Stages may return one
// directly to control the name tag the responder sees.
type Captured struct {
	Message string `json:"message"`
	Name    string `json:"name,omitempty"`
	Code    string `json:"code,omitempty"`
	Status  int    `json:"status,omitempty"`
	// diagnostic only, never serialised to clients
	Stack string `json:"-"`
	Cause error  `json:"-"`
}

func (c *Captured) Error() string {
	if c.Name != "" {
		return c.Name + ": " + c.Message
	}
	return c.Message
}

func (c *Captured) Unwrap() error { return c.Cause }

// JSON is the serialised payload written to the error log.
func (c *Captured) JSON() string {
	b, err := json.Marshal(c)
	if err != nil {
		return `{"message":"unserialisable error"}`
	}
	return string(b)
}

// Syntax builds a Captured tagged as a parser syntax failure.
func Syntax(msg string, cause error) *Captured {
	return &Captured{Message: msg, Name: SyntaxErrorName, Cause: cause}
}

type coded interface {
	Code() string
	Status() int
}

// Capture normalises err into a Captured. It returns nil for nil.
func Capture(err error) *Captured {
	if err == nil {
		return nil
	}
	stack := xerrors.Stack(err)

	var c *Captured
	if errors.As(err, &c) {
		if c.Stack == "" {
			c.Stack = stack
		}
		return c
	}

	var ae *Error
	if errors.As(err, &ae) {
		return &Captured{
			Message: ae.PublicMessage(),
			Name:    ae.Name(),
			Code:    ae.Code(),
			Status:  ae.Status(),
			Stack:   stack,
			Cause:   err,
		}
	}

	var ce coded
	if errors.As(err, &ce) && ce.Code() != "" {
		name := ce.Code()
		var n interface{ Name() string }
		if errors.As(err, &n) && n.Name() != "" {
			name = n.Name()
		}
		return &Captured{
			Message: err.Error(),
			Name:    name,
			Code:    ce.Code(),
			Status:  ce.Status(),
			Stack:   stack,
			Cause:   err,
		}
	}

	var se *json.SyntaxError
	if errors.As(err, &se) {
		return &Captured{Message: err.Error(), Name: SyntaxErrorName, Stack: stack, Cause: err}
	}

	return &Captured{Message: err.Error(), Name: "Error", Stack: stack, Cause: err}
}
