package respond

import (
	"net/http"
	"strings"

	"github.com/keithlinneman/jsongate/internal/apperr"
)

// NotJSONMarker is the parser message fragment that identifies malformed JSON.
const NotJSONMarker = "is not valid JSON"

// Envelope is the wire body of every error response.
type Envelope struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Name    string `json:"name"`
}

// Outcome is what a rule resolves a captured error to.
type Outcome struct {
	Status   int
	Envelope Envelope
}

// Rule is one predicate -> classification step. Diagnostic, when set, is
// logged with the error's message and stack when the rule matches.
type Rule struct {
	Name       string
	Diagnostic string
	Match      func(*apperr.Captured) bool
	Resolve    func(*apperr.Captured) Outcome
}

// FromKind resolves to the kind's canonical envelope.
func FromKind(k apperr.Kind) func(*apperr.Captured) Outcome {
	return func(*apperr.Captured) Outcome {
		return Outcome{
			Status:   k.Status,
			Envelope: Envelope{Message: k.Message, Code: k.Code, Name: k.Name},
		}
	}
}

// DefaultRules is the classification order. A raw SyntaxError maps to
// InternalError, not IncorrectDataType; only parser messages carrying the
// not-JSON marker are treated as bad client input.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:       "not-json",
			Diagnostic: "Received req is not of json type",
			Match: func(c *apperr.Captured) bool {
				return strings.Contains(c.Message, NotJSONMarker)
			},
			Resolve: FromKind(apperr.IncorrectDataType),
		},
		{
			Name:       "syntax",
			Diagnostic: "Generic err",
			Match: func(c *apperr.Captured) bool {
				return c.Name == apperr.SyntaxErrorName
			},
			Resolve: FromKind(apperr.InternalError),
		},
		{
			Name:    "coded",
			Match:   func(c *apperr.Captured) bool { return c.Code != "" },
			Resolve: passthrough,
		},
		{
			Name:       "default",
			Diagnostic: "Generic err",
			Match:      func(*apperr.Captured) bool { return true },
			Resolve:    FromKind(apperr.InternalError),
		},
	}
}

// passthrough echoes an error's own code and status. A coded error without a
// usable status borrows it from the taxonomy, else 500.
func passthrough(c *apperr.Captured) Outcome {
	status := c.Status
	if status < 400 || status > 599 {
		status = http.StatusInternalServerError
		if k, ok := apperr.Lookup(c.Code); ok {
			status = k.Status
		}
	}
	name := c.Name
	if name == "" {
		name = c.Code
	}
	return Outcome{
		Status:   status,
		Envelope: Envelope{Message: c.Message, Code: c.Code, Name: name},
	}
}

// Classify returns the first matching rule and its outcome. An empty or
// exhausted rule list falls back to InternalError.
func Classify(rules []Rule, c *apperr.Captured) (Rule, Outcome) {
	for _, r := range rules {
		if r.Match != nil && r.Match(c) {
			return r, r.Resolve(c)
		}
	}
	fallback := Rule{Name: "fallback", Diagnostic: "Generic err"}
	return fallback, FromKind(apperr.InternalError)(c)
}
