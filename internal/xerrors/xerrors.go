// Package xerrors wraps errors with the call site that produced them.
//
// New/Newf/WithStack/EnsureTrace capture a full stack, Wrap/Wrapf record a
// single program counter. The logger and the error responder read both back
// through the StackPCs and PC methods.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

const maxDepth = 64

type stacked struct {
	err error
	pcs []uintptr
}

func (s *stacked) Error() string       { return s.err.Error() }
func (s *stacked) Unwrap() error       { return s.err }
func (s *stacked) StackPCs() []uintptr { return s.pcs }
func (s *stacked) IsXerrorsWrapper()   {}

type wrapped struct {
	err error
	msg string
	pc  uintptr
}

func (w *wrapped) Error() string     { return w.msg + ": " + w.err.Error() }
func (w *wrapped) Unwrap() error     { return w.err }
func (w *wrapped) PC() uintptr       { return w.pc }
func (w *wrapped) IsXerrorsWrapper() {}

// skip counts frames above the caller of the exported function
func capture(err error, skip int) error {
	if err == nil {
		return nil
	}
	pcs := make([]uintptr, maxDepth)
	n := runtime.Callers(skip, pcs)
	return &stacked{err: err, pcs: pcs[:n]}
}

func caller(skip int) uintptr {
	var pcs [1]uintptr
	if runtime.Callers(skip, pcs[:]) == 0 {
		return 0
	}
	return pcs[0]
}

// New returns an error with msg and the caller's stack.
func New(msg string) error { return capture(errors.New(msg), 3) }

// Newf is New with formatting. %w is honoured.
func Newf(format string, args ...any) error { return capture(fmt.Errorf(format, args...), 3) }

// WithStack attaches the caller's stack to err.
func WithStack(err error) error { return capture(err, 3) }

// EnsureTrace attaches a stack only when nothing in the chain carries one.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	if len(StackPCs(err)) > 0 {
		return err
	}
	return capture(err, 3)
}

// Wrap prefixes err with msg and records the call site.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &wrapped{err: err, msg: msg, pc: caller(3)}
}

// Wrapf is Wrap with formatting.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &wrapped{err: err, msg: fmt.Sprintf(format, args...), pc: caller(3)}
}

// StackPCs returns the first captured stack in err's chain, or nil.
func StackPCs(err error) []uintptr {
	var hs interface{ StackPCs() []uintptr }
	if errors.As(err, &hs) && hs != nil {
		return hs.StackPCs()
	}
	return nil
}

// Stack renders the first captured stack in err's chain as func/file:line
// pairs, or "" when none was captured.
func Stack(err error) string {
	pcs := StackPCs(err)
	if len(pcs) == 0 {
		return ""
	}
	frames := runtime.CallersFrames(pcs)
	var b strings.Builder
	for {
		fr, more := frames.Next()
		if strings.HasPrefix(fr.Function, "runtime.") {
			break
		}
		if !strings.Contains(fr.Function, "/internal/xerrors.") {
			fmt.Fprintf(&b, "%s\n\t%s:%d\n", fr.Function, fr.File, fr.Line)
		}
		if !more {
			break
		}
	}
	return strings.TrimSpace(b.String())
}
