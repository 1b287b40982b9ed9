package main

import (
	"context"
	"time"

	"github.com/keithlinneman/jsongate/internal/log"
)

// stopTimeout bounds each cleanup step.
const stopTimeout = 10 * time.Second

type stopStep struct {
	name string
	fn   func(context.Context) error
}

// stack runs stop funcs in reverse push order, so subsystems go down in the
// opposite order they came up.
type stack struct {
	steps []stopStep
}

func (s *stack) push(name string, fn func(context.Context) error) {
	s.steps = append(s.steps, stopStep{name: name, fn: fn})
}

// unwind runs every step once. Failures are logged and do not stop later steps.
func (s *stack) unwind(L log.Logger) {
	for i := len(s.steps) - 1; i >= 0; i-- {
		st := s.steps[i]
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		if err := st.fn(ctx); err != nil {
			L.Error(ctx, err, "shutdown step failed", "step", st.name)
		}
		cancel()
	}
	s.steps = nil
}
