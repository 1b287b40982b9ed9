package httpmw

import (
	"context"
	"sync"

	"github.com/keithlinneman/jsongate/internal/log"
)

type entry struct {
	level string
	msg   string
	err   error
	kv    []any
}

// spyLogger records every call; With returns the same spy so calls made on
// derived loggers land in one place.
type spyLogger struct {
	mu      sync.Mutex
	entries []entry
	withs   [][]any
}

func (s *spyLogger) With(kv ...any) log.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.withs = append(s.withs, kv)
	return s
}

func (s *spyLogger) add(e entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}

func (s *spyLogger) Debug(_ context.Context, msg string, kv ...any) {
	s.add(entry{"debug", msg, nil, kv})
}
func (s *spyLogger) Info(_ context.Context, msg string, kv ...any) {
	s.add(entry{"info", msg, nil, kv})
}
func (s *spyLogger) Warn(_ context.Context, msg string, kv ...any) {
	s.add(entry{"warn", msg, nil, kv})
}
func (s *spyLogger) Error(_ context.Context, err error, msg string, kv ...any) {
	s.add(entry{"error", msg, err, kv})
}
func (s *spyLogger) Sync() error { return nil }

func (s *spyLogger) find(msg string) (entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.msg == msg {
			return e, true
		}
	}
	return entry{}, false
}

func field(kv []any, key string) (any, bool) {
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok && k == key {
			return kv[i+1], true
		}
	}
	return nil, false
}
