// Package logtest provides a recording log.Logger for tests.
package logtest

import (
	"context"
	"sync"

	"github.com/keithlinneman/jsongate/internal/log"
)

type Entry struct {
	Level string
	Msg   string
	Err   error
	KV    []any
}

// Field returns the value logged under key.
func (e Entry) Field(key string) (any, bool) {
	for i := 0; i+1 < len(e.KV); i += 2 {
		if k, ok := e.KV[i].(string); ok && k == key {
			return e.KV[i+1], true
		}
	}
	return nil, false
}

type record struct {
	mu      sync.Mutex
	entries []Entry
}

// Spy records every call. Loggers derived with With share the parent's
// record so assertions see calls made anywhere in the request.
type Spy struct {
	rec   *record
	attrs []any
}

func New() *Spy {
	return &Spy{rec: &record{}}
}

func (s *Spy) With(kv ...any) log.Logger {
	attrs := append(append([]any(nil), s.attrs...), kv...)
	return &Spy{rec: s.rec, attrs: attrs}
}

func (s *Spy) add(level, msg string, err error, kv []any) {
	all := append(append([]any(nil), s.attrs...), kv...)
	s.rec.mu.Lock()
	defer s.rec.mu.Unlock()
	s.rec.entries = append(s.rec.entries, Entry{Level: level, Msg: msg, Err: err, KV: all})
}

func (s *Spy) Debug(_ context.Context, msg string, kv ...any) { s.add("debug", msg, nil, kv) }
func (s *Spy) Info(_ context.Context, msg string, kv ...any)  { s.add("info", msg, nil, kv) }
func (s *Spy) Warn(_ context.Context, msg string, kv ...any)  { s.add("warn", msg, nil, kv) }
func (s *Spy) Error(_ context.Context, err error, msg string, kv ...any) {
	s.add("error", msg, err, kv)
}
func (s *Spy) Sync() error { return nil }

// Entries returns a snapshot of everything logged so far.
func (s *Spy) Entries() []Entry {
	s.rec.mu.Lock()
	defer s.rec.mu.Unlock()
	return append([]Entry(nil), s.rec.entries...)
}

// Find returns the first entry with msg.
func (s *Spy) Find(msg string) (Entry, bool) {
	for _, e := range s.Entries() {
		if e.Msg == msg {
			return e, true
		}
	}
	return Entry{}, false
}

// Count returns how many entries carry msg.
func (s *Spy) Count(msg string) int {
	n := 0
	for _, e := range s.Entries() {
		if e.Msg == msg {
			n++
		}
	}
	return n
}
