package audit

import (
	"context"

	"github.com/keithlinneman/jsongate/internal/log"
)

// LogSink writes each record as an "audit" log line.
type LogSink struct {
	logger log.Logger
}

func NewLogSink(L log.Logger) *LogSink {
	if L == nil {
		L = log.Nop()
	}
	return &LogSink{logger: L}
}

func (s *LogSink) Write(ctx context.Context, rec Record) error {
	kv := []any{
		"audit_id", rec.ID,
		"method", rec.Method,
		"path", rec.Path,
		"status", rec.Status,
		"bytes_out", rec.BytesOut,
		"duration_ms", rec.DurationMS,
	}
	if rec.ClientIP != "" {
		kv = append(kv, "client_ip", rec.ClientIP)
	}
	if rec.Headers != nil {
		kv = append(kv, "headers", rec.Headers)
	}
	log.FromContextOr(ctx, s.logger).Info(ctx, "audit", kv...)
	return nil
}

func (s *LogSink) Close(context.Context) error { return nil }
