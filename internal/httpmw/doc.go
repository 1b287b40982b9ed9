// Package httpmw holds the transport-level middleware that wraps the request
// pipeline: panic recovery, request IDs, client IP resolution, request-scoped
// logging, access logs, and trace annotations.
//
// These run outside the body-parsing pipeline (see internal/pipeline) because
// they must see every request, including ones the pipeline rejects. Order is
// fixed in httpserver.New:
//
//	Recover -> RequestID -> ClientIP -> rate limit -> otelhttp ->
//	TraceResponseHeaders -> metrics -> WithLogger -> AccessLog -> pipeline
package httpmw
