// Package audit records one entry per request/response pair.
//
// The Hook builds a Record from request metadata and the final response
// status; it never touches the request body. Records go to a Sink: LogSink
// writes them through the structured logger, S3Sink batches them as JSON
// lines into an S3 bucket.
package audit
