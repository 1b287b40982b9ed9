// Package ratelimit provides optional per-IP rate limiting with background
// eviction of stale entries.
//
// This is a single-instance, in-memory limiter for basic abuse prevention.
// It does not protect against distributed floods or bandwidth-bill attacks;
// request bodies are not read until after the limiter admits a request, but
// the connection has already been accepted.
//
// Denials are reported as apperr.TooManyRequests through the same error sink
// as every other failure, so clients get the usual JSON envelope.
package ratelimit
