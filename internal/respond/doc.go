// Package respond is the single error-handling boundary of the server.
//
// Every failure raised by a pipeline stage, a route handler, a recovered
// panic, or the rate limiter ends up in Responder.Handle. The responder
// normalises the error (apperr.Capture), walks an ordered rule list where
// the first match wins, logs the outcome, and writes the JSON envelope.
// Diagnostic detail (stack, cause) is logged and never returned.
package respond
