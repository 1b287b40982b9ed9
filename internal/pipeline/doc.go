// Package pipeline runs the ordered request stages that sit between the
// transport middleware and the router.
//
// Each Stage either lets the request continue, fails it, or reports that it
// already answered (ErrResponded). A failure skips every remaining stage and
// the handler and goes to the single ErrorSink, so the response shape does
// not depend on where the error came from.
//
// Standard builds the production order:
//
//	json -> urlencoded -> text -> multipart -> cookies -> cors -> audit -> reqlog
//
// Parsed values are read back with Body, Files and Cookies.
package pipeline
