// Package apperr defines the client-facing error taxonomy.
//
// A Kind is a stable (code, name, message, status) tuple. The table of kinds
// is built once at package init and never modified, so lookups need no
// locking. Adding a kind means adding a var and listing it in the table; the
// responder's dispatch does not change.
//
// Captured is the normalised view of any error observed while handling a
// request, and is what the responder classifies.
package apperr
