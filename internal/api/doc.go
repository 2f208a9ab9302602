// Package api hosts the HTTP handlers of the live REST surface.
//
// Handlers decode requests, call the admission controller, the session
// machine or the policy store, and map typed errors onto status codes.
// Authentication, request ids, metrics and logging are applied by the
// middleware assembled in internal/server; handlers read the caller's
// identity from the request context.
package api
