// Package server exposes the live API over HTTP.
//
// Every request passes through the same chi middleware chain: request ids,
// panic recovery, access logging, metrics, security headers, CORS, rate
// limiting and auditing. Authentication is applied per route group.
package server
