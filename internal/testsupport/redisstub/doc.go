// Package redisstub starts an in-process Redis for tests of the Redis-backed
// stores. It wraps miniredis with the password and TLS setups production
// deployments use.
package redisstub
