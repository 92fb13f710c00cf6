// Package tokencache validates authentication tokens against the auth
// collaborator and caches the resulting principals.
//
// Lookups are answered from the cache when possible. A miss validates the
// token synchronously; concurrent misses for the same token share a single
// round trip. A successful validation may return a rotated token, in which
// case the old token is dropped and the principal is cached under the new
// one.
//
// A background sweep revalidates every cached token on a fixed interval and
// evicts the ones the collaborator no longer accepts. Sweeps never overlap:
// a tick that fires while a sweep is still running is skipped.
package tokencache
