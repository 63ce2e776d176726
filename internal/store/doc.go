// Package store defines the run-history persistence boundary. Implementations
// live under internal/storage; this package must not import database drivers
// or concrete clients.
package store
