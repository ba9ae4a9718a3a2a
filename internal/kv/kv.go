// Package kv defines the keyed record store contract backing embedding
// cache persistence. Drivers: memory (tests), sqlite (embedded), redis
// (shared deployments).
package kv

import (
	"context"
	"errors"
)

// Sentinel errors for record store operations.
var (
	ErrKeyNotFound = errors.New("kv: key not found")
)

// Op names for error context.
const (
	OpGet   = "GET"
	OpSet   = "SET"
	OpDel   = "DEL"
	OpScan  = "SCAN"
	OpPurge = "PURGE"
	OpClose = "CLOSE"
)

// Error wraps an underlying error with the operation name for diagnostics.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Store is the keyed record store contract. All drivers are safe for
// concurrent use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Del(ctx context.Context, key string) error
	// Scan visits every key with the given prefix. Iteration order is
	// unspecified. Returning an error from fn stops the scan.
	Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error
	// Purge removes every key with the given prefix.
	Purge(ctx context.Context, prefix string) error
	Close() error
}
