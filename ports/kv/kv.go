// Package kv defines the node-local keyspace the command set operates on.
package kv

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("not found")
)

// Store is a node-local string keyspace. Implementations must be safe for
// concurrent use; atomicity across calls is the caller's concern.
type Store interface {
	Set(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (value string, err error)
	Delete(ctx context.Context, key string) (existed bool, err error)
	Keys(ctx context.Context) ([]string, error)
}
