// Package kv provides the durable key/value backends credentials are persisted in.
package kv

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("key not found")

// Storage is a string key/value store. SetMany must apply all entries or none.
type Storage interface {
	Get(ctx context.Context, key string) (string, error)
	SetMany(ctx context.Context, entries map[string]string) error
	Delete(ctx context.Context, keys ...string) error
}
