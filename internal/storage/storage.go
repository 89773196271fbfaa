// Package storage provides the flat key-value persistence layer under the
// run, checkpoint, and artifact stores.
//
// Keys are slash-separated paths ("runs/run_1a2b/checkpoints/000001").
// Backends are interchangeable: filesystem for single-node deployments,
// Redis for shared ones, memory for tests. Selection happens in config
// (storage.backend: fs | redis | memory).
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound indicates the requested key does not exist.
var ErrNotFound = errors.New("key not found")

// Backend is the flat key-value store contract.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Put stores value under key, overwriting any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns all keys with the given prefix, sorted. An empty
	// prefix lists every key.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes key, returning ErrNotFound if absent.
	Delete(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}

// validateKey checks that a key is safe across all backends: the fs
// backend maps segments to directories, so traversal and absolute paths
// must be rejected; the redis backend globs keys in SCAN patterns, so the
// character set stays conservative.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("storage key cannot be empty")
	}
	if strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return fmt.Errorf("storage key %q must not start or end with a slash", key)
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == "" {
			return fmt.Errorf("storage key %q contains an empty segment", key)
		}
		if segment == "." || segment == ".." {
			return fmt.Errorf("storage key %q contains a path traversal segment", key)
		}
		for _, r := range segment {
			if !isKeyRune(r) {
				return fmt.Errorf("storage key %q contains invalid character %q", key, r)
			}
		}
	}
	return nil
}

func isKeyRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= 'A' && r <= 'Z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '-' || r == '_' || r == '.':
		return true
	}
	return false
}
