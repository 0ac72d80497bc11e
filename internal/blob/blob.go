package blob

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"
)

// Store is key-addressed object storage scoped to one container (bucket).
// Keys are slash separated. Missing keys yield model.ErrNotFound.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
	// SignedURL returns a read-only link to key that stops working after ttl.
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

func cleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("invalid key %q", key)
	}
	clean := path.Clean(key)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") || clean != key {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return clean, nil
}
