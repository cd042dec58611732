// Package remote holds clients for the mobile-facing document store.
package remote

import (
	"context"
	"strings"
)

// MetadataKey is the reserved document the publisher writes after a push.
const MetadataKey = "_metadata"

// Document is one keyed remote document as stored, before validation.
// Fields is nil when the stored value is not an object.
type Document struct {
	Key    string         `json:"key"`
	Fields map[string]any `json:"fields"`
}

// Store is the remote document store consumed by the sync engine.
type Store interface {
	// ListAll returns every issue document. Reserved keys are skipped.
	ListAll(ctx context.Context) ([]Document, error)

	// Upsert merges fields into the document at key, creating it when absent.
	// Fields not present in the map are left untouched.
	Upsert(ctx context.Context, key string, fields map[string]any) (string, error)

	// Replace writes fields as the whole document at key. Keys missing from
	// fields are removed.
	Replace(ctx context.Context, key string, fields map[string]any) error

	// Get returns the document at key, or a NOT_FOUND error.
	Get(ctx context.Context, key string) (map[string]any, error)
}

// IsReservedKey reports whether key names bookkeeping data rather than an issue.
func IsReservedKey(key string) bool {
	return strings.HasPrefix(key, "_")
}
