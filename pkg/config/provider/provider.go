// Package provider abstracts where configuration bytes come from.
package provider

import "context"

// Type identifies a provider implementation.
type Type string

// TypeFile is the local-file provider.
const TypeFile Type = "file"

// Provider loads raw configuration bytes and optionally watches for changes.
type Provider interface {
	Type() Type
	Load(ctx context.Context) ([]byte, error)
	// Watch returns a channel that receives a value whenever the source
	// changes, or nil when watching is unsupported.
	Watch(ctx context.Context) (<-chan struct{}, error)
	Close() error
}
