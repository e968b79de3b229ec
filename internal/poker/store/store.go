// Package store defines the external key-value collaborator the
// coordination core persists session title and owner through. Everything
// else about a session is memory-resident and deliberately lost on
// restart; these two fields survive so owner determination and the title
// outlive reconnects.
package store

import "context"

// Field names a persisted session attribute.
type Field string

const (
	FieldTitle Field = "title"
	FieldOwner Field = "owner"
)

// Store is the durable source of truth for a session's title and owner.
// Implementations must treat an absent field as the empty string, not an
// error.
type Store interface {
	// GetField returns the value of a session field, or "" when the
	// session or field is absent.
	GetField(ctx context.Context, code string, field Field) (string, error)

	// SetField writes a session field.
	SetField(ctx context.Context, code string, field Field, value string) error

	// Exists reports whether the session code is known to the store.
	Exists(ctx context.Context, code string) (bool, error)
}
