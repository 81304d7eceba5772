// Package id defines TypeID-based identity generation for all querybus
// entities.
//
// Every message, subscription and serving task carries a prefix-qualified,
// globally unique, K-sortable (UUIDv7-based), URL-safe identifier in the
// format "prefix_suffix".
package id

import (
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the entity type encoded in a TypeID.
type Prefix string

// Prefix constants for all querybus entity types.
const (
	PrefixQuery        Prefix = "qry"
	PrefixResponse     Prefix = "resp"
	PrefixSubscription Prefix = "sub"
	PrefixTask         Prefix = "task"
	PrefixConnection   Prefix = "conn"
)

// New generates a new globally unique identifier with the given prefix.
// It panics if prefix is not a valid TypeID prefix (programming error).
func New(prefix Prefix) string {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}
	return tid.String()
}

// Parse validates an identifier string and returns it in canonical form.
func Parse(s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("id: parse %q: empty string", s)
	}
	tid, err := typeid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("id: parse %q: %w", s, err)
	}
	return tid.String(), nil
}

// HasPrefix reports whether the identifier carries the given prefix.
func HasPrefix(s string, prefix Prefix) bool {
	tid, err := typeid.Parse(s)
	if err != nil {
		return false
	}
	return tid.Prefix() == string(prefix)
}
