// Package idgen generates identifiers for fraudguard records.
package idgen

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// Prefixes for record identifiers.
const (
	PrefixScore     = "fs_"
	PrefixRule      = "rule_"
	PrefixBlacklist = "bl_"
	PrefixAttempt   = "att_"
	PrefixEvent     = "evt_"
)

// New generates a random (v4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by the 32 hex chars of a random UUID.
func WithPrefix(prefix string) string {
	id := uuid.New()
	return prefix + hex.EncodeToString(id[:])
}

// Valid reports whether id is prefix followed by 32 hex chars.
func Valid(id, prefix string) bool {
	if len(id) != len(prefix)+32 || id[:len(prefix)] != prefix {
		return false
	}
	_, err := hex.DecodeString(id[len(prefix):])
	return err == nil
}
