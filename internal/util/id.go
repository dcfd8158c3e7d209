// Package util holds small helpers shared by the HTTP and service layers.
package util

import "github.com/google/uuid"

// NewID returns a random UUID, optionally prefixed with "<prefix>_".
func NewID(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// IsID reports whether s is a UUID, with or without a prefix.
func IsID(s string) bool {
	if i := lastUnderscore(s); i >= 0 {
		s = s[i+1:]
	}
	_, err := uuid.Parse(s)
	return err == nil
}

func lastUnderscore(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '_' {
			return i
		}
	}
	return -1
}
