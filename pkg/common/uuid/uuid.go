// Package uuid wraps the google/uuid package so the rest of the codebase has a
// single import path for identifiers and we can swap the underlying generator
// (e.g. for deterministic test IDs) in one place.
package uuid

import "github.com/google/uuid"

// UUID is a 128-bit universally unique identifier.
type UUID = uuid.UUID

// Nil is the zero-valued UUID.
var Nil = uuid.Nil

// New returns a random (version 4) UUID.
func New() UUID { return uuid.New() }

// Parse decodes s into a UUID or returns an error.
func Parse(s string) (UUID, error) { return uuid.Parse(s) }

// MustParse decodes s into a UUID and panics on failure.
// Use only with trusted, hard-coded input such as test fixtures.
func MustParse(s string) UUID { return uuid.MustParse(s) }
