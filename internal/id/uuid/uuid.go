// Package uuid provides ID generation helpers.
package uuid

import "github.com/google/uuid"

// Generator creates UUID v7 strings. Task identifiers are time-ordered so the
// jobs table stays roughly append-ordered on its external key.
type Generator struct{}

// NewGenerator creates a new Generator.
func NewGenerator() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string. uuid.NewV7 only fails when the system random
// source does, which is unrecoverable anyway.
func (Generator) NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
