// Package uuid provides ID generation helpers.
package uuid

import "github.com/google/uuid"

// Generator creates UUID v7 strings, time-ordered so archives and
// dead-letter rows sort chronologically.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string. UUID7 generation only fails when the
// random source does, in which case a random v4 stands in.
func (Generator) NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
