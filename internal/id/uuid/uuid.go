// Package uuid generates session and advisory identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUIDv7 identifiers.
type Generator struct{}

// NewGenerator creates a new Generator.
func NewGenerator() *Generator {
	return &Generator{}
}

// NewSessionID returns a UUIDv7 string naming one load of a spider.
func (Generator) NewSessionID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate session uuid7: %w", err)
	}
	return id.String(), nil
}

// NewEventID returns a UUIDv7 for an advisory event, falling back to a
// random UUID when the v7 source fails.
func NewEventID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}
