// Package idgen provides short, URL-safe unique ID generation backed by nanoid.
package idgen

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// JobPrefix is prepended to every generated job ID.
const JobPrefix = "job-"

// Alphabet defines the character set used for the random portion of the ID.
const Alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Length is the number of random characters generated (excluding the prefix).
const Length = 12

// NewJobID returns a new job ID.
func NewJobID() (string, error) {
	return Generate(JobPrefix)
}

// Generate returns a new unique ID with the given prefix.
func Generate(prefix string) (string, error) {
	id, err := nanoid.Generate(Alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return prefix + id, nil
}
