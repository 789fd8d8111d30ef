// Package id generates document store object ids.
package id

import (
	"fmt"
	"regexp"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	hexAlphabet = "0123456789abcdef"

	// ObjectIDLength is the length of a document object id.
	ObjectIDLength = 24
)

var objectIDPattern = regexp.MustCompile(`^[0-9a-f]{24}$`)

// NewObjectID creates a 24-character lowercase hexadecimal id
// (e.g., "65f1c0de9a3b4e27d1c8a0f2"). The first 8 characters encode the
// creation second, so ids sort roughly by creation time.
//
// Returns an error if the system has insufficient entropy for secure random generation.
func NewObjectID() (string, error) {
	return newObjectIDAt(time.Now())
}

func newObjectIDAt(t time.Time) (string, error) {
	suffix, err := gonanoid.Generate(hexAlphabet, ObjectIDLength-8)
	if err != nil {
		return "", fmt.Errorf("generate object id: %w", err)
	}
	return fmt.Sprintf("%08x", uint32(t.Unix())) + suffix, nil
}

// MustObjectID is like NewObjectID but panics if generation fails.
func MustObjectID() string {
	id, err := NewObjectID()
	if err != nil {
		panic(fmt.Sprintf("failed to generate ID: %v", err))
	}
	return id
}

// IsObjectID reports whether s has the shape of a document object id.
func IsObjectID(s string) bool {
	return objectIDPattern.MatchString(s)
}
