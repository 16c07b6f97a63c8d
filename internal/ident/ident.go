// Package ident generates session identifiers.
package ident

import "github.com/google/uuid"

// Generator returns a new collision-resistant identifier on each call.
type Generator func() string

// New returns a random (version 4) UUID string.
func New() string {
	return uuid.NewString()
}

// Topic returns the channel topic for a session id.
func Topic(id string) string {
	return "session:" + id
}
