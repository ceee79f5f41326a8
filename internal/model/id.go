package model

import "github.com/oklog/ulid/v2"

// LocalPrefix marks blob ids minted on this device rather than by the provider.
const LocalPrefix = "local:"

// NewID generates a new ULID string for use as an entity identifier.
func NewID() string {
	return ulid.Make().String()
}

// NewLocalBlobID returns a fresh locally-scoped blob id.
func NewLocalBlobID() string {
	return LocalPrefix + NewID()
}
