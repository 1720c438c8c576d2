package domain

import "github.com/google/uuid"

// NewID generates a UUIDv7 string for history entries and statement handles.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
