// Package utils provides id generation and token counting helpers.
package utils

import (
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"
)

// NewProjectID generates a UUID for a new project.
func NewProjectID() string {
	return uuid.New().String()
}

// NewCheckpointID generates a UUID for a checkpoint snapshot.
func NewCheckpointID() string {
	return uuid.New().String()
}

// NewTeamID generates an 8-character hex id for a sub-team, similar to a
// short git hash. crypto/rand.Read always fills the buffer.
func NewTeamID() string {
	bytes := make([]byte, 4)
	_, _ = rand.Read(bytes)
	return fmt.Sprintf("%x", bytes)
}
