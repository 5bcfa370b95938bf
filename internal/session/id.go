package session

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random UUID used for tab and message identity.
func NewID() string {
	return uuid.NewString()
}

// ShortID returns a shortened version of an ID for display.
// Example: "3f2b8c1e-9d4a-4f6b-8e2a-1c3d5e7f9a0b" -> "3f2b8c1e"
func ShortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// validID reports whether id parses as a UUID.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
