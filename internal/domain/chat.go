package domain

import (
	"fmt"
	"time"
)

// Role identifies who authored a persisted chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// ParseRole converts a stored role string back into a Role.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("domain: unknown role %q", s)
	}
	return r, nil
}

// ChatMessage is a single persisted conversation message. IDs are assigned
// by the history store and increase monotonically per store.
type ChatMessage struct {
	ID        int64
	UserID    int64
	Role      Role
	Text      string
	CreatedAt time.Time
}
