package models

import (
	"strings"
	"time"
)

const (
	RoleAdmin     = "admin"
	RoleModerator = "moderator"
	RoleUser      = "user"
)

// User is an account able to own channels and broadcast.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Roles        []string  `json:"roles"`
	PasswordHash string    `json:"passwordHash,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// HasRole reports whether the user has the provided role, ignoring case.
func (u User) HasRole(role string) bool {
	for _, existing := range u.Roles {
		if strings.EqualFold(existing, role) {
			return true
		}
	}
	return false
}

// Identity returns the verified identity for the user.
func (u User) Identity() Identity {
	return Identity{UserID: u.ID, Username: u.Username, Admin: u.HasRole(RoleAdmin)}
}

// Identity is what authentication hands to the live core: who is calling and
// whether they hold administrator rights.
type Identity struct {
	UserID   string
	Username string
	Admin    bool
}

// IsZero reports whether the identity is anonymous.
func (i Identity) IsZero() bool {
	return i.UserID == ""
}

// CanManage reports whether the identity may read or mutate a resource owned
// by ownerID.
func (i Identity) CanManage(ownerID string) bool {
	if i.IsZero() {
		return false
	}
	return i.Admin || i.UserID == ownerID
}

// Channel groups videos under an owning account.
type Channel struct {
	ID        int64     `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}
