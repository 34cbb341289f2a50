package models

import "time"

// User represents a registered user account.
type User struct {
	// Username is the unique, case-sensitive login name (4-20 characters).
	Username string

	// PasswordHash is the bcrypt hash of the user's password.
	// Never serialized to API responses.
	PasswordHash string

	// Groups is the set of group IDs the user belongs to, sorted ascending.
	// It is derived from group membership by the store and is not persisted
	// on the user record.
	Groups []int64

	// CreatedAt is the Unix timestamp when the account was created.
	CreatedAt int64
}

// NewUser creates a user with the given username and password hash.
func NewUser(username, passwordHash string) *User {
	return &User{
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().Unix(),
	}
}

// InGroup reports whether the user's derived group set contains groupID.
func (u *User) InGroup(groupID int64) bool {
	for _, id := range u.Groups {
		if id == groupID {
			return true
		}
	}
	return false
}
