package auth

import "time"

// Session is the logged-in identity of a caller. It is passed explicitly into
// every service call that acts on behalf of a user.
type Session struct {
	// Username of the logged-in user.
	Username string

	// TokenID is the jti of the token that established the session.
	// Logout revokes it.
	TokenID string

	// ExpiresAt is when the token stops being accepted.
	ExpiresAt time.Time
}

// LoggedIn reports whether the session carries an identity.
func (s Session) LoggedIn() bool {
	return s.Username != ""
}
