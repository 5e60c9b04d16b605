package auth

import "time"

// TokenPair holds the credentials issued by the auth service on login or refresh.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"` // Optional on refresh
}

// User is the identity derived from an access token's claims.
type User struct {
	ID    string   `json:"id"`
	Email string   `json:"email"`
	Roles []string `json:"roles"`
}

// HasAnyRole returns true if the user holds at least one of the given roles.
// An empty role list matches any user.
func (u *User) HasAnyRole(roles ...string) bool {
	if u == nil {
		return false
	}
	if len(roles) == 0 {
		return true
	}
	for _, want := range roles {
		for _, have := range u.Roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

// Clone returns a deep copy so callers can't mutate session state.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.Roles = append([]string(nil), u.Roles...)
	return &c
}

// UserFromClaims builds the session identity from decoded claims.
func UserFromClaims(c *Claims) *User {
	return &User{
		ID:    c.Subject,
		Email: c.Email,
		Roles: append([]string(nil), c.Roles...),
	}
}

// IsExpired returns true if the claims carry an expiry that is in the past.
func (c *Claims) IsExpired(now time.Time) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return now.After(c.ExpiresAt)
}
