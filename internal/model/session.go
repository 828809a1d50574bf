package model

import "time"

// Session is a browser session. SessionID scopes generations; Email is set
// once the browser has signed in with a magic link.
type Session struct {
	ID        int64     `json:"id"`
	Token     string    `json:"token"`
	SessionID string    `json:"session_id"`
	Email     *string   `json:"email"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Session) Authenticated() bool {
	return s.Email != nil && *s.Email != ""
}
