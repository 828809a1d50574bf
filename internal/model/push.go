package model

import "time"

// PushSubscription is a browser Web Push endpoint registered by a session.
type PushSubscription struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"-"`
	Endpoint  string    `json:"endpoint"`
	P256dhKey string    `json:"-"`
	AuthKey   string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}
