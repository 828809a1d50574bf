package model

import "time"

type Account struct {
	Email           string     `json:"email"`
	MagicLinkToken  *string    `json:"-"`
	MagicLinkExpiry *time.Time `json:"-"`
	IsActive        bool       `json:"is_active"`
	Balance         int64      `json:"balance"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}
