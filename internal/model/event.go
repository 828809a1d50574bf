package model

import "time"

type ProcessedEvent struct {
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	Email       string    `json:"email"`
	Credits     int64     `json:"credits"`
	ProcessedAt time.Time `json:"processed_at"`
}
