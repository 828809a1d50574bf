package model

import (
	"fmt"
	"path/filepath"
	"time"
)

type GenerationStatus string

const (
	GenerationPending GenerationStatus = "pending"
	GenerationReady   GenerationStatus = "ready"
	GenerationFailed  GenerationStatus = "failed"
)

type Generation struct {
	ID         int64            `json:"id"`
	Prompt     string           `json:"prompt"`
	SessionID  string           `json:"-"`
	Folder     string           `json:"folder"`
	OwnerEmail string           `json:"-"`
	Status     GenerationStatus `json:"status"`
	Error      string           `json:"error,omitempty"`
	Attempts   int              `json:"attempts"`
	Refunded   bool             `json:"refunded"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// ImagePath is where the finished image for this generation lives.
func (g *Generation) ImagePath() string {
	return filepath.Join(g.Folder, fmt.Sprintf("%d.png", g.ID))
}
