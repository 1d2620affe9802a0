package models

import "time"

// EphemeralImage records an on-disk image copy awaiting deletion.
type EphemeralImage struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	StoredPath string    `json:"stored_path"`
	Size       int64     `json:"size"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Exchange captures one completed generate action for the audit trail.
type Exchange struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Prompt    string    `json:"prompt"`
	HasImage  bool      `json:"has_image"`
	Response  string    `json:"response"`
	AudioPath string    `json:"audio_path"`
	CreatedAt time.Time `json:"created_at"`
}
