package models

import "time"

// Connection links a user to an external provider connection. Unique per
// (user_id, provider). Created on OAuth linking (out of scope here), read to
// attribute webhooks to users and to authorize tool calls.
type Connection struct {
	UserID               string     `json:"user_id"`
	Provider             string     `json:"provider"`
	ExternalConnectionID string     `json:"connection_id"`
	Enabled              bool       `json:"enabled"`
	ErrorCount           int        `json:"error_count"`
	LastPollAt           *time.Time `json:"last_poll_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
}
