package models

import (
	"time"

	"collab-core/internal/ot"

	"github.com/segmentio/ksuid"
)

// ConnectionState tracks a session's transport lifecycle.
type ConnectionState string

const (
	ConnActive       ConnectionState = "active"
	ConnIdle         ConnectionState = "idle"
	ConnDisconnected ConnectionState = "disconnected"
)

// Session represents one participant's live connection to one document.
// Identity (UserID, UserName) arrives from the front-door collaborator
// already authenticated; this core never verifies it.
type Session struct {
	ID           string          `json:"id"`
	DocumentID   string          `json:"document_id"`
	UserID       string          `json:"user_id"`
	UserName     string          `json:"user_name"`
	State        ConnectionState `json:"state"`
	ConnectedAt  time.Time       `json:"connected_at"`
	LastActiveAt time.Time       `json:"last_active_at"`
}

// UserInfo represents information about a connected user
type UserInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"` // Hex color for cursor/highlight
}

// Presence is a participant's cursor state, broadcast to the other
// sessions on the same document. Ephemeral - never persisted, and
// staleness is tolerated (unlike document text).
type Presence struct {
	SessionID string    `json:"session_id"`
	User      *UserInfo `json:"user,omitempty"`
	Cursor    ot.Cursor `json:"cursor"`
}

func NewSession(documentID, userID, userName string) *Session {
	now := time.Now()
	return &Session{
		ID:           ksuid.New().String(),
		DocumentID:   documentID,
		UserID:       userID,
		UserName:     userName,
		State:        ConnActive,
		ConnectedAt:  now,
		LastActiveAt: now,
	}
}
