package models

import (
	"encoding/json"

	"collab-core/internal/ot"
)

/*
LEARNING: SYNCHRONIZATION PROTOCOL

One JSON envelope carries every message between client and document
actor. Which fields are meaningful depends on Type:

  Client -> server: open, submit_op (Op + BaseRevision), presence
  (Cursor), close.

  Server -> client: snapshot (Text + Revision), ack (Revision),
  broadcast (Op + Revision + Author), resync_required, presence
  (Cursor + Author), join/leave (User), warning (Reason).

resync_required replaces an ack when the client's base revision has
aged out of the server's history window: the client throws away local
state and re-issues open. Presence is fire-and-forget and never acked.
*/

// MessageType defines types of messages in the collaboration protocol
type MessageType string

const (
	MessageTypeOpen      MessageType = "open"
	MessageTypeSnapshot  MessageType = "snapshot"
	MessageTypeSubmitOp  MessageType = "submit_op"
	MessageTypeAck       MessageType = "ack"
	MessageTypeBroadcast MessageType = "broadcast"
	MessageTypeResync    MessageType = "resync_required"
	MessageTypePresence  MessageType = "presence"
	MessageTypeClose     MessageType = "close"

	// Custom application messages
	MessageTypeJoin    MessageType = "join"
	MessageTypeLeave   MessageType = "leave"
	MessageTypeWarning MessageType = "warning"
	MessageTypeError   MessageType = "error"
)

// Message is the protocol envelope.
type Message struct {
	Type       MessageType `json:"type"`
	DocumentID string      `json:"document_id,omitempty"`
	SessionID  string      `json:"session_id,omitempty"`

	// Operation flow
	Op           *ot.Operation `json:"op,omitempty"`
	BaseRevision uint64        `json:"base_revision,omitempty"`
	Revision     uint64        `json:"revision,omitempty"`
	Author       string        `json:"author,omitempty"`

	// Snapshot flow
	Text string `json:"text,omitempty"`

	// Presence flow
	Cursor *ot.Cursor `json:"cursor,omitempty"`
	User   *UserInfo  `json:"user,omitempty"`

	// Warnings and errors
	Reason string `json:"reason,omitempty"`
}

// Encode marshals the message for the wire.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses a wire message.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
