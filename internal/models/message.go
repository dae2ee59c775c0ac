package models

import "time"

// Sender identifies who produced a message.
type Sender string

const (
	SenderUser   Sender = "user"
	SenderAI     Sender = "ai"
	SenderSystem Sender = "system"
)

// Reserved user identifiers for records not owned by a single account.
// The live feed matches them alongside the signed-in user's own id so that
// assistant- and system-originated records reach every observer they are
// meant for.
const (
	AssistantUserID = "ChatterNestAI"
	SystemUserID    = "system"
)

// Message is a single chat record. Records are immutable once stored and are
// only ever removed by the per-user bulk delete.
type Message struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Sender    Sender    `json:"sender"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}
