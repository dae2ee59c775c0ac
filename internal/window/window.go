// Package window derives the bounded, role-tagged turn sequence submitted to
// the completion endpoint from the live message history.
package window

import (
	"strings"

	"chatternest/internal/models"
)

// Role is a completion-API role tag.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one role-tagged entry of a conversation window.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// SystemPrompt is the fixed persona instruction prepended to every window.
const SystemPrompt = "You are ChatterNest AI, a helpful and friendly chatbot."

// DefaultSize is the trailing history window submitted with each request.
const DefaultSize = 8

// Builder derives conversation windows with a fixed trailing-history size.
type Builder struct {
	size int
}

// NewBuilder returns a builder keeping the last size history messages.
// Non-positive sizes fall back to DefaultSize.
func NewBuilder(size int) *Builder {
	if size <= 0 {
		size = DefaultSize
	}
	return &Builder{size: size}
}

// Build produces the turn sequence for one request: a fixed system turn, the
// trailing window of history in original chronological order, then the new
// outgoing user turn. History entries from a system sender or without
// non-blank text are dropped; the completion endpoint rejects requests
// that carry a turn with empty content.
func (b *Builder) Build(history []models.Message, newMessage string) []Turn {
	tail := history
	if len(tail) > b.size {
		tail = tail[len(tail)-b.size:]
	}

	turns := make([]Turn, 0, len(tail)+2)
	turns = append(turns, Turn{Role: RoleSystem, Content: SystemPrompt})
	for _, msg := range tail {
		role, ok := roleFor(msg.Sender)
		if !ok {
			continue
		}
		if strings.TrimSpace(msg.Text) == "" {
			continue
		}
		turns = append(turns, Turn{Role: role, Content: msg.Text})
	}
	return append(turns, Turn{Role: RoleUser, Content: newMessage})
}

func roleFor(sender models.Sender) (Role, bool) {
	switch sender {
	case models.SenderUser:
		return RoleUser, true
	case models.SenderAI:
		return RoleAssistant, true
	default:
		return "", false
	}
}
