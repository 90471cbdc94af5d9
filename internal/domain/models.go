// Package domain holds the entities and invariants shared by every
// component of the automatic-message pipeline: the Planner, the
// Dispatcher, the Consumer, and the stores behind them.
package domain

import (
	"strings"
	"time"
)

// MaxContentLength is the fixed upper bound on message content. The
// MESSAGE_CONTENT_MAX value loaded into config.Config.MessageContentMax is
// not applied here; every content check uses this constant.
const MaxContentLength = 1000

// PlannedMessage is the authoritative scheduled work item produced by
// the Planner, advanced by the Dispatcher and the Consumer.
//
// Invariants: IsSent implies IsQueued; SenderID != ReceiverID; Content
// length is in [1, MaxContentLength].
type PlannedMessage struct {
	ID         string
	SenderID   string
	ReceiverID string
	Content    string
	SendDate   time.Time
	IsQueued   bool
	IsSent     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Validate checks the PlannedMessage's persistence invariants.
func (p *PlannedMessage) Validate() error {
	if p.SenderID == "" || p.ReceiverID == "" {
		return ValidationError(CodeInvalidUserID, "senderId and receiverId are required")
	}
	if p.SenderID == p.ReceiverID {
		return ValidationError(CodeSelfDirectedMessage, "senderId must differ from receiverId")
	}
	trimmed := strings.TrimSpace(p.Content)
	if len(trimmed) == 0 || len(trimmed) > MaxContentLength {
		return ValidationError(CodeContentOutOfRange, "content length must be in [1, 1000]")
	}
	if p.IsSent && !p.IsQueued {
		return ValidationError(CodeValidationError, "isSent implies isQueued")
	}
	return nil
}

// Conversation is a two-party thread. Participants is always stored and
// compared order-independently.
type Conversation struct {
	ID           string
	Participants [2]string
	LastMessage  *LastMessageSummary
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// LastMessageSummary is the denormalized preview shown on a conversation list.
type LastMessageSummary struct {
	Content   string
	SenderID  string
	Timestamp time.Time
}

// HasParticipants reports whether the conversation's participant set is
// exactly {a, b}, independent of order.
func (c *Conversation) HasParticipants(a, b string) bool {
	return (c.Participants[0] == a && c.Participants[1] == b) ||
		(c.Participants[0] == b && c.Participants[1] == a)
}

// CanonicalParticipantKey returns a sorted, deterministic key for a
// participant pair, used as a unique index so two concurrent attempts to
// create the same pair's conversation collide instead of duplicating it.
func CanonicalParticipantKey(a, b string) string {
	if a <= b {
		return a + ":" + b
	}
	return b + ":" + a
}

// NewConversation validates and constructs a Conversation for two distinct participants.
func NewConversation(a, b string) (*Conversation, error) {
	if a == "" || b == "" {
		return nil, ValidationError(CodeInvalidUserID, "both participants are required")
	}
	if a == b {
		return nil, ValidationError(CodeSelfDirectedMessage, "a conversation requires two distinct participants")
	}
	return &Conversation{Participants: [2]string{a, b}}, nil
}

// ChatMessage is a persisted, materialized message within a Conversation.
//
// Invariant: SenderID must be one of Conversation(ConversationID).Participants.
type ChatMessage struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	IsRead         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
	SenderUsername string
	SenderEmail    string
}

// Validate checks content-length and non-empty invariants; participant
// membership is checked by the caller, which has the Conversation in hand.
func (m *ChatMessage) Validate() error {
	trimmed := strings.TrimSpace(m.Content)
	if len(trimmed) == 0 || len(trimmed) > MaxContentLength {
		return ValidationError(CodeContentOutOfRange, "content length must be in [1, 1000]")
	}
	return nil
}

// User is the minimal identity record the pipeline reads; issuing and
// verifying credentials is handled elsewhere.
type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PublicInfo is the subset of User fields safe to echo back in envelopes
// and realtime payloads.
type PublicInfo struct {
	ID       string
	Username string
	Email    string
}

func (u *User) PublicInfo() PublicInfo {
	return PublicInfo{ID: u.ID, Username: u.Username, Email: u.Email}
}
