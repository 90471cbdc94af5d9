// Package persistence defines the store contracts the pipeline depends
// on. Concrete implementations live in internal/persistence/postgres;
// the interfaces here let Planner/Dispatcher/Consumer be constructed
// with injected references instead of reaching for a singleton.
package persistence

import (
	"context"
	"time"

	"github.com/sawpanic/chatpipeline/internal/domain"
)

// UserStore is the read surface the pipeline needs from the users collection.
type UserStore interface {
	ListActive(ctx context.Context) ([]domain.User, error)
	GetByID(ctx context.Context, id string) (*domain.User, error)
}

// PlannedMessageStore owns the PlannedMessage entity end to end.
type PlannedMessageStore interface {
	// BulkInsert persists a batch of PlannedMessages in one operation
	// and returns the number actually persisted.
	BulkInsert(ctx context.Context, messages []domain.PlannedMessage) (int, error)

	// FindDue returns PlannedMessages with sendDate <= now, isQueued=false,
	// isSent=false, ordered the way the Dispatcher must process them.
	FindDue(ctx context.Context, now time.Time) ([]domain.PlannedMessage, error)

	// MarkQueued atomically flips isQueued=true for the given ids.
	MarkQueued(ctx context.Context, ids []string) error

	// MarkSent atomically flips isSent=true for a single id. It reports
	// domain.NotFoundError if the id does not exist, and is idempotent:
	// calling it twice for an already-sent id is not an error.
	MarkSent(ctx context.Context, id string) error

	// GetByID is used by the Consumer's duplicate-delivery guard.
	GetByID(ctx context.Context, id string) (*domain.PlannedMessage, error)
}

// ConversationStore owns the Conversation entity.
type ConversationStore interface {
	// FindBetweenUsers returns the conversation whose participant set is
	// exactly {a, b}, order-independent, or nil if none exists.
	FindBetweenUsers(ctx context.Context, a, b string) (*domain.Conversation, error)

	// Create inserts a new conversation for exactly two distinct participants.
	// Implementations must resolve the race between two concurrent callers
	// creating the same pair's conversation by enforcing a unique index on
	// the canonicalized participant key and retrying FindBetweenUsers on a
	// unique-violation.
	Create(ctx context.Context, a, b string) (*domain.Conversation, error)

	// UpdateLastMessage sets the denormalized lastMessage summary and bumps updatedAt.
	UpdateLastMessage(ctx context.Context, conversationID, content, senderID string, at time.Time) error
}

// MessageStore owns the ChatMessage entity.
type MessageStore interface {
	Create(ctx context.Context, msg domain.ChatMessage) (*domain.ChatMessage, error)

	// FindByConversationID returns messages sorted by createdAt descending,
	// paginated by (page-1)*limit skip and limit, sender fields populated.
	FindByConversationID(ctx context.Context, conversationID string, page, limit int) ([]domain.ChatMessage, int, error)
}
