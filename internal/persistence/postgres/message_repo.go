package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/chatpipeline/internal/domain"
	"github.com/sawpanic/chatpipeline/internal/persistence"
)

// messageRepo implements persistence.MessageStore.
//
// Expected schema:
//
//	CREATE TABLE messages (
//	    id              UUID PRIMARY KEY,
//	    conversation_id UUID NOT NULL REFERENCES conversations(id),
//	    sender_id       UUID NOT NULL REFERENCES users(id),
//	    content         TEXT NOT NULL,
//	    is_read         BOOLEAN NOT NULL DEFAULT false,
//	    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
//	CREATE INDEX messages_conversation_created_idx ON messages (conversation_id ASC, created_at DESC);
//	CREATE INDEX messages_conversation_read_idx ON messages (conversation_id ASC, is_read ASC);
type messageRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewMessageRepo creates a new PostgreSQL chat-message repository.
func NewMessageRepo(db *sqlx.DB, timeout time.Duration) persistence.MessageStore {
	return &messageRepo{db: db, timeout: timeout}
}

type messageRow struct {
	ID             string    `db:"id"`
	ConversationID string    `db:"conversation_id"`
	SenderID       string    `db:"sender_id"`
	Content        string    `db:"content"`
	IsRead         bool      `db:"is_read"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
	SenderUsername string    `db:"sender_username"`
	SenderEmail    string    `db:"sender_email"`
}

func (r messageRow) toDomain() domain.ChatMessage {
	return domain.ChatMessage{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		Content:        r.Content,
		IsRead:         r.IsRead,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		SenderUsername: r.SenderUsername,
		SenderEmail:    r.SenderEmail,
	}
}

// Create persists a ChatMessage and returns it with generated fields populated.
func (r *messageRepo) Create(ctx context.Context, msg domain.ChatMessage) (*domain.ChatMessage, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if msg.ID == "" {
		msg.ID = newID()
	}

	query := `
		INSERT INTO messages (id, conversation_id, sender_id, content, is_read)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`

	err := r.db.QueryRowxContext(ctx, query, msg.ID, msg.ConversationID, msg.SenderID, msg.Content, msg.IsRead).
		Scan(&msg.CreatedAt, &msg.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert chat message: %w", err)
	}

	return &msg, nil
}

// FindByConversationID returns messages sorted by createdAt descending,
// paginated by (page-1)*limit skip and limit, with sender fields populated.
func (r *messageRepo) FindByConversationID(ctx context.Context, conversationID string, page, limit int) ([]domain.ChatMessage, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var total int
	if err := r.db.GetContext(ctx, &total, `
		SELECT COUNT(*) FROM messages WHERE conversation_id = $1`, conversationID); err != nil {
		return nil, 0, fmt.Errorf("failed to count messages: %w", err)
	}

	query := `
		SELECT m.id, m.conversation_id, m.sender_id, m.content, m.is_read, m.created_at, m.updated_at,
		       u.username AS sender_username, u.email AS sender_email
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.conversation_id = $1
		ORDER BY m.created_at DESC
		OFFSET $2 LIMIT $3`

	var rows []messageRow
	if err := r.db.SelectContext(ctx, &rows, query, conversationID, (page-1)*limit, limit); err != nil {
		return nil, 0, fmt.Errorf("failed to list messages by conversation: %w", err)
	}

	out := make([]domain.ChatMessage, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, total, nil
}
