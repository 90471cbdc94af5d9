package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/chatpipeline/internal/domain"
	"github.com/sawpanic/chatpipeline/internal/persistence"
)

// conversationRepo implements persistence.ConversationStore.
//
// Expected schema:
//
//	CREATE TABLE conversations (
//	    id                    UUID PRIMARY KEY,
//	    participant_a         UUID NOT NULL REFERENCES users(id),
//	    participant_b         UUID NOT NULL REFERENCES users(id),
//	    participant_key       TEXT NOT NULL UNIQUE, -- canonicalized "min:max" pair
//	    last_message_content  TEXT,
//	    last_message_sender   UUID,
//	    last_message_ts       TIMESTAMPTZ,
//	    created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
//
// The unique index on participant_key resolves the conversation creation
// race: two concurrent Create calls for the same pair collide on the
// unique constraint, and the loser retries the find.
type conversationRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewConversationRepo creates a new PostgreSQL conversation repository.
func NewConversationRepo(db *sqlx.DB, timeout time.Duration) persistence.ConversationStore {
	return &conversationRepo{db: db, timeout: timeout}
}

type conversationRow struct {
	ID                  string         `db:"id"`
	ParticipantA        string         `db:"participant_a"`
	ParticipantB        string         `db:"participant_b"`
	LastMessageContent  sql.NullString `db:"last_message_content"`
	LastMessageSenderID sql.NullString `db:"last_message_sender"`
	LastMessageTS       sql.NullTime   `db:"last_message_ts"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
}

func (r conversationRow) toDomain() domain.Conversation {
	c := domain.Conversation{
		ID:           r.ID,
		Participants: [2]string{r.ParticipantA, r.ParticipantB},
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.LastMessageContent.Valid {
		c.LastMessage = &domain.LastMessageSummary{
			Content:   r.LastMessageContent.String,
			SenderID:  r.LastMessageSenderID.String,
			Timestamp: r.LastMessageTS.Time,
		}
	}
	return c
}

// FindBetweenUsers returns the conversation whose participant set is
// exactly {a, b}, order-independent, or nil if none exists.
func (r *conversationRepo) FindBetweenUsers(ctx context.Context, a, b string) (*domain.Conversation, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, participant_a, participant_b, last_message_content, last_message_sender, last_message_ts, created_at, updated_at
		FROM conversations
		WHERE participant_key = $1`

	var row conversationRow
	err := r.db.GetContext(ctx, &row, query, domain.CanonicalParticipantKey(a, b))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find conversation between users: %w", err)
	}

	conv := row.toDomain()
	return &conv, nil
}

// Create inserts a new conversation for two distinct participants. On a
// unique-key collision (a concurrent creator won the race) it retries
// the find instead of surfacing the conflict.
func (r *conversationRepo) Create(ctx context.Context, a, b string) (*domain.Conversation, error) {
	if _, err := domain.NewConversation(a, b); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	id := newID()
	query := `
		INSERT INTO conversations (id, participant_a, participant_b, participant_key)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`

	var createdAt, updatedAt time.Time
	err := r.db.QueryRowxContext(ctx, query, id, a, b, domain.CanonicalParticipantKey(a, b)).
		Scan(&createdAt, &updatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			existing, findErr := r.FindBetweenUsers(ctx, a, b)
			if findErr != nil {
				return nil, findErr
			}
			if existing != nil {
				return existing, nil
			}
			return nil, domain.ConflictError(domain.CodeConflictError, "conversation creation raced and retry-find found nothing", err)
		}
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	return &domain.Conversation{
		ID:           id,
		Participants: [2]string{a, b},
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
	}, nil
}

// UpdateLastMessage sets the denormalized lastMessage summary and bumps updatedAt.
func (r *conversationRepo) UpdateLastMessage(ctx context.Context, conversationID, content, senderID string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE conversations
		SET last_message_content = $1, last_message_sender = $2, last_message_ts = $3, updated_at = $3
		WHERE id = $4`, content, senderID, at, conversationID)
	if err != nil {
		return fmt.Errorf("failed to update conversation last message: %w", err)
	}
	return nil
}
