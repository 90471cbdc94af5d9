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

// plannedMessageRepo implements persistence.PlannedMessageStore.
//
// Expected schema:
//
//	CREATE TABLE auto_messages (
//	    id          UUID PRIMARY KEY,
//	    sender_id   UUID NOT NULL REFERENCES users(id),
//	    receiver_id UUID NOT NULL REFERENCES users(id),
//	    content     TEXT NOT NULL,
//	    send_date   TIMESTAMPTZ NOT NULL,
//	    is_queued   BOOLEAN NOT NULL DEFAULT false,
//	    is_sent     BOOLEAN NOT NULL DEFAULT false,
//	    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
//	CREATE INDEX auto_messages_due_idx ON auto_messages (send_date ASC, is_queued ASC);
//	CREATE INDEX auto_messages_status_idx ON auto_messages (is_queued ASC, is_sent ASC);
//	CREATE INDEX auto_messages_sender_idx ON auto_messages (sender_id ASC, created_at DESC);
//	CREATE INDEX auto_messages_receiver_idx ON auto_messages (receiver_id ASC, created_at DESC);
type plannedMessageRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPlannedMessageRepo creates a new PostgreSQL planned-message repository.
func NewPlannedMessageRepo(db *sqlx.DB, timeout time.Duration) persistence.PlannedMessageStore {
	return &plannedMessageRepo{db: db, timeout: timeout}
}

type plannedMessageRow struct {
	ID         string    `db:"id"`
	SenderID   string    `db:"sender_id"`
	ReceiverID string    `db:"receiver_id"`
	Content    string    `db:"content"`
	SendDate   time.Time `db:"send_date"`
	IsQueued   bool      `db:"is_queued"`
	IsSent     bool      `db:"is_sent"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (r plannedMessageRow) toDomain() domain.PlannedMessage {
	return domain.PlannedMessage{
		ID:         r.ID,
		SenderID:   r.SenderID,
		ReceiverID: r.ReceiverID,
		Content:    r.Content,
		SendDate:   r.SendDate,
		IsQueued:   r.IsQueued,
		IsSent:     r.IsSent,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

// BulkInsert persists a batch of PlannedMessages in one transaction and
// returns the number actually committed.
func (r *plannedMessageRepo) BulkInsert(ctx context.Context, messages []domain.PlannedMessage) (int, error) {
	if len(messages) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO auto_messages (id, sender_id, receiver_id, content, send_date, is_queued, is_sent)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for i := range messages {
		if messages[i].ID == "" {
			messages[i].ID = newID()
		}
		if err := messages[i].Validate(); err != nil {
			return 0, err
		}
		_, err := stmt.ExecContext(ctx,
			messages[i].ID, messages[i].SenderID, messages[i].ReceiverID,
			messages[i].Content, messages[i].SendDate, messages[i].IsQueued, messages[i].IsSent)
		if err != nil {
			return 0, fmt.Errorf("failed to insert planned message: %w", err)
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit planned message batch: %w", err)
	}

	return inserted, nil
}

// FindDue returns PlannedMessages matching sendDate <= now, isQueued=false,
// isSent=false, using the (sendDate asc, isQueued asc) index.
func (r *plannedMessageRepo) FindDue(ctx context.Context, now time.Time) ([]domain.PlannedMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, sender_id, receiver_id, content, send_date, is_queued, is_sent, created_at, updated_at
		FROM auto_messages
		WHERE send_date <= $1 AND is_queued = false AND is_sent = false
		ORDER BY send_date ASC`

	var rows []plannedMessageRow
	if err := r.db.SelectContext(ctx, &rows, query, now); err != nil {
		return nil, fmt.Errorf("failed to find due planned messages: %w", err)
	}

	out := make([]domain.PlannedMessage, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// MarkQueued atomically flips isQueued=true for the given ids.
func (r *plannedMessageRepo) MarkQueued(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query, args, err := sqlx.In(`
		UPDATE auto_messages
		SET is_queued = true, updated_at = now()
		WHERE id IN (?)`, ids)
	if err != nil {
		return fmt.Errorf("failed to build markQueued query: %w", err)
	}
	query = r.db.Rebind(query)

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark planned messages queued: %w", err)
	}
	return nil
}

// MarkSent atomically flips isSent=true. Idempotent: a second call on an
// already-sent id succeeds without error (the duplicate-delivery guard in
// internal/consumer checks GetByID before calling this, but this method
// stays safe to call twice on its own).
func (r *plannedMessageRepo) MarkSent(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE auto_messages
		SET is_queued = true, is_sent = true, updated_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark planned message sent: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected marking planned message sent: %w", err)
	}
	if n == 0 {
		return domain.NotFoundError(domain.CodePlannedMessageMissing, "planned message not found: "+id)
	}
	return nil
}

// GetByID fetches a single PlannedMessage, returning nil if it does not exist.
func (r *plannedMessageRepo) GetByID(ctx context.Context, id string) (*domain.PlannedMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, sender_id, receiver_id, content, send_date, is_queued, is_sent, created_at, updated_at
		FROM auto_messages
		WHERE id = $1`

	var row plannedMessageRow
	err := r.db.GetContext(ctx, &row, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get planned message by id: %w", err)
	}

	msg := row.toDomain()
	return &msg, nil
}
