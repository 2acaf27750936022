package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"property-chat/internal/models"
)

var ErrEventNotFound = errors.New("event not found")

// HistoryWindow caps how many recent events a history replay carries.
const HistoryWindow = 50

// EventStore is the append-only persistence collaborator of the relay.
type EventStore interface {
	Append(ctx context.Context, ev models.ChatEvent) (models.ChatEvent, error)
	RecentEvents(ctx context.Context, propertyID int, limit int) ([]models.ChatEvent, error)
	FindLastMessage(ctx context.Context, propertyID int, userID int, timestamp int64) (models.ChatEvent, error)
	MarkDeleted(ctx context.Context, eventID int, tombstone string) error
}

// EventRepo is a sqlx-backed EventStore.
type EventRepo struct {
	db *sqlx.DB
}

// NewEventRepo constructs EventRepo.
func NewEventRepo(db *sqlx.DB) *EventRepo {
	return &EventRepo{db: db}
}

// Append stores an event and returns it with the assigned row id.
func (r *EventRepo) Append(ctx context.Context, ev models.ChatEvent) (models.ChatEvent, error) {
	err := r.db.QueryRowxContext(ctx, `INSERT INTO chat_events (kind, user_id, username, content, property_id, ts, is_deleted)
        VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		ev.Kind, ev.UserID, ev.Username, ev.Content, ev.PropertyID, ev.Timestamp, ev.IsDeleted).
		Scan(&ev.ID)
	return ev, err
}

// RecentEvents returns the most recent events of a property, oldest first.
func (r *EventRepo) RecentEvents(ctx context.Context, propertyID int, limit int) ([]models.ChatEvent, error) {
	query := `SELECT id, kind, user_id, username, content, property_id, ts, is_deleted FROM (
            SELECT id, kind, user_id, username, content, property_id, ts, is_deleted
            FROM chat_events
            WHERE property_id=$1
            ORDER BY ts DESC, id DESC
            LIMIT $2
        ) recent ORDER BY ts ASC, id ASC`
	var events []models.ChatEvent
	err := r.db.SelectContext(ctx, &events, query, propertyID, limit)
	return events, err
}

// FindLastMessage locates the newest non-deleted message matching the author
// and exact timestamp. Only kind=message rows qualify.
func (r *EventRepo) FindLastMessage(ctx context.Context, propertyID int, userID int, timestamp int64) (models.ChatEvent, error) {
	var ev models.ChatEvent
	err := r.db.GetContext(ctx, &ev, `SELECT id, kind, user_id, username, content, property_id, ts, is_deleted
        FROM chat_events
        WHERE property_id=$1 AND user_id=$2 AND ts=$3 AND kind='message' AND is_deleted = FALSE
        ORDER BY id DESC LIMIT 1`, propertyID, userID, timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ChatEvent{}, ErrEventNotFound
	}
	return ev, err
}

// MarkDeleted flags an event as deleted and overwrites its content with the
// tombstone.
func (r *EventRepo) MarkDeleted(ctx context.Context, eventID int, tombstone string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE chat_events SET is_deleted = TRUE, content=$2 WHERE id=$1`, eventID, tombstone)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrEventNotFound
	}
	return nil
}
