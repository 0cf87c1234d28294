package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/auctio/auctio/internal/domain/auctions"
)

// PostgresNotificationRepository implements auctions.NotificationRepository using pgx.
type PostgresNotificationRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresNotificationRepository creates a new PostgreSQL notification repository.
func NewPostgresNotificationRepository(pool *pgxpool.Pool) *PostgresNotificationRepository {
	return &PostgresNotificationRepository{pool: pool}
}

const insertNotification = `
	INSERT INTO notifications (id, user_id, message, read, created_at)
	VALUES ($1, $2, $3, FALSE, $4)
`

// Create inserts a single notification outside any transaction.
func (r *PostgresNotificationRepository) Create(ctx context.Context, n *auctions.Notification) error {
	_, err := r.pool.Exec(ctx, insertNotification, n.ID, n.UserID, n.Message, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

// CreateBatch inserts notifications within a transaction.
func (r *PostgresNotificationRepository) CreateBatch(ctx context.Context, tx pgx.Tx, notifications []*auctions.Notification) error {
	for _, n := range notifications {
		if _, err := tx.Exec(ctx, insertNotification, n.ID, n.UserID, n.Message, n.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert notification: %w", err)
		}
	}
	return nil
}

// ListByUser retrieves a user's notifications, newest first.
func (r *PostgresNotificationRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*auctions.Notification, error) {
	query := `
		SELECT id, user_id, message, read, created_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC
	`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var result []*auctions.Notification
	for rows.Next() {
		var n auctions.Notification
		if scanErr := rows.Scan(&n.ID, &n.UserID, &n.Message, &n.Read, &n.CreatedAt); scanErr != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", scanErr)
		}
		result = append(result, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notifications: %w", err)
	}
	return result, nil
}

// MarkRead flips the read flag, scoped to the recipient.
func (r *PostgresNotificationRepository) MarkRead(ctx context.Context, notificationID, userID uuid.UUID) error {
	query := `UPDATE notifications SET read = TRUE WHERE id = $1 AND user_id = $2`
	result, err := r.pool.Exec(ctx, query, notificationID, userID)
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification not found")
	}
	return nil
}
