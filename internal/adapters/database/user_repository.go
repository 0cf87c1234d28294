package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/auctio/auctio/internal/domain/auctions"
)

// PostgresUserRepository implements auctions.UserRepository using pgx.
// Counter increments are single atomic updates run inside the caller's
// transaction, so they commit or roll back together with the event that
// triggered them.
type PostgresUserRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresUserRepository creates a new PostgreSQL user repository.
func NewPostgresUserRepository(pool *pgxpool.Pool) *PostgresUserRepository {
	return &PostgresUserRepository{pool: pool}
}

func (r *PostgresUserRepository) IncrementVenduesCreated(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error {
	return r.increment(ctx, tx, "vendues_created", userID)
}

func (r *PostgresUserRepository) IncrementTendersPlaced(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error {
	return r.increment(ctx, tx, "tenders_placed", userID)
}

func (r *PostgresUserRepository) IncrementAuctionsWon(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error {
	return r.increment(ctx, tx, "auctions_won", userID)
}

func (r *PostgresUserRepository) increment(ctx context.Context, tx pgx.Tx, counter string, userID uuid.UUID) error {
	// counter is one of the three fixed column names above, never user input.
	query := fmt.Sprintf("UPDATE users SET %s = %s + 1 WHERE id = $1", counter, counter)
	result, err := tx.Exec(ctx, query, userID)
	if err != nil {
		return fmt.Errorf("failed to increment %s: %w", counter, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("user not found")
	}
	return nil
}

// GetUserStats retrieves the counters for a user.
func (r *PostgresUserRepository) GetUserStats(ctx context.Context, userID uuid.UUID) (*auctions.UserStats, error) {
	query := `
		SELECT id, vendues_created, tenders_placed, auctions_won
		FROM users
		WHERE id = $1
	`
	var stats auctions.UserStats
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&stats.UserID,
		&stats.VenduesCreated,
		&stats.TendersPlaced,
		&stats.AuctionsWon,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("user not found")
		}
		return nil, fmt.Errorf("failed to get user stats: %w", err)
	}
	return &stats, nil
}
