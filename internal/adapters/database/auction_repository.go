package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/auctio/auctio/internal/domain/auctions"
	pkgdb "github.com/auctio/auctio/pkg/database"
)

const auctionColumns = `id, owner_id, title, description, category, base_price, current_bid,
	current_bidder_id, status, winner_id, winning_amount, ends_at, created_at, updated_at`

// PostgresAuctionRepository implements auctions.AuctionRepository using pgx.
type PostgresAuctionRepository struct {
	pool *pgxpool.Pool // for non-transactional reads
}

// NewPostgresAuctionRepository creates a new PostgreSQL auction repository.
func NewPostgresAuctionRepository(pool *pgxpool.Pool) *PostgresAuctionRepository {
	return &PostgresAuctionRepository{pool: pool}
}

// GetAuction retrieves an auction by its ID (non-transactional read).
func (r *PostgresAuctionRepository) GetAuction(ctx context.Context, auctionID uuid.UUID) (*auctions.Auction, error) {
	return r.getAuction(ctx, r.pool, auctionID, false)
}

// GetAuctionForUpdate retrieves an auction and locks its row for update.
// This is the isolation boundary that serializes conflicting bids and
// settlement attempts for one auction.
func (r *PostgresAuctionRepository) GetAuctionForUpdate(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID) (*auctions.Auction, error) {
	return r.getAuction(ctx, tx, auctionID, true)
}

func (r *PostgresAuctionRepository) getAuction(ctx context.Context, db pkgdb.DBTX, auctionID uuid.UUID, forUpdate bool) (*auctions.Auction, error) {
	query := `SELECT ` + auctionColumns + ` FROM auctions WHERE id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}

	auction, err := scanAuction(db.QueryRow(ctx, query, auctionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, auctions.ErrAuctionNotFound
		}
		return nil, fmt.Errorf("failed to get auction: %w", err)
	}
	return auction, nil
}

// ListOpenEndedBefore returns open auctions whose deadline has passed,
// ordered by deadline ascending.
func (r *PostgresAuctionRepository) ListOpenEndedBefore(ctx context.Context, cutoff time.Time) ([]*auctions.Auction, error) {
	query := `SELECT ` + auctionColumns + `
		FROM auctions
		WHERE status = $1 AND ends_at <= $2
		ORDER BY ends_at ASC`

	rows, err := r.pool.Query(ctx, query, auctions.AuctionStatusOpen, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query due auctions: %w", err)
	}
	defer rows.Close()

	return collectAuctions(rows)
}

// ListOpenAuctions returns open auctions matching the filter, newest first.
func (r *PostgresAuctionRepository) ListOpenAuctions(ctx context.Context, filter auctions.ListAuctionsFilter) ([]*auctions.Auction, error) {
	query := `SELECT ` + auctionColumns + ` FROM auctions WHERE status = $1`
	args := []any{auctions.AuctionStatusOpen}

	if filter.Category != "" {
		args = append(args, filter.Category)
		query += fmt.Sprintf(" AND category = $%d", len(args))
	}
	if filter.PriceMin != nil {
		args = append(args, *filter.PriceMin)
		query += fmt.Sprintf(" AND base_price >= $%d", len(args))
	}
	if filter.PriceMax != nil {
		args = append(args, *filter.PriceMax)
		query += fmt.Sprintf(" AND base_price <= $%d", len(args))
	}

	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	args = append(args, filter.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query auctions: %w", err)
	}
	defer rows.Close()

	return collectAuctions(rows)
}

// CreateAuction inserts a new auction within a transaction.
func (r *PostgresAuctionRepository) CreateAuction(ctx context.Context, tx pgx.Tx, auction *auctions.Auction) error {
	query := `
		INSERT INTO auctions (id, owner_id, title, description, category, base_price,
			current_bid, status, ends_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := tx.Exec(ctx, query,
		auction.ID,
		auction.OwnerID,
		auction.Title,
		auction.Description,
		auction.Category,
		auction.BasePrice,
		auction.CurrentBid,
		auction.Status,
		auction.EndsAt,
		auction.CreatedAt,
		auction.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert auction: %w", err)
	}
	return nil
}

// UpdateCurrentBid updates the cached highest-bid fields within a transaction.
func (r *PostgresAuctionRepository) UpdateCurrentBid(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID, amount decimal.Decimal, bidderID uuid.UUID) error {
	query := `
		UPDATE auctions
		SET current_bid = $1, current_bidder_id = $2, updated_at = NOW()
		WHERE id = $3
	`
	result, err := tx.Exec(ctx, query, amount, bidderID, auctionID)
	if err != nil {
		return fmt.Errorf("failed to update current bid: %w", err)
	}
	if result.RowsAffected() == 0 {
		return auctions.ErrAuctionNotFound
	}
	return nil
}

// MarkSettled transitions the auction to settled within a transaction. The
// status guard in the WHERE clause makes the transition one-way even if a
// caller slipped past the row lock.
func (r *PostgresAuctionRepository) MarkSettled(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID, winnerID *uuid.UUID, amount *decimal.Decimal) error {
	query := `
		UPDATE auctions
		SET status = $1, winner_id = $2, winning_amount = $3, updated_at = NOW()
		WHERE id = $4 AND status = $5
	`
	result, err := tx.Exec(ctx, query,
		auctions.AuctionStatusSettled,
		winnerID,
		amount,
		auctionID,
		auctions.AuctionStatusOpen,
	)
	if err != nil {
		return fmt.Errorf("failed to mark auction settled: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("auction %s is not open", auctionID)
	}
	return nil
}

func scanAuction(row pgx.Row) (*auctions.Auction, error) {
	var a auctions.Auction
	err := row.Scan(
		&a.ID,
		&a.OwnerID,
		&a.Title,
		&a.Description,
		&a.Category,
		&a.BasePrice,
		&a.CurrentBid,
		&a.CurrentBidderID,
		&a.Status,
		&a.WinnerID,
		&a.WinningAmount,
		&a.EndsAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func collectAuctions(rows pgx.Rows) ([]*auctions.Auction, error) {
	var result []*auctions.Auction
	for rows.Next() {
		auction, err := scanAuction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan auction: %w", err)
		}
		result = append(result, auction)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating auctions: %w", err)
	}
	return result, nil
}
