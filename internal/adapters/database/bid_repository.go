package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/auctio/auctio/internal/domain/auctions"
	pkgdb "github.com/auctio/auctio/pkg/database"
)

// PostgresBidRepository implements auctions.BidRepository using pgx.
type PostgresBidRepository struct {
	pool *pgxpool.Pool // for non-transactional reads
}

// NewPostgresBidRepository creates a new PostgreSQL bid repository.
func NewPostgresBidRepository(pool *pgxpool.Pool) *PostgresBidRepository {
	return &PostgresBidRepository{pool: pool}
}

// SaveBid appends a bid within a transaction.
func (r *PostgresBidRepository) SaveBid(ctx context.Context, tx pgx.Tx, bid *auctions.Bid) error {
	query := `
		INSERT INTO bids (id, auction_id, bidder_id, amount, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := tx.Exec(ctx, query,
		bid.ID,
		bid.AuctionID,
		bid.BidderID,
		bid.Amount,
		bid.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert bid: %w", err)
	}
	return nil
}

// GetHighestBid returns the highest bid for an auction, or nil if the auction
// never received a bid.
func (r *PostgresBidRepository) GetHighestBid(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID) (*auctions.Bid, error) {
	query := `
		SELECT id, auction_id, bidder_id, amount, created_at
		FROM bids
		WHERE auction_id = $1
		ORDER BY amount DESC
		LIMIT 1
	`
	bid, err := scanBid(tx.QueryRow(ctx, query, auctionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get highest bid: %w", err)
	}
	return bid, nil
}

// ListBidsByAuction retrieves all bids for an auction, newest first.
func (r *PostgresBidRepository) ListBidsByAuction(ctx context.Context, auctionID uuid.UUID) ([]*auctions.Bid, error) {
	query := `
		SELECT id, auction_id, bidder_id, amount, created_at
		FROM bids
		WHERE auction_id = $1
		ORDER BY created_at DESC
	`
	return r.listBids(ctx, r.pool, query, auctionID)
}

// ListBidsByBidder retrieves all bids placed by a user, newest first.
func (r *PostgresBidRepository) ListBidsByBidder(ctx context.Context, bidderID uuid.UUID) ([]*auctions.Bid, error) {
	query := `
		SELECT id, auction_id, bidder_id, amount, created_at
		FROM bids
		WHERE bidder_id = $1
		ORDER BY created_at DESC
	`
	return r.listBids(ctx, r.pool, query, bidderID)
}

// ListDistinctBidders returns the distinct bidders on an auction, excluding
// the given user.
func (r *PostgresBidRepository) ListDistinctBidders(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID, exclude uuid.UUID) ([]uuid.UUID, error) {
	query := `
		SELECT DISTINCT bidder_id
		FROM bids
		WHERE auction_id = $1 AND bidder_id != $2
	`
	rows, err := tx.Query(ctx, query, auctionID, exclude)
	if err != nil {
		return nil, fmt.Errorf("failed to query bidders: %w", err)
	}
	defer rows.Close()

	var bidders []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if scanErr := rows.Scan(&id); scanErr != nil {
			return nil, fmt.Errorf("failed to scan bidder: %w", scanErr)
		}
		bidders = append(bidders, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bidders: %w", err)
	}
	return bidders, nil
}

func (r *PostgresBidRepository) listBids(ctx context.Context, db pkgdb.DBTX, query string, arg any) ([]*auctions.Bid, error) {
	rows, err := db.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query bids: %w", err)
	}
	defer rows.Close()

	var result []*auctions.Bid
	for rows.Next() {
		bid, scanErr := scanBid(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan bid: %w", scanErr)
		}
		result = append(result, bid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bids: %w", err)
	}
	return result, nil
}

func scanBid(row pgx.Row) (*auctions.Bid, error) {
	var bid auctions.Bid
	err := row.Scan(
		&bid.ID,
		&bid.AuctionID,
		&bid.BidderID,
		&bid.Amount,
		&bid.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &bid, nil
}
