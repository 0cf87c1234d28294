package auctions

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/auctio/auctio/pkg/events"
)

// ListAuctionsFilter narrows the open-auction listing.
type ListAuctionsFilter struct {
	Category string
	PriceMin *decimal.Decimal
	PriceMax *decimal.Decimal
	Limit    int
	Offset   int
}

// AuctionRepository defines the interface for auction persistence.
// All mutation of auction state funnels through methods that take a
// transaction holding the auction's row lock.
type AuctionRepository interface {
	// GetAuction retrieves an auction by its ID (non-transactional read).
	GetAuction(ctx context.Context, auctionID uuid.UUID) (*Auction, error)

	// GetAuctionForUpdate retrieves an auction and locks its row for update.
	// This is the per-auction isolation boundary: conflicting bid and
	// settlement attempts serialize on it. Must be called within a transaction.
	GetAuctionForUpdate(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID) (*Auction, error)

	// ListOpenEndedBefore returns open auctions whose deadline has passed,
	// ordered by deadline ascending. Plain restartable query, no locks.
	ListOpenEndedBefore(ctx context.Context, cutoff time.Time) ([]*Auction, error)

	// ListOpenAuctions returns open auctions matching the filter.
	ListOpenAuctions(ctx context.Context, filter ListAuctionsFilter) ([]*Auction, error)

	// CreateAuction inserts a new auction within a transaction.
	CreateAuction(ctx context.Context, tx pgx.Tx, auction *Auction) error

	// UpdateCurrentBid updates the cached highest-bid fields within a transaction.
	UpdateCurrentBid(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID, amount decimal.Decimal, bidderID uuid.UUID) error

	// MarkSettled transitions the auction to settled and records the winner
	// within a transaction. winnerID and amount are nil for a no-bid close.
	MarkSettled(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID, winnerID *uuid.UUID, amount *decimal.Decimal) error
}

// BidRepository defines the interface for bid persistence.
type BidRepository interface {
	// SaveBid appends a bid within a transaction.
	SaveBid(ctx context.Context, tx pgx.Tx, bid *Bid) error

	// GetHighestBid returns the highest bid for an auction, or nil if no bids
	// were ever placed. Must be called within a transaction during settlement.
	GetHighestBid(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID) (*Bid, error)

	// ListBidsByAuction retrieves all bids for an auction, newest first.
	ListBidsByAuction(ctx context.Context, auctionID uuid.UUID) ([]*Bid, error)

	// ListBidsByBidder retrieves all bids placed by a user, newest first.
	ListBidsByBidder(ctx context.Context, bidderID uuid.UUID) ([]*Bid, error)

	// ListDistinctBidders returns the distinct bidders on an auction,
	// excluding the given user. Used for loser notifications at settlement.
	ListDistinctBidders(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID, exclude uuid.UUID) ([]uuid.UUID, error)
}

// NotificationRepository defines the interface for persisted notifications.
type NotificationRepository interface {
	// Create inserts a single notification outside any transaction.
	// Used for best-effort post-commit alerts.
	Create(ctx context.Context, notification *Notification) error

	// CreateBatch inserts notifications within a transaction. Used at
	// settlement so the alerts commit atomically with the state transition.
	CreateBatch(ctx context.Context, tx pgx.Tx, notifications []*Notification) error

	// ListByUser retrieves a user's notifications, newest first.
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*Notification, error)

	// MarkRead flips the read flag. Only the recipient may do so.
	MarkRead(ctx context.Context, notificationID, userID uuid.UUID) error
}

// UserRepository defines the interface for user counters.
// Increments are single atomic updates; callers guarantee at-most-once
// invocation per logical event by running them inside the same transaction
// as the event's own mutation.
type UserRepository interface {
	IncrementVenduesCreated(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error
	IncrementTendersPlaced(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error
	IncrementAuctionsWon(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error

	// GetUserStats retrieves the counters for a user.
	GetUserStats(ctx context.Context, userID uuid.UUID) (*UserStats, error)
}

// OutboxRepository defines the interface for saving outbox events within the
// same transaction as the mutation they describe.
type OutboxRepository interface {
	SaveEvent(ctx context.Context, tx pgx.Tx, event *events.OutboxEvent) error
}

// Broadcaster delivers accepted-bid events to everyone currently viewing an
// auction. Publish is fire-and-forget: it must never block bid acceptance on
// a slow or disconnected subscriber. The cancel func returned by Subscribe
// detaches the subscriber without affecting others.
type Broadcaster interface {
	Publish(ctx context.Context, event BidPlacedEvent)
	Subscribe(auctionID uuid.UUID) (<-chan BidPlacedEvent, func())
}

// SettlementService is the slice of the auction service the sweeper drives.
type SettlementService interface {
	// ListDueAuctions returns open auctions whose deadline has passed.
	ListDueAuctions(ctx context.Context, now time.Time) ([]*Auction, error)

	// Settle drives one auction to its terminal state exactly once.
	Settle(ctx context.Context, auctionID uuid.UUID) (*SettleResult, error)
}
