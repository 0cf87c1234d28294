package auctions

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AuctionStatus is the externally observable lifecycle state of an auction.
// The settling step runs inside the settlement transaction and is never
// visible outside it: readers only ever see open or settled.
type AuctionStatus string

const (
	AuctionStatusOpen    AuctionStatus = "open"
	AuctionStatusSettled AuctionStatus = "settled"
)

// IsValid reports whether s is a known lifecycle status.
func (s AuctionStatus) IsValid() bool {
	switch s {
	case AuctionStatusOpen, AuctionStatusSettled:
		return true
	}
	return false
}

// Auction is a timed sale of one item, closing at a fixed deadline.
// CurrentBid is a cache of the highest accepted bid (initialized to the base
// price) and must always agree with max(bids) for the auction; it is only
// ever written under the auction's row lock.
type Auction struct {
	ID              uuid.UUID        `db:"id"`
	OwnerID         uuid.UUID        `db:"owner_id"`
	Title           string           `db:"title"`
	Description     string           `db:"description"`
	Category        string           `db:"category"`
	BasePrice       decimal.Decimal  `db:"base_price"`
	CurrentBid      decimal.Decimal  `db:"current_bid"`
	CurrentBidderID *uuid.UUID       `db:"current_bidder_id"`
	Status          AuctionStatus    `db:"status"`
	WinnerID        *uuid.UUID       `db:"winner_id"`
	WinningAmount   *decimal.Decimal `db:"winning_amount"`
	EndsAt          time.Time        `db:"ends_at"`
	CreatedAt       time.Time        `db:"created_at"`
	UpdatedAt       time.Time        `db:"updated_at"`
}

// SecondsRemaining returns the whole seconds until the deadline, floored at 0.
func (a *Auction) SecondsRemaining(now time.Time) int64 {
	remaining := a.EndsAt.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int64(remaining.Seconds())
}

// Bid is an accepted offer against an auction. Bids are append-only and never
// mutated after creation.
type Bid struct {
	ID        uuid.UUID       `db:"id"`
	AuctionID uuid.UUID       `db:"auction_id"`
	BidderID  uuid.UUID       `db:"bidder_id"`
	Amount    decimal.Decimal `db:"amount"`
	CreatedAt time.Time       `db:"created_at"`
}

// Notification is a persisted message for a user. The core only creates
// notifications; the read flag is flipped by the recipient.
type Notification struct {
	ID        uuid.UUID `db:"id"`
	UserID    uuid.UUID `db:"user_id"`
	Message   string    `db:"message"`
	Read      bool      `db:"read"`
	CreatedAt time.Time `db:"created_at"`
}

// UserStats holds the per-user activity counters. Each counter increments
// exactly once per corresponding event and never decreases.
type UserStats struct {
	UserID         uuid.UUID `db:"user_id"`
	VenduesCreated int64     `db:"vendues_created"`
	TendersPlaced  int64     `db:"tenders_placed"`
	AuctionsWon    int64     `db:"auctions_won"`
}

// EventType identifies an outbox/broadcast event.
type EventType string

const (
	EventTypeBidPlaced      EventType = "bid.placed"
	EventTypeAuctionSettled EventType = "auction.settled"
)

// String returns the routing-key representation of the event type.
func (e EventType) String() string {
	return string(e)
}

// IsValid reports whether e is a known event type.
func (e EventType) IsValid() bool {
	switch e {
	case EventTypeBidPlaced, EventTypeAuctionSettled:
		return true
	}
	return false
}

// BidPlacedEvent is emitted for every accepted bid, both to the live
// broadcast topic for the auction and to the outbox.
type BidPlacedEvent struct {
	BidID     uuid.UUID       `json:"bid_id"`
	AuctionID uuid.UUID       `json:"auction_id"`
	BidderID  uuid.UUID       `json:"bidder_id"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp time.Time       `json:"timestamp"`
}

// AuctionSettledEvent is emitted exactly once when an auction settles.
// WinnerID is nil when the auction closed without bids.
type AuctionSettledEvent struct {
	AuctionID     uuid.UUID        `json:"auction_id"`
	WinnerID      *uuid.UUID       `json:"winner_id,omitempty"`
	WinningAmount *decimal.Decimal `json:"winning_amount,omitempty"`
	SettledAt     time.Time        `json:"settled_at"`
}

// RejectReason is the machine-readable code attached to a bid rejection.
type RejectReason string

const (
	ReasonAuctionClosed  RejectReason = "AUCTION_CLOSED"
	ReasonOwnerCannotBid RejectReason = "OWNER_CANNOT_BID"
	ReasonBidTooLow      RejectReason = "BID_TOO_LOW"
	ReasonInvalidAmount  RejectReason = "INVALID_AMOUNT"
)

// SettleOutcome reports what a Settle call did.
type SettleOutcome string

const (
	// OutcomeSettled means this call performed the settlement.
	OutcomeSettled SettleOutcome = "settled"
	// OutcomeAlreadySettled means another caller settled the auction first;
	// the call was a no-op.
	OutcomeAlreadySettled SettleOutcome = "already_settled"
)

// SettleResult is the outcome of driving one auction to its terminal state.
type SettleResult struct {
	Outcome       SettleOutcome
	WinnerID      *uuid.UUID
	WinningAmount *decimal.Decimal
}

// AuctionState is the snapshot returned to viewers of an auction.
type AuctionState struct {
	AuctionID        uuid.UUID       `json:"auction_id"`
	Status           AuctionStatus   `json:"status"`
	CurrentBid       decimal.Decimal `json:"current_bid"`
	CurrentBidderID  *uuid.UUID      `json:"current_bidder_id,omitempty"`
	SecondsRemaining int64           `json:"seconds_remaining"`
}
