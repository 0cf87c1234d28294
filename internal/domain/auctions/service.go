package auctions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/auctio/auctio/pkg/database"
	"github.com/auctio/auctio/pkg/events"
)

// Validation and business-rule errors
var (
	ErrAuctionNotFound  = fmt.Errorf("auction not found")
	ErrAuctionClosed    = fmt.Errorf("auction is no longer open for bids")
	ErrOwnerCannotBid   = fmt.Errorf("owner cannot bid on their own auction")
	ErrBidTooLow        = fmt.Errorf("bid amount must be higher than the current bid")
	ErrInvalidAmount    = fmt.Errorf("bid amount must be positive")
	ErrInvalidBasePrice = fmt.Errorf("base price must not be negative")
	ErrInvalidDeadline  = fmt.Errorf("closing deadline must be in the future")
)

// ReasonForError maps a bid rejection to its machine-readable reason code.
// Returns false for errors that are not business-rule rejections.
func ReasonForError(err error) (RejectReason, bool) {
	switch {
	case errors.Is(err, ErrAuctionClosed):
		return ReasonAuctionClosed, true
	case errors.Is(err, ErrOwnerCannotBid):
		return ReasonOwnerCannotBid, true
	case errors.Is(err, ErrBidTooLow):
		return ReasonBidTooLow, true
	case errors.Is(err, ErrInvalidAmount):
		return ReasonInvalidAmount, true
	}
	return "", false
}

// validateBidAmount checks that the amount is positive and strictly higher
// than the current bid.
func validateBidAmount(amount, currentBid decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if amount.Cmp(currentBid) <= 0 {
		return ErrBidTooLow
	}
	return nil
}

// validateAuctionOpen checks the lifecycle state and deadline. Both checks run
// inside the same row lock as the bid comparison, so a bid that was in flight
// before the deadline is still rejected once the deadline has passed.
func validateAuctionOpen(auction *Auction, now time.Time) error {
	if auction.Status != AuctionStatusOpen {
		return ErrAuctionClosed
	}
	if now.After(auction.EndsAt) {
		return ErrAuctionClosed
	}
	return nil
}

// isLockTimeout reports whether err is a Postgres lock_not_available error,
// raised when the per-auction row lock could not be acquired in time.
func isLockTimeout(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "55P03"
}

type PlaceBidCommand struct {
	AuctionID uuid.UUID
	BidderID  uuid.UUID
	Amount    decimal.Decimal
}

type CreateAuctionCommand struct {
	OwnerID     uuid.UUID
	Title       string
	Description string
	Category    string
	BasePrice   decimal.Decimal
	EndsAt      time.Time
}

// Service implements the auction concurrency core: bid acceptance,
// settlement, and the read path that keeps both honest.
type Service struct {
	txManager        database.TransactionManager
	auctionRepo      AuctionRepository
	bidRepo          BidRepository
	notificationRepo NotificationRepository
	userRepo         UserRepository
	outboxRepo       OutboxRepository
	broadcaster      Broadcaster
	logger           *slog.Logger
}

// NewService creates a new auction service.
func NewService(
	txManager database.TransactionManager,
	auctionRepo AuctionRepository,
	bidRepo BidRepository,
	notificationRepo NotificationRepository,
	userRepo UserRepository,
	outboxRepo OutboxRepository,
	broadcaster Broadcaster,
	logger *slog.Logger,
) *Service {
	return &Service{
		txManager:        txManager,
		auctionRepo:      auctionRepo,
		bidRepo:          bidRepo,
		notificationRepo: notificationRepo,
		userRepo:         userRepo,
		outboxRepo:       outboxRepo,
		broadcaster:      broadcaster,
		logger:           logger,
	}
}

// acceptedBid carries the committed bid plus the auction context captured
// under the row lock, for post-commit effects.
type acceptedBid struct {
	bid               *Bid
	ownerID           uuid.UUID
	auctionTitle      string
	displacedBidderID *uuid.UUID
}

// PlaceBid validates and commits a single bid under the auction's row lock.
// The bid insert, cached-highest-bid update, bidder counter increment and
// outbox event all commit in one transaction. Notifications and the live
// broadcast run after commit and never roll the bid back.
func (s *Service) PlaceBid(ctx context.Context, cmd PlaceBidCommand) (*Bid, error) {
	if cmd.Amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	accepted, err := s.placeBid(ctx, cmd)
	if isLockTimeout(err) {
		// The row lock wait timed out under contention. One retry at the
		// protocol level; a second failure surfaces as transient.
		s.logger.Warn("lock timeout placing bid, retrying once", "auction_id", cmd.AuctionID)
		accepted, err = s.placeBid(ctx, cmd)
	}
	if err != nil {
		return nil, err
	}

	s.emitBidAccepted(ctx, accepted)
	return accepted.bid, nil
}

func (s *Service) placeBid(ctx context.Context, cmd PlaceBidCommand) (*acceptedBid, error) {
	tx, err := s.txManager.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	// Lock the auction row. Every check below, including the deadline
	// re-check, happens inside this lock.
	auction, err := s.auctionRepo.GetAuctionForUpdate(ctx, tx, cmd.AuctionID)
	if err != nil {
		return nil, err
	}

	if valErr := validateAuctionOpen(auction, time.Now()); valErr != nil {
		return nil, valErr
	}

	if auction.OwnerID == cmd.BidderID {
		return nil, ErrOwnerCannotBid
	}

	if valErr := validateBidAmount(cmd.Amount, auction.CurrentBid); valErr != nil {
		return nil, valErr
	}

	bid := &Bid{
		ID:        uuid.New(),
		AuctionID: cmd.AuctionID,
		BidderID:  cmd.BidderID,
		Amount:    cmd.Amount,
		CreatedAt: time.Now(),
	}

	if saveErr := s.bidRepo.SaveBid(ctx, tx, bid); saveErr != nil {
		return nil, fmt.Errorf("failed to save bid: %w", saveErr)
	}

	if updateErr := s.auctionRepo.UpdateCurrentBid(ctx, tx, cmd.AuctionID, cmd.Amount, cmd.BidderID); updateErr != nil {
		return nil, fmt.Errorf("failed to update current bid: %w", updateErr)
	}

	// Counter rides the same commit as the bid, so it can neither lag nor
	// double-count.
	if incErr := s.userRepo.IncrementTendersPlaced(ctx, tx, cmd.BidderID); incErr != nil {
		return nil, fmt.Errorf("failed to increment tenders placed: %w", incErr)
	}

	event := BidPlacedEvent{
		BidID:     bid.ID,
		AuctionID: bid.AuctionID,
		BidderID:  bid.BidderID,
		Amount:    bid.Amount,
		Timestamp: bid.CreatedAt,
	}
	payload, marshalErr := json.Marshal(event)
	if marshalErr != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", marshalErr)
	}

	outboxEvent := &events.OutboxEvent{
		ID:        uuid.New(),
		EventType: EventTypeBidPlaced.String(),
		Payload:   payload,
		Status:    events.OutboxStatusPending,
		CreatedAt: time.Now(),
	}
	if saveErr := s.outboxRepo.SaveEvent(ctx, tx, outboxEvent); saveErr != nil {
		return nil, fmt.Errorf("failed to save outbox event: %w", saveErr)
	}

	if commitErr := tx.Commit(ctx); commitErr != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", commitErr)
	}

	return &acceptedBid{
		bid:          bid,
		ownerID:      auction.OwnerID,
		auctionTitle: auction.Title,
		// Captured under the lock, before the update: the bidder this bid displaced.
		displacedBidderID: auction.CurrentBidderID,
	}, nil
}

// emitBidAccepted runs the secondary effects of an accepted bid: persisted
// alerts and the live broadcast. Failures here are logged, never surfaced;
// the bid stays accepted.
func (s *Service) emitBidAccepted(ctx context.Context, accepted *acceptedBid) {
	bid := accepted.bid

	ownerNote := &Notification{
		ID:        uuid.New(),
		UserID:    accepted.ownerID,
		Message:   fmt.Sprintf("A bid of %s was placed on '%s'.", bid.Amount.StringFixed(2), accepted.auctionTitle),
		CreatedAt: time.Now(),
	}
	if err := s.notificationRepo.Create(ctx, ownerNote); err != nil {
		s.logger.Error("failed to create owner notification", "auction_id", bid.AuctionID, "error", err)
	}

	if prev := accepted.displacedBidderID; prev != nil && *prev != bid.BidderID {
		outbidNote := &Notification{
			ID:        uuid.New(),
			UserID:    *prev,
			Message:   fmt.Sprintf("You have been outbid on '%s'. The current bid is %s.", accepted.auctionTitle, bid.Amount.StringFixed(2)),
			CreatedAt: time.Now(),
		}
		if err := s.notificationRepo.Create(ctx, outbidNote); err != nil {
			s.logger.Error("failed to create outbid notification", "auction_id", bid.AuctionID, "error", err)
		}
	}

	s.broadcaster.Publish(ctx, BidPlacedEvent{
		BidID:     bid.ID,
		AuctionID: bid.AuctionID,
		BidderID:  bid.BidderID,
		Amount:    bid.Amount,
		Timestamp: bid.CreatedAt,
	})
}

// Settle transitions one auction Open -> Settled exactly once. The winner
// determination, counter increment, win/lose notifications and outbox event
// commit atomically with the state transition; any failure rolls the whole
// settlement back and the auction stays due for the next sweep. A call on an
// already-settled auction is a no-op reporting OutcomeAlreadySettled.
func (s *Service) Settle(ctx context.Context, auctionID uuid.UUID) (*SettleResult, error) {
	tx, err := s.txManager.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	auction, err := s.auctionRepo.GetAuctionForUpdate(ctx, tx, auctionID)
	if err != nil {
		return nil, err
	}

	// Another sweeper instance or a read-path trigger got here first.
	if auction.Status != AuctionStatusOpen {
		return &SettleResult{Outcome: OutcomeAlreadySettled}, nil
	}

	highest, err := s.bidRepo.GetHighestBid(ctx, tx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("failed to determine highest bid: %w", err)
	}

	result := &SettleResult{Outcome: OutcomeSettled}
	if highest != nil {
		result.WinnerID = &highest.BidderID
		result.WinningAmount = &highest.Amount
	}

	if markErr := s.auctionRepo.MarkSettled(ctx, tx, auctionID, result.WinnerID, result.WinningAmount); markErr != nil {
		return nil, fmt.Errorf("failed to mark auction settled: %w", markErr)
	}

	if highest != nil {
		if incErr := s.userRepo.IncrementAuctionsWon(ctx, tx, highest.BidderID); incErr != nil {
			return nil, fmt.Errorf("failed to increment auctions won: %w", incErr)
		}

		notifications := []*Notification{{
			ID:        uuid.New(),
			UserID:    highest.BidderID,
			Message:   fmt.Sprintf("You won the auction '%s' with a bid of %s!", auction.Title, highest.Amount.StringFixed(2)),
			CreatedAt: time.Now(),
		}}

		losers, losersErr := s.bidRepo.ListDistinctBidders(ctx, tx, auctionID, highest.BidderID)
		if losersErr != nil {
			return nil, fmt.Errorf("failed to list bidders: %w", losersErr)
		}
		for _, loserID := range losers {
			notifications = append(notifications, &Notification{
				ID:        uuid.New(),
				UserID:    loserID,
				Message:   fmt.Sprintf("You lost the auction '%s'.", auction.Title),
				CreatedAt: time.Now(),
			})
		}

		if noteErr := s.notificationRepo.CreateBatch(ctx, tx, notifications); noteErr != nil {
			return nil, fmt.Errorf("failed to create settlement notifications: %w", noteErr)
		}
	}

	settledEvent := AuctionSettledEvent{
		AuctionID:     auctionID,
		WinnerID:      result.WinnerID,
		WinningAmount: result.WinningAmount,
		SettledAt:     time.Now(),
	}
	payload, marshalErr := json.Marshal(settledEvent)
	if marshalErr != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", marshalErr)
	}
	outboxEvent := &events.OutboxEvent{
		ID:        uuid.New(),
		EventType: EventTypeAuctionSettled.String(),
		Payload:   payload,
		Status:    events.OutboxStatusPending,
		CreatedAt: time.Now(),
	}
	if saveErr := s.outboxRepo.SaveEvent(ctx, tx, outboxEvent); saveErr != nil {
		return nil, fmt.Errorf("failed to save outbox event: %w", saveErr)
	}

	if commitErr := tx.Commit(ctx); commitErr != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", commitErr)
	}

	return result, nil
}

// ListDueAuctions returns open auctions whose deadline has passed.
func (s *Service) ListDueAuctions(ctx context.Context, now time.Time) ([]*Auction, error) {
	return s.auctionRepo.ListOpenEndedBefore(ctx, now)
}

// GetAuctionState returns a viewer snapshot of one auction. If the auction is
// due it is settled first, so the returned state is never stale by more than
// this call's own latency.
func (s *Service) GetAuctionState(ctx context.Context, auctionID uuid.UUID) (*AuctionState, error) {
	auction, err := s.auctionRepo.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if auction.Status == AuctionStatusOpen && now.After(auction.EndsAt) {
		if _, settleErr := s.Settle(ctx, auctionID); settleErr != nil {
			return nil, fmt.Errorf("failed to settle due auction: %w", settleErr)
		}
		auction, err = s.auctionRepo.GetAuction(ctx, auctionID)
		if err != nil {
			return nil, err
		}
	}

	return &AuctionState{
		AuctionID:        auction.ID,
		Status:           auction.Status,
		CurrentBid:       auction.CurrentBid,
		CurrentBidderID:  auction.CurrentBidderID,
		SecondsRemaining: auction.SecondsRemaining(now),
	}, nil
}

// CreateAuction publishes a new listing. The owner's vendues_created counter
// increments in the same transaction as the insert.
func (s *Service) CreateAuction(ctx context.Context, cmd CreateAuctionCommand) (*Auction, error) {
	if cmd.BasePrice.Sign() < 0 {
		return nil, ErrInvalidBasePrice
	}
	if !cmd.EndsAt.After(time.Now()) {
		return nil, ErrInvalidDeadline
	}

	now := time.Now()
	auction := &Auction{
		ID:          uuid.New(),
		OwnerID:     cmd.OwnerID,
		Title:       cmd.Title,
		Description: cmd.Description,
		Category:    cmd.Category,
		BasePrice:   cmd.BasePrice,
		CurrentBid:  cmd.BasePrice,
		Status:      AuctionStatusOpen,
		EndsAt:      cmd.EndsAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	tx, err := s.txManager.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if createErr := s.auctionRepo.CreateAuction(ctx, tx, auction); createErr != nil {
		return nil, fmt.Errorf("failed to create auction: %w", createErr)
	}

	if incErr := s.userRepo.IncrementVenduesCreated(ctx, tx, cmd.OwnerID); incErr != nil {
		return nil, fmt.Errorf("failed to increment vendues created: %w", incErr)
	}

	if commitErr := tx.Commit(ctx); commitErr != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", commitErr)
	}

	return auction, nil
}
