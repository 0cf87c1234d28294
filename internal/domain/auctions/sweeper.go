package auctions

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically finds due auctions and drives them to settlement.
// Multiple sweepers may run concurrently: settlement is idempotent, so
// whoever loses the race observes OutcomeAlreadySettled and moves on.
type Sweeper struct {
	service  SettlementService
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a new expiry sweeper.
func NewSweeper(service SettlementService, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		service:  service,
		interval: interval,
		logger:   logger,
	}
}

// Run starts the sweep loop. It sweeps once immediately, then on every tick
// until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error("sweep failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// Sweep settles every auction whose deadline has passed and returns how many
// this call actually settled. Each auction is an independent unit of work: a
// failure on one is logged and the sweep moves on, leaving that auction due
// for the next tick. Cancellation is honored between auctions, never
// mid-settlement.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	due, err := s.service.ListDueAuctions(ctx, time.Now())
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, auction := range due {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}

		result, settleErr := s.service.Settle(ctx, auction.ID)
		if settleErr != nil {
			s.logger.Error("failed to settle auction", "auction_id", auction.ID, "error", settleErr)
			continue
		}

		switch result.Outcome {
		case OutcomeSettled:
			settled++
			if result.WinnerID != nil {
				s.logger.Info("auction settled", "auction_id", auction.ID, "winner_id", *result.WinnerID)
			} else {
				s.logger.Info("auction settled without bids", "auction_id", auction.ID)
			}
		case OutcomeAlreadySettled:
			// Another sweep or a read-path trigger won the race.
		}
	}

	return settled, nil
}
