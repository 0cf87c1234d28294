//go:build integration

package auctions_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auctio/auctio/internal/adapters/broadcast"
	adapterdb "github.com/auctio/auctio/internal/adapters/database"
	"github.com/auctio/auctio/internal/domain/auctions"
	"github.com/auctio/auctio/pkg/database"
	"github.com/auctio/auctio/pkg/testhelpers"
)

type testEnv struct {
	db      *testhelpers.TestDatabase
	pool    *pgxpool.Pool
	service *auctions.Service
	hub     *broadcast.Hub
	users   *adapterdb.PostgresUserRepository
	notes   *adapterdb.PostgresNotificationRepository
	bids    *adapterdb.PostgresBidRepository
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := testhelpers.NewTestDatabase(t, "../../../migrations")
	t.Cleanup(db.Close)

	logger := slog.New(slog.DiscardHandler)
	hub := broadcast.NewHub(logger)

	txManager := database.NewPostgresTransactionManager(db.Pool, 3*time.Second)
	auctionRepo := adapterdb.NewPostgresAuctionRepository(db.Pool)
	bidRepo := adapterdb.NewPostgresBidRepository(db.Pool)
	notificationRepo := adapterdb.NewPostgresNotificationRepository(db.Pool)
	userRepo := adapterdb.NewPostgresUserRepository(db.Pool)
	outboxRepo := adapterdb.NewPostgresOutboxRepository(db.Pool)

	service := auctions.NewService(
		txManager,
		auctionRepo,
		bidRepo,
		notificationRepo,
		userRepo,
		outboxRepo,
		hub,
		logger,
	)

	return &testEnv{
		db:      db,
		pool:    db.Pool,
		service: service,
		hub:     hub,
		users:   userRepo,
		notes:   notificationRepo,
		bids:    bidRepo,
	}
}

// seedAuction inserts an open auction owned by ownerID with current_bid at
// the base price, the state a fresh listing starts in.
func (env *testEnv) seedAuction(t *testing.T, ownerID uuid.UUID, basePrice string, endsAt time.Time) uuid.UUID {
	t.Helper()

	auctionID := uuid.New()
	price := decimal.RequireFromString(basePrice)
	_, err := env.pool.Exec(context.Background(), `
		INSERT INTO auctions (id, owner_id, title, description, category, base_price, current_bid, status, ends_at, created_at, updated_at)
		VALUES ($1, $2, 'Vintage Lamp', 'A lamp', 'Other', $3, $3, 'open', $4, NOW(), NOW())
	`, auctionID, ownerID, price, endsAt)
	require.NoError(t, err)
	return auctionID
}

func (env *testEnv) countOutboxEvents(t *testing.T, eventType string) int {
	t.Helper()

	var count int
	err := env.pool.QueryRow(context.Background(),
		"SELECT COUNT(*) FROM outbox_events WHERE event_type = $1", eventType).Scan(&count)
	require.NoError(t, err)
	return count
}

func placeBid(env *testEnv, auctionID, bidderID uuid.UUID, amount string) (*auctions.Bid, error) {
	return env.service.PlaceBid(context.Background(), auctions.PlaceBidCommand{
		AuctionID: auctionID,
		BidderID:  bidderID,
		Amount:    decimal.RequireFromString(amount),
	})
}

func TestPlaceBid_Accepted(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	owner := env.db.SeedUser(t, "owner")
	bidder := env.db.SeedUser(t, "bidder")
	auctionID := env.seedAuction(t, owner, "100.00", time.Now().Add(time.Hour))

	bid, err := placeBid(env, auctionID, bidder, "150.00")
	require.NoError(t, err)
	require.NotNil(t, bid)
	assert.True(t, bid.Amount.Equal(decimal.RequireFromString("150.00")))

	// Cached highest bid reflects the accepted bid.
	state, err := env.service.GetAuctionState(ctx, auctionID)
	require.NoError(t, err)
	assert.True(t, state.CurrentBid.Equal(decimal.RequireFromString("150.00")))
	require.NotNil(t, state.CurrentBidderID)
	assert.Equal(t, bidder, *state.CurrentBidderID)

	// Counter incremented exactly once, in the same commit.
	stats, err := env.users.GetUserStats(ctx, bidder)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TendersPlaced)

	// Outbox event written atomically with the bid.
	assert.Equal(t, 1, env.countOutboxEvents(t, "bid.placed"))

	// Owner alerted.
	notes, err := env.notes.ListByUser(ctx, owner)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0].Message, "A bid of 150.00")
}

func TestPlaceBid_Rejections(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	owner := env.db.SeedUser(t, "owner")
	bidder := env.db.SeedUser(t, "bidder")
	auctionID := env.seedAuction(t, owner, "100.00", time.Now().Add(time.Hour))

	t.Run("bid at base price is too low", func(t *testing.T) {
		_, err := placeBid(env, auctionID, bidder, "100.00")
		assert.ErrorIs(t, err, auctions.ErrBidTooLow)
	})

	t.Run("owner cannot bid", func(t *testing.T) {
		_, err := placeBid(env, auctionID, owner, "500.00")
		assert.ErrorIs(t, err, auctions.ErrOwnerCannotBid)
	})

	t.Run("unknown auction", func(t *testing.T) {
		_, err := placeBid(env, uuid.New(), bidder, "150.00")
		assert.ErrorIs(t, err, auctions.ErrAuctionNotFound)
	})

	t.Run("bid after deadline", func(t *testing.T) {
		expired := env.seedAuction(t, owner, "100.00", time.Now().Add(-time.Minute))
		_, err := placeBid(env, expired, bidder, "150.00")
		assert.ErrorIs(t, err, auctions.ErrAuctionClosed)
	})

	t.Run("rejected bids leave no trace", func(t *testing.T) {
		stats, err := env.users.GetUserStats(ctx, bidder)
		require.NoError(t, err)
		assert.Equal(t, int64(0), stats.TendersPlaced)
		assert.Equal(t, 0, env.countOutboxEvents(t, "bid.placed"))
	})
}

func TestPlaceBid_OutbidNotification(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	owner := env.db.SeedUser(t, "owner")
	first := env.db.SeedUser(t, "first")
	second := env.db.SeedUser(t, "second")
	auctionID := env.seedAuction(t, owner, "100.00", time.Now().Add(time.Hour))

	_, err := placeBid(env, auctionID, first, "110.00")
	require.NoError(t, err)
	_, err = placeBid(env, auctionID, second, "120.00")
	require.NoError(t, err)

	notes, err := env.notes.ListByUser(ctx, first)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0].Message, "You have been outbid")
	assert.Contains(t, notes[0].Message, "120.00")
}

func TestPlaceBid_ConcurrentSameAmount(t *testing.T) {
	env := setupTestEnv(t)

	owner := env.db.SeedUser(t, "owner")
	auctionID := env.seedAuction(t, owner, "100.00", time.Now().Add(time.Hour))

	const bidders = 10
	bidderIDs := make([]uuid.UUID, bidders)
	for i := range bidderIDs {
		bidderIDs[i] = env.db.SeedUser(t, "bidder-"+uuid.NewString()[:8])
	}

	var wg sync.WaitGroup
	errs := make([]error, bidders)
	for i := 0; i < bidders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = placeBid(env, auctionID, bidderIDs[i], "150.00")
		}(i)
	}
	wg.Wait()

	accepted, tooLow := 0, 0
	for _, err := range errs {
		if err == nil {
			accepted++
			continue
		}
		require.ErrorIs(t, err, auctions.ErrBidTooLow)
		tooLow++
	}

	// Exactly one bid at a given amount can win the row lock race.
	assert.Equal(t, 1, accepted)
	assert.Equal(t, bidders-1, tooLow)

	bids, err := env.bids.ListBidsByAuction(context.Background(), auctionID)
	require.NoError(t, err)
	assert.Len(t, bids, 1)
}

func TestPlaceBid_ConcurrentMonotonicity(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	owner := env.db.SeedUser(t, "owner")
	auctionID := env.seedAuction(t, owner, "100.00", time.Now().Add(time.Hour))

	amounts := []string{"110.00", "120.00", "130.00", "140.00", "150.00"}
	var wg sync.WaitGroup
	for _, amount := range amounts {
		bidder := env.db.SeedUser(t, "bidder-"+uuid.NewString()[:8])
		wg.Add(1)
		go func(bidder uuid.UUID, amount string) {
			defer wg.Done()
			// Rejections are expected for interleavings where a higher bid
			// landed first; only acceptance order matters here.
			_, _ = placeBid(env, auctionID, bidder, amount)
		}(bidder, amount)
	}
	wg.Wait()

	// Accepted amounts must be strictly increasing in acceptance order, so
	// the cached current bid equals the maximum accepted bid.
	bids, err := env.bids.ListBidsByAuction(ctx, auctionID)
	require.NoError(t, err)
	require.NotEmpty(t, bids)

	// ListBidsByAuction returns newest first.
	for i := 0; i+1 < len(bids); i++ {
		assert.True(t, bids[i].Amount.GreaterThan(bids[i+1].Amount),
			"accepted bids must be strictly increasing")
	}

	state, err := env.service.GetAuctionState(ctx, auctionID)
	require.NoError(t, err)
	assert.True(t, state.CurrentBid.Equal(bids[0].Amount))
}

func TestSettle_WithBids(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	owner := env.db.SeedUser(t, "owner")
	winner := env.db.SeedUser(t, "winner")
	loser := env.db.SeedUser(t, "loser")
	auctionID := env.seedAuction(t, owner, "100.00", time.Now().Add(time.Hour))

	_, err := placeBid(env, auctionID, loser, "110.00")
	require.NoError(t, err)
	_, err = placeBid(env, auctionID, winner, "120.00")
	require.NoError(t, err)

	result, err := env.service.Settle(ctx, auctionID)
	require.NoError(t, err)
	assert.Equal(t, auctions.OutcomeSettled, result.Outcome)
	require.NotNil(t, result.WinnerID)
	assert.Equal(t, winner, *result.WinnerID)
	require.NotNil(t, result.WinningAmount)
	assert.True(t, result.WinningAmount.Equal(decimal.RequireFromString("120.00")))

	// Terminal state is visible to readers.
	state, err := env.service.GetAuctionState(ctx, auctionID)
	require.NoError(t, err)
	assert.Equal(t, auctions.AuctionStatusSettled, state.Status)

	// Winner counter incremented with the settlement.
	stats, err := env.users.GetUserStats(ctx, winner)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.AuctionsWon)

	// Win and lose notifications persisted.
	winnerNotes, err := env.notes.ListByUser(ctx, winner)
	require.NoError(t, err)
	require.NotEmpty(t, winnerNotes)
	assert.Contains(t, winnerNotes[0].Message, "You won the auction 'Vintage Lamp' with a bid of 120.00!")

	loserNotes, err := env.notes.ListByUser(ctx, loser)
	require.NoError(t, err)
	var lost bool
	for _, n := range loserNotes {
		if n.Message == "You lost the auction 'Vintage Lamp'." {
			lost = true
		}
	}
	assert.True(t, lost, "loser should be notified")

	assert.Equal(t, 1, env.countOutboxEvents(t, "auction.settled"))
}

func TestSettle_Idempotent(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	owner := env.db.SeedUser(t, "owner")
	winner := env.db.SeedUser(t, "winner")
	auctionID := env.seedAuction(t, owner, "100.00", time.Now().Add(time.Hour))

	_, err := placeBid(env, auctionID, winner, "150.00")
	require.NoError(t, err)

	first, err := env.service.Settle(ctx, auctionID)
	require.NoError(t, err)
	assert.Equal(t, auctions.OutcomeSettled, first.Outcome)

	second, err := env.service.Settle(ctx, auctionID)
	require.NoError(t, err)
	assert.Equal(t, auctions.OutcomeAlreadySettled, second.Outcome)
	assert.Nil(t, second.WinnerID)

	// The no-op settle must not double anything.
	stats, err := env.users.GetUserStats(ctx, winner)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.AuctionsWon)

	winnerNotes, err := env.notes.ListByUser(ctx, winner)
	require.NoError(t, err)
	assert.Len(t, winnerNotes, 1)

	assert.Equal(t, 1, env.countOutboxEvents(t, "auction.settled"))
}

func TestSettle_NoBids(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	owner := env.db.SeedUser(t, "owner")
	auctionID := env.seedAuction(t, owner, "100.00", time.Now().Add(time.Hour))

	result, err := env.service.Settle(ctx, auctionID)
	require.NoError(t, err)
	assert.Equal(t, auctions.OutcomeSettled, result.Outcome)
	assert.Nil(t, result.WinnerID)
	assert.Nil(t, result.WinningAmount)

	// No winner, no notifications, but the settled event still fires.
	assert.Equal(t, 1, env.countOutboxEvents(t, "auction.settled"))
}

func TestSettle_ConcurrentSweeps(t *testing.T) {
	env := setupTestEnv(t)

	owner := env.db.SeedUser(t, "owner")
	winner := env.db.SeedUser(t, "winner")
	auctionID := env.seedAuction(t, owner, "100.00", time.Now().Add(time.Hour))

	_, err := placeBid(env, auctionID, winner, "150.00")
	require.NoError(t, err)

	const racers = 5
	var wg sync.WaitGroup
	outcomes := make([]auctions.SettleOutcome, racers)
	settleErrs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, settleErr := env.service.Settle(context.Background(), auctionID)
			if settleErr != nil {
				settleErrs[i] = settleErr
				return
			}
			outcomes[i] = result.Outcome
		}(i)
	}
	wg.Wait()

	settled := 0
	for i, outcome := range outcomes {
		require.NoError(t, settleErrs[i])
		if outcome == auctions.OutcomeSettled {
			settled++
		}
	}
	assert.Equal(t, 1, settled, "exactly one settle call performs the transition")

	stats, err := env.users.GetUserStats(context.Background(), winner)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.AuctionsWon)
}

func TestSweeper_SettlesDueAuctions(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	owner := env.db.SeedUser(t, "owner")
	bidder := env.db.SeedUser(t, "bidder")

	dueOne := env.seedAuction(t, owner, "100.00", time.Now().Add(time.Hour))
	_, err := placeBid(env, dueOne, bidder, "150.00")
	require.NoError(t, err)

	dueTwo := env.seedAuction(t, owner, "50.00", time.Now().Add(time.Hour))
	notDue := env.seedAuction(t, owner, "10.00", time.Now().Add(time.Hour))

	// Force the two deadlines into the past after bidding.
	_, err = env.pool.Exec(ctx, "UPDATE auctions SET ends_at = NOW() - INTERVAL '1 minute' WHERE id = ANY($1::uuid[])",
		[]string{dueOne.String(), dueTwo.String()})
	require.NoError(t, err)

	sweeper := auctions.NewSweeper(env.service, time.Minute, slog.New(slog.DiscardHandler))

	settled, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, settled)

	// A second sweep finds nothing left to do.
	settled, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, settled)

	state, err := env.service.GetAuctionState(ctx, notDue)
	require.NoError(t, err)
	assert.Equal(t, auctions.AuctionStatusOpen, state.Status)
}

func TestGetAuctionState_SettlesDueAuction(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	owner := env.db.SeedUser(t, "owner")
	bidder := env.db.SeedUser(t, "bidder")
	auctionID := env.seedAuction(t, owner, "100.00", time.Now().Add(time.Hour))

	_, err := placeBid(env, auctionID, bidder, "150.00")
	require.NoError(t, err)

	_, err = env.pool.Exec(ctx, "UPDATE auctions SET ends_at = NOW() - INTERVAL '1 minute' WHERE id = $1", auctionID)
	require.NoError(t, err)

	// Reading a due auction settles it first.
	state, err := env.service.GetAuctionState(ctx, auctionID)
	require.NoError(t, err)
	assert.Equal(t, auctions.AuctionStatusSettled, state.Status)
	assert.Equal(t, int64(0), state.SecondsRemaining)

	stats, err := env.users.GetUserStats(ctx, bidder)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.AuctionsWon)
}

func TestCreateAuction(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	owner := env.db.SeedUser(t, "owner")

	auction, err := env.service.CreateAuction(ctx, auctions.CreateAuctionCommand{
		OwnerID:   owner,
		Title:     "Old Clock",
		Category:  "Antiques",
		BasePrice: decimal.RequireFromString("30.00"),
		EndsAt:    time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, auctions.AuctionStatusOpen, auction.Status)
	assert.True(t, auction.CurrentBid.Equal(auction.BasePrice))

	stats, err := env.users.GetUserStats(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.VenduesCreated)

	t.Run("rejects past deadline", func(t *testing.T) {
		_, err := env.service.CreateAuction(ctx, auctions.CreateAuctionCommand{
			OwnerID:   owner,
			Title:     "Old Clock",
			BasePrice: decimal.RequireFromString("30.00"),
			EndsAt:    time.Now().Add(-time.Hour),
		})
		assert.ErrorIs(t, err, auctions.ErrInvalidDeadline)
	})

	t.Run("rejects negative base price", func(t *testing.T) {
		_, err := env.service.CreateAuction(ctx, auctions.CreateAuctionCommand{
			OwnerID:   owner,
			Title:     "Old Clock",
			BasePrice: decimal.RequireFromString("-1.00"),
			EndsAt:    time.Now().Add(time.Hour),
		})
		assert.ErrorIs(t, err, auctions.ErrInvalidBasePrice)
	})
}

func TestPlaceBid_LiveBroadcast(t *testing.T) {
	env := setupTestEnv(t)

	owner := env.db.SeedUser(t, "owner")
	bidder := env.db.SeedUser(t, "bidder")
	auctionID := env.seedAuction(t, owner, "100.00", time.Now().Add(time.Hour))

	events, cancel := env.hub.Subscribe(auctionID)
	defer cancel()

	bid, err := placeBid(env, auctionID, bidder, "150.00")
	require.NoError(t, err)

	select {
	case event := <-events:
		assert.Equal(t, bid.ID, event.BidID)
		assert.Equal(t, bidder, event.BidderID)
		assert.True(t, event.Amount.Equal(decimal.RequireFromString("150.00")))
	case <-time.After(time.Second):
		t.Fatal("accepted bid was not broadcast")
	}
}
