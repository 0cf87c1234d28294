package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/auctio/auctio/internal/domain/auctions"
)

// RedisBroadcaster implements auctions.Broadcaster on Redis pub/sub, so a
// bid accepted on one instance reaches viewers connected to another. Same
// semantics as the in-process Hub: delivery to currently connected
// subscribers only, no replay.
type RedisBroadcaster struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisBroadcaster creates a Redis-backed broadcaster.
func NewRedisBroadcaster(client *redis.Client, logger *slog.Logger) *RedisBroadcaster {
	return &RedisBroadcaster{
		client: client,
		logger: logger,
	}
}

func channelFor(auctionID uuid.UUID) string {
	return "auction.bids." + auctionID.String()
}

// Publish sends the event to the auction's channel. Fire-and-forget: publish
// failures are logged, never surfaced to the bid path.
func (b *RedisBroadcaster) Publish(ctx context.Context, event auctions.BidPlacedEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("failed to marshal bid event", "auction_id", event.AuctionID, "error", err)
		return
	}
	if err := b.client.Publish(ctx, channelFor(event.AuctionID), payload).Err(); err != nil {
		b.logger.Error("failed to publish bid event", "auction_id", event.AuctionID, "error", err)
	}
}

// Subscribe opens a Redis subscription for the auction's channel and pumps
// decoded events into the returned channel until cancelled.
func (b *RedisBroadcaster) Subscribe(auctionID uuid.UUID) (<-chan auctions.BidPlacedEvent, func()) {
	pubsub := b.client.Subscribe(context.Background(), channelFor(auctionID))
	out := make(chan auctions.BidPlacedEvent, subscriberBuffer)

	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var event auctions.BidPlacedEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.logger.Error("failed to unmarshal bid event", "auction_id", auctionID, "error", err)
				continue
			}
			select {
			case out <- event:
			default:
				b.logger.Warn("dropping bid event for slow subscriber", "auction_id", auctionID)
			}
		}
	}()

	cancel := func() {
		// Closing the subscription ends the pump goroutine, which closes out.
		if err := pubsub.Close(); err != nil {
			b.logger.Error("failed to close subscription", "auction_id", auctionID, "error", err)
		}
	}
	return out, cancel
}
