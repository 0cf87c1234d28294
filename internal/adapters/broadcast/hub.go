package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/auctio/auctio/internal/domain/auctions"
)

// subscriberBuffer absorbs bursts so a briefly slow reader keeps its events.
// A reader that falls further behind loses events rather than blocking the
// bid path.
const subscriberBuffer = 16

// Hub is the in-process implementation of auctions.Broadcaster for
// single-instance deployments. Subscriptions are keyed by auction ID; events
// for one auction are delivered to its subscribers in publish order.
type Hub struct {
	mu     sync.RWMutex
	topics map[uuid.UUID]map[chan auctions.BidPlacedEvent]struct{}
	logger *slog.Logger
}

// NewHub creates a new broadcast hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		topics: make(map[uuid.UUID]map[chan auctions.BidPlacedEvent]struct{}),
		logger: logger,
	}
}

// Subscribe registers a viewer of the given auction. The returned cancel func
// detaches the subscriber and closes its channel; other subscribers are
// unaffected. Events published before Subscribe returns are not replayed.
func (h *Hub) Subscribe(auctionID uuid.UUID) (<-chan auctions.BidPlacedEvent, func()) {
	ch := make(chan auctions.BidPlacedEvent, subscriberBuffer)

	h.mu.Lock()
	subs, ok := h.topics[auctionID]
	if !ok {
		subs = make(map[chan auctions.BidPlacedEvent]struct{})
		h.topics[auctionID] = subs
	}
	subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if subs, ok := h.topics[auctionID]; ok {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(h.topics, auctionID)
				}
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers the event to every current subscriber of its auction.
// Fire-and-forget: a subscriber with a full buffer is skipped.
func (h *Hub) Publish(ctx context.Context, event auctions.BidPlacedEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.topics[event.AuctionID] {
		select {
		case ch <- event:
		default:
			h.logger.Warn("dropping bid event for slow subscriber", "auction_id", event.AuctionID)
		}
	}
}
