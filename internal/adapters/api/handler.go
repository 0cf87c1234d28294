package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/auctio/auctio/internal/domain/auctions"
	"github.com/auctio/auctio/pkg/auth"
)

// AuctionService is the slice of the domain service the HTTP layer drives.
type AuctionService interface {
	PlaceBid(ctx context.Context, cmd auctions.PlaceBidCommand) (*auctions.Bid, error)
	GetAuctionState(ctx context.Context, auctionID uuid.UUID) (*auctions.AuctionState, error)
	CreateAuction(ctx context.Context, cmd auctions.CreateAuctionCommand) (*auctions.Auction, error)
}

// SweepTrigger runs one on-demand sweep over all due auctions.
type SweepTrigger interface {
	Sweep(ctx context.Context) (int, error)
}

// Handler exposes the auction engine over HTTP.
type Handler struct {
	service          AuctionService
	sweeper          SweepTrigger
	broadcaster      auctions.Broadcaster
	auctionRepo      auctions.AuctionRepository
	bidRepo          auctions.BidRepository
	notificationRepo auctions.NotificationRepository
	userRepo         auctions.UserRepository
}

// NewHandler creates a new API handler.
func NewHandler(
	service AuctionService,
	sweeper SweepTrigger,
	broadcaster auctions.Broadcaster,
	auctionRepo auctions.AuctionRepository,
	bidRepo auctions.BidRepository,
	notificationRepo auctions.NotificationRepository,
	userRepo auctions.UserRepository,
) *Handler {
	return &Handler{
		service:          service,
		sweeper:          sweeper,
		broadcaster:      broadcaster,
		auctionRepo:      auctionRepo,
		bidRepo:          bidRepo,
		notificationRepo: notificationRepo,
		userRepo:         userRepo,
	}
}

// RegisterRoutes mounts the API on the router. Routes that act on behalf of a
// user require a bearer token.
func (h *Handler) RegisterRoutes(router *gin.Engine, signer *auth.Signer) {
	v1 := router.Group("/v1")

	v1.GET("/auctions", h.ListAuctions)
	v1.GET("/auctions/:id", h.GetAuctionState)
	v1.GET("/auctions/:id/bids", h.ListAuctionBids)
	v1.GET("/auctions/:id/live", h.StreamAuction)
	v1.POST("/sweep", h.TriggerSweep)

	authed := v1.Group("", auth.Middleware(signer))
	authed.POST("/auctions", h.CreateAuction)
	authed.POST("/auctions/:id/bids", h.PlaceBid)
	authed.GET("/notifications", h.ListNotifications)
	authed.POST("/notifications/:id/read", h.MarkNotificationRead)
	authed.GET("/me/bids", h.ListMyBids)
	authed.GET("/me/stats", h.GetMyStats)
}

type placeBidRequest struct {
	Amount string `json:"amount" binding:"required"`
}

type rejectionResponse struct {
	Reason  auctions.RejectReason `json:"reason"`
	Message string                `json:"message"`
}

// PlaceBid submits a bid on behalf of the authenticated user.
func (h *Handler) PlaceBid(c *gin.Context) {
	bidderID, ok := auth.UserID(c)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "missing user identity"})
		return
	}

	auctionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid auction id"})
		return
	}

	var req placeBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, rejectionResponse{
			Reason:  auctions.ReasonInvalidAmount,
			Message: "please enter a bid amount",
		})
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, rejectionResponse{
			Reason:  auctions.ReasonInvalidAmount,
			Message: "invalid bid amount",
		})
		return
	}

	bid, err := h.service.PlaceBid(c.Request.Context(), auctions.PlaceBidCommand{
		AuctionID: auctionID,
		BidderID:  bidderID,
		Amount:    amount,
	})
	if err != nil {
		h.writeBidError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"bid": bid})
}

func (h *Handler) writeBidError(c *gin.Context, err error) {
	if reason, ok := auctions.ReasonForError(err); ok {
		status := http.StatusConflict
		switch reason {
		case auctions.ReasonOwnerCannotBid:
			status = http.StatusForbidden
		case auctions.ReasonInvalidAmount:
			status = http.StatusBadRequest
		}
		c.JSON(status, rejectionResponse{Reason: reason, Message: err.Error()})
		return
	}
	if errors.Is(err, auctions.ErrAuctionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": "could not place bid, please try again"})
}

// GetAuctionState returns a viewer snapshot, settling the auction first if
// its deadline has passed.
func (h *Handler) GetAuctionState(c *gin.Context) {
	auctionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid auction id"})
		return
	}

	state, err := h.service.GetAuctionState(c.Request.Context(), auctionID)
	if err != nil {
		if errors.Is(err, auctions.ErrAuctionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load auction, please try again"})
		return
	}

	c.JSON(http.StatusOK, state)
}

// StreamAuction delivers BidPlaced events for one auction as an SSE stream
// until the client disconnects.
func (h *Handler) StreamAuction(c *gin.Context) {
	auctionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid auction id"})
		return
	}

	events, cancel := h.broadcaster.Subscribe(auctionID)
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent("bid", event)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// TriggerSweep runs one sweep over all due auctions.
func (h *Handler) TriggerSweep(c *gin.Context) {
	settled, err := h.sweeper.Sweep(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sweep failed, please try again"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"settled": settled})
}

type createAuctionRequest struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
	Category    string `json:"category"`
	BasePrice   string `json:"base_price" binding:"required"`
	EndsAt      string `json:"ends_at" binding:"required"`
}

// CreateAuction publishes a new listing owned by the authenticated user.
func (h *Handler) CreateAuction(c *gin.Context) {
	ownerID, ok := auth.UserID(c)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "missing user identity"})
		return
	}

	var req createAuctionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	basePrice, err := decimal.NewFromString(req.BasePrice)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid base price"})
		return
	}

	endsAt, err := parseRFC3339(req.EndsAt)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ends_at format"})
		return
	}

	category := req.Category
	if category == "" {
		category = "Other"
	}

	auction, err := h.service.CreateAuction(c.Request.Context(), auctions.CreateAuctionCommand{
		OwnerID:     ownerID,
		Title:       req.Title,
		Description: req.Description,
		Category:    category,
		BasePrice:   basePrice,
		EndsAt:      endsAt,
	})
	if err != nil {
		if errors.Is(err, auctions.ErrInvalidBasePrice) || errors.Is(err, auctions.ErrInvalidDeadline) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create auction, please try again"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"auction": auction})
}

func parseRFC3339(raw string) (time.Time, error) {
	return time.Parse(time.RFC3339, raw)
}

// ListAuctions returns open listings, sweeping due auctions first so closed
// ones never show up as open.
func (h *Handler) ListAuctions(c *gin.Context) {
	if _, err := h.sweeper.Sweep(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load auctions, please try again"})
		return
	}

	filter := auctions.ListAuctionsFilter{
		Category: c.Query("category"),
	}
	if raw := c.Query("price_min"); raw != "" {
		min, err := decimal.NewFromString(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid price_min"})
			return
		}
		filter.PriceMin = &min
	}
	if raw := c.Query("price_max"); raw != "" {
		max, err := decimal.NewFromString(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid price_max"})
			return
		}
		filter.PriceMax = &max
	}

	list, err := h.auctionRepo.ListOpenAuctions(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load auctions, please try again"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"auctions": list})
}

// ListAuctionBids returns the bid history of one auction.
func (h *Handler) ListAuctionBids(c *gin.Context) {
	auctionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid auction id"})
		return
	}

	bids, err := h.bidRepo.ListBidsByAuction(c.Request.Context(), auctionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load bids, please try again"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"bids": bids})
}

// ListNotifications returns the authenticated user's notifications.
func (h *Handler) ListNotifications(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "missing user identity"})
		return
	}

	notifications, err := h.notificationRepo.ListByUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load notifications, please try again"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"notifications": notifications})
}

// MarkNotificationRead flips the read flag on one of the user's notifications.
func (h *Handler) MarkNotificationRead(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "missing user identity"})
		return
	}

	notificationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid notification id"})
		return
	}

	if err := h.notificationRepo.MarkRead(c.Request.Context(), notificationID, userID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
		return
	}

	c.Status(http.StatusNoContent)
}

// ListMyBids returns the bids placed by the authenticated user.
func (h *Handler) ListMyBids(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "missing user identity"})
		return
	}

	bids, err := h.bidRepo.ListBidsByBidder(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load bids, please try again"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"bids": bids})
}

// GetMyStats returns the authenticated user's activity counters.
func (h *Handler) GetMyStats(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "missing user identity"})
		return
	}

	stats, err := h.userRepo.GetUserStats(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load stats, please try again"})
		return
	}

	c.JSON(http.StatusOK, stats)
}
