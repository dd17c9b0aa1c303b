package controllers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lfelipediniz/B3Notifier/middleware"
	"github.com/lfelipediniz/B3Notifier/models"
	"github.com/lfelipediniz/B3Notifier/services/notifier"
	"github.com/lfelipediniz/B3Notifier/services/quote"
	"github.com/lfelipediniz/B3Notifier/services/store"
	"github.com/lfelipediniz/B3Notifier/services/tunnel"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// QuoteSource fetches a snapshot for a symbol
type QuoteSource interface {
	Fetch(ctx context.Context, symbol string) (tunnel.Snapshot, error)
}

// InstrumentController handles tracked instrument requests
type InstrumentController struct {
	store        *store.GormStore
	quotes       QuoteSource
	recorder     notifier.Recorder
	log          *zap.Logger
	quoteTimeout time.Duration
	now          func() time.Time
}

// NewInstrumentController creates a new instrument controller
func NewInstrumentController(st *store.GormStore, quotes QuoteSource, rec notifier.Recorder, quoteTimeout time.Duration, log *zap.Logger) *InstrumentController {
	if quoteTimeout <= 0 {
		quoteTimeout = 15 * time.Second
	}
	return &InstrumentController{
		store:        st,
		quotes:       quotes,
		recorder:     rec,
		log:          log.Named("instruments"),
		quoteTimeout: quoteTimeout,
		now:          time.Now,
	}
}

type createInstrumentRequest struct {
	Symbol                 string           `json:"symbol" binding:"required,max=20"`
	RefreshIntervalMinutes int              `json:"refresh_interval_minutes" binding:"omitempty,min=1"`
	Synthetic              bool             `json:"synthetic"`
	Price                  *decimal.Decimal `json:"price"`
}

type updateInstrumentRequest struct {
	RefreshIntervalMinutes int `json:"refresh_interval_minutes" binding:"required,min=1"`
}

type syntheticRequest struct {
	Synthetic *bool `json:"synthetic" binding:"required"`
}

type priceRequest struct {
	Price decimal.Decimal `json:"price"`
}

// ListInstruments returns the caller's instruments
// GET /api/v1/instruments
func (ic *InstrumentController) ListInstruments(c *gin.Context) {
	owner, ok := requireOwner(c)
	if !ok {
		return
	}

	insts, err := ic.store.ListByOwner(c.Request.Context(), owner)
	if err != nil {
		ic.fail(c, "list instruments", err)
		return
	}
	if insts == nil {
		insts = []models.Instrument{}
	}
	c.JSON(http.StatusOK, gin.H{"data": insts})
}

// GetInstrument returns one of the caller's instruments
// GET /api/v1/instruments/:id
func (ic *InstrumentController) GetInstrument(c *gin.Context) {
	inst, ok := ic.owned(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": inst})
}

// CreateInstrument starts tracking a symbol and computes its first tunnel.
// Synthetic instruments take their price from the request instead of the
// quote provider.
// POST /api/v1/instruments
func (ic *InstrumentController) CreateInstrument(c *gin.Context) {
	owner, ok := requireOwner(c)
	if !ok {
		return
	}

	var req createInstrumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	symbol := normalizeSymbol(req.Symbol)
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}
	if req.RefreshIntervalMinutes == 0 {
		req.RefreshIntervalMinutes = models.DefaultRefreshIntervalMinutes
	}

	ctx := c.Request.Context()
	var (
		snap tunnel.Snapshot
		err  error
	)
	if req.Synthetic {
		if req.Price == nil || !req.Price.IsPositive() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "synthetic instruments need a positive price"})
			return
		}
		snap = flatSnapshot(*req.Price)
	} else if snap, err = ic.fetch(ctx, symbol); err != nil {
		ic.quoteFailed(c, symbol, err)
		return
	}

	res, _ := tunnel.Compute(nil, snap)
	now := ic.now()
	inst := models.Instrument{
		OwnerID:                owner,
		OwnerEmail:             middleware.EmailFromContext(c),
		Symbol:                 symbol,
		RefreshIntervalMinutes: req.RefreshIntervalMinutes,
		ReferencePrice:         decimal.NewNullDecimal(res.ReferencePrice),
		LowerLimit:             decimal.NewNullDecimal(res.BuyLimit),
		UpperLimit:             decimal.NewNullDecimal(res.SellLimit),
		LastRefreshedAt:        &now,
		Synthetic:              req.Synthetic,
	}
	if err := ic.store.Create(ctx, &inst); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			c.JSON(http.StatusConflict, gin.H{"error": "Instrument already tracked"})
			return
		}
		ic.fail(c, "create instrument", err)
		return
	}

	ic.record(ctx, &inst, models.AlertAddition)
	c.JSON(http.StatusCreated, gin.H{"data": inst, "tunnel": res})
}

// UpdateInstrument changes the refresh interval and recomputes the tunnel
// against the stored price. The interval is saved even when the price moved
// too little for a new tunnel.
// PUT /api/v1/instruments/:id
func (ic *InstrumentController) UpdateInstrument(c *gin.Context) {
	inst, ok := ic.owned(c)
	if !ok {
		return
	}

	var req updateInstrumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	var (
		res     tunnel.Result
		updated bool
	)
	if !inst.Synthetic {
		snap, err := ic.fetch(ctx, inst.Symbol)
		if err != nil {
			ic.quoteFailed(c, inst.Symbol, err)
			return
		}
		res, updated = tunnel.Compute(inst.PreviousReference(), snap)
	}

	if err := ic.store.SetInterval(ctx, inst.ID, req.RefreshIntervalMinutes); err != nil {
		ic.fail(c, "update interval", err)
		return
	}
	if updated {
		if err := ic.store.ApplyTunnel(ctx, inst.ID, res, ic.now()); err != nil {
			ic.fail(c, "apply tunnel", err)
			return
		}
	}

	inst, err := ic.store.Get(ctx, inst.ID)
	if err != nil {
		ic.fail(c, "reload instrument", err)
		return
	}
	ic.record(ctx, &inst, models.AlertEdition)

	if !updated {
		c.JSON(http.StatusOK, gin.H{"message": "Insufficient variation, tunnel kept", "data": inst})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": inst, "tunnel": res})
}

// DeleteInstrument stops tracking an instrument. Its alert history is kept.
// DELETE /api/v1/instruments/:id
func (ic *InstrumentController) DeleteInstrument(c *gin.Context) {
	owner, ok := requireOwner(c)
	if !ok {
		return
	}
	id, ok := parseID(c)
	if !ok {
		return
	}

	inst, err := ic.store.Delete(c.Request.Context(), id, owner)
	if err != nil {
		ic.fail(c, "delete instrument", err)
		return
	}
	ic.record(c.Request.Context(), &inst, models.AlertRemoval)
	c.JSON(http.StatusOK, gin.H{"message": "Instrument removed"})
}

// SetSynthetic toggles whether the instrument's price comes from the provider
// PATCH /api/v1/instruments/:id/synthetic
func (ic *InstrumentController) SetSynthetic(c *gin.Context) {
	inst, ok := ic.owned(c)
	if !ok {
		return
	}

	var req syntheticRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := ic.store.SetSynthetic(c.Request.Context(), inst.ID, *req.Synthetic); err != nil {
		ic.fail(c, "set synthetic", err)
		return
	}
	inst.Synthetic = *req.Synthetic
	c.JSON(http.StatusOK, gin.H{"data": inst})
}

// SetPrice overrides the reference price of a synthetic instrument. The
// limits are kept, so the next refresh evaluates the new price against them.
// PUT /api/v1/instruments/:id/price
func (ic *InstrumentController) SetPrice(c *gin.Context) {
	inst, ok := ic.owned(c)
	if !ok {
		return
	}
	if !inst.Synthetic {
		c.JSON(http.StatusConflict, gin.H{"error": "Only synthetic instruments accept a manual price"})
		return
	}

	var req priceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !req.Price.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "price must be positive"})
		return
	}

	ctx := c.Request.Context()
	if !inst.HasTunnel() {
		res, _ := tunnel.Compute(nil, flatSnapshot(req.Price))
		err := ic.store.ApplyTunnel(ctx, inst.ID, res, ic.now())
		if err != nil {
			ic.fail(c, "apply tunnel", err)
			return
		}
	} else if err := ic.store.SetReferencePrice(ctx, inst.ID, req.Price); err != nil {
		ic.fail(c, "set price", err)
		return
	}

	inst, err := ic.store.Get(ctx, inst.ID)
	if err != nil {
		ic.fail(c, "reload instrument", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": inst})
}

// LastRefresh returns the latest refresh time across the caller's instruments
// GET /api/v1/instruments/last-refresh
func (ic *InstrumentController) LastRefresh(c *gin.Context) {
	owner, ok := requireOwner(c)
	if !ok {
		return
	}

	ts, err := ic.store.LatestRefresh(c.Request.Context(), owner)
	if err != nil {
		ic.fail(c, "latest refresh", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"last_refreshed_at": ts})
}

// PreviewQuote runs the tunnel calculation for a symbol without tracking it
// GET /api/v1/quotes/:symbol/preview
func (ic *InstrumentController) PreviewQuote(c *gin.Context) {
	symbol := normalizeSymbol(c.Param("symbol"))
	snap, err := ic.fetch(c.Request.Context(), symbol)
	if err != nil {
		ic.quoteFailed(c, symbol, err)
		return
	}

	res, _ := tunnel.Compute(nil, snap)
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "quote": snap, "tunnel": res})
}

func (ic *InstrumentController) fetch(ctx context.Context, symbol string) (tunnel.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, ic.quoteTimeout)
	defer cancel()
	return ic.quotes.Fetch(ctx, symbol)
}

func (ic *InstrumentController) owned(c *gin.Context) (models.Instrument, bool) {
	owner, ok := requireOwner(c)
	if !ok {
		return models.Instrument{}, false
	}
	id, ok := parseID(c)
	if !ok {
		return models.Instrument{}, false
	}

	inst, err := ic.store.GetOwned(c.Request.Context(), id, owner)
	if err != nil {
		ic.fail(c, "load instrument", err)
		return models.Instrument{}, false
	}
	return inst, true
}

// record appends a lifecycle event; failures do not fail the request
func (ic *InstrumentController) record(ctx context.Context, inst *models.Instrument, kind models.AlertKind) {
	if err := ic.recorder.Record(ctx, models.NewAlertEvent(inst, kind, ic.now())); err != nil {
		ic.log.Error("record alert event failed",
			zap.String("symbol", inst.Symbol),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	}
}

func (ic *InstrumentController) quoteFailed(c *gin.Context, symbol string, err error) {
	ic.log.Warn("quote unavailable", zap.String("symbol", symbol), zap.Error(err))
	status := http.StatusBadGateway
	if !errors.Is(err, quote.ErrUnavailable) {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": "Could not fetch quote for " + symbol})
}

func (ic *InstrumentController) fail(c *gin.Context, op string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Instrument not found"})
		return
	}
	ic.log.Error(op+" failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to " + op})
}

// flatSnapshot is the quote of a synthetic instrument priced at p
func flatSnapshot(p decimal.Decimal) tunnel.Snapshot {
	return tunnel.Snapshot{LastTraded: p, BestBid: p, BestOffer: p}
}

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func requireOwner(c *gin.Context) (string, bool) {
	owner, err := middleware.OwnerFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return "", false
	}
	return owner, true
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid id"})
		return 0, false
	}
	return uint(id), true
}
