package controllers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lfelipediniz/B3Notifier/models"
	"github.com/lfelipediniz/B3Notifier/services/notifier"
	"github.com/lfelipediniz/B3Notifier/services/store"
	"go.uber.org/zap"
)

// AlertController handles the alert history and the live alert stream
type AlertController struct {
	store  *store.GormStore
	mirror notifier.Recorder
	hub    *notifier.Hub
	loc    *time.Location
	log    *zap.Logger
}

// NewAlertController creates a new alert controller. Manually created events
// are also sent to mirror; dates and times are read and shown in loc.
func NewAlertController(st *store.GormStore, mirror notifier.Recorder, hub *notifier.Hub, loc *time.Location, log *zap.Logger) *AlertController {
	if loc == nil {
		loc = time.UTC
	}
	if mirror == nil {
		mirror = notifier.MultiRecorder{}
	}
	return &AlertController{store: st, mirror: mirror, hub: hub, loc: loc, log: log.Named("alerts")}
}

type createAlertRequest struct {
	AssetName string           `json:"asset_name" binding:"required,max=20"`
	AlertType models.AlertKind `json:"alert_type" binding:"required"`
	AlertDate string           `json:"alert_date" binding:"required"`
	AlertTime string           `json:"alert_time" binding:"required"`
}

type alertResponse struct {
	ID           uint             `json:"id"`
	InstrumentID *uint            `json:"instrument_id"`
	AssetName    string           `json:"asset_name"`
	AlertType    models.AlertKind `json:"alert_type"`
	AlertDate    string           `json:"alert_date"`
	AlertTime    string           `json:"alert_time"`
	Timestamp    time.Time        `json:"timestamp"`
}

func (ac *AlertController) response(ev models.AlertEvent) alertResponse {
	local := ev.Timestamp.In(ac.loc)
	return alertResponse{
		ID:           ev.ID,
		InstrumentID: ev.InstrumentID,
		AssetName:    ev.Symbol,
		AlertType:    ev.Kind,
		AlertDate:    local.Format(time.DateOnly),
		AlertTime:    local.Format("15:04"),
		Timestamp:    ev.Timestamp,
	}
}

// ListAlerts returns the caller's alert history, newest first
// GET /api/v1/alerts
func (ac *AlertController) ListAlerts(c *gin.Context) {
	owner, ok := requireOwner(c)
	if !ok {
		return
	}

	events, err := ac.store.ListAlerts(c.Request.Context(), owner)
	if err != nil {
		ac.log.Error("list alerts failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch alerts"})
		return
	}

	data := make([]alertResponse, 0, len(events))
	for _, ev := range events {
		data = append(data, ac.response(ev))
	}
	c.JSON(http.StatusOK, gin.H{"data": data})
}

// CreateAlert records an alert event supplied by the client
// POST /api/v1/alerts
func (ac *AlertController) CreateAlert(c *gin.Context) {
	owner, ok := requireOwner(c)
	if !ok {
		return
	}

	var req createAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !req.AlertType.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown alert_type " + string(req.AlertType)})
		return
	}
	ts, err := ac.parseTimestamp(req.AlertDate, req.AlertTime)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	ev := models.AlertEvent{
		OwnerID:   owner,
		Symbol:    normalizeSymbol(req.AssetName),
		Kind:      req.AlertType,
		Timestamp: ts,
	}

	// link the event to the instrument when the owner tracks the symbol
	insts, err := ac.store.ListByOwner(ctx, owner)
	if err != nil {
		ac.log.Error("list instruments failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create alert"})
		return
	}
	for _, inst := range insts {
		if inst.Symbol == ev.Symbol {
			id := inst.ID
			ev.InstrumentID = &id
			break
		}
	}

	if err := ac.store.CreateAlert(ctx, &ev); err != nil {
		ac.log.Error("create alert failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create alert"})
		return
	}
	if err := ac.mirror.Record(ctx, ev); err != nil {
		ac.log.Warn("mirror alert failed", zap.Uint("alert_id", ev.ID), zap.Error(err))
	}

	c.JSON(http.StatusCreated, gin.H{"data": ac.response(ev)})
}

// StreamAlerts upgrades to a websocket that receives the caller's breaches
// GET /api/v1/ws/alerts
func (ac *AlertController) StreamAlerts(c *gin.Context) {
	owner, ok := requireOwner(c)
	if !ok {
		return
	}
	ac.hub.ServeOwner(c.Writer, c.Request, owner)
}

func (ac *AlertController) parseTimestamp(date, clock string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02 15:04"} {
		if ts, err := time.ParseInLocation(layout, date+" "+clock, ac.loc); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, errors.New("alert_date must be YYYY-MM-DD and alert_time HH:MM[:SS]")
}
