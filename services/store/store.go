// Package store persists tracked instruments and the alert history.
//
// Alert flags are only ever changed through conditional updates so that
// concurrent refreshes of the same instrument agree on a single winner.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lfelipediniz/B3Notifier/models"
	"github.com/lfelipediniz/B3Notifier/services/tunnel"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrNotFound  = errors.New("instrument not found")
	ErrDuplicate = errors.New("instrument already tracked")
)

// GormStore implements instrument persistence on top of gorm
type GormStore struct {
	db *gorm.DB
}

// New creates a store backed by db
func New(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) instruments(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Model(&models.Instrument{})
}

// ListDue returns every instrument whose refresh interval elapsed at now
func (s *GormStore) ListDue(ctx context.Context, now time.Time) ([]models.Instrument, error) {
	var all []models.Instrument
	if err := s.db.WithContext(ctx).Order("id").Find(&all).Error; err != nil {
		return nil, fmt.Errorf("list instruments: %w", err)
	}

	due := all[:0]
	for _, inst := range all {
		if inst.IsDue(now) {
			due = append(due, inst)
		}
	}
	return due, nil
}

// Get loads one instrument
func (s *GormStore) Get(ctx context.Context, id uint) (models.Instrument, error) {
	var inst models.Instrument
	err := s.db.WithContext(ctx).First(&inst, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return inst, ErrNotFound
	}
	if err != nil {
		return inst, fmt.Errorf("get instrument %d: %w", id, err)
	}
	return inst, nil
}

// GetOwned loads one instrument only if it belongs to owner
func (s *GormStore) GetOwned(ctx context.Context, id uint, owner string) (models.Instrument, error) {
	var inst models.Instrument
	err := s.db.WithContext(ctx).Where("id = ? AND owner_id = ?", id, owner).First(&inst).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return inst, ErrNotFound
	}
	if err != nil {
		return inst, fmt.Errorf("get instrument %d: %w", id, err)
	}
	return inst, nil
}

// ListByOwner returns the instruments of owner ordered by symbol
func (s *GormStore) ListByOwner(ctx context.Context, owner string) ([]models.Instrument, error) {
	var list []models.Instrument
	if err := s.db.WithContext(ctx).Where("owner_id = ?", owner).Order("symbol").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list instruments of %s: %w", owner, err)
	}
	return list, nil
}

// Create inserts inst, rejecting a symbol the owner already tracks
func (s *GormStore) Create(ctx context.Context, inst *models.Instrument) error {
	var count int64
	if err := s.instruments(ctx).
		Where("owner_id = ? AND symbol = ?", inst.OwnerID, inst.Symbol).
		Count(&count).Error; err != nil {
		return fmt.Errorf("check duplicate %s: %w", inst.Symbol, err)
	}
	if count > 0 {
		return ErrDuplicate
	}

	if err := s.db.WithContext(ctx).Create(inst).Error; err != nil {
		return fmt.Errorf("create instrument %s: %w", inst.Symbol, err)
	}
	return nil
}

// Delete removes an owned instrument and returns what was removed
func (s *GormStore) Delete(ctx context.Context, id uint, owner string) (models.Instrument, error) {
	inst, err := s.GetOwned(ctx, id, owner)
	if err != nil {
		return inst, err
	}
	if err := s.db.WithContext(ctx).Delete(&models.Instrument{}, id).Error; err != nil {
		return inst, fmt.Errorf("delete instrument %d: %w", id, err)
	}
	return inst, nil
}

// SetInterval changes the refresh cadence
func (s *GormStore) SetInterval(ctx context.Context, id uint, minutes int) error {
	return s.update(ctx, id, map[string]any{"refresh_interval_minutes": minutes})
}

// SetSynthetic toggles whether quotes are fetched for the instrument
func (s *GormStore) SetSynthetic(ctx context.Context, id uint, synthetic bool) error {
	return s.update(ctx, id, map[string]any{"synthetic": synthetic})
}

// SetReferencePrice overwrites the stored price without touching the limits.
// Used to drive synthetic instruments across their limits.
func (s *GormStore) SetReferencePrice(ctx context.Context, id uint, price decimal.Decimal) error {
	return s.update(ctx, id, map[string]any{
		"reference_price": decimal.NewNullDecimal(price),
	})
}

// ApplyTunnel stores a computed tunnel and the refresh time in one update
func (s *GormStore) ApplyTunnel(ctx context.Context, id uint, res tunnel.Result, now time.Time) error {
	return s.update(ctx, id, map[string]any{
		"reference_price":   decimal.NewNullDecimal(res.ReferencePrice),
		"lower_limit":       decimal.NewNullDecimal(res.BuyLimit),
		"upper_limit":       decimal.NewNullDecimal(res.SellLimit),
		"last_refreshed_at": now,
	})
}

// TouchLastRefreshed records a completed refresh without touching prices
func (s *GormStore) TouchLastRefreshed(ctx context.Context, id uint, now time.Time) error {
	return s.update(ctx, id, map[string]any{"last_refreshed_at": now})
}

// CompareAndSetAlertFlag sets the side's flag to next only if it currently
// holds expected. It reports whether this call performed the transition.
func (s *GormStore) CompareAndSetAlertFlag(ctx context.Context, id uint, side models.Side, expected, next bool) (bool, error) {
	col := side.FlagColumn()
	res := s.instruments(ctx).
		Where("id = ? AND "+col+" = ?", id, expected).
		Update(col, next)
	if res.Error != nil {
		return false, fmt.Errorf("set %s on instrument %d: %w", col, id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ResetAlertFlags clears both flags, closing any open breach episode.
// It reports whether a flag was actually cleared.
func (s *GormStore) ResetAlertFlags(ctx context.Context, id uint) (bool, error) {
	res := s.instruments(ctx).
		Where("id = ? AND (upper_alert_sent = ? OR lower_alert_sent = ?)", id, true, true).
		Updates(map[string]any{"upper_alert_sent": false, "lower_alert_sent": false})
	if res.Error != nil {
		return false, fmt.Errorf("reset alert flags on instrument %d: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// LatestRefresh returns the most recent refresh time across owner's
// instruments, or nil when none was refreshed yet
func (s *GormStore) LatestRefresh(ctx context.Context, owner string) (*time.Time, error) {
	var inst models.Instrument
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND last_refreshed_at IS NOT NULL", owner).
		Order("last_refreshed_at DESC").
		First(&inst).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest refresh of %s: %w", owner, err)
	}
	return inst.LastRefreshedAt, nil
}

// RecordAlert appends an entry to the alert history
func (s *GormStore) RecordAlert(ctx context.Context, ev models.AlertEvent) error {
	return s.CreateAlert(ctx, &ev)
}

// CreateAlert appends ev to the alert history and fills in its id
func (s *GormStore) CreateAlert(ctx context.Context, ev *models.AlertEvent) error {
	if err := s.db.WithContext(ctx).Create(ev).Error; err != nil {
		return fmt.Errorf("record %s alert for %s: %w", ev.Kind, ev.Symbol, err)
	}
	return nil
}

// ListAlerts returns owner's alert history, newest first
func (s *GormStore) ListAlerts(ctx context.Context, owner string) ([]models.AlertEvent, error) {
	var events []models.AlertEvent
	if err := s.db.WithContext(ctx).
		Where("owner_id = ?", owner).
		Order("timestamp DESC").Order("id DESC").
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("list alerts of %s: %w", owner, err)
	}
	return events, nil
}

func (s *GormStore) update(ctx context.Context, id uint, values map[string]any) error {
	res := s.instruments(ctx).Where("id = ?", id).Updates(values)
	if res.Error != nil {
		return fmt.Errorf("update instrument %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
