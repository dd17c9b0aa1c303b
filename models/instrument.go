package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// DefaultRefreshIntervalMinutes is used when an instrument is created without a cadence
const DefaultRefreshIntervalMinutes = 5

// Instrument is a symbol tracked by one owner together with its trading tunnel
type Instrument struct {
	ID                     uint                `gorm:"primaryKey" json:"id"`
	OwnerID                string              `gorm:"uniqueIndex:idx_owner_symbol;not null" json:"-"`
	OwnerEmail             string              `json:"-"`
	Symbol                 string              `gorm:"uniqueIndex:idx_owner_symbol;not null" json:"symbol"`
	RefreshIntervalMinutes int                 `gorm:"not null" json:"refresh_interval_minutes"`
	ReferencePrice         decimal.NullDecimal `gorm:"type:decimal(20,4)" json:"reference_price"`
	LowerLimit             decimal.NullDecimal `gorm:"type:decimal(20,4)" json:"lower_limit"`
	UpperLimit             decimal.NullDecimal `gorm:"type:decimal(20,4)" json:"upper_limit"`
	LastRefreshedAt        *time.Time          `json:"last_refreshed_at"`
	UpperAlertSent         bool                `gorm:"not null;default:false" json:"upper_alert_sent"`
	LowerAlertSent         bool                `gorm:"not null;default:false" json:"lower_alert_sent"`
	Synthetic              bool                `gorm:"not null;default:false" json:"synthetic"`
	CreatedAt              time.Time           `json:"created_at"`
	UpdatedAt              time.Time           `json:"updated_at"`
}

// IsDue reports whether the refresh interval has elapsed at now.
// An instrument that was never refreshed is always due.
func (i *Instrument) IsDue(now time.Time) bool {
	if i.LastRefreshedAt == nil {
		return true
	}
	interval := time.Duration(i.RefreshIntervalMinutes) * time.Minute
	return now.Sub(*i.LastRefreshedAt) >= interval
}

// HasTunnel reports whether the reference price and both limits are set
func (i *Instrument) HasTunnel() bool {
	return i.ReferencePrice.Valid && i.LowerLimit.Valid && i.UpperLimit.Valid
}

// PreviousReference returns the stored reference price, or nil when unset
func (i *Instrument) PreviousReference() *decimal.Decimal {
	if !i.ReferencePrice.Valid {
		return nil
	}
	p := i.ReferencePrice.Decimal
	return &p
}

// Side identifies which limit of the tunnel was crossed
type Side string

const (
	SideUpper Side = "upper"
	SideLower Side = "lower"
)

// FlagColumn is the column holding the alert flag of the side
func (s Side) FlagColumn() string {
	if s == SideUpper {
		return "upper_alert_sent"
	}
	return "lower_alert_sent"
}

// AlertKind is the suggestion recorded when the side is breached.
// Crossing the upper limit suggests selling, crossing the lower one buying.
func (s Side) AlertKind() AlertKind {
	if s == SideUpper {
		return AlertSellSuggestion
	}
	return AlertBuySuggestion
}

// MigrateInstrumentModels runs database migrations for the tunnel tracker
func MigrateInstrumentModels(db *gorm.DB) error {
	return db.AutoMigrate(
		&Instrument{},
		&AlertEvent{},
	)
}
