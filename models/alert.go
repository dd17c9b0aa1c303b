package models

import "time"

// AlertKind classifies an entry of the alert history
type AlertKind string

const (
	AlertBuySuggestion  AlertKind = "buy_suggestion"
	AlertSellSuggestion AlertKind = "sell_suggestion"
	AlertAddition       AlertKind = "addition"
	AlertRemoval        AlertKind = "removal"
	AlertEdition        AlertKind = "edition"
)

// Valid reports whether k is one of the known kinds
func (k AlertKind) Valid() bool {
	switch k {
	case AlertBuySuggestion, AlertSellSuggestion, AlertAddition, AlertRemoval, AlertEdition:
		return true
	}
	return false
}

// AlertEvent is an append-only history entry.
// Symbol is copied at creation so the entry stays readable after the
// instrument is deleted.
type AlertEvent struct {
	ID           uint      `gorm:"primaryKey" json:"id" bson:"-"`
	OwnerID      string    `gorm:"index;not null" json:"-" bson:"owner_id"`
	InstrumentID *uint     `gorm:"index" json:"instrument_id" bson:"instrument_id,omitempty"`
	Symbol       string    `gorm:"not null" json:"asset_name" bson:"symbol"`
	Kind         AlertKind `gorm:"not null" json:"alert_type" bson:"kind"`
	Timestamp    time.Time `gorm:"index;not null" json:"timestamp" bson:"timestamp"`
}

// NewAlertEvent builds an event for inst stamped at ts
func NewAlertEvent(inst *Instrument, kind AlertKind, ts time.Time) AlertEvent {
	id := inst.ID
	return AlertEvent{
		OwnerID:      inst.OwnerID,
		InstrumentID: &id,
		Symbol:       inst.Symbol,
		Kind:         kind,
		Timestamp:    ts,
	}
}
