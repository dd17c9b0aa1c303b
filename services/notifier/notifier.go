// Package notifier delivers breach notifications and records alert history.
package notifier

import (
	"context"
	"errors"
	"fmt"

	"github.com/lfelipediniz/B3Notifier/models"
	"go.uber.org/zap"
)

// ErrDelivery marks a notification that could not be delivered
var ErrDelivery = errors.New("notification delivery failed")

// Notifier sends a breach notification for one side of an instrument's tunnel
type Notifier interface {
	Notify(ctx context.Context, inst models.Instrument, side models.Side) error
}

// Recorder appends an alert event to some history
type Recorder interface {
	Record(ctx context.Context, ev models.AlertEvent) error
}

// RecorderFunc adapts a function to Recorder
type RecorderFunc func(ctx context.Context, ev models.AlertEvent) error

func (f RecorderFunc) Record(ctx context.Context, ev models.AlertEvent) error {
	return f(ctx, ev)
}

// Multi delivers to every notifier and joins their errors
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, inst models.Instrument, side models.Side) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, inst, side); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MultiRecorder records to every recorder and joins their errors
type MultiRecorder []Recorder

func (m MultiRecorder) Record(ctx context.Context, ev models.AlertEvent) error {
	var errs []error
	for _, r := range m {
		if err := r.Record(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier only logs breaches. It stands in when no mail provider is set up.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log.Named("notifier")}
}

func (n *LogNotifier) Notify(_ context.Context, inst models.Instrument, side models.Side) error {
	n.log.Info("tunnel breached",
		zap.Uint("instrument_id", inst.ID),
		zap.String("symbol", inst.Symbol),
		zap.String("side", string(side)),
		zap.String("reference_price", inst.ReferencePrice.Decimal.String()),
	)
	return nil
}

// Breach is the payload describing a crossed limit
type Breach struct {
	InstrumentID   uint             `json:"instrument_id"`
	Symbol         string           `json:"symbol"`
	Side           models.Side      `json:"side"`
	Suggestion     models.AlertKind `json:"suggestion"`
	ReferencePrice string           `json:"reference_price"`
	Limit          string           `json:"limit"`
}

// NewBreach describes inst crossing side
func NewBreach(inst models.Instrument, side models.Side) Breach {
	limit := inst.LowerLimit
	if side == models.SideUpper {
		limit = inst.UpperLimit
	}
	return Breach{
		InstrumentID:   inst.ID,
		Symbol:         inst.Symbol,
		Side:           side,
		Suggestion:     side.AlertKind(),
		ReferencePrice: inst.ReferencePrice.Decimal.String(),
		Limit:          limit.Decimal.String(),
	}
}

func (b Breach) subject() string {
	if b.Side == models.SideUpper {
		return fmt.Sprintf("Sell suggestion for %s", b.Symbol)
	}
	return fmt.Sprintf("Buy suggestion for %s", b.Symbol)
}

func (b Breach) html() string {
	verb, limit := "fell to or below the buy limit", "buy"
	if b.Side == models.SideUpper {
		verb, limit = "rose to or above the sell limit", "sell"
	}
	return fmt.Sprintf(
		"<p>The reference price of <strong>%s</strong> %s.</p>"+
			"<p>Reference price: %s<br>%s limit: %s</p>",
		b.Symbol, verb, b.ReferencePrice, limit, b.Limit,
	)
}
