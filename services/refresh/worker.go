// Package refresh re-prices a single instrument and raises at most one
// notification per breach episode and side.
package refresh

import (
	"context"
	"errors"
	"time"

	"github.com/lfelipediniz/B3Notifier/models"
	"github.com/lfelipediniz/B3Notifier/services/notifier"
	"github.com/lfelipediniz/B3Notifier/services/store"
	"github.com/lfelipediniz/B3Notifier/services/tunnel"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"
)

// InstrumentStore is the persistence the worker needs. Alert flags must only
// change through CompareAndSetAlertFlag and ResetAlertFlags.
type InstrumentStore interface {
	Get(ctx context.Context, id uint) (models.Instrument, error)
	ApplyTunnel(ctx context.Context, id uint, res tunnel.Result, now time.Time) error
	TouchLastRefreshed(ctx context.Context, id uint, now time.Time) error
	CompareAndSetAlertFlag(ctx context.Context, id uint, side models.Side, expected, next bool) (bool, error)
	ResetAlertFlags(ctx context.Context, id uint) (bool, error)
}

// QuoteSource fetches a snapshot for a symbol
type QuoteSource interface {
	Fetch(ctx context.Context, symbol string) (tunnel.Snapshot, error)
}

const touchTimeout = 5 * time.Second

// Options tunes a Worker
type Options struct {
	QuoteTimeout  time.Duration
	NotifyTimeout time.Duration
	Clock         func() time.Time
}

// Outcome describes what a refresh did
type Outcome struct {
	InstrumentID uint
	Symbol       string
	Missing      bool  // instrument no longer exists
	FetchErr     error // quote unavailable, prices untouched
	StoreErr     error
	Updated      bool        // a new tunnel was stored
	Breach       models.Side // empty while inside the tunnel
	Notified     bool        // this refresh won the alert flag
	NotifyErr    error
	Reset        bool // an open breach episode was closed
	Panic        error
}

// Worker runs the per-instrument refresh procedure
type Worker struct {
	store    InstrumentStore
	quotes   QuoteSource
	notifier notifier.Notifier
	recorder notifier.Recorder
	log      *zap.Logger
	opts     Options
}

func NewWorker(st InstrumentStore, quotes QuoteSource, n notifier.Notifier, rec notifier.Recorder, log *zap.Logger, opts Options) *Worker {
	if opts.QuoteTimeout <= 0 {
		opts.QuoteTimeout = 15 * time.Second
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Worker{
		store:    st,
		quotes:   quotes,
		notifier: n,
		recorder: rec,
		log:      log.Named("refresh"),
		opts:     opts,
	}
}

// Refresh re-prices instrument id. Every failure is logged and reported in
// the outcome; nothing escapes, panics included.
func (w *Worker) Refresh(ctx context.Context, id uint) Outcome {
	out := Outcome{InstrumentID: id}

	var pc panics.Catcher
	pc.Try(func() { w.refresh(ctx, id, &out) })
	if r := pc.Recovered(); r != nil {
		out.Panic = r.AsError()
		w.log.Error("refresh panicked", zap.Uint("instrument_id", id), zap.Error(out.Panic))
		// a failed refresh still completes, so the instrument waits a full interval
		if err := w.touch(ctx, id, w.opts.Clock()); err != nil {
			w.storeFailed(&out, "touch refresh time", err)
		}
	}
	return out
}

func (w *Worker) refresh(ctx context.Context, id uint, out *Outcome) {
	inst, err := w.store.Get(ctx, id)
	if err != nil {
		w.storeFailed(out, "load instrument", err)
		return
	}
	out.Symbol = inst.Symbol
	log := w.log.With(zap.Uint("instrument_id", id), zap.String("symbol", inst.Symbol))
	now := w.opts.Clock()

	// Synthetic instruments treat the stored price as the fresh observation.
	observed := inst.ReferencePrice
	if !inst.Synthetic {
		snap, err := w.fetch(ctx, inst.Symbol)
		if err != nil {
			out.FetchErr = err
			log.Warn("quote unavailable, keeping tunnel", zap.Error(err))
			if err := w.touch(ctx, id, now); err != nil {
				w.storeFailed(out, "touch refresh time", err)
			}
			return
		}

		res, ok := tunnel.Compute(inst.PreviousReference(), snap)
		if ok {
			if err := w.store.ApplyTunnel(ctx, id, res, now); err != nil {
				w.storeFailed(out, "apply tunnel", err)
				return
			}
			inst.ReferencePrice = decimal.NewNullDecimal(res.ReferencePrice)
			inst.LowerLimit = decimal.NewNullDecimal(res.BuyLimit)
			inst.UpperLimit = decimal.NewNullDecimal(res.SellLimit)
			out.Updated = true
			log.Debug("tunnel updated",
				zap.String("reference_price", res.ReferencePrice.String()),
				zap.String("buy_limit", res.BuyLimit.String()),
				zap.String("sell_limit", res.SellLimit.String()),
				zap.String("method", string(res.Method)),
			)
		} else {
			if err := w.touch(ctx, id, now); err != nil {
				w.storeFailed(out, "touch refresh time", err)
				return
			}
			log.Debug("insufficient variation, tunnel kept")
		}
		observed = decimal.NewNullDecimal(tunnel.ReferencePrice(snap))
	} else if err := w.touch(ctx, id, now); err != nil {
		w.storeFailed(out, "touch refresh time", err)
		return
	}

	if !inst.HasTunnel() || !observed.Valid {
		return
	}
	inst.ReferencePrice = observed
	w.evaluate(ctx, inst, now, out, log)
}

// touch records completion even when ctx was cancelled mid-refresh, e.g. by
// a shutdown deadline.
func (w *Worker) touch(ctx context.Context, id uint, now time.Time) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), touchTimeout)
	defer cancel()
	return w.store.TouchLastRefreshed(ctx, id, now)
}

func (w *Worker) fetch(ctx context.Context, symbol string) (tunnel.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, w.opts.QuoteTimeout)
	defer cancel()
	return w.quotes.Fetch(ctx, symbol)
}

// evaluate compares the observed price with the tunnel. Only the refresh
// that flips a side's flag from false to true notifies for that side.
func (w *Worker) evaluate(ctx context.Context, inst models.Instrument, now time.Time, out *Outcome, log *zap.Logger) {
	price := inst.ReferencePrice.Decimal
	switch {
	case price.GreaterThanOrEqual(inst.UpperLimit.Decimal):
		w.alert(ctx, inst, models.SideUpper, now, out, log)
	case price.LessThanOrEqual(inst.LowerLimit.Decimal):
		w.alert(ctx, inst, models.SideLower, now, out, log)
	default:
		cleared, err := w.store.ResetAlertFlags(ctx, inst.ID)
		if err != nil {
			w.storeFailed(out, "reset alert flags", err)
			return
		}
		if cleared {
			out.Reset = true
			log.Info("price back inside tunnel, alerts re-armed")
		}
	}
}

func (w *Worker) alert(ctx context.Context, inst models.Instrument, side models.Side, now time.Time, out *Outcome, log *zap.Logger) {
	out.Breach = side
	log = log.With(zap.String("side", string(side)))

	won, err := w.store.CompareAndSetAlertFlag(ctx, inst.ID, side, false, true)
	if err != nil {
		w.storeFailed(out, "set alert flag", err)
		return
	}
	if !won {
		log.Debug("breach already notified")
		return
	}
	out.Notified = true

	nctx, cancel := context.WithTimeout(ctx, w.opts.NotifyTimeout)
	defer cancel()

	// the flag stays set even when delivery fails
	if err := w.notifier.Notify(nctx, inst, side); err != nil {
		out.NotifyErr = err
		log.Warn("breach notification failed", zap.Error(err))
	}
	if err := w.recorder.Record(nctx, models.NewAlertEvent(&inst, side.AlertKind(), now)); err != nil {
		log.Error("record alert event failed", zap.Error(err))
	}
	log.Info("breach notified", zap.String("price", inst.ReferencePrice.Decimal.String()))
}

func (w *Worker) storeFailed(out *Outcome, op string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		out.Missing = true
		w.log.Debug("instrument gone, refresh dropped", zap.Uint("instrument_id", out.InstrumentID))
		return
	}
	out.StoreErr = err
	w.log.Error(op+" failed", zap.Uint("instrument_id", out.InstrumentID), zap.Error(err))
}
