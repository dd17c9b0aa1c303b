package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/lfelipediniz/B3Notifier/models"
	"github.com/lfelipediniz/B3Notifier/services/refresh"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

// ErrStopped is returned when the scheduler is started after Stop
var ErrStopped = errors.New("scheduler stopped")

// DueLister lists instruments whose refresh interval elapsed
type DueLister interface {
	ListDue(ctx context.Context, now time.Time) ([]models.Instrument, error)
}

// Refresher refreshes a single instrument
type Refresher interface {
	Refresh(ctx context.Context, id uint) refresh.Outcome
}

// Options tunes the scheduler
type Options struct {
	TickInterval time.Duration
	Workers      int
	QueueSize    int
	Clock        func() time.Time
}

// Scheduler manages the refresh tick and its worker pool
type Scheduler struct {
	cron      *gocron.Scheduler
	due       DueLister
	refresher Refresher
	log       *zap.Logger
	opts      Options

	queue    chan uint
	workers  conc.WaitGroup
	cancel   context.CancelFunc
	mu       sync.Mutex
	inFlight map[uint]struct{}
	// completions counts finished refreshes; finished maps an id to the
	// count at which it last finished
	completions uint64
	finished    map[uint]uint64
	started     bool
	stopped  bool
}

// NewScheduler creates a new scheduler instance
func NewScheduler(due DueLister, refresher Refresher, log *zap.Logger, opts Options) *Scheduler {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Minute
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Scheduler{
		cron:      gocron.NewScheduler(time.UTC),
		due:       due,
		refresher: refresher,
		log:       log.Named("scheduler"),
		opts:      opts,
		queue:     make(chan uint, opts.QueueSize),
		inFlight:  make(map[uint]struct{}),
		finished:  make(map[uint]uint64),
	}
}

// Start launches the worker pool and the refresh tick. Refreshes run under a
// context derived from ctx that Stop cancels only once its own deadline hits.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return nil
	}

	ctx, s.cancel = context.WithCancel(ctx)
	for i := 0; i < s.opts.Workers; i++ {
		s.workers.Go(func() { s.work(ctx) })
	}

	// the first tick fires one interval after start
	if _, err := s.cron.Every(s.opts.TickInterval).WaitForSchedule().SingletonMode().Do(func() {
		s.Tick(ctx, s.opts.Clock())
	}); err != nil {
		s.cancel()
		return err
	}
	s.cron.StartAsync()
	s.started = true

	s.log.Info("scheduler started",
		zap.Duration("tick", s.opts.TickInterval),
		zap.Int("workers", s.opts.Workers),
		zap.Int("queue", s.opts.QueueSize),
	)
	return nil
}

// Tick dispatches every instrument due at now and returns how many were
// queued. It never waits for a refresh to complete.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	mark := s.completions
	s.mu.Unlock()

	due, err := s.due.ListDue(ctx, now)
	if err != nil {
		s.log.Error("list due instruments failed", zap.Error(err))
		return 0
	}

	var dispatched, busy, stale, full int
	s.mu.Lock()
	for _, inst := range due {
		if s.stopped {
			break
		}
		if _, ok := s.inFlight[inst.ID]; ok {
			busy++
			continue
		}
		// finished while the listing ran, so the row is stale
		if s.finished[inst.ID] > mark {
			stale++
			continue
		}
		select {
		case s.queue <- inst.ID:
			s.inFlight[inst.ID] = struct{}{}
			dispatched++
		default:
			full++
		}
	}
	for id, at := range s.finished {
		if at <= mark {
			delete(s.finished, id)
		}
	}
	s.mu.Unlock()

	if full > 0 {
		s.log.Warn("refresh queue full, instruments left for next tick", zap.Int("skipped", full))
	}
	if len(due) > 0 {
		s.log.Debug("tick",
			zap.Int("due", len(due)),
			zap.Int("dispatched", dispatched),
			zap.Int("in_flight", busy),
			zap.Int("just_finished", stale),
		)
	}
	return dispatched
}

// Stop halts the tick and waits for queued refreshes to finish. When ctx
// expires first, running refreshes are cancelled and ctx's error returned.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	started := s.started
	close(s.queue)
	s.mu.Unlock()

	if !started {
		return nil
	}
	s.cron.Stop()
	defer s.cancel()

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		s.log.Warn("scheduler stopped before queue drained", zap.Error(ctx.Err()))
		return ctx.Err()
	}
}

// InFlight reports how many instruments are queued or being refreshed
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

func (s *Scheduler) work(ctx context.Context) {
	for id := range s.queue {
		out := s.refresher.Refresh(ctx, id)
		s.release(id)

		if out.Missing {
			continue
		}
		s.log.Debug("refreshed",
			zap.Uint("instrument_id", id),
			zap.String("symbol", out.Symbol),
			zap.Bool("updated", out.Updated),
			zap.String("breach", string(out.Breach)),
			zap.Bool("notified", out.Notified),
		)
	}
}

func (s *Scheduler) release(id uint) {
	s.mu.Lock()
	delete(s.inFlight, id)
	s.completions++
	s.finished[id] = s.completions
	s.mu.Unlock()
}
