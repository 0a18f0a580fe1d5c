package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"channel_relay/internal/filter"
	"channel_relay/internal/model"
	"channel_relay/internal/registry"
	"channel_relay/internal/settings"
	"channel_relay/internal/sheet"
	"channel_relay/internal/storage"
	"channel_relay/internal/upstream"
)

// Loop timing.
const (
	ReloadInterval   = 2 * time.Hour
	LivenessInterval = 5 * time.Minute
	ErrorPause       = 10 * time.Second
	FatalPause       = 60 * time.Second
)

// TableSource downloads the source table.
type TableSource interface {
	Fetch(ctx context.Context, timeout time.Duration) (*sheet.Table, error)
}

// Evaluator decides what happens to a message.
type Evaluator interface {
	Evaluate(ctx context.Context, src model.Source, msg model.Message, cfg *settings.Settings) filter.Verdict
}

// Reconciler applies the listed channel set to the registry.
type Reconciler interface {
	Reconcile(ctx context.Context, listed map[string]model.ChannelType, cfg *settings.Settings) (registry.Report, error)
}

// Notifier delivers operator alerts.
type Notifier interface {
	Alert(text string)
}

// Scheduler is the single control loop. It owns every upstream call.
type Scheduler struct {
	guard      *upstream.Guard
	store      storage.Storage
	settings   *settings.Store
	router     Evaluator
	table      TableSource
	reconciler Reconciler
	notifier   Notifier
	log        *slog.Logger

	now func() time.Time

	lastRun       map[model.ChannelType]time.Time
	lastReload    time.Time
	lastReconcile time.Time
	lastLiveness  time.Time
	counts        map[model.ChannelType]int
	pending       map[model.ChannelType][]pendingForward
	tiers         map[model.ChannelType]TierStatus
	alerted       bool

	reloadRequested atomic.Bool
	status          atomic.Pointer[Status]
}

// New creates a Scheduler.
func New(
	guard *upstream.Guard,
	store storage.Storage,
	cfg *settings.Store,
	router Evaluator,
	table TableSource,
	reconciler Reconciler,
	log *slog.Logger,
) *Scheduler {
	s := &Scheduler{
		guard:      guard,
		store:      store,
		settings:   cfg,
		router:     router,
		table:      table,
		reconciler: reconciler,
		log:        log,
		now:        time.Now,
		lastRun:    make(map[model.ChannelType]time.Time),
		counts:     make(map[model.ChannelType]int),
		pending:    make(map[model.ChannelType][]pendingForward),
		tiers:      make(map[model.ChannelType]TierStatus),
	}
	s.status.Store(&Status{})
	return s
}

// SetNotifier sets the receiver of operator alerts.
func (s *Scheduler) SetNotifier(n Notifier) {
	s.notifier = n
}

// SetClock overrides the wall clock used for due checks.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// RequestReload makes the next cycle reload settings from the table.
func (s *Scheduler) RequestReload() {
	s.reloadRequested.Store(true)
}

// Run starts the control loop, blocking until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("scheduler started")
	for {
		err := s.Cycle(ctx)
		if ctx.Err() != nil {
			return
		}

		pause := s.settings.Current().BaseTick()
		switch {
		case errors.Is(err, upstream.ErrDuplicateSession):
			s.log.Error("cycle aborted: session in use elsewhere", "error", err)
			cycleErrors.WithLabelValues("duplicate_session").Inc()
			s.alert("Relay paused: the upstream session is active from another location. " +
				"Stop the other process or switch accounts.")
			pause += FatalPause
		case err != nil:
			s.log.Error("cycle failed", "error", err)
			cycleErrors.WithLabelValues("other").Inc()
			pause += ErrorPause
		default:
			s.alerted = false
		}

		if err := s.guard.Pause(ctx, pause, pause); err != nil {
			return
		}
	}
}

// Cycle runs one pass of the loop: liveness, settings reload,
// reconciliation and every due tier.
func (s *Scheduler) Cycle(ctx context.Context) error {
	now := s.now()
	defer s.publish(now)

	if now.Sub(s.lastLiveness) >= LivenessInterval {
		s.lastLiveness = now
		if res := s.guard.EnsureConnected(ctx); res.Kind == upstream.Fatal {
			return res.Err
		}
	}

	cfg := s.settings.Current()
	reloadDue := s.reloadRequested.Load() || now.Sub(s.lastReload) >= ReloadInterval
	reconcileDue := now.Sub(s.lastReconcile) >= cfg.ReconcileInterval()

	if reloadDue || reconcileDue {
		table, err := s.table.Fetch(ctx, time.Duration(cfg.CSVTimeout)*time.Second)
		if err != nil {
			s.log.Error("fetch source table", "error", err)
			table = nil
		}

		if reloadDue {
			s.reloadRequested.Store(false)
			s.lastReload = now
			if table == nil {
				s.log.Warn("source table unavailable, keeping current settings")
			} else if s.settings.Reload(table.Settings()) {
				cfg = s.settings.Current()
			}
		}

		if reconcileDue {
			s.lastReconcile = now
			if table != nil {
				if _, err := s.reconciler.Reconcile(ctx, table.Channels(), cfg); err != nil {
					if errors.Is(err, upstream.ErrDuplicateSession) {
						return err
					}
					s.log.Error("reconcile channels", "error", err)
				}
			}
		}
	}

	for _, t := range model.ChannelTypes {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if now.Sub(s.lastRun[t]) < cfg.Interval(t) {
			continue
		}
		if err := s.runTier(ctx, t, cfg); err != nil {
			return err
		}
		s.lastRun[t] = now
	}
	return nil
}

func (s *Scheduler) alert(text string) {
	if s.notifier == nil || s.alerted {
		return
	}
	s.alerted = true
	s.notifier.Alert(text)
}
