// Package scheduler is the process-wide loop that creates upcoming
// auctions from site schedules, advances active auctions at round
// boundaries, and recovers from per-auction failures with backoff, in the
// fixed-cadence + retry shape of recon.Scheduler generalized from one
// nightly job to many independently-paced per-auction state machines.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/tinylvt/tinylvt/clock"
	"github.com/tinylvt/tinylvt/core/auction"
	"github.com/tinylvt/tinylvt/core/engineerr"
	"github.com/tinylvt/tinylvt/core/proxy"
	"github.com/tinylvt/tinylvt/observability/metrics"
	"github.com/tinylvt/tinylvt/store"
)

// AlertFunc is invoked when an auction's scheduler failures reach the
// alert threshold, mirroring recon.Config.Alert.
type AlertFunc func(ctx context.Context, auctionID uuid.UUID, failureCount int, err error)

const (
	// alertThreshold is the failure count at which an operational alert
	// fires; failures below it are considered ordinary transient noise.
	alertThreshold = 5
	// maxBackoff caps the exponential backoff between retries of one
	// auction's tick.
	maxBackoff = 10 * time.Minute
	baseBackoff = 2 * time.Second
)

// Config configures a Scheduler.
type Config struct {
	DB           *gorm.DB
	Engine       *auction.Engine
	Proxy        *proxy.Bidder
	Clock        clock.Clock
	Logger       *slog.Logger
	Metrics      *metrics.Collector
	TickInterval time.Duration
	// TickRateLimit bounds how often the global scan runs, independent of
	// TickInterval, so a burst of manual Tick calls cannot outrun storage.
	TickRateLimit rate.Limit
	Alert         AlertFunc
}

// Scheduler is a process-wide singleton with two responsibilities:
// creating auctions from site schedules, and ticking active ones.
type Scheduler struct {
	db           *gorm.DB
	engine       *auction.Engine
	proxy        *proxy.Bidder
	clk          clock.Clock
	logger       *slog.Logger
	metrics      *metrics.Collector
	tickInterval time.Duration
	limiter      *rate.Limiter
	alert        AlertFunc
}

// New builds a Scheduler from cfg, applying defaults matching the
// "at most once per second globally, tunable" tick cadence.
func New(cfg Config) *Scheduler {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.System{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.TickInterval
	if interval <= 0 {
		interval = time.Second
	}
	limit := cfg.TickRateLimit
	if limit <= 0 {
		limit = rate.Every(time.Second)
	}
	alert := cfg.Alert
	if alert == nil {
		alert = func(ctx context.Context, auctionID uuid.UUID, failureCount int, err error) {
			logger.Error("auction scheduler alert", "auction_id", auctionID, "failure_count", failureCount, "error", err)
		}
	}
	return &Scheduler{
		db:           cfg.DB,
		engine:       cfg.Engine,
		proxy:        cfg.Proxy,
		clk:          clk,
		logger:       logger,
		metrics:      cfg.Metrics,
		tickInterval: interval,
		limiter:      rate.NewLimiter(limit, 1),
		alert:        alert,
	}
}

// Start runs the tick loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	timer := time.NewTimer(s.tickInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error("scheduler tick failed", "error", err)
			}
			timer.Reset(s.tickInterval)
		}
	}
}

// Tick runs one pass: create due auctions, open scheduled auctions whose
// start has arrived, run proxy bidding for active auctions whose round is
// still open, and close rounds for active auctions whose round has ended.
func (s *Scheduler) Tick(ctx context.Context) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	started := s.clk.Now()
	defer func() {
		s.metrics.ObserveSchedulerTickDuration(s.clk.Now().Sub(started).Seconds())
	}()

	if err := s.createDueAuctions(ctx); err != nil {
		s.logger.Error("auction creation pass failed", "error", err)
	}

	now := s.clk.Now()

	var toOpen []store.Auction
	if err := s.db.WithContext(ctx).Where("status = ? AND start_at <= ?", store.AuctionScheduled, now).
		Find(&toOpen).Error; err != nil {
		return engineerr.External(err)
	}
	for _, a := range toOpen {
		s.runGuarded(ctx, a.ID, func() error { return s.engine.OpenIfDue(ctx, a.ID) })
	}

	var active []store.Auction
	if err := s.db.WithContext(ctx).Where("status = ?", store.AuctionActive).Find(&active).Error; err != nil {
		return engineerr.External(err)
	}
	for _, a := range active {
		var round store.AuctionRound
		err := s.db.WithContext(ctx).Where("auction_id = ? AND round_num = ?", a.ID, a.CurrentRound).First(&round).Error
		if err != nil {
			continue
		}
		auctionID := a.ID
		if now.Before(round.EndAt) {
			if s.proxy != nil {
				s.runGuarded(ctx, auctionID, func() error { return s.proxy.RunRound(ctx, auctionID) })
			}
			continue
		}
		s.runGuarded(ctx, auctionID, func() error { return s.engine.CloseIfDue(ctx, auctionID) })
	}
	return nil
}

// runGuarded executes fn for auctionID, recording backoff bookkeeping on
// failure and clearing it on success, per the scheduler failure model.
func (s *Scheduler) runGuarded(ctx context.Context, auctionID uuid.UUID, fn func() error) {
	var a store.Auction
	if err := s.db.WithContext(ctx).First(&a, "id = ?", auctionID).Error; err != nil {
		return
	}
	if a.SchedulerNextAttemptAt != nil && s.clk.Now().Before(*a.SchedulerNextAttemptAt) {
		return
	}

	err := fn()
	if err == nil {
		if a.SchedulerFailureCount > 0 {
			a.SchedulerFailureCount = 0
			a.SchedulerLastFailedAt = nil
			a.SchedulerNextAttemptAt = nil
			_ = s.db.WithContext(ctx).Save(&a).Error
		}
		return
	}

	a.SchedulerFailureCount++
	now := s.clk.Now()
	a.SchedulerLastFailedAt = &now
	next := now.Add(backoffFor(a.SchedulerFailureCount))
	a.SchedulerNextAttemptAt = &next
	if saveErr := s.db.WithContext(ctx).Save(&a).Error; saveErr != nil {
		s.logger.Error("failed to persist scheduler backoff state", "auction_id", auctionID, "error", saveErr)
	}

	s.metrics.SchedulerFailure(auctionID.String())
	s.logger.Warn("auction tick failed", "auction_id", auctionID, "failure_count", a.SchedulerFailureCount, "error", err)

	if a.SchedulerFailureCount >= alertThreshold {
		s.alert(ctx, auctionID, a.SchedulerFailureCount, err)
	}
}

// backoffFor doubles baseBackoff per failure, capped at maxBackoff.
func backoffFor(failureCount int) time.Duration {
	d := baseBackoff
	for i := 1; i < failureCount && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
