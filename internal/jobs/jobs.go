// Package jobs schedules the periodic maintenance work: vote-entry sweeps,
// pending-proposal expiry and store health pings.
package jobs

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/hrygo/taleforge/ai/metrics"
	"github.com/hrygo/taleforge/cache"
	"github.com/hrygo/taleforge/store"
)

// ProposalExpirer is the piece of the bot the minutely job drives.
type ProposalExpirer interface {
	ExpirePendingProposals(ctx context.Context)
}

// Scheduler runs the background jobs on a cron. Jobs share the process
// context and stop with it.
type Scheduler struct {
	cron     *cron.Cron
	store    *store.Store
	cache    *cache.VolatileCache
	expirer  ProposalExpirer
	exporter *metrics.Exporter

	ctx context.Context
}

func NewScheduler(st *store.Store, vc *cache.VolatileCache, expirer ProposalExpirer, exporter *metrics.Exporter) *Scheduler {
	return &Scheduler{
		cron:     cron.New(),
		store:    st,
		cache:    vc,
		expirer:  expirer,
		exporter: exporter,
	}
}

// Start registers and launches the jobs. ctx bounds every job run.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx = ctx

	if _, err := s.cron.AddFunc("@every 1h", s.sweepVotes); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@every 1m", s.minutely); err != nil {
		return err
	}
	s.cron.Start()
	slog.Info("background jobs started")
	return nil
}

// Stop halts the cron and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	slog.Info("background jobs stopped")
}

// sweepVotes is the same sweep the cache runs opportunistically; the cron
// run covers quiet periods with no reaction traffic.
func (s *Scheduler) sweepVotes() {
	if removed := s.cache.SweepVotes(); removed > 0 {
		slog.Info("swept stale vote entries", "count", removed)
	}
}

func (s *Scheduler) minutely() {
	ctx := s.ctx
	if ctx.Err() != nil {
		return
	}
	if s.expirer != nil {
		s.expirer.ExpirePendingProposals(ctx)
	} else {
		s.cache.CleanupExpiredPending(cache.DefaultPendingTimeout)
	}

	// Rate-limited inside the store; most runs are a no-op.
	if err := s.store.Healthy(ctx); err != nil {
		slog.Warn("store health check failed", "error", err)
		return
	}
	s.refreshActiveGames(ctx)
}

func (s *Scheduler) refreshActiveGames(ctx context.Context) {
	games, err := s.store.ListGames(ctx)
	if err != nil {
		slog.Warn("failed to count games", "error", err)
		return
	}
	active := 0
	for _, g := range games {
		if g.ChannelID != nil {
			active++
		}
	}
	s.exporter.SetActiveGames(active)
}
