package recon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"gigvault/services/marketd/escrow"
)

// Escrows resolves escrows left with unconfirmed settlement references.
type Escrows interface {
	Reconcile(ctx context.Context, limit int) (escrow.ReconcileResult, error)
}

// Proposals purges proposals that no longer belong to a live bidding round.
type Proposals interface {
	PurgeStaleProposals(ctx context.Context) (int64, error)
}

// Config controls the sweep cadence.
type Config struct {
	ReconcileInterval time.Duration
	PurgeInterval     time.Duration
	BatchSize         int
}

// Scheduler periodically reconciles escrows and purges stale proposals.
type Scheduler struct {
	escrows   Escrows
	proposals Proposals
	cfg       Config
	logger    *slog.Logger
}

// New constructs a scheduler with defaults for unset intervals.
func New(escrows Escrows, proposals Proposals, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = time.Minute
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = 15 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{escrows: escrows, proposals: proposals, cfg: cfg, logger: logger}
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	if s.escrows != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, s.cfg.ReconcileInterval, s.ReconcileOnce)
		}()
	}
	if s.proposals != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, s.cfg.PurgeInterval, s.PurgeOnce)
		}()
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, sweep func(context.Context)) {
	sweep(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep(ctx)
		}
	}
}

// ReconcileOnce runs a single escrow reconciliation sweep.
func (s *Scheduler) ReconcileOnce(ctx context.Context) {
	result, err := s.escrows.Reconcile(ctx, s.cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("escrow reconciliation failed", slog.String("error", err.Error()))
		}
		return
	}
	if result.Checked == 0 {
		return
	}
	s.logger.Info("escrow reconciliation",
		slog.Int("count", result.Checked),
		slog.Int("funded", result.Funded),
		slog.Int("released", result.Released),
		slog.Int("dropped", result.Dropped),
		slog.Int("unresolved", result.Unresolved))
}

// PurgeOnce runs a single stale-proposal purge.
func (s *Scheduler) PurgeOnce(ctx context.Context) {
	purged, err := s.proposals.PurgeStaleProposals(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("stale proposal purge failed", slog.String("error", err.Error()))
		}
		return
	}
	if purged > 0 {
		s.logger.Info("stale proposals purged", slog.Int64("count", purged))
	}
}
