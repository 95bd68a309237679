package sync

import (
	"context"
	"time"

	"github.com/forecastnet/oracle-node/domain"
	"go.uber.org/zap"
)

type ReconcileRunner interface {
	ReconcileFull(ctx context.Context) (*domain.RoundReport, error)
}

type Pruner interface {
	Prune(retentionMs int64) (int, error)
}

type Sweeper interface {
	SweepStale(windowMs int64) (int, error)
}

type SchedulerConfig struct {
	RoundInterval time.Duration
	Retention     time.Duration
	StaleWindow   time.Duration
}

// Scheduler drives the periodic maintenance of the node: reconciliation
// rounds, ledger retention pruning and stale operator sweeps. Retention or
// stale window of zero disables the respective step.
type Scheduler struct {
	reconciler ReconcileRunner
	pruner     Pruner
	sweeper    Sweeper
	logger     *zap.SugaredLogger
	config     SchedulerConfig
}

func NewScheduler(reconciler ReconcileRunner, pruner Pruner, sweeper Sweeper,
	logger *zap.SugaredLogger, config SchedulerConfig) *Scheduler {
	if config.RoundInterval <= 0 {
		config.RoundInterval = 10 * time.Second
	}
	return &Scheduler{
		reconciler: reconciler,
		pruner:     pruner,
		sweeper:    sweeper,
		logger:     logger,
		config:     config,
	}
}

func (s *Scheduler) StartProcessing() {
	// do one initial round, so we do not wait until first tick
	s.RunOnce(context.Background())
	ticker := time.Tick(s.config.RoundInterval)
	for range ticker {
		s.RunOnce(context.Background())
	}
}

func (s *Scheduler) RunOnce(ctx context.Context) {
	if _, err := s.reconciler.ReconcileFull(ctx); err != nil {
		s.logger.Errorw("error running reconciliation round", "error", err)
	}
	if s.config.Retention > 0 {
		pruned, err := s.pruner.Prune(s.config.Retention.Milliseconds())
		if err != nil {
			s.logger.Errorw("error pruning ledger", "error", err)
		} else if pruned > 0 {
			s.logger.Infow("pruned old ledger entries", "count", pruned)
		}
	}
	if s.config.StaleWindow > 0 {
		swept, err := s.sweeper.SweepStale(s.config.StaleWindow.Milliseconds())
		if err != nil {
			s.logger.Errorw("error sweeping stale operators", "error", err)
		} else if swept > 0 {
			s.logger.Infow("marked stale operators inactive", "count", swept)
		}
	}
}
