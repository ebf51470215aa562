package redemption

import (
	"context"
	"time"

	"educoin-engine/pkg/config"
	"educoin-engine/pkg/task"
	"educoin-engine/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const sweepConcurrency = 8

// Sweeper periodically enqueues the expiry sweep so stale pending claims
// are resolved even when no verifier ever scans them.
type Sweeper struct {
	enqueuer task.Enqueuer
	interval time.Duration
}

func NewSweeper(enqueuer task.Enqueuer, cfg *config.Config) *Sweeper {
	return &Sweeper{
		enqueuer: enqueuer,
		interval: cfg.Redemption.SweepInterval,
	}
}

// StartSweeper is invoked by FX on service start.
func StartSweeper(lc fx.Lifecycle, s *Sweeper) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go s.run(context.Background())
			return nil
		},
	})
}

func (s *Sweeper) run(ctx context.Context) {
	zap.L().Info("[Sweeper] started redemption expiry sweeper",
		zap.Duration("interval", s.interval),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.enqueuer.Enqueue(ctx,
				asynq.NewTask(taskname.RedemptionExpirySweep, nil),
				asynq.Queue(task.QueueDefault),
			); err != nil {
				zap.L().Error("[Sweeper] failed to enqueue expiry sweep", zap.Error(err))
			}
		case <-ctx.Done():
			zap.L().Warn("[Sweeper] stopped")
			return
		}
	}
}

// HandleExpirySweepTask expires every pending claim past its deadline. Each
// claim is resolved independently: one poisoned row must not block the
// sweep of the others.
func (s *Service) HandleExpirySweepTask(ctx context.Context, t *asynq.Task) error {
	start := time.Now()

	var stale []*Redemption
	if err := s.db.WithContext(ctx).
		Where("status IN ? AND expires_at < ?", pendingStates(), start).
		Find(&stale).Error; err != nil {
		return err
	}

	if len(stale) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)

	for _, record := range stale {
		record := record
		g.Go(func() error {
			if err := s.expireOne(gctx, record.ID); err != nil {
				zap.L().Error("failed to expire redemption",
					zap.String("redemption_id", record.ID),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	zap.L().Info("redemption expiry sweep finished",
		zap.Int("stale", len(stale)),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}
