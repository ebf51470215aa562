package wallet

import (
	"context"
	"time"

	"educoin-engine/pkg/task"
	"educoin-engine/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Auditor enqueues the nightly chain audit.
type Auditor struct {
	enqueuer task.Enqueuer
}

func NewAuditor(enqueuer task.Enqueuer) *Auditor {
	return &Auditor{enqueuer: enqueuer}
}

// StartAuditor is invoked by FX on service start.
func StartAuditor(lc fx.Lifecycle, a *Auditor) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go a.run(context.Background())
			return nil
		},
	})
}

func (a *Auditor) run(ctx context.Context) {
	zap.L().Info("[Auditor] started wallet chain audit scheduler")

	for {
		now := time.Now()
		next := nextRunTime(now, 2, 0) // 02:00, after the nightly sync window

		select {
		case <-time.After(next.Sub(now)):
			if _, err := a.enqueuer.Enqueue(ctx,
				asynq.NewTask(taskname.WalletChainAudit, nil),
				asynq.Queue(task.QueueLow),
			); err != nil {
				zap.L().Error("[Auditor] failed to enqueue chain audit", zap.Error(err))
			}
		case <-ctx.Done():
			zap.L().Warn("[Auditor] stopped")
			return
		}
	}
}

func nextRunTime(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if now.After(next) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
