package wallet

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const auditConcurrency = 8

// HandleChainAuditTask walks every wallet's transaction chain and freezes
// the ones whose hashes no longer verify. Enqueued periodically so ledger
// corruption is caught even when no one touches the wallet.
func (s *Service) HandleChainAuditTask(ctx context.Context, t *asynq.Task) error {
	start := time.Now()

	wallets, err := s.wallets.Find(ctx, &Wallet{})
	if err != nil {
		return err
	}

	var frozen atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(auditConcurrency)

	for _, w := range wallets {
		w := w
		if w.Status == StatusFrozen {
			continue
		}
		g.Go(func() error {
			ok, err := s.VerifyChain(gctx, w.UserID)
			if err != nil {
				return err
			}
			if !ok {
				zap.L().Error("wallet chain verification failed",
					zap.String("user_id", w.UserID),
				)
				if err := s.Freeze(gctx, w.UserID); err != nil {
					return err
				}
				frozen.Add(1)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	zap.L().Info("wallet chain audit finished",
		zap.Int("wallets", len(wallets)),
		zap.Int64("frozen", frozen.Load()),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}
