package cashier

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Prune drops released batch rows past the retention window.
func (c *Cashier) Prune(ctx context.Context) (int64, error) {
	pruned, err := c.ledger.PruneFailedBatches(ctx, time.Now().UTC().Add(-c.opts.BatchRetention))
	if err != nil {
		return 0, errors.Wrap(err, "failed pruning batches")
	}
	if pruned > 0 {
		c.logger.Info("pruned failed batches", zap.Int64("count", pruned))
	}
	return pruned, nil
}
