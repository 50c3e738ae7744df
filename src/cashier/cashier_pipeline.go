package cashier

import (
	"context"
	"time"

	"go.uber.org/zap"
)

func (c *Cashier) StartPipeline(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("stopping pipeline, context cancelled")
			return
		case <-ticker.C:
			c.DoPipelineOnce(ctx)
		}
	}
}

// DoPipelineOnce is one scheduled pass: pay what is owed, then the
// bookkeeping that does not move money.
func (c *Cashier) DoPipelineOnce(ctx context.Context) (*DisbursementReport, error) {
	report, err := c.Disburse(ctx)
	if err != nil {
		c.logger.Error("error disbursing payouts", zap.Error(err))
	}
	if _, err := c.TrackConfirmations(ctx); err != nil {
		c.logger.Error("error tracking confirmations", zap.Error(err))
	}
	if _, err := c.Prune(ctx); err != nil {
		c.logger.Error("error pruning batches", zap.Error(err))
	}
	return report, err
}
