package cashier

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// SyncOutputs refreshes the ledger's view of the custodial wallet. Outputs
// reserved by a batch are left alone.
func (c *Cashier) SyncOutputs(ctx context.Context) (added int, spent int, err error) {
	chainCtx, cancel := c.chainCtx(ctx)
	defer cancel()
	outputs, err := c.chain.ListSpendableOutputs(chainCtx, c.opts.Wallet)
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed fetching spendable outputs")
	}
	added, spent, err = c.ledger.SyncOutputs(ctx, c.opts.Wallet, outputs)
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed updating output ledger")
	}
	if added > 0 || spent > 0 {
		c.logger.Info("synced wallet outputs", zap.Int("on_chain", len(outputs)), zap.Int("added", added),
			zap.Int("spent", spent))
	}
	return added, spent, nil
}
