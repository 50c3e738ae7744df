package cashier

import (
	"context"
	"time"

	"github.com/onemorebsmith/kaspa-settler/src/model"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// TrackConfirmations refreshes the confirmation count of recent payouts. The
// counts are for display and never gate a payment.
func (c *Cashier) TrackConfirmations(ctx context.Context) (int, error) {
	records, err := c.ledger.GetUnconfirmedPayouts(ctx, c.opts.ConfirmationTarget, 256)
	if err != nil {
		return 0, errors.Wrap(err, "failed fetching unconfirmed payouts")
	}
	destinations := map[string][]string{}
	broadcastAt := map[string]time.Time{}
	var order []string
	for _, r := range records {
		if r.TxId == nil {
			continue
		}
		if _, ok := destinations[*r.TxId]; !ok {
			order = append(order, *r.TxId)
			if r.BroadcastAt != nil {
				broadcastAt[*r.TxId] = *r.BroadcastAt
			}
		}
		destinations[*r.TxId] = append(destinations[*r.TxId], string(r.Destination))
	}

	updated := 0
	for _, txID := range order {
		chainCtx, cancel := c.chainCtx(ctx)
		status, err := c.chain.GetTransactionStatus(chainCtx, txID, c.lookupAddresses(destinations[txID]))
		cancel()
		if err != nil {
			c.logger.Warn("failed fetching transaction status", zap.String("tx", txID), zap.Error(err))
			continue
		}
		now := time.Now().UTC()
		check := model.ConfirmationCheck{TxId: txID, Found: status.Found, Confirmations: status.Confirmations, At: now}
		if !status.Found && c.opts.UntrackAfter > 0 && now.Sub(broadcastAt[txID]) > c.opts.UntrackAfter {
			// every output of the transaction has been spent, so the node
			// can no longer report on it
			c.logger.Info("payout transaction no longer visible, untracking", zap.String("tx", txID))
			check.Untrack = true
		}
		if err := c.ledger.UpdateConfirmations(ctx, check); err != nil {
			return updated, errors.Wrapf(err, "failed updating confirmations for %s", txID)
		}
		if status.Found {
			updated++
		}
	}
	return updated, nil
}
