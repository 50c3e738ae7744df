package cashier

import (
	"context"
	"time"

	"github.com/onemorebsmith/kaspa-settler/src/common"
	"github.com/onemorebsmith/kaspa-settler/src/model"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type reconcileAction string

const (
	reconcileCommitted reconcileAction = "committed"
	reconcileReleased  reconcileAction = "released"
	reconcileHeld      reconcileAction = "held"
	reconcileHalted    reconcileAction = "halted"
)

// Reconcile settles batches left reserved or unknown by an earlier run. The
// stored transaction is resubmitted under its original id, so a transaction
// that already landed is recognised rather than paid again.
func (c *Cashier) Reconcile(ctx context.Context, report *DisbursementReport) (int, error) {
	stale, err := c.ledger.GetStaleBatches(ctx, time.Now().UTC().Add(-c.opts.ReservationTTL))
	if err != nil {
		return 0, err
	}
	resolved := 0
	for _, b := range stale {
		action, err := c.reconcileBatch(ctx, b, report)
		if err != nil {
			c.logger.Warn("failed reconciling batch, will retry", zap.String("batch", b.ID), zap.Error(err))
			continue
		}
		common.RecordReconcile(string(action))
		c.logger.Info("reconciled batch", zap.String("batch", b.ID), zap.String("tx", b.TxId),
			zap.String("action", string(action)))
		if action != reconcileHeld {
			resolved++
		}
	}
	return resolved, nil
}

func (c *Cashier) reconcileBatch(ctx context.Context, b *model.Batch, report *DisbursementReport) (reconcileAction, error) {
	if len(b.Raw) == 0 {
		return reconcileReleased, c.ledger.ReleaseBatch(ctx, b.ID)
	}

	chainCtx, cancel := c.chainCtx(ctx)
	res := c.chain.Broadcast(chainCtx, &model.PreparedTx{TxId: b.TxId, Raw: b.Raw})
	cancel()
	if res.Outcome == model.BroadcastAccepted {
		return reconcileCommitted, c.commitReconciled(ctx, b, report)
	}

	chainCtx, cancel = c.chainCtx(ctx)
	status, err := c.chain.GetTransactionStatus(chainCtx, b.TxId, c.lookupAddresses(b.Destinations()))
	cancel()
	if err != nil {
		return reconcileHeld, errors.Wrap(err, "failed fetching transaction status")
	}
	if status.Found {
		return reconcileCommitted, c.commitReconciled(ctx, b, report)
	}
	// recipients may have spent their outputs already, but a change output
	// the ledger synced earlier still proves the transaction landed
	landed, err := c.ledger.HasOutputsFromTx(ctx, b.TxId)
	if err != nil {
		return reconcileHeld, errors.Wrap(err, "failed checking ledger outputs")
	}
	if landed {
		return reconcileCommitted, c.commitReconciled(ctx, b, report)
	}
	if res.Outcome == model.BroadcastUnknown {
		return reconcileHeld, nil
	}

	chainCtx, cancel = c.chainCtx(ctx)
	onChain, err := c.chain.ListSpendableOutputs(chainCtx, c.opts.Wallet)
	cancel()
	if err != nil {
		return reconcileHeld, errors.Wrap(err, "failed fetching wallet outputs")
	}
	unspent := model.OutputArrayToMap(onChain)
	var missing []string
	for _, in := range b.Inputs {
		if _, ok := unspent[in.Outpoint]; !ok {
			missing = append(missing, in.Outpoint.String())
		}
	}
	if len(missing) == 0 {
		return reconcileReleased, c.ledger.ReleaseBatch(ctx, b.ID)
	}

	// the inputs are gone but our transaction is not on chain, so something
	// else spent them. Nothing here can tell whether the claims were paid.
	for _, group := range b.GroupIDs() {
		c.halt(ctx, &ConsistencyViolation{
			GroupID: group,
			Reason:  "inputs of batch " + b.ID + " spent by a transaction other than " + b.TxId,
		}, report)
	}
	c.logger.Error("reserved inputs spent elsewhere", zap.String("batch", b.ID), zap.Strings("inputs", missing))
	common.RecordAlert()
	return reconcileHalted, nil
}

func (c *Cashier) commitReconciled(ctx context.Context, b *model.Batch, report *DisbursementReport) error {
	if err := c.ledger.CommitBatch(ctx, b.ID, time.Now().UTC()); err != nil {
		return errors.Wrapf(err, "failed committing batch %s", b.ID)
	}
	c.paid(ctx, b, report)
	return nil
}

// lookupAddresses adds the wallet to a transaction's destinations. Its change
// output outlives recipients spending theirs.
func (c *Cashier) lookupAddresses(destinations []string) []string {
	out := make([]string, 0, len(destinations)+1)
	for _, d := range destinations {
		if d != string(c.opts.Wallet) {
			out = append(out, d)
		}
	}
	return append(out, string(c.opts.Wallet))
}
