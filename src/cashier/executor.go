package cashier

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/onemorebsmith/kaspa-settler/src/common"
	"github.com/onemorebsmith/kaspa-settler/src/events"
	"github.com/onemorebsmith/kaspa-settler/src/model"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type BatchReport struct {
	BatchID string                 `json:"batch_id"`
	TxId    string                 `json:"tx_id"`
	Outcome model.BroadcastOutcome `json:"outcome"`
	Claims  []string               `json:"claims"`
	Amount  uint64                 `json:"amount"`
	Fee     uint64                 `json:"fee"`
	Error   string                 `json:"error,omitempty"`
}

type DisbursementReport struct {
	Reconciled     int           `json:"reconciled"`
	OutputsAdded   int           `json:"outputs_added"`
	OutputsSpent   int           `json:"outputs_spent"`
	Owed           uint64        `json:"owed"`
	Paid           []string      `json:"paid"`
	Failed         []string      `json:"failed"`
	Forfeited      []string      `json:"forfeited"`
	Unfunded       []string      `json:"unfunded"`
	UnfundedAmount uint64        `json:"unfunded_amount"`
	Halted         []string      `json:"halted"`
	Alerts         []string      `json:"alerts"`
	Completed      int           `json:"completed"`
	Batches        []BatchReport `json:"batches"`
}

// Disburse pays every owed claim it can fund. It carries no state between
// runs: owed claims are recomputed from the ledger each time, so calling it
// again after a crash or alongside another cashier is safe.
func (c *Cashier) Disburse(ctx context.Context) (*DisbursementReport, error) {
	report := &DisbursementReport{}
	reconciled, err := c.Reconcile(ctx, report)
	if err != nil {
		return report, errors.Wrap(err, "failed reconciling stale batches")
	}
	report.Reconciled = reconciled

	if report.OutputsAdded, report.OutputsSpent, err = c.SyncOutputs(ctx); err != nil {
		return report, errors.Wrap(err, "failed syncing wallet outputs, skipping disbursement")
	}

	owed, err := c.ledger.GetOwedPayments(ctx, c.opts.OwedLimit)
	if err != nil {
		return report, errors.Wrap(err, "failed fetching owed payments")
	}
	owed, err = c.excludeInconsistent(ctx, owed, report)
	if err != nil {
		return report, err
	}
	report.Owed = model.PaymentsTotal(owed)
	if owed, err = c.forfeitUndecodable(ctx, owed, report); err != nil {
		return report, err
	}

	free, err := c.ledger.GetFreeOutputs(ctx, c.opts.Wallet)
	if err != nil {
		return report, errors.Wrap(err, "failed fetching free outputs")
	}
	sel := SelectBatches(owed, free, SelectionParams{
		DustFloor:     c.opts.DustFloor,
		MaxInputs:     c.opts.MaxInputsPerTx,
		MaxOutputs:    c.opts.MaxOutputsPerTx,
		ChangeAddress: c.opts.Wallet,
		Fees:          c.opts.Fees,
		Failures:      c.failureCounts(ctx, owed),
		IsolateAfter:  c.opts.IsolateAfter,
	})
	if err := c.recordForfeits(ctx, sel.Forfeits, report); err != nil {
		return report, err
	}
	if len(sel.Unfunded) > 0 {
		for _, p := range sel.Unfunded {
			report.Unfunded = append(report.Unfunded, p.ClaimID)
			report.UnfundedAmount += p.Amount
		}
		insufficient := &InsufficientFundsError{
			Owed:      report.Owed,
			Available: model.OutputsTotal(free),
			Unfunded:  report.Unfunded,
		}
		c.logger.Warn("payments left owed", zap.Error(insufficient))
	}
	common.RecordOwed(report.Owed, report.UnfundedAmount)

	for _, planned := range sel.Batches {
		c.executeBatch(ctx, planned, report)
	}

	if report.Completed, err = c.ledger.CompleteDisbursements(ctx); err != nil {
		return report, errors.Wrap(err, "failed completing disbursements")
	}
	c.logger.Info("disbursement finished", zap.Uint64("owed", report.Owed), zap.Int("paid", len(report.Paid)),
		zap.Int("failed", len(report.Failed)), zap.Int("forfeited", len(report.Forfeited)),
		zap.Int("unfunded", len(report.Unfunded)), zap.Int("completed", report.Completed))
	return report, nil
}

// excludeInconsistent halts groups whose recorded payouts do not add up and
// drops their payments from this run.
func (c *Cashier) excludeInconsistent(ctx context.Context, owed []model.Payment, report *DisbursementReport) ([]model.Payment, error) {
	halted := map[string]struct{}{}
	checked := map[string]struct{}{}
	for _, p := range owed {
		if _, ok := checked[p.GroupID]; ok {
			continue
		}
		checked[p.GroupID] = struct{}{}
		violations, err := c.ledger.CheckConsistency(ctx, p.GroupID)
		if err != nil {
			return nil, errors.Wrapf(err, "failed checking consistency of %s", p.GroupID)
		}
		if len(violations) == 0 {
			continue
		}
		for _, v := range violations {
			c.halt(ctx, &ConsistencyViolation{GroupID: p.GroupID, Reason: v}, report)
		}
		halted[p.GroupID] = struct{}{}
	}
	if len(halted) == 0 {
		return owed, nil
	}
	kept := owed[:0:0]
	for _, p := range owed {
		if _, ok := halted[p.GroupID]; !ok {
			kept = append(kept, p)
		}
	}
	return kept, nil
}

// forfeitUndecodable forfeits payments whose destination the chain cannot
// decode. They would fail every transaction they are planned into.
func (c *Cashier) forfeitUndecodable(ctx context.Context, owed []model.Payment, report *DisbursementReport) ([]model.Payment, error) {
	var forfeits []model.Forfeit
	kept := owed[:0:0]
	for _, p := range owed {
		if err := c.chain.ValidateAddress(p.Destination); err != nil {
			c.logger.Warn("undecodable destination address", zap.String("claim", p.ClaimID),
				zap.String("destination", string(p.Destination)), zap.Error(err))
			forfeits = append(forfeits, model.Forfeit{Payment: p, Reason: ForfeitBadAddress})
			continue
		}
		kept = append(kept, p)
	}
	if err := c.recordForfeits(ctx, forfeits, report); err != nil {
		return nil, err
	}
	return kept, nil
}

func (c *Cashier) failureCounts(ctx context.Context, owed []model.Payment) map[string]int64 {
	if len(owed) == 0 {
		return nil
	}
	counts, err := c.failures.Counts(ctx, claimIDs(owed)...)
	if err != nil {
		c.logger.Warn("failed reading failure counters, not isolating", zap.Error(err))
		return nil
	}
	return counts
}

func (c *Cashier) halt(ctx context.Context, violation *ConsistencyViolation, report *DisbursementReport) {
	c.logger.Error("halting disbursement", zap.String("group", violation.GroupID), zap.Error(violation))
	common.RecordConsistencyViolation()
	if err := c.ledger.HaltGroup(ctx, violation.GroupID, violation.Reason); err != nil {
		c.logger.Error("failed halting group", zap.String("group", violation.GroupID), zap.Error(err))
	}
	for _, g := range report.Halted {
		if g == violation.GroupID {
			return
		}
	}
	report.Halted = append(report.Halted, violation.GroupID)
	c.publish(ctx, events.NewEvent(events.DisbursementHalted, violation.GroupID, map[string]string{
		"reason": violation.Reason,
	}))
}

func (c *Cashier) recordForfeits(ctx context.Context, forfeits []model.Forfeit, report *DisbursementReport) error {
	if len(forfeits) == 0 {
		return nil
	}
	if err := c.ledger.RecordForfeits(ctx, forfeits); err != nil {
		return errors.Wrap(err, "failed recording forfeits")
	}
	evts := make([]events.Event, 0, len(forfeits))
	for _, f := range forfeits {
		c.logger.Info("forfeiting payment", zap.String("claim", f.ClaimID), zap.Uint64("amount", f.Amount),
			zap.String("reason", f.Reason))
		report.Forfeited = append(report.Forfeited, f.ClaimID)
		evts = append(evts, events.NewEvent(events.PayoutForfeited, f.GroupID, map[string]any{
			"claim_id": f.ClaimID,
			"amount":   f.Amount,
			"reason":   f.Reason,
		}))
	}
	common.RecordForfeits(len(forfeits))
	c.publish(ctx, evts...)
	return nil
}

func claimIDs(payments []model.Payment) []string {
	ids := make([]string, 0, len(payments))
	for _, p := range payments {
		ids = append(ids, p.ClaimID)
	}
	return ids
}

func (c *Cashier) executeBatch(ctx context.Context, planned PlannedBatch, report *DisbursementReport) {
	claims := claimIDs(planned.Payments)
	br := BatchReport{
		BatchID: uuid.NewString(),
		Claims:  claims,
		Amount:  model.PaymentsTotal(planned.Payments),
		Fee:     planned.Template.Fee,
	}
	logger := c.logger.With(zap.String("batch", br.BatchID))
	defer func() { report.Batches = append(report.Batches, br) }()

	chainCtx, cancel := c.chainCtx(ctx)
	prepared, err := c.chain.PrepareTransaction(chainCtx, &planned.Template)
	cancel()
	if err != nil {
		logger.Error("failed preparing transaction", zap.Error(err))
		br.Error = err.Error()
		c.fail(ctx, planned.Payments, report)
		return
	}
	br.TxId = prepared.TxId
	logger = logger.With(zap.String("tx", prepared.TxId))

	batch := &model.Batch{
		ID:        br.BatchID,
		TxId:      prepared.TxId,
		Payments:  planned.Payments,
		Inputs:    planned.Template.Inputs,
		Fee:       planned.Template.Fee,
		Raw:       prepared.Raw,
		CreatedAt: time.Now().UTC(),
	}
	if planned.Template.Change != nil {
		batch.Change = planned.Template.Change.Amount
	}
	if err := c.ledger.ReserveBatch(ctx, batch); err != nil {
		if errors.Is(err, model.ErrReservationConflict) {
			// another cashier got to these outputs or claims first
			logger.Info("batch reservation lost, skipping", zap.Error(err))
			br.Error = err.Error()
			return
		}
		logger.Error("failed reserving batch", zap.Error(err))
		br.Error = err.Error()
		return
	}

	chainCtx, cancel = c.chainCtx(ctx)
	start := time.Now()
	res := c.chain.Broadcast(chainCtx, prepared)
	cancel()
	common.RecordBroadcast(string(res.Outcome), time.Since(start))
	br.Outcome = res.Outcome

	switch res.Outcome {
	case model.BroadcastAccepted:
		if err := c.ledger.CommitBatch(ctx, batch.ID, time.Now().UTC()); err != nil {
			// the batch stays reserved and reconciliation commits it once the
			// chain shows the transaction
			logger.Error("broadcast accepted but commit failed", zap.Error(err))
			br.Error = err.Error()
			report.Failed = append(report.Failed, claims...)
			return
		}
		c.paid(ctx, batch, report)
	case model.BroadcastRejected:
		bErr := &BroadcastError{Outcome: res.Outcome, TxId: prepared.TxId, Err: res.Err}
		logger.Warn("broadcast rejected, releasing batch", zap.Error(bErr))
		br.Error = bErr.Error()
		if err := c.ledger.ReleaseBatch(ctx, batch.ID); err != nil {
			logger.Error("failed releasing batch", zap.Error(err))
		}
		c.fail(ctx, planned.Payments, report)
	default:
		bErr := &BroadcastError{Outcome: model.BroadcastUnknown, TxId: prepared.TxId, Err: res.Err}
		logger.Warn("broadcast outcome unknown, holding reservation", zap.Error(bErr))
		br.Outcome = model.BroadcastUnknown
		br.Error = bErr.Error()
		if err := c.ledger.MarkBatchUnknown(ctx, batch.ID); err != nil {
			logger.Error("failed marking batch unknown", zap.Error(err))
		}
		c.fail(ctx, planned.Payments, report)
	}
}

func (c *Cashier) paid(ctx context.Context, batch *model.Batch, report *DisbursementReport) {
	claims := claimIDs(batch.Payments)
	report.Paid = append(report.Paid, claims...)
	if err := c.failures.Reset(ctx, claims...); err != nil {
		c.logger.Warn("failed resetting failure counters", zap.Error(err))
	}
	byGroup := map[string][]model.Payment{}
	for _, p := range batch.Payments {
		common.RecordPayout(string(p.ClaimKind), p.Amount)
		byGroup[p.GroupID] = append(byGroup[p.GroupID], p)
	}
	var evts []events.Event
	for _, group := range batch.GroupIDs() {
		evts = append(evts, events.NewEvent(events.PayoutBroadcast, group, map[string]any{
			"tx_id":    batch.TxId,
			"claims":   claimIDs(byGroup[group]),
			"amount":   model.PaymentsTotal(byGroup[group]),
			"batch_id": batch.ID,
		}))
	}
	c.logger.Info("batch paid", zap.String("batch", batch.ID), zap.String("tx", batch.TxId),
		zap.Int("claims", len(claims)), zap.Uint64("amount", model.PaymentsTotal(batch.Payments)))
	c.publish(ctx, evts...)
}

// fail counts a failed attempt for each payment and raises an operator alert
// for claims that keep failing. Other payments are unaffected.
func (c *Cashier) fail(ctx context.Context, payments []model.Payment, report *DisbursementReport) {
	for _, p := range payments {
		report.Failed = append(report.Failed, p.ClaimID)
		count, err := c.failures.Fail(ctx, p.ClaimID)
		if err != nil {
			c.logger.Warn("failed tracking payout failure", zap.String("claim", p.ClaimID), zap.Error(err))
			continue
		}
		if count < c.opts.AlertThreshold {
			continue
		}
		c.logger.Error("payout keeps failing, operator attention required", zap.String("claim", p.ClaimID),
			zap.String("group", p.GroupID), zap.String("destination", string(p.Destination)),
			zap.Uint64("amount", p.Amount), zap.Int64("failures", count))
		common.RecordAlert()
		report.Alerts = append(report.Alerts, p.ClaimID)
		c.publish(ctx, events.NewEvent(events.PayoutAlert, p.GroupID, map[string]any{
			"claim_id":    p.ClaimID,
			"destination": p.Destination,
			"amount":      p.Amount,
			"failures":    count,
		}))
	}
}
