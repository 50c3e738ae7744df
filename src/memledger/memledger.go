// Package memledger is an in-process ledger with the same conditional update
// semantics as the postgres store. It backs mock mode and tests.
package memledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/onemorebsmith/kaspa-settler/src/model"
	"github.com/pkg/errors"
)

type batchRow struct {
	batch     *model.Batch
	updatedAt time.Time
}

type Store struct {
	mu          sync.Mutex
	predictions map[string]*model.Prediction
	bets        map[string]*model.Bet
	pools       map[string]*model.PrizePool
	awards      map[string]*model.PrizeAward
	outputs     map[model.Outpoint]*model.SpendableOutput
	batches     map[string]*batchRow
	inflight    map[string]string // claim -> batch
	records     []*model.PayoutRecord
	haltReasons map[string]string
}

func NewStore() *Store {
	return &Store{
		predictions: map[string]*model.Prediction{},
		bets:        map[string]*model.Bet{},
		pools:       map[string]*model.PrizePool{},
		awards:      map[string]*model.PrizeAward{},
		outputs:     map[model.Outpoint]*model.SpendableOutput{},
		batches:     map[string]*batchRow{},
		inflight:    map[string]string{},
		haltReasons: map[string]string{},
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return nil
}

func (s *Store) PutPrediction(ctx context.Context, p *model.Prediction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.predictions[p.ID]; ok {
		return nil
	}
	cp := *p
	if cp.Status == "" {
		cp.Status = model.PredictionStatusOpen
	}
	if cp.DisbursementStatus == "" {
		cp.DisbursementStatus = model.DisbursementStatusNone
	}
	s.predictions[p.ID] = &cp
	return nil
}

func (s *Store) GetPrediction(ctx context.Context, id string) (*model.Prediction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.predictions[id]
	if !ok {
		return nil, errors.Wrapf(model.ErrNotFound, "failed fetching prediction %s", id)
	}
	cp := *p
	return &cp, nil
}

func (s *Store) ClosePrediction(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.predictions[id]
	if !ok || p.Status != model.PredictionStatusOpen {
		return errors.Wrapf(model.ErrStatusConflict, "prediction %s is not open", id)
	}
	p.Status = model.PredictionStatusClosed
	return nil
}

func (s *Store) PutBet(ctx context.Context, b *model.Bet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bets[b.ID]; ok {
		return nil
	}
	cp := *b
	if cp.Status == "" {
		cp.Status = model.BetStatusPending
	}
	s.bets[b.ID] = &cp
	return nil
}

func (s *Store) betsFor(predictionID string, status model.BetStatus) []*model.Bet {
	var out []*model.Bet
	for _, b := range s.bets {
		if b.PredictionID != predictionID {
			continue
		}
		if status != "" && b.Status != status {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) GetBetsForPrediction(ctx context.Context, predictionID string) ([]*model.Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.betsFor(predictionID, ""), nil
}

func (s *Store) SettlePrediction(ctx context.Context, settlement model.PredictionSettlement) ([]model.BetResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.predictions[settlement.PredictionID]
	if !ok {
		return nil, errors.Wrapf(model.ErrStatusConflict, "prediction %s not found", settlement.PredictionID)
	}
	matched := false
	for _, f := range settlement.From {
		if p.Status == f {
			matched = true
		}
	}
	if !matched {
		return nil, errors.Wrapf(model.ErrStatusConflict, "prediction %s not in %v", p.ID, settlement.From)
	}

	next := *p
	now := time.Now().UTC()
	next.Status = settlement.To
	next.WinningOutcome = settlement.WinningOutcome
	next.ResolvedAt = &now
	next.DisbursementStatus = model.DisbursementStatusPending

	results, err := settlement.Compute(&next, s.betsFor(p.ID, model.BetStatusConfirmed))
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		b, ok := s.bets[r.BetID]
		if !ok || b.Status != model.BetStatusConfirmed {
			return nil, errors.Wrapf(model.ErrStatusConflict, "bet %s is no longer confirmed", r.BetID)
		}
	}
	for _, r := range results {
		b := s.bets[r.BetID]
		payout := r.Payout
		b.Status = r.Status
		b.Payout = &payout
	}
	*p = next
	return results, nil
}

func (s *Store) PutPrizePool(ctx context.Context, pool *model.PrizePool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pools[pool.ID]; ok {
		return nil
	}
	cp := *pool
	if cp.Status == "" {
		cp.Status = model.PrizePoolStatusOpen
	}
	if cp.DisbursementStatus == "" {
		cp.DisbursementStatus = model.DisbursementStatusNone
	}
	s.pools[pool.ID] = &cp
	return nil
}

func (s *Store) GetPrizePool(ctx context.Context, id string) (*model.PrizePool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pool, ok := s.pools[id]
	if !ok {
		return nil, errors.Wrapf(model.ErrNotFound, "failed fetching prize pool %s", id)
	}
	cp := *pool
	return &cp, nil
}

func (s *Store) ClosePrizePool(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pool, ok := s.pools[id]
	if !ok || pool.Status != model.PrizePoolStatusOpen {
		return errors.Wrapf(model.ErrStatusConflict, "prize pool %s is not open", id)
	}
	pool.Status = model.PrizePoolStatusClosed
	return nil
}

func (s *Store) SettlePrizePool(ctx context.Context, id string, compute model.PrizeSplitFunc) ([]*model.PrizeAward, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pool, ok := s.pools[id]
	if !ok || pool.Status != model.PrizePoolStatusClosed {
		return nil, errors.Wrapf(model.ErrStatusConflict, "prize pool %s is not closed", id)
	}
	next := *pool
	now := time.Now().UTC()
	next.Status = model.PrizePoolStatusResolved
	next.ResolvedAt = &now
	next.DisbursementStatus = model.DisbursementStatusPending
	awards, err := compute(&next)
	if err != nil {
		return nil, err
	}
	for _, a := range awards {
		cp := *a
		s.awards[a.ID] = &cp
	}
	*pool = next
	return awards, nil
}

func (s *Store) SyncOutputs(ctx context.Context, address model.KaspaWalletAddr, onChain []model.SpendableOutput) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	added, spent := 0, 0
	seen := map[model.Outpoint]struct{}{}
	for _, o := range onChain {
		seen[o.Outpoint] = struct{}{}
		if existing, ok := s.outputs[o.Outpoint]; ok {
			if existing.Status == model.OutputStatusSpent && existing.ReservedBy == nil {
				existing.Status = model.OutputStatusFree
				added++
			}
			continue
		}
		cp := o
		cp.Address = address
		cp.Status = model.OutputStatusFree
		cp.ReservedBy = nil
		cp.ReservedAt = nil
		s.outputs[o.Outpoint] = &cp
		added++
	}
	for k, o := range s.outputs {
		if o.Address != address || o.Status != model.OutputStatusFree {
			continue
		}
		if _, ok := seen[k]; !ok {
			o.Status = model.OutputStatusSpent
			spent++
		}
	}
	return added, spent, nil
}

func (s *Store) GetFreeOutputs(ctx context.Context, address model.KaspaWalletAddr) ([]model.SpendableOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.SpendableOutput
	for _, o := range s.outputs {
		if o.Address == address && o.Status == model.OutputStatusFree {
			out = append(out, *o)
		}
	}
	sortOutputs(out)
	return out, nil
}

// GetOutputs returns every output known to the ledger, for tests.
func (s *Store) GetOutputs() []model.SpendableOutput {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.SpendableOutput
	for _, o := range s.outputs {
		out = append(out, *o)
	}
	sortOutputs(out)
	return out
}

func sortOutputs(out []model.SpendableOutput) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].Amount != out[j].Amount {
			return out[i].Amount > out[j].Amount
		}
		return out[i].Outpoint.String() < out[j].Outpoint.String()
	})
}

func (s *Store) hasRecord(claimID string) bool {
	for _, r := range s.records {
		if r.ClaimID == claimID {
			return true
		}
	}
	return false
}

func (s *Store) groupPending(groupID string) bool {
	if p, ok := s.predictions[groupID]; ok {
		return p.DisbursementStatus == model.DisbursementStatusPending
	}
	if pool, ok := s.pools[groupID]; ok {
		return pool.DisbursementStatus == model.DisbursementStatusPending
	}
	return false
}

func (s *Store) claimsFor(groupID string) []model.Payment {
	var out []model.Payment
	for _, b := range s.bets {
		if groupID != "" && b.PredictionID != groupID {
			continue
		}
		if b.Status != model.BetStatusWon && b.Status != model.BetStatusRefunded {
			continue
		}
		amount := uint64(0)
		if b.Payout != nil {
			amount = *b.Payout
		}
		out = append(out, model.Payment{
			ClaimID:     b.ID,
			ClaimKind:   model.ClaimKindBet,
			GroupID:     b.PredictionID,
			Destination: b.PayoutAddress,
			Amount:      amount,
		})
	}
	for _, a := range s.awards {
		if groupID != "" && a.PoolID != groupID {
			continue
		}
		out = append(out, model.Payment{
			ClaimID:     a.ID,
			ClaimKind:   model.ClaimKindPrize,
			GroupID:     a.PoolID,
			Destination: a.PayoutAddress,
			Amount:      a.Net,
		})
	}
	return out
}

func (s *Store) GetOwedPayments(ctx context.Context, limit int) ([]model.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var owed []model.Payment
	for _, p := range s.claimsFor("") {
		if !s.groupPending(p.GroupID) || s.hasRecord(p.ClaimID) {
			continue
		}
		if _, ok := s.inflight[p.ClaimID]; ok {
			continue
		}
		owed = append(owed, p)
	}
	sort.Slice(owed, func(i, j int) bool {
		if owed[i].Amount != owed[j].Amount {
			return owed[i].Amount > owed[j].Amount
		}
		return owed[i].ClaimID < owed[j].ClaimID
	})
	if limit > 0 && len(owed) > limit {
		owed = owed[:limit]
	}
	return owed, nil
}

func (s *Store) RecordForfeits(ctx context.Context, forfeits []model.Forfeit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range forfeits {
		if _, ok := s.inflight[f.ClaimID]; ok || s.hasRecord(f.ClaimID) {
			continue
		}
		reason := f.Reason
		s.records = append(s.records, &model.PayoutRecord{
			ID:          uuid.NewString(),
			ClaimID:     f.ClaimID,
			ClaimKind:   f.ClaimKind,
			GroupID:     f.GroupID,
			Destination: f.Destination,
			Amount:      f.Amount,
			Status:      model.PayoutStatusForfeited,
			Reason:      &reason,
		})
	}
	return nil
}

func (s *Store) ReserveBatch(ctx context.Context, batch *model.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[batch.ID]; ok {
		return errors.Wrapf(model.ErrReservationConflict, "batch %s already exists", batch.ID)
	}
	for _, in := range batch.Inputs {
		o, ok := s.outputs[in.Outpoint]
		if !ok || o.Status != model.OutputStatusFree {
			return errors.Wrapf(model.ErrReservationConflict, "output %s is not free", in.Outpoint)
		}
	}
	for _, p := range batch.Payments {
		if _, ok := s.inflight[p.ClaimID]; ok {
			return errors.Wrapf(model.ErrReservationConflict, "claim %s is already in flight", p.ClaimID)
		}
		if s.hasRecord(p.ClaimID) {
			return errors.Wrapf(model.ErrReservationConflict, "claim %s already has a payout record", p.ClaimID)
		}
	}

	now := time.Now().UTC()
	for _, in := range batch.Inputs {
		o := s.outputs[in.Outpoint]
		id := batch.ID
		o.Status = model.OutputStatusReserved
		o.ReservedBy = &id
		o.ReservedAt = &now
	}
	for _, p := range batch.Payments {
		s.inflight[p.ClaimID] = batch.ID
	}
	cp := *batch
	cp.Status = model.BatchStatusReserved
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.Inputs = nil
	cp.Payments = append([]model.Payment(nil), batch.Payments...)
	s.batches[batch.ID] = &batchRow{batch: &cp, updatedAt: now}
	return nil
}

func (s *Store) CommitBatch(ctx context.Context, batchID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.batches[batchID]
	if !ok {
		return errors.Wrapf(model.ErrNotFound, "failed fetching batch %s", batchID)
	}
	switch row.batch.Status {
	case model.BatchStatusBroadcast:
		return nil
	case model.BatchStatusFailed:
		return errors.Wrapf(model.ErrStatusConflict, "batch %s was already released", batchID)
	}
	for _, p := range row.batch.Payments {
		if s.hasRecord(p.ClaimID) {
			return errors.Wrapf(model.ErrDuplicatePayout, "claim %s already has a payout record", p.ClaimID)
		}
	}
	txID := row.batch.TxId
	for _, p := range row.batch.Payments {
		bid, tid, ts := batchID, txID, at
		s.records = append(s.records, &model.PayoutRecord{
			ID:          uuid.NewString(),
			ClaimID:     p.ClaimID,
			ClaimKind:   p.ClaimKind,
			GroupID:     p.GroupID,
			Destination: p.Destination,
			BatchID:     &bid,
			TxId:        &tid,
			Amount:      p.Amount,
			Status:      model.PayoutStatusPaid,
			BroadcastAt: &ts,
		})
		if b, ok := s.bets[p.ClaimID]; ok && p.ClaimKind == model.ClaimKindBet {
			b.PayoutTxId = &tid
		}
		delete(s.inflight, p.ClaimID)
	}
	for _, o := range s.outputs {
		if o.ReservedBy != nil && *o.ReservedBy == batchID && o.Status == model.OutputStatusReserved {
			o.Status = model.OutputStatusSpent
		}
	}
	row.batch.Status = model.BatchStatusBroadcast
	row.updatedAt = at
	return nil
}

func (s *Store) ReleaseBatch(ctx context.Context, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.batches[batchID]
	if !ok || (row.batch.Status != model.BatchStatusReserved && row.batch.Status != model.BatchStatusUnknown) {
		return errors.Wrapf(model.ErrStatusConflict, "batch %s is not reserved", batchID)
	}
	for _, o := range s.outputs {
		if o.ReservedBy != nil && *o.ReservedBy == batchID && o.Status == model.OutputStatusReserved {
			o.Status = model.OutputStatusFree
			o.ReservedBy = nil
			o.ReservedAt = nil
		}
	}
	for claim, b := range s.inflight {
		if b == batchID {
			delete(s.inflight, claim)
		}
	}
	row.batch.Status = model.BatchStatusFailed
	row.updatedAt = time.Now().UTC()
	return nil
}

func (s *Store) MarkBatchUnknown(ctx context.Context, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.batches[batchID]; ok && row.batch.Status == model.BatchStatusReserved {
		row.batch.Status = model.BatchStatusUnknown
		row.updatedAt = time.Now().UTC()
	}
	return nil
}

func (s *Store) inputsFor(batchID string) []model.SpendableOutput {
	var out []model.SpendableOutput
	for _, o := range s.outputs {
		if o.ReservedBy != nil && *o.ReservedBy == batchID {
			out = append(out, *o)
		}
	}
	sortOutputs(out)
	return out
}

func (s *Store) GetStaleBatches(ctx context.Context, olderThan time.Time) ([]*model.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Batch
	for _, row := range s.batches {
		b := row.batch
		if b.Status != model.BatchStatusReserved && b.Status != model.BatchStatusUnknown {
			continue
		}
		if !b.CreatedAt.Before(olderThan) {
			continue
		}
		cp := *b
		cp.Payments = append([]model.Payment(nil), b.Payments...)
		cp.Inputs = s.inputsFor(b.ID)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetBatch returns a copy of a batch with its inputs, for tests.
func (s *Store) GetBatch(batchID string) (*model.Batch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.batches[batchID]
	if !ok {
		return nil, false
	}
	cp := *row.batch
	cp.Inputs = s.inputsFor(batchID)
	return &cp, true
}

func (s *Store) PruneFailedBatches(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := int64(0)
	for id, row := range s.batches {
		if row.batch.Status == model.BatchStatusFailed && row.updatedAt.Before(olderThan) {
			delete(s.batches, id)
			pruned++
		}
	}
	return pruned, nil
}

func (s *Store) CheckConsistency(ctx context.Context, groupID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var violations []string
	for _, r := range s.records {
		if r.GroupID != groupID || r.Status != model.PayoutStatusPaid {
			continue
		}
		spent := false
		for _, o := range s.outputs {
			if r.BatchID != nil && o.ReservedBy != nil && *o.ReservedBy == *r.BatchID && o.Status == model.OutputStatusSpent {
				spent = true
				break
			}
		}
		if !spent {
			txID := ""
			if r.TxId != nil {
				txID = *r.TxId
			}
			violations = append(violations, fmt.Sprintf("payout for %s (tx %s) has no spent input", r.ClaimID, txID))
		}
	}

	staked, paid := uint64(0), uint64(0)
	for _, b := range s.bets {
		if b.PredictionID != groupID || !b.IsTerminal() {
			continue
		}
		staked += b.Amount
		if b.Payout != nil {
			paid += *b.Payout
		}
	}
	if paid > staked {
		violations = append(violations, fmt.Sprintf("payouts %d exceed pool %d", paid, staked))
	}
	if pool, ok := s.pools[groupID]; ok {
		awarded := uint64(0)
		for _, a := range s.awards {
			if a.PoolID == groupID {
				awarded += a.Gross
			}
		}
		if awarded > pool.Total {
			violations = append(violations, fmt.Sprintf("awards %d exceed prize pool %d", awarded, pool.Total))
		}
	}
	return violations, nil
}

func (s *Store) HaltGroup(ctx context.Context, groupID string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := reason
	if p, ok := s.predictions[groupID]; ok {
		p.DisbursementStatus = model.DisbursementStatusHalted
		p.HaltReason = &r
	}
	if pool, ok := s.pools[groupID]; ok {
		pool.DisbursementStatus = model.DisbursementStatusHalted
	}
	s.haltReasons[groupID] = reason
	return nil
}

func (s *Store) CompleteDisbursements(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	completed := 0
	done := func(groupID string) bool {
		for _, p := range s.claimsFor(groupID) {
			if !s.hasRecord(p.ClaimID) {
				return false
			}
		}
		return true
	}
	for id, p := range s.predictions {
		if p.DisbursementStatus == model.DisbursementStatusPending && done(id) {
			p.DisbursementStatus = model.DisbursementStatusComplete
			completed++
		}
	}
	for id, pool := range s.pools {
		if pool.DisbursementStatus == model.DisbursementStatusPending && done(id) {
			pool.DisbursementStatus = model.DisbursementStatusComplete
			completed++
		}
	}
	return completed, nil
}

func (s *Store) GetPayoutsForGroup(ctx context.Context, groupID string) ([]*model.PayoutRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.PayoutRecord
	for _, r := range s.records {
		if r.GroupID == groupID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

// GetUnconfirmedPayouts returns tracked payouts below the target, least
// recently checked first.
func (s *Store) GetUnconfirmedPayouts(ctx context.Context, target uint64, limit int) ([]*model.PayoutRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.PayoutRecord
	for _, r := range s.records {
		if r.Status == model.PayoutStatusPaid && !r.Untracked && r.Confirmations < target {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a.CheckedAt == nil) != (b.CheckedAt == nil) {
			return a.CheckedAt == nil
		}
		if a.CheckedAt != nil && !a.CheckedAt.Equal(*b.CheckedAt) {
			return a.CheckedAt.Before(*b.CheckedAt)
		}
		if a.BroadcastAt != nil && b.BroadcastAt != nil {
			return a.BroadcastAt.Before(*b.BroadcastAt)
		}
		return false
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpdateConfirmations(ctx context.Context, check model.ConfirmationCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.TxId == nil || *r.TxId != check.TxId {
			continue
		}
		at := check.At
		r.CheckedAt = &at
		if check.Found && r.Confirmations < check.Confirmations {
			r.Confirmations = check.Confirmations
		}
		if check.Untrack {
			r.Untracked = true
		}
	}
	return nil
}

func (s *Store) HasOutputsFromTx(ctx context.Context, txID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for op := range s.outputs {
		if op.TxId == txID {
			return true, nil
		}
	}
	return false, nil
}

// GetPayoutRecords returns every payout record, for tests.
func (s *Store) GetPayoutRecords() []*model.PayoutRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.PayoutRecord, 0, len(s.records))
	for _, r := range s.records {
		cp := *r
		out = append(out, &cp)
	}
	return out
}
