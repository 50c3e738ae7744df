package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/onemorebsmith/kaspa-settler/src/model"
	"github.com/pkg/errors"
)

// owed claims: settled bets and prize awards in a group awaiting disbursement,
// with no terminal payout record and not held by an in-flight batch
const owedPaymentsQuery = `
SELECT b.id, 'bet', b.prediction_id, b.payout_address, COALESCE(b.payout, 0)
	FROM bets b JOIN predictions p ON p.id = b.prediction_id
	WHERE b.status IN ('won', 'refunded') AND p.disbursement_status = 'pending'
		AND NOT EXISTS (SELECT 1 FROM payout_records r WHERE r.claim_id = b.id)
		AND NOT EXISTS (SELECT 1 FROM inflight_claims i WHERE i.claim_id = b.id)
UNION ALL
SELECT a.id, 'prize', a.pool_id, a.payout_address, a.net
	FROM prize_awards a JOIN prize_pools pp ON pp.id = a.pool_id
	WHERE pp.disbursement_status = 'pending'
		AND NOT EXISTS (SELECT 1 FROM payout_records r WHERE r.claim_id = a.id)
		AND NOT EXISTS (SELECT 1 FROM inflight_claims i WHERE i.claim_id = a.id)
ORDER BY 5 DESC, 1
LIMIT $1`

func (s *Store) GetOwedPayments(ctx context.Context, limit int) ([]model.Payment, error) {
	rows, err := s.pool.Query(ctx, owedPaymentsQuery, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed fetching owed payments")
	}
	defer rows.Close()
	var owed []model.Payment
	for rows.Next() {
		p := model.Payment{}
		var kind, destination string
		if err := rows.Scan(&p.ClaimID, &kind, &p.GroupID, &destination, &p.Amount); err != nil {
			return nil, errors.Wrap(err, "failed reading owed payment")
		}
		p.ClaimKind = model.ClaimKind(kind)
		p.Destination = model.KaspaWalletAddr(destination)
		owed = append(owed, p)
	}
	return owed, errors.Wrap(rows.Err(), "failed reading owed payments")
}

// RecordForfeits appends a forfeited payout record per claim. Claims that are
// in flight or already terminal are skipped.
func (s *Store) RecordForfeits(ctx context.Context, forfeits []model.Forfeit) error {
	return s.DoTx(ctx, func(tx pgx.Tx) error {
		for _, f := range forfeits {
			_, err := tx.Exec(ctx, `INSERT INTO payout_records(id, claim_id, claim_kind, group_id, destination, amount, status, reason)
					SELECT $1, $2, $3, $4, $5, $6, 'forfeited', $7
					WHERE NOT EXISTS (SELECT 1 FROM inflight_claims WHERE claim_id = $2)
					ON CONFLICT DO NOTHING`,
				uuid.NewString(), f.ClaimID, string(f.ClaimKind), f.GroupID, string(f.Destination), f.Amount, f.Reason)
			if err != nil {
				return errors.Wrapf(err, "failed recording forfeit for %s", f.ClaimID)
			}
		}
		return nil
	})
}

// CheckConsistency reports every broken ledger invariant for a prediction or prize pool.
func (s *Store) CheckConsistency(ctx context.Context, groupID string) ([]string, error) {
	var violations []string
	rows, err := s.pool.Query(ctx, `SELECT r.claim_id, COALESCE(r.tx_id, '') FROM payout_records r
			WHERE r.group_id = $1 AND r.status = 'paid' AND NOT EXISTS
				(SELECT 1 FROM spendable_outputs o WHERE o.reserved_by = r.batch_id AND o.status = 'spent')`, groupID)
	if err != nil {
		return nil, errors.Wrap(err, "failed checking payout inputs")
	}
	for rows.Next() {
		var claim, txID string
		if err := rows.Scan(&claim, &txID); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "failed reading payout inputs check")
		}
		violations = append(violations, fmt.Sprintf("payout for %s (tx %s) has no spent input", claim, txID))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed reading payout inputs check")
	}

	var staked, paid uint64
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0), COALESCE(SUM(payout), 0) FROM bets
			WHERE prediction_id = $1 AND status IN ('won', 'lost', 'refunded')`, groupID).Scan(&staked, &paid); err != nil {
		return nil, errors.Wrap(err, "failed summing prediction payouts")
	}
	if paid > staked {
		violations = append(violations, fmt.Sprintf("payouts %d exceed pool %d", paid, staked))
	}

	var total, awarded uint64
	err = s.pool.QueryRow(ctx, `SELECT pp.total, COALESCE(SUM(a.gross), 0) FROM prize_pools pp
			LEFT JOIN prize_awards a ON a.pool_id = pp.id WHERE pp.id = $1 GROUP BY pp.total`, groupID).Scan(&total, &awarded)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrap(err, "failed summing prize awards")
	}
	if awarded > total {
		violations = append(violations, fmt.Sprintf("awards %d exceed prize pool %d", awarded, total))
	}
	return violations, nil
}

// HaltGroup stops disbursement for a prediction or prize pool until an operator intervenes.
func (s *Store) HaltGroup(ctx context.Context, groupID string, reason string) error {
	return s.DoTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE predictions SET disbursement_status = 'halted', halt_reason = $1
				WHERE id = $2`, reason, groupID); err != nil {
			return errors.Wrapf(err, "failed halting prediction %s", groupID)
		}
		_, err := tx.Exec(ctx, `UPDATE prize_pools SET disbursement_status = 'halted', halt_reason = $1
				WHERE id = $2`, reason, groupID)
		return errors.Wrapf(err, "failed halting prize pool %s", groupID)
	})
}

// CompleteDisbursements marks pending groups whose every claim is terminal as complete.
func (s *Store) CompleteDisbursements(ctx context.Context) (int, error) {
	completed := 0
	err := s.DoTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE predictions p SET disbursement_status = 'complete'
				WHERE p.disbursement_status = 'pending' AND NOT EXISTS
					(SELECT 1 FROM bets b WHERE b.prediction_id = p.id AND b.status IN ('won', 'refunded')
						AND NOT EXISTS (SELECT 1 FROM payout_records r WHERE r.claim_id = b.id))`)
		if err != nil {
			return errors.Wrap(err, "failed completing predictions")
		}
		completed += int(tag.RowsAffected())
		tag, err = tx.Exec(ctx, `UPDATE prize_pools pp SET disbursement_status = 'complete'
				WHERE pp.disbursement_status = 'pending' AND NOT EXISTS
					(SELECT 1 FROM prize_awards a WHERE a.pool_id = pp.id
						AND NOT EXISTS (SELECT 1 FROM payout_records r WHERE r.claim_id = a.id))`)
		if err != nil {
			return errors.Wrap(err, "failed completing prize pools")
		}
		completed += int(tag.RowsAffected())
		return nil
	})
	return completed, err
}

const payoutColumns = `id, claim_id, claim_kind::text, group_id, destination, batch_id, tx_id, amount, status::text, reason, broadcast_at, confirmations, checked_at, NOT tracked`

func scanPayouts(rows pgx.Rows) ([]*model.PayoutRecord, error) {
	defer rows.Close()
	var records []*model.PayoutRecord
	for rows.Next() {
		r := &model.PayoutRecord{}
		var kind, destination, status string
		if err := rows.Scan(&r.ID, &r.ClaimID, &kind, &r.GroupID, &destination, &r.BatchID, &r.TxId,
			&r.Amount, &status, &r.Reason, &r.BroadcastAt, &r.Confirmations, &r.CheckedAt, &r.Untracked); err != nil {
			return nil, err
		}
		r.ClaimKind = model.ClaimKind(kind)
		r.Destination = model.KaspaWalletAddr(destination)
		r.Status = model.PayoutStatus(status)
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *Store) GetPayoutsForGroup(ctx context.Context, groupID string) ([]*model.PayoutRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+payoutColumns+` FROM payout_records
			WHERE group_id = $1 ORDER BY created_at, claim_id`, groupID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed fetching payouts for %s", groupID)
	}
	records, err := scanPayouts(rows)
	return records, errors.Wrapf(err, "failed reading payouts for %s", groupID)
}

// GetUnconfirmedPayouts returns tracked payouts below the target, least
// recently checked first so a run of missing transactions cannot starve the
// rest of the queue.
func (s *Store) GetUnconfirmedPayouts(ctx context.Context, target uint64, limit int) ([]*model.PayoutRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+payoutColumns+` FROM payout_records
			WHERE status = 'paid' AND tracked AND confirmations < $1
			ORDER BY checked_at NULLS FIRST, broadcast_at LIMIT $2`, target, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed fetching unconfirmed payouts")
	}
	records, err := scanPayouts(rows)
	return records, errors.Wrap(err, "failed reading unconfirmed payouts")
}

func (s *Store) UpdateConfirmations(ctx context.Context, check model.ConfirmationCheck) error {
	_, err := s.pool.Exec(ctx, `UPDATE payout_records SET checked_at = $1,
			confirmations = CASE WHEN $2 AND confirmations < $3 THEN $3 ELSE confirmations END,
			tracked = tracked AND NOT $4
			WHERE tx_id = $5 AND status = 'paid'`, check.At, check.Found, check.Confirmations, check.Untrack, check.TxId)
	return errors.Wrapf(err, "failed updating confirmations for %s", check.TxId)
}

// HasOutputsFromTx reports whether the ledger ever synced a wallet output
// created by the transaction.
func (s *Store) HasOutputsFromTx(ctx context.Context, txID string) (bool, error) {
	var found bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM spendable_outputs WHERE tx_id = $1)`, txID).Scan(&found)
	return found, errors.Wrapf(err, "failed looking up outputs of %s", txID)
}
