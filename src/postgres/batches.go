package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/onemorebsmith/kaspa-settler/src/model"
	"github.com/pkg/errors"
)

// ReserveBatch claims the batch's inputs and claims atomically. Every input has
// to move free -> reserved and every claim has to be free of an in-flight batch
// and of a terminal payout record, otherwise nothing is written.
func (s *Store) ReserveBatch(ctx context.Context, batch *model.Batch) error {
	payments, err := json.Marshal(batch.Payments)
	if err != nil {
		return errors.Wrap(err, "failed to marshal batch payments to json")
	}
	var raw []byte // NULL when the batch was never signed
	if len(batch.Raw) > 0 {
		raw = batch.Raw
	}
	return s.DoTx(ctx, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		if _, err := tx.Exec(ctx, `INSERT INTO payout_batches(id, tx_id, status, change, fee, payments, raw, created_at, updated_at)
				VALUES ($1, $2, 'reserved', $3, $4, $5, $6, $7, $7)`,
			batch.ID, batch.TxId, batch.Change, batch.Fee, payments, raw, now); err != nil {
			return errors.Wrap(err, "failed inserting payout batch")
		}
		for _, in := range batch.Inputs {
			tag, err := tx.Exec(ctx, `UPDATE spendable_outputs SET status = 'reserved', reserved_by = $1, reserved_at = $2
					WHERE tx_id = $3 AND idx = $4 AND status = 'free'`,
				batch.ID, now, in.TxId, int64(in.Index))
			if err != nil {
				return errors.Wrapf(err, "failed reserving output %s", in.Outpoint)
			}
			if tag.RowsAffected() != 1 {
				return errors.Wrapf(model.ErrReservationConflict, "output %s is not free", in.Outpoint)
			}
		}
		claims := make([]string, 0, len(batch.Payments))
		for _, p := range batch.Payments {
			claims = append(claims, p.ClaimID)
			tag, err := tx.Exec(ctx, `INSERT INTO inflight_claims(claim_id, batch_id)
					VALUES ($1, $2) ON CONFLICT DO NOTHING`, p.ClaimID, batch.ID)
			if err != nil {
				return errors.Wrapf(err, "failed reserving claim %s", p.ClaimID)
			}
			if tag.RowsAffected() != 1 {
				return errors.Wrapf(model.ErrReservationConflict, "claim %s is already in flight", p.ClaimID)
			}
		}
		var settled int
		if err := tx.QueryRow(ctx, `SELECT count(*) FROM payout_records WHERE claim_id = ANY($1)`,
			claims).Scan(&settled); err != nil {
			return errors.Wrap(err, "failed checking payout records")
		}
		if settled > 0 {
			return errors.Wrapf(model.ErrReservationConflict, "%d claims already have a payout record", settled)
		}
		return nil
	})
}

// CommitBatch records an accepted broadcast: payout records for every claim,
// inputs spent, claims released. Committing an already committed batch is a no-op.
func (s *Store) CommitBatch(ctx context.Context, batchID string, at time.Time) error {
	return s.DoTx(ctx, func(tx pgx.Tx) error {
		var txID, status string
		var encoded []byte
		err := tx.QueryRow(ctx, `SELECT tx_id, status::text, payments FROM payout_batches
				WHERE id = $1 FOR UPDATE`, batchID).Scan(&txID, &status, &encoded)
		if err != nil {
			return errors.Wrapf(notFound(err), "failed fetching batch %s", batchID)
		}
		switch model.BatchStatus(status) {
		case model.BatchStatusBroadcast:
			return nil
		case model.BatchStatusFailed:
			return errors.Wrapf(model.ErrStatusConflict, "batch %s was already released", batchID)
		}
		var payments []model.Payment
		if err := json.Unmarshal(encoded, &payments); err != nil {
			return errors.Wrap(err, "failed to unmarshal batch payments")
		}

		var betClaims []string
		for _, p := range payments {
			tag, err := tx.Exec(ctx, `INSERT INTO payout_records(id, claim_id, claim_kind, group_id, destination, batch_id, tx_id, amount, status, broadcast_at)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'paid', $9) ON CONFLICT DO NOTHING`,
				uuid.NewString(), p.ClaimID, string(p.ClaimKind), p.GroupID, string(p.Destination), batchID, txID, p.Amount, at)
			if err != nil {
				return errors.Wrapf(err, "failed writing payout record for %s", p.ClaimID)
			}
			if tag.RowsAffected() != 1 {
				return errors.Wrapf(model.ErrDuplicatePayout, "claim %s already has a payout record", p.ClaimID)
			}
			if p.ClaimKind == model.ClaimKindBet {
				betClaims = append(betClaims, p.ClaimID)
			}
		}
		if _, err := tx.Exec(ctx, `UPDATE spendable_outputs SET status = 'spent', spent_at = $1
				WHERE reserved_by = $2 AND status = 'reserved'`, at, batchID); err != nil {
			return errors.Wrap(err, "failed marking batch inputs spent")
		}
		if _, err := tx.Exec(ctx, `UPDATE bets SET payout_tx_id = $1 WHERE id = ANY($2)`,
			txID, betClaims); err != nil {
			return errors.Wrap(err, "failed updating bet payout tx")
		}
		if _, err := tx.Exec(ctx, `DELETE FROM inflight_claims WHERE batch_id = $1`, batchID); err != nil {
			return errors.Wrap(err, "failed releasing batch claims")
		}
		_, err = tx.Exec(ctx, `UPDATE payout_batches SET status = 'broadcast', updated_at = $1 WHERE id = $2`, at, batchID)
		return errors.Wrap(err, "failed updating batch status")
	})
}

// ReleaseBatch returns a batch's inputs to free and leaves its claims owed.
func (s *Store) ReleaseBatch(ctx context.Context, batchID string) error {
	return s.DoTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE payout_batches SET status = 'failed', updated_at = $1
				WHERE id = $2 AND status IN ('reserved', 'unknown')`, time.Now().UTC(), batchID)
		if err != nil {
			return errors.Wrap(err, "failed updating batch status")
		}
		if tag.RowsAffected() != 1 {
			return errors.Wrapf(model.ErrStatusConflict, "batch %s is not reserved", batchID)
		}
		if _, err := tx.Exec(ctx, `UPDATE spendable_outputs SET status = 'free', reserved_by = NULL, reserved_at = NULL
				WHERE reserved_by = $1 AND status = 'reserved'`, batchID); err != nil {
			return errors.Wrap(err, "failed releasing batch inputs")
		}
		_, err = tx.Exec(ctx, `DELETE FROM inflight_claims WHERE batch_id = $1`, batchID)
		return errors.Wrap(err, "failed releasing batch claims")
	})
}

func (s *Store) MarkBatchUnknown(ctx context.Context, batchID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE payout_batches SET status = 'unknown', updated_at = $1
			WHERE id = $2 AND status = 'reserved'`, time.Now().UTC(), batchID)
	return errors.Wrapf(err, "failed marking batch %s unknown", batchID)
}

// GetStaleBatches returns reserved or unknown batches created before olderThan
// with their payments and inputs loaded.
func (s *Store) GetStaleBatches(ctx context.Context, olderThan time.Time) ([]*model.Batch, error) {
	var batches []*model.Batch
	rows, err := s.pool.Query(ctx, `SELECT id, tx_id, status::text, change, fee, payments, raw, created_at
			FROM payout_batches WHERE status IN ('reserved', 'unknown') AND created_at < $1
			ORDER BY created_at`, olderThan)
	if err != nil {
		return nil, errors.Wrap(err, "failed fetching stale batches")
	}
	for rows.Next() {
		b := &model.Batch{}
		var status string
		var payments []byte
		if err := rows.Scan(&b.ID, &b.TxId, &status, &b.Change, &b.Fee, &payments, &b.Raw, &b.CreatedAt); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "failed reading stale batch")
		}
		b.Status = model.BatchStatus(status)
		if err := json.Unmarshal(payments, &b.Payments); err != nil {
			rows.Close()
			return nil, errors.Wrapf(err, "failed to unmarshal payments for batch %s", b.ID)
		}
		batches = append(batches, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed reading stale batches")
	}

	for _, b := range batches {
		inputs, err := s.pool.Query(ctx, `SELECT `+outputColumns+` FROM spendable_outputs
				WHERE reserved_by = $1 ORDER BY amount DESC`, b.ID)
		if err != nil {
			return nil, errors.Wrapf(err, "failed fetching inputs for batch %s", b.ID)
		}
		if b.Inputs, err = scanOutputs(inputs); err != nil {
			return nil, errors.Wrapf(err, "failed reading inputs for batch %s", b.ID)
		}
	}
	return batches, nil
}

func (s *Store) PruneFailedBatches(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM payout_batches WHERE status = 'failed' AND updated_at < $1`, olderThan)
	if err != nil {
		return 0, errors.Wrap(err, "failed pruning payout batches")
	}
	return tag.RowsAffected(), nil
}
