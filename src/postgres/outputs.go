package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/onemorebsmith/kaspa-settler/src/model"
	"github.com/pkg/errors"
)

const outputColumns = `tx_id, idx, address, amount, block_daascore, status::text, reserved_by, reserved_at`

func scanOutputs(rows pgx.Rows) ([]model.SpendableOutput, error) {
	defer rows.Close()
	var outputs []model.SpendableOutput
	for rows.Next() {
		o := model.SpendableOutput{}
		var idx int64
		var address, status string
		if err := rows.Scan(&o.TxId, &idx, &address, &o.Amount, &o.BlockDaascore,
			&status, &o.ReservedBy, &o.ReservedAt); err != nil {
			return nil, err
		}
		o.Index = uint32(idx)
		o.Address = model.KaspaWalletAddr(address)
		o.Status = model.OutputStatus(status)
		outputs = append(outputs, o)
	}
	return outputs, rows.Err()
}

// SyncOutputs brings the output inventory in line with what the chain reports.
// New outputs are added as free, free outputs the chain no longer reports are
// marked spent and come back if the chain reports them again. Reserved outputs
// and outputs spent by our own batches are left alone.
func (s *Store) SyncOutputs(ctx context.Context, address model.KaspaWalletAddr, onChain []model.SpendableOutput) (int, int, error) {
	added, spent := 0, 0
	err := s.DoTx(ctx, func(tx pgx.Tx) error {
		keys := make([]string, 0, len(onChain))
		for _, o := range onChain {
			keys = append(keys, o.Outpoint.String())
			tag, err := tx.Exec(ctx, `INSERT INTO spendable_outputs(tx_id, idx, address, amount, block_daascore, status)
					VALUES ($1, $2, $3, $4, $5, 'free')
					ON CONFLICT (tx_id, idx) DO UPDATE SET status = 'free', spent_at = NULL
					WHERE spendable_outputs.status = 'spent' AND spendable_outputs.reserved_by IS NULL`,
				o.TxId, int64(o.Index), string(address), o.Amount, o.BlockDaascore)
			if err != nil {
				return errors.Wrapf(err, "failed inserting output %s", o.Outpoint)
			}
			added += int(tag.RowsAffected())
		}
		tag, err := tx.Exec(ctx, `UPDATE spendable_outputs SET status = 'spent', spent_at = $1
				WHERE address = $2 AND status = 'free' AND NOT (tx_id || ':' || idx = ANY($3))`,
			time.Now().UTC(), string(address), keys)
		if err != nil {
			return errors.Wrap(err, "failed marking vanished outputs spent")
		}
		spent = int(tag.RowsAffected())
		return nil
	})
	return added, spent, err
}

func (s *Store) GetFreeOutputs(ctx context.Context, address model.KaspaWalletAddr) ([]model.SpendableOutput, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+outputColumns+` FROM spendable_outputs
			WHERE address = $1 AND status = 'free' ORDER BY amount DESC, tx_id, idx`, string(address))
	if err != nil {
		return nil, errors.Wrap(err, "failed fetching free outputs")
	}
	outputs, err := scanOutputs(rows)
	return outputs, errors.Wrap(err, "failed reading free outputs")
}
