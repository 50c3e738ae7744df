package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/onemorebsmith/kaspa-settler/src/model"
	"github.com/pkg/errors"
)

const prizePoolColumns = `id, total, split_weights, platform_fee_bps, status::text, resolved_at, disbursement_status::text`

func scanPrizePool(row pgx.Row) (*model.PrizePool, error) {
	pool := &model.PrizePool{}
	var weights []int64
	var status, disbursement string
	if err := row.Scan(&pool.ID, &pool.Total, &weights, &pool.PlatformFeeBps, &status,
		&pool.ResolvedAt, &disbursement); err != nil {
		return nil, err
	}
	for _, w := range weights {
		pool.SplitWeights = append(pool.SplitWeights, uint64(w))
	}
	pool.Status = model.PrizePoolStatus(status)
	pool.DisbursementStatus = model.DisbursementStatus(disbursement)
	return pool, nil
}

func (s *Store) GetPrizePool(ctx context.Context, id string) (*model.PrizePool, error) {
	pool, err := scanPrizePool(s.pool.QueryRow(ctx,
		`SELECT `+prizePoolColumns+` FROM prize_pools WHERE id = $1`, id))
	if err != nil {
		return nil, errors.Wrapf(notFound(err), "failed fetching prize pool %s", id)
	}
	return pool, nil
}

func (s *Store) PutPrizePool(ctx context.Context, pool *model.PrizePool) error {
	weights := make([]int64, 0, len(pool.SplitWeights))
	for _, w := range pool.SplitWeights {
		weights = append(weights, int64(w))
	}
	status := pool.Status
	if status == "" {
		status = model.PrizePoolStatusOpen
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO prize_pools(id, total, split_weights, platform_fee_bps, status)
			VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING`,
		pool.ID, pool.Total, weights, pool.PlatformFeeBps, string(status))
	return errors.Wrapf(err, "failed inserting prize pool %s", pool.ID)
}

// SettlePrizePool transitions a prize pool closed -> resolved and writes its
// awards in the same transaction.
func (s *Store) SettlePrizePool(ctx context.Context, id string, compute model.PrizeSplitFunc) ([]*model.PrizeAward, error) {
	var awards []*model.PrizeAward
	err := s.DoTx(ctx, func(tx pgx.Tx) error {
		pool, err := scanPrizePool(tx.QueryRow(ctx, `UPDATE prize_pools
				SET status = 'resolved', resolved_at = $1, disbursement_status = 'pending'
				WHERE id = $2 AND status = 'closed'
				RETURNING `+prizePoolColumns, time.Now().UTC(), id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return errors.Wrapf(model.ErrStatusConflict, "prize pool %s is not closed", id)
			}
			return errors.Wrap(err, "failed transitioning prize pool")
		}
		awards, err = compute(pool)
		if err != nil {
			return err
		}
		rows := [][]any{}
		for _, a := range awards {
			rows = append(rows, []any{
				a.ID, a.PoolID, a.Rank, a.UserID, string(a.PayoutAddress), a.Gross, a.Fee, a.Net,
			})
		}
		_, err = tx.CopyFrom(ctx, pgx.Identifier{"prize_awards"},
			[]string{"id", "pool_id", "rank", "user_id", "payout_address", "gross", "fee", "net"},
			pgx.CopyFromRows(rows))
		return errors.Wrap(err, "failed to write prize awards")
	})
	if err != nil {
		return nil, err
	}
	return awards, nil
}

func (s *Store) ClosePrizePool(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE prize_pools SET status = 'closed'
			WHERE id = $1 AND status = 'open'`, id)
	if err != nil {
		return errors.Wrapf(err, "failed closing prize pool %s", id)
	}
	if tag.RowsAffected() != 1 {
		return errors.Wrapf(model.ErrStatusConflict, "prize pool %s is not open", id)
	}
	return nil
}
