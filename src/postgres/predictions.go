package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/onemorebsmith/kaspa-settler/src/model"
	"github.com/pkg/errors"
)

const predictionColumns = `id, category, outcomes, status::text, winning_outcome, resolved_at, disbursement_status::text, halt_reason`

func scanPrediction(row pgx.Row) (*model.Prediction, error) {
	p := &model.Prediction{}
	var status, disbursement string
	if err := row.Scan(&p.ID, &p.Category, &p.Outcomes, &status, &p.WinningOutcome,
		&p.ResolvedAt, &disbursement, &p.HaltReason); err != nil {
		return nil, err
	}
	p.Status = model.PredictionStatus(status)
	p.DisbursementStatus = model.DisbursementStatus(disbursement)
	return p, nil
}

func (s *Store) GetPrediction(ctx context.Context, id string) (*model.Prediction, error) {
	p, err := scanPrediction(s.pool.QueryRow(ctx,
		`SELECT `+predictionColumns+` FROM predictions WHERE id = $1`, id))
	if err != nil {
		return nil, errors.Wrapf(notFound(err), "failed fetching prediction %s", id)
	}
	return p, nil
}

func (s *Store) PutPrediction(ctx context.Context, p *model.Prediction) error {
	status := p.Status
	if status == "" {
		status = model.PredictionStatusOpen
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO predictions(id, category, outcomes, status)
			VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
		p.ID, p.Category, p.Outcomes, string(status))
	return errors.Wrapf(err, "failed inserting prediction %s", p.ID)
}

// ClosePrediction stops a prediction from accepting stakes, open -> closed.
func (s *Store) ClosePrediction(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE predictions SET status = 'closed'
			WHERE id = $1 AND status = 'open'`, id)
	if err != nil {
		return errors.Wrapf(err, "failed closing prediction %s", id)
	}
	if tag.RowsAffected() != 1 {
		return errors.Wrapf(model.ErrStatusConflict, "prediction %s is not open", id)
	}
	return nil
}

func (s *Store) PutBet(ctx context.Context, b *model.Bet) error {
	status := b.Status
	if status == "" {
		status = model.BetStatusPending
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO bets(id, prediction_id, user_id, payout_address, amount, outcome, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT DO NOTHING`,
		b.ID, b.PredictionID, b.UserID, string(b.PayoutAddress), b.Amount, b.Outcome, string(status))
	return errors.Wrapf(err, "failed inserting bet %s", b.ID)
}

const betColumns = `id, prediction_id, user_id, payout_address, amount, outcome, status::text, payout, payout_tx_id`

func scanBets(rows pgx.Rows) ([]*model.Bet, error) {
	defer rows.Close()
	var bets []*model.Bet
	for rows.Next() {
		b := &model.Bet{}
		var status, address string
		if err := rows.Scan(&b.ID, &b.PredictionID, &b.UserID, &address, &b.Amount,
			&b.Outcome, &status, &b.Payout, &b.PayoutTxId); err != nil {
			return nil, err
		}
		b.Status = model.BetStatus(status)
		b.PayoutAddress = model.KaspaWalletAddr(address)
		bets = append(bets, b)
	}
	return bets, rows.Err()
}

func (s *Store) GetBetsForPrediction(ctx context.Context, predictionID string) ([]*model.Bet, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+betColumns+` FROM bets
			WHERE prediction_id = $1 ORDER BY id`, predictionID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed fetching bets for prediction %s", predictionID)
	}
	bets, err := scanBets(rows)
	return bets, errors.Wrapf(err, "failed reading bets for prediction %s", predictionID)
}

// SettlePrediction moves a prediction out of one of `from` and settles all of
// its confirmed bets in a single transaction. If the prediction is no longer in
// an expected state nothing is written and ErrStatusConflict is returned.
func (s *Store) SettlePrediction(ctx context.Context, settlement model.PredictionSettlement) ([]model.BetResult, error) {
	from := make([]string, 0, len(settlement.From))
	for _, f := range settlement.From {
		from = append(from, string(f))
	}
	var results []model.BetResult
	err := s.DoTx(ctx, func(tx pgx.Tx) error {
		p, err := scanPrediction(tx.QueryRow(ctx, `UPDATE predictions
				SET status = $1, winning_outcome = $2, resolved_at = $3, disbursement_status = 'pending'
				WHERE id = $4 AND status::text = ANY($5)
				RETURNING `+predictionColumns,
			string(settlement.To), settlement.WinningOutcome, time.Now().UTC(), settlement.PredictionID, from))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return errors.Wrapf(model.ErrStatusConflict, "prediction %s not in %v", settlement.PredictionID, from)
			}
			return errors.Wrap(err, "failed transitioning prediction")
		}

		rows, err := tx.Query(ctx, `SELECT `+betColumns+` FROM bets
				WHERE prediction_id = $1 AND status = 'confirmed' ORDER BY id FOR UPDATE`, p.ID)
		if err != nil {
			return errors.Wrap(err, "failed fetching confirmed bets")
		}
		bets, err := scanBets(rows)
		if err != nil {
			return errors.Wrap(err, "failed reading confirmed bets")
		}

		results, err = settlement.Compute(p, bets)
		if err != nil {
			return err
		}
		for _, r := range results {
			tag, err := tx.Exec(ctx, `UPDATE bets SET status = $1, payout = $2, settled_at = now()
					WHERE id = $3 AND status = 'confirmed'`, string(r.Status), r.Payout, r.BetID)
			if err != nil {
				return errors.Wrapf(err, "failed settling bet %s", r.BetID)
			}
			if tag.RowsAffected() != 1 {
				return errors.Wrapf(model.ErrStatusConflict, "bet %s is no longer confirmed", r.BetID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}
