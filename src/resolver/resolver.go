package resolver

import (
	"context"

	"github.com/onemorebsmith/kaspa-settler/src/common"
	"github.com/onemorebsmith/kaspa-settler/src/events"
	"github.com/onemorebsmith/kaspa-settler/src/model"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Ledger interface {
	GetPrediction(ctx context.Context, id string) (*model.Prediction, error)
	SettlePrediction(ctx context.Context, settlement model.PredictionSettlement) ([]model.BetResult, error)
	GetPrizePool(ctx context.Context, id string) (*model.PrizePool, error)
	SettlePrizePool(ctx context.Context, id string, compute model.PrizeSplitFunc) ([]*model.PrizeAward, error)
}

// Resolver settles predictions and prize pools. It only writes settlement
// results; paying them is the cashier's job.
type Resolver struct {
	ledger    Ledger
	publisher events.Publisher
	refundFee RefundFee
	logger    *zap.Logger
}

func NewResolver(ledger Ledger, publisher events.Publisher, refundFee RefundFee, logger *zap.Logger) *Resolver {
	return &Resolver{
		ledger:    ledger,
		publisher: publisher,
		refundFee: refundFee,
		logger:    logger.With(zap.String("component", "resolver")),
	}
}

type Result struct {
	PredictionID   string                 `json:"prediction_id"`
	Status         model.PredictionStatus `json:"status"`
	Outcome        string                 `json:"outcome,omitempty"`
	AlreadySettled bool                   `json:"already_settled"`
	Summary        Summary                `json:"summary"`
	Bets           []model.BetResult      `json:"-"`
}

func (r *Resolver) fetchForSettlement(ctx context.Context, predictionID string) (*model.Prediction, *Result, error) {
	p, err := r.ledger.GetPrediction(ctx, predictionID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, nil, validationErrorf("prediction %s does not exist", predictionID)
		}
		return nil, nil, err
	}
	if p.IsTerminal() {
		return p, alreadySettled(p), nil
	}
	if p.Status != model.PredictionStatusClosed {
		return nil, nil, validationErrorf("prediction %s is %s, must be closed", predictionID, p.Status)
	}
	return p, nil, nil
}

func alreadySettled(p *model.Prediction) *Result {
	res := &Result{PredictionID: p.ID, Status: p.Status, AlreadySettled: true}
	if p.WinningOutcome != nil {
		res.Outcome = *p.WinningOutcome
	}
	return res
}

// ResolvePrediction settles a closed prediction for the winning outcome. A
// prediction that another invocation already settled is reported as such
// without error.
func (r *Resolver) ResolvePrediction(ctx context.Context, predictionID string, outcome string, actor string) (*Result, error) {
	logger := r.logger.With(zap.String("prediction", predictionID), zap.String("actor", actor))
	p, settled, err := r.fetchForSettlement(ctx, predictionID)
	if err != nil {
		return nil, err
	}
	if !p.HasOutcome(outcome) {
		return nil, validationErrorf("outcome `%s` is not one of %v", outcome, p.Outcomes)
	}
	if settled != nil {
		logger.Info("prediction already settled", zap.String("status", string(settled.Status)))
		return settled, nil
	}

	var summary Summary
	winning := outcome
	results, err := r.ledger.SettlePrediction(ctx, model.PredictionSettlement{
		PredictionID:   predictionID,
		From:           []model.PredictionStatus{model.PredictionStatusClosed},
		To:             model.PredictionStatusResolved,
		WinningOutcome: &winning,
		Compute: func(p *model.Prediction, bets []*model.Bet) ([]model.BetResult, error) {
			results := ResolveBets(bets, outcome)
			summary = Summarize(bets, outcome, results)
			if summary.Paid > summary.TotalPool {
				return nil, errors.Errorf("payouts %d exceed pool %d", summary.Paid, summary.TotalPool)
			}
			return results, nil
		},
	})
	if err != nil {
		if errors.Is(err, model.ErrStatusConflict) {
			return r.lostRace(ctx, predictionID, logger)
		}
		return nil, errors.Wrapf(err, "failed resolving prediction %s", predictionID)
	}
	sortResults(results)

	logger.Info("prediction resolved", zap.String("outcome", outcome), zap.Uint64("total_pool", summary.TotalPool),
		zap.Uint64("paid", summary.Paid), zap.Uint64("margin", summary.Margin), zap.Int("won", summary.Won),
		zap.Int("lost", summary.Lost), zap.Int("refunded", summary.Refunded))
	common.RecordSettlement(string(model.PredictionStatusResolved))
	r.publish(ctx, events.NewEvent(events.PredictionResolved, predictionID, map[string]any{
		"outcome": outcome,
		"summary": summary,
		"actor":   actor,
	}))
	return &Result{
		PredictionID: predictionID,
		Status:       model.PredictionStatusResolved,
		Outcome:      outcome,
		Summary:      summary,
		Bets:         results,
	}, nil
}

// VoidPrediction settles a closed prediction by refunding every confirmed stake
// less the configured refund fee.
func (r *Resolver) VoidPrediction(ctx context.Context, predictionID string, actor string) (*Result, error) {
	logger := r.logger.With(zap.String("prediction", predictionID), zap.String("actor", actor))
	_, settled, err := r.fetchForSettlement(ctx, predictionID)
	if err != nil {
		return nil, err
	}
	if settled != nil {
		logger.Info("prediction already settled", zap.String("status", string(settled.Status)))
		return settled, nil
	}

	var summary Summary
	results, err := r.ledger.SettlePrediction(ctx, model.PredictionSettlement{
		PredictionID: predictionID,
		From:         []model.PredictionStatus{model.PredictionStatusClosed},
		To:           model.PredictionStatusVoided,
		Compute: func(p *model.Prediction, bets []*model.Bet) ([]model.BetResult, error) {
			results := RefundBets(bets, r.refundFee)
			summary = Summarize(bets, "", results)
			return results, nil
		},
	})
	if err != nil {
		if errors.Is(err, model.ErrStatusConflict) {
			return r.lostRace(ctx, predictionID, logger)
		}
		return nil, errors.Wrapf(err, "failed voiding prediction %s", predictionID)
	}
	sortResults(results)

	logger.Info("prediction voided", zap.Uint64("total_pool", summary.TotalPool),
		zap.Uint64("refunded", summary.Paid), zap.Uint64("fees", summary.Margin), zap.Int("bets", summary.Refunded))
	common.RecordSettlement(string(model.PredictionStatusVoided))
	r.publish(ctx, events.NewEvent(events.PredictionVoided, predictionID, map[string]any{
		"summary": summary,
		"actor":   actor,
	}))
	return &Result{
		PredictionID: predictionID,
		Status:       model.PredictionStatusVoided,
		Summary:      summary,
		Bets:         results,
	}, nil
}

// lostRace handles a failed conditional update: another invocation settled the
// prediction between our read and our write.
func (r *Resolver) lostRace(ctx context.Context, predictionID string, logger *zap.Logger) (*Result, error) {
	p, err := r.ledger.GetPrediction(ctx, predictionID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed re-reading prediction %s", predictionID)
	}
	logger.Info("prediction settled concurrently, nothing to do", zap.String("status", string(p.Status)))
	return alreadySettled(p), nil
}

type PrizeResult struct {
	PoolID         string              `json:"pool_id"`
	AlreadySettled bool                `json:"already_settled"`
	Awards         []*model.PrizeAward `json:"awards"`
	Retained       uint64              `json:"retained"`
}

// ResolvePrizePool awards a closed prize pool to ranked participants.
func (r *Resolver) ResolvePrizePool(ctx context.Context, poolID string, ranked []model.Participant, actor string) (*PrizeResult, error) {
	logger := r.logger.With(zap.String("prize_pool", poolID), zap.String("actor", actor))
	pool, err := r.ledger.GetPrizePool(ctx, poolID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, validationErrorf("prize pool %s does not exist", poolID)
		}
		return nil, err
	}
	if pool.Status == model.PrizePoolStatusResolved {
		return &PrizeResult{PoolID: poolID, AlreadySettled: true}, nil
	}
	if pool.Status != model.PrizePoolStatusClosed {
		return nil, validationErrorf("prize pool %s is %s, must be closed", poolID, pool.Status)
	}
	if err := ValidateSplit(pool.SplitWeights, pool.PlatformFeeBps); err != nil {
		return nil, validationErrorf("%s", err)
	}
	seen := map[string]struct{}{}
	for _, p := range ranked {
		if p.PayoutAddress == "" {
			return nil, validationErrorf("participant %s has no payout address", p.UserID)
		}
		if _, ok := seen[p.UserID]; ok {
			return nil, validationErrorf("participant %s is ranked twice", p.UserID)
		}
		seen[p.UserID] = struct{}{}
	}

	awards, err := r.ledger.SettlePrizePool(ctx, poolID, func(pool *model.PrizePool) ([]*model.PrizeAward, error) {
		return SplitPrize(pool, ranked)
	})
	if err != nil {
		if errors.Is(err, model.ErrStatusConflict) {
			logger.Info("prize pool settled concurrently, nothing to do")
			return &PrizeResult{PoolID: poolID, AlreadySettled: true}, nil
		}
		return nil, errors.Wrapf(err, "failed resolving prize pool %s", poolID)
	}

	res := &PrizeResult{PoolID: poolID, Awards: awards, Retained: pool.Total}
	for _, a := range awards {
		res.Retained -= a.Net
	}
	logger.Info("prize pool resolved", zap.Int("awards", len(awards)), zap.Uint64("retained", res.Retained))
	common.RecordSettlement(string(model.PrizePoolStatusResolved))
	r.publish(ctx, events.NewEvent(events.PrizePoolResolved, poolID, res))
	return res, nil
}

func (r *Resolver) publish(ctx context.Context, evts ...events.Event) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.Publish(ctx, evts...); err != nil {
		r.logger.Warn("failed publishing settlement events", zap.Error(err))
	}
}
