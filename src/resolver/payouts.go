package resolver

import (
	"math/bits"
	"sort"

	"github.com/google/uuid"
	"github.com/onemorebsmith/kaspa-settler/src/model"
	"github.com/pkg/errors"
)

// ProportionalPayout is floor(amount * total / winning) with a 128 bit
// intermediate. amount <= winning keeps the quotient within 64 bits.
func ProportionalPayout(amount, total, winning uint64) uint64 {
	if winning == 0 {
		return amount
	}
	hi, lo := bits.Mul64(amount, total)
	if hi >= winning {
		// only reachable when amount > winning, which a consistent pool never has
		return total
	}
	q, _ := bits.Div64(hi, lo, winning)
	return q
}

// ResolveBets settles confirmed bets for a winning outcome. With no stake on
// the winning outcome every bet is refunded its stake.
func ResolveBets(bets []*model.Bet, outcome string) []model.BetResult {
	totals := model.TotalsForBets(bets)
	winning := totals.ByOutcome[outcome]
	results := make([]model.BetResult, 0, len(bets))
	for _, b := range bets {
		if b.Status != model.BetStatusConfirmed {
			continue
		}
		switch {
		case winning == 0:
			results = append(results, model.BetResult{BetID: b.ID, Status: model.BetStatusRefunded, Payout: b.Amount})
		case b.Outcome == outcome:
			results = append(results, model.BetResult{BetID: b.ID, Status: model.BetStatusWon,
				Payout: ProportionalPayout(b.Amount, totals.Total, winning)})
		default:
			results = append(results, model.BetResult{BetID: b.ID, Status: model.BetStatusLost, Payout: 0})
		}
	}
	return results
}

type RefundFee struct {
	Flat uint64 // sompi per bet
	Bps  uint64 // basis points of the stake
}

func (f RefundFee) For(stake uint64) uint64 {
	fee := f.Flat
	if f.Bps > 0 {
		hi, lo := bits.Mul64(stake, f.Bps)
		pct, _ := bits.Div64(hi, lo, model.BasisPoints)
		fee += pct
	}
	if fee > stake {
		return stake
	}
	return fee
}

// RefundBets returns every confirmed stake less the refund fee.
func RefundBets(bets []*model.Bet, fee RefundFee) []model.BetResult {
	results := make([]model.BetResult, 0, len(bets))
	for _, b := range bets {
		if b.Status != model.BetStatusConfirmed {
			continue
		}
		results = append(results, model.BetResult{
			BetID:  b.ID,
			Status: model.BetStatusRefunded,
			Payout: b.Amount - fee.For(b.Amount),
		})
	}
	return results
}

func ValidateSplit(weights []uint64, feeBps uint64) error {
	total := uint64(0)
	for _, w := range weights {
		total += w
	}
	if total > model.BasisPoints {
		return errors.Errorf("split weights sum to %d bps, more than %d", total, model.BasisPoints)
	}
	if feeBps > model.BasisPoints {
		return errors.Errorf("platform fee %d bps is more than %d", feeBps, model.BasisPoints)
	}
	return nil
}

func bpsOf(amount, bps uint64) uint64 {
	hi, lo := bits.Mul64(amount, bps)
	q, _ := bits.Div64(hi, lo, model.BasisPoints)
	return q
}

// SplitPrize awards ranked participants their weight of the pool less the
// platform fee. Participants past the weight table get nothing and unused
// weights stay with the platform.
func SplitPrize(pool *model.PrizePool, ranked []model.Participant) ([]*model.PrizeAward, error) {
	if err := ValidateSplit(pool.SplitWeights, pool.PlatformFeeBps); err != nil {
		return nil, err
	}
	var awards []*model.PrizeAward
	for i, p := range ranked {
		if i >= len(pool.SplitWeights) {
			break
		}
		gross := bpsOf(pool.Total, pool.SplitWeights[i])
		fee := bpsOf(gross, pool.PlatformFeeBps)
		awards = append(awards, &model.PrizeAward{
			ID:            uuid.NewString(),
			PoolID:        pool.ID,
			Rank:          i + 1,
			UserID:        p.UserID,
			PayoutAddress: p.PayoutAddress,
			Gross:         gross,
			Fee:           fee,
			Net:           gross - fee,
		})
	}
	return awards, nil
}

type Summary struct {
	TotalPool   uint64 `json:"total_pool"`
	WinningPool uint64 `json:"winning_pool"`
	Paid        uint64 `json:"paid"`
	Margin      uint64 `json:"margin"`
	Won         int    `json:"won"`
	Lost        int    `json:"lost"`
	Refunded    int    `json:"refunded"`
}

func Summarize(bets []*model.Bet, outcome string, results []model.BetResult) Summary {
	totals := model.TotalsForBets(bets)
	s := Summary{TotalPool: totals.Total, WinningPool: totals.ByOutcome[outcome]}
	for _, r := range results {
		s.Paid += r.Payout
		switch r.Status {
		case model.BetStatusWon:
			s.Won++
		case model.BetStatusLost:
			s.Lost++
		case model.BetStatusRefunded:
			s.Refunded++
		}
	}
	if s.Paid <= s.TotalPool {
		s.Margin = s.TotalPool - s.Paid
	}
	return s
}

func sortResults(results []model.BetResult) {
	sort.Slice(results, func(i, j int) bool { return results[i].BetID < results[j].BetID })
}
