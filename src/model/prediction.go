package model

import "time"

type PredictionStatus string

const ( // needs to match `prediction_status` in pg
	PredictionStatusOpen     PredictionStatus = "open"
	PredictionStatusClosed   PredictionStatus = "closed"
	PredictionStatusResolved PredictionStatus = "resolved"
	PredictionStatusVoided   PredictionStatus = "voided"
)

// DisbursementStatus tracks the step between settlement and payment.
// `pending` is the durable resolved-but-undisbursed state.
type DisbursementStatus string

const ( // needs to match `disbursement_status` in pg
	DisbursementStatusNone     DisbursementStatus = "none"
	DisbursementStatusPending  DisbursementStatus = "pending"
	DisbursementStatusComplete DisbursementStatus = "complete"
	DisbursementStatusHalted   DisbursementStatus = "halted"
)

type Prediction struct {
	ID                 string
	Category           string
	Outcomes           []string
	Status             PredictionStatus
	WinningOutcome     *string
	ResolvedAt         *time.Time
	DisbursementStatus DisbursementStatus
	HaltReason         *string
}

func (p *Prediction) HasOutcome(outcome string) bool {
	for _, o := range p.Outcomes {
		if o == outcome {
			return true
		}
	}
	return false
}

func (p *Prediction) IsTerminal() bool {
	return p.Status == PredictionStatusResolved || p.Status == PredictionStatusVoided
}

type BetStatus string

const ( // needs to match `bet_status` in pg
	BetStatusPending   BetStatus = "pending"
	BetStatusConfirmed BetStatus = "confirmed"
	BetStatusWon       BetStatus = "won"
	BetStatusLost      BetStatus = "lost"
	BetStatusRefunded  BetStatus = "refunded"
)

type Bet struct {
	ID            string
	PredictionID  string
	UserID        string
	PayoutAddress KaspaWalletAddr
	Amount        uint64
	Outcome       string
	Status        BetStatus
	Payout        *uint64
	PayoutTxId    *string
}

func (b *Bet) IsTerminal() bool {
	switch b.Status {
	case BetStatusWon, BetStatusLost, BetStatusRefunded:
		return true
	}
	return false
}

// BetResult is the settled state of one confirmed bet.
type BetResult struct {
	BetID  string
	Status BetStatus
	Payout uint64
}

// PoolTotals are recomputed from confirmed bets on every read.
type PoolTotals struct {
	Total     uint64
	ByOutcome map[string]uint64
}

func TotalsForBets(bets []*Bet) PoolTotals {
	totals := PoolTotals{ByOutcome: map[string]uint64{}}
	for _, b := range bets {
		if b.Status != BetStatusConfirmed {
			continue
		}
		totals.Total += b.Amount
		totals.ByOutcome[b.Outcome] += b.Amount
	}
	return totals
}

// SettleFunc derives bet results from a prediction and its confirmed bets. It
// runs inside the ledger's settlement transaction so it must not block.
type SettleFunc func(p *Prediction, bets []*Bet) ([]BetResult, error)

type PredictionSettlement struct {
	PredictionID   string
	From           []PredictionStatus
	To             PredictionStatus
	WinningOutcome *string
	Compute        SettleFunc
}
