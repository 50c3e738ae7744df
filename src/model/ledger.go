package model

import "time"

type KaspaWalletAddr string

const KasDigitMultipler = 100000000 // multiplier from kas to sompi, all amounts in the db are sompi

type ClaimKind string

const ( // needs to match `claim_kind` in pg
	ClaimKindBet   ClaimKind = "bet"
	ClaimKindPrize ClaimKind = "prize"
)

type PayoutStatus string

const ( // needs to match `payout_status` in pg
	PayoutStatusPaid      PayoutStatus = "paid"
	PayoutStatusForfeited PayoutStatus = "forfeited"
)

// Payment is a single owed claim. Bets and prize awards both reduce to this
// before they reach the output selector.
type Payment struct {
	ClaimID     string
	ClaimKind   ClaimKind
	GroupID     string
	Destination KaspaWalletAddr
	Amount      uint64
}

type Forfeit struct {
	Payment
	Reason string
}

type PayoutRecord struct {
	ID            string
	ClaimID       string
	ClaimKind     ClaimKind
	GroupID       string
	Destination   KaspaWalletAddr
	BatchID       *string
	TxId          *string
	Amount        uint64
	Status        PayoutStatus
	Reason        *string
	BroadcastAt   *time.Time
	Confirmations uint64
	CheckedAt     *time.Time
	Untracked     bool
}

// ConfirmationCheck is the outcome of one confirmation lookup of a payout
// transaction. Untrack drops the transaction from further lookups.
type ConfirmationCheck struct {
	TxId          string
	Found         bool
	Confirmations uint64
	Untrack       bool
	At            time.Time
}

func PaymentsTotal(payments []Payment) uint64 {
	total := uint64(0)
	for _, p := range payments {
		total += p.Amount
	}
	return total
}

func PaymentArrayToMap(payments []Payment) map[string]Payment {
	out := map[string]Payment{}
	for _, p := range payments {
		out[p.ClaimID] = p
	}
	return out
}
