package model

import "time"

type PrizePoolStatus string

const ( // needs to match `prize_pool_status` in pg
	PrizePoolStatusOpen     PrizePoolStatus = "open"
	PrizePoolStatusClosed   PrizePoolStatus = "closed"
	PrizePoolStatusResolved PrizePoolStatus = "resolved"
)

const BasisPoints = 10000

type PrizePool struct {
	ID                 string
	Total              uint64
	SplitWeights       []uint64 // basis points per rank, rank 1 first
	PlatformFeeBps     uint64
	Status             PrizePoolStatus
	ResolvedAt         *time.Time
	DisbursementStatus DisbursementStatus
}

type Participant struct {
	UserID        string          `json:"user_id"`
	PayoutAddress KaspaWalletAddr `json:"payout_address"`
}

type PrizeAward struct {
	ID            string
	PoolID        string
	Rank          int
	UserID        string
	PayoutAddress KaspaWalletAddr
	Gross         uint64
	Fee           uint64
	Net           uint64
}

// PrizeSplitFunc derives awards for a prize pool inside the ledger's settlement transaction.
type PrizeSplitFunc func(pool *PrizePool) ([]*PrizeAward, error)
