package cashier

import (
	"fmt"

	"github.com/onemorebsmith/kaspa-settler/src/model"
)

// InsufficientFundsError reports owed payments the free outputs could not
// cover. They stay owed for a later run.
type InsufficientFundsError struct {
	Owed      uint64
	Available uint64
	Unfunded  []string
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: %d owed, %d available, %d claims unfunded", e.Owed, e.Available, len(e.Unfunded))
}

type BroadcastError struct {
	Outcome model.BroadcastOutcome
	TxId    string
	Err     error
}

func (e *BroadcastError) Error() string {
	return fmt.Sprintf("broadcast of %s %s: %v", e.TxId, e.Outcome, e.Err)
}

func (e *BroadcastError) Unwrap() error {
	return e.Err
}

// ConsistencyViolation means the ledger and the chain disagree about money
// that has left the wallet. The group is halted until an operator looks at it.
type ConsistencyViolation struct {
	GroupID string
	Reason  string
}

func (e *ConsistencyViolation) Error() string {
	return fmt.Sprintf("consistency violation in %s: %s", e.GroupID, e.Reason)
}
