package model

import "fmt"

// returned by the ledger when a conditional update finds the row in a state
// other than the expected one
var ErrStatusConflict = fmt.Errorf("status conflict")

// returned by the ledger when an output or claim is already held by another batch
var ErrReservationConflict = fmt.Errorf("reservation conflict")

// returned by the ledger when a claim already has a terminal payout record
var ErrDuplicatePayout = fmt.Errorf("duplicate payout")

var ErrNotFound = fmt.Errorf("not found")
