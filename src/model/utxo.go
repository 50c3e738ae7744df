package model

import (
	"fmt"
	"time"
)

type OutputStatus string

const ( // needs to match `output_status` in pg
	OutputStatusFree     OutputStatus = "free"
	OutputStatusReserved OutputStatus = "reserved"
	OutputStatusSpent    OutputStatus = "spent"
)

type Outpoint struct {
	TxId  string
	Index uint32
}

func (o Outpoint) String() string {
	return fmt.Sprintf("%s:%d", o.TxId, o.Index)
}

type SpendableOutput struct {
	Outpoint
	Address       KaspaWalletAddr
	Amount        uint64
	BlockDaascore uint64
	Status        OutputStatus
	ReservedBy    *string
	ReservedAt    *time.Time
}

func OutputsTotal(outputs []SpendableOutput) uint64 {
	total := uint64(0)
	for _, o := range outputs {
		total += o.Amount
	}
	return total
}

func OutputArrayToMap(outputs []SpendableOutput) map[Outpoint]SpendableOutput {
	out := map[Outpoint]SpendableOutput{}
	for _, o := range outputs {
		out[o.Outpoint] = o
	}
	return out
}

type BatchStatus string

const ( // needs to match `batch_status` in pg
	BatchStatusReserved  BatchStatus = "reserved"
	BatchStatusBroadcast BatchStatus = "broadcast"
	BatchStatusUnknown   BatchStatus = "unknown"
	BatchStatusFailed    BatchStatus = "failed"
)

type TxOutput struct {
	Address KaspaWalletAddr
	Amount  uint64
}

// TxTemplate is an unsigned funded transaction: inputs, payment outputs in
// payment order, then an optional change output.
type TxTemplate struct {
	Inputs  []SpendableOutput
	Outputs []TxOutput
	Change  *TxOutput
	Fee     uint64
}

type PreparedTx struct {
	TxId string
	Raw  []byte // json encoded, signed rpc transaction
}

// Batch is one funded transaction and the claims it pays.
type Batch struct {
	ID        string
	TxId      string
	Payments  []Payment
	Inputs    []SpendableOutput
	Change    uint64
	Fee       uint64
	Status    BatchStatus
	Raw       []byte
	CreatedAt time.Time
}

func (b *Batch) Destinations() []string {
	seen := map[KaspaWalletAddr]struct{}{}
	var out []string
	for _, p := range b.Payments {
		if _, ok := seen[p.Destination]; ok {
			continue
		}
		seen[p.Destination] = struct{}{}
		out = append(out, string(p.Destination))
	}
	return out
}

func (b *Batch) GroupIDs() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, p := range b.Payments {
		if _, ok := seen[p.GroupID]; ok {
			continue
		}
		seen[p.GroupID] = struct{}{}
		out = append(out, p.GroupID)
	}
	return out
}

type BroadcastOutcome string

const (
	BroadcastAccepted BroadcastOutcome = "accepted"
	BroadcastRejected BroadcastOutcome = "rejected"
	BroadcastUnknown  BroadcastOutcome = "unknown"
)

type BroadcastResult struct {
	Outcome BroadcastOutcome
	TxId    string
	Err     error
}

type TxStatus struct {
	Found         bool
	Confirmations uint64
}
