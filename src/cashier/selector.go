package cashier

import (
	"sort"

	"github.com/onemorebsmith/kaspa-settler/src/model"
)

const (
	ForfeitBelowDust  = "below dust floor"
	ForfeitZero       = "zero payout"
	ForfeitBadAddress = "undecodable destination address"
)

type SelectionParams struct {
	DustFloor     uint64
	MaxInputs     int
	MaxOutputs    int
	ChangeAddress model.KaspaWalletAddr
	Fees          FeeEstimator
	// Failures are the recent failed attempts per claim. Claims with fewer
	// failures are funded first, and from IsolateAfter on a claim is sent in
	// a transaction of its own so it cannot sink anyone else's payment.
	Failures     map[string]int64
	IsolateAfter int64
}

func (p *SelectionParams) isolated(claimID string) bool {
	return p.IsolateAfter > 0 && p.Failures[claimID] >= p.IsolateAfter
}

// PlannedBatch is a funded transaction that has not been reserved yet.
type PlannedBatch struct {
	Payments []model.Payment
	Template model.TxTemplate
}

type Selection struct {
	Batches  []PlannedBatch
	Forfeits []model.Forfeit
	Unfunded []model.Payment
}

func (s *Selection) Paying() uint64 {
	total := uint64(0)
	for _, b := range s.Batches {
		total += model.PaymentsTotal(b.Payments)
	}
	return total
}

type batchBuilder struct {
	params   *SelectionParams
	outputs  []model.SpendableOutput
	next     *int
	start    int
	payments []model.Payment
	total    uint64
	inputs   uint64
}

func (b *batchBuilder) inputCount() int {
	return *b.next - b.start
}

// tryAdd funds the batch plus p from the largest remaining outputs. On
// failure nothing is drawn and capped reports whether the input limit, rather
// than the wallet, was the reason.
func (b *batchBuilder) tryAdd(p model.Payment) (ok bool, capped bool) {
	mark, inputs := *b.next, b.inputs
	need := func() uint64 {
		// sized for a change output, which is dropped later if it is dust
		return b.total + p.Amount + b.params.Fees.Estimate(b.inputCount(), len(b.payments)+2)
	}
	for inputs < need() {
		if b.inputCount() >= b.params.MaxInputs || *b.next >= len(b.outputs) {
			capped = b.inputCount() >= b.params.MaxInputs
			*b.next = mark
			return false, capped
		}
		inputs += b.outputs[*b.next].Amount
		*b.next++
	}
	b.inputs = inputs
	b.payments = append(b.payments, p)
	b.total += p.Amount
	return true, false
}

func (b *batchBuilder) build() PlannedBatch {
	tmpl := model.TxTemplate{
		Inputs: append([]model.SpendableOutput(nil), b.outputs[b.start:*b.next]...),
	}
	for _, p := range b.payments {
		tmpl.Outputs = append(tmpl.Outputs, model.TxOutput{Address: p.Destination, Amount: p.Amount})
	}
	fee := b.params.Fees.Estimate(len(tmpl.Inputs), len(tmpl.Outputs)+1)
	change := b.inputs - b.total - fee
	if change == 0 || change < b.params.DustFloor {
		tmpl.Fee = b.inputs - b.total
	} else {
		tmpl.Fee = fee
		tmpl.Change = &model.TxOutput{Address: b.params.ChangeAddress, Amount: change}
	}
	return PlannedBatch{Payments: b.payments, Template: tmpl}
}

// SelectBatches plans the transactions that pay as many owed payments as the
// free outputs allow. Payments and outputs are both taken largest first, and
// an output is never planned into two batches. Payments that keep failing go
// last.
func SelectBatches(payments []model.Payment, outputs []model.SpendableOutput, params SelectionParams) Selection {
	if params.Fees == nil {
		params.Fees = DefaultFees
	}
	if params.MaxInputs <= 0 {
		params.MaxInputs = 1
	}
	if params.MaxOutputs <= 0 {
		params.MaxOutputs = 1
	}
	sel := Selection{}

	var payable []model.Payment
	for _, p := range payments {
		switch {
		case p.Amount == 0:
			sel.Forfeits = append(sel.Forfeits, model.Forfeit{Payment: p, Reason: ForfeitZero})
		case p.Amount < params.DustFloor:
			sel.Forfeits = append(sel.Forfeits, model.Forfeit{Payment: p, Reason: ForfeitBelowDust})
		default:
			payable = append(payable, p)
		}
	}
	sort.SliceStable(payable, func(i, j int) bool {
		fi, fj := params.Failures[payable[i].ClaimID], params.Failures[payable[j].ClaimID]
		if fi != fj {
			return fi < fj
		}
		if payable[i].Amount != payable[j].Amount {
			return payable[i].Amount > payable[j].Amount
		}
		return payable[i].ClaimID < payable[j].ClaimID
	})
	sorted := append([]model.SpendableOutput(nil), outputs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Amount != sorted[j].Amount {
			return sorted[i].Amount > sorted[j].Amount
		}
		return sorted[i].Outpoint.String() < sorted[j].Outpoint.String()
	})

	next := 0
	var cur *batchBuilder
	finish := func() {
		if cur != nil && len(cur.payments) > 0 {
			sel.Batches = append(sel.Batches, cur.build())
		}
		cur = nil
	}
	for _, p := range payable {
		if params.isolated(p.ClaimID) {
			finish()
			cur = &batchBuilder{params: &params, outputs: sorted, next: &next, start: next}
			if ok, _ := cur.tryAdd(p); !ok {
				sel.Unfunded = append(sel.Unfunded, p)
			}
			finish()
			continue
		}
		if cur != nil && len(cur.payments) < params.MaxOutputs {
			ok, capped := cur.tryAdd(p)
			if ok {
				continue
			}
			if !capped {
				// the wallet can't cover it on top of the open batch, and a
				// fresh batch would need more than that
				sel.Unfunded = append(sel.Unfunded, p)
				continue
			}
		}
		finish()
		cur = &batchBuilder{params: &params, outputs: sorted, next: &next, start: next}
		if ok, _ := cur.tryAdd(p); !ok {
			sel.Unfunded = append(sel.Unfunded, p)
			cur = nil
		}
	}
	finish()
	return sel
}
