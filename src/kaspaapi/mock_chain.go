package kaspaapi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/onemorebsmith/kaspa-settler/src/model"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

type mockTx struct {
	template model.TxTemplate
	daa      uint64
}

// MockChain is an in-memory chain for mock mode and tests. Outcomes of the
// next broadcasts can be scripted with FailNext.
type MockChain struct {
	mu            sync.Mutex
	utxos         map[model.Outpoint]model.SpendableOutput
	accepted      map[string]*mockTx
	daa           uint64
	script        []model.BroadcastOutcome
	landOnUnknown bool
	invalid       map[model.KaspaWalletAddr]struct{}

	Broadcasts []string
}

func NewMockChain() *MockChain {
	return &MockChain{
		utxos:    map[model.Outpoint]model.SpendableOutput{},
		accepted: map[string]*mockTx{},
		invalid:  map[model.KaspaWalletAddr]struct{}{},
		daa:      1000,
	}
}

// Fund adds a utxo to the chain.
func (mc *MockChain) Fund(address model.KaspaWalletAddr, txID string, index uint32, amount uint64) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	op := model.Outpoint{TxId: txID, Index: index}
	mc.utxos[op] = model.SpendableOutput{
		Outpoint:      op,
		Address:       address,
		Amount:        amount,
		BlockDaascore: mc.daa,
		Status:        model.OutputStatusFree,
	}
}

// Spend removes a utxo as if a transaction outside this process spent it.
func (mc *MockChain) Spend(op model.Outpoint) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	delete(mc.utxos, op)
}

// RejectAddress makes address fail validation, like a string that does not
// decode on the network.
func (mc *MockChain) RejectAddress(address model.KaspaWalletAddr) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.invalid[address] = struct{}{}
}

func (mc *MockChain) ValidateAddress(address model.KaspaWalletAddr) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if _, ok := mc.invalid[address]; ok {
		return errors.Errorf("failed decoding address %s", address)
	}
	if !strings.HasPrefix(string(address), "kaspa:") || len(address) == len("kaspa:") {
		return errors.Errorf("failed decoding address %s", address)
	}
	return nil
}

// FailNext scripts the outcome of the next broadcasts. When landOnUnknown is
// set an `unknown` broadcast still lands on chain, like a timeout after the
// node accepted the transaction.
func (mc *MockChain) FailNext(landOnUnknown bool, outcomes ...model.BroadcastOutcome) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.script = append(mc.script, outcomes...)
	mc.landOnUnknown = landOnUnknown
}

func (mc *MockChain) AdvanceDaa(n uint64) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.daa += n
}

func (mc *MockChain) ListSpendableOutputs(ctx context.Context, address model.KaspaWalletAddr) ([]model.SpendableOutput, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	var out []model.SpendableOutput
	for _, u := range mc.utxos {
		if u.Address == address {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Outpoint.String() < out[j].Outpoint.String() })
	return out, nil
}

func (mc *MockChain) PrepareTransaction(ctx context.Context, tmpl *model.TxTemplate) (*model.PreparedTx, error) {
	raw, err := json.Marshal(tmpl)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal template")
	}
	sum := blake2b.Sum256(raw)
	return &model.PreparedTx{TxId: hex.EncodeToString(sum[:]), Raw: raw}, nil
}

func (mc *MockChain) Broadcast(ctx context.Context, tx *model.PreparedTx) model.BroadcastResult {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.Broadcasts = append(mc.Broadcasts, tx.TxId)
	if known, ok := mc.accepted[tx.TxId]; ok {
		// still in the mempool until the next block, after that its inputs
		// are simply gone
		if known.daa == mc.daa {
			return model.BroadcastResult{Outcome: model.BroadcastAccepted, TxId: tx.TxId}
		}
		return model.BroadcastResult{Outcome: model.BroadcastRejected, TxId: tx.TxId,
			Err: errors.Errorf("transaction %s spends missing outpoints", tx.TxId)}
	}
	tmpl := model.TxTemplate{}
	if err := json.Unmarshal(tx.Raw, &tmpl); err != nil {
		return model.BroadcastResult{Outcome: model.BroadcastRejected, TxId: tx.TxId, Err: err}
	}

	if len(mc.script) > 0 {
		outcome := mc.script[0]
		mc.script = mc.script[1:]
		switch outcome {
		case model.BroadcastRejected:
			return model.BroadcastResult{Outcome: outcome, TxId: tx.TxId, Err: errors.New("rejected by script")}
		case model.BroadcastUnknown:
			if mc.landOnUnknown {
				mc.apply(tx.TxId, tmpl)
			}
			return model.BroadcastResult{Outcome: outcome, TxId: tx.TxId, Err: errors.Wrap(ErrChainTimeout, "scripted")}
		}
	}

	for _, in := range tmpl.Inputs {
		if _, ok := mc.utxos[in.Outpoint]; !ok {
			return model.BroadcastResult{Outcome: model.BroadcastRejected, TxId: tx.TxId,
				Err: errors.Errorf("missing outpoint %s", in.Outpoint)}
		}
	}
	mc.apply(tx.TxId, tmpl)
	return model.BroadcastResult{Outcome: model.BroadcastAccepted, TxId: tx.TxId}
}

func (mc *MockChain) apply(txID string, tmpl model.TxTemplate) {
	for _, in := range tmpl.Inputs {
		delete(mc.utxos, in.Outpoint)
	}
	outputs := tmpl.Outputs
	if tmpl.Change != nil {
		outputs = append(append([]model.TxOutput{}, outputs...), *tmpl.Change)
	}
	for i, o := range outputs {
		op := model.Outpoint{TxId: txID, Index: uint32(i)}
		mc.utxos[op] = model.SpendableOutput{
			Outpoint:      op,
			Address:       o.Address,
			Amount:        o.Amount,
			BlockDaascore: mc.daa,
			Status:        model.OutputStatusFree,
		}
	}
	mc.accepted[txID] = &mockTx{template: tmpl, daa: mc.daa}
}

// GetTransactionStatus only sees transactions through their unspent outputs
// at the given addresses, as the node's utxo index does.
func (mc *MockChain) GetTransactionStatus(ctx context.Context, txID string, addresses []string) (model.TxStatus, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	wanted := map[model.KaspaWalletAddr]struct{}{}
	for _, a := range addresses {
		wanted[model.KaspaWalletAddr(a)] = struct{}{}
	}
	status := model.TxStatus{}
	for _, u := range mc.utxos {
		if u.TxId != txID {
			continue
		}
		if _, ok := wanted[u.Address]; !ok {
			continue
		}
		status.Found = true
		if c := confirmations(mc.daa, u.BlockDaascore); c > status.Confirmations {
			status.Confirmations = c
		}
	}
	return status, nil
}

// Paid sums what the chain has delivered to an address across accepted transactions.
func (mc *MockChain) Paid(address model.KaspaWalletAddr) uint64 {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	total := uint64(0)
	for _, tx := range mc.accepted {
		for _, o := range tx.template.Outputs {
			if o.Address == address {
				total += o.Amount
			}
		}
	}
	return total
}

func (mc *MockChain) AcceptedCount() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return len(mc.accepted)
}
