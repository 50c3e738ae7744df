package kaspaapi

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/kaspanet/kaspad/app/appmessage"
	"github.com/kaspanet/kaspad/domain/consensus/utils/consensushashing"
	"github.com/kaspanet/kaspad/infrastructure/network/rpcclient"
	"github.com/kaspanet/kaspad/util"
	"github.com/onemorebsmith/kaspa-settler/src/model"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrChainTimeout is returned when a node call does not answer within the
// configured timeout. The outcome of the call is unknown.
var ErrChainTimeout = errors.New("kaspad call timed out")

// node is the part of rpcclient.RPCClient the settler calls.
type node interface {
	GetBlockDAGInfo() (*appmessage.GetBlockDAGInfoResponseMessage, error)
	GetUTXOsByAddresses(addresses []string) (*appmessage.GetUTXOsByAddressesResponseMessage, error)
	SubmitTransaction(transaction *appmessage.RPCTransaction, allowOrphan bool) (*appmessage.SubmitTransactionResponseMessage, error)
	Close() error
}

type KaspaApi struct {
	address          string
	kaspad           node
	logger           *zap.Logger
	timeout          time.Duration
	prefix           util.Bech32Prefix
	signer           Signer
	minConfirmations uint64
}

type KaspaApiConfig struct {
	Address          string
	Network          string
	Timeout          time.Duration
	MinConfirmations uint64
}

func NewKaspaAPI(cfg KaspaApiConfig, signer Signer, logger *zap.Logger) (*KaspaApi, error) {
	prefix, err := PrefixForNetwork(cfg.Network)
	if err != nil {
		return nil, err
	}
	client, err := rpcclient.NewRPCClient(cfg.Address)
	if err != nil {
		return nil, errors.Wrapf(err, "failed connecting to kaspad at %s", cfg.Address)
	}
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	return &KaspaApi{
		address:          cfg.Address,
		kaspad:           client,
		logger:           logger.With(zap.String("component", "kaspaapi"), zap.String("address", cfg.Address)),
		timeout:          cfg.Timeout,
		prefix:           prefix,
		signer:           signer,
		minConfirmations: cfg.MinConfirmations,
	}, nil
}

func (ka *KaspaApi) Close() error {
	return ka.kaspad.Close()
}

// call runs a blocking node request against the context. rpcclient has no
// context support, so the request is abandoned (not cancelled) on timeout.
func call[T any](ctx context.Context, timeout time.Duration, fn func() (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		val, err := fn()
		done <- result{val, err}
	}()
	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, errors.Wrap(ErrChainTimeout, ctx.Err().Error())
	}
}

func (ka *KaspaApi) virtualDaaScore(ctx context.Context) (uint64, error) {
	info, err := call(ctx, ka.timeout, ka.kaspad.GetBlockDAGInfo)
	if err != nil {
		return 0, errors.Wrap(err, "failed fetching dag info")
	}
	return info.VirtualDAAScore, nil
}

func (ka *KaspaApi) utxosFor(ctx context.Context, addresses []string) ([]*appmessage.UTXOsByAddressesEntry, error) {
	resp, err := call(ctx, ka.timeout, func() (*appmessage.GetUTXOsByAddressesResponseMessage, error) {
		return ka.kaspad.GetUTXOsByAddresses(addresses)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed fetching utxos")
	}
	return resp.Entries, nil
}

// ListSpendableOutputs returns the address's utxos that have at least the
// configured number of confirmations.
func (ka *KaspaApi) ListSpendableOutputs(ctx context.Context, address model.KaspaWalletAddr) ([]model.SpendableOutput, error) {
	virtual, err := ka.virtualDaaScore(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := ka.utxosFor(ctx, []string{string(address)})
	if err != nil {
		return nil, err
	}
	var outputs []model.SpendableOutput
	for _, v := range entries {
		if v.Outpoint == nil || v.UTXOEntry == nil {
			continue
		}
		if confirmations(virtual, v.UTXOEntry.BlockDAAScore) < ka.minConfirmations {
			continue
		}
		outputs = append(outputs, model.SpendableOutput{
			Outpoint:      model.Outpoint{TxId: v.Outpoint.TransactionID, Index: v.Outpoint.Index},
			Address:       address,
			Amount:        v.UTXOEntry.Amount,
			BlockDaascore: v.UTXOEntry.BlockDAAScore,
			Status:        model.OutputStatusFree,
		})
	}
	ka.logger.Debug("fetched spendable outputs", zap.Int("count", len(outputs)), zap.Int("total", len(entries)))
	return outputs, nil
}

// PrepareTransaction builds and signs the template. The kaspa tx id does not
// cover signature scripts, so the id is known before the signer answers and
// is checked against what comes back.
func (ka *KaspaApi) PrepareTransaction(ctx context.Context, tmpl *model.TxTemplate) (*model.PreparedTx, error) {
	unsigned, err := BuildTransaction(tmpl, ka.prefix)
	if err != nil {
		return nil, errors.Wrap(err, "failed building transaction")
	}
	expected := consensushashing.TransactionID(unsigned).String()
	signed, err := ka.signer.Sign(ctx, appmessage.DomainTransactionToRPCTransaction(unsigned))
	if err != nil {
		return nil, errors.Wrap(err, "failed signing transaction")
	}
	domain, err := appmessage.RPCTransactionToDomainTransaction(signed)
	if err != nil {
		return nil, errors.Wrap(err, "failed changing rpc to domain transaction")
	}
	if id := consensushashing.TransactionID(domain).String(); id != expected {
		return nil, errors.Errorf("signer changed transaction %s into %s", expected, id)
	}
	raw, err := json.Marshal(signed)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal transaction to json")
	}
	return &model.PreparedTx{TxId: expected, Raw: raw}, nil
}

// Broadcast submits a signed transaction. Submitting a transaction the node
// already has is accepted, so a prepared tx can be resubmitted safely.
func (ka *KaspaApi) Broadcast(ctx context.Context, tx *model.PreparedTx) model.BroadcastResult {
	rpcTx := &appmessage.RPCTransaction{}
	if err := json.Unmarshal(tx.Raw, rpcTx); err != nil {
		return model.BroadcastResult{Outcome: model.BroadcastRejected, TxId: tx.TxId,
			Err: errors.Wrap(err, "failed to unmarshal prepared transaction")}
	}
	resp, err := call(ctx, ka.timeout, func() (*appmessage.SubmitTransactionResponseMessage, error) {
		return ka.kaspad.SubmitTransaction(rpcTx, false)
	})
	if err != nil {
		outcome := ClassifyBroadcastError(err)
		if outcome == model.BroadcastAccepted {
			ka.logger.Info("node already has transaction", zap.String("tx", tx.TxId))
			return model.BroadcastResult{Outcome: outcome, TxId: tx.TxId}
		}
		ka.logger.Warn("broadcast failed", zap.String("tx", tx.TxId), zap.String("outcome", string(outcome)), zap.Error(err))
		return model.BroadcastResult{Outcome: outcome, TxId: tx.TxId, Err: err}
	}
	if resp.TransactionID != "" && resp.TransactionID != tx.TxId {
		ka.logger.Error("node returned unexpected tx id", zap.String("expected", tx.TxId), zap.String("got", resp.TransactionID))
	}
	ka.logger.Info("broadcast accepted", zap.String("tx", tx.TxId))
	return model.BroadcastResult{Outcome: model.BroadcastAccepted, TxId: tx.TxId}
}

// ValidateAddress checks that address decodes on the configured network, so a
// payment to it can be built.
func (ka *KaspaApi) ValidateAddress(address model.KaspaWalletAddr) error {
	_, err := PayToAddress(address, ka.prefix)
	return err
}

// ClassifyBroadcastError separates rejections, which are safe to retry with a
// fresh selection, from failures where the node may have taken the transaction.
func ClassifyBroadcastError(err error) model.BroadcastOutcome {
	if errors.Is(err, ErrChainTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return model.BroadcastUnknown
	}
	msg := strings.ToLower(err.Error())
	// a resubmitted transaction the node already holds
	if strings.Contains(msg, "already in the mempool") || strings.Contains(msg, "already exists") {
		return model.BroadcastAccepted
	}
	for _, s := range []string{"timeout", "timed out", "closed", "connection", "eof", "unavailable"} {
		if strings.Contains(msg, s) {
			return model.BroadcastUnknown
		}
	}
	return model.BroadcastRejected
}

// GetTransactionStatus looks for outputs created by txID at the given
// addresses. Confirmations are counted in DAA score since the output's block.
func (ka *KaspaApi) GetTransactionStatus(ctx context.Context, txID string, addresses []string) (model.TxStatus, error) {
	virtual, err := ka.virtualDaaScore(ctx)
	if err != nil {
		return model.TxStatus{}, err
	}
	entries, err := ka.utxosFor(ctx, addresses)
	if err != nil {
		return model.TxStatus{}, err
	}
	status := model.TxStatus{}
	for _, v := range entries {
		if v.Outpoint == nil || v.UTXOEntry == nil || v.Outpoint.TransactionID != txID {
			continue
		}
		status.Found = true
		if c := confirmations(virtual, v.UTXOEntry.BlockDAAScore); c > status.Confirmations {
			status.Confirmations = c
		}
	}
	return status, nil
}

func confirmations(virtual, blockDaa uint64) uint64 {
	if blockDaa > virtual {
		return 0
	}
	return virtual - blockDaa
}
