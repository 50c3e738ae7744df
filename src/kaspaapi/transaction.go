package kaspaapi

import (
	"github.com/kaspanet/kaspad/domain/consensus/model/externalapi"
	"github.com/kaspanet/kaspad/domain/consensus/utils/constants"
	"github.com/kaspanet/kaspad/domain/consensus/utils/subnetworks"
	"github.com/kaspanet/kaspad/domain/consensus/utils/transactionid"
	"github.com/kaspanet/kaspad/domain/consensus/utils/txscript"
	"github.com/kaspanet/kaspad/util"
	"github.com/onemorebsmith/kaspa-settler/src/model"
	"github.com/pkg/errors"
)

func PrefixForNetwork(network string) (util.Bech32Prefix, error) {
	switch network {
	case "", "mainnet", "kaspa":
		return util.Bech32PrefixKaspa, nil
	case "testnet", "kaspatest":
		return util.Bech32PrefixKaspaTest, nil
	case "devnet", "kaspadev":
		return util.Bech32PrefixKaspaDev, nil
	case "simnet", "kaspasim":
		return util.Bech32PrefixKaspaSim, nil
	}
	return util.Bech32PrefixUnknown, errors.Errorf("unknown network `%s`", network)
}

func PayToAddress(address model.KaspaWalletAddr, prefix util.Bech32Prefix) (*externalapi.ScriptPublicKey, error) {
	addr, err := util.DecodeAddress(string(address), prefix)
	if err != nil {
		return nil, errors.Wrapf(err, "failed decoding address %s", address)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed building script for %s", address)
	}
	return script, nil
}

// BuildTransaction turns a funded template into an unsigned kaspa transaction.
// Outputs keep the template order with the change output last.
func BuildTransaction(tmpl *model.TxTemplate, prefix util.Bech32Prefix) (*externalapi.DomainTransaction, error) {
	if len(tmpl.Inputs) == 0 {
		return nil, errors.New("transaction has no inputs")
	}
	inputs := make([]*externalapi.DomainTransactionInput, 0, len(tmpl.Inputs))
	for _, in := range tmpl.Inputs {
		txID, err := transactionid.FromString(in.TxId)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid input tx id %s", in.TxId)
		}
		inputs = append(inputs, &externalapi.DomainTransactionInput{
			PreviousOutpoint: externalapi.DomainOutpoint{TransactionID: *txID, Index: in.Index},
			Sequence:         constants.MaxTxInSequenceNum,
			SigOpCount:       1,
		})
	}

	payments := tmpl.Outputs
	if tmpl.Change != nil {
		payments = append(append([]model.TxOutput{}, tmpl.Outputs...), *tmpl.Change)
	}
	outputs := make([]*externalapi.DomainTransactionOutput, 0, len(payments))
	for _, out := range payments {
		script, err := PayToAddress(out.Address, prefix)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, &externalapi.DomainTransactionOutput{
			Value:           out.Amount,
			ScriptPublicKey: script,
		})
	}

	return &externalapi.DomainTransaction{
		Version:      constants.MaxTransactionVersion,
		Inputs:       inputs,
		Outputs:      outputs,
		LockTime:     0,
		SubnetworkID: subnetworks.SubnetworkIDNative,
		Gas:          0,
		Payload:      []byte{},
	}, nil
}
