package derive

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/ethereum-optimism/rollup-node/op-node/eth"
)

// l1InfoDepositGas is the fixed gas limit given to the L1-attributes deposit transaction;
// it never runs out of gas since setL1BlockValues is cheap and deterministic.
const l1InfoDepositGas = 150_000

// MarshalL1InfoDepositTx wraps the ABI-encoded L1 attributes call data into a system
// deposit transaction targeting the L1Block predeploy, and returns its binary encoding
//.
func MarshalL1InfoDepositTx(data []byte, sourceHash common.Hash) (eth.Data, error) {
	tx := &types.DepositTx{
		SourceHash:          sourceHash,
		From:                L1InfoDepositerAddress,
		To:                  &L1BlockAddress,
		Mint:                nil,
		Value:               new(big.Int),
		Gas:                 l1InfoDepositGas,
		IsSystemTransaction: true,
		Data:                data,
	}
	return MarshalDepositTx(tx)
}

// L1InfoDepositerAddress is the protocol-fixed sender of the L1-attributes deposit.
var L1InfoDepositerAddress = common.HexToAddress("0xdeaddeaddeaddeaddeaddeaddeaddeaddead0001")

// MarshalUserDepositTx converts a parsed TransactionDeposited log into the deposit
// transaction it represents, and returns its binary encoding.
func MarshalUserDepositTx(d UserDeposit) (eth.Data, error) {
	var mint *big.Int
	if d.Mint != nil {
		mint = d.Mint.ToBig()
	}
	value := new(big.Int)
	if d.Value != nil {
		value = d.Value.ToBig()
	}
	tx := &types.DepositTx{
		SourceHash:          d.SourceHash,
		From:                d.From,
		To:                  d.To,
		Mint:                mint,
		Value:               value,
		Gas:                 d.Gas,
		IsSystemTransaction: false,
		Data:                d.Data,
	}
	if d.IsCreation {
		tx.To = nil
	}
	return MarshalDepositTx(tx)
}
