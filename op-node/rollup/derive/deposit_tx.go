package derive

import (
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/ethereum-optimism/rollup-node/op-node/eth"
)

// l1InfoFuncSelector is the 4-byte selector of the system L1-attributes setter the
// deposited transaction calls, setL1BlockValues(uint64,uint64,uint256,bytes32,uint64,
// bytes32,uint256,uint256).
var l1InfoFuncSelector = [4]byte{0x01, 0x5d, 0x8e, 0xb9}

// L1BlockAddress is the protocol-fixed predeploy address the attributes deposit
// transaction targets.
var L1BlockAddress = common.HexToAddress("0x4200000000000000000000000000000000000015")

// L1InfoDepositTxData carries everything encoded into the first transaction of every L2
// block: the L1-attributes deposit.
type L1InfoDepositTxData struct {
	Number         uint64
	Time           uint64
	BaseFee        *uint256.Int
	BlockHash      common.Hash
	SequenceNumber uint64
	BatcherAddr    common.Address
	L1FeeOverhead  eth.Bytes32
	L1FeeScalar    eth.Bytes32
	PrevRandao     eth.Bytes32
}

// L1InfoDepositBytes ABI-encodes the L1 attributes call data, matching the call
// setL1BlockValues(...) expects.
func L1InfoDepositBytes(d L1InfoDepositTxData) ([]byte, error) {
	out := make([]byte, 0, 4+32*8)
	out = append(out, l1InfoFuncSelector[:]...)
	out = append(out, encodeUint64AsWord(d.Number)...)
	out = append(out, encodeUint64AsWord(d.Time)...)
	out = append(out, encodeBigAsWord(d.BaseFee.ToBig())...)
	out = append(out, d.BlockHash.Bytes()...)
	out = append(out, encodeUint64AsWord(d.SequenceNumber)...)
	out = append(out, leftPadAddress(d.BatcherAddr)...)
	out = append(out, d.L1FeeOverhead[:]...)
	out = append(out, d.L1FeeScalar[:]...)
	return out, nil
}

func encodeUint64AsWord(v uint64) []byte {
	word := make([]byte, 32)
	binary.BigEndian.PutUint64(word[24:], v)
	return word
}

func encodeBigAsWord(v *big.Int) []byte {
	word := make([]byte, 32)
	if v != nil {
		b := v.Bytes()
		copy(word[32-len(b):], b)
	}
	return word
}

func leftPadAddress(a common.Address) []byte {
	word := make([]byte, 32)
	copy(word[12:], a.Bytes())
	return word
}

// sourceHashDomain distinguishes the two deposit-source-hash derivations; user deposit txs use the TransactionDeposited log's
// source hash").
type sourceHashDomain uint64

const (
	userDepositSourceDomain   sourceHashDomain = 0
	l1InfoDepositSourceDomain sourceHashDomain = 1
)

// deriveSourceHash hashes a domain-tagged deposit ID the way the protocol's source-hash
// scheme requires: keccak256(bytes32(domain) ++ keccak256(l1BlockHash ++ depositID)).
func deriveSourceHash(domain sourceHashDomain, l1BlockHash common.Hash, depositID []byte) common.Hash {
	input := append(append([]byte{}, l1BlockHash.Bytes()...), depositID...)
	inner := crypto.Keccak256Hash(input)
	word := make([]byte, 32)
	binary.BigEndian.PutUint64(word[24:], uint64(domain))
	return crypto.Keccak256Hash(word, inner.Bytes())
}

// L1InfoDepositSourceHash deterministically derives the source hash for the attributes
// deposit transaction from its L1 epoch and position within the epoch.
func L1InfoDepositSourceHash(l1BlockHash common.Hash, seqNumber uint64) common.Hash {
	return deriveSourceHash(l1InfoDepositSourceDomain, l1BlockHash, encodeUint64AsWord(seqNumber))
}

// UserDepositSourceHash derives the source hash for a user deposit transaction from the
// L1 block hash it was included in and its log index within that block.
func UserDepositSourceHash(l1BlockHash common.Hash, logIndex uint) common.Hash {
	return deriveSourceHash(userDepositSourceDomain, l1BlockHash, encodeUint64AsWord(uint64(logIndex)))
}

// MarshalDepositTx builds the canonical EIP-2718 encoding of a deposit transaction, used
// both for the L1-attributes tx and for user deposits.
func MarshalDepositTx(tx *types.DepositTx) (eth.Data, error) {
	return types.NewTx(tx).MarshalBinary()
}

// DecodeL1InfoDepositTxData reverses L1InfoDepositBytes, recovering the epoch's L1 block
// number and the attributes deposit's sequence number from an L2 block's first
// transaction. It is how an L2BlockRef's L1Origin and SequenceNumber are recovered from
// an execution-client block alone.
func DecodeL1InfoDepositTxData(opaqueTx eth.Data) (number uint64, seqNumber uint64, ok bool) {
	var tx types.Transaction
	if err := tx.UnmarshalBinary(opaqueTx); err != nil {
		return 0, 0, false
	}
	if tx.Type() != types.DepositTxType || tx.To() == nil || *tx.To() != L1BlockAddress {
		return 0, 0, false
	}
	data := tx.Data()
	if len(data) < 4+32*5 {
		return 0, 0, false
	}
	number = binary.BigEndian.Uint64(data[4+24 : 4+32])
	seqNumber = binary.BigEndian.Uint64(data[4+32*4+24 : 4+32*4+32])
	return number, seqNumber, true
}
