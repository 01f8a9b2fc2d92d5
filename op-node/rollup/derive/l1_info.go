package derive

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/ethereum-optimism/rollup-node/op-node/eth"
)

// UserDeposit is a single user deposit transaction decoded from a TransactionDeposited
// log emitted by the deposit contract.
type UserDeposit struct {
	// SourceHash is deterministically derived from the L1 log (block hash, log index);
	// it becomes the deposit tx's SourceHash field.
	SourceHash common.Hash
	From       common.Address
	To         *common.Address
	Mint       *uint256.Int
	Value      *uint256.Int
	Gas        uint64
	IsCreation bool
	Data       []byte
	// LogIndex preserves the log's position within the L1 block, for ordering among
	// multiple deposits in the same epoch.
	LogIndex uint
}

// L1Info is everything the derivation pipeline observes about one L1 block
//.
type L1Info struct {
	Self eth.L1BlockRef

	// BatcherTransactions is the raw calldata of every L1 transaction in this block with
	// to == batch_inbox and from == batch_sender, in block order.
	BatcherTransactions [][]byte

	// Deposits are user deposit transactions decoded from TransactionDeposited logs in
	// this block, in log order.
	Deposits []UserDeposit

	// SystemConfigUpdate, if non-nil, is a new SystemConfig observed via a
	// SystemConfigUpdate log in this block.
	SystemConfigUpdate *SystemConfigUpdate

	MixDigest common.Hash
	BaseFee   *uint256.Int
}

// SystemConfigUpdate carries a change to the system configuration observed via a log
// from the system-config contract.
type SystemConfigUpdate struct {
	BatcherAddr *common.Address
	Overhead    *eth.Bytes32
	Scalar      *eth.Bytes32
	GasLimit    *uint64
}
