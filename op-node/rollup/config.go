package rollup

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ethereum-optimism/rollup-node/op-node/eth"
)

// Genesis anchors L1 and L2 at the point derivation starts from.
type Genesis struct {
	L1 eth.BlockID `json:"l1"`
	L2 eth.BlockID `json:"l2"`
	// L2Time is the timestamp of the L2 genesis block.
	L2Time uint64 `json:"l2_time"`
	// SystemConfig is the SystemConfig at the genesis block, used until the first
	// SystemConfigUpdate log is observed.
	SystemConfig SystemConfig `json:"system_config"`
}

// SystemConfig carries the subset of L1-governed configuration that can change over
// time and that the Attributes Stage must pick per-epoch.
type SystemConfig struct {
	BatcherAddr common.Address `json:"batcherAddr"`
	Overhead    eth.Bytes32    `json:"overhead"`
	Scalar      eth.Bytes32    `json:"scalar"`
	GasLimit    uint64         `json:"gasLimit"`
}

// Config is the immutable, per-chain configuration. It is
// loaded once at startup and passed by read-only reference to every component.
type Config struct {
	Genesis Genesis `json:"genesis"`

	// BlockTime is the number of seconds between L2 blocks.
	BlockTime uint64 `json:"block_time"`

	// MaxSequencerDrift bounds how far a batch's L2 timestamp may exceed its L1 origin's
	// timestamp.
	MaxSequencerDrift uint64 `json:"max_sequencer_drift"`

	// SeqWindowSize is the number of L1 blocks after an epoch within which a batch for
	// that epoch may still be accepted.
	SeqWindowSize uint64 `json:"seq_window_size"`

	// ChannelTimeout is the number of L1 blocks a channel may remain open before being
	// dropped.
	ChannelTimeout uint64 `json:"channel_timeout"`

	// MaxChannelSize is the maximum total buffered bytes across all pending channels
	//.
	MaxChannelSize uint64 `json:"max_channel_size"`

	L1ChainID *big.Int `json:"l1_chain_id"`
	L2ChainID *big.Int `json:"l2_chain_id"`

	BatchInboxAddress       common.Address `json:"batch_inbox_address"`
	DepositContractAddress  common.Address `json:"deposit_contract_address"`
	L1SystemConfigAddress   common.Address `json:"l1_system_config_address"`

	RegolithTime *uint64 `json:"regolith_time,omitempty"`

	// L1ConfirmationDepth is how many blocks behind L1 head the streaming cursor trails,
	// so a block is only ever handed to derivation once it is unlikely to be reorged out.
	L1ConfirmationDepth uint64 `json:"l1_confirmation_depth"`
}

// DefaultL1ConfirmationDepth is used when a chain config leaves L1ConfirmationDepth unset.
const DefaultL1ConfirmationDepth = 4

// TargetBlockNumber returns the L2 block number expected at timestamp t, given genesis.
func (c *Config) TargetBlockNumber(timestamp uint64) (num uint64, err error) {
	if timestamp < c.Genesis.L2Time {
		return 0, fmt.Errorf("%d is older than genesis %d", timestamp, c.Genesis.L2Time)
	}
	return c.Genesis.L2.Number + (timestamp-c.Genesis.L2Time)/c.BlockTime, nil
}

// ConfirmationDepth returns L1ConfirmationDepth, falling back to
// DefaultL1ConfirmationDepth when the chain config leaves it at zero.
func (c *Config) ConfirmationDepth() uint64 {
	if c.L1ConfirmationDepth == 0 {
		return DefaultL1ConfirmationDepth
	}
	return c.L1ConfirmationDepth
}

// IsRegolith returns whether the Regolith network upgrade is active at the given L2
// block timestamp. Regolith tightens deposit-receipt handling; only the activation time
// comparison is relevant to derivation.
func (c *Config) IsRegolith(timestamp uint64) bool {
	return c.RegolithTime != nil && timestamp >= *c.RegolithTime
}
