package eth

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

// Data is an EIP-2718 encoded transaction, opaque to the derivation pipeline except for
// its leading type byte.
type Data = hexutil.Bytes

// PayloadAttributes is the set of data the execution client needs to build an L2 block,
// as specified by the Engine API engine_forkchoiceUpdatedV1 "payloadAttributes" param.
type PayloadAttributes struct {
	Timestamp             hexutil.Uint64 `json:"timestamp"`
	PrevRandao            Bytes32        `json:"prevRandao"`
	SuggestedFeeRecipient common.Address `json:"suggestedFeeRecipient"`
	Transactions          []Data         `json:"transactions,omitempty"`
	NoTxPool              bool           `json:"noTxPool,omitempty"`
	GasLimit              *hexutil.Uint64 `json:"gasLimit,omitempty"`
}

// ExecutionPayload is the execution-layer block returned by engine_getPayloadV1 and
// submitted back via engine_newPayloadV1.
type ExecutionPayload struct {
	ParentHash    common.Hash     `json:"parentHash"`
	FeeRecipient  common.Address  `json:"feeRecipient"`
	StateRoot     Bytes32         `json:"stateRoot"`
	ReceiptsRoot  Bytes32         `json:"receiptsRoot"`
	LogsBloom     Bytes256        `json:"logsBloom"`
	PrevRandao    Bytes32         `json:"prevRandao"`
	BlockNumber   hexutil.Uint64  `json:"blockNumber"`
	GasLimit      hexutil.Uint64  `json:"gasLimit"`
	GasUsed       hexutil.Uint64  `json:"gasUsed"`
	Timestamp     hexutil.Uint64  `json:"timestamp"`
	ExtraData     hexutil.Bytes   `json:"extraData"`
	BaseFeePerGas *uint256.Int    `json:"baseFeePerGas"`
	BlockHash     common.Hash     `json:"blockHash"`
	Transactions  []Data          `json:"transactions"`
}

func (p *ExecutionPayload) ID() BlockID {
	return BlockID{Hash: p.BlockHash, Number: uint64(p.BlockNumber)}
}

type Bytes256 [256]byte

// PayloadID identifies an in-progress payload building job on the execution client, as
// returned from engine_forkchoiceUpdatedV1 and consumed by engine_getPayloadV1.
type PayloadID [8]byte

func (id PayloadID) String() string {
	return hexutil.Bytes(id[:]).String()
}

// ForkchoiceState is the (head, safe, finalized) triple communicated to the execution
// client to pin its canonical chain.
type ForkchoiceState struct {
	HeadBlockHash      common.Hash `json:"headBlockHash"`
	SafeBlockHash      common.Hash `json:"safeBlockHash"`
	FinalizedBlockHash common.Hash `json:"finalizedBlockHash"`
}

type ExecutePayloadStatus string

const (
	ExecutionValid            ExecutePayloadStatus = "VALID"
	ExecutionInvalid          ExecutePayloadStatus = "INVALID"
	ExecutionSyncing          ExecutePayloadStatus = "SYNCING"
	ExecutionAccepted         ExecutePayloadStatus = "ACCEPTED"
	ExecutionInvalidBlockHash ExecutePayloadStatus = "INVALID_BLOCK_HASH"
)

type PayloadStatusV1 struct {
	Status          ExecutePayloadStatus `json:"status"`
	LatestValidHash *common.Hash         `json:"latestValidHash"`
	ValidationError *string              `json:"validationError"`
}

type ForkchoiceUpdatedResult struct {
	PayloadStatus PayloadStatusV1 `json:"payloadStatus"`
	PayloadID     *PayloadID      `json:"payloadId"`
}

// SyncStatus reports on the current derivation/engine progress; served over the (out of
// scope) local RPC surface, consumed here only for internal bookkeeping and logging.
type SyncStatus struct {
	CurrentL1   L1BlockRef `json:"current_l1"`
	HeadL1      L1BlockRef `json:"head_l1"`
	SafeL1      L1BlockRef `json:"safe_l1"`
	FinalizedL1 L1BlockRef `json:"finalized_l1"`
	UnsafeL2    L2BlockRef `json:"unsafe_l2"`
	SafeL2      L2BlockRef `json:"safe_l2"`
	FinalizedL2 L2BlockRef `json:"finalized_l2"`
}
