package derive

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ethereum-optimism/rollup-node/op-node/eth"
)

// Engine is the execution-client surface the derivation pipeline drives: build a block
// from PayloadAttributes, insert a fully-derived block, and move the canonical head
//.
type Engine interface {
	GetPayload(ctx context.Context, payloadID eth.PayloadID) (*eth.ExecutionPayload, error)
	ForkchoiceUpdate(ctx context.Context, state *eth.ForkchoiceState, attrs *eth.PayloadAttributes) (*eth.ForkchoiceUpdatedResult, error)
	NewPayload(ctx context.Context, payload *eth.ExecutionPayload) (*eth.PayloadStatusV1, error)
	PayloadByHash(ctx context.Context, hash common.Hash) (*eth.ExecutionPayload, error)
	PayloadByNumber(ctx context.Context, num uint64) (*eth.ExecutionPayload, error)
	L2BlockRefByHash(ctx context.Context, hash common.Hash) (eth.L2BlockRef, error)
	L2BlockRefByNumber(ctx context.Context, num uint64) (eth.L2BlockRef, error)

	// SafeL2BlockRef reports the block the execution client currently considers safe,
	// used to resume derivation after checkpoint sync once it stops snap-syncing.
	SafeL2BlockRef(ctx context.Context) (eth.L2BlockRef, error)
}
