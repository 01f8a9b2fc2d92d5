// Package db persists every L2 block the node has constructed, indexed the several ways
// the rest of the node needs to look blocks back up: by hash, by number, by the L1 block
// that derived it, by timestamp, and by any transaction hash it contains.
package db

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ethereum-optimism/rollup-node/op-node/eth"
)

// ConstructedBlock is the durable record stored for every L2 block the engine has
// confirmed: the execution payload plus the derivation bookkeeping needed to serve the
// node's secondary indices.
type ConstructedBlock struct {
	Payload  *eth.ExecutionPayload `json:"payload"`
	L1Origin eth.BlockID           `json:"l1Origin"`
	SeqNumber uint64               `json:"seqNumber"`
}

// BlockDB is the node's store of record for derived L2 blocks.
type BlockDB interface {
	Put(ctx context.Context, b *ConstructedBlock) error

	GetByHash(ctx context.Context, hash common.Hash) (*ConstructedBlock, error)
	GetByNumber(ctx context.Context, num uint64) (*ConstructedBlock, error)
	GetByL1Hash(ctx context.Context, l1Hash common.Hash) (*ConstructedBlock, error)
	GetByL1Number(ctx context.Context, l1Num uint64) (*ConstructedBlock, error)
	GetByTimestamp(ctx context.Context, timestamp uint64) (*ConstructedBlock, error)
	GetByTxHash(ctx context.Context, txHash common.Hash) (*ConstructedBlock, error)

	Close() error
}
