package derive

import (
	"context"

	"github.com/ethereum-optimism/rollup-node/op-node/eth"
)

// DataIter yields successive raw batcher-transaction payloads in arrival order: the
// order within the L1 block, and among L1 blocks by number.
type DataIter interface {
	Next(ctx context.Context) ([]byte, error)
}

// L1Retrieval is the Batcher-Tx Stage: it pulls L1Info from L1Traversal and exposes the
// batcher-transaction calldata it carries as a DataIter, one L1 block at a time
//.
type L1Retrieval struct {
	prev *L1Traversal

	data    [][]byte
	dataIdx int
	origin  eth.L1BlockRef
}

func NewL1Retrieval(prev *L1Traversal) *L1Retrieval {
	return &L1Retrieval{prev: prev}
}

func (l *L1Retrieval) Origin() eth.L1BlockRef {
	return l.prev.Origin()
}

// NextData returns the next batcher transaction's calldata, advancing to the next L1
// block's transactions once the current block is exhausted.
func (l *L1Retrieval) NextData(ctx context.Context) ([]byte, error) {
	if l.dataIdx >= len(l.data) {
		info, err := l.prev.NextL1Block(ctx)
		if err != nil {
			return nil, err
		}
		l.data = info.BatcherTransactions
		l.dataIdx = 0
		l.origin = info.Self
	}
	if l.dataIdx >= len(l.data) {
		// empty L1 block: nothing to retrieve from it, but it was still consumed. A nil
		// result without error lets the caller pull again and move on to the next block.
		return nil, nil
	}
	d := l.data[l.dataIdx]
	l.dataIdx++
	return d, nil
}

func (l *L1Retrieval) Reset(origin eth.L1BlockRef) {
	l.data = nil
	l.dataIdx = 0
	l.origin = origin
	l.prev.Reset(origin)
}
