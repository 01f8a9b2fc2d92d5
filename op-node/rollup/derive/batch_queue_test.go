package derive

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/rollup-node/op-node/eth"
	"github.com/ethereum-optimism/rollup-node/op-node/rollup"
)

// TestBatchQueueWindowExpiryBoundary checks the exact L1-block boundary at which the
// sequencing window for an epoch is considered expired: the window must still be open
// while the queue's current L1 origin is within SeqWindowSize of the epoch, and expired
// the moment it advances one block further.
func TestBatchQueueWindowExpiryBoundary(t *testing.T) {
	cfg := &rollup.Config{SeqWindowSize: 20}
	epoch := eth.L1BlockRef{Number: 50, Hash: common.HexToHash("0x50")}

	atBoundary := NewL1Traversal(nil, eth.L1BlockRef{Number: epoch.Number + cfg.SeqWindowSize}, rollup.SystemConfig{})
	bqAtBoundary := NewBatchQueue(cfg, NewChannelBank(cfg, NewL1Retrieval(atBoundary)), nil)
	require.False(t, bqAtBoundary.windowExpired(epoch), "window must still be open exactly at epoch.Number+SeqWindowSize")

	pastBoundary := NewL1Traversal(nil, eth.L1BlockRef{Number: epoch.Number + cfg.SeqWindowSize + 1}, rollup.SystemConfig{})
	bqPastBoundary := NewBatchQueue(cfg, NewChannelBank(cfg, NewL1Retrieval(pastBoundary)), nil)
	require.True(t, bqPastBoundary.windowExpired(epoch), "window must be expired the block after epoch.Number+SeqWindowSize")
}
