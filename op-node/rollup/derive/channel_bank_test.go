package derive

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/rollup-node/op-node/eth"
	"github.com/ethereum-optimism/rollup-node/op-node/rollup"
)

// TestChannelBankPrunesOnExactTimeout checks the exact L1-block boundary at which a
// pending channel is evicted: it must survive as long as the current L1 block is within
// ChannelTimeout of the block the channel's first frame was seen in, and be pruned the
// moment the bank advances one block past that.
func TestChannelBankPrunesOnExactTimeout(t *testing.T) {
	cfg := &rollup.Config{ChannelTimeout: 10}
	traversal := NewL1Traversal(nil, eth.L1BlockRef{Number: 100}, rollup.SystemConfig{})
	cb := NewChannelBank(cfg, NewL1Retrieval(traversal))

	id := ChannelID{0x01}
	cb.ingestFrame(Frame{ID: id, FrameNumber: 0, Data: []byte{0x01}}, 100)
	require.Contains(t, cb.channels, id, "channel must be tracked right after its first frame")

	cb.pruneTimedOut(100 + cfg.ChannelTimeout)
	require.Contains(t, cb.channels, id, "channel must still be live exactly at FirstSeenL1Block+ChannelTimeout")

	cb.pruneTimedOut(100 + cfg.ChannelTimeout + 1)
	require.NotContains(t, cb.channels, id, "channel must be pruned the block after FirstSeenL1Block+ChannelTimeout")
}
