package derivationtest

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/binary"
	"io"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/rollup-node/op-node/eth"
	"github.com/ethereum-optimism/rollup-node/op-node/rollup"
	"github.com/ethereum-optimism/rollup-node/op-node/rollup/derive"
)

// encodeFrame builds one FrameV0 wire frame; mirrors the layout documented in
// op-node/rollup/derive/params.go.
func encodeFrame(id derive.ChannelID, num uint16, data []byte, isLast bool) []byte {
	out := make([]byte, 0, 16+2+4+len(data)+1)
	out = append(out, id[:]...)

	frameNum := make([]byte, 2)
	binary.BigEndian.PutUint16(frameNum, num)
	out = append(out, frameNum...)

	frameLen := make([]byte, 4)
	binary.BigEndian.PutUint32(frameLen, uint32(len(data)))
	out = append(out, frameLen...)

	out = append(out, data...)
	if isLast {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	return out
}

// compressBatch zlib-compresses a single encoded batch, the Channel Stage's payload
// format.
func compressBatch(t *testing.T, b *derive.BatchData) []byte {
	t.Helper()
	encoded, err := derive.EncodeBatch(b)
	require.NoError(t, err)

	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, err = w.Write(encoded)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// TestDerivationPipelineAdvancesOneBlock builds a 2-block L1 chain (an empty genesis
// epoch and one epoch carrying a single-frame channel with one batch) and drives a
// DerivationPipeline against a FakeEngine, checking it produces exactly one L2 block.
func TestDerivationPipelineAdvancesOneBlock(t *testing.T) {
	cfg := &rollup.Config{
		Genesis: rollup.Genesis{
			SystemConfig: rollup.SystemConfig{GasLimit: 30_000_000},
		},
		BlockTime:         2,
		MaxSequencerDrift: 600,
		SeqWindowSize:     100,
		ChannelTimeout:     100,
		MaxChannelSize:    1_000_000,
		L1ChainID:         big.NewInt(1),
		L2ChainID:         big.NewInt(10),
	}

	genesisL1 := eth.L1BlockRef{Hash: common.HexToHash("0x1"), Number: 0, Time: 0}
	epochL1 := eth.L1BlockRef{Hash: common.HexToHash("0x2"), Number: 1, ParentHash: genesisL1.Hash, Time: 1}

	batch := &derive.BatchData{
		ParentHash:   common.Hash{}, // zero: the pipeline's initial safe head
		EpochNum:     epochL1.Number,
		EpochHash:    epochL1.Hash,
		Timestamp:    cfg.BlockTime, // one block after L2 genesis time 0
		Transactions: nil,
	}
	channelID := derive.ChannelID{0xaa}
	frame := encodeFrame(channelID, 0, compressBatch(t, batch), true)
	batcherTx := append([]byte{derive.DerivationVersion0}, frame...)

	l1 := NewFakeL1Source([]*derive.L1Info{
		{Self: genesisL1, BaseFee: uint256.NewInt(0)},
		{Self: epochL1, BatcherTransactions: [][]byte{batcherTx}, BaseFee: uint256.NewInt(0)},
	})
	eng := NewFakeEngine()
	logger := log.New()
	logger.SetHandler(log.LvlFilterHandler(log.LvlCrit, log.StreamHandler(io.Discard, log.TerminalFormat(false))))

	pipeline := derive.NewDerivationPipeline(logger, cfg, l1, eng, NopMetrics{})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		err := pipeline.Step(ctx)
		if err == nil {
			break
		}
		require.ErrorIs(t, err, io.EOF, "iteration %d", i)
	}

	require.Equal(t, uint64(1), pipeline.SafeL2Head().Number)
	require.Equal(t, cfg.BlockTime, pipeline.SafeL2Head().Time)
	require.Equal(t, epochL1.ID(), pipeline.SafeL2Head().L1Origin)
}
