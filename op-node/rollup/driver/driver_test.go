package driver

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/rollup-node/internal/derivationtest"
	"github.com/ethereum-optimism/rollup-node/op-node/db"
	"github.com/ethereum-optimism/rollup-node/op-node/eth"
	"github.com/ethereum-optimism/rollup-node/op-node/rollup"
	"github.com/ethereum-optimism/rollup-node/op-node/rollup/derive"
)

// fakeL1Chain adds the head/safe/finalized labels L1Chain needs on top of a
// derivationtest.FakeL1Source, all pinned to the source's last block.
type fakeL1Chain struct {
	*derivationtest.FakeL1Source
	head eth.L1BlockRef
}

func (f *fakeL1Chain) L1HeadBlockRef(ctx context.Context) (eth.L1BlockRef, error) {
	return f.head, nil
}
func (f *fakeL1Chain) L1SafeBlockRef(ctx context.Context) (eth.L1BlockRef, error) {
	return f.head, nil
}
func (f *fakeL1Chain) L1FinalizedBlockRef(ctx context.Context) (eth.L1BlockRef, error) {
	return f.head, nil
}

// fakeBlockDB records every Put, failing the first failCount calls to exercise the
// driver's persistHead retry/fatal path.
type fakeBlockDB struct {
	failCount int
	puts      []*db.ConstructedBlock
}

func (f *fakeBlockDB) Put(ctx context.Context, b *db.ConstructedBlock) error {
	if f.failCount > 0 {
		f.failCount--
		return fmt.Errorf("simulated write failure")
	}
	f.puts = append(f.puts, b)
	return nil
}
func (f *fakeBlockDB) GetByHash(ctx context.Context, hash common.Hash) (*db.ConstructedBlock, error) {
	return nil, fmt.Errorf("not implemented")
}
func (f *fakeBlockDB) GetByNumber(ctx context.Context, num uint64) (*db.ConstructedBlock, error) {
	return nil, fmt.Errorf("not implemented")
}
func (f *fakeBlockDB) GetByL1Hash(ctx context.Context, l1Hash common.Hash) (*db.ConstructedBlock, error) {
	return nil, fmt.Errorf("not implemented")
}
func (f *fakeBlockDB) GetByL1Number(ctx context.Context, l1Num uint64) (*db.ConstructedBlock, error) {
	return nil, fmt.Errorf("not implemented")
}
func (f *fakeBlockDB) GetByTimestamp(ctx context.Context, timestamp uint64) (*db.ConstructedBlock, error) {
	return nil, fmt.Errorf("not implemented")
}
func (f *fakeBlockDB) GetByTxHash(ctx context.Context, txHash common.Hash) (*db.ConstructedBlock, error) {
	return nil, fmt.Errorf("not implemented")
}
func (f *fakeBlockDB) Close() error { return nil }

var _ db.BlockDB = (*fakeBlockDB)(nil)

// buildBatcherTx wraps a single batch in a one-frame channel and prefixes it with the
// batcher-transaction version byte, the wire format sources.L1Client surfaces as
// BatcherTransactions.
func buildBatcherTx(t *testing.T, batch *derive.BatchData) []byte {
	t.Helper()
	compressed, err := derivationtest.CompressBatch(batch)
	require.NoError(t, err)
	frame := derivationtest.EncodeFrame(derive.ChannelID{0xaa}, 0, compressed, true)
	return append([]byte{derive.DerivationVersion0}, frame...)
}

func testLogger() log.Logger {
	logger := log.New()
	logger.SetHandler(log.LvlFilterHandler(log.LvlCrit, log.StreamHandler(io.Discard, log.TerminalFormat(false))))
	return logger
}

// TestDriverPersistsConstructedBlock drives one pipeline Step through tick and checks the
// resulting block reaches the block database exactly once.
func TestDriverPersistsConstructedBlock(t *testing.T) {
	cfg := &rollup.Config{
		Genesis: rollup.Genesis{
			SystemConfig: rollup.SystemConfig{GasLimit: 30_000_000},
		},
		BlockTime:         2,
		MaxSequencerDrift: 600,
		SeqWindowSize:     100,
		ChannelTimeout:    100,
		MaxChannelSize:    1_000_000,
	}

	genesisL1 := eth.L1BlockRef{Hash: common.HexToHash("0x1"), Number: 0, Time: 0}
	epochL1 := eth.L1BlockRef{Hash: common.HexToHash("0x2"), Number: 1, ParentHash: genesisL1.Hash, Time: 1}

	batcherTx := buildBatcherTx(t, &derive.BatchData{
		ParentHash: common.Hash{},
		EpochNum:   epochL1.Number,
		EpochHash:  epochL1.Hash,
		Timestamp:  cfg.BlockTime,
	})

	l1 := derivationtest.NewFakeL1Source([]*derive.L1Info{
		{Self: genesisL1, BaseFee: uint256.NewInt(0)},
		{Self: epochL1, BatcherTransactions: [][]byte{batcherTx}, BaseFee: uint256.NewInt(0)},
	})
	chain := &fakeL1Chain{FakeL1Source: l1, head: epochL1}
	eng := derivationtest.NewFakeEngine()
	blockDB := &fakeBlockDB{}

	drv := NewDriver(testLogger(), cfg, Config{L1PollInterval: time.Millisecond}, chain, eng, derivationtest.NopMetrics{}, blockDB)

	fatal := drv.tick(context.Background())
	require.False(t, fatal)
	require.Len(t, blockDB.puts, 1)
	require.Equal(t, uint64(1), uint64(blockDB.puts[0].Payload.BlockNumber))
}

// TestDriverPersistFailureIsFatalAfterRetries makes every block database write fail and
// checks tick reports a fatal stop once persistRetries is exhausted, rather than looping
// forever or silently dropping the block.
func TestDriverPersistFailureIsFatalAfterRetries(t *testing.T) {
	cfg := &rollup.Config{
		Genesis: rollup.Genesis{
			SystemConfig: rollup.SystemConfig{GasLimit: 30_000_000},
		},
		BlockTime:         2,
		MaxSequencerDrift: 600,
		SeqWindowSize:     100,
		ChannelTimeout:    100,
		MaxChannelSize:    1_000_000,
	}

	genesisL1 := eth.L1BlockRef{Hash: common.HexToHash("0x1"), Number: 0, Time: 0}
	epochL1 := eth.L1BlockRef{Hash: common.HexToHash("0x2"), Number: 1, ParentHash: genesisL1.Hash, Time: 1}

	batcherTx := buildBatcherTx(t, &derive.BatchData{
		ParentHash: common.Hash{},
		EpochNum:   epochL1.Number,
		EpochHash:  epochL1.Hash,
		Timestamp:  cfg.BlockTime,
	})

	l1 := derivationtest.NewFakeL1Source([]*derive.L1Info{
		{Self: genesisL1, BaseFee: uint256.NewInt(0)},
		{Self: epochL1, BatcherTransactions: [][]byte{batcherTx}, BaseFee: uint256.NewInt(0)},
	})
	chain := &fakeL1Chain{FakeL1Source: l1, head: epochL1}
	eng := derivationtest.NewFakeEngine()
	blockDB := &fakeBlockDB{failCount: persistRetries + 1}

	drv := NewDriver(testLogger(), cfg, Config{L1PollInterval: time.Millisecond}, chain, eng, derivationtest.NopMetrics{}, blockDB)

	fatal := drv.tick(context.Background())
	require.True(t, fatal)
	require.Empty(t, blockDB.puts)
}

// TestDriverHaltsOnInvalidPayload checks that an engine rejecting a derived block as
// invalid halts the driver (a Consensus fault, not a transient failure to retry) and
// never reaches the block database.
func TestDriverHaltsOnInvalidPayload(t *testing.T) {
	cfg := &rollup.Config{
		Genesis: rollup.Genesis{
			SystemConfig: rollup.SystemConfig{GasLimit: 30_000_000},
		},
		BlockTime:         2,
		MaxSequencerDrift: 600,
		SeqWindowSize:     100,
		ChannelTimeout:    100,
		MaxChannelSize:    1_000_000,
	}

	genesisL1 := eth.L1BlockRef{Hash: common.HexToHash("0x1"), Number: 0, Time: 0}
	epochL1 := eth.L1BlockRef{Hash: common.HexToHash("0x2"), Number: 1, ParentHash: genesisL1.Hash, Time: 1}

	batcherTx := buildBatcherTx(t, &derive.BatchData{
		ParentHash: common.Hash{},
		EpochNum:   epochL1.Number,
		EpochHash:  epochL1.Hash,
		Timestamp:  cfg.BlockTime,
	})

	l1 := derivationtest.NewFakeL1Source([]*derive.L1Info{
		{Self: genesisL1, BaseFee: uint256.NewInt(0)},
		{Self: epochL1, BatcherTransactions: [][]byte{batcherTx}, BaseFee: uint256.NewInt(0)},
	})
	chain := &fakeL1Chain{FakeL1Source: l1, head: epochL1}
	eng := derivationtest.NewFakeEngine()
	eng.RejectNextPayload = true
	blockDB := &fakeBlockDB{}

	drv := NewDriver(testLogger(), cfg, Config{L1PollInterval: time.Millisecond}, chain, eng, derivationtest.NopMetrics{}, blockDB)

	fatal := drv.tick(context.Background())
	require.True(t, fatal, "an invalid payload is a Consensus fault and must halt the driver")
	require.Empty(t, blockDB.puts)
}

// TestDriverBootstrapReanchorsAtReportedSafeHead drives checkpoint sync against a
// FakeEngine that already holds the checkpoint block, so it reports VALID on the first
// forkchoice update, and checks the pipeline is reanchored at the reported safe head.
func TestDriverBootstrapReanchorsAtReportedSafeHead(t *testing.T) {
	cfg := &rollup.Config{
		Genesis: rollup.Genesis{
			SystemConfig: rollup.SystemConfig{GasLimit: 30_000_000},
		},
		BlockTime:      2,
		SeqWindowSize:  100,
		ChannelTimeout: 100,
		MaxChannelSize: 1_000_000,
	}

	l1 := derivationtest.NewFakeL1Source(nil)
	chain := &fakeL1Chain{FakeL1Source: l1}
	eng := derivationtest.NewFakeEngine()

	// Register a block the fake engine will recognize as the checkpoint target, the way
	// a real execution client would after it finished snap-syncing.
	built, err := eng.ForkchoiceUpdate(context.Background(), &eth.ForkchoiceState{HeadBlockHash: common.Hash{}}, &eth.PayloadAttributes{Timestamp: 2})
	require.NoError(t, err)
	payload, err := eng.GetPayload(context.Background(), *built.PayloadID)
	require.NoError(t, err)
	_, err = eng.NewPayload(context.Background(), payload)
	require.NoError(t, err)

	drv := NewDriver(testLogger(), cfg, Config{L1PollInterval: time.Millisecond, CheckpointHash: payload.BlockHash}, chain, eng, derivationtest.NopMetrics{}, nil)

	require.NoError(t, drv.Bootstrap(context.Background()))
	require.Equal(t, payload.BlockHash, drv.pipeline.SafeL2Head().Hash)
}

// TestDriverBootstrapTimesOutWhenCheckpointIsUnknown checks Bootstrap gives up once its
// context is cancelled, rather than retrying forever against an engine that will never
// recognize the checkpoint hash.
func TestDriverBootstrapTimesOutWhenCheckpointIsUnknown(t *testing.T) {
	cfg := &rollup.Config{
		Genesis: rollup.Genesis{
			SystemConfig: rollup.SystemConfig{GasLimit: 30_000_000},
		},
		BlockTime:      2,
		SeqWindowSize:  100,
		ChannelTimeout: 100,
		MaxChannelSize: 1_000_000,
	}
	l1 := derivationtest.NewFakeL1Source(nil)
	chain := &fakeL1Chain{FakeL1Source: l1}
	eng := derivationtest.NewFakeEngine()

	drv := NewDriver(testLogger(), cfg, Config{L1PollInterval: time.Millisecond, CheckpointHash: common.HexToHash("0xdead")}, chain, eng, derivationtest.NopMetrics{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, drv.Bootstrap(ctx), context.DeadlineExceeded)
}

// TestDriverBootstrapNoopWithoutCheckpoint checks the default full-sync path leaves the
// pipeline's heads untouched.
func TestDriverBootstrapNoopWithoutCheckpoint(t *testing.T) {
	cfg := &rollup.Config{
		Genesis: rollup.Genesis{
			SystemConfig: rollup.SystemConfig{GasLimit: 30_000_000},
		},
		BlockTime:      2,
		SeqWindowSize:  100,
		ChannelTimeout: 100,
		MaxChannelSize: 1_000_000,
	}
	l1 := derivationtest.NewFakeL1Source(nil)
	chain := &fakeL1Chain{FakeL1Source: l1}
	eng := derivationtest.NewFakeEngine()

	drv := NewDriver(testLogger(), cfg, Config{L1PollInterval: time.Millisecond}, chain, eng, derivationtest.NopMetrics{}, nil)

	before := drv.pipeline.SafeL2Head()
	require.NoError(t, drv.Bootstrap(context.Background()))
	require.Equal(t, before, drv.pipeline.SafeL2Head())
}
