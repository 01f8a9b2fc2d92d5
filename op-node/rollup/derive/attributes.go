package derive

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/ethereum-optimism/rollup-node/op-node/eth"
	"github.com/ethereum-optimism/rollup-node/op-node/rollup"
)

// SequencerFeeVault is the protocol-fixed suggested_fee_recipient.
var SequencerFeeVault = common.HexToAddress("0x4200000000000000000000000000000000000011")

// sysCfgSource is the subset of L1Traversal the Attributes Stage needs: the SystemConfig
// in effect at a given L1 block.
type sysCfgSource interface {
	SystemConfigAt(l1BlockNum uint64) rollup.SystemConfig
}

// AttributesQueue is the Attributes Stage: for each accepted batch it fuses the batch's
// sequencer transactions with the L1-attributes deposit and, on an epoch boundary, the
// epoch's user deposits, into a PayloadAttributes ready for the engine.
type AttributesQueue struct {
	cfg    *rollup.Config
	prev   *BatchQueue
	l1     L1Fetcher
	sysCfg sysCfgSource
}

func NewAttributesQueue(cfg *rollup.Config, prev *BatchQueue, l1 L1Fetcher, sysCfg sysCfgSource) *AttributesQueue {
	return &AttributesQueue{cfg: cfg, prev: prev, l1: l1, sysCfg: sysCfg}
}

func (aq *AttributesQueue) Origin() eth.L1BlockRef {
	return aq.prev.Origin()
}

// NextAttributes pulls and validates the next batch on top of safeHead, within L1 epoch
// "epoch" (safeHead's L1 origin), and returns the PayloadAttributes to drive the engine
// with, plus the L1 epoch the resulting L2 block belongs to.
func (aq *AttributesQueue) NextAttributes(ctx context.Context, safeHead eth.L2BlockRef) (*eth.PayloadAttributes, eth.L1BlockRef, error) {
	currentEpoch, err := aq.l1.L1BlockRefByNumber(ctx, safeHead.L1Origin.Number)
	if err != nil {
		return nil, eth.L1BlockRef{}, NewTemporaryError(fmt.Errorf("failed to resolve current epoch %d: %w", safeHead.L1Origin.Number, err))
	}

	batch, err := aq.prev.NextBatch(ctx, safeHead, currentEpoch)
	if err != nil {
		return nil, eth.L1BlockRef{}, err
	}

	epoch, err := aq.l1.L1BlockRefByNumber(ctx, batch.EpochNum)
	if err != nil {
		return nil, eth.L1BlockRef{}, NewTemporaryError(fmt.Errorf("failed to resolve batch epoch %d: %w", batch.EpochNum, err))
	}

	attrs, err := aq.buildAttributes(ctx, safeHead, epoch, batch)
	if err != nil {
		return nil, eth.L1BlockRef{}, err
	}
	return attrs, epoch, nil
}

// buildAttributes assembles the PayloadAttributes for one batch.
func (aq *AttributesQueue) buildAttributes(ctx context.Context, safeHead eth.L2BlockRef, epoch eth.L1BlockRef, batch *BatchData) (*eth.PayloadAttributes, error) {
	newEpoch := epoch.Number != safeHead.L1Origin.Number
	seqNumber := uint64(0)
	if !newEpoch {
		seqNumber = safeHead.SequenceNumber + 1
	}

	epochInfo, err := aq.l1.InfoByNumber(ctx, epoch.Number)
	if err != nil {
		return nil, NewTemporaryError(fmt.Errorf("failed to fetch L1 info for epoch %d: %w", epoch.Number, err))
	}

	sysCfg := aq.sysCfg.SystemConfigAt(epoch.Number)

	l1InfoTxData := L1InfoDepositTxData{
		Number:         epoch.Number,
		Time:           epoch.Time,
		BaseFee:        epochInfo.BaseFee,
		BlockHash:      epoch.Hash,
		SequenceNumber: seqNumber,
		BatcherAddr:    sysCfg.BatcherAddr,
		L1FeeOverhead:  sysCfg.Overhead,
		L1FeeScalar:    sysCfg.Scalar,
		PrevRandao:     eth.Bytes32(epochInfo.MixDigest),
	}
	l1InfoTxBytes, err := L1InfoDepositBytes(l1InfoTxData)
	if err != nil {
		return nil, fmt.Errorf("failed to encode L1 info deposit tx: %w", err)
	}
	l1InfoTx, err := MarshalL1InfoDepositTx(l1InfoTxBytes, L1InfoDepositSourceHash(epoch.Hash, seqNumber))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal L1 info deposit tx: %w", err)
	}

	txs := make([]eth.Data, 0, 1+len(epochInfo.Deposits)+len(batch.Transactions))
	txs = append(txs, l1InfoTx)
	if newEpoch {
		for _, d := range epochInfo.Deposits {
			depTx, err := MarshalUserDepositTx(d)
			if err != nil {
				return nil, fmt.Errorf("failed to encode user deposit (log index %d): %w", d.LogIndex, err)
			}
			txs = append(txs, depTx)
		}
	}
	for _, t := range batch.Transactions {
		txs = append(txs, eth.Data(t))
	}

	gasLimit := hexutil.Uint64(sysCfg.GasLimit)
	return &eth.PayloadAttributes{
		Timestamp:             hexutil.Uint64(batch.Timestamp),
		PrevRandao:            eth.Bytes32(epochInfo.MixDigest),
		SuggestedFeeRecipient: SequencerFeeVault,
		Transactions:          txs,
		NoTxPool:              true,
		GasLimit:              &gasLimit,
	}, nil
}
