package derive

import (
	"context"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ethereum-optimism/rollup-node/op-node/eth"
	"github.com/ethereum-optimism/rollup-node/op-node/rollup"
)

// BatchClass is the outcome of validating one candidate batch against the current safe
// head and epoch.
type BatchClass int

const (
	BatchAccept BatchClass = iota
	BatchDrop
	BatchFuture
)

// BatchQueue is the Batch Stage: it decodes batches out of completed channels and
// validates them against the sequencing rules.
type BatchQueue struct {
	cfg  *rollup.Config
	prev *ChannelBank
	l1   L1Fetcher

	// batches holds every decoded-but-not-yet-consumed batch, in the order their
	// channels completed.
	batches []*BatchData
}

func NewBatchQueue(cfg *rollup.Config, prev *ChannelBank, l1 L1Fetcher) *BatchQueue {
	return &BatchQueue{cfg: cfg, prev: prev, l1: l1}
}

func (bq *BatchQueue) Origin() eth.L1BlockRef {
	return bq.prev.Origin()
}

// Prune drops every buffered batch whose target L2 timestamp is at or before the
// current safe head, since it can never be accepted again.
func (bq *BatchQueue) Prune(safeHead eth.L2BlockRef) {
	out := bq.batches[:0]
	for _, b := range bq.batches {
		if b.Timestamp > safeHead.Time {
			out = append(out, b)
		}
	}
	bq.batches = out
}

// NextBatch returns the next batch to apply on top of safeHead, within L1 epoch
// "epoch" (the L1 origin of safeHead). If the sequencing window for the expected slot
// has expired without a valid batch, a deposit-only empty batch is synthesized
//.
func (bq *BatchQueue) NextBatch(ctx context.Context, safeHead eth.L2BlockRef, epoch eth.L1BlockRef) (*BatchData, error) {
	wantTimestamp := safeHead.Time + bq.cfg.BlockTime

	for {
		if b, idx := bq.firstAccepted(safeHead, epoch, wantTimestamp); b != nil {
			bq.removeAt(idx)
			bq.dropDuplicateSlot(safeHead.Hash, wantTimestamp)
			return b, nil
		}

		if bq.windowExpired(epoch) {
			return bq.synthesizeEmptyBatch(ctx, safeHead, epoch, wantTimestamp)
		}

		data, err := bq.prev.NextChannel(ctx)
		if err == io.EOF || err == ErrNotEnoughData {
			return nil, ErrNotEnoughData
		} else if err != nil {
			return nil, err
		}

		decoded, decErr := DecodeBatches(data)
		bq.batches = append(bq.batches, decoded...)
		if decErr != nil {
			// keep whatever was decoded; the offending tail is simply absent.
			continue
		}
	}
}

// firstAccepted scans the buffer in arrival order for the first batch that validates
// against the expected slot, classifying every candidate along the way
//.
func (bq *BatchQueue) firstAccepted(safeHead eth.L2BlockRef, epoch eth.L1BlockRef, wantTimestamp uint64) (*BatchData, int) {
	for i, b := range bq.batches {
		if b.ParentHash != safeHead.Hash {
			continue
		}
		if b.Timestamp != wantTimestamp {
			continue
		}
		class := bq.classify(b, epoch)
		if class == BatchAccept {
			return b, i
		}
	}
	return nil, -1
}

func (bq *BatchQueue) classify(b *BatchData, epoch eth.L1BlockRef) BatchClass {
	if b.EpochNum != epoch.Number && b.EpochNum != epoch.Number+1 {
		return BatchDrop
	}
	epochRef, err := bq.l1.L1BlockRefByNumber(context.Background(), b.EpochNum)
	if err != nil {
		return BatchFuture // epoch not known to us yet; hold and retry later
	}
	if b.EpochHash != epochRef.Hash {
		return BatchDrop
	}
	if b.Timestamp < epochRef.Time {
		return BatchDrop
	}
	if b.Timestamp > epochRef.Time+bq.cfg.MaxSequencerDrift {
		return BatchDrop
	}
	return BatchAccept
}

// dropDuplicateSlot removes any other buffered batches that target the same
// (parent_hash, timestamp) slot as the one just accepted.
func (bq *BatchQueue) dropDuplicateSlot(parent common.Hash, timestamp uint64) {
	out := bq.batches[:0]
	for _, b := range bq.batches {
		if b.ParentHash == parent && b.Timestamp == timestamp {
			continue
		}
		out = append(out, b)
	}
	bq.batches = out
}

// windowExpired reports whether the expected slot's epoch has fallen further behind the
// current L1 origin than seq_window_size, meaning no future batch can still arrive for
// it.
func (bq *BatchQueue) windowExpired(epoch eth.L1BlockRef) bool {
	current := bq.Origin()
	return current.Number > epoch.Number+bq.cfg.SeqWindowSize
}

// synthesizeEmptyBatch builds the deposit-only batch inserted when a slot's window
// expires without a valid batch. The synthesized batch stays
// on the current epoch unless the next L1 block is known and the expected L2 timestamp
// has reached that block's timestamp, in which case it adopts that next epoch — see DESIGN.md "Open Question Decisions" for why this
// approximates the upstream epoch-advance rule instead of replicating it bit-for-bit.
func (bq *BatchQueue) synthesizeEmptyBatch(ctx context.Context, safeHead eth.L2BlockRef, epoch eth.L1BlockRef, wantTimestamp uint64) (*BatchData, error) {
	nextEpochNum := epoch.Number
	if next, err := bq.l1.L1BlockRefByNumber(ctx, epoch.Number+1); err == nil && wantTimestamp >= next.Time {
		nextEpochNum = next.Number
	}
	epochRef, err := bq.l1.L1BlockRefByNumber(ctx, nextEpochNum)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve epoch %d for synthesized batch: %w", nextEpochNum, err)
	}
	return &BatchData{
		ParentHash:   safeHead.Hash,
		EpochNum:     epochRef.Number,
		EpochHash:    epochRef.Hash,
		Timestamp:    wantTimestamp,
		Transactions: nil,
	}, nil
}

func (bq *BatchQueue) removeAt(i int) {
	bq.batches = append(bq.batches[:i], bq.batches[i+1:]...)
}

func (bq *BatchQueue) Reset(origin eth.L1BlockRef) {
	bq.batches = nil
	bq.prev.Reset(origin)
}
