package derive

import (
	"context"
	"io"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/rollup-node/op-node/eth"
	"github.com/ethereum-optimism/rollup-node/op-node/rollup"
)

// Metrics is the subset of the node's metrics surface the pipeline reports into
//.
type Metrics interface {
	RecordL1Ref(name string, ref eth.L1BlockRef)
	RecordL2Ref(name string, ref eth.L2BlockRef)
	SetDerivationIdle(idle bool)
	RecordPipelineReset()
	RecordChannelOpened()
	RecordChannelTimedOut()
	RecordBatchAccepted()
	RecordBatchDropped()
	RecordBatchFuture()
	RecordBatchSynthesized()
	RecordDerivationError()
}

// Progress is the pipeline's current position relative to L1.
type Progress struct {
	Origin eth.L1BlockRef
}

// L1Source is what the pipeline needs from L1: both random access to resolve blocks by
// number/hash, and the ordered streaming feed L1Traversal consumes. op-node/sources.L1Client implements both.
type L1Source interface {
	L1Fetcher
	L1InfoQueue
}

// DerivationPipeline wires the five stages (L1 Source -> Batcher-Tx Stage -> Channel Stage
// -> Batch Stage -> Attributes Stage) into a single pull: Step produces at most one new L2
// block and drives it into the engine").
type DerivationPipeline struct {
	log log.Logger
	cfg *rollup.Config
	l1  L1Source
	eng Engine
	m   Metrics

	traversal  *L1Traversal
	retrieval  *L1Retrieval
	chanBank   *ChannelBank
	batches    *BatchQueue
	attributes *AttributesQueue

	unsafeHead eth.L2BlockRef
	safeHead   eth.L2BlockRef
	finalized  eth.L2BlockRef

	lastPayload *eth.ExecutionPayload
	lastEpoch   eth.BlockID
	lastSeqNum  uint64

	// pendingAttrs and pendingEpoch hold the most recently dequeued-but-not-yet-confirmed
	// PayloadAttributes, so a temporary engine failure retries the same attributes on the
	// next Step instead of silently skipping past the batch they were built from.
	pendingAttrs *eth.PayloadAttributes
	pendingEpoch eth.L1BlockRef
}

// NewDerivationPipeline composes the stages in order; cfg.Genesis.SystemConfig seeds the
// system config the Attributes Stage uses before any SystemConfigUpdate has been observed
//.
func NewDerivationPipeline(log log.Logger, cfg *rollup.Config, l1 L1Source, eng Engine, m Metrics) *DerivationPipeline {
	traversal := NewL1Traversal(l1, eth.L1BlockRef{}, cfg.Genesis.SystemConfig)
	retrieval := NewL1Retrieval(traversal)
	chanBank := NewChannelBank(cfg, retrieval)
	batches := NewBatchQueue(cfg, chanBank, l1)
	attributes := NewAttributesQueue(cfg, batches, l1, traversal)

	genesis := eth.L2BlockRef{
		Hash:     cfg.Genesis.L2.Hash,
		Number:   cfg.Genesis.L2.Number,
		Time:     cfg.Genesis.L2Time,
		L1Origin: cfg.Genesis.L1,
	}

	return &DerivationPipeline{
		log: log, cfg: cfg, l1: l1, eng: eng, m: m,
		traversal: traversal, retrieval: retrieval, chanBank: chanBank,
		batches: batches, attributes: attributes,
		unsafeHead: genesis, safeHead: genesis, finalized: genesis,
	}
}

func (dp *DerivationPipeline) Progress() Progress {
	return Progress{Origin: dp.attributes.Origin()}
}

func (dp *DerivationPipeline) UnsafeL2Head() eth.L2BlockRef { return dp.unsafeHead }
func (dp *DerivationPipeline) SafeL2Head() eth.L2BlockRef   { return dp.safeHead }
func (dp *DerivationPipeline) Finalized() eth.L2BlockRef    { return dp.finalized }

// Step derives the next PayloadAttributes from L1 and drives the engine through it,
// advancing the safe head by exactly one block. It returns io.EOF when no new attributes
// are available yet.
func (dp *DerivationPipeline) Step(ctx context.Context) error {
	dp.batches.Prune(dp.safeHead)

	attrs, epoch := dp.pendingAttrs, dp.pendingEpoch
	if attrs == nil {
		var err error
		attrs, epoch, err = dp.attributes.NextAttributes(ctx, dp.safeHead)
		if err == ErrNotEnoughData {
			dp.m.SetDerivationIdle(true)
			return io.EOF
		} else if err != nil {
			dp.m.RecordDerivationError()
			return err
		}
		dp.pendingAttrs, dp.pendingEpoch = attrs, epoch
	}
	dp.m.SetDerivationIdle(false)

	fc := &eth.ForkchoiceState{
		HeadBlockHash:      dp.unsafeHead.Hash,
		SafeBlockHash:      dp.safeHead.Hash,
		FinalizedBlockHash: dp.finalized.Hash,
	}
	if dp.unsafeHead == (eth.L2BlockRef{}) {
		fc.HeadBlockHash = dp.safeHead.Hash
	}

	id, errType, err := startPayload(ctx, dp.eng, fc, attrs)
	if err != nil {
		// Only a temporary failure retains the attributes for the next Step; a
		// prestate error triggers a full Reset, and a payload error means this batch
		// itself is invalid and must never be retried.
		if errType == BlockInsertTemporaryErr {
			return classifyInsertionErr(errType, err)
		}
		dp.pendingAttrs, dp.pendingEpoch = nil, eth.L1BlockRef{}
		return classifyInsertionErr(errType, err)
	}
	payload, errType, err := confirmPayload(ctx, dp.log, dp.eng, fc, id)
	if err != nil {
		if errType == BlockInsertTemporaryErr {
			return classifyInsertionErr(errType, err)
		}
		dp.pendingAttrs, dp.pendingEpoch = nil, eth.L1BlockRef{}
		return classifyInsertionErr(errType, err)
	}

	next := eth.L2BlockRef{
		Hash:       payload.BlockHash,
		Number:     uint64(payload.BlockNumber),
		ParentHash: payload.ParentHash,
		Time:       uint64(payload.Timestamp),
		L1Origin:   epoch.ID(),
	}
	if epoch.Number == dp.safeHead.L1Origin.Number {
		next.SequenceNumber = dp.safeHead.SequenceNumber + 1
	}

	dp.safeHead = next
	dp.unsafeHead = next
	dp.lastPayload = payload
	dp.lastEpoch = epoch.ID()
	dp.lastSeqNum = next.SequenceNumber
	dp.pendingAttrs, dp.pendingEpoch = nil, eth.L1BlockRef{}
	dp.m.RecordL2Ref("l2_safe", next)
	dp.m.RecordL2Ref("l2_unsafe", next)
	dp.m.RecordL1Ref("l1_current", epoch)
	return nil
}

// LastConstructedBlock returns the execution payload most recently confirmed by Step,
// along with its L1 origin and in-epoch sequence number, so the driver can persist it.
// Returns a nil payload if Step has never advanced the safe head.
func (dp *DerivationPipeline) LastConstructedBlock() (*eth.ExecutionPayload, eth.BlockID, uint64) {
	return dp.lastPayload, dp.lastEpoch, dp.lastSeqNum
}

func classifyInsertionErr(errType BlockInsertionErrType, err error) error {
	switch errType {
	case BlockInsertPrestateErr:
		return NewResetError(err)
	case BlockInsertPayloadErr:
		return NewCriticalError(err)
	default:
		return NewTemporaryError(err)
	}
}

// Reset rewinds every stage back to the safe head's L1 origin, used after an ErrReset
// signal from any stage.
func (dp *DerivationPipeline) Reset() {
	dp.m.RecordPipelineReset()
	dp.pendingAttrs, dp.pendingEpoch = nil, eth.L1BlockRef{}
	ctx := context.Background()
	origin, err := dp.l1.L1BlockRefByNumber(ctx, dp.safeHead.L1Origin.Number)
	if err != nil {
		dp.log.Error("failed to resolve L1 origin during reset", "num", dp.safeHead.L1Origin.Number, "err", err)
		return
	}
	dp.batches.Reset(origin)
	dp.traversal.ResetSystemConfig(dp.cfg.Genesis.SystemConfig)
}

// Reanchor reseats the pipeline's heads at safe (typically the safe head an execution
// client reports after checkpoint sync) and resets every stage to its L1 origin, the
// same way Reset does for a safe head already known to the pipeline.
func (dp *DerivationPipeline) Reanchor(safe eth.L2BlockRef) {
	dp.unsafeHead = safe
	dp.safeHead = safe
	dp.finalized = safe
	dp.Reset()
}
