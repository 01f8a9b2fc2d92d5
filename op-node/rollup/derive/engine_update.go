package derive

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/rollup-node/op-node/eth"
)

// BlockInsertionErrType classifies what went wrong driving the engine through a payload,
// so the driver knows whether to retry, reset, or drop the attributes.
type BlockInsertionErrType uint

const (
	BlockInsertOK BlockInsertionErrType = iota
	// BlockInsertTemporaryErr is a connectivity or syncing problem; retry later.
	BlockInsertTemporaryErr
	// BlockInsertPrestateErr means the forkchoice state the engine was given is not
	// something it can build on; the driver must reset.
	BlockInsertPrestateErr
	// BlockInsertPayloadErr means the derived attributes themselves produce an invalid
	// block; the batch/payload must be dropped, not retried.
	BlockInsertPayloadErr
)

// startPayload requests the engine start building a block on top of fc with the given
// attributes, classifying any failure.
func startPayload(ctx context.Context, eng Engine, fc *eth.ForkchoiceState, attrs *eth.PayloadAttributes) (id eth.PayloadID, errType BlockInsertionErrType, err error) {
	fcRes, err := eng.ForkchoiceUpdate(ctx, fc, attrs)
	if err != nil {
		var inputErr eth.InputError
		if errors.As(err, &inputErr) {
			switch inputErr.Code {
			case eth.InvalidForkchoiceState:
				return eth.PayloadID{}, BlockInsertPrestateErr, fmt.Errorf("pre-state is invalid: %w", err)
			case eth.InvalidPayloadAttributes:
				return eth.PayloadID{}, BlockInsertPayloadErr, fmt.Errorf("payload attributes are invalid: %w", err)
			default:
				return eth.PayloadID{}, BlockInsertTemporaryErr, fmt.Errorf("unexpected error code %d: %w", inputErr.Code, err)
			}
		}
		return eth.PayloadID{}, BlockInsertTemporaryErr, fmt.Errorf("failed to create new block via forkchoice: %w", err)
	}

	switch fcRes.PayloadStatus.Status {
	case eth.ExecutionInvalid, eth.ExecutionInvalidBlockHash:
		return eth.PayloadID{}, BlockInsertPayloadErr, fmt.Errorf("forkchoice update was processed as invalid: %v", fcRes.PayloadStatus)
	case eth.ExecutionValid:
		if fcRes.PayloadID == nil {
			return eth.PayloadID{}, BlockInsertTemporaryErr, fmt.Errorf("engine accepted forkchoice but did not return a payload id")
		}
		return *fcRes.PayloadID, BlockInsertOK, nil
	default:
		return eth.PayloadID{}, BlockInsertTemporaryErr, fmt.Errorf("unexpected forkchoice status: %v", fcRes.PayloadStatus)
	}
}

// confirmPayload retrieves the block the engine built for payloadID, submits it back via
// engine_newPayloadV1, and classifies the result.
func confirmPayload(ctx context.Context, log log.Logger, eng Engine, fc *eth.ForkchoiceState, payloadID eth.PayloadID) (*eth.ExecutionPayload, BlockInsertionErrType, error) {
	payload, err := eng.GetPayload(ctx, payloadID)
	if err != nil {
		return nil, BlockInsertTemporaryErr, fmt.Errorf("failed to get payload %s: %w", payloadID, err)
	}

	status, err := eng.NewPayload(ctx, payload)
	if err != nil {
		return nil, BlockInsertTemporaryErr, fmt.Errorf("failed to submit new payload %s: %w", payload.ID(), err)
	}
	switch status.Status {
	case eth.ExecutionInvalid, eth.ExecutionInvalidBlockHash:
		return nil, BlockInsertPayloadErr, fmt.Errorf("execution engine rejected new payload %s: %v", payload.ID(), status)
	case eth.ExecutionValid:
		// continue to forkchoice update below
	default:
		return nil, BlockInsertTemporaryErr, fmt.Errorf("unexpected payload status: %v", status)
	}

	newFc := &eth.ForkchoiceState{
		HeadBlockHash:      payload.BlockHash,
		SafeBlockHash:      fc.SafeBlockHash,
		FinalizedBlockHash: fc.FinalizedBlockHash,
	}
	fcRes, err := eng.ForkchoiceUpdate(ctx, newFc, nil)
	if err != nil {
		var inputErr eth.InputError
		if errors.As(err, &inputErr) && inputErr.Code == eth.InvalidForkchoiceState {
			return nil, BlockInsertPrestateErr, fmt.Errorf("forkchoice update was rejected as invalid: %w", err)
		}
		return nil, BlockInsertTemporaryErr, fmt.Errorf("failed to make new block canonical: %w", err)
	}
	if fcRes.PayloadStatus.Status != eth.ExecutionValid {
		return nil, BlockInsertTemporaryErr, fmt.Errorf("unexpected forkchoice status after insertion: %v", fcRes.PayloadStatus)
	}

	log.Info("inserted block", "hash", payload.BlockHash, "number", uint64(payload.BlockNumber), "timestamp", uint64(payload.Timestamp))
	return payload, BlockInsertOK, nil
}
