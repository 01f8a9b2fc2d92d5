// Package derivationtest provides fake L1 and engine backends the derivation pipeline
// can run against without a real L1 node or execution client, in the spirit of the
// teacher's op-e2e/derivation actors but scaled down to what this module's interfaces
// need rather than a full simulated chain.
package derivationtest

import (
	"bytes"
	"compress/zlib"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/ethereum-optimism/rollup-node/op-node/eth"
	"github.com/ethereum-optimism/rollup-node/op-node/rollup/derive"
)

// EncodeFrame builds one FrameV0 wire frame, mirroring the layout documented in
// op-node/rollup/derive/params.go: channel_id || frame_number || frame_data_length ||
// frame_data || is_last.
func EncodeFrame(id derive.ChannelID, num uint16, data []byte, isLast bool) []byte {
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

// CompressBatch RLP-encodes and zlib-compresses a single batch into the Channel Stage's
// payload format.
func CompressBatch(b *derive.BatchData) ([]byte, error) {
	encoded, err := derive.EncodeBatch(b)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(encoded); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FakeL1Source is a canned, ordered sequence of L1Info served both as a streaming
// cursor (Next) and by random access (L1BlockRefByNumber/Hash), satisfying
// derive.L1Source.
type FakeL1Source struct {
	blocks []eth.L1BlockRef
	infos  map[uint64]*derive.L1Info
	cursor int
}

// NewFakeL1Source builds a source from L1Info in ascending block-number order. The
// caller is responsible for chaining ParentHash correctly across entries.
func NewFakeL1Source(infos []*derive.L1Info) *FakeL1Source {
	s := &FakeL1Source{infos: make(map[uint64]*derive.L1Info, len(infos))}
	for _, info := range infos {
		s.blocks = append(s.blocks, info.Self)
		s.infos[info.Self.Number] = info
	}
	return s
}

func (s *FakeL1Source) L1BlockRefByNumber(ctx context.Context, num uint64) (eth.L1BlockRef, error) {
	for _, b := range s.blocks {
		if b.Number == num {
			return b, nil
		}
	}
	return eth.L1BlockRef{}, fmt.Errorf("unknown L1 block number %d", num)
}

func (s *FakeL1Source) L1BlockRefByHash(ctx context.Context, ref eth.L1BlockRef) (eth.L1BlockRef, error) {
	for _, b := range s.blocks {
		if b.Hash == ref.Hash {
			return b, nil
		}
	}
	return eth.L1BlockRef{}, fmt.Errorf("unknown L1 block hash %s", ref.Hash)
}

func (s *FakeL1Source) InfoByNumber(ctx context.Context, num uint64) (*derive.L1Info, error) {
	info, ok := s.infos[num]
	if !ok {
		return nil, fmt.Errorf("unknown L1 info for block %d", num)
	}
	return info, nil
}

func (s *FakeL1Source) Next(ctx context.Context) (*derive.L1Info, error) {
	if s.cursor >= len(s.blocks) {
		return nil, derive.ErrNotEnoughData
	}
	info := s.infos[s.blocks[s.cursor].Number]
	s.cursor++
	return info, nil
}

var _ derive.L1Source = (*FakeL1Source)(nil)

// FakeEngine is a minimal in-memory execution client satisfying derive.Engine: every
// forkchoice update with attributes builds exactly one deterministic block, which must
// then be retrieved and submitted via NewPayload before another block can build on it.
type FakeEngine struct {
	blocks   map[common.Hash]*eth.ExecutionPayload
	byNumber map[uint64]*eth.ExecutionPayload
	pending  map[eth.PayloadID]*eth.ExecutionPayload
	head     common.Hash
	nextID   uint64

	// RejectNextPayload makes the next NewPayload call report ExecutionInvalid instead
	// of accepting the block, then clears itself, simulating an execution client that
	// rejects a derived block as consensus-invalid.
	RejectNextPayload bool
}

// NewFakeEngine seeds the chain with a genesis block at the zero hash, matching the
// zero-value L2BlockRef a DerivationPipeline starts from.
func NewFakeEngine() *FakeEngine {
	genesis := &eth.ExecutionPayload{BlockHash: common.Hash{}}
	return &FakeEngine{
		blocks:   map[common.Hash]*eth.ExecutionPayload{genesis.BlockHash: genesis},
		byNumber: map[uint64]*eth.ExecutionPayload{0: genesis},
		pending:  make(map[eth.PayloadID]*eth.ExecutionPayload),
	}
}

func (e *FakeEngine) ForkchoiceUpdate(ctx context.Context, state *eth.ForkchoiceState, attrs *eth.PayloadAttributes) (*eth.ForkchoiceUpdatedResult, error) {
	parent, ok := e.blocks[state.HeadBlockHash]
	if !ok {
		return nil, eth.InputError{Inner: fmt.Errorf("unknown head %s", state.HeadBlockHash), Code: eth.InvalidForkchoiceState}
	}
	if attrs == nil {
		e.head = state.HeadBlockHash
		return &eth.ForkchoiceUpdatedResult{PayloadStatus: eth.PayloadStatusV1{Status: eth.ExecutionValid}}, nil
	}

	number := uint64(parent.BlockNumber) + 1
	payload := &eth.ExecutionPayload{
		ParentHash:   parent.BlockHash,
		BlockNumber:  hexutil.Uint64(number),
		Timestamp:    attrs.Timestamp,
		PrevRandao:   attrs.PrevRandao,
		FeeRecipient: attrs.SuggestedFeeRecipient,
		Transactions: attrs.Transactions,
	}
	if attrs.GasLimit != nil {
		payload.GasLimit = *attrs.GasLimit
	}
	payload.BlockHash = hashPayload(payload)

	e.nextID++
	var id eth.PayloadID
	id[7] = byte(e.nextID)
	e.pending[id] = payload

	return &eth.ForkchoiceUpdatedResult{
		PayloadStatus: eth.PayloadStatusV1{Status: eth.ExecutionValid},
		PayloadID:     &id,
	}, nil
}

func (e *FakeEngine) GetPayload(ctx context.Context, id eth.PayloadID) (*eth.ExecutionPayload, error) {
	payload, ok := e.pending[id]
	if !ok {
		return nil, fmt.Errorf("unknown payload id %s", id)
	}
	return payload, nil
}

func (e *FakeEngine) NewPayload(ctx context.Context, payload *eth.ExecutionPayload) (*eth.PayloadStatusV1, error) {
	if e.RejectNextPayload {
		e.RejectNextPayload = false
		return &eth.PayloadStatusV1{Status: eth.ExecutionInvalid}, nil
	}
	e.blocks[payload.BlockHash] = payload
	e.byNumber[uint64(payload.BlockNumber)] = payload
	return &eth.PayloadStatusV1{Status: eth.ExecutionValid}, nil
}

func (e *FakeEngine) PayloadByHash(ctx context.Context, hash common.Hash) (*eth.ExecutionPayload, error) {
	payload, ok := e.blocks[hash]
	if !ok {
		return nil, fmt.Errorf("unknown block %s", hash)
	}
	return payload, nil
}

func (e *FakeEngine) PayloadByNumber(ctx context.Context, num uint64) (*eth.ExecutionPayload, error) {
	payload, ok := e.byNumber[num]
	if !ok {
		return nil, fmt.Errorf("unknown block number %d", num)
	}
	return payload, nil
}

func (e *FakeEngine) L2BlockRefByHash(ctx context.Context, hash common.Hash) (eth.L2BlockRef, error) {
	payload, err := e.PayloadByHash(ctx, hash)
	if err != nil {
		return eth.L2BlockRef{}, err
	}
	return payloadToRef(payload), nil
}

func (e *FakeEngine) L2BlockRefByNumber(ctx context.Context, num uint64) (eth.L2BlockRef, error) {
	payload, err := e.PayloadByNumber(ctx, num)
	if err != nil {
		return eth.L2BlockRef{}, err
	}
	return payloadToRef(payload), nil
}

// SafeL2BlockRef returns the block currently at the head of the fake chain; this fake
// engine has no separate notion of snap-syncing, so its safe head is always current.
func (e *FakeEngine) SafeL2BlockRef(ctx context.Context) (eth.L2BlockRef, error) {
	payload, ok := e.blocks[e.head]
	if !ok {
		return eth.L2BlockRef{}, fmt.Errorf("unknown head %s", e.head)
	}
	return payloadToRef(payload), nil
}

func payloadToRef(p *eth.ExecutionPayload) eth.L2BlockRef {
	return eth.L2BlockRef{
		Hash:       p.BlockHash,
		Number:     uint64(p.BlockNumber),
		ParentHash: p.ParentHash,
		Time:       uint64(p.Timestamp),
	}
}

// hashPayload derives a deterministic block hash from the fields that make a fake block
// unique; it has no relation to a real execution client's block hashing.
func hashPayload(p *eth.ExecutionPayload) common.Hash {
	h := sha256.New()
	h.Write(p.ParentHash[:])
	_, _ = fmt.Fprintf(h, "%d:%d", uint64(p.BlockNumber), uint64(p.Timestamp))
	for _, tx := range p.Transactions {
		h.Write(tx)
	}
	var out common.Hash
	copy(out[:], h.Sum(nil))
	return out
}

var _ derive.Engine = (*FakeEngine)(nil)

// NopMetrics discards every metric, for tests that only care about pipeline behavior.
type NopMetrics struct{}

func (NopMetrics) RecordL1Ref(name string, ref eth.L1BlockRef) {}
func (NopMetrics) RecordL2Ref(name string, ref eth.L2BlockRef) {}
func (NopMetrics) SetDerivationIdle(idle bool)                 {}
func (NopMetrics) RecordPipelineReset()                        {}
func (NopMetrics) RecordChannelOpened()                        {}
func (NopMetrics) RecordChannelTimedOut()                      {}
func (NopMetrics) RecordBatchAccepted()                        {}
func (NopMetrics) RecordBatchDropped()                         {}
func (NopMetrics) RecordBatchFuture()                          {}
func (NopMetrics) RecordBatchSynthesized()                     {}
func (NopMetrics) RecordDerivationError()                      {}
func (NopMetrics) RecordL1ReorgDepth(depth uint64)              {}

var _ derive.Metrics = NopMetrics{}
