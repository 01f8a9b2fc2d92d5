package derive

import (
	"context"
	"fmt"
	"io"

	"github.com/ethereum-optimism/rollup-node/op-node/eth"
	"github.com/ethereum-optimism/rollup-node/op-node/rollup"
)

// L1Fetcher is the read-only view of L1 that derivation stages and the sequencer need:
// resolve a block by number/hash to its L1Info.
type L1Fetcher interface {
	L1BlockRefByNumber(ctx context.Context, num uint64) (eth.L1BlockRef, error)
	L1BlockRefByHash(ctx context.Context, hash eth.L1BlockRef) (eth.L1BlockRef, error)
	InfoByNumber(ctx context.Context, num uint64) (*L1Info, error)
}

// L1InfoQueue is the bounded, ordered feed of L1Info produced by the L1 Source
//. It is implemented by
// sources.L1Client.
type L1InfoQueue interface {
	// Next returns the next L1Info in strictly ascending block-number order, or
	// ErrNotEnoughData if the source has not produced it yet.
	Next(ctx context.Context) (*L1Info, error)
}

// L1Traversal is the first pipeline stage: it consumes L1Info from the L1 Source in
// order and tracks the current L1 origin").
type L1Traversal struct {
	queue  L1InfoQueue
	origin eth.L1BlockRef

	genesisSysCfg rollup.SystemConfig
	sysCfgHistory []sysCfgEntry
}

// sysCfgEntry records a SystemConfig that becomes effective starting at a given L1 block
// number, folded in from SystemConfigUpdate events interleaved with L1Info.
type sysCfgEntry struct {
	effectiveAt uint64
	cfg         rollup.SystemConfig
}

func NewL1Traversal(queue L1InfoQueue, startOrigin eth.L1BlockRef, genesisSysCfg rollup.SystemConfig) *L1Traversal {
	return &L1Traversal{queue: queue, origin: startOrigin, genesisSysCfg: genesisSysCfg}
}

func (l *L1Traversal) Origin() eth.L1BlockRef {
	return l.origin
}

// SystemConfigAt returns the SystemConfig in effect at the given L1 block number, i.e.
// the most recent SystemConfigUpdate observed at or before it.
func (l *L1Traversal) SystemConfigAt(num uint64) rollup.SystemConfig {
	cfg := l.genesisSysCfg
	for _, e := range l.sysCfgHistory {
		if e.effectiveAt > num {
			break
		}
		cfg = e.cfg
	}
	return cfg
}

func (l *L1Traversal) applySystemConfigUpdate(effectiveAt uint64, update *SystemConfigUpdate) {
	if update == nil {
		return
	}
	cfg := l.SystemConfigAt(effectiveAt)
	if update.BatcherAddr != nil {
		cfg.BatcherAddr = *update.BatcherAddr
	}
	if update.Overhead != nil {
		cfg.Overhead = *update.Overhead
	}
	if update.Scalar != nil {
		cfg.Scalar = *update.Scalar
	}
	if update.GasLimit != nil {
		cfg.GasLimit = *update.GasLimit
	}
	l.sysCfgHistory = append(l.sysCfgHistory, sysCfgEntry{effectiveAt: effectiveAt, cfg: cfg})
}

// NextL1Block pulls the next L1Info. It verifies that the info's parent hash matches the
// current origin (a gap or non-parent continuation is surfaced as an ErrReset signal so
// the driver can resolve the reorg via its own L1 Source reorg handling.
func (l *L1Traversal) NextL1Block(ctx context.Context) (*L1Info, error) {
	info, err := l.queue.Next(ctx)
	if err == ErrNotEnoughData {
		return nil, io.EOF
	} else if err != nil {
		return nil, fmt.Errorf("failed to pull next L1 block: %w", err)
	}
	if info.Self.ParentHash != l.origin.Hash && l.origin != (eth.L1BlockRef{}) {
		return nil, NewResetError(fmt.Errorf("next L1 block %s does not build on current origin %s", info.Self, l.origin))
	}
	l.origin = info.Self
	l.applySystemConfigUpdate(info.Self.Number, info.SystemConfigUpdate)
	return info, nil
}

func (l *L1Traversal) Reset(origin eth.L1BlockRef) {
	l.origin = origin
	l.sysCfgHistory = nil
}

// ResetSystemConfig reanchors the SystemConfig history, used when the pipeline resets to
// a safe head whose SystemConfig is known independently of replaying L1.
func (l *L1Traversal) ResetSystemConfig(cfg rollup.SystemConfig) {
	l.genesisSysCfg = cfg
	l.sysCfgHistory = nil
}
