// Package driver runs the derivation pipeline to completion against live L1 and engine
// endpoints: poll L1 for new blocks, step the pipeline forward, drive the engine's
// forkchoice, track finality, and roll back on reorgs.
package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/rollup-node/op-node/db"
	"github.com/ethereum-optimism/rollup-node/op-node/eth"
	"github.com/ethereum-optimism/rollup-node/op-node/rollup"
	"github.com/ethereum-optimism/rollup-node/op-node/rollup/derive"
)

// persistRetries bounds how many times the driver retries a block database write before
// treating the failure as fatal, per the Persistence error classification.
const persistRetries = 5

// SyncStatus reports the driver's current view of L1 and L2 progress, served over the
// node's local status surface.
type SyncStatus = eth.SyncStatus

// L1Chain is the subset of L1 access the driver needs beyond what it hands to the
// pipeline: the current head, safe, and finalized block labels.
type L1Chain interface {
	derive.L1Source
	L1HeadBlockRef(ctx context.Context) (eth.L1BlockRef, error)
	L1SafeBlockRef(ctx context.Context) (eth.L1BlockRef, error)
	L1FinalizedBlockRef(ctx context.Context) (eth.L1BlockRef, error)
}

// Metrics is the driver-level subset of the node's metrics surface; it embeds the
// pipeline's own Metrics interface so a single concrete type can satisfy both
//.
type Metrics interface {
	derive.Metrics
	RecordL1ReorgDepth(depth uint64)
}

// Config controls the driver's polling cadence and startup sync mode.
type Config struct {
	L1PollInterval time.Duration

	// CheckpointHash, if set, puts the driver into checkpoint sync mode: before normal
	// derivation starts, it points the engine's forkchoice head at this L2 block hash so
	// the execution client can snap-sync it over its own P2P network.
	CheckpointHash common.Hash
}

func (c Config) withDefaults() Config {
	if c.L1PollInterval <= 0 {
		c.L1PollInterval = 2 * time.Second
	}
	return c
}

// Driver owns the derivation pipeline and the goroutine that steps it forward as new L1
// data and engine capacity become available.
type Driver struct {
	log log.Logger
	cfg Config

	l1  L1Chain
	eng derive.Engine
	m   Metrics
	db  db.BlockDB

	pipeline *derive.DerivationPipeline

	l1Head      eth.L1BlockRef
	l1Safe      eth.L1BlockRef
	l1Finalized eth.L1BlockRef

	done chan struct{}
}

func NewDriver(log log.Logger, rollupCfg *rollup.Config, driverCfg Config, l1 L1Chain, eng derive.Engine, m Metrics, blockDB db.BlockDB) *Driver {
	return &Driver{
		log:      log,
		cfg:      driverCfg.withDefaults(),
		l1:       l1,
		eng:      eng,
		m:        m,
		db:       blockDB,
		pipeline: derive.NewDerivationPipeline(log, rollupCfg, l1, eng, m),
		done:     make(chan struct{}),
	}
}

// Bootstrap performs checkpoint sync when cfg.CheckpointHash is set: it points the
// engine's forkchoice head at the checkpoint hash (with safe and finalized still at
// genesis) so the execution client can snap-sync it over its own P2P network, then
// polls until the client reports it is no longer syncing before reanchoring the
// pipeline at the safe head the client reports. A zero CheckpointHash is a no-op, so
// normal full derivation from genesis is unaffected.
func (d *Driver) Bootstrap(ctx context.Context) error {
	if d.cfg.CheckpointHash == (common.Hash{}) {
		return nil
	}
	genesis := d.pipeline.SafeL2Head()
	fc := &eth.ForkchoiceState{
		HeadBlockHash:      d.cfg.CheckpointHash,
		SafeBlockHash:      genesis.Hash,
		FinalizedBlockHash: genesis.Hash,
	}
	for {
		res, err := d.eng.ForkchoiceUpdate(ctx, fc, nil)
		if err == nil {
			if res.PayloadStatus.Status == eth.ExecutionValid {
				break
			}
			if res.PayloadStatus.Status != eth.ExecutionSyncing {
				return fmt.Errorf("checkpoint forkchoice update rejected: %v", res.PayloadStatus)
			}
		} else {
			d.log.Warn("checkpoint forkchoice update failed, retrying", "err", err)
		}
		select {
		case <-time.After(d.cfg.L1PollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	safe, err := d.eng.SafeL2BlockRef(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve safe head after checkpoint sync: %w", err)
	}
	d.pipeline.Reanchor(safe)
	d.log.Info("resumed derivation from checkpoint-synced safe head", "safe", safe)
	return nil
}

// SyncStatus reports the driver's current progress.
func (d *Driver) SyncStatus() SyncStatus {
	return SyncStatus{
		CurrentL1:   d.pipeline.Progress().Origin,
		HeadL1:      d.l1Head,
		SafeL1:      d.l1Safe,
		FinalizedL1: d.l1Finalized,
		UnsafeL2:    d.pipeline.UnsafeL2Head(),
		SafeL2:      d.pipeline.SafeL2Head(),
		FinalizedL2: d.pipeline.Finalized(),
	}
}

// Start runs the driver loop until ctx is cancelled or a fatal error (a Consensus fault
// or an exhausted block database retry) stops it.
func (d *Driver) Start(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.L1PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if fatal := d.tick(ctx); fatal {
				close(d.done)
				return
			}
		case <-ctx.Done():
			close(d.done)
			return
		}
	}
}

// tick refreshes L1 head/safe/finalized labels, detects a reorg, and steps the pipeline
// for as long as it keeps producing new attributes. It returns true if a fatal error
// requires the driver to stop.
func (d *Driver) tick(ctx context.Context) bool {
	head, err := d.l1.L1HeadBlockRef(ctx)
	if err != nil {
		d.log.Warn("failed to fetch L1 head", "err", err)
		return false
	}
	if d.l1Head != (eth.L1BlockRef{}) && head.ParentHash != d.l1Head.Hash && head.Hash != d.l1Head.Hash {
		d.log.Warn("L1 reorg detected", "prev_head", d.l1Head, "new_head", head)
		d.m.RecordL1ReorgDepth(1)
		d.pipeline.Reset()
	}
	d.l1Head = head

	if safe, err := d.l1.L1SafeBlockRef(ctx); err == nil {
		d.l1Safe = safe
	}
	if finalized, err := d.l1.L1FinalizedBlockRef(ctx); err == nil {
		d.l1Finalized = finalized
	}

	for {
		err := d.pipeline.Step(ctx)
		if err == io.EOF {
			return false
		} else if err == nil {
			if !d.persistHead(ctx) {
				return true
			}
			continue
		} else if errors.Is(err, derive.ErrReset) {
			d.log.Warn("derivation pipeline reset", "err", err)
			d.pipeline.Reset()
			return false
		} else if errors.Is(err, derive.ErrTemporary) {
			d.log.Warn("derivation pipeline temporary error", "err", err)
			return false
		} else if errors.Is(err, derive.ErrCritical) {
			d.log.Error("derivation pipeline critical error", "err", err)
			return true
		} else {
			d.log.Error("unclassified derivation error", "err", err)
			return false
		}
	}
}

// persistHead writes the most recently confirmed block to the block database, retrying
// a bounded number of times before treating the failure as fatal. Returns false when
// every retry has been exhausted or ctx is cancelled while waiting to retry.
func (d *Driver) persistHead(ctx context.Context) bool {
	if d.db == nil {
		return true
	}
	payload, origin, seqNum := d.pipeline.LastConstructedBlock()
	if payload == nil {
		return true
	}
	record := &db.ConstructedBlock{Payload: payload, L1Origin: origin, SeqNumber: seqNum}

	var err error
	for attempt := 0; attempt < persistRetries; attempt++ {
		if err = d.db.Put(ctx, record); err == nil {
			return true
		}
		d.log.Warn("failed to persist constructed block, retrying", "attempt", attempt, "err", err)
		select {
		case <-time.After(time.Duration(attempt+1) * 100 * time.Millisecond):
		case <-ctx.Done():
			return false
		}
	}
	d.log.Error("exhausted retries persisting constructed block", "err", err)
	return false
}
