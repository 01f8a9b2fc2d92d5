package derive

import (
	"bytes"
	"compress/zlib"
	"context"
	"fmt"
	"io"

	lru "github.com/hashicorp/golang-lru"

	"github.com/ethereum-optimism/rollup-node/op-node/eth"
	"github.com/ethereum-optimism/rollup-node/op-node/rollup"
)

// discardedCacheSize bounds how many discarded/completed channel IDs are remembered, so
// that a frame for a re-appearing (evicted or already-emitted) channel id is dropped in
// O(1) instead of growing an unbounded set.
const discardedCacheSize = 4096

// ChannelBank is the Channel Stage: it reassembles frames into channels, and emits
// decompressed channel payloads once ready, in the order channels complete
//.
type ChannelBank struct {
	cfg  *rollup.Config
	prev *L1Retrieval

	channels     map[ChannelID]*PendingChannel
	channelOrder []ChannelID // insertion order, for oldest-first eviction
	totalSize    uint64

	readyQueue []ChannelID // channels that became ready, FIFO emission order

	resolved *lru.Cache // ChannelID -> struct{}, discarded/already-emitted ids
}

func NewChannelBank(cfg *rollup.Config, prev *L1Retrieval) *ChannelBank {
	cache, _ := lru.New(discardedCacheSize)
	return &ChannelBank{
		cfg:      cfg,
		prev:     prev,
		channels: make(map[ChannelID]*PendingChannel),
		resolved: cache,
	}
}

func (cb *ChannelBank) Origin() eth.L1BlockRef {
	return cb.prev.Origin()
}

// NextChannel returns the decompressed bytes of the next completed channel, pulling and
// ingesting frames from upstream as needed. Returns io.EOF once upstream is exhausted
// for this Step with nothing ready yet.
func (cb *ChannelBank) NextChannel(ctx context.Context) ([]byte, error) {
	for {
		if out, ok, err := cb.popReady(); ok {
			return out, err
		}

		data, err := cb.prev.NextData(ctx)
		if err == io.EOF {
			return nil, io.EOF
		} else if err != nil {
			return nil, err
		}
		if data == nil {
			continue
		}

		frames, err := ParseFrames(data)
		if err != nil {
			// malformed tx: drop the whole tx, not fatal to the bank.
			continue
		}
		originNum := cb.Origin().Number
		for _, f := range frames {
			cb.ingestFrame(f, originNum)
		}
		cb.pruneTimedOut(originNum)
		cb.pruneOversized()
	}
}

// popReady pops and decompresses the next ready channel, if any. The second return
// value reports whether a ready channel was found at all (true even if decompression
// failed, to distinguish "nothing ready" from "ready but discarded").
func (cb *ChannelBank) popReady() ([]byte, bool, error) {
	if len(cb.readyQueue) == 0 {
		return nil, false, nil
	}
	id := cb.readyQueue[0]
	cb.readyQueue = cb.readyQueue[1:]
	pc, ok := cb.channels[id]
	if !ok {
		return nil, true, fmt.Errorf("ready channel %s missing from bank", id)
	}
	cb.removeChannel(id)
	cb.resolved.Add(id, struct{}{}) // at most one channel is ever emitted per id
	out, err := decompressChannel(pc.Assemble())
	if err != nil {
		// decompression failure discards the channel and nothing is emitted for it
		//.
		return nil, true, ErrNotEnoughData
	}
	return out, true, nil
}

func (cb *ChannelBank) ingestFrame(f Frame, l1Block uint64) {
	if _, ok := cb.resolved.Get(f.ID); ok {
		return // known discarded/emitted channel id
	}
	pc, ok := cb.channels[f.ID]
	if !ok {
		pc = NewPendingChannel(f.ID, l1Block)
		cb.channels[f.ID] = pc
		cb.channelOrder = append(cb.channelOrder, f.ID)
	}
	before := pc.Size()
	if err := pc.AddFrame(f); err != nil {
		return // malformed frame relative to channel state; drop it
	}
	cb.totalSize += pc.Size() - before

	if pc.IsReady() {
		cb.readyQueue = append(cb.readyQueue, f.ID)
	}
}

func (cb *ChannelBank) pruneTimedOut(currentL1Block uint64) {
	for _, id := range cb.channelOrder {
		pc, ok := cb.channels[id]
		if !ok {
			continue
		}
		if pc.FirstSeenL1Block+cb.cfg.ChannelTimeout < currentL1Block {
			cb.removeChannel(id)
			cb.resolved.Add(id, struct{}{})
		}
	}
}

// pruneOversized evicts the oldest pending channel while the total buffered size
// exceeds max_channel_size.
func (cb *ChannelBank) pruneOversized() {
	for cb.totalSize > cb.cfg.MaxChannelSize && len(cb.channelOrder) > 0 {
		oldest := cb.channelOrder[0]
		cb.removeChannel(oldest)
		cb.resolved.Add(oldest, struct{}{})
	}
}

func (cb *ChannelBank) removeChannel(id ChannelID) {
	pc, ok := cb.channels[id]
	if !ok {
		return
	}
	cb.totalSize -= pc.Size()
	delete(cb.channels, id)
	for i, o := range cb.channelOrder {
		if o == id {
			cb.channelOrder = append(cb.channelOrder[:i], cb.channelOrder[i+1:]...)
			break
		}
	}
	for i, o := range cb.readyQueue {
		if o == id {
			cb.readyQueue = append(cb.readyQueue[:i], cb.readyQueue[i+1:]...)
			break
		}
	}
}

func (cb *ChannelBank) Reset(origin eth.L1BlockRef) {
	cb.channels = make(map[ChannelID]*PendingChannel)
	cb.channelOrder = nil
	cb.readyQueue = nil
	cb.totalSize = 0
	cb.resolved.Purge()
	cb.prev.Reset(origin)
}

func decompressChannel(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create zlib reader: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, MaxRLPBytesPerChannel))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress channel: %w", err)
	}
	return out, nil
}
