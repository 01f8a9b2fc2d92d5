package eth

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Bytes32 is a 32 byte value, typically a hash, but sometimes a mix-hash, or other 32 byte value.
type Bytes32 [32]byte

func (b Bytes32) String() string {
	return common.Hash(b).String()
}

func (b Bytes32) TerminalString() string {
	return common.Hash(b).TerminalString()
}

// BlockID identifies a block by number and hash, without any timestamp or ancestry information.
type BlockID struct {
	Hash   common.Hash `json:"hash"`
	Number uint64      `json:"number"`
}

func (id BlockID) String() string {
	return fmt.Sprintf("%s:%d", id.Hash, id.Number)
}

// L1BlockRef is a reference to the L1 block that an L2 block derives from, or that the
// L1 Source has observed directly.
type L1BlockRef struct {
	Hash       common.Hash `json:"hash"`
	Number     uint64      `json:"number"`
	ParentHash common.Hash `json:"parentHash"`
	Time       uint64      `json:"timestamp"`
}

func (id L1BlockRef) ID() BlockID {
	return BlockID{Hash: id.Hash, Number: id.Number}
}

func (id L1BlockRef) String() string {
	return fmt.Sprintf("%s:%d", id.Hash, id.Number)
}

// L2BlockRef is a reference to an L2 block, with the L1 origin epoch it was derived from.
type L2BlockRef struct {
	Hash           common.Hash `json:"hash"`
	Number         uint64      `json:"number"`
	ParentHash     common.Hash `json:"parentHash"`
	Time           uint64      `json:"timestamp"`
	L1Origin       BlockID     `json:"l1origin"`
	SequenceNumber uint64      `json:"sequenceNumber"`
}

func (id L2BlockRef) ID() BlockID {
	return BlockID{Hash: id.Hash, Number: id.Number}
}

func (id L2BlockRef) String() string {
	return fmt.Sprintf("%s:%d", id.Hash, id.Number)
}
