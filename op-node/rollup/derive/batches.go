package derive

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

// BatchData is the RLP body decoded from a channel's decompressed bytes, after the
// leading batch-type byte:
//
//	[parent_hash(bytes32), epoch_number(uint), epoch_hash(bytes32), timestamp(uint),
//	 transaction_list(list(bytes))]
type BatchData struct {
	ParentHash   common.Hash
	EpochNum     uint64
	EpochHash    common.Hash
	Timestamp    uint64
	Transactions [][]byte
}

// batchRLP mirrors BatchData field-for-field for RLP (de)serialization.
type batchRLP struct {
	ParentHash   common.Hash
	EpochNum     uint64
	EpochHash    common.Hash
	Timestamp    uint64
	Transactions [][]byte
}

// DecodeBatches reads every RLP-encoded, type-prefixed batch from a decompressed
// channel payload. A decode error for one candidate batch
// stops at that point but keeps everything decoded so far.
func DecodeBatches(data []byte) ([]*BatchData, error) {
	r := bytes.NewReader(data)
	var out []*BatchData
	for r.Len() > 0 {
		typeByte, err := r.ReadByte()
		if err != nil {
			break
		}
		if typeByte != BatchV0Type {
			return out, fmt.Errorf("unrecognized batch type: %d", typeByte)
		}
		stream := rlp.NewStream(r, uint64(r.Len()))
		var rb batchRLP
		if err := stream.Decode(&rb); err != nil {
			if err == io.EOF {
				break
			}
			return out, fmt.Errorf("failed to decode batch rlp: %w", err)
		}
		txs := rb.Transactions
		if len(txs) == 0 {
			// an empty transaction list decodes as nil, the same as EncodeBatch's input
			// for a batch without transactions.
			txs = nil
		}
		out = append(out, &BatchData{
			ParentHash:   rb.ParentHash,
			EpochNum:     rb.EpochNum,
			EpochHash:    rb.EpochHash,
			Timestamp:    rb.Timestamp,
			Transactions: txs,
		})
	}
	return out, nil
}

// EncodeBatch RLP-encodes a single batch with its leading type byte, the inverse of one
// iteration of DecodeBatches.
func EncodeBatch(b *BatchData) ([]byte, error) {
	rb := batchRLP{
		ParentHash:   b.ParentHash,
		EpochNum:     b.EpochNum,
		EpochHash:    b.EpochHash,
		Timestamp:    b.Timestamp,
		Transactions: b.Transactions,
	}
	body, err := rlp.EncodeToBytes(&rb)
	if err != nil {
		return nil, fmt.Errorf("failed to rlp-encode batch: %w", err)
	}
	return append([]byte{BatchV0Type}, body...), nil
}
