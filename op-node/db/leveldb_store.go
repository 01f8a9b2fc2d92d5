package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-ds-leveldb"
)

// Key layout: primary record under b/<hash>, secondary indices map to the primary key's
// hash so every lookup is a single get plus (for the secondary case) one redirect
//.
const (
	blockPrefix     = "b"
	numberPrefix    = "n"
	l1HashPrefix    = "l1h"
	l1NumberPrefix  = "l1n"
	timestampPrefix = "t"
	txHashPrefix    = "tx"
)

// LevelDBStore is a BlockDB backed by an embedded LevelDB instance, opened directly over
// the local filesystem.
type LevelDBStore struct {
	ds *leveldb.Datastore
}

// NewLevelDBStore opens (or creates) a LevelDB-backed BlockDB rooted at path.
func NewLevelDBStore(path string) (*LevelDBStore, error) {
	store, err := leveldb.NewDatastore(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open block database at %s: %w", path, err)
	}
	return &LevelDBStore{ds: store}, nil
}

func blockKey(hash common.Hash) ds.Key {
	return ds.NewKey("/" + blockPrefix + "/" + hash.Hex())
}

func numberKey(num uint64) ds.Key {
	return ds.NewKey(fmt.Sprintf("/%s/%020d", numberPrefix, num))
}

func l1HashKey(hash common.Hash) ds.Key {
	return ds.NewKey("/" + l1HashPrefix + "/" + hash.Hex())
}

func l1NumberKey(num uint64) ds.Key {
	return ds.NewKey(fmt.Sprintf("/%s/%020d", l1NumberPrefix, num))
}

func timestampKey(timestamp uint64) ds.Key {
	return ds.NewKey(fmt.Sprintf("/%s/%020d", timestampPrefix, timestamp))
}

func txHashKey(hash common.Hash) ds.Key {
	return ds.NewKey("/" + txHashPrefix + "/" + hash.Hex())
}

// Put stores the block under its primary key and every secondary index pointing back to
// it.
func (s *LevelDBStore) Put(ctx context.Context, b *ConstructedBlock) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to encode block %s: %w", b.Payload.BlockHash, err)
	}
	hash := b.Payload.BlockHash
	if err := s.ds.Put(ctx, blockKey(hash), raw); err != nil {
		return fmt.Errorf("failed to store block %s: %w", hash, err)
	}
	ref := []byte(hash.Hex())
	if err := s.ds.Put(ctx, numberKey(uint64(b.Payload.BlockNumber)), ref); err != nil {
		return fmt.Errorf("failed to index block %s by number: %w", hash, err)
	}
	if err := s.ds.Put(ctx, l1HashKey(b.L1Origin.Hash), ref); err != nil {
		return fmt.Errorf("failed to index block %s by L1 hash: %w", hash, err)
	}
	if err := s.ds.Put(ctx, l1NumberKey(b.L1Origin.Number), ref); err != nil {
		return fmt.Errorf("failed to index block %s by L1 number: %w", hash, err)
	}
	if err := s.ds.Put(ctx, timestampKey(uint64(b.Payload.Timestamp)), ref); err != nil {
		return fmt.Errorf("failed to index block %s by timestamp: %w", hash, err)
	}
	for _, tx := range b.Payload.Transactions {
		if err := s.ds.Put(ctx, txHashKey(crypto.Keccak256Hash(tx)), ref); err != nil {
			return fmt.Errorf("failed to index block %s by tx hash: %w", hash, err)
		}
	}
	return nil
}

func (s *LevelDBStore) getBlock(ctx context.Context, key ds.Key) (*ConstructedBlock, error) {
	raw, err := s.ds.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("block not found: %w", err)
	}
	var b ConstructedBlock
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("failed to decode stored block: %w", err)
	}
	return &b, nil
}

func (s *LevelDBStore) getByIndex(ctx context.Context, key ds.Key) (*ConstructedBlock, error) {
	raw, err := s.ds.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("index not found: %w", err)
	}
	return s.getBlock(ctx, blockKey(common.HexToHash(string(raw))))
}

func (s *LevelDBStore) GetByHash(ctx context.Context, hash common.Hash) (*ConstructedBlock, error) {
	return s.getBlock(ctx, blockKey(hash))
}

func (s *LevelDBStore) GetByNumber(ctx context.Context, num uint64) (*ConstructedBlock, error) {
	return s.getByIndex(ctx, numberKey(num))
}

func (s *LevelDBStore) GetByL1Hash(ctx context.Context, l1Hash common.Hash) (*ConstructedBlock, error) {
	return s.getByIndex(ctx, l1HashKey(l1Hash))
}

func (s *LevelDBStore) GetByL1Number(ctx context.Context, l1Num uint64) (*ConstructedBlock, error) {
	return s.getByIndex(ctx, l1NumberKey(l1Num))
}

func (s *LevelDBStore) GetByTimestamp(ctx context.Context, timestamp uint64) (*ConstructedBlock, error) {
	return s.getByIndex(ctx, timestampKey(timestamp))
}

func (s *LevelDBStore) GetByTxHash(ctx context.Context, txHash common.Hash) (*ConstructedBlock, error) {
	return s.getByIndex(ctx, txHashKey(txHash))
}

func (s *LevelDBStore) Close() error {
	return s.ds.Close()
}

var _ BlockDB = (*LevelDBStore)(nil)
