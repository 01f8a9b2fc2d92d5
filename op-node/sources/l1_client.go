// Package sources adapts go-ethereum RPC clients to the interfaces the derivation
// pipeline and driver consume: an L1 polling client and a JWT-authenticated Engine API
// client.
package sources

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	lru "github.com/hashicorp/golang-lru"
	"github.com/holiman/uint256"

	"github.com/ethereum-optimism/rollup-node/op-node/eth"
	"github.com/ethereum-optimism/rollup-node/op-node/rollup"
	"github.com/ethereum-optimism/rollup-node/op-node/rollup/derive"
)

var (
	transactionDepositedEventSig = crypto.Keccak256Hash([]byte("TransactionDeposited(address,address,uint256,bytes)"))
	configUpdateEventSig         = crypto.Keccak256Hash([]byte("ConfigUpdate(uint256,uint8,bytes)"))
)

// systemConfigUpdateType mirrors the SystemConfigUpdateType enum the system config
// contract emits in ConfigUpdate logs.
type systemConfigUpdateType uint8

const (
	sysCfgUpdateBatcher        systemConfigUpdateType = 0
	sysCfgUpdateGasConfig      systemConfigUpdateType = 1
	sysCfgUpdateGasLimit       systemConfigUpdateType = 2
)

// L1Client polls an L1 execution client's standard JSON-RPC API for everything the
// derivation pipeline needs: block headers, deposit logs, system config updates, and
// batcher-transaction calldata.
type L1Client struct {
	client *ethclient.Client
	cfg    *rollup.Config
	log    log.Logger

	headerCache *lru.Cache // common.Hash -> *types.Header

	// next is the next L1 block number Next() will attempt to deliver, advancing the
	// streaming cursor L1Traversal consumes").
	next uint64
}

// NewL1Client dials rawURL and wraps it as an L1Client, starting the streaming cursor at
// startBlock (normally the rollup's L1 genesis block).
func NewL1Client(ctx context.Context, rawURL string, log log.Logger, cfg *rollup.Config, startBlock uint64) (*L1Client, error) {
	client, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial L1 RPC %s: %w", rawURL, err)
	}
	cache, err := lru.New(256)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate header cache: %w", err)
	}
	return &L1Client{client: client, cfg: cfg, log: log, headerCache: cache, next: startBlock}, nil
}

func (c *L1Client) headerToRef(h *types.Header) eth.L1BlockRef {
	return eth.L1BlockRef{
		Hash:       h.Hash(),
		Number:     h.Number.Uint64(),
		ParentHash: h.ParentHash,
		Time:       h.Time,
	}
}

func (c *L1Client) headerByNumber(ctx context.Context, num uint64) (*types.Header, error) {
	h, err := c.client.HeaderByNumber(ctx, new(big.Int).SetUint64(num))
	if err != nil {
		if err == ethereum.NotFound {
			return nil, derive.ErrNotEnoughData
		}
		return nil, fmt.Errorf("failed to fetch L1 header %d: %w", num, err)
	}
	c.headerCache.Add(h.Hash(), h)
	return h, nil
}

func (c *L1Client) L1BlockRefByNumber(ctx context.Context, num uint64) (eth.L1BlockRef, error) {
	h, err := c.headerByNumber(ctx, num)
	if err != nil {
		return eth.L1BlockRef{}, err
	}
	return c.headerToRef(h), nil
}

// headerByLabel fetches a header by one of the RPC block-number sentinels (latest, safe,
// finalized), the same way a geth-family client reports which blocks it already
// considers canonical and irreversible.
func (c *L1Client) headerByLabel(ctx context.Context, label rpc.BlockNumber) (*types.Header, error) {
	h, err := c.client.HeaderByNumber(ctx, big.NewInt(int64(label)))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch L1 header by label %d: %w", int64(label), err)
	}
	c.headerCache.Add(h.Hash(), h)
	return h, nil
}

func (c *L1Client) L1HeadBlockRef(ctx context.Context) (eth.L1BlockRef, error) {
	h, err := c.headerByLabel(ctx, rpc.LatestBlockNumber)
	if err != nil {
		return eth.L1BlockRef{}, err
	}
	return c.headerToRef(h), nil
}

func (c *L1Client) L1SafeBlockRef(ctx context.Context) (eth.L1BlockRef, error) {
	h, err := c.headerByLabel(ctx, rpc.SafeBlockNumber)
	if err != nil {
		return eth.L1BlockRef{}, err
	}
	return c.headerToRef(h), nil
}

func (c *L1Client) L1FinalizedBlockRef(ctx context.Context) (eth.L1BlockRef, error) {
	h, err := c.headerByLabel(ctx, rpc.FinalizedBlockNumber)
	if err != nil {
		return eth.L1BlockRef{}, err
	}
	return c.headerToRef(h), nil
}

// L1BlockRefByHash resolves a block reference by its own hash; it exists to let the
// driver re-verify an L1 block it has already seen without an intervening reorg
// invalidating the lookup.
func (c *L1Client) L1BlockRefByHash(ctx context.Context, ref eth.L1BlockRef) (eth.L1BlockRef, error) {
	if v, ok := c.headerCache.Get(ref.Hash); ok {
		return c.headerToRef(v.(*types.Header)), nil
	}
	h, err := c.client.HeaderByHash(ctx, ref.Hash)
	if err != nil {
		if err == ethereum.NotFound {
			return eth.L1BlockRef{}, derive.ErrNotEnoughData
		}
		return eth.L1BlockRef{}, fmt.Errorf("failed to fetch L1 header %s: %w", ref.Hash, err)
	}
	c.headerCache.Add(h.Hash(), h)
	return c.headerToRef(h), nil
}

// InfoByNumber fetches everything the derivation pipeline observes about L1 block num:
// batcher-transaction calldata, deposit events, and any system config update
//.
func (c *L1Client) InfoByNumber(ctx context.Context, num uint64) (*derive.L1Info, error) {
	header, err := c.headerByNumber(ctx, num)
	if err != nil {
		return nil, err
	}
	block, err := c.client.BlockByHash(ctx, header.Hash())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch L1 block body %d: %w", num, err)
	}

	info := &derive.L1Info{
		Self:      c.headerToRef(header),
		MixDigest: header.MixDigest,
	}
	if header.BaseFee != nil {
		baseFee, overflow := uint256.FromBig(header.BaseFee)
		if overflow {
			return nil, fmt.Errorf("L1 base fee %s does not fit in 256 bits", header.BaseFee)
		}
		info.BaseFee = baseFee
	} else {
		info.BaseFee = uint256.NewInt(0)
	}

	signer := types.LatestSignerForChainID(c.cfg.L1ChainID)
	for _, tx := range block.Transactions() {
		if tx.To() == nil || *tx.To() != c.cfg.BatchInboxAddress {
			continue
		}
		from, err := types.Sender(signer, tx)
		if err != nil || from != c.cfg.Genesis.SystemConfig.BatcherAddr {
			continue
		}
		info.BatcherTransactions = append(info.BatcherTransactions, tx.Data())
	}

	blockHash := header.Hash()
	logs, err := c.client.FilterLogs(ctx, ethereum.FilterQuery{
		BlockHash: &blockHash,
		Addresses: []common.Address{c.cfg.DepositContractAddress, c.cfg.L1SystemConfigAddress},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to filter logs for L1 block %d: %w", num, err)
	}
	for _, l := range logs {
		switch {
		case l.Address == c.cfg.DepositContractAddress && len(l.Topics) > 0 && l.Topics[0] == transactionDepositedEventSig:
			dep, err := parseDepositLog(l)
			if err != nil {
				return nil, fmt.Errorf("failed to parse deposit log (tx %s, index %d): %w", l.TxHash, l.Index, err)
			}
			info.Deposits = append(info.Deposits, dep)
		case l.Address == c.cfg.L1SystemConfigAddress && len(l.Topics) > 0 && l.Topics[0] == configUpdateEventSig:
			update, err := parseSystemConfigUpdateLog(l)
			if err != nil {
				return nil, fmt.Errorf("failed to parse system config update log (tx %s, index %d): %w", l.TxHash, l.Index, err)
			}
			info.SystemConfigUpdate = update
		}
	}
	return info, nil
}

// Next implements derive.L1InfoQueue: it delivers L1 blocks strictly in order, one per
// call, holding back until the streaming cursor's block is both available and at least
// ConfirmationDepth blocks behind L1 head, so a block already reorged out never reaches
// derivation.
func (c *L1Client) Next(ctx context.Context) (*derive.L1Info, error) {
	head, err := c.headerByLabel(ctx, rpc.LatestBlockNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch L1 head for confirmation check: %w", err)
	}
	depth := c.cfg.ConfirmationDepth()
	if head.Number.Uint64() < c.next+depth {
		return nil, derive.ErrNotEnoughData
	}

	info, err := c.InfoByNumber(ctx, c.next)
	if err != nil {
		return nil, err
	}
	c.next++
	return info, nil
}

// parseDepositLog decodes a TransactionDeposited log's indexed fields and opaque data
// blob into a UserDeposit.
func parseDepositLog(l types.Log) (derive.UserDeposit, error) {
	if len(l.Topics) != 4 {
		return derive.UserDeposit{}, fmt.Errorf("expected 4 topics, got %d", len(l.Topics))
	}
	from := common.BytesToAddress(l.Topics[1].Bytes())
	to := common.BytesToAddress(l.Topics[2].Bytes())

	// opaqueData layout: mint(32) ++ value(32) ++ gasLimit(8) ++ isCreation(1) ++ data
	const head = 32 + 32 + 8 + 1
	data, err := unpackBytesArg(l.Data)
	if err != nil {
		return derive.UserDeposit{}, err
	}
	if len(data) < head {
		return derive.UserDeposit{}, fmt.Errorf("opaque data too short: %d bytes", len(data))
	}
	mint, overflow := uint256.FromBig(new(big.Int).SetBytes(data[0:32]))
	if overflow {
		return derive.UserDeposit{}, fmt.Errorf("mint value overflows 256 bits")
	}
	value, overflow := uint256.FromBig(new(big.Int).SetBytes(data[32:64]))
	if overflow {
		return derive.UserDeposit{}, fmt.Errorf("deposit value overflows 256 bits")
	}
	gas := new(big.Int).SetBytes(data[64:72]).Uint64()
	isCreation := data[72] != 0

	dep := derive.UserDeposit{
		SourceHash: derive.UserDepositSourceHash(l.BlockHash, l.Index),
		From:       from,
		Mint:       mint,
		Value:      value,
		Gas:        gas,
		IsCreation: isCreation,
		Data:       append([]byte{}, data[head:]...),
		LogIndex:   l.Index,
	}
	if !isCreation {
		dep.To = &to
	}
	return dep, nil
}

// unpackBytesArg strips the ABI head (offset, length words) from a single dynamic
// `bytes` event argument, returning just the payload.
func unpackBytesArg(data []byte) ([]byte, error) {
	if len(data) < 64 {
		return nil, fmt.Errorf("event data too short for a bytes argument: %d bytes", len(data))
	}
	length := new(big.Int).SetBytes(data[32:64]).Uint64()
	if uint64(len(data)) < 64+length {
		return nil, fmt.Errorf("event data shorter than declared bytes length")
	}
	return data[64 : 64+length], nil
}

// parseSystemConfigUpdateLog decodes a ConfigUpdate log into the field it changed
//.
func parseSystemConfigUpdateLog(l types.Log) (*derive.SystemConfigUpdate, error) {
	if len(l.Topics) != 3 {
		return nil, fmt.Errorf("expected 3 topics, got %d", len(l.Topics))
	}
	updateType := systemConfigUpdateType(l.Topics[2].Big().Uint64())
	data, err := unpackBytesArg(l.Data)
	if err != nil {
		return nil, err
	}

	update := &derive.SystemConfigUpdate{}
	switch updateType {
	case sysCfgUpdateBatcher:
		if len(data) < 32 {
			return nil, fmt.Errorf("batcher update data too short")
		}
		addr := common.BytesToAddress(data[12:32])
		update.BatcherAddr = &addr
	case sysCfgUpdateGasConfig:
		if len(data) < 64 {
			return nil, fmt.Errorf("gas config update data too short")
		}
		var overhead, scalar eth.Bytes32
		copy(overhead[:], data[0:32])
		copy(scalar[:], data[32:64])
		update.Overhead = &overhead
		update.Scalar = &scalar
	case sysCfgUpdateGasLimit:
		if len(data) < 32 {
			return nil, fmt.Errorf("gas limit update data too short")
		}
		gasLimit := new(big.Int).SetBytes(data[24:32]).Uint64()
		update.GasLimit = &gasLimit
	default:
		return nil, fmt.Errorf("unrecognized system config update type %d", updateType)
	}
	return update, nil
}
