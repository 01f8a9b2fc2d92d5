package sources

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/golang-jwt/jwt/v4"

	"github.com/ethereum-optimism/rollup-node/op-node/eth"
	"github.com/ethereum-optimism/rollup-node/op-node/rollup/derive"
)

const (
	methodGetPayload        = "engine_getPayloadV1"
	methodForkchoiceUpdated = "engine_forkchoiceUpdatedV1"
	methodNewPayload        = "engine_newPayloadV1"
	methodGetBlockByHash    = "eth_getBlockByHash"
	methodGetBlockByNumber  = "eth_getBlockByNumber"

	engineCallTimeout = 10 * time.Second
)

// EngineClient drives an execution client's authenticated Engine API, the interface the
// derivation pipeline's Engine type is implemented against.
type EngineClient struct {
	rpc *rpc.Client
	log log.Logger
}

// NewEngineClient dials rawURL, attaching a round tripper that signs every request with
// an HS256 JWT derived from jwtSecret, the shared secret every Engine API consumer and
// the execution client must agree on out of band.
func NewEngineClient(ctx context.Context, rawURL string, log log.Logger, jwtSecret [32]byte) (*EngineClient, error) {
	httpClient := &http.Client{
		Timeout:   engineCallTimeout,
		Transport: &jwtRoundTripper{secret: jwtSecret, base: http.DefaultTransport},
	}
	client, err := rpc.DialOptions(ctx, rawURL, rpc.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to dial engine API %s: %w", rawURL, err)
	}
	return &EngineClient{rpc: client, log: log}, nil
}

// jwtRoundTripper signs every outbound request with a fresh {iat: now} claim, as the
// Engine API authentication scheme requires.
type jwtRoundTripper struct {
	secret [32]byte
	base   http.RoundTripper
}

func (t *jwtRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		IssuedAt: jwt.NewNumericDate(time.Now()),
	})
	signed, err := token.SignedString(t.secret[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign engine API JWT: %w", err)
	}
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+signed)
	return t.base.RoundTrip(req)
}

func (c *EngineClient) GetPayload(ctx context.Context, id eth.PayloadID) (*eth.ExecutionPayload, error) {
	var result eth.ExecutionPayload
	if err := c.rpc.CallContext(ctx, &result, methodGetPayload, id); err != nil {
		return nil, fmt.Errorf("%s failed: %w", methodGetPayload, err)
	}
	return &result, nil
}

func (c *EngineClient) ForkchoiceUpdate(ctx context.Context, state *eth.ForkchoiceState, attrs *eth.PayloadAttributes) (*eth.ForkchoiceUpdatedResult, error) {
	var result eth.ForkchoiceUpdatedResult
	if err := c.rpc.CallContext(ctx, &result, methodForkchoiceUpdated, state, attrs); err != nil {
		return nil, fmt.Errorf("%s failed: %w", methodForkchoiceUpdated, err)
	}
	return &result, nil
}

func (c *EngineClient) NewPayload(ctx context.Context, payload *eth.ExecutionPayload) (*eth.PayloadStatusV1, error) {
	var result eth.PayloadStatusV1
	if err := c.rpc.CallContext(ctx, &result, methodNewPayload, payload); err != nil {
		return nil, fmt.Errorf("%s failed: %w", methodNewPayload, err)
	}
	return &result, nil
}

func (c *EngineClient) PayloadByHash(ctx context.Context, hash common.Hash) (*eth.ExecutionPayload, error) {
	var result eth.ExecutionPayload
	if err := c.rpc.CallContext(ctx, &result, methodGetBlockByHash, hash, true); err != nil {
		return nil, fmt.Errorf("%s failed: %w", methodGetBlockByHash, err)
	}
	return &result, nil
}

func (c *EngineClient) PayloadByNumber(ctx context.Context, num uint64) (*eth.ExecutionPayload, error) {
	var result eth.ExecutionPayload
	if err := c.rpc.CallContext(ctx, &result, methodGetBlockByNumber, hexBlockNumber(num), true); err != nil {
		return nil, fmt.Errorf("%s failed: %w", methodGetBlockByNumber, err)
	}
	return &result, nil
}

// SafeL2BlockRef asks the execution client which block it currently considers safe,
// used to resume normal derivation after checkpoint sync once the client reports it is
// no longer snap-syncing.
func (c *EngineClient) SafeL2BlockRef(ctx context.Context) (eth.L2BlockRef, error) {
	var result eth.ExecutionPayload
	if err := c.rpc.CallContext(ctx, &result, methodGetBlockByNumber, "safe", true); err != nil {
		return eth.L2BlockRef{}, fmt.Errorf("%s(safe) failed: %w", methodGetBlockByNumber, err)
	}
	return payloadToL2BlockRef(&result), nil
}

func (c *EngineClient) L2BlockRefByHash(ctx context.Context, hash common.Hash) (eth.L2BlockRef, error) {
	payload, err := c.PayloadByHash(ctx, hash)
	if err != nil {
		return eth.L2BlockRef{}, err
	}
	return payloadToL2BlockRef(payload), nil
}

func (c *EngineClient) L2BlockRefByNumber(ctx context.Context, num uint64) (eth.L2BlockRef, error) {
	payload, err := c.PayloadByNumber(ctx, num)
	if err != nil {
		return eth.L2BlockRef{}, err
	}
	return payloadToL2BlockRef(payload), nil
}

func hexBlockNumber(num uint64) string {
	return fmt.Sprintf("0x%x", num)
}

// payloadToL2BlockRef extracts the L1 origin block number and sequence number the
// L1-attributes deposit transaction encodes, the way the execution client's block is the
// only durable record of which epoch and slot an L2 block belongs to. The L1 origin's
// hash is left zero.
func payloadToL2BlockRef(payload *eth.ExecutionPayload) eth.L2BlockRef {
	ref := eth.L2BlockRef{
		Hash:       payload.BlockHash,
		Number:     uint64(payload.BlockNumber),
		ParentHash: payload.ParentHash,
		Time:       uint64(payload.Timestamp),
	}
	if len(payload.Transactions) > 0 {
		if num, seq, ok := derive.DecodeL1InfoDepositTxData(payload.Transactions[0]); ok {
			ref.L1Origin = eth.BlockID{Number: num}
			ref.SequenceNumber = seq
		}
	}
	return ref
}
