// Package node is the composition root: it wires CLI configuration into an L1 client, an
// engine client, a block database, metrics, and a driver, then runs the driver loop until
// told to stop.
package node

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/rollup-node/op-node/db"
	"github.com/ethereum-optimism/rollup-node/op-node/metrics"
	"github.com/ethereum-optimism/rollup-node/op-node/rollup"
	"github.com/ethereum-optimism/rollup-node/op-node/rollup/driver"
	"github.com/ethereum-optimism/rollup-node/op-node/sources"
)

// Config is the fully-resolved set of inputs the node needs to run, assembled from CLI
// flags and the rollup config file.
type Config struct {
	RollupConfigPath string
	L1RPC            string
	L2EngineRPC      string
	JWTSecretPath    string
	DataDir          string

	MetricsEnabled bool
	MetricsAddr    string
	MetricsPort    int

	LogLevel string

	// SyncMode is "full" (derive from the rollup config's L1 genesis) or "checkpoint"
	// (snap-sync the execution client to a trusted L2 tip before deriving normally).
	SyncMode string
	// CheckpointSyncURL, when CheckpointHash is empty, is read once at startup for its
	// latest L2 block hash to use as the checkpoint.
	CheckpointSyncURL string
	CheckpointHash    string
}

// Node owns every long-lived component the running process holds onto. Stop cancels the
// running driver loop and closes the block database; the L1 and engine clients are not
// closed by it.
type Node struct {
	log      log.Logger
	cfg      Config
	rollup   *rollup.Config
	l1       *sources.L1Client
	engine   *sources.EngineClient
	blockDB  db.BlockDB
	metrics  *metrics.Metrics
	driver   *driver.Driver
	cancel   context.CancelFunc
}

// LoadRollupConfig reads the JSON rollup configuration file the CLI --rollup.config flag
// points at.
func LoadRollupConfig(path string) (*rollup.Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rollup config %s: %w", path, err)
	}
	var cfg rollup.Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse rollup config %s: %w", path, err)
	}
	return &cfg, nil
}

// loadJWTSecret reads the 32-byte shared secret the Engine API client signs its
// authentication JWTs with.
func loadJWTSecret(path string) ([32]byte, error) {
	var secret [32]byte
	raw, err := os.ReadFile(path)
	if err != nil {
		return secret, fmt.Errorf("failed to read JWT secret %s: %w", path, err)
	}
	trimmed := strings.TrimPrefix(strings.TrimSpace(string(raw)), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return secret, fmt.Errorf("failed to decode JWT secret %s: %w", path, err)
	}
	if len(decoded) != 32 {
		return secret, fmt.Errorf("JWT secret %s must be 32 bytes, got %d", path, len(decoded))
	}
	copy(secret[:], decoded)
	return secret, nil
}

// resolveCheckpointHash determines the L2 block hash to checkpoint-sync the execution
// client to. An explicit --checkpoint-hash wins; otherwise, under --sync-mode checkpoint,
// it dials --checkpoint-sync-url once for that chain's current head hash. Under the
// default full sync mode with neither flag set, it returns the zero hash, a no-op for
// driver.Driver.Bootstrap.
func resolveCheckpointHash(ctx context.Context, cfg Config) (common.Hash, error) {
	if cfg.CheckpointHash != "" {
		return common.HexToHash(cfg.CheckpointHash), nil
	}
	if cfg.SyncMode != "checkpoint" {
		return common.Hash{}, nil
	}
	if cfg.CheckpointSyncURL == "" {
		return common.Hash{}, fmt.Errorf("sync-mode checkpoint requires --checkpoint-hash or --checkpoint-sync-url")
	}

	client, err := ethclient.DialContext(ctx, cfg.CheckpointSyncURL)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to dial checkpoint-sync-url %s: %w", cfg.CheckpointSyncURL, err)
	}
	defer client.Close()

	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to fetch checkpoint head from %s: %w", cfg.CheckpointSyncURL, err)
	}
	return header.Hash(), nil
}

// New builds every component but does not start the driver loop yet.
func New(ctx context.Context, log log.Logger, cfg Config) (*Node, error) {
	rollupCfg, err := LoadRollupConfig(cfg.RollupConfigPath)
	if err != nil {
		return nil, err
	}

	jwtSecret, err := loadJWTSecret(cfg.JWTSecretPath)
	if err != nil {
		return nil, err
	}

	l1Client, err := sources.NewL1Client(ctx, cfg.L1RPC, log, rollupCfg, rollupCfg.Genesis.L1.Number)
	if err != nil {
		return nil, fmt.Errorf("failed to construct L1 client: %w", err)
	}
	engineClient, err := sources.NewEngineClient(ctx, cfg.L2EngineRPC, log, jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to construct engine client: %w", err)
	}

	blockDB, err := db.NewLevelDBStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open block database: %w", err)
	}

	checkpoint, err := resolveCheckpointHash(ctx, cfg)
	if err != nil {
		return nil, err
	}

	m := metrics.NewMetrics("op_node")

	drv := driver.NewDriver(log, rollupCfg, driver.Config{CheckpointHash: checkpoint}, l1Client, engineClient, m, blockDB)

	return &Node{
		log:     log,
		cfg:     cfg,
		rollup:  rollupCfg,
		l1:      l1Client,
		engine:  engineClient,
		blockDB: blockDB,
		metrics: m,
		driver:  drv,
	}, nil
}

// Start runs the metrics server (if enabled), performs checkpoint sync if configured, and
// runs the driver loop until Stop is called.
func (n *Node) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	if n.cfg.MetricsEnabled {
		go func() {
			if err := n.metrics.Serve(runCtx, n.cfg.MetricsAddr, n.cfg.MetricsPort); err != nil {
				n.log.Error("metrics server stopped", "err", err)
			}
		}()
	}

	if err := n.driver.Bootstrap(runCtx); err != nil {
		return fmt.Errorf("checkpoint sync failed: %w", err)
	}

	n.metrics.RecordUp()
	n.driver.Start(runCtx)
	return nil
}

func (n *Node) Stop() error {
	if n.cancel != nil {
		n.cancel()
	}
	return n.blockDB.Close()
}
