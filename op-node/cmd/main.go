// Command op-node runs the derivation pipeline against a configured L1 RPC endpoint and
// drives an execution client's Engine API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/rollup-node/op-node/node"
)

var (
	RollupConfigFlag = &cli.StringFlag{
		Name:     "rollup.config",
		Usage:    "path to the rollup configuration JSON file",
		Required: true,
		EnvVars:  []string{"OP_NODE_ROLLUP_CONFIG"},
	}
	L1RPCFlag = &cli.StringFlag{
		Name:     "l1",
		Usage:    "L1 execution client RPC endpoint",
		Required: true,
		EnvVars:  []string{"OP_NODE_L1_RPC"},
	}
	L2EngineRPCFlag = &cli.StringFlag{
		Name:     "l2",
		Usage:    "L2 execution client Engine API endpoint",
		Required: true,
		EnvVars:  []string{"OP_NODE_L2_ENGINE_RPC"},
	}
	L2JWTSecretFlag = &cli.StringFlag{
		Name:     "l2.jwt-secret",
		Usage:    "path to the shared JWT secret used to authenticate Engine API calls",
		Required: true,
		EnvVars:  []string{"OP_NODE_L2_ENGINE_AUTH"},
	}
	DataDirFlag = &cli.StringFlag{
		Name:    "datadir",
		Usage:   "directory the node's block database is stored in",
		Value:   "./op-node-data",
		EnvVars: []string{"OP_NODE_DATADIR"},
	}
	MetricsEnabledFlag = &cli.BoolFlag{
		Name:    "metrics.enabled",
		Usage:   "enable the Prometheus metrics server",
		EnvVars: []string{"OP_NODE_METRICS_ENABLED"},
	}
	MetricsAddrFlag = &cli.StringFlag{
		Name:    "metrics.addr",
		Usage:   "metrics server listen address",
		Value:   "0.0.0.0",
		EnvVars: []string{"OP_NODE_METRICS_ADDR"},
	}
	MetricsPortFlag = &cli.IntFlag{
		Name:    "metrics.port",
		Usage:   "metrics server listen port",
		Value:   7300,
		EnvVars: []string{"OP_NODE_METRICS_PORT"},
	}
	LogLevelFlag = &cli.StringFlag{
		Name:    "log.level",
		Usage:   "logging verbosity (trace|debug|info|warn|error|crit)",
		Value:   "info",
		EnvVars: []string{"OP_NODE_LOG_LEVEL"},
	}
	SyncModeFlag = &cli.StringFlag{
		Name:    "sync-mode",
		Usage:   "startup sync strategy: full (derive from L1 genesis) or checkpoint (snap-sync the execution client to a trusted L2 tip first)",
		Value:   "full",
		EnvVars: []string{"OP_NODE_SYNC_MODE"},
	}
	CheckpointSyncURLFlag = &cli.StringFlag{
		Name:    "checkpoint-sync-url",
		Usage:   "trusted L2 RPC endpoint to read the checkpoint tip hash from, if --checkpoint-hash is not given directly",
		EnvVars: []string{"OP_NODE_CHECKPOINT_SYNC_URL"},
	}
	CheckpointHashFlag = &cli.StringFlag{
		Name:    "checkpoint-hash",
		Usage:   "trusted L2 block hash to snap-sync the execution client to under --sync-mode checkpoint",
		EnvVars: []string{"OP_NODE_CHECKPOINT_HASH"},
	}
)

func main() {
	app := &cli.App{
		Name:  "op-node",
		Usage: "independent derivation node driving an L2 execution client from L1",
		Flags: []cli.Flag{
			RollupConfigFlag, L1RPCFlag, L2EngineRPCFlag, L2JWTSecretFlag, DataDirFlag,
			MetricsEnabledFlag, MetricsAddrFlag, MetricsPortFlag, LogLevelFlag,
			SyncModeFlag, CheckpointSyncURLFlag, CheckpointHashFlag,
		},
		Action: runNode,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func runNode(cliCtx *cli.Context) error {
	logger := newLogger(cliCtx.String(LogLevelFlag.Name))

	cfg := node.Config{
		RollupConfigPath: cliCtx.String(RollupConfigFlag.Name),
		L1RPC:            cliCtx.String(L1RPCFlag.Name),
		L2EngineRPC:      cliCtx.String(L2EngineRPCFlag.Name),
		JWTSecretPath:    cliCtx.String(L2JWTSecretFlag.Name),
		DataDir:          cliCtx.String(DataDirFlag.Name),
		MetricsEnabled:   cliCtx.Bool(MetricsEnabledFlag.Name),
		MetricsAddr:      cliCtx.String(MetricsAddrFlag.Name),
		MetricsPort:      cliCtx.Int(MetricsPortFlag.Name),

		SyncMode:          cliCtx.String(SyncModeFlag.Name),
		CheckpointSyncURL: cliCtx.String(CheckpointSyncURLFlag.Name),
		CheckpointHash:    cliCtx.String(CheckpointHashFlag.Name),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := node.New(ctx, logger, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize node: %w", err)
	}
	defer func() {
		if err := n.Stop(); err != nil {
			logger.Error("error shutting down node", "err", err)
		}
	}()

	logger.Info("starting op-node", "l1", cfg.L1RPC, "l2", cfg.L2EngineRPC)
	return n.Start(ctx)
}

func newLogger(levelStr string) log.Logger {
	level, err := log.LvlFromString(levelStr)
	if err != nil {
		level = log.LvlInfo
	}
	handler := log.LvlFilterHandler(level, log.StreamHandler(os.Stdout, log.TerminalFormat(true)))
	logger := log.New()
	logger.SetHandler(handler)
	return logger
}
