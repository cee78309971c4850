// Command indexer runs one batch pass of the validator staking pipeline:
// fetch new transactions, discover epoch boundaries, snapshot delegator
// balances, and persist rewards/APY. No flags; all configuration comes from
// the environment (see internal/config).
package main

import (
	"context"
	"os"
	"time"

	"github.com/luganodes/near-staking-indexer/internal/config"
	"github.com/luganodes/near-staking-indexer/internal/epoch"
	"github.com/luganodes/near-staking-indexer/internal/logging"
	"github.com/luganodes/near-staking-indexer/internal/nearrpc"
	"github.com/luganodes/near-staking-indexer/internal/pipeline"
	"github.com/luganodes/near-staking-indexer/internal/store"
	"github.com/luganodes/near-staking-indexer/internal/txsource"
	"go.uber.org/zap"
)

func main() {
	log, err := logging.New(false)
	if err != nil {
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(log); err != nil {
		log.Error("run failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(log *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		log.Error("config", zap.Error(err))
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	gw := nearrpc.New(cfg.PrimaryRPC, cfg.SecondaryRPC, log)

	db, err := store.Connect(ctx, cfg.MongoURI, cfg.DBName)
	if err != nil {
		return err
	}
	defer db.Close(ctx)

	processor := epoch.NewProcessor(gw, cfg.ValidatorAccountID, cfg.DelegatorBatchSize, log)
	source := txsource.New(gw, processor, cfg.ValidatorAccountID, log)

	driver := pipeline.New(gw, db, source, processor, cfg.EpochBlocks, cfg.ParallelLimit, cfg.DelegatorBatchSize, cfg.ValidatorAccountID, log)

	if err := driver.Run(ctx); err != nil {
		return err
	}

	log.Info("pipeline run complete")
	return nil
}
