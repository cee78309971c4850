// Package pipeline orchestrates the transaction source, epoch discoverer,
// and epoch processor under a bounded-concurrency fan-out, per
// SPEC_FULL.md §4.6.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/luganodes/near-staking-indexer/internal/epoch"
	"github.com/luganodes/near-staking-indexer/internal/nearrpc"
	"github.com/luganodes/near-staking-indexer/internal/store"
	"github.com/luganodes/near-staking-indexer/internal/txsource"
)

// ErrNoNewTransactions is the fatal error for step 5 of SPEC_FULL.md §4.6:
// the run has nothing to process.
var ErrNoNewTransactions = errors.New("pipeline: no new transactions")

// Driver wires the gateway, store, and the four core components together.
type Driver struct {
	gw                 *nearrpc.Gateway
	store              store.Store
	source             *txsource.Source
	processor          *epoch.Processor
	epochBlocks        uint64
	parallelLimit      int
	delegatorBatchSize int
	validatorAccountID string
	log                *zap.Logger
}

func New(gw *nearrpc.Gateway, st store.Store, source *txsource.Source, processor *epoch.Processor, epochBlocks uint64, parallelLimit, delegatorBatchSize int, validatorAccountID string, log *zap.Logger) *Driver {
	return &Driver{
		gw:                 gw,
		store:              st,
		source:             source,
		processor:          processor,
		epochBlocks:        epochBlocks,
		parallelLimit:      parallelLimit,
		delegatorBatchSize: delegatorBatchSize,
		validatorAccountID: validatorAccountID,
		log:                log,
	}
}

// epochSyncAdapter satisfies epoch.SyncState over store.EpochSyncStore,
// translating between the store package's persisted EpochInfo and the
// epoch package's store-agnostic Info.
type epochSyncAdapter struct {
	store store.EpochSyncStore
}

func (a epochSyncAdapter) LatestPersisted(ctx context.Context) (*epoch.Info, error) {
	info, err := a.store.LatestPersisted(ctx)
	if err != nil || info == nil {
		return nil, err
	}
	return &epoch.Info{StartBlock: info.StartBlock, EndBlock: info.EndBlock, EpochID: info.EpochID, Timestamp: info.Timestamp}, nil
}

func (a epochSyncAdapter) Upsert(ctx context.Context, info epoch.Info) error {
	return a.store.Upsert(ctx, store.EpochInfo{StartBlock: info.StartBlock, EndBlock: info.EndBlock, EpochID: info.EpochID, Timestamp: info.Timestamp})
}

func (a epochSyncAdapter) All(ctx context.Context) ([]epoch.Info, error) {
	all, err := a.store.All(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]epoch.Info, len(all))
	for i, info := range all {
		infos[i] = epoch.Info{StartBlock: info.StartBlock, EndBlock: info.EndBlock, EpochID: info.EpochID, Timestamp: info.Timestamp}
	}
	return infos, nil
}

// Run executes one full pass: fetch new transactions, discover epochs, and
// process every discovered epoch under a bounded concurrency fan-out.
func (d *Driver) Run(ctx context.Context) error {
	lastBlock, _, err := d.store.Transactions().MaxBlockHeight(ctx)
	if err != nil {
		return fmt.Errorf("max block height: %w", err)
	}

	raw, err := d.source.FetchNew(ctx, lastBlock)
	if err != nil {
		return fmt.Errorf("fetch new transactions: %w", err)
	}
	d.log.Info("fetched raw transactions", zap.Int("count", len(raw)))

	classified := d.source.Classify(ctx, raw)
	if len(classified) == 0 {
		return ErrNoNewTransactions
	}
	if err := d.store.Transactions().InsertMany(ctx, classified); err != nil {
		return fmt.Errorf("insert transactions: %w", err)
	}

	startBlockHeight := classified[0].BlockHeight
	for _, tx := range classified {
		if tx.BlockHeight < startBlockHeight {
			startBlockHeight = tx.BlockHeight
		}
	}

	latestFinal, err := d.gw.LatestFinalHeight(ctx)
	if err != nil {
		return fmt.Errorf("latest final height: %w", err)
	}

	discoverer := epoch.New(d.gw, epochSyncAdapter{d.store.EpochSync()}, d.epochBlocks, d.log)
	epochs, err := discoverer.Discover(ctx, startBlockHeight, latestFinal)
	if err != nil {
		return fmt.Errorf("discover epochs: %w", err)
	}
	d.log.Info("discovered epochs", zap.Int("count", len(epochs)))

	allTxs, err := d.store.Transactions().All(ctx)
	if err != nil {
		return fmt.Errorf("load all transactions: %w", err)
	}

	return d.processEpochs(ctx, epochs, allTxs)
}

// processEpochs fans out the epoch processor across discovered epochs under
// parallelLimit, collecting (not cancelling on) per-epoch errors, per
// SPEC_FULL.md §4.6 step 7.
func (d *Driver) processEpochs(ctx context.Context, epochs []epoch.Info, allTxs []store.Transaction) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.parallelLimit)

	var mu sync.Mutex
	var errs []error

	for i, e := range epochs {
		epochNumber := uint64(i + 1)
		info := e
		end := info.StartBlock
		if info.EndBlock != nil {
			end = *info.EndBlock
		}

		g.Go(func() error {
			w := epoch.Window{
				EpochNumber: epochNumber,
				EpochID:     info.EpochID,
				StartBlock:  info.StartBlock,
				EndBlock:    end,
				Timestamp:   info.Timestamp,
			}
			if err := d.processOne(gctx, w, allTxs); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("epoch %d (%s): %w", epochNumber, info.EpochID, err))
				mu.Unlock()
				d.log.Error("epoch processing failed", zap.Uint64("epoch", epochNumber), zap.Error(err))
			}
			return nil
		})
	}

	_ = g.Wait()

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (d *Driver) processOne(ctx context.Context, w epoch.Window, allTxs []store.Transaction) error {
	result, err := d.processor.Process(ctx, w, allTxs)
	if err != nil {
		return err
	}

	delegatorRows := make([]store.DelegatorData, 0, len(result.Delegators))
	for _, row := range result.Delegators {
		delegatorRows = append(delegatorRows, row)
	}

	epochTxs := make([]store.Transaction, 0)
	for _, tx := range allTxs {
		if tx.BlockHeight >= w.StartBlock && tx.BlockHeight <= w.EndBlock {
			epochTxs = append(epochTxs, tx)
		}
	}

	if err := d.store.EpochData().Upsert(ctx, store.EpochData{
		Epoch:              w.EpochNumber,
		EpochID:            w.EpochID,
		ValidatorAccountID: d.validatorAccountID,
		StartBlockHeight:   w.StartBlock,
		EndBlockHeight:     w.EndBlock,
		Timestamp:          w.Timestamp,
		Delegators:         result.Delegators,
		Transactions:       epochTxs,
	}); err != nil {
		return fmt.Errorf("upsert epoch_data: %w", err)
	}

	if err := d.store.ValidatorMetrics().Upsert(ctx, result.Metrics); err != nil {
		return fmt.Errorf("upsert validator_metrics: %w", err)
	}

	return batchUpsert(ctx, d.store.Delegators(), delegatorRows, d.delegatorBatchSize)
}

func batchUpsert(ctx context.Context, ds store.DelegatorStore, rows []store.DelegatorData, batchSize int) error {
	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := ds.UpsertBatch(ctx, rows[start:end]); err != nil {
			return fmt.Errorf("upsert delegator batch: %w", err)
		}
	}
	return nil
}
