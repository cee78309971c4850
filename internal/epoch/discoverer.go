// Package epoch discovers epoch boundaries by bisecting over block.epoch_id
// and, for each discovered epoch, reconstructs delegator balances and yield.
// Grounded on SPEC_FULL.md §4.4/§4.5; the original bisection came from
// original_source's find_epoch_start_blocks, generalised here to a standard
// binary-then-linear search per the spec's cleaner find_boundary algorithm.
package epoch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/luganodes/near-staking-indexer/internal/nearrpc"
)

// BlockSource is the subset of the RPC gateway the discoverer needs.
type BlockSource interface {
	BlockAt(ctx context.Context, height uint64) (actualHeight uint64, hdr nearrpc.BlockHeader, err error)
}

// Info is one discovered epoch window, mirroring store.EpochInfo but kept
// store-agnostic so this package has no persistence dependency.
type Info struct {
	StartBlock uint64
	EndBlock   *uint64
	EpochID    string
	Timestamp  time.Time
}

// SyncState is the persisted epoch_sync collection's read surface the
// discoverer needs to decide where to resume from.
type SyncState interface {
	LatestPersisted(ctx context.Context) (*Info, error)
	Upsert(ctx context.Context, info Info) error
	All(ctx context.Context) ([]Info, error)
}

const (
	boundaryProbeDelay    = 100 * time.Millisecond
	discoveryLoopDelay    = 200 * time.Millisecond
	bisectionLinearCutoff = 5
)

// Discoverer enumerates epochs from a starting block to the chain tip.
type Discoverer struct {
	gw          BlockSource
	state       SyncState
	epochBlocks uint64
	log         *zap.Logger
}

func New(gw BlockSource, state SyncState, epochBlocks uint64, log *zap.Logger) *Discoverer {
	return &Discoverer{gw: gw, state: state, epochBlocks: epochBlocks, log: log}
}

// Discover walks forward from the resume point up to latestFinal, emitting
// (and persisting) one Info per epoch plus a trailing partial epoch, per
// SPEC_FULL.md §4.4. The returned slice always covers the validator's full
// discovered history, not just the newly walked segment: callers number
// epochs by position in this slice, so a partial, resumed-only list would
// silently renumber (and overwrite) epochs already persisted in an earlier
// run.
func (d *Discoverer) Discover(ctx context.Context, startBlockHeight, latestFinal uint64) ([]Info, error) {
	kept, currentHeight, walk, err := d.resumePoint(ctx, startBlockHeight, latestFinal)
	if err != nil {
		return nil, err
	}
	if !walk {
		// Nothing new to discover: the persisted list already covers the
		// chain up to latestFinal.
		return kept, nil
	}

	_, hdr, err := d.gw.BlockAt(ctx, currentHeight)
	if err != nil {
		return kept, err
	}
	epochStartBlock := currentHeight
	currentEpochID := hdr.EpochID
	epochTimestamp := nsToTime(hdr.TimestampNS)

	results := kept
	for {
		if epochStartBlock+d.epochBlocks >= latestFinal {
			end := latestFinal
			info := Info{StartBlock: epochStartBlock, EndBlock: &end, EpochID: currentEpochID, Timestamp: epochTimestamp}
			if err := d.state.Upsert(ctx, info); err != nil {
				return results, err
			}
			results = append(results, info)
			return results, nil
		}

		boundary, err := d.findBoundary(ctx, epochStartBlock, epochStartBlock+d.epochBlocks+d.epochBlocks/2, currentEpochID)
		if err != nil {
			return results, err
		}

		end := boundary - 1
		info := Info{StartBlock: epochStartBlock, EndBlock: &end, EpochID: currentEpochID, Timestamp: epochTimestamp}
		if err := d.state.Upsert(ctx, info); err != nil {
			return results, err
		}
		results = append(results, info)

		actualHeight, hdr, err := d.gw.BlockAt(ctx, boundary)
		if err != nil {
			return results, err
		}
		epochStartBlock = actualHeight
		currentEpochID = hdr.EpochID
		epochTimestamp = nsToTime(hdr.TimestampNS)

		select {
		case <-ctx.Done():
			return results, ctx.Err()
		case <-time.After(discoveryLoopDelay):
		}
	}
}

// resumePoint loads the full persisted epoch list and decides where (if
// anywhere) the walk should continue from. It returns the epochs to keep
// as-is, the height to resume walking from (meaningful only when walk is
// true), and whether there is anything new to discover at all.
//
// When the persisted tail still has more than one epoch's worth of room
// before latestFinal, that tail was a trailing partial epoch recorded by an
// earlier run — it is dropped from kept and re-walked from its own start so
// its true boundary can now be found. Otherwise the persisted list is
// returned unchanged and walk is false.
func (d *Discoverer) resumePoint(ctx context.Context, startBlockHeight, latestFinal uint64) ([]Info, uint64, bool, error) {
	persisted, err := d.state.All(ctx)
	if err != nil {
		return nil, 0, false, err
	}
	if len(persisted) == 0 {
		return nil, startBlockHeight, true, nil
	}

	last := persisted[len(persisted)-1]
	if latestFinal > last.StartBlock && latestFinal-last.StartBlock > d.epochBlocks {
		kept := append([]Info(nil), persisted[:len(persisted)-1]...)
		return kept, last.StartBlock, true, nil
	}
	return persisted, 0, false, nil
}

// findBoundary bisects block heights in [lo, hi] for the first height whose
// epoch_id differs from currentEpochID, switching to a linear forward scan
// once the window is small, per SPEC_FULL.md §4.4.
func (d *Discoverer) findBoundary(ctx context.Context, lo, hi uint64, currentEpochID string) (uint64, error) {
	for hi > lo && hi-lo > bisectionLinearCutoff {
		mid := lo + (hi-lo)/2
		actualMid, hdr, err := d.gw.BlockAt(ctx, mid)
		if err != nil {
			return 0, err
		}
		if hdr.EpochID == currentEpochID {
			lo = actualMid + 1
		} else {
			if actualMid == 0 {
				return actualMid, nil
			}
			hi = actualMid - 1
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(boundaryProbeDelay):
		}
	}

	for h := lo; h <= hi; h++ {
		actualHeight, hdr, err := d.gw.BlockAt(ctx, h)
		if err != nil {
			return 0, err
		}
		if hdr.EpochID != currentEpochID {
			return actualHeight, nil
		}
	}
	return hi + 1, nil
}

func nsToTime(ns uint64) time.Time {
	return time.Unix(0, int64(ns)).UTC()
}
