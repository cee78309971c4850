package epoch

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/luganodes/near-staking-indexer/internal/classifier"
	"github.com/luganodes/near-staking-indexer/internal/decimal"
	"github.com/luganodes/near-staking-indexer/internal/store"
)

const accountsPageLimit = 1000

// ViewCaller is the subset of the RPC gateway the processor needs to read
// validator contract state.
type ViewCaller interface {
	CallView(ctx context.Context, accountID, method string, args map[string]interface{}, blockHeight uint64) ([]byte, error)
}

// account is one entry of the validator contract's get_accounts response.
type account struct {
	AccountID     string `json:"account_id"`
	StakedBalance string `json:"staked_balance"`
}

// Window is one epoch's processing input: its boundaries, ordinal, epoch id
// and timestamp. The transactions are passed to Process separately, as the
// global transaction snapshot, and filtered to the window there.
type Window struct {
	EpochNumber uint64
	EpochID     string
	StartBlock  uint64
	EndBlock    uint64
	Timestamp   time.Time
}

// Processor derives DelegatorData and ValidatorMetrics for one epoch window.
type Processor struct {
	gw                 ViewCaller
	validatorAccountID string
	delegatorBatchSize int
	log                *zap.Logger
}

func NewProcessor(gw ViewCaller, validatorAccountID string, delegatorBatchSize int, log *zap.Logger) *Processor {
	return &Processor{gw: gw, validatorAccountID: validatorAccountID, delegatorBatchSize: delegatorBatchSize, log: log}
}

// getAccountsAt pages through the validator contract's get_accounts view
// method, accumulating until a short page signals the end, per
// SPEC_FULL.md §4.5.
func (p *Processor) getAccountsAt(ctx context.Context, blockHeight uint64) (map[string]*big.Int, error) {
	result := make(map[string]*big.Int)
	fromIndex := 0
	for {
		raw, err := p.gw.CallView(ctx, p.validatorAccountID, "get_accounts", map[string]interface{}{
			"from_index": fromIndex,
			"limit":      accountsPageLimit,
		}, blockHeight)
		if err != nil {
			return nil, fmt.Errorf("get_accounts@%d from=%d: %w", blockHeight, fromIndex, err)
		}

		var page []account
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("decode get_accounts page: %w", err)
		}
		for _, a := range page {
			result[a.AccountID] = decimal.ParseAmountOrZero(a.StakedBalance)
		}
		if len(page) < accountsPageLimit {
			return result, nil
		}
		fromIndex += len(page)
	}
}

// StakedBalanceAt implements classifier.BalanceFetcher by reading a single
// delegator's balance through the validator contract's get_account view
// method at blockHeight. This is only used
// for unstake resolution, not the epoch snapshot path (which pages the full
// account list), so it is deliberately simple rather than itself paginated
// against a target account id.
func (p *Processor) StakedBalanceAt(ctx context.Context, accountID string, blockHeight uint64) (*big.Int, error) {
	raw, err := p.gw.CallView(ctx, p.validatorAccountID, "get_account", map[string]interface{}{
		"account_id": accountID,
	}, blockHeight)
	if err != nil {
		return nil, fmt.Errorf("get_account %s@%d: %w", accountID, blockHeight, err)
	}
	var parsed struct {
		StakedBalance string `json:"staked_balance"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return big.NewInt(0), nil
	}
	return decimal.ParseAmountOrZero(parsed.StakedBalance), nil
}

// Result is the processor's output for one epoch.
type Result struct {
	Delegators map[string]store.DelegatorData
	Metrics    store.ValidatorMetricsSnapshot
}

// txDelta is the signed net contribution of classified transactions,
// per-delegator, over a window of blocks: +amount for stake, -amount for
// unstake.
func txDelta(txs []store.Transaction, lo, hi uint64) map[string]*big.Int {
	totals := make(map[string]*big.Int)
	for _, tx := range txs {
		if tx.BlockHeight < lo || tx.BlockHeight > hi {
			continue
		}
		amt := decimal.ParseAmountOrZero(tx.Amount)
		cur, ok := totals[tx.DelegatorAddress]
		if !ok {
			cur = big.NewInt(0)
		}
		switch tx.Kind {
		case "stake":
			cur = new(big.Int).Add(cur, amt)
		case "unstake":
			cur = new(big.Int).Sub(cur, amt)
		default:
			continue
		}
		totals[tx.DelegatorAddress] = cur
	}
	return totals
}

// latestBlockBefore returns the greatest transaction block height strictly
// less than start, or 0 if none, used to locate the previous-epoch stake
// snapshot per SPEC_FULL.md §4.5 step 3.
func latestBlockBefore(txs []store.Transaction, start uint64) uint64 {
	var max uint64
	for _, tx := range txs {
		if tx.BlockHeight < start && tx.BlockHeight > max {
			max = tx.BlockHeight
		}
	}
	return max
}

// rewards computes max(0, current - (previous + delta)), logging and
// clamping a negative result, per SPEC_FULL.md §4.5 step 5. A delegator
// absent from the previous snapshot with a positive current balance earns
// no first-epoch reward.
func (p *Processor) rewards(accountID string, current *big.Int, prevPresent bool, previous, delta *big.Int) *big.Int {
	if !prevPresent && current.Sign() > 0 {
		return big.NewInt(0)
	}
	expected := new(big.Int).Add(previous, delta)
	r := new(big.Int).Sub(current, expected)
	if r.Sign() < 0 {
		p.log.Warn("negative rewards clamped to zero",
			zap.String("delegator", accountID),
			zap.String("current", current.String()),
			zap.String("previous", previous.String()),
			zap.String("tx_delta", delta.String()))
		return big.NewInt(0)
	}
	return r
}

// Process derives DelegatorData and the validator's ValidatorMetricsSnapshot
// for one epoch window, given the transaction set covering the validator's
// entire history (the processor itself filters to the relevant windows).
func (p *Processor) Process(ctx context.Context, w Window, allTransactions []store.Transaction) (*Result, error) {
	epochTxs := make([]store.Transaction, 0)
	for _, tx := range allTransactions {
		if tx.BlockHeight >= w.StartBlock && tx.BlockHeight <= w.EndBlock {
			epochTxs = append(epochTxs, tx)
		}
	}
	epochTxTotals := txDelta(epochTxs, w.StartBlock, w.EndBlock)
	initialStakeTotals := epochTxTotals // same window, per SPEC_FULL.md §9 Open Question 1.

	prevBlock := latestBlockBefore(allTransactions, w.StartBlock)
	var prevMap map[string]*big.Int
	if prevBlock == 0 {
		prevMap = make(map[string]*big.Int)
	} else {
		m, err := p.getAccountsAt(ctx, prevBlock)
		if err != nil {
			return nil, err
		}
		prevMap = m
	}

	currentMap, err := p.getAccountsAt(ctx, w.StartBlock)
	if err != nil {
		return nil, err
	}

	delegators := make(map[string]store.DelegatorData, len(currentMap))
	totalStaked := big.NewInt(0)
	totalRewards := big.NewInt(0)

	accountIDs := make([]string, 0, len(currentMap))
	for id := range currentMap {
		accountIDs = append(accountIDs, id)
	}
	sort.Strings(accountIDs)

	for _, accountID := range accountIDs {
		current := currentMap[accountID]
		previous, prevPresent := prevMap[accountID]
		if previous == nil {
			previous = big.NewInt(0)
		}
		delta, ok := epochTxTotals[accountID]
		if !ok {
			delta = big.NewInt(0)
		}

		rewards := p.rewards(accountID, current, prevPresent, previous, delta)
		apy := decimal.Annualize(rewards, current)

		initialStake, ok := initialStakeTotals[accountID]
		if !ok {
			initialStake = big.NewInt(0)
		}

		totalStaked.Add(totalStaked, current)
		totalRewards.Add(totalRewards, rewards)

		delegators[accountID] = store.DelegatorData{
			DelegatorID:         accountID,
			ValidatorAccountID:  p.validatorAccountID,
			Epoch:               w.EpochNumber,
			EpochID:             w.EpochID,
			StartBlockHeight:    w.StartBlock,
			EndBlockHeight:      w.EndBlock,
			InitialStake:        decimal.Serialize(initialStake),
			AutoCompoundedStake: decimal.Serialize(current),
			LastUpdateBlock:     w.StartBlock,
			Rewards:             decimal.Serialize(rewards),
			APY:                 fmt.Sprintf("%.2f", apy),
			Timestamp:           w.Timestamp,
		}
	}

	validatorAPY := decimal.Annualize(totalRewards, totalStaked)

	return &Result{
		Delegators: delegators,
		Metrics: store.ValidatorMetricsSnapshot{
			ValidatorAccountID: p.validatorAccountID,
			Epoch:              w.EpochNumber,
			EpochID:            w.EpochID,
			TotalStaked:        decimal.Serialize(totalStaked),
			TotalDelegators:    int64(len(delegators)),
			APY:                validatorAPY,
			Timestamp:          w.Timestamp,
		},
	}, nil
}

var _ classifier.BalanceFetcher = (*Processor)(nil)
