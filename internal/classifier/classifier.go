// Package classifier reduces a raw NEAR transaction plus its execution
// receipts to a canonical staking record, per SPEC_FULL.md §4.3. It fuses
// evidence from receipt logs, function-call actions, and a top-level
// fallback, in that priority order.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/luganodes/near-staking-indexer/internal/decimal"
)

// Action is the canonical direction of a staking record.
type Action string

const (
	ActionStake   Action = "stake"
	ActionUnstake Action = "unstake"
)

// Record is the reduction of a transaction's evidence to one staking event.
type Record struct {
	Action Action
	Amount *big.Int
	Method string
}

// BalanceFetcher resolves a delegator's staked balance at a historical block,
// used to resolve unstake_all amounts. It is satisfied by *epoch.Processor.
type BalanceFetcher interface {
	StakedBalanceAt(ctx context.Context, accountID string, blockHeight uint64) (*big.Int, error)
}

var stakingMethods = map[string]Action{
	"deposit_and_stake":  ActionStake,
	"stake":              ActionStake,
	"distribute_staking": ActionStake,
	"unstake":            ActionUnstake,
	"unstake_all":        ActionUnstake,
	"withdraw":           ActionUnstake,
	"withdraw_all":       ActionUnstake,
}

var logKeywords = []struct {
	keyword string
	action  Action
}{
	{"deposited", ActionStake},
	// "unstaking" contains "staking", so it must be matched first.
	{"unstaking", ActionUnstake},
	{"staking", ActionStake},
	{"withdrew", ActionUnstake},
}

// Classify reduces tx (one raw transaction object from the history API) and
// its tx-status receipts (nearrpc.Gateway.TxStatus's result) to zero or one
// Record. signerID and blockHeight drive unstake-amount resolution, which
// needs the delegator's balance one block before the transaction.
func Classify(ctx context.Context, tx, txStatus map[string]interface{}, signerID string, blockHeight uint64, balances BalanceFetcher, log *zap.Logger) (*Record, error) {
	rec, err := analyzeReceipts(ctx, tx, txStatus, signerID, blockHeight, balances, log)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func analyzeReceipts(ctx context.Context, tx, txStatus map[string]interface{}, signerID string, blockHeight uint64, balances BalanceFetcher, log *zap.Logger) (*Record, error) {
	totalStake := big.NewInt(0)
	totalUnstake := big.NewInt(0)
	var action Action
	var method string

	for _, receipt := range jsonArray(txStatus, "receipts_outcome") {
		r, ok := receipt.(map[string]interface{})
		if !ok {
			continue
		}
		result, err := analyzeReceipt(ctx, r, tx, signerID, blockHeight, balances, log)
		if err != nil {
			return nil, err
		}
		if result == nil {
			continue
		}
		switch result.Action {
		case ActionStake:
			totalStake.Add(totalStake, result.Amount)
			action = ActionStake
		case ActionUnstake:
			totalUnstake.Add(totalUnstake, result.Amount)
			action = ActionUnstake
		}
		method = result.Method
	}

	topMethod := topLevelMethod(tx)

	if action == "" {
		// Top-level fallback, per SPEC_FULL.md §4.3 point 3.
		if _, known := stakingMethods[topMethod]; !known {
			log.Warn("unrecognised top-level method, defaulting to stake", zap.String("method", topMethod))
		}
		amount, err := parseDepositOrZero(jsonString(mapField(tx, "actions_agg"), "deposit"))
		if err != nil {
			return nil, fmt.Errorf("top-level deposit amount: %w", err)
		}
		return &Record{Action: ActionStake, Amount: amount, Method: topMethod}, nil
	}

	amount := totalStake
	if action == ActionUnstake {
		amount = totalUnstake
	}
	if method == "" {
		method = topMethod
	}
	return &Record{Action: action, Amount: amount, Method: method}, nil
}

func analyzeReceipt(ctx context.Context, receipt, tx map[string]interface{}, signerID string, blockHeight uint64, balances BalanceFetcher, log *zap.Logger) (*Record, error) {
	outcome := mapField(receipt, "outcome")
	for _, l := range jsonArray(outcome, "logs") {
		line, ok := l.(string)
		if !ok {
			continue
		}
		rec, err := parseStakingLog(line)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			return rec, nil
		}
	}

	actions := jsonArray(mapField(mapField(receipt, "receipt"), "Action"), "actions")
	for _, a := range actions {
		am, ok := a.(map[string]interface{})
		if !ok {
			continue
		}
		fc, ok := am["FunctionCall"].(map[string]interface{})
		if !ok {
			continue
		}
		rec, err := analyzeFunctionCall(ctx, fc, tx, signerID, blockHeight, balances, log)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			return rec, nil
		}
	}

	return nil, nil
}

// parseStakingLog implements priority 1 of SPEC_FULL.md §4.3: the
// distributor contract's dist.stak event, else the plain keyword table.
func parseStakingLog(line string) (*Record, error) {
	if strings.Contains(line, `"event":"dist.stak"`) {
		var parsed struct {
			Amount string `json:"amount"`
		}
		if err := json.Unmarshal([]byte(line), &parsed); err == nil {
			amount, err := parseDepositOrZero(parsed.Amount)
			if err != nil {
				return nil, fmt.Errorf("dist.stak amount: %w", err)
			}
			return &Record{Action: ActionStake, Amount: amount, Method: "distribute_staking"}, nil
		}
	}

	for _, kw := range logKeywords {
		if !strings.Contains(line, kw.keyword) {
			continue
		}
		for _, token := range strings.Fields(line) {
			if _, err := strconv.ParseFloat(token, 64); err == nil {
				return &Record{Action: kw.action, Amount: decimal.ParseAmountOrZero(token), Method: "unknown"}, nil
			}
		}
	}
	return nil, nil
}

// analyzeFunctionCall implements priority 2: the mapping table over
// receipt.Action.actions[*].FunctionCall.method_name.
func analyzeFunctionCall(ctx context.Context, fc, tx map[string]interface{}, signerID string, blockHeight uint64, balances BalanceFetcher, log *zap.Logger) (*Record, error) {
	method, _ := fc["method_name"].(string)
	action, known := stakingMethods[method]
	if !known {
		return nil, nil
	}

	var amount *big.Int
	var err error
	switch {
	case method == "unstake" || method == "unstake_all":
		amount, err = unstakeAmount(ctx, fc, tx, method, signerID, blockHeight, balances, log)
		if err != nil {
			return nil, err
		}
	case strings.Contains(method, "all"):
		// withdraw_all: literal "all", not a parseable integer, so the
		// record carries amount 0.
		amount = big.NewInt(0)
	default:
		amount, err = decimal.ParseAmount(firstNonEmpty(
			jsonString(fc, "deposit"),
			jsonString(mapField(tx, "actions_agg"), "deposit"),
			"0",
		))
		if err != nil {
			return nil, fmt.Errorf("stake deposit amount: %w", err)
		}
	}

	return &Record{Action: action, Amount: amount, Method: method}, nil
}

// unstakeAmount resolves the amount for "unstake" (args.amount, else
// deposit, else actions_agg.deposit) and "unstake_all" (the delegator's
// staked balance one block before the transaction), per SPEC_FULL.md §4.3.
func unstakeAmount(ctx context.Context, fc, tx map[string]interface{}, method, signerID string, blockHeight uint64, balances BalanceFetcher, log *zap.Logger) (*big.Int, error) {
	if method == "unstake_all" {
		if blockHeight == 0 {
			log.Warn("unstake_all at block 0, balance undefined", zap.String("signer", signerID))
			return big.NewInt(0), nil
		}
		bal, err := balances.StakedBalanceAt(ctx, signerID, blockHeight-1)
		if err != nil {
			return nil, fmt.Errorf("unstake_all balance lookup: %w", err)
		}
		return bal, nil
	}

	args := jsonString(fc, "args")
	argsAmount := ""
	if args != "" {
		var parsed map[string]interface{}
		if err := json.Unmarshal([]byte(args), &parsed); err == nil {
			if v, ok := parsed["amount"].(string); ok {
				argsAmount = v
			}
		}
	}
	amountTok := firstNonEmpty(
		argsAmount,
		jsonString(fc, "deposit"),
		jsonString(mapField(tx, "actions_agg"), "deposit"),
		"0",
	)
	n, err := decimal.ParseAmount(amountTok)
	if err != nil {
		return nil, fmt.Errorf("unstake amount: %w", err)
	}
	return n, nil
}

// parseDepositOrZero treats a missing deposit field (raw == "") as a
// legitimate zero, but propagates ParseAmount's error for a present-but-
// malformed value, per the ParseAmount entry in SPEC_FULL.md §7.
func parseDepositOrZero(raw string) (*big.Int, error) {
	if raw == "" {
		return big.NewInt(0), nil
	}
	return decimal.ParseAmount(raw)
}

func topLevelMethod(tx map[string]interface{}) string {
	actions := jsonArray(tx, "actions")
	if len(actions) == 0 {
		return "unknown"
	}
	first, ok := actions[0].(map[string]interface{})
	if !ok {
		return "unknown"
	}
	if m, ok := first["method"].(string); ok && m != "" {
		return m
	}
	return "unknown"
}

// Kind derives the canonical persisted kind from the record's action and
// method, defaulting to "stake" for unrecognised combinations (Classify logs
// a top-level fallback whose method is not in the mapping table), per
// SPEC_FULL.md §4.3.
func (r *Record) Kind() string {
	if r.Action == ActionUnstake {
		return "unstake"
	}
	switch r.Method {
	case "unstake", "unstake_all", "withdraw", "withdraw_all":
		return "unstake"
	}
	return "stake"
}

func mapField(m map[string]interface{}, key string) map[string]interface{} {
	if m == nil {
		return nil
	}
	v, _ := m[key].(map[string]interface{})
	return v
}

func jsonArray(m map[string]interface{}, key string) []interface{} {
	if m == nil {
		return nil
	}
	v, _ := m[key].([]interface{})
	return v
}

func jsonString(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	v, _ := m[key].(string)
	return v
}

// firstNonEmpty returns the first present value. A field missing from the
// JSON payload decodes to "" via jsonString; an explicit "0" deposit is
// a real value and is returned as-is.
func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return "0"
}
