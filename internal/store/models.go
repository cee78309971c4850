// Package store defines the document collections the pipeline reads and
// writes and a MongoDB-backed implementation of them. Field names mirror the
// camelCase layout the original implementation wrote
// (original_source/src/repositories/*.rs), since downstream consumers of this
// MongoDB database already depend on that shape.
package store

import "time"

// Transaction is one classified staking transaction, owned exclusively by
// the transaction source (SPEC_FULL.md §3).
type Transaction struct {
	TransactionHash    string    `bson:"transactionHash" json:"transactionHash"`
	DelegatorAddress   string    `bson:"delegatorAddress" json:"delegatorAddress"`
	Amount             string    `bson:"amount" json:"amount"`
	Action             string    `bson:"action" json:"action"`
	Method             string    `bson:"method" json:"method"`
	Kind               string    `bson:"type" json:"type"`
	BlockHeight        uint64    `bson:"blockHeight" json:"blockHeight"`
	Timestamp          time.Time `bson:"timestamp" json:"timestamp"`
}

// EpochInfo is one discovered epoch boundary, sole writer: the epoch
// discoverer.
type EpochInfo struct {
	StartBlock uint64    `bson:"startBlock" json:"startBlock"`
	EndBlock   *uint64   `bson:"endBlock,omitempty" json:"endBlock,omitempty"`
	EpochID    string    `bson:"epochId" json:"epochId"`
	Timestamp  time.Time `bson:"timestamp" json:"timestamp"`
}

// DelegatorData is one delegator's rewards/APY snapshot for one epoch, owned
// by the epoch processor.
type DelegatorData struct {
	DelegatorID         string    `bson:"delegatorId" json:"delegatorId"`
	ValidatorAccountID  string    `bson:"validatorAccountId" json:"validatorAccountId"`
	Epoch               uint64    `bson:"epoch" json:"epoch"`
	EpochID             string    `bson:"epochId" json:"epochId"`
	StartBlockHeight    uint64    `bson:"startBlockHeight" json:"startBlockHeight"`
	EndBlockHeight      uint64    `bson:"endBlockHeight" json:"endBlockHeight"`
	Timestamp           time.Time `bson:"timestamp" json:"timestamp"`
	InitialStake        string    `bson:"initialStake" json:"initialStake"`
	AutoCompoundedStake string    `bson:"autoCompoundedStake" json:"autoCompoundedStake"`
	LastUpdateBlock     uint64    `bson:"lastUpdateBlock" json:"lastUpdateBlock"`
	Rewards             string    `bson:"rewards" json:"rewards"`
	APY                 string    `bson:"apy" json:"apy"`
}

// ValidatorMetricsSnapshot is one (validator, epoch, epoch_id) rollup,
// embedded both as the live document and as one entry of its own sliding
// history window.
type ValidatorMetricsSnapshot struct {
	ValidatorAccountID string    `bson:"validatorAccountId" json:"validatorAccountId"`
	Epoch              uint64    `bson:"epoch" json:"epoch"`
	EpochID            string    `bson:"epochId" json:"epochId"`
	TotalStaked        string    `bson:"totalStaked" json:"totalStaked"`
	TotalDelegators    int64     `bson:"totalDelegators" json:"totalDelegators"`
	Timestamp          time.Time `bson:"timestamp" json:"timestamp"`
	APY                float64   `bson:"apy" json:"apy"`
}

// ValidatorMetrics is the persisted document: the latest snapshot plus a
// bounded (last 100) history of prior snapshots, per spec.md §3/§4.5.
type ValidatorMetrics struct {
	ValidatorMetricsSnapshot `bson:",inline"`
	History                  []ValidatorMetricsSnapshot `bson:"history" json:"history"`
}

const ValidatorMetricsHistoryLimit = 100

// EpochData is the rollup document the epoch processor writes per
// (epoch, epoch_id, validator): the delegator map plus the raw transactions
// observed in that window, carried over from original_source's
// epoch_repository.rs (see SPEC_FULL.md §3).
type EpochData struct {
	Epoch              uint64                   `bson:"epoch" json:"epoch"`
	EpochID            string                   `bson:"epochId" json:"epochId"`
	ValidatorAccountID string                   `bson:"validatorAccountId" json:"validatorAccountId"`
	StartBlockHeight   uint64                   `bson:"startBlockHeight" json:"startBlockHeight"`
	EndBlockHeight     uint64                   `bson:"endBlockHeight" json:"endBlockHeight"`
	Timestamp          time.Time                `bson:"timestamp" json:"timestamp"`
	Delegators         map[string]DelegatorData `bson:"delegators" json:"delegators"`
	Transactions       []Transaction            `bson:"transactions" json:"transactions"`
}
