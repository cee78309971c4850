package epoch

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/luganodes/near-staking-indexer/internal/store"
)

// fakeViewCaller serves fixed get_accounts pages keyed by block height.
type fakeViewCaller struct {
	pages map[uint64][]account
}

func (f *fakeViewCaller) CallView(ctx context.Context, accountID, method string, args map[string]interface{}, blockHeight uint64) ([]byte, error) {
	switch method {
	case "get_accounts":
		return json.Marshal(f.pages[blockHeight])
	case "get_account":
		id := args["account_id"].(string)
		for _, a := range f.pages[blockHeight] {
			if a.AccountID == id {
				return json.Marshal(a)
			}
		}
		return json.Marshal(account{AccountID: id, StakedBalance: "0"})
	}
	return nil, nil
}

func tx(hash, delegator, amount, kind string, height uint64) store.Transaction {
	return store.Transaction{TransactionHash: hash, DelegatorAddress: delegator, Amount: amount, Kind: kind, BlockHeight: height}
}

// Scenario A: first-stake epoch.
func TestProcess_ScenarioA_FirstStake(t *testing.T) {
	gw := &fakeViewCaller{pages: map[uint64][]account{
		100: {{AccountID: "u1", StakedBalance: "26000000000000000000000000"}},
	}}
	p := NewProcessor(gw, "validator.near", 1000, zap.NewNop())

	txs := []store.Transaction{tx("h1", "u1", "26000000000000000000000000", "stake", 100)}
	w := Window{EpochNumber: 1, EpochID: "e1", StartBlock: 100, EndBlock: 200}

	res, err := p.Process(context.Background(), w, txs)
	require.NoError(t, err)
	d := res.Delegators["u1"]
	assert.Equal(t, "0", d.Rewards)
	assert.Equal(t, "0.00", d.APY)
}

// Scenario B: normal rewards, no intra-epoch transaction.
func TestProcess_ScenarioB_NormalRewards(t *testing.T) {
	// prevBlock resolves to the transaction's own block height (10), per
	// latestBlockBefore, not an arbitrary earlier height.
	gw := &fakeViewCaller{pages: map[uint64][]account{
		10:  {{AccountID: "u1", StakedBalance: "26000000000000000000000000"}},
		100: {{AccountID: "u1", StakedBalance: "26000008342448094319999999"}},
	}}
	p := NewProcessor(gw, "validator.near", 1000, zap.NewNop())

	txs := []store.Transaction{tx("h0", "u1", "1", "stake", 10)}
	w := Window{EpochNumber: 2, EpochID: "e2", StartBlock: 100, EndBlock: 200}

	res, err := p.Process(context.Background(), w, txs)
	require.NoError(t, err)
	d := res.Delegators["u1"]
	assert.Equal(t, "8342448094319999999", d.Rewards)
}

// Scenario C: stake during the epoch.
func TestProcess_ScenarioC_StakeDuringEpoch(t *testing.T) {
	// prevBlock resolves to 10 (the max tx block height < StartBlock=100);
	// the 150 stake tx falls inside the epoch window itself, not before it.
	gw := &fakeViewCaller{pages: map[uint64][]account{
		10:  {{AccountID: "u1", StakedBalance: "26000000000000000000000000"}},
		100: {{AccountID: "u1", StakedBalance: "26100008342448094319999999"}},
	}}
	p := NewProcessor(gw, "validator.near", 1000, zap.NewNop())

	txs := []store.Transaction{
		tx("h0", "u1", "1", "stake", 10),
		tx("h1", "u1", "100000000000000000000000", "stake", 150),
	}
	w := Window{EpochNumber: 3, EpochID: "e3", StartBlock: 100, EndBlock: 200}

	res, err := p.Process(context.Background(), w, txs)
	require.NoError(t, err)
	d := res.Delegators["u1"]
	assert.Equal(t, "8342448094319999999", d.Rewards)
}

// Scenario D: stake/unstake round trip nets to 50.
func TestTxDelta_ScenarioD_RoundTrip(t *testing.T) {
	txs := []store.Transaction{
		tx("h1", "u1", "100", "stake", 1),
		tx("h2", "u1", "50", "unstake", 2),
	}
	totals := txDelta(txs, 0, 10)
	assert.Equal(t, big.NewInt(50), totals["u1"])
}

func TestProcess_RewardsNeverNegative(t *testing.T) {
	// A tx at block 10 makes prevBlock resolve there (not 0), so prevMap is
	// actually populated and the subtraction in rewards() runs negative.
	gw := &fakeViewCaller{pages: map[uint64][]account{
		10:  {{AccountID: "u1", StakedBalance: "1000"}},
		100: {{AccountID: "u1", StakedBalance: "900"}},
	}}
	p := NewProcessor(gw, "validator.near", 1000, zap.NewNop())
	w := Window{EpochNumber: 1, EpochID: "e1", StartBlock: 100, EndBlock: 200}

	txs := []store.Transaction{tx("h0", "u1", "0", "stake", 10)}
	res, err := p.Process(context.Background(), w, txs)
	require.NoError(t, err)
	d := res.Delegators["u1"]
	assert.Equal(t, "0", d.Rewards)
}
