package epoch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/luganodes/near-staking-indexer/internal/nearrpc"
)

// fakeBlocks assigns epoch_id "A" to [100,149] and "B" to everything >= 150.
type fakeBlocks struct{}

func (fakeBlocks) BlockAt(ctx context.Context, height uint64) (uint64, nearrpc.BlockHeader, error) {
	id := "A"
	if height >= 150 {
		id = "B"
	}
	return height, nearrpc.BlockHeader{Height: height, EpochID: id, TimestampNS: 1}, nil
}

type memSyncState struct {
	upserts []Info
}

func (m *memSyncState) LatestPersisted(ctx context.Context) (*Info, error) {
	if len(m.upserts) == 0 {
		return nil, nil
	}
	last := m.upserts[len(m.upserts)-1]
	return &last, nil
}

func (m *memSyncState) Upsert(ctx context.Context, info Info) error {
	m.upserts = append(m.upserts, info)
	return nil
}

func (m *memSyncState) All(ctx context.Context) ([]Info, error) {
	return append([]Info(nil), m.upserts...), nil
}

func TestFindBoundary_ScenarioF(t *testing.T) {
	d := New(fakeBlocks{}, &memSyncState{}, 43200, zap.NewNop())
	boundary, err := d.findBoundary(context.Background(), 100, 200, "A")
	require.NoError(t, err)
	assert.Equal(t, uint64(150), boundary)
}

func TestDiscover_EpochCoverage(t *testing.T) {
	d := New(fakeBlocks{}, &memSyncState{}, 50, zap.NewNop())
	infos, err := d.Discover(context.Background(), 100, 149)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, uint64(100), infos[0].StartBlock)
	assert.Equal(t, uint64(149), *infos[0].EndBlock)
	assert.Equal(t, "A", infos[0].EpochID)
}

func endPtr(v uint64) *uint64 { return &v }

// TestResumePoint_KeepsEarlierEpochsWhenRedoingTrailingPartial is the direct
// regression test for the numbering bug: with two already-persisted epochs
// where the most recent is still a trailing partial, resumePoint must keep
// the earlier, already-complete epoch and only drop+redo the trailing one.
func TestResumePoint_KeepsEarlierEpochsWhenRedoingTrailingPartial(t *testing.T) {
	state := &memSyncState{upserts: []Info{
		{StartBlock: 100, EndBlock: endPtr(149), EpochID: "A"},
		{StartBlock: 150, EndBlock: endPtr(180), EpochID: "B"},
	}}
	d := New(fakeBlocks{}, state, 50, zap.NewNop())

	kept, resumeHeight, walk, err := d.resumePoint(context.Background(), 0, 300)
	require.NoError(t, err)
	assert.True(t, walk)
	assert.Equal(t, uint64(150), resumeHeight)
	require.Len(t, kept, 1)
	assert.Equal(t, uint64(100), kept[0].StartBlock)
	assert.Equal(t, "A", kept[0].EpochID)
}

// TestResumePoint_NothingToDoWhenPersistedTailIsComplete mirrors the
// "complete" branch: when the persisted tail leaves less than one epoch's
// worth of room before latestFinal, the full persisted list is returned
// unchanged and no walk is needed.
func TestResumePoint_NothingToDoWhenPersistedTailIsComplete(t *testing.T) {
	state := &memSyncState{upserts: []Info{
		{StartBlock: 100, EndBlock: endPtr(149), EpochID: "A"},
		{StartBlock: 150, EndBlock: endPtr(180), EpochID: "B"},
	}}
	d := New(fakeBlocks{}, state, 50, zap.NewNop())

	kept, _, walk, err := d.resumePoint(context.Background(), 0, 190)
	require.NoError(t, err)
	assert.False(t, walk)
	require.Len(t, kept, 2)
	assert.Equal(t, "A", kept[0].EpochID)
	assert.Equal(t, "B", kept[1].EpochID)
}

// TestDiscover_ResumesAndMergesPersistedEpoch runs Discover twice against
// the same SyncState: the second run's result must still include the first
// run's discovered epoch, so a caller numbering epochs by list position
// never reassigns an earlier epoch's ordinal.
func TestDiscover_ResumesAndMergesPersistedEpoch(t *testing.T) {
	state := &memSyncState{}
	d := New(fakeBlocks{}, state, 50, zap.NewNop())

	first, err := d.Discover(context.Background(), 100, 149)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := d.Discover(context.Background(), 100, 200)
	require.NoError(t, err)
	require.Len(t, second, 2)
	assert.Equal(t, uint64(100), second[0].StartBlock)
	assert.Equal(t, uint64(149), *second[0].EndBlock)
	assert.Equal(t, "A", second[0].EpochID)
	assert.Equal(t, uint64(150), second[1].StartBlock)
	assert.Equal(t, uint64(200), *second[1].EndBlock)
	assert.Equal(t, "B", second[1].EpochID)
}
