package services

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crawlscope/crawlscope/pkg/models"
)

func makePaths(n int) []models.PathSnapshot {
	out := make([]models.PathSnapshot, n)
	for i := range out {
		out[i] = models.PathSnapshot{Date: "2026-01-01", Path: fmt.Sprintf("/p/%d", i), BotName: "GPTBot", RequestCount: 1}
	}
	return out
}

func TestUpsertWriter_Batches(t *testing.T) {
	repo := newFakeSnapshotRepo()
	w := NewUpsertWriter(repo, 500, zap.NewNop())

	agg := &Aggregation{
		Snapshots: []models.AgentSnapshot{{Date: "2026-01-01", BotName: "GPTBot", RequestCount: 1}},
		Paths:     makePaths(1200),
	}

	snaps, paths, err := w.Write(context.Background(), uuid.New(), agg)
	require.NoError(t, err)

	assert.Equal(t, 1, snaps)
	assert.Equal(t, 1200, paths)
	assert.Equal(t, []int{1}, repo.snapshotBatches)
	assert.Equal(t, []int{500, 500, 200}, repo.pathBatches)
}

func TestUpsertWriter_EmptyAggregation(t *testing.T) {
	repo := newFakeSnapshotRepo()
	w := NewUpsertWriter(repo, 0, zap.NewNop())

	snaps, paths, err := w.Write(context.Background(), uuid.New(), &Aggregation{})
	require.NoError(t, err)

	assert.Zero(t, snaps)
	assert.Zero(t, paths)
	assert.Empty(t, repo.snapshotBatches)
	assert.Empty(t, repo.pathBatches)
}

func TestUpsertWriter_FailedBatchStopsWrite(t *testing.T) {
	repo := newFakeSnapshotRepo()
	repo.failPathBatch = 2
	w := NewUpsertWriter(repo, 500, zap.NewNop())

	accountID := uuid.New()
	_, paths, err := w.Write(context.Background(), accountID, &Aggregation{Paths: makePaths(1200)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path batch 2")

	// The first batch stays committed; the third is never attempted.
	assert.Equal(t, 500, paths)
	assert.Equal(t, []int{500, 500}, repo.pathBatches)
	_, stored := repo.rowsFor(accountID)
	assert.Len(t, stored, 500)
}

func TestUpsertWriter_ReplacesExistingRows(t *testing.T) {
	repo := newFakeSnapshotRepo()
	w := NewUpsertWriter(repo, 500, zap.NewNop())
	accountID := uuid.New()

	first := &Aggregation{Snapshots: []models.AgentSnapshot{{Date: "2026-01-01", BotName: "GPTBot", RequestCount: 10, BytesTransferred: 100}}}
	second := &Aggregation{Snapshots: []models.AgentSnapshot{{Date: "2026-01-01", BotName: "GPTBot", RequestCount: 7, BytesTransferred: 70}}}

	_, _, err := w.Write(context.Background(), accountID, first)
	require.NoError(t, err)
	_, _, err = w.Write(context.Background(), accountID, second)
	require.NoError(t, err)

	snaps, _ := repo.rowsFor(accountID)
	require.Len(t, snaps, 1)
	assert.Equal(t, int64(7), snaps["2026-01-01|GPTBot"].RequestCount)
	assert.Equal(t, int64(70), snaps["2026-01-01|GPTBot"].BytesTransferred)
}

func pathsFor(date, prefix string, n int, count int64) []models.PathSnapshot {
	out := make([]models.PathSnapshot, n)
	for i := range out {
		out[i] = models.PathSnapshot{Date: date, Path: fmt.Sprintf("%s/%d", prefix, i), BotName: "GPTBot", RequestCount: count}
	}
	return out
}

func TestUpsertWriter_PrunesPathsThatLeftTheTopList(t *testing.T) {
	repo := newFakeSnapshotRepo()
	w := NewUpsertWriter(repo, 500, zap.NewNop())
	accountID := uuid.New()

	first := &Aggregation{
		Snapshots: []models.AgentSnapshot{
			{Date: "2026-01-04", BotName: "GPTBot", RequestCount: 3},
			{Date: "2026-01-05", BotName: "GPTBot", RequestCount: 50},
		},
		Paths: append(pathsFor("2026-01-04", "/old", 3, 1), pathsFor("2026-01-05", "/a", 50, 1)...),
	}
	second := &Aggregation{
		Snapshots: []models.AgentSnapshot{{Date: "2026-01-05", BotName: "GPTBot", RequestCount: 5050}},
		Paths:     pathsFor("2026-01-05", "/b", 50, 100),
	}

	_, _, err := w.Write(context.Background(), accountID, first)
	require.NoError(t, err)
	_, _, err = w.Write(context.Background(), accountID, second)
	require.NoError(t, err)

	_, stored := repo.rowsFor(accountID)
	var jan4, jan5 int
	for _, p := range stored {
		switch p.Date {
		case "2026-01-04":
			jan4++
		case "2026-01-05":
			jan5++
			assert.Equal(t, int64(100), p.RequestCount, "only this run's paths remain for %s", p.Path)
		}
	}
	assert.Equal(t, 50, jan5)
	assert.Equal(t, 3, jan4, "dates outside the run are left alone")
	assert.Equal(t, []string{"2026-01-04", "2026-01-05", "2026-01-05"}, repo.prunedDates)
}

func TestUpsertWriter_DateWithoutPathsIsCleared(t *testing.T) {
	repo := newFakeSnapshotRepo()
	w := NewUpsertWriter(repo, 500, zap.NewNop())
	accountID := uuid.New()

	_, _, err := w.Write(context.Background(), accountID, &Aggregation{
		Snapshots: []models.AgentSnapshot{{Date: "2026-01-01", BotName: "GPTBot", RequestCount: 2}},
		Paths:     makePaths(2),
	})
	require.NoError(t, err)

	_, _, err = w.Write(context.Background(), accountID, &Aggregation{
		Snapshots: []models.AgentSnapshot{{Date: "2026-01-01", BotName: "GPTBot", RequestCount: 2}},
	})
	require.NoError(t, err)

	_, stored := repo.rowsFor(accountID)
	assert.Empty(t, stored)
}

func TestUpsertWriter_PruneFailure(t *testing.T) {
	repo := newFakeSnapshotRepo()
	repo.pruneErr = errors.New("deadlock detected")
	w := NewUpsertWriter(repo, 500, zap.NewNop())

	snaps, paths, err := w.Write(context.Background(), uuid.New(), &Aggregation{
		Snapshots: []models.AgentSnapshot{{Date: "2026-01-01", BotName: "GPTBot", RequestCount: 1}},
		Paths:     makePaths(3),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prune paths")
	assert.Equal(t, 1, snaps)
	assert.Equal(t, 3, paths)
}

func TestChunk(t *testing.T) {
	assert.Nil(t, chunk([]int{}, 3))
	assert.Equal(t, [][]int{{1, 2, 3}, {4, 5}}, chunk([]int{1, 2, 3, 4, 5}, 3))
	assert.Equal(t, [][]int{{1, 2}}, chunk([]int{1, 2}, 2))
}
