package store_test

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ntjobs/jobsos/internal/store"
	"github.com/stretchr/testify/require"
)

func open(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.Context(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestStore(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	s := open(t)
	started := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	okID := uuid.NewString()
	errID := uuid.NewString()

	require.NoError(t, s.Start(ctx, okID, "jobs_20240501_100000_0", "alice", started))
	require.NoError(t, s.Start(ctx, okID, "jobs_20240501_100000_0", "alice", started), "restart of an in progress batch")
	require.NoError(t, s.Start(ctx, errID, "jobs_20240501_100000_1", "bob", started))

	row, err := s.Get(ctx, okID)
	require.NoError(t, err)
	require.True(t, row.InProgress)
	require.Nil(t, row.Success)
	require.Nil(t, row.Finished)
	require.Equal(t, started, row.Started)

	finished := started.Add(time.Minute)
	require.NoError(t, s.FinishOK(ctx, okID, 2, finished))
	require.ErrorIs(t, s.FinishOK(ctx, okID, 2, finished), store.ErrAlreadyFinished)
	require.ErrorIs(t, s.Start(ctx, okID, "x", "alice", started), store.ErrAlreadyFinished)

	require.NoError(t, s.FinishErr(ctx, errID, "1 job failed", 1, 1, finished))

	row, err = s.Get(ctx, okID)
	require.NoError(t, err)
	require.False(t, row.InProgress)
	require.NotNil(t, row.Success)
	require.True(t, *row.Success)
	require.Equal(t, 2, row.JobsOK)
	require.NotNil(t, row.Finished)
	require.Equal(t, finished, *row.Finished)

	row, err = s.Get(ctx, errID)
	require.NoError(t, err)
	require.False(t, *row.Success)
	require.Equal(t, "1 job failed", *row.FailureReason)
	require.Equal(t, 1, row.JobsErr)

	rows, err := s.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, errID, rows[0].UUID)

	rows, err = s.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	require.NoError(t, s.Delete(ctx, okID))
	require.ErrorIs(t, s.Delete(ctx, okID), store.ErrNotFound)
	_, err = s.Get(ctx, okID)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, s.FinishOK(ctx, okID, 0, finished), store.ErrNotFound)
}

func TestPrune(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	s := open(t)
	started := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	ids := make([]string, 4)
	for i := range ids {
		ids[i] = uuid.NewString()
		require.NoError(t, s.Start(ctx, ids[i], fmt.Sprintf("jobs_20240501_100000_%d", i), "alice", started))
		if i != 1 {
			require.NoError(t, s.FinishOK(ctx, ids[i], 1, started.Add(time.Minute)))
		}
	}

	n, err := s.Prune(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	rows, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, ids[3], rows[0].UUID)
	require.Equal(t, ids[1], rows[1].UUID, "batch in progress is kept")

	n, err = s.Prune(ctx, 1)
	require.NoError(t, err)
	require.Zero(t, n)
}
