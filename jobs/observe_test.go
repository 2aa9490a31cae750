package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pdoflow/pdoflow/pg/flowdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// completeAllWaiting drains every claimable unit through the dispatcher.
func completeAllWaiting(t *testing.T, store *fakeStore) {
	t.Helper()
	d := NewDispatcher(store, testLogger(), nil)
	for {
		claimed, err := d.ClaimBatch(context.Background(), 100)
		require.NoError(t, err)
		if len(claimed) == 0 {
			return
		}
		for _, rec := range claimed {
			require.NoError(t, d.CompleteSuccess(context.Background(), rec, nil))
		}
	}
}

func TestPollPostingStopsAtTerminal(t *testing.T) {
	store := newFakeStore()
	reg := testRegistry(t, noopJob)
	receipt := postUnits(t, reg, store, make([]JobArgs, 2), 0)

	obs := NewObserver(store, nil)
	poller := obs.PollPosting(receipt.PostingID)

	posting, ok, err := poller.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, flowdb.StatusEnumWaiting, posting.Status)

	completeAllWaiting(t, store)

	posting, ok, err = poller.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, flowdb.StatusEnumDone, posting.Status)

	// The terminal snapshot ends the sequence.
	_, ok, err = poller.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPollPostingUnknownID(t *testing.T) {
	obs := NewObserver(newFakeStore(), nil)
	poller := obs.PollPosting(uuid.New())
	_, _, err := poller.Next(context.Background())
	assert.ErrorIs(t, err, ErrPostingNotFound)
}

func TestPostingStatusUnknownID(t *testing.T) {
	obs := NewObserver(newFakeStore(), nil)
	_, err := obs.PostingStatus(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrPostingNotFound)
}

func TestPercentPollerProgresses(t *testing.T) {
	store := newFakeStore()
	reg := testRegistry(t, noopJob)
	receipt := postUnits(t, reg, store, make([]JobArgs, 4), 0)

	obs := NewObserver(store, nil)
	poller := obs.PollPostingPercent(receipt.PostingID)

	percent, ok, err := poller.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0.0, percent)

	d := NewDispatcher(store, testLogger(), nil)
	claimed, err := d.ClaimBatch(context.Background(), 2)
	require.NoError(t, err)
	for _, rec := range claimed {
		require.NoError(t, d.CompleteSuccess(context.Background(), rec, nil))
	}

	percent, ok, err = poller.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 50.0, percent)

	completeAllWaiting(t, store)

	percent, ok, err = poller.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 100.0, percent)

	_, ok, err = poller.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPercentPollerEmptyPostingIsImmediatelyComplete(t *testing.T) {
	store := newFakeStore()
	reg := testRegistry(t, noopJob)
	receipt := postUnits(t, reg, store, nil, 0)

	obs := NewObserver(store, nil)
	poller := obs.PollPostingPercent(receipt.PostingID)

	percent, ok, err := poller.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 100.0, percent)

	_, ok, err = poller.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPercentPollerNeverGoesBackwards(t *testing.T) {
	store := newFakeStore()
	reg := testRegistry(t, noopJob)
	receipt := postUnits(t, reg, store, make([]JobArgs, 2), 0)

	obs := NewObserver(store, nil)
	poller := obs.PollPostingPercent(receipt.PostingID)
	_, _, err := poller.Next(context.Background())
	require.NoError(t, err)

	// Simulate a previously observed higher value than the database would
	// report now.
	poller.last = 75.0
	percent, ok, err := poller.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 75.0, percent)
}

func TestPercentPollerUnknownID(t *testing.T) {
	obs := NewObserver(newFakeStore(), nil)
	poller := obs.PollPostingPercent(uuid.New())
	_, _, err := poller.Next(context.Background())
	assert.ErrorIs(t, err, ErrPostingNotFound)
}

func TestCountPollerTracksStatus(t *testing.T) {
	store := newFakeStore()
	reg := testRegistry(t, noopJob)
	receipt := postUnits(t, reg, store, make([]JobArgs, 3), 0)

	obs := NewObserver(store, nil)
	poller := obs.PollJobStatusCount(receipt.PostingID, flowdb.StatusEnumDone)

	count, err := poller.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	completeAllWaiting(t, store)

	count, err = poller.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestAwaitStatusThreshold(t *testing.T) {
	store := newFakeStore()
	reg := testRegistry(t, noopJob)
	receipt := postUnits(t, reg, store, make([]JobArgs, 3), 0)
	completeAllWaiting(t, store)

	obs := NewObserver(store, nil)
	count, err := obs.AwaitStatusThreshold(context.Background(), receipt.PostingID, flowdb.StatusEnumDone,
		func(n int64) bool { return n >= 3 }, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestAwaitStatusThresholdUnknownPosting(t *testing.T) {
	obs := NewObserver(newFakeStore(), nil)
	_, err := obs.AwaitStatusThreshold(context.Background(), uuid.New(), flowdb.StatusEnumDone,
		func(n int64) bool { return true }, time.Millisecond)
	assert.ErrorIs(t, err, ErrPostingNotFound)
}

func TestAwaitStatusThresholdHonorsCancellation(t *testing.T) {
	store := newFakeStore()
	reg := testRegistry(t, noopJob)
	receipt := postUnits(t, reg, store, make([]JobArgs, 1), 0)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	obs := NewObserver(store, nil)
	_, err := obs.AwaitStatusThreshold(ctx, receipt.PostingID, flowdb.StatusEnumDone,
		func(n int64) bool { return n >= 1 }, 5*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
