package jobs

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFailureCacheRecordAndContains(t *testing.T) {
	cache, err := NewFailureCache(4, 4)
	require.NoError(t, err)

	posting := uuid.New()
	job := uuid.New()

	assert.False(t, cache.contains(posting, job))
	assert.Equal(t, 0, cache.Failures(posting))

	cache.Record(posting, job)
	assert.True(t, cache.contains(posting, job))
	assert.Equal(t, 1, cache.Failures(posting))

	// Recording the same unit twice is not a second distinct failure.
	cache.Record(posting, job)
	assert.Equal(t, 1, cache.Failures(posting))

	cache.Record(posting, uuid.New())
	assert.Equal(t, 2, cache.Failures(posting))
}

func TestFailureCacheForget(t *testing.T) {
	cache, err := NewFailureCache(4, 4)
	require.NoError(t, err)

	posting := uuid.New()
	job := uuid.New()
	cache.Record(posting, job)
	require.Equal(t, 1, cache.Postings())

	cache.Forget(posting)
	assert.Equal(t, 0, cache.Postings())
	assert.False(t, cache.contains(posting, job))
}

func TestFailureCacheEvictsOldestPosting(t *testing.T) {
	cache, err := NewFailureCache(2, 2)
	require.NoError(t, err)

	first := uuid.New()
	second := uuid.New()
	third := uuid.New()
	cache.Record(first, uuid.New())
	cache.Record(second, uuid.New())
	cache.Record(third, uuid.New())

	assert.Equal(t, 2, cache.Postings())
	assert.Equal(t, 0, cache.Failures(first), "oldest posting should have been evicted")
	assert.Equal(t, 1, cache.Failures(second))
	assert.Equal(t, 1, cache.Failures(third))
}

func TestFailureCacheBoundsJobsPerPosting(t *testing.T) {
	cache, err := NewFailureCache(2, 3)
	require.NoError(t, err)

	posting := uuid.New()
	jobs := make([]uuid.UUID, 5)
	for i := range jobs {
		jobs[i] = uuid.New()
		cache.Record(posting, jobs[i])
	}

	assert.Equal(t, 3, cache.Failures(posting))
	assert.False(t, cache.contains(posting, jobs[0]))
	assert.True(t, cache.contains(posting, jobs[4]))
}

func TestFailureCacheKeys(t *testing.T) {
	cache, err := NewFailureCache(4, 4)
	require.NoError(t, err)

	first := uuid.New()
	second := uuid.New()
	cache.Record(first, uuid.New())
	cache.Record(second, uuid.New())

	assert.Equal(t, []uuid.UUID{first, second}, cache.Keys())
}
