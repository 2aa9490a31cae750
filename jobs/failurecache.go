package jobs

import (
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// FailureCache is a worker's private memory of units that failed under it.
// Bounded two-level LRU: up to postingCap postings, each remembering up to
// jobCap failed unit ids. Its only job is to keep a worker from hammering
// the same doomed unit in a tight local retry loop; other workers still
// attempt the unit. Entries for a posting are dropped when the worker
// observes the posting reach a terminal status.
type FailureCache struct {
	postings *lru.Cache[uuid.UUID, *lru.Cache[uuid.UUID, struct{}]]
	jobCap   int
}

func NewFailureCache(postingCap, jobCap int) (*FailureCache, error) {
	postings, err := lru.New[uuid.UUID, *lru.Cache[uuid.UUID, struct{}]](postingCap)
	if err != nil {
		return nil, err
	}
	return &FailureCache{postings: postings, jobCap: jobCap}, nil
}

// Record remembers that jobID failed under this worker.
func (c *FailureCache) Record(postingID, jobID uuid.UUID) {
	jobSet, ok := c.postings.Get(postingID)
	if !ok {
		var err error
		jobSet, err = lru.New[uuid.UUID, struct{}](c.jobCap)
		if err != nil {
			return
		}
		c.postings.Add(postingID, jobSet)
	}
	jobSet.Add(jobID, struct{}{})
}

// contains reports whether this worker already saw jobID fail.
func (c *FailureCache) contains(postingID, jobID uuid.UUID) bool {
	jobSet, ok := c.postings.Get(postingID)
	if !ok {
		return false
	}
	return jobSet.Contains(jobID)
}

// Failures returns how many distinct units of the posting failed here.
func (c *FailureCache) Failures(postingID uuid.UUID) int {
	jobSet, ok := c.postings.Get(postingID)
	if !ok {
		return 0
	}
	return jobSet.Len()
}

// Forget purges a posting, normally because it reached a terminal status.
func (c *FailureCache) Forget(postingID uuid.UUID) {
	c.postings.Remove(postingID)
}

// Keys lists the postings currently tracked, oldest first.
func (c *FailureCache) Keys() []uuid.UUID {
	return c.postings.Keys()
}

// Postings returns the number of postings currently tracked.
func (c *FailureCache) Postings() int {
	return c.postings.Len()
}
