package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pdoflow/pdoflow/pg/flowdb"
)

// Observer exposes lazy pull-based views over posting state. Every pull is
// one short SELECT; no locks or transactions are held between pulls, so
// callers set the cadence by sleeping between Next calls.
type Observer struct {
	q     flowdb.Querier
	cache *StatusCache
}

// NewObserver builds an Observer. cache may be nil; when present it serves
// advisory status reads without touching the database.
func NewObserver(q flowdb.Querier, cache *StatusCache) *Observer {
	return &Observer{q: q, cache: cache}
}

// PostingStatus reads a posting's status through the advisory cache.
func (o *Observer) PostingStatus(ctx context.Context, postingID uuid.UUID) (flowdb.StatusEnum, error) {
	if status, ok := o.cache.Get(ctx, postingID); ok {
		return status, nil
	}
	posting, err := o.q.GetPostingByID(ctx, postingID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrPostingNotFound, postingID)
	}
	if err != nil {
		return "", err
	}
	o.cache.Set(ctx, postingID, posting.Status)
	return posting.Status, nil
}

// PollPosting returns a poller yielding successive posting snapshots. The
// sequence ends after yielding the first snapshot with a terminal status.
func (o *Observer) PollPosting(postingID uuid.UUID) *PostingPoller {
	return &PostingPoller{o: o, postingID: postingID}
}

type PostingPoller struct {
	o         *Observer
	postingID uuid.UUID
	done      bool
}

// Next pulls one snapshot. ok is false once the sequence is exhausted. An
// unknown posting id fails with ErrPostingNotFound on the first pull.
func (p *PostingPoller) Next(ctx context.Context) (flowdb.JobPosting, bool, error) {
	if p.done {
		return flowdb.JobPosting{}, false, nil
	}
	posting, err := p.o.q.GetPostingByID(ctx, p.postingID)
	if errors.Is(err, pgx.ErrNoRows) {
		return flowdb.JobPosting{}, false, fmt.Errorf("%w: %s", ErrPostingNotFound, p.postingID)
	}
	if err != nil {
		return flowdb.JobPosting{}, false, err
	}
	if posting.Status.Terminal() {
		p.done = true
		p.o.cache.Set(ctx, p.postingID, posting.Status)
	}
	return posting, true, nil
}

// PollPostingPercent returns a poller yielding completion percentages in
// [0, 100]. Yields are non-decreasing and the sequence ends once 100.0 is
// produced. An empty posting yields 100.0 immediately.
func (o *Observer) PollPostingPercent(postingID uuid.UUID) *PercentPoller {
	return &PercentPoller{o: o, postingID: postingID}
}

type PercentPoller struct {
	o         *Observer
	postingID uuid.UUID
	started   bool
	done      bool
	last      float64
}

func (p *PercentPoller) Next(ctx context.Context) (float64, bool, error) {
	if p.done {
		return 0, false, nil
	}
	if !p.started {
		if _, err := p.o.q.GetPostingByID(ctx, p.postingID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return 0, false, fmt.Errorf("%w: %s", ErrPostingNotFound, p.postingID)
			}
			return 0, false, err
		}
		p.started = true
	}

	counts, err := p.o.q.GetPostingCounts(ctx, p.postingID)
	if err != nil {
		return 0, false, err
	}

	percent := counts.PercentDone()
	// Retried units can briefly deflate the finished count; never go
	// backwards from the caller's point of view.
	if percent < p.last {
		percent = p.last
	}
	p.last = percent
	if percent >= 100.0 {
		p.done = true
	}
	return percent, true, nil
}

// PollJobStatusCount returns an infinite poller over the number of the
// posting's units currently in status.
func (o *Observer) PollJobStatusCount(postingID uuid.UUID, status flowdb.StatusEnum) *CountPoller {
	return &CountPoller{o: o, postingID: postingID, status: status}
}

type CountPoller struct {
	o         *Observer
	postingID uuid.UUID
	status    flowdb.StatusEnum
}

func (p *CountPoller) Next(ctx context.Context) (int64, error) {
	return p.o.q.CountJobsByStatus(ctx, flowdb.CountJobsByStatusParams{
		PostingID: p.postingID,
		Status:    p.status,
	})
}

// AwaitStatusThreshold polls the count of units in status until predicate
// accepts it, returning the satisfying count. An unknown posting fails with
// ErrPostingNotFound on the first poll; cancellation is via ctx.
func (o *Observer) AwaitStatusThreshold(ctx context.Context, postingID uuid.UUID, status flowdb.StatusEnum, predicate func(int64) bool, pollTime time.Duration) (int64, error) {
	if pollTime <= 0 {
		pollTime = DefaultPollInterval
	}
	if _, err := o.q.GetPostingByID(ctx, postingID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s", ErrPostingNotFound, postingID)
		}
		return 0, err
	}

	poller := o.PollJobStatusCount(postingID, status)
	for {
		count, err := poller.Next(ctx)
		if err != nil {
			return 0, err
		}
		if predicate(count) {
			return count, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(pollTime):
		}
	}
}
