package jobs

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pdoflow/pdoflow/metrics"
	"github.com/pdoflow/pdoflow/pg/flowdb"
	"github.com/remiges-tech/logharbour/logharbour"
)

// Worker is a single-goroutine claim/execute/commit loop. Each worker owns
// one Datastore (in production, a private connection) so an abandoned claim
// is rolled back by the database the moment the session dies. Workers share
// nothing in memory; the failure cache and resolution cache are strictly
// local.
type Worker struct {
	ID         int
	cfg        WorkerConfig
	dispatcher *Dispatcher
	registry   *Registry
	logger     *logharbour.Logger

	failures    *FailureCache
	badPostings map[uuid.UUID]bool
	postings    map[uuid.UUID]flowdb.JobPosting
	resolved    map[registryKey]JobFunc
	rng         *rand.Rand
}

func NewWorker(id int, ds Datastore, reg *Registry, logger *logharbour.Logger, m metrics.Metrics, cfg WorkerConfig) (*Worker, error) {
	cfg = cfg.withDefaults()
	failures, err := NewFailureCache(cfg.FailurePostings, cfg.FailureJobs)
	if err != nil {
		return nil, err
	}
	return &Worker{
		ID:          id,
		cfg:         cfg,
		dispatcher:  NewDispatcher(ds, logger, m),
		registry:    reg,
		logger:      logger,
		failures:    failures,
		badPostings: make(map[uuid.UUID]bool),
		postings:    make(map[uuid.UUID]flowdb.JobPosting),
		resolved:    make(map[registryKey]JobFunc),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano() + int64(id))),
	}, nil
}

// Run executes the worker loop until ctx is cancelled. Shutdown is
// cooperative at batch boundaries: the current unit finishes, unexecuted
// claimed units are released back to waiting, then Run returns.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		records, err := w.claimWithRetry(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error(err).LogActivity("Claim failed after retries", map[string]any{
				"workerId": w.ID,
			})
			if !w.sleep(ctx) {
				return nil
			}
			continue
		}

		if len(records) == 0 {
			w.sweepFailures(ctx)
			if !w.sleep(ctx) {
				return nil
			}
			continue
		}

		for i, rec := range records {
			if ctx.Err() != nil {
				w.releaseRemaining(records[i:])
				return nil
			}
			w.processRecord(ctx, rec)
		}
	}
}

func (w *Worker) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(w.cfg.PollInterval):
		return true
	}
}

// claimWithRetry wraps the claim in exponential backoff so a transient
// outage does not kill the loop. Persistent errors surface to the caller.
// Shunned postings are excluded from the claim itself; their units stay
// claimable by every other worker without this one spinning on them.
func (w *Worker) claimWithRetry(ctx context.Context) ([]flowdb.JobRecord, error) {
	var records []flowdb.JobRecord
	op := func() error {
		var err error
		records, err = w.dispatcher.ClaimBatch(ctx, w.cfg.BatchSize, w.shunned()...)
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return records, nil
}

func (w *Worker) processRecord(ctx context.Context, rec flowdb.JobRecord) {
	// Outcome writes must survive a shutdown signal raised mid-unit.
	detached := context.WithoutCancel(ctx)

	posting, err := w.postingInfo(detached, rec.PostingID)
	if err != nil {
		w.logger.Error(err).LogActivity("Failed to load posting for claimed unit", map[string]any{
			"workerId":  w.ID,
			"jobId":     rec.ID.String(),
			"postingId": rec.PostingID.String(),
		})
		w.release(detached, rec)
		return
	}

	if w.badPostings[rec.PostingID] {
		w.release(detached, rec)
		return
	}

	fn, err := w.resolve(posting)
	if err != nil {
		// Resolution failures burn a try like any user failure.
		w.recordFailure(detached, rec, err)
		return
	}

	args, kwargs, err := decodeArguments(rec)
	if err != nil {
		w.recordFailure(detached, rec, err)
		return
	}

	var prof *ProfileData
	var userErr error
	started := time.Now()
	if w.rng.Float64() < w.cfg.ProfileRate {
		var profErr error
		prof, profErr, userErr = runProfiled(ctx, rec.ID, func(ctx context.Context) error {
			return invoke(ctx, fn, args, kwargs)
		})
		if profErr != nil {
			w.logger.Warn().LogActivity("Profile capture failed", map[string]any{
				"workerId": w.ID,
				"jobId":    rec.ID.String(),
				"error":    profErr.Error(),
			})
			prof = nil
		}
	} else {
		userErr = invoke(ctx, fn, args, kwargs)
	}

	if userErr != nil {
		w.logException(userErr, rec)
		w.recordFailure(detached, rec, userErr)
		return
	}

	err = backoff.Retry(func() error {
		return w.dispatcher.CompleteSuccess(detached, rec, prof)
	}, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3))
	if err != nil {
		w.logger.Error(err).LogActivity("Failed to record job success", map[string]any{
			"workerId": w.ID,
			"jobId":    rec.ID.String(),
		})
		return
	}

	w.logger.Info().LogActivity("Executed job", map[string]any{
		"workerId": w.ID,
		"jobId":    rec.ID.String(),
		"seconds":  time.Since(started).Seconds(),
	})
}

func (w *Worker) recordFailure(ctx context.Context, rec flowdb.JobRecord, cause error) {
	_, err := w.dispatcher.CompleteFailure(ctx, rec, cause)
	if err != nil {
		w.logger.Error(err).LogActivity("Failed to record job failure", map[string]any{
			"workerId": w.ID,
			"jobId":    rec.ID.String(),
		})
		return
	}

	w.failures.Record(rec.PostingID, rec.ID)
	if !w.badPostings[rec.PostingID] && w.failures.Failures(rec.PostingID) >= w.cfg.FailureThreshold {
		w.badPostings[rec.PostingID] = true
		w.logger.Warn().LogActivity("Posting exceeded local failure threshold, declining further work", map[string]any{
			"workerId":  w.ID,
			"postingId": rec.PostingID.String(),
			"failures":  w.failures.Failures(rec.PostingID),
		})
	}
}

func (w *Worker) shunned() []uuid.UUID {
	if len(w.badPostings) == 0 {
		return nil
	}
	out := make([]uuid.UUID, 0, len(w.badPostings))
	for id := range w.badPostings {
		out = append(out, id)
	}
	return out
}

func (w *Worker) release(ctx context.Context, rec flowdb.JobRecord) {
	if err := w.dispatcher.ReleaseJob(ctx, rec.ID); err != nil {
		w.logger.Error(err).LogActivity("Failed to release claimed unit", map[string]any{
			"workerId": w.ID,
			"jobId":    rec.ID.String(),
		})
	}
}

func (w *Worker) releaseRemaining(records []flowdb.JobRecord) {
	ctx := context.Background()
	for _, rec := range records {
		w.release(ctx, rec)
	}
}

func (w *Worker) postingInfo(ctx context.Context, postingID uuid.UUID) (flowdb.JobPosting, error) {
	if posting, ok := w.postings[postingID]; ok {
		return posting, nil
	}
	posting, err := w.dispatcher.DS.GetPostingByID(ctx, postingID)
	if err != nil {
		return flowdb.JobPosting{}, err
	}
	w.postings[postingID] = posting
	return posting, nil
}

func (w *Worker) resolve(posting flowdb.JobPosting) (JobFunc, error) {
	key := registryKey{EntryPoint: posting.EntryPoint, Target: posting.TargetFunction}
	if fn, ok := w.resolved[key]; ok {
		return fn, nil
	}
	fn, err := w.registry.Resolve(posting.EntryPoint, posting.TargetFunction)
	if err != nil {
		return nil, err
	}
	w.resolved[key] = fn
	return fn, nil
}

// sweepFailures drops local state for postings that have since reached a
// terminal status. Runs on idle cycles only.
func (w *Worker) sweepFailures(ctx context.Context) {
	for _, postingID := range w.failures.Keys() {
		posting, err := w.dispatcher.DS.GetPostingByID(ctx, postingID)
		if err != nil {
			continue
		}
		if posting.Status.Terminal() {
			w.failures.Forget(postingID)
			delete(w.badPostings, postingID)
			delete(w.postings, postingID)
		}
	}
}

func (w *Worker) logException(err error, rec flowdb.JobRecord) {
	details := map[string]any{
		"workerId":       w.ID,
		"jobId":          rec.ID.String(),
		"postingId":      rec.PostingID.String(),
		"triesRemaining": rec.TriesRemaining,
	}
	switch w.cfg.ExceptionLogging {
	case ExceptionLogNone:
	case ExceptionLogDebug:
		details["error"] = err.Error()
		w.logger.Debug0().LogActivity("Job function failed", details)
	case ExceptionLogInfo:
		details["error"] = err.Error()
		w.logger.Info().LogActivity("Job function failed", details)
	case ExceptionLogWarn:
		details["error"] = err.Error()
		w.logger.Warn().LogActivity("Job function failed", details)
	default:
		w.logger.Error(err).LogActivity("Job function failed", details)
	}
}
