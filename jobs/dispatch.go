package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pdoflow/pdoflow/metrics"
	"github.com/pdoflow/pdoflow/pg/flowdb"
	"github.com/remiges-tech/logharbour/logharbour"
)

// Dispatcher implements the claim and completion halves of the dispatch
// protocol over a Datastore. It is safe for concurrent use; each worker
// normally owns its own Dispatcher bound to its private connection.
type Dispatcher struct {
	DS      Datastore
	Logger  *logharbour.Logger
	Metrics metrics.Metrics
}

func NewDispatcher(ds Datastore, logger *logharbour.Logger, m metrics.Metrics) *Dispatcher {
	if logger == nil {
		panic("logger cannot be nil")
	}
	if m == nil {
		m = metrics.Noop{}
	}
	return &Dispatcher{DS: ds, Logger: logger, Metrics: m}
}

// ClaimBatch atomically moves up to batchSize waiting units to executing
// and returns them in dispatch order. Concurrent claimers skip each other's
// locked rows, so two claims never share a unit. A still-waiting posting
// whose unit was just claimed is promoted to executing in the same
// transaction. excludePostings keeps shunned postings out of the claim
// SELECT entirely, so declining their work costs nothing per cycle.
func (d *Dispatcher) ClaimBatch(ctx context.Context, batchSize int32, excludePostings ...uuid.UUID) ([]flowdb.JobRecord, error) {
	tx, err := d.DS.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	records, err := tx.ClaimJobRecords(ctx, flowdb.ClaimJobRecordsParams{
		BatchSize:       batchSize,
		ExcludePostings: excludePostings,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim job records: %w", err)
	}
	if len(records) == 0 {
		return nil, tx.Commit(ctx)
	}

	seen := make(map[uuid.UUID]bool)
	var postingIDs []uuid.UUID
	for _, rec := range records {
		if !seen[rec.PostingID] {
			seen[rec.PostingID] = true
			postingIDs = append(postingIDs, rec.PostingID)
		}
	}
	if err := tx.MarkPostingsExecuting(ctx, postingIDs); err != nil {
		return nil, fmt.Errorf("failed to promote postings to executing: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit claim transaction: %w", err)
	}

	d.Metrics.Record(metrics.JobsClaimed, float64(len(records)))
	d.Logger.Debug0().LogActivity("Claimed job batch", map[string]any{
		"count":    len(records),
		"postings": len(postingIDs),
	})
	return records, nil
}

// ClaimJob claims one specific unit, bypassing the posting-status filter.
// Used by the in-process debugging path.
func (d *Dispatcher) ClaimJob(ctx context.Context, jobID uuid.UUID) (flowdb.JobRecord, error) {
	rec, err := d.DS.ClaimJobRecordByID(ctx, jobID)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, lookupErr := d.DS.GetJobRecordByID(ctx, jobID); errors.Is(lookupErr, pgx.ErrNoRows) {
			return flowdb.JobRecord{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return flowdb.JobRecord{}, fmt.Errorf("%w: %s", ErrJobNotClaimable, jobID)
	}
	if err != nil {
		return flowdb.JobRecord{}, fmt.Errorf("failed to claim job %s: %w", jobID, err)
	}
	return rec, nil
}

// ReleaseJob returns a claimed unit to waiting without burning a try, for
// workers declining work on a posting they have shunned or during shutdown
// with units still unexecuted in the batch.
func (d *Dispatcher) ReleaseJob(ctx context.Context, jobID uuid.UUID) error {
	if err := d.DS.ReleaseJobRecord(ctx, jobID); err != nil {
		return fmt.Errorf("failed to release job %s: %w", jobID, err)
	}
	return nil
}

// CompleteSuccess records a successful unit outcome, persisting prof (when
// non-nil) in the same transaction. If the profile writes fail, the outcome
// is retried without the profile; an outcome is never lost to a profile.
func (d *Dispatcher) CompleteSuccess(ctx context.Context, rec flowdb.JobRecord, prof *ProfileData) error {
	if prof != nil {
		err := d.completeDone(ctx, rec, prof)
		if err == nil {
			d.Metrics.Record(metrics.ProfilesCaptured, 1)
			return nil
		}
		d.Logger.Error(err).LogActivity("Profile persistence failed, recording outcome without profile", map[string]any{
			"jobId": rec.ID.String(),
		})
	}
	return d.completeDone(ctx, rec, nil)
}

func (d *Dispatcher) completeDone(ctx context.Context, rec flowdb.JobRecord, prof *ProfileData) error {
	tx, err := d.DS.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin completion transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.MarkJobDone(ctx, rec.ID); err != nil {
		return fmt.Errorf("failed to mark job %s done: %w", rec.ID, err)
	}
	if prof != nil {
		if err := persistProfile(ctx, tx, rec.ID, prof); err != nil {
			return fmt.Errorf("failed to persist profile for job %s: %w", rec.ID, err)
		}
	}
	finalStatus, changed, err := tx.FinalizePostingStatus(ctx, rec.PostingID)
	if err != nil {
		return fmt.Errorf("failed to finalize posting %s: %w", rec.PostingID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit completion transaction: %w", err)
	}

	d.Metrics.Record(metrics.JobsExecuted, 1)
	d.Logger.LogDataChange("Job record completed", logharbour.ChangeInfo{
		Entity: "JobRecord",
		Op:     "StatusUpdated",
		Changes: []logharbour.ChangeDetail{
			{Field: "status", OldVal: flowdb.StatusEnumExecuting, NewVal: flowdb.StatusEnumDone},
		},
	})
	if changed {
		d.logPostingFinalized(rec.PostingID, finalStatus)
	}
	return nil
}

// CompleteFailure burns a try and requeues or retires the unit, then
// recomputes the posting's derived status.
func (d *Dispatcher) CompleteFailure(ctx context.Context, rec flowdb.JobRecord, cause error) (flowdb.FailJobRecordRow, error) {
	tx, err := d.DS.Begin(ctx)
	if err != nil {
		return flowdb.FailJobRecordRow{}, fmt.Errorf("failed to begin failure transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	outcome, err := tx.FailJobRecord(ctx, rec.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return flowdb.FailJobRecordRow{}, fmt.Errorf("%w: %s", ErrJobNotFound, rec.ID)
	}
	if err != nil {
		return flowdb.FailJobRecordRow{}, fmt.Errorf("failed to record failure for job %s: %w", rec.ID, err)
	}

	finalStatus, changed, err := tx.FinalizePostingStatus(ctx, rec.PostingID)
	if err != nil {
		return flowdb.FailJobRecordRow{}, fmt.Errorf("failed to finalize posting %s: %w", rec.PostingID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return flowdb.FailJobRecordRow{}, fmt.Errorf("failed to commit failure transaction: %w", err)
	}

	d.Metrics.Record(metrics.JobsFailed, 1)
	d.Logger.Error(cause).LogDataChange("Job record failed", logharbour.ChangeInfo{
		Entity: "JobRecord",
		Op:     "StatusUpdated",
		Changes: []logharbour.ChangeDetail{
			{Field: "status", OldVal: flowdb.StatusEnumExecuting, NewVal: outcome.Status},
			{Field: "tries_remaining", OldVal: rec.TriesRemaining, NewVal: outcome.TriesRemaining},
		},
	})
	if changed {
		d.logPostingFinalized(rec.PostingID, finalStatus)
	}
	return outcome, nil
}

func (d *Dispatcher) logPostingFinalized(postingID uuid.UUID, status flowdb.StatusEnum) {
	d.Logger.LogDataChange("Posting reached terminal status", logharbour.ChangeInfo{
		Entity: "JobPosting",
		Op:     "StatusUpdated",
		Changes: []logharbour.ChangeDetail{
			{Field: "status", OldVal: flowdb.StatusEnumExecuting, NewVal: status},
		},
	})
}

// RunSingleJob claims jobID, executes it in the calling goroutine and
// records the outcome. Debugging aid behind the execute-job CLI command;
// the unit burns a try on failure exactly as it would under a worker.
func RunSingleJob(ctx context.Context, d *Dispatcher, reg *Registry, jobID uuid.UUID) error {
	rec, err := d.ClaimJob(ctx, jobID)
	if err != nil {
		return err
	}

	posting, err := d.DS.GetPostingByID(ctx, rec.PostingID)
	if err != nil {
		return fmt.Errorf("failed to load posting %s: %w", rec.PostingID, err)
	}

	fn, err := reg.Resolve(posting.EntryPoint, posting.TargetFunction)
	if err == nil {
		var args []any
		var kwargs map[string]any
		args, kwargs, err = decodeArguments(rec)
		if err == nil {
			err = invoke(ctx, fn, args, kwargs)
		}
	}

	if err != nil {
		if _, failErr := d.CompleteFailure(ctx, rec, err); failErr != nil {
			return failErr
		}
		return fmt.Errorf("job %s failed: %w", jobID, err)
	}
	return d.CompleteSuccess(ctx, rec, nil)
}

func decodeArguments(rec flowdb.JobRecord) ([]any, map[string]any, error) {
	var args []any
	if len(rec.PositionalArguments) > 0 {
		if err := json.Unmarshal(rec.PositionalArguments, &args); err != nil {
			return nil, nil, fmt.Errorf("failed to decode positional arguments: %w", err)
		}
	}
	var kwargs map[string]any
	if len(rec.KeywordArguments) > 0 {
		if err := json.Unmarshal(rec.KeywordArguments, &kwargs); err != nil {
			return nil, nil, fmt.Errorf("failed to decode keyword arguments: %w", err)
		}
	}
	return args, kwargs, nil
}

// invoke runs fn converting a panic into an ordinary failure so a poison
// unit cannot take the whole worker down.
func invoke(ctx context.Context, fn JobFunc, args []any, kwargs map[string]any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job function panicked: %v", r)
		}
	}()
	return fn(ctx, args, kwargs)
}
