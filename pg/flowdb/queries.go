package flowdb

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const insertPosting = `
INSERT INTO job_postings (poster, target_function, entry_point, status)
VALUES ($1, $2, $3, $4)
RETURNING id, poster, target_function, entry_point, status, created_on
`

type InsertPostingParams struct {
	Poster         string
	TargetFunction string
	EntryPoint     string
	Status         StatusEnum
}

func (q *Queries) InsertPosting(ctx context.Context, arg InsertPostingParams) (JobPosting, error) {
	row := q.db.QueryRow(ctx, insertPosting, arg.Poster, arg.TargetFunction, arg.EntryPoint, arg.Status)
	var p JobPosting
	err := row.Scan(&p.ID, &p.Poster, &p.TargetFunction, &p.EntryPoint, &p.Status, &p.CreatedOn)
	return p, err
}

const bulkInsertJobRecords = `
INSERT INTO job_records (posting_id, priority, positional_arguments, keyword_arguments, tries_remaining, status)
SELECT $1, t.priority, t.posargs, t.kwargs, $2, 'waiting'
FROM unnest($3::int4[], $4::jsonb[], $5::jsonb[]) AS t(priority, posargs, kwargs)
RETURNING id
`

type BulkInsertJobRecordsParams struct {
	PostingID      uuid.UUID
	TriesRemaining int32
	Priorities     []int32
	PosArgs        [][]byte
	KwArgs         [][]byte
}

func (q *Queries) BulkInsertJobRecords(ctx context.Context, arg BulkInsertJobRecordsParams) ([]uuid.UUID, error) {
	rows, err := q.db.Query(ctx, bulkInsertJobRecords,
		arg.PostingID, arg.TriesRemaining, arg.Priorities, arg.PosArgs, arg.KwArgs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const getPostingByID = `
SELECT id, poster, target_function, entry_point, status, created_on
FROM job_postings WHERE id = $1
`

func (q *Queries) GetPostingByID(ctx context.Context, id uuid.UUID) (JobPosting, error) {
	var p JobPosting
	err := q.db.QueryRow(ctx, getPostingByID, id).
		Scan(&p.ID, &p.Poster, &p.TargetFunction, &p.EntryPoint, &p.Status, &p.CreatedOn)
	return p, err
}

const updatePostingStatus = `
UPDATE job_postings SET status = $2 WHERE id = $1
`

type UpdatePostingStatusParams struct {
	ID     uuid.UUID
	Status StatusEnum
}

func (q *Queries) UpdatePostingStatus(ctx context.Context, arg UpdatePostingStatusParams) (int64, error) {
	tag, err := q.db.Exec(ctx, updatePostingStatus, arg.ID, arg.Status)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// claimJobRecords is the heart of the dispatch protocol. The inner SELECT
// takes exclusive row locks and skips rows locked by concurrent claimers,
// so claims deterministically partition the waiting queue without blocking
// each other. Rows of paused or cancelled postings are never selected even
// though their own status is still 'waiting'.
const claimJobRecords = `
WITH claimable AS (
    SELECT r.id
    FROM job_records r
    JOIN job_postings p ON p.id = r.posting_id
    WHERE r.status = 'waiting'
      AND r.tries_remaining > 0
      AND p.status IN ('waiting', 'executing')
      AND r.posting_id != ALL($2::uuid[])
    ORDER BY r.priority DESC, r.created_on ASC, r.id ASC
    LIMIT $1
    FOR UPDATE OF r SKIP LOCKED
)
UPDATE job_records r
SET status = 'executing', updated_on = now()
FROM claimable c
WHERE r.id = c.id
RETURNING r.id, r.posting_id, r.priority, r.positional_arguments,
          r.keyword_arguments, r.tries_remaining, r.status, r.created_on, r.updated_on
`

type ClaimJobRecordsParams struct {
	BatchSize       int32
	ExcludePostings []uuid.UUID
}

func (q *Queries) ClaimJobRecords(ctx context.Context, arg ClaimJobRecordsParams) ([]JobRecord, error) {
	if arg.ExcludePostings == nil {
		// A nil slice encodes as SQL NULL, and `!= ALL(NULL)` excludes
		// everything.
		arg.ExcludePostings = []uuid.UUID{}
	}
	rows, err := q.db.Query(ctx, claimJobRecords, arg.BatchSize, arg.ExcludePostings)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var recs []JobRecord
	for rows.Next() {
		var r JobRecord
		if err := rows.Scan(&r.ID, &r.PostingID, &r.Priority, &r.PositionalArguments,
			&r.KeywordArguments, &r.TriesRemaining, &r.Status, &r.CreatedOn, &r.UpdatedOn); err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// UPDATE ... FROM does not preserve the CTE's ordering, so restore the
	// dispatch order here. Callers execute units in slice order.
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].Priority != recs[j].Priority {
			return recs[i].Priority > recs[j].Priority
		}
		if !recs[i].CreatedOn.Equal(recs[j].CreatedOn) {
			return recs[i].CreatedOn.Before(recs[j].CreatedOn)
		}
		return recs[i].ID.String() < recs[j].ID.String()
	})
	return recs, nil
}

const claimJobRecordByID = `
UPDATE job_records SET status = 'executing', updated_on = now()
WHERE id = $1 AND status = 'waiting' AND tries_remaining > 0
RETURNING id, posting_id, priority, positional_arguments, keyword_arguments,
          tries_remaining, status, created_on, updated_on
`

// ClaimJobRecordByID claims one specific unit regardless of its posting's
// status. Used by the in-process debugging path.
func (q *Queries) ClaimJobRecordByID(ctx context.Context, id uuid.UUID) (JobRecord, error) {
	var r JobRecord
	err := q.db.QueryRow(ctx, claimJobRecordByID, id).
		Scan(&r.ID, &r.PostingID, &r.Priority, &r.PositionalArguments,
			&r.KeywordArguments, &r.TriesRemaining, &r.Status, &r.CreatedOn, &r.UpdatedOn)
	return r, err
}

const releaseJobRecord = `
UPDATE job_records SET status = 'waiting', updated_on = now()
WHERE id = $1 AND status = 'executing'
`

// ReleaseJobRecord returns a claimed unit to the queue without burning a
// try. Used when a worker declines work it has already claimed.
func (q *Queries) ReleaseJobRecord(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.Exec(ctx, releaseJobRecord, id)
	return err
}

const markPostingsExecuting = `
UPDATE job_postings SET status = 'executing'
WHERE id = ANY($1) AND status = 'waiting'
`

// MarkPostingsExecuting promotes still-waiting postings whose units were
// just claimed. Runs inside the claim transaction.
func (q *Queries) MarkPostingsExecuting(ctx context.Context, ids []uuid.UUID) error {
	_, err := q.db.Exec(ctx, markPostingsExecuting, ids)
	return err
}

const getJobRecordByID = `
SELECT id, posting_id, priority, positional_arguments, keyword_arguments,
       tries_remaining, status, created_on, updated_on
FROM job_records WHERE id = $1
`

func (q *Queries) GetJobRecordByID(ctx context.Context, id uuid.UUID) (JobRecord, error) {
	var r JobRecord
	err := q.db.QueryRow(ctx, getJobRecordByID, id).
		Scan(&r.ID, &r.PostingID, &r.Priority, &r.PositionalArguments,
			&r.KeywordArguments, &r.TriesRemaining, &r.Status, &r.CreatedOn, &r.UpdatedOn)
	return r, err
}

const markJobDone = `
UPDATE job_records SET status = 'done', updated_on = now() WHERE id = $1
`

func (q *Queries) MarkJobDone(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.Exec(ctx, markJobDone, id)
	return err
}

// failJobRecord burns one try and either requeues the unit or retires it.
// The CASE reads tries_remaining before the decrement, so a unit entering
// with 1 try left goes straight to errored_out.
const failJobRecord = `
UPDATE job_records
SET tries_remaining = tries_remaining - 1,
    status = CASE WHEN tries_remaining > 1 THEN 'waiting' ELSE 'errored_out' END::status_enum,
    updated_on = now()
WHERE id = $1 AND tries_remaining > 0
RETURNING status, tries_remaining
`

type FailJobRecordRow struct {
	Status         StatusEnum
	TriesRemaining int32
}

func (q *Queries) FailJobRecord(ctx context.Context, id uuid.UUID) (FailJobRecordRow, error) {
	var out FailJobRecordRow
	err := q.db.QueryRow(ctx, failJobRecord, id).Scan(&out.Status, &out.TriesRemaining)
	return out, err
}

// finalizePostingStatus derives a posting's terminal status once none of
// its units remain claimable or in flight. The p.status guard keeps
// administrative paused/cancelled states untouched.
const finalizePostingStatus = `
UPDATE job_postings p
SET status = d.next_status
FROM (
    SELECT CASE WHEN bool_or(r.status = 'errored_out')
                THEN 'errored_out' ELSE 'done' END::status_enum AS next_status
    FROM job_records r
    WHERE r.posting_id = $1
    HAVING count(*) FILTER (WHERE r.status IN ('waiting', 'executing', 'paused')) = 0
       AND count(*) > 0
) d
WHERE p.id = $1 AND p.status IN ('waiting', 'executing')
RETURNING p.status
`

// FinalizePostingStatus recomputes the posting's derived status. The
// returned bool is false when units are still pending or the posting is
// not in a derivable state.
func (q *Queries) FinalizePostingStatus(ctx context.Context, postingID uuid.UUID) (StatusEnum, bool, error) {
	var s StatusEnum
	err := q.db.QueryRow(ctx, finalizePostingStatus, postingID).Scan(&s)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return s, true, nil
}

const getPostingCounts = `
SELECT count(r.id),
       count(r.id) FILTER (WHERE r.status IN ('done', 'errored_out', 'cancelled')),
       count(r.id) FILTER (WHERE r.status = 'waiting'),
       count(r.id) FILTER (WHERE r.status = 'executing'),
       count(r.id) FILTER (WHERE r.status = 'errored_out')
FROM job_records r
WHERE r.posting_id = $1
`

func (q *Queries) GetPostingCounts(ctx context.Context, postingID uuid.UUID) (PostingCounts, error) {
	var c PostingCounts
	err := q.db.QueryRow(ctx, getPostingCounts, postingID).
		Scan(&c.Total, &c.Finished, &c.Waiting, &c.Executing, &c.Errored)
	return c, err
}

const countJobsByStatus = `
SELECT count(id) FROM job_records WHERE posting_id = $1 AND status = $2
`

type CountJobsByStatusParams struct {
	PostingID uuid.UUID
	Status    StatusEnum
}

func (q *Queries) CountJobsByStatus(ctx context.Context, arg CountJobsByStatusParams) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, countJobsByStatus, arg.PostingID, arg.Status).Scan(&n)
	return n, err
}

const listPostings = `
SELECT p.id, p.poster, p.status, p.created_on,
       count(r.id),
       count(r.id) FILTER (WHERE r.status IN ('done', 'errored_out', 'cancelled'))
FROM job_postings p
LEFT JOIN job_records r ON r.posting_id = p.id
GROUP BY p.id
ORDER BY p.created_on DESC
`

func (q *Queries) ListPostings(ctx context.Context) ([]PostingOverview, error) {
	rows, err := q.db.Query(ctx, listPostings)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOverviews(rows)
}

const listPostingsByIDs = `
SELECT p.id, p.poster, p.status, p.created_on,
       count(r.id),
       count(r.id) FILTER (WHERE r.status IN ('done', 'errored_out', 'cancelled'))
FROM job_postings p
LEFT JOIN job_records r ON r.posting_id = p.id
WHERE p.id = ANY($1)
GROUP BY p.id
ORDER BY p.created_on DESC
`

func (q *Queries) ListPostingsByIDs(ctx context.Context, ids []uuid.UUID) ([]PostingOverview, error) {
	rows, err := q.db.Query(ctx, listPostingsByIDs, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOverviews(rows)
}

func scanOverviews(rows pgx.Rows) ([]PostingOverview, error) {
	var out []PostingOverview
	for rows.Next() {
		var o PostingOverview
		if err := rows.Scan(&o.ID, &o.Poster, &o.Status, &o.CreatedOn, &o.Total, &o.Finished); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

const listJobRecords = `
SELECT id, posting_id, priority, positional_arguments, keyword_arguments,
       tries_remaining, status, created_on, updated_on
FROM job_records
WHERE posting_id = $1
ORDER BY priority DESC, created_on ASC, id ASC
`

func (q *Queries) ListJobRecords(ctx context.Context, postingID uuid.UUID) ([]JobRecord, error) {
	rows, err := q.db.Query(ctx, listJobRecords, postingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var recs []JobRecord
	for rows.Next() {
		var r JobRecord
		if err := rows.Scan(&r.ID, &r.PostingID, &r.Priority, &r.PositionalArguments,
			&r.KeywordArguments, &r.TriesRemaining, &r.Status, &r.CreatedOn, &r.UpdatedOn); err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

const waitingPriorityStats = `
SELECT priority, count(id), min(created_on)
FROM job_records
WHERE status = 'waiting' AND tries_remaining > 0
GROUP BY priority
ORDER BY priority DESC
`

func (q *Queries) WaitingPriorityStats(ctx context.Context) ([]PriorityStat, error) {
	rows, err := q.db.Query(ctx, waitingPriorityStats)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PriorityStat
	for rows.Next() {
		var s PriorityStat
		if err := rows.Scan(&s.Priority, &s.Count, &s.Oldest); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

const insertJobProfile = `
INSERT INTO job_profiles (job_record_id, total_calls, total_time)
VALUES ($1, $2, $3)
RETURNING id
`

type InsertJobProfileParams struct {
	JobRecordID uuid.UUID
	TotalCalls  int64
	TotalTime   float64
}

func (q *Queries) InsertJobProfile(ctx context.Context, arg InsertJobProfileParams) (uuid.UUID, error) {
	var id uuid.UUID
	err := q.db.QueryRow(ctx, insertJobProfile, arg.JobRecordID, arg.TotalCalls, arg.TotalTime).Scan(&id)
	return id, err
}

// upsertFunctionDef dedups shared function rows on the identity tuple. The
// no-op DO UPDATE makes RETURNING yield the existing id on conflict.
const upsertFunctionDef = `
INSERT INTO function_defs (filename, line_number, function_name)
VALUES ($1, $2, $3)
ON CONFLICT (filename, line_number, function_name)
DO UPDATE SET filename = EXCLUDED.filename
RETURNING id
`

type UpsertFunctionDefParams struct {
	Filename     string
	LineNumber   int32
	FunctionName string
}

func (q *Queries) UpsertFunctionDef(ctx context.Context, arg UpsertFunctionDefParams) (uuid.UUID, error) {
	var id uuid.UUID
	err := q.db.QueryRow(ctx, upsertFunctionDef, arg.Filename, arg.LineNumber, arg.FunctionName).Scan(&id)
	return id, err
}

const insertFunctionStat = `
INSERT INTO function_stats (profile_id, function_id, n_calls, primitive_calls, total_time, cumulative_time)
VALUES ($1, $2, $3, $4, $5, $6)
`

type InsertFunctionStatParams struct {
	ProfileID      uuid.UUID
	FunctionID     uuid.UUID
	NCalls         int64
	PrimitiveCalls int64
	TotalTime      float64
	CumulativeTime float64
}

func (q *Queries) InsertFunctionStat(ctx context.Context, arg InsertFunctionStatParams) error {
	_, err := q.db.Exec(ctx, insertFunctionStat, arg.ProfileID, arg.FunctionID,
		arg.NCalls, arg.PrimitiveCalls, arg.TotalTime, arg.CumulativeTime)
	return err
}

const insertFunctionCallEdge = `
INSERT INTO function_call_map (profile_id, caller_id, callee_id, n_calls)
VALUES ($1, $2, $3, $4)
`

type InsertFunctionCallEdgeParams struct {
	ProfileID uuid.UUID
	CallerID  uuid.UUID
	CalleeID  uuid.UUID
	NCalls    int64
}

func (q *Queries) InsertFunctionCallEdge(ctx context.Context, arg InsertFunctionCallEdgeParams) error {
	_, err := q.db.Exec(ctx, insertFunctionCallEdge, arg.ProfileID, arg.CallerID, arg.CalleeID, arg.NCalls)
	return err
}

const getPostingVariable = `
SELECT id, posting_id, key, value, updated_on
FROM job_posting_variables
WHERE posting_id = $1 AND key = $2
`

const getPostingVariableForUpdate = getPostingVariable + `
FOR UPDATE
`

type GetPostingVariableParams struct {
	PostingID uuid.UUID
	Key       string
	Lock      bool
}

func (q *Queries) GetPostingVariable(ctx context.Context, arg GetPostingVariableParams) (PostingVariable, error) {
	sqlText := getPostingVariable
	if arg.Lock {
		sqlText = getPostingVariableForUpdate
	}
	var v PostingVariable
	err := q.db.QueryRow(ctx, sqlText, arg.PostingID, arg.Key).
		Scan(&v.ID, &v.PostingID, &v.Key, &v.Value, &v.UpdatedOn)
	return v, err
}

const setPostingVariable = `
INSERT INTO job_posting_variables (posting_id, key, value)
VALUES ($1, $2, $3)
ON CONFLICT (posting_id, key)
DO UPDATE SET value = EXCLUDED.value, updated_on = now()
`

type SetPostingVariableParams struct {
	PostingID uuid.UUID
	Key       string
	Value     []byte
}

func (q *Queries) SetPostingVariable(ctx context.Context, arg SetPostingVariableParams) error {
	_, err := q.db.Exec(ctx, setPostingVariable, arg.PostingID, arg.Key, arg.Value)
	return err
}

const deletePostingVariable = `
DELETE FROM job_posting_variables WHERE posting_id = $1 AND key = $2
`

type DeletePostingVariableParams struct {
	PostingID uuid.UUID
	Key       string
}

func (q *Queries) DeletePostingVariable(ctx context.Context, arg DeletePostingVariableParams) (int64, error) {
	tag, err := q.db.Exec(ctx, deletePostingVariable, arg.PostingID, arg.Key)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const listPostingVariables = `
SELECT id, posting_id, key, value, updated_on
FROM job_posting_variables
WHERE posting_id = $1
ORDER BY key
`

func (q *Queries) ListPostingVariables(ctx context.Context, postingID uuid.UUID) ([]PostingVariable, error) {
	rows, err := q.db.Query(ctx, listPostingVariables, postingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PostingVariable
	for rows.Next() {
		var v PostingVariable
		if err := rows.Scan(&v.ID, &v.PostingID, &v.Key, &v.Value, &v.UpdatedOn); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
