package flowdb

import (
	"context"

	"github.com/google/uuid"
)

// Querier is the query surface consumed by the jobs package. Tests swap in
// an in-memory implementation.
type Querier interface {
	InsertPosting(ctx context.Context, arg InsertPostingParams) (JobPosting, error)
	BulkInsertJobRecords(ctx context.Context, arg BulkInsertJobRecordsParams) ([]uuid.UUID, error)
	GetPostingByID(ctx context.Context, id uuid.UUID) (JobPosting, error)
	UpdatePostingStatus(ctx context.Context, arg UpdatePostingStatusParams) (int64, error)
	ClaimJobRecords(ctx context.Context, arg ClaimJobRecordsParams) ([]JobRecord, error)
	ClaimJobRecordByID(ctx context.Context, id uuid.UUID) (JobRecord, error)
	ReleaseJobRecord(ctx context.Context, id uuid.UUID) error
	MarkPostingsExecuting(ctx context.Context, ids []uuid.UUID) error
	GetJobRecordByID(ctx context.Context, id uuid.UUID) (JobRecord, error)
	MarkJobDone(ctx context.Context, id uuid.UUID) error
	FailJobRecord(ctx context.Context, id uuid.UUID) (FailJobRecordRow, error)
	FinalizePostingStatus(ctx context.Context, postingID uuid.UUID) (StatusEnum, bool, error)
	GetPostingCounts(ctx context.Context, postingID uuid.UUID) (PostingCounts, error)
	CountJobsByStatus(ctx context.Context, arg CountJobsByStatusParams) (int64, error)
	ListPostings(ctx context.Context) ([]PostingOverview, error)
	ListPostingsByIDs(ctx context.Context, ids []uuid.UUID) ([]PostingOverview, error)
	ListJobRecords(ctx context.Context, postingID uuid.UUID) ([]JobRecord, error)
	WaitingPriorityStats(ctx context.Context) ([]PriorityStat, error)
	InsertJobProfile(ctx context.Context, arg InsertJobProfileParams) (uuid.UUID, error)
	UpsertFunctionDef(ctx context.Context, arg UpsertFunctionDefParams) (uuid.UUID, error)
	InsertFunctionStat(ctx context.Context, arg InsertFunctionStatParams) error
	InsertFunctionCallEdge(ctx context.Context, arg InsertFunctionCallEdgeParams) error
	GetPostingVariable(ctx context.Context, arg GetPostingVariableParams) (PostingVariable, error)
	SetPostingVariable(ctx context.Context, arg SetPostingVariableParams) error
	DeletePostingVariable(ctx context.Context, arg DeletePostingVariableParams) (int64, error)
	ListPostingVariables(ctx context.Context, postingID uuid.UUID) ([]PostingVariable, error)
}

var _ Querier = (*Queries)(nil)
