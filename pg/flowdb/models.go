package flowdb

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StatusEnum mirrors the status_enum Postgres type. The same identifiers
// apply to postings and job records; some transitions are only valid on one
// of the two.
type StatusEnum string

const (
	StatusEnumWaiting    StatusEnum = "waiting"
	StatusEnumExecuting  StatusEnum = "executing"
	StatusEnumDone       StatusEnum = "done"
	StatusEnumErroredOut StatusEnum = "errored_out"
	StatusEnumPaused     StatusEnum = "paused"
	StatusEnumCancelled  StatusEnum = "cancelled"
)

// Terminal reports whether no further transitions may occur from s.
func (s StatusEnum) Terminal() bool {
	return s == StatusEnumDone || s == StatusEnumErroredOut || s == StatusEnumCancelled
}

func (s StatusEnum) String() string {
	return string(s)
}

// ParseStatus converts a user-supplied string into a StatusEnum.
func ParseStatus(s string) (StatusEnum, error) {
	switch StatusEnum(s) {
	case StatusEnumWaiting, StatusEnumExecuting, StatusEnumDone,
		StatusEnumErroredOut, StatusEnumPaused, StatusEnumCancelled:
		return StatusEnum(s), nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// JobPosting is a named batch of work units.
type JobPosting struct {
	ID             uuid.UUID
	Poster         string
	TargetFunction string
	EntryPoint     string
	Status         StatusEnum
	CreatedOn      time.Time
}

// JobRecord is a single work unit owned by a posting.
type JobRecord struct {
	ID                  uuid.UUID
	PostingID           uuid.UUID
	Priority            int32
	PositionalArguments []byte // JSON array
	KeywordArguments    []byte // JSON object, may be nil
	TriesRemaining      int32
	Status              StatusEnum
	CreatedOn           time.Time
	UpdatedOn           time.Time
}

// JobProfile holds aggregate totals for one sampled unit execution.
type JobProfile struct {
	ID          uuid.UUID
	JobRecordID uuid.UUID
	TotalCalls  int64
	TotalTime   float64
	CreatedOn   time.Time
}

// FunctionDef is a content-addressed function identity shared across
// profiles. Dedup is on (filename, line_number, function_name).
type FunctionDef struct {
	ID           uuid.UUID
	Filename     string
	LineNumber   int32
	FunctionName string
}

// FunctionStat is the per-function measurement of one profile.
type FunctionStat struct {
	ID             uuid.UUID
	ProfileID      uuid.UUID
	FunctionID     uuid.UUID
	NCalls         int64
	PrimitiveCalls int64
	TotalTime      float64
	CumulativeTime float64
}

// FunctionCallEdge is one caller->callee edge of a profile's call graph.
type FunctionCallEdge struct {
	ID        uuid.UUID
	ProfileID uuid.UUID
	CallerID  uuid.UUID
	CalleeID  uuid.UUID
	NCalls    int64
}

// PostingVariable is one shared key/value pair scoped to a posting.
type PostingVariable struct {
	ID        uuid.UUID
	PostingID uuid.UUID
	Key       string
	Value     []byte // JSON
	UpdatedOn time.Time
}

// PostingCounts aggregates a posting's units by status bucket. Total is the
// number of owned units; Finished counts units in a terminal status.
type PostingCounts struct {
	Total     int64
	Finished  int64
	Waiting   int64
	Executing int64
	Errored   int64
}

// PercentDone returns completion as a value in [0, 100]. An empty posting
// is complete by definition.
func (c PostingCounts) PercentDone() float64 {
	if c.Total == 0 {
		return 100.0
	}
	return float64(c.Finished) / float64(c.Total) * 100.0
}

// PostingOverview is the listing row used by status front-ends.
type PostingOverview struct {
	ID        uuid.UUID
	Poster    string
	Status    StatusEnum
	CreatedOn time.Time
	Total     int64
	Finished  int64
}

// PriorityStat is one row of the waiting-queue priority distribution.
type PriorityStat struct {
	Priority int32
	Count    int64
	Oldest   time.Time
}
