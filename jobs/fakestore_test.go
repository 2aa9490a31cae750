package jobs

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pdoflow/pdoflow/pg/flowdb"
)

var errProfileInsert = errors.New("profile insert failed")

// fakeStore is an in-memory Datastore for exercising dispatch, worker,
// pool and observer logic without PostgreSQL. It mimics the SQL layer's
// visible behavior: claim ordering, SKIP LOCKED disjointness (trivially,
// via the mutex), tries accounting and derived posting status.
type fakeStore struct {
	mu        sync.Mutex
	postings  map[uuid.UUID]flowdb.JobPosting
	records   map[uuid.UUID]flowdb.JobRecord
	variables map[uuid.UUID]map[string]flowdb.PostingVariable

	profiles      int
	functionDefs  map[[3]any]uuid.UUID
	functionStats int
	callEdges     int

	claimCounts map[uuid.UUID]int

	failProfileInsert bool
	clock             time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		postings:     make(map[uuid.UUID]flowdb.JobPosting),
		records:      make(map[uuid.UUID]flowdb.JobRecord),
		variables:    make(map[uuid.UUID]map[string]flowdb.PostingVariable),
		functionDefs: make(map[[3]any]uuid.UUID),
		claimCounts:  make(map[uuid.UUID]int),
		clock:        time.Now().UTC(),
	}
}

func (s *fakeStore) tick() time.Time {
	s.clock = s.clock.Add(time.Millisecond)
	return s.clock
}

// Begin returns a transaction view over the same state. Commit and
// Rollback are no-ops: these tests target protocol logic, not atomicity.
func (s *fakeStore) Begin(ctx context.Context) (Tx, error) {
	return fakeTx{s}, nil
}

type fakeTx struct {
	*fakeStore
}

func (t fakeTx) Commit(ctx context.Context) error   { return nil }
func (t fakeTx) Rollback(ctx context.Context) error { return nil }

func (s *fakeStore) InsertPosting(ctx context.Context, arg flowdb.InsertPostingParams) (flowdb.JobPosting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := flowdb.JobPosting{
		ID:             uuid.New(),
		Poster:         arg.Poster,
		TargetFunction: arg.TargetFunction,
		EntryPoint:     arg.EntryPoint,
		Status:         arg.Status,
		CreatedOn:      s.tick(),
	}
	s.postings[p.ID] = p
	return p, nil
}

func (s *fakeStore) BulkInsertJobRecords(ctx context.Context, arg flowdb.BulkInsertJobRecordsParams) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uuid.UUID, len(arg.Priorities))
	for i := range arg.Priorities {
		now := s.tick()
		rec := flowdb.JobRecord{
			ID:                  uuid.New(),
			PostingID:           arg.PostingID,
			Priority:            arg.Priorities[i],
			PositionalArguments: arg.PosArgs[i],
			TriesRemaining:      arg.TriesRemaining,
			Status:              flowdb.StatusEnumWaiting,
			CreatedOn:           now,
			UpdatedOn:           now,
		}
		if i < len(arg.KwArgs) {
			rec.KeywordArguments = arg.KwArgs[i]
		}
		s.records[rec.ID] = rec
		ids[i] = rec.ID
	}
	return ids, nil
}

func (s *fakeStore) GetPostingByID(ctx context.Context, id uuid.UUID) (flowdb.JobPosting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.postings[id]
	if !ok {
		return flowdb.JobPosting{}, pgx.ErrNoRows
	}
	return p, nil
}

func (s *fakeStore) UpdatePostingStatus(ctx context.Context, arg flowdb.UpdatePostingStatusParams) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.postings[arg.ID]
	if !ok {
		return 0, nil
	}
	p.Status = arg.Status
	s.postings[arg.ID] = p
	return 1, nil
}

func (s *fakeStore) claimOrder(ids []uuid.UUID) {
	sort.SliceStable(ids, func(i, j int) bool {
		a, b := s.records[ids[i]], s.records[ids[j]]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedOn.Equal(b.CreatedOn) {
			return a.CreatedOn.Before(b.CreatedOn)
		}
		return a.ID.String() < b.ID.String()
	})
}

func (s *fakeStore) ClaimJobRecords(ctx context.Context, arg flowdb.ClaimJobRecordsParams) ([]flowdb.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	excluded := make(map[uuid.UUID]bool, len(arg.ExcludePostings))
	for _, id := range arg.ExcludePostings {
		excluded[id] = true
	}

	var candidates []uuid.UUID
	for id, rec := range s.records {
		if rec.Status != flowdb.StatusEnumWaiting || rec.TriesRemaining <= 0 {
			continue
		}
		if excluded[rec.PostingID] {
			continue
		}
		posting := s.postings[rec.PostingID]
		if posting.Status != flowdb.StatusEnumWaiting && posting.Status != flowdb.StatusEnumExecuting {
			continue
		}
		candidates = append(candidates, id)
	}
	s.claimOrder(candidates)
	if int32(len(candidates)) > arg.BatchSize {
		candidates = candidates[:arg.BatchSize]
	}

	claimed := make([]flowdb.JobRecord, 0, len(candidates))
	for _, id := range candidates {
		rec := s.records[id]
		rec.Status = flowdb.StatusEnumExecuting
		rec.UpdatedOn = s.tick()
		s.records[id] = rec
		s.claimCounts[id]++
		claimed = append(claimed, rec)
	}
	return claimed, nil
}

func (s *fakeStore) ClaimJobRecordByID(ctx context.Context, id uuid.UUID) (flowdb.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.Status != flowdb.StatusEnumWaiting || rec.TriesRemaining <= 0 {
		return flowdb.JobRecord{}, pgx.ErrNoRows
	}
	rec.Status = flowdb.StatusEnumExecuting
	rec.UpdatedOn = s.tick()
	s.records[id] = rec
	return rec, nil
}

func (s *fakeStore) ReleaseJobRecord(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.Status != flowdb.StatusEnumExecuting {
		return nil
	}
	rec.Status = flowdb.StatusEnumWaiting
	rec.UpdatedOn = s.tick()
	s.records[id] = rec
	return nil
}

func (s *fakeStore) MarkPostingsExecuting(ctx context.Context, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		p, ok := s.postings[id]
		if ok && p.Status == flowdb.StatusEnumWaiting {
			p.Status = flowdb.StatusEnumExecuting
			s.postings[id] = p
		}
	}
	return nil
}

func (s *fakeStore) GetJobRecordByID(ctx context.Context, id uuid.UUID) (flowdb.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return flowdb.JobRecord{}, pgx.ErrNoRows
	}
	return rec, nil
}

func (s *fakeStore) MarkJobDone(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.records[id]
	rec.Status = flowdb.StatusEnumDone
	rec.UpdatedOn = s.tick()
	s.records[id] = rec
	return nil
}

func (s *fakeStore) FailJobRecord(ctx context.Context, id uuid.UUID) (flowdb.FailJobRecordRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.TriesRemaining <= 0 {
		return flowdb.FailJobRecordRow{}, pgx.ErrNoRows
	}
	rec.TriesRemaining--
	if rec.TriesRemaining > 0 {
		rec.Status = flowdb.StatusEnumWaiting
	} else {
		rec.Status = flowdb.StatusEnumErroredOut
	}
	rec.UpdatedOn = s.tick()
	s.records[id] = rec
	return flowdb.FailJobRecordRow{Status: rec.Status, TriesRemaining: rec.TriesRemaining}, nil
}

func (s *fakeStore) FinalizePostingStatus(ctx context.Context, postingID uuid.UUID) (flowdb.StatusEnum, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	posting, ok := s.postings[postingID]
	if !ok {
		return "", false, nil
	}
	if posting.Status != flowdb.StatusEnumWaiting && posting.Status != flowdb.StatusEnumExecuting {
		return "", false, nil
	}

	total, pending, errored := 0, 0, 0
	for _, rec := range s.records {
		if rec.PostingID != postingID {
			continue
		}
		total++
		switch rec.Status {
		case flowdb.StatusEnumWaiting, flowdb.StatusEnumExecuting, flowdb.StatusEnumPaused:
			pending++
		case flowdb.StatusEnumErroredOut:
			errored++
		}
	}
	if total == 0 || pending > 0 {
		return "", false, nil
	}

	next := flowdb.StatusEnumDone
	if errored > 0 {
		next = flowdb.StatusEnumErroredOut
	}
	posting.Status = next
	s.postings[postingID] = posting
	return next, true, nil
}

func (s *fakeStore) GetPostingCounts(ctx context.Context, postingID uuid.UUID) (flowdb.PostingCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c flowdb.PostingCounts
	for _, rec := range s.records {
		if rec.PostingID != postingID {
			continue
		}
		c.Total++
		switch rec.Status {
		case flowdb.StatusEnumDone, flowdb.StatusEnumCancelled:
			c.Finished++
		case flowdb.StatusEnumErroredOut:
			c.Finished++
			c.Errored++
		case flowdb.StatusEnumWaiting:
			c.Waiting++
		case flowdb.StatusEnumExecuting:
			c.Executing++
		}
	}
	return c, nil
}

func (s *fakeStore) CountJobsByStatus(ctx context.Context, arg flowdb.CountJobsByStatusParams) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, rec := range s.records {
		if rec.PostingID == arg.PostingID && rec.Status == arg.Status {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) overviewLocked(p flowdb.JobPosting) flowdb.PostingOverview {
	o := flowdb.PostingOverview{
		ID:        p.ID,
		Poster:    p.Poster,
		Status:    p.Status,
		CreatedOn: p.CreatedOn,
	}
	for _, rec := range s.records {
		if rec.PostingID != p.ID {
			continue
		}
		o.Total++
		if rec.Status.Terminal() {
			o.Finished++
		}
	}
	return o
}

func (s *fakeStore) ListPostings(ctx context.Context) ([]flowdb.PostingOverview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []flowdb.PostingOverview
	for _, p := range s.postings {
		out = append(out, s.overviewLocked(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedOn.After(out[j].CreatedOn) })
	return out, nil
}

func (s *fakeStore) ListPostingsByIDs(ctx context.Context, ids []uuid.UUID) ([]flowdb.PostingOverview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []flowdb.PostingOverview
	for _, id := range ids {
		if p, ok := s.postings[id]; ok {
			out = append(out, s.overviewLocked(p))
		}
	}
	return out, nil
}

func (s *fakeStore) ListJobRecords(ctx context.Context, postingID uuid.UUID) ([]flowdb.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for id, rec := range s.records {
		if rec.PostingID == postingID {
			ids = append(ids, id)
		}
	}
	s.claimOrder(ids)
	out := make([]flowdb.JobRecord, len(ids))
	for i, id := range ids {
		out[i] = s.records[id]
	}
	return out, nil
}

func (s *fakeStore) WaitingPriorityStats(ctx context.Context) ([]flowdb.PriorityStat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byPriority := make(map[int32]*flowdb.PriorityStat)
	for _, rec := range s.records {
		if rec.Status != flowdb.StatusEnumWaiting || rec.TriesRemaining <= 0 {
			continue
		}
		stat, ok := byPriority[rec.Priority]
		if !ok {
			stat = &flowdb.PriorityStat{Priority: rec.Priority, Oldest: rec.CreatedOn}
			byPriority[rec.Priority] = stat
		}
		stat.Count++
		if rec.CreatedOn.Before(stat.Oldest) {
			stat.Oldest = rec.CreatedOn
		}
	}
	var out []flowdb.PriorityStat
	for _, stat := range byPriority {
		out = append(out, *stat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out, nil
}

func (s *fakeStore) InsertJobProfile(ctx context.Context, arg flowdb.InsertJobProfileParams) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failProfileInsert {
		return uuid.UUID{}, errProfileInsert
	}
	s.profiles++
	return uuid.New(), nil
}

func (s *fakeStore) UpsertFunctionDef(ctx context.Context, arg flowdb.UpsertFunctionDefParams) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [3]any{arg.Filename, arg.LineNumber, arg.FunctionName}
	if id, ok := s.functionDefs[key]; ok {
		return id, nil
	}
	id := uuid.New()
	s.functionDefs[key] = id
	return id, nil
}

func (s *fakeStore) InsertFunctionStat(ctx context.Context, arg flowdb.InsertFunctionStatParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.functionStats++
	return nil
}

func (s *fakeStore) InsertFunctionCallEdge(ctx context.Context, arg flowdb.InsertFunctionCallEdgeParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callEdges++
	return nil
}

func (s *fakeStore) GetPostingVariable(ctx context.Context, arg flowdb.GetPostingVariableParams) (flowdb.PostingVariable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.variables[arg.PostingID][arg.Key]
	if !ok {
		return flowdb.PostingVariable{}, pgx.ErrNoRows
	}
	return v, nil
}

func (s *fakeStore) SetPostingVariable(ctx context.Context, arg flowdb.SetPostingVariableParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byKey, ok := s.variables[arg.PostingID]
	if !ok {
		byKey = make(map[string]flowdb.PostingVariable)
		s.variables[arg.PostingID] = byKey
	}
	v, ok := byKey[arg.Key]
	if !ok {
		v = flowdb.PostingVariable{ID: uuid.New(), PostingID: arg.PostingID, Key: arg.Key}
	}
	v.Value = arg.Value
	v.UpdatedOn = s.tick()
	byKey[arg.Key] = v
	return nil
}

func (s *fakeStore) DeletePostingVariable(ctx context.Context, arg flowdb.DeletePostingVariableParams) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.variables[arg.PostingID][arg.Key]; !ok {
		return 0, nil
	}
	delete(s.variables[arg.PostingID], arg.Key)
	return 1, nil
}

func (s *fakeStore) ListPostingVariables(ctx context.Context, postingID uuid.UUID) ([]flowdb.PostingVariable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []flowdb.PostingVariable
	for _, v := range s.variables[postingID] {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// record reads one record back for assertions.
func (s *fakeStore) record(id uuid.UUID) flowdb.JobRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[id]
}

func (s *fakeStore) posting(id uuid.UUID) flowdb.JobPosting {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.postings[id]
}

// claimCount reports how many times a record has been claimed.
func (s *fakeStore) claimCount(id uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claimCounts[id]
}
