package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pdoflow/pdoflow/pg/flowdb"
)

type registryKey struct {
	EntryPoint string
	Target     string
}

// Registry maps (entry_point, target_function) pairs to callables. There is
// no package-level singleton; producers and workers share one instance by
// construction. Postings carry the pair so any process holding an equally
// populated registry can execute them.
type Registry struct {
	mu    sync.RWMutex
	funcs map[registryKey]JobFunc
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[registryKey]JobFunc)}
}

// Register binds fn to (entryPoint, target). Registering the same pair
// twice is an error to prevent accidental overwrites.
func (r *Registry) Register(entryPoint, target string, fn JobFunc) error {
	if fn == nil {
		return fmt.Errorf("function for %s/%s cannot be nil", entryPoint, target)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := registryKey{EntryPoint: entryPoint, Target: target}
	if _, exists := r.funcs[key]; exists {
		return fmt.Errorf("%w: entry_point=%s target=%s", ErrDuplicateRegistration, entryPoint, target)
	}
	r.funcs[key] = fn
	return nil
}

// Resolve returns the callable for (entryPoint, target).
func (r *Registry) Resolve(entryPoint, target string) (JobFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.funcs[registryKey{EntryPoint: entryPoint, Target: target}]
	if !ok {
		return nil, ResolutionError{EntryPoint: entryPoint, Target: target}
	}
	return fn, nil
}

// JobArgs is one work unit's submission payload.
type JobArgs struct {
	Priority int32
	Args     []any
	Kwargs   map[string]any
}

// PostRequest describes a posting and all of its units.
type PostRequest struct {
	Poster         string
	EntryPoint     string
	TargetFunction string
	TriesRemaining int32 // 0 selects DefaultTriesRemaining
	Units          []JobArgs
}

// PostReceipt identifies everything a Post call materialized.
type PostReceipt struct {
	PostingID uuid.UUID
	JobIDs    []uuid.UUID
}

// Post materializes the posting and all of its units in one transaction.
// The target must already be registered; submitting work nothing can
// execute is a programmer error. Argument marshaling failures (non-finite
// floats, channels, cycles) surface here, before anything is written.
func (r *Registry) Post(ctx context.Context, ds Datastore, req PostRequest) (*PostReceipt, error) {
	if _, err := r.Resolve(req.EntryPoint, req.TargetFunction); err != nil {
		return nil, err
	}

	tries := req.TriesRemaining
	if tries == 0 {
		tries = DefaultTriesRemaining
	}

	priorities := make([]int32, len(req.Units))
	posArgs := make([][]byte, len(req.Units))
	kwArgs := make([][]byte, len(req.Units))
	for i, unit := range req.Units {
		priorities[i] = unit.Priority

		args := unit.Args
		if args == nil {
			args = []any{}
		}
		encoded, err := json.Marshal(args)
		if err != nil {
			return nil, ArgumentError{Index: i, Details: err.Error()}
		}
		posArgs[i] = encoded

		if unit.Kwargs != nil {
			encoded, err := json.Marshal(unit.Kwargs)
			if err != nil {
				return nil, ArgumentError{Index: i, Details: err.Error()}
			}
			kwArgs[i] = encoded
		}
	}

	tx, err := ds.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin posting transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	posting, err := tx.InsertPosting(ctx, flowdb.InsertPostingParams{
		Poster:         req.Poster,
		TargetFunction: req.TargetFunction,
		EntryPoint:     req.EntryPoint,
		Status:         flowdb.StatusEnumWaiting,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to insert posting: %w", err)
	}

	var jobIDs []uuid.UUID
	if len(req.Units) > 0 {
		jobIDs, err = tx.BulkInsertJobRecords(ctx, flowdb.BulkInsertJobRecordsParams{
			PostingID:      posting.ID,
			TriesRemaining: tries,
			Priorities:     priorities,
			PosArgs:        posArgs,
			KwArgs:         kwArgs,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to insert job records: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit posting transaction: %w", err)
	}

	return &PostReceipt{PostingID: posting.ID, JobIDs: jobIDs}, nil
}
