package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pdoflow/pdoflow/pg/flowdb"
)

// Variables is posting-scoped shared state for user functions: JSON values
// keyed by name, visible to every unit of the posting across all workers.
// Update serializes concurrent read-modify-writes with a row lock.
type Variables struct {
	ds Datastore
}

func NewVariables(ds Datastore) *Variables {
	return &Variables{ds: ds}
}

// Get unmarshals the value under key into dest.
func (v *Variables) Get(ctx context.Context, postingID uuid.UUID, key string, dest any) error {
	row, err := v.ds.GetPostingVariable(ctx, flowdb.GetPostingVariableParams{
		PostingID: postingID,
		Key:       key,
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s/%s", ErrVariableNotFound, postingID, key)
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(row.Value, dest)
}

// Set writes value under key, replacing any previous value.
func (v *Variables) Set(ctx context.Context, postingID uuid.UUID, key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("variable %s is not JSON-serializable: %w", key, err)
	}
	return v.ds.SetPostingVariable(ctx, flowdb.SetPostingVariableParams{
		PostingID: postingID,
		Key:       key,
		Value:     encoded,
	})
}

// Update applies fn to the current value under a row lock so concurrent
// updaters serialize instead of clobbering each other. fn receives nil when
// the key does not exist yet and returns the replacement value.
func (v *Variables) Update(ctx context.Context, postingID uuid.UUID, key string, fn func(current json.RawMessage) (any, error)) error {
	tx, err := v.ds.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin variable update: %w", err)
	}
	defer tx.Rollback(ctx)

	var current json.RawMessage
	row, err := tx.GetPostingVariable(ctx, flowdb.GetPostingVariableParams{
		PostingID: postingID,
		Key:       key,
		Lock:      true,
	})
	if err == nil {
		current = row.Value
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return err
	}

	next, err := fn(current)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("variable %s is not JSON-serializable: %w", key, err)
	}

	err = tx.SetPostingVariable(ctx, flowdb.SetPostingVariableParams{
		PostingID: postingID,
		Key:       key,
		Value:     encoded,
	})
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Delete removes the key. Deleting a missing key is an error so callers
// notice broken coordination.
func (v *Variables) Delete(ctx context.Context, postingID uuid.UUID, key string) error {
	affected, err := v.ds.DeletePostingVariable(ctx, flowdb.DeletePostingVariableParams{
		PostingID: postingID,
		Key:       key,
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s/%s", ErrVariableNotFound, postingID, key)
	}
	return nil
}

// List returns every variable of the posting as raw JSON keyed by name.
func (v *Variables) List(ctx context.Context, postingID uuid.UUID) (map[string]json.RawMessage, error) {
	rows, err := v.ds.ListPostingVariables(ctx, postingID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(rows))
	for _, row := range rows {
		out[row.Key] = json.RawMessage(row.Value)
	}
	return out, nil
}
