package flowdb

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the subset of pgx satisfied by *pgx.Conn, *pgxpool.Pool and
// pgx.Tx, so the same Queries value works inside and outside transactions.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// New returns a Queries value bound to db.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// Queries implements Querier with hand-written SQL against a DBTX.
type Queries struct {
	db DBTX
}

// Beginner is satisfied by *pgx.Conn and *pgxpool.Pool.
type Beginner interface {
	DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store couples a Queries with transaction control. Each worker builds a
// Store over its single private connection; producer-side APIs build one
// over a pgxpool.
type Store struct {
	*Queries
	db Beginner
}

// NewStore wraps db for use by the jobs package.
func NewStore(db Beginner) *Store {
	return &Store{Queries: New(db), db: db}
}

// Begin opens a transaction and returns a Tx whose Queries run inside it.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &Tx{Queries: New(tx), tx: tx}, nil
}

// Tx is an open transaction exposing the same query surface as Store.
type Tx struct {
	*Queries
	tx pgx.Tx
}

func (t *Tx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *Tx) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}
