package jobs

import (
	"context"
	"time"

	"github.com/pdoflow/pdoflow/pg/flowdb"
)

// JobFunc is the shape of every registered user function. The return value
// carries only success or failure; results are delivered by side effect.
type JobFunc func(ctx context.Context, args []any, kwargs map[string]any) error

// Datastore is the query surface plus transaction control consumed by the
// dispatch protocol. *flowdb.Store satisfies it through WrapStore; tests
// substitute an in-memory implementation.
type Datastore interface {
	flowdb.Querier
	Begin(ctx context.Context) (Tx, error)
}

// Tx is an open Datastore transaction.
type Tx interface {
	flowdb.Querier
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// WrapStore adapts a flowdb.Store to the Datastore interface.
func WrapStore(s *flowdb.Store) Datastore {
	return pgDatastore{s}
}

type pgDatastore struct {
	*flowdb.Store
}

func (d pgDatastore) Begin(ctx context.Context) (Tx, error) {
	tx, err := d.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// ExceptionLogging selects the severity at which user-function failures are
// emitted. None suppresses them entirely; outcomes are still recorded.
type ExceptionLogging string

const (
	ExceptionLogNone  ExceptionLogging = "none"
	ExceptionLogDebug ExceptionLogging = "debug"
	ExceptionLogInfo  ExceptionLogging = "info"
	ExceptionLogWarn  ExceptionLogging = "warning"
	ExceptionLogError ExceptionLogging = "error"
)

const (
	DefaultBatchSize        = 10
	DefaultPollInterval     = 1 * time.Second
	DefaultProfileRate      = 0.1
	DefaultTriesRemaining   = 3
	DefaultFailurePostings  = 1024
	DefaultFailureJobs      = 128
	DefaultFailureThreshold = 10
	DefaultUpkeepRate       = 1 * time.Second
	DefaultGracePeriod      = 10 * time.Second
)

// WorkerConfig holds per-worker tunables. Zero values select the defaults
// above.
type WorkerConfig struct {
	BatchSize        int32
	PollInterval     time.Duration
	ProfileRate      float64 // probability a unit runs profiled; negative disables
	ExceptionLogging ExceptionLogging
	FailurePostings  int // failure cache capacity: postings
	FailureJobs      int // failure cache capacity: jobs per posting
	FailureThreshold int // distinct local failures before a posting is shunned
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ProfileRate == 0 {
		c.ProfileRate = DefaultProfileRate
	}
	if c.ExceptionLogging == "" {
		c.ExceptionLogging = ExceptionLogError
	}
	if c.FailurePostings == 0 {
		c.FailurePostings = DefaultFailurePostings
	}
	if c.FailureJobs == 0 {
		c.FailureJobs = DefaultFailureJobs
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	return c
}

// PoolConfig holds the supervisor tunables.
type PoolConfig struct {
	MaxWorkers  int
	UpkeepRate  time.Duration
	GracePeriod time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.MaxWorkers == 0 {
		c.MaxWorkers = 1
	}
	if c.UpkeepRate == 0 {
		c.UpkeepRate = DefaultUpkeepRate
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	return c
}
