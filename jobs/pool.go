package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pdoflow/pdoflow/metrics"
	"github.com/pdoflow/pdoflow/pg/flowdb"
	"github.com/remiges-tech/logharbour/logharbour"
)

// Runner is anything the pool can supervise. *Worker satisfies it; tests
// substitute scripted runners.
type Runner interface {
	Run(ctx context.Context) error
}

// WorkerFactory builds the runner for a slot. Called again every time the
// slot is respawned, so each incarnation gets fresh private state (and, in
// production, a fresh database connection).
type WorkerFactory func(id int) (Runner, error)

type slotState int

const (
	slotEmpty slotState = iota
	slotSpawning
	slotRunning
	slotDead
)

type slot struct {
	state  slotState
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Pool keeps MaxWorkers runners alive. Upkeep reaps dead slots and
// respawns them; the live-worker count is exposed as a gauge. Workers are
// goroutines here, but the supervisor shares no state with them beyond the
// shutdown context.
type Pool struct {
	cfg     PoolConfig
	factory WorkerFactory
	logger  *logharbour.Logger
	metrics metrics.Metrics

	mu     sync.Mutex
	slots  []*slot
	closed bool

	runCtx     context.Context
	runCancel  context.CancelFunc
	upkeepDone chan struct{}
}

func NewPool(cfg PoolConfig, factory WorkerFactory, logger *logharbour.Logger, m metrics.Metrics) *Pool {
	if logger == nil {
		panic("logger cannot be nil")
	}
	if m == nil {
		m = metrics.Noop{}
	}
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:        cfg,
		factory:    factory,
		logger:     logger,
		metrics:    m,
		slots:      make([]*slot, cfg.MaxWorkers),
		runCtx:     ctx,
		runCancel:  cancel,
		upkeepDone: make(chan struct{}),
	}
	for i := range p.slots {
		p.slots[i] = &slot{state: slotEmpty}
	}
	return p
}

// Start fills the slots and begins periodic upkeep. Close stops everything.
func (p *Pool) Start() {
	p.Upkeep()
	go p.upkeepLoop()
}

func (p *Pool) upkeepLoop() {
	defer close(p.upkeepDone)
	ticker := time.NewTicker(p.cfg.UpkeepRate)
	defer ticker.Stop()
	for {
		select {
		case <-p.runCtx.Done():
			return
		case <-ticker.C:
			p.Upkeep()
		}
	}
}

// Upkeep performs one supervision cycle: reap exited runners, respawn
// empty slots, publish the live count. Safe to call concurrently with the
// internal ticker.
func (p *Pool) Upkeep() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	for i, s := range p.slots {
		if s.state != slotDead {
			continue
		}
		if s.err != nil {
			p.logger.Error(s.err).LogActivity("Worker exited with error", map[string]any{
				"slot": i,
			})
		} else {
			p.logger.Debug0().LogActivity("Worker exited", map[string]any{"slot": i})
		}
		p.metrics.Record(metrics.WorkerRespawns, 1)
		p.slots[i] = &slot{state: slotEmpty}
	}

	for i, s := range p.slots {
		if s.state == slotEmpty {
			p.spawnLocked(i)
		}
	}

	p.metrics.Record(metrics.LiveWorkers, float64(p.liveLocked()))
}

func (p *Pool) spawnLocked(i int) {
	s := p.slots[i]
	s.state = slotSpawning

	runner, err := p.factory(i)
	if err != nil {
		p.logger.Error(err).LogActivity("Failed to spawn worker", map[string]any{"slot": i})
		s.state = slotDead
		s.err = err
		s.done = closedChan()
		return
	}

	ctx, cancel := context.WithCancel(p.runCtx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.state = slotRunning

	go func(s *slot) {
		err := runner.Run(ctx)
		p.mu.Lock()
		s.state = slotDead
		s.err = err
		p.mu.Unlock()
		close(s.done)
	}(s)

	p.logger.Debug0().LogActivity("Spawned worker", map[string]any{"slot": i})
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (p *Pool) liveLocked() int {
	n := 0
	for _, s := range p.slots {
		if s.state == slotRunning {
			n++
		}
	}
	return n
}

// LiveWorkers reports how many runners are currently running.
func (p *Pool) LiveWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.liveLocked()
}

// Close shuts the pool down: cancel every runner cooperatively, wait up to
// the grace period, then abandon stragglers. Calling Close more than once
// is safe.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	slots := make([]*slot, len(p.slots))
	copy(slots, p.slots)
	p.mu.Unlock()

	p.runCancel()
	<-p.upkeepDone

	deadline := time.After(p.cfg.GracePeriod)
	for i, s := range slots {
		if s.done == nil {
			continue
		}
		select {
		case <-s.done:
		case <-deadline:
			p.logger.Warn().LogActivity("Worker did not stop within grace period", map[string]any{
				"slot": i,
			})
		}
	}

	p.metrics.Record(metrics.LiveWorkers, 0)
	p.logger.Info().LogActivity("Pool closed", nil)
	return nil
}

// AwaitPostingCompletion drives upkeep while polling until the posting
// reaches a terminal status. maxWait of zero waits forever; otherwise a
// TimeoutError is returned once the wall clock budget is spent.
func (p *Pool) AwaitPostingCompletion(ctx context.Context, obs *Observer, postingID uuid.UUID, pollTime, maxWait time.Duration) (flowdb.JobPosting, error) {
	if pollTime <= 0 {
		pollTime = DefaultPollInterval
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return flowdb.JobPosting{}, ErrPoolClosed
	}
	var deadline time.Time
	if maxWait > 0 {
		deadline = time.Now().Add(maxWait)
	}

	poller := obs.PollPosting(postingID)
	for {
		p.Upkeep()

		posting, ok, err := poller.Next(ctx)
		if err != nil {
			return flowdb.JobPosting{}, err
		}
		if posting.Status.Terminal() {
			return posting, nil
		}
		if !ok {
			// Poller exhausted without a terminal snapshot; treat as gone.
			return flowdb.JobPosting{}, ErrPostingNotFound
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			return flowdb.JobPosting{}, TimeoutError{PostingID: postingID, Waited: maxWait}
		}

		select {
		case <-ctx.Done():
			return flowdb.JobPosting{}, ctx.Err()
		case <-time.After(pollTime):
		}
	}
}
