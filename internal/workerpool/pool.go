package workerpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/programme-lv/referee/internal/logger"
	"github.com/programme-lv/referee/internal/taskgraph"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var ErrPoolClosed = errors.New("worker pool is shut down")

const defaultMaxRetries = 4

type Options struct {
	// Workers bounds how many nodes run at once across all graphs.
	Workers int64
	Store   StatusStore
	// NewBackOff returns the retry schedule for transient node failures.
	NewBackOff func() backoff.BackOff
}

// Pool executes task graphs detached from the caller and records their
// progress in a StatusStore.
type Pool struct {
	sem        *semaphore.Weighted
	store      StatusStore
	newBackOff func() backoff.BackOff

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

func New(opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = int64(runtime.NumCPU())
	}
	if opts.Store == nil {
		opts.Store = NewMemStatusStore(24 * time.Hour)
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxElapsedTime = time.Minute
			return backoff.WithMaxRetries(b, defaultMaxRetries)
		}
	}
	base, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:        semaphore.NewWeighted(opts.Workers),
		store:      opts.Store,
		newBackOff: opts.NewBackOff,
		base:       base,
		cancel:     cancel,
	}
}

// Submit records the graph as pending and starts it in the background. The
// returned handle identifies it in Status. ctx only scopes the submission
// itself; the graph keeps running after ctx is done.
func (p *Pool) Submit(ctx context.Context, g *taskgraph.Graph) (string, error) {
	if p.closed.Load() {
		return "", ErrPoolClosed
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate handle: %w", err)
	}
	handle := id.String()

	st := State{
		Handle:    handle,
		Phase:     PhasePending,
		Nodes:     make(map[string]NodeState, g.Len()),
		StartedAt: time.Now(),
	}
	for _, n := range g.Nodes() {
		st.Nodes[n.ID] = NodeState{Status: NodePending}
	}
	if err := p.store.Put(ctx, st); err != nil {
		return "", fmt.Errorf("failed to record submission: %w", err)
	}

	runCtx := logger.WithLogger(p.base, logger.FromContext(ctx).With("handle", handle))
	r := &graphRun{pool: p, graph: g, state: st}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		r.run(runCtx)
	}()
	return handle, nil
}

func (p *Pool) Status(ctx context.Context, handle string) (State, error) {
	return p.store.Get(ctx, handle)
}

// Shutdown stops accepting graphs and waits for running ones. If ctx ends
// first, running nodes are cancelled.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.closed.Store(true)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

type graphRun struct {
	pool  *Pool
	graph *taskgraph.Graph

	mu       sync.Mutex
	state    State
	outcomes map[string]taskgraph.Outcome
}

func (r *graphRun) run(ctx context.Context) {
	log := logger.FromContext(ctx)
	r.outcomes = make(map[string]taskgraph.Outcome, r.graph.Len())
	r.update(ctx, func(st *State) { st.Phase = PhaseRunning })

	done := make(map[string]chan struct{}, r.graph.Len())
	for _, n := range r.graph.Nodes() {
		done[n.ID] = make(chan struct{})
	}

	var eg errgroup.Group
	for _, n := range r.graph.Nodes() {
		eg.Go(func() error {
			defer close(done[n.ID])
			for _, d := range n.Deps {
				<-done[d]
			}
			r.runNode(ctx, n)
			return nil
		})
	}
	_ = eg.Wait()

	r.update(ctx, func(st *State) {
		now := time.Now()
		st.Phase = PhaseFinished
		st.FinishedAt = &now
	})
	log.Info("graph finished",
		"succeeded", r.state.Count(NodeSucceeded),
		"failed", r.state.Count(NodeFailed),
		"skipped", r.state.Count(NodeSkipped))
}

func (r *graphRun) inputs(n *taskgraph.Node) taskgraph.Inputs {
	r.mu.Lock()
	defer r.mu.Unlock()
	in := make(taskgraph.Inputs, len(n.Deps))
	for _, d := range n.Deps {
		in[d] = r.outcomes[d]
	}
	return in
}

func (r *graphRun) runNode(ctx context.Context, n *taskgraph.Node) {
	log := logger.FromContext(ctx).With("node", n.ID)
	in := r.inputs(n)

	attempts := 0
	op := func() (any, error) {
		if err := r.pool.sem.Acquire(ctx, 1); err != nil {
			return nil, backoff.Permanent(err)
		}
		defer r.pool.sem.Release(1)

		attempts++
		r.update(ctx, func(st *State) {
			st.Nodes[n.ID] = NodeState{Status: NodeRunning, Attempts: attempts}
		})
		v, err := safeRun(ctx, n, in)
		if err != nil && !IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		if err != nil {
			log.Warn("transient node failure", "attempt", attempts, "error", err)
		}
		return v, err
	}
	v, err := backoff.RetryWithData(op, backoff.WithContext(r.pool.newBackOff(), ctx))

	ns := NodeState{Attempts: attempts}
	switch {
	case err == nil:
		ns.Status = NodeSucceeded
		if v != nil {
			if data, merr := json.Marshal(v); merr == nil {
				ns.Value = data
			}
		}
	case errors.Is(err, taskgraph.ErrSkipped):
		ns.Status = NodeSkipped
	default:
		ns.Status = NodeFailed
		ns.Error = err.Error()
		log.Warn("node failed", "error", err)
	}

	r.mu.Lock()
	r.outcomes[n.ID] = taskgraph.Outcome{Value: v, Err: err}
	r.mu.Unlock()
	r.update(ctx, func(st *State) { st.Nodes[n.ID] = ns })
}

// safeRun turns a panic in a node into an error.
func safeRun(ctx context.Context, n *taskgraph.Node, in taskgraph.Inputs) (v any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in node %s: %v", n.ID, rec)
		}
	}()
	return n.Run(ctx, in)
}

// update applies fn and writes the snapshot while holding the lock, so the
// store never sees an older state after a newer one.
func (r *graphRun) update(ctx context.Context, fn func(st *State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.state)
	if err := r.pool.store.Put(context.WithoutCancel(ctx), r.state.clone()); err != nil {
		logger.FromContext(ctx).Error("failed to record graph state", "error", err)
	}
}
