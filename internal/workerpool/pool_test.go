package workerpool_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/programme-lv/referee/internal/taskgraph"
	"github.com/programme-lv/referee/internal/workerpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPool(t *testing.T, workers int64) *workerpool.Pool {
	t.Helper()
	p := workerpool.New(workerpool.Options{
		Workers: workers,
		Store:   workerpool.NewMemStatusStore(time.Hour),
		NewBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 3)
		},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

func waitFinished(t *testing.T, p *workerpool.Pool, handle string) workerpool.State {
	t.Helper()
	var st workerpool.State
	require.Eventually(t, func() bool {
		var err error
		st, err = p.Status(context.Background(), handle)
		return err == nil && st.Finished()
	}, 5*time.Second, 5*time.Millisecond)
	return st
}

func TestPool_RunsInDependencyOrder(t *testing.T) {
	p := newPool(t, 4)

	var mu sync.Mutex
	var order []string
	record := func(id string, v any) taskgraph.Func {
		return func(context.Context, taskgraph.Inputs) (any, error) {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return v, nil
		}
	}

	g := taskgraph.New()
	g.MustAdd("a", record("a", 1.5))
	g.MustAdd("b", record("b", 2.5), "a")
	g.MustAdd("c", record("c", 3.5), "a")
	g.MustAdd("sum", func(_ context.Context, in taskgraph.Inputs) (any, error) {
		b, err := taskgraph.Value[float64](in, "b")
		if err != nil {
			return nil, err
		}
		c, err := taskgraph.Value[float64](in, "c")
		if err != nil {
			return nil, err
		}
		return b + c, nil
	}, "b", "c")

	handle, err := p.Submit(context.Background(), g)
	require.NoError(t, err)
	require.NotEmpty(t, handle)

	st := waitFinished(t, p, handle)
	require.NotNil(t, st.FinishedAt)
	assert.Equal(t, 4, st.Count(workerpool.NodeSucceeded))
	assert.JSONEq(t, "6", string(st.Nodes["sum"].Value))
	assert.Equal(t, 1, st.Nodes["sum"].Attempts)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 3)
	assert.Equal(t, "a", order[0])
}

func TestPool_FailureDoesNotBlockDependents(t *testing.T) {
	p := newPool(t, 2)

	g := taskgraph.New()
	g.MustAdd("ok", func(context.Context, taskgraph.Inputs) (any, error) { return "fine", nil })
	g.MustAdd("bad", func(context.Context, taskgraph.Inputs) (any, error) { return nil, errors.New("exit 1") })
	g.MustAdd("skip", func(context.Context, taskgraph.Inputs) (any, error) { return nil, taskgraph.ErrSkipped })
	g.MustAdd("collect", func(_ context.Context, in taskgraph.Inputs) (any, error) {
		n := 0
		for _, o := range in {
			if o.Succeeded() {
				n++
			}
		}
		return n, nil
	}, "ok", "bad", "skip")

	handle, err := p.Submit(context.Background(), g)
	require.NoError(t, err)
	st := waitFinished(t, p, handle)

	assert.Equal(t, workerpool.NodeFailed, st.Nodes["bad"].Status)
	assert.Equal(t, "exit 1", st.Nodes["bad"].Error)
	assert.Equal(t, 1, st.Nodes["bad"].Attempts)
	assert.Equal(t, workerpool.NodeSkipped, st.Nodes["skip"].Status)
	assert.Equal(t, workerpool.NodeSucceeded, st.Nodes["collect"].Status)
	assert.JSONEq(t, "1", string(st.Nodes["collect"].Value))
}

func TestPool_RetriesTransientFailures(t *testing.T) {
	p := newPool(t, 1)

	var calls atomic.Int32
	g := taskgraph.New()
	g.MustAdd("flaky", func(context.Context, taskgraph.Inputs) (any, error) {
		if calls.Add(1) < 3 {
			return nil, workerpool.Transient(errors.New("engine hiccup"))
		}
		return "done", nil
	})
	g.MustAdd("hopeless", func(context.Context, taskgraph.Inputs) (any, error) {
		return nil, workerpool.Transient(errors.New("always down"))
	})

	handle, err := p.Submit(context.Background(), g)
	require.NoError(t, err)
	st := waitFinished(t, p, handle)

	assert.Equal(t, workerpool.NodeSucceeded, st.Nodes["flaky"].Status)
	assert.Equal(t, 3, st.Nodes["flaky"].Attempts)
	assert.Equal(t, workerpool.NodeFailed, st.Nodes["hopeless"].Status)
	assert.Equal(t, 4, st.Nodes["hopeless"].Attempts)
}

func TestPool_RecoversPanics(t *testing.T) {
	p := newPool(t, 1)

	g := taskgraph.New()
	g.MustAdd("boom", func(context.Context, taskgraph.Inputs) (any, error) { panic("nil map") })
	g.MustAdd("after", func(context.Context, taskgraph.Inputs) (any, error) { return true, nil }, "boom")

	handle, err := p.Submit(context.Background(), g)
	require.NoError(t, err)
	st := waitFinished(t, p, handle)

	assert.Equal(t, workerpool.NodeFailed, st.Nodes["boom"].Status)
	assert.Contains(t, st.Nodes["boom"].Error, "nil map")
	assert.Equal(t, workerpool.NodeSucceeded, st.Nodes["after"].Status)
}

func TestPool_BoundsConcurrency(t *testing.T) {
	p := newPool(t, 2)

	var running, peak atomic.Int32
	g := taskgraph.New()
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		g.MustAdd(id, func(context.Context, taskgraph.Inputs) (any, error) {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			return nil, nil
		})
	}

	handle, err := p.Submit(context.Background(), g)
	require.NoError(t, err)
	waitFinished(t, p, handle)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPool_SubmitReturnsBeforeCompletion(t *testing.T) {
	p := newPool(t, 1)

	release := make(chan struct{})
	g := taskgraph.New()
	g.MustAdd("slow", func(context.Context, taskgraph.Inputs) (any, error) {
		<-release
		return nil, nil
	})

	handle, err := p.Submit(context.Background(), g)
	require.NoError(t, err)

	st, err := p.Status(context.Background(), handle)
	require.NoError(t, err)
	assert.False(t, st.Finished())

	close(release)
	waitFinished(t, p, handle)
}

func TestPool_UnknownHandle(t *testing.T) {
	p := newPool(t, 1)
	_, err := p.Status(context.Background(), "no-such-handle")
	require.ErrorIs(t, err, workerpool.ErrUnknownHandle)
}

func TestPool_ShutdownWaitsAndRejects(t *testing.T) {
	p := workerpool.New(workerpool.Options{Workers: 1})

	var finished atomic.Bool
	g := taskgraph.New()
	g.MustAdd("work", func(context.Context, taskgraph.Inputs) (any, error) {
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
		return nil, nil
	})
	_, err := p.Submit(context.Background(), g)
	require.NoError(t, err)

	require.NoError(t, p.Shutdown(context.Background()))
	assert.True(t, finished.Load())

	_, err = p.Submit(context.Background(), taskgraph.New())
	require.ErrorIs(t, err, workerpool.ErrPoolClosed)
}

func TestTransient(t *testing.T) {
	assert.Nil(t, workerpool.Transient(nil))

	base := errors.New("x")
	err := workerpool.Transient(base)
	assert.True(t, workerpool.IsTransient(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, workerpool.IsTransient(base))
}
