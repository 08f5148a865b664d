package workerpool

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleState(handle string) State {
	return State{
		Handle:    handle,
		Phase:     PhaseRunning,
		StartedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Nodes: map[string]NodeState{
			"public/create":        {Status: NodeSucceeded, Attempts: 1},
			"public/element/mol_1": {Status: NodeFailed, Error: "exit 1", Attempts: 1},
		},
	}
}

func TestMemStatusStore_Expiry(t *testing.T) {
	s := NewMemStatusStore(time.Minute)
	now := time.Now()
	s.now = func() time.Time { return now }

	require.NoError(t, s.Put(context.Background(), sampleState("h1")))

	got, err := s.Get(context.Background(), "h1")
	require.NoError(t, err)
	assert.Equal(t, NodeFailed, got.Nodes["public/element/mol_1"].Status)

	// returned states are copies
	got.Nodes["public/create"] = NodeState{Status: NodePending}
	again, err := s.Get(context.Background(), "h1")
	require.NoError(t, err)
	assert.Equal(t, NodeSucceeded, again.Nodes["public/create"].Status)

	now = now.Add(2 * time.Minute)
	_, err = s.Get(context.Background(), "h1")
	require.ErrorIs(t, err, ErrUnknownHandle)
	assert.Equal(t, 0, s.entries.Size())
}

func TestMemStatusStore_SweepsUnqueriedHandles(t *testing.T) {
	s := NewMemStatusStore(time.Minute)
	now := time.Now()
	s.now = func() time.Time { return now }
	ctx := context.Background()

	for i := range 1000 {
		require.NoError(t, s.Put(ctx, sampleState(fmt.Sprintf("h%d", i))))
	}
	assert.Equal(t, 1000, s.entries.Size())

	// within the ttl nothing is dropped
	now = now.Add(30 * time.Second)
	require.NoError(t, s.Put(ctx, sampleState("h1000")))
	assert.Equal(t, 1001, s.entries.Size())

	now = now.Add(45 * time.Second)
	require.NoError(t, s.Put(ctx, sampleState("fresh")))
	assert.Equal(t, 2, s.entries.Size())

	_, err := s.Get(ctx, "h1000")
	require.NoError(t, err)
	_, err = s.Get(ctx, "fresh")
	require.NoError(t, err)
}

func TestRedisStatusStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	pool, err := NewRedisPool(context.Background(), mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	s := NewRedisStatusStore(pool, time.Hour)
	ctx := context.Background()

	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrUnknownHandle)

	want := sampleState("h1")
	require.NoError(t, s.Put(ctx, want))

	got, err := s.Get(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, want.Nodes, got.Nodes)
	assert.True(t, want.StartedAt.Equal(got.StartedAt))
	assert.Equal(t, PhaseRunning, got.Phase)
	assert.True(t, mr.Exists(redisKeyPrefix+"h1"))

	mr.FastForward(2 * time.Hour)
	_, err = s.Get(ctx, "h1")
	require.ErrorIs(t, err, ErrUnknownHandle)
}

func TestNewRedisPool_Unreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	_, err = NewRedisPool(context.Background(), addr)
	require.Error(t, err)
}
