package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/programme-lv/referee/internal/environment"
	"github.com/programme-lv/referee/internal/workerpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	finishAfter int
	calls       int
}

func (c *countingSource) Status(_ context.Context, handle string) (workerpool.State, error) {
	c.calls++
	st := workerpool.State{Handle: handle, Phase: workerpool.PhaseRunning}
	if c.calls >= c.finishAfter {
		st.Phase = workerpool.PhaseFinished
	}
	return st, nil
}

func TestWaitFinished_PollsUntilDone(t *testing.T) {
	src := &countingSource{finishAfter: 3}
	st, err := waitFinished(context.Background(), src, "h1", time.Millisecond)
	require.NoError(t, err)
	assert.True(t, st.Finished())
	assert.Equal(t, 3, src.calls)
}

func TestWaitFinished_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := waitFinished(ctx, &countingSource{finishAfter: 1 << 30}, "h1", time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitFinished_UnknownHandle(t *testing.T) {
	pool := workerpool.New(workerpool.Options{Workers: 1})
	defer pool.Shutdown(context.Background())
	_, err := waitFinished(context.Background(), pool, "missing", time.Millisecond)
	require.ErrorIs(t, err, workerpool.ErrUnknownHandle)
}

func TestOutputFeedback(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	outputFeedback(&buf, []feedbackRow{
		{unit: "Docker", health: healthOK, message: "engine 27.3.1"},
		{unit: "Result cache", health: healthError, message: "permission denied"},
	})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "Unit          Health  Message", lines[0])
	assert.Equal(t, "Docker        OKAY    engine 27.3.1", lines[1])
	assert.Equal(t, "Result cache  ERROR   permission denied", lines[2])
}

func TestCheckAll_UnconfiguredBackendsWarn(t *testing.T) {
	cfg := &environment.EnvConfig{DockerBin: "/nonexistent/docker", CacheDir: t.TempDir()}
	rows := checkAll(context.Background(), cfg, time.Second)

	byUnit := map[string]health{}
	for _, r := range rows {
		byUnit[r.unit] = r.health
	}
	assert.Equal(t, map[string]health{
		"Docker":       healthError,
		"Result cache": healthOK,
		"Postgres":     healthWarn,
		"Redis":        healthWarn,
		"NATS":         healthWarn,
	}, byUnit)
}
